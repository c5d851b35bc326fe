package input

import "fmt"

// State is the health of the live feed.
type State int

const (
	Offline State = iota
	ConnectionPending
	Online
)

func (s State) String() string {
	switch s {
	case Offline:
		return "offline"
	case ConnectionPending:
		return "connection_pending"
	case Online:
		return "online"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Valid reports whether s is one of the declared states.
func (s State) Valid() bool {
	return s >= Offline && s <= Online
}

// MarshalText renders the state name in JSON status documents.
func (s State) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("unknown feed state %d", int(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name produced by MarshalText.
func (s *State) UnmarshalText(b []byte) error {
	for _, c := range []State{Offline, ConnectionPending, Online} {
		if c.String() == string(b) {
			*s = c
			return nil
		}
	}
	return fmt.Errorf("unknown feed state %q", b)
}
