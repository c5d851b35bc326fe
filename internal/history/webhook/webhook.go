// Package webhook posts relay events to a ProbeLog-style collector:
// POST {base}/probelogs with a JSON body and the x-access-secret header.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/loykin/onair/internal/history"
)

const DefaultApp = "onair"

// Entry is the collector's wire format. Value carries the event encoded as a
// JSON string.
type Entry struct {
	App    string `json:"app"`
	Type   string `json:"type"`
	Caller string `json:"caller"`
	Title  string `json:"title"`
	Value  string `json:"value"`
}

type Sink struct {
	client  *http.Client
	baseURL string
	secret  string
	app     string
}

func New(baseURL, secret string) *Sink {
	return &Sink{
		client:  &http.Client{Timeout: 5 * time.Second},
		baseURL: strings.TrimRight(baseURL, "/"),
		secret:  secret,
		app:     DefaultApp,
	}
}

// entryFor maps an event onto a collector entry. Unexpected exits and fatal
// errors are reported as errors, everything else as info.
func (s *Sink) entryFor(e history.Event) (Entry, error) {
	value, err := json.Marshal(e)
	if err != nil {
		return Entry{}, err
	}
	kind := "info"
	if e.Type == history.EventFatal || (e.Type == history.EventExit && !e.Requested) {
		kind = "error"
	}
	title := string(e.Type)
	switch {
	case e.Type == history.EventStateChange:
		title = fmt.Sprintf("%s %s -> %s", e.Component, e.From, e.To)
	case e.Process != "":
		title = fmt.Sprintf("%s %s %s", e.Type, e.Component, e.Process)
	case e.Component != "":
		title = fmt.Sprintf("%s %s", e.Type, e.Component)
	}
	return Entry{App: s.app, Type: kind, Caller: e.Component, Title: title, Value: string(value)}, nil
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	entry, err := s.entryFor(e)
	if err != nil {
		return err
	}
	b, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/probelogs", bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if s.secret != "" {
		req.Header.Set("x-access-secret", s.secret)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook sink status %d", resp.StatusCode)
	}
	return nil
}
