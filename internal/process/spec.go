package process

import (
	"errors"
	"os/exec"
	"sort"
	"strings"

	"github.com/loykin/onair/internal/logger"
)

// Spec describes one external process of a relay role (feed pull, feed
// normalize, sink mux, fallback loop).
//
// Command is an argument template. Placeholders of the form {name} are
// replaced by the matching entry of Vars after the template has been split
// into arguments, so values containing spaces or shell metacharacters (stream
// URLs with query strings, file paths) stay a single argument.
type Spec struct {
	Name    string            `json:"name"`
	Command string            `json:"command"`
	Vars    map[string]string `json:"vars,omitempty"`
	WorkDir string            `json:"work_dir"`
	Env     []string          `json:"env"`
	Log     logger.FileConfig `json:"-"`
}

// Validate checks that the spec can be turned into a command.
func (s Spec) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return errors.New("process name is required")
	}
	if strings.TrimSpace(s.Command) == "" {
		return errors.New("process command is required")
	}
	if strings.ContainsAny(s.Name, "/\\") {
		return errors.New("process name must not contain path separators")
	}
	return nil
}

// Args returns the argv the spec expands to when no shell is involved.
func (s Spec) Args() []string {
	parts := strings.Fields(strings.TrimSpace(s.Command))
	for i, p := range parts {
		parts[i] = s.substitute(p, false)
	}
	return parts
}

// BuildCommand constructs an *exec.Cmd for the spec.
// It avoids invoking a shell when not necessary, and it also respects
// an explicit shell invocation already present in the command string
// (e.g., "sh -c 'cat > out.ts'"), avoiding double-wrapping with another shell.
func (s Spec) BuildCommand() *exec.Cmd {
	cmdStr := strings.TrimSpace(s.Command)
	if cmdStr == "" {
		return getTrueCommand()
	}
	if _, afterC, ok := parseExplicitShell(cmdStr); ok {
		return getShellCommand(s.substitute(afterC, true))
	}
	if strings.ContainsAny(s.withoutPlaceholders(cmdStr), "|&;<>*?`$\"'(){}[]~") {
		return getShellCommand(s.substitute(cmdStr, true))
	}
	parts := s.Args()
	// #nosec G204
	return exec.Command(parts[0], parts[1:]...)
}

// substitute replaces {name} placeholders. Inside a shell script values are
// single-quoted.
func (s Spec) substitute(in string, shell bool) string {
	if len(s.Vars) == 0 {
		return in
	}
	keys := make([]string, 0, len(s.Vars))
	for k := range s.Vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := in
	for _, k := range keys {
		v := s.Vars[k]
		if shell {
			v = shellQuote(v)
		}
		out = strings.ReplaceAll(out, "{"+k+"}", v)
	}
	return out
}

func (s Spec) withoutPlaceholders(in string) string {
	out := in
	for k := range s.Vars {
		out = strings.ReplaceAll(out, "{"+k+"}", "")
	}
	return out
}

func shellQuote(v string) string {
	return "'" + strings.ReplaceAll(v, "'", `'\''`) + "'"
}

// parseExplicitShell detects patterns like "sh -c <ARG>" or "/bin/sh -c <ARG>" at the
// beginning of cmdStr. It returns (shellPath, afterCArg, true) when matched.
// It preserves the substring after "-c " verbatim to avoid breaking quoting.
func parseExplicitShell(cmdStr string) (string, string, bool) {
	trim := strings.TrimLeft(cmdStr, " \t")
	candidates := []string{"sh -c ", "/bin/sh -c ", "/usr/bin/sh -c "}
	for _, p := range candidates {
		if strings.HasPrefix(trim, p) {
			after := trim[len(p):]
			// strip one pair of outer quotes so the shell parses the script itself
			if n := len(after); n >= 2 {
				if (after[0] == '\'' && after[n-1] == '\'') || (after[0] == '"' && after[n-1] == '"') {
					after = after[1 : n-1]
				}
			}
			return strings.Fields(p)[0], after, true
		}
	}
	return "", "", false
}
