// Package setup implements the interactive first-run wizard that writes the
// HealthRelay config file and checks that the export and the matchup service
// are reachable.
package setup

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"time"
)

// Prompter reads answers line by line from r and writes prompts to w. Tests
// inject buffers for deterministic input.
type Prompter struct {
	scanner *bufio.Scanner
	w       io.Writer
}

// NewPrompter creates a Prompter wired to the given reader and writer.
func NewPrompter(r io.Reader, w io.Writer) *Prompter {
	return &Prompter{scanner: bufio.NewScanner(r), w: w}
}

// line reads one trimmed answer. ok is false once input is exhausted.
func (p *Prompter) line() (string, bool) {
	if !p.scanner.Scan() {
		return "", false
	}
	return strings.TrimSpace(p.scanner.Text()), true
}

// String asks for a text value. Enter alone returns defaultVal; an empty
// defaultVal makes the answer required.
func (p *Prompter) String(label, defaultVal string) string {
	for {
		if defaultVal != "" {
			_, _ = fmt.Fprintf(p.w, "  %s [%s]: ", label, defaultVal)
		} else {
			_, _ = fmt.Fprintf(p.w, "  %s: ", label)
		}

		val, ok := p.line()
		if !ok {
			return defaultVal
		}
		if val != "" {
			return val
		}
		if defaultVal != "" {
			return defaultVal
		}
		_, _ = fmt.Fprintf(p.w, "  (required, please enter a value)\n")
	}
}

// Secret asks for a required sensitive value such as the API token. Input is
// echoed; masking would need raw terminal mode.
func (p *Prompter) Secret(label string) string {
	for {
		_, _ = fmt.Fprintf(p.w, "  %s (input visible): ", label)

		val, ok := p.line()
		if !ok {
			return ""
		}
		if val != "" {
			return val
		}
		_, _ = fmt.Fprintf(p.w, "  (required, please enter a value)\n")
	}
}

// Confirm asks a yes/no question. Enter alone answers defaultYes.
func (p *Prompter) Confirm(label string, defaultYes bool) bool {
	hint := "[y/N]"
	if defaultYes {
		hint = "[Y/n]"
	}
	_, _ = fmt.Fprintf(p.w, "  %s %s: ", label, hint)

	answer, ok := p.line()
	if !ok || answer == "" {
		return defaultYes
	}
	answer = strings.ToLower(answer)
	return answer == "y" || answer == "yes"
}

// Duration asks for a Go duration within [lo, hi]. Enter alone, or exhausted
// input, returns defaultVal. Out-of-range or unparsable answers re-prompt.
func (p *Prompter) Duration(label string, defaultVal, lo, hi time.Duration) time.Duration {
	for {
		_, _ = fmt.Fprintf(p.w, "  %s (%s to %s) [%s]: ", label, lo, hi, defaultVal)

		val, ok := p.line()
		if !ok || val == "" {
			return defaultVal
		}
		d, err := time.ParseDuration(val)
		if err != nil || d < lo || d > hi {
			_, _ = fmt.Fprintf(p.w, "  (enter a duration between %s and %s, e.g. 90s)\n", lo, hi)
			continue
		}
		return d
	}
}
