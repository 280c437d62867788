// Package setup implements the interactive first-run wizard that writes the
// terminal's configuration and installs the daemon as a systemd user service.
package setup

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"
)

var errNoInput = errors.New("no input")

// Prompter reads answers line by line from r and writes prompts to w.
type Prompter struct {
	in  *bufio.Scanner
	out io.Writer
}

// NewPrompter creates a Prompter wired to the given reader and writer.
func NewPrompter(r io.Reader, w io.Writer) *Prompter {
	return &Prompter{in: bufio.NewScanner(r), out: w}
}

func (p *Prompter) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(p.out, format, args...)
}

// ask prints the prompt and returns the trimmed answer. ok is false at EOF.
func (p *Prompter) ask(format string, args ...any) (answer string, ok bool) {
	p.printf(format, args...)
	if !p.in.Scan() {
		return "", false
	}
	return strings.TrimSpace(p.in.Text()), true
}

// String asks for a text value. An empty answer yields def; when def is empty
// the question repeats until something is typed.
func (p *Prompter) String(label, def string) string {
	for {
		var answer string
		var ok bool
		if def == "" {
			answer, ok = p.ask("  %s: ", label)
		} else {
			answer, ok = p.ask("  %s [%s]: ", label, def)
		}
		switch {
		case !ok:
			return def
		case answer != "":
			return answer
		case def != "":
			return def
		}
		p.printf("  (required, please enter a value)\n")
	}
}

// Optional asks for a value that may be left empty.
func (p *Prompter) Optional(label string) string {
	answer, _ := p.ask("  %s (optional): ", label)
	return answer
}

// Confirm asks a yes/no question. An empty answer or EOF yields def.
func (p *Prompter) Confirm(label string, def bool) bool {
	hint := "[y/N]"
	if def {
		hint = "[Y/n]"
	}
	answer, ok := p.ask("  %s %s: ", label, hint)
	if !ok || answer == "" {
		return def
	}
	switch strings.ToLower(answer) {
	case "y", "yes":
		return true
	}
	return false
}

// Select lists options and returns the zero-based index of the chosen one.
func (p *Prompter) Select(label string, options []string) (int, error) {
	if err := p.menu(label, options); err != nil {
		return -1, err
	}
	for {
		answer, ok := p.ask("  Choice [1-%d]: ", len(options))
		if !ok {
			return -1, errNoInput
		}
		if i, valid := choice(answer, len(options)); valid {
			return i, nil
		}
		p.printf("  (enter a number between 1 and %d)\n", len(options))
	}
}

// MultiSelect lists options and returns the zero-based indices of a
// comma-separated answer such as "1,3". An empty answer selects everything.
// Repeated numbers are collapsed and the result keeps the order typed.
func (p *Prompter) MultiSelect(label string, options []string) ([]int, error) {
	if err := p.menu(label, options); err != nil {
		return nil, err
	}
	for {
		answer, ok := p.ask("  Choices (comma-separated, e.g. 1,3, empty for all): ")
		if !ok {
			return nil, errNoInput
		}
		if answer == "" {
			all := make([]int, len(options))
			for i := range all {
				all[i] = i
			}
			return all, nil
		}
		if picked, valid := choices(answer, len(options)); valid {
			return picked, nil
		}
		p.printf("  (enter numbers between 1 and %d, separated by commas)\n", len(options))
	}
}

func (p *Prompter) menu(label string, options []string) error {
	if len(options) == 0 {
		return errors.New("no options to select from")
	}
	p.printf("  %s:\n", label)
	for i, opt := range options {
		p.printf("    %d) %s\n", i+1, opt)
	}
	return nil
}

// choice parses a 1-based menu number into a zero-based index.
func choice(s string, n int) (int, bool) {
	v, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || v < 1 || v > n {
		return -1, false
	}
	return v - 1, true
}

func choices(s string, n int) ([]int, bool) {
	var picked []int
	for part := range strings.SplitSeq(s, ",") {
		i, ok := choice(part, n)
		if !ok {
			return nil, false
		}
		if !slices.Contains(picked, i) {
			picked = append(picked, i)
		}
	}
	return picked, len(picked) > 0
}
