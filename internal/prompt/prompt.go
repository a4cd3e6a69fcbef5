// Package prompt asks the operator yes/no questions on the controlling
// terminal. Standard input is never read, so piped input cannot answer a prompt.
package prompt

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
)

// ErrNoTerminal is returned when no controlling terminal is available.
var ErrNoTerminal = errors.New("no terminal available for confirmation")

// Terminal prompts on /dev/tty
type Terminal struct {
	path string
}

// NewTerminal creates a prompter bound to the controlling terminal
func NewTerminal() *Terminal {
	return &Terminal{path: "/dev/tty"}
}

// Confirm asks question and waits for an answer. An empty answer means no.
func (t *Terminal) Confirm(ctx context.Context, question string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	tty, err := os.OpenFile(t.path, os.O_RDWR, 0)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrNoTerminal, err)
	}
	defer func() {
		_ = tty.Close()
	}()

	if !isatty.IsTerminal(tty.Fd()) && !isatty.IsCygwinTerminal(tty.Fd()) {
		return false, fmt.Errorf("%w: %s is not a terminal", ErrNoTerminal, t.path)
	}

	return Ask(tty, tty, question)
}

// Ask writes question to w and reads a y/n answer from r, asking again on
// anything else. End of input counts as no.
func Ask(r io.Reader, w io.Writer, question string) (bool, error) {
	reader := bufio.NewReader(r)
	for {
		if _, err := fmt.Fprintf(w, "%s [y/N]: ", question); err != nil {
			return false, err
		}

		answer, err := reader.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return false, err
		}

		switch strings.ToLower(strings.TrimSpace(answer)) {
		case "y", "yes":
			return true, nil
		case "", "n", "no":
			return false, nil
		}
		if errors.Is(err, io.EOF) {
			return false, nil
		}
		_, _ = fmt.Fprintln(w, "Please answer y or n.")
	}
}

// Scripted answers from a fixed list, for non-terminal callers and tests.
// Running out of answers is an error.
type Scripted struct {
	Answers   []bool
	Questions []string
}

// Confirm returns the next scripted answer
func (s *Scripted) Confirm(_ context.Context, question string) (bool, error) {
	s.Questions = append(s.Questions, question)
	if len(s.Answers) == 0 {
		return false, fmt.Errorf("%w: %q", ErrNoTerminal, question)
	}
	answer := s.Answers[0]
	s.Answers = s.Answers[1:]
	return answer, nil
}
