package prompt

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestAsk(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    bool
		prompts int
	}{
		{name: "yes", input: "y\n", want: true, prompts: 1},
		{name: "yes word mixed case", input: "  Yes \n", want: true, prompts: 1},
		{name: "no", input: "n\n", want: false, prompts: 1},
		{name: "empty defaults to no", input: "\n", want: false, prompts: 1},
		{name: "end of input", input: "", want: false, prompts: 1},
		{name: "answer without newline", input: "y", want: true, prompts: 1},
		{name: "asks again on garbage", input: "maybe\ny\n", want: true, prompts: 2},
		{name: "garbage then end of input", input: "maybe", want: false, prompts: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			got, err := Ask(strings.NewReader(tt.input), &out, "Skip it?")
			if err != nil {
				t.Fatalf("Ask: %v", err)
			}
			if got != tt.want {
				t.Errorf("Ask(%q) = %v, want %v", tt.input, got, tt.want)
			}
			if n := strings.Count(out.String(), "Skip it? [y/N]: "); n != tt.prompts {
				t.Errorf("prompted %d times, want %d; output %q", n, tt.prompts, out.String())
			}
		})
	}
}

func TestTerminal_NoDevice(t *testing.T) {
	term := &Terminal{path: filepath.Join(t.TempDir(), "missing-tty")}
	_, err := term.Confirm(context.Background(), "Apply?")
	if !errors.Is(err, ErrNoTerminal) {
		t.Fatalf("Confirm error = %v, want ErrNoTerminal", err)
	}
}

func TestTerminal_NotATerminal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plain")
	if err := writeFile(path, "y\n"); err != nil {
		t.Fatal(err)
	}
	term := &Terminal{path: path}
	_, err := term.Confirm(context.Background(), "Apply?")
	if !errors.Is(err, ErrNoTerminal) {
		t.Fatalf("Confirm error = %v, want ErrNoTerminal", err)
	}
}

func TestTerminal_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewTerminal().Confirm(ctx, "Apply?"); !errors.Is(err, context.Canceled) {
		t.Fatalf("Confirm error = %v, want context.Canceled", err)
	}
}

func TestScripted(t *testing.T) {
	s := &Scripted{Answers: []bool{true, false}}
	ctx := context.Background()

	if ok, err := s.Confirm(ctx, "one"); err != nil || !ok {
		t.Errorf("first = %v, %v", ok, err)
	}
	if ok, err := s.Confirm(ctx, "two"); err != nil || ok {
		t.Errorf("second = %v, %v", ok, err)
	}
	if _, err := s.Confirm(ctx, "three"); !errors.Is(err, ErrNoTerminal) {
		t.Errorf("exhausted error = %v", err)
	}
	if len(s.Questions) != 3 {
		t.Errorf("questions = %v", s.Questions)
	}
}

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0644)
}
