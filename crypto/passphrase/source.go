// Package passphrase resolves the operator keystore passphrase.
package passphrase

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// ErrMismatch is returned when a confirmed prompt receives two different
// answers.
var ErrMismatch = errors.New("passphrases do not match")

// Source lazily resolves a keystore passphrase. It checks, in order, the
// environment variable, a file named by <envVar>_FILE, and an interactive
// prompt. The first successful value is cached.
type Source struct {
	envVar  string
	prompt  string
	confirm bool

	lookup   func(string) (string, bool)
	readFile func(string) ([]byte, error)
	terminal func() bool
	read     func() ([]byte, error)
	out      io.Writer

	once  sync.Once
	value string
	err   error
}

// Option customises a Source.
type Option func(*Source)

// WithConfirmation prompts twice and fails with ErrMismatch unless both
// answers agree. Used when a new keystore is being created.
func WithConfirmation() Option {
	return func(s *Source) { s.confirm = true }
}

// NewSource constructs a passphrase source that checks envVar before
// interactively prompting on the terminal.
func NewSource(envVar string, opts ...Option) *Source {
	s := &Source{
		envVar:   strings.TrimSpace(envVar),
		prompt:   "Enter operator keystore passphrase: ",
		lookup:   os.LookupEnv,
		readFile: os.ReadFile,
		terminal: func() bool { return term.IsTerminal(int(os.Stdin.Fd())) },
		read:     func() ([]byte, error) { return term.ReadPassword(int(os.Stdin.Fd())) },
		out:      os.Stderr,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns the cached passphrase or resolves it on first use. Whitespace
// only passphrases are rejected.
func (s *Source) Get() (string, error) {
	s.once.Do(func() {
		s.value, s.err = s.resolve()
	})
	return s.value, s.err
}

func (s *Source) resolve() (string, error) {
	if s.envVar != "" {
		if value, ok := s.lookup(s.envVar); ok {
			if strings.TrimSpace(value) == "" {
				return "", fmt.Errorf("%s is set but empty", s.envVar)
			}
			return value, nil
		}
		if path, ok := s.lookup(s.envVar + "_FILE"); ok && strings.TrimSpace(path) != "" {
			raw, err := s.readFile(strings.TrimSpace(path))
			if err != nil {
				return "", fmt.Errorf("read %s_FILE: %w", s.envVar, err)
			}
			value := strings.TrimRight(string(raw), "\r\n")
			if strings.TrimSpace(value) == "" {
				return "", fmt.Errorf("%s_FILE points at an empty file", s.envVar)
			}
			return value, nil
		}
	}

	if !s.terminal() {
		if s.envVar != "" {
			return "", fmt.Errorf("operator keystore passphrase required; set %s or run interactively", s.envVar)
		}
		return "", errors.New("operator keystore passphrase required and no terminal available")
	}

	first, err := s.ask(s.prompt)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(first) == "" {
		return "", errors.New("operator keystore passphrase cannot be empty")
	}
	if s.confirm {
		second, err := s.ask("Repeat passphrase: ")
		if err != nil {
			return "", err
		}
		if second != first {
			return "", ErrMismatch
		}
	}
	return first, nil
}

func (s *Source) ask(prompt string) (string, error) {
	fmt.Fprint(s.out, prompt)
	raw, err := s.read()
	fmt.Fprintln(s.out)
	if err != nil {
		return "", fmt.Errorf("failed to read passphrase: %w", err)
	}
	return string(raw), nil
}
