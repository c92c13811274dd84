package passphrase

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func fakeSource(env map[string]string, tty bool, typed string, readErr error) (*Source, *int) {
	reads := 0
	s := NewSource("CUSTODYD_KEYSTORE_PASSPHRASE")
	s.lookup = func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}
	s.terminal = func() bool { return tty }
	s.read = func() ([]byte, error) {
		reads++
		return []byte(typed), readErr
	}
	s.out = &bytes.Buffer{}
	return s, &reads
}

func TestEnvironmentWins(t *testing.T) {
	s, reads := fakeSource(map[string]string{"CUSTODYD_KEYSTORE_PASSPHRASE": " secret "}, true, "typed", nil)
	got, err := s.Get()
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != " secret " {
		t.Fatalf("expected exact env value, got %q", got)
	}
	if *reads != 0 {
		t.Fatalf("prompt should not be used")
	}
}

func TestEmptyEnvironmentRejected(t *testing.T) {
	s, _ := fakeSource(map[string]string{"CUSTODYD_KEYSTORE_PASSPHRASE": "  "}, true, "typed", nil)
	if _, err := s.Get(); err == nil || !strings.Contains(err.Error(), "set but empty") {
		t.Fatalf("expected empty env error, got %v", err)
	}
}

func TestPromptIsCached(t *testing.T) {
	s, reads := fakeSource(nil, true, "typed", nil)
	for i := 0; i < 3; i++ {
		got, err := s.Get()
		if err != nil || got != "typed" {
			t.Fatalf("get: %q %v", got, err)
		}
	}
	if *reads != 1 {
		t.Fatalf("expected a single prompt, got %d", *reads)
	}
}

func TestNoTerminal(t *testing.T) {
	s, _ := fakeSource(nil, false, "", nil)
	if _, err := s.Get(); err == nil || !strings.Contains(err.Error(), "CUSTODYD_KEYSTORE_PASSPHRASE") {
		t.Fatalf("expected hint about env var, got %v", err)
	}
}

func TestPromptErrors(t *testing.T) {
	s, _ := fakeSource(nil, true, "", errors.New("eof"))
	if _, err := s.Get(); err == nil || !strings.Contains(err.Error(), "failed to read") {
		t.Fatalf("expected read failure, got %v", err)
	}
	s, _ = fakeSource(nil, true, "   ", nil)
	if _, err := s.Get(); err == nil || !strings.Contains(err.Error(), "cannot be empty") {
		t.Fatalf("expected blank rejection, got %v", err)
	}
}

func TestPassphraseFile(t *testing.T) {
	s, reads := fakeSource(map[string]string{"CUSTODYD_KEYSTORE_PASSPHRASE_FILE": "/run/secrets/pass"}, true, "typed", nil)
	s.readFile = func(path string) ([]byte, error) {
		if path != "/run/secrets/pass" {
			t.Fatalf("unexpected path %q", path)
		}
		return []byte("from-file\n"), nil
	}
	got, err := s.Get()
	if err != nil || got != "from-file" {
		t.Fatalf("get: %q %v", got, err)
	}
	if *reads != 0 {
		t.Fatalf("prompt should not be used")
	}

	s, _ = fakeSource(map[string]string{"CUSTODYD_KEYSTORE_PASSPHRASE_FILE": "/missing"}, true, "typed", nil)
	s.readFile = func(string) ([]byte, error) { return nil, errors.New("no such file") }
	if _, err := s.Get(); err == nil || !strings.Contains(err.Error(), "_FILE") {
		t.Fatalf("expected file error, got %v", err)
	}
}

func TestConfirmationPrompt(t *testing.T) {
	answers := []string{"first", "second"}
	s, _ := fakeSource(nil, true, "", nil)
	s.confirm = true
	s.read = func() ([]byte, error) {
		next := answers[0]
		answers = answers[1:]
		return []byte(next), nil
	}
	if _, err := s.Get(); !errors.Is(err, ErrMismatch) {
		t.Fatalf("expected mismatch, got %v", err)
	}

	s, reads := fakeSource(nil, true, "same", nil)
	WithConfirmation()(s)
	got, err := s.Get()
	if err != nil || got != "same" {
		t.Fatalf("get: %q %v", got, err)
	}
	if *reads != 2 {
		t.Fatalf("expected two prompts, got %d", *reads)
	}
}
