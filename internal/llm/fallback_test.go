package llm

import (
	"context"
	"errors"
	"strings"
	"testing"
)

type stubCompleter struct {
	text  string
	err   error
	calls int
}

func (s *stubCompleter) Complete(context.Context, []Message) (string, error) {
	s.calls++
	return s.text, s.err
}

func TestFallback_FirstSucceeds(t *testing.T) {
	primary := &stubCompleter{text: "one"}
	secondary := &stubCompleter{text: "two"}
	got, err := NewFallback(nil, primary, secondary).Complete(context.Background(), []Message{User("hi")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "one" || secondary.calls != 0 {
		t.Errorf("got %q, secondary calls %d", got, secondary.calls)
	}
}

func TestFallback_UsesNext(t *testing.T) {
	primary := &stubCompleter{err: errors.New("model overloaded")}
	secondary := &stubCompleter{text: "two"}
	got, err := NewFallback(nil, primary, secondary).Complete(context.Background(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "two" {
		t.Errorf("got %q, want two", got)
	}
}

func TestFallback_AllFail(t *testing.T) {
	sentinel := errors.New("last")
	f := NewFallback(nil, &stubCompleter{err: errors.New("first")}, &stubCompleter{err: sentinel})
	_, err := f.Complete(context.Background(), nil)
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected last error to be wrapped, got %v", err)
	}
	if !strings.Contains(err.Error(), "all 2 completers failed") {
		t.Errorf("error = %v", err)
	}
}

func TestFallback_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	secondary := &stubCompleter{text: "two"}
	_, err := NewFallback(nil, &stubCompleter{err: context.Canceled}, secondary).Complete(ctx, nil)
	if err == nil || secondary.calls != 0 {
		t.Errorf("err = %v, secondary calls = %d", err, secondary.calls)
	}
}

func TestNewFallback_PanicsWithoutCompleters(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic")
		}
	}()
	NewFallback(nil)
}
