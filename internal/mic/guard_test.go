package mic

import (
	"errors"
	"testing"
)

func TestAcquireRelease(t *testing.T) {
	g := &Guard{}

	if err := g.Acquire("recorder"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if got := g.Holder(); got != "recorder" {
		t.Errorf("got holder %q, want recorder", got)
	}

	err := g.Acquire("call")
	var busy *BusyError
	if !errors.As(err, &busy) {
		t.Fatalf("got %v, want BusyError", err)
	}
	if busy.Holder != "recorder" {
		t.Errorf("got holder %q, want recorder", busy.Holder)
	}

	g.Release("recorder")
	if err := g.Acquire("call"); err != nil {
		t.Errorf("Acquire after release: %v", err)
	}
}

func TestReleaseByNonHolderIsNoOp(t *testing.T) {
	g := &Guard{}
	if err := g.Acquire("call"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	g.Release("recorder")
	if got := g.Holder(); got != "call" {
		t.Errorf("release by non-holder must not free the mic, holder %q", got)
	}

	g.Release("")
	if got := g.Holder(); got != "call" {
		t.Errorf("release with empty holder must be a no-op, holder %q", got)
	}
}

func TestPermissionErrorUnwraps(t *testing.T) {
	cause := errors.New("denied")
	err := &PermissionError{Cause: cause}
	if !errors.Is(err, cause) {
		t.Error("PermissionError must unwrap to its cause")
	}
}
