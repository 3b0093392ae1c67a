package ids

import (
	"testing"
	"time"
)

func TestNewIsSortableAndValid(t *testing.T) {
	now := time.Now()
	a := NewAt(now)
	b := NewAt(now.Add(time.Millisecond))
	if !Valid(a) || !Valid(b) {
		t.Fatalf("expected valid ids: %q %q", a, b)
	}
	if a >= b {
		t.Fatalf("expected %q < %q", a, b)
	}
	if Valid("not-an-id") {
		t.Fatal("unexpected valid id")
	}
}
