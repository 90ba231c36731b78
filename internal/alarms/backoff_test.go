package alarms

import (
	"testing"
	"time"
)

func TestBackoffDoublesAndCaps(t *testing.T) {
	b := NewBackoff(time.Second, 8*time.Second)
	want := []time.Duration{1, 2, 4, 8, 8, 8}
	for i, w := range want {
		if got := b.Next(); got != w*time.Second {
			t.Fatalf("attempt %d: got %s want %s", i+1, got, w*time.Second)
		}
	}
	b.Reset()
	if got := b.Next(); got != time.Second {
		t.Fatalf("after reset: got %s", got)
	}
}

func TestBackoffMaxBelowInitial(t *testing.T) {
	b := NewBackoff(5*time.Second, time.Second)
	if b.Next() != 5*time.Second || b.Next() != 5*time.Second {
		t.Fatal("max below initial should pin the delay to initial")
	}
}
