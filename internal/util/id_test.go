package util

import (
	"strings"
	"testing"
)

func TestNewIDPrefixAndUniqueness(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		id := NewID("evt")
		if !strings.HasPrefix(id, "evt_") {
			t.Fatalf("NewID() = %q, want evt_ prefix", id)
		}
		if len(id) != len("evt_")+32 {
			t.Fatalf("NewID() = %q, unexpected length %d", id, len(id))
		}
		if _, dup := seen[id]; dup {
			t.Fatalf("NewID() returned duplicate %q", id)
		}
		seen[id] = struct{}{}
	}
}

func TestNewIDWithoutPrefix(t *testing.T) {
	if id := NewID(""); strings.Contains(id, "_") || strings.Contains(id, "-") {
		t.Fatalf("NewID(\"\") = %q, want bare hex", id)
	}
}
