package workflow

import (
	"testing"
)

func TestMemoryStore(t *testing.T) {
	storeSuite(t, func(*testing.T) Store { return NewMemoryStore() })
}

func TestMemoryStore_Len(t *testing.T) {
	s := NewMemoryStore()
	if s.Len() != 0 {
		t.Errorf("Len() = %d, want 0", s.Len())
	}
}
