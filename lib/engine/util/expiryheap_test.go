package util

import (
	"sort"
	"testing"
	"time"
)

// TestNewExpiryHeap tests the creation of a new ExpiryHeap
func TestNewExpiryHeap(t *testing.T) {
	eh := NewExpiryHeap()

	if eh == nil {
		t.Fatal("NewExpiryHeap() returned nil")
	}

	if eh.Len() != 0 {
		t.Errorf("New heap should be empty, but has length %d", eh.Len())
	}
}

// TestAdd tests adding entries to the heap
func TestAdd(t *testing.T) {
	eh := NewExpiryHeap()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	// Add a few entries
	eh.Add("a", base.Add(100*time.Millisecond), 1)
	eh.Add("b", base.Add(200*time.Millisecond), 2)
	eh.Add("c", base.Add(50*time.Millisecond), 3)

	if eh.Len() != 3 {
		t.Errorf("Heap should have 3 entries, but has %d", eh.Len())
	}

	// Check if entries exist
	for _, key := range []string{"a", "b", "c"} {
		if !eh.Contains(key) {
			t.Errorf("Heap should contain key %q", key)
		}
	}

	// Check the order (min heap, so the earliest expiry should be first)
	item, exists := eh.Peek()
	if !exists {
		t.Fatal("Peek() should return an entry")
	}

	if item.Key != "c" {
		t.Errorf("Expected min entry to be c, got %s", item.Key)
	}
}

// TestReschedule tests updating the expiry of existing entries
func TestReschedule(t *testing.T) {
	eh := NewExpiryHeap()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	eh.Add("a", base.Add(100*time.Millisecond), 1)
	eh.Add("b", base.Add(200*time.Millisecond), 2)

	// Push entry a out past entry b
	eh.Add("a", base.Add(300*time.Millisecond), 1)

	if eh.Len() != 2 {
		t.Errorf("Rescheduling should not grow the heap, has %d entries", eh.Len())
	}

	min, _ := eh.Peek()
	if min.Key != "b" {
		t.Errorf("Min entry should now be b, got %s", min.Key)
	}

	// Pull entry b forward
	eh.Add("b", base.Add(10*time.Millisecond), 2)

	min, _ = eh.Peek()
	if min.Key != "b" || !min.At.Equal(base.Add(10*time.Millisecond)) {
		t.Errorf("Min entry should be b at base+10ms, got %s at %v", min.Key, min.At)
	}
}

// TestRemove tests removing entries by key
func TestRemove(t *testing.T) {
	eh := NewExpiryHeap()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	eh.Add("a", base.Add(100*time.Millisecond), 1)
	eh.Add("b", base.Add(200*time.Millisecond), 2)
	eh.Add("c", base.Add(300*time.Millisecond), 3)

	if !eh.Remove("b") {
		t.Fatal("Remove should return true for existing key")
	}

	if eh.Len() != 2 {
		t.Errorf("Heap should have 2 entries after removal, has %d", eh.Len())
	}

	if eh.Contains("b") {
		t.Error("Heap should not contain key b after removal")
	}

	// Try to remove non-existent key
	if eh.Remove("nope") {
		t.Error("Remove should return false for non-existent key")
	}
}

// TestPopExpiredOrder tests that expired entries drain in expiry order
func TestPopExpiredOrder(t *testing.T) {
	eh := NewExpiryHeap()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	// Add entries in random order
	entries := []struct {
		key    string
		offset time.Duration
	}{
		{"e", 50 * time.Millisecond},
		{"c", 30 * time.Millisecond},
		{"a", 10 * time.Millisecond},
		{"d", 40 * time.Millisecond},
		{"b", 20 * time.Millisecond},
	}

	for i, e := range entries {
		eh.Add(e.key, base.Add(e.offset), uint64(i))
	}

	// Sort the entries for comparison
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].offset < entries[j].offset
	})

	// Nothing is expired before base
	if _, ok := eh.PopExpired(base); ok {
		t.Error("PopExpired should return false before any entry is due")
	}

	// Cutoff in the middle: only a, b, c are due
	cutoff := base.Add(35 * time.Millisecond)
	for i := 0; i < 3; i++ {
		item, ok := eh.PopExpired(cutoff)
		if !ok {
			t.Fatalf("PopExpired should return entry %d", i)
		}
		if item.Key != entries[i].key {
			t.Errorf("Pop %d: expected %s, got %s", i, entries[i].key, item.Key)
		}
	}

	if _, ok := eh.PopExpired(cutoff); ok {
		t.Error("PopExpired should return false once all due entries are drained")
	}

	// The rest drains past the last expiry
	late := base.Add(time.Second)
	for i := 3; i < len(entries); i++ {
		item, ok := eh.PopExpired(late)
		if !ok {
			t.Fatalf("PopExpired should return entry %d", i)
		}
		if item.Key != entries[i].key {
			t.Errorf("Pop %d: expected %s, got %s", i, entries[i].key, item.Key)
		}
	}

	if eh.Len() != 0 {
		t.Errorf("Heap should be empty after draining, has %d entries", eh.Len())
	}
}

// TestTieBreakBySeq tests that equal expiry times are ordered by sequence
func TestTieBreakBySeq(t *testing.T) {
	eh := NewExpiryHeap()
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	eh.Add("second", at, 2)
	eh.Add("first", at, 1)
	eh.Add("third", at, 3)

	for _, expected := range []string{"first", "second", "third"} {
		item, ok := eh.PopExpired(at)
		if !ok {
			t.Fatalf("PopExpired should return entry %q", expected)
		}
		if item.Key != expected {
			t.Errorf("Expected %s, got %s", expected, item.Key)
		}
	}
}

// TestPeekEmptyHeap tests behavior when peeking an empty heap
func TestPeekEmptyHeap(t *testing.T) {
	eh := NewExpiryHeap()

	if _, exists := eh.Peek(); exists {
		t.Error("Peek on empty heap should return exists=false")
	}

	if _, ok := eh.PopExpired(time.Now()); ok {
		t.Error("PopExpired on empty heap should return false")
	}
}
