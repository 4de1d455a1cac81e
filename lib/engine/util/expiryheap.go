// This file provides the ordered index backing entity expiration.
//
// The implementation combines a binary min-heap with a hash map so the
// sweeper can always see the earliest-expiring entry in O(1) while the state
// container adds, reschedules, and removes entries by key as expirations are
// toggled on entities.
//
// Properties:
//
//  1. Time Complexity:
//     - O(log n) for Add, Remove and rescheduling
//     - O(1) for Peek, Contains and key lookups
//
//  2. Ordering:
//     - entries are ordered by expiry time, ties broken by creation sequence,
//       so enumeration yields a stable earliest-first order
//
//  3. Concurrency:
//     - not thread-safe; every expiry heap is owned by the dispatcher thread

package util

import (
	"container/heap"
	"time"
)

// ExpiryItem is one index entry: an entity key scheduled to expire at At.
// Seq is the entity's creation sequence and breaks ties between entries that
// expire at the same instant.
type ExpiryItem struct {
	Key string
	At  time.Time
	Seq uint64

	index int // position in the heap slice, maintained by the heap package
}

// ExpiryHeap is a keyed min-heap ordered by (At, Seq).
type ExpiryHeap struct {
	items []*ExpiryItem
	byKey map[string]*ExpiryItem
}

// NewExpiryHeap creates an empty expiry index.
func NewExpiryHeap() *ExpiryHeap {
	return &ExpiryHeap{
		items: make([]*ExpiryItem, 0),
		byKey: make(map[string]*ExpiryItem),
	}
}

// Len returns the number of indexed entries (part of heap.Interface).
func (eh *ExpiryHeap) Len() int { return len(eh.items) }

// Less orders entries by expiry time, then creation sequence (part of heap.Interface).
func (eh *ExpiryHeap) Less(i, j int) bool {
	a, b := eh.items[i], eh.items[j]
	if !a.At.Equal(b.At) {
		return a.At.Before(b.At)
	}
	return a.Seq < b.Seq
}

// Swap exchanges items at positions i and j (part of heap.Interface).
func (eh *ExpiryHeap) Swap(i, j int) {
	eh.items[i], eh.items[j] = eh.items[j], eh.items[i]
	eh.items[i].index = i
	eh.items[j].index = j
}

// Push adds an item to the heap (part of heap.Interface).
func (eh *ExpiryHeap) Push(x interface{}) {
	n := len(eh.items)
	item := x.(*ExpiryItem)
	item.index = n
	eh.items = append(eh.items, item)
	eh.byKey[item.Key] = item
}

// Pop removes and returns the minimum item (part of heap.Interface).
func (eh *ExpiryHeap) Pop() interface{} {
	old := eh.items
	n := len(old)
	item := old[n-1]
	old[n-1] = nil  // Avoid memory leak
	item.index = -1 // For safety
	eh.items = old[:n-1]
	delete(eh.byKey, item.Key)
	return item
}

// Add indexes a key with the given expiry time, or reschedules it if the key
// is already present.
func (eh *ExpiryHeap) Add(key string, at time.Time, seq uint64) {
	if item, exists := eh.byKey[key]; exists {
		item.At = at
		item.Seq = seq
		heap.Fix(eh, item.index)
		return
	}

	heap.Push(eh, &ExpiryItem{
		Key: key,
		At:  at,
		Seq: seq,
	})
}

// Remove drops a key from the index. Returns false if the key was not indexed.
func (eh *ExpiryHeap) Remove(key string) bool {
	item, exists := eh.byKey[key]
	if !exists {
		return false
	}

	heap.Remove(eh, item.index)
	return true
}

// Peek returns the earliest-expiring entry without removing it.
func (eh *ExpiryHeap) Peek() (*ExpiryItem, bool) {
	if len(eh.items) == 0 {
		return nil, false
	}
	return eh.items[0], true
}

// PopExpired removes and returns the earliest entry if its expiry is at or
// before now. Callers loop on this to drain the expired prefix.
func (eh *ExpiryHeap) PopExpired(now time.Time) (*ExpiryItem, bool) {
	if len(eh.items) == 0 || eh.items[0].At.After(now) {
		return nil, false
	}
	return heap.Pop(eh).(*ExpiryItem), true
}

// Contains checks if a key is indexed.
func (eh *ExpiryHeap) Contains(key string) bool {
	_, exists := eh.byKey[key]
	return exists
}
