package engine

import (
	"time"

	"github.com/google/btree"
)

// --------------------------------------------------------------------------
// Job Entries
// --------------------------------------------------------------------------

// StateEntry is an immutable snapshot of one job state transition.
// Ownership: held exclusively by its JobEntry.
type StateEntry struct {
	Name      string
	Reason    string
	Data      map[string]string
	CreatedAt time.Time
}

// JobEntry is the root aggregate of the entity model. It is referenced by the
// primary job map and, through its current state name, by exactly one
// state-name bucket of the secondary index at a time.
//
// Payload and Job are mutually exclusive: an engine configured with
// RetainJobs keeps the original job description in Job, otherwise the
// pre-serialized invocation payload lives in Payload.
type JobEntry struct {
	Key        string
	CreatedAt  time.Time
	Payload    []byte
	Job        any
	Parameters map[string]string
	State      *StateEntry
	History    []*StateEntry
	ExpireAt   time.Time // zero = not expirable

	norm string // key under the configured comparison policy
	seq  uint64 // creation sequence, ordering tie-break
}

func (j *JobEntry) expiryKey() string      { return j.norm }
func (j *JobEntry) expirySeq() uint64      { return j.seq }
func (j *JobEntry) expiry() time.Time      { return j.ExpireAt }
func (j *JobEntry) setExpiry(at time.Time) { j.ExpireAt = at }

// --------------------------------------------------------------------------
// Auxiliary Structures
// --------------------------------------------------------------------------

// HashEntry holds a string-to-string field map under one key.
type HashEntry struct {
	Key      string
	Fields   map[string]string
	ExpireAt time.Time

	norm string
	seq  uint64
}

func (h *HashEntry) expiryKey() string      { return h.norm }
func (h *HashEntry) expirySeq() uint64      { return h.seq }
func (h *HashEntry) expiry() time.Time      { return h.ExpireAt }
func (h *HashEntry) setExpiry(at time.Time) { h.ExpireAt = at }

// ListEntry holds an append-ordered sequence of strings.
type ListEntry struct {
	Key      string
	Items    []string
	ExpireAt time.Time

	norm string
	seq  uint64
}

func (l *ListEntry) expiryKey() string      { return l.norm }
func (l *ListEntry) expirySeq() uint64      { return l.seq }
func (l *ListEntry) expiry() time.Time      { return l.ExpireAt }
func (l *ListEntry) setExpiry(at time.Time) { l.ExpireAt = at }

// SetItem is one member of a sorted set: a unique value with a score.
type SetItem struct {
	Value string
	Score float64
}

// SetEntry holds items ordered by (score, value) with unique values.
type SetEntry struct {
	Key      string
	ExpireAt time.Time

	items  *btree.BTreeG[SetItem]
	scores map[string]float64 // value -> current score

	norm string
	seq  uint64
}

func (s *SetEntry) expiryKey() string      { return s.norm }
func (s *SetEntry) expirySeq() uint64      { return s.seq }
func (s *SetEntry) expiry() time.Time      { return s.ExpireAt }
func (s *SetEntry) setExpiry(at time.Time) { s.ExpireAt = at }

// Len returns the number of set members.
func (s *SetEntry) Len() int { return s.items.Len() }

// CounterEntry holds a running sum. An entry whose sum reaches zero is
// removed from the primary map; it is never kept around at zero.
type CounterEntry struct {
	Key      string
	Value    int64
	ExpireAt time.Time

	norm string
	seq  uint64
}

func (c *CounterEntry) expiryKey() string      { return c.norm }
func (c *CounterEntry) expirySeq() uint64      { return c.seq }
func (c *CounterEntry) expiry() time.Time      { return c.ExpireAt }
func (c *CounterEntry) setExpiry(at time.Time) { c.ExpireAt = at }

// ServerEntry records one announced processing server.
type ServerEntry struct {
	ID          string
	Queues      []string
	WorkerCount int
	StartedAt   time.Time
	HeartbeatAt time.Time
}

// expirable is the accessor contract shared by every entity kind that can be
// a member of its type's expiration index. Index maintenance is written once
// against this interface instead of per entity type.
type expirable interface {
	expiryKey() string
	expirySeq() uint64
	expiry() time.Time
	setExpiry(at time.Time)
}

// jobBucketLess orders jobs inside a state-name bucket by creation time, then
// creation sequence, so enumerating a bucket yields FIFO creation order
// regardless of when each job entered the bucket.
func jobBucketLess(a, b *JobEntry) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.seq < b.seq
}

// setItemLess orders set members by score, then value.
func setItemLess(a, b SetItem) bool {
	if a.Score != b.Score {
		return a.Score < b.Score
	}
	return a.Value < b.Value
}
