package engine

import (
	"sort"
	"strings"
	"time"

	"github.com/google/btree"
	"github.com/kiln-db/kiln/lib/engine/util"
	"github.com/puzpuzpuz/xsync/v3"
)

const bucketDegree = 16 // btree degree for state buckets and sorted sets

// MemoryState owns every primary and secondary collection of the engine for
// the lifetime of the process. It is not individually thread-safe: all
// mutation methods assume exclusive access and rely on the Dispatcher to
// serialize calls on its single writer goroutine.
//
// Three structures are the deliberate exception and tolerate access from
// outside the dispatcher thread:
//
//   - the primary job map (fast-path lookups by adapters)
//   - the primary queue map (resolution during blocking fetches)
//   - the lock table (read during blocking lock waits)
//
// These are concurrent maps; everything else must only ever be touched on
// the dispatcher thread.
type MemoryState struct {
	clock      Clock
	keys       KeyComparer
	retainJobs bool

	jobs   *xsync.MapOf[string, *JobEntry]
	queues *xsync.MapOf[string, *QueueEntry]
	locks  *xsync.MapOf[string, *LockEntry]

	hashes   map[string]*HashEntry
	lists    map[string]*ListEntry
	sets     map[string]*SetEntry
	counters map[string]*CounterEntry
	servers  map[string]*ServerEntry

	// jobsByState buckets jobs by current state name (case-insensitive),
	// each bucket ordered by (creation time, creation sequence).
	jobsByState map[string]*btree.BTreeG[*JobEntry]

	jobExpiry     *util.ExpiryHeap
	hashExpiry    *util.ExpiryHeap
	listExpiry    *util.ExpiryHeap
	setExpiry     *util.ExpiryHeap
	counterExpiry *util.ExpiryHeap

	seq uint64 // creation sequence, dispatcher thread only
}

// NewMemoryState creates an empty state container.
func NewMemoryState(clock Clock, keys KeyComparer, retainJobs bool) *MemoryState {
	return &MemoryState{
		clock:      clock,
		keys:       keys,
		retainJobs: retainJobs,

		jobs:   xsync.NewMapOf[string, *JobEntry](),
		queues: xsync.NewMapOf[string, *QueueEntry](),
		locks:  xsync.NewMapOf[string, *LockEntry](),

		hashes:   make(map[string]*HashEntry),
		lists:    make(map[string]*ListEntry),
		sets:     make(map[string]*SetEntry),
		counters: make(map[string]*CounterEntry),
		servers:  make(map[string]*ServerEntry),

		jobsByState: make(map[string]*btree.BTreeG[*JobEntry]),

		jobExpiry:     util.NewExpiryHeap(),
		hashExpiry:    util.NewExpiryHeap(),
		listExpiry:    util.NewExpiryHeap(),
		setExpiry:     util.NewExpiryHeap(),
		counterExpiry: util.NewExpiryHeap(),
	}
}

// Now returns the current time from the injected clock.
//
// Thread-safety: safe from any goroutine as long as the Clock is.
func (s *MemoryState) Now() time.Time { return s.clock.Now() }

func (s *MemoryState) nextSeq() uint64 {
	s.seq++
	return s.seq
}

// applyExpiry implements the expiration toggle shared by all entity types:
// the old index membership is removed before the expiry field changes (the
// index orders by that field), then the entity is reindexed if a new duration
// is supplied, or its expiry cleared otherwise.
func (s *MemoryState) applyExpiry(idx *util.ExpiryHeap, e expirable, ttl time.Duration) {
	if !e.expiry().IsZero() {
		idx.Remove(e.expiryKey())
	}
	if ttl > 0 {
		at := s.clock.Now().Add(ttl)
		e.setExpiry(at)
		idx.Add(e.expiryKey(), at, e.expirySeq())
	} else {
		e.setExpiry(time.Time{})
	}
}

// --------------------------------------------------------------------------
// Jobs
// --------------------------------------------------------------------------

// JobCreate inserts a new job entry. A duplicate key is a consistency
// violation: identities are never reused, deletion is the only way out.
func (s *MemoryState) JobCreate(key string, payload []byte, job any, params map[string]string, ttl time.Duration) *JobEntry {
	norm := s.keys.Normalize(key)
	if _, ok := s.jobs.Load(norm); ok {
		violationf("job create", "duplicate job key %q", key)
	}

	entry := &JobEntry{
		Key:        key,
		CreatedAt:  s.clock.Now(),
		Parameters: make(map[string]string, len(params)),
		norm:       norm,
		seq:        s.nextSeq(),
	}
	for k, v := range params {
		entry.Parameters[k] = v
	}
	if s.retainJobs {
		entry.Job = job
	} else {
		entry.Payload = payload
	}

	s.jobs.Store(norm, entry)
	if ttl > 0 {
		s.applyExpiry(s.jobExpiry, entry, ttl)
	}
	return entry
}

// JobGet looks up a job by key.
//
// Thread-safety: the lookup itself is safe from any goroutine (the job map
// is concurrent); reading or writing fields of the returned entry must
// happen on the dispatcher thread.
func (s *MemoryState) JobGet(key string) (*JobEntry, bool) {
	return s.jobs.Load(s.keys.Normalize(key))
}

// JobSetState installs a new current state on the job and moves it between
// state-name buckets. The state becomes the last entry of the job's history.
func (s *MemoryState) JobSetState(j *JobEntry, state *StateEntry) {
	if j.State != nil {
		s.bucketRemove(j.State.Name, j)
	}

	j.State = state
	j.History = append(j.History, state)

	bucket := s.bucketGetOrCreate(state.Name)
	bucket.ReplaceOrInsert(j)
}

// JobAddHistory appends a state snapshot to the job's history without making
// it the current state. Bucket membership is unchanged.
func (s *MemoryState) JobAddHistory(j *JobEntry, state *StateEntry) {
	j.History = append(j.History, state)
}

// JobsInState enumerates up to limit jobs in the named state bucket in FIFO
// creation order. limit <= 0 means no limit.
func (s *MemoryState) JobsInState(stateName string, limit int) []*JobEntry {
	bucket, ok := s.jobsByState[strings.ToLower(stateName)]
	if !ok {
		return nil
	}

	out := make([]*JobEntry, 0, bucket.Len())
	bucket.Ascend(func(j *JobEntry) bool {
		out = append(out, j)
		return limit <= 0 || len(out) < limit
	})
	return out
}

// JobCountInState returns the size of a state bucket.
func (s *MemoryState) JobCountInState(stateName string) int {
	bucket, ok := s.jobsByState[strings.ToLower(stateName)]
	if !ok {
		return 0
	}
	return bucket.Len()
}

// JobExpire toggles the job's expiration (ttl <= 0 clears it).
func (s *MemoryState) JobExpire(j *JobEntry, ttl time.Duration) {
	s.applyExpiry(s.jobExpiry, j, ttl)
}

// JobDelete removes a job from the primary map, its state bucket, and the
// expiration index. Deletion must be symmetric across all three; a dangling
// index reference corrupts later iteration.
func (s *MemoryState) JobDelete(j *JobEntry) {
	cur, ok := s.jobs.Load(j.norm)
	if !ok || cur != j {
		violationf("job delete", "entry for %q is not the indexed entry", j.Key)
	}

	s.jobs.Delete(j.norm)
	if j.State != nil {
		s.bucketRemove(j.State.Name, j)
	}
	if !j.ExpireAt.IsZero() {
		s.jobExpiry.Remove(j.norm)
	}
}

// JobCount returns the number of stored jobs.
//
// Thread-safety: safe from any goroutine.
func (s *MemoryState) JobCount() int { return s.jobs.Size() }

func (s *MemoryState) bucketGetOrCreate(stateName string) *btree.BTreeG[*JobEntry] {
	name := strings.ToLower(stateName)
	bucket, ok := s.jobsByState[name]
	if !ok {
		bucket = btree.NewG(bucketDegree, jobBucketLess)
		s.jobsByState[name] = bucket
	}
	return bucket
}

func (s *MemoryState) bucketRemove(stateName string, j *JobEntry) {
	name := strings.ToLower(stateName)
	bucket, ok := s.jobsByState[name]
	if !ok {
		violationf("state bucket", "bucket %q missing for job %q", stateName, j.Key)
	}
	if _, removed := bucket.Delete(j); !removed {
		violationf("state bucket", "job %q not in bucket %q", j.Key, stateName)
	}
	if bucket.Len() == 0 {
		delete(s.jobsByState, name)
	}
}

// --------------------------------------------------------------------------
// Hashes
// --------------------------------------------------------------------------

func (s *MemoryState) hashGetOrCreate(key string) *HashEntry {
	norm := s.keys.Normalize(key)
	entry, ok := s.hashes[norm]
	if !ok {
		entry = &HashEntry{
			Key:    key,
			Fields: make(map[string]string),
			norm:   norm,
			seq:    s.nextSeq(),
		}
		s.hashes[norm] = entry
	}
	return entry
}

// HashSetRange upserts the given fields into the named hash, creating it on
// first write.
func (s *MemoryState) HashSetRange(key string, fields map[string]string) {
	entry := s.hashGetOrCreate(key)
	for k, v := range fields {
		entry.Fields[k] = v
	}
}

// HashGetAll returns a copy of all fields of the named hash.
func (s *MemoryState) HashGetAll(key string) map[string]string {
	entry, ok := s.hashes[s.keys.Normalize(key)]
	if !ok {
		return nil
	}
	out := make(map[string]string, len(entry.Fields))
	for k, v := range entry.Fields {
		out[k] = v
	}
	return out
}

// HashGet returns a single field value.
func (s *MemoryState) HashGet(key, field string) (string, bool) {
	entry, ok := s.hashes[s.keys.Normalize(key)]
	if !ok {
		return "", false
	}
	v, ok := entry.Fields[field]
	return v, ok
}

// HashFieldCount returns the number of fields in the named hash.
func (s *MemoryState) HashFieldCount(key string) int {
	entry, ok := s.hashes[s.keys.Normalize(key)]
	if !ok {
		return 0
	}
	return len(entry.Fields)
}

// HashExpire toggles the hash's expiration. Returns false if no such hash.
func (s *MemoryState) HashExpire(key string, ttl time.Duration) bool {
	entry, ok := s.hashes[s.keys.Normalize(key)]
	if !ok {
		return false
	}
	s.applyExpiry(s.hashExpiry, entry, ttl)
	return true
}

func (s *MemoryState) hashDelete(entry *HashEntry) {
	delete(s.hashes, entry.norm)
	if !entry.ExpireAt.IsZero() {
		s.hashExpiry.Remove(entry.norm)
	}
}

// --------------------------------------------------------------------------
// Lists
// --------------------------------------------------------------------------

func (s *MemoryState) listGetOrCreate(key string) *ListEntry {
	norm := s.keys.Normalize(key)
	entry, ok := s.lists[norm]
	if !ok {
		entry = &ListEntry{
			Key:  key,
			norm: norm,
			seq:  s.nextSeq(),
		}
		s.lists[norm] = entry
	}
	return entry
}

// ListPush appends a value to the named list, creating it on first write.
func (s *MemoryState) ListPush(key, value string) {
	entry := s.listGetOrCreate(key)
	entry.Items = append(entry.Items, value)
}

// ListRemoveAll removes every occurrence of value from the list and returns
// how many were removed. An emptied list is deleted.
func (s *MemoryState) ListRemoveAll(key, value string) int {
	entry, ok := s.lists[s.keys.Normalize(key)]
	if !ok {
		return 0
	}

	kept := entry.Items[:0]
	removed := 0
	for _, v := range entry.Items {
		if v == value {
			removed++
			continue
		}
		kept = append(kept, v)
	}
	entry.Items = kept

	if len(entry.Items) == 0 {
		s.listDelete(entry)
	}
	return removed
}

// ListRange returns the inclusive range [from, to] of the list's reversed
// view: index 0 is the most recently pushed value. Bounds are clamped.
func (s *MemoryState) ListRange(key string, from, to int) []string {
	entry, ok := s.lists[s.keys.Normalize(key)]
	if !ok {
		return nil
	}

	n := len(entry.Items)
	if from < 0 {
		from = 0
	}
	if to >= n {
		to = n - 1
	}
	if from > to {
		return nil
	}

	out := make([]string, 0, to-from+1)
	for i := from; i <= to; i++ {
		out = append(out, entry.Items[n-1-i])
	}
	return out
}

// ListAll returns every value in reverse insertion order (most recent first).
func (s *MemoryState) ListAll(key string) []string {
	entry, ok := s.lists[s.keys.Normalize(key)]
	if !ok {
		return nil
	}
	return s.ListRange(key, 0, len(entry.Items)-1)
}

// ListTrim keeps only the inclusive range [keepFrom, keepTo] of the reversed
// view and drops the rest. An emptied list is deleted. Returns the new length.
func (s *MemoryState) ListTrim(key string, keepFrom, keepTo int) int {
	entry, ok := s.lists[s.keys.Normalize(key)]
	if !ok {
		return 0
	}

	kept := s.ListRange(key, keepFrom, keepTo)
	if len(kept) == 0 {
		s.listDelete(entry)
		return 0
	}

	// kept is in reversed (most recent first) order; store back in insertion order
	items := make([]string, len(kept))
	for i, v := range kept {
		items[len(kept)-1-i] = v
	}
	entry.Items = items
	return len(items)
}

// ListCount returns the length of the named list.
func (s *MemoryState) ListCount(key string) int {
	entry, ok := s.lists[s.keys.Normalize(key)]
	if !ok {
		return 0
	}
	return len(entry.Items)
}

// ListExpire toggles the list's expiration. Returns false if no such list.
func (s *MemoryState) ListExpire(key string, ttl time.Duration) bool {
	entry, ok := s.lists[s.keys.Normalize(key)]
	if !ok {
		return false
	}
	s.applyExpiry(s.listExpiry, entry, ttl)
	return true
}

func (s *MemoryState) listDelete(entry *ListEntry) {
	delete(s.lists, entry.norm)
	if !entry.ExpireAt.IsZero() {
		s.listExpiry.Remove(entry.norm)
	}
}

// --------------------------------------------------------------------------
// Sorted Sets
// --------------------------------------------------------------------------

func (s *MemoryState) setGetOrCreate(key string) *SetEntry {
	norm := s.keys.Normalize(key)
	entry, ok := s.sets[norm]
	if !ok {
		entry = &SetEntry{
			Key:    key,
			items:  btree.NewG(bucketDegree, setItemLess),
			scores: make(map[string]float64),
			norm:   norm,
			seq:    s.nextSeq(),
		}
		s.sets[norm] = entry
	}
	return entry
}

// SetAdd inserts a value with the given score, or rescores it if present.
func (s *MemoryState) SetAdd(key, value string, score float64) {
	entry := s.setGetOrCreate(key)
	if old, ok := entry.scores[value]; ok {
		entry.items.Delete(SetItem{Value: value, Score: old})
	}
	entry.scores[value] = score
	entry.items.ReplaceOrInsert(SetItem{Value: value, Score: score})
}

// SetRemove removes a value from the set. An emptied set is deleted.
func (s *MemoryState) SetRemove(key, value string) bool {
	entry, ok := s.sets[s.keys.Normalize(key)]
	if !ok {
		return false
	}
	score, ok := entry.scores[value]
	if !ok {
		return false
	}
	entry.items.Delete(SetItem{Value: value, Score: score})
	delete(entry.scores, value)

	if entry.items.Len() == 0 {
		s.setDelete(entry)
	}
	return true
}

// SetContains reports membership of value in the named set.
func (s *MemoryState) SetContains(key, value string) bool {
	entry, ok := s.sets[s.keys.Normalize(key)]
	if !ok {
		return false
	}
	_, ok = entry.scores[value]
	return ok
}

// SetCount returns the number of members of the named set.
func (s *MemoryState) SetCount(key string) int {
	entry, ok := s.sets[s.keys.Normalize(key)]
	if !ok {
		return 0
	}
	return entry.items.Len()
}

// SetRange returns values with rank in the inclusive range [from, to],
// ordered by (score, value) ascending. Bounds are clamped.
func (s *MemoryState) SetRange(key string, from, to int) []string {
	entry, ok := s.sets[s.keys.Normalize(key)]
	if !ok {
		return nil
	}
	if from < 0 {
		from = 0
	}

	var out []string
	rank := 0
	entry.items.Ascend(func(item SetItem) bool {
		if rank > to {
			return false
		}
		if rank >= from {
			out = append(out, item.Value)
		}
		rank++
		return true
	})
	return out
}

// SetFirstByLowestScore returns the lowest-scored value whose score falls in
// the inclusive band [fromScore, toScore].
func (s *MemoryState) SetFirstByLowestScore(key string, fromScore, toScore float64) (string, bool) {
	entry, ok := s.sets[s.keys.Normalize(key)]
	if !ok {
		return "", false
	}

	var (
		value string
		found bool
	)
	entry.items.AscendGreaterOrEqual(SetItem{Score: fromScore}, func(item SetItem) bool {
		if item.Score > toScore {
			return false
		}
		value, found = item.Value, true
		return false
	})
	return value, found
}

// SetExpire toggles the set's expiration. Returns false if no such set.
func (s *MemoryState) SetExpire(key string, ttl time.Duration) bool {
	entry, ok := s.sets[s.keys.Normalize(key)]
	if !ok {
		return false
	}
	s.applyExpiry(s.setExpiry, entry, ttl)
	return true
}

func (s *MemoryState) setDelete(entry *SetEntry) {
	delete(s.sets, entry.norm)
	if !entry.ExpireAt.IsZero() {
		s.setExpiry.Remove(entry.norm)
	}
}

// --------------------------------------------------------------------------
// Counters
// --------------------------------------------------------------------------

// CounterIncrement adds delta to the named counter and returns the new sum.
// A counter reaching zero is removed entirely; ttl > 0 (re)schedules the
// counter's expiration alongside the increment.
func (s *MemoryState) CounterIncrement(key string, delta int64, ttl time.Duration) int64 {
	norm := s.keys.Normalize(key)
	entry, ok := s.counters[norm]
	if !ok {
		entry = &CounterEntry{
			Key:  key,
			norm: norm,
			seq:  s.nextSeq(),
		}
		s.counters[norm] = entry
	}

	entry.Value += delta
	if entry.Value == 0 {
		s.counterDelete(entry)
		return 0
	}
	if ttl > 0 {
		s.applyExpiry(s.counterExpiry, entry, ttl)
	}
	return entry.Value
}

// CounterGet returns the current sum of the named counter (0 if absent).
func (s *MemoryState) CounterGet(key string) int64 {
	entry, ok := s.counters[s.keys.Normalize(key)]
	if !ok {
		return 0
	}
	return entry.Value
}

// CounterExpire toggles the counter's expiration.
func (s *MemoryState) CounterExpire(key string, ttl time.Duration) bool {
	entry, ok := s.counters[s.keys.Normalize(key)]
	if !ok {
		return false
	}
	s.applyExpiry(s.counterExpiry, entry, ttl)
	return true
}

func (s *MemoryState) counterDelete(entry *CounterEntry) {
	delete(s.counters, entry.norm)
	if !entry.ExpireAt.IsZero() {
		s.counterExpiry.Remove(entry.norm)
	}
}

// --------------------------------------------------------------------------
// Servers
// --------------------------------------------------------------------------

// ServerAnnounce registers a processing server. Announcing an ID that is
// already registered is a consistency violation; a restarting server must
// remove its old registration first.
func (s *MemoryState) ServerAnnounce(id string, queues []string, workerCount int) *ServerEntry {
	norm := s.keys.Normalize(id)
	if _, ok := s.servers[norm]; ok {
		violationf("server announce", "duplicate server id %q", id)
	}

	now := s.clock.Now()
	entry := &ServerEntry{
		ID:          id,
		Queues:      append([]string(nil), queues...),
		WorkerCount: workerCount,
		StartedAt:   now,
		HeartbeatAt: now,
	}
	s.servers[norm] = entry
	return entry
}

// ServerHeartbeat refreshes a server's heartbeat timestamp. A heartbeat for
// an unknown server is a consistency violation.
func (s *MemoryState) ServerHeartbeat(id string) {
	entry, ok := s.servers[s.keys.Normalize(id)]
	if !ok {
		violationf("server heartbeat", "unknown server id %q", id)
	}
	entry.HeartbeatAt = s.clock.Now()
}

// ServerRemove drops a server registration. Returns false if absent.
func (s *MemoryState) ServerRemove(id string) bool {
	norm := s.keys.Normalize(id)
	if _, ok := s.servers[norm]; !ok {
		return false
	}
	delete(s.servers, norm)
	return true
}

// ServerRemoveInactive removes every server whose last heartbeat is older
// than now minus timeout and returns how many were removed.
func (s *MemoryState) ServerRemoveInactive(timeout time.Duration) int {
	cutoff := s.clock.Now().Add(-timeout)
	removed := 0
	for norm, entry := range s.servers {
		if entry.HeartbeatAt.Before(cutoff) {
			delete(s.servers, norm)
			removed++
		}
	}
	return removed
}

// Servers enumerates all registered servers, ordered by ID under the
// configured key policy.
func (s *MemoryState) Servers() []*ServerEntry {
	out := make([]*ServerEntry, 0, len(s.servers))
	for _, entry := range s.servers {
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool {
		return s.keys.Less(out[i].ID, out[j].ID)
	})
	return out
}

// --------------------------------------------------------------------------
// Queues
// --------------------------------------------------------------------------

// QueueGetOrCreate resolves a queue, creating it on first reference. Queues
// are never deleted. The get-or-create is a single atomic step on the
// concurrent queue map, so there is no window between lookup and creation.
//
// Thread-safety: safe from any goroutine.
func (s *MemoryState) QueueGetOrCreate(name string) *QueueEntry {
	norm := s.keys.Normalize(name)
	entry, _ := s.queues.LoadOrCompute(norm, func() *QueueEntry {
		return newQueueEntry(name)
	})
	return entry
}

// QueueGet resolves a queue without creating it.
//
// Thread-safety: safe from any goroutine.
func (s *MemoryState) QueueGet(name string) (*QueueEntry, bool) {
	return s.queues.Load(s.keys.Normalize(name))
}

// JobEnqueue appends a job key to the named queue, creating the queue on
// first reference, and wakes one blocked consumer.
func (s *MemoryState) JobEnqueue(queue, jobKey string) {
	s.QueueGetOrCreate(queue).Enqueue(jobKey)
}

// --------------------------------------------------------------------------
// Eviction
// --------------------------------------------------------------------------

// EvictExpired removes every entity whose expiry is at or before now from
// its primary map and all secondary indexes. Index order makes this a linear
// prefix scan: the loop stops at the first entry expiring in the future.
// Returns the number of evicted entities.
func (s *MemoryState) EvictExpired() int {
	now := s.clock.Now()
	evicted := 0

	for {
		item, ok := s.jobExpiry.PopExpired(now)
		if !ok {
			break
		}
		if j, ok := s.jobs.Load(item.Key); ok {
			s.jobs.Delete(j.norm)
			if j.State != nil {
				s.bucketRemove(j.State.Name, j)
			}
			evicted++
		}
	}
	for {
		item, ok := s.hashExpiry.PopExpired(now)
		if !ok {
			break
		}
		if entry, ok := s.hashes[item.Key]; ok {
			delete(s.hashes, entry.norm)
			evicted++
		}
	}
	for {
		item, ok := s.listExpiry.PopExpired(now)
		if !ok {
			break
		}
		if entry, ok := s.lists[item.Key]; ok {
			delete(s.lists, entry.norm)
			evicted++
		}
	}
	for {
		item, ok := s.setExpiry.PopExpired(now)
		if !ok {
			break
		}
		if entry, ok := s.sets[item.Key]; ok {
			delete(s.sets, entry.norm)
			evicted++
		}
	}
	for {
		item, ok := s.counterExpiry.PopExpired(now)
		if !ok {
			break
		}
		if entry, ok := s.counters[item.Key]; ok {
			delete(s.counters, entry.norm)
			evicted++
		}
	}

	return evicted
}
