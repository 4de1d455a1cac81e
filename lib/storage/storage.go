package storage

import (
	"context"
	"time"

	"github.com/kiln-db/kiln/lib/engine"
	"github.com/kiln-db/kiln/lib/lockmgr"
	"github.com/pkg/errors"
)

type storageImpl struct {
	engine *engine.Engine
	d      *engine.Dispatcher
	locks  lockmgr.ILockManager
	codec  IJobCodec
}

// NewStorage creates a storage facade over the given engine. codec encodes
// and decodes job payloads (nil = JSON). The facade is stateless apart from
// the engine itself; creating several facades over one engine is safe.
//
// Every error leaving the facade is wrapped with the operation and key it
// belongs to. The wrapping preserves the cause, so errors.As and errors.Is
// still match the underlying *Error, lock timeout and fetch cancellation
// values.
func NewStorage(e *engine.Engine, codec IJobCodec) IStorage {
	if codec == nil {
		codec = NewJSONCodec()
	}
	return &storageImpl{
		engine: e,
		d:      e.Dispatcher(),
		locks:  lockmgr.NewLockManager(e.Dispatcher()),
		codec:  codec,
	}
}

// --------------------------------------------------------------------------
// Jobs
// --------------------------------------------------------------------------

func (st *storageImpl) CreateJob(key string, job any, params map[string]string, ttl time.Duration) error {
	payload, err := st.codec.Encode(job)
	if err != nil {
		return errors.Wrapf(err, "encoding payload for job %q", key)
	}

	_, err = st.d.QueryAndWait(func(s *engine.MemoryState) (any, error) {
		s.JobCreate(key, payload, job, params, ttl)
		return nil, nil
	})
	return errors.Wrapf(err, "create job %q", key)
}

func (st *storageImpl) GetJobData(key string) (*JobData, bool, error) {
	data, err := engine.Query(st.d, func(s *engine.MemoryState) (*JobData, error) {
		j, ok := s.JobGet(key)
		if !ok {
			return nil, nil
		}

		out := &JobData{
			Key:        j.Key,
			CreatedAt:  j.CreatedAt,
			Parameters: make(map[string]string, len(j.Parameters)),
			Job:        j.Job,
			Raw:        j.Payload,
		}
		for k, v := range j.Parameters {
			out.Parameters[k] = v
		}
		if j.State != nil {
			out.StateName = j.State.Name
		}
		return out, nil
	})
	if err != nil || data == nil {
		return nil, false, errors.Wrapf(err, "read job %q", key)
	}

	// Reconstitute the payload outside the dispatcher; a failure is part of
	// the result, never an error across the storage boundary.
	if data.Job == nil && data.Raw != nil {
		job, decErr := st.codec.Decode(data.Raw)
		if decErr != nil {
			data.LoadError = decErr
		} else {
			data.Job = job
		}
	}
	return data, true, nil
}

func (st *storageImpl) SetJobParameter(key, name, value string) error {
	_, err := st.d.QueryAndWait(func(s *engine.MemoryState) (any, error) {
		j, ok := s.JobGet(key)
		if !ok {
			return nil, NewError(RetCNotFound, "job "+key+" does not exist")
		}
		j.Parameters[name] = value
		return nil, nil
	})
	return errors.Wrapf(err, "set parameter %q on job %q", name, key)
}

func (st *storageImpl) GetJobParameter(key, name string) (string, bool, error) {
	type result struct {
		value string
		ok    bool
	}
	res, err := engine.Query(st.d, func(s *engine.MemoryState) (result, error) {
		j, ok := s.JobGet(key)
		if !ok {
			return result{}, nil
		}
		v, ok := j.Parameters[name]
		return result{value: v, ok: ok}, nil
	})
	return res.value, res.ok, errors.Wrapf(err, "read parameter %q of job %q", name, key)
}

func (st *storageImpl) SetJobState(key string, state StateSnapshot) error {
	_, err := st.d.QueryAndWait(func(s *engine.MemoryState) (any, error) {
		j, ok := s.JobGet(key)
		if !ok {
			return nil, NewError(RetCNotFound, "job "+key+" does not exist")
		}
		s.JobSetState(j, snapshotToEntry(s, state))
		return nil, nil
	})
	return errors.Wrapf(err, "set state on job %q", key)
}

func (st *storageImpl) AddJobState(key string, state StateSnapshot) error {
	_, err := st.d.QueryAndWait(func(s *engine.MemoryState) (any, error) {
		j, ok := s.JobGet(key)
		if !ok {
			return nil, NewError(RetCNotFound, "job "+key+" does not exist")
		}
		s.JobAddHistory(j, snapshotToEntry(s, state))
		return nil, nil
	})
	return errors.Wrapf(err, "append state to job %q", key)
}

func (st *storageImpl) GetStateData(key string) (*StateSnapshot, bool, error) {
	snap, err := engine.Query(st.d, func(s *engine.MemoryState) (*StateSnapshot, error) {
		j, ok := s.JobGet(key)
		if !ok || j.State == nil {
			return nil, nil
		}

		out := &StateSnapshot{
			Name:   j.State.Name,
			Reason: j.State.Reason,
			Data:   make(map[string]string, len(j.State.Data)),
		}
		for k, v := range j.State.Data {
			out.Data[k] = v
		}
		return out, nil
	})
	if err != nil || snap == nil {
		return nil, false, errors.Wrapf(err, "read state of job %q", key)
	}
	return snap, true, nil
}

func (st *storageImpl) JobsInState(stateName string, limit int) ([]string, error) {
	keys, err := engine.Query(st.d, func(s *engine.MemoryState) ([]string, error) {
		jobs := s.JobsInState(stateName, limit)
		keys := make([]string, len(jobs))
		for i, j := range jobs {
			keys[i] = j.Key
		}
		return keys, nil
	})
	return keys, errors.Wrapf(err, "list jobs in state %q", stateName)
}

func (st *storageImpl) JobCountInState(stateName string) (int, error) {
	n, err := engine.Query(st.d, func(s *engine.MemoryState) (int, error) {
		return s.JobCountInState(stateName), nil
	})
	return n, errors.Wrapf(err, "count jobs in state %q", stateName)
}

func (st *storageImpl) ExpireJob(key string, ttl time.Duration) error {
	_, err := st.d.QueryAndWait(func(s *engine.MemoryState) (any, error) {
		if j, ok := s.JobGet(key); ok {
			s.JobExpire(j, ttl)
		}
		return nil, nil
	})
	return errors.Wrapf(err, "expire job %q", key)
}

func snapshotToEntry(s *engine.MemoryState, snap StateSnapshot) *engine.StateEntry {
	data := make(map[string]string, len(snap.Data))
	for k, v := range snap.Data {
		data[k] = v
	}
	return &engine.StateEntry{
		Name:      snap.Name,
		Reason:    snap.Reason,
		Data:      data,
		CreatedAt: s.Now(),
	}
}

// --------------------------------------------------------------------------
// Queues
// --------------------------------------------------------------------------

func (st *storageImpl) EnqueueJob(queue, jobKey string) error {
	_, err := st.d.QueryAndWait(func(s *engine.MemoryState) (any, error) {
		s.JobEnqueue(queue, jobKey)
		return nil, nil
	})
	return errors.Wrapf(err, "enqueue job %q on queue %q", jobKey, queue)
}

func (st *storageImpl) FetchNextJob(ctx context.Context, queues []string) (string, string, error) {
	queue, jobKey, err := st.engine.FetchNext(ctx, queues)
	return queue, jobKey, errors.Wrap(err, "fetch next job")
}

func (st *storageImpl) QueueLength(name string) (int, error) {
	n, err := engine.Query(st.d, func(s *engine.MemoryState) (int, error) {
		if q, ok := s.QueueGet(name); ok {
			return q.Len(), nil
		}
		return 0, nil
	})
	return n, errors.Wrapf(err, "read length of queue %q", name)
}

// --------------------------------------------------------------------------
// Hashes
// --------------------------------------------------------------------------

func (st *storageImpl) SetRangeInHash(key string, fields map[string]string) error {
	_, err := st.d.QueryAndWait(func(s *engine.MemoryState) (any, error) {
		s.HashSetRange(key, fields)
		return nil, nil
	})
	return errors.Wrapf(err, "set fields in hash %q", key)
}

func (st *storageImpl) GetAllEntriesFromHash(key string) (map[string]string, error) {
	fields, err := engine.Query(st.d, func(s *engine.MemoryState) (map[string]string, error) {
		return s.HashGetAll(key), nil
	})
	return fields, errors.Wrapf(err, "read hash %q", key)
}

func (st *storageImpl) GetValueFromHash(key, field string) (string, bool, error) {
	type result struct {
		value string
		ok    bool
	}
	res, err := engine.Query(st.d, func(s *engine.MemoryState) (result, error) {
		v, ok := s.HashGet(key, field)
		return result{value: v, ok: ok}, nil
	})
	return res.value, res.ok, errors.Wrapf(err, "read field %q of hash %q", field, key)
}

func (st *storageImpl) GetHashCount(key string) (int, error) {
	n, err := engine.Query(st.d, func(s *engine.MemoryState) (int, error) {
		return s.HashFieldCount(key), nil
	})
	return n, errors.Wrapf(err, "count fields in hash %q", key)
}

func (st *storageImpl) ExpireHash(key string, ttl time.Duration) error {
	_, err := st.d.QueryAndWait(func(s *engine.MemoryState) (any, error) {
		s.HashExpire(key, ttl)
		return nil, nil
	})
	return errors.Wrapf(err, "expire hash %q", key)
}

// --------------------------------------------------------------------------
// Lists
// --------------------------------------------------------------------------

func (st *storageImpl) InsertToList(key, value string) error {
	_, err := st.d.QueryAndWait(func(s *engine.MemoryState) (any, error) {
		s.ListPush(key, value)
		return nil, nil
	})
	return errors.Wrapf(err, "insert into list %q", key)
}

func (st *storageImpl) RemoveFromList(key, value string) (int, error) {
	n, err := engine.Query(st.d, func(s *engine.MemoryState) (int, error) {
		return s.ListRemoveAll(key, value), nil
	})
	return n, errors.Wrapf(err, "remove from list %q", key)
}

func (st *storageImpl) TrimList(key string, keepFrom, keepTo int) error {
	_, err := st.d.QueryAndWait(func(s *engine.MemoryState) (any, error) {
		s.ListTrim(key, keepFrom, keepTo)
		return nil, nil
	})
	return errors.Wrapf(err, "trim list %q", key)
}

func (st *storageImpl) GetAllItemsFromList(key string) ([]string, error) {
	items, err := engine.Query(st.d, func(s *engine.MemoryState) ([]string, error) {
		return s.ListAll(key), nil
	})
	return items, errors.Wrapf(err, "read list %q", key)
}

func (st *storageImpl) GetListRange(key string, from, to int) ([]string, error) {
	items, err := engine.Query(st.d, func(s *engine.MemoryState) ([]string, error) {
		return s.ListRange(key, from, to), nil
	})
	return items, errors.Wrapf(err, "read range of list %q", key)
}

func (st *storageImpl) GetListCount(key string) (int, error) {
	n, err := engine.Query(st.d, func(s *engine.MemoryState) (int, error) {
		return s.ListCount(key), nil
	})
	return n, errors.Wrapf(err, "count list %q", key)
}

func (st *storageImpl) ExpireList(key string, ttl time.Duration) error {
	_, err := st.d.QueryAndWait(func(s *engine.MemoryState) (any, error) {
		s.ListExpire(key, ttl)
		return nil, nil
	})
	return errors.Wrapf(err, "expire list %q", key)
}

// --------------------------------------------------------------------------
// Sorted Sets
// --------------------------------------------------------------------------

func (st *storageImpl) AddToSet(key, value string, score float64) error {
	_, err := st.d.QueryAndWait(func(s *engine.MemoryState) (any, error) {
		s.SetAdd(key, value, score)
		return nil, nil
	})
	return errors.Wrapf(err, "add to set %q", key)
}

func (st *storageImpl) RemoveFromSet(key, value string) error {
	_, err := st.d.QueryAndWait(func(s *engine.MemoryState) (any, error) {
		s.SetRemove(key, value)
		return nil, nil
	})
	return errors.Wrapf(err, "remove from set %q", key)
}

func (st *storageImpl) GetRangeFromSet(key string, from, to int) ([]string, error) {
	items, err := engine.Query(st.d, func(s *engine.MemoryState) ([]string, error) {
		return s.SetRange(key, from, to), nil
	})
	return items, errors.Wrapf(err, "read range of set %q", key)
}

func (st *storageImpl) GetFirstByLowestScoreFromSet(key string, fromScore, toScore float64) (string, bool, error) {
	type result struct {
		value string
		ok    bool
	}
	res, err := engine.Query(st.d, func(s *engine.MemoryState) (result, error) {
		v, ok := s.SetFirstByLowestScore(key, fromScore, toScore)
		return result{value: v, ok: ok}, nil
	})
	return res.value, res.ok, errors.Wrapf(err, "read lowest score of set %q", key)
}

func (st *storageImpl) GetSetCount(key string) (int, error) {
	n, err := engine.Query(st.d, func(s *engine.MemoryState) (int, error) {
		return s.SetCount(key), nil
	})
	return n, errors.Wrapf(err, "count set %q", key)
}

func (st *storageImpl) GetSetContains(key, value string) (bool, error) {
	ok, err := engine.Query(st.d, func(s *engine.MemoryState) (bool, error) {
		return s.SetContains(key, value), nil
	})
	return ok, errors.Wrapf(err, "check membership in set %q", key)
}

func (st *storageImpl) ExpireSet(key string, ttl time.Duration) error {
	_, err := st.d.QueryAndWait(func(s *engine.MemoryState) (any, error) {
		s.SetExpire(key, ttl)
		return nil, nil
	})
	return errors.Wrapf(err, "expire set %q", key)
}

// --------------------------------------------------------------------------
// Counters
// --------------------------------------------------------------------------

func (st *storageImpl) IncrementCounter(key string, delta int64, ttl time.Duration) (int64, error) {
	n, err := engine.Query(st.d, func(s *engine.MemoryState) (int64, error) {
		return s.CounterIncrement(key, delta, ttl), nil
	})
	return n, errors.Wrapf(err, "increment counter %q", key)
}

func (st *storageImpl) GetCounter(key string) (int64, error) {
	n, err := engine.Query(st.d, func(s *engine.MemoryState) (int64, error) {
		return s.CounterGet(key), nil
	})
	return n, errors.Wrapf(err, "read counter %q", key)
}

// --------------------------------------------------------------------------
// Servers
// --------------------------------------------------------------------------

func (st *storageImpl) AnnounceServer(id string, data ServerData) error {
	_, err := st.d.QueryAndWait(func(s *engine.MemoryState) (any, error) {
		s.ServerAnnounce(id, data.Queues, data.WorkerCount)
		return nil, nil
	})
	return errors.Wrapf(err, "announce server %q", id)
}

func (st *storageImpl) Heartbeat(id string) error {
	_, err := st.d.QueryAndWait(func(s *engine.MemoryState) (any, error) {
		s.ServerHeartbeat(id)
		return nil, nil
	})
	return errors.Wrapf(err, "heartbeat server %q", id)
}

func (st *storageImpl) RemoveServer(id string) error {
	_, err := st.d.QueryAndWait(func(s *engine.MemoryState) (any, error) {
		s.ServerRemove(id)
		return nil, nil
	})
	return errors.Wrapf(err, "remove server %q", id)
}

func (st *storageImpl) RemoveTimedOutServers(timeout time.Duration) (int, error) {
	if timeout < 0 {
		return 0, NewError(RetCInvalidOperation, "server timeout must not be negative")
	}
	n, err := engine.Query(st.d, func(s *engine.MemoryState) (int, error) {
		return s.ServerRemoveInactive(timeout), nil
	})
	return n, errors.Wrap(err, "remove timed out servers")
}

func (st *storageImpl) Servers() ([]ServerInfo, error) {
	servers, err := engine.Query(st.d, func(s *engine.MemoryState) ([]ServerInfo, error) {
		servers := s.Servers()
		out := make([]ServerInfo, len(servers))
		for i, srv := range servers {
			out[i] = ServerInfo{
				ID:          srv.ID,
				Queues:      append([]string(nil), srv.Queues...),
				WorkerCount: srv.WorkerCount,
				StartedAt:   srv.StartedAt,
				HeartbeatAt: srv.HeartbeatAt,
			}
		}
		return out, nil
	})
	return servers, errors.Wrap(err, "list servers")
}

// --------------------------------------------------------------------------
// Locks
// --------------------------------------------------------------------------

func (st *storageImpl) AcquireLock(owner, resource string, timeout time.Duration) (*lockmgr.Handle, error) {
	handle, err := st.locks.Acquire(owner, resource, timeout)
	return handle, errors.Wrapf(err, "acquire lock on %q", resource)
}
