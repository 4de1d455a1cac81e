package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/kiln-db/kiln/lib/lockmgr"
)

// --------------------------------------------------------------------------
// Interface Definition
// --------------------------------------------------------------------------

// StateSnapshot describes a job state transition to apply: a name from the
// framework's state vocabulary, an optional human-readable reason, and
// arbitrary state data. The engine stamps the transition time itself.
type StateSnapshot struct {
	Name   string
	Reason string
	Data   map[string]string
}

// JobData is the read model of a stored job. When the payload cannot be
// reconstituted, LoadError carries the failure and the raw payload plus all
// metadata are still populated, so callers can inspect identity and state
// even when the payload is unreadable.
type JobData struct {
	Key        string
	CreatedAt  time.Time
	Parameters map[string]string
	StateName  string
	Job        any
	Raw        []byte
	LoadError  error
}

// ServerData describes a processing server at announcement time.
type ServerData struct {
	Queues      []string
	WorkerCount int
}

// ServerInfo is the read model of a registered server.
type ServerInfo struct {
	ID          string
	Queues      []string
	WorkerCount int
	StartedAt   time.Time
	HeartbeatAt time.Time
}

// IStorage is the operation surface the engine exposes to the job-storage
// adapter layer. Every method is expressed as a dispatcher-submitted
// operation; reads return copies that are safe to use after the call.
//
// Expiration: every Expire* method toggles the entity's membership in its
// type's expiration index; ttl <= 0 clears the expiration (the entity is
// persisted again).
type IStorage interface {
	// Jobs
	CreateJob(key string, job any, params map[string]string, ttl time.Duration) error
	GetJobData(key string) (*JobData, bool, error)
	SetJobParameter(key, name, value string) error
	GetJobParameter(key, name string) (string, bool, error)
	SetJobState(key string, state StateSnapshot) error
	AddJobState(key string, state StateSnapshot) error
	GetStateData(key string) (*StateSnapshot, bool, error)
	JobsInState(stateName string, limit int) ([]string, error)
	JobCountInState(stateName string) (int, error)
	ExpireJob(key string, ttl time.Duration) error

	// Queues
	EnqueueJob(queue, jobKey string) error
	FetchNextJob(ctx context.Context, queues []string) (queue, jobKey string, err error)
	QueueLength(name string) (int, error)

	// Hashes
	SetRangeInHash(key string, fields map[string]string) error
	GetAllEntriesFromHash(key string) (map[string]string, error)
	GetValueFromHash(key, field string) (string, bool, error)
	GetHashCount(key string) (int, error)
	ExpireHash(key string, ttl time.Duration) error

	// Lists
	InsertToList(key, value string) error
	RemoveFromList(key, value string) (int, error)
	TrimList(key string, keepFrom, keepTo int) error
	GetAllItemsFromList(key string) ([]string, error)
	GetListRange(key string, from, to int) ([]string, error)
	GetListCount(key string) (int, error)
	ExpireList(key string, ttl time.Duration) error

	// Sorted sets
	AddToSet(key, value string, score float64) error
	RemoveFromSet(key, value string) error
	GetRangeFromSet(key string, from, to int) ([]string, error)
	GetFirstByLowestScoreFromSet(key string, fromScore, toScore float64) (string, bool, error)
	GetSetCount(key string) (int, error)
	GetSetContains(key, value string) (bool, error)
	ExpireSet(key string, ttl time.Duration) error

	// Counters
	IncrementCounter(key string, delta int64, ttl time.Duration) (int64, error)
	GetCounter(key string) (int64, error)

	// Servers
	AnnounceServer(id string, data ServerData) error
	Heartbeat(id string) error
	RemoveServer(id string) error
	RemoveTimedOutServers(timeout time.Duration) (int, error)
	Servers() ([]ServerInfo, error)

	// Locks
	AcquireLock(owner, resource string, timeout time.Duration) (*lockmgr.Handle, error)
}

// --------------------------------------------------------------------------
// Custom Error Type
// --------------------------------------------------------------------------

// Error wraps a return code and message for storage-level failures.
type Error struct {
	Code RetCode
	Msg  string
}

// Error implements the error interface.
func (e *Error) Error() string {
	code := "Unknown"
	switch e.Code {
	case RetCInternalError:
		code = "InternalError"
	case RetCNotFound:
		code = "NotFound"
	case RetCInvalidOperation:
		code = "InvalidOperation"
	}
	return fmt.Sprintf("StorageError (code %s): %s", code, e.Msg)
}

// NewError creates a new storage Error with the given code and message.
func NewError(code RetCode, msg string) *Error {
	return &Error{Code: code, Msg: msg}
}

// --------------------------------------------------------------------------
// Return Codes
// --------------------------------------------------------------------------

type RetCode uint64

const (
	RetCSuccess          RetCode = iota // 0: Operation executed successfully.
	RetCInternalError                   // 1: Operation failed due to an internal error.
	RetCNotFound                        // 2: Referenced entity does not exist.
	RetCInvalidOperation                // 3: Invalid operation.
)
