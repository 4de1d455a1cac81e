package engine

import "time"

// Constants for engine behavior
const (
	defaultSweepInterval = 1 * time.Second        // Default interval between eviction runs
	fetchPollInterval    = 200 * time.Millisecond // Re-poll bound for multi-queue fetches
)

// Options configures an Engine during initialization.
type Options struct {
	// Clock is the engine's time source (nil = system clock, UTC).
	Clock Clock

	// CaseSensitiveKeys selects the key comparison policy for all primary
	// lookups. State-name buckets are always case-insensitive.
	CaseSensitiveKeys bool

	// RetainJobs keeps the original job description on each job entry instead
	// of a pre-serialized payload. The two are mutually exclusive: an entry
	// holds one or the other depending on this flag.
	RetainJobs bool

	// SweepInterval is the time between eviction runs for expired entities
	// (0 = default, negative = sweeper disabled).
	SweepInterval time.Duration

	// OnFault observes errors from fire-and-forget operations, which cannot
	// reach their submitter (nil = structured log).
	OnFault func(error)
}

// DefaultOptions returns the default engine options.
func DefaultOptions() *Options {
	return &Options{
		Clock:             SystemClock(),
		CaseSensitiveKeys: true,
		SweepInterval:     defaultSweepInterval,
	}
}
