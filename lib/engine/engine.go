package engine

// Engine ties the state container, the dispatcher and the sweeper together.
// All data is memory-resident and volatile; a process restart starts empty.
type Engine struct {
	opts    *Options
	state   *MemoryState
	dispman *Dispatcher
	sweep   *sweeper
}

// New creates an engine with the specified options (nil = defaults) and
// starts its dispatcher and sweeper goroutines.
//
// Thread-safety: This function is not thread-safe and should only be called
// once during initialization; the returned Engine is safe for concurrent use.
func New(opts *Options) *Engine {
	if opts == nil {
		opts = DefaultOptions()
	}
	clock := opts.Clock
	if clock == nil {
		clock = SystemClock()
	}

	state := NewMemoryState(clock, NewKeyComparer(opts.CaseSensitiveKeys), opts.RetainJobs)
	d := NewDispatcher(state, opts.OnFault)

	e := &Engine{
		opts:    opts,
		state:   state,
		dispman: d,
	}

	interval := opts.SweepInterval
	if interval == 0 {
		interval = defaultSweepInterval
	}
	if interval > 0 {
		e.sweep = startSweeper(d, interval)
	}

	return e
}

// Dispatcher returns the engine's single-writer dispatcher. All entity
// operations are expressed as dispatcher-submitted queries against the
// state container.
func (e *Engine) Dispatcher() *Dispatcher { return e.dispman }

// Close stops the sweeper and the dispatcher, draining operations already
// submitted. Data is discarded with the process; there is nothing to flush.
func (e *Engine) Close() error {
	if e.sweep != nil {
		e.sweep.close()
	}
	e.dispman.Close()
	return nil
}
