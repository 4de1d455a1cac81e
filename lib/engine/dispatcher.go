package engine

import (
	"log/slog"
	"sync"

	"github.com/VictoriaMetrics/metrics"
	"github.com/kiln-db/kiln/lib/engine/util"
)

var (
	dispatcherSyncOps  = metrics.NewCounter(`kiln_dispatcher_ops_total{kind="sync"}`)
	dispatcherAsyncOps = metrics.NewCounter(`kiln_dispatcher_ops_total{kind="async"}`)
	dispatcherFaults   = metrics.NewCounter(`kiln_dispatcher_faults_total`)
)

// op is one unit of work submitted to the dispatcher. done is nil for
// fire-and-forget submissions.
type op struct {
	fn   func(*MemoryState) (any, error)
	done chan opResult
}

type opResult struct {
	value any
	err   error
}

// Dispatcher is the single writer of the engine: it accepts operations from
// arbitrary goroutines and executes them one at a time against the state
// container on a dedicated goroutine. Serialization is what lets the state
// container avoid per-structure locks - every operation is one atomic step
// from the perspective of all other callers.
//
// Operations form a total order. Submissions from one goroutine execute in
// submission order; there is no cross-caller ordering guarantee beyond
// serialization itself.
type Dispatcher struct {
	state   *MemoryState
	queue   *util.MPSC[op]
	onFault func(error)
	done    sync.WaitGroup
}

// NewDispatcher creates a dispatcher for the given state container and
// starts its writer goroutine. onFault observes errors from fire-and-forget
// operations (nil = structured log).
func NewDispatcher(state *MemoryState, onFault func(error)) *Dispatcher {
	if onFault == nil {
		onFault = func(err error) {
			dispatcherFaults.Inc()
			slog.Error("dispatcher: fire-and-forget operation failed", "err", err)
		}
	}

	d := &Dispatcher{
		state:   state,
		queue:   util.NewMPSC[op](),
		onFault: onFault,
	}

	d.done.Add(1)
	go d.run()

	return d
}

// run is the writer goroutine: it drains the submission queue until close.
func (d *Dispatcher) run() {
	defer d.done.Done()

	for o := range d.queue.Recv() {
		res := d.execute(o.fn)
		if o.done != nil {
			o.done <- res
		} else if res.err != nil {
			d.onFault(res.err)
		}
	}
}

// execute runs one operation against the state container. A consistency
// violation aborts the operation and surfaces as an error; any other panic
// is a genuine bug and propagates.
func (d *Dispatcher) execute(fn func(*MemoryState) (any, error)) (res opResult) {
	defer func() {
		if r := recover(); r != nil {
			ce, ok := r.(*ConsistencyError)
			if !ok {
				panic(r)
			}
			dispatcherFaults.Inc()
			slog.Error("dispatcher: operation aborted", "err", ce)
			res = opResult{err: ce}
		}
	}()

	value, err := fn(d.state)
	return opResult{value: value, err: err}
}

// QueryAndWait submits an operation and blocks the calling goroutine until
// the writer has executed it, returning its result or error.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (d *Dispatcher) QueryAndWait(fn func(*MemoryState) (any, error)) (any, error) {
	done := make(chan opResult, 1)
	if !d.queue.Push(&op{fn: fn, done: done}) {
		return nil, ErrClosed
	}
	dispatcherSyncOps.Inc()

	res := <-done
	return res.value, res.err
}

// QueryNoWait submits an operation for eventual execution and returns
// immediately. Completion is not observed by the submitter; failures go to
// the process-wide fault observer since they cannot reach the caller.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (d *Dispatcher) QueryNoWait(fn func(*MemoryState) error) bool {
	wrapped := func(s *MemoryState) (any, error) {
		return nil, fn(s)
	}
	if !d.queue.Push(&op{fn: wrapped}) {
		return false
	}
	dispatcherAsyncOps.Inc()
	return true
}

// Close stops accepting operations and waits for the writer goroutine to
// drain everything already submitted.
func (d *Dispatcher) Close() {
	d.queue.Close()
	d.done.Wait()
}

// Query is a typed convenience wrapper around QueryAndWait.
func Query[T any](d *Dispatcher, fn func(*MemoryState) (T, error)) (T, error) {
	res, err := d.QueryAndWait(func(s *MemoryState) (any, error) {
		return fn(s)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	v, _ := res.(T)
	return v, nil
}
