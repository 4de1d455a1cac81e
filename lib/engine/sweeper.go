package engine

import (
	"log/slog"
	"time"

	"github.com/VictoriaMetrics/metrics"
)

var sweptCounter = metrics.NewCounter(`kiln_swept_entities_total`)

// sweeper periodically submits a fire-and-forget eviction pass for expired
// entities. The expiration indexes keep each pass a prefix scan, so an idle
// engine pays almost nothing per tick.
type sweeper struct {
	d        *Dispatcher
	interval time.Duration
	stop     chan struct{}
	done     chan struct{}
}

func startSweeper(d *Dispatcher, interval time.Duration) *sweeper {
	sw := &sweeper{
		d:        d,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go sw.run()
	return sw
}

func (sw *sweeper) run() {
	defer close(sw.done)

	timer := time.NewTimer(sw.interval)
	defer timer.Stop()

	for {
		select {
		case <-sw.stop:
			return
		case <-timer.C:
		}

		sw.d.QueryNoWait(func(s *MemoryState) error {
			if n := s.EvictExpired(); n > 0 {
				sweptCounter.Add(n)
				slog.Debug("sweeper: evicted expired entities", "count", n)
			}
			return nil
		})

		timer.Reset(sw.interval)
	}
}

func (sw *sweeper) close() {
	close(sw.stop)
	<-sw.done
}
