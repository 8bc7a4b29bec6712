// ABOUTME: Periodic sampling loop publishing hub size snapshots
// ABOUTME: Pushes system_metrics to the monitoring channel's subscribers

package monitor

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Snapshot is one point-in-time sample of hub state.
type Snapshot struct {
	Type           string `json:"type"`
	Connections    int    `json:"connections"`
	Rooms          int    `json:"rooms"`
	AgentChannels  int    `json:"agentChannels"`
	Agents         int    `json:"agents"`
	DispatcherLoad int64  `json:"dispatcherLoad"`
	Timestamp      string `json:"timestamp"`
}

// Source produces snapshots; the hub implements this with read-only
// counts from its registries.
type Source interface {
	Sample() Snapshot
}

// Sink receives each snapshot; the hub publishes it to the monitoring
// channel. Zero subscribers is fine — the sample is still taken.
type Sink interface {
	Publish(snap Snapshot)
}

// Emitter runs the periodic sampling loop. Start and Stop are safe to
// call at most once each; Stop releases the timer without leaking it.
type Emitter struct {
	interval time.Duration
	source   Source
	sink     Sink
	logger   *slog.Logger

	started  atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewEmitter creates an Emitter sampling at the given interval.
func NewEmitter(interval time.Duration, source Source, sink Sink, logger *slog.Logger) *Emitter {
	return &Emitter{
		interval: interval,
		source:   source,
		sink:     sink,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins the sampling loop in its own goroutine.
func (e *Emitter) Start() {
	e.started.Store(true)
	go e.run()
	e.logger.Info("monitoring emitter started", "interval", e.interval)
}

// Stop cancels the loop and waits for it to exit. Stopping an emitter
// that was never started is a no-op, so shutdown paths need not track
// whether Run got far enough to start it.
func (e *Emitter) Stop() {
	e.stopOnce.Do(func() {
		close(e.stop)
	})
	if !e.started.Load() {
		return
	}
	<-e.done
	e.logger.Info("monitoring emitter stopped")
}

func (e *Emitter) run() {
	defer close(e.done)

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			snap := e.source.Sample()
			e.sink.Publish(snap)
		}
	}
}
