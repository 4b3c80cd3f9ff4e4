// Package notify delivers emotion alerts to the outside world. Delivery runs
// off the detection loop: publishing never blocks and never fails the tick.
package notify

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andresmejia3/facewatch/internal/types"
)

// ErrSinkDelivery wraps a failed delivery.
var ErrSinkDelivery = errors.New("alert delivery failed")

// Sink delivers a single alert.
type Sink interface {
	Deliver(ctx context.Context, ev types.AlertEvent) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev types.AlertEvent) error

func (f SinkFunc) Deliver(ctx context.Context, ev types.AlertEvent) error { return f(ctx, ev) }

// Multi fans one alert out to several sinks. Every sink is tried.
type Multi []Sink

func (m Multi) Deliver(ctx context.Context, ev types.AlertEvent) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Deliver(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Reporter receives delivery failures.
type Reporter interface {
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// DispatcherConfig tunes a Dispatcher.
type DispatcherConfig struct {
	QueueSize int
	Timeout   time.Duration
	Reporter  Reporter
}

// DispatcherStats counts what happened to published alerts.
type DispatcherStats struct {
	Delivered int64 `json:"delivered"`
	Failed    int64 `json:"failed"`
	Dropped   int64 `json:"dropped"`
}

// Dispatcher hands alerts to a Sink on a background goroutine.
type Dispatcher struct {
	sink     Sink
	timeout  time.Duration
	reporter Reporter

	mu     sync.RWMutex
	closed bool
	queue  chan types.AlertEvent
	done   chan struct{}

	delivered atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

// NewDispatcher starts a dispatcher delivering to sink.
func NewDispatcher(sink Sink, cfg DispatcherConfig) *Dispatcher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	d := &Dispatcher{
		sink:     sink,
		timeout:  cfg.Timeout,
		reporter: cfg.Reporter,
		queue:    make(chan types.AlertEvent, cfg.QueueSize),
		done:     make(chan struct{}),
	}
	go d.run()
	return d
}

// Publish queues ev. A full queue or a closed dispatcher drops the alert.
func (d *Dispatcher) Publish(ev types.AlertEvent) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.dropped.Add(1)
		return
	}
	select {
	case d.queue <- ev:
	default:
		d.dropped.Add(1)
		if d.reporter != nil {
			d.reporter.Warnf("Alert queue full, dropping %s/%s", ev.IdentityName, ev.Emotion)
		}
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for ev := range d.queue {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		err := d.sink.Deliver(ctx, ev)
		cancel()
		if err != nil {
			d.failed.Add(1)
			if d.reporter != nil {
				d.reporter.Errorf("%v: %s/%s: %v", ErrSinkDelivery, ev.IdentityName, ev.Emotion, err)
			}
			continue
		}
		d.delivered.Add(1)
	}
}

// Close stops accepting alerts and waits for queued ones to be delivered.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()
	<-d.done
}

// Stats returns delivery counters.
func (d *Dispatcher) Stats() DispatcherStats {
	return DispatcherStats{
		Delivered: d.delivered.Load(),
		Failed:    d.failed.Load(),
		Dropped:   d.dropped.Load(),
	}
}
