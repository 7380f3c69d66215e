/*
Package notify delivers ledger events to the outside world.

PURPOSE:
  The wallet ledger calls Notify after every committed credit or debit.
  Delivery (push, SMS, e-mail) lives in other services, so this package
  only hands events to a Sink: a structured log line or a Redis pub/sub
  channel those services subscribe to.

DELIVERY MODEL:
  Best effort. Notify never blocks the caller: events go into a bounded
  queue drained by one worker goroutine. A full queue drops the event
  with a log line and a counter. Sink errors are logged and counted.

USAGE:
  d := notify.NewDispatcher(notify.NewRedisSink(client, "ledger-events"), 1024, logger)
  d.Start()
  defer d.Close()
  ledger := wallet.NewLedger(store, wallet.WithNotifier(d))
*/
package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warp/commission-engine/metrics"
	"github.com/warp/commission-engine/wallet"
)

// ErrClosed is returned by Notify after Close.
var ErrClosed = errors.New("notification dispatcher closed")

// Sink delivers one event.
type Sink interface {
	Deliver(ctx context.Context, ev wallet.Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev wallet.Event) error

func (f SinkFunc) Deliver(ctx context.Context, ev wallet.Event) error {
	return f(ctx, ev)
}

// MultiSink delivers to every sink and returns the joined errors.
type MultiSink []Sink

func (m MultiSink) Deliver(ctx context.Context, ev wallet.Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Deliver(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// =============================================================================
// DISPATCHER
// =============================================================================

// Dispatcher implements wallet.Notifier.
type Dispatcher struct {
	sink    Sink
	queue   chan wallet.Event
	logger  *zap.Logger
	timeout time.Duration

	mu      sync.RWMutex
	closed  bool
	started bool
	wg      sync.WaitGroup
}

// NewDispatcher creates a dispatcher with a queue of size events.
func NewDispatcher(sink Sink, size int, logger *zap.Logger) *Dispatcher {
	if size < 1 {
		size = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		sink:    sink,
		queue:   make(chan wallet.Event, size),
		logger:  logger,
		timeout: 5 * time.Second,
	}
}

// Start launches the worker. Calling it twice is a no-op.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started || d.closed {
		return
	}
	d.started = true
	d.wg.Add(1)
	go d.run()
}

// Notify enqueues ev without blocking.
func (d *Dispatcher) Notify(_ context.Context, ev wallet.Event) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}

	select {
	case d.queue <- ev:
	default:
		metrics.NotificationsDropped.Inc()
		d.logger.Warn("notification queue full, event dropped",
			zap.String("account_id", string(ev.AccountID)),
			zap.String("type", string(ev.Type)),
			zap.String("reference", ev.Reference))
	}
	return nil
}

// Close stops accepting events and waits for the queue to drain.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	started := d.started
	d.mu.Unlock()

	if started {
		d.wg.Wait()
	}
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for ev := range d.queue {
		d.deliver(ev)
	}
}

func (d *Dispatcher) deliver(ev wallet.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	if err := d.sink.Deliver(ctx, ev); err != nil {
		metrics.NotificationsFailed.Inc()
		d.logger.Warn("notification delivery failed",
			zap.String("account_id", string(ev.AccountID)),
			zap.String("type", string(ev.Type)),
			zap.Error(err))
	}
}
