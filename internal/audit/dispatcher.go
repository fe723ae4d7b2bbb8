package audit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	channelBuffer  = 10_000
	batchSize      = 100
	flushInterval  = time.Second
	DefaultWorkers = 4
	DefaultTimeout = 10 * time.Second
)

// Sink is a destination for audit records. Write must be safe for
// concurrent use.
type Sink interface {
	Name() string
	Write(ctx context.Context, rec Record) error
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithWorkers sets the number of background workers.
func WithWorkers(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.workers = n
		}
	}
}

// WithTimeout bounds the delivery of one record to all sinks.
func WithTimeout(t time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if t > 0 {
			d.timeout = t
		}
	}
}

// WithBuffer sets the queue capacity.
func WithBuffer(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n >= 0 {
			d.buffer = n
		}
	}
}

// WithBatchSize sets how many queued records a worker collects before
// writing them out.
func WithBatchSize(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.batchSize = n
		}
	}
}

// WithResultHook is called once per sink write with its outcome.
func WithResultHook(fn func(sink string, err error)) DispatcherOption {
	return func(d *Dispatcher) { d.onResult = fn }
}

// Dispatcher delivers records to every sink without ever blocking the
// submitter. Records queue on a bounded channel drained in batches by
// background workers; when the queue is full the record is handed to its
// own goroutine instead of being dropped. Close waits for everything
// submitted before it.
type Dispatcher struct {
	sinks     []Sink
	workers   int
	buffer    int
	batchSize int
	timeout   time.Duration

	ch   chan Record
	done chan struct{}

	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
	wg        sync.WaitGroup
	spill     sync.WaitGroup

	spilled  atomic.Int64
	failures atomic.Int64

	baseCtx  context.Context
	log      *slog.Logger
	onResult func(sink string, err error)
}

// NewDispatcher starts the workers. ctx carries values only; its
// cancellation does not stop delivery.
func NewDispatcher(ctx context.Context, log *slog.Logger, sinks []Sink, opts ...DispatcherOption) (*Dispatcher, error) {
	if ctx == nil {
		return nil, fmt.Errorf("audit: context must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}

	d := &Dispatcher{
		sinks:     sinks,
		workers:   DefaultWorkers,
		buffer:    channelBuffer,
		batchSize: batchSize,
		timeout:   DefaultTimeout,
		done:      make(chan struct{}),
		baseCtx:   context.WithoutCancel(ctx),
		log:       log,
	}
	for _, o := range opts {
		o(d)
	}
	d.ch = make(chan Record, d.buffer)

	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.run()
	}

	return d, nil
}

// Submit queues rec for delivery and returns immediately. After Close the
// record is delivered inline.
func (d *Dispatcher) Submit(rec Record) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		d.deliver(rec)
		return
	}

	select {
	case d.ch <- rec:
	default:
		d.spilled.Add(1)
		d.spill.Add(1)
		go func() {
			defer d.spill.Done()
			d.deliver(rec)
		}()
	}
}

// Spilled is the number of records delivered outside the queue.
func (d *Dispatcher) Spilled() int64 { return d.spilled.Load() }

// Failures is the number of failed sink writes.
func (d *Dispatcher) Failures() int64 { return d.failures.Load() }

// Close drains the queue, waits for spilled deliveries and closes sinks
// that implement io.Closer.
func (d *Dispatcher) Close() error {
	var errs []error
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		close(d.done)
		d.mu.Unlock()

		d.wg.Wait()
		d.spill.Wait()

		for _, s := range d.sinks {
			if c, ok := s.(io.Closer); ok {
				if err := c.Close(); err != nil {
					errs = append(errs, fmt.Errorf("audit: close %s: %w", s.Name(), err))
				}
			}
		}
	})
	return errors.Join(errs...)
}

func (d *Dispatcher) run() {
	defer d.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]Record, 0, d.batchSize)

	flush := func() {
		for _, rec := range batch {
			d.deliver(rec)
		}
		batch = batch[:0]
	}

	for {
		select {
		case rec := <-d.ch:
			batch = append(batch, rec)
			if len(batch) >= d.batchSize {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-d.done:
			for {
				select {
				case rec := <-d.ch:
					batch = append(batch, rec)
					if len(batch) >= d.batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

// deliver fans rec out to every sink. Sink errors are logged and counted;
// one failing sink does not cancel the others.
func (d *Dispatcher) deliver(rec Record) {
	ctx, cancel := context.WithTimeout(d.baseCtx, d.timeout)
	defer cancel()

	var g errgroup.Group
	for _, s := range d.sinks {
		g.Go(func() error {
			err := s.Write(ctx, rec)
			if d.onResult != nil {
				d.onResult(s.Name(), err)
			}
			if err != nil {
				d.failures.Add(1)
				d.log.WarnContext(ctx, "audit_sink_error",
					slog.String("request_id", rec.RequestID),
					slog.String("sink", s.Name()),
					slog.String("error", err.Error()),
				)
			}
			return nil
		})
	}
	_ = g.Wait()
}
