package shares

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/andyguoau/scamvax-api/internal/logging"
)

// DestroyerConfig controls the concurrency characteristics of the destroyer.
type DestroyerConfig struct {
	QueueSize int
	Workers   int
	Timeout   time.Duration
}

// DestroyFunc removes one share's payload.
type DestroyFunc func(ctx context.Context, id string) error

// Destroyer runs triggered destructions off the request path. Jobs it cannot finish
// are left for the reconciliation sweep.
type Destroyer struct {
	destroy DestroyFunc
	timeout time.Duration
	logger  *slog.Logger

	jobs   chan string
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once

	mu     sync.RWMutex
	closed bool
}

var (
	errDestroyerClosed = errors.New("destroyer closed")
	errDestroyerFull   = errors.New("destroy queue full")
)

// NewDestroyer starts the worker pool.
func NewDestroyer(destroy DestroyFunc, cfg DestroyerConfig, logger *slog.Logger) *Destroyer {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 16
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultDestroyTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Destroyer{
		destroy: destroy,
		timeout: cfg.Timeout,
		logger:  logger,
		jobs:    make(chan string, cfg.QueueSize),
		ctx:     ctx,
		cancel:  cancel,
	}

	d.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go d.worker()
	}
	return d
}

// Enqueue schedules destruction of id without blocking. It fails when the queue is
// full or the destroyer has shut down.
func (d *Destroyer) Enqueue(id string) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return errDestroyerClosed
	}

	select {
	case d.jobs <- id:
		return nil
	default:
		return errDestroyerFull
	}
}

// Shutdown stops accepting jobs and waits for queued ones to drain. If ctx ends
// first, in-flight destructions are canceled.
func (d *Destroyer) Shutdown(ctx context.Context) error {
	d.once.Do(func() {
		d.mu.Lock()
		d.closed = true
		close(d.jobs)
		d.mu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		d.cancel()
		return ctx.Err()
	case <-done:
		d.cancel()
		return nil
	}
}

func (d *Destroyer) worker() {
	defer d.wg.Done()

	for id := range d.jobs {
		if d.ctx.Err() != nil {
			continue
		}
		d.handle(id)
	}
}

func (d *Destroyer) handle(id string) {
	ctx, cancel := context.WithTimeout(logging.WithLogger(d.ctx, d.logger), d.timeout)
	defer cancel()

	if err := d.destroy(ctx, id); err != nil {
		d.logger.Warn("destruction deferred to reconciliation", slog.String("share_id", id), slog.Any("error", err))
	}
}
