package diagnosis

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/symcheck/symcheck/internal/domain/symptom"
	"github.com/symcheck/symcheck/internal/platform/hipaa"
)

// Runner is the part of Pipeline the dispatcher drives.
type Runner interface {
	Run(ctx context.Context, entryID string, actor hipaa.Actor, opts RunOptions) (*symptom.Diagnosis, error)
}

// QueueObserver is told the queue depth after every change.
type QueueObserver interface {
	SetQueueDepth(n int)
}

type job struct {
	entryID string
	actor   hipaa.Actor
}

// Dispatcher runs queued entries on a fixed pool of workers so that request
// handlers never wait for the analysis service.
type Dispatcher struct {
	runner   Runner
	jobs     chan job
	observer QueueObserver
	logger   zerolog.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// NewDispatcher starts workers goroutines draining a queue of queueSize.
// observer may be nil.
func NewDispatcher(runner Runner, workers, queueSize int, observer QueueObserver, logger zerolog.Logger) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		runner:   runner,
		jobs:     make(chan job, queueSize),
		observer: observer,
		logger:   logger.With().Str("component", "diagnosis_dispatcher").Logger(),
		ctx:      ctx,
		cancel:   cancel,
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.work()
	}
	return d
}

// Enqueue schedules entryID without blocking. It returns false when the
// queue is full or the dispatcher is shut down; the entry then stays
// SUBMITTED until retried.
func (d *Dispatcher) Enqueue(entryID string, actor hipaa.Actor) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.logger.Warn().Str("entry_id", entryID).Msg("dispatcher shut down; entry left for retry")
		return false
	}
	select {
	case d.jobs <- job{entryID: entryID, actor: actor}:
		d.reportDepth()
		return true
	default:
		d.logger.Warn().Str("entry_id", entryID).Int("capacity", cap(d.jobs)).Msg("diagnosis queue full; entry left for retry")
		return false
	}
}

// Pending returns the number of queued, not yet started, runs.
func (d *Dispatcher) Pending() int {
	return len(d.jobs)
}

// Shutdown stops accepting work and waits for queued runs to finish. When
// ctx expires first, workers stop waiting on their runs and ctx.Err is
// returned. The runs themselves end with Pipeline.Shutdown.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.jobs)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}

func (d *Dispatcher) work() {
	defer d.wg.Done()
	for j := range d.jobs {
		d.reportDepth()
		if d.ctx.Err() != nil {
			d.logger.Warn().Str("entry_id", j.entryID).Msg("shutdown deadline passed; entry left for retry")
			continue
		}
		if _, err := d.runner.Run(d.ctx, j.entryID, j.actor, RunOptions{}); err != nil {
			d.logger.Debug().Str("entry_id", j.entryID).Msg("queued diagnosis run did not complete")
		}
	}
}

func (d *Dispatcher) reportDepth() {
	if d.observer != nil {
		d.observer.SetQueueDepth(len(d.jobs))
	}
}
