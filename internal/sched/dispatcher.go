package sched

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/mkoberg/jagdfieber-server/internal/game"
	"github.com/mkoberg/jagdfieber-server/internal/queue"
)

// JobSource is the queue surface the dispatcher drains.
type JobSource interface {
	Dequeue(ctx context.Context, timeout time.Duration) (*queue.Job, error)
	Retry(ctx context.Context, job queue.Job) (bool, error)
}

// GameReader resolves the per-game ping parameters for a job.
type GameReader interface {
	GetGame(ctx context.Context, id string) (*game.Game, error)
}

// Dispatcher drains the job queue and runs ping jobs. Job failures are
// isolated: a failing job is retried by the queue, everything else keeps
// flowing.
type Dispatcher struct {
	jobs   JobSource
	store  GameReader
	pinger PingGenerator

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(jobs JobSource, store GameReader, pinger PingGenerator) *Dispatcher {
	return &Dispatcher{jobs: jobs, store: store, pinger: pinger, stopCh: make(chan struct{})}
}

// Start drains the queue until Stop is called.
func (d *Dispatcher) Start(ctx context.Context) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for {
			select {
			case <-d.stopCh:
				return
			case <-ctx.Done():
				return
			default:
			}
			job, err := d.jobs.Dequeue(ctx, time.Second)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				slog.Error("dispatcher: dequeue failed", "error", err)
				continue
			}
			if job == nil {
				continue
			}
			d.Process(ctx, *job)
		}
	}()
}

// Stop shuts the drain loop down and waits for it to exit.
func (d *Dispatcher) Stop() {
	close(d.stopCh)
	d.wg.Wait()
}

// Process runs a single job. Jobs that cannot ever succeed (unknown type,
// participant without a position) are dropped; transient failures go back to
// the queue within the retry budget.
func (d *Dispatcher) Process(ctx context.Context, job queue.Job) {
	if job.Type != JobTypePing {
		slog.Warn("dispatcher: dropping job of unknown type", "job", job.ID, "type", job.Type)
		return
	}
	g, err := d.store.GetGame(ctx, job.GameID)
	if err != nil {
		d.retry(ctx, job, err)
		return
	}
	delay := time.Duration(g.Config.PingRevealDelaySeconds) * time.Second
	_, err = d.pinger.GeneratePing(ctx, job.GameID, job.ParticipantID, g.Config.PingRadiusMeters, delay, game.PingPeriodic)
	if err == nil {
		return
	}
	// No position yet means retrying is pointless; the next tick covers it.
	if errors.Is(err, game.ErrNotFound) {
		slog.Info("dispatcher: skipping ping, no position", "participant", job.ParticipantID)
		return
	}
	d.retry(ctx, job, err)
}

func (d *Dispatcher) retry(ctx context.Context, job queue.Job, cause error) {
	again, err := d.jobs.Retry(ctx, job)
	if err != nil {
		slog.Error("dispatcher: retry failed", "job", job.ID, "cause", cause, "error", err)
		return
	}
	if !again {
		slog.Error("dispatcher: job dropped after retries", "job", job.ID, "cause", cause)
		return
	}
	slog.Warn("dispatcher: job requeued", "job", job.ID, "attempt", job.Attempts+1, "cause", cause)
}
