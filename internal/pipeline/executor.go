package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/couchcryptid/citypage-fetcher/internal/domain"
)

// Outcome is the final state of one fetch target.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

// TaskFunc processes a single target.
type TaskFunc func(ctx context.Context, t domain.Target) error

// Result is the outcome of one target.
type Result struct {
	Target  domain.Target
	Outcome Outcome
	Err     error
}

// BatchResult is returned once every started task has finished.
type BatchResult struct {
	Results   []Result
	Success   int
	Skipped   int
	Failed    int
	Cancelled int
}

// Executor runs tasks with bounded parallelism.
type Executor struct {
	limit  int64
	logger *slog.Logger
}

// NewExecutor creates an executor allowing at most limit tasks in flight.
func NewExecutor(limit int, logger *slog.Logger) *Executor {
	if limit < 1 {
		limit = 1
	}
	return &Executor{limit: int64(limit), logger: logger}
}

// Run processes every target and blocks until all started tasks return. When
// ctx is cancelled, targets not yet started are reported cancelled.
func (e *Executor) Run(ctx context.Context, targets []domain.Target, fn TaskFunc) BatchResult {
	sem := semaphore.NewWeighted(e.limit)
	results := make([]Result, len(targets))
	var wg sync.WaitGroup

	for i, t := range targets {
		if err := sem.Acquire(ctx, 1); err != nil {
			for j := i; j < len(targets); j++ {
				results[j] = Result{Target: targets[j], Outcome: OutcomeCancelled, Err: err}
			}
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			err := fn(ctx, t)
			results[i] = Result{Target: t, Outcome: Classify(ctx, err), Err: err}
		}()
	}
	wg.Wait()

	br := BatchResult{Results: results}
	for _, r := range results {
		switch r.Outcome {
		case OutcomeSuccess:
			br.Success++
		case OutcomeSkipped:
			br.Skipped++
		case OutcomeFailed:
			br.Failed++
		case OutcomeCancelled:
			br.Cancelled++
		}
	}
	return br
}

// Classify maps a task error onto an outcome.
func Classify(ctx context.Context, err error) Outcome {
	switch {
	case err == nil:
		return OutcomeSuccess
	case domain.IsPermanent(err):
		return OutcomeSkipped
	case ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)):
		return OutcomeCancelled
	default:
		return OutcomeFailed
	}
}
