package pipeline_test

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/citypage-fetcher/internal/domain"
	"github.com/couchcryptid/citypage-fetcher/internal/pipeline"
)

func makeTargets(n int) []domain.Target {
	targets := make([]domain.Target, n)
	for i := range targets {
		targets[i] = domain.Target{ID: fmt.Sprintf("s%07d", i)}
	}
	return targets
}

func TestExecutor_BoundsConcurrency(t *testing.T) {
	const limit = 20
	var inFlight, peak atomic.Int32

	e := pipeline.NewExecutor(limit, discardLogger())
	br := e.Run(context.Background(), makeTargets(100), func(_ context.Context, _ domain.Target) error {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return nil
	})

	assert.Equal(t, 100, br.Success)
	assert.Len(t, br.Results, 100)
	assert.LessOrEqual(t, peak.Load(), int32(limit))
	assert.Greater(t, peak.Load(), int32(1), "tasks should overlap")
	assert.Equal(t, int32(0), inFlight.Load())
}

func TestExecutor_OutcomesAreIndependent(t *testing.T) {
	e := pipeline.NewExecutor(4, discardLogger())
	targets := makeTargets(4)

	br := e.Run(context.Background(), targets, func(_ context.Context, tgt domain.Target) error {
		switch tgt.ID {
		case targets[1].ID:
			return &domain.FetchError{Kind: domain.FailurePermanent, StatusCode: 404}
		case targets[2].ID:
			return &domain.FetchError{Kind: domain.FailureTransient, StatusCode: 503}
		default:
			return nil
		}
	})

	assert.Equal(t, 2, br.Success)
	assert.Equal(t, 1, br.Skipped)
	assert.Equal(t, 1, br.Failed)
	assert.Equal(t, pipeline.OutcomeSkipped, br.Results[1].Outcome)
	assert.Equal(t, pipeline.OutcomeFailed, br.Results[2].Outcome)
	assert.Equal(t, targets[3].ID, br.Results[3].Target.ID)
}

func TestExecutor_CancellationAbandonsUnstarted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var started atomic.Int32
	e := pipeline.NewExecutor(2, discardLogger())
	br := e.Run(ctx, makeTargets(10), func(ctx context.Context, _ domain.Target) error {
		if started.Add(1) == 2 {
			cancel()
		}
		<-ctx.Done()
		return ctx.Err()
	})

	require.Len(t, br.Results, 10)
	assert.Equal(t, 10, br.Cancelled)
	assert.LessOrEqual(t, started.Load(), int32(3), "targets after cancellation must not start")
}

func TestClassify(t *testing.T) {
	live := context.Background()
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Equal(t, pipeline.OutcomeSuccess, pipeline.Classify(live, nil))
	assert.Equal(t, pipeline.OutcomeSkipped, pipeline.Classify(live, &domain.FetchError{Kind: domain.FailurePermanent}))
	assert.Equal(t, pipeline.OutcomeFailed, pipeline.Classify(live, &domain.FetchError{Kind: domain.FailureTransient}))
	assert.Equal(t, pipeline.OutcomeFailed, pipeline.Classify(live, context.DeadlineExceeded), "a per-request timeout is not cancellation")
	assert.Equal(t, pipeline.OutcomeCancelled, pipeline.Classify(cancelled, context.Canceled))
	assert.Equal(t, pipeline.OutcomeFailed, pipeline.Classify(cancelled, errors.New("boom")))
}
