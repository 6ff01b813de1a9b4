// Package scheduler drives the periodic ingestion cycles and owns the
// service lifecycle: startup, readiness and graceful shutdown.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-co-op/gocron"

	"github.com/couchcryptid/citypage-fetcher/internal/pipeline"
)

// Runner executes one cycle of each kind.
type Runner interface {
	RunStations(ctx context.Context) (pipeline.Summary, error)
	RunObservations(ctx context.Context) (pipeline.Summary, error)
}

// Pinger verifies store connectivity for readiness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options configures the controller.
type Options struct {
	StationInterval     time.Duration
	ObservationInterval time.Duration
	// ShutdownGrace bounds how long Shutdown waits for in-flight cycles
	// before cancelling them.
	ShutdownGrace time.Duration
}

// Controller arms the two cycle triggers. A trigger that fires while a cycle
// of the same kind is running waits for it to finish; different kinds may
// overlap.
type Controller struct {
	runner Runner
	pinger Pinger
	opts   Options
	cron   *gocron.Scheduler
	logger *slog.Logger

	work       context.Context
	cancelWork context.CancelFunc

	mu       sync.Mutex // guards stopped and inflight.Add
	stopped  bool
	inflight sync.WaitGroup
	locks    map[string]*sync.Mutex

	ready atomic.Bool

	shutdownOnce sync.Once
	graceful     bool

	statusMu sync.RWMutex
	last     map[string]pipeline.Summary
}

// New creates a Controller. Cycles run on a context that is only cancelled
// once the shutdown grace period has elapsed.
func New(runner Runner, pinger Pinger, opts Options, logger *slog.Logger) *Controller {
	work, cancel := context.WithCancel(context.Background())
	return &Controller{
		runner:     runner,
		pinger:     pinger,
		opts:       opts,
		cron:       gocron.NewScheduler(time.UTC),
		logger:     logger,
		work:       work,
		cancelWork: cancel,
		locks: map[string]*sync.Mutex{
			pipeline.CycleStations:     {},
			pipeline.CycleObservations: {},
		},
		last: make(map[string]pipeline.Summary),
	}
}

// Start runs the station cycle once and waits for it, then arms both
// triggers: observations fire immediately, the station refresh after one
// interval. The initial cycle runs like any other, so when ctx is cancelled
// while it is in flight Start goes through Shutdown's grace period and
// returns nil without arming anything.
func (c *Controller) Start(ctx context.Context) error {
	if !c.enter() {
		return nil
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer c.inflight.Done()

		s, err := c.runner.RunStations(c.work)
		if err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Error("initial station cycle failed, continuing with stored directory", "error", err)
		}
		c.record(pipeline.CycleStations, s)
		c.ready.Store(true)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		c.logger.Info("shutdown requested during initial station cycle")
		c.Shutdown()
		return nil
	}

	// Holding mu keeps a concurrent Shutdown from stopping cron before it is armed.
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return nil
	}

	if _, err := c.cron.Every(c.opts.ObservationInterval).SingletonMode().Do(c.trigger, pipeline.CycleObservations); err != nil {
		return fmt.Errorf("schedule observation cycle: %w", err)
	}
	if _, err := c.cron.Every(c.opts.StationInterval).WaitForSchedule().SingletonMode().Do(c.trigger, pipeline.CycleStations); err != nil {
		return fmt.Errorf("schedule station cycle: %w", err)
	}
	c.cron.StartAsync()

	c.logger.Info("scheduler started",
		"observation_interval", c.opts.ObservationInterval,
		"station_interval", c.opts.StationInterval,
	)
	return nil
}

// Trigger runs one cycle of the given kind now, waiting behind any cycle of
// the same kind already in progress.
func (c *Controller) Trigger(kind string) {
	c.trigger(kind)
}

func (c *Controller) trigger(kind string) {
	lock, ok := c.locks[kind]
	if !ok {
		c.logger.Error("unknown cycle kind", "cycle", kind)
		return
	}
	if !c.enter() {
		return
	}
	defer c.inflight.Done()

	lock.Lock()
	defer lock.Unlock()
	if c.isStopped() {
		return
	}

	var (
		s   pipeline.Summary
		err error
	)
	switch kind {
	case pipeline.CycleStations:
		s, err = c.runner.RunStations(c.work)
	case pipeline.CycleObservations:
		s, err = c.runner.RunObservations(c.work)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Error("cycle failed", "cycle", kind, "error", err)
	}

	c.record(kind, s)
}

func (c *Controller) record(kind string, s pipeline.Summary) {
	c.statusMu.Lock()
	defer c.statusMu.Unlock()
	c.last[kind] = s
}

// enter registers an in-flight cycle unless shutdown has begun.
func (c *Controller) enter() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return false
	}
	c.inflight.Add(1)
	return true
}

func (c *Controller) isStopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

// Shutdown stops arming new cycles and waits for in-flight ones. If they do
// not finish within the grace period their context is cancelled and Shutdown
// waits for them to unwind. It reports whether the cycles drained in time.
// Later calls return the first call's result.
func (c *Controller) Shutdown() bool {
	c.shutdownOnce.Do(func() { c.graceful = c.shutdown() })
	return c.graceful
}

func (c *Controller) shutdown() bool {
	c.mu.Lock()
	c.stopped = true
	c.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		c.inflight.Wait()
		close(drained)
	}()

	graceful := true
	select {
	case <-drained:
	case <-time.After(c.opts.ShutdownGrace):
		graceful = false
		c.logger.Warn("shutdown grace period elapsed, cancelling in-flight cycles", "grace", c.opts.ShutdownGrace)
		c.cancelWork()
		<-drained
	}

	c.cron.Stop()
	c.cancelWork()
	c.logger.Info("scheduler stopped", "graceful", graceful)
	return graceful
}

// CheckReadiness reports ready once the first station cycle has completed and
// the store answers a ping.
func (c *Controller) CheckReadiness(ctx context.Context) error {
	if !c.ready.Load() {
		return errors.New("initial station cycle not complete")
	}
	if err := c.pinger.Ping(ctx); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	return nil
}

// LastRuns returns the most recent summary per cycle kind.
func (c *Controller) LastRuns() map[string]pipeline.Summary {
	c.statusMu.RLock()
	defer c.statusMu.RUnlock()
	return maps.Clone(c.last)
}
