// Package scheduler runs the periodic tick that fires due playbook steps and
// digest or alert jobs.
//
// Every tick lists due items, then a bounded pool of workers claims and
// processes them. Workers coordinate only through the store: the claim is a
// conditional update, so two ticks racing on the same item fire it once.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dukex/outbound/pkg/leader"
	"github.com/dukex/outbound/pkg/metrics"
	"github.com/dukex/outbound/pkg/otelhelper"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Config tunes the tick loop.
type Config struct {
	TickInterval time.Duration
	BatchSize    int
	Workers      int
}

// TickStats summarizes one tick.
type TickStats struct {
	Leader  bool
	Runs    map[Result]int
	Jobs    map[Result]int
	Errors  int
	Elapsed time.Duration
}

func newTickStats() TickStats {
	return TickStats{
		Runs: make(map[Result]int),
		Jobs: make(map[Result]int),
	}
}

// Processor claims and handles one due item. RunProcessor and JobProcessor implement it.
//
// Due lists with the tick time. Process reads its own clock, so an item
// dequeued late in a batch still gets a full lease.
type Processor interface {
	Due(ctx context.Context, now time.Time, limit int) ([]string, error)
	Process(ctx context.Context, id string) (Result, error)
}

// ProcessorOption configures a RunProcessor or JobProcessor.
type ProcessorOption func(*processorConfig)

type processorConfig struct {
	now func() time.Time
}

// WithProcessorClock replaces time.Now for claims and fire-time checks.
func WithProcessorClock(now func() time.Time) ProcessorOption {
	return func(c *processorConfig) {
		c.now = now
	}
}

func newProcessorConfig(opts []ProcessorOption) processorConfig {
	c := processorConfig{now: func() time.Time { return time.Now().UTC() }}

	for _, opt := range opts {
		opt(&c)
	}

	return c
}

// Scheduler owns the ticker.
type Scheduler struct {
	cfg     Config
	runs    Processor
	jobs    Processor
	elector leader.Elector
	metrics *metrics.Metrics
	tracer  trace.Tracer
	now     func() time.Time
	logger  *slog.Logger

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithElector gates ticks on leadership.
func WithElector(elector leader.Elector) Option {
	return func(s *Scheduler) {
		s.elector = elector
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) {
		s.metrics = m
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(s *Scheduler) {
		s.tracer = tracer
	}
}

// WithClock replaces time.Now for the tick loop.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

// New creates a scheduler. jobs may be nil when only runs are scheduled.
func New(cfg Config, runs Processor, jobs Processor, logger *slog.Logger, opts ...Option) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Minute
	}

	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}

	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}

	s := &Scheduler{
		cfg:     cfg,
		runs:    runs,
		jobs:    jobs,
		elector: leader.Always{},
		tracer:  otelhelper.NewNoopTracer(),
		now:     func() time.Time { return time.Now().UTC() },
		logger:  logger.With("module", "scheduler"),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Start runs a tick immediately and then on every interval until Stop or ctx ends.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.started = true

	s.logger.InfoContext(ctx, "Starting scheduler",
		"tick_interval", s.cfg.TickInterval,
		"batch_size", s.cfg.BatchSize,
		"workers", s.cfg.Workers,
	)

	go s.loop(loopCtx, s.done)

	return nil
}

// Stop cancels in-flight work and waits for the current tick to return.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return nil
	}

	s.logger.InfoContext(ctx, "Stopping scheduler")
	s.cancel()

	select {
	case <-s.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.started = false

	if err := s.elector.Resign(ctx); err != nil {
		s.logger.WarnContext(ctx, "Failed to resign leadership", "error", err)
	}

	s.logger.InfoContext(ctx, "Scheduler stopped")

	return nil
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	s.Tick(ctx, s.now())

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx, s.now())
		}
	}
}

// Tick processes everything due at now once. It is safe to call concurrently
// from several processes sharing a store.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) TickStats {
	start := time.Now()
	stats := newTickStats()

	ctx, span := otelhelper.StartSpan(ctx, s.tracer, "scheduler.tick",
		attribute.Int(otelhelper.BatchSizeKey, s.cfg.BatchSize),
	)
	defer span.End()

	stats.Leader = s.elector.IsLeader(ctx)
	if !stats.Leader {
		s.logger.DebugContext(ctx, "Not leader, skipping tick")
		s.metrics.RecordTick(false, time.Since(start))

		return stats
	}

	stats.Errors += s.drain(ctx, s.runs, now, stats.Runs, "run")

	if s.jobs != nil {
		stats.Errors += s.drain(ctx, s.jobs, now, stats.Jobs, "job")
	}

	stats.Elapsed = time.Since(start)

	for result, n := range stats.Runs {
		s.metrics.RecordRuns(string(result), n)
	}

	s.metrics.RecordTick(true, stats.Elapsed)

	claimed := stats.Runs[ResultFired] + stats.Runs[ResultRetried] + stats.Runs[ResultFailed] + stats.Runs[ResultSkipped]
	span.SetAttributes(
		attribute.Int(otelhelper.ClaimedKey, claimed),
		attribute.Int(otelhelper.TickSkippedKey, stats.Runs[ResultSkipped]),
	)

	if claimed > 0 || len(stats.Jobs) > 0 || stats.Errors > 0 {
		s.logger.InfoContext(ctx, "Tick finished",
			"fired", stats.Runs[ResultFired],
			"retried", stats.Runs[ResultRetried],
			"failed", stats.Runs[ResultFailed],
			"skipped", stats.Runs[ResultSkipped],
			"lost", stats.Runs[ResultLost],
			"jobs_fired", stats.Jobs[ResultFired],
			"errors", stats.Errors,
			"elapsed", stats.Elapsed,
		)
	}

	return stats
}

// drain lists one batch of due items and fans it out to the worker pool.
func (s *Scheduler) drain(ctx context.Context, p Processor, now time.Time, results map[Result]int, kind string) int {
	ids, err := p.Due(ctx, now, s.cfg.BatchSize)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to list due items", "kind", kind, "error", err)

		return 1
	}

	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		errs   int
		queue  = make(chan string)
		worker = func(workerID int) {
			defer wg.Done()

			for id := range queue {
				result, err := p.Process(ctx, id)

				mu.Lock()
				results[result]++

				if err != nil {
					errs++
				}
				mu.Unlock()

				if err != nil {
					s.logger.ErrorContext(ctx, "Failed to process due item",
						"kind", kind,
						"id", id,
						"worker_id", workerID,
						"error", err,
					)
				}
			}
		}
	)

	workers := min(s.cfg.Workers, len(ids))
	for i := range workers {
		wg.Add(1)

		go worker(i)
	}

	for _, id := range ids {
		select {
		case queue <- id:
		case <-ctx.Done():
		}

		if ctx.Err() != nil {
			break
		}
	}

	close(queue)
	wg.Wait()

	return errs
}
