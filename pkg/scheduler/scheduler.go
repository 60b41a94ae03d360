// Package scheduler runs the engine's periodic jobs in-process on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mihaimyh/gosubs/pkg/gosubs"
)

// Config holds configuration for the scheduler
type Config struct {
	// Timeout bounds one job run (default: 10 minutes)
	Timeout time.Duration

	// Location is the time zone schedules are evaluated in (default: UTC)
	Location *time.Location

	Logger gosubs.Logger
}

// Scheduler wraps a cron runner. Overlapping runs of the same job are skipped.
type Scheduler struct {
	cron   *cron.Cron
	config Config
	logger gosubs.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	jobs map[string]cron.EntryID
}

// New creates a stopped scheduler.
func New(config Config) *Scheduler {
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Minute
	}
	if config.Location == nil {
		config.Location = time.UTC
	}
	if config.Logger == nil {
		config.Logger = &gosubs.NoopLogger{}
	}

	clog := cronLogger{config.Logger}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(config.Location),
			cron.WithLogger(clog),
			cron.WithChain(cron.Recover(clog), cron.SkipIfStillRunning(clog)),
		),
		config: config,
		logger: config.Logger,
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(map[string]cron.EntryID),
	}
}

// Add registers fn under name on a standard five-field cron spec or a descriptor such as
// "@hourly". An empty spec leaves the job disabled.
func (s *Scheduler) Add(name, spec string, fn func(ctx context.Context) error) error {
	if spec == "" {
		s.logger.Info("scheduled job disabled", gosubs.F("job", name))
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[name]; ok {
		return fmt.Errorf("job %s already registered", name)
	}
	id, err := s.cron.AddFunc(spec, func() { s.run(name, fn) })
	if err != nil {
		return fmt.Errorf("invalid schedule %q for job %s: %w", spec, name, err)
	}
	s.jobs[name] = id
	return nil
}

// Jobs returns the registered job names with their next run time.
func (s *Scheduler) Jobs() map[string]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]time.Time, len(s.jobs))
	for name, id := range s.jobs {
		out[name] = s.cron.Entry(id).Next
	}
	return out
}

// Start begins running jobs in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops scheduling, cancels running jobs and waits for them to return or ctx to end.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	s.cancel()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) run(name string, fn func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(s.ctx, s.config.Timeout)
	defer cancel()

	start := time.Now()
	s.logger.Debug("scheduled job started", gosubs.F("job", name))
	if err := fn(ctx); err != nil {
		s.logger.Error("scheduled job failed",
			gosubs.F("job", name), gosubs.F("duration_ms", time.Since(start).Milliseconds()), gosubs.F("error", err))
		return
	}
	s.logger.Info("scheduled job finished",
		gosubs.F("job", name), gosubs.F("duration_ms", time.Since(start).Milliseconds()))
}

// cronLogger adapts gosubs.Logger to cron.Logger.
type cronLogger struct {
	logger gosubs.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, fields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append(fields(keysAndValues), gosubs.F("error", err))...)
}

func fields(kv []interface{}) []gosubs.Field {
	out := make([]gosubs.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, gosubs.F(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
