// Package reconcile drives the engine's reconciliation phases on independent
// cadences.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/drfirst/go-dosewatch/internal/engine"
	"github.com/drfirst/go-dosewatch/internal/observability/metrics"
)

// Reconciler runs the reconciliation phases. *engine.Engine satisfies it.
type Reconciler interface {
	GenerateAhead(ctx context.Context) (engine.PhaseResult, error)
	NotifyDue(ctx context.Context) (engine.PhaseResult, error)
	SweepMissed(ctx context.Context) (engine.PhaseResult, error)
}

// Config holds the loop cadence
type Config struct {
	GenerateEvery time.Duration
	NotifyEvery   time.Duration
	SweepEvery    time.Duration
	// PhaseTimeout bounds a single phase run
	PhaseTimeout time.Duration
	// RunOnStart runs every phase once when the loop starts
	RunOnStart bool
}

// DefaultConfig returns the default cadence
func DefaultConfig() Config {
	return Config{
		GenerateEvery: 12 * time.Hour,
		NotifyEvery:   time.Minute,
		SweepEvery:    5 * time.Minute,
		PhaseTimeout:  5 * time.Minute,
		RunOnStart:    true,
	}
}

type phase struct {
	name  string
	every time.Duration
	run   func(ctx context.Context) (engine.PhaseResult, error)
}

// Loop schedules the phases with cron. A phase still running when its next
// tick fires is skipped for that tick.
type Loop struct {
	config  Config
	phases  []phase
	cron    *cron.Cron
	entries []cron.EntryID
	metrics *metrics.Metrics
	logger  *zap.Logger

	mu      sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a loop over r
func New(r Reconciler, cfg Config, m *metrics.Metrics, logger *zap.Logger) *Loop {
	if logger == nil {
		logger = zap.NewNop()
	}
	defaults := DefaultConfig()
	if cfg.GenerateEvery <= 0 {
		cfg.GenerateEvery = defaults.GenerateEvery
	}
	if cfg.NotifyEvery <= 0 {
		cfg.NotifyEvery = defaults.NotifyEvery
	}
	if cfg.SweepEvery <= 0 {
		cfg.SweepEvery = defaults.SweepEvery
	}
	if cfg.PhaseTimeout <= 0 {
		cfg.PhaseTimeout = defaults.PhaseTimeout
	}

	cl := cronLogger{logger.Sugar()}
	return &Loop{
		config: cfg,
		phases: []phase{
			{name: engine.PhaseGenerateAhead, every: cfg.GenerateEvery, run: r.GenerateAhead},
			{name: engine.PhaseNotifyDue, every: cfg.NotifyEvery, run: r.NotifyDue},
			{name: engine.PhaseSweepMissed, every: cfg.SweepEvery, run: r.SweepMissed},
		},
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		metrics: m,
		logger:  logger,
	}
}

// Start registers the phases and starts the scheduler
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return nil
	}

	l.ctx, l.cancel = context.WithCancel(ctx)
	runCtx := l.ctx
	for _, p := range l.phases {
		p := p
		spec := fmt.Sprintf("@every %s", p.every)
		id, err := l.cron.AddFunc(spec, func() { l.runPhase(runCtx, p) })
		if err != nil {
			l.removeEntries()
			l.cancel()
			return fmt.Errorf("failed to schedule %s: %w", p.name, err)
		}
		l.entries = append(l.entries, id)
	}
	l.cron.Start()
	l.running = true

	if l.config.RunOnStart {
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.RunOnce(runCtx)
		}()
	}

	l.logger.Info("reconciliation loop started",
		zap.Duration("generate_every", l.config.GenerateEvery),
		zap.Duration("notify_every", l.config.NotifyEvery),
		zap.Duration("sweep_every", l.config.SweepEvery))
	return nil
}

// Stop cancels in-flight phases, waits for them to return and unschedules
// the phases so a later Start registers them afresh.
func (l *Loop) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.running = false
	l.cancel()
	l.mu.Unlock()

	<-l.cron.Stop().Done()
	l.wg.Wait()

	l.mu.Lock()
	l.removeEntries()
	l.mu.Unlock()
	l.logger.Info("reconciliation loop stopped")
}

func (l *Loop) removeEntries() {
	for _, id := range l.entries {
		l.cron.Remove(id)
	}
	l.entries = nil
}

// RunOnce runs every phase in order: generate, notify, sweep. A failing phase
// does not prevent the next one; all errors are returned joined.
func (l *Loop) RunOnce(ctx context.Context) error {
	var errs []error
	for _, p := range l.phases {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if err := l.runPhase(ctx, p); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p.name, err))
		}
	}
	return errors.Join(errs...)
}

func (l *Loop) runPhase(ctx context.Context, p phase) error {
	ctx, cancel := context.WithTimeout(ctx, l.config.PhaseTimeout)
	defer cancel()

	start := time.Now()
	res, err := p.run(ctx)
	took := time.Since(start)
	l.metrics.PhaseFinished(p.name, took, err)

	fields := []zap.Field{
		zap.String("phase", p.name),
		zap.Int("candidates", res.Candidates),
		zap.Int("applied", res.Applied),
		zap.Int("failed", res.Failed),
		zap.Duration("took", took),
	}
	if err != nil {
		l.logger.Warn("reconciliation phase finished with errors", append(fields, zap.Error(err))...)
		return err
	}
	if res.Candidates > 0 {
		l.logger.Info("reconciliation phase finished", fields...)
	} else {
		l.logger.Debug("reconciliation phase finished", fields...)
	}
	return nil
}

// cronLogger adapts zap to cron.Logger
type cronLogger struct {
	s *zap.SugaredLogger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.s.Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
