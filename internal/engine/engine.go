// Package engine implements the medication scheduling engine: schedule
// generation, the dose state machine, intake resolution and the
// reconciliation phases. It holds no state of its own; every decision is made
// against the Store.
package engine

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-dosewatch/internal/clock"
	"github.com/drfirst/go-dosewatch/internal/domain/medication"
	"github.com/drfirst/go-dosewatch/internal/observability/metrics"
)

// Store is the durable prescription, dose and intake store.
//
// Lookups of a single entity return medication.ErrNotFound when it does not exist.
// Dose transitions are conditional: they apply only while the stored status
// still equals the expected source status.
type Store interface {
	CreatePrescription(ctx context.Context, p *medication.Prescription) error
	GetPrescription(ctx context.Context, id string) (*medication.Prescription, error)
	// SetPrescriptionActive flips is_active and reports false when the
	// prescription already had the requested state.
	SetPrescriptionActive(ctx context.Context, id string, active bool, at time.Time) (bool, error)
	// GeneratablePrescriptions pages through active scheduled prescriptions whose
	// window is still open at now and whose dose cap, net of consumed and
	// outstanding doses, is not exhausted. Ordered by id, starting after afterID.
	GeneratablePrescriptions(ctx context.Context, now time.Time, afterID string, limit int) ([]*medication.Prescription, error)

	// InsertDoses inserts all doses, silently skipping any whose
	// (prescription, scheduled instant) already exists, and returns the number inserted.
	InsertDoses(ctx context.Context, doses []*medication.DoseInstance) (int, error)
	GetDose(ctx context.Context, id string) (*medication.DoseInstance, error)
	// LatestDose returns the dose with the greatest scheduled instant among the
	// given statuses, or among all doses when none are given.
	LatestDose(ctx context.Context, prescriptionID string, statuses ...medication.DoseStatus) (*medication.DoseInstance, error)
	CountDoses(ctx context.Context, prescriptionID string, statuses ...medication.DoseStatus) (int, error)
	// EarliestPendingDose returns the earliest scheduled or notified dose.
	EarliestPendingDose(ctx context.Context, prescriptionID string) (*medication.DoseInstance, error)
	TransitionDose(ctx context.Context, id string, from, to medication.DoseStatus, at time.Time) (bool, error)
	// OverdueDoses returns up to limit doses of active prescriptions in status
	// scheduled strictly before the given instant, oldest first.
	OverdueDoses(ctx context.Context, status medication.DoseStatus, before time.Time, limit int) ([]*medication.DoseInstance, error)
	// PurgeScheduledDoses deletes scheduled doses at or after from.
	PurgeScheduledDoses(ctx context.Context, prescriptionID string, from time.Time) (int64, error)
	ListDoses(ctx context.Context, prescriptionID string) ([]*medication.DoseInstance, error)
	// DosesBetween lists doses of active scheduled prescriptions strictly inside (from, to).
	DosesBetween(ctx context.Context, from, to time.Time) ([]*medication.DoseInstance, error)

	// TakeDose moves the linked dose from -> to, inserts rec and increments the
	// prescription's consumed count in one transaction. It reports false and
	// writes nothing when the dose is no longer in status from.
	TakeDose(ctx context.Context, from, to medication.DoseStatus, rec *medication.IntakeRecord) (bool, error)
	// RecordIntake inserts an unlinked intake and increments the consumed count atomically.
	RecordIntake(ctx context.Context, rec *medication.IntakeRecord) error
	ListIntakes(ctx context.Context, prescriptionID string) ([]*medication.IntakeRecord, error)
}

// Notifier delivers dose reminders. Delivery is fire-and-forget: errors are
// logged and never undo the transition.
type Notifier interface {
	NotifyDose(ctx context.Context, p *medication.Prescription, d *medication.DoseInstance) error
}

// NotifierFunc adapts a function to Notifier
type NotifierFunc func(ctx context.Context, p *medication.Prescription, d *medication.DoseInstance) error

// NotifyDose calls f
func (f NotifierFunc) NotifyDose(ctx context.Context, p *medication.Prescription, d *medication.DoseInstance) error {
	return f(ctx, p, d)
}

// Config holds the time policy of the engine
type Config struct {
	// GracePeriod bounds how far from a scheduled instant an intake still
	// satisfies it, and how long a notified dose waits before it is missed
	GracePeriod time.Duration
	// Horizon is how far ahead of now doses are materialized
	Horizon time.Duration
	// BatchSize caps the candidates loaded per store query during reconciliation
	BatchSize int
}

// DefaultConfig returns the default time policy
func DefaultConfig() Config {
	return Config{
		GracePeriod: 60 * time.Minute,
		Horizon:     24 * time.Hour,
		BatchSize:   500,
	}
}

// Engine is the scheduling engine
type Engine struct {
	store    Store
	notifier Notifier
	clock    clock.Clock
	config   Config
	metrics  *metrics.Metrics
	logger   *zap.Logger
	tracer   trace.Tracer
}

// Option configures an Engine
type Option func(*Engine)

// WithMetrics records engine activity in m
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock replaces the system clock
func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// New creates an engine. A nil notifier logs reminders instead of delivering them.
func New(store Store, notifier Notifier, cfg Config, logger *zap.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	defaults := DefaultConfig()
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = defaults.GracePeriod
	}
	if cfg.Horizon <= 0 {
		cfg.Horizon = defaults.Horizon
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}

	e := &Engine{
		store:    store,
		notifier: notifier,
		clock:    clock.System{},
		config:   cfg,
		logger:   logger,
		tracer:   otel.Tracer("dose-engine"),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.notifier == nil {
		e.notifier = NewLogNotifier(logger)
	}
	return e
}

// Config returns the engine's time policy
func (e *Engine) Config() Config { return e.config }

// Now returns the engine's current instant
func (e *Engine) Now() time.Time { return e.clock.Now() }

// LogNotifier logs reminders. It backs deployments without a broker.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a logging notifier
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger}
}

// NotifyDose logs the reminder
func (n *LogNotifier) NotifyDose(_ context.Context, p *medication.Prescription, d *medication.DoseInstance) error {
	n.logger.Info("dose reminder",
		zap.String("dose_id", d.ID),
		zap.String("prescription_id", p.ID),
		zap.String("dependent_id", p.DependentID),
		zap.String("medication", p.Name),
		zap.String("dosage", p.Dosage),
		zap.Time("scheduled_at", d.ScheduledAt))
	return nil
}
