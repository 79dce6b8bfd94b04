package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/drfirst/go-dosewatch/internal/domain/medication"
)

// RegisterPrescription validates and stores a prescription, then generates its
// first window of doses. A generation failure is logged, not returned: the
// prescription exists and the next generate-ahead tick catches up.
func (e *Engine) RegisterPrescription(ctx context.Context, r medication.Registration) (*medication.Prescription, error) {
	ctx, span := e.tracer.Start(ctx, "register_prescription")
	defer span.End()

	now := e.clock.Now()
	if err := r.Validate(now); err != nil {
		return nil, err
	}

	p := medication.NewPrescription(uuid.New().String(), r, now)
	span.SetAttributes(attribute.String("prescription_id", p.ID))

	if err := e.store.CreatePrescription(ctx, p); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("create prescription: %w", err)
	}
	e.metrics.Registered()

	e.logger.Info("prescription registered",
		zap.String("prescription_id", p.ID),
		zap.String("dependent_id", p.DependentID),
		zap.Bool("prn", p.IsPRN),
		zap.Duration("interval", p.Interval))

	if _, err := e.Generate(ctx, p, e.config.Horizon); err != nil {
		e.logger.Warn("initial dose generation failed",
			zap.String("prescription_id", p.ID),
			zap.Error(err))
	}
	return p, nil
}

// Disable deactivates a prescription and purges its future scheduled doses.
// Taken, skipped and missed history is kept.
func (e *Engine) Disable(ctx context.Context, id string) error {
	now := e.clock.Now()
	changed, err := e.store.SetPrescriptionActive(ctx, id, false, now)
	if err != nil {
		return err
	}
	if !changed {
		return fmt.Errorf("prescription %s is not active: %w", id, medication.ErrNotFound)
	}

	purged, err := e.store.PurgeScheduledDoses(ctx, id, now)
	if err != nil {
		return fmt.Errorf("purge scheduled doses: %w", err)
	}
	e.logger.Info("prescription disabled",
		zap.String("prescription_id", id),
		zap.Int64("purged_doses", purged))
	return nil
}

// Enable reactivates a prescription and generates doses from now forward
func (e *Engine) Enable(ctx context.Context, id string) error {
	changed, err := e.store.SetPrescriptionActive(ctx, id, true, e.clock.Now())
	if err != nil {
		return err
	}
	if !changed {
		return fmt.Errorf("prescription %s is already active: %w", id, medication.ErrNotFound)
	}

	p, err := e.store.GetPrescription(ctx, id)
	if err != nil {
		return err
	}
	generated, err := e.Generate(ctx, p, e.config.Horizon)
	if err != nil {
		return err
	}
	e.logger.Info("prescription enabled",
		zap.String("prescription_id", id),
		zap.Int("generated_doses", generated))
	return nil
}

// Prescription returns a prescription by id
func (e *Engine) Prescription(ctx context.Context, id string) (*medication.Prescription, error) {
	return e.store.GetPrescription(ctx, id)
}

// LastMissed returns the most recent missed dose, or nil when none was missed
func (e *Engine) LastMissed(ctx context.Context, prescriptionID string) (*medication.DoseInstance, error) {
	d, err := e.store.LatestDose(ctx, prescriptionID, medication.StatusMissed)
	if errors.Is(err, medication.ErrNotFound) {
		return nil, nil
	}
	return d, err
}

// Doses lists a prescription's doses in schedule order
func (e *Engine) Doses(ctx context.Context, prescriptionID string) ([]*medication.DoseInstance, error) {
	if _, err := e.store.GetPrescription(ctx, prescriptionID); err != nil {
		return nil, err
	}
	return e.store.ListDoses(ctx, prescriptionID)
}

// Intakes lists a prescription's intake log
func (e *Engine) Intakes(ctx context.Context, prescriptionID string) ([]*medication.IntakeRecord, error) {
	if _, err := e.store.GetPrescription(ctx, prescriptionID); err != nil {
		return nil, err
	}
	return e.store.ListIntakes(ctx, prescriptionID)
}

// DueDoses lists doses of active prescriptions scheduled within the grace period of now
func (e *Engine) DueDoses(ctx context.Context) ([]*medication.DoseInstance, error) {
	now := e.clock.Now()
	return e.store.DosesBetween(ctx, now.Add(-e.config.GracePeriod), now.Add(e.config.GracePeriod))
}
