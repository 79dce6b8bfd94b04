package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-dosewatch/internal/domain/medication"
)

// RecordIntake records that the prescription's medication was just taken.
//
// As-needed prescriptions always get an unlinked record. Scheduled ones take
// the earliest pending dose when its instant lies within the grace period of
// now. Otherwise, including a stale notified dose still awaiting the missed
// sweep, the intake is recorded unlinked so it never cancels a later dose.
func (e *Engine) RecordIntake(ctx context.Context, prescriptionID string) (*medication.IntakeRecord, error) {
	ctx, span := e.tracer.Start(ctx, "record_intake",
		trace.WithAttributes(attribute.String("prescription_id", prescriptionID)))
	defer span.End()

	p, err := e.store.GetPrescription(ctx, prescriptionID)
	if err != nil {
		return nil, err
	}
	if !p.IsActive {
		return nil, fmt.Errorf("prescription %s is inactive: %w", prescriptionID, medication.ErrNotFound)
	}

	if p.IsPRN {
		return e.recordUnscheduled(ctx, p)
	}

	now := e.clock.Now()
	grace := e.config.GracePeriod

	d, err := e.store.EarliestPendingDose(ctx, p.ID)
	if errors.Is(err, medication.ErrNotFound) {
		return e.recordUnscheduled(ctx, p)
	}
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("find pending dose: %w", err)
	}
	if !d.InGrace(now, grace) {
		e.logger.Info("intake outside grace window",
			zap.String("prescription_id", p.ID),
			zap.String("next_dose_id", d.ID),
			zap.Time("scheduled_at", d.ScheduledAt))
		return e.recordUnscheduled(ctx, p)
	}

	rec, err := e.Take(ctx, d)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if rec == nil {
		return e.recordUnscheduled(ctx, p)
	}
	span.SetAttributes(attribute.String("dose_id", d.ID), attribute.String("status", string(d.Status)))
	return rec, nil
}

func (e *Engine) recordUnscheduled(ctx context.Context, p *medication.Prescription) (*medication.IntakeRecord, error) {
	now := e.clock.Now()
	rec := &medication.IntakeRecord{
		ID:             uuid.New().String(),
		PrescriptionID: p.ID,
		TakenAt:        now,
		CreatedAt:      now,
	}
	if err := e.store.RecordIntake(ctx, rec); err != nil {
		return nil, fmt.Errorf("record unscheduled intake: %w", err)
	}

	e.logger.Info("unscheduled intake recorded",
		zap.String("prescription_id", p.ID),
		zap.Bool("prn", p.IsPRN))
	e.metrics.IntakeRecorded("unscheduled")
	return rec, nil
}

// IntakeOutcome is the result of one prescription in a bulk intake
type IntakeOutcome struct {
	PrescriptionID string
	Intake         *medication.IntakeRecord
	Err            error
}

// RecordBulkIntake records an intake for each prescription independently.
// A failure for one prescription does not stop the others.
func (e *Engine) RecordBulkIntake(ctx context.Context, prescriptionIDs []string) []IntakeOutcome {
	outcomes := make([]IntakeOutcome, 0, len(prescriptionIDs))
	for _, id := range prescriptionIDs {
		rec, err := e.RecordIntake(ctx, id)
		outcomes = append(outcomes, IntakeOutcome{PrescriptionID: id, Intake: rec, Err: err})
	}
	return outcomes
}
