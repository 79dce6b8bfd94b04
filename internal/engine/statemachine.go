package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/drfirst/go-dosewatch/internal/domain/medication"
)

// takeAttempts bounds re-reads when a take races another transition
const takeAttempts = 2

// Notify moves a scheduled dose to notified and sends the reminder. It reports
// false when the dose was not scheduled any more.
func (e *Engine) Notify(ctx context.Context, d *medication.DoseInstance) (bool, error) {
	applied, err := e.apply(ctx, d, medication.ActionNotify)
	if err != nil || !applied {
		return false, err
	}

	p, err := e.store.GetPrescription(ctx, d.PrescriptionID)
	if err != nil {
		e.logger.Warn("reminder skipped: prescription lookup failed",
			zap.String("dose_id", d.ID),
			zap.Error(err))
		return true, nil
	}
	if err := e.notifier.NotifyDose(ctx, p, d); err != nil {
		e.logger.Error("reminder delivery failed",
			zap.String("dose_id", d.ID),
			zap.String("prescription_id", p.ID),
			zap.Error(err))
	}
	return true, nil
}

// Take records the dose as taken: taken when still scheduled, late_taken when
// already notified. The linked intake record and the consumed count are
// written atomically with the transition. A nil record means the dose had
// already reached a terminal status.
func (e *Engine) Take(ctx context.Context, d *medication.DoseInstance) (*medication.IntakeRecord, error) {
	for attempt := 0; attempt < takeAttempts; attempt++ {
		to, ok := medication.Transition(d.Status, medication.ActionTake)
		if !ok {
			return nil, nil
		}

		now := e.clock.Now()
		doseID := d.ID
		rec := &medication.IntakeRecord{
			ID:             uuid.New().String(),
			PrescriptionID: d.PrescriptionID,
			DoseID:         &doseID,
			TakenAt:        now,
			CreatedAt:      now,
		}

		applied, err := e.store.TakeDose(ctx, d.Status, to, rec)
		if err != nil {
			return nil, fmt.Errorf("take dose %s: %w", d.ID, err)
		}
		if applied {
			e.logger.Info("dose taken",
				zap.String("dose_id", d.ID),
				zap.String("prescription_id", d.PrescriptionID),
				zap.String("status", string(to)))
			d.Status = to
			d.UpdatedAt = now
			e.metrics.Transitioned(string(to))
			e.metrics.IntakeRecorded("scheduled")
			return rec, nil
		}

		current, err := e.store.GetDose(ctx, d.ID)
		if err != nil {
			return nil, fmt.Errorf("reload dose %s: %w", d.ID, err)
		}
		*d = *current
	}
	return nil, nil
}

// Skip marks a scheduled or notified dose as skipped
func (e *Engine) Skip(ctx context.Context, d *medication.DoseInstance) (bool, error) {
	return e.apply(ctx, d, medication.ActionSkip)
}

// MarkMissed marks a notified dose as missed once the grace period after its
// scheduled instant has fully elapsed
func (e *Engine) MarkMissed(ctx context.Context, d *medication.DoseInstance) (bool, error) {
	if !d.PastGrace(e.clock.Now(), e.config.GracePeriod) {
		return false, nil
	}
	return e.apply(ctx, d, medication.ActionMiss)
}

// SkipDose loads a dose and skips it. The returned dose carries its current status.
func (e *Engine) SkipDose(ctx context.Context, doseID string) (*medication.DoseInstance, error) {
	d, err := e.store.GetDose(ctx, doseID)
	if err != nil {
		return nil, err
	}
	applied, err := e.Skip(ctx, d)
	if err != nil {
		return nil, err
	}
	if !applied && d.Status.IsPending() {
		// lost a race; report what is stored now
		if current, err := e.store.GetDose(ctx, doseID); err == nil {
			return current, nil
		}
	}
	return d, nil
}

// apply runs a single conditional transition. Invalid source statuses and
// lost races are reported as not applied, never as errors.
func (e *Engine) apply(ctx context.Context, d *medication.DoseInstance, action medication.Action) (bool, error) {
	to, ok := medication.Transition(d.Status, action)
	if !ok {
		return false, nil
	}

	now := e.clock.Now()
	applied, err := e.store.TransitionDose(ctx, d.ID, d.Status, to, now)
	if err != nil {
		if errors.Is(err, medication.ErrNotFound) {
			return false, err
		}
		return false, fmt.Errorf("%s dose %s: %w", action, d.ID, err)
	}
	if !applied {
		e.logger.Debug("dose transition not applied",
			zap.String("dose_id", d.ID),
			zap.String("from", string(d.Status)),
			zap.String("to", string(to)))
		return false, nil
	}

	e.logger.Info("dose transitioned",
		zap.String("dose_id", d.ID),
		zap.String("prescription_id", d.PrescriptionID),
		zap.String("from", string(d.Status)),
		zap.String("to", string(to)))
	d.Status = to
	d.UpdatedAt = now
	e.metrics.Transitioned(string(to))
	return true, nil
}
