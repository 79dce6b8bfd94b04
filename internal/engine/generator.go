package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-dosewatch/internal/domain/medication"
)

// Generate materializes the prescription's doses from where generation left
// off up to now+horizon (or the prescription end, if earlier). It is
// idempotent: instants that already exist are skipped by the store. A zero
// horizon uses the configured one. It returns the number of doses inserted.
func (e *Engine) Generate(ctx context.Context, p *medication.Prescription, horizon time.Duration) (int, error) {
	if !p.Scheduled() {
		return 0, nil
	}
	if horizon <= 0 {
		horizon = e.config.Horizon
	}

	ctx, span := e.tracer.Start(ctx, "generate_doses",
		trace.WithAttributes(
			attribute.String("prescription_id", p.ID),
			attribute.String("horizon", horizon.String()),
		))
	defer span.End()

	now := e.clock.Now()

	anchor := p.StartAt
	latest, err := e.store.LatestDose(ctx, p.ID)
	switch {
	case err == nil:
		anchor = latest.ScheduledAt.Add(p.Interval)
	case !errors.Is(err, medication.ErrNotFound):
		span.RecordError(err)
		return 0, fmt.Errorf("load latest dose: %w", err)
	}
	cursor := alignToGrid(anchor, now, p.Interval)

	windowEnd := now.Add(horizon)
	if p.EndAt != nil && p.EndAt.Before(windowEnd) {
		windowEnd = *p.EndAt
	}
	if p.StartAt.After(windowEnd) || cursor.After(windowEnd) {
		return 0, nil
	}

	budget := -1
	if remaining, capped := p.RemainingDoses(); capped {
		outstanding, err := e.store.CountDoses(ctx, p.ID, medication.OutstandingStatuses()...)
		if err != nil {
			span.RecordError(err)
			return 0, fmt.Errorf("count outstanding doses: %w", err)
		}
		budget = remaining - outstanding
		if budget <= 0 {
			return 0, nil
		}
	}

	var doses []*medication.DoseInstance
	for !cursor.After(windowEnd) {
		if budget >= 0 && len(doses) >= budget {
			break
		}
		doses = append(doses, &medication.DoseInstance{
			ID:             uuid.New().String(),
			PrescriptionID: p.ID,
			ScheduledAt:    cursor,
			Status:         medication.StatusScheduled,
			CreatedAt:      now,
			UpdatedAt:      now,
		})
		cursor = cursor.Add(p.Interval)
	}
	if len(doses) == 0 {
		return 0, nil
	}

	inserted, err := e.store.InsertDoses(ctx, doses)
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("insert doses: %w", err)
	}
	span.SetAttributes(attribute.Int("doses_inserted", inserted))
	e.metrics.Generated(inserted)

	e.logger.Debug("doses generated",
		zap.String("prescription_id", p.ID),
		zap.Int("candidates", len(doses)),
		zap.Int("inserted", inserted),
		zap.Time("window_end", windowEnd))

	return inserted, nil
}

// alignToGrid advances anchor by whole intervals until it is not before now
func alignToGrid(anchor, now time.Time, interval time.Duration) time.Time {
	if !anchor.Before(now) {
		return anchor
	}
	steps := (now.Sub(anchor) + interval - 1) / interval
	return anchor.Add(steps * interval)
}
