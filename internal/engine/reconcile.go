package engine

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/drfirst/go-dosewatch/internal/domain/medication"
)

// Reconciliation phase names
const (
	PhaseGenerateAhead = "generate_ahead"
	PhaseNotifyDue     = "notify_due"
	PhaseSweepMissed   = "sweep_missed"
)

// PhaseResult summarizes one reconciliation phase
type PhaseResult struct {
	Phase      string
	Candidates int
	Applied    int
	Failed     int
}

// GenerateAhead generates doses for every active scheduled prescription whose
// window is still open. Failures are logged per prescription; the phase keeps
// going and returns them joined.
func (e *Engine) GenerateAhead(ctx context.Context) (PhaseResult, error) {
	res := PhaseResult{Phase: PhaseGenerateAhead}
	ctx, span := e.tracer.Start(ctx, "reconcile_"+PhaseGenerateAhead)
	defer span.End()

	now := e.clock.Now()
	var errs []error
	afterID := ""
	for {
		page, err := e.store.GeneratablePrescriptions(ctx, now, afterID, e.config.BatchSize)
		if err != nil {
			errs = append(errs, err)
			break
		}
		for _, p := range page {
			res.Candidates++
			n, err := e.Generate(ctx, p, e.config.Horizon)
			if err != nil {
				res.Failed++
				errs = append(errs, err)
				e.logger.Error("generate ahead failed",
					zap.String("prescription_id", p.ID),
					zap.Error(err))
				continue
			}
			if n > 0 {
				res.Applied++
			}
		}
		if len(page) < e.config.BatchSize {
			break
		}
		afterID = page[len(page)-1].ID
	}

	span.SetAttributes(attribute.Int("candidates", res.Candidates), attribute.Int("applied", res.Applied))
	return res, errors.Join(errs...)
}

// NotifyDue notifies every scheduled dose whose instant has passed
func (e *Engine) NotifyDue(ctx context.Context) (PhaseResult, error) {
	now := e.clock.Now()
	return e.sweep(ctx, PhaseNotifyDue, medication.StatusScheduled, now, e.Notify)
}

// SweepMissed marks notified doses missed once their grace period has elapsed
func (e *Engine) SweepMissed(ctx context.Context) (PhaseResult, error) {
	cutoff := e.clock.Now().Add(-e.config.GracePeriod)
	return e.sweep(ctx, PhaseSweepMissed, medication.StatusNotified, cutoff, e.MarkMissed)
}

// sweep pages through overdue doses in status, applying fn to each, until a
// page is short or makes no progress.
func (e *Engine) sweep(ctx context.Context, phase string, status medication.DoseStatus, before time.Time,
	fn func(context.Context, *medication.DoseInstance) (bool, error)) (PhaseResult, error) {
	res := PhaseResult{Phase: phase}
	ctx, span := e.tracer.Start(ctx, "reconcile_"+phase)
	defer span.End()

	var errs []error
	for {
		doses, err := e.store.OverdueDoses(ctx, status, before, e.config.BatchSize)
		if err != nil {
			errs = append(errs, err)
			break
		}

		progressed := 0
		for _, d := range doses {
			res.Candidates++
			applied, err := fn(ctx, d)
			if err != nil {
				res.Failed++
				errs = append(errs, err)
				e.logger.Error("dose reconciliation failed",
					zap.String("phase", phase),
					zap.String("dose_id", d.ID),
					zap.Error(err))
				continue
			}
			if applied {
				res.Applied++
				progressed++
			}
		}
		if len(doses) < e.config.BatchSize || progressed == 0 {
			break
		}
	}

	span.SetAttributes(attribute.Int("candidates", res.Candidates), attribute.Int("applied", res.Applied))
	return res, errors.Join(errs...)
}
