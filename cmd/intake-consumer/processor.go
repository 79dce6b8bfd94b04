package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/drfirst/go-dosewatch/internal/domain/medication"
	"github.com/drfirst/go-dosewatch/internal/observability/metrics"
	"github.com/drfirst/go-dosewatch/pkg/idempotency"
	"github.com/drfirst/go-dosewatch/pkg/workerpool"
)

const inboxHandler = "record_intake"

// intakeRecorder is the engine operation the consumer drives
type intakeRecorder interface {
	RecordIntake(ctx context.Context, prescriptionID string) (*medication.IntakeRecord, error)
}

type intakeResult struct {
	IntakeID string  `json:"intake_id"`
	DoseID   *string `json:"dose_id"`
}

// processor turns intake events into intake records, at most once per event
type processor struct {
	engine  intakeRecorder
	inbox   *idempotency.Inbox
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// rejectIntake reports errors that redelivery cannot fix
func rejectIntake(err error) bool {
	return errors.Is(err, medication.ErrNotFound) || errors.Is(err, medication.ErrValidation)
}

// Handle is the worker pool handler. Task IDs are topic/partition/offset.
func (p *processor) Handle(ctx context.Context, task *workerpool.Task) error {
	var ev medication.IntakeReportedData
	if err := json.Unmarshal(task.Payload, &ev); err != nil {
		p.metrics.IntakeEvent("malformed")
		return workerpool.Permanent(fmt.Errorf("decode intake event: %w", err))
	}
	if ev.PrescriptionID == "" {
		p.metrics.IntakeEvent("malformed")
		return workerpool.Permanent(errors.New("intake event without prescription_id"))
	}

	eventID := ev.EventID
	if eventID == "" && ev.ReportedAt.IsZero() {
		// nothing identifies the report but its position in the log
		eventID = task.ID
	}
	key := idempotency.IntakeKey(eventID, ev.PrescriptionID, ev.ReportedAt)

	out, err := p.inbox.Process(ctx, key, inboxHandler, task.Payload, func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		rec, err := p.engine.RecordIntake(ctx, ev.PrescriptionID)
		if err != nil {
			return nil, err
		}
		return json.Marshal(intakeResult{IntakeID: rec.ID, DoseID: rec.DoseID})
	})

	switch {
	case err == nil && out.Duplicate, errors.Is(err, idempotency.ErrDuplicate):
		p.metrics.IntakeEvent("duplicate")
		p.logger.Debug("duplicate intake event ignored",
			zap.String("event_id", ev.EventID),
			zap.String("prescription_id", ev.PrescriptionID))
		return nil
	case err == nil:
		p.metrics.IntakeEvent("recorded")
		p.logger.Info("intake event recorded",
			zap.String("event_id", ev.EventID),
			zap.String("prescription_id", ev.PrescriptionID),
			zap.Bool("recovered", out.Recovered))
		return nil
	case rejectIntake(err), errors.Is(err, idempotency.ErrPreviouslyFailed):
		p.metrics.IntakeEvent("rejected")
		return workerpool.Permanent(err)
	default:
		return err
	}
}
