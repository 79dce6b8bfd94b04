package medication

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of domain event
type EventType string

const (
	EventDoseReminder   EventType = "DoseReminder"
	EventIntakeReported EventType = "IntakeReported"
)

// Event is the envelope written to the outbox and exchanged over the broker
type Event struct {
	ID            string          `json:"id"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	EventType     EventType       `json:"event_type"`
	EventData     json.RawMessage `json:"event_data"`
	Timestamp     time.Time       `json:"timestamp"`
}

// NewEvent creates an event for aggregateID with data encoded as JSON
func NewEvent(aggregateType, aggregateID string, eventType EventType, data interface{}, at time.Time) (*Event, error) {
	eventData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:            uuid.New().String(),
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		EventType:     eventType,
		EventData:     eventData,
		Timestamp:     at.UTC(),
	}, nil
}

// DoseReminderData is published when a dose becomes due
type DoseReminderData struct {
	DoseID         string    `json:"dose_id"`
	PrescriptionID string    `json:"prescription_id"`
	DependentID    string    `json:"dependent_id"`
	MedicationName string    `json:"medication_name"`
	Dosage         string    `json:"dosage"`
	ScheduledAt    time.Time `json:"scheduled_at"`
}

// IntakeReportedData is consumed from devices and apps reporting a taken dose.
// EventID identifies the consumption event and makes redelivery harmless.
type IntakeReportedData struct {
	EventID        string    `json:"event_id"`
	PrescriptionID string    `json:"prescription_id"`
	ReportedAt     time.Time `json:"reported_at"`
}
