package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/drfirst/go-dosewatch/internal/domain/medication"
	"github.com/drfirst/go-dosewatch/internal/infrastructure/redpanda"
)

func TestMapError(t *testing.T) {
	if err := mapError(nil); err != nil {
		t.Errorf("nil mapped to %v", err)
	}
	if err := mapError(pgx.ErrNoRows); !errors.Is(err, medication.ErrNotFound) {
		t.Errorf("no rows mapped to %v", err)
	}
	dup := &pgconn.PgError{Code: uniqueViolation, ConstraintName: "prescriptions_registration_key"}
	err := mapError(fmt.Errorf("insert: %w", dup))
	if !errors.Is(err, medication.ErrConflict) {
		t.Errorf("unique violation mapped to %v", err)
	}
	if !strings.Contains(err.Error(), "prescriptions_registration_key") {
		t.Errorf("constraint name lost: %v", err)
	}
	other := errors.New("connection reset")
	if err := mapError(other); err != other {
		t.Errorf("unexpected mapping of %v", err)
	}
}

func TestReminderEntry(t *testing.T) {
	at := time.Date(2025, 4, 2, 8, 0, 0, 0, time.UTC)
	p := &medication.Prescription{ID: "rx-1", DependentID: "dep-1", Name: "Metformin", Dosage: "850mg"}
	d := &medication.DoseInstance{ID: "dose-1", PrescriptionID: "rx-1", ScheduledAt: at}

	entry, err := ReminderEntry(p, d, at)
	if err != nil {
		t.Fatal(err)
	}
	if entry.KafkaTopic != redpanda.TopicDoseReminders || entry.KafkaKey != "rx-1" || entry.AggregateID != "dose-1" {
		t.Errorf("entry routing = %s/%s/%s", entry.KafkaTopic, entry.KafkaKey, entry.AggregateID)
	}

	var event medication.Event
	if err := json.Unmarshal(entry.Payload, &event); err != nil {
		t.Fatal(err)
	}
	if event.EventType != medication.EventDoseReminder {
		t.Errorf("event type = %s", event.EventType)
	}
	var data medication.DoseReminderData
	if err := json.Unmarshal(event.EventData, &data); err != nil {
		t.Fatal(err)
	}
	if data.MedicationName != "Metformin" || !data.ScheduledAt.Equal(at) {
		t.Errorf("reminder data = %+v", data)
	}
}

func TestSchemaDeclaresDoseUniqueness(t *testing.T) {
	if !strings.Contains(Schema(), "UNIQUE (prescription_id, scheduled_at)") {
		t.Error("dose instances must be unique per prescription and instant")
	}
}

// TestStoreRoundTrip runs against a real database when DOSEWATCH_TEST_DATABASE_URL is set
func TestStoreRoundTrip(t *testing.T) {
	url := os.Getenv("DOSEWATCH_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("DOSEWATCH_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := Connect(ctx, url)
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Close()
	if err := Migrate(ctx, pool, nil); err != nil {
		t.Fatal(err)
	}

	s := NewStore(pool, nil)
	now := time.Now().UTC().Truncate(time.Second)
	total := 4
	p := &medication.Prescription{
		ID:          fmt.Sprintf("rx-%d", now.UnixNano()),
		DependentID: "dep-it",
		Name:        "Atorvastatin",
		Dosage:      "20mg",
		StartAt:     now,
		Interval:    time.Hour,
		TotalDoses:  &total,
		IsActive:    true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.CreatePrescription(ctx, p); err != nil {
		t.Fatal(err)
	}
	dup := *p
	dup.ID += "-dup"
	if err := s.CreatePrescription(ctx, &dup); !errors.Is(err, medication.ErrConflict) {
		t.Errorf("duplicate registration err = %v", err)
	}

	doses := []*medication.DoseInstance{
		{ID: p.ID + "-d0", PrescriptionID: p.ID, ScheduledAt: now, Status: medication.StatusScheduled, CreatedAt: now, UpdatedAt: now},
		{ID: p.ID + "-d1", PrescriptionID: p.ID, ScheduledAt: now.Add(time.Hour), Status: medication.StatusScheduled, CreatedAt: now, UpdatedAt: now},
	}
	if n, err := s.InsertDoses(ctx, doses); err != nil || n != 2 {
		t.Fatalf("insert = %d, %v", n, err)
	}
	doses[0].ID += "-again"
	if n, err := s.InsertDoses(ctx, doses[:1]); err != nil || n != 0 {
		t.Errorf("reinsert = %d, %v; want conflict ignored", n, err)
	}

	doseID := p.ID + "-d0"
	rec := &medication.IntakeRecord{ID: p.ID + "-i0", PrescriptionID: p.ID, DoseID: &doseID, TakenAt: now, CreatedAt: now}
	applied, err := s.TakeDose(ctx, medication.StatusScheduled, medication.StatusTaken, rec)
	if err != nil || !applied {
		t.Fatalf("take = %v, %v", applied, err)
	}
	rec.ID += "-b"
	if applied, _ := s.TakeDose(ctx, medication.StatusScheduled, medication.StatusTaken, rec); applied {
		t.Error("second take applied")
	}

	got, err := s.GetPrescription(ctx, p.ID)
	if err != nil || got.DosesConsumed != 1 {
		t.Errorf("consumed = %v, %v", got, err)
	}
	if _, err := s.GetDose(ctx, "missing"); !errors.Is(err, medication.ErrNotFound) {
		t.Errorf("missing dose err = %v", err)
	}

	earliest, err := s.EarliestPendingDose(ctx, p.ID)
	if err != nil || earliest.ID != p.ID+"-d1" {
		t.Errorf("earliest pending = %v, %v", earliest, err)
	}

	selectable := func() bool {
		page, err := s.GeneratablePrescriptions(ctx, now, p.ID[:len(p.ID)-1], 100)
		if err != nil {
			t.Fatal(err)
		}
		for _, candidate := range page {
			if candidate.ID == p.ID {
				return true
			}
		}
		return false
	}
	if !selectable() {
		t.Fatal("course with room left not selected for generation")
	}
	if _, err := s.TransitionDose(ctx, p.ID+"-d1", medication.StatusScheduled, medication.StatusSkipped, now); err != nil {
		t.Fatal(err)
	}
	lapsed := []*medication.DoseInstance{
		{ID: p.ID + "-d2", PrescriptionID: p.ID, ScheduledAt: now.Add(2 * time.Hour), Status: medication.StatusMissed, CreatedAt: now, UpdatedAt: now},
		{ID: p.ID + "-d3", PrescriptionID: p.ID, ScheduledAt: now.Add(3 * time.Hour), Status: medication.StatusMissed, CreatedAt: now, UpdatedAt: now},
	}
	if _, err := s.InsertDoses(ctx, lapsed); err != nil {
		t.Fatal(err)
	}
	if selectable() {
		t.Error("course with one taken, one skipped and two missed doses still selected")
	}
}
