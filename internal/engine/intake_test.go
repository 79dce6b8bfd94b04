package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/drfirst/go-dosewatch/internal/domain/medication"
)

func TestRecordIntakeGraceWindow(t *testing.T) {
	const eps = time.Second
	grace := DefaultConfig().GracePeriod

	tests := []struct {
		name     string
		notify   bool
		offset   time.Duration
		linked   bool
		want     medication.DoseStatus
		consumed int
	}{
		{"on time", false, 0, true, medication.StatusTaken, 1},
		{"early within grace", false, -grace + eps, true, medication.StatusTaken, 1},
		{"late while still scheduled", false, grace - eps, true, medication.StatusTaken, 1},
		{"late after reminder", true, grace - eps, true, medication.StatusLateTaken, 1},
		{"exactly at grace end", true, grace, true, medication.StatusLateTaken, 1},
		{"past grace", true, grace + eps, false, medication.StatusNotified, 1},
		{"too early", false, -grace - eps, false, medication.StatusScheduled, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()
			d := firstDose(t, h)
			if tt.notify {
				h.clock.Set(d.ScheduledAt)
				if _, err := h.engine.Notify(ctx, d); err != nil {
					t.Fatal(err)
				}
			}
			h.clock.Set(d.ScheduledAt.Add(tt.offset))

			rec, err := h.engine.RecordIntake(ctx, d.PrescriptionID)
			if err != nil {
				t.Fatalf("record intake: %v", err)
			}
			if rec.Linked() != tt.linked {
				t.Fatalf("linked = %v, want %v", rec.Linked(), tt.linked)
			}
			if tt.linked && *rec.DoseID != d.ID {
				t.Errorf("linked to %s, want %s", *rec.DoseID, d.ID)
			}
			if !rec.TakenAt.Equal(h.clock.Now()) {
				t.Errorf("taken_at = %v, want %v", rec.TakenAt, h.clock.Now())
			}
			if got := h.status(t, d.ID); got != tt.want {
				t.Errorf("dose status = %s, want %s", got, tt.want)
			}
			if got := h.prescription(t, d.PrescriptionID).DosesConsumed; got != tt.consumed {
				t.Errorf("consumed = %d, want %d", got, tt.consumed)
			}
		})
	}
}

func TestRecordIntakeMatchesEarliestPending(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p := seed(t, h.store, &medication.Prescription{
		ID:         "rx-close",
		StartAt:    epoch,
		Interval:   30 * time.Minute,
		TotalDoses: intPtr(10),
	})
	if _, err := h.engine.Generate(ctx, p, 2*time.Hour); err != nil {
		t.Fatal(err)
	}
	h.clock.Set(epoch.Add(20 * time.Minute))

	for i := 0; i < 2; i++ {
		rec, err := h.engine.RecordIntake(ctx, p.ID)
		if err != nil {
			t.Fatal(err)
		}
		if !rec.Linked() {
			t.Fatalf("intake %d unlinked", i)
		}
	}

	doses := h.doses(t, p.ID)
	if doses[0].Status != medication.StatusTaken || doses[1].Status != medication.StatusTaken {
		t.Errorf("statuses = %s, %s; want the two earliest taken", doses[0].Status, doses[1].Status)
	}
	if doses[2].Status != medication.StatusScheduled {
		t.Errorf("third dose = %s, want scheduled", doses[2].Status)
	}
}

func TestRecordIntakeStaleNotifiedDoseBlocksLinking(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p := seed(t, h.store, &medication.Prescription{
		ID:         "rx-stale",
		StartAt:    epoch,
		Interval:   30 * time.Minute,
		TotalDoses: intPtr(10),
	})
	if _, err := h.engine.Generate(ctx, p, 2*time.Hour); err != nil {
		t.Fatal(err)
	}
	h.clock.Set(epoch.Add(5 * time.Minute))
	if _, err := h.engine.NotifyDue(ctx); err != nil {
		t.Fatal(err)
	}

	// past the 09:00 grace window, before the missed sweep has run
	h.clock.Set(epoch.Add(70 * time.Minute))
	rec, err := h.engine.RecordIntake(ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Linked() {
		t.Errorf("intake linked to %s, want unlinked", *rec.DoseID)
	}

	doses := h.doses(t, p.ID)
	want := []medication.DoseStatus{
		medication.StatusNotified, medication.StatusScheduled, medication.StatusScheduled,
	}
	for i, st := range want {
		if doses[i].Status != st {
			t.Errorf("dose at %v = %s, want %s", doses[i].ScheduledAt, doses[i].Status, st)
		}
	}
	if got := h.prescription(t, p.ID).DosesConsumed; got != 1 {
		t.Errorf("doses consumed = %d, want 1", got)
	}
}

func TestRecordIntakePRN(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p, err := h.engine.RegisterPrescription(ctx, medication.Registration{
		DependentID: "dep-1",
		Name:        "Paracetamol",
		Dosage:      "1g",
		IsPRN:       true,
		StartAt:     epoch,
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	for i := 1; i <= 3; i++ {
		h.clock.Advance(5 * time.Hour)
		rec, err := h.engine.RecordIntake(ctx, p.ID)
		if err != nil {
			t.Fatalf("intake: %v", err)
		}
		if rec.Linked() {
			t.Error("as-needed intake must be unlinked")
		}
		if got := h.prescription(t, p.ID).DosesConsumed; got != i {
			t.Errorf("consumed = %d, want %d", got, i)
		}
	}
	if len(h.doses(t, p.ID)) != 0 {
		t.Error("as-needed prescription must have no doses")
	}
}

func TestRecordIntakeNotFound(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	d := firstDose(t, h)

	if _, err := h.engine.RecordIntake(ctx, "missing"); !errors.Is(err, medication.ErrNotFound) {
		t.Errorf("unknown prescription err = %v, want ErrNotFound", err)
	}

	if err := h.engine.Disable(ctx, d.PrescriptionID); err != nil {
		t.Fatal(err)
	}
	if _, err := h.engine.RecordIntake(ctx, d.PrescriptionID); !errors.Is(err, medication.ErrNotFound) {
		t.Errorf("inactive prescription err = %v, want ErrNotFound", err)
	}
	if got := h.prescription(t, d.PrescriptionID).DosesConsumed; got != 0 {
		t.Errorf("consumed = %d, want 0", got)
	}
}

func TestRecordBulkIntake(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	d := firstDose(t, h)
	h.clock.Set(d.ScheduledAt)

	outcomes := h.engine.RecordBulkIntake(ctx, []string{d.PrescriptionID, "missing"})
	if len(outcomes) != 2 {
		t.Fatalf("outcomes = %d, want 2", len(outcomes))
	}
	if outcomes[0].Err != nil || outcomes[0].Intake == nil || !outcomes[0].Intake.Linked() {
		t.Errorf("first outcome = %+v, want linked intake", outcomes[0])
	}
	if !errors.Is(outcomes[1].Err, medication.ErrNotFound) {
		t.Errorf("second outcome err = %v, want ErrNotFound", outcomes[1].Err)
	}
}
