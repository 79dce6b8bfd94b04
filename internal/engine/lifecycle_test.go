package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/drfirst/go-dosewatch/internal/domain/medication"
	"github.com/drfirst/go-dosewatch/internal/infrastructure/memory"
)

func TestRegisterPrescriptionGeneratesFirstWindow(t *testing.T) {
	h := newHarness(t)
	p := h.scheduled(t, epoch.Add(time.Hour), 8*time.Hour, 10)

	if !p.IsActive || p.DosesConsumed != 0 {
		t.Errorf("new prescription = %+v", p)
	}
	assertInstants(t, h.doses(t, p.ID), epoch.Add(time.Hour), epoch.Add(9*time.Hour), epoch.Add(17*time.Hour))
}

func TestRegisterPrescriptionRejectsInvalid(t *testing.T) {
	h := newHarness(t)
	end := epoch.Add(48 * time.Hour)

	tests := []struct {
		name string
		r    medication.Registration
	}{
		{"no interval", medication.Registration{DependentID: "d", Name: "n", Dosage: "1", StartAt: epoch, TotalDoses: intPtr(2)}},
		{"no end condition", medication.Registration{DependentID: "d", Name: "n", Dosage: "1", StartAt: epoch, Interval: time.Hour}},
		{"both end conditions", medication.Registration{DependentID: "d", Name: "n", Dosage: "1", StartAt: epoch, Interval: time.Hour, EndAt: &end, TotalDoses: intPtr(2)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.engine.RegisterPrescription(context.Background(), tt.r)
			if !errors.Is(err, medication.ErrValidation) {
				t.Errorf("err = %v, want validation error", err)
			}
		})
	}
}

func TestRegisterPrescriptionDuplicate(t *testing.T) {
	h := newHarness(t)
	h.scheduled(t, epoch.Add(time.Hour), 8*time.Hour, 10)

	_, err := h.engine.RegisterPrescription(context.Background(), medication.Registration{
		DependentID: "dep-1",
		Name:        "Amoxicillin",
		Dosage:      "500mg",
		StartAt:     epoch.Add(time.Hour),
		Interval:    8 * time.Hour,
		TotalDoses:  intPtr(10),
	})
	if !errors.Is(err, medication.ErrConflict) {
		t.Errorf("err = %v, want ErrConflict", err)
	}
}

func TestRegisterPrescriptionSurvivesGenerationFailure(t *testing.T) {
	mem := memory.NewStore()
	h := newHarnessWith(t, &flakyStore{Store: mem, failInsert: true}, mem)

	p := h.scheduled(t, epoch.Add(time.Hour), 8*time.Hour, 10)
	if _, err := mem.GetPrescription(context.Background(), p.ID); err != nil {
		t.Errorf("prescription not stored: %v", err)
	}
	if len(h.doses(t, p.ID)) != 0 {
		t.Error("expected no doses after failed generation")
	}
}

func TestDisablePurgesFutureScheduledDoses(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p := h.scheduled(t, epoch.Add(time.Hour), 8*time.Hour, 10)

	h.clock.Set(epoch.Add(time.Hour))
	if _, err := h.engine.RecordIntake(ctx, p.ID); err != nil {
		t.Fatal(err)
	}
	h.clock.Set(epoch.Add(2 * time.Hour))

	if err := h.engine.Disable(ctx, p.ID); err != nil {
		t.Fatalf("disable: %v", err)
	}
	doses := h.doses(t, p.ID)
	if len(doses) != 1 || doses[0].Status != medication.StatusTaken {
		t.Fatalf("doses after disable = %v, want only the taken dose", instants(doses))
	}
	if h.prescription(t, p.ID).IsActive {
		t.Error("prescription still active")
	}

	if err := h.engine.Disable(ctx, p.ID); !errors.Is(err, medication.ErrNotFound) {
		t.Errorf("second disable err = %v, want ErrNotFound", err)
	}
	if err := h.engine.Disable(ctx, "missing"); !errors.Is(err, medication.ErrNotFound) {
		t.Errorf("unknown disable err = %v, want ErrNotFound", err)
	}

	// inactive prescriptions are not generated or swept
	h.clock.Advance(24 * time.Hour)
	if _, err := h.engine.GenerateAhead(ctx); err != nil {
		t.Fatal(err)
	}
	if len(h.doses(t, p.ID)) != 1 {
		t.Error("generate ahead created doses for a disabled prescription")
	}
}

func TestEnableResumesFromNow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p := h.scheduled(t, epoch.Add(time.Hour), 8*time.Hour, 10)

	h.clock.Set(epoch.Add(time.Hour))
	if _, err := h.engine.RecordIntake(ctx, p.ID); err != nil {
		t.Fatal(err)
	}
	if err := h.engine.Disable(ctx, p.ID); err != nil {
		t.Fatal(err)
	}

	h.clock.Set(epoch.Add(10 * time.Hour))
	if err := h.engine.Enable(ctx, p.ID); err != nil {
		t.Fatalf("enable: %v", err)
	}

	doses := h.doses(t, p.ID)
	assertInstants(t, doses,
		epoch.Add(time.Hour),
		epoch.Add(17*time.Hour),
		epoch.Add(25*time.Hour),
		epoch.Add(33*time.Hour),
	)
	for _, d := range doses[1:] {
		if d.ScheduledAt.Before(h.clock.Now()) {
			t.Errorf("backfilled dose at %v", d.ScheduledAt)
		}
	}

	if err := h.engine.Enable(ctx, p.ID); !errors.Is(err, medication.ErrNotFound) {
		t.Errorf("enable active err = %v, want ErrNotFound", err)
	}
}

func TestLastMissed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	d := firstDose(t, h)

	missed, err := h.engine.LastMissed(ctx, d.PrescriptionID)
	if err != nil || missed != nil {
		t.Fatalf("last missed = %v, %v; want none", missed, err)
	}

	h.clock.Set(d.ScheduledAt.Add(time.Minute))
	h.engine.NotifyDue(ctx)
	h.clock.Set(d.ScheduledAt.Add(2 * time.Hour))
	h.engine.SweepMissed(ctx)

	missed, err = h.engine.LastMissed(ctx, d.PrescriptionID)
	if err != nil || missed == nil || missed.ID != d.ID {
		t.Errorf("last missed = %v, %v; want %s", missed, err, d.ID)
	}
}

func TestListingsRequirePrescription(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.engine.Doses(ctx, "missing"); !errors.Is(err, medication.ErrNotFound) {
		t.Errorf("doses err = %v", err)
	}
	if _, err := h.engine.Intakes(ctx, "missing"); !errors.Is(err, medication.ErrNotFound) {
		t.Errorf("intakes err = %v", err)
	}
	if _, err := h.engine.Prescription(ctx, "missing"); !errors.Is(err, medication.ErrNotFound) {
		t.Errorf("prescription err = %v", err)
	}
}

func TestDueDoses(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p := h.scheduled(t, epoch.Add(30*time.Minute), 2*time.Hour, 10)

	due, err := h.engine.DueDoses(ctx)
	if err != nil {
		t.Fatal(err)
	}
	assertInstants(t, due, epoch.Add(30*time.Minute))

	h.clock.Set(epoch.Add(100 * time.Minute))
	due, _ = h.engine.DueDoses(ctx)
	assertInstants(t, due, epoch.Add(150*time.Minute))

	if err := h.engine.Disable(ctx, p.ID); err != nil {
		t.Fatal(err)
	}
	if due, _ = h.engine.DueDoses(ctx); len(due) != 0 {
		t.Errorf("due doses of a disabled prescription: %v", instants(due))
	}
}
