package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/drfirst/go-dosewatch/internal/domain/medication"
)

var now = time.Date(2025, 5, 20, 7, 0, 0, 0, time.UTC)

func prescription(id string) *medication.Prescription {
	total := 5
	return &medication.Prescription{
		ID:          id,
		DependentID: "dep-1",
		Name:        "Lisinopril-" + id,
		Dosage:      "10mg",
		StartAt:     now,
		Interval:    time.Hour,
		TotalDoses:  &total,
		IsActive:    true,
	}
}

func dose(id, prescriptionID string, at time.Time, status medication.DoseStatus) *medication.DoseInstance {
	return &medication.DoseInstance{ID: id, PrescriptionID: prescriptionID, ScheduledAt: at, Status: status}
}

func TestCreatePrescriptionConflicts(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	p := prescription("rx-1")
	if err := s.CreatePrescription(ctx, p); err != nil {
		t.Fatal(err)
	}

	same := prescription("rx-2")
	same.Name = p.Name
	if err := s.CreatePrescription(ctx, same); !errors.Is(err, medication.ErrConflict) {
		t.Errorf("duplicate registration err = %v", err)
	}
	if err := s.CreatePrescription(ctx, prescription("rx-1")); !errors.Is(err, medication.ErrConflict) {
		t.Errorf("duplicate id err = %v", err)
	}
}

func TestReadsReturnCopies(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	p := prescription("rx-1")
	s.CreatePrescription(ctx, p)
	p.Name = "mutated"

	got, _ := s.GetPrescription(ctx, "rx-1")
	if got.Name == "mutated" {
		t.Error("store shares the caller's prescription")
	}
	*got.TotalDoses = 99
	again, _ := s.GetPrescription(ctx, "rx-1")
	if *again.TotalDoses != 5 {
		t.Error("store shares total doses pointer")
	}
}

func TestInsertDosesIgnoresDuplicateInstants(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	s.CreatePrescription(ctx, prescription("rx-1"))

	n, err := s.InsertDoses(ctx, []*medication.DoseInstance{
		dose("d1", "rx-1", now, medication.StatusScheduled),
		dose("d2", "rx-1", now.Add(time.Hour), medication.StatusScheduled),
		dose("d3", "rx-1", now, medication.StatusScheduled),
	})
	if err != nil || n != 2 {
		t.Fatalf("insert = %d, %v; want 2", n, err)
	}

	if _, err := s.InsertDoses(ctx, []*medication.DoseInstance{dose("d9", "rx-missing", now, medication.StatusScheduled)}); !errors.Is(err, medication.ErrNotFound) {
		t.Errorf("orphan dose err = %v", err)
	}
}

func TestTransitionDoseIsConditional(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	s.CreatePrescription(ctx, prescription("rx-1"))
	s.InsertDoses(ctx, []*medication.DoseInstance{dose("d1", "rx-1", now, medication.StatusScheduled)})

	ok, err := s.TransitionDose(ctx, "d1", medication.StatusScheduled, medication.StatusNotified, now)
	if err != nil || !ok {
		t.Fatalf("first transition = %v, %v", ok, err)
	}
	ok, err = s.TransitionDose(ctx, "d1", medication.StatusScheduled, medication.StatusSkipped, now)
	if err != nil || ok {
		t.Errorf("stale transition = %v, %v; want not applied", ok, err)
	}
	if _, err := s.TransitionDose(ctx, "nope", medication.StatusScheduled, medication.StatusNotified, now); !errors.Is(err, medication.ErrNotFound) {
		t.Errorf("unknown dose err = %v", err)
	}
}

func TestTakeDoseWritesAtomically(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	s.CreatePrescription(ctx, prescription("rx-1"))
	s.InsertDoses(ctx, []*medication.DoseInstance{dose("d1", "rx-1", now, medication.StatusNotified)})

	id := "d1"
	rec := &medication.IntakeRecord{ID: "i1", PrescriptionID: "rx-1", DoseID: &id, TakenAt: now}
	if ok, _ := s.TakeDose(ctx, medication.StatusScheduled, medication.StatusTaken, rec); ok {
		t.Fatal("take applied from the wrong status")
	}
	if intakes, _ := s.ListIntakes(ctx, "rx-1"); len(intakes) != 0 {
		t.Fatal("failed take recorded an intake")
	}

	ok, err := s.TakeDose(ctx, medication.StatusNotified, medication.StatusLateTaken, rec)
	if err != nil || !ok {
		t.Fatalf("take = %v, %v", ok, err)
	}
	p, _ := s.GetPrescription(ctx, "rx-1")
	if p.DosesConsumed != 1 {
		t.Errorf("consumed = %d, want 1", p.DosesConsumed)
	}
	intakes, _ := s.ListIntakes(ctx, "rx-1")
	if len(intakes) != 1 || *intakes[0].DoseID != "d1" {
		t.Errorf("intakes = %+v", intakes)
	}
}

func TestQueriesFilterAndOrder(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	s.CreatePrescription(ctx, prescription("rx-a"))
	s.CreatePrescription(ctx, prescription("rx-b"))
	s.InsertDoses(ctx, []*medication.DoseInstance{
		dose("a2", "rx-a", now.Add(2*time.Hour), medication.StatusScheduled),
		dose("a1", "rx-a", now.Add(time.Hour), medication.StatusScheduled),
		dose("a0", "rx-a", now, medication.StatusTaken),
		dose("b1", "rx-b", now.Add(time.Hour), medication.StatusScheduled),
	})
	s.SetPrescriptionActive(ctx, "rx-b", false, now)

	overdue, _ := s.OverdueDoses(ctx, medication.StatusScheduled, now.Add(3*time.Hour), 10)
	if len(overdue) != 2 || overdue[0].ID != "a1" || overdue[1].ID != "a2" {
		t.Errorf("overdue = %v", ids(overdue))
	}
	limited, _ := s.OverdueDoses(ctx, medication.StatusScheduled, now.Add(3*time.Hour), 1)
	if len(limited) != 1 {
		t.Errorf("limit ignored: %v", ids(limited))
	}

	earliest, err := s.EarliestPendingDose(ctx, "rx-a")
	if err != nil || earliest.ID != "a1" {
		t.Errorf("earliest pending = %v, %v", earliest, err)
	}
	latest, _ := s.LatestDose(ctx, "rx-a", medication.StatusTaken)
	if latest.ID != "a0" {
		t.Errorf("latest taken = %s", latest.ID)
	}
	if n, _ := s.CountDoses(ctx, "rx-a", medication.PendingStatuses()...); n != 2 {
		t.Errorf("pending count = %d", n)
	}

	between, _ := s.DosesBetween(ctx, now, now.Add(2*time.Hour))
	if len(between) != 1 || between[0].ID != "a1" {
		t.Errorf("between = %v", ids(between))
	}

	purged, _ := s.PurgeScheduledDoses(ctx, "rx-a", now.Add(90*time.Minute))
	if purged != 1 {
		t.Errorf("purged = %d, want 1", purged)
	}
	// the purged instant can be generated again
	if n, _ := s.InsertDoses(ctx, []*medication.DoseInstance{dose("a2b", "rx-a", now.Add(2*time.Hour), medication.StatusScheduled)}); n != 1 {
		t.Error("purged instant still reserved")
	}
}

func TestGeneratablePrescriptions(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	for _, id := range []string{"rx-c", "rx-a", "rx-b"} {
		s.CreatePrescription(ctx, prescription(id))
	}
	prn := prescription("rx-prn")
	prn.IsPRN = true
	s.CreatePrescription(ctx, prn)
	ended := prescription("rx-ended")
	end := now.Add(-time.Minute)
	ended.EndAt = &end
	s.CreatePrescription(ctx, ended)
	spent := prescription("rx-spent")
	spent.DosesConsumed = 5
	s.CreatePrescription(ctx, spent)
	owed := prescription("rx-owed")
	owed.DosesConsumed = 2
	s.CreatePrescription(ctx, owed)
	s.InsertDoses(ctx, []*medication.DoseInstance{
		dose("o1", "rx-owed", now.Add(-3*time.Hour), medication.StatusMissed),
		dose("o2", "rx-owed", now.Add(-2*time.Hour), medication.StatusSkipped),
		dose("o3", "rx-owed", now.Add(-time.Hour), medication.StatusNotified),
	})

	page, _ := s.GeneratablePrescriptions(ctx, now, "", 2)
	if len(page) != 2 || page[0].ID != "rx-a" || page[1].ID != "rx-b" {
		t.Fatalf("first page = %v", page)
	}
	page, _ = s.GeneratablePrescriptions(ctx, now, "rx-b", 2)
	if len(page) != 1 || page[0].ID != "rx-c" {
		t.Errorf("second page = %v", page)
	}
}

func ids(doses []*medication.DoseInstance) []string {
	out := make([]string, len(doses))
	for i, d := range doses {
		out[i] = d.ID
	}
	return out
}
