// Package memory provides an in-process implementation of the engine store.
// It enforces the same uniqueness and conditional-update rules as the
// PostgreSQL store and backs local development and tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/drfirst/go-dosewatch/internal/domain/medication"
)

type doseKey struct {
	prescriptionID string
	scheduledAt    int64
}

type prescriptionKey struct {
	dependentID string
	name        string
	dosage      string
	startAt     int64
}

// Store is a mutex guarded in-memory store. Values are copied on the way in
// and out so callers never share state with the store.
type Store struct {
	mu            sync.RWMutex
	prescriptions map[string]*medication.Prescription
	prescribed    map[prescriptionKey]string
	doses         map[string]*medication.DoseInstance
	doseIndex     map[doseKey]string
	intakes       []*medication.IntakeRecord
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{
		prescriptions: make(map[string]*medication.Prescription),
		prescribed:    make(map[prescriptionKey]string),
		doses:         make(map[string]*medication.DoseInstance),
		doseIndex:     make(map[doseKey]string),
	}
}

func keyOf(p *medication.Prescription) prescriptionKey {
	return prescriptionKey{p.DependentID, p.Name, p.Dosage, p.StartAt.UnixNano()}
}

func copyPrescription(p *medication.Prescription) *medication.Prescription {
	c := *p
	if p.EndAt != nil {
		end := *p.EndAt
		c.EndAt = &end
	}
	if p.TotalDoses != nil {
		total := *p.TotalDoses
		c.TotalDoses = &total
	}
	return &c
}

func copyDose(d *medication.DoseInstance) *medication.DoseInstance {
	c := *d
	return &c
}

func copyIntake(r *medication.IntakeRecord) *medication.IntakeRecord {
	c := *r
	if r.DoseID != nil {
		id := *r.DoseID
		c.DoseID = &id
	}
	return &c
}

func hasStatus(s medication.DoseStatus, statuses []medication.DoseStatus) bool {
	if len(statuses) == 0 {
		return true
	}
	for _, want := range statuses {
		if s == want {
			return true
		}
	}
	return false
}

// CreatePrescription stores p, rejecting a duplicate (dependent, name, dosage, start)
func (s *Store) CreatePrescription(_ context.Context, p *medication.Prescription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.prescriptions[p.ID]; ok {
		return medication.ErrConflict
	}
	k := keyOf(p)
	if _, ok := s.prescribed[k]; ok {
		return medication.ErrConflict
	}
	s.prescriptions[p.ID] = copyPrescription(p)
	s.prescribed[k] = p.ID
	return nil
}

// GetPrescription returns a prescription by id
func (s *Store) GetPrescription(_ context.Context, id string) (*medication.Prescription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.prescriptions[id]
	if !ok {
		return nil, medication.ErrNotFound
	}
	return copyPrescription(p), nil
}

// SetPrescriptionActive flips the active flag
func (s *Store) SetPrescriptionActive(_ context.Context, id string, active bool, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.prescriptions[id]
	if !ok {
		return false, medication.ErrNotFound
	}
	if p.IsActive == active {
		return false, nil
	}
	p.IsActive = active
	p.UpdatedAt = at
	return true, nil
}

// GeneratablePrescriptions pages through prescriptions that still need doses
func (s *Store) GeneratablePrescriptions(_ context.Context, now time.Time, afterID string, limit int) ([]*medication.Prescription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*medication.Prescription
	for _, p := range s.prescriptions {
		if !p.Scheduled() || p.Ended(now) || p.ID <= afterID {
			continue
		}
		if remaining, capped := p.RemainingDoses(); capped && remaining-s.countLocked(p.ID, medication.OutstandingStatuses()) <= 0 {
			continue
		}
		out = append(out, copyPrescription(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// InsertDoses inserts doses, skipping instants that already exist
func (s *Store) InsertDoses(_ context.Context, doses []*medication.DoseInstance) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inserted := 0
	for _, d := range doses {
		if _, ok := s.prescriptions[d.PrescriptionID]; !ok {
			return inserted, medication.ErrNotFound
		}
		k := doseKey{d.PrescriptionID, d.ScheduledAt.UnixNano()}
		if _, exists := s.doseIndex[k]; exists {
			continue
		}
		if _, exists := s.doses[d.ID]; exists {
			continue
		}
		s.doses[d.ID] = copyDose(d)
		s.doseIndex[k] = d.ID
		inserted++
	}
	return inserted, nil
}

// GetDose returns a dose by id
func (s *Store) GetDose(_ context.Context, id string) (*medication.DoseInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.doses[id]
	if !ok {
		return nil, medication.ErrNotFound
	}
	return copyDose(d), nil
}

// LatestDose returns the last scheduled dose among statuses
func (s *Store) LatestDose(_ context.Context, prescriptionID string, statuses ...medication.DoseStatus) (*medication.DoseInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *medication.DoseInstance
	for _, d := range s.doses {
		if d.PrescriptionID != prescriptionID || !hasStatus(d.Status, statuses) {
			continue
		}
		if latest == nil || d.ScheduledAt.After(latest.ScheduledAt) {
			latest = d
		}
	}
	if latest == nil {
		return nil, medication.ErrNotFound
	}
	return copyDose(latest), nil
}

// CountDoses counts a prescription's doses among statuses
func (s *Store) CountDoses(_ context.Context, prescriptionID string, statuses ...medication.DoseStatus) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.countLocked(prescriptionID, statuses), nil
}

func (s *Store) countLocked(prescriptionID string, statuses []medication.DoseStatus) int {
	n := 0
	for _, d := range s.doses {
		if d.PrescriptionID == prescriptionID && hasStatus(d.Status, statuses) {
			n++
		}
	}
	return n
}

// EarliestPendingDose returns the earliest pending dose
func (s *Store) EarliestPendingDose(_ context.Context, prescriptionID string) (*medication.DoseInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var earliest *medication.DoseInstance
	for _, d := range s.doses {
		if d.PrescriptionID != prescriptionID || !d.Status.IsPending() {
			continue
		}
		if earliest == nil || d.ScheduledAt.Before(earliest.ScheduledAt) {
			earliest = d
		}
	}
	if earliest == nil {
		return nil, medication.ErrNotFound
	}
	return copyDose(earliest), nil
}

// TransitionDose applies from -> to only if the dose is still in from
func (s *Store) TransitionDose(_ context.Context, id string, from, to medication.DoseStatus, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.doses[id]
	if !ok {
		return false, medication.ErrNotFound
	}
	if d.Status != from {
		return false, nil
	}
	d.Status = to
	d.UpdatedAt = at
	return true, nil
}

// OverdueDoses returns doses of active prescriptions in status scheduled before the instant
func (s *Store) OverdueDoses(_ context.Context, status medication.DoseStatus, before time.Time, limit int) ([]*medication.DoseInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*medication.DoseInstance
	for _, d := range s.doses {
		if d.Status != status || !d.ScheduledAt.Before(before) {
			continue
		}
		if p := s.prescriptions[d.PrescriptionID]; p == nil || !p.IsActive {
			continue
		}
		out = append(out, copyDose(d))
	}
	sortDoses(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// PurgeScheduledDoses deletes scheduled doses at or after from
func (s *Store) PurgeScheduledDoses(_ context.Context, prescriptionID string, from time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var purged int64
	for id, d := range s.doses {
		if d.PrescriptionID != prescriptionID || d.Status != medication.StatusScheduled || d.ScheduledAt.Before(from) {
			continue
		}
		delete(s.doses, id)
		delete(s.doseIndex, doseKey{d.PrescriptionID, d.ScheduledAt.UnixNano()})
		purged++
	}
	return purged, nil
}

// ListDoses lists a prescription's doses in schedule order
func (s *Store) ListDoses(_ context.Context, prescriptionID string) ([]*medication.DoseInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*medication.DoseInstance
	for _, d := range s.doses {
		if d.PrescriptionID == prescriptionID {
			out = append(out, copyDose(d))
		}
	}
	sortDoses(out)
	return out, nil
}

// DosesBetween lists doses of active scheduled prescriptions inside (from, to)
func (s *Store) DosesBetween(_ context.Context, from, to time.Time) ([]*medication.DoseInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*medication.DoseInstance
	for _, d := range s.doses {
		if !d.ScheduledAt.After(from) || !d.ScheduledAt.Before(to) {
			continue
		}
		if p := s.prescriptions[d.PrescriptionID]; p == nil || !p.IsActive || p.IsPRN {
			continue
		}
		out = append(out, copyDose(d))
	}
	sortDoses(out)
	return out, nil
}

// TakeDose transitions the linked dose and records the intake atomically
func (s *Store) TakeDose(_ context.Context, from, to medication.DoseStatus, rec *medication.IntakeRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.DoseID == nil {
		return false, medication.ErrNotFound
	}
	d, ok := s.doses[*rec.DoseID]
	if !ok {
		return false, medication.ErrNotFound
	}
	p, ok := s.prescriptions[rec.PrescriptionID]
	if !ok {
		return false, medication.ErrNotFound
	}
	if d.Status != from {
		return false, nil
	}
	d.Status = to
	d.UpdatedAt = rec.TakenAt
	p.DosesConsumed++
	p.UpdatedAt = rec.TakenAt
	s.intakes = append(s.intakes, copyIntake(rec))
	return true, nil
}

// RecordIntake stores an unlinked intake and bumps the consumed count
func (s *Store) RecordIntake(_ context.Context, rec *medication.IntakeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.prescriptions[rec.PrescriptionID]
	if !ok {
		return medication.ErrNotFound
	}
	p.DosesConsumed++
	p.UpdatedAt = rec.TakenAt
	s.intakes = append(s.intakes, copyIntake(rec))
	return nil
}

// ListIntakes lists a prescription's intakes in the order they were taken
func (s *Store) ListIntakes(_ context.Context, prescriptionID string) ([]*medication.IntakeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*medication.IntakeRecord
	for _, r := range s.intakes {
		if r.PrescriptionID == prescriptionID {
			out = append(out, copyIntake(r))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].TakenAt.Before(out[j].TakenAt) })
	return out, nil
}

func sortDoses(doses []*medication.DoseInstance) {
	sort.Slice(doses, func(i, j int) bool {
		if doses[i].ScheduledAt.Equal(doses[j].ScheduledAt) {
			return doses[i].ID < doses[j].ID
		}
		return doses[i].ScheduledAt.Before(doses[j].ScheduledAt)
	})
}
