package medication

import "time"

// DoseInstance is one predicted occurrence of a scheduled prescription
type DoseInstance struct {
	ID             string
	PrescriptionID string
	ScheduledAt    time.Time
	Status         DoseStatus
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// InGrace reports whether now lies within grace of the scheduled instant, on either side
func (d *DoseInstance) InGrace(now time.Time, grace time.Duration) bool {
	return !d.ScheduledAt.Before(now.Add(-grace)) && !d.ScheduledAt.After(now.Add(grace))
}

// PastGrace reports whether now is strictly later than scheduled instant plus grace
func (d *DoseInstance) PastGrace(now time.Time, grace time.Duration) bool {
	return now.After(d.ScheduledAt.Add(grace))
}

// IntakeRecord is an immutable fact that medication was consumed.
// DoseID is nil for as-needed or unscheduled intakes.
type IntakeRecord struct {
	ID             string
	PrescriptionID string
	DoseID         *string
	TakenAt        time.Time
	Notes          string
	CreatedAt      time.Time
}

// Linked reports whether the intake satisfied a dose instance
func (r *IntakeRecord) Linked() bool { return r.DoseID != nil }
