package medication

import (
	"strings"
	"time"
)

// StartTolerance is how far in the past a new prescription may start
const StartTolerance = time.Minute

// Prescription is a course of medication for one dependent
type Prescription struct {
	ID            string
	DependentID   string
	Name          string
	Dosage        string
	IsPRN         bool
	StartAt       time.Time
	EndAt         *time.Time
	Interval      time.Duration
	TotalDoses    *int
	DosesConsumed int
	IsActive      bool
	Notes         string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Scheduled reports whether doses are generated for the prescription
func (p *Prescription) Scheduled() bool {
	return p.IsActive && !p.IsPRN && p.Interval > 0
}

// RemainingDoses returns total doses minus consumed doses. capped is false
// when the prescription has no dose cap.
func (p *Prescription) RemainingDoses() (remaining int, capped bool) {
	if p.TotalDoses == nil {
		return 0, false
	}
	return *p.TotalDoses - p.DosesConsumed, true
}

// Ended reports whether the prescription's end instant has passed
func (p *Prescription) Ended(now time.Time) bool {
	return p.EndAt != nil && p.EndAt.Before(now)
}

// Registration is the input for registering a prescription
type Registration struct {
	DependentID string
	Name        string
	Dosage      string
	IsPRN       bool
	StartAt     time.Time
	EndAt       *time.Time
	Interval    time.Duration
	TotalDoses  *int
	Notes       string
}

// Validate checks the registration against now. A scheduled prescription needs
// an interval and exactly one end condition.
func (r *Registration) Validate(now time.Time) error {
	if strings.TrimSpace(r.DependentID) == "" {
		return invalid("dependent_id", "is required")
	}
	if strings.TrimSpace(r.Name) == "" {
		return invalid("name", "is required")
	}
	if strings.TrimSpace(r.Dosage) == "" {
		return invalid("dosage", "is required")
	}
	if r.StartAt.IsZero() {
		return invalid("start_at", "is required")
	}
	if r.StartAt.Before(now.Add(-StartTolerance)) {
		return invalid("start_at", "must be in the future")
	}
	if r.EndAt != nil && !r.EndAt.After(r.StartAt) {
		return invalid("end_at", "must be after start_at")
	}
	if r.IsPRN {
		return nil
	}
	if r.Interval <= 0 {
		return invalid("interval", "is required unless the prescription is as-needed")
	}
	if (r.EndAt == nil) == (r.TotalDoses == nil) {
		return invalid("end_at", "exactly one of end_at or total_doses must be provided")
	}
	if r.TotalDoses != nil && *r.TotalDoses <= 0 {
		return invalid("total_doses", "must be positive")
	}
	return nil
}

// NewPrescription builds an active prescription from a validated registration
func NewPrescription(id string, r Registration, now time.Time) *Prescription {
	p := &Prescription{
		ID:          id,
		DependentID: r.DependentID,
		Name:        strings.TrimSpace(r.Name),
		Dosage:      strings.TrimSpace(r.Dosage),
		IsPRN:       r.IsPRN,
		StartAt:     r.StartAt.UTC(),
		IsActive:    true,
		Notes:       r.Notes,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if r.EndAt != nil {
		end := r.EndAt.UTC()
		p.EndAt = &end
	}
	if !r.IsPRN {
		p.Interval = r.Interval
		if r.TotalDoses != nil {
			total := *r.TotalDoses
			p.TotalDoses = &total
		}
	}
	return p
}
