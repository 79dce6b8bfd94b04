package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-dosewatch/internal/domain/medication"
)

// uniqueViolation is the SQLSTATE for unique_violation
const uniqueViolation = "23505"

// Store persists prescriptions, dose instances and intakes in PostgreSQL.
// Dose transitions are conditional UPDATEs, so concurrent writers never
// overwrite each other's status.
type Store struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
	tracer trace.Tracer
}

// NewStore creates a store on pool
func NewStore(pool *pgxpool.Pool, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		pool:   pool,
		logger: logger,
		tracer: otel.Tracer("postgres-store"),
	}
}

// mapError translates driver errors into domain errors
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return medication.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%s: %w", pgErr.ConstraintName, medication.ErrConflict)
	}
	return err
}

const prescriptionColumns = `id, dependent_id, name, dosage, is_prn, start_at, end_at,
	interval_seconds, total_doses, doses_consumed, is_active, notes, created_at, updated_at`

const doseColumns = `id, prescription_id, scheduled_at, status, created_at, updated_at`

func scanPrescription(row pgx.Row) (*medication.Prescription, error) {
	p := &medication.Prescription{}
	var intervalSeconds int64
	var total *int32
	var consumed int32
	err := row.Scan(
		&p.ID, &p.DependentID, &p.Name, &p.Dosage, &p.IsPRN, &p.StartAt, &p.EndAt,
		&intervalSeconds, &total, &consumed, &p.IsActive, &p.Notes, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.Interval = time.Duration(intervalSeconds) * time.Second
	p.DosesConsumed = int(consumed)
	if total != nil {
		n := int(*total)
		p.TotalDoses = &n
	}
	p.StartAt = p.StartAt.UTC()
	if p.EndAt != nil {
		end := p.EndAt.UTC()
		p.EndAt = &end
	}
	return p, nil
}

func scanDose(row pgx.Row) (*medication.DoseInstance, error) {
	d := &medication.DoseInstance{}
	var status string
	if err := row.Scan(&d.ID, &d.PrescriptionID, &d.ScheduledAt, &status, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	d.Status = medication.DoseStatus(status)
	d.ScheduledAt = d.ScheduledAt.UTC()
	return d, nil
}

func collectDoses(rows pgx.Rows) ([]*medication.DoseInstance, error) {
	defer rows.Close()

	var doses []*medication.DoseInstance
	for rows.Next() {
		d, err := scanDose(rows)
		if err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		doses = append(doses, d)
	}
	return doses, rows.Err()
}

func statusStrings(statuses []medication.DoseStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

// CreatePrescription inserts a prescription
func (s *Store) CreatePrescription(ctx context.Context, p *medication.Prescription) error {
	query := `
		INSERT INTO prescriptions (` + prescriptionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`
	_, err := s.pool.Exec(ctx, query,
		p.ID, p.DependentID, p.Name, p.Dosage, p.IsPRN, p.StartAt, p.EndAt,
		int64(p.Interval/time.Second), p.TotalDoses, p.DosesConsumed, p.IsActive, p.Notes,
		p.CreatedAt, p.UpdatedAt,
	)
	return mapError(err)
}

// GetPrescription loads a prescription by id
func (s *Store) GetPrescription(ctx context.Context, id string) (*medication.Prescription, error) {
	query := `SELECT ` + prescriptionColumns + ` FROM prescriptions WHERE id = $1`
	p, err := scanPrescription(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		return nil, mapError(err)
	}
	return p, nil
}

// SetPrescriptionActive flips is_active only when it differs
func (s *Store) SetPrescriptionActive(ctx context.Context, id string, active bool, at time.Time) (bool, error) {
	query := `
		WITH target AS (SELECT id FROM prescriptions WHERE id = $1),
		     changed AS (
		         UPDATE prescriptions SET is_active = $2, updated_at = $3
		         WHERE id = $1 AND is_active <> $2
		         RETURNING id
		     )
		SELECT EXISTS (SELECT 1 FROM target), EXISTS (SELECT 1 FROM changed)
	`
	var exists, changed bool
	if err := s.pool.QueryRow(ctx, query, id, active, at).Scan(&exists, &changed); err != nil {
		return false, mapError(err)
	}
	if !exists {
		return false, medication.ErrNotFound
	}
	return changed, nil
}

// GeneratablePrescriptions pages through open scheduled prescriptions by id.
// Capped courses are skipped once consumed plus outstanding doses reach the cap.
func (s *Store) GeneratablePrescriptions(ctx context.Context, now time.Time, afterID string, limit int) ([]*medication.Prescription, error) {
	query := `
		SELECT ` + prescriptionColumns + `
		FROM prescriptions p
		WHERE is_active AND NOT is_prn
		  AND interval_seconds > 0
		  AND (end_at IS NULL OR end_at >= $1)
		  AND (total_doses IS NULL OR total_doses - doses_consumed > (
		        SELECT COUNT(*) FROM dose_instances d
		        WHERE d.prescription_id = p.id AND d.status = ANY($4)))
		  AND id > $2
		ORDER BY id
		LIMIT $3
	`
	outstanding := statusStrings(medication.OutstandingStatuses())
	rows, err := s.pool.Query(ctx, query, now, afterID, limit, outstanding)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	var out []*medication.Prescription
	for rows.Next() {
		p, err := scanPrescription(rows)
		if err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// InsertDoses bulk inserts doses in one transaction, ignoring instants that
// already exist
func (s *Store) InsertDoses(ctx context.Context, doses []*medication.DoseInstance) (int, error) {
	if len(doses) == 0 {
		return 0, nil
	}
	ctx, span := s.tracer.Start(ctx, "insert_doses",
		trace.WithAttributes(attribute.Int("candidates", len(doses))))
	defer span.End()

	query := `
		INSERT INTO dose_instances (` + doseColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (prescription_id, scheduled_at) DO NOTHING
	`

	inserted := 0
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, d := range doses {
			batch.Queue(query, d.ID, d.PrescriptionID, d.ScheduledAt, string(d.Status), d.CreatedAt, d.UpdatedAt)
		}
		br := tx.SendBatch(ctx, batch)
		for range doses {
			tag, err := br.Exec()
			if err != nil {
				br.Close()
				return err
			}
			inserted += int(tag.RowsAffected())
		}
		return br.Close()
	})
	if err != nil {
		span.RecordError(err)
		return 0, mapError(err)
	}
	return inserted, nil
}

// GetDose loads a dose by id
func (s *Store) GetDose(ctx context.Context, id string) (*medication.DoseInstance, error) {
	query := `SELECT ` + doseColumns + ` FROM dose_instances WHERE id = $1`
	d, err := scanDose(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		return nil, mapError(err)
	}
	return d, nil
}

// LatestDose returns the latest dose among statuses, or among all when empty
func (s *Store) LatestDose(ctx context.Context, prescriptionID string, statuses ...medication.DoseStatus) (*medication.DoseInstance, error) {
	query := `
		SELECT ` + doseColumns + `
		FROM dose_instances
		WHERE prescription_id = $1
		  AND (cardinality($2::text[]) = 0 OR status = ANY($2))
		ORDER BY scheduled_at DESC
		LIMIT 1
	`
	d, err := scanDose(s.pool.QueryRow(ctx, query, prescriptionID, statusStrings(statuses)))
	if err != nil {
		return nil, mapError(err)
	}
	return d, nil
}

// CountDoses counts doses among statuses, or all when empty
func (s *Store) CountDoses(ctx context.Context, prescriptionID string, statuses ...medication.DoseStatus) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM dose_instances
		WHERE prescription_id = $1
		  AND (cardinality($2::text[]) = 0 OR status = ANY($2))
	`
	var n int64
	if err := s.pool.QueryRow(ctx, query, prescriptionID, statusStrings(statuses)).Scan(&n); err != nil {
		return 0, err
	}
	return int(n), nil
}

// EarliestPendingDose returns the earliest scheduled or notified dose
func (s *Store) EarliestPendingDose(ctx context.Context, prescriptionID string) (*medication.DoseInstance, error) {
	query := `
		SELECT ` + doseColumns + `
		FROM dose_instances
		WHERE prescription_id = $1
		  AND status = ANY($2)
		ORDER BY scheduled_at ASC
		LIMIT 1
	`
	pending := statusStrings(medication.PendingStatuses())
	d, err := scanDose(s.pool.QueryRow(ctx, query, prescriptionID, pending))
	if err != nil {
		return nil, mapError(err)
	}
	return d, nil
}

// TransitionDose updates the status only while it still equals from
func (s *Store) TransitionDose(ctx context.Context, id string, from, to medication.DoseStatus, at time.Time) (bool, error) {
	query := `
		UPDATE dose_instances
		SET status = $3, updated_at = $4
		WHERE id = $1 AND status = $2
	`
	tag, err := s.pool.Exec(ctx, query, id, string(from), string(to), at)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	if _, err := s.GetDose(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// OverdueDoses returns doses of active prescriptions in status scheduled before the instant
func (s *Store) OverdueDoses(ctx context.Context, status medication.DoseStatus, before time.Time, limit int) ([]*medication.DoseInstance, error) {
	query := `
		SELECT d.id, d.prescription_id, d.scheduled_at, d.status, d.created_at, d.updated_at
		FROM dose_instances d
		JOIN prescriptions p ON p.id = d.prescription_id
		WHERE d.status = $1
		  AND d.scheduled_at < $2
		  AND p.is_active
		ORDER BY d.scheduled_at, d.id
		LIMIT $3
	`
	rows, err := s.pool.Query(ctx, query, string(status), before, limit)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	return collectDoses(rows)
}

// PurgeScheduledDoses deletes scheduled doses at or after from
func (s *Store) PurgeScheduledDoses(ctx context.Context, prescriptionID string, from time.Time) (int64, error) {
	query := `
		DELETE FROM dose_instances
		WHERE prescription_id = $1
		  AND status = $2
		  AND scheduled_at >= $3
	`
	tag, err := s.pool.Exec(ctx, query, prescriptionID, string(medication.StatusScheduled), from)
	if err != nil {
		return 0, fmt.Errorf("purge failed: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListDoses lists a prescription's doses in schedule order
func (s *Store) ListDoses(ctx context.Context, prescriptionID string) ([]*medication.DoseInstance, error) {
	query := `
		SELECT ` + doseColumns + `
		FROM dose_instances
		WHERE prescription_id = $1
		ORDER BY scheduled_at, id
	`
	rows, err := s.pool.Query(ctx, query, prescriptionID)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	return collectDoses(rows)
}

// DosesBetween lists doses of active scheduled prescriptions strictly inside (from, to)
func (s *Store) DosesBetween(ctx context.Context, from, to time.Time) ([]*medication.DoseInstance, error) {
	query := `
		SELECT d.id, d.prescription_id, d.scheduled_at, d.status, d.created_at, d.updated_at
		FROM dose_instances d
		JOIN prescriptions p ON p.id = d.prescription_id
		WHERE d.scheduled_at > $1
		  AND d.scheduled_at < $2
		  AND p.is_active AND NOT p.is_prn
		ORDER BY d.scheduled_at, d.id
	`
	rows, err := s.pool.Query(ctx, query, from, to)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	return collectDoses(rows)
}

// TakeDose applies the conditional transition, inserts the linked intake and
// bumps the consumed count in one transaction
func (s *Store) TakeDose(ctx context.Context, from, to medication.DoseStatus, rec *medication.IntakeRecord) (bool, error) {
	if rec.DoseID == nil {
		return false, medication.ErrNotFound
	}
	ctx, span := s.tracer.Start(ctx, "take_dose",
		trace.WithAttributes(attribute.String("dose_id", *rec.DoseID)))
	defer span.End()

	applied := false
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE dose_instances
			SET status = $3, updated_at = $4
			WHERE id = $1 AND status = $2
		`, *rec.DoseID, string(from), string(to), rec.TakenAt)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM dose_instances WHERE id = $1)`, *rec.DoseID).Scan(&exists); err != nil {
				return err
			}
			if !exists {
				return medication.ErrNotFound
			}
			return nil
		}
		if err := insertIntake(ctx, tx, rec); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return false, mapError(err)
	}
	return applied, nil
}

// RecordIntake inserts an unlinked intake and bumps the consumed count
func (s *Store) RecordIntake(ctx context.Context, rec *medication.IntakeRecord) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return insertIntake(ctx, tx, rec)
	})
	return mapError(err)
}

func insertIntake(ctx context.Context, tx pgx.Tx, rec *medication.IntakeRecord) error {
	tag, err := tx.Exec(ctx, `
		UPDATE prescriptions
		SET doses_consumed = doses_consumed + 1, updated_at = $2
		WHERE id = $1
	`, rec.PrescriptionID, rec.TakenAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return medication.ErrNotFound
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO intake_records (id, prescription_id, dose_id, taken_at, notes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, rec.ID, rec.PrescriptionID, rec.DoseID, rec.TakenAt, rec.Notes, rec.CreatedAt)
	return err
}

// ListIntakes lists a prescription's intakes by taken time
func (s *Store) ListIntakes(ctx context.Context, prescriptionID string) ([]*medication.IntakeRecord, error) {
	query := `
		SELECT id, prescription_id, dose_id, taken_at, notes, created_at
		FROM intake_records
		WHERE prescription_id = $1
		ORDER BY taken_at, id
	`
	rows, err := s.pool.Query(ctx, query, prescriptionID)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	var out []*medication.IntakeRecord
	for rows.Next() {
		r := &medication.IntakeRecord{}
		if err := rows.Scan(&r.ID, &r.PrescriptionID, &r.DoseID, &r.TakenAt, &r.Notes, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		r.TakenAt = r.TakenAt.UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}
