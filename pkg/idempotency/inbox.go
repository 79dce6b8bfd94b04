// Package idempotency provides an inbox that makes redelivered intake events
// harmless: each event key is handled to completion at most once.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Status is the processing status of an inbox entry
type Status string

const (
	StatusStarted     Status = "STARTED"
	StatusFinished    Status = "FINISHED"
	StatusRecoverable Status = "RECOVERABLE"
	StatusFailed      Status = "FAILED"
)

var (
	// ErrDuplicate is returned when another handler claimed the key first
	ErrDuplicate = errors.New("duplicate message: already claimed")
	// ErrInProgress is returned while a recent claim on the key is unfinished
	ErrInProgress = errors.New("message in progress by another handler")
	// ErrPreviouslyFailed is returned for keys that failed permanently
	ErrPreviouslyFailed = errors.New("message previously failed permanently")
)

// Entry is an inbox record
type Entry struct {
	Key       string
	Handler   string
	Status    Status
	Payload   json.RawMessage
	Result    json.RawMessage
	UpdatedAt time.Time
	ExpiresAt time.Time
}

// Repository persists inbox entries
type Repository interface {
	// Get returns the entry for key, or nil when there is none
	Get(ctx context.Context, key string) (*Entry, error)
	// Claim inserts the entry as STARTED, or reclaims a RECOVERABLE one.
	// It returns ErrDuplicate when the key is held in any other status.
	Claim(ctx context.Context, entry *Entry) error
	// Mark sets the status and result of key
	Mark(ctx context.Context, key string, status Status, result json.RawMessage) error
	// DeleteExpired removes entries that expired before now
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// Config holds configuration for the inbox
type Config struct {
	// TTL is how long a finished key suppresses redeliveries
	TTL time.Duration
	// RecoveryTimeout is when a STARTED entry is considered abandoned
	RecoveryTimeout time.Duration
	// IsTerminal classifies handler errors that retrying cannot fix
	IsTerminal func(error) bool
}

// DefaultConfig returns defaults sized for intake events: redeliveries
// older than the broker retention are impossible anyway.
func DefaultConfig() Config {
	return Config{
		TTL:             7 * 24 * time.Hour,
		RecoveryTimeout: 5 * time.Minute,
	}
}

// Inbox runs handlers at most once per key
type Inbox struct {
	repo   Repository
	config Config
	logger *zap.Logger
	tracer trace.Tracer
	now    func() time.Time
}

// New creates an inbox on repo
func New(repo Repository, cfg Config, logger *zap.Logger) *Inbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.IsTerminal == nil {
		cfg.IsTerminal = func(error) bool { return false }
	}
	return &Inbox{
		repo:   repo,
		config: cfg,
		logger: logger,
		tracer: otel.Tracer("inbox"),
		now:    time.Now,
	}
}

// Outcome describes how Process handled a key
type Outcome struct {
	// Duplicate is true when the key had already finished and fn was not called
	Duplicate bool
	// Recovered is true when an abandoned or failed-retryable claim was reprocessed
	Recovered bool
	Result    json.RawMessage
}

// ProcessFunc handles a payload and returns a result to store
type ProcessFunc func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

// Process calls fn for key unless the key already finished. Handler errors are
// returned unchanged; terminal ones mark the key failed for good.
func (i *Inbox) Process(ctx context.Context, key, handler string, payload json.RawMessage, fn ProcessFunc) (*Outcome, error) {
	ctx, span := i.tracer.Start(ctx, "inbox_process",
		trace.WithAttributes(
			attribute.String("idempotency_key", key),
			attribute.String("handler", handler),
		))
	defer span.End()

	existing, err := i.repo.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to check inbox: %w", err)
	}

	recovered := false
	if existing != nil {
		switch existing.Status {
		case StatusFinished:
			span.SetAttributes(attribute.Bool("duplicate", true))
			return &Outcome{Duplicate: true, Result: existing.Result}, nil
		case StatusFailed:
			return nil, fmt.Errorf("%s: %w", key, ErrPreviouslyFailed)
		case StatusStarted:
			if i.now().Sub(existing.UpdatedAt) <= i.config.RecoveryTimeout {
				return nil, ErrInProgress
			}
			if err := i.repo.Mark(ctx, key, StatusRecoverable, nil); err != nil {
				return nil, fmt.Errorf("failed to mark recoverable: %w", err)
			}
			recovered = true
		case StatusRecoverable:
			recovered = true
		}
	}

	now := i.now()
	if err := i.repo.Claim(ctx, &Entry{
		Key:       key,
		Handler:   handler,
		Status:    StatusStarted,
		Payload:   payload,
		UpdatedAt: now,
		ExpiresAt: now.Add(i.config.TTL),
	}); err != nil {
		return nil, err
	}

	result, handlerErr := fn(ctx, payload)
	if handlerErr != nil {
		status := StatusRecoverable
		if i.config.IsTerminal(handlerErr) {
			status = StatusFailed
		}
		errResult, _ := json.Marshal(map[string]string{"error": handlerErr.Error()})
		if err := i.repo.Mark(ctx, key, status, errResult); err != nil {
			i.logger.Error("failed to record handler failure", zap.String("key", key), zap.Error(err))
		}
		span.RecordError(handlerErr)
		return nil, handlerErr
	}

	if err := i.repo.Mark(ctx, key, StatusFinished, result); err != nil {
		// the handler's effects are committed; a redelivery will be rejected as in progress
		i.logger.Error("failed to mark finished", zap.String("key", key), zap.Error(err))
	}
	return &Outcome{Recovered: recovered, Result: result}, nil
}

// Cleanup deletes expired entries
func (i *Inbox) Cleanup(ctx context.Context) (int64, error) {
	n, err := i.repo.DeleteExpired(ctx, i.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		i.logger.Info("inbox cleanup completed", zap.Int64("deleted", n))
	}
	return n, nil
}

// IntakeKey derives the key of an intake event. Reports carrying an event id
// use it; others fall back to the prescription and the reported minute, which
// absorbs clock drift between a device's retries.
func IntakeKey(eventID, prescriptionID string, reportedAt time.Time) string {
	var material string
	if eventID != "" {
		material = "event|" + eventID
	} else {
		material = "intake|" + prescriptionID + "|" + reportedAt.UTC().Truncate(time.Minute).Format(time.RFC3339)
	}
	sum := sha256.Sum256([]byte(material))
	return hex.EncodeToString(sum[:])
}

// PostgresRepository stores entries in the inbox table
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository creates a repository on pool
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

// Get loads an entry
func (r *PostgresRepository) Get(ctx context.Context, key string) (*Entry, error) {
	e := &Entry{}
	var expires *time.Time
	err := r.pool.QueryRow(ctx, `
		SELECT idempotency_key, handler_name, status, payload, result, updated_at, expires_at
		FROM inbox
		WHERE idempotency_key = $1
	`, key).Scan(&e.Key, &e.Handler, &e.Status, &e.Payload, &e.Result, &e.UpdatedAt, &expires)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if expires != nil {
		e.ExpiresAt = *expires
	}
	return e, nil
}

// Claim inserts or reclaims an entry
func (r *PostgresRepository) Claim(ctx context.Context, e *Entry) error {
	var returned string
	err := r.pool.QueryRow(ctx, `
		INSERT INTO inbox (idempotency_key, handler_name, status, payload, updated_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (idempotency_key) DO UPDATE
		SET status = EXCLUDED.status, updated_at = EXCLUDED.updated_at
		WHERE inbox.status = 'RECOVERABLE'
		RETURNING idempotency_key
	`, e.Key, e.Handler, e.Status, e.Payload, e.UpdatedAt, e.ExpiresAt).Scan(&returned)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrDuplicate
	}
	return err
}

// Mark updates status and result
func (r *PostgresRepository) Mark(ctx context.Context, key string, status Status, result json.RawMessage) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE inbox
		SET status = $1, result = COALESCE($2, result), updated_at = NOW()
		WHERE idempotency_key = $3
	`, status, result, key)
	return err
}

// DeleteExpired removes expired entries
func (r *PostgresRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM inbox WHERE expires_at < $1`, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
