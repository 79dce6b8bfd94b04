// Package postgres provides the PostgreSQL store and the reminder outbox.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-dosewatch/internal/domain/medication"
	"github.com/drfirst/go-dosewatch/internal/infrastructure/redpanda"
)

// relayLockID is the advisory lock that keeps a single relay active
const relayLockID int64 = 0x646f7365

// OutboxEntry is an event waiting to be published
type OutboxEntry struct {
	ID            int64
	AggregateID   string
	AggregateType string
	EventType     string
	Payload       json.RawMessage
	KafkaTopic    string
	KafkaKey      string
	CreatedAt     time.Time
	ProcessedAt   *time.Time
	RetryCount    int
	LastError     *string
}

// execer is satisfied by both *pgxpool.Pool and pgx.Tx
type execer interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// WriteEntry appends an entry to the outbox. db may be the pool or a transaction.
func WriteEntry(ctx context.Context, db execer, entry *OutboxEntry) error {
	query := `
		INSERT INTO outbox (aggregate_id, aggregate_type, event_type, payload, kafka_topic, kafka_key)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`
	err := db.QueryRow(ctx, query,
		entry.AggregateID,
		entry.AggregateType,
		entry.EventType,
		entry.Payload,
		entry.KafkaTopic,
		entry.KafkaKey,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to write outbox entry: %w", err)
	}
	return nil
}

// ReminderEntry builds the outbox entry for a dose reminder. Entries are keyed
// by prescription so reminders for one course stay ordered on a partition.
func ReminderEntry(p *medication.Prescription, d *medication.DoseInstance, at time.Time) (*OutboxEntry, error) {
	event, err := medication.NewEvent("DoseInstance", d.ID, medication.EventDoseReminder, medication.DoseReminderData{
		DoseID:         d.ID,
		PrescriptionID: p.ID,
		DependentID:    p.DependentID,
		MedicationName: p.Name,
		Dosage:         p.Dosage,
		ScheduledAt:    d.ScheduledAt,
	}, at)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, err
	}
	return &OutboxEntry{
		AggregateID:   d.ID,
		AggregateType: event.AggregateType,
		EventType:     string(event.EventType),
		Payload:       payload,
		KafkaTopic:    redpanda.TopicDoseReminders,
		KafkaKey:      p.ID,
	}, nil
}

// OutboxNotifier delivers dose reminders by writing them to the outbox.
// The relay publishes them to the broker.
type OutboxNotifier struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewOutboxNotifier creates a notifier on pool
func NewOutboxNotifier(pool *pgxpool.Pool, logger *zap.Logger) *OutboxNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OutboxNotifier{pool: pool, logger: logger}
}

// NotifyDose enqueues a reminder for d
func (n *OutboxNotifier) NotifyDose(ctx context.Context, p *medication.Prescription, d *medication.DoseInstance) error {
	entry, err := ReminderEntry(p, d, time.Now())
	if err != nil {
		return fmt.Errorf("build reminder: %w", err)
	}
	if err := WriteEntry(ctx, n.pool, entry); err != nil {
		return err
	}
	n.logger.Debug("reminder enqueued",
		zap.Int64("outbox_id", entry.ID),
		zap.String("dose_id", d.ID))
	return nil
}

// RelayConfig holds configuration for the outbox relay
type RelayConfig struct {
	// BatchSize is the number of entries published per poll
	BatchSize int
	// PollInterval is how often the outbox is polled
	PollInterval time.Duration
	// MaxRetries is how many publish failures move an entry to the dead letter topic
	MaxRetries int
	// Retention is how long processed entries are kept
	Retention time.Duration
}

// DefaultRelayConfig returns sensible defaults
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		BatchSize:    100,
		PollInterval: 500 * time.Millisecond,
		MaxRetries:   5,
		Retention:    72 * time.Hour,
	}
}

// Publisher publishes a record to a topic
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// Relay polls the outbox and publishes pending entries
type Relay struct {
	pool      *pgxpool.Pool
	config    RelayConfig
	publisher Publisher
	logger    *zap.Logger
	tracer    trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRelay creates an outbox relay
func NewRelay(pool *pgxpool.Pool, publisher Publisher, cfg RelayConfig, logger *zap.Logger) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Relay{
		pool:      pool,
		config:    cfg,
		publisher: publisher,
		logger:    logger,
		tracer:    otel.Tracer("outbox-relay"),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// Start begins polling
func (r *Relay) Start() {
	go r.loop()
	r.logger.Info("outbox relay started",
		zap.Int("batch_size", r.config.BatchSize),
		zap.Duration("poll_interval", r.config.PollInterval))
}

// Stop stops polling and waits for the current batch
func (r *Relay) Stop() {
	r.cancel()
	<-r.done
	r.logger.Info("outbox relay stopped")
}

func (r *Relay) loop() {
	defer close(r.done)

	ticker := time.NewTicker(r.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.RelayBatch(r.ctx); err != nil {
				r.logger.Error("outbox batch failed", zap.Error(err))
			}
		}
	}
}

// RelayBatch publishes one batch of pending entries and returns how many were published.
// It does nothing while another relay holds the lock.
func (r *Relay) RelayBatch(ctx context.Context) (int, error) {
	ctx, span := r.tracer.Start(ctx, "outbox_relay_batch")
	defer span.End()

	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return 0, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	var acquired bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", relayLockID).Scan(&acquired); err != nil {
		return 0, fmt.Errorf("advisory lock: %w", err)
	}
	if !acquired {
		return 0, nil
	}
	defer conn.Exec(context.Background(), "SELECT pg_advisory_unlock($1)", relayLockID)

	entries, err := r.pending(ctx, conn)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	span.SetAttributes(attribute.Int("batch_size", len(entries)))

	published := 0
	for _, entry := range entries {
		if err := r.publish(ctx, conn, entry); err != nil {
			r.logger.Warn("outbox entry not published",
				zap.Int64("id", entry.ID),
				zap.String("event_type", entry.EventType),
				zap.Int("retry_count", entry.RetryCount+1),
				zap.Error(err))
			continue
		}
		published++
	}
	return published, nil
}

func (r *Relay) pending(ctx context.Context, conn *pgxpool.Conn) ([]*OutboxEntry, error) {
	query := `
		SELECT id, aggregate_id, aggregate_type, event_type, payload,
		       kafka_topic, kafka_key, created_at, retry_count, last_error
		FROM outbox
		WHERE processed_at IS NULL
		  AND retry_count < $1
		ORDER BY id
		LIMIT $2
	`
	rows, err := conn.Query(ctx, query, r.config.MaxRetries, r.config.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	var entries []*OutboxEntry
	for rows.Next() {
		entry := &OutboxEntry{}
		if err := rows.Scan(
			&entry.ID, &entry.AggregateID, &entry.AggregateType,
			&entry.EventType, &entry.Payload, &entry.KafkaTopic,
			&entry.KafkaKey, &entry.CreatedAt, &entry.RetryCount, &entry.LastError,
		); err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (r *Relay) publish(ctx context.Context, conn *pgxpool.Conn, entry *OutboxEntry) error {
	ctx, span := r.tracer.Start(ctx, "outbox_publish",
		trace.WithAttributes(
			attribute.Int64("entry_id", entry.ID),
			attribute.String("event_type", entry.EventType),
			attribute.String("topic", entry.KafkaTopic),
		))
	defer span.End()

	if err := r.publisher.Publish(ctx, entry.KafkaTopic, entry.KafkaKey, entry.Payload); err != nil {
		span.RecordError(err)
		if _, uerr := conn.Exec(ctx, `
			UPDATE outbox
			SET retry_count = retry_count + 1, last_error = $1, updated_at = NOW()
			WHERE id = $2
		`, err.Error(), entry.ID); uerr != nil {
			r.logger.Error("failed to record publish failure", zap.Error(uerr))
		}
		return err
	}

	if _, err := conn.Exec(ctx, `
		UPDATE outbox
		SET processed_at = NOW(), updated_at = NOW()
		WHERE id = $1
	`, entry.ID); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to mark processed: %w", err)
	}
	return nil
}

// deadLetter wraps an entry that exhausted its retries
type deadLetter struct {
	OriginalTopic string          `json:"original_topic"`
	EventType     string          `json:"event_type"`
	AggregateID   string          `json:"aggregate_id"`
	Payload       json.RawMessage `json:"payload"`
	RetryCount    int             `json:"retry_count"`
	LastError     *string         `json:"last_error"`
	CreatedAt     time.Time       `json:"created_at"`
}

// MoveToDeadLetter publishes entries that exhausted their retries to the
// dead letter topic and marks them processed
func (r *Relay) MoveToDeadLetter(ctx context.Context) (int64, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, aggregate_id, event_type, payload, kafka_topic, kafka_key,
		       created_at, retry_count, last_error
		FROM outbox
		WHERE processed_at IS NULL
		  AND retry_count >= $1
		ORDER BY id
		LIMIT $2
	`, r.config.MaxRetries, r.config.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("query failed: %w", err)
	}
	entries := make([]*OutboxEntry, 0)
	for rows.Next() {
		entry := &OutboxEntry{}
		if err := rows.Scan(
			&entry.ID, &entry.AggregateID, &entry.EventType, &entry.Payload,
			&entry.KafkaTopic, &entry.KafkaKey, &entry.CreatedAt, &entry.RetryCount, &entry.LastError,
		); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan failed: %w", err)
		}
		entries = append(entries, entry)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	var moved int64
	for _, entry := range entries {
		payload, err := json.Marshal(deadLetter{
			OriginalTopic: entry.KafkaTopic,
			EventType:     entry.EventType,
			AggregateID:   entry.AggregateID,
			Payload:       entry.Payload,
			RetryCount:    entry.RetryCount,
			LastError:     entry.LastError,
			CreatedAt:     entry.CreatedAt,
		})
		if err != nil {
			continue
		}
		if err := r.publisher.Publish(ctx, redpanda.TopicDeadLetter, entry.KafkaKey, payload); err != nil {
			r.logger.Error("failed to publish to dead letter", zap.Int64("id", entry.ID), zap.Error(err))
			continue
		}
		if _, err := r.pool.Exec(ctx, "UPDATE outbox SET processed_at = NOW(), updated_at = NOW() WHERE id = $1", entry.ID); err != nil {
			r.logger.Error("failed to mark dead letter entry", zap.Int64("id", entry.ID), zap.Error(err))
			continue
		}
		moved++
	}
	return moved, nil
}

// CleanupProcessed removes processed entries older than the retention
func (r *Relay) CleanupProcessed(ctx context.Context) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM outbox
		WHERE processed_at IS NOT NULL
		  AND processed_at < $1
	`, time.Now().Add(-r.config.Retention))
	if err != nil {
		return 0, fmt.Errorf("cleanup failed: %w", err)
	}
	return tag.RowsAffected(), nil
}

// OutboxStats summarizes the outbox
type OutboxStats struct {
	Pending       int64
	DeadLettered  int64
	OldestPending *time.Time
}

// Stats returns current outbox statistics
func (r *Relay) Stats(ctx context.Context) (*OutboxStats, error) {
	stats := &OutboxStats{}
	err := r.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE retry_count < $1),
			COUNT(*) FILTER (WHERE retry_count >= $1),
			MIN(created_at)
		FROM outbox
		WHERE processed_at IS NULL
	`, r.config.MaxRetries).Scan(&stats.Pending, &stats.DeadLettered, &stats.OldestPending)
	if err != nil {
		return nil, err
	}
	return stats, nil
}
