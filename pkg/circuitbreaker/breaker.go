// Package circuitbreaker guards calls to the message broker with sony/gobreaker.
// An open breaker fails calls immediately so the outbox keeps its entries
// instead of burning retries against a broker that is down.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// State is the breaker state
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// ErrOpen is returned without calling through while the breaker rejects calls
var ErrOpen = errors.New("circuit breaker open")

// Config holds breaker configuration
type Config struct {
	// Name identifies the breaker in logs and metrics
	Name string
	// MaxRequests is how many trial calls pass while half-open
	MaxRequests uint32
	// Interval clears the closed-state counts; zero never clears them
	Interval time.Duration
	// Timeout is how long the breaker stays open before a trial call
	Timeout time.Duration
	// ConsecutiveFailures trips the breaker below MinRequests
	ConsecutiveFailures uint32
	// FailureRatio trips the breaker once MinRequests calls were counted
	FailureRatio float64
	// MinRequests is how many calls are needed before the ratio applies
	MinRequests uint32
	// OnStateChange is called after every transition
	OnStateChange func(name string, to State)
}

// DefaultConfig returns defaults for broker publishing
func DefaultConfig(name string) Config {
	return Config{
		Name:                name,
		MaxRequests:         1,
		Interval:            time.Minute,
		Timeout:             15 * time.Second,
		ConsecutiveFailures: 5,
		FailureRatio:        0.5,
		MinRequests:         20,
	}
}

// CircuitBreaker wraps gobreaker with tracing and OpenTelemetry counters
type CircuitBreaker struct {
	cb     *gobreaker.CircuitBreaker
	name   string
	logger *zap.Logger
	tracer trace.Tracer

	calls    metric.Int64Counter
	rejected metric.Int64Counter

	mu    sync.RWMutex
	state State
}

// New creates a breaker
func New(cfg Config, logger *zap.Logger) (*CircuitBreaker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &CircuitBreaker{
		name:   cfg.Name,
		logger: logger,
		tracer: otel.Tracer("circuit-breaker"),
		state:  StateClosed,
	}

	meter := otel.Meter("circuit-breaker")
	var err error
	if c.calls, err = meter.Int64Counter("circuit_breaker_calls_total",
		metric.WithDescription("Calls passed through the breaker, by outcome")); err != nil {
		return nil, err
	}
	if c.rejected, err = meter.Int64Counter("circuit_breaker_rejected_total",
		metric.WithDescription("Calls rejected while the breaker was open")); err != nil {
		return nil, err
	}

	c.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.transition(mapState(from), mapState(to))
			if cfg.OnStateChange != nil {
				cfg.OnStateChange(name, mapState(to))
			}
		},
		IsSuccessful: func(err error) bool {
			// a cancelled caller says nothing about the broker
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
	return c, nil
}

// Do calls fn unless the breaker is open. It returns ErrOpen when the call was rejected.
func (c *CircuitBreaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, span := c.tracer.Start(ctx, "circuit_breaker",
		trace.WithAttributes(
			attribute.String("breaker", c.name),
			attribute.String("state", string(c.State())),
		))
	defer span.End()

	name := metric.WithAttributes(attribute.String("name", c.name))
	_, err := c.cb.Execute(func() (interface{}, error) {
		return nil, fn(ctx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		c.rejected.Add(ctx, 1, name)
		span.SetAttributes(attribute.Bool("rejected", true))
		return ErrOpen
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
		span.RecordError(err)
	}
	c.calls.Add(ctx, 1, name, metric.WithAttributes(attribute.String("outcome", outcome)))
	return err
}

// State returns the current state
func (c *CircuitBreaker) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Counts returns gobreaker's counts for the current generation
func (c *CircuitBreaker) Counts() gobreaker.Counts {
	return c.cb.Counts()
}

func (c *CircuitBreaker) transition(from, to State) {
	c.mu.Lock()
	c.state = to
	c.mu.Unlock()

	c.logger.Warn("circuit breaker state changed",
		zap.String("breaker", c.name),
		zap.String("from", string(from)),
		zap.String("to", string(to)))
}

func mapState(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// Publisher publishes a record to a topic
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// GuardedPublisher routes every publish through a breaker
type GuardedPublisher struct {
	next    Publisher
	breaker *CircuitBreaker
}

// Guard wraps next with breaker
func Guard(next Publisher, breaker *CircuitBreaker) *GuardedPublisher {
	return &GuardedPublisher{next: next, breaker: breaker}
}

// Publish publishes through the breaker
func (g *GuardedPublisher) Publish(ctx context.Context, topic, key string, value []byte) error {
	return g.breaker.Do(ctx, func(ctx context.Context) error {
		return g.next.Publish(ctx, topic, key, value)
	})
}
