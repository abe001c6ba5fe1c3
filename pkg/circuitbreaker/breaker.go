// Package circuitbreaker shields the engine from failing clinical data
// sources. Wraps sony/gobreaker with tracing and defaults tuned for
// formulary/allergy lookups, where a fast skip beats a hung evaluation.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// State is the breaker state exposed to callers and health checks.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// ErrOpen is returned when the circuit rejects a call without attempting it.
var ErrOpen = errors.New("circuit open")

// Config holds circuit breaker tuning.
type Config struct {
	// Name identifies the protected data source.
	Name string
	// MaxRequests caps concurrent probes in half-open state.
	MaxRequests uint32
	// Interval clears failure counts cyclically while closed.
	Interval time.Duration
	// Timeout is the open -> half-open cooldown.
	Timeout time.Duration
	// FailureThreshold opens the breaker on consecutive failures before
	// MinRequests is reached.
	FailureThreshold uint32
	// FailureRatio opens the breaker once MinRequests have been observed.
	FailureRatio float64
	// MinRequests is the sample floor before FailureRatio applies.
	MinRequests uint32
}

// DefaultConfig returns defaults for clinical data source lookups. Safety
// checks degrade gracefully when skipped, so the breaker trips early and
// recovers on a short cooldown.
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		MaxRequests:      2,
		Interval:         30 * time.Second,
		Timeout:          15 * time.Second,
		FailureThreshold: 3,
		FailureRatio:     0.5,
		MinRequests:      6,
	}
}

// CircuitBreaker guards calls to one external data source.
type CircuitBreaker struct {
	cb     *gobreaker.CircuitBreaker
	name   string
	logger *zap.Logger
	tracer trace.Tracer

	mu    sync.RWMutex
	state State
}

// New creates a circuit breaker for one data source.
func New(cfg Config, logger *zap.Logger) *CircuitBreaker {
	if logger == nil {
		logger = zap.NewNop()
	}

	cb := &CircuitBreaker{
		name:   cfg.Name,
		logger: logger,
		tracer: otel.Tracer("circuit-breaker"),
		state:  StateClosed,
	}

	cb.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return counts.ConsecutiveFailures >= cfg.FailureThreshold
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureRatio
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			cb.mu.Lock()
			cb.state = mapState(to)
			cb.mu.Unlock()
			cb.logger.Warn("data source circuit state changed",
				zap.String("source", cfg.Name),
				zap.String("from", string(mapState(from))),
				zap.String("to", string(mapState(to))),
			)
		},
	})
	return cb
}

// Execute runs fn through the breaker. A rejected call returns ErrOpen so
// callers can distinguish "source tripped" from a genuine lookup failure.
func (c *CircuitBreaker) Execute(ctx context.Context, fn func() (interface{}, error)) (interface{}, error) {
	_, span := c.tracer.Start(ctx, "source_call",
		trace.WithAttributes(
			attribute.String("source", c.name),
			attribute.String("state", string(c.State())),
		))
	defer span.End()

	result, err := c.cb.Execute(fn)
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			span.SetAttributes(attribute.Bool("rejected", true))
			return nil, ErrOpen
		}
		span.RecordError(err)
		return nil, err
	}
	return result, nil
}

// State returns the current breaker state.
func (c *CircuitBreaker) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Healthy reports whether the protected source is usable.
func (c *CircuitBreaker) Healthy() bool { return c.State() != StateOpen }

// Counts exposes the underlying request counters.
func (c *CircuitBreaker) Counts() gobreaker.Counts { return c.cb.Counts() }

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

// Manager holds one breaker per data source.
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	logger   *zap.Logger
}

// NewManager creates an empty breaker manager.
func NewManager(logger *zap.Logger) *Manager {
	return &Manager{breakers: make(map[string]*CircuitBreaker), logger: logger}
}

// GetOrCreate returns the breaker for a source, creating it on first use.
func (m *Manager) GetOrCreate(name string, cfg Config) *CircuitBreaker {
	m.mu.RLock()
	cb, ok := m.breakers[name]
	m.mu.RUnlock()
	if ok {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if cb, ok := m.breakers[name]; ok {
		return cb
	}
	cfg.Name = name
	cb = New(cfg, m.logger)
	m.breakers[name] = cb
	return cb
}

// SourceHealth is the health snapshot of one protected source.
type SourceHealth struct {
	Name     string `json:"name"`
	State    State  `json:"state"`
	Requests uint32 `json:"requests"`
	Failures uint32 `json:"failures"`
	Healthy  bool   `json:"healthy"`
}

// Health returns the health of every registered source.
func (m *Manager) Health() []SourceHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()

	statuses := make([]SourceHealth, 0, len(m.breakers))
	for name, cb := range m.breakers {
		counts := cb.Counts()
		statuses = append(statuses, SourceHealth{
			Name:     name,
			State:    cb.State(),
			Requests: counts.Requests,
			Failures: counts.TotalFailures,
			Healthy:  cb.Healthy(),
		})
	}
	return statuses
}
