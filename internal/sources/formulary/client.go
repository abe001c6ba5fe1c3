// Package formulary provides the HTTP client for the external drug
// database: interaction lookups and formulary coverage entries.
package formulary

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/careloop/rx-engine/internal/safety"
	"github.com/careloop/rx-engine/pkg/circuitbreaker"
)

// Config holds formulary service connection settings.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// DefaultConfig returns client defaults. The timeout is short: a skipped
// safety check is recoverable, a stalled evaluation is not.
func DefaultConfig(baseURL string) Config {
	return Config{BaseURL: baseURL, Timeout: 3 * time.Second}
}

// Client implements safety.FormularySource against the formulary HTTP API.
// Calls go through a circuit breaker so a failing drug database degrades
// evaluations instead of stalling them.
type Client struct {
	http    *resty.Client
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.Logger
}

// NewClient creates a formulary client.
func NewClient(cfg Config, breaker *circuitbreaker.CircuitBreaker, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json")
	if cfg.APIKey != "" {
		httpClient.SetHeader("X-API-Key", cfg.APIKey)
	}
	return &Client{http: httpClient, breaker: breaker, logger: logger}
}

// GetInteractions returns the documented interactions for a medication.
func (c *Client) GetInteractions(ctx context.Context, medicationCode string) ([]safety.Interaction, error) {
	result, err := c.breaker.Execute(ctx, func() (interface{}, error) {
		var interactions []safety.Interaction
		resp, err := c.http.R().
			SetContext(ctx).
			SetResult(&interactions).
			Get("/v1/medications/" + medicationCode + "/interactions")
		if err != nil {
			return nil, fmt.Errorf("interactions request: %w", err)
		}
		if resp.StatusCode() == http.StatusNotFound {
			// Unknown medication has no documented interactions.
			return []safety.Interaction{}, nil
		}
		if resp.IsError() {
			return nil, fmt.Errorf("interactions request: status %d", resp.StatusCode())
		}
		return interactions, nil
	})
	if err != nil {
		c.logger.Warn("interaction lookup failed",
			zap.String("medication_code", medicationCode),
			zap.Error(err))
		return nil, err
	}
	return result.([]safety.Interaction), nil
}

// GetFormularyEntry returns coverage metadata, or nil when the medication is
// off-formulary.
func (c *Client) GetFormularyEntry(ctx context.Context, medicationCode string) (*safety.FormularyEntry, error) {
	result, err := c.breaker.Execute(ctx, func() (interface{}, error) {
		var entry safety.FormularyEntry
		resp, err := c.http.R().
			SetContext(ctx).
			SetResult(&entry).
			Get("/v1/formulary/" + medicationCode)
		if err != nil {
			return nil, fmt.Errorf("formulary request: %w", err)
		}
		if resp.StatusCode() == http.StatusNotFound {
			return (*safety.FormularyEntry)(nil), nil
		}
		if resp.IsError() {
			return nil, fmt.Errorf("formulary request: status %d", resp.StatusCode())
		}
		return &entry, nil
	})
	if err != nil {
		c.logger.Warn("formulary lookup failed",
			zap.String("medication_code", medicationCode),
			zap.Error(err))
		return nil, err
	}
	return result.(*safety.FormularyEntry), nil
}
