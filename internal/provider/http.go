package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const (
	defaultHTTPTimeout = 30 * time.Second
	maxAttempts        = 2
	retryDelay         = 250 * time.Millisecond
	maxErrorBody       = 2048
)

// APIError is a non-2xx response from a provider endpoint.
type APIError struct {
	Provider string
	Status   int
	Body     string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: API error %d: %s", e.Provider, e.Status, e.Body)
}

// Retryable reports whether resending the request may succeed.
func (e *APIError) Retryable() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// httpBackend is the JSON-over-HTTP plumbing shared by provider clients.
type httpBackend struct {
	config ProviderConfig
	client *http.Client
	auth   func(h http.Header)
	logger *zap.Logger
}

func newHTTPBackend(cfg ProviderConfig, defaultEndpoint string, auth func(http.Header), logger *zap.Logger) httpBackend {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = defaultEndpoint
	}
	return httpBackend{
		config: cfg,
		client: &http.Client{Timeout: timeout},
		auth:   auth,
		logger: logger,
	}
}

func (b *httpBackend) ID() string   { return b.config.ID }
func (b *httpBackend) Name() string { return b.config.Name }

// model picks the request model, falling back to the first configured one.
func (b *httpBackend) model(requested string) string {
	if requested != "" {
		return requested
	}
	if len(b.config.Models) > 0 {
		return b.config.Models[0]
	}
	return ""
}

// call sends in as JSON and decodes the response into out. Rate limits and
// server errors are retried once unless ctx is done.
func (b *httpBackend) call(ctx context.Context, method, path string, in, out any) error {
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
	}

	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = b.once(ctx, method, path, body, out)
		var apiErr *APIError
		if err == nil || !errors.As(err, &apiErr) || !apiErr.Retryable() || attempt == maxAttempts {
			return err
		}
		b.logger.Debug("retrying provider request",
			zap.String("provider", b.config.ID),
			zap.Int("status", apiErr.Status))
		select {
		case <-ctx.Done():
			return err
		case <-time.After(retryDelay):
		}
	}
	return err
}

func (b *httpBackend) once(ctx context.Context, method, path string, body []byte, out any) error {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, b.config.Endpoint+path, rd)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	b.auth(req.Header)

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &APIError{Provider: b.config.ID, Status: resp.StatusCode, Body: string(bytes.TrimSpace(raw))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
