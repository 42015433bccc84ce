package audit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// ErrSinkRequired is returned by NewSinkClient when Mode is ModeRequired and
// the startup health check fails.
var ErrSinkRequired = errors.New("audit sink: startup health check failed and sink is required")

// Mode controls what happens when the audit sink is unreachable at startup.
type Mode int

const (
	// ModeBestEffort proceeds regardless of the startup health check result;
	// persistence failures are logged but never fail the request path.
	ModeBestEffort Mode = iota
	// ModeRequired aborts process startup if the health check fails.
	ModeRequired
)

// Transport is the narrow interface the sink client needs from an HTTP-based
// audit store. A production Transport wraps *http.Client; tests substitute a
// fake.
type Transport interface {
	Persist(ctx context.Context, event *Event) error
	PersistBatch(ctx context.Context, events []*Event) error
	GetByExecution(ctx context.Context, ref string) ([]*Event, error)
	HealthCheck(ctx context.Context) error
}

// RetryPolicy mirrors llm/retry.RetryPolicy's shape, specialized to the
// audit sink's defaults (base 100ms, cap 30s, 3 retries after the first
// attempt).
type RetryPolicy struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultRetryPolicy returns the audit sink's default backoff policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:   3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
	}
}

// SinkClient is the async client to the external audit/decision-event store.
// Persist failures never propagate to the request path — they are logged
// and, in ModeBestEffort, silently dropped after retries are exhausted.
type SinkClient struct {
	transport Transport
	policy    RetryPolicy
	logger    *zap.Logger
}

// NewSinkClient constructs a SinkClient and, per mode, gates startup on a
// health check against transport.
func NewSinkClient(ctx context.Context, transport Transport, policy RetryPolicy, mode Mode, logger *zap.Logger) (*SinkClient, error) {
	if policy.MaxRetries == 0 && policy.InitialDelay == 0 {
		policy = DefaultRetryPolicy()
	}
	c := &SinkClient{transport: transport, policy: policy, logger: logger}

	err := transport.HealthCheck(ctx)
	if err != nil {
		logger.Warn("audit sink health check failed at startup", zap.Error(err))
		if mode == ModeRequired {
			return nil, fmt.Errorf("%w: %v", ErrSinkRequired, err)
		}
	}
	return c, nil
}

// Persist sends one event, retrying transient failures with exponential
// backoff and jitter. It returns the last error in every mode (the mode only
// gates startup) — callers in the routing agent should fire this off without
// blocking the response path (e.g. in its own goroutine) since a persist
// failure must never fail a request.
func (c *SinkClient) Persist(ctx context.Context, event *Event) error {
	return c.retry(ctx, func() error { return c.transport.Persist(ctx, event) })
}

// PersistBatch sends multiple events in one call, with the same retry
// semantics as Persist.
func (c *SinkClient) PersistBatch(ctx context.Context, events []*Event) error {
	return c.retry(ctx, func() error { return c.transport.PersistBatch(ctx, events) })
}

// GetByExecution fetches every event recorded for a given execution_ref.
func (c *SinkClient) GetByExecution(ctx context.Context, ref string) ([]*Event, error) {
	var result []*Event
	err := c.retry(ctx, func() error {
		events, err := c.transport.GetByExecution(ctx, ref)
		if err != nil {
			return err
		}
		result = events
		return nil
	})
	return result, err
}

func (c *SinkClient) retry(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= c.policy.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := c.backoff(attempt)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !isRetryable(lastErr) {
			return lastErr
		}
	}
	c.logger.Warn("audit sink persist exhausted retries", zap.Error(lastErr))
	return lastErr
}

func (c *SinkClient) backoff(attempt int) time.Duration {
	delay := float64(c.policy.InitialDelay) * math.Pow(c.policy.Multiplier, float64(attempt-1))
	if delay > float64(c.policy.MaxDelay) {
		delay = float64(c.policy.MaxDelay)
	}
	jitter := delay * 0.25
	delay += (rand.Float64()*2 - 1) * jitter
	if delay < float64(c.policy.InitialDelay) {
		delay = float64(c.policy.InitialDelay)
	}
	return time.Duration(delay)
}

// retryableError marks sink transport errors that should be retried:
// connection and timeout errors, and server-marked-retryable failures.
type retryableError struct{ err error }

func (r *retryableError) Error() string { return r.err.Error() }
func (r *retryableError) Unwrap() error { return r.err }

// WrapRetryable marks err as retryable for the sink's retry loop.
func WrapRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &retryableError{err: err}
}

func isRetryable(err error) bool {
	var re *retryableError
	return errors.As(err, &re)
}

// HTTPTransport is the default Transport, speaking JSON over HTTP to the
// external audit/decision-store service. The store itself is an external
// collaborator — this is only the narrow client
// surface the gateway uses to reach it.
type HTTPTransport struct {
	BaseURL    string
	BearerAuth string
	Client     *http.Client
}

// NewHTTPTransport creates an HTTPTransport with a sane default client
// timeout.
func NewHTTPTransport(baseURL, bearerAuth string) *HTTPTransport {
	return &HTTPTransport{
		BaseURL:    baseURL,
		BearerAuth: bearerAuth,
		Client:     &http.Client{Timeout: 5 * time.Second},
	}
}

func (t *HTTPTransport) Persist(ctx context.Context, event *Event) error {
	return t.post(ctx, "/events", event)
}

func (t *HTTPTransport) PersistBatch(ctx context.Context, events []*Event) error {
	return t.post(ctx, "/events/batch", events)
}

func (t *HTTPTransport) GetByExecution(ctx context.Context, ref string) ([]*Event, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.BaseURL+"/events?execution_ref="+ref, nil)
	if err != nil {
		return nil, err
	}
	t.authorize(req)

	resp, err := t.Client.Do(req)
	if err != nil {
		return nil, WrapRetryable(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, WrapRetryable(fmt.Errorf("audit store returned %d", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("audit store returned %d", resp.StatusCode)
	}

	var events []*Event
	if err := jsonDecode(resp.Body, &events); err != nil {
		return nil, err
	}
	return events, nil
}

func (t *HTTPTransport) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.BaseURL+"/healthz", nil)
	if err != nil {
		return err
	}
	t.authorize(req)

	resp, err := t.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("audit store health check returned %d", resp.StatusCode)
	}
	return nil
}

func (t *HTTPTransport) post(ctx context.Context, path string, body any) error {
	data, err := jsonEncode(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.BaseURL+path, data)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	t.authorize(req)

	resp, err := t.Client.Do(req)
	if err != nil {
		return WrapRetryable(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return WrapRetryable(fmt.Errorf("audit store returned %d", resp.StatusCode))
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("audit store returned %d", resp.StatusCode)
	}
	return nil
}

func (t *HTTPTransport) authorize(req *http.Request) {
	if t.BearerAuth != "" {
		req.Header.Set("Authorization", "Bearer "+t.BearerAuth)
	}
}
