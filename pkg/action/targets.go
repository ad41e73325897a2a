package action

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"fleetops/warden/pkg/action/ratelimit"
	"fleetops/warden/pkg/telemetry/tracing"
)

// WebhookTarget delivers actions as JSON POST requests. The idempotency key
// is sent in the Idempotency-Key header so receivers can deduplicate.
type WebhookTarget struct {
	url     string
	headers map[string]string
	client  *http.Client
}

// NewWebhookTarget creates a webhook target. A zero timeout defaults to 10s.
func NewWebhookTarget(url string, headers map[string]string, timeout time.Duration) *WebhookTarget {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &WebhookTarget{
		url:     url,
		headers: headers,
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        20,
				MaxIdleConnsPerHost: 5,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

type webhookPayload struct {
	IdempotencyKey string         `json:"idempotency_key"`
	ExecutionID    string         `json:"execution_id"`
	Tenant         string         `json:"tenant"`
	PolicyCode     string         `json:"policy_code"`
	PolicyVersion  int            `json:"policy_version"`
	SubjectID      string         `json:"subject_id,omitempty"`
	ActionType     string         `json:"action_type"`
	Parameters     map[string]any `json:"parameters,omitempty"`
}

// Execute implements Target. 5xx and 429 responses and transport errors
// are transient; other non-2xx responses are fatal.
func (w *WebhookTarget) Execute(ctx context.Context, req *Request) (*Result, error) {
	body, err := json.Marshal(webhookPayload{
		IdempotencyKey: req.IdempotencyKey,
		ExecutionID:    req.ExecutionID,
		Tenant:         req.Tenant,
		PolicyCode:     req.PolicyCode,
		PolicyVersion:  req.PolicyVersion,
		SubjectID:      req.SubjectID,
		ActionType:     string(req.Action.Type),
		Parameters:     req.Action.Parameters,
	})
	if err != nil {
		return nil, FatalError(fmt.Errorf("failed to encode webhook payload: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return nil, FatalError(fmt.Errorf("failed to build webhook request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	for k, v := range w.headers {
		httpReq.Header.Set(k, v)
	}
	tracing.Inject(ctx, httpReq.Header)

	resp, err := w.client.Do(httpReq)
	if err != nil {
		return nil, TransientError(fmt.Errorf("webhook request failed: %w", err))
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return &Result{Output: map[string]any{"status_code": resp.StatusCode}}, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, TransientError(fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, bytes.TrimSpace(snippet)))
	default:
		return nil, FatalError(fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, bytes.TrimSpace(snippet)))
	}
}

// LogTarget records actions in the process log and always succeeds. It
// stands in for collaborators (notification, work-order and workflow
// systems) that have no transport configured.
type LogTarget struct {
	id     string
	logger *slog.Logger
}

// NewLogTarget creates a LogTarget.
func NewLogTarget(id string) *LogTarget {
	return &LogTarget{id: id, logger: slog.Default().With("component", "action.target", "target", id)}
}

// Execute implements Target.
func (l *LogTarget) Execute(ctx context.Context, req *Request) (*Result, error) {
	l.logger.Info("action delivered",
		"idempotency_key", req.IdempotencyKey,
		"policy_code", req.PolicyCode,
		"subject_id", req.SubjectID,
		"action_type", req.Action.Type,
		"parameters", req.Action.Parameters,
	)
	return &Result{Output: map[string]any{"delivered_to": l.id}}, nil
}

// RateLimitedTarget guards a target with a limiter. Deliveries over the
// limit fail as transient and are retried with the dispatcher's backoff.
type RateLimitedTarget struct {
	id      string
	next    Target
	limiter *ratelimit.Limiter
}

// NewRateLimitedTarget wraps next.
func NewRateLimitedTarget(id string, next Target, limiter *ratelimit.Limiter) *RateLimitedTarget {
	return &RateLimitedTarget{id: id, next: next, limiter: limiter}
}

// Execute implements Target.
func (t *RateLimitedTarget) Execute(ctx context.Context, req *Request) (*Result, error) {
	res := t.limiter.Acquire()
	if !res.Allowed {
		return nil, TransientError(fmt.Errorf("target %s rate limited: %s (retry after %s)", t.id, res.Reason, res.RetryAfter))
	}
	defer t.limiter.Release()
	return t.next.Execute(ctx, req)
}
