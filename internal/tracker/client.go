// Package tracker is the HTTP client for the remote delivery tracker.
// It mirrors local pipeline state outward and manages the remote half
// of approval gates.
package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/sony/gobreaker"
	"github.com/sitelinehq/siteline/internal/types"
)

// RemoteApproval is the tracker's view of one approval record.
type RemoteApproval struct {
	ID           string     `json:"id"`
	ApprovalType string     `json:"approval_type"`
	Status       string     `json:"status"`
	Feedback     string     `json:"feedback,omitempty"`
	RespondedAt  *time.Time `json:"responded_at,omitempty"`
}

// ApprovalRequest creates a remote approval gate.
type ApprovalRequest struct {
	ApprovalType string              `json:"approval_type"`
	Title        string              `json:"title"`
	Description  string              `json:"description,omitempty"`
	PreviewURL   string              `json:"preview_url,omitempty"`
	Deliverables []types.Deliverable `json:"deliverables"`
}

// Options configures a Client.
type Options struct {
	BaseURL      string
	APIKey       string
	ServiceToken string
	Timeout      time.Duration
	MaxAttempts  int
	RetryBase    time.Duration
	RetryBudget  time.Duration
	Logger       *slog.Logger
}

// Client talks to the tracker REST API. Requests carry both the project
// API key and the service bearer token, retry transient failures with
// exponential backoff, and trip a circuit breaker when the tracker is
// persistently down.
type Client struct {
	baseURL      string
	apiKey       string
	serviceToken string
	http         *http.Client
	breaker      *gobreaker.CircuitBreaker
	maxAttempts  uint64
	retryBase    time.Duration
	retryBudget  time.Duration
	logger       *slog.Logger
}

// NewClient creates a tracker client.
func NewClient(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = 500 * time.Millisecond
	}
	if opts.RetryBudget <= 0 {
		opts.RetryBudget = 2 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "tracker",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	return &Client{
		baseURL:      opts.BaseURL,
		apiKey:       opts.APIKey,
		serviceToken: opts.ServiceToken,
		http:         &http.Client{Timeout: opts.Timeout},
		breaker:      breaker,
		maxAttempts:  uint64(opts.MaxAttempts),
		retryBase:    opts.RetryBase,
		retryBudget:  opts.RetryBudget,
		logger:       opts.Logger.With("component", "tracker"),
	}
}

// UpsertProjectMirror pushes the project's stage, progress, and sync
// status to the tracker.
func (c *Client) UpsertProjectMirror(ctx context.Context, externalID string, mirror types.ProjectMirror, idemKey string) error {
	path := fmt.Sprintf("/api/v1/projects/%s/pipeline", url.PathEscape(externalID))
	return c.do(ctx, http.MethodPut, path, mirror, nil, idemKey)
}

// UpsertTaskMirror pushes one task's state to the tracker.
func (c *Client) UpsertTaskMirror(ctx context.Context, externalID string, mirror types.TaskMirror, idemKey string) error {
	path := fmt.Sprintf("/api/v1/projects/%s/tasks/%s", url.PathEscape(externalID), url.PathEscape(string(mirror.Stage)))
	return c.do(ctx, http.MethodPut, path, mirror, nil, idemKey)
}

// CreateRemoteApproval opens an approval gate on the tracker and
// returns the remote record's ID. ErrConflict means an approval of this
// type already exists; use FindApproval to pair with it.
func (c *Client) CreateRemoteApproval(ctx context.Context, externalID string, req ApprovalRequest, idemKey string) (string, error) {
	path := fmt.Sprintf("/api/v1/projects/%s/approvals", url.PathEscape(externalID))
	var resp RemoteApproval
	if err := c.do(ctx, http.MethodPost, path, req, &resp, idemKey); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", fmt.Errorf("%w: approval response missing id", ErrPermanent)
	}
	return resp.ID, nil
}

// FindApproval looks up the tracker's approval of one type for a
// project. Used to recover a pairing when the create response was lost.
func (c *Client) FindApproval(ctx context.Context, externalID, approvalType string) (*RemoteApproval, error) {
	path := fmt.Sprintf("/api/v1/projects/%s/approvals?type=%s", url.PathEscape(externalID), url.QueryEscape(approvalType))
	var resp struct {
		Approvals []RemoteApproval `json:"approvals"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp, ""); err != nil {
		return nil, err
	}
	if len(resp.Approvals) == 0 {
		return nil, nil
	}
	// Newest record wins when the tracker kept superseded ones.
	return &resp.Approvals[len(resp.Approvals)-1], nil
}

// FetchApproval returns the tracker's current view of one approval.
func (c *Client) FetchApproval(ctx context.Context, remoteID string) (*RemoteApproval, error) {
	path := fmt.Sprintf("/api/v1/approvals/%s", url.PathEscape(remoteID))
	var resp RemoteApproval
	if err := c.do(ctx, http.MethodGet, path, nil, &resp, ""); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SubmitRemoteDecision pushes a locally-made approval decision to the
// tracker.
func (c *Client) SubmitRemoteDecision(ctx context.Context, remoteID string, decision types.Decision, feedback, idemKey string) error {
	path := fmt.Sprintf("/api/v1/approvals/%s/decision", url.PathEscape(remoteID))
	body := map[string]string{
		"decision": string(decision),
		"feedback": feedback,
	}
	return c.do(ctx, http.MethodPost, path, body, nil, idemKey)
}

// CreateActivityUpdate posts a human-readable progress note to the
// project's tracker activity feed.
func (c *Client) CreateActivityUpdate(ctx context.Context, externalID, message, idemKey string) error {
	path := fmt.Sprintf("/api/v1/projects/%s/activity", url.PathEscape(externalID))
	body := map[string]string{"message": message}
	return c.do(ctx, http.MethodPost, path, body, nil, idemKey)
}

// do executes one API call with retries and circuit breaking. Requests
// that fail with 4xx are permanent and never retried; 429 and 5xx are
// retried with exponential backoff until the attempt count or the
// wall-clock retry budget runs out, whichever comes first.
func (c *Client) do(ctx context.Context, method, path string, body, out any, idemKey string) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
	}

	backoff := retry.WithMaxDuration(c.retryBudget,
		retry.WithMaxRetries(c.maxAttempts-1, retry.NewExponential(c.retryBase)))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		_, err := c.breaker.Execute(func() (any, error) {
			return nil, c.once(ctx, method, path, payload, out, idemKey)
		})
		if err == nil {
			return nil
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fmt.Errorf("%w: circuit open", ErrUnavailable)
		}
		if errors.Is(err, ErrPermanent) || errors.Is(err, ErrConflict) {
			return err
		}
		c.logger.Debug("tracker request failed, retrying",
			"method", method, "path", path, "error", err)
		return retry.RetryableError(err)
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrPermanent) || errors.Is(err, ErrConflict) || errors.Is(err, ErrUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func (c *Client) once(ctx context.Context, method, path string, payload []byte, out any, idemKey string) error {
	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPermanent, err)
	}

	req.Header.Set("apikey", c.apiKey)
	req.Header.Set("Authorization", "Bearer "+c.serviceToken)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idemKey != "" {
		req.Header.Set("X-Idempotency-Key", idemKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return fmt.Errorf("%w: decode response: %v", ErrPermanent, err)
			}
		}
		return nil
	case resp.StatusCode == http.StatusConflict:
		return ErrConflict
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("tracker returned %d", resp.StatusCode)
	default:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: status %d: %s", ErrPermanent, resp.StatusCode, snippet)
	}
}
