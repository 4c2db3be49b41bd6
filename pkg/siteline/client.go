package siteline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Config configures a Client.
type Config struct {
	// BaseURL is the service root, e.g. "http://localhost:8080".
	BaseURL string
	// HTTPClient overrides the default client. Optional.
	HTTPClient *http.Client
	// Timeout applies when HTTPClient is not set.
	Timeout time.Duration
}

// Client talks to the Siteline operator API.
type Client struct {
	baseURL string
	http    *http.Client
}

// APIError is a failure envelope returned by the service.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("siteline: %s (status %d)", e.Message, e.Status)
}

// New creates a new Client.
func New(config Config) (*Client, error) {
	if config.BaseURL == "" {
		return nil, errors.New("BaseURL is required")
	}
	httpClient := config.HTTPClient
	if httpClient == nil {
		timeout := config.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		http:    httpClient,
	}, nil
}

// Health reports service health.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var out Health
	if err := c.do(ctx, http.MethodGet, "/api/v1/health", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListProjects returns all known projects, newest first.
func (c *Client) ListProjects(ctx context.Context) ([]Project, error) {
	var out []Project
	if err := c.do(ctx, http.MethodGet, "/api/v1/projects", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetProject returns one project with its per-stage tasks.
func (c *Client) GetProject(ctx context.Context, externalID string) (*ProjectDetail, error) {
	var out ProjectDetail
	path := "/api/v1/projects/" + url.PathEscape(externalID)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListApprovals returns a project's approvals in pipeline order.
func (c *Client) ListApprovals(ctx context.Context, externalID string) ([]Approval, error) {
	var out []Approval
	path := "/api/v1/projects/" + url.PathEscape(externalID) + "/approvals"
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// StageDeliverables returns the artifacts a stage produced.
func (c *Client) StageDeliverables(ctx context.Context, externalID, stage string) ([]Deliverable, error) {
	var out []Deliverable
	path := "/api/v1/projects/" + url.PathEscape(externalID) + "/stages/" + url.PathEscape(stage) + "/deliverables"
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SubmitDecision records an administrative decision on an approval.
func (c *Client) SubmitDecision(ctx context.Context, approvalID, decision, feedback string) (*Approval, error) {
	body := map[string]string{"decision": decision}
	if feedback != "" {
		body["feedback"] = feedback
	}
	var out Approval
	path := "/api/v1/approvals/" + url.PathEscape(approvalID) + "/decision"
	if err := c.do(ctx, http.MethodPost, path, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// TriggerSync queues a full mirror reconcile for a project.
func (c *Client) TriggerSync(ctx context.Context, externalID string) error {
	path := "/api/v1/projects/" + url.PathEscape(externalID) + "/sync"
	return c.do(ctx, http.MethodPost, path, nil, nil)
}

type responseEnvelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var env responseEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("siteline: decode response: %w", err)
	}
	if resp.StatusCode >= 400 || !env.Success {
		msg := env.Error
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return &APIError{Status: resp.StatusCode, Message: msg}
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	return json.Unmarshal(env.Data, out)
}
