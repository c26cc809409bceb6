package veil

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the Veil server (e.g. "http://localhost:8080").
	BaseURL string

	// Email identifies the account to authenticate as.
	Email string

	// APIKey is the secret used to obtain a JWT token.
	APIKey string

	// HTTPClient is an optional custom HTTP client. If nil, a default client
	// with a 30-second timeout is used.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 30 seconds.
	Timeout time.Duration
}

// Client is an HTTP client for the Veil privacy-budget API.
// All methods are safe for concurrent use.
type Client struct {
	baseURL  string
	client   *http.Client
	tokenMgr *tokenManager
}

// NewClient creates a Client from the given configuration.
// Returns an error if BaseURL, Email, or APIKey is empty.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("veil: BaseURL is required")
	}
	if cfg.Email == "" {
		return nil, fmt.Errorf("veil: Email is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("veil: APIKey is required")
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL:  baseURL,
		client:   httpClient,
		tokenMgr: newTokenManager(baseURL, cfg.Email, cfg.APIKey, httpClient),
	}, nil
}

// ---------------------------------------------------------------------------
// Users and budgets
// ---------------------------------------------------------------------------

// CreateUser provisions a new account with fresh budgets. Requires admin role.
func (c *Client) CreateUser(ctx context.Context, req CreateUserRequest) (*User, error) {
	var resp User
	if err := c.post(ctx, "/v1/users", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetUser retrieves an account by ID. Requires admin role.
func (c *Client) GetUser(ctx context.Context, userID uuid.UUID) (*User, error) {
	var resp User
	if err := c.get(ctx, "/v1/users/"+userID.String(), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// OwnBudget returns the authenticated caller's remaining budgets.
func (c *Client) OwnBudget(ctx context.Context) (*Budget, error) {
	var resp Budget
	if err := c.get(ctx, "/v1/budgets", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetBudget returns another user's budgets. Requires a role allowed to
// inspect budgets (admin or datasteward).
func (c *Client) GetBudget(ctx context.Context, userID uuid.UUID) (*Budget, error) {
	var resp Budget
	if err := c.get(ctx, "/v1/budgets/"+userID.String(), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SetBudget overrides one or both of a user's balances. Requires the
// datasteward or admin role.
func (c *Client) SetBudget(ctx context.Context, userID uuid.UUID, patch BudgetPatch) (*Budget, error) {
	var resp Budget
	if err := c.patch(ctx, "/v1/budgets/"+userID.String(), patch, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ---------------------------------------------------------------------------
// Jobs
// ---------------------------------------------------------------------------

// CreateJob submits a new job. The server creates run 1, charges the flat
// entry cost against the review budget, and triggers the compute engine.
func (c *Client) CreateJob(ctx context.Context, req CreateJobRequest) (*CreateJobResult, error) {
	var resp CreateJobResult
	if err := c.post(ctx, "/v1/jobs", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListJobs returns the caller's jobs. Privileged roles see all jobs.
func (c *Client) ListJobs(ctx context.Context) ([]Job, error) {
	var resp []Job
	if err := c.get(ctx, "/v1/jobs", &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// GetJob retrieves a single job by ID.
func (c *Client) GetJob(ctx context.Context, jobID uuid.UUID) (*Job, error) {
	var resp Job
	if err := c.get(ctx, "/v1/jobs/"+jobID.String(), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DeleteJob removes a job and its runs. Budget already spent on the job is
// not refunded.
func (c *Client) DeleteJob(ctx context.Context, jobID uuid.UUID) error {
	return c.doDelete(ctx, "/v1/jobs/"+jobID.String(), nil)
}

// UploadScript stores an analysis script for the job and returns its
// object-store reference.
func (c *Client) UploadScript(ctx context.Context, jobID uuid.UUID, filename string, body io.Reader) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/jobs/"+jobID.String()+"/script", body)
	if err != nil {
		return "", fmt.Errorf("veil: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("X-Filename", filename)

	var resp struct {
		ScriptRef string `json:"script_ref"`
	}
	if err := c.doRequest(ctx, req, &resp); err != nil {
		return "", err
	}
	return resp.ScriptRef, nil
}

// ---------------------------------------------------------------------------
// Runs
// ---------------------------------------------------------------------------

func runPath(jobID uuid.UUID, runID int) string {
	return "/v1/jobs/" + jobID.String() + "/runs/" + strconv.Itoa(runID)
}

// ListRuns returns all runs of a job, oldest first.
func (c *Client) ListRuns(ctx context.Context, jobID uuid.UUID) ([]Run, error) {
	var resp []Run
	if err := c.get(ctx, "/v1/jobs/"+jobID.String()+"/runs", &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// GetRun retrieves a single run.
func (c *Client) GetRun(ctx context.Context, jobID uuid.UUID, runID int) (*Run, error) {
	var resp Run
	if err := c.get(ctx, runPath(jobID, runID), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Refine starts a new run with adjusted per-statistic epsilons. The summed
// epsilon cost is charged against the review budget once the engine accepts.
func (c *Client) Refine(ctx context.Context, jobID uuid.UUID, runID int, refined []Epsilon) (*Run, error) {
	body := map[string]any{"refined": refined}
	var resp Run
	if err := c.post(ctx, runPath(jobID, runID)+"/refine", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Release discloses the selected analyses from a run's sanitized results,
// charging their total epsilon against the release budget.
func (c *Client) Release(ctx context.Context, jobID uuid.UUID, runID int, analysisIDs []int) (*ReleaseResult, error) {
	body := map[string]any{"analysis_ids": analysisIDs}
	var resp ReleaseResult
	if err := c.post(ctx, runPath(jobID, runID)+"/release", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Analyses returns the per-analysis epsilon totals of a run's sanitized
// results, for choosing what to release.
func (c *Client) Analyses(ctx context.Context, jobID uuid.UUID, runID int) ([]AnalysisCost, error) {
	var resp []AnalysisCost
	if err := c.get(ctx, runPath(jobID, runID)+"/analyses", &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// SanitizedResults streams the run's sanitized result CSV. The caller must
// close the returned reader.
func (c *Client) SanitizedResults(ctx context.Context, jobID uuid.UUID, runID int) (io.ReadCloser, error) {
	return c.getRaw(ctx, runPath(jobID, runID)+"/results")
}

// ReleasedResults streams the run's released artifact CSV. The caller must
// close the returned reader.
func (c *Client) ReleasedResults(ctx context.Context, jobID uuid.UUID, runID int) (io.ReadCloser, error) {
	return c.getRaw(ctx, runPath(jobID, runID)+"/released")
}

// PresignReleased returns a time-limited unauthenticated download URL for
// the run's released artifact.
func (c *Client) PresignReleased(ctx context.Context, jobID uuid.UUID, runID int) (*PresignedURL, error) {
	var resp PresignedURL
	if err := c.get(ctx, runPath(jobID, runID)+"/released?presign=1", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Health checks the server's health status. This endpoint does not require
// authentication and will work even if the client has invalid credentials.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.getNoAuth(ctx, "/health", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ---------------------------------------------------------------------------
// HTTP transport
// ---------------------------------------------------------------------------

// apiEnvelope is the server's standard response wrapper.
type apiEnvelope struct {
	Data json.RawMessage `json:"data"`
}

// apiErrorEnvelope is the server's standard error response wrapper.
type apiErrorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) post(ctx context.Context, path string, body any, dest any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("veil: marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("veil: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.doRequest(ctx, req, dest)
}

func (c *Client) get(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("veil: create request: %w", err)
	}

	return c.doRequest(ctx, req, dest)
}

func (c *Client) doDelete(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("veil: create request: %w", err)
	}

	return c.doRequest(ctx, req, dest)
}

func (c *Client) patch(ctx context.Context, path string, body any, dest any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("veil: marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("veil: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.doRequest(ctx, req, dest)
}

func (c *Client) getNoAuth(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("veil: create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("veil: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest)
}

// getRaw performs an authenticated GET and returns the raw body without
// envelope decoding. Used for CSV downloads.
func (c *Client) getRaw(ctx context.Context, path string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("veil: create request: %w", err)
	}

	token, err := c.tokenMgr.getToken(ctx)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("veil: %s %s: %w", req.Method, req.URL.Path, err)
	}

	if resp.StatusCode >= 400 {
		bodyBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return nil, fmt.Errorf("veil: read response body: %w", readErr)
		}
		return nil, parseErrorResponse(resp.StatusCode, bodyBytes)
	}
	return resp.Body, nil
}

func (c *Client) doRequest(ctx context.Context, req *http.Request, dest any) error {
	token, err := c.tokenMgr.getToken(ctx)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("veil: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest)
}

func handleResponse(resp *http.Response, dest any) error {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("veil: read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return parseErrorResponse(resp.StatusCode, bodyBytes)
	}

	// 204 No Content carries nothing to decode.
	if resp.StatusCode == http.StatusNoContent || dest == nil {
		return nil
	}

	// Unwrap the server's { "data": ... } envelope.
	var envelope apiEnvelope
	if err := json.Unmarshal(bodyBytes, &envelope); err != nil {
		return fmt.Errorf("veil: decode response envelope: %w", err)
	}

	if envelope.Data == nil {
		// Fallback: some endpoints may not wrap in "data".
		return json.Unmarshal(bodyBytes, dest)
	}

	return json.Unmarshal(envelope.Data, dest)
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}

	var envelope apiErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	} else {
		apiErr.Code = http.StatusText(statusCode)
		apiErr.Message = string(body)
	}

	return apiErr
}
