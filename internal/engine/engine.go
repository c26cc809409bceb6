// Package engine triggers computation runs on the external
// differentially-private analysis engine.
//
// The engine is a separate deployment that reads the job's script and
// dataset, computes sanitized statistics and writes them to the object
// store. This package only starts that work; results arrive out of band.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/veildata/veil/internal/model"
)

// Engine privacy parameters sent with every trigger. The engine's
// subsample-and-aggregate mechanism partitions the dataset into k blocks and
// draws each block from a sample_frac fraction of the records.
const (
	DefaultPartitions = 10
	DefaultSampleFrac = 0.1
)

// ErrTriggerRejected means the engine refused the trigger (bad script,
// unknown dataset, engine-side validation). The run is failed, nothing is
// charged, and the caller may fix the input and try again.
var ErrTriggerRejected = errors.New("engine: trigger rejected")

// TriggerRequest is the payload sent to the engine to start a run.
type TriggerRequest struct {
	JobID                uuid.UUID       `json:"job_id"`
	RunID                int             `json:"run_id"`
	UserEmail            string          `json:"user_email"`
	DatasetID            string          `json:"dataset_id"`
	ScriptRef            string          `json:"script_ref"`
	ComputeSensitivities bool            `json:"compute_sensitivities"`
	Epsilons             []model.Epsilon `json:"epsilons,omitempty"`
	Partitions           int             `json:"k"`
	SampleFrac           float64         `json:"sample_frac"`
}

// Invoker starts a run on the analysis engine.
type Invoker interface {
	Trigger(ctx context.Context, req TriggerRequest) error
}

// Client is an Invoker backed by the engine's HTTP trigger endpoint.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a Client for the engine at baseURL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Trigger submits the run to the engine. A 2xx response means the engine
// accepted the run; 4xx means it rejected the input (ErrTriggerRejected);
// anything else is a transport or engine failure.
func (c *Client) Trigger(ctx context.Context, treq TriggerRequest) error {
	if treq.Partitions == 0 {
		treq.Partitions = DefaultPartitions
	}
	if treq.SampleFrac == 0 {
		treq.SampleFrac = DefaultSampleFrac
	}

	body, err := json.Marshal(treq)
	if err != nil {
		return fmt.Errorf("engine: marshal trigger: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/trigger", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("engine: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("engine: send trigger: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%w: status %d: %s", ErrTriggerRejected, resp.StatusCode, string(detail))
	default:
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("engine: status %d: %s", resp.StatusCode, string(detail))
	}
}
