package veil

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestServer returns an httptest server that issues tokens at
// /auth/token and dispatches everything else to handler.
func newTestServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/token", func(w http.ResponseWriter, r *http.Request) {
		var req authRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req.APIKey != "good-key" {
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"error": map[string]string{"code": "UNAUTHORIZED", "message": "invalid credentials"},
			})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{
				"token":      "test-token",
				"expires_at": time.Now().Add(time.Hour).Format(time.RFC3339),
			},
		})
	})
	mux.HandleFunc("/", handler)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	c, err := NewClient(Config{
		BaseURL: baseURL,
		Email:   "analyst@example.org",
		APIKey:  "good-key",
	})
	require.NoError(t, err)
	return c
}

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(Config{Email: "a@b.c", APIKey: "k"})
	assert.Error(t, err)

	_, err = NewClient(Config{BaseURL: "http://localhost", APIKey: "k"})
	assert.Error(t, err)

	_, err = NewClient(Config{BaseURL: "http://localhost", Email: "a@b.c"})
	assert.Error(t, err)
}

func TestCreateJob(t *testing.T) {
	jobID := uuid.New()
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/jobs", r.URL.Path)
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))

		var req CreateJobRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "income study", req.Title)

		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": CreateJobResult{
				Job: Job{ID: jobID, Title: req.Title, DatasetID: req.DatasetID},
				Run: Run{JobID: jobID, RunID: 1, Status: RunStateSubmitted, ComputeSensitivities: true},
			},
		})
	})

	c := newTestClient(t, srv.URL)
	res, err := c.CreateJob(context.Background(), CreateJobRequest{Title: "income study", DatasetID: "cps"})
	require.NoError(t, err)
	assert.Equal(t, jobID, res.Job.ID)
	assert.Equal(t, 1, res.Run.RunID)
	assert.True(t, res.Run.ComputeSensitivities)
}

func TestReleaseDecodesResult(t *testing.T) {
	jobID := uuid.New()
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/jobs/"+jobID.String()+"/runs/2/release", r.URL.Path)

		var body struct {
			AnalysisIDs []int `json:"analysis_ids"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, []int{1, 3}, body.AnalysisIDs)

		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": ReleaseResult{
				Run:  Run{JobID: jobID, RunID: 2, Status: RunStateReleased},
				Cost: 0.7,
				Analyses: []AnalysisCost{
					{AnalysisID: 1, AnalysisName: "mean_income", EpsilonSum: 0.4},
					{AnalysisID: 3, AnalysisName: "poverty_rate", EpsilonSum: 0.3},
				},
			},
		})
	})

	c := newTestClient(t, srv.URL)
	res, err := c.Release(context.Background(), jobID, 2, []int{1, 3})
	require.NoError(t, err)
	assert.Equal(t, RunStateReleased, res.Run.Status)
	assert.InDelta(t, 0.7, res.Cost, 1e-9)
	require.Len(t, res.Analyses, 2)
	assert.Equal(t, "mean_income", res.Analyses[0].AnalysisName)
}

func TestInsufficientBudgetError(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]string{
				"code":    "INSUFFICIENT_BUDGET",
				"message": "insufficient release budget",
			},
		})
	})

	c := newTestClient(t, srv.URL)
	_, err := c.Release(context.Background(), uuid.New(), 1, []int{1})
	require.Error(t, err)
	assert.True(t, IsInsufficientBudget(err))
	assert.False(t, IsNotFound(err))

	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "INSUFFICIENT_BUDGET", apiErr.Code)
	assert.Contains(t, apiErr.Message, "release budget")
}

func TestNotFoundError(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]string{"code": "NOT_FOUND", "message": "job not found"},
		})
	})

	c := newTestClient(t, srv.URL)
	_, err := c.GetJob(context.Background(), uuid.New())
	assert.True(t, IsNotFound(err))
}

func TestAuthFailureSurfaces(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("request should not reach the API with bad credentials")
	})

	c, err := NewClient(Config{BaseURL: srv.URL, Email: "analyst@example.org", APIKey: "bad-key"})
	require.NoError(t, err)

	_, err = c.ListJobs(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "auth failed")
}

func TestTokenReuse(t *testing.T) {
	var authCalls int
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/token", func(w http.ResponseWriter, r *http.Request) {
		authCalls++
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{
				"token":      "test-token",
				"expires_at": time.Now().Add(time.Hour).Format(time.RFC3339),
			},
		})
	})
	mux.HandleFunc("GET /v1/jobs", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"data": []Job{}})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	c, err := NewClient(Config{BaseURL: srv.URL, Email: "analyst@example.org", APIKey: "k"})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := c.ListJobs(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, 1, authCalls)
}

func TestSanitizedResultsStreamsRawCSV(t *testing.T) {
	const csvBody = "statistic_id,analysis_id,analysis_name,statistic,value,epsilon\n0,1,mean_income,mean,51234.2,0.1\n"
	jobID := uuid.New()

	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/jobs/"+jobID.String()+"/runs/1/results", r.URL.Path)
		w.Header().Set("Content-Type", "text/csv")
		_, _ = io.WriteString(w, csvBody)
	})

	c := newTestClient(t, srv.URL)
	rc, err := c.SanitizedResults(context.Background(), jobID, 1)
	require.NoError(t, err)
	defer rc.Close()

	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, csvBody, string(got))
}

func TestUploadScript(t *testing.T) {
	jobID := uuid.New()
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/jobs/"+jobID.String()+"/script", r.URL.Path)
		assert.Equal(t, "analysis.R", r.Header.Get("X-Filename"))

		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		assert.Equal(t, "library(dplyr)\n", string(body))

		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]string{"script_ref": "submissions/" + jobID.String() + "/script/analysis.R"},
		})
	})

	c := newTestClient(t, srv.URL)
	ref, err := c.UploadScript(context.Background(), jobID, "analysis.R", strings.NewReader("library(dplyr)\n"))
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(ref, "/script/analysis.R"))
}
