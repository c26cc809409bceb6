package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veildata/veil/internal/model"
)

func TestClientTrigger(t *testing.T) {
	var got TriggerRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/trigger" {
			t.Errorf("unexpected path: %s", r.URL.Path)
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method: %s", r.Method)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	c := NewClient(server.URL, 5*time.Second)
	jobID := uuid.New()
	err := c.Trigger(context.Background(), TriggerRequest{
		JobID:     jobID,
		RunID:     2,
		UserEmail: "analyst@example.org",
		DatasetID: "cps",
		ScriptRef: "submissions/x/script/model.R",
		Epsilons:  []model.Epsilon{{StatisticID: 0, Epsilon: 0.25}},
	})
	require.NoError(t, err)

	assert.Equal(t, jobID, got.JobID)
	assert.Equal(t, 2, got.RunID)
	assert.False(t, got.ComputeSensitivities)
	// Privacy parameters are filled in when the caller leaves them zero.
	assert.Equal(t, DefaultPartitions, got.Partitions)
	assert.Equal(t, DefaultSampleFrac, got.SampleFrac)
}

func TestClientTriggerRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "unknown dataset", http.StatusUnprocessableEntity)
	}))
	defer server.Close()

	c := NewClient(server.URL, 5*time.Second)
	err := c.Trigger(context.Background(), TriggerRequest{JobID: uuid.New(), RunID: 1})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTriggerRejected)
	assert.Contains(t, err.Error(), "unknown dataset")
}

func TestClientTriggerServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	c := NewClient(server.URL, 5*time.Second)
	err := c.Trigger(context.Background(), TriggerRequest{JobID: uuid.New(), RunID: 1})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrTriggerRejected)
}

func TestClientTriggerEngineDown(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", time.Second)
	err := c.Trigger(context.Background(), TriggerRequest{JobID: uuid.New(), RunID: 1})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrTriggerRejected)
}
