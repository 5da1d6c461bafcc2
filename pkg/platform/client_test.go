package platform

import (
	"compress/gzip"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClaim_NoContentReturnsNil(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/runners/claim", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	ec, err := c.Claim(t.Context(), "tok", "default/default")
	require.NoError(t, err)
	assert.Nil(t, ec)
}

func TestClaim_DecodesExecutionContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ClaimRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "default/default", req.RunnerGroup)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"RunID":  "run-1",
			"Prompt": "hello",
		})
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	ec, err := c.Claim(t.Context(), "tok", "default/default")
	require.NoError(t, err)
	require.NotNil(t, ec)
	assert.Equal(t, "run-1", ec.RunID)
	assert.Equal(t, "hello", ec.Prompt)
}

func TestReportCompletion_ReturnsParsedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/webhooks/agent/complete", r.URL.Path)
		var req CompleteRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "run-1", req.RunID)

		_ = json.NewEncoder(w).Encode(CompleteResponse{Success: true, Status: "completed"})
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	resp, err := c.ReportCompletion(t.Context(), "tok", CompleteRequest{RunID: "run-1", ExitCode: 0})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, "completed", resp.Status)
}

func TestDoJSON_ErrorStatusReturnsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("boom"))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	_, err := c.Claim(t.Context(), "tok", "g")
	assert.Error(t, err)
}

func TestUploadOpsMetrics_SendsGzippedJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "gzip", r.Header.Get("Content-Encoding"))

		gr, err := gzip.NewReader(r.Body)
		require.NoError(t, err)
		raw, err := io.ReadAll(gr)
		require.NoError(t, err)

		var metrics []SandboxOpMetric
		require.NoError(t, json.Unmarshal(raw, &metrics))
		require.Len(t, metrics, 1)
		assert.Equal(t, "vm_boot", metrics[0].ActionType)

		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	err := c.UploadOpsMetrics(t.Context(), "tok", []SandboxOpMetric{{ActionType: "vm_boot", DurationMs: 120, Success: true}})
	assert.NoError(t, err)
}
