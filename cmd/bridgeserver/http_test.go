package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nixpig/jobbridge/internal/bridge/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestHTTPServer(t *testing.T, script string) (*httptest.Server, testDeps) {
	t.Helper()

	deps := newTestDeps(t, script)

	h := newHTTPServer(
		context.Background(),
		deps.submitter,
		deps.controller,
		slog.New(slog.DiscardHandler),
		[]string{"http://localhost:5173"},
	)

	srv := httptest.NewServer(h.server.Handler)
	t.Cleanup(srv.Close)

	return srv, deps
}

func submitHTTP(t *testing.T, srv *httptest.Server, body string) (int, map[string]string) {
	t.Helper()

	resp, err := http.Post(srv.URL+"/api/jobs", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))

	return resp.StatusCode, out
}

func TestHTTPSubmitAndStream(t *testing.T) {
	t.Parallel()

	srv, deps := newTestHTTPServer(t, testWorker)

	code, out := submitHTTP(t, srv, `{"text":"echoed","mode":"deep","loopDepth":3}`)
	require.Equal(t, http.StatusCreated, code)

	jobID := out["jobId"]
	require.NotEmpty(t, jobID)

	payload, err := deps.store.Get(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, 3, payload.LoopDepth)

	resp, err := http.Get(srv.URL + "/api/jobs/" + jobID + "/stream")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream"))

	events := readSSE(t, resp.Body)

	want := []event.Event{
		event.Token("hello", "logical"),
		event.Token("echoed", ""),
		event.Done(),
	}
	assert.Equal(t, want, events)

	assert.Equal(t, 0, deps.store.Len(), "job should be consumed")

	resp, err = http.Get(srv.URL + "/api/jobs/" + jobID + "/stream")
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHTTPSubmitValidation(t *testing.T) {
	t.Parallel()

	srv, deps := newTestHTTPServer(t, testWorker)

	scenarios := map[string]string{
		"Test missing text": `{"mode":"deep"}`,
		"Test unknown mode": `{"text":"hi","mode":"loud"}`,
		"Test invalid JSON": `{"text":`,
		"Test wrong type":   `{"text":"hi","loopDepth":"deep"}`,
		"Test blank text":   `{"text":"   "}`,
	}

	for scenario, body := range scenarios {
		t.Run(scenario, func(t *testing.T) {
			t.Parallel()

			code, out := submitHTTP(t, srv, body)

			assert.Equal(t, http.StatusBadRequest, code)
			assert.NotEmpty(t, out["error"])
		})
	}

	t.Cleanup(func() {
		assert.Equal(t, 0, deps.store.Len())
	})
}

func TestHTTPStreamNotFound(t *testing.T) {
	t.Parallel()

	srv, _ := newTestHTTPServer(t, testWorker)

	resp, err := http.Get(srv.URL + "/api/jobs/does-not-exist/stream")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "application/json")
}

func TestHTTPStreamClientDisconnect(t *testing.T) {
	t.Parallel()

	srv, deps := newTestHTTPServer(t, hangingWorker)

	code, out := submitHTTP(t, srv, `{"text":"hi"}`)
	require.Equal(t, http.StatusCreated, code)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodGet,
		srv.URL+"/api/jobs/"+out["jobId"]+"/stream",
		nil,
	)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	buf := make([]byte, 1)
	_, err = resp.Body.Read(buf)
	require.NoError(t, err)

	cancel()

	assert.Eventually(t, func() bool {
		return deps.controller.Active() == 0 && deps.store.Len() == 0
	}, 5*time.Second, 20*time.Millisecond)
}

func TestHTTPHealth(t *testing.T) {
	t.Parallel()

	srv, _ := newTestHTTPServer(t, testWorker)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))

	assert.Equal(t, "ok", out["status"])
	assert.Equal(t, float64(0), out["activeStreams"])
}

func TestHTTPCORS(t *testing.T) {
	t.Parallel()

	srv, _ := newTestHTTPServer(t, testWorker)

	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/api/jobs", nil)
	require.NoError(t, err)

	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "http://localhost:5173", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestCORSConfig(t *testing.T) {
	t.Parallel()

	all := corsConfig([]string{"*"})
	assert.True(t, all.AllowAllOrigins)
	assert.Empty(t, all.AllowOrigins)

	some := corsConfig([]string{"https://example.com"})
	assert.False(t, some.AllowAllOrigins)
	assert.Equal(t, []string{"https://example.com"}, some.AllowOrigins)
}
