package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"testing"
	"time"

	api "github.com/nixpig/jobbridge/api/v1"
	"github.com/nixpig/jobbridge/internal/bridge/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func startTestApp(t *testing.T, script string) (*app, context.CancelFunc, <-chan error) {
	t.Helper()

	cfg := defaultConfig()
	cfg.GRPCAddr = "127.0.0.1:0"
	cfg.HTTPAddr = "127.0.0.1:0"
	cfg.Worker = workerConfig{Program: "/bin/sh", Args: []string{"-c", script}}
	cfg.ShutdownTimeout = 5 * time.Second
	require.NoError(t, cfg.validate())

	ctx, cancel := context.WithCancel(context.Background())

	a, err := newApp(ctx, &cfg, slog.New(slog.DiscardHandler))
	if err != nil {
		cancel()
		t.Fatalf("expected not to receive error: got '%v'", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- a.run()
		close(done)
	}()

	t.Cleanup(func() {
		cancel()

		select {
		case <-done:
		case <-time.After(10 * time.Second):
			t.Errorf("timed out waiting for app to stop")
		}
	})

	return a, cancel, done
}

func TestAppSubmitOverHTTPStreamOverGRPC(t *testing.T) {
	t.Parallel()

	a, _, _ := startTestApp(t, testWorker)

	resp, err := http.Post(
		"http://"+a.httpAddr()+"/api/jobs",
		"application/json",
		strings.NewReader(`{"text":"both ways"}`),
	)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var out struct {
		JobID string `json:"jobId"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))

	conn, err := grpc.NewClient(
		a.grpcAddr(),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	defer conn.Close()

	stream, err := api.NewBridgeServiceClient(conn).StreamJob(
		context.Background(),
		&api.StreamJobRequest{JobID: out.JobID},
	)
	require.NoError(t, err)

	events, err := collect(t, stream)
	require.NoError(t, err)

	assert.Equal(t, []event.Event{
		event.Token("hello", "logical"),
		event.Token("both ways", ""),
		event.Done(),
	}, events)
}

func TestAppShutdownEndsStreams(t *testing.T) {
	t.Parallel()

	a, cancel, done := startTestApp(t, hangingWorker)

	resp, err := http.Post(
		"http://"+a.httpAddr()+"/api/jobs",
		"application/json",
		strings.NewReader(`{"text":"hang"}`),
	)
	require.NoError(t, err)

	var out struct {
		JobID string `json:"jobId"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	resp.Body.Close()

	streamResp, err := http.Get("http://" + a.httpAddr() + "/api/jobs/" + out.JobID + "/stream")
	require.NoError(t, err)
	defer streamResp.Body.Close()

	require.Eventually(t, func() bool {
		return a.controller.Active() == 1
	}, 5*time.Second, 20*time.Millisecond)

	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatalf("timed out waiting for shutdown")
	}

	events := readSSE(t, streamResp.Body)
	require.NotEmpty(t, events)
	assert.Equal(t, event.Done(), events[len(events)-1])

	assert.Equal(t, int64(0), a.controller.Active())

	_, err = a.store.Get(context.Background(), out.JobID)
	assert.Error(t, err)
}

func TestNewAppListenFailure(t *testing.T) {
	t.Parallel()

	cfg := defaultConfig()
	cfg.Worker.Program = "/bin/sh"
	cfg.GRPCAddr = "127.0.0.1:0"
	cfg.HTTPAddr = "256.0.0.1:0"

	_, err := newApp(context.Background(), &cfg, slog.New(slog.DiscardHandler))
	assert.Error(t, err)
}
