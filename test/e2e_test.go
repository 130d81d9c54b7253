//go:build e2e

package e2e_test

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nixpig/jobbridge/internal/tlsconfig/tlstest"
)

const (
	grpcAddr = "localhost:18443"
	httpAddr = "localhost:18080"
)

const workerScript = `#!/bin/sh
read -r input
echo '{"kind":"token","agent":"actor","token":"Hello, "}'
echo '{"kind":"token","agent":"actor","token":"world!"}'
echo '{"kind":"iteration_complete","iteration":{"iterationIndex":1,"deltaSummary":"checked","verifier":{"passed":true}}}'
echo '{"kind":"done"}'
`

type testEnv struct {
	binDir     string
	certs      tlstest.Files
	serverCmd  *exec.Cmd
	cliPath    string
	serverPath string
}

// NOTE: Relative paths are used to determine the source locations to build
// the CLI and server binaries. Run this test from the test directory.
func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()

	env := &testEnv{
		binDir: t.TempDir(),
		certs:  tlstest.WriteCerts(t, t.TempDir()),
	}

	env.serverPath = filepath.Join(env.binDir, "bridgeserver")
	env.cliPath = filepath.Join(env.binDir, "bridgectl")

	for path, pkg := range map[string]string{
		env.serverPath: "../cmd/bridgeserver",
		env.cliPath:    "../cmd/bridgectl",
	} {
		build := exec.Command("go", "build", "-o", path, pkg)

		if output, err := build.CombinedOutput(); err != nil {
			t.Fatalf("failed to build '%s': '%v' (output: '%s')", pkg, err, output)
		}
	}

	workerPath := filepath.Join(env.binDir, "worker.sh")
	if err := os.WriteFile(workerPath, []byte(workerScript), 0755); err != nil {
		t.Fatalf("failed to write worker: '%v'", err)
	}

	env.serverCmd = exec.Command(
		env.serverPath,
		"--grpc-addr", grpcAddr,
		"--http-addr", httpAddr,
		"--worker", workerPath,
		"--server-cert", env.certs.ServerCert,
		"--server-key", env.certs.ServerKey,
		"--ca-cert", env.certs.CACert,
	)

	if err := env.serverCmd.Start(); err != nil {
		t.Fatalf("failed to exec server command: '%v'", err)
	}

	t.Cleanup(func() {
		if env.serverCmd.Process != nil {
			env.serverCmd.Process.Signal(os.Interrupt)
			env.serverCmd.Wait()
		}
	})

	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Second)
	defer cancel()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.Fatalf("failed to start server")
		case <-ticker.C:
			resp, err := http.Get("http://" + httpAddr + "/healthz")
			if err == nil {
				resp.Body.Close()
				return env
			}
		}
	}
}

func (env *testEnv) runCLI(
	t *testing.T,
	args ...string,
) (string, string, error) {
	t.Helper()

	cliArgs := append(args,
		"--server", grpcAddr,
		"--cert-path", env.certs.ClientCert,
		"--key-path", env.certs.ClientKey,
		"--ca-cert-path", env.certs.CACert,
	)

	cmd := exec.Command(env.cliPath, cliArgs...)

	var stdout strings.Builder
	var stderr strings.Builder

	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	return stdout.String(), stderr.String(), err
}

func TestBasicE2E(t *testing.T) {
	env := setupTestEnv(t)

	t.Run("Test job lifecycle over gRPC", func(t *testing.T) {
		submitStdout, _, err := env.runCLI(t, "submit", "--mode", "deep", "say", "hello")
		if err != nil {
			t.Fatalf("expected submit not to return error: got '%v'", err)
		}

		jobID := strings.TrimSpace(submitStdout)
		if _, err := uuid.Parse(jobID); err != nil {
			t.Errorf("expected submit to return UUID: got '%v'", err)
		}

		streamStdout, _, err := env.runCLI(t, "stream", jobID)
		if err != nil {
			t.Errorf("expected stream not to return error: got '%v'", err)
		}

		want := "[actor] Hello, world!\n[iteration 1] checked (verified: true)\n"
		if streamStdout != want {
			t.Errorf("expected stream text: got '%s', want '%s'", streamStdout, want)
		}

		_, streamStderr, err := env.runCLI(t, "stream", jobID)
		if err == nil {
			t.Error("expected second stream to return error")
		}

		if !strings.Contains(streamStderr, "Error: job not found") {
			t.Errorf("expected error message: got '%s'", streamStderr)
		}
	})

	t.Run("Test job lifecycle over SSE", func(t *testing.T) {
		resp, err := http.Post(
			"http://"+httpAddr+"/api/jobs",
			"application/json",
			strings.NewReader(`{"text":"hello"}`),
		)
		if err != nil {
			t.Fatalf("expected submit not to return error: got '%v'", err)
		}

		var submitted struct {
			JobID string `json:"jobId"`
		}

		err = json.NewDecoder(resp.Body).Decode(&submitted)
		resp.Body.Close()

		if err != nil {
			t.Fatalf("expected submit response: got '%v'", err)
		}

		jobID := submitted.JobID

		stream, err := http.Get("http://" + httpAddr + "/api/jobs/" + jobID + "/stream")
		if err != nil {
			t.Fatalf("expected stream not to return error: got '%v'", err)
		}
		defer stream.Body.Close()

		var data []string

		scanner := bufio.NewScanner(stream.Body)
		for scanner.Scan() {
			if d, ok := strings.CutPrefix(scanner.Text(), "data:"); ok {
				data = append(data, d)
			}
		}

		if len(data) != 4 {
			t.Fatalf("expected four events: got '%d' (%v)", len(data), data)
		}

		if data[3] != `{"type":"done"}` {
			t.Errorf("expected done last: got '%s'", data[3])
		}
	})
}
