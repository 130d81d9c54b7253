package supervisor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/nixpig/jobbridge/internal/jobstore"
	"github.com/nixpig/jobbridge/internal/supervisor/cgroups"
)

// Supervisor spawns worker processes.
type Supervisor interface {
	Spawn(
		ctx context.Context,
		jobID string,
		payload jobstore.JobPayload,
	) (Process, error)
}

// Process is a running worker.
type Process interface {
	// Output returns the worker's stdout. Reads return io.EOF once the worker
	// has closed its stdout. Closing it releases the read side and unblocks any
	// pending Read.
	Output() io.ReadCloser

	// Kill forcibly terminates the worker. It is safe to call more than once
	// and after the worker has exited.
	Kill() error

	// Done returns a channel that is closed once the worker has exited and
	// been reaped.
	Done() <-chan struct{}

	// ExitCode returns the worker's exit code, or -1 if it has not exited or
	// was killed by a signal.
	ExitCode() int
}

// Config describes how to run the worker.
type Config struct {
	Program string
	Args    []string
	Dir     string
	Env     []string

	// CgroupRoot, when set, places each worker in its own cgroup under it.
	CgroupRoot string
	Limits     *cgroups.ResourceLimits
}

// ExecSupervisor runs the worker with os/exec. The job payload is handed to
// the worker as a single JSON line on stdin.
type ExecSupervisor struct {
	cfg    Config
	logger *slog.Logger
}

// NewExecSupervisor creates an ExecSupervisor or returns an error if the
// Config is unusable.
func NewExecSupervisor(cfg Config, logger *slog.Logger) (*ExecSupervisor, error) {
	if cfg.Program == "" {
		return nil, ErrEmptyProgram
	}

	if cfg.CgroupRoot != "" {
		if err := cgroups.ValidateCgroupRoot(cfg.CgroupRoot); err != nil {
			return nil, err
		}
	}

	return &ExecSupervisor{cfg: cfg, logger: logger}, nil
}

// workerInput is the line the worker reads from stdin.
type workerInput struct {
	JobID string `json:"jobId"`
	jobstore.JobPayload
}

func (s *ExecSupervisor) Spawn(
	ctx context.Context,
	jobID string,
	payload jobstore.JobPayload,
) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	input, err := json.Marshal(workerInput{JobID: jobID, JobPayload: payload})
	if err != nil {
		return nil, fmt.Errorf("marshal worker input: %w", err)
	}

	input = append(input, '\n')

	p, err := newExecProcess(
		jobID,
		s.cfg,
		bytes.NewReader(input),
		s.logger.With("job_id", jobID),
	)
	if err != nil {
		return nil, err
	}

	if err := p.Start(); err != nil {
		return nil, err
	}

	return p, nil
}
