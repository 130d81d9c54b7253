package supervisor

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync/atomic"

	"github.com/nixpig/jobbridge/internal/supervisor/cgroups"
)

// execProcess is a worker executed using exec.Cmd. Its stdout is exposed as
// the read end of an os.Pipe; stderr is logged.
type execProcess struct {
	id     string
	state  AtomicState
	killed atomic.Bool

	cmd          *exec.Cmd
	cgroup       *cgroups.Cgroup
	processState atomic.Pointer[os.ProcessState]
	pipeReader   *os.File
	pipeWriter   *os.File
	logger       *slog.Logger

	done chan struct{}
}

func newExecProcess(
	id string,
	cfg Config,
	stdin io.Reader,
	logger *slog.Logger,
) (*execProcess, error) {
	if cfg.Program == "" {
		return nil, ErrEmptyProgram
	}

	cmd := exec.Command(cfg.Program, cfg.Args...)
	cmd.Dir = cfg.Dir
	cmd.Stdin = stdin
	cmd.Stderr = &stderrLogger{logger: logger}

	if len(cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), cfg.Env...)
	}

	p := &execProcess{
		id:     id,
		cmd:    cmd,
		logger: logger,
		done:   make(chan struct{}),
	}

	if cfg.CgroupRoot != "" {
		cg, err := cgroups.CreateCgroup(cfg.CgroupRoot, id, cfg.Limits)
		if err != nil {
			return nil, fmt.Errorf("create cgroup: %w", err)
		}

		p.cgroup = cg
	}

	pr, pw, err := os.Pipe()
	if err != nil {
		p.destroyCgroup()
		return nil, fmt.Errorf("failed to create os pipe: %w", err)
	}

	cmd.Stdout = pw

	p.pipeReader = pr
	p.pipeWriter = pw

	setProcAttr(cmd, p.cgroup)

	p.state.Store(StateCreated)

	return p, nil
}

// Start starts the worker. Trying to start a process that is not in
// StateCreated returns an InvalidStateError.
func (p *execProcess) Start() error {
	if !p.state.CompareAndSwap(StateCreated, StateStarting) {
		return NewInvalidStateError(p.state.Load(), StateStarting)
	}

	if err := p.cmd.Start(); err != nil {
		p.state.Store(StateFailed)

		p.pipeWriter.Close()
		p.pipeReader.Close()
		p.destroyCgroup()

		close(p.done)

		return fmt.Errorf("failed to start worker: %w", err)
	}

	// The child holds its own copy of the write end; the stream reaches EOF
	// once the worker closes stdout.
	p.pipeWriter.Close()

	if p.cgroup != nil && p.cgroup.FD() == nil {
		if err := p.cgroup.Join(p.cmd.Process.Pid); err != nil {
			p.logger.Warn("join cgroup", "err", err)
		}
	}

	p.state.Store(StateStarted)

	p.logger.Debug("worker started", "pid", p.cmd.Process.Pid)

	go func() {
		// Non-zero exits are reported through ExitCode.
		_ = p.cmd.Wait()

		p.processState.Store(p.cmd.ProcessState)
		p.state.Store(StateExited)

		p.destroyCgroup()

		p.logger.Debug(
			"worker exited",
			"exit_code", p.cmd.ProcessState.ExitCode(),
			"killed", p.killed.Load(),
		)

		close(p.done)
	}()

	return nil
}

// Kill kills the worker and its process group. Killing a worker that is not
// running is a no-op.
func (p *execProcess) Kill() error {
	if !p.state.CompareAndSwap(StateStarted, StateKilling) {
		return nil
	}

	p.killed.Store(true)

	if p.cgroup != nil {
		if err := p.cgroup.Kill(); err != nil {
			p.logger.Debug("kill cgroup", "err", err)
		}
	}

	if err := killProcess(p.cmd); err != nil &&
		!errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill worker: %w", err)
	}

	return nil
}

func (p *execProcess) Output() io.ReadCloser {
	return p.pipeReader
}

func (p *execProcess) Done() <-chan struct{} {
	return p.done
}

func (p *execProcess) ExitCode() int {
	ps := p.processState.Load()
	if ps == nil {
		return -1
	}

	return ps.ExitCode()
}

func (p *execProcess) State() State {
	return p.state.Load()
}

func (p *execProcess) destroyCgroup() {
	if p.cgroup == nil {
		return
	}

	if err := p.cgroup.Destroy(); err != nil {
		p.logger.Warn("destroy cgroup", "err", err)
	}
}

// stderrLogger logs each line the worker writes to stderr.
type stderrLogger struct {
	logger *slog.Logger
}

func (w *stderrLogger) Write(p []byte) (int, error) {
	for line := range bytes.Lines(p) {
		if line = bytes.TrimSpace(line); len(line) > 0 {
			w.logger.Debug("worker stderr", "line", string(line))
		}
	}

	return len(p), nil
}
