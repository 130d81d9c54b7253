package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/nixpig/jobbridge/internal/bridge/event"
	"github.com/nixpig/jobbridge/internal/bridge/lines"
	"github.com/nixpig/jobbridge/internal/jobstore"
	"github.com/nixpig/jobbridge/internal/supervisor"
)

// Sink is the outward channel to a single subscriber.
type Sink interface {
	// Open is called once the job has been resolved, before any event is sent.
	Open() error

	// Send delivers one event. An error means the subscriber has gone away.
	Send(ev event.Event) error

	// Close is called once, after the final event.
	Close() error
}

// Outcome is how a stream ended.
type Outcome string

const (
	// OutcomeDone means the worker sent its own done frame.
	OutcomeDone Outcome = "done"

	// OutcomeExhausted means the worker's output ended without a done frame.
	OutcomeExhausted Outcome = "exhausted"

	// OutcomeCancelled means the subscriber went away.
	OutcomeCancelled Outcome = "cancelled"

	// OutcomeFailed means the worker could not be started or its output could
	// not be read.
	OutcomeFailed Outcome = "failed"
)

// Result describes a finished stream.
type Result struct {
	Outcome    Outcome
	EventsSent int

	// ExitCode is the worker's exit code, or -1 if it was killed or never ran.
	ExitCode int

	// SynthesizedDone is true when the done event was generated because the
	// worker never sent one.
	SynthesizedDone bool
}

type Option func(*Controller)

// WithTransitionHook registers fn to be called on every stream state change.
func WithTransitionHook(fn func(jobID string, from, to State)) Option {
	return func(c *Controller) {
		c.onTransition = fn
	}
}

// Controller runs job streams. One Controller serves any number of concurrent
// streams; each stream exclusively owns its job record and worker.
type Controller struct {
	store        jobstore.Store
	supervisor   supervisor.Supervisor
	logger       *slog.Logger
	onTransition func(jobID string, from, to State)

	active atomic.Int64
}

func NewController(
	store jobstore.Store,
	sup supervisor.Supervisor,
	logger *slog.Logger,
	opts ...Option,
) *Controller {
	c := &Controller{
		store:      store,
		supervisor: sup,
		logger:     logger,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Active returns the number of streams currently past job resolution.
func (c *Controller) Active() int64 {
	return c.active.Load()
}

// Stream runs the job jobID and relays its events to sink until the worker
// finishes, its output fails, or ctx is cancelled by the subscriber going
// away.
//
// If the job does not exist Stream returns ErrJobNotFound without opening
// sink or spawning a worker. Otherwise the job record is consumed: whatever
// the outcome, the worker is killed and reaped, exactly one done event is
// offered to sink, sink is closed and the record is deleted before Stream
// returns. The returned error is then non-nil only if the deletion failed.
func (c *Controller) Stream(
	ctx context.Context,
	jobID string,
	sink Sink,
) (Result, error) {
	s := &stream{
		c:        c,
		id:       jobID,
		sink:     sink,
		mapper:   event.NewMapper(jobID),
		logger:   c.logger.With("job_id", jobID),
		stop:     make(chan struct{}),
		exitCode: -1,
	}

	return s.run(ctx)
}

type lineResult struct {
	line string
	err  error
}

// stream is the state of one run of Controller.Stream.
type stream struct {
	c      *Controller
	id     string
	sink   Sink
	mapper *event.Mapper
	logger *slog.Logger
	state  atomicState

	proc       supervisor.Process
	stop       chan struct{}
	readerDone chan struct{}

	killOnce   sync.Once
	closeOnce  sync.Once
	deleteOnce sync.Once

	outcome     Outcome
	sent        int
	exitCode    int
	synthesized bool
}

func (s *stream) run(ctx context.Context) (Result, error) {
	s.advance(StateResolvingJob)

	payload, err := s.c.store.Get(ctx, s.id)
	if err != nil {
		s.advance(StateClosed)

		if errors.Is(err, jobstore.ErrJobNotFound) {
			s.logger.DebugContext(ctx, "job not found")
			return Result{}, ErrJobNotFound
		}

		return Result{}, fmt.Errorf("resolve job: %w", err)
	}

	s.c.active.Add(1)
	defer s.c.active.Add(-1)

	if err := s.sink.Open(); err != nil {
		s.logger.WarnContext(ctx, "open subscriber", "err", err)
		s.abort()

		return s.finalize(ctx)
	}

	s.advance(StateStreaming)

	s.logger.InfoContext(ctx, "stream opened", "mode", payload.Mode)

	proc, err := s.c.supervisor.Spawn(ctx, s.id, payload)
	if err != nil {
		if ctx.Err() != nil {
			s.abort()
			return s.finalize(ctx)
		}

		s.logger.ErrorContext(ctx, "spawn worker", "err", err)
		s.fail(fmt.Sprintf("failed to start worker: %v", err))

		return s.finalize(ctx)
	}

	s.proc = proc

	// Disconnection kills the worker straight away, even while Send or a read
	// is still in flight.
	stopKillHook := context.AfterFunc(ctx, s.kill)
	defer stopKillHook()

	s.relay(ctx)

	return s.finalize(ctx)
}

// relay forwards mapped output lines until a terminal condition.
func (s *stream) relay(ctx context.Context) {
	results := make(chan lineResult)
	s.readerDone = make(chan struct{})

	go s.read(s.proc.Output(), results)

	for {
		select {
		case <-ctx.Done():
			s.abort()
			return

		case r, ok := <-results:
			if ctx.Err() != nil {
				s.abort()
				return
			}

			if !ok {
				s.outcome = OutcomeExhausted
				return
			}

			if r.err != nil {
				s.logger.WarnContext(ctx, "read worker output", "err", r.err)
				s.fail(r.err.Error())

				return
			}

			ev, ok := s.mapper.Map(r.line)
			if !ok {
				continue
			}

			if err := s.send(ev); err != nil {
				s.logger.DebugContext(ctx, "send event", "err", err)
				s.abort()

				return
			}

			if s.mapper.SawDone() {
				s.outcome = OutcomeDone
				return
			}
		}
	}
}

func (s *stream) read(output io.Reader, results chan<- lineResult) {
	defer close(s.readerDone)
	defer close(results)

	for line, err := range lines.Scan(output) {
		select {
		case results <- lineResult{line, err}:
		case <-s.stop:
			return
		}
	}
}

func (s *stream) finalize(ctx context.Context) (Result, error) {
	s.advance(StateFinalizing)

	close(s.stop)

	s.kill()

	if s.proc != nil {
		if err := s.proc.Output().Close(); err != nil {
			s.logger.DebugContext(ctx, "close worker output", "err", err)
		}

		<-s.proc.Done()

		s.exitCode = s.proc.ExitCode()

		if s.readerDone != nil {
			<-s.readerDone
		}
	}

	if !s.mapper.SawDone() {
		s.synthesized = true

		if err := s.send(event.Done()); err != nil {
			s.logger.DebugContext(ctx, "send synthesized done", "err", err)
		}
	}

	s.closeOnce.Do(func() {
		if err := s.sink.Close(); err != nil {
			s.logger.DebugContext(ctx, "close subscriber", "err", err)
		}
	})

	// The subscriber's context is usually cancelled by now; deletion must
	// still happen.
	err := s.deleteJob(context.WithoutCancel(ctx))

	s.advance(StateClosed)

	s.logger.InfoContext(
		ctx,
		"stream finalized",
		"outcome", s.outcome,
		"events_sent", s.sent,
		"exit_code", s.exitCode,
		"synthesized_done", s.synthesized,
	)

	return Result{
		Outcome:         s.outcome,
		EventsSent:      s.sent,
		ExitCode:        s.exitCode,
		SynthesizedDone: s.synthesized,
	}, err
}

func (s *stream) send(ev event.Event) error {
	if err := s.sink.Send(ev); err != nil {
		return err
	}

	s.sent++

	return nil
}

func (s *stream) kill() {
	s.killOnce.Do(func() {
		if s.proc == nil {
			return
		}

		if err := s.proc.Kill(); err != nil {
			s.logger.Warn("kill worker", "err", err)
		}
	})
}

func (s *stream) deleteJob(ctx context.Context) error {
	var err error

	s.deleteOnce.Do(func() {
		if err = s.c.store.Delete(ctx, s.id); err != nil {
			s.logger.ErrorContext(ctx, "delete job", "err", err)
			err = fmt.Errorf("delete job: %w", err)
			return
		}

		s.logger.DebugContext(ctx, "job deleted")
	})

	return err
}

func (s *stream) abort() {
	s.advance(StateAborted)
	s.outcome = OutcomeCancelled
}

// fail reports msg to the subscriber as an error event.
func (s *stream) fail(msg string) {
	s.advance(StateErrored)
	s.outcome = OutcomeFailed

	if err := s.send(event.Error(msg)); err != nil {
		s.logger.Debug("send error event", "err", err)
	}
}

func (s *stream) advance(to State) {
	from, err := s.state.advance(to)
	if err != nil {
		s.logger.Error("stream state", "err", err)
		return
	}

	if s.c.onTransition != nil {
		s.c.onTransition(s.id, from, to)
	}
}
