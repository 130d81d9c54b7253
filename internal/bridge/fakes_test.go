package bridge_test

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nixpig/jobbridge/internal/bridge/event"
	"github.com/nixpig/jobbridge/internal/jobstore"
	"github.com/nixpig/jobbridge/internal/supervisor"
)

var errSinkGone = errors.New("subscriber gone")

// countingStore is a MemoryStore that counts calls and can be made to fail.
type countingStore struct {
	*jobstore.MemoryStore

	gets    atomic.Int32
	deletes atomic.Int32

	getErr    error
	deleteErr error
}

func newCountingStore() *countingStore {
	return &countingStore{MemoryStore: jobstore.NewMemoryStore(time.Minute)}
}

func (s *countingStore) Get(
	ctx context.Context,
	id string,
) (jobstore.JobPayload, error) {
	s.gets.Add(1)

	if s.getErr != nil {
		return jobstore.JobPayload{}, s.getErr
	}

	return s.MemoryStore.Get(ctx, id)
}

func (s *countingStore) Delete(ctx context.Context, id string) error {
	s.deletes.Add(1)

	if s.deleteErr != nil {
		return s.deleteErr
	}

	return s.MemoryStore.Delete(ctx, id)
}

// worker writes a fake worker's stdout. It must return once done is closed
// or a write fails.
type worker func(w io.Writer, done <-chan struct{})

// writeChunks writes each chunk in turn and then closes stdout.
func writeChunks(chunks ...string) worker {
	return func(w io.Writer, _ <-chan struct{}) {
		for _, c := range chunks {
			if _, err := io.WriteString(w, c); err != nil {
				return
			}
		}
	}
}

// writeAndHang writes chunks then keeps stdout open until killed.
func writeAndHang(chunks ...string) worker {
	return func(w io.Writer, done <-chan struct{}) {
		writeChunks(chunks...)(w, done)
		<-done
	}
}

type fakeProcess struct {
	r *io.PipeReader
	w *io.PipeWriter

	done     chan struct{}
	exitOnce sync.Once
	exitCode atomic.Int32
	kills    atomic.Int32
	workerWg sync.WaitGroup
}

func newFakeProcess(run worker) *fakeProcess {
	r, w := io.Pipe()

	p := &fakeProcess{r: r, w: w, done: make(chan struct{})}
	p.exitCode.Store(-1)

	p.workerWg.Add(1)
	go func() {
		defer p.workerWg.Done()

		run(w, p.done)
		w.Close()
	}()

	return p
}

func (p *fakeProcess) Output() io.ReadCloser { return p.r }

func (p *fakeProcess) Kill() error {
	p.kills.Add(1)
	p.exit(-1)

	return nil
}

func (p *fakeProcess) Done() <-chan struct{} { return p.done }

func (p *fakeProcess) ExitCode() int { return int(p.exitCode.Load()) }

func (p *fakeProcess) exit(code int) {
	p.exitOnce.Do(func() {
		p.exitCode.Store(int32(code))
		p.w.Close()
		close(p.done)
	})
}

type fakeSupervisor struct {
	run      worker
	spawnErr error

	mu      sync.Mutex
	procs   []*fakeProcess
	payload jobstore.JobPayload
}

func (s *fakeSupervisor) Spawn(
	ctx context.Context,
	jobID string,
	payload jobstore.JobPayload,
) (supervisor.Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.spawnErr != nil {
		return nil, s.spawnErr
	}

	p := newFakeProcess(s.run)
	s.procs = append(s.procs, p)
	s.payload = payload

	return p, nil
}

func (s *fakeSupervisor) spawns() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.procs)
}

func (s *fakeSupervisor) proc(i int) *fakeProcess {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.procs[i]
}

// wait blocks until every fake worker goroutine has returned.
func (s *fakeSupervisor) wait() {
	s.mu.Lock()
	procs := append([]*fakeProcess(nil), s.procs...)
	s.mu.Unlock()

	for _, p := range procs {
		p.workerWg.Wait()
	}
}

type recordingSink struct {
	openErr error

	// failAt makes the n-th Send (1-based) and every later one fail.
	failAt int

	onSend  func(n int, ev event.Event)
	onClose func()

	mu     sync.Mutex
	events []event.Event
	sends  int
	opens  int
	closes int
}

func (s *recordingSink) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.opens++

	return s.openErr
}

func (s *recordingSink) Send(ev event.Event) error {
	s.mu.Lock()
	s.sends++
	n := s.sends

	if s.failAt > 0 && n >= s.failAt {
		s.mu.Unlock()
		return errSinkGone
	}

	s.events = append(s.events, ev)
	s.mu.Unlock()

	if s.onSend != nil {
		s.onSend(n, ev)
	}

	return nil
}

func (s *recordingSink) Close() error {
	s.mu.Lock()
	s.closes++
	s.mu.Unlock()

	if s.onClose != nil {
		s.onClose()
	}

	return nil
}

func (s *recordingSink) recorded() []event.Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]event.Event(nil), s.events...)
}

func countDone(events []event.Event) int {
	n := 0

	for _, ev := range events {
		if ev.Type == event.TypeDone {
			n++
		}
	}

	return n
}
