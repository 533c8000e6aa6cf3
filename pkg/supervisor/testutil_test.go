package supervisor

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"beamhost/pkg/clock"
)

// waitFor polls condition until it returns true or timeout elapses.
func waitFor(t *testing.T, condition func() bool, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond) // short poll inside helper is OK
	}
	t.Fatalf("waitFor: condition not met within %v", timeout)
}

var errTerminated = errors.New("signal: terminated")

// fakeProc is a scripted worker: tests write its stdout/stderr and decide
// when it exits.
type fakeProc struct {
	pid  int
	outR *io.PipeReader
	outW *io.PipeWriter
	errR *io.PipeReader
	errW *io.PipeWriter

	once       sync.Once
	exited     chan struct{}
	exitErr    error
	mu         sync.Mutex
	terminated bool
}

func newFakeProc(pid int) *fakeProc {
	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	return &fakeProc{pid: pid, outR: outR, outW: outW, errR: errR, errW: errW, exited: make(chan struct{})}
}

func (p *fakeProc) Pid() int          { return p.pid }
func (p *fakeProc) Stdout() io.Reader { return p.outR }
func (p *fakeProc) Stderr() io.Reader { return p.errR }

func (p *fakeProc) Wait() error {
	<-p.exited
	return p.exitErr
}

func (p *fakeProc) Terminate() error {
	p.mu.Lock()
	p.terminated = true
	p.mu.Unlock()
	p.exit(errTerminated)
	return nil
}

func (p *fakeProc) wasTerminated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terminated
}

// stdout writes one line. It blocks until the supervisor has read it.
func (p *fakeProc) stdout(line string) {
	_, _ = p.outW.Write([]byte(line + "\n"))
}

func (p *fakeProc) stderr(line string) {
	_, _ = p.errW.Write([]byte(line + "\n"))
}

func (p *fakeProc) exit(err error) {
	p.once.Do(func() {
		p.exitErr = err
		_ = p.outW.Close()
		_ = p.errW.Close()
		close(p.exited)
	})
}

type fakeSpawner struct {
	mu    sync.Mutex
	procs []*fakeProc
	specs []LaunchSpec
	fail  error
}

func (s *fakeSpawner) Spawn(spec LaunchSpec) (Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return nil, s.fail
	}
	p := newFakeProc(1000 + len(s.procs))
	s.procs = append(s.procs, p)
	s.specs = append(s.specs, spec)
	return p, nil
}

func (s *fakeSpawner) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.procs)
}

func (s *fakeSpawner) last() *fakeProc {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.procs) == 0 {
		return nil
	}
	return s.procs[len(s.procs)-1]
}

func (s *fakeSpawner) setFail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = err
}

// hookLog counts hook invocations.
type hookLog struct {
	mu      sync.Mutex
	ready   []int
	stopped int
	diag    []string
}

func (h *hookLog) hooks() Hooks {
	return Hooks{
		OnReady: func(port int) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.ready = append(h.ready, port)
		},
		OnStopped: func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.stopped++
		},
		OnDiagnostic: func(line string) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.diag = append(h.diag, line)
		},
	}
}

func (h *hookLog) readyPorts() []int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]int(nil), h.ready...)
}

func (h *hookLog) stoppedCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopped
}

func (h *hookLog) diagnostics() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.diag...)
}

type memRecorder struct {
	mu    sync.Mutex
	types []string
}

func (r *memRecorder) Record(_ context.Context, evType, _, _, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types = append(r.types, evType)
	return nil
}

func (r *memRecorder) has(evType string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.types {
		if t == evType {
			return true
		}
	}
	return false
}

type harness struct {
	sup     *Supervisor
	spawner *fakeSpawner
	clock   *clock.Fake
	hooks   *hookLog
	rec     *memRecorder
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	h := &harness{
		spawner: &fakeSpawner{},
		clock:   clock.NewFake(time.Unix(0, 0)),
		hooks:   &hookLog{},
		rec:     &memRecorder{},
	}
	cfg := Config{
		Name:   "primary",
		Launch: func() (LaunchSpec, error) { return LaunchSpec{Path: "/opt/worker"}, nil },
		Hooks:  h.hooks.hooks(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	h.sup = New(cfg, WithSpawner(h.spawner), WithClock(h.clock), WithRecorder(h.rec))
	t.Cleanup(h.sup.Stop)
	return h
}

func (h *harness) observed() ObservedState {
	return h.sup.State().Observed
}
