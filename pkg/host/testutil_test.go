package host

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"beamhost/internal/config"
	"beamhost/pkg/clock"
	"beamhost/pkg/protocol"
	"beamhost/pkg/supervisor"
	"beamhost/pkg/surface"

	"github.com/stretchr/testify/require"
)

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

type fakeProc struct {
	pid     int
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	stderrR *io.PipeReader
	stderrW *io.PipeWriter
	exited  chan struct{}

	mu         sync.Mutex
	once       sync.Once
	terminated bool
}

func newFakeProc(pid int) *fakeProc {
	p := &fakeProc{pid: pid, exited: make(chan struct{})}
	p.stdoutR, p.stdoutW = io.Pipe()
	p.stderrR, p.stderrW = io.Pipe()
	return p
}

func (p *fakeProc) Pid() int          { return p.pid }
func (p *fakeProc) Stdout() io.Reader { return p.stdoutR }
func (p *fakeProc) Stderr() io.Reader { return p.stderrR }

func (p *fakeProc) Wait() error {
	<-p.exited
	return nil
}

func (p *fakeProc) Terminate() error {
	p.mu.Lock()
	p.terminated = true
	p.mu.Unlock()
	p.exit()
	return nil
}

func (p *fakeProc) exit() {
	p.once.Do(func() {
		_ = p.stdoutW.Close()
		_ = p.stderrW.Close()
		close(p.exited)
	})
}

func (p *fakeProc) ready(port int) {
	_, _ = fmt.Fprintf(p.stdoutW, "{\"type\":\"ready\",\"port\":%d}\n", port)
}

func (p *fakeProc) stderr(line string) {
	_, _ = fmt.Fprintln(p.stderrW, line)
}

func (p *fakeProc) wasTerminated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terminated
}

type fakeSpawner struct {
	mu    sync.Mutex
	next  int
	procs []*fakeProc
	specs []supervisor.LaunchSpec
}

func (s *fakeSpawner) Spawn(spec supervisor.LaunchSpec) (supervisor.Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := newFakeProc(1000 + s.next)
	s.next++
	s.procs = append(s.procs, p)
	s.specs = append(s.specs, spec)
	return p, nil
}

func (s *fakeSpawner) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.procs)
}

func (s *fakeSpawner) proc(i int) *fakeProc {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.procs[i]
}

func (s *fakeSpawner) spec(i int) supervisor.LaunchSpec {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.specs[i]
}

type fakeSurface struct {
	id int

	mu       sync.Mutex
	sent     []protocol.Signal
	bounds   []surface.Rect
	released bool
}

func (s *fakeSurface) ID() int { return s.id }

func (s *fakeSurface) Send(sig protocol.Signal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sig)
	return nil
}

func (s *fakeSurface) SetBounds(r surface.Rect) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bounds = append(s.bounds, r)
}

func (s *fakeSurface) Raise()  {}
func (s *fakeSurface) Focus()  {}
func (s *fakeSurface) Detach() {}

func (s *fakeSurface) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released = true
}

func (s *fakeSurface) count(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, sig := range s.sent {
		if sig.Name == name {
			n++
		}
	}
	return n
}

// last returns the most recent signal called name.
func (s *fakeSurface) last(name string) (protocol.Signal, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.sent) - 1; i >= 0; i-- {
		if s.sent[i].Name == name {
			return s.sent[i], true
		}
	}
	return protocol.Signal{}, false
}

func (s *fakeSurface) lastBounds() surface.Rect {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.bounds) == 0 {
		return surface.Rect{}
	}
	return s.bounds[len(s.bounds)-1]
}

func (s *fakeSurface) isReleased() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}

type fakePlatform struct {
	mu       sync.Mutex
	next     int
	surfaces map[int]*fakeSurface
}

func (p *fakePlatform) CreateSurface(surface.Sink) (surface.Surface, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next++
	s := &fakeSurface{id: p.next}
	p.surfaces[s.id] = s
	return s, nil
}

func (p *fakePlatform) get(id int) *fakeSurface {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.surfaces[id]
}

type memRecorder struct {
	mu     sync.Mutex
	events []string
	lines  []string
}

func (r *memRecorder) Record(_ context.Context, evType, _, _, payload string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evType)
	if evType == protocol.EvWorkerStderr {
		r.lines = append(r.lines, payload)
	}
	return nil
}

func (r *memRecorder) has(evType string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e == evType {
			return true
		}
	}
	return false
}

func (r *memRecorder) stderrLines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.lines...)
}

type harness struct {
	t        *testing.T
	host     *Host
	clk      *clock.Fake
	spawner  *fakeSpawner
	platform *fakePlatform
	rec      *memRecorder
}

func notInstalled() (supervisor.LaunchSpec, error) {
	return supervisor.LaunchSpec{}, fmt.Errorf("monitor daemon: %w", supervisor.ErrNotInstalled)
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	hs := &harness{
		t:        t,
		clk:      clock.NewFake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)),
		spawner:  &fakeSpawner{},
		platform: &fakePlatform{surfaces: make(map[int]*fakeSurface)},
		rec:      &memRecorder{},
	}
	base := []Option{
		WithClock(hs.clk),
		WithSpawner(hs.spawner),
		WithPlatform(hs.platform),
		WithRecorder(hs.rec),
		WithPrimaryLaunch(func() (supervisor.LaunchSpec, error) {
			return supervisor.LaunchSpec{Path: "/opt/beam/flux_api/flux_api"}, nil
		}),
		WithMonitorLaunch(notInstalled, ""),
	}

	h, err := New(config.Default(), append(base, opts...)...)
	require.NoError(t, err)
	hs.host = h
	t.Cleanup(h.Shutdown)
	return hs
}

// started starts the host and returns the primary worker's process.
func (hs *harness) started() *fakeProc {
	hs.t.Helper()
	require.NoError(hs.t, hs.host.Start())
	require.GreaterOrEqual(hs.t, hs.spawner.count(), 1)
	return hs.spawner.proc(0)
}

func (hs *harness) surface(id int) *fakeSurface {
	hs.t.Helper()
	s := hs.platform.get(id)
	require.NotNil(hs.t, s, "surface %d", id)
	return s
}

func (hs *harness) signal(id int, name string, payload any) {
	hs.t.Helper()
	sig, err := protocol.NewSignal(name, payload)
	require.NoError(hs.t, err)
	hs.host.Registry().HandleSignal(id, sig)
}
