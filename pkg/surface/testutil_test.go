package surface

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"beamhost/pkg/clock"
	"beamhost/pkg/protocol"

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

type fakeSurface struct {
	id       int
	platform *fakePlatform

	mu       sync.Mutex
	sent     []protocol.Signal
	bounds   []Rect
	raised   int
	focused  int
	detached bool
	released bool
}

func (s *fakeSurface) ID() int { return s.id }

func (s *fakeSurface) Send(sig protocol.Signal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return errors.New("content process gone")
	}
	s.sent = append(s.sent, sig)
	if sig.Name != protocol.SigSurfacesUpdated {
		s.platform.note(fmt.Sprintf("%d:%s", s.id, sig.Name))
	}
	return nil
}

func (s *fakeSurface) SetBounds(r Rect) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bounds = append(s.bounds, r)
}

func (s *fakeSurface) Raise() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.raised++
}

func (s *fakeSurface) Focus() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.focused++
}

func (s *fakeSurface) Detach() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detached = true
}

func (s *fakeSurface) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released = true
}

// signals returns the names of signals sent, skipping list broadcasts.
func (s *fakeSurface) signals() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, sig := range s.sent {
		if sig.Name == protocol.SigSurfacesUpdated {
			continue
		}
		out = append(out, sig.Name)
	}
	return out
}

func (s *fakeSurface) count(name string) int {
	n := 0
	for _, got := range s.signals() {
		if got == name {
			n++
		}
	}
	return n
}

func (s *fakeSurface) lastBounds() Rect {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.bounds) == 0 {
		return Rect{}
	}
	return s.bounds[len(s.bounds)-1]
}

func (s *fakeSurface) isDetached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.detached
}

func (s *fakeSurface) isReleased() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}

func (s *fakeSurface) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = nil
}

type fakePlatform struct {
	mu       sync.Mutex
	next     int
	surfaces map[int]*fakeSurface
	fail     error
	journal  []string
}

// note appends to the cross-surface signal journal.
func (p *fakePlatform) note(entry string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.journal = append(p.journal, entry)
}

// drain returns and clears the journal.
func (p *fakePlatform) drain() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.journal
	p.journal = nil
	return out
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{next: 1, surfaces: make(map[int]*fakeSurface)}
}

func (p *fakePlatform) CreateSurface(Sink) (Surface, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		return nil, p.fail
	}
	s := &fakeSurface{id: p.next, platform: p}
	p.surfaces[s.id] = s
	p.next++
	return s, nil
}

func (p *fakePlatform) get(id int) *fakeSurface {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.surfaces[id]
}

func (p *fakePlatform) created() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.surfaces)
}

type fakeWindow struct {
	mu     sync.Mutex
	bounds Rect
	gone   bool
	closed int
}

func (w *fakeWindow) ContentBounds() (Rect, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.bounds, !w.gone
}

func (w *fakeWindow) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed++
	return nil
}

func (w *fakeWindow) resize(width, height int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.bounds = Rect{Width: width, Height: height}
}

func (w *fakeWindow) closedCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

type harness struct {
	reg      *Registry
	platform *fakePlatform
	window   *fakeWindow
	clock    *clock.Fake

	mu    sync.Mutex
	lists [][]Summary
}

func newHarness(t *testing.T, mutate func(*Options)) *harness {
	t.Helper()
	h := &harness{
		platform: newFakePlatform(),
		window:   &fakeWindow{bounds: Rect{Width: 1280, Height: 800}},
		clock:    clock.NewFake(time.Unix(0, 0)),
	}
	opts := Options{
		ChromeHeight: 40,
		Clock:        h.clock,
		OnListChanged: func(list []Summary) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.lists = append(h.lists, list)
		},
	}
	if mutate != nil {
		mutate(&opts)
	}
	h.reg = NewRegistry(h.platform, h.window, opts)
	return h
}

// started returns a harness whose registry holds the welcome surface (id 1)
// and a preloaded surface (id 2).
func started(t *testing.T, mutate func(*Options)) *harness {
	t.Helper()
	h := newHarness(t, mutate)
	require.NoError(t, h.reg.Start())
	return h
}

func (h *harness) surface(id int) *fakeSurface { return h.platform.get(id) }

// ready delivers the ready signal from id.
func (h *harness) ready(id int) {
	h.reg.HandleSignal(id, protocol.Signal{Name: protocol.SigReady})
}

// reply delivers close-reply from id.
func (h *harness) reply(t *testing.T, id int, closeIt bool) {
	t.Helper()
	sig, err := protocol.NewSignal(protocol.SigCloseReply, protocol.CloseReply{Close: closeIt})
	require.NoError(t, err)
	h.reg.HandleSignal(id, sig)
}

// addReady adds a surface and marks it ready.
func (h *harness) addReady(t *testing.T) int {
	t.Helper()
	id, err := h.reg.AddNewSurface()
	require.NoError(t, err)
	h.ready(id)
	return id
}

// closeAsync runs CloseSurface on its own goroutine.
func (h *harness) closeAsync(id int, opts CloseOptions) <-chan bool {
	out := make(chan bool, 1)
	go func() { out <- h.reg.CloseSurface(id, opts) }()
	return out
}

func (h *harness) ids() []int {
	var out []int
	for _, s := range h.reg.Summaries() {
		out = append(out, s.ID)
	}
	return out
}

func (h *harness) listChanges() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.lists)
}

func recv(t *testing.T, ch <-chan bool) bool {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("close did not resolve")
		return false
	}
}

func pending(t *testing.T, ch <-chan bool) {
	t.Helper()
	select {
	case v := <-ch:
		t.Fatalf("close resolved early with %v", v)
	case <-time.After(30 * time.Millisecond):
	}
}

// countRaw counts sent signals named name, list broadcasts included.
func (s *fakeSurface) countRaw(name string) int {
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
