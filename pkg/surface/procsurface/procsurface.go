// Package procsurface backs content surfaces with child processes that speak
// newline-delimited JSON signals on stdin and stdout.
//
// It is the headless Platform: geometry travels to the content process as a
// bounds signal, while stacking and keyboard focus are tracked by the
// Platform itself.
package procsurface

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"beamhost/pkg/protocol"
	"beamhost/pkg/surface"

	"go.uber.org/zap"
)

// ErrQueueFull is returned by Send when the content process is not draining
// its stdin.
var ErrQueueFull = errors.New("content process send queue full")

const (
	sendQueue    = 64
	releaseGrace = 2 * time.Second
	// outputGrace bounds how long stdout may outlive the content process
	// when a descendant inherited it.
	outputGrace = 500 * time.Millisecond
)

// Config describes the content process command.
type Config struct {
	Command string
	Args    []string
	Dir     string
	Env     []string
	Logger  *zap.Logger
}

// Platform spawns one content process per surface. Surface ids are assigned
// sequentially from 1.
type Platform struct {
	cfg Config
	log *zap.Logger

	mu      sync.Mutex
	nextID  int
	stack   []int // bottom to top
	keyed   int
	members map[int]*Surface
}

// New returns a Platform for cfg.
func New(cfg Config) *Platform {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Platform{
		cfg:     cfg,
		log:     log.Named("procsurface"),
		nextID:  1,
		keyed:   -1,
		members: make(map[int]*Surface),
	}
}

// CreateSurface starts a content process and attaches it on top of the
// stack.
func (p *Platform) CreateSurface(sink surface.Sink) (surface.Surface, error) {
	//nolint:gosec // content command comes from the host's own configuration
	cmd := exec.Command(p.cfg.Command, p.cfg.Args...)
	cmd.Dir = p.cfg.Dir
	if len(p.cfg.Env) > 0 {
		cmd.Env = p.cfg.Env
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, stdoutW := io.Pipe()
	cmd.Stdout = stdoutW
	cmd.WaitDelay = outputGrace
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start content process %s: %w", p.cfg.Command, err)
	}

	p.mu.Lock()
	id := p.nextID
	p.nextID++
	s := &Surface{
		id:       id,
		platform: p,
		cmd:      cmd,
		stdin:    stdin,
		queue:    make(chan []byte, sendQueue),
		exited:   make(chan struct{}),
		log:      p.log.With(zap.Int("surface", id), zap.Int("pid", cmd.Process.Pid)),
	}
	p.members[id] = s
	p.stack = append(p.stack, id)
	p.mu.Unlock()

	go s.writeLoop()
	go s.wait(stdoutW)
	go s.readLoop(stdout, sink)
	return s, nil
}

// Stack returns attached surface ids, topmost first.
func (p *Platform) Stack() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]int, 0, len(p.stack))
	for i := len(p.stack) - 1; i >= 0; i-- {
		out = append(out, p.stack[i])
	}
	return out
}

// KeyFocus returns the surface holding keyboard focus.
func (p *Platform) KeyFocus() (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.members[p.keyed]
	return p.keyed, ok
}

// Running returns the number of content processes not yet exited.
func (p *Platform) Running() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.members)
}

func (p *Platform) raise(id int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stack = without(p.stack, id)
	p.stack = append(p.stack, id)
}

func (p *Platform) focus(id int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keyed = id
}

func (p *Platform) detach(id int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stack = without(p.stack, id)
	if p.keyed == id {
		p.keyed = -1
	}
}

func (p *Platform) forget(id int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.members, id)
	p.stack = without(p.stack, id)
}

func without(ids []int, id int) []int {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

// Surface is one content process.
type Surface struct {
	id       int
	platform *Platform
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	queue    chan []byte
	exited   chan struct{} // closed once the process is reaped
	waitErr  error
	log      *zap.Logger

	mu       sync.Mutex
	released bool
	closed   bool // queue closed
}

// ID returns the surface id.
func (s *Surface) ID() int { return s.id }

// Send queues sig for the content process. It never blocks.
func (s *Surface) Send(sig protocol.Signal) error {
	line, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("encode %s: %w", sig.Name, err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("surface %d: %w", s.id, io.ErrClosedPipe)
	}
	select {
	case s.queue <- line:
		return nil
	default:
		return ErrQueueFull
	}
}

// SetBounds forwards the rectangle as a bounds signal.
func (s *Surface) SetBounds(r surface.Rect) {
	sig, err := protocol.NewSignal(protocol.SigBounds, protocol.Bounds(r))
	if err != nil {
		return
	}
	if err := s.Send(sig); err != nil {
		s.log.Debug("send bounds", zap.Error(err))
	}
}

// Raise moves the surface to the top of the stack.
func (s *Surface) Raise() { s.platform.raise(s.id) }

// Focus gives the surface keyboard focus.
func (s *Surface) Focus() { s.platform.focus(s.id) }

// Detach removes the surface from the stack.
func (s *Surface) Detach() { s.platform.detach(s.id) }

// Release closes the content process's stdin and kills it if it has not
// exited within the grace period.
func (s *Surface) Release() {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return
	}
	s.released = true
	s.closeQueueLocked()
	s.mu.Unlock()

	go func() {
		t := time.NewTimer(releaseGrace)
		defer t.Stop()
		select {
		case <-s.exited:
		case <-t.C:
			s.log.Warn("content process ignored release, killing")
			_ = s.cmd.Process.Kill()
		}
	}()
}

func (s *Surface) closeQueueLocked() {
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
}

func (s *Surface) writeLoop() {
	defer func() { _ = s.stdin.Close() }()
	for line := range s.queue {
		if _, err := s.stdin.Write(line); err != nil {
			s.log.Debug("write to content process", zap.Error(err))
			// Keep draining so Send never sees a stuck queue.
		}
	}
}

// wait reaps the process and then ends its stdout, so readLoop finishes even
// when a descendant still holds the pipe.
func (s *Surface) wait(stdout *io.PipeWriter) {
	err := s.cmd.Wait()
	if errors.Is(err, exec.ErrWaitDelay) {
		err = nil
	}
	_ = stdout.Close()
	s.waitErr = err
	close(s.exited)
}

// readLoop delivers inbound signals until stdout closes and the process is
// reaped. Exit without Release is reported as an unexpected destruction.
func (s *Surface) readLoop(stdout io.Reader, sink surface.Sink) {
	br := bufio.NewReader(stdout)
	for {
		line, err := br.ReadBytes('\n')
		if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			var sig protocol.Signal
			if protocol.Unmarshal(trimmed, &sig) && sig.Name != "" {
				sink.HandleSignal(s.id, sig)
			}
		}
		if err != nil {
			break
		}
	}

	<-s.exited
	waitErr := s.waitErr
	s.platform.forget(s.id)

	s.mu.Lock()
	released := s.released
	s.closeQueueLocked()
	s.mu.Unlock()

	if released {
		s.log.Debug("content process exited", zap.Error(waitErr))
		return
	}
	s.log.Warn("content process died", zap.Error(waitErr))
	sink.HandleDestroyed(s.id)
}
