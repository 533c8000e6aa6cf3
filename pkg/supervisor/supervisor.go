// Package supervisor keeps long-lived external worker processes running.
//
// A Supervisor separates what the host wants (DesiredState, changed only by
// Start and Stop) from what the process is doing (ObservedState, driven by
// spawn, ready and exit events). Unexpected exits arm a single debounced
// recovery timer; the timer re-checks the desired state when it fires, so a
// Stop issued at any point wins.
package supervisor

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"beamhost/internal/metrics"
	"beamhost/pkg/clock"
	"beamhost/pkg/protocol"

	"github.com/looplab/fsm"
	"go.uber.org/zap"
)

// DefaultRecoveryDelay is the debounce between an unexpected exit and the
// recovery spawn.
const DefaultRecoveryDelay = 2500 * time.Millisecond

// DesiredState is what the host has asked for.
type DesiredState int

// Desired states.
const (
	Stopped DesiredState = iota
	Running
)

func (d DesiredState) String() string {
	if d == Running {
		return "running"
	}
	return "stopped"
}

// ObservedState is what the worker process is doing.
type ObservedState string

// Observed states.
const (
	NotStarted         ObservedState = "not_started"
	Spawning           ObservedState = "spawning"
	Alive              ObservedState = "alive"
	ExitedUnexpectedly ObservedState = "exited_unexpectedly"
)

// FSM events.
const (
	evSpawn = "spawn"
	evReady = "ready"
	evExit  = "exit"
	evStop  = "stop"
)

// Hooks are invoked without the supervisor lock held, from the goroutine that
// observed the event.
type Hooks struct {
	OnReady      func(port int)
	OnStopped    func()
	OnDiagnostic func(line string)
	OnDevice     func(d protocol.Device)
}

// Recorder persists lifecycle events. *eventlog.Store satisfies it.
type Recorder interface {
	Record(ctx context.Context, evType, source, subject, payload string) error
}

// Config describes one supervised worker.
type Config struct {
	// Name labels logs, metrics and event log rows.
	Name string

	// Launch resolves the launch spec. It is called on every spawn so a
	// worker installed after startup is picked up by the next attempt.
	Launch func() (LaunchSpec, error)

	RecoveryDelay time.Duration

	// Optional workers treat ErrNotInstalled from Launch as "leave stopped"
	// rather than a crash.
	Optional bool

	// ReadyOnSpawn promotes the process to Alive as soon as it is spawned,
	// for daemons that do not print a ready message.
	ReadyOnSpawn bool

	// Discovery opens the device discovery websocket after ready and
	// enables Poke.
	Discovery     bool
	DiscoveryHost string

	// PIDFile records the child pid so a later session can reap it.
	PIDFile string

	Hooks Hooks
}

// Status is a point-in-time snapshot of a Supervisor.
type Status struct {
	Name          string
	Desired       DesiredState
	Observed      ObservedState
	Port          int
	Pid           int
	HasHandle     bool
	RecoveryArmed bool
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithClock sets the clock used for the recovery timer.
func WithClock(c clock.Clock) Option { return func(s *Supervisor) { s.clock = c } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(s *Supervisor) { s.log = l } }

// WithRecorder sets the event recorder.
func WithRecorder(r Recorder) Option { return func(s *Supervisor) { s.rec = r } }

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option { return func(s *Supervisor) { s.metrics = m } }

// WithSpawner replaces the process spawner.
func WithSpawner(sp Spawner) Option { return func(s *Supervisor) { s.spawner = sp } }

// Supervisor owns one worker process.
type Supervisor struct {
	cfg     Config
	spawner Spawner
	clock   clock.Clock
	log     *zap.Logger
	rec     Recorder
	metrics *metrics.Metrics

	mu       sync.Mutex
	desired  DesiredState
	observed *fsm.FSM
	handle   Process // non-nil iff observed is Alive
	pending  Process // spawned, waiting for ready
	port     int
	timer    clock.Timer
	armGen   int
	disc     *discovery
	reaped   bool
}

// New creates a stopped Supervisor.
func New(cfg Config, opts ...Option) *Supervisor {
	if cfg.RecoveryDelay <= 0 {
		cfg.RecoveryDelay = DefaultRecoveryDelay
	}
	if cfg.DiscoveryHost == "" {
		cfg.DiscoveryHost = "127.0.0.1"
	}
	s := &Supervisor{
		cfg:     cfg,
		spawner: ExecSpawner{},
		clock:   clock.Real{},
		log:     zap.NewNop(),
		observed: fsm.NewFSM(
			string(NotStarted),
			fsm.Events{
				{Name: evSpawn, Src: []string{string(NotStarted), string(ExitedUnexpectedly)}, Dst: string(Spawning)},
				{Name: evReady, Src: []string{string(Spawning)}, Dst: string(Alive)},
				{Name: evExit, Src: []string{string(Spawning), string(Alive)}, Dst: string(ExitedUnexpectedly)},
				{Name: evStop, Src: []string{string(NotStarted), string(Spawning), string(Alive), string(ExitedUnexpectedly)}, Dst: string(NotStarted)},
			},
			fsm.Callbacks{},
		),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.Named("supervisor." + cfg.Name)
	return s
}

// Name returns the configured worker name.
func (s *Supervisor) Name() string { return s.cfg.Name }

// Start sets the desired state to Running and spawns the worker. It is a
// no-op when already Running. Spawn failures of a required worker are
// absorbed and retried after the recovery delay; the only error returned is
// ErrNotInstalled for an optional worker, which stays Stopped.
func (s *Supervisor) Start() error {
	s.mu.Lock()
	if s.desired == Running {
		s.mu.Unlock()
		return nil
	}
	s.desired = Running
	if !s.reaped {
		s.reaped = true
		s.reapStaleLocked()
	}
	fx, err := s.spawnLocked()
	s.mu.Unlock()

	fx.run()
	return err
}

// Stop sets the desired state to Stopped, cancels any pending recovery and
// terminates the process. Safe to call in any state, any number of times.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	s.desired = Stopped
	s.disarmLocked()

	var procs []Process
	for _, p := range []Process{s.handle, s.pending} {
		if p != nil {
			procs = append(procs, p)
		}
	}
	s.handle, s.pending = nil, nil
	s.port = 0
	disc := s.disc
	s.disc = nil
	s.transition(evStop)

	var fx effects
	if len(procs) > 0 {
		s.metrics.WorkerUp(s.cfg.Name, false)
		s.removePIDLocked()
		fx.record(s, protocol.EvWorkerStop, strconv.Itoa(procs[0].Pid()), "")
		if hook := s.cfg.Hooks.OnStopped; hook != nil {
			fx = append(fx, hook)
		}
	}
	s.mu.Unlock()

	disc.close()
	for _, p := range procs {
		if err := p.Terminate(); err != nil {
			s.log.Warn("terminate worker", zap.Int("pid", p.Pid()), zap.Error(err))
		}
	}
	if len(procs) > 0 {
		s.log.Info("worker stopped")
	}
	fx.run()
}

// Poke sends addr over the discovery channel so the worker probes that
// address for a machine. It reports false when the channel is not open.
func (s *Supervisor) Poke(addr string) bool {
	s.mu.Lock()
	d := s.disc
	s.mu.Unlock()
	return d.send(addr)
}

// State returns a snapshot.
func (s *Supervisor) State() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		Name:          s.cfg.Name,
		Desired:       s.desired,
		Observed:      ObservedState(s.observed.Current()),
		Port:          s.port,
		HasHandle:     s.handle != nil,
		RecoveryArmed: s.timer != nil,
	}
	switch {
	case s.handle != nil:
		st.Pid = s.handle.Pid()
	case s.pending != nil:
		st.Pid = s.pending.Pid()
	}
	return st
}

// Port returns the port reported by the worker, or 0 when it is not Alive.
func (s *Supervisor) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

// Alive reports whether the worker has reported ready and not exited since.
func (s *Supervisor) Alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle != nil
}

// spawnLocked moves to Spawning and starts a process. A failed launch of a
// required worker counts as an unexpected exit.
func (s *Supervisor) spawnLocked() (effects, error) {
	var fx effects
	s.transition(evSpawn)

	spec, err := s.cfg.Launch()
	var proc Process
	if err == nil {
		proc, err = s.spawner.Spawn(spec)
	}
	if err != nil {
		if s.cfg.Optional && errors.Is(err, ErrNotInstalled) {
			s.desired = Stopped
			s.transition(evStop)
			s.log.Info("worker not installed, leaving stopped", zap.Error(err))
			fx.record(s, protocol.EvWorkerMissing, "", err.Error())
			return fx, err
		}
		s.transition(evExit)
		s.metrics.WorkerCrashed(s.cfg.Name)
		s.log.Error("spawn worker", zap.Error(err))
		fx.record(s, protocol.EvWorkerSpawnFail, "", err.Error())
		s.armRecoveryLocked()
		return fx, nil
	}

	s.pending = proc
	s.metrics.WorkerSpawned(s.cfg.Name)
	if s.cfg.PIDFile != "" {
		if err := WritePIDFile(s.cfg.PIDFile, proc.Pid()); err != nil {
			s.log.Warn("record worker pid", zap.Error(err))
		}
	}
	s.log.Info("worker spawned", zap.String("path", spec.Path), zap.Int("pid", proc.Pid()))
	fx.record(s, protocol.EvWorkerSpawn, strconv.Itoa(proc.Pid()), spec.Path)

	go s.watch(proc)

	if s.cfg.ReadyOnSpawn {
		fx = append(fx, s.promoteLocked(proc, 0)...)
	}
	return fx, nil
}

// promoteLocked moves a pending process to Alive.
func (s *Supervisor) promoteLocked(proc Process, port int) effects {
	var fx effects
	s.pending = nil
	s.handle = proc
	s.port = port
	s.transition(evReady)
	s.metrics.WorkerUp(s.cfg.Name, true)
	s.log.Info("worker ready", zap.Int("pid", proc.Pid()), zap.Int("port", port))
	fx.record(s, protocol.EvWorkerReady, strconv.Itoa(proc.Pid()), strconv.Itoa(port))

	if s.cfg.Discovery && port > 0 {
		addr := net.JoinHostPort(s.cfg.DiscoveryHost, strconv.Itoa(port))
		s.disc = newDiscovery("ws://"+addr+protocol.DiscoverPath, s.log, s.cfg.Hooks.OnDevice)
		go s.disc.run()
	}
	if hook := s.cfg.Hooks.OnReady; hook != nil {
		fx = append(fx, func() { hook(port) })
	}
	return fx
}

// watch drains the process output and reports its exit. Exit is detected by
// Wait, not by EOF, so a descendant holding the pipes cannot hide it. Output
// already written is delivered before onExit runs.
func (s *Supervisor) watch(proc Process) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.readStdout(proc)
	}()
	go func() {
		defer wg.Done()
		s.readStderr(proc)
	}()

	err := proc.Wait()
	wg.Wait()
	s.onExit(proc, err)
}

func (s *Supervisor) readStdout(proc Process) {
	eachLine(proc.Stdout(), func(line []byte) {
		msg, ok := protocol.DecodeMessage(line)
		if !ok {
			return
		}
		switch msg.Type {
		case protocol.MsgReady:
			s.onReady(proc, msg.Port)
		case protocol.MsgLog:
			s.log.Info(msg.Message, zap.String("source", "worker"), zap.String("level", msg.Level))
		}
	})
}

func (s *Supervisor) readStderr(proc Process) {
	hook := s.cfg.Hooks.OnDiagnostic
	eachLine(proc.Stderr(), func(line []byte) {
		s.log.Debug("worker stderr", zap.ByteString("line", line))
		if hook != nil {
			hook(string(line))
		}
	})
}

func (s *Supervisor) onReady(proc Process, port int) {
	s.mu.Lock()
	if s.pending != proc {
		// Duplicate ready, or a process Stop already let go of.
		s.mu.Unlock()
		return
	}
	fx := s.promoteLocked(proc, port)
	s.mu.Unlock()
	fx.run()
}

func (s *Supervisor) onExit(proc Process, exitErr error) {
	s.mu.Lock()
	if s.handle != proc && s.pending != proc {
		// Torn down by Stop; already accounted for.
		s.mu.Unlock()
		return
	}
	s.handle, s.pending = nil, nil
	s.port = 0
	disc := s.disc
	s.disc = nil
	s.removePIDLocked()
	s.transition(evExit)
	s.metrics.WorkerCrashed(s.cfg.Name)
	s.log.Warn("worker exited unexpectedly", zap.Int("pid", proc.Pid()), zap.Error(exitErr))

	var fx effects
	fx.record(s, protocol.EvWorkerExit, strconv.Itoa(proc.Pid()), errString(exitErr))
	if s.desired == Running {
		s.armRecoveryLocked()
	}
	if hook := s.cfg.Hooks.OnStopped; hook != nil {
		fx = append(fx, hook)
	}
	s.mu.Unlock()

	disc.close()
	fx.run()
}

// armRecoveryLocked schedules one recovery attempt. Arming while armed is a
// no-op, so bursts of exit events collapse into a single attempt.
func (s *Supervisor) armRecoveryLocked() {
	if s.timer != nil {
		return
	}
	s.armGen++
	gen := s.armGen
	s.timer = s.clock.AfterFunc(s.cfg.RecoveryDelay, func() { s.recover(gen) })
}

func (s *Supervisor) disarmLocked() {
	if s.timer == nil {
		return
	}
	s.timer.Stop()
	s.timer = nil
}

func (s *Supervisor) recover(gen int) {
	s.mu.Lock()
	if s.timer == nil || gen != s.armGen {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	if s.desired != Running || s.handle != nil || s.pending != nil {
		s.mu.Unlock()
		return
	}
	s.metrics.WorkerRecovering(s.cfg.Name)
	s.log.Info("recovering worker")
	var fx effects
	fx.record(s, protocol.EvWorkerRecover, "", "")
	more, _ := s.spawnLocked()
	fx = append(fx, more...)
	s.mu.Unlock()

	fx.run()
}

func (s *Supervisor) reapStaleLocked() {
	if s.cfg.PIDFile == "" {
		return
	}
	pid, err := reapStale(s.cfg.PIDFile)
	if err != nil {
		s.log.Warn("reap stale worker", zap.Error(err))
		return
	}
	if pid != 0 {
		s.log.Info("killed worker left by previous session", zap.Int("pid", pid))
	}
}

func (s *Supervisor) removePIDLocked() {
	if s.cfg.PIDFile == "" {
		return
	}
	if err := RemovePIDFile(s.cfg.PIDFile); err != nil {
		s.log.Warn("remove worker pid file", zap.Error(err))
	}
}

// transition fires an FSM event. Re-entering the current state is not an
// error; anything else means the bookkeeping above is wrong and is logged.
func (s *Supervisor) transition(event string) {
	err := s.observed.Event(context.Background(), event)
	if err == nil {
		return
	}
	var noTransition fsm.NoTransitionError
	if errors.As(err, &noTransition) {
		return
	}
	s.log.Debug("ignored state event", zap.String("event", event),
		zap.String("state", s.observed.Current()), zap.Error(err))
}

// effects are side effects collected under the lock and run after it is
// released.
type effects []func()

func (fx effects) run() {
	for _, f := range fx {
		f()
	}
}

func (fx *effects) record(s *Supervisor, evType, subject, payload string) {
	if s.rec == nil {
		return
	}
	rec, source, log := s.rec, s.cfg.Name, s.log
	*fx = append(*fx, func() {
		if err := rec.Record(context.Background(), evType, source, subject, payload); err != nil {
			log.Debug("record event", zap.String("type", evType), zap.Error(err))
		}
	})
}

// eachLine calls fn for every newline-terminated line of r, without a line
// length limit. A trailing unterminated line is delivered at EOF.
func eachLine(r io.Reader, fn func(line []byte)) {
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadBytes('\n')
		if trimmed := bytes.TrimRight(line, "\r\n"); len(trimmed) > 0 {
			fn(trimmed)
		}
		if err != nil {
			return
		}
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
