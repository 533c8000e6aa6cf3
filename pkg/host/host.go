// Package host wires the worker supervisors, the content surface registry and
// the host window into one runtime.
package host

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"beamhost/internal/appversion"
	"beamhost/internal/config"
	"beamhost/internal/metrics"
	"beamhost/pkg/clock"
	"beamhost/pkg/protocol"
	"beamhost/pkg/supervisor"
	"beamhost/pkg/surface"
	"beamhost/pkg/surface/procsurface"

	"go.uber.org/zap"
)

// Worker names used in logs, metrics and the event log.
const (
	PrimaryName = "primary"
	MonitorName = "monitor"
)

const source = "host"

// Recorder persists lifecycle events. *eventlog.Store satisfies it.
type Recorder interface {
	Record(ctx context.Context, evType, source, subject, payload string) error
}

// Option configures a Host.
type Option func(*Host)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(h *Host) { h.log = l } }

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option { return func(h *Host) { h.metrics = m } }

// WithRecorder sets the event recorder.
func WithRecorder(r Recorder) Option { return func(h *Host) { h.rec = r } }

// WithClock sets the clock used for recovery and close timers.
func WithClock(c clock.Clock) Option { return func(h *Host) { h.clock = c } }

// WithSpawner replaces the worker process spawner.
func WithSpawner(sp supervisor.Spawner) Option { return func(h *Host) { h.spawner = sp } }

// WithPlatform replaces the content surface platform.
func WithPlatform(p surface.Platform) Option { return func(h *Host) { h.platform = p } }

// WithPaths sets the state file locations.
func WithPaths(p config.Paths) Option { return func(h *Host) { h.paths = p } }

// WithPrimaryLaunch overrides how the primary worker's launch spec is resolved.
func WithPrimaryLaunch(fn func() (supervisor.LaunchSpec, error)) Option {
	return func(h *Host) { h.primaryLaunch = fn }
}

// WithMonitorLaunch overrides how the monitor daemon's launch spec is
// resolved. path is the executable the install watcher waits for.
func WithMonitorLaunch(fn func() (supervisor.LaunchSpec, error), path string) Option {
	return func(h *Host) {
		h.monitorLaunch = fn
		h.monitorPath = path
	}
}

// Host is the running application: two supervised workers, one window and
// its content surfaces.
type Host struct {
	cfg      *config.Config
	log      *zap.Logger
	metrics  *metrics.Metrics
	rec      Recorder
	clock    clock.Clock
	spawner  supervisor.Spawner
	platform surface.Platform
	paths    config.Paths

	primaryLaunch func() (supervisor.LaunchSpec, error)
	monitorLaunch func() (supervisor.LaunchSpec, error)
	monitorPath   string

	primary  *supervisor.Supervisor
	monitor  *supervisor.Supervisor
	registry *surface.Registry
	window   *Window

	mu      sync.Mutex
	devices map[string]protocol.Device
	watch   *installWatch

	shutdownOnce sync.Once
}

// New builds a Host from cfg. Nothing is started until Start.
func New(cfg *config.Config, opts ...Option) (*Host, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	h := &Host{
		cfg:     cfg,
		log:     zap.NewNop(),
		clock:   clock.Real{},
		devices: make(map[string]protocol.Device),
	}
	for _, opt := range opts {
		opt(h)
	}

	if h.primaryLaunch == nil {
		po := supervisor.PrimaryOptions{
			Location: cfg.WorkerDir,
			Server:   cfg.ServerMode,
			Debug:    cfg.Debug,
			TracePID: os.Getpid(),
		}
		h.primaryLaunch = func() (supervisor.LaunchSpec, error) { return supervisor.PrimaryLaunch(po) }
	}
	if h.monitorLaunch == nil {
		mo := supervisor.MonitorOptions{Location: cfg.WorkerDir}
		h.monitorLaunch = func() (supervisor.LaunchSpec, error) { return supervisor.MonitorLaunch(mo) }
		h.monitorPath = supervisor.MonitorPath(mo)
	}
	if h.platform == nil {
		if cfg.SurfaceCommand == "" {
			return nil, errors.New("no content surface command configured")
		}
		h.platform = procsurface.New(procsurface.Config{
			Command: cfg.SurfaceCommand,
			Args:    cfg.SurfaceArgs,
			Logger:  h.log,
		})
	}

	// The primary worker is resolved first so a missing install is reported
	// before anything else starts.
	if _, err := h.primaryLaunch(); err != nil {
		h.log.Warn("primary worker launch unresolved", zap.Error(err))
	}
	h.primary = supervisor.New(supervisor.Config{
		Name:          PrimaryName,
		Launch:        h.primaryLaunch,
		RecoveryDelay: cfg.RecoveryDelay.Duration,
		Discovery:     true,
		PIDFile:       h.paths.PrimaryPID,
		Hooks: supervisor.Hooks{
			OnReady:      h.onWorkerUp,
			OnStopped:    h.onWorkerDown,
			OnDiagnostic: h.diagnostic(PrimaryName),
			OnDevice:     h.onDevice,
		},
	}, h.supervisorOpts()...)
	h.monitor = supervisor.New(supervisor.Config{
		Name:          MonitorName,
		Launch:        h.monitorLaunch,
		RecoveryDelay: cfg.RecoveryDelay.Duration,
		Optional:      true,
		ReadyOnSpawn:  true,
		PIDFile:       h.paths.MonitorPID,
		Hooks: supervisor.Hooks{
			OnDiagnostic: h.diagnostic(MonitorName),
		},
	}, h.supervisorOpts()...)

	h.window = NewWindow(cfg.WindowWidth, cfg.WindowHeight)
	h.registry = surface.NewRegistry(h.platform, h.window, surface.Options{
		MaxSurfaces:  cfg.MaxSurfaces,
		ChromeHeight: cfg.ChromeHeight,
		CloseTimeout: cfg.CloseTimeout.Duration,
		Clock:        h.clock,
		Logger:       h.log,
		Recorder:     h.recorder(),
		Metrics:      h.metrics,
		OnSignal:     h.onSignal,
	})
	h.log = h.log.Named(source)
	return h, nil
}

func (h *Host) supervisorOpts() []supervisor.Option {
	opts := []supervisor.Option{
		supervisor.WithClock(h.clock),
		supervisor.WithLogger(h.log),
		supervisor.WithMetrics(h.metrics),
	}
	if rec := h.recorder(); rec != nil {
		opts = append(opts, supervisor.WithRecorder(rec))
	}
	if h.spawner != nil {
		opts = append(opts, supervisor.WithSpawner(h.spawner))
	}
	return opts
}

// recorder returns h.rec as a surface.Recorder, keeping a nil Recorder nil.
func (h *Host) recorder() surface.Recorder {
	if h.rec == nil {
		return nil
	}
	return h.rec
}

// Start launches the workers and opens the first content surface. A monitor
// daemon that is not installed yet is watched for and started once it
// appears.
func (h *Host) Start() error {
	h.record(protocol.EvSessionStart, appversion.String())

	if err := h.primary.Start(); err != nil {
		h.log.Error("start primary worker", zap.Error(err))
	}
	if err := h.monitor.Start(); err != nil {
		if !errors.Is(err, supervisor.ErrNotInstalled) {
			h.log.Error("start monitor daemon", zap.Error(err))
		} else if h.monitorPath != "" {
			h.watchInstall(h.monitorPath)
		}
	}

	if err := h.registry.Start(); err != nil {
		return fmt.Errorf("open first surface: %w", err)
	}
	return nil
}

// Quit closes every surface through the close negotiation and, only if all
// of them agreed, stops the monitor daemon and then the primary worker. It
// reports false when a surface declined.
func (h *Host) Quit(closeWindow bool) bool {
	if !h.registry.CloseAll(closeWindow) {
		h.log.Info("quit cancelled by a surface")
		return false
	}
	h.Shutdown()
	return true
}

// Shutdown releases every content surface and stops the workers without
// asking. Safe to call more than once.
func (h *Host) Shutdown() {
	h.shutdownOnce.Do(func() {
		h.registry.ReleaseAll()
		h.stopWatch()
		h.monitor.Stop()
		h.primary.Stop()
		h.record(protocol.EvSessionEnd, "")
		h.log.Info("host stopped")
	})
}

// Registry returns the surface registry.
func (h *Host) Registry() *surface.Registry { return h.registry }

// Window returns the host window.
func (h *Host) Window() *Window { return h.window }

// Primary returns the primary worker's supervisor.
func (h *Host) Primary() *supervisor.Supervisor { return h.primary }

// Monitor returns the monitor daemon's supervisor.
func (h *Host) Monitor() *supervisor.Supervisor { return h.monitor }

// Resize changes the window's client area and lays the surfaces out again.
func (h *Host) Resize(width, height int) {
	if h.window.resize(width, height) {
		h.registry.HandleGeometryChange(surface.GeometryResize)
	}
}

// SetFullscreen enters or leaves fullscreen and tells every surface.
func (h *Host) SetFullscreen(on bool) {
	if !h.window.setFullscreen(on) {
		return
	}
	kind := surface.GeometryLeaveFullscreen
	if on {
		kind = surface.GeometryEnterFullscreen
	}
	h.registry.HandleGeometryChange(kind)
	h.broadcast(protocol.SigWindowFullscreen, protocol.WindowFlag{On: on})
}

// SetMaximized maximizes or restores the window and tells every surface.
func (h *Host) SetMaximized(on bool) {
	if !h.window.setMaximized(on) {
		return
	}
	kind := surface.GeometryUnmaximize
	if on {
		kind = surface.GeometryMaximize
	}
	h.registry.HandleGeometryChange(kind)
	h.broadcast(protocol.SigWindowMaximize, protocol.WindowFlag{On: on})
}

// WorkerInfo returns the primary worker's state and the known devices.
func (h *Host) WorkerInfo() protocol.WorkerInfo {
	st := h.primary.State()
	return protocol.WorkerInfo{
		Alive:   st.HasHandle,
		Port:    st.Port,
		Devices: h.Devices(),
	}
}

func (h *Host) onWorkerUp(port int) {
	h.broadcast(protocol.SigWorkerUp, protocol.WorkerInfo{Alive: true, Port: port})
}

func (h *Host) onWorkerDown() {
	h.mu.Lock()
	clear(h.devices)
	h.mu.Unlock()
	h.broadcast(protocol.SigWorkerDown, nil)
}

func (h *Host) diagnostic(worker string) func(string) {
	log := h.log.Named("worker." + worker)
	return func(line string) {
		log.Warn(line)
		if h.rec != nil {
			if err := h.rec.Record(context.Background(), protocol.EvWorkerStderr, worker, "", line); err != nil {
				log.Debug("record stderr", zap.Error(err))
			}
		}
	}
}

// onSignal handles inbound signals that concern the workers rather than the
// surface list.
func (h *Host) onSignal(id int, sig protocol.Signal) {
	switch sig.Name {
	case protocol.SigCheckWorkerStatus:
		h.sendTo(id, protocol.SigWorkerStatus, h.WorkerInfo())

	case protocol.SigPoke:
		var p protocol.PokePayload
		if err := sig.Bind(&p); err != nil || p.Addr == "" {
			h.log.Warn("malformed poke", zap.Int("surface", id), zap.Error(err))
			return
		}
		if !h.primary.Poke(p.Addr) {
			h.log.Info("poke dropped, discovery not connected", zap.String("addr", p.Addr))
		}

	default:
		h.log.Debug("unhandled signal", zap.Int("surface", id), zap.String("signal", sig.Name))
	}
}

func (h *Host) broadcast(name string, payload any) {
	sig, err := protocol.NewSignal(name, payload)
	if err != nil {
		h.log.Error("encode signal", zap.String("signal", name), zap.Error(err))
		return
	}
	h.registry.Broadcast(sig)
}

func (h *Host) sendTo(id int, name string, payload any) {
	sig, err := protocol.NewSignal(name, payload)
	if err != nil {
		h.log.Error("encode signal", zap.String("signal", name), zap.Error(err))
		return
	}
	h.registry.SendTo(id, sig)
}

func (h *Host) record(evType, payload string) {
	if h.rec == nil {
		return
	}
	if err := h.rec.Record(context.Background(), evType, source, "", payload); err != nil {
		h.log.Warn("record event", zap.String("type", evType), zap.Error(err))
	}
}
