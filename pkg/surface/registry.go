package surface

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"strconv"
	"sync"
	"time"

	"beamhost/internal/metrics"
	"beamhost/pkg/clock"
	"beamhost/pkg/protocol"

	"go.uber.org/zap"
)

// Defaults applied by NewRegistry.
const (
	DefaultCloseTimeout = 10 * time.Second
	DefaultRefillDelay  = 2500 * time.Millisecond
	DefaultTitle        = "Untitled"
)

// DefaultChromeHeight is the toolbar height reserved above a loading surface
// on goos.
func DefaultChromeHeight(goos string) int {
	if goos == "windows" {
		return 70
	}
	return 40
}

// Options configures a Registry.
type Options struct {
	// MaxSurfaces caps the ordered list. 0 means unbounded.
	MaxSurfaces  int
	ChromeHeight int
	CloseTimeout time.Duration
	// RefillDelay debounces re-creating a preloaded surface whose content
	// process died on its own.
	RefillDelay  time.Duration
	DefaultTitle string

	Clock    clock.Clock
	Logger   *zap.Logger
	Recorder Recorder
	Metrics  *metrics.Metrics

	// OnListChanged receives the ordered summaries after every list change.
	OnListChanged func([]Summary)
	// OnSignal receives inbound signals the registry does not handle itself.
	OnSignal func(id int, sig protocol.Signal)
}

func (o Options) withDefaults() Options {
	if o.ChromeHeight <= 0 {
		o.ChromeHeight = DefaultChromeHeight(runtime.GOOS)
	}
	if o.CloseTimeout <= 0 {
		o.CloseTimeout = DefaultCloseTimeout
	}
	if o.RefillDelay <= 0 {
		o.RefillDelay = DefaultRefillDelay
	}
	if o.DefaultTitle == "" {
		o.DefaultTitle = DefaultTitle
	}
	if o.Clock == nil {
		o.Clock = clock.Real{}
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// Registry tracks the content surfaces of one window.
type Registry struct {
	platform Platform
	window   Window
	opts     Options
	log      *zap.Logger

	mu           sync.Mutex
	surfaces     map[int]*record
	order        []int
	preload      *record
	focused      int
	focusOnReady int
	welcome      int
	seq          int
	noPreload    bool // set while CloseAll runs
	released     bool // set by ReleaseAll, never cleared
	refill       clock.Timer
	refillGen    int
}

// NewRegistry creates an empty registry. Call Start to materialize the first
// surface.
func NewRegistry(platform Platform, window Window, opts Options) *Registry {
	opts = opts.withDefaults()
	return &Registry{
		platform:     platform,
		window:       window,
		opts:         opts,
		log:          opts.Logger.Named("registry"),
		surfaces:     make(map[int]*record),
		focused:      -1,
		focusOnReady: -1,
		welcome:      -1,
	}
}

// Start creates the welcome surface, focuses it, and pre-warms a second.
func (r *Registry) Start() error {
	_, err := r.AddNewSurface()
	return err
}

// AddNewSurface appends a surface to the ordered list, taking it from the
// preload slot when one is waiting, then re-arms the slot. A surface that is
// still loading is focused once it reports ready; until then the current
// focus stays on top.
func (r *Registry) AddNewSurface() (int, error) {
	r.mu.Lock()
	if r.released {
		r.mu.Unlock()
		return 0, ErrReleased
	}
	if r.opts.MaxSurfaces > 0 && len(r.order) >= r.opts.MaxSurfaces {
		r.mu.Unlock()
		return 0, ErrSurfaceLimit
	}

	var fx effects
	rec := r.preload
	r.preload = nil
	if rec == nil {
		var err error
		rec, err = r.createLocked(&fx)
		if err != nil {
			r.mu.Unlock()
			fx.run()
			return 0, err
		}
	}
	rec.preloaded = false
	r.order = append(r.order, rec.id)

	r.preloadLocked(&fx)

	if !rec.loading || r.focused < 0 {
		r.focusLocked(rec.id)
	} else {
		r.raiseFocusedLocked()
		r.focusOnReady = rec.id
	}
	r.listChangedLocked(&fx)
	r.mu.Unlock()

	fx.run()
	return rec.id, nil
}

// FocusSurface focuses id. Unknown ids are ignored. Focusing the surface
// that already has focus only restacks it.
func (r *Registry) FocusSurface(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.focusLocked(id)
}

// MoveSurface moves the surface at index src of the ordered list to dst.
func (r *Registry) MoveSurface(src, dst int) bool {
	r.mu.Lock()
	if src == dst || src < 0 || dst < 0 || src >= len(r.order) || dst >= len(r.order) {
		r.mu.Unlock()
		return false
	}
	id := r.order[src]
	r.order = append(r.order[:src], r.order[src+1:]...)
	r.order = append(r.order[:dst], append([]int{id}, r.order[dst:]...)...)

	var fx effects
	r.listChangedLocked(&fx)
	r.mu.Unlock()

	fx.run()
	return true
}

// Summaries returns the ordered list as the tab strip sees it.
func (r *Registry) Summaries() []Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.summariesLocked()
}

// Info describes any tracked surface, including the preloaded one.
func (r *Registry) Info(id int) (Summary, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.surfaces[id]
	if rec == nil {
		return Summary{}, false
	}
	return rec.summary(r.focused), true
}

// Len returns the length of the ordered list.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.order)
}

// FocusedID returns the focused surface.
func (r *Registry) FocusedID() (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.focused, r.focused >= 0
}

// WelcomeID returns the first surface of the session, if it still exists.
func (r *Registry) WelcomeID() (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.surfaces[r.welcome]
	return r.welcome, ok
}

// PreloadID returns the surface waiting in the preload slot.
func (r *Registry) PreloadID() (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.preload == nil {
		return 0, false
	}
	return r.preload.id, true
}

// SendTo sends sig to one surface. It reports false for unknown ids.
func (r *Registry) SendTo(id int, sig protocol.Signal) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sendLocked(id, sig)
}

// SendToFocused sends sig to the focused surface, if any.
func (r *Registry) SendToFocused(sig protocol.Signal) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sendLocked(r.focused, sig)
}

// Broadcast sends sig to every tracked surface, the preloaded one included.
func (r *Registry) Broadcast(sig protocol.Signal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broadcastLocked(sig)
}

// createLocked allocates a surface. The first surface of the session is the
// welcome surface and skips the loading state.
func (r *Registry) createLocked(fx *effects) (*record, error) {
	s, err := r.platform.CreateSurface(r)
	if err != nil {
		r.log.Error("create surface", zap.Error(err))
		return nil, fmt.Errorf("create surface: %w", err)
	}
	r.seq++
	rec := &record{
		surface: s,
		id:      s.ID(),
		seq:     r.seq,
		loading: true,
		title:   r.opts.DefaultTitle,
	}
	if r.welcome < 0 {
		rec.welcome = true
		rec.loading = false
		r.welcome = rec.id
	}
	r.surfaces[rec.id] = rec
	r.layoutLocked(rec)

	r.log.Debug("surface created", zap.Int("id", rec.id), zap.Bool("welcome", rec.welcome))
	fx.record(r, protocol.EvSurfaceCreate, rec.id, "")
	return rec, nil
}

// preloadLocked keeps one surface pre-created outside the ordered list. While
// a refill is armed the timer owns the slot.
func (r *Registry) preloadLocked(fx *effects) {
	if r.preload != nil || r.noPreload || r.released || r.refill != nil {
		return
	}
	if r.opts.MaxSurfaces > 0 && len(r.order) >= r.opts.MaxSurfaces {
		return
	}
	rec, err := r.createLocked(fx)
	if err != nil {
		return
	}
	rec.preloaded = true
	r.preload = rec
	// The new surface was stacked on top; put the focused one back.
	r.raiseFocusedLocked()
}

// armRefillLocked schedules one preload refill. Arming while armed is a
// no-op, so a content command that dies on start creates at most one
// process per delay.
func (r *Registry) armRefillLocked() {
	if r.refill != nil {
		return
	}
	r.refillGen++
	gen := r.refillGen
	r.refill = r.opts.Clock.AfterFunc(r.opts.RefillDelay, func() { r.refillPreload(gen) })
}

func (r *Registry) disarmRefillLocked() {
	if r.refill == nil {
		return
	}
	r.refill.Stop()
	r.refill = nil
}

func (r *Registry) refillPreload(gen int) {
	r.mu.Lock()
	if r.refill == nil || gen != r.refillGen {
		r.mu.Unlock()
		return
	}
	r.refill = nil
	var fx effects
	if len(r.order) > 0 {
		r.preloadLocked(&fx)
	}
	r.mu.Unlock()
	fx.run()
}

// focusLocked moves focus to id, notifying blurred then focused when the
// target changes.
func (r *Registry) focusLocked(id int) {
	rec := r.surfaces[id]
	if rec == nil || rec.preloaded {
		return
	}
	old := r.focused
	r.focused = id
	rec.surface.Raise()
	rec.surface.Focus()

	if old != id {
		if prev := r.surfaces[old]; prev != nil {
			prev.wasFocused = true
			r.sendLocked(old, bare(protocol.SigBlurred))
		}
		r.sendLocked(id, bare(protocol.SigFocused))
	}
	r.focusOnReady = -1
}

func (r *Registry) raiseFocusedLocked() {
	if rec := r.surfaces[r.focused]; rec != nil {
		rec.surface.Raise()
	}
}

func (r *Registry) listChangedLocked(fx *effects) {
	list := r.summariesLocked()
	if sig, err := protocol.NewSignal(protocol.SigSurfacesUpdated, list); err == nil {
		r.broadcastLocked(sig)
	}
	r.opts.Metrics.SetSurfaces(len(list))
	if hook := r.opts.OnListChanged; hook != nil {
		*fx = append(*fx, func() { hook(list) })
	}
}

func (r *Registry) summariesLocked() []Summary {
	out := make([]Summary, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.surfaces[id].summary(r.focused))
	}
	return out
}

func (r *Registry) sendLocked(id int, sig protocol.Signal) bool {
	rec := r.surfaces[id]
	if rec == nil {
		return false
	}
	if err := rec.surface.Send(sig); err != nil {
		r.log.Debug("send signal", zap.Int("id", id), zap.String("signal", sig.Name), zap.Error(err))
		return false
	}
	return true
}

func (r *Registry) broadcastLocked(sig protocol.Signal) {
	for _, rec := range r.trackedLocked() {
		r.sendLocked(rec.id, sig)
	}
}

// trackedLocked returns every surface, oldest first.
func (r *Registry) trackedLocked() []*record {
	out := make([]*record, 0, len(r.surfaces))
	for _, rec := range r.surfaces {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

func (r *Registry) indexLocked(id int) int {
	for i, v := range r.order {
		if v == id {
			return i
		}
	}
	return -1
}

func bare(name string) protocol.Signal {
	return protocol.Signal{Name: name}
}

// effects are side effects collected under the lock and run after it is
// released: host callbacks and event log writes.
type effects []func()

func (fx effects) run() {
	for _, f := range fx {
		f()
	}
}

func (fx *effects) record(r *Registry, evType string, id int, payload string) {
	rec := r.opts.Recorder
	if rec == nil {
		return
	}
	log := r.log
	*fx = append(*fx, func() {
		if err := rec.Record(context.Background(), evType, "registry", strconv.Itoa(id), payload); err != nil {
			log.Debug("record event", zap.String("type", evType), zap.Error(err))
		}
	})
}
