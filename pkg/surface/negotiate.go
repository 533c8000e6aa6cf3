package surface

import (
	"beamhost/internal/metrics"
	"beamhost/pkg/clock"
	"beamhost/pkg/protocol"

	"go.uber.org/zap"
)

// CloseOptions controls CloseSurface.
type CloseOptions struct {
	// AllowEmpty permits closing the last surface of the ordered list.
	AllowEmpty bool
	// CloseWindow closes the host window when the list ends up empty.
	CloseWindow bool
}

// negotiation is one pending close-request. It resolves exactly once, under
// the registry lock, from whichever of close-reply, timeout or destruction
// gets there first.
type negotiation struct {
	id       int
	heard    bool // a reply or save-dialog-shown arrived; the timeout is void
	resolved bool
	closed   bool
	timer    clock.Timer
	done     chan struct{}
}

// CloseSurface closes id and reports whether it was closed. Surfaces that
// are still loading or sit in the preload slot are torn down at once;
// anything else is asked first and may decline, show a save prompt, or stay
// silent until the close timeout forces teardown. Unknown ids and closes
// that would violate the last-surface rule return false without contacting
// the surface. Concurrent calls for the same id share one negotiation.
func (r *Registry) CloseSurface(id int, opts CloseOptions) bool {
	r.mu.Lock()
	rec := r.surfaces[id]
	if rec == nil || !r.closableLocked(rec, opts.AllowEmpty) {
		r.mu.Unlock()
		return false
	}

	if n := rec.closing; n != nil {
		r.mu.Unlock()
		<-n.done
		return n.closed
	}

	var fx effects
	if rec.loading || rec.preloaded {
		r.log.Debug("forced close", zap.Int("id", id), zap.Bool("loading", rec.loading), zap.Bool("preloaded", rec.preloaded))
		r.teardownLocked(rec, teardown{release: true, outcome: metrics.OutcomeForced}, &fx)
		closeWindow := opts.CloseWindow && len(r.order) == 0
		r.mu.Unlock()
		fx.run()
		if closeWindow {
			r.closeWindow()
		}
		return true
	}

	n := &negotiation{id: id, done: make(chan struct{})}
	rec.closing = n
	n.timer = r.opts.Clock.AfterFunc(r.opts.CloseTimeout, func() { r.closeTimedOut(rec, n) })
	r.sendLocked(id, bare(protocol.SigCloseRequest))
	r.mu.Unlock()

	<-n.done

	if n.closed && opts.CloseWindow && r.Len() == 0 {
		r.closeWindow()
	}
	return n.closed
}

// CloseAll closes every surface, newest first, one negotiation at a time.
// The first surface that declines aborts the batch and later surfaces are
// never asked. On success the window is closed when closeWindow is set.
func (r *Registry) CloseAll(closeWindow bool) bool {
	r.mu.Lock()
	r.noPreload = true
	tracked := r.trackedLocked()
	r.mu.Unlock()

	ok := true
	for i := len(tracked) - 1; i >= 0; i-- {
		id := tracked[i].id
		if !r.has(id) {
			continue
		}
		if !r.CloseSurface(id, CloseOptions{AllowEmpty: true}) {
			r.log.Info("close all aborted", zap.Int("declined_by", id))
			ok = false
			break
		}
	}

	var fx effects
	r.mu.Lock()
	r.noPreload = false
	if !ok && len(r.order) > 0 {
		r.preloadLocked(&fx)
	}
	r.mu.Unlock()
	fx.run()

	if ok && closeWindow {
		r.closeWindow()
	}
	return ok
}

// ReleaseAll shuts down every content process, the preload slot included,
// without asking. Pending negotiations resolve as closed. The registry stays
// empty afterwards. Used once the window itself is gone.
func (r *Registry) ReleaseAll() {
	r.mu.Lock()
	if r.released {
		r.mu.Unlock()
		return
	}
	r.released = true
	r.disarmRefillLocked()

	var fx effects
	tracked := r.trackedLocked()
	for _, rec := range tracked {
		if n := rec.closing; n != nil {
			n.resolved = true
			n.closed = true
			n.timer.Stop()
			rec.closing = nil
			close(n.done)
		}
		rec.surface.Detach()
		rec.surface.Release()
		rec.destroyed = true
		fx.record(r, protocol.EvSurfaceClose, rec.id, metrics.OutcomeForced)
	}
	clear(r.surfaces)
	r.order = nil
	r.preload = nil
	r.focused = -1
	r.focusOnReady = -1
	r.opts.Metrics.SetSurfaces(0)
	r.mu.Unlock()

	if len(tracked) > 0 {
		r.log.Info("released surfaces", zap.Int("count", len(tracked)))
	}
	fx.run()
}

// HandleDestroyed removes a surface whose content process went away without
// negotiating. Losing the focused surface moves focus to the welcome surface
// when that still exists, otherwise to a neighbour.
func (r *Registry) HandleDestroyed(id int) {
	r.mu.Lock()
	rec := r.surfaces[id]
	if rec == nil {
		r.mu.Unlock()
		return
	}
	var fx effects
	r.log.Warn("surface destroyed", zap.Int("id", id))
	fx.record(r, protocol.EvSurfaceDestroy, id, string(rec.state(r.focused)))

	if n := rec.closing; n != nil {
		n.heard = true
		r.resolveLocked(rec, n, true, false, metrics.OutcomeClosed, &fx)
	} else {
		r.teardownLocked(rec, teardown{}, &fx)
	}
	r.mu.Unlock()
	fx.run()
}

func (r *Registry) closeTimedOut(rec *record, n *negotiation) {
	r.mu.Lock()
	if n.resolved || n.heard {
		r.mu.Unlock()
		return
	}
	r.log.Warn("surface did not answer close request, forcing", zap.Int("id", n.id),
		zap.Duration("timeout", r.opts.CloseTimeout))
	var fx effects
	r.resolveLocked(rec, n, true, true, metrics.OutcomeTimeout, &fx)
	r.mu.Unlock()
	fx.run()
}

// onCloseReply handles close-reply for a pending negotiation.
func (r *Registry) onCloseReplyLocked(rec *record, closeIt bool, fx *effects) {
	n := rec.closing
	if n == nil {
		return
	}
	n.heard = true
	if closeIt {
		r.resolveLocked(rec, n, true, true, metrics.OutcomeClosed, fx)
		return
	}
	r.log.Info("close declined", zap.Int("id", rec.id))
	r.resolveLocked(rec, n, false, false, metrics.OutcomeDeclined, fx)
}

// onSaveDialogShownLocked voids the timeout and brings the prompting
// surface to the front.
func (r *Registry) onSaveDialogShownLocked(rec *record) {
	n := rec.closing
	if n == nil {
		return
	}
	n.heard = true
	if r.focused != rec.id {
		r.focusLocked(rec.id)
	}
}

// resolveLocked settles n once. A closed outcome tears the surface down;
// release is false when its content process is already gone.
func (r *Registry) resolveLocked(rec *record, n *negotiation, closed, release bool, outcome string, fx *effects) {
	if n.resolved {
		return
	}
	n.resolved = true
	n.closed = closed
	n.timer.Stop()
	rec.closing = nil

	if closed {
		r.teardownLocked(rec, teardown{release: release, outcome: outcome}, fx)
	} else {
		r.opts.Metrics.SurfaceClosed(outcome)
	}
	close(n.done)
}

// teardown selects how a surface leaves the registry.
type teardown struct {
	release bool   // shut down the content process; false when it is already gone
	outcome string // close outcome; empty for an unexpected destruction
}

// teardownLocked detaches rec and removes it from the registry. Focus moves
// off it if needed and the preload slot is refilled, after RefillDelay when
// the preloaded process died on its own.
func (r *Registry) teardownLocked(rec *record, how teardown, fx *effects) {
	rec.surface.Detach()
	if how.release {
		rec.surface.Release()
	}
	rec.destroyed = true
	delete(r.surfaces, rec.id)
	if how.outcome != "" {
		r.opts.Metrics.SurfaceClosed(how.outcome)
		fx.record(r, protocol.EvSurfaceClose, rec.id, how.outcome)
	}

	if r.preload == rec {
		r.preload = nil
		if how.outcome == "" {
			r.armRefillLocked()
		} else {
			r.preloadLocked(fx)
		}
		return
	}
	if r.focusOnReady == rec.id {
		r.focusOnReady = -1
	}

	idx := r.indexLocked(rec.id)
	if idx >= 0 {
		r.order = append(r.order[:idx], r.order[idx+1:]...)
	}

	if r.focused == rec.id {
		r.focused = -1
		_, welcomeListed := r.surfaces[r.welcome]
		switch {
		case how.outcome == "" && !rec.welcome && welcomeListed:
			r.focusLocked(r.welcome)
		case len(r.order) > 0:
			next := min(max(idx, 0), len(r.order)-1)
			r.focusLocked(r.order[next])
		}
	} else {
		r.raiseFocusedLocked()
	}

	r.listChangedLocked(fx)
	if len(r.order) > 0 {
		r.preloadLocked(fx)
	}
}

// closableLocked applies the last-surface rule. Surfaces already negotiating
// a close count as gone, so concurrent closes cannot empty the list between
// them.
func (r *Registry) closableLocked(rec *record, allowEmpty bool) bool {
	if rec.preloaded {
		return true
	}
	if rec.welcome {
		return allowEmpty && len(r.order) == 1
	}
	if allowEmpty {
		return true
	}
	remaining := len(r.order)
	for _, id := range r.order {
		if other := r.surfaces[id]; other != rec && other.closing != nil {
			remaining--
		}
	}
	return remaining > 1
}

func (r *Registry) has(id int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.surfaces[id]
	return ok
}

func (r *Registry) closeWindow() {
	if r.window == nil {
		return
	}
	if err := r.window.Close(); err != nil {
		r.log.Warn("close window", zap.Error(err))
	}
}
