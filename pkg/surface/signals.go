package surface

import (
	"beamhost/pkg/protocol"

	"go.uber.org/zap"
)

// HandleSignal processes a signal sent by surface id's content process.
// Metadata updates are merged unconditionally. Tab-strip requests act on the
// registry; a close request runs on its own goroutine because it waits on a
// negotiation that this very surface may have to answer.
func (r *Registry) HandleSignal(id int, sig protocol.Signal) {
	r.mu.Lock()
	rec := r.surfaces[id]
	if rec == nil {
		r.mu.Unlock()
		return
	}

	var fx effects
	var after func()
	switch sig.Name {
	case protocol.SigReady:
		r.onReadyLocked(rec, &fx)

	case protocol.SigCloseReply:
		var reply protocol.CloseReply
		if !r.bind(id, sig, &reply) {
			break
		}
		r.onCloseReplyLocked(rec, reply.Close, &fx)

	case protocol.SigSaveDialogShown:
		r.onSaveDialogShownLocked(rec)

	case protocol.SigSetTitle:
		var p protocol.TitlePayload
		if r.bind(id, sig, &p) {
			rec.title, rec.isCloud = p.Title, p.IsCloud
			r.listChangedLocked(&fx)
		}

	case protocol.SigSetMode:
		var p protocol.ModePayload
		if r.bind(id, sig, &p) {
			rec.mode = p.Mode
			r.listChangedLocked(&fx)
		}

	case protocol.SigSetPreviewMode:
		var p protocol.PreviewModePayload
		if r.bind(id, sig, &p) {
			rec.previewMode = p.Enabled
			r.listChangedLocked(&fx)
		}

	case protocol.SigSetUnsaved:
		var p protocol.UnsavedPayload
		if r.bind(id, sig, &p) {
			rec.unsaved = p.Unsaved
			r.listChangedLocked(&fx)
		}

	case protocol.SigFocusSurface:
		var p protocol.SurfaceRef
		if r.bind(id, sig, &p) {
			r.focusLocked(p.ID)
		}

	case protocol.SigMoveSurface:
		var p protocol.MovePayload
		if r.bind(id, sig, &p) {
			after = func() { r.MoveSurface(p.From, p.To) }
		}

	case protocol.SigAddSurface:
		after = func() {
			if _, err := r.AddNewSurface(); err != nil {
				r.log.Info("add surface", zap.Error(err))
			}
		}

	case protocol.SigCloseSurface:
		var p protocol.SurfaceRef
		if r.bind(id, sig, &p) {
			target := p.ID
			after = func() {
				go r.CloseSurface(target, CloseOptions{AllowEmpty: true, CloseWindow: true})
			}
		}

	default:
		if hook := r.opts.OnSignal; hook != nil {
			fx = append(fx, func() { hook(id, sig) })
		}
	}
	r.mu.Unlock()

	fx.run()
	if after != nil {
		after()
	}
}

// onReadyLocked marks rec loaded and applies any focus request waiting on it.
func (r *Registry) onReadyLocked(rec *record, fx *effects) {
	rec.loading = false
	r.layoutLocked(r.trackedLocked()...)

	switch rec.id {
	case r.focusOnReady:
		r.focusLocked(rec.id)
	case r.focused:
		// Content reloaded; it has lost its notion of being focused.
		r.sendLocked(rec.id, bare(protocol.SigFocused))
	}
	r.listChangedLocked(fx)
}

func (r *Registry) bind(id int, sig protocol.Signal, v any) bool {
	if err := sig.Bind(v); err != nil {
		r.log.Debug("bad signal payload", zap.Int("id", id), zap.String("signal", sig.Name), zap.Error(err))
		return false
	}
	return true
}
