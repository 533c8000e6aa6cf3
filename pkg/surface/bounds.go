package surface

// GeometryChange names a host window geometry event.
type GeometryChange string

// Geometry events.
const (
	GeometryResize          GeometryChange = "resize"
	GeometryMaximize        GeometryChange = "maximize"
	GeometryUnmaximize      GeometryChange = "unmaximize"
	GeometryEnterFullscreen GeometryChange = "enter-full-screen"
	GeometryLeaveFullscreen GeometryChange = "leave-full-screen"
)

// HandleGeometryChange recomputes the bounds of every tracked surface.
func (r *Registry) HandleGeometryChange(GeometryChange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.layoutLocked(r.trackedLocked()...)
}

// layoutLocked sizes recs to the full content area. A loading surface is
// pushed below the toolbar, but only once some listed surface is ready to
// draw that toolbar.
func (r *Registry) layoutLocked(recs ...*record) {
	if r.window == nil {
		return
	}
	b, ok := r.window.ContentBounds()
	if !ok {
		return
	}

	anyReady := false
	for _, id := range r.order {
		if !r.surfaces[id].loading {
			anyReady = true
			break
		}
	}

	for _, rec := range recs {
		y := 0
		if rec.loading && anyReady {
			y = r.opts.ChromeHeight
		}
		rec.surface.SetBounds(Rect{X: 0, Y: y, Width: b.Width, Height: b.Height})
	}
}
