package host

import (
	"sync"

	"beamhost/pkg/surface"
)

// Window is a headless host window: it tracks the client area and the
// fullscreen and maximize flags, and reports when it has been closed.
type Window struct {
	mu         sync.Mutex
	width      int
	height     int
	fullscreen bool
	maximized  bool
	closed     bool
	done       chan struct{}
}

// NewWindow creates an open window with the given client size.
func NewWindow(width, height int) *Window {
	return &Window{width: width, height: height, done: make(chan struct{})}
}

// ContentBounds implements surface.Window.
func (w *Window) ContentBounds() (surface.Rect, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return surface.Rect{}, false
	}
	return surface.Rect{Width: w.width, Height: w.height}, true
}

// Close implements surface.Window. Closing twice is a no-op.
func (w *Window) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.closed {
		w.closed = true
		close(w.done)
	}
	return nil
}

// Done is closed once the window is closed.
func (w *Window) Done() <-chan struct{} { return w.done }

// Fullscreen reports the fullscreen flag.
func (w *Window) Fullscreen() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fullscreen
}

// Maximized reports the maximize flag.
func (w *Window) Maximized() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.maximized
}

func (w *Window) resize(width, height int) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.width == width && w.height == height {
		return false
	}
	w.width, w.height = width, height
	return true
}

func (w *Window) setFullscreen(on bool) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	changed := w.fullscreen != on
	w.fullscreen = on
	return changed
}

func (w *Window) setMaximized(on bool) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	changed := w.maximized != on
	w.maximized = on
	return changed
}
