// Package surface manages the content surfaces ("tabs") of the host window.
//
// The Registry owns the ordered list, the single preload slot and the focus
// pointer. Surfaces are supplied by a Platform and talk back to the Registry
// through the Sink interface; they never reorder themselves.
package surface

import (
	"context"
	"errors"

	"beamhost/pkg/protocol"
)

// ErrSurfaceLimit is returned by AddNewSurface when the ordered list is full.
var ErrSurfaceLimit = errors.New("surface limit reached")

// ErrReleased is returned by AddNewSurface after ReleaseAll.
var ErrReleased = errors.New("surface registry released")

// Rect is an on-screen rectangle in window content coordinates.
type Rect struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Surface is one renderable content surface backed by its own content
// process. Implementations must not call back into the Sink synchronously
// from any of these methods, and Send must not block on the content process.
type Surface interface {
	ID() int
	Send(sig protocol.Signal) error
	SetBounds(r Rect)
	// Raise stacks the surface above its siblings.
	Raise()
	// Focus gives the surface keyboard focus.
	Focus()
	// Detach removes the surface from the window.
	Detach()
	// Release shuts down the content process.
	Release()
}

// Sink receives events from surfaces. The Registry implements it.
type Sink interface {
	HandleSignal(id int, sig protocol.Signal)
	HandleDestroyed(id int)
}

// Platform allocates surfaces attached to the host window.
type Platform interface {
	CreateSurface(sink Sink) (Surface, error)
}

// Window is the host window: the geometry source for bounds and the thing
// closed once every surface is gone.
type Window interface {
	// ContentBounds reports the client area. ok is false once the window is
	// gone.
	ContentBounds() (r Rect, ok bool)
	Close() error
}

// Recorder persists lifecycle events. *eventlog.Store satisfies it.
type Recorder interface {
	Record(ctx context.Context, evType, source, subject, payload string) error
}

// State is the lifecycle state of a surface, derived from its record.
type State string

// Surface lifecycle states.
const (
	Loading            State = "loading"
	Ready              State = "ready"
	Focused            State = "focused"
	Blurred            State = "blurred"
	ClosingNegotiation State = "closing"
	Destroyed          State = "destroyed"
)

// Summary describes one surface to the tab strip.
type Summary struct {
	ID          int    `json:"id"`
	Title       string `json:"title"`
	IsCloud     bool   `json:"isCloud"`
	IsFocused   bool   `json:"isFocused"`
	IsLoading   bool   `json:"isLoading"`
	IsWelcome   bool   `json:"isWelcome"`
	IsPreloaded bool   `json:"isPreloaded"`
	Mode        string `json:"mode"`
	PreviewMode bool   `json:"previewMode"`
	Unsaved     bool   `json:"hasUnsavedChanges"`
	State       State  `json:"state"`
}

// record is the registry's view of one surface.
type record struct {
	surface Surface
	id      int
	seq     int // creation order

	welcome    bool
	preloaded  bool
	loading    bool
	wasFocused bool
	destroyed  bool

	title       string
	isCloud     bool
	mode        string
	previewMode bool
	unsaved     bool

	closing *negotiation
}

func (rec *record) state(focusedID int) State {
	switch {
	case rec.destroyed:
		return Destroyed
	case rec.closing != nil:
		return ClosingNegotiation
	case rec.loading:
		return Loading
	case rec.id == focusedID:
		return Focused
	case rec.wasFocused:
		return Blurred
	default:
		return Ready
	}
}

func (rec *record) summary(focusedID int) Summary {
	return Summary{
		ID:          rec.id,
		Title:       rec.title,
		IsCloud:     rec.isCloud,
		IsFocused:   rec.id == focusedID,
		IsLoading:   rec.loading,
		IsWelcome:   rec.welcome,
		IsPreloaded: rec.preloaded,
		Mode:        rec.mode,
		PreviewMode: rec.previewMode,
		Unsaved:     rec.unsaved,
		State:       rec.state(focusedID),
	}
}
