package protocol

import "encoding/json"

// Signal is a named message exchanged with a content process. On the wire it
// is one JSON object per line.
type Signal struct {
	Name    string          `json:"signal"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewSignal builds a Signal, encoding payload when it is non-nil.
func NewSignal(name string, payload any) (Signal, error) {
	sig := Signal{Name: name}
	if payload == nil {
		return sig, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Signal{}, err
	}
	sig.Payload = raw
	return sig, nil
}

// Bind decodes the payload into v. A missing payload leaves v untouched.
func (s Signal) Bind(v any) error {
	if len(s.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(s.Payload, v)
}

// Signals sent from the host to a content process.
const (
	SigCloseRequest     = "close-request"
	SigFocused          = "focused"
	SigBlurred          = "blurred"
	SigSurfacesUpdated  = "surfaces-updated"
	SigWorkerUp         = "worker-up"
	SigWorkerDown       = "worker-down"
	SigWorkerStatus     = "worker-status"
	SigDeviceStatus     = "device-status"
	SigWindowFullscreen = "window-fullscreen"
	SigWindowMaximize   = "window-maximize"
	SigBounds           = "bounds"
)

// Signals a content process sends to the host.
const (
	SigReady             = "ready"
	SigCloseReply        = "close-reply"
	SigSaveDialogShown   = "save-dialog-shown"
	SigSetTitle          = "set-title"
	SigSetMode           = "set-mode"
	SigSetPreviewMode    = "set-preview-mode"
	SigSetUnsaved        = "set-unsaved"
	SigFocusSurface      = "focus-surface"
	SigAddSurface        = "add-surface"
	SigCloseSurface      = "close-surface"
	SigMoveSurface       = "move-surface"
	SigCheckWorkerStatus = "check-worker-status"
	SigPoke              = "poke"
)

// CloseReply is the payload of close-reply.
type CloseReply struct {
	Close bool `json:"close"`
}

// TitlePayload is the payload of set-title.
type TitlePayload struct {
	Title   string `json:"title"`
	IsCloud bool   `json:"isCloud"`
}

// ModePayload is the payload of set-mode.
type ModePayload struct {
	Mode string `json:"mode"`
}

// PreviewModePayload is the payload of set-preview-mode.
type PreviewModePayload struct {
	Enabled bool `json:"enabled"`
}

// UnsavedPayload is the payload of set-unsaved.
type UnsavedPayload struct {
	Unsaved bool `json:"unsaved"`
}

// SurfaceRef is the payload of focus-surface and close-surface.
type SurfaceRef struct {
	ID int `json:"id"`
}

// MovePayload is the payload of move-surface.
type MovePayload struct {
	From int `json:"from"`
	To   int `json:"to"`
}

// PokePayload is the payload of poke: an address the worker should probe
// for a machine that discovery has not found.
type PokePayload struct {
	Addr string `json:"addr"`
}

// WorkerInfo is the payload of worker-up and worker-status.
type WorkerInfo struct {
	Alive   bool     `json:"alive"`
	Port    int      `json:"port,omitempty"`
	Devices []Device `json:"devices,omitempty"`
}

// WindowFlag is the payload of window-fullscreen and window-maximize.
type WindowFlag struct {
	On bool `json:"on"`
}

// Bounds is the payload of bounds: the surface's rectangle in window content
// coordinates.
type Bounds struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}
