package host

import (
	"sort"

	"beamhost/pkg/protocol"
)

// onDevice records a discovery frame and forwards it to the focused surface.
// A LAN device that reports itself dead is forgotten; USB and other sources
// keep their last frame.
func (h *Host) onDevice(d protocol.Device) {
	sig, err := protocol.NewSignal(protocol.SigDeviceStatus, d)
	if err == nil {
		h.registry.SendToFocused(sig)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if !d.Alive && d.Source == "lan" {
		delete(h.devices, d.Key())
		return
	}
	h.devices[d.Key()] = d
}

// Devices returns the known devices ordered by key.
func (h *Host) Devices() []protocol.Device {
	h.mu.Lock()
	defer h.mu.Unlock()
	keys := make([]string, 0, len(h.devices))
	for k := range h.devices {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]protocol.Device, 0, len(keys))
	for _, k := range keys {
		out = append(out, h.devices[k])
	}
	return out
}
