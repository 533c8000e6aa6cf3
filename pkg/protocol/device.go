package protocol

// Device is one frame of the worker's device discovery stream. Numeric
// readings the machine has not reported arrive as NaN and decode to nil.
type Device struct {
	UUID     string   `json:"uuid"`
	Serial   string   `json:"serial"`
	Source   string   `json:"source"`
	Name     string   `json:"name"`
	Model    string   `json:"model"`
	Version  string   `json:"version"`
	Addr     string   `json:"ipaddr"`
	Alive    bool     `json:"alive"`
	StatusID *int     `json:"st_id"`
	Progress *float64 `json:"st_prog"`
}

// Key identifies a device across discovery sources.
func (d Device) Key() string {
	return d.Source + ":" + d.UUID
}

// DecodeDevice decodes a discovery frame. Frames without a uuid are dropped.
func DecodeDevice(frame []byte) (Device, bool) {
	var d Device
	if !Unmarshal(frame, &d) || d.UUID == "" {
		return Device{}, false
	}
	return d, true
}
