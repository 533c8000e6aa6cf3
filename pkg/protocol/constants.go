package protocol

// Directory and file name constants used throughout beamhost.
const (
	// StateDir is the user-level state directory (e.g., ~/.beamhost).
	StateDir = ".beamhost"

	// EventDBName is the SQLite event log inside StateDir.
	EventDBName = "events.db"

	// DiscoverPath is the websocket path of the worker's device discovery
	// stream.
	DiscoverPath = "/ws/discover"
)
