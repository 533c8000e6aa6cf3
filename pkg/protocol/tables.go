package protocol

// Event represents a row in the events SQLite table.
type Event struct {
	ID        int64  `json:"id"`
	Session   string `json:"session"`
	Type      string `json:"type"`
	Source    string `json:"source"`
	Subject   string `json:"subject"`
	Payload   string `json:"payload"`
	CreatedAt string `json:"created_at"`
}

// Event types written to the log.
const (
	EvWorkerSpawn     = "worker_spawn"
	EvWorkerSpawnFail = "worker_spawn_failed"
	EvWorkerReady     = "worker_ready"
	EvWorkerExit      = "worker_exit"
	EvWorkerRecover   = "worker_recover"
	EvWorkerStop      = "worker_stop"
	EvWorkerMissing   = "worker_not_installed"
	EvWorkerStderr    = "worker_stderr"
	EvSurfaceCreate   = "surface_create"
	EvSurfaceClose    = "surface_close"
	EvSurfaceDestroy  = "surface_destroyed"
	EvSessionStart    = "session_start"
	EvSessionEnd      = "session_end"
)
