package transcode

import (
	"time"

	"streamcast/internal/stream"
)

// JobState is the lifecycle state of one supervised transcoder process
type JobState string

const (
	StateStarting JobState = "starting"
	StateRunning  JobState = "running"
	StateStopping JobState = "stopping"
	StateStopped  JobState = "stopped"
	StateCrashed  JobState = "crashed"
)

// Job represents one supervised subprocess. Owned exclusively by the
// Supervisor; all fields are guarded by the supervisor mutex.
type Job struct {
	identity      stream.Identity
	state         JobState
	restartBudget int
	stopRequested bool
	// restartPending marks a publish that arrived while the previous
	// process was still stopping; reap respawns instead of removing.
	restartPending bool
	proc           process
	restartTimer   *time.Timer
	done           chan struct{}
}

// JobInfo is a read-only snapshot of a job for health and stats
type JobInfo struct {
	Path          string   `json:"path"`
	State         JobState `json:"state"`
	RestartBudget int      `json:"restartBudget"`
}

// process abstracts a launched transcoder so the supervisor state
// machine can be exercised without ffmpeg
type process interface {
	// Terminate asks the process to exit gracefully
	Terminate() error
	// Done yields the process exit error exactly once
	Done() <-chan error
}
