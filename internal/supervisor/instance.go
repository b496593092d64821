package supervisor

import (
	"os/exec"
	"time"
)

// Status is the lifecycle state of a dev-server instance.
type Status string

const (
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
)

// Instance is an immutable snapshot of one running dev server, safe to hand
// out across goroutines.
type Instance struct {
	ProjectID  string    `json:"projectId"`
	Port       int       `json:"port"`
	Status     Status    `json:"status"`
	StartedAt  time.Time `json:"startedAt"`
	LastActive time.Time `json:"lastActive"`
}

// record is the supervisor's mutable view of an instance. All fields are
// guarded by the supervisor mutex except exited/exitCode, which the wait
// goroutine owns until it closes exited.
type record struct {
	projectID  string
	dir        string
	port       int
	status     Status
	startedAt  time.Time
	lastActive time.Time

	cmd      *exec.Cmd
	exited   chan struct{} // closed after cmd.Wait returns
	exitCode int

	// launchDone closes once the launch attempt has settled: running,
	// failed, or aborted. Stop waits on it before freeing the port.
	launchDone chan struct{}
}

func (r *record) snapshot() Instance {
	return Instance{
		ProjectID:  r.projectID,
		Port:       r.port,
		Status:     r.status,
		StartedAt:  r.startedAt,
		LastActive: r.lastActive,
	}
}
