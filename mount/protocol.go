package mount

import (
	"fmt"
	"time"

	"github.com/ghyeongl/lazytree/background"
	"github.com/ghyeongl/lazytree/gitlock"
	"github.com/ghyeongl/lazytree/logging"
)

// State is the mount lifecycle as reported by GET /status.
type State int

const (
	Mounting State = iota
	Ready
	Failed
	Unmounting
)

var stateNames = map[State]string{
	Mounting:   "Mounting",
	Ready:      "Ready",
	Failed:     "Failed",
	Unmounting: "Unmounting",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	for state, name := range stateNames {
		if name == string(text) {
			*s = state
			return nil
		}
	}
	return fmt.Errorf("unknown mount state %q", text)
}

// Lock request results.
const (
	ResultAccepted      = "Accepted"
	ResultDenied        = "Denied"
	ResultAvailable     = "Available"
	ResultUnavailable   = "Unavailable"
	ResultMountNotReady = "MountNotReady"

	ResultSuccess   = "Success"
	ResultNotHolder = "NotHolder"
)

// AcquireResponse answers POST /lock/acquire. The request body is a
// gitlock.LockHolder.
type AcquireResponse struct {
	Result         string              `json:"result"`
	ExistingHolder *gitlock.LockHolder `json:"existingHolder,omitempty"`
	Message        string              `json:"message,omitempty"`
}

// ReleaseRequest is the body of POST /lock/release.
type ReleaseRequest struct {
	PID int `json:"pid"`
}

// ReleaseResponse answers POST /lock/release.
type ReleaseResponse struct {
	Result string `json:"result"`
}

// StatusResponse answers GET /status.
type StatusResponse struct {
	MountID       string                   `json:"mountId"`
	Enlistment    string                   `json:"enlistment"`
	State         State                    `json:"state"`
	Error         string                   `json:"error,omitempty"`
	LockStatus    string                   `json:"lockStatus,omitempty"`
	QueueLen      int                      `json:"queueLen"`
	Worker        *background.WorkerStatus `json:"worker,omitempty"`
	ModifiedPaths int                      `json:"modifiedPaths"`
	LogDir        string                   `json:"logDir,omitempty"`
	StartedAt     time.Time                `json:"startedAt"`
	RecentErrors  []logging.LogEntry       `json:"recentErrors"`
}

// WaitResponse answers POST /background/wait.
type WaitResponse struct {
	Remaining int `json:"remaining"`
}
