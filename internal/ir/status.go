package ir

import "fmt"

// Status is the persisted lifecycle state of a deployment.
type Status string

const (
	StatusQueued       Status = "QUEUED"
	StatusSynthesizing Status = "SYNTHESIZING"
	StatusCreating     Status = "CREATING"
	StatusInstalling   Status = "INSTALLING"
	StatusOnline       Status = "ONLINE"
	StatusFailed       Status = "FAILED"
	StatusError        Status = "ERROR"
	StatusDeleting     Status = "DELETING"
	StatusDeleted      Status = "DELETED"

	// Reserved for lifecycle operations that are not implemented yet.
	StatusStopping    Status = "STOPPING"
	StatusStopped     Status = "STOPPED"
	StatusRestarting  Status = "RESTARTING"
	StatusUpgrading   Status = "UPGRADING"
	StatusRollingBack Status = "ROLLINGBACK"
)

// AllStatuses lists every known status in declaration order.
var AllStatuses = []Status{
	StatusQueued, StatusSynthesizing, StatusCreating, StatusInstalling, StatusOnline,
	StatusFailed, StatusError, StatusDeleting, StatusDeleted,
	StatusStopping, StatusStopped, StatusRestarting, StatusUpgrading, StatusRollingBack,
}

// In-flight statuses can move back to the first status of their path, so
// that a run interrupted before it finished is picked up again.
var transitions = map[Status][]Status{
	StatusQueued:       {StatusSynthesizing, StatusDeleting},
	StatusSynthesizing: {StatusSynthesizing, StatusCreating, StatusDeleting, StatusQueued, StatusOnline, StatusFailed, StatusError},
	StatusCreating:     {StatusSynthesizing, StatusInstalling, StatusFailed, StatusDeleting},
	StatusInstalling:   {StatusSynthesizing, StatusOnline, StatusError, StatusDeleting},
	StatusOnline:       {StatusSynthesizing, StatusDeleting},
	StatusFailed:       {StatusSynthesizing, StatusDeleting},
	StatusError:        {StatusSynthesizing, StatusDeleting},
	StatusDeleting:     {StatusDeleting, StatusDeleted, StatusError},
	StatusDeleted:      nil,
	StatusStopping:     {StatusDeleting},
	StatusStopped:      {StatusDeleting},
	StatusRestarting:   {StatusDeleting},
	StatusUpgrading:    {StatusDeleting},
	StatusRollingBack:  {StatusDeleting},
}

// ParseStatus converts a persisted string into a Status.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown status %q", s)
	}
	return st, nil
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Terminal reports whether a workflow run ends in s.
func (s Status) Terminal() bool {
	switch s {
	case StatusOnline, StatusFailed, StatusError, StatusDeleted:
		return true
	}
	return false
}

// InFlight reports whether s is only held while a workflow run is active.
func (s Status) InFlight() bool {
	switch s {
	case StatusSynthesizing, StatusCreating, StatusInstalling, StatusDeleting:
		return true
	}
	return false
}

func (s Status) String() string { return string(s) }

// CanTransition reports whether a deployment may move from one status to another.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
