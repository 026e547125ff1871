package update

import (
	"errors"
	"fmt"
)

var (
	// ErrContainerGone reports a container that vanished between enumeration
	// and use.
	ErrContainerGone = errors.New("container no longer exists")
	// ErrUnsupported reports a registry that cannot answer a manifest lookup.
	ErrUnsupported = errors.New("manifest lookup unsupported")
)

// ConnectivityError means the container runtime could not be reached.
type ConnectivityError struct {
	Op  string
	Err error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("runtime unreachable during %s: %v", e.Op, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// LookupError means the identity of an image could not be resolved, locally,
// at the registry or by pulling.
type LookupError struct {
	Ref      string
	Strategy Strategy
	Err      error
}

func (e *LookupError) Error() string {
	return fmt.Sprintf("%s lookup of %s failed: %v", e.Strategy, e.Ref, e.Err)
}

func (e *LookupError) Unwrap() error { return e.Err }

// Stage tells how far a failed recreation got.
type Stage int

const (
	// StagePreRemoval means the old container still exists (possibly stopped).
	StagePreRemoval Stage = iota
	// StagePostRemoval means the old container is gone and no replacement runs.
	StagePostRemoval
)

func (s Stage) String() string {
	if s == StagePostRemoval {
		return "post-removal"
	}
	return "pre-removal"
}

// RecreationError is a failed stop, remove or launch.
type RecreationError struct {
	Name  string
	Step  string
	Stage Stage
	Err   error
}

func (e *RecreationError) Error() string {
	if e.Stage == StagePostRemoval {
		return fmt.Sprintf("%s %s failed after removal, container is absent: %v", e.Step, e.Name, e.Err)
	}
	return fmt.Sprintf("%s %s failed: %v", e.Step, e.Name, e.Err)
}

func (e *RecreationError) Unwrap() error { return e.Err }

// NotificationError is a failed delivery to a notification sink. It is only
// ever logged.
type NotificationError struct {
	Sink string
	Err  error
}

func (e *NotificationError) Error() string {
	return fmt.Sprintf("notify %s: %v", e.Sink, e.Err)
}

func (e *NotificationError) Unwrap() error { return e.Err }

// IsPostRemoval reports whether err leaves the container absent.
func IsPostRemoval(err error) bool {
	var re *RecreationError
	return errors.As(err, &re) && re.Stage == StagePostRemoval
}

// Classify returns a stable kind for logs, notifications and metric labels.
func Classify(err error) string {
	var (
		ce *ConnectivityError
		le *LookupError
		re *RecreationError
		ne *NotificationError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &re):
		if re.Stage == StagePostRemoval {
			return "recreate_post_removal"
		}
		return "recreate_pre_removal"
	case errors.As(err, &ce):
		return "connectivity"
	case errors.As(err, &le):
		return "lookup"
	case errors.As(err, &ne):
		return "notification"
	case errors.Is(err, ErrContainerGone):
		return "container_gone"
	default:
		return "unknown"
	}
}
