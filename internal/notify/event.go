// Package notify delivers container update events to chat webhooks.
package notify

import "fmt"

// Kind identifies what happened to a container.
type Kind string

const (
	KindUpdated   Kind = "updated"
	KindAvailable Kind = "available"
	KindFailed    Kind = "failed"
	// KindDown is a failure after the old container was removed; nothing is
	// running under the name any more.
	KindDown Kind = "down"
)

// IsFailure reports whether the kind reports a failed update.
func (k Kind) IsFailure() bool {
	return k == KindFailed || k == KindDown
}

// Event is a single notification about one container.
type Event struct {
	Kind      Kind
	Container string
	Image     string
	Err       error
}

// Title is a short summary suitable as a message heading.
func (e Event) Title() string {
	switch e.Kind {
	case KindUpdated:
		return "Container updated"
	case KindAvailable:
		return "Update available"
	case KindDown:
		return "Container down"
	default:
		return "Update failed"
	}
}

// Text renders the event as a single chat line.
func (e Event) Text() string {
	switch e.Kind {
	case KindUpdated:
		return fmt.Sprintf("✅ Updated Docker container `%s` (%s)", e.Container, e.Image)
	case KindAvailable:
		return fmt.Sprintf("⚠️ Update available for `%s` (%s), manual action required.", e.Container, e.Image)
	case KindDown:
		return fmt.Sprintf("🚨 Container `%s` (%s) is DOWN: it was removed but the replacement failed to start: %v", e.Container, e.Image, e.Err)
	default:
		if e.Err != nil {
			return fmt.Sprintf("❌ Failed to update `%s` (%s): %v", e.Container, e.Image, e.Err)
		}
		return fmt.Sprintf("❌ Failed to update `%s` (%s)", e.Container, e.Image)
	}
}

// Level selects which events are delivered.
type Level string

const (
	LevelAll     Level = "all"
	LevelFailure Level = "failure"
	LevelNone    Level = "none"
)

// Allows reports whether events of kind k pass the level. Unknown levels
// behave like LevelAll.
func (l Level) Allows(k Kind) bool {
	switch l {
	case LevelNone:
		return false
	case LevelFailure:
		return k.IsFailure()
	default:
		return true
	}
}
