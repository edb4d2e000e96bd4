// Package notify is the boundary to user-visible notification delivery.
// The engine decides when to emit and with what payload; implementations
// decide how the event reaches the user.
package notify

import "github.com/google/uuid"

// Kind classifies a notification event.
type Kind string

const (
	KindPartnerWorkout Kind = "partner_workout"
	KindNudge          Kind = "nudge"
	KindWeekResult     Kind = "week_result"
)

// Event is the payload handed to a Notifier.
type Event struct {
	Kind    Kind
	PairID  uuid.UUID
	FromID  uuid.UUID
	Title   string
	Message string
}

// Notifier delivers events to the user. Implementations must be safe for
// concurrent use.
type Notifier interface {
	Notify(event Event)
}

// Discard drops every event. Useful when no delivery channel is configured.
type Discard struct{}

// Notify implements Notifier.
func (Discard) Notify(Event) {}
