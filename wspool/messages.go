package wspool

import (
	"github.com/hollevik/streamsub/twitch/eventsub"
)

// Event is delivered to the consumer send func. The send func must not
// call back into the pool and should hand the event off quickly.
type Event any

// NotificationEvent is sent when an event notification is received for a
// registered topic.
type NotificationEvent struct {
	Message eventsub.Message[eventsub.NotificationPayload]
}

// RevokedEvent is sent when the server revoked a registered topic.
type RevokedEvent struct {
	Kind   Kind
	Login  string
	Reason string
}

// CapacityEvent is sent when a topic could not be placed because every
// connection is full and no new connection may be opened.
type CapacityEvent struct {
	Kind  Kind
	Login string
}

// ErrorEvent is sent when a protocol or registration error occurred that
// the pool handled internally but the consumer may want to surface.
type ErrorEvent struct {
	Err error
}
