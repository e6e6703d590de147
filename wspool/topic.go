package wspool

import (
	"fmt"
	"math"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/hollevik/streamsub/twitch"
)

// Kind is the category of platform event a topic subscribes to.
type Kind int

const (
	KindRaid Kind = iota
	KindPollBegin
	KindPollEnd
	KindShieldBegin
	KindShieldEnd
	KindShoutoutCreate
)

const (
	maxBackoff    = time.Hour
	backoffJitter = time.Second * 10
)

// SubscriptionType returns the wire subscription type for the kind.
func (k Kind) SubscriptionType() string {
	switch k {
	case KindRaid:
		return "channel.raid"
	case KindPollBegin:
		return "channel.poll.begin"
	case KindPollEnd:
		return "channel.poll.end"
	case KindShieldBegin:
		return "channel.shield_mode.begin"
	case KindShieldEnd:
		return "channel.shield_mode.end"
	case KindShoutoutCreate:
		return "channel.shoutout.create"
	}

	return "unknown"
}

func (k Kind) String() string {
	return k.SubscriptionType()
}

// needsModerator reports whether the registration condition requires the
// local moderator id in addition to the target broadcaster id.
func (k Kind) needsModerator() bool {
	switch k {
	case KindShieldBegin, KindShieldEnd, KindShoutoutCreate:
		return true
	}

	return false
}

// Topic is one subscribable event stream for one target user. Identity is
// the kind plus the lowercased login, never the server-assigned
// registration id or cost. Mutable fields are guarded by the pool lock
// once a topic has been handed to the pool.
type Topic struct {
	kind  Kind
	login string

	targetID    string
	moderatorID string

	cost           int
	registrationID string

	errorCount  int
	lastError   time.Time
	nextAttempt time.Time
}

func NewTopic(kind Kind, login string) *Topic {
	return &Topic{
		kind:  kind,
		login: strings.ToLower(login),
	}
}

// Key is the semantic identity of the topic.
func (t *Topic) Key() string {
	return fmt.Sprintf("%s/%s", t.kind.SubscriptionType(), t.login)
}

func (t *Topic) Kind() Kind {
	return t.kind
}

func (t *Topic) Login() string {
	return t.login
}

// IsReady reports whether all data needed to build the registration
// request is available.
func (t *Topic) IsReady() bool {
	if t.targetID == "" {
		return false
	}

	if t.kind.needsModerator() && t.moderatorID == "" {
		return false
	}

	return true
}

// MakeRequest builds the registration payload for the given session.
// Returns nil when required data is still missing.
func (t *Topic) MakeRequest(sessionID string) *twitch.CreateEventSubSubscriptionRequest {
	if !t.IsReady() {
		return nil
	}

	var condition map[string]string

	switch t.kind {
	case KindRaid:
		condition = map[string]string{
			"from_broadcaster_user_id": t.targetID,
		}
	case KindPollBegin, KindPollEnd:
		condition = map[string]string{
			"broadcaster_user_id": t.targetID,
		}
	case KindShieldBegin, KindShieldEnd, KindShoutoutCreate:
		condition = map[string]string{
			"broadcaster_user_id": t.targetID,
			"moderator_user_id":   t.moderatorID,
		}
	default:
		return nil
	}

	return &twitch.CreateEventSubSubscriptionRequest{
		Type:      t.kind.SubscriptionType(),
		Version:   "1",
		Condition: condition,
		Transport: twitch.EventSubTransportRequest{
			Method:    "websocket",
			SessionID: sessionID,
		},
	}
}

// Copy produces a fresh, unregistered value-equal topic. Used when a
// topic is carried over to a new connection that has to register it
// again, so the old registration id and cost don't leak into the new
// connection's bookkeeping.
func (t *Topic) Copy() *Topic {
	return &Topic{
		kind:        t.kind,
		login:       t.login,
		targetID:    t.targetID,
		moderatorID: t.moderatorID,
	}
}

// cloneRegistered keeps the registration id and cost. Used during a
// session reconnect handoff where the server treats the moved topic as
// the same subscription.
func (t *Topic) cloneRegistered() *Topic {
	clone := t.Copy()
	clone.cost = t.cost
	clone.registrationID = t.registrationID
	return clone
}

// ShouldRequest is the backoff gate. A topic that never errored may be
// requested immediately, otherwise an exponentially growing delay has to
// pass since the last error first.
func (t *Topic) ShouldRequest() bool {
	if t.errorCount == 0 {
		return true
	}

	return time.Now().After(t.nextAttempt)
}

// IncreaseErrorCount increments the error count and restarts the backoff
// clock. The delay is 10^errorCount seconds capped at one hour, plus up
// to ten seconds of jitter so retries don't line up.
func (t *Topic) IncreaseErrorCount() {
	t.errorCount++
	t.lastError = time.Now()

	delay := time.Duration(math.Pow(10, float64(t.errorCount))) * time.Second
	if delay > maxBackoff || delay <= 0 {
		delay = maxBackoff
	}

	jitter := time.Duration(rand.Int64N(int64(backoffJitter)))
	t.nextAttempt = t.lastError.Add(delay + jitter)
}

func (t *Topic) clearRegistration() {
	t.cost = 0
	t.registrationID = ""
}

// Equal reports value equality by semantic key.
func (t *Topic) Equal(other *Topic) bool {
	if other == nil {
		return false
	}

	return t.Key() == other.Key()
}
