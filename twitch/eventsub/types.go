package eventsub

import (
	"encoding/json"
	"time"
)

type metadata struct {
	MessageID           string    `json:"message_id"`
	MessageType         string    `json:"message_type"`
	MessageTimeStamp    time.Time `json:"message_timestamp"`
	SubscriptionType    string    `json:"subscription_type"`
	SubscriptionVersion string    `json:"subscription_version"`
}

// UntypedMessage is a partially decoded wire message, only the metadata is
// parsed so the receiver can dispatch on the message type before committing
// to a payload schema.
type UntypedMessage struct {
	Metadata metadata        `json:"metadata"`
	Payload  json.RawMessage `json:"payload"`
}

type Message[T any] struct {
	Metadata metadata `json:"metadata"`
	Payload  T        `json:"payload"`
}

// Unmarshal decodes the outer message envelope.
func Unmarshal(data []byte) (UntypedMessage, error) {
	var untyped UntypedMessage
	if err := json.Unmarshal(data, &untyped); err != nil {
		return UntypedMessage{}, err
	}

	return untyped, nil
}

// Convert decodes the payload of an untyped message into a concrete schema.
func Convert[T any](untyped UntypedMessage) (Message[T], error) {
	typedMessage := Message[T]{
		Metadata: untyped.Metadata,
	}

	if err := json.Unmarshal(untyped.Payload, &typedMessage.Payload); err != nil {
		return Message[T]{}, err
	}

	return typedMessage, nil
}

type (
	SessionPayload struct {
		Session Session `json:"session"`
	}
	Session struct {
		ID                      string    `json:"id"`
		Status                  string    `json:"status"`
		ConnectedAt             time.Time `json:"connected_at"`
		KeepAliveTimeoutSeconds int       `json:"keepalive_timeout_seconds"`
		ReconnectURL            string    `json:"reconnect_url"`
	}
)

type NotificationPayload struct {
	Subscription Subscription `json:"subscription"`
	Event        Event        `json:"event"`
}

// RevocationPayload carries only the subscription, the status field holds
// the revocation reason.
type RevocationPayload struct {
	Subscription Subscription `json:"subscription"`
}

type Transport struct {
	Method    string `json:"method"`
	SessionID string `json:"session_id"`
}

type Subscription struct {
	ID        string            `json:"id"`
	Status    string            `json:"status"`
	Type      string            `json:"type"`
	Version   string            `json:"version"`
	Cost      int               `json:"cost"`
	Condition map[string]string `json:"condition"`
	Transport Transport         `json:"transport"`
	CreatedAt time.Time         `json:"created_at"`
}

type Event struct {
	UserID               string    `json:"user_id"`
	UserLogin            string    `json:"user_login"`
	UserName             string    `json:"user_name"`
	BroadcasterUserID    string    `json:"broadcaster_user_id"`
	BroadcasterUserLogin string    `json:"broadcaster_user_login"`
	BroadcasterUserName  string    `json:"broadcaster_user_name"`
	ModeratorUserID      string    `json:"moderator_user_id"`
	ModeratorUserLogin   string    `json:"moderator_user_login"`
	ModeratorUserName    string    `json:"moderator_user_name"`

	// Raid related
	FromBroadcasterUserID    string `json:"from_broadcaster_user_id"`
	FromBroadcasterUserLogin string `json:"from_broadcaster_user_login"`
	FromBroadcasterUserName  string `json:"from_broadcaster_user_name"`
	ToBroadcasterUserID      string `json:"to_broadcaster_user_id"`
	ToBroadcasterUserLogin   string `json:"to_broadcaster_user_login"`
	ToBroadcasterUserName    string `json:"to_broadcaster_user_name"`
	Viewers                  int    `json:"viewers"`

	// Poll related
	Title               string    `json:"title"`
	Choices             []Choice  `json:"choices"`
	BitsVoting          Voting    `json:"bits_voting"`
	ChannelPointsVoting Voting    `json:"channel_points_voting"`
	StartedAt           time.Time `json:"started_at"`
	EndsAt              time.Time `json:"ends_at"`  // empty if done
	EndedAt             time.Time `json:"ended_at"` // empty until done
	Status              string    `json:"status"`   // completed when done, else empty

	// Shoutout related
	ViewerCount          int       `json:"viewer_count"`
	CooldownEndsAt       time.Time `json:"cooldown_ends_at"`
	TargetCooldownEndsAt time.Time `json:"target_cooldown_ends_at"`
}

type Voting struct {
	IsEnabled     bool `json:"is_enabled"`
	AmountPerVote int  `json:"amount_per_vote"`
}

type Choice struct {
	ID                 string `json:"id"`
	Title              string `json:"title"`
	BitsVotes          int    `json:"bits_votes"`
	ChannelPointsVotes int    `json:"channel_points_votes"`
	Votes              int    `json:"votes"`
}
