package wspool

import (
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hollevik/streamsub/twitch/eventsub"
)

// Channel is one persistent duplex transport channel. Implementations
// redial on low-level failures themselves, the pool only learns about
// drops through the OnClose hook.
type Channel interface {
	Connect()
	Send(text string) error
	Close()
	IsOpen() bool
	Reconnect()
	ForceReconnect()
}

// ChannelHooks are the inbound callbacks a channel invokes from its read
// goroutine.
type ChannelHooks struct {
	OnOpen    func()
	OnMessage func(data []byte)
	OnClose   func(code int)
}

// ChannelFactory opens a new channel against the given URL with the
// given hooks attached.
type ChannelFactory func(url string, hooks ChannelHooks) Channel

// NewEventSubChannelFactory returns a factory producing real websocket
// channels.
func NewEventSubChannelFactory(logger zerolog.Logger, httpClient *http.Client) ChannelFactory {
	return func(url string, hooks ChannelHooks) Channel {
		c := eventsub.NewChan(url, logger, httpClient)
		c.OnOpen = hooks.OnOpen
		c.OnMessage = hooks.OnMessage
		c.OnClose = hooks.OnClose
		return c
	}
}

// connection is one transport channel with its bounded topic set.
//
// sessionID, keepalive, lastReceived and replaces are owned by the pool
// and only touched with the pool lock held. The topic set has its own
// lock because it is read from the pool layer while the pool lock is
// held; the pool lock is always acquired first, never the other way
// around.
type connection struct {
	id      int
	url     string
	chann   Channel
	created time.Time

	sessionID        string
	keepaliveSeconds int
	lastReceived     time.Time

	// id of the connection this one supersedes during a reconnect
	// handoff, -1 if none. Purely informational, not ownership.
	replaces int

	mu     sync.Mutex
	topics map[string]*Topic
}

func newConnection(id int, url string) *connection {
	return &connection{
		id:       id,
		url:      url,
		created:  time.Now(),
		replaces: -1,
		topics:   make(map[string]*Topic),
	}
}

// addTopic inserts the topic unless the connection is at capacity.
// Adding a topic that is already present succeeds without replacing the
// stored instance.
func (c *connection) addTopic(t *Topic) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.topics[t.Key()]; ok {
		return true
	}

	if len(c.topics) >= maxTopicsPerConnection {
		return false
	}

	c.topics[t.Key()] = t
	return true
}

// removeTopic removes and returns the stored instance, nil if absent.
func (c *connection) removeTopic(key string) *Topic {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.topics[key]
	if !ok {
		return nil
	}

	delete(c.topics, key)
	return t
}

func (c *connection) getTopic(key string) *Topic {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.topics[key]
}

func (c *connection) topicCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.topics)
}

// topicList returns a snapshot of the held topics.
func (c *connection) topicList() []*Topic {
	c.mu.Lock()
	defer c.mu.Unlock()

	list := make([]*Topic, 0, len(c.topics))
	for _, t := range c.topics {
		list = append(list, t)
	}

	return list
}

// checkTimeout detects connections that went silently dead, missed
// keepalives the transport layer itself didn't notice. Past one
// announced timeout interval the channel is asked to reconnect
// gracefully, past two it is torn down hard.
func (c *connection) checkTimeout(now time.Time) {
	if c.keepaliveSeconds <= 0 || !c.chann.IsOpen() || c.lastReceived.IsZero() {
		return
	}

	timeout := time.Duration(c.keepaliveSeconds) * time.Second
	elapsed := now.Sub(c.lastReceived)

	switch {
	case elapsed > 2*timeout:
		c.chann.ForceReconnect()
	case elapsed > timeout:
		c.chann.Reconnect()
	}
}
