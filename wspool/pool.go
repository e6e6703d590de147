package wspool

import (
	"context"
	"errors"
	"maps"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/rs/zerolog"

	"github.com/hollevik/streamsub/twitch"
	"github.com/hollevik/streamsub/twitch/eventsub"
)

const (
	maxConnections         = 3
	maxTopicsPerConnection = 100

	maintenanceInterval = time.Second * 5
	retryBatchSize      = 5
	requestTimeout      = time.Second * 30

	// twitch may send duplicate messages (detectable by id), we need to
	// filter them out. Keep seen ids for 15 minutes.
	duplicateTTL = time.Minute * 15

	// the server rejects a reconnect URL it handed out earlier with this
	// close code, the session has to start over at the original URL
	closeCodeBadReconnectURL = 4007
)

// SubscriptionAPI registers and unregisters topic subscriptions.
type SubscriptionAPI interface {
	CreateEventSubSubscription(ctx context.Context, reqData twitch.CreateEventSubSubscriptionRequest) (twitch.CreateEventSubSubscriptionResponse, error)
	DeleteEventSubSubscription(ctx context.Context, id string) error
}

// Pool manages up to maxConnections transport channels and routes topics
// to spare capacity. A topic (by identity) lives in exactly one of: a
// connection's topic set, the error backoff set, the cost-parked set,
// the auth-parked set or the suspended set.
//
// All pool state is guarded by one mutex. Registration RPCs are
// dispatched on their own goroutines and re-acquire the lock on
// completion, validating the connection's session id against the one
// captured at issue time so results that raced a reconnect are dropped.
type Pool struct {
	mu     sync.Mutex
	api    SubscriptionAPI
	newCh  ChannelFactory
	send   func(Event)
	logger zerolog.Logger

	conns      map[int]*connection
	nextConnID int

	errorTopics map[string]*Topic // transient failures waiting out backoff
	costTopics  map[string]*Topic // parked on 429 until budget frees up
	authTopics  map[string]*Topic // parked until fresh credentials arrive
	suspended   map[string]*Topic // parked by an explicit disconnect

	totalCost    int
	maxTotalCost int

	duplicate *ttlcache.Cache[string, struct{}]

	closed bool

	// For testing: override default WebSocket URL
	WSURL string
}

// NewPool creates a new connection pool. Call SetSend() before adding
// topics.
func NewPool(api SubscriptionAPI, factory ChannelFactory, logger zerolog.Logger) *Pool {
	return &Pool{
		api:         api,
		newCh:       factory,
		logger:      logger.With().Str("component", "wspool").Logger(),
		conns:       make(map[int]*connection),
		errorTopics: make(map[string]*Topic),
		costTopics:  make(map[string]*Topic),
		authTopics:  make(map[string]*Topic),
		suspended:   make(map[string]*Topic),
		duplicate: ttlcache.New[string, struct{}](
			ttlcache.WithTTL[string, struct{}](duplicateTTL),
		),
		WSURL: eventsub.DefaultURL,
	}
}

// SetSend sets the callback receiving pool events. The callback must not
// call back into the pool.
func (p *Pool) SetSend(send func(Event)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.send = send
}

func (p *Pool) emit(events ...Event) {
	p.mu.Lock()
	send := p.send
	p.mu.Unlock()

	if send == nil {
		return
	}

	for _, ev := range events {
		send(ev)
	}
}

// Run drives the periodic maintenance until the context is cancelled:
// per-connection timeout checks and promotion of backoff-eligible error
// topics.
func (p *Pool) Run(ctx context.Context) error {
	go p.duplicate.Start()
	defer p.duplicate.Stop()

	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.maintenance()
		}
	}
}

func (p *Pool) maintenance() {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	for _, c := range p.conns {
		c.checkTimeout(now)
	}

	p.checkRetryLocked()
}

// AddTopic hands a ready topic to a connection with spare capacity,
// opening a new connection if necessary. Adding a topic that is already
// tracked anywhere is a no-op success. Returns false when every
// connection is full and the pool is at its connection limit.
func (p *Pool) AddTopic(t *Topic) bool {
	p.mu.Lock()

	if p.closed {
		p.mu.Unlock()
		return false
	}

	if p.hasTopicLocked(t.Key()) {
		p.mu.Unlock()
		return true
	}

	ok := p.addTopicLocked(t)
	p.mu.Unlock()

	if !ok {
		p.logger.Warn().Str("topic", t.Key()).Msg("no capacity left for topic")
		p.emit(CapacityEvent{Kind: t.kind, Login: t.login})
	}

	return ok
}

func (p *Pool) addTopicLocked(t *Topic) bool {
	for _, id := range slices.Sorted(maps.Keys(p.conns)) {
		c := p.conns[id]
		if !c.addTopic(t) {
			continue
		}

		if c.sessionID != "" {
			p.registerTopic(c, t)
		}

		return true
	}

	if len(p.conns) >= maxConnections {
		return false
	}

	c := p.openConnectionLocked(p.WSURL, -1)
	c.addTopic(t)
	return true
}

// RemoveTopic detaches the topic (by identity) wherever it is tracked.
// With externalRemove the registration is also deleted server-side and
// the topic is purged from the pending sets. A connection left without
// topics is torn down.
func (p *Pool) RemoveTopic(t *Topic, externalRemove bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := t.Key()

	for _, c := range p.conns {
		stored := c.removeTopic(key)
		if stored == nil {
			continue
		}

		if externalRemove && stored.registrationID != "" {
			p.unregisterTopic(stored.registrationID, stored.cost)
		}

		stored.clearRegistration()

		if c.topicCount() == 0 {
			p.discardLocked(c)
		}

		return
	}

	if externalRemove {
		delete(p.errorTopics, key)
		delete(p.costTopics, key)
		delete(p.authTopics, key)
		delete(p.suspended, key)
	}
}

// HasTopic reports whether the topic (by identity) is tracked anywhere,
// assigned or pending.
func (p *Pool) HasTopic(t *Topic) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hasTopicLocked(t.Key())
}

func (p *Pool) hasTopicLocked(key string) bool {
	for _, c := range p.conns {
		if c.getTopic(key) != nil {
			return true
		}
	}

	if _, ok := p.errorTopics[key]; ok {
		return true
	}

	if _, ok := p.costTopics[key]; ok {
		return true
	}

	if _, ok := p.authTopics[key]; ok {
		return true
	}

	if _, ok := p.suspended[key]; ok {
		return true
	}

	return false
}

// TokenUpdated re-attempts topics that were parked after an
// authorization revocation. Retrying them earlier would just reproduce
// the same failure.
func (p *Pool) TokenUpdated() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for key, t := range p.authTopics {
		delete(p.authTopics, key)
		if !p.addTopicLocked(t) {
			p.authTopics[key] = t
			return
		}
	}
}

// Reconnect resumes suspended topics if there are any, otherwise it
// drops every live socket so the channels redial and re-handshake.
func (p *Pool) Reconnect() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.suspended) > 0 {
		for key, t := range p.suspended {
			delete(p.suspended, key)
			if !p.addTopicLocked(t) {
				p.suspended[key] = t
				return
			}
		}

		return
	}

	for _, c := range p.conns {
		c.chann.Reconnect()
	}
}

// Disconnect tears down every connection and parks unregistered copies
// of their topics. Reconnect picks them back up.
func (p *Pool) Disconnect() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, c := range p.conns {
		for _, t := range c.topicList() {
			if t.registrationID != "" {
				p.totalCost -= t.cost
			}

			p.suspended[t.Key()] = t.Copy()
		}

		p.discardLocked(c)
	}
}

// IsConnected reports whether at least one connection has a live
// session.
func (p *Pool) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, c := range p.conns {
		if c.sessionID != "" && c.chann.IsOpen() {
			return true
		}
	}

	return false
}

// Status is a diagnostic snapshot of the pool. The cost counters are
// best-effort, the server is the source of truth.
type Status struct {
	Connections      int
	OpenSessions     int
	AssignedTopics   int
	ErrorTopics      int
	CostParkedTopics int
	AuthParkedTopics int
	SuspendedTopics  int
	TotalCost        int
	MaxTotalCost     int
}

func (p *Pool) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Status{
		Connections:      len(p.conns),
		ErrorTopics:      len(p.errorTopics),
		CostParkedTopics: len(p.costTopics),
		AuthParkedTopics: len(p.authTopics),
		SuspendedTopics:  len(p.suspended),
		TotalCost:        p.totalCost,
		MaxTotalCost:     p.maxTotalCost,
	}

	for _, c := range p.conns {
		s.AssignedTopics += c.topicCount()
		if c.sessionID != "" {
			s.OpenSessions++
		}
	}

	return s
}

// Close closes all connections and prevents new ones.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}

	p.closed = true

	for _, c := range p.conns {
		p.discardLocked(c)
	}

	p.logger.Info().Msg("pool closed")
	return nil
}

func (p *Pool) openConnectionLocked(url string, replaces int) *connection {
	id := p.nextConnID
	p.nextConnID++

	c := newConnection(id, url)
	c.replaces = replaces

	c.chann = p.newCh(url, ChannelHooks{
		OnOpen:    func() { p.handleOpen(id) },
		OnMessage: func(data []byte) { p.handleMessage(id, data) },
		OnClose:   func(code int) { p.handleClose(id, code) },
	})

	p.conns[id] = c
	c.chann.Connect()

	p.logger.Info().Int("conn-id", id).Str("url", url).Int("replaces", replaces).Msg("opened connection")
	return c
}

func (p *Pool) discardLocked(c *connection) {
	delete(p.conns, c.id)
	c.chann.Close()
	p.logger.Info().Int("conn-id", c.id).Msg("discarded connection")
}

// hasReplacementLocked reports whether another connection is in the
// middle of taking over from the given one.
func (p *Pool) hasReplacementLocked(id int) bool {
	for _, c := range p.conns {
		if c.replaces == id {
			return true
		}
	}

	return false
}

func (p *Pool) handleOpen(id int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c, ok := p.conns[id]
	if !ok {
		return
	}

	c.lastReceived = time.Now()
}

func (p *Pool) handleMessage(id int, data []byte) {
	untyped, err := eventsub.Unmarshal(data)
	if err != nil {
		// losing one event must not tear down the connection
		p.logger.Err(err).Int("conn-id", id).Msg("dropping malformed message")
		p.emit(ErrorEvent{Err: err})
		return
	}

	var out []Event

	p.mu.Lock()

	c, ok := p.conns[id]
	if !ok {
		p.mu.Unlock()
		return
	}

	c.lastReceived = time.Now()

	switch untyped.Metadata.MessageType {
	case "session_welcome":
		welcome, err := eventsub.Convert[eventsub.SessionPayload](untyped)
		if err != nil {
			p.logger.Err(err).Msg("failed to convert to session welcome")
			break
		}

		p.handleWelcomeLocked(c, welcome.Payload.Session)
	case "session_reconnect":
		reconnect, err := eventsub.Convert[eventsub.SessionPayload](untyped)
		if err != nil {
			p.logger.Err(err).Msg("failed to convert to session reconnect")
			break
		}

		p.handleReconnectLocked(c, reconnect.Payload.Session)
	case "session_keepalive":
		// nothing to do, lastReceived is already bumped
	case "revocation":
		revocation, err := eventsub.Convert[eventsub.RevocationPayload](untyped)
		if err != nil {
			p.logger.Err(err).Msg("failed to convert to revocation")
			break
		}

		out = p.handleRevocationLocked(revocation.Payload.Subscription)
	case "notification":
		// skip if duplicate
		if p.duplicate.Has(untyped.Metadata.MessageID) {
			break
		}

		p.duplicate.Set(untyped.Metadata.MessageID, struct{}{}, ttlcache.DefaultTTL)

		typed, err := eventsub.Convert[eventsub.NotificationPayload](untyped)
		if err != nil {
			p.logger.Err(err).Msg("failed to convert to notification")
			break
		}

		out = append(out, NotificationEvent{Message: typed})
	default:
		p.logger.Info().Str("message-type", untyped.Metadata.MessageType).Msg("unhandled message type")
	}

	p.mu.Unlock()

	p.emit(out...)
}

// handleWelcomeLocked finishes the session handshake. A connection that
// replaces another tears the old one down only now, so there is no
// window where the topics are live on neither of the two. On a first
// connect (or after a transport-level redial) every held topic without a
// registration is registered.
func (p *Pool) handleWelcomeLocked(c *connection, sess eventsub.Session) {
	c.sessionID = sess.ID
	if sess.KeepAliveTimeoutSeconds > 0 {
		c.keepaliveSeconds = sess.KeepAliveTimeoutSeconds
	}

	p.logger.Info().Int("conn-id", c.id).Str("session-id", sess.ID).Msg("session welcome")

	if c.replaces >= 0 {
		old, ok := p.conns[c.replaces]
		c.replaces = -1

		if ok && old != c {
			p.discardLocked(old)
		}
	}

	for _, t := range c.topicList() {
		if t.registrationID == "" {
			p.registerTopic(c, t)
		}
	}
}

// handleReconnectLocked moves the session to the URL the server asked
// for. Registration ids and costs carry over, the server treats the
// moved topics as the same subscriptions. The old connection stays up
// until the new one's welcome arrives.
func (p *Pool) handleReconnectLocked(c *connection, sess eventsub.Session) {
	if sess.ReconnectURL == "" {
		p.logger.Warn().Int("conn-id", c.id).Msg("session reconnect without url")
		return
	}

	p.logger.Info().Int("conn-id", c.id).Str("url", sess.ReconnectURL).Msg("session reconnect requested")

	nc := p.openConnectionLocked(sess.ReconnectURL, c.id)
	for _, t := range c.topicList() {
		nc.addTopic(t.cloneRegistered())
	}
}

func (p *Pool) handleRevocationLocked(sub eventsub.Subscription) []Event {
	if sub.ID == "" {
		return nil
	}

	for _, c := range p.conns {
		for _, t := range c.topicList() {
			if t.registrationID != sub.ID {
				continue
			}

			c.removeTopic(t.Key())
			p.totalCost -= t.cost
			t.clearRegistration()

			if c.topicCount() == 0 {
				p.discardLocked(c)
			}

			p.logger.Warn().Str("topic", t.Key()).Str("reason", sub.Status).Msg("subscription revoked")

			switch sub.Status {
			case "authorization_revoked":
				// resumed once fresh credentials arrive via TokenUpdated
				p.authTopics[t.Key()] = t
			case "moderator_removed":
				// no point resubscribing, dropped for good
			default:
				p.errorTopics[t.Key()] = t
			}

			return []Event{RevokedEvent{Kind: t.kind, Login: t.login, Reason: sub.Status}}
		}
	}

	return nil
}

func (p *Pool) handleClose(id int, code int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c, ok := p.conns[id]
	if !ok {
		return
	}

	c.sessionID = ""

	p.logger.Info().Int("conn-id", id).Int("code", code).Msg("connection closed")

	if code == closeCodeBadReconnectURL {
		// the reconnect URL was rejected, start over at the original URL
		// with unregistered copies
		delete(p.conns, id)
		c.chann.Close()

		nc := p.openConnectionLocked(p.WSURL, -1)
		for _, t := range c.topicList() {
			if t.registrationID != "" {
				p.totalCost -= t.cost
			}

			nc.addTopic(t.Copy())
		}

		return
	}

	// The channel redials on its own. Unless a replacement connection is
	// pending, the registrations died with the session; zero them so the
	// next welcome registers the topics again.
	if !p.hasReplacementLocked(id) {
		for _, t := range c.topicList() {
			if t.registrationID != "" {
				p.totalCost -= t.cost
				t.clearRegistration()
			}
		}
	}
}

// registerTopic issues the add-subscription call for a topic held by the
// given connection. Must be called with the pool lock held; the RPC
// itself runs on its own goroutine.
func (p *Pool) registerTopic(c *connection, t *Topic) {
	sessionAtIssue := c.sessionID

	req := t.MakeRequest(sessionAtIssue)
	if req == nil {
		p.logger.Error().Str("topic", t.Key()).Msg("tried to register topic that is not ready")
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		resp, err := p.api.CreateEventSubSubscription(ctx, *req)

		p.mu.Lock()
		defer p.mu.Unlock()

		cur, ok := p.conns[c.id]
		if !ok || cur != c || c.sessionID != sessionAtIssue {
			// the connection reconnected mid-flight, this result belongs
			// to a dead session
			p.logger.Info().Str("topic", t.Key()).Msg("dropping stale registration result")
			return
		}

		if c.getTopic(t.Key()) != t {
			// removed while the call was in flight
			return
		}

		if err != nil {
			// never registered, detach without an external unregister
			c.removeTopic(t.Key())
			if c.topicCount() == 0 {
				p.discardLocked(c)
			}

			var apiErr twitch.APIError
			if errors.As(err, &apiErr) && apiErr.Status == http.StatusTooManyRequests {
				p.logger.Warn().Str("topic", t.Key()).Msg("subscription cost budget exhausted")
				p.costTopics[t.Key()] = t
				p.totalCost = p.maxTotalCost
				return
			}

			t.IncreaseErrorCount()
			p.errorTopics[t.Key()] = t
			p.logger.Err(err).Str("topic", t.Key()).Int("error-count", t.errorCount).Msg("failed to register topic")
			return
		}

		if len(resp.Data) == 0 {
			c.removeTopic(t.Key())
			if c.topicCount() == 0 {
				p.discardLocked(c)
			}

			t.IncreaseErrorCount()
			p.errorTopics[t.Key()] = t
			p.logger.Error().Str("topic", t.Key()).Msg("registration response carried no subscription")
			return
		}

		data := resp.Data[0]
		t.registrationID = data.ID
		t.cost = data.Cost
		p.totalCost = resp.TotalCost
		p.maxTotalCost = resp.MaxTotalCost

		p.logger.Info().Str("topic", t.Key()).Str("registration-id", data.ID).Int("cost", data.Cost).Msg("topic registered")
	}()
}

// unregisterTopic issues the delete-subscription call. 204 frees budget,
// 404 means the server already dropped it; either way one cost-parked
// topic gets another chance.
func (p *Pool) unregisterTopic(registrationID string, cost int) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		err := p.api.DeleteEventSubSubscription(ctx, registrationID)

		p.mu.Lock()
		defer p.mu.Unlock()

		if err == nil {
			p.totalCost -= cost
			p.retryCostParkedLocked()
			return
		}

		var apiErr twitch.APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
			// already gone server-side, don't decrement twice
			p.retryCostParkedLocked()
			return
		}

		p.logger.Err(err).Str("registration-id", registrationID).Msg("failed to unregister topic")
	}()
}

func (p *Pool) retryCostParkedLocked() {
	for key, t := range p.costTopics {
		delete(p.costTopics, key)
		if !p.addTopicLocked(t) {
			p.costTopics[key] = t
		}

		return
	}
}

func (p *Pool) checkRetryLocked() {
	promoted := 0
	for key, t := range p.errorTopics {
		if promoted >= retryBatchSize {
			return
		}

		if !t.ShouldRequest() {
			continue
		}

		delete(p.errorTopics, key)
		if !p.addTopicLocked(t) {
			p.errorTopics[key] = t
			return
		}

		promoted++
	}
}
