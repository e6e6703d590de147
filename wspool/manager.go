package wspool

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/rs/zerolog"
	"resenje.org/singleflight"

	"github.com/hollevik/streamsub/twitch"
)

const (
	idCacheTTL     = time.Hour * 24
	resolveTimeout = time.Second * 10
)

// UserResolver resolves display usernames to stable platform ids.
type UserResolver interface {
	GetUsers(ctx context.Context, logins []string, ids []string) (twitch.UserResponse, error)
}

type topicPool interface {
	AddTopic(t *Topic) bool
	RemoveTopic(t *Topic, externalRemove bool)
	HasTopic(t *Topic) bool
	TokenUpdated()
	Reconnect()
	Disconnect()
	IsConnected() bool
	Status() Status
}

// Manager maps domain actions (listen to a user's raid/poll/shield/
// shoutout events) onto topics and hands them to the pool. Topics whose
// login has not been resolved to an id yet are held pending; once a
// resolution completes all pending topics are re-checked and the ready
// ones dispatched.
type Manager struct {
	mu       sync.Mutex
	pool     topicPool
	resolver UserResolver
	logger   zerolog.Logger

	ids    *ttlcache.Cache[string, string]
	single *singleflight.Group[string, string]

	pending []*Topic

	localLogin string
	localID    string
}

func NewManager(pool topicPool, resolver UserResolver, logger zerolog.Logger) *Manager {
	return &Manager{
		pool:     pool,
		resolver: resolver,
		logger:   logger.With().Str("component", "eventsub-manager").Logger(),
		// not Start()ed: Get drops expired entries on read and the
		// entry set is bounded by the configured channels, background
		// eviction would reclaim nothing worth the goroutine
		ids: ttlcache.New[string, string](
			ttlcache.WithTTL[string, string](idCacheTTL),
		),
		single: &singleflight.Group[string, string]{},
	}
}

func (m *Manager) ListenRaid(login string)     { m.listen(KindRaid, login) }
func (m *Manager) UnlistenRaid(login string)   { m.unlisten(KindRaid, login) }
func (m *Manager) ListenPoll(login string)     { m.listen(KindPollBegin, login); m.listen(KindPollEnd, login) }
func (m *Manager) UnlistenPoll(login string)   { m.unlisten(KindPollBegin, login); m.unlisten(KindPollEnd, login) }
func (m *Manager) ListenShield(login string)   { m.listen(KindShieldBegin, login); m.listen(KindShieldEnd, login) }
func (m *Manager) UnlistenShield(login string) { m.unlisten(KindShieldBegin, login); m.unlisten(KindShieldEnd, login) }
func (m *Manager) ListenShoutouts(login string) {
	m.listen(KindShoutoutCreate, login)
}
func (m *Manager) UnlistenShoutouts(login string) {
	m.unlisten(KindShoutoutCreate, login)
}

// SetLocalUsername sets the operator user. Several topic kinds need the
// local moderator id next to the target broadcaster id, topics for those
// kinds stay pending until this resolves.
func (m *Manager) SetLocalUsername(login string) {
	login = strings.ToLower(login)

	m.mu.Lock()
	m.localLogin = login
	m.mu.Unlock()

	go m.resolve(login)
}

func (m *Manager) LocalLogin() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.localLogin
}

func (m *Manager) IsConnected() bool {
	return m.pool.IsConnected()
}

func (m *Manager) Status() Status {
	return m.pool.Status()
}

func (m *Manager) Reconnect() {
	m.pool.Reconnect()
}

func (m *Manager) Disconnect() {
	m.pool.Disconnect()
}

// TokenUpdated signals that fresh credentials are available, topics that
// were parked after an authorization revocation get retried.
func (m *Manager) TokenUpdated() {
	m.pool.TokenUpdated()
}

func (m *Manager) listen(kind Kind, login string) {
	if login == "" {
		return
	}

	t := NewTopic(kind, login)

	m.mu.Lock()

	if item := m.ids.Get(t.login); item != nil {
		t.targetID = item.Value()
	}

	if kind.needsModerator() {
		t.moderatorID = m.localID
	}

	if t.IsReady() {
		m.mu.Unlock()
		m.pool.AddTopic(t)
		return
	}

	if !slices.ContainsFunc(m.pending, t.Equal) {
		m.pending = append(m.pending, t)
	}

	m.mu.Unlock()

	go m.resolve(t.login)
}

func (m *Manager) unlisten(kind Kind, login string) {
	if login == "" {
		return
	}

	t := NewTopic(kind, login)

	m.mu.Lock()
	m.pending = slices.DeleteFunc(m.pending, t.Equal)
	m.mu.Unlock()

	m.pool.RemoveTopic(t, true)
}

// resolve looks up the id for a login and dispatches every pending topic
// that became ready. Lookups for the same login are collapsed into one
// request; a failed lookup leaves the topics pending so a later listen
// call retries.
func (m *Manager) resolve(login string) {
	ctx, cancel := context.WithTimeout(context.Background(), resolveTimeout)
	defer cancel()

	id, _, err := m.single.Do(ctx, login, func(ctx context.Context) (string, error) {
		if item := m.ids.Get(login); item != nil {
			return item.Value(), nil
		}

		resp, err := m.resolver.GetUsers(ctx, []string{login}, nil)
		if err != nil {
			return "", err
		}

		if len(resp.Data) == 0 {
			return "", fmt.Errorf("user %q not found", login)
		}

		return resp.Data[0].ID, nil
	})
	if err != nil {
		m.logger.Err(err).Str("login", login).Msg("failed to resolve user id")
		return
	}

	m.mu.Lock()

	m.ids.Set(login, id, ttlcache.DefaultTTL)

	if login == m.localLogin {
		m.localID = id
	}

	ready := m.takeReadyPendingLocked()

	m.mu.Unlock()

	for _, t := range ready {
		m.pool.AddTopic(t)
	}
}

// takeReadyPendingLocked refreshes pending topics against the id cache
// and removes and returns the ones that became ready.
func (m *Manager) takeReadyPendingLocked() []*Topic {
	var ready []*Topic

	remaining := m.pending[:0]
	for _, t := range m.pending {
		if t.targetID == "" {
			if item := m.ids.Get(t.login); item != nil {
				t.targetID = item.Value()
			}
		}

		if t.kind.needsModerator() && t.moderatorID == "" {
			t.moderatorID = m.localID
		}

		if t.IsReady() {
			ready = append(ready, t)
			continue
		}

		remaining = append(remaining, t)
	}

	m.pending = remaining
	return ready
}
