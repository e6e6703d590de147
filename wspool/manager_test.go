package wspool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/hollevik/streamsub/twitch"
)

type mockPool struct {
	mu      sync.Mutex
	added   []*Topic
	removed []*Topic

	tokenUpdatedCalls int
	reconnectCalls    int
	disconnectCalls   int
}

func (m *mockPool) AddTopic(t *Topic) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.added = append(m.added, t)
	return true
}

func (m *mockPool) RemoveTopic(t *Topic, _ bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removed = append(m.removed, t)
}

func (m *mockPool) HasTopic(t *Topic) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, a := range m.added {
		if a.Equal(t) {
			return true
		}
	}

	return false
}

func (m *mockPool) TokenUpdated() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokenUpdatedCalls++
}

func (m *mockPool) Reconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reconnectCalls++
}

func (m *mockPool) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnectCalls++
}

func (m *mockPool) IsConnected() bool { return true }
func (m *mockPool) Status() Status    { return Status{} }

func (m *mockPool) addedTopics() []*Topic {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Topic(nil), m.added...)
}

func (m *mockPool) removedTopics() []*Topic {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Topic(nil), m.removed...)
}

type mockResolver struct {
	mu    sync.Mutex
	users map[string]string
	err   error
	calls int
}

func (m *mockResolver) GetUsers(_ context.Context, logins []string, _ []string) (twitch.UserResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls++

	if m.err != nil {
		return twitch.UserResponse{}, m.err
	}

	var resp twitch.UserResponse
	for _, login := range logins {
		if id, ok := m.users[login]; ok {
			resp.Data = append(resp.Data, twitch.UserData{ID: id, Login: login})
		}
	}

	return resp, nil
}

func (m *mockResolver) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func TestManagerListenDispatchesAfterResolve(t *testing.T) {
	t.Parallel()

	pool := &mockPool{}
	resolver := &mockResolver{users: map[string]string{"someuser": "123"}}

	mgr := NewManager(pool, resolver, zerolog.Nop())
	mgr.ListenRaid("SomeUser")

	require.Eventually(t, func() bool {
		return len(pool.addedTopics()) == 1
	}, time.Second, 10*time.Millisecond)

	added := pool.addedTopics()[0]
	require.Equal(t, KindRaid, added.Kind())
	require.Equal(t, "someuser", added.Login())
	require.True(t, added.IsReady())
}

func TestManagerListenUsesCachedID(t *testing.T) {
	t.Parallel()

	pool := &mockPool{}
	resolver := &mockResolver{users: map[string]string{"someuser": "123"}}

	mgr := NewManager(pool, resolver, zerolog.Nop())

	mgr.ListenRaid("someuser")
	require.Eventually(t, func() bool {
		return len(pool.addedTopics()) == 1
	}, time.Second, 10*time.Millisecond)

	// the id is cached now, the second listen dispatches synchronously
	mgr.ListenPoll("someuser")
	require.Len(t, pool.addedTopics(), 3)
	require.Equal(t, 1, resolver.callCount())
}

func TestManagerPollListensToBothPhases(t *testing.T) {
	t.Parallel()

	pool := &mockPool{}
	resolver := &mockResolver{users: map[string]string{"someuser": "123"}}

	mgr := NewManager(pool, resolver, zerolog.Nop())
	mgr.ListenPoll("someuser")

	require.Eventually(t, func() bool {
		return len(pool.addedTopics()) == 2
	}, time.Second, 10*time.Millisecond)

	kinds := make(map[Kind]bool)
	for _, topic := range pool.addedTopics() {
		kinds[topic.Kind()] = true
	}

	require.True(t, kinds[KindPollBegin])
	require.True(t, kinds[KindPollEnd])
}

func TestManagerModeratorKindsWaitForLocalUser(t *testing.T) {
	t.Parallel()

	pool := &mockPool{}
	resolver := &mockResolver{users: map[string]string{
		"someuser": "123",
		"operator": "456",
	}}

	mgr := NewManager(pool, resolver, zerolog.Nop())

	// without a local user the shield topics can never become ready
	mgr.ListenShield("someuser")

	time.Sleep(50 * time.Millisecond)
	require.Empty(t, pool.addedTopics())

	mgr.SetLocalUsername("Operator")

	require.Eventually(t, func() bool {
		return len(pool.addedTopics()) == 2
	}, time.Second, 10*time.Millisecond)

	for _, topic := range pool.addedTopics() {
		require.Equal(t, "456", topic.moderatorID)
		require.Equal(t, "123", topic.targetID)
	}
}

func TestManagerFailedResolveKeepsPending(t *testing.T) {
	t.Parallel()

	pool := &mockPool{}
	resolver := &mockResolver{err: errors.New("api down")}

	mgr := NewManager(pool, resolver, zerolog.Nop())
	mgr.ListenRaid("someuser")

	require.Eventually(t, func() bool {
		return resolver.callCount() >= 1
	}, time.Second, 10*time.Millisecond)

	require.Empty(t, pool.addedTopics())

	// a later listen retries the lookup and dispatches once it works
	resolver.mu.Lock()
	resolver.err = nil
	resolver.users = map[string]string{"someuser": "123"}
	resolver.mu.Unlock()

	mgr.ListenRaid("someuser")

	require.Eventually(t, func() bool {
		return len(pool.addedTopics()) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestManagerUnlisten(t *testing.T) {
	t.Parallel()

	pool := &mockPool{}
	resolver := &mockResolver{users: map[string]string{"someuser": "123"}}

	mgr := NewManager(pool, resolver, zerolog.Nop())

	mgr.ListenRaid("someuser")
	require.Eventually(t, func() bool {
		return len(pool.addedTopics()) == 1
	}, time.Second, 10*time.Millisecond)

	mgr.UnlistenRaid("SomeUser")

	removed := pool.removedTopics()
	require.Len(t, removed, 1)
	require.Equal(t, "channel.raid/someuser", removed[0].Key())
}

func TestManagerPassthrough(t *testing.T) {
	t.Parallel()

	pool := &mockPool{}
	resolver := &mockResolver{}

	mgr := NewManager(pool, resolver, zerolog.Nop())

	mgr.TokenUpdated()
	mgr.Reconnect()
	mgr.Disconnect()

	require.Equal(t, 1, pool.tokenUpdatedCalls)
	require.Equal(t, 1, pool.reconnectCalls)
	require.Equal(t, 1, pool.disconnectCalls)
	require.True(t, mgr.IsConnected())
}
