package wspool

import (
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type mockRaidListener struct {
	mu         sync.Mutex
	listened   []string
	unlistened []string
}

func (m *mockRaidListener) ListenRaid(login string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listened = append(m.listened, login)
}

func (m *mockRaidListener) UnlistenRaid(login string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unlistened = append(m.unlistened, login)
}

func (m *mockRaidListener) listenCalls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.listened...)
}

func (m *mockRaidListener) unlistenCalls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.unlistened...)
}

func TestRaidTrackerWaitsForLiveSighting(t *testing.T) {
	t.Parallel()

	mgr := &mockRaidListener{}
	tracker := NewRaidTracker(mgr, zerolog.Nop())

	tracker.Listen("SomeUser")

	// no live information yet, nothing starts
	tracker.Sweep()
	require.Empty(t, mgr.listenCalls())
	require.False(t, tracker.IsListening("someuser"))

	// a check that found the channel offline is not a sighting either
	tracker.SetOffline("someuser")
	tracker.Sweep()
	require.Empty(t, mgr.listenCalls())

	tracker.SetLive("someuser")
	tracker.Sweep()
	require.Equal(t, []string{"someuser"}, mgr.listenCalls())
	require.True(t, tracker.IsListening("someuser"))

	// already listening, the next sweep does not start it again
	tracker.Sweep()
	require.Len(t, mgr.listenCalls(), 1)
}

func TestRaidTrackerLocalUserBypassesEligibility(t *testing.T) {
	t.Parallel()

	mgr := &mockRaidListener{}
	tracker := NewRaidTracker(mgr, zerolog.Nop())
	tracker.SetLocalUsername("Operator")

	tracker.Listen("operator")
	require.Equal(t, []string{"operator"}, mgr.listenCalls())

	tracker.Unlisten("operator")
	require.Equal(t, []string{"operator"}, mgr.unlistenCalls())
}

func TestRaidTrackerStopsOnFreshOfflineInfo(t *testing.T) {
	t.Parallel()

	mgr := &mockRaidListener{}
	tracker := NewRaidTracker(mgr, zerolog.Nop())

	tracker.Listen("someuser")
	tracker.SetLive("someuser")
	tracker.Sweep()
	require.True(t, tracker.IsListening("someuser"))

	// the last sighting goes stale but the status info with it, an
	// unknown state keeps the subscription
	tracker.mu.Lock()
	s := tracker.status["someuser"]
	s.lastLive = s.lastLive.Add(-2 * raidLiveWindow)
	s.checkedAt = s.checkedAt.Add(-2 * raidLiveWindow)
	tracker.status["someuser"] = s
	tracker.mu.Unlock()

	tracker.Sweep()
	require.True(t, tracker.IsListening("someuser"))
	require.Empty(t, mgr.unlistenCalls())

	// a fresh check confirming the channel left the window stops it
	tracker.SetOffline("someuser")
	tracker.Sweep()
	require.False(t, tracker.IsListening("someuser"))
	require.Equal(t, []string{"someuser"}, mgr.unlistenCalls())

	// still requested, a new sighting starts it again
	tracker.SetLive("someuser")
	tracker.Sweep()
	require.True(t, tracker.IsListening("someuser"))
}

func TestRaidTrackerUnlisten(t *testing.T) {
	t.Parallel()

	mgr := &mockRaidListener{}
	tracker := NewRaidTracker(mgr, zerolog.Nop())

	tracker.Listen("someuser")
	tracker.SetLive("someuser")
	tracker.Sweep()
	require.True(t, tracker.IsListening("someuser"))

	tracker.Unlisten("SomeUser")
	require.False(t, tracker.IsListening("someuser"))
	require.Equal(t, []string{"someuser"}, mgr.unlistenCalls())

	// the request is withdrawn, later sightings don't restart it
	tracker.SetLive("someuser")
	tracker.Sweep()
	require.False(t, tracker.IsListening("someuser"))
	require.Len(t, mgr.listenCalls(), 1)
}

func TestRaidTrackerUnlistenWithoutActiveSubscription(t *testing.T) {
	t.Parallel()

	mgr := &mockRaidListener{}
	tracker := NewRaidTracker(mgr, zerolog.Nop())

	tracker.Listen("someuser")
	tracker.Unlisten("someuser")

	// never eligible, never started, nothing to stop
	require.Empty(t, mgr.unlistenCalls())
}
