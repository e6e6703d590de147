package wspool

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	raidSweepInterval = time.Second * 30

	// a raid topic is only worth holding while the target is live, a
	// channel not seen live within this window is not eligible
	raidLiveWindow = time.Second * 600
)

type raidListener interface {
	ListenRaid(login string)
	UnlistenRaid(login string)
}

// streamStatus is the cached live state of one channel. checkedAt tells
// how fresh the information is, lastLive when the channel was last seen
// live (zero if never).
type streamStatus struct {
	lastLive  time.Time
	checkedAt time.Time
}

// RaidTracker decides whether a raid topic for a non-local user should
// currently be active. Raid subscriptions for offline channels are a
// waste of topic budget, so requested users only get listened to once
// they are seen live, re-evaluated on a periodic sweep. The local user
// bypasses eligibility entirely.
//
// All side effects (listen/unlisten calls into the manager) are buffered
// under the lock and flushed outside it, the manager may take its own
// locks.
type RaidTracker struct {
	mu     sync.Mutex
	mgr    raidListener
	logger zerolog.Logger

	localLogin string

	requested map[string]struct{}
	listened  map[string]struct{}
	status    map[string]streamStatus

	queue []func()
}

func NewRaidTracker(mgr raidListener, logger zerolog.Logger) *RaidTracker {
	return &RaidTracker{
		mgr:       mgr,
		logger:    logger.With().Str("component", "raid-tracker").Logger(),
		requested: make(map[string]struct{}),
		listened:  make(map[string]struct{}),
		status:    make(map[string]streamStatus),
	}
}

// Run drives the periodic eligibility sweep until the context is
// cancelled.
func (r *RaidTracker) Run(ctx context.Context) error {
	ticker := time.NewTicker(raidSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.Sweep()
		}
	}
}

func (r *RaidTracker) SetLocalUsername(login string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.localLogin = strings.ToLower(login)
}

// SetLive records that the channel is currently live.
func (r *RaidTracker) SetLive(login string) {
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.status[strings.ToLower(login)] = streamStatus{lastLive: now, checkedAt: now}
}

// SetOffline records a successful check that found the channel not
// live. The last-seen-live timestamp is kept.
func (r *RaidTracker) SetOffline(login string) {
	login = strings.ToLower(login)

	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.status[login]
	s.checkedAt = time.Now()
	r.status[login] = s
}

// Listen requests raid events for a user. For the local user this takes
// effect immediately, for anyone else eligibility is evaluated on the
// next sweep.
func (r *RaidTracker) Listen(login string) {
	login = strings.ToLower(login)

	r.mu.Lock()

	if login == r.localLogin {
		r.queueLocked(func() { r.mgr.ListenRaid(login) })
	} else {
		r.requested[login] = struct{}{}
	}

	r.mu.Unlock()

	r.flush()
}

// Unlisten withdraws the request and stops an active subscription.
func (r *RaidTracker) Unlisten(login string) {
	login = strings.ToLower(login)

	r.mu.Lock()

	if login == r.localLogin {
		r.queueLocked(func() { r.mgr.UnlistenRaid(login) })
	} else {
		delete(r.requested, login)

		if _, ok := r.listened[login]; ok {
			delete(r.listened, login)
			r.queueLocked(func() { r.mgr.UnlistenRaid(login) })
		}
	}

	r.mu.Unlock()

	r.flush()
}

// IsListening reports whether a raid subscription is currently active
// for the user.
func (r *RaidTracker) IsListening(login string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.listened[strings.ToLower(login)]
	return ok
}

// Sweep re-evaluates eligibility for every requested user and starts or
// stops subscriptions accordingly.
func (r *RaidTracker) Sweep() {
	now := time.Now()

	r.mu.Lock()

	for login := range r.requested {
		if _, ok := r.listened[login]; ok {
			continue
		}

		if r.eligibleStartLocked(login, now) {
			r.listened[login] = struct{}{}
			r.queueLocked(func() { r.mgr.ListenRaid(login) })
		}
	}

	for login := range r.listened {
		if _, ok := r.requested[login]; !ok {
			// withdrawn requests are handled in Unlisten already, this
			// catches state drift
			delete(r.listened, login)
			r.queueLocked(func() { r.mgr.UnlistenRaid(login) })
			continue
		}

		if r.eligibleStopLocked(login, now) {
			delete(r.listened, login)
			r.queueLocked(func() { r.mgr.UnlistenRaid(login) })
		}
	}

	r.mu.Unlock()

	r.flush()
}

// eligibleStartLocked requires a positive sighting: the channel was seen
// live within the window.
func (r *RaidTracker) eligibleStartLocked(login string, now time.Time) bool {
	s, ok := r.status[login]
	if !ok || s.lastLive.IsZero() {
		return false
	}

	return now.Sub(s.lastLive) <= raidLiveWindow
}

// eligibleStopLocked is deliberately more permissive than the start
// check: stopping needs fresh, valid information saying the channel left
// the live window. Unknown or stale status keeps the subscription, a
// stale subscription is cheaper than churn on flaky lookups.
func (r *RaidTracker) eligibleStopLocked(login string, now time.Time) bool {
	s, ok := r.status[login]
	if !ok || s.checkedAt.IsZero() {
		return false
	}

	if now.Sub(s.checkedAt) > raidLiveWindow {
		return false
	}

	if s.lastLive.IsZero() {
		return true
	}

	return now.Sub(s.lastLive) > raidLiveWindow
}

func (r *RaidTracker) queueLocked(action func()) {
	r.queue = append(r.queue, action)
}

// flush runs the buffered actions without holding the lock.
func (r *RaidTracker) flush() {
	r.mu.Lock()
	actions := r.queue
	r.queue = nil
	r.mu.Unlock()

	for _, action := range actions {
		action()
	}
}
