package realtime

import (
	"sort"
	"sync"

	"go.uber.org/zap"
)

// sessionLink is the slice of Session the membership manager needs.
type sessionLink interface {
	State() State
	SendJoin(channelID string) error
	SendLeave(channelID string) error
}

// Memberships tracks which channels the session should be joined to. The
// desired set is the single source of truth: joins issued while disconnected
// are deferred, and the whole set is re-asserted after every reconnect, so a
// transient network blip never silently drops live updates.
type Memberships struct {
	sess sessionLink
	log  *zap.Logger

	mu        sync.Mutex
	desired   map[string]struct{}
	confirmed map[string]struct{}
}

// NewMemberships creates a membership manager bound to a session.
func NewMemberships(sess sessionLink, log *zap.Logger) *Memberships {
	if log == nil {
		log = zap.NewNop()
	}
	return &Memberships{
		sess:      sess,
		log:       log.Named("membership"),
		desired:   make(map[string]struct{}),
		confirmed: make(map[string]struct{}),
	}
}

// Join adds the channel to the desired set and, if connected, sends the join
// request immediately. Otherwise the join replays on the next (re)connect.
// Idempotent.
func (m *Memberships) Join(channelID string) {
	m.mu.Lock()
	m.desired[channelID] = struct{}{}
	m.mu.Unlock()

	if m.sess.State() == StateConnected {
		if err := m.sess.SendJoin(channelID); err != nil {
			m.log.Debug("join deferred", zap.String("channel", channelID), zap.Error(err))
		}
	}
}

// Leave removes the channel from the desired set and, if connected, sends a
// leave request. Idempotent.
func (m *Memberships) Leave(channelID string) {
	m.mu.Lock()
	delete(m.desired, channelID)
	delete(m.confirmed, channelID)
	m.mu.Unlock()

	if m.sess.State() == StateConnected {
		if err := m.sess.SendLeave(channelID); err != nil {
			m.log.Debug("leave not sent", zap.String("channel", channelID), zap.Error(err))
		}
	}
}

// Desired returns a sorted snapshot of the desired-membership set.
func (m *Memberships) Desired() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.desired))
	for id := range m.desired {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Confirmed reports whether the server has acknowledged membership of the
// channel since the last reconnect.
func (m *Memberships) Confirmed(channelID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.confirmed[channelID]
	return ok
}

// HandleEvent feeds session events into the manager. On SessionReady and
// Reconnected the desired set is replayed wholesale; membership confirmations
// update the confirmed set.
func (m *Memberships) HandleEvent(ev Event) {
	switch e := ev.(type) {
	case SessionReady, Reconnected:
		m.replay()
	case MembershipEvent:
		m.mu.Lock()
		if e.Joined {
			m.confirmed[e.ChannelID] = struct{}{}
		} else {
			delete(m.confirmed, e.ChannelID)
		}
		m.mu.Unlock()
	}
}

// replay re-asserts every desired membership. Server-side membership is
// reconciled to the desired set, never the other way around.
func (m *Memberships) replay() {
	m.mu.Lock()
	// Confirmations predating the new connection are stale.
	m.confirmed = make(map[string]struct{})
	channels := make([]string, 0, len(m.desired))
	for id := range m.desired {
		channels = append(channels, id)
	}
	m.mu.Unlock()

	sort.Strings(channels)
	for _, id := range channels {
		if err := m.sess.SendJoin(id); err != nil {
			m.log.Warn("membership replay failed", zap.String("channel", id), zap.Error(err))
		}
	}
	if len(channels) > 0 {
		m.log.Info("memberships replayed", zap.Int("count", len(channels)))
	}
}
