package realtime

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store is the authoritative per-client view of conversation history. It
// merges locally optimistic sends with server-confirmed deliveries: within a
// conversation messages are totally ordered by effective timestamp (server
// timestamp once confirmed, client timestamp until then), durable before
// pending on ties.
//
// The store only reflects state. It never re-issues sends; a failed send
// stays visible as a failed message until the user retries or discards it.
type Store struct {
	mu     sync.RWMutex
	selfID string
	fuzz   time.Duration

	convs     map[string]*conversation
	tempIndex map[string]string // temp id -> conversation id
}

type conversation struct {
	id           string
	participants map[string]struct{}
	msgs         []*Message
	durable      map[string]struct{} // durable ids already merged
}

// NewStore creates a message store for the given local participant. fuzz is
// the window within which an echo delivery may match a pending send by body
// and timestamp.
func NewStore(selfID string, fuzz time.Duration) *Store {
	if fuzz <= 0 {
		fuzz = 5 * time.Second
	}
	return &Store{
		selfID:    selfID,
		fuzz:      fuzz,
		convs:     make(map[string]*conversation),
		tempIndex: make(map[string]string),
	}
}

func (s *Store) conv(id string) *conversation {
	c, ok := s.convs[id]
	if !ok {
		c = &conversation{
			id:           id,
			participants: map[string]struct{}{s.selfID: {}},
			durable:      make(map[string]struct{}),
		}
		s.convs[id] = c
	}
	return c
}

// EnsureConversation creates a placeholder conversation (pending server
// confirmation) and records its participants.
func (s *Store) EnsureConversation(conversationID string, participants ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.conv(conversationID)
	for _, p := range participants {
		c.participants[p] = struct{}{}
	}
}

// AppendOptimistic inserts a pending message at the tail of the conversation
// and returns its temporary id synchronously so the caller can render it
// immediately. This is the only way a message without a durable id enters
// the store.
func (s *Store) AppendOptimistic(conversationID, body string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	tempID := uuid.NewString()
	msg := &Message{
		TempID:         tempID,
		ConversationID: conversationID,
		SenderID:       s.selfID,
		Body:           body,
		ClientTs:       time.Now(),
		State:          StatePending,
		ReadBy:         map[string]struct{}{s.selfID: {}},
	}

	c := s.conv(conversationID)
	c.msgs = append(c.msgs, msg)
	s.tempIndex[tempID] = conversationID
	return tempID
}

// Reconcile merges a server-confirmed message. If a pending message in the
// same conversation matches — same sender and either the echoed client tag
// or an identical body within the fuzz window — it is replaced in place and
// marked sent, so the sender's own echo never renders twice. Otherwise the
// durable message is inserted at its timestamp-ordered position.
//
// Idempotent: a durable id already merged is a no-op.
//
// Returns the temporary id the delivery confirmed, or "" if none.
func (s *Store) Reconcile(sm Message) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.conv(sm.ConversationID)
	if _, ok := c.durable[sm.ID]; ok {
		return ""
	}
	c.durable[sm.ID] = struct{}{}
	c.participants[sm.SenderID] = struct{}{}

	if idx := s.matchPending(c, sm); idx >= 0 {
		m := c.msgs[idx]
		tempID := m.TempID
		m.ID = sm.ID
		m.ServerTs = sm.ServerTs
		m.State = StateSent
		if m.Body == "" {
			m.Body = sm.Body
		}
		delete(s.tempIndex, tempID)
		return tempID
	}

	msg := &Message{
		ID:             sm.ID,
		ConversationID: sm.ConversationID,
		SenderID:       sm.SenderID,
		Body:           sm.Body,
		ClientTs:       sm.ClientTs,
		ServerTs:       sm.ServerTs,
		State:          StateSent,
		ReadBy:         map[string]struct{}{sm.SenderID: {}},
	}
	c.insert(msg)
	return ""
}

// matchPending finds the pending message a delivery confirms: exact client
// tag first, then same sender with identical body inside the fuzz window.
func (s *Store) matchPending(c *conversation, sm Message) int {
	if sm.TempID != "" {
		for i, m := range c.msgs {
			if m.State == StatePending && m.TempID == sm.TempID {
				return i
			}
		}
	}
	if sm.SenderID != s.selfID {
		return -1
	}
	for i, m := range c.msgs {
		if m.State != StatePending || m.SenderID != sm.SenderID || m.Body != sm.Body {
			continue
		}
		delta := sm.ServerTs.Sub(m.ClientTs)
		if delta < 0 {
			delta = -delta
		}
		if delta <= s.fuzz {
			return i
		}
	}
	return -1
}

// insert places msg at its ordered position: effective timestamp ascending,
// durable before pending on equal timestamps.
func (c *conversation) insert(msg *Message) {
	i := sort.Search(len(c.msgs), func(i int) bool {
		other := c.msgs[i]
		ot, mt := other.EffectiveTs(), msg.EffectiveTs()
		if !ot.Equal(mt) {
			return ot.After(mt)
		}
		// Equal timestamps: a pending message sorts after the durable one.
		return other.State == StatePending && msg.Durable()
	})
	c.msgs = append(c.msgs, nil)
	copy(c.msgs[i+1:], c.msgs[i:])
	c.msgs[i] = msg
}

// MarkFailed moves the pending message with the given temporary id to the
// failed state. The message is not removed; retry and discard are explicit
// user actions.
func (s *Store) MarkFailed(tempID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	convID, ok := s.tempIndex[tempID]
	if !ok {
		return false
	}
	c := s.convs[convID]
	for _, m := range c.msgs {
		if m.TempID == tempID && m.State == StatePending {
			m.State = StateSendFailed
			return true
		}
	}
	return false
}

// Discard removes a failed message. Pending and sent messages cannot be
// discarded.
func (s *Store) Discard(tempID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	convID, ok := s.tempIndex[tempID]
	if !ok {
		return false
	}
	c := s.convs[convID]
	for i, m := range c.msgs {
		if m.TempID == tempID && m.State == StateSendFailed {
			c.msgs = append(c.msgs[:i], c.msgs[i+1:]...)
			delete(s.tempIndex, tempID)
			return true
		}
	}
	return false
}

// Get returns a copy of the message with the given temporary id.
func (s *Store) Get(tempID string) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	convID, ok := s.tempIndex[tempID]
	if !ok {
		return Message{}, false
	}
	for _, m := range s.convs[convID].msgs {
		if m.TempID == tempID {
			return m.clone(), true
		}
	}
	return Message{}, false
}

// Snapshot returns the ordered message sequence for a conversation as a deep
// copy, safe to hand to a rendering layer.
func (s *Store) Snapshot(conversationID string) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.convs[conversationID]
	if !ok {
		return nil
	}
	out := make([]Message, len(c.msgs))
	for i, m := range c.msgs {
		out[i] = m.clone()
	}
	return out
}

// Last returns the newest message of a conversation.
func (s *Store) Last(conversationID string) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.convs[conversationID]
	if !ok || len(c.msgs) == 0 {
		return Message{}, false
	}
	return c.msgs[len(c.msgs)-1].clone(), true
}

// CountAfter returns the number of messages with effective timestamp after
// the cursor, excluding those authored by the given participant.
func (s *Store) CountAfter(conversationID string, cursor time.Time, excludeSender string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.convs[conversationID]
	if !ok {
		return 0
	}
	n := 0
	for _, m := range c.msgs {
		if m.SenderID != excludeSender && m.EffectiveTs().After(cursor) {
			n++
		}
	}
	return n
}

// ApplyReadBy marks every message up to the timestamp as read by the
// participant. Called by the read-state tracker; the read-by set is the only
// mutable part of a durable message.
func (s *Store) ApplyReadBy(conversationID, participantID string, upto time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[conversationID]
	if !ok {
		return
	}
	for _, m := range c.msgs {
		if m.EffectiveTs().After(upto) {
			break
		}
		if m.ReadBy == nil {
			m.ReadBy = make(map[string]struct{})
		}
		m.ReadBy[participantID] = struct{}{}
	}
}

// Participants returns the known participant ids of a conversation.
func (s *Store) Participants(conversationID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.convs[conversationID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(c.participants))
	for id := range c.participants {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Conversations returns the ids of all known conversations.
func (s *Store) Conversations() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.convs))
	for id := range s.convs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
