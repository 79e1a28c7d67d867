package realtime

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// ReadTracker keeps one monotonically non-decreasing read cursor per
// (conversation, participant) and computes unread counts against the message
// store. Local advances are propagated upstream as read receipts; remote
// receipts mark the local user's messages as seen.
type ReadTracker struct {
	selfID string
	store  *Store
	log    *zap.Logger

	// emit ships the local user's read-receipt to the gateway. Nil in tests.
	emit func(conversationID string, upto time.Time) error

	mu      sync.RWMutex
	cursors map[string]map[string]time.Time // conversation -> participant -> cursor
}

// NewReadTracker creates a tracker bound to the store. emit is called with
// every local cursor advance.
func NewReadTracker(selfID string, store *Store, emit func(string, time.Time) error, log *zap.Logger) *ReadTracker {
	if log == nil {
		log = zap.NewNop()
	}
	return &ReadTracker{
		selfID:  selfID,
		store:   store,
		log:     log.Named("readstate"),
		emit:    emit,
		cursors: make(map[string]map[string]time.Time),
	}
}

// MarkRead advances the local participant's cursor. A timestamp not after
// the current cursor is a no-op. Returns whether the cursor moved.
func (t *ReadTracker) MarkRead(conversationID string, upto time.Time) bool {
	if !t.advance(conversationID, t.selfID, upto) {
		return false
	}
	t.store.ApplyReadBy(conversationID, t.selfID, upto)
	if t.emit != nil {
		if err := t.emit(conversationID, upto); err != nil {
			// Cursor state is already advanced locally; the receipt will be
			// retried by the next MarkRead or re-sync.
			t.log.Debug("read receipt not sent", zap.String("conversation", conversationID), zap.Error(err))
		}
	}
	return true
}

// ApplyRemote updates a remote participant's cursor from an inbound receipt.
// Used to mark the local user's own messages as seen.
func (t *ReadTracker) ApplyRemote(conversationID, participantID string, upto time.Time) bool {
	if !t.advance(conversationID, participantID, upto) {
		return false
	}
	t.store.ApplyReadBy(conversationID, participantID, upto)
	return true
}

func (t *ReadTracker) advance(conversationID, participantID string, upto time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	byPart, ok := t.cursors[conversationID]
	if !ok {
		byPart = make(map[string]time.Time)
		t.cursors[conversationID] = byPart
	}
	if cur, ok := byPart[participantID]; ok && !upto.After(cur) {
		return false
	}
	byPart[participantID] = upto
	return true
}

// Cursor returns the participant's cursor for a conversation.
func (t *ReadTracker) Cursor(conversationID, participantID string) (time.Time, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	cur, ok := t.cursors[conversationID][participantID]
	return cur, ok
}

// UnreadCount returns the number of messages after the participant's cursor
// that the participant did not author. A participant with no cursor has read
// nothing.
func (t *ReadTracker) UnreadCount(conversationID, participantID string) int {
	cursor, _ := t.Cursor(conversationID, participantID)
	return t.store.CountAfter(conversationID, cursor, participantID)
}
