package realtime

import (
	"sort"
	"sync"
)

// ConvList is the derived conversation-list view: one row per conversation,
// recomputed from the message store and the read tracker. Updates are
// incremental — each relevant event refreshes the single affected row — so
// presentation cost stays bounded.
type ConvList struct {
	selfID  string
	store   *Store
	tracker *ReadTracker

	mu      sync.RWMutex
	rows    map[string]ConvRow
	subs    map[int]func(ConvRow)
	nextSub int
}

// NewConvList creates the aggregate over a store and tracker.
func NewConvList(selfID string, store *Store, tracker *ReadTracker) *ConvList {
	return &ConvList{
		selfID:  selfID,
		store:   store,
		tracker: tracker,
		rows:    make(map[string]ConvRow),
		subs:    make(map[int]func(ConvRow)),
	}
}

// Refresh recomputes the row for one conversation and notifies subscribers.
func (l *ConvList) Refresh(conversationID string) {
	row := ConvRow{
		ConversationID: conversationID,
		UnreadCount:    l.tracker.UnreadCount(conversationID, l.selfID),
	}
	for _, p := range l.store.Participants(conversationID) {
		if p != l.selfID {
			row.OtherParticipant = p
			break
		}
	}
	if last, ok := l.store.Last(conversationID); ok {
		row.LastMessagePreview = preview(last.Body)
		row.LastMessageTime = last.EffectiveTs()
	}

	l.mu.Lock()
	l.rows[conversationID] = row
	handlers := make([]func(ConvRow), 0, len(l.subs))
	for _, h := range l.subs {
		handlers = append(handlers, h)
	}
	l.mu.Unlock()

	for _, h := range handlers {
		h(row)
	}
}

// Rows returns all rows sorted by last message time, newest first.
func (l *ConvList) Rows() []ConvRow {
	l.mu.RLock()
	out := make([]ConvRow, 0, len(l.rows))
	for _, row := range l.rows {
		out = append(out, row)
	}
	l.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastMessageTime.Equal(out[j].LastMessageTime) {
			return out[i].LastMessageTime.After(out[j].LastMessageTime)
		}
		return out[i].ConversationID < out[j].ConversationID
	})
	return out
}

// OnChange registers a handler invoked with each refreshed row. Returns a
// cancel function.
func (l *ConvList) OnChange(h func(ConvRow)) func() {
	l.mu.Lock()
	id := l.nextSub
	l.nextSub++
	l.subs[id] = h
	l.mu.Unlock()

	return func() {
		l.mu.Lock()
		delete(l.subs, id)
		l.mu.Unlock()
	}
}

const previewLimit = 80

func preview(body string) string {
	runes := []rune(body)
	if len(runes) <= previewLimit {
		return body
	}
	return string(runes[:previewLimit])
}
