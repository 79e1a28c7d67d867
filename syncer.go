package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/skillswap/realtime-go/cache"
)

// ackTimeout is an internal loop event: a send's acknowledgment window
// elapsed without a confirming delivery.
type ackTimeout struct {
	conversationID string
	tempID         string
}

func (ackTimeout) event() {}

// Syncer is the client-side synchronization core. It owns the session, the
// membership manager, the message store, the read tracker, the notification
// router and the conversation-list aggregate, and runs the single event loop
// all inbound state mutation happens on. Presentation layers talk to the
// Syncer exclusively: snapshots and subscriptions out, the defined mutators
// in.
type Syncer struct {
	cfg Config
	log *zap.Logger

	sess     *Session
	members  *Memberships
	store    *Store
	tracker  *ReadTracker
	notifier *Notifier
	convs    *ConvList
	history  *historyClient
	cache    *cache.Cache

	events    chan Event
	done      chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex
	acks   map[string]*time.Timer
	opened map[string]bool
}

// New assembles a Syncer from the config. Call Start to connect.
func New(cfg Config) (*Syncer, error) {
	cfg = cfg.withDefaults()
	if cfg.UserID == "" {
		return nil, errors.New("realtime: Config.UserID is required")
	}
	if cfg.Credential == nil {
		return nil, errors.New("realtime: Config.Credential is required")
	}

	s := &Syncer{
		cfg:    cfg,
		log:    cfg.Logger.Named("sync"),
		events: make(chan Event, 256),
		done:   make(chan struct{}),
		acks:   make(map[string]*time.Timer),
		opened: make(map[string]bool),
	}

	s.sess = NewSession(cfg)
	s.members = NewMemberships(s.sess, cfg.Logger)
	s.store = NewStore(cfg.UserID, cfg.ReconcileWindow)
	s.tracker = NewReadTracker(cfg.UserID, s.store, func(convID string, upto time.Time) error {
		return s.sess.SendReadReceipt(convID, cfg.UserID, upto)
	}, cfg.Logger)
	s.notifier = NewNotifier(cfg.UserID, func(convID string, upto time.Time) {
		// Acknowledging a conversation-referenced notification advances the
		// read cursor too, so other devices of this user converge.
		if s.tracker.MarkRead(convID, upto) {
			s.persistCursor(convID, cfg.UserID, upto)
			s.convs.Refresh(convID)
		}
	}, cfg.Logger)
	s.convs = NewConvList(cfg.UserID, s.store, s.tracker)
	s.history = newHistoryClient(cfg)

	if cfg.CachePath != "" {
		c, err := cache.Open(cfg.CachePath)
		if err != nil {
			return nil, err
		}
		s.cache = c
	}

	// The session's read loop is the sole producer; the buffered channel
	// serializes everything onto the run loop.
	s.sess.OnEvent(func(ev Event) {
		select {
		case s.events <- ev:
		case <-s.done:
		}
	})

	return s, nil
}

// Start connects the session, starts the event loop, joins the user's
// personal channel and seeds the conversation list and the notification
// router from history. A REST seeding failure is logged and non-fatal; live
// events still flow.
func (s *Syncer) Start(ctx context.Context) error {
	if s.cache != nil {
		s.warmCursors()
	}

	// Personal channel carries out-of-conversation notifications. Joined
	// before the connect so the SessionReady replay sends it exactly once.
	s.members.Join("user:" + s.cfg.UserID)

	if err := s.sess.Connect(ctx); err != nil {
		return err
	}
	go s.run()

	if convs, err := s.history.Conversations(ctx); err != nil {
		s.log.Warn("conversation seed failed", zap.Error(err))
	} else {
		for _, c := range convs {
			s.store.EnsureConversation(c.ConversationID, c.Participants...)
			if lm := c.LastMessage; lm != nil {
				s.store.Reconcile(Message{
					ID:             lm.MessageID,
					ConversationID: c.ConversationID,
					SenderID:       lm.SenderID,
					Body:           lm.Body,
					ServerTs:       time.UnixMilli(lm.ServerTs),
					State:          StateSent,
				})
			}
			s.convs.Refresh(c.ConversationID)
		}
	}

	notifs, err := s.history.Notifications(ctx)
	if err != nil {
		s.log.Warn("notification seed failed", zap.Error(err))
	} else {
		s.notifier.Seed(notifs)
	}
	return nil
}

// Close tears everything down. Idempotent.
func (s *Syncer) Close() {
	s.closeOnce.Do(func() {
		s.sess.Disconnect()
		close(s.done)
		s.mu.Lock()
		for _, t := range s.acks {
			t.Stop()
		}
		s.acks = map[string]*time.Timer{}
		s.mu.Unlock()
		if s.cache != nil {
			s.cache.Close()
		}
	})
}

// State returns the connection state.
func (s *Syncer) State() State { return s.sess.State() }

// --- Event loop ---

func (s *Syncer) run() {
	for {
		select {
		case ev := <-s.events:
			s.handle(ev)
		case <-s.done:
			return
		}
	}
}

func (s *Syncer) handle(ev Event) {
	s.members.HandleEvent(ev)

	switch e := ev.(type) {
	case MessageEvent:
		sm := Message{
			ID:             e.MessageID,
			TempID:         e.ClientTag,
			ConversationID: e.ConversationID,
			SenderID:       e.SenderID,
			Body:           e.Body,
			ServerTs:       time.UnixMilli(e.ServerTs),
		}
		if confirmed := s.store.Reconcile(sm); confirmed != "" {
			s.cancelAck(confirmed)
		}
		s.persistMessage(sm)
		s.notifier.HandleEvent(ev)
		s.convs.Refresh(e.ConversationID)

	case ReadReceiptEvent:
		upto := time.UnixMilli(e.UptoTs)
		if s.tracker.ApplyRemote(e.ConversationID, e.ParticipantID, upto) {
			s.persistCursor(e.ConversationID, e.ParticipantID, upto)
			s.convs.Refresh(e.ConversationID)
		}

	case NotificationEvent:
		s.notifier.HandleEvent(ev)

	case SendFailEvent:
		s.log.Warn("send rejected", zap.String("tag", e.ClientTag), zap.String("reason", e.Reason))
		s.failSend(e.ClientTag)

	case ackTimeout:
		if msg, ok := s.store.Get(e.tempID); ok && msg.State == StatePending {
			s.log.Warn("send ack timeout", zap.String("conversation", e.conversationID))
			s.failSend(e.tempID)
		}

	case SessionDown:
		s.log.Warn("session down", zap.Error(e.Err))
	}
}

func (s *Syncer) failSend(tempID string) {
	s.cancelAck(tempID)
	if !s.store.MarkFailed(tempID) {
		return
	}
	if msg, ok := s.store.Get(tempID); ok {
		s.convs.Refresh(msg.ConversationID)
	}
}

// --- Mutators (presentation-facing) ---

// SendMessage appends an optimistic message and ships it. The returned
// temporary id identifies the message until the server confirms it. When the
// session is disconnected the message is immediately marked failed and
// ErrNotConnected returned; the user retries explicitly.
func (s *Syncer) SendMessage(conversationID, body string) (string, error) {
	tempID := s.store.AppendOptimistic(conversationID, body)
	s.convs.Refresh(conversationID)

	msg, _ := s.store.Get(tempID)
	if err := s.sess.SendMessage(conversationID, tempID, body, msg.ClientTs); err != nil {
		s.failSend(tempID)
		return tempID, err
	}

	timer := time.AfterFunc(s.cfg.AckTimeout, func() {
		select {
		case s.events <- ackTimeout{conversationID: conversationID, tempID: tempID}:
		case <-s.done:
		}
	})
	s.mu.Lock()
	s.acks[tempID] = timer
	s.mu.Unlock()
	return tempID, nil
}

// RetryMessage re-sends a failed message as a new optimistic message. The
// failed one stays until discarded.
func (s *Syncer) RetryMessage(tempID string) (string, error) {
	msg, ok := s.store.Get(tempID)
	if !ok || msg.State != StateSendFailed {
		return "", fmt.Errorf("realtime: no failed message %s", tempID)
	}
	return s.SendMessage(msg.ConversationID, msg.Body)
}

// DiscardMessage removes a failed message.
func (s *Syncer) DiscardMessage(tempID string) bool {
	msg, ok := s.store.Get(tempID)
	if !ok {
		return false
	}
	if !s.store.Discard(tempID) {
		return false
	}
	s.convs.Refresh(msg.ConversationID)
	return true
}

// OpenConversation joins the conversation's channel and, on first open,
// seeds the store: cached messages first, then the REST history, both merged
// through the same reconcile rule as live events so the seams never
// duplicate. Safe to call repeatedly.
func (s *Syncer) OpenConversation(ctx context.Context, conversationID string) error {
	s.members.Join(conversationID)

	s.mu.Lock()
	seeded := s.opened[conversationID]
	s.mu.Unlock()
	if seeded {
		return nil
	}

	if s.cache != nil {
		s.warmConversation(conversationID)
	}

	msgs, participants, err := s.history.Messages(ctx, conversationID)
	if err != nil {
		// Cache-warmed state stays; the next open retries the seed.
		return fmt.Errorf("seed conversation %s: %w", conversationID, err)
	}
	s.store.EnsureConversation(conversationID, participants...)
	for _, m := range msgs {
		s.store.Reconcile(m)
		s.persistMessage(m)
	}

	s.mu.Lock()
	s.opened[conversationID] = true
	s.mu.Unlock()
	s.convs.Refresh(conversationID)
	return nil
}

// CloseConversation leaves the conversation's channel. Seeded history is
// kept; an in-flight send still attempts delivery and surfaces SendFailed if
// the server rejects it.
func (s *Syncer) CloseConversation(conversationID string) {
	s.members.Leave(conversationID)
}

// MarkRead advances the local read cursor for a conversation and propagates
// a read receipt.
func (s *Syncer) MarkRead(conversationID string, upto time.Time) {
	if s.tracker.MarkRead(conversationID, upto) {
		s.persistCursor(conversationID, s.cfg.UserID, upto)
		s.convs.Refresh(conversationID)
	}
}

// Acknowledge marks a notification read. Idempotent.
func (s *Syncer) Acknowledge(notificationID string) bool {
	return s.notifier.Acknowledge(notificationID)
}

// --- Read-only views (presentation-facing) ---

// Snapshot returns the ordered messages of a conversation.
func (s *Syncer) Snapshot(conversationID string) []Message {
	return s.store.Snapshot(conversationID)
}

// UnreadCount returns the local user's unread count for a conversation.
func (s *Syncer) UnreadCount(conversationID string) int {
	return s.tracker.UnreadCount(conversationID, s.cfg.UserID)
}

// Rows returns the conversation list, newest first.
func (s *Syncer) Rows() []ConvRow { return s.convs.Rows() }

// OnRowChange subscribes to conversation-list row updates.
func (s *Syncer) OnRowChange(h func(ConvRow)) func() { return s.convs.OnChange(h) }

// SubscribeNotifications registers a notification handler.
func (s *Syncer) SubscribeNotifications(h func(Notification)) func() {
	return s.notifier.Subscribe(h)
}

// PendingNotifications returns the unread notifications, oldest first.
func (s *Syncer) PendingNotifications() []Notification { return s.notifier.Pending() }

// Notifications returns every retained notification.
func (s *Syncer) Notifications() []Notification { return s.notifier.All() }

// --- Cache plumbing ---

func (s *Syncer) persistMessage(m Message) {
	if s.cache == nil || m.ID == "" {
		return
	}
	err := s.cache.SaveMessage(cache.Entry{
		MessageID:      m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Body:           m.Body,
		ServerTs:       m.ServerTs,
	})
	if err != nil {
		s.log.Debug("cache write failed", zap.Error(err))
	}
}

func (s *Syncer) persistCursor(conversationID, participantID string, upto time.Time) {
	if s.cache == nil {
		return
	}
	err := s.cache.SaveCursor(cache.Cursor{
		ConversationID: conversationID,
		ParticipantID:  participantID,
		UptoTs:         upto,
	})
	if err != nil {
		s.log.Debug("cache cursor write failed", zap.Error(err))
	}
}

func (s *Syncer) warmCursors() {
	cursors, err := s.cache.LoadCursors()
	if err != nil {
		s.log.Warn("cache cursor load failed", zap.Error(err))
		return
	}
	for _, cur := range cursors {
		s.tracker.ApplyRemote(cur.ConversationID, cur.ParticipantID, cur.UptoTs)
	}
}

func (s *Syncer) warmConversation(conversationID string) {
	entries, err := s.cache.LoadConversation(conversationID)
	if err != nil {
		s.log.Warn("cache load failed", zap.String("conversation", conversationID), zap.Error(err))
		return
	}
	for _, e := range entries {
		s.store.Reconcile(Message{
			ID:             e.MessageID,
			ConversationID: e.ConversationID,
			SenderID:       e.SenderID,
			Body:           e.Body,
			ServerTs:       e.ServerTs,
			State:          StateSent,
		})
	}
}

func (s *Syncer) cancelAck(tempID string) {
	s.mu.Lock()
	if t, ok := s.acks[tempID]; ok {
		t.Stop()
		delete(s.acks, tempID)
	}
	s.mu.Unlock()
}
