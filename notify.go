package realtime

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/skillswap/realtime-go/wire"
)

// Notifier classifies inbound events into Notification entities and fans
// them out to every subscribed handler. Surfaces subscribe independently;
// none of them need to be mounted for a notification to be retained, and a
// late subscriber can replay what it missed via Pending or All.
//
// A notification has exactly two states: created (unread) and acknowledged
// (read). Acknowledgment is terminal; re-acknowledging is a no-op.
type Notifier struct {
	selfID string
	log    *zap.Logger

	// onAck propagates an acknowledgment upstream when the notification
	// references a conversation, so the user's other devices converge.
	onAck func(conversationID string, upto time.Time)

	mu      sync.Mutex
	notifs  []*Notification
	byID    map[string]*Notification
	subs    map[int]func(Notification)
	nextSub int
}

// NewNotifier creates a router for the given local user.
func NewNotifier(selfID string, onAck func(string, time.Time), log *zap.Logger) *Notifier {
	if log == nil {
		log = zap.NewNop()
	}
	return &Notifier{
		selfID: selfID,
		log:    log.Named("notify"),
		onAck:  onAck,
		byID:   make(map[string]*Notification),
		subs:   make(map[int]func(Notification)),
	}
}

// Classify maps a transport event to zero or one Notification. Pure: no
// state is touched. Unrecognized event and notification kinds produce none,
// so unknown server event types never crash the client.
func (n *Notifier) Classify(ev Event) (Notification, bool) {
	switch e := ev.(type) {
	case MessageEvent:
		if e.SenderID == n.selfID {
			return Notification{}, false
		}
		return Notification{
			ID:             uuid.NewString(),
			Kind:           wire.NotifyNewMessage,
			ActorID:        e.SenderID,
			ConversationID: e.ConversationID,
			CreatedAt:      time.UnixMilli(e.ServerTs),
		}, true

	case NotificationEvent:
		switch e.Kind {
		case wire.NotifyNewMessage, wire.NotifyExchangeRequest,
			wire.NotifyExchangeAccepted, wire.NotifyExchangeRejected,
			wire.NotifyExchangeCompleted:
		default:
			return Notification{}, false
		}
		return Notification{
			ID:             uuid.NewString(),
			Kind:           e.Kind,
			ActorID:        e.ActorID,
			ConversationID: e.ConversationID,
			ExchangeID:     e.ExchangeID,
			CreatedAt:      time.UnixMilli(e.Ts),
		}, true
	}
	return Notification{}, false
}

// HandleEvent classifies and, when a notification results, records and fans
// it out.
func (n *Notifier) HandleEvent(ev Event) {
	notif, ok := n.Classify(ev)
	if !ok {
		return
	}
	n.publish(notif)
}

// Seed merges notification history fetched at startup. Already-known ids are
// skipped; seeded notifications are retained for replay but not fanned out,
// they are history, not news.
func (n *Notifier) Seed(notifs []Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, notif := range notifs {
		if notif.ID == "" {
			notif.ID = uuid.NewString()
		}
		if _, ok := n.byID[notif.ID]; ok {
			continue
		}
		stored := notif
		n.notifs = append(n.notifs, &stored)
		n.byID[stored.ID] = &stored
	}
}

func (n *Notifier) publish(notif Notification) {
	n.mu.Lock()
	stored := notif
	n.notifs = append(n.notifs, &stored)
	n.byID[stored.ID] = &stored
	handlers := make([]func(Notification), 0, len(n.subs))
	for _, h := range n.subs {
		handlers = append(handlers, h)
	}
	n.mu.Unlock()

	for _, h := range handlers {
		h(notif)
	}
}

// Subscribe registers a handler for every future notification. Returns a
// cancel function; surfaces unsubscribe when unmounted.
func (n *Notifier) Subscribe(h func(Notification)) func() {
	n.mu.Lock()
	id := n.nextSub
	n.nextSub++
	n.subs[id] = h
	n.mu.Unlock()

	return func() {
		n.mu.Lock()
		delete(n.subs, id)
		n.mu.Unlock()
	}
}

// Acknowledge marks the notification read. Idempotent; unknown ids are
// ignored. If the notification references a conversation, the acknowledgment
// propagates upstream as a read-state advance.
func (n *Notifier) Acknowledge(id string) bool {
	n.mu.Lock()
	notif, ok := n.byID[id]
	if !ok || notif.Read {
		n.mu.Unlock()
		return false
	}
	notif.Read = true
	convID, createdAt := notif.ConversationID, notif.CreatedAt
	n.mu.Unlock()

	if convID != "" && n.onAck != nil {
		n.onAck(convID, createdAt)
	}
	return true
}

// Pending returns the unread notifications, oldest first. This is the replay
// read a late subscriber uses to catch up.
func (n *Notifier) Pending() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Notification, 0)
	for _, notif := range n.notifs {
		if !notif.Read {
			out = append(out, *notif)
		}
	}
	return out
}

// All returns every retained notification, oldest first.
func (n *Notifier) All() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Notification, len(n.notifs))
	for i, notif := range n.notifs {
		out[i] = *notif
	}
	return out
}
