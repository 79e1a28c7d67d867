package realtime

import "time"

// DeliveryState is the client-side delivery state of a message.
type DeliveryState string

const (
	// StatePending marks a locally-originated message awaiting server
	// confirmation.
	StatePending DeliveryState = "pending"
	// StateSent marks a server-confirmed message.
	StateSent DeliveryState = "sent"
	// StateSendFailed marks a message whose send was rejected or timed out.
	// Failed messages stay visible so the user can retry or discard.
	StateSendFailed DeliveryState = "failed"
)

// Message is one entry in a conversation log.
//
// A message with a durable ID is immutable except for its ReadBy set.
// A message without one is a pending optimistic copy that reconciliation
// may replace.
type Message struct {
	ID             string // server-assigned durable id, empty until confirmed
	TempID         string // client-generated temporary id, set for local sends
	ConversationID string
	SenderID       string
	Body           string
	ClientTs       time.Time // client-proposed
	ServerTs       time.Time // authoritative once confirmed, zero until then
	State          DeliveryState
	ReadBy         map[string]struct{} // participant ids who have read it
}

// Durable reports whether the message has a server-assigned id.
func (m Message) Durable() bool { return m.ID != "" }

// EffectiveTs is the ordering timestamp: server timestamp when present,
// client timestamp otherwise.
func (m Message) EffectiveTs() time.Time {
	if !m.ServerTs.IsZero() {
		return m.ServerTs
	}
	return m.ClientTs
}

func (m Message) clone() Message {
	out := m
	if m.ReadBy != nil {
		out.ReadBy = make(map[string]struct{}, len(m.ReadBy))
		for id := range m.ReadBy {
			out.ReadBy[id] = struct{}{}
		}
	}
	return out
}

// Notification is a classified cross-cutting event fanned out to every
// subscribed presentation surface.
type Notification struct {
	ID             string
	Kind           string // new_message, exchange_request, exchange_accepted, ...
	ActorID        string
	ConversationID string // optional reference
	ExchangeID     string // optional reference
	Read           bool
	CreatedAt      time.Time
}

// ConvRow is one row of the conversation list aggregate.
type ConvRow struct {
	ConversationID     string
	OtherParticipant   string
	LastMessagePreview string
	LastMessageTime    time.Time
	UnreadCount        int
}
