// Package wire defines the JSON payload types for the SkillSwap realtime
// binary protocol. Both the gateway and the Go SDK import these — single
// source of truth.
package wire

// ConnectPayload is the payload of a CONNECT frame (client -> server).
type ConnectPayload struct {
	UserID string `json:"userId"`
	Token  string `json:"token"`
}

// AuthResultPayload is the payload of AUTH_OK / AUTH_FAIL (server -> client).
type AuthResultPayload struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
	UserID string `json:"userId,omitempty"`
}

// JoinPayload is the payload of a JOIN frame (client -> server).
type JoinPayload struct {
	ChannelID string `json:"channelId"`
}

// LeavePayload is the payload of a LEAVE frame (client -> server).
type LeavePayload struct {
	ChannelID string `json:"channelId"`
}

// SendPayload is the payload of a SEND_MESSAGE frame (client -> server).
// ClientTag is the client-generated temporary id; the gateway echoes it back
// in the delivery so the sender can reconcile its optimistic copy.
type SendPayload struct {
	ConversationID string `json:"conversationId"`
	ClientTag      string `json:"clientTag"`
	Body           string `json:"body"`
	ClientTs       int64  `json:"clientTs"` // unix millis
}

// DeliveryPayload is the payload of a DELIVERY frame (server -> client),
// fanned out to every member of the conversation including the sender.
type DeliveryPayload struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
	SenderID       string `json:"senderId"`
	ClientTag      string `json:"clientTag,omitempty"`
	Body           string `json:"body"`
	ServerTs       int64  `json:"serverTs"` // unix millis, authoritative
}

// ReadReceiptPayload is the payload of a READ_RECEIPT frame (both directions):
// the client emits it when the local user advances a read cursor, the server
// fans it out to the other conversation members.
type ReadReceiptPayload struct {
	ConversationID string `json:"conversationId"`
	ParticipantID  string `json:"participantId"`
	UptoTs         int64  `json:"uptoTs"` // unix millis
}

// MembershipPayload is the payload of a MEMBERSHIP frame (server -> client),
// confirming a join or leave.
type MembershipPayload struct {
	ChannelID string `json:"channelId"`
	Joined    bool   `json:"joined"`
}

// Notification kinds carried by NotificationPayload.
const (
	NotifyNewMessage        = "new_message"
	NotifyExchangeRequest   = "exchange_request"
	NotifyExchangeAccepted  = "exchange_accepted"
	NotifyExchangeRejected  = "exchange_rejected"
	NotifyExchangeCompleted = "exchange_completed"
)

// NotificationPayload is the payload of a NOTIFICATION frame (server -> client).
type NotificationPayload struct {
	Kind           string `json:"kind"`
	ActorID        string `json:"actorId"`
	ConversationID string `json:"conversationId,omitempty"`
	ExchangeID     string `json:"exchangeId,omitempty"`
	Ts             int64  `json:"ts"` // unix millis
}

// SendFailPayload is the payload of a SEND_FAIL frame (server -> client),
// rejecting a specific send (e.g. for lack of channel membership).
type SendFailPayload struct {
	ClientTag string `json:"clientTag"`
	Reason    string `json:"reason,omitempty"`
}
