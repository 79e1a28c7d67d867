package realtime

import "github.com/skillswap/realtime-go/wire"

// Event is a decoded inbound event delivered to OnEvent subscribers in the
// order received from the gateway.
type Event interface {
	event()
}

// SessionReady is emitted once after a successful initial handshake.
type SessionReady struct {
	UserID string
}

// Reconnected is emitted after every successful reconnect so dependents can
// re-synchronize (membership replay, history catch-up).
type Reconnected struct {
	Attempts int
}

// SessionDown is emitted when the session gives up: deliberate disconnect or
// a credential rejection during reconnect.
type SessionDown struct {
	Err error
}

// MessageEvent carries a durable message delivery.
type MessageEvent struct {
	wire.DeliveryPayload
}

// ReadReceiptEvent carries a read-cursor advance from another participant or
// another device of this user.
type ReadReceiptEvent struct {
	wire.ReadReceiptPayload
}

// MembershipEvent confirms a server-side join or leave.
type MembershipEvent struct {
	wire.MembershipPayload
}

// NotificationEvent carries an out-of-band gateway notification.
type NotificationEvent struct {
	wire.NotificationPayload
}

// SendFailEvent reports a transport-level rejection of a specific send.
type SendFailEvent struct {
	wire.SendFailPayload
}

func (SessionReady) event()      {}
func (Reconnected) event()       {}
func (SessionDown) event()       {}
func (MessageEvent) event()      {}
func (ReadReceiptEvent) event()  {}
func (MembershipEvent) event()   {}
func (NotificationEvent) event() {}
func (SendFailEvent) event()     {}
