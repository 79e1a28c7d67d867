// Package realtime is the SkillSwap client-side messaging and notification
// synchronization layer. It maintains a single connection to the realtime
// gateway over WebSocket, keeps per-conversation channel membership alive
// across reconnects, merges optimistic sends with server-confirmed
// deliveries, tracks read cursors, and fans typed notifications out to any
// number of presentation surfaces.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/skillswap/realtime-go/frame"
	"github.com/skillswap/realtime-go/wire"
)

// State is the connection state of a Session.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Dialer opens the raw transport connection. Tests inject one; the default
// performs a WebSocket upgrade against cfg.Endpoint.
type Dialer func(ctx context.Context, endpoint string) (net.Conn, error)

// Config holds connection parameters.
type Config struct {
	Endpoint    string // WebSocket URL (e.g. "wss://rt.skillswap.io")
	APIEndpoint string // REST API URL — derived from Endpoint if empty
	UserID      string // authenticated user id

	// Credential supplies the bearer token. It is called on every connect
	// attempt so a refreshed token is picked up after an auth rejection.
	Credential func(ctx context.Context) (string, error)

	Logger *zap.Logger // defaults to zap.NewNop()
	Dialer Dialer      // test hook

	HeartbeatInterval time.Duration // default 25s
	AckTimeout        time.Duration // default 10s; pending sends fail after this
	ReconcileWindow   time.Duration // default 5s; echo fuzzy-match window
	SendQueueSize     int           // default 256

	CachePath string // optional sqlite message cache; empty disables
}

func (c Config) withDefaults() Config {
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Dialer == nil {
		c.Dialer = func(ctx context.Context, endpoint string) (net.Conn, error) {
			conn, _, _, err := ws.Dial(ctx, endpoint)
			return conn, err
		}
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = 10 * time.Second
	}
	if c.ReconcileWindow <= 0 {
		c.ReconcileWindow = 5 * time.Second
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = 256
	}
	return c
}

// Session owns the one persistent connection to the gateway. It presents a
// reliable, ordered event stream despite an unreliable transport: unexpected
// disconnects enter an exponential-backoff reconnect loop (1s doubling to
// 30s, unbounded attempts) and every successful reconnect emits Reconnected
// so dependents can re-synchronize.
type Session struct {
	cfg   Config
	log   *zap.Logger
	ulid  *frame.ULIDGen
	dedup *frame.DedupWindow

	handlersMu sync.RWMutex
	handlers   []func(Event)

	mu       sync.Mutex
	conn     net.Conn
	connStop chan struct{}
	state    State
	lastAck  time.Time

	sendCh    chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// NewSession creates a Session. Connect must be called before sends succeed.
func NewSession(cfg Config) *Session {
	cfg = cfg.withDefaults()
	return &Session{
		cfg:    cfg,
		log:    cfg.Logger.Named("session"),
		ulid:   frame.NewULIDGen(),
		dedup:  frame.NewDedupWindow(),
		sendCh: make(chan []byte, cfg.SendQueueSize),
		done:   make(chan struct{}),
	}
}

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// OnEvent registers a subscriber for all decoded inbound events. Multiple
// subscribers are allowed; each receives every event in arrival order.
func (s *Session) OnEvent(h func(Event)) {
	s.handlersMu.Lock()
	s.handlers = append(s.handlers, h)
	s.handlersMu.Unlock()
}

// Connect dials the gateway and performs the auth handshake. It returns an
// *AuthError if the credential is rejected and a *NetworkError if the
// endpoint is unreachable. On success the session is connected and a
// SessionReady event has been emitted. A no-op while the session is already
// connected, connecting, or inside the reconnect loop; at most one transport
// is ever live.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateConnected, StateConnecting, StateReconnecting:
		// Reconnecting: the backoff loop already owns the redial; a second
		// handshake here would adopt a second live transport.
		s.mu.Unlock()
		return nil
	}
	s.state = StateConnecting
	s.mu.Unlock()

	token, err := s.cfg.Credential(ctx)
	if err != nil {
		s.setState(StateDisconnected)
		return fmt.Errorf("credential: %w", err)
	}

	conn, err := s.cfg.Dialer(ctx, s.cfg.Endpoint)
	if err != nil {
		s.setState(StateDisconnected)
		return &NetworkError{Op: "dial", Err: err}
	}

	if err := s.handshake(conn, token); err != nil {
		var authErr *AuthError
		if errors.As(err, &authErr) {
			s.setState(StateFailed)
		} else {
			s.setState(StateDisconnected)
		}
		return err
	}

	s.adopt(conn)
	s.emit(SessionReady{UserID: s.cfg.UserID})
	return nil
}

// Disconnect tears the session down deliberately; no reconnection follows.
// Idempotent.
func (s *Session) Disconnect() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		conn := s.conn
		s.conn = nil
		s.state = StateDisconnected
		s.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		s.log.Info("session closed")
	})
}

// --- Typed send helpers ---

// SendMessage enqueues an outbound message. The clientTag travels with the
// send and comes back in the echo delivery, which is how the sender's
// optimistic copy reconciles.
func (s *Session) SendMessage(conversationID, clientTag, body string, clientTs time.Time) error {
	return s.send(frame.TypeSendMessage, conversationID, wire.SendPayload{
		ConversationID: conversationID,
		ClientTag:      clientTag,
		Body:           body,
		ClientTs:       clientTs.UnixMilli(),
	})
}

// SendReadReceipt propagates a read-cursor advance to the gateway.
func (s *Session) SendReadReceipt(conversationID, participantID string, upto time.Time) error {
	return s.send(frame.TypeReadReceipt, conversationID, wire.ReadReceiptPayload{
		ConversationID: conversationID,
		ParticipantID:  participantID,
		UptoTs:         upto.UnixMilli(),
	})
}

// SendJoin requests membership of a channel.
func (s *Session) SendJoin(channelID string) error {
	return s.send(frame.TypeJoin, "", wire.JoinPayload{ChannelID: channelID})
}

// SendLeave drops membership of a channel.
func (s *Session) SendLeave(channelID string) error {
	return s.send(frame.TypeLeave, "", wire.LeavePayload{ChannelID: channelID})
}

// send encodes and enqueues one frame. Fire-and-forget: delivery outcomes
// arrive later as events. Fails fast with ErrNotConnected outside the
// connected state so callers can decide to queue or drop.
func (s *Session) send(frameType uint8, conversationID string, payload any) error {
	if s.State() != StateConnected {
		return ErrNotConnected
	}

	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
	}

	var flags uint8
	if compressed, ok := frame.Compress(body); ok {
		body = compressed
		flags |= frame.FlagCompressed
	}

	var convID [16]byte
	if conversationID != "" {
		if u, err := uuid.Parse(conversationID); err == nil {
			copy(convID[:], u[:])
		}
	}

	encoded, err := frame.Encode(frame.Header{
		Type:           frameType,
		Flags:          flags,
		MsgID:          s.ulid.Next(),
		ConversationID: convID,
	}, body)
	if err != nil {
		return err
	}

	select {
	case s.sendCh <- encoded:
		return nil
	case <-s.done:
		return ErrClosed
	default:
		return ErrSendQueueFull
	}
}

// --- Internal ---

func (s *Session) handshake(conn net.Conn, token string) error {
	payload, _ := json.Marshal(wire.ConnectPayload{UserID: s.cfg.UserID, Token: token})
	encoded, _ := frame.Encode(frame.Header{Type: frame.TypeConnect, MsgID: s.ulid.Next()}, payload)
	if err := wsutil.WriteClientBinary(conn, encoded); err != nil {
		conn.Close()
		return &NetworkError{Op: "send connect", Err: err}
	}

	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	data, err := wsutil.ReadServerBinary(conn)
	if err != nil {
		conn.Close()
		return &NetworkError{Op: "read auth", Err: err}
	}
	conn.SetReadDeadline(time.Time{})

	h, payload, err := frame.Decode(data)
	if err != nil {
		conn.Close()
		return &NetworkError{Op: "decode auth", Err: err}
	}

	switch h.Type {
	case frame.TypeAuthOK:
		return nil
	case frame.TypeAuthFail:
		var result wire.AuthResultPayload
		json.Unmarshal(payload, &result)
		conn.Close()
		return &AuthError{Reason: result.Reason}
	default:
		conn.Close()
		return &NetworkError{Op: "handshake", Err: fmt.Errorf("unexpected frame type %d", h.Type)}
	}
}

// adopt installs a freshly authenticated connection and starts its loops.
func (s *Session) adopt(conn net.Conn) {
	stop := make(chan struct{})
	s.mu.Lock()
	s.conn = conn
	s.connStop = stop
	s.state = StateConnected
	s.lastAck = time.Now()
	s.mu.Unlock()

	go s.readLoop(conn)
	go s.writeLoop(conn, stop)
	go s.heartbeatLoop(conn, stop)

	s.log.Info("connected to gateway", zap.String("endpoint", s.cfg.Endpoint))
}

// connFailed handles the death of one connection. Exactly one caller wins;
// the reconnect loop takes over unless the session was deliberately closed.
func (s *Session) connFailed(conn net.Conn, err error) {
	s.mu.Lock()
	if s.conn != conn {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	close(s.connStop)
	s.state = StateReconnecting
	s.mu.Unlock()
	conn.Close()

	select {
	case <-s.done:
		return
	default:
	}

	s.log.Warn("connection lost, reconnecting", zap.Error(err))
	go s.reconnectLoop()
}

func (s *Session) reconnectLoop() {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.RandomizationFactor = 0.2
	b.Multiplier = 2
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0 // retry for as long as the user stays authenticated

	attempt := 0
	for {
		select {
		case <-time.After(b.NextBackOff()):
		case <-s.done:
			return
		}
		attempt++

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		token, err := s.cfg.Credential(ctx)
		if err != nil {
			cancel()
			s.log.Warn("credential refresh failed", zap.Error(err), zap.Int("attempt", attempt))
			continue
		}
		conn, err := s.cfg.Dialer(ctx, s.cfg.Endpoint)
		cancel()
		if err != nil {
			s.log.Debug("redial failed", zap.Error(err), zap.Int("attempt", attempt))
			continue
		}

		if err := s.handshake(conn, token); err != nil {
			var authErr *AuthError
			if errors.As(err, &authErr) {
				// Fresh credential was rejected: not recoverable here.
				s.setState(StateFailed)
				s.emit(SessionDown{Err: err})
				return
			}
			s.log.Debug("reconnect handshake failed", zap.Error(err))
			continue
		}

		s.adopt(conn)
		s.log.Info("reconnected", zap.Int("attempts", attempt))
		s.emit(Reconnected{Attempts: attempt})
		return
	}
}

func (s *Session) readLoop(conn net.Conn) {
	for {
		data, err := wsutil.ReadServerBinary(conn)
		if err != nil {
			select {
			case <-s.done:
			default:
				s.connFailed(conn, err)
			}
			return
		}

		h, payload, err := frame.Decode(data)
		if err != nil {
			s.log.Debug("bad frame", zap.Error(err))
			continue
		}

		if h.IsCompressed() {
			payload, err = frame.Decompress(payload)
			if err != nil {
				s.log.Debug("bad compressed payload", zap.Error(err))
				continue
			}
		}

		ev, ok := s.decodeEvent(h, payload, conn)
		if !ok {
			continue
		}
		s.emit(ev)
	}
}

// decodeEvent maps one inbound frame to a typed event. Unknown frame types
// and malformed payloads are dropped, never fatal.
func (s *Session) decodeEvent(h frame.Header, payload []byte, conn net.Conn) (Event, bool) {
	// Replayed frames after a reconnect arrive with their original msg ids;
	// the window drops the ones already dispatched.
	switch h.Type {
	case frame.TypeDelivery, frame.TypeReadReceipt, frame.TypeNotification:
		if s.dedup.Seen(h.MsgID) {
			s.log.Debug("duplicate frame dropped", zap.Uint8("type", h.Type))
			return nil, false
		}
	}

	switch h.Type {
	case frame.TypeDelivery:
		var p wire.DeliveryPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			s.log.Debug("bad delivery payload", zap.Error(err))
			return nil, false
		}
		if p.ServerTs == 0 {
			// The frame's msg id is a ULID minted by the gateway; its
			// timestamp stands in when the payload carries none.
			p.ServerTs = frame.Timestamp(h.MsgID).UnixMilli()
		}
		return MessageEvent{p}, true

	case frame.TypeReadReceipt:
		var p wire.ReadReceiptPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			s.log.Debug("bad read receipt payload", zap.Error(err))
			return nil, false
		}
		return ReadReceiptEvent{p}, true

	case frame.TypeMembership:
		var p wire.MembershipPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			s.log.Debug("bad membership payload", zap.Error(err))
			return nil, false
		}
		return MembershipEvent{p}, true

	case frame.TypeNotification:
		var p wire.NotificationPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			s.log.Debug("bad notification payload", zap.Error(err))
			return nil, false
		}
		if p.Ts == 0 {
			p.Ts = frame.Timestamp(h.MsgID).UnixMilli()
		}
		return NotificationEvent{p}, true

	case frame.TypeSendFail:
		var p wire.SendFailPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			s.log.Debug("bad send-fail payload", zap.Error(err))
			return nil, false
		}
		return SendFailEvent{p}, true

	case frame.TypeHeartbeatAck:
		s.mu.Lock()
		s.lastAck = time.Now()
		s.mu.Unlock()
		return nil, false

	case frame.TypeClose:
		// Server-initiated close: treat like a dropped connection so the
		// reconnect path takes over.
		conn.Close()
		return nil, false

	default:
		s.log.Debug("unknown frame type", zap.Uint8("type", h.Type))
		return nil, false
	}
}

func (s *Session) writeLoop(conn net.Conn, stop chan struct{}) {
	for {
		select {
		case data := <-s.sendCh:
			if err := wsutil.WriteClientBinary(conn, data); err != nil {
				s.connFailed(conn, err)
				return
			}
		case <-stop:
			return
		case <-s.done:
			return
		}
	}
}

func (s *Session) heartbeatLoop(conn net.Conn, stop chan struct{}) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.mu.Lock()
			stale := time.Since(s.lastAck) > 2*s.cfg.HeartbeatInterval
			s.mu.Unlock()
			if stale {
				s.log.Warn("heartbeat ack overdue, forcing reconnect")
				conn.Close()
				return
			}
			if err := s.send(frame.TypeHeartbeat, "", nil); err != nil {
				s.log.Debug("heartbeat enqueue failed", zap.Error(err))
			}
		case <-stop:
			return
		case <-s.done:
			return
		}
	}
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) emit(ev Event) {
	s.handlersMu.RLock()
	handlers := make([]func(Event), len(s.handlers))
	copy(handlers, s.handlers)
	s.handlersMu.RUnlock()
	for _, h := range handlers {
		h(ev)
	}
}
