package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/skillswap/realtime-go/frame"
	"github.com/skillswap/realtime-go/wire"
)

func testConfig(gw *fakeGateway) Config {
	return Config{
		Endpoint: "ws://gateway.test",
		UserID:   "self",
		Credential: func(ctx context.Context) (string, error) {
			return "tok", nil
		},
		Dialer:            gw.dial,
		HeartbeatInterval: time.Hour, // keep heartbeats out of timing-sensitive tests
	}
}

func collectEvents(sess *Session) chan Event {
	ch := make(chan Event, 64)
	sess.OnEvent(func(ev Event) { ch <- ev })
	return ch
}

func waitEvent[T Event](t *testing.T, ch chan Event) T {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-ch:
			if typed, ok := ev.(T); ok {
				return typed
			}
		case <-deadline:
			var zero T
			t.Fatalf("timed out waiting for %T", zero)
			return zero
		}
	}
}

func TestSessionConnect(t *testing.T) {
	gw := newFakeGateway(t)
	sess := NewSession(testConfig(gw))
	events := collectEvents(sess)
	defer sess.Disconnect()

	require.NoError(t, sess.Connect(context.Background()))
	require.Equal(t, StateConnected, sess.State())

	ready := waitEvent[SessionReady](t, events)
	require.Equal(t, "self", ready.UserID)
}

func TestSessionAuthRejected(t *testing.T) {
	gw := newFakeGateway(t)
	gw.authFail.Store(true)
	sess := NewSession(testConfig(gw))

	err := sess.Connect(context.Background())
	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	require.Equal(t, "token expired", authErr.Reason)
	require.Equal(t, StateFailed, sess.State())
}

func TestSessionSendWhileDisconnected(t *testing.T) {
	gw := newFakeGateway(t)
	sess := NewSession(testConfig(gw))

	err := sess.SendMessage("conv1", "tag", "hi", time.Now())
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestSessionDisconnectIdempotent(t *testing.T) {
	gw := newFakeGateway(t)
	sess := NewSession(testConfig(gw))
	require.NoError(t, sess.Connect(context.Background()))

	sess.Disconnect()
	sess.Disconnect()
	require.Equal(t, StateDisconnected, sess.State())
}

func TestSessionSendMessageFrame(t *testing.T) {
	gw := newFakeGateway(t)
	sess := NewSession(testConfig(gw))
	defer sess.Disconnect()
	require.NoError(t, sess.Connect(context.Background()))

	clientTs := time.Now()
	require.NoError(t, sess.SendMessage("11111111-1111-1111-1111-111111111111", "tag1", "hello", clientTs))

	f := gw.next(frame.TypeSendMessage)
	var p wire.SendPayload
	require.NoError(t, json.Unmarshal(f.payload, &p))
	require.Equal(t, "11111111-1111-1111-1111-111111111111", p.ConversationID)
	require.Equal(t, "tag1", p.ClientTag)
	require.Equal(t, "hello", p.Body)
	require.Equal(t, clientTs.UnixMilli(), p.ClientTs)
}

func TestSessionDeliveryEventAndDedup(t *testing.T) {
	gw := newFakeGateway(t)
	sess := NewSession(testConfig(gw))
	events := collectEvents(sess)
	defer sess.Disconnect()
	require.NoError(t, sess.Connect(context.Background()))

	conn := gw.conn()
	delivery := wire.DeliveryPayload{
		ConversationID: "conv1",
		MessageID:      "M1",
		SenderID:       "alice",
		Body:           "hi there",
		ServerTs:       100,
	}
	msgID := gw.ulid.Next()
	gw.pushWithID(conn, frame.TypeDelivery, msgID, delivery)

	ev := waitEvent[MessageEvent](t, events)
	require.Equal(t, "M1", ev.MessageID)
	require.Equal(t, "alice", ev.SenderID)

	// An exact replay of the same frame must be absorbed by the dedup
	// window; a frame with a fresh id must come through.
	gw.pushWithID(conn, frame.TypeDelivery, msgID, delivery)
	delivery.MessageID = "M2"
	gw.push(conn, frame.TypeDelivery, delivery)

	ev = waitEvent[MessageEvent](t, events)
	require.Equal(t, "M2", ev.MessageID, "duplicate frame must not be dispatched")
}

func TestSessionUnknownFrameDropped(t *testing.T) {
	gw := newFakeGateway(t)
	sess := NewSession(testConfig(gw))
	events := collectEvents(sess)
	defer sess.Disconnect()
	require.NoError(t, sess.Connect(context.Background()))

	conn := gw.conn()
	gw.push(conn, 99, map[string]string{"future": "field"})
	gw.push(conn, frame.TypeNotification, wire.NotificationPayload{
		Kind: wire.NotifyExchangeRequest, ActorID: "alice", Ts: 1,
	})

	// The unknown frame is silently dropped and the loop keeps running.
	ev := waitEvent[NotificationEvent](t, events)
	require.Equal(t, wire.NotifyExchangeRequest, ev.Kind)
}

func TestSessionReconnectAndMembershipReplay(t *testing.T) {
	gw := newFakeGateway(t)
	sess := NewSession(testConfig(gw))
	members := NewMemberships(sess, nil)
	sess.OnEvent(members.HandleEvent)
	events := collectEvents(sess)
	defer sess.Disconnect()

	// Joins issued before connecting are deferred.
	members.Join("convA")
	members.Join("convB")

	require.NoError(t, sess.Connect(context.Background()))
	waitEvent[SessionReady](t, events)

	var joins []string
	for i := 0; i < 2; i++ {
		f := gw.next(frame.TypeJoin)
		var p wire.JoinPayload
		require.NoError(t, json.Unmarshal(f.payload, &p))
		joins = append(joins, p.ChannelID)
	}
	require.ElementsMatch(t, []string{"convA", "convB"}, joins)

	// Kill the connection server-side; the session must come back on its
	// own and replay both memberships without any caller involvement.
	gw.conn().Close()
	re := waitEvent[Reconnected](t, events)
	require.GreaterOrEqual(t, re.Attempts, 1)
	require.Equal(t, StateConnected, sess.State())

	joins = nil
	for i := 0; i < 2; i++ {
		f := gw.next(frame.TypeJoin)
		var p wire.JoinPayload
		require.NoError(t, json.Unmarshal(f.payload, &p))
		joins = append(joins, p.ChannelID)
	}
	require.ElementsMatch(t, []string{"convA", "convB"}, joins)
}

func TestSessionReconnectAuthFailGivesUp(t *testing.T) {
	gw := newFakeGateway(t)
	sess := NewSession(testConfig(gw))
	events := collectEvents(sess)
	defer sess.Disconnect()

	require.NoError(t, sess.Connect(context.Background()))
	waitEvent[SessionReady](t, events)

	// The refreshed credential is rejected on reconnect: the session must
	// surface SessionDown and stop retrying.
	gw.authFail.Store(true)
	gw.conn().Close()

	down := waitEvent[SessionDown](t, events)
	var authErr *AuthError
	require.ErrorAs(t, down.Err, &authErr)
	require.Equal(t, StateFailed, sess.State())
}

func TestSessionHeartbeatStaleForcesReconnect(t *testing.T) {
	gw := newFakeGateway(t)
	cfg := testConfig(gw)
	cfg.HeartbeatInterval = 50 * time.Millisecond
	sess := NewSession(cfg)
	events := collectEvents(sess)
	defer sess.Disconnect()

	require.NoError(t, sess.Connect(context.Background()))
	waitEvent[SessionReady](t, events)
	gw.conn()

	// Acks flowing: the session stays on the first transport.
	time.Sleep(4 * cfg.HeartbeatInterval)
	require.Equal(t, StateConnected, sess.State())
	select {
	case ev := <-events:
		if _, ok := ev.(Reconnected); ok {
			t.Fatal("reconnected while heartbeat acks were flowing")
		}
	default:
	}

	// Gateway goes quiet: two missed intervals must force the reconnect path.
	gw.dropAcks.Store(true)
	re := waitEvent[Reconnected](t, events)
	require.GreaterOrEqual(t, re.Attempts, 1)
	require.Equal(t, StateConnected, sess.State())
}

func TestSessionConnectDuringReconnectIsNoOp(t *testing.T) {
	gw := newFakeGateway(t)
	var refuse atomic.Bool
	cfg := testConfig(gw)
	dial := cfg.Dialer
	cfg.Dialer = func(ctx context.Context, endpoint string) (net.Conn, error) {
		if refuse.Load() {
			return nil, errors.New("gateway unreachable")
		}
		return dial(ctx, endpoint)
	}
	sess := NewSession(cfg)
	events := collectEvents(sess)
	defer sess.Disconnect()

	require.NoError(t, sess.Connect(context.Background()))
	waitEvent[SessionReady](t, events)

	refuse.Store(true)
	gw.conn().Close()
	require.Eventually(t, func() bool {
		return sess.State() == StateReconnecting
	}, 3*time.Second, 10*time.Millisecond)

	// A caller-issued Connect must not race the backoff loop into a second
	// live transport.
	require.NoError(t, sess.Connect(context.Background()))
	require.Equal(t, StateReconnecting, sess.State())

	refuse.Store(false)
	waitEvent[Reconnected](t, events)
	gw.conn()
	require.Empty(t, gw.conns, "only the backoff loop's transport may exist")
}

func TestSessionMsgIDTimestampFallback(t *testing.T) {
	gw := newFakeGateway(t)
	sess := NewSession(testConfig(gw))
	events := collectEvents(sess)
	defer sess.Disconnect()
	require.NoError(t, sess.Connect(context.Background()))
	conn := gw.conn()

	// Payloads without a timestamp inherit the frame msg id's ULID time.
	msgID := gw.ulid.Next()
	gw.pushWithID(conn, frame.TypeDelivery, msgID, wire.DeliveryPayload{
		ConversationID: "conv1", MessageID: "M1", SenderID: "alice", Body: "hi",
	})
	ev := waitEvent[MessageEvent](t, events)
	require.Equal(t, frame.Timestamp(msgID).UnixMilli(), ev.ServerTs)

	notifID := gw.ulid.Next()
	gw.pushWithID(conn, frame.TypeNotification, notifID, wire.NotificationPayload{
		Kind: wire.NotifyExchangeRequest, ActorID: "alice",
	})
	nev := waitEvent[NotificationEvent](t, events)
	require.Equal(t, frame.Timestamp(notifID).UnixMilli(), nev.Ts)
}

func TestStateString(t *testing.T) {
	require.Equal(t, "disconnected", StateDisconnected.String())
	require.Equal(t, "reconnecting", StateReconnecting.String())
	require.Equal(t, "failed", StateFailed.String())
	var unknown State = 42
	require.Equal(t, "unknown", unknown.String())
	require.True(t, errors.Is(ErrNotConnected, ErrNotConnected))
}
