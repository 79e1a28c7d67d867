package realtime

import (
	"context"
	"encoding/json"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gobwas/ws/wsutil"

	"github.com/skillswap/realtime-go/frame"
	"github.com/skillswap/realtime-go/wire"
)

// gwFrame is one frame the fake gateway received from the client.
type gwFrame struct {
	hdr     frame.Header
	payload []byte
}

// fakeGateway speaks the realtime protocol over net.Pipe connections handed
// out by its dial method. Heartbeats are acked transparently; everything
// else lands on the frames channel.
type fakeGateway struct {
	t        *testing.T
	authFail atomic.Bool
	dropAcks atomic.Bool
	ulid     *frame.ULIDGen
	conns    chan net.Conn
	frames   chan gwFrame
}

func newFakeGateway(t *testing.T) *fakeGateway {
	return &fakeGateway{
		t:      t,
		ulid:   frame.NewULIDGen(),
		conns:  make(chan net.Conn, 8),
		frames: make(chan gwFrame, 128),
	}
}

func (g *fakeGateway) dial(_ context.Context, _ string) (net.Conn, error) {
	client, server := net.Pipe()
	go g.serve(server)
	return client, nil
}

func (g *fakeGateway) serve(conn net.Conn) {
	data, err := wsutil.ReadClientBinary(conn)
	if err != nil {
		return
	}
	h, _, err := frame.Decode(data)
	if err != nil || h.Type != frame.TypeConnect {
		conn.Close()
		return
	}

	if g.authFail.Load() {
		payload, _ := json.Marshal(wire.AuthResultPayload{Reason: "token expired"})
		resp, _ := frame.Encode(frame.Header{Type: frame.TypeAuthFail, MsgID: g.ulid.Next()}, payload)
		wsutil.WriteServerBinary(conn, resp)
		conn.Close()
		return
	}

	resp, _ := frame.Encode(frame.Header{Type: frame.TypeAuthOK, MsgID: g.ulid.Next()}, nil)
	if err := wsutil.WriteServerBinary(conn, resp); err != nil {
		return
	}
	g.conns <- conn

	for {
		data, err := wsutil.ReadClientBinary(conn)
		if err != nil {
			return
		}
		h, p, err := frame.Decode(data)
		if err != nil {
			continue
		}
		if h.Type == frame.TypeHeartbeat {
			if g.dropAcks.Load() {
				continue
			}
			ack, _ := frame.Encode(frame.Header{Type: frame.TypeHeartbeatAck, MsgID: g.ulid.Next()}, nil)
			wsutil.WriteServerBinary(conn, ack)
			continue
		}
		buf := make([]byte, len(p))
		copy(buf, p)
		g.frames <- gwFrame{hdr: h, payload: buf}
	}
}

// conn waits for the next authenticated server-side connection.
func (g *fakeGateway) conn() net.Conn {
	g.t.Helper()
	select {
	case c := <-g.conns:
		return c
	case <-time.After(5 * time.Second):
		g.t.Fatal("no gateway connection established")
		return nil
	}
}

// next waits for the next client frame of the given type, skipping others.
func (g *fakeGateway) next(frameType uint8) gwFrame {
	g.t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case f := <-g.frames:
			if f.hdr.Type == frameType {
				return f
			}
		case <-deadline:
			g.t.Fatalf("no frame of type %d received", frameType)
		}
	}
}

// push writes a server frame with a fresh msg id.
func (g *fakeGateway) push(conn net.Conn, frameType uint8, payload any) {
	g.pushWithID(conn, frameType, g.ulid.Next(), payload)
}

// pushWithID writes a server frame with an explicit msg id, so tests can
// replay exact duplicates.
func (g *fakeGateway) pushWithID(conn net.Conn, frameType uint8, msgID [16]byte, payload any) {
	g.t.Helper()
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			g.t.Fatalf("marshal payload: %v", err)
		}
	}
	data, err := frame.Encode(frame.Header{Type: frameType, MsgID: msgID}, body)
	if err != nil {
		g.t.Fatalf("encode frame: %v", err)
	}
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := wsutil.WriteServerBinary(conn, data); err != nil {
		g.t.Fatalf("write frame: %v", err)
	}
}
