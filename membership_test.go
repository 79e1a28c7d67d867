package realtime

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/skillswap/realtime-go/wire"
)

func memberJoined(ch string) wire.MembershipPayload {
	return wire.MembershipPayload{ChannelID: ch, Joined: true}
}

// fakeLink records the join/leave requests the manager issues.
type fakeLink struct {
	state  State
	joins  []string
	leaves []string
}

func (f *fakeLink) State() State { return f.state }
func (f *fakeLink) SendJoin(ch string) error {
	if f.state != StateConnected {
		return ErrNotConnected
	}
	f.joins = append(f.joins, ch)
	return nil
}
func (f *fakeLink) SendLeave(ch string) error {
	if f.state != StateConnected {
		return ErrNotConnected
	}
	f.leaves = append(f.leaves, ch)
	return nil
}

func TestJoinWhileConnected(t *testing.T) {
	link := &fakeLink{state: StateConnected}
	m := NewMemberships(link, nil)

	m.Join("conv1")
	require.Equal(t, []string{"conv1"}, link.joins)
	require.Equal(t, []string{"conv1"}, m.Desired())
}

func TestJoinDeferredUntilConnect(t *testing.T) {
	link := &fakeLink{state: StateDisconnected}
	m := NewMemberships(link, nil)

	m.Join("conv1")
	m.Join("conv2")
	require.Empty(t, link.joins, "nothing sent while disconnected")

	link.state = StateConnected
	m.HandleEvent(SessionReady{UserID: "self"})
	require.Equal(t, []string{"conv1", "conv2"}, link.joins)
}

func TestReconnectReplaysMemberships(t *testing.T) {
	link := &fakeLink{state: StateConnected}
	m := NewMemberships(link, nil)

	m.Join("convA")
	m.Join("convB")
	m.HandleEvent(MembershipEvent{memberJoined("convA")})
	m.HandleEvent(MembershipEvent{memberJoined("convB")})
	require.True(t, m.Confirmed("convA"))

	// Simulated disconnect and reconnect: no explicit re-join from the caller.
	link.state = StateReconnecting
	link.joins = nil
	link.state = StateConnected
	m.HandleEvent(Reconnected{Attempts: 1})

	require.Equal(t, []string{"convA", "convB"}, link.joins)
	require.False(t, m.Confirmed("convA"), "confirmations reset until the server re-acks")

	m.HandleEvent(MembershipEvent{memberJoined("convA")})
	require.True(t, m.Confirmed("convA"))
}

func TestLeaveRemovesFromDesiredSet(t *testing.T) {
	link := &fakeLink{state: StateConnected}
	m := NewMemberships(link, nil)

	m.Join("conv1")
	m.Join("conv2")
	m.Leave("conv1")
	require.Equal(t, []string{"conv1"}, link.leaves)
	require.Equal(t, []string{"conv2"}, m.Desired())

	// A left channel must not come back after reconnect.
	link.joins = nil
	m.HandleEvent(Reconnected{Attempts: 1})
	require.Equal(t, []string{"conv2"}, link.joins)
}
