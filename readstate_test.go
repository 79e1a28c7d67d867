package realtime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTrackerForTest(emit func(string, time.Time) error) (*ReadTracker, *Store) {
	store := NewStore("self", 5*time.Second)
	return NewReadTracker("self", store, emit, nil), store
}

func TestMarkReadMonotonic(t *testing.T) {
	tr, _ := newTrackerForTest(nil)

	require.True(t, tr.MarkRead("conv1", ts(200)))
	require.False(t, tr.MarkRead("conv1", ts(100)), "earlier timestamp must not regress the cursor")
	require.False(t, tr.MarkRead("conv1", ts(200)), "equal timestamp is a no-op")

	cur, ok := tr.Cursor("conv1", "self")
	require.True(t, ok)
	require.Equal(t, ts(200), cur)
}

func TestMarkReadEmitsReceipt(t *testing.T) {
	var gotConv string
	var gotUpto time.Time
	tr, _ := newTrackerForTest(func(conv string, upto time.Time) error {
		gotConv, gotUpto = conv, upto
		return nil
	})

	tr.MarkRead("conv1", ts(300))
	require.Equal(t, "conv1", gotConv)
	require.Equal(t, ts(300), gotUpto)

	// No-op advances emit nothing.
	gotConv = ""
	tr.MarkRead("conv1", ts(300))
	require.Empty(t, gotConv)
}

func TestUnreadCount(t *testing.T) {
	tr, store := newTrackerForTest(nil)

	store.Reconcile(durable("M1", "conv1", "other", "a", 1))
	store.Reconcile(durable("M2", "conv1", "other", "b", 2))
	store.Reconcile(durable("M3", "conv1", "other", "c", 3))

	require.Equal(t, 3, tr.UnreadCount("conv1", "self"), "no cursor means nothing read")

	tr.MarkRead("conv1", ts(2))
	require.Equal(t, 1, tr.UnreadCount("conv1", "self"))

	tr.MarkRead("conv1", ts(3))
	require.Equal(t, 0, tr.UnreadCount("conv1", "self"))
}

func TestUnreadCountExcludesOwnMessages(t *testing.T) {
	tr, store := newTrackerForTest(nil)

	store.Reconcile(durable("M1", "conv1", "self", "mine", 1))
	store.Reconcile(durable("M2", "conv1", "other", "theirs", 2))

	require.Equal(t, 1, tr.UnreadCount("conv1", "self"))
}

func TestApplyRemoteMarksReadBy(t *testing.T) {
	tr, store := newTrackerForTest(nil)

	store.Reconcile(durable("M1", "conv1", "self", "mine", 100))

	require.True(t, tr.ApplyRemote("conv1", "other", ts(150)))
	require.False(t, tr.ApplyRemote("conv1", "other", ts(120)), "remote cursor is monotonic too")

	snap := store.Snapshot("conv1")
	require.Contains(t, snap[0].ReadBy, "other", "own message should show as seen")
}
