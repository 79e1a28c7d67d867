package cache

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTemp(t *testing.T) *Cache {
	t.Helper()
	c, err := Open(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestSaveAndLoadMessages(t *testing.T) {
	c := openTemp(t)

	entries := []Entry{
		{MessageID: "M2", ConversationID: "c1", SenderID: "alice", Body: "second", ServerTs: time.UnixMilli(200)},
		{MessageID: "M1", ConversationID: "c1", SenderID: "bob", Body: "first", ServerTs: time.UnixMilli(100)},
		{MessageID: "M3", ConversationID: "c2", SenderID: "alice", Body: "elsewhere", ServerTs: time.UnixMilli(150)},
	}
	for _, e := range entries {
		require.NoError(t, c.SaveMessage(e))
	}

	got, err := c.LoadConversation("c1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "M1", got[0].MessageID, "oldest first")
	require.Equal(t, "M2", got[1].MessageID)
	require.Equal(t, time.UnixMilli(100), got[0].ServerTs)
}

func TestSaveMessageIdempotent(t *testing.T) {
	c := openTemp(t)

	e := Entry{MessageID: "M1", ConversationID: "c1", SenderID: "alice", Body: "hello", ServerTs: time.UnixMilli(100)}
	require.NoError(t, c.SaveMessage(e))

	// Replays keep the first write.
	e.Body = "rewritten"
	require.NoError(t, c.SaveMessage(e))

	got, err := c.LoadConversation("c1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "hello", got[0].Body)
}

func TestCursorStaysMonotonic(t *testing.T) {
	c := openTemp(t)

	require.NoError(t, c.SaveCursor(Cursor{ConversationID: "c1", ParticipantID: "self", UptoTs: time.UnixMilli(200)}))
	// A stale write must not move the cursor backwards.
	require.NoError(t, c.SaveCursor(Cursor{ConversationID: "c1", ParticipantID: "self", UptoTs: time.UnixMilli(100)}))
	require.NoError(t, c.SaveCursor(Cursor{ConversationID: "c1", ParticipantID: "alice", UptoTs: time.UnixMilli(50)}))

	got, err := c.LoadCursors()
	require.NoError(t, err)
	require.Len(t, got, 2)

	byParticipant := map[string]time.Time{}
	for _, cur := range got {
		require.Equal(t, "c1", cur.ConversationID)
		byParticipant[cur.ParticipantID] = cur.UptoTs
	}
	require.Equal(t, time.UnixMilli(200), byParticipant["self"])
	require.Equal(t, time.UnixMilli(50), byParticipant["alice"])
}

func TestReopenSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")

	c, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, c.SaveMessage(Entry{MessageID: "M1", ConversationID: "c1", SenderID: "alice", Body: "hello", ServerTs: time.UnixMilli(100)}))
	require.NoError(t, c.Close())

	c2, err := Open(path)
	require.NoError(t, err)
	defer c2.Close()

	got, err := c2.LoadConversation("c1")
	require.NoError(t, err)
	require.Len(t, got, 1)
}
