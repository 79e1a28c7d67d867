// Package cache persists confirmed messages and read cursors to a local
// SQLite database so a cold start can render conversations before the REST
// history seed completes. Only durable, server-confirmed data is written;
// optimistic and failed messages never touch disk.
package cache

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS messages (
  message_id      TEXT PRIMARY KEY,
  conversation_id TEXT NOT NULL,
  sender_id       TEXT NOT NULL,
  body            TEXT NOT NULL,
  server_ts       INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_messages_conv_ts
ON messages (conversation_id, server_ts);
`,
	`
CREATE TABLE IF NOT EXISTS read_cursors (
  conversation_id TEXT NOT NULL,
  participant_id  TEXT NOT NULL,
  upto_ts         INTEGER NOT NULL,
  PRIMARY KEY (conversation_id, participant_id)
);
`,
}

// Entry is one cached message row.
type Entry struct {
	MessageID      string
	ConversationID string
	SenderID       string
	Body           string
	ServerTs       time.Time
}

// Cursor is one cached read-cursor row.
type Cursor struct {
	ConversationID string
	ParticipantID  string
	UptoTs         time.Time
}

// Cache is a sqlite-backed local message cache.
type Cache struct {
	db *sql.DB
}

// Open opens (or creates) the cache database at path and applies migrations.
func Open(path string) (*Cache, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable wal: %w", err)
	}
	for i, m := range migrations {
		if _, err := db.Exec(m); err != nil {
			db.Close()
			return nil, fmt.Errorf("migration %d: %w", i, err)
		}
	}
	return &Cache{db: db}, nil
}

// Close closes the underlying database.
func (c *Cache) Close() error {
	return c.db.Close()
}

// SaveMessage upserts one confirmed message.
func (c *Cache) SaveMessage(e Entry) error {
	_, err := c.db.Exec(`
INSERT INTO messages (message_id, conversation_id, sender_id, body, server_ts)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(message_id) DO NOTHING;`,
		e.MessageID, e.ConversationID, e.SenderID, e.Body, e.ServerTs.UnixMilli())
	return err
}

// LoadConversation returns the cached messages of a conversation, oldest
// first.
func (c *Cache) LoadConversation(conversationID string) ([]Entry, error) {
	rows, err := c.db.Query(`
SELECT message_id, sender_id, body, server_ts
FROM messages WHERE conversation_id = ?
ORDER BY server_ts ASC;`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var ts int64
		if err := rows.Scan(&e.MessageID, &e.SenderID, &e.Body, &ts); err != nil {
			return nil, err
		}
		e.ConversationID = conversationID
		e.ServerTs = time.UnixMilli(ts)
		out = append(out, e)
	}
	return out, rows.Err()
}

// SaveCursor upserts one read cursor, keeping the later of the stored and
// given timestamps so cursors stay monotonic across restarts.
func (c *Cache) SaveCursor(cur Cursor) error {
	_, err := c.db.Exec(`
INSERT INTO read_cursors (conversation_id, participant_id, upto_ts)
VALUES (?, ?, ?)
ON CONFLICT(conversation_id, participant_id)
DO UPDATE SET upto_ts = MAX(upto_ts, excluded.upto_ts);`,
		cur.ConversationID, cur.ParticipantID, cur.UptoTs.UnixMilli())
	return err
}

// LoadCursors returns all cached read cursors.
func (c *Cache) LoadCursors() ([]Cursor, error) {
	rows, err := c.db.Query(`SELECT conversation_id, participant_id, upto_ts FROM read_cursors;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Cursor
	for rows.Next() {
		var cur Cursor
		var ts int64
		if err := rows.Scan(&cur.ConversationID, &cur.ParticipantID, &ts); err != nil {
			return nil, err
		}
		cur.UptoTs = time.UnixMilli(ts)
		out = append(out, cur)
	}
	return out, rows.Err()
}
