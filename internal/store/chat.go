package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/matheus3301/outpost/internal/errs"
)

const chatColumns = `id, kind, name, participants, admins, last_message_content,
	last_message_sender, last_message_at, created_at, updated_at`

// UpsertChat inserts or updates a chat's membership and name. The
// last-message snapshot is owned by message writes and is never overwritten here.
func (db *DB) UpsertChat(ctx context.Context, c *Chat) error {
	if c.ID == "" {
		return errs.InvalidArgument("upsert chat", "chat id is required")
	}
	kind := c.Kind
	if kind == "" {
		kind = ChatDirect
	}
	admins := c.Admins
	if kind == ChatDirect {
		admins = IDSet{}
	}
	now := db.nowMillis()
	_, err := db.ExecContext(ctx, `
		INSERT INTO chats (id, kind, name, participants, admins, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind,
			name = excluded.name,
			participants = excluded.participants,
			admins = excluded.admins,
			updated_at = excluded.updated_at`,
		c.ID, kind, c.Name, NewIDSet(c.Participants...), NewIDSet(admins...), now, now)
	return classify("upsert chat", err)
}

// EnsureChat creates a minimal chat row if none exists. Used when a
// remote-origin message arrives for a chat this device has not seen yet.
func (db *DB) EnsureChat(ctx context.Context, id string, participants ...string) error {
	now := db.nowMillis()
	_, err := db.ExecContext(ctx, `
		INSERT INTO chats (id, participants, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		id, NewIDSet(participants...), now, now)
	return classify("ensure chat", err)
}

// GetChat returns a single chat by id, or nil if it does not exist.
func (db *DB) GetChat(ctx context.Context, id string) (*Chat, error) {
	var c Chat
	err := db.GetContext(ctx, &c, `SELECT `+chatColumns+` FROM chats WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("get chat", err)
	}
	return &c, nil
}

// ListChats returns chats sorted by last message timestamp descending.
func (db *DB) ListChats(ctx context.Context, limit, offset int) ([]Chat, error) {
	if limit <= 0 {
		limit = 50
	}
	var chats []Chat
	err := db.SelectContext(ctx, &chats, `
		SELECT `+chatColumns+`
		FROM chats
		ORDER BY last_message_at DESC, updated_at DESC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, classify("list chats", err)
	}
	return chats, nil
}

// DeleteChat removes a chat together with its messages, attachments and
// index rows. Returns false if the chat did not exist.
func (db *DB) DeleteChat(ctx context.Context, id string) (bool, error) {
	res, err := db.ExecContext(ctx, `DELETE FROM chats WHERE id = ?`, id)
	if err != nil {
		return false, classify("delete chat", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, classify("delete chat", err)
	}
	return n > 0, nil
}

// ChatCount returns the total number of chats.
func (db *DB) ChatCount(ctx context.Context) (int64, error) {
	var count int64
	err := db.GetContext(ctx, &count, `SELECT COUNT(*) FROM chats`)
	return count, classify("count chats", err)
}
