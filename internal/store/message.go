package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"

	"github.com/matheus3301/outpost/internal/errs"
	"github.com/matheus3301/outpost/internal/status"
)

const messageColumns = `id, chat_id, sender_id, sender_name, content, kind, image_ref,
	created_at, sync_status, delivery_status, read_by, delivered_to`

const previewLen = 100

// Insert durably writes a new message, its derived attachments and the chat's
// last-message snapshot in one transaction. It fails with a ConstraintError if
// the id already exists and a NotFoundError if the chat does not.
func (db *DB) Insert(ctx context.Context, m *Message) error {
	if err := validateMessage("insert message", m); err != nil {
		return err
	}
	normalize(m)

	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return classify("insert message", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := participantsTx(ctx, tx, m.ChatID); err != nil {
		return classify("insert message", err)
	}
	if err := db.insertMessageTx(ctx, tx, m); err != nil {
		return classify("insert message", err)
	}
	if err := tx.Commit(); err != nil {
		return classify("insert message", err)
	}
	return nil
}

// Upsert applies a remote-origin write. New ids are inserted as given;
// existing rows take the incoming content while receipt sets are unioned.
// The sync status of an existing row is never changed here: only a
// completed local push marks a row synced, so the echo of this device's own
// write cannot cut a multi-step push short. Incoming delivery status is
// folded in only once the row is synced.
func (db *DB) Upsert(ctx context.Context, m *Message) error {
	if err := validateMessage("upsert message", m); err != nil {
		return err
	}
	normalize(m)

	unlock := db.locks.lock(m.ID)
	defer unlock()

	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return classify("upsert message", err)
	}
	defer func() { _ = tx.Rollback() }()

	participants, err := participantsTx(ctx, tx, m.ChatID)
	if err != nil {
		return classify("upsert message", err)
	}

	existing, err := getMessageTx(ctx, tx, m.ID)
	switch {
	case errs.IsNotFound(err):
		if err := db.insertMessageTx(ctx, tx, m); err != nil {
			return classify("upsert message", err)
		}
	case err != nil:
		return classify("upsert message", err)
	default:
		merged := *existing
		merged.ChatID = m.ChatID
		merged.SenderName = m.SenderName
		merged.Content = m.Content
		merged.Kind = m.Kind
		merged.ImageRef = m.ImageRef
		merged.ReadBy = existing.ReadBy.Union(m.ReadBy)
		merged.DeliveredTo = existing.DeliveredTo.Union(m.DeliveredTo).Union(merged.ReadBy)
		delivery := existing.DeliveryStatus
		if existing.SyncStatus == status.Synced {
			delivery = status.AdvanceDelivery(delivery, m.DeliveryStatus)
		}
		merged.DeliveryStatus = status.DeriveDelivery(
			delivery, merged.SenderID, participants, merged.DeliveredTo, merged.ReadBy)
		if err := db.updateMessageTx(ctx, tx, &merged, true); err != nil {
			return classify("upsert message", err)
		}
		if err := insertAttachmentsTx(ctx, tx, &merged); err != nil {
			return classify("upsert message", err)
		}
		*m = merged
	}

	if err := tx.Commit(); err != nil {
		return classify("upsert message", err)
	}
	return nil
}

// UpdateStatus applies a partial status change. Unknown ids are a no-op so a
// late status write racing a chat deletion is harmless. Delivery never
// regresses and synced is terminal.
func (db *DB) UpdateStatus(ctx context.Context, id string, u StatusUpdate) error {
	_, err := db.mutate(ctx, "update status", id, func(m *Message, participants IDSet) bool {
		before := *m
		if u.Sync != "" {
			m.SyncStatus = status.AdvanceSync(m.SyncStatus, u.Sync)
		}
		if u.Delivery != "" {
			m.DeliveryStatus = status.AdvanceDelivery(m.DeliveryStatus, u.Delivery)
		}
		if m.SyncStatus == status.Synced {
			m.DeliveryStatus = status.AdvanceDelivery(m.DeliveryStatus, status.Sent)
		}
		m.DeliveryStatus = status.DeriveDelivery(m.DeliveryStatus, m.SenderID, participants, m.DeliveredTo, m.ReadBy)
		return m.SyncStatus != before.SyncStatus || m.DeliveryStatus != before.DeliveryStatus
	})
	if errs.IsNotFound(err) {
		return nil
	}
	return err
}

// GetMessage returns a message by id, or nil if it does not exist.
func (db *DB) GetMessage(ctx context.Context, id string) (*Message, error) {
	m, err := getMessageTx(ctx, db, id)
	if errs.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("get message", err)
	}
	return m, nil
}

// ListMessages returns messages for a chat using keyset pagination by
// creation time, newest first.
func (db *DB) ListMessages(ctx context.Context, chatID string, beforeTs int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	q := sq.Select(messageColumns).
		From("messages").
		Where(sq.Eq{"chat_id": chatID}).
		OrderBy("created_at DESC", "rowid DESC").
		Limit(uint64(limit))
	if beforeTs > 0 {
		q = q.Where(sq.Lt{"created_at": beforeTs})
	}
	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list query: %w", err)
	}

	var msgs []Message
	if err := db.SelectContext(ctx, &msgs, query, args...); err != nil {
		return nil, classify("list messages", err)
	}
	return msgs, nil
}

// ListPending returns every message not yet synced (pending or failed),
// oldest first. This is the recovery seed set.
func (db *DB) ListPending(ctx context.Context) ([]Message, error) {
	var msgs []Message
	err := db.SelectContext(ctx, &msgs, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE sync_status IN (?, ?)
		ORDER BY created_at ASC, rowid ASC`,
		status.Pending, status.Failed)
	if err != nil {
		return nil, classify("list pending", err)
	}
	return msgs, nil
}

// CountBySyncStatus returns the number of messages per sync status.
func (db *DB) CountBySyncStatus(ctx context.Context) (map[status.Sync]int, error) {
	rows, err := db.QueryxContext(ctx, `SELECT sync_status, COUNT(*) FROM messages GROUP BY sync_status`)
	if err != nil {
		return nil, classify("count messages", err)
	}
	defer func() { _ = rows.Close() }()

	counts := map[status.Sync]int{status.Pending: 0, status.Synced: 0, status.Failed: 0}
	for rows.Next() {
		var s status.Sync
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, classify("count messages", err)
		}
		counts[s] = n
	}
	return counts, classify("count messages", rows.Err())
}

// MessageCount returns the total number of messages.
func (db *DB) MessageCount(ctx context.Context) (int64, error) {
	var count int64
	err := db.GetContext(ctx, &count, `SELECT COUNT(*) FROM messages`)
	return count, classify("count messages", err)
}

// LatestSentAt returns the newest created_at among messages sent by
// senderID, or 0 if there are none.
func (db *DB) LatestSentAt(ctx context.Context, senderID string) (int64, error) {
	var ts int64
	err := db.GetContext(ctx, &ts, `SELECT COALESCE(MAX(created_at), 0) FROM messages WHERE sender_id = ?`, senderID)
	return ts, classify("latest sent", err)
}

// mutate runs a serialized read-modify-write on one message. fn reports
// whether it changed anything; unchanged rows are not rewritten.
func (db *DB) mutate(ctx context.Context, op, id string, fn func(m *Message, participants IDSet) bool) (*Message, error) {
	unlock := db.locks.lock(id)
	defer unlock()

	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, classify(op, err)
	}
	defer func() { _ = tx.Rollback() }()

	m, err := getMessageTx(ctx, tx, id)
	if err != nil {
		return nil, classify(op, err)
	}
	participants, err := participantsTx(ctx, tx, m.ChatID)
	if err != nil && !errs.IsNotFound(err) {
		return nil, classify(op, err)
	}

	if !fn(m, participants) {
		return m, nil
	}
	if err := db.updateMessageTx(ctx, tx, m, false); err != nil {
		return nil, classify(op, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, classify(op, err)
	}
	return m, nil
}

func (db *DB) insertMessageTx(ctx context.Context, tx *sqlx.Tx, m *Message) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, chat_id, sender_id, sender_name, content, kind, image_ref,
			created_at, sync_status, delivery_status, read_by, delivered_to, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ChatID, m.SenderID, m.SenderName, m.Content, m.Kind, m.ImageRef,
		m.CreatedAt, m.SyncStatus, m.DeliveryStatus, m.ReadBy, m.DeliveredTo, db.nowMillis())
	if err != nil {
		return err
	}
	if err := insertAttachmentsTx(ctx, tx, m); err != nil {
		return err
	}
	return db.touchSnapshotTx(ctx, tx, m)
}

func (db *DB) updateMessageTx(ctx context.Context, tx *sqlx.Tx, m *Message, content bool) error {
	now := db.nowMillis()
	if content {
		_, err := tx.ExecContext(ctx, `
			UPDATE messages SET sender_name = ?, content = ?, kind = ?, image_ref = ?,
				sync_status = ?, delivery_status = ?, read_by = ?, delivered_to = ?, updated_at = ?
			WHERE id = ?`,
			m.SenderName, m.Content, m.Kind, m.ImageRef,
			m.SyncStatus, m.DeliveryStatus, m.ReadBy, m.DeliveredTo, now, m.ID)
		return err
	}
	_, err := tx.ExecContext(ctx, `
		UPDATE messages SET sync_status = ?, delivery_status = ?, read_by = ?, delivered_to = ?, updated_at = ?
		WHERE id = ?`,
		m.SyncStatus, m.DeliveryStatus, m.ReadBy, m.DeliveredTo, now, m.ID)
	return err
}

// touchSnapshotTx advances the chat's denormalized last message if m is newer.
func (db *DB) touchSnapshotTx(ctx context.Context, tx *sqlx.Tx, m *Message) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE chats SET
			last_message_content = ?,
			last_message_sender = ?,
			last_message_at = ?,
			updated_at = ?
		WHERE id = ? AND last_message_at <= ?`,
		m.Preview(), m.SenderID, m.CreatedAt, db.nowMillis(), m.ChatID, m.CreatedAt)
	return err
}

func getMessageTx(ctx context.Context, q sqlx.QueryerContext, id string) (*Message, error) {
	var m Message
	err := sqlx.GetContext(ctx, q, &m, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.NotFound("get message", "message "+id)
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func participantsTx(ctx context.Context, q sqlx.QueryerContext, chatID string) (IDSet, error) {
	var participants IDSet
	err := sqlx.GetContext(ctx, q, &participants, `SELECT participants FROM chats WHERE id = ?`, chatID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.NotFound("get chat", "chat "+chatID)
	}
	return participants, err
}

func validateMessage(op string, m *Message) error {
	switch {
	case m == nil:
		return errs.InvalidArgument(op, "message is nil")
	case m.ID == "":
		return errs.InvalidArgument(op, "message id is required")
	case m.ChatID == "":
		return errs.InvalidArgument(op, "chat id is required")
	case m.SenderID == "":
		return errs.InvalidArgument(op, "sender id is required")
	}
	switch m.Kind {
	case KindText, "":
		if m.ImageRef != "" {
			return errs.InvalidArgument(op, "text message cannot carry an image ref")
		}
	case KindImage:
		if m.ImageRef == "" {
			return errs.InvalidArgument(op, "image message requires an image ref")
		}
	default:
		return errs.InvalidArgument(op, fmt.Sprintf("unknown message kind %q", m.Kind))
	}
	return nil
}

// normalize fills defaults and restores the receipt invariants: the sender
// is in both sets, and everyone who read the message also received it.
func normalize(m *Message) {
	if m.Kind == "" {
		m.Kind = KindText
	}
	if !m.SyncStatus.Valid() {
		m.SyncStatus = status.Pending
	}
	if !m.DeliveryStatus.Valid() {
		m.DeliveryStatus = status.Sending
	}
	m.ReadBy = NewIDSet(append(m.ReadBy, m.SenderID)...)
	m.DeliveredTo = m.DeliveredTo.Union(m.ReadBy)
}
