package store

import (
	"context"

	"github.com/matheus3301/outpost/internal/errs"
	"github.com/matheus3301/outpost/internal/status"
)

// MarkDelivered records that participant received message id and recomputes
// the delivery status. It returns a NotFoundError for unknown ids.
func (db *DB) MarkDelivered(ctx context.Context, id, participant string) (*Message, error) {
	return db.mutate(ctx, "mark delivered", id, func(m *Message, participants IDSet) bool {
		set, added := m.DeliveredTo.Add(participant)
		if !added {
			return false
		}
		m.DeliveredTo = set
		m.DeliveryStatus = status.DeriveDelivery(m.DeliveryStatus, m.SenderID, participants, m.DeliveredTo, m.ReadBy)
		return true
	})
}

// MarkRead records that participant read message id. Reading implies
// delivery, so the participant is added to both sets in the same write.
func (db *DB) MarkRead(ctx context.Context, id, participant string) (*Message, error) {
	return db.mutate(ctx, "mark read", id, func(m *Message, participants IDSet) bool {
		read, readAdded := m.ReadBy.Add(participant)
		delivered, deliveredAdded := m.DeliveredTo.Add(participant)
		if !readAdded && !deliveredAdded {
			return false
		}
		m.ReadBy = read
		m.DeliveredTo = delivered
		m.DeliveryStatus = status.DeriveDelivery(m.DeliveryStatus, m.SenderID, participants, m.DeliveredTo, m.ReadBy)
		return true
	})
}

// MarkAllRead marks every message in a chat that participant has not yet
// read and returns the ids that changed, oldest first.
func (db *DB) MarkAllRead(ctx context.Context, chatID, participant string) ([]string, error) {
	var rows []struct {
		ID     string `db:"id"`
		ReadBy IDSet  `db:"read_by"`
	}
	err := db.SelectContext(ctx, &rows, `
		SELECT id, read_by FROM messages
		WHERE chat_id = ? AND sender_id != ?
		ORDER BY created_at ASC, rowid ASC`, chatID, participant)
	if err != nil {
		return nil, classify("mark all read", err)
	}

	var marked []string
	for _, r := range rows {
		if r.ReadBy.Contains(participant) {
			continue
		}
		if _, err := db.MarkRead(ctx, r.ID, participant); err != nil {
			// Deleted between the scan and the write.
			if errs.IsNotFound(err) {
				continue
			}
			return marked, err
		}
		marked = append(marked, r.ID)
	}
	return marked, nil
}
