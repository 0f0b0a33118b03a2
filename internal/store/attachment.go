package store

import (
	"context"
	"net/url"
	"path"
	"regexp"
	"strconv"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

var (
	urlPattern = regexp.MustCompile(`https?://[^\s<>"']+`)
	geoPattern = regexp.MustCompile(`geo:(-?\d{1,3}(?:\.\d+)?),(-?\d{1,3}(?:\.\d+)?)`)
)

var documentExts = map[string]bool{
	".pdf": true, ".doc": true, ".docx": true, ".xls": true, ".xlsx": true,
	".ppt": true, ".pptx": true, ".txt": true, ".csv": true, ".zip": true,
}

// deriveAttachments extracts browseable metadata from a message. Ids are
// derived from the message id and position so re-deriving is idempotent.
func deriveAttachments(m *Message) []Attachment {
	var out []Attachment
	add := func(kind AttachmentKind, locator string, meta Metadata) {
		out = append(out, Attachment{
			ID:        attachmentID(m.ID, len(out)),
			MessageID: m.ID,
			ChatID:    m.ChatID,
			Kind:      kind,
			Locator:   locator,
			Metadata:  meta,
			Timestamp: m.CreatedAt,
		})
	}

	if m.Kind == KindImage && m.ImageRef != "" {
		add(AttachmentPhoto, m.ImageRef, Metadata{"sender": m.SenderID})
	}

	for _, raw := range urlPattern.FindAllString(m.Content, -1) {
		raw = strings.TrimRight(raw, ".,;:!?)]}")
		u, err := url.Parse(raw)
		if err != nil || u.Host == "" {
			continue
		}
		ext := strings.ToLower(path.Ext(u.Path))
		if documentExts[ext] {
			add(AttachmentDocument, raw, Metadata{"host": u.Host, "name": path.Base(u.Path), "ext": ext})
			continue
		}
		add(AttachmentLink, raw, Metadata{"host": u.Host})
	}

	for _, match := range geoPattern.FindAllStringSubmatch(m.Content, -1) {
		add(AttachmentLocation, match[0], Metadata{"lat": match[1], "lng": match[2]})
	}
	return out
}

func attachmentID(messageID string, index int) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(messageID+"#"+strconv.Itoa(index))).String()
}

func insertAttachmentsTx(ctx context.Context, tx *sqlx.Tx, m *Message) error {
	for _, a := range deriveAttachments(m) {
		_, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO attachments (id, message_id, chat_id, kind, locator, metadata, timestamp)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			a.ID, a.MessageID, a.ChatID, a.Kind, a.Locator, a.Metadata, a.Timestamp)
		if err != nil {
			return err
		}
	}
	return nil
}

// ListAttachments returns a chat's attachments, newest first. An empty kind
// returns every kind.
func (db *DB) ListAttachments(ctx context.Context, chatID string, kind AttachmentKind, limit int) ([]Attachment, error) {
	if limit <= 0 {
		limit = 50
	}
	q := sq.Select("id", "message_id", "chat_id", "kind", "locator", "metadata", "timestamp").
		From("attachments").
		Where(sq.Eq{"chat_id": chatID}).
		OrderBy("timestamp DESC", "id").
		Limit(uint64(limit))
	if kind != "" {
		q = q.Where(sq.Eq{"kind": kind})
	}
	query, args, err := q.ToSql()
	if err != nil {
		return nil, classify("list attachments", err)
	}

	var out []Attachment
	if err := db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, classify("list attachments", err)
	}
	return out, nil
}
