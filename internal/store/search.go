package store

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
)

const (
	exactMatchBonus    = 10.0
	maxRecencyBonus    = 0.5
	correspondentBonus = 0.25
	fallbackRelevance  = 0.5
)

// RankingInputs are the caller-supplied signals used to order search hits.
type RankingInputs struct {
	Now               time.Time
	RecencyWindow     time.Duration
	TopCorrespondents []string
	ChatID            string
	Limit             int
}

// EnsureSearchIndex creates the FTS5 index over message content together
// with the triggers that keep it in sync, then rebuilds it from the messages
// table. If the FTS5 module is unavailable the error is returned and Search
// keeps using the substring scan.
func (db *DB) EnsureSearchIndex(ctx context.Context) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []string{
		`CREATE VIRTUAL TABLE IF NOT EXISTS messages_fts USING fts5(
			content,
			content='messages',
			content_rowid='rowid',
			tokenize='unicode61 remove_diacritics 2'
		)`,
		`CREATE TRIGGER IF NOT EXISTS messages_fts_ai AFTER INSERT ON messages BEGIN
			INSERT INTO messages_fts(rowid, content) VALUES (new.rowid, new.content);
		END`,
		`CREATE TRIGGER IF NOT EXISTS messages_fts_ad AFTER DELETE ON messages BEGIN
			INSERT INTO messages_fts(messages_fts, rowid, content) VALUES ('delete', old.rowid, old.content);
		END`,
		`CREATE TRIGGER IF NOT EXISTS messages_fts_au AFTER UPDATE OF content ON messages BEGIN
			INSERT INTO messages_fts(messages_fts, rowid, content) VALUES ('delete', old.rowid, old.content);
			INSERT INTO messages_fts(rowid, content) VALUES (new.rowid, new.content);
		END`,
		`INSERT INTO messages_fts(messages_fts) VALUES ('rebuild')`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			db.indexed.Store(false)
			return fmt.Errorf("search index: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		db.indexed.Store(false)
		return fmt.Errorf("search index: %w", err)
	}
	db.indexed.Store(true)
	return nil
}

// SearchIndexed reports whether Search is served by the full-text index.
func (db *DB) SearchIndexed() bool {
	return db.indexed.Load()
}

// Search returns messages matching query ordered by score. The score combines
// text relevance, an exact-match bonus that outweighs every other signal, a
// recency bonus within the trailing window and a bonus for top
// correspondents. Ties go to the newer message.
func (db *DB) Search(ctx context.Context, query string, in RankingInputs) ([]RankedMessage, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	if in.Limit <= 0 {
		in.Limit = 20
	}
	if in.Now.IsZero() {
		in.Now = time.Now()
	}

	var hits []RankedMessage
	var err error
	if db.indexed.Load() {
		hits, err = db.searchIndexed(ctx, query, in)
	}
	if !db.indexed.Load() || err != nil {
		hits, err = db.searchSubstring(ctx, query, in)
		if err != nil {
			return nil, classify("search", err)
		}
	}

	top := NewIDSet(in.TopCorrespondents...)
	needle := strings.ToLower(query)
	for i := range hits {
		h := &hits[i]
		h.Exact = strings.Contains(strings.ToLower(h.Message.Content), needle)
		if h.Exact {
			h.Score += exactMatchBonus
		}
		h.Score += recencyBonus(h.Message.CreatedAt, in.Now, in.RecencyWindow)
		if top.Contains(h.Message.SenderID) {
			h.Score += correspondentBonus
		}
	}

	slices.SortStableFunc(hits, func(a, b RankedMessage) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		if c := cmp.Compare(b.Message.CreatedAt, a.Message.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.Message.ID, b.Message.ID)
	})
	if len(hits) > in.Limit {
		hits = hits[:in.Limit]
	}
	return hits, nil
}

type searchRow struct {
	Message
	Snippet string  `db:"snippet"`
	Rank    float64 `db:"rank"`
}

func (db *DB) searchIndexed(ctx context.Context, query string, in RankingInputs) ([]RankedMessage, error) {
	q := sq.Select(
		"m.id AS id", "m.chat_id AS chat_id", "m.sender_id AS sender_id", "m.sender_name AS sender_name",
		"m.content AS content", "m.kind AS kind", "m.image_ref AS image_ref", "m.created_at AS created_at",
		"m.sync_status AS sync_status", "m.delivery_status AS delivery_status",
		"m.read_by AS read_by", "m.delivered_to AS delivered_to",
		"snippet(messages_fts, 0, '<<', '>>', '...', 16) AS snippet",
		"bm25(messages_fts) AS rank",
	).
		From("messages_fts").
		Join("messages m ON m.rowid = messages_fts.rowid").
		Where("messages_fts MATCH ?", matchExpr(query)).
		OrderBy("rank").
		Limit(uint64(candidatePool(in.Limit)))
	if in.ChatID != "" {
		q = q.Where(sq.Eq{"m.chat_id": in.ChatID})
	}
	stmt, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build search query: %w", err)
	}

	var rows []searchRow
	if err := db.SelectContext(ctx, &rows, stmt, args...); err != nil {
		return nil, err
	}
	hits := make([]RankedMessage, 0, len(rows))
	for _, r := range rows {
		// bm25 is negative with better matches further from zero.
		rel := -r.Rank
		if rel < 0 {
			rel = 0
		}
		hits = append(hits, RankedMessage{
			Message: r.Message,
			Score:   rel / (1 + rel),
			Snippet: r.Snippet,
		})
	}
	return hits, nil
}

func (db *DB) searchSubstring(ctx context.Context, query string, in RankingInputs) ([]RankedMessage, error) {
	q := sq.Select(messageColumns).
		From("messages").
		Where("content LIKE ? ESCAPE '\\'", "%"+escapeLike(query)+"%").
		OrderBy("created_at DESC").
		Limit(uint64(candidatePool(in.Limit)))
	if in.ChatID != "" {
		q = q.Where(sq.Eq{"chat_id": in.ChatID})
	}
	stmt, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build substring query: %w", err)
	}

	var msgs []Message
	if err := db.SelectContext(ctx, &msgs, stmt, args...); err != nil {
		return nil, err
	}
	hits := make([]RankedMessage, 0, len(msgs))
	for _, m := range msgs {
		hits = append(hits, RankedMessage{
			Message: m,
			Score:   fallbackRelevance,
			Snippet: snippetAround(m.Content, query, 32),
		})
	}
	return hits, nil
}

// TopCorrespondents returns the n most frequent senders other than userID.
func (db *DB) TopCorrespondents(ctx context.Context, userID string, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	var ids []string
	err := db.SelectContext(ctx, &ids, `
		SELECT sender_id FROM messages
		WHERE sender_id != ?
		GROUP BY sender_id
		ORDER BY COUNT(*) DESC, sender_id ASC
		LIMIT ?`, userID, n)
	if err != nil {
		return nil, classify("top correspondents", err)
	}
	return ids, nil
}

// matchExpr turns free text into an FTS5 expression of quoted prefix terms,
// so user input can never be parsed as query syntax.
func matchExpr(query string) string {
	fields := strings.Fields(query)
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		terms = append(terms, `"`+strings.ReplaceAll(f, `"`, `""`)+`"*`)
	}
	return strings.Join(terms, " OR ")
}

func candidatePool(limit int) int {
	return max(limit*5, 50)
}

func recencyBonus(createdAt int64, now time.Time, window time.Duration) float64 {
	if window <= 0 {
		return 0
	}
	age := now.Sub(time.UnixMilli(createdAt))
	if age < 0 {
		return maxRecencyBonus
	}
	if age >= window {
		return 0
	}
	return maxRecencyBonus * (1 - float64(age)/float64(window))
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// snippetAround returns up to width runes of context on each side of the
// first case-insensitive occurrence of query, with the match highlighted.
func snippetAround(content, query string, width int) string {
	lower := []rune(strings.ToLower(content))
	runes := []rune(content)
	needle := []rune(strings.ToLower(query))
	if len(lower) != len(runes) {
		return truncate(content, 2*width)
	}
	idx := -1
	for i := 0; i+len(needle) <= len(lower); i++ {
		if string(lower[i:i+len(needle)]) == string(needle) {
			idx = i
			break
		}
	}
	if idx < 0 {
		return truncate(content, 2*width)
	}
	start := max(idx-width, 0)
	end := min(idx+len(needle)+width, len(runes))
	var b strings.Builder
	if start > 0 {
		b.WriteString("...")
	}
	b.WriteString(string(runes[start:idx]))
	b.WriteString("<<")
	b.WriteString(string(runes[idx : idx+len(needle)]))
	b.WriteString(">>")
	b.WriteString(string(runes[idx+len(needle) : end]))
	if end < len(runes) {
		b.WriteString("...")
	}
	return b.String()
}
