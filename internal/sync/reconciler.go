package sync

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"time"

	"github.com/matheus3301/outpost/internal/store"
	"go.uber.org/zap"
)

// Reconciler manages sync checkpoints.
type Reconciler struct {
	db     *store.DB
	logger *zap.Logger
}

// NewReconciler creates a new reconciler.
func NewReconciler(db *store.DB, logger *zap.Logger) *Reconciler {
	return &Reconciler{db: db, logger: logger}
}

// UpdateCheckpoint updates a sync checkpoint value.
func (r *Reconciler) UpdateCheckpoint(ctx context.Context, key, value string) error {
	now := time.Now().UnixMilli()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sync_state (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, now)
	return err
}

// Touch sets a checkpoint to the current time in unix milliseconds.
func (r *Reconciler) Touch(ctx context.Context, key string) error {
	return r.UpdateCheckpoint(ctx, key, strconv.FormatInt(time.Now().UnixMilli(), 10))
}

// GetCheckpoint retrieves a sync checkpoint value, or "" if it was never set.
func (r *Reconciler) GetCheckpoint(ctx context.Context, key string) (string, error) {
	var value string
	err := r.db.GetContext(ctx, &value, `SELECT value FROM sync_state WHERE key = ?`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

// Checkpoints returns every checkpoint keyed by name.
func (r *Reconciler) Checkpoints(ctx context.Context) (map[string]string, error) {
	var rows []struct {
		Key   string `db:"key"`
		Value string `db:"value"`
	}
	if err := r.db.SelectContext(ctx, &rows, `SELECT key, value FROM sync_state ORDER BY key`); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(rows))
	for _, row := range rows {
		out[row.Key] = row.Value
	}
	return out, nil
}
