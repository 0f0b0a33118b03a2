package store

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"

	"github.com/matheus3301/outpost/internal/errs"
)

// DB wraps the SQLite database that holds chats, messages and attachments.
type DB struct {
	*sqlx.DB

	locks     *rowLocks
	indexed   atomic.Bool
	nowMillis func() int64
}

// Open creates a new SQLite connection. Every commit is fsynced
// (synchronous=FULL) and write transactions take the write lock up front
// (BEGIN IMMEDIATE) so read-modify-write sequences never deadlock on upgrade.
func Open(path string) (*DB, error) {
	dsn := path + "?_journal_mode=WAL&_synchronous=FULL&_busy_timeout=5000&_foreign_keys=on&_txlock=immediate"
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &DB{
		DB:        db,
		locks:     newRowLocks(),
		nowMillis: func() int64 { return time.Now().UnixMilli() },
	}, nil
}

// rowLocks serializes mutations per message id. Different ids proceed in
// parallel; entries are dropped once no goroutine holds or waits on them.
type rowLocks struct {
	mu    sync.Mutex
	locks map[string]*rowLock
}

type rowLock struct {
	sync.Mutex
	refs int
}

func newRowLocks() *rowLocks {
	return &rowLocks{locks: make(map[string]*rowLock)}
}

func (l *rowLocks) lock(id string) func() {
	l.mu.Lock()
	rl, ok := l.locks[id]
	if !ok {
		rl = &rowLock{}
		l.locks[id] = rl
	}
	rl.refs++
	l.mu.Unlock()

	rl.Lock()
	return func() {
		rl.Unlock()
		l.mu.Lock()
		rl.refs--
		if rl.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}

// classify maps driver errors onto the error taxonomy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var appErr *errs.Error
	if errors.As(err, &appErr) {
		return err
	}
	var se sqlite3.Error
	if errors.As(err, &se) && se.Code == sqlite3.ErrConstraint {
		switch se.ExtendedCode {
		case sqlite3.ErrConstraintPrimaryKey, sqlite3.ErrConstraintUnique:
			return errs.Constraint(op, "duplicate id")
		case sqlite3.ErrConstraintForeignKey:
			return errs.NotFound(op, "referenced chat does not exist")
		}
		return errs.Constraint(op, se.Error())
	}
	return errs.Persistence(op, err)
}

func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen])
}
