// Package lock makes a daemon the sole owner of a profile directory.
package lock

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// FileName is the lock file inside a profile directory.
const FileName = "LOCK"

// Holder is the process recorded in a profile's lock file.
type Holder struct {
	PID   int
	Since time.Time
}

// HeldError is returned when another daemon already owns the profile.
type HeldError struct {
	Holder
	Path string
}

func (e *HeldError) Error() string {
	switch {
	case e.PID == 0:
		return fmt.Sprintf("profile already owned by another daemon (%s)", e.Path)
	case e.Since.IsZero():
		return fmt.Sprintf("profile already owned by daemon pid %d (%s)", e.PID, e.Path)
	default:
		return fmt.Sprintf("profile already owned by daemon pid %d since %s (%s)",
			e.PID, e.Since.Format(time.RFC3339), e.Path)
	}
}

// Lock is an acquired profile lock. While it is held this process is the
// only delivery queue consumer of the profile's database.
type Lock struct {
	f    *os.File
	path string
}

// Acquire takes the profile lock without blocking, creating profileDir if
// needed. It fails with *HeldError when another process owns it.
func Acquire(profileDir string) (*Lock, error) {
	if err := os.MkdirAll(profileDir, 0700); err != nil {
		return nil, fmt.Errorf("create profile dir: %w", err)
	}
	path := filepath.Join(profileDir, FileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open profile lock: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		held := &HeldError{Path: path}
		if data, readErr := os.ReadFile(path); readErr == nil {
			held.Holder = parseHolder(string(data))
		}
		return nil, held
	}

	if err := record(f, Holder{PID: os.Getpid(), Since: time.Now().UTC()}); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("write profile lock: %w", err)
	}
	return &Lock{f: f, path: path}, nil
}

// Path returns the lock file location.
func (l *Lock) Path() string { return l.path }

// Release removes the lock file and drops the lock. It is a no-op on a nil
// or already released Lock.
func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	_ = os.Remove(l.path)
	err := l.f.Close()
	l.f = nil
	return err
}

func record(f *os.File, h Holder) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	_, err := f.WriteAt([]byte(fmt.Sprintf("pid=%d\ntime=%s\n", h.PID, h.Since.Format(time.RFC3339))), 0)
	return err
}

// parseHolder reads the key=value lines written by record. Unknown or
// malformed lines are ignored.
func parseHolder(content string) Holder {
	var h Holder
	sc := bufio.NewScanner(strings.NewReader(content))
	for sc.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(sc.Text()), "=")
		if !ok {
			continue
		}
		switch key {
		case "pid":
			h.PID, _ = strconv.Atoi(value)
		case "time":
			h.Since, _ = time.Parse(time.RFC3339, value)
		}
	}
	return h
}
