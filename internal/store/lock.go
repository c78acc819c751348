package store

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// ErrLockHeld means another engine instance owns the symbol.
var ErrLockHeld = errors.New("symbol lock held")

// SymbolLock keeps a second engine from trading the same symbol out of the same state dir.
type SymbolLock struct {
	path string
	file *os.File
}

type LockOptions struct {
	InstanceID      string
	TakeoverEnabled bool
	StaleAfter      time.Duration
	Now             func() time.Time
	Logger          *zap.Logger
}

type lockOwner struct {
	pid        int
	instanceID string
	startedAt  time.Time
}

func AcquireSymbolLock(root, symbol string, opts LockOptions) (*SymbolLock, error) {
	if root == "" {
		return nil, errors.New("state dir required")
	}
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return nil, errors.New("symbol required")
	}
	path := filepath.Join(root, "."+symbol+".lock")
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	for attempt := 0; attempt < 3; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			owner := lockOwner{pid: os.Getpid(), instanceID: opts.InstanceID, startedAt: now().UTC()}
			if err := writeLockOwner(f, owner); err != nil {
				_ = f.Close()
				_ = os.Remove(path)
				return nil, err
			}
			return &SymbolLock{path: path, file: f}, nil
		}
		if !os.IsExist(err) {
			return nil, err
		}
		if !opts.TakeoverEnabled {
			return nil, fmt.Errorf("%w: %s", ErrLockHeld, path)
		}
		stale, reason, err := lockIsStale(path, now().UTC(), opts.StaleAfter)
		if err != nil {
			return nil, fmt.Errorf("%w: %s (stale check failed: %v)", ErrLockHeld, path, err)
		}
		if !stale {
			return nil, fmt.Errorf("%w: %s (%s)", ErrLockHeld, path, reason)
		}
		logger.Warn("taking over stale symbol lock",
			zap.String("event", "symbol_lock_takeover"),
			zap.String("symbol", symbol),
			zap.String("reason", reason),
		)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrLockHeld, path)
}

func writeLockOwner(f *os.File, owner lockOwner) error {
	var b strings.Builder
	b.WriteString("pid=" + strconv.Itoa(owner.pid) + "\n")
	if owner.instanceID != "" {
		b.WriteString("instance_id=" + owner.instanceID + "\n")
	}
	b.WriteString("started_at=" + owner.startedAt.Format(time.RFC3339) + "\n")
	if _, err := f.WriteString(b.String()); err != nil {
		return err
	}
	return f.Sync()
}

func lockIsStale(path string, now time.Time, staleAfter time.Duration) (bool, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return true, "lock_disappeared", nil
		}
		return false, "", err
	}
	owner, err := parseLockOwner(data)
	if err != nil {
		return false, "", err
	}
	if owner.pid > 0 {
		if processAlive(owner.pid) {
			return false, "owner_process_running", nil
		}
		return true, "owner_process_not_running", nil
	}
	if owner.startedAt.IsZero() {
		return false, "missing_lock_owner_info", nil
	}
	if staleAfter > 0 && now.Sub(owner.startedAt) >= staleAfter {
		return true, "lock_age_exceeded", nil
	}
	return false, "lock_not_stale", nil
}

func parseLockOwner(data []byte) (lockOwner, error) {
	var owner lockOwner
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(scanner.Text()), "=")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.TrimSpace(key) {
		case "pid":
			if pid, err := strconv.Atoi(value); err == nil && pid > 0 {
				owner.pid = pid
			}
		case "instance_id":
			owner.instanceID = value
		case "started_at":
			if ts, err := time.Parse(time.RFC3339, value); err == nil {
				owner.startedAt = ts.UTC()
			}
		}
	}
	return owner, scanner.Err()
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	switch {
	case err == nil:
		return true
	case errors.Is(err, os.ErrProcessDone), errors.Is(err, syscall.ESRCH):
		return false
	case errors.Is(err, syscall.EPERM):
		return true
	default:
		return false
	}
}

func (l *SymbolLock) Release() error {
	if l == nil {
		return nil
	}
	if l.file != nil {
		_ = l.file.Close()
		l.file = nil
	}
	if l.path == "" {
		return nil
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	l.path = ""
	return nil
}
