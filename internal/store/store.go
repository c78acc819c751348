package store

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"pyramid-trading/internal/core"
)

type PositionsSnapshot struct {
	Positions []core.Position `json:"positions"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type RuntimeStatus struct {
	Mode              string     `json:"mode"`
	Symbol            string     `json:"symbol"`
	InstanceID        string     `json:"instance_id"`
	PID               int        `json:"pid"`
	State             string     `json:"state"`
	StartedAt         time.Time  `json:"started_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	LastPrice         string     `json:"last_price,omitempty"`
	Highest           string     `json:"highest,omitempty"`
	AnchorLevel       int        `json:"anchor_level,omitempty"`
	ActivePositions   int        `json:"active_positions"`
	LastError         string     `json:"last_error,omitempty"`
	ReconnectAttempts int        `json:"reconnect_attempts,omitempty"`
	DisconnectedAt    *time.Time `json:"disconnected_at,omitempty"`
}

// Store keeps positions in a JSON snapshot rewritten atomically on every change and
// appends accumulation records to a JSONL journal.
type Store struct {
	root   string
	logger *zap.Logger

	mu        sync.Mutex
	loaded    bool
	positions map[string]core.Position
}

var _ PositionStore = (*Store)(nil)

func New(root string) (*Store, error) {
	if root == "" {
		return nil, errors.New("state dir required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &Store{root: root, logger: zap.NewNop()}, nil
}

func (s *Store) SetLogger(logger *zap.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

func (s *Store) CreatePosition(_ context.Context, pos core.Position) error {
	if strings.TrimSpace(pos.ID) == "" {
		return errors.New("position id required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadPositionsLocked(); err != nil {
		return err
	}
	if _, ok := s.positions[pos.ID]; ok {
		return fmt.Errorf("position %s already exists", pos.ID)
	}
	s.positions[pos.ID] = pos
	return s.flushPositionsLocked()
}

func (s *Store) AugmentPosition(_ context.Context, pos core.Position) error {
	return s.update(pos.ID, func(cur *core.Position) {
		cur.Units = pos.Units
		cur.DollarAmount = pos.DollarAmount
		cur.EntryPrice = pos.EntryPrice
		cur.IsAnchor = pos.IsAnchor
		cur.Protected = cur.Protected || pos.Protected
	})
}

func (s *Store) ClosePosition(_ context.Context, pos core.Position) error {
	return s.update(pos.ID, func(cur *core.Position) {
		cur.Status = core.PositionClosed
		cur.ClosedAt = pos.ClosedAt
		cur.ExitPrice = pos.ExitPrice
		cur.UnitsSold = pos.UnitsSold
		cur.UnitsKept = pos.UnitsKept
		cur.IsAnchor = false
	})
}

func (s *Store) UpdateAnchor(_ context.Context, pos core.Position) error {
	return s.update(pos.ID, func(cur *core.Position) {
		cur.IsAnchor = pos.IsAnchor
		cur.Protected = cur.Protected || pos.Protected
		cur.Level = pos.Level
	})
}

func (s *Store) update(id string, apply func(cur *core.Position)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadPositionsLocked(); err != nil {
		return err
	}
	cur, ok := s.positions[id]
	if !ok {
		return fmt.Errorf("%w: %s", core.ErrPositionNotFound, id)
	}
	apply(&cur)
	s.positions[id] = cur
	return s.flushPositionsLocked()
}

func (s *Store) ListActivePositions(_ context.Context, symbol string) ([]core.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadPositionsLocked(); err != nil {
		return nil, err
	}
	out := make([]core.Position, 0)
	for _, pos := range s.positions {
		if pos.Active() && pos.Symbol == symbol {
			out = append(out, pos)
		}
	}
	sortPositions(out)
	return out, nil
}

func (s *Store) AddAccumulationRecord(_ context.Context, rec core.AccumulationRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.OpenFile(s.accumulationPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return err
	}
	return f.Sync()
}

// ListAccumulationRecords reads the journal for symbol. Unparseable lines are skipped.
func (s *Store) ListAccumulationRecords(_ context.Context, symbol string) ([]core.AccumulationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.Open(s.accumulationPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []core.AccumulationRecord
	scanner := bufio.NewScanner(f)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 2*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var rec core.AccumulationRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			s.logger.Warn("accumulation line skipped",
				zap.String("event", "store_accumulation_line_invalid"),
				zap.Error(err),
			)
			continue
		}
		if rec.Symbol == symbol {
			out = append(out, rec)
		}
	}
	return out, scanner.Err()
}

func (s *Store) SaveRuntimeStatus(status RuntimeStatus) error {
	if status.UpdatedAt.IsZero() {
		status.UpdatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeJSONAtomic(s.runtimeStatusPath(), status)
}

func (s *Store) LoadRuntimeStatus() (RuntimeStatus, bool, error) {
	data, err := os.ReadFile(s.runtimeStatusPath())
	if err != nil {
		if os.IsNotExist(err) {
			return RuntimeStatus{}, false, nil
		}
		return RuntimeStatus{}, false, err
	}
	var status RuntimeStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return RuntimeStatus{}, false, err
	}
	return status, true, nil
}

func (s *Store) loadPositionsLocked() error {
	if s.loaded {
		return nil
	}
	s.positions = make(map[string]core.Position)
	data, err := os.ReadFile(s.positionsPath())
	if err != nil {
		if os.IsNotExist(err) {
			s.loaded = true
			return nil
		}
		return err
	}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return errors.New("positions snapshot is empty")
	}
	var snapshot PositionsSnapshot
	if err := json.Unmarshal(trimmed, &snapshot); err != nil {
		return err
	}
	for _, pos := range snapshot.Positions {
		s.positions[pos.ID] = pos
	}
	s.loaded = true
	return nil
}

func (s *Store) flushPositionsLocked() error {
	all := make([]core.Position, 0, len(s.positions))
	for _, pos := range s.positions {
		all = append(all, pos)
	}
	sortPositions(all)
	return s.writeJSONAtomic(s.positionsPath(), PositionsSnapshot{
		Positions: all,
		UpdatedAt: time.Now().UTC(),
	})
}

func sortPositions(positions []core.Position) {
	sort.Slice(positions, func(i, j int) bool {
		if positions[i].Symbol != positions[j].Symbol {
			return positions[i].Symbol < positions[j].Symbol
		}
		if positions[i].Level != positions[j].Level {
			return positions[i].Level < positions[j].Level
		}
		return positions[i].OpenedAt.Before(positions[j].OpenedAt)
	})
}

func (s *Store) positionsPath() string {
	return filepath.Join(s.root, "positions.json")
}

func (s *Store) accumulationPath() string {
	return filepath.Join(s.root, "accumulation.jsonl")
}

func (s *Store) runtimeStatusPath() string {
	return filepath.Join(s.root, "runtime_status.json")
}

func (s *Store) writeJSONAtomic(path string, v any) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "tmp-*")
	if err != nil {
		return err
	}
	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return err
	}
	s.fsyncDirBestEffort(dir, path)
	return nil
}

func (s *Store) fsyncDirBestEffort(dir, path string) {
	d, err := os.Open(dir)
	if err != nil {
		s.logger.Warn("dir fsync skipped",
			zap.String("event", "store_dir_fsync_skipped"),
			zap.String("dir", dir),
			zap.String("target", path),
			zap.Error(err),
		)
		return
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		s.logger.Warn("dir fsync failed",
			zap.String("event", "store_dir_fsync_failed"),
			zap.String("dir", dir),
			zap.String("target", path),
			zap.Error(err),
		)
	}
}
