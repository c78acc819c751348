package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pyramid-trading/internal/core"
	"pyramid-trading/internal/store"
)

// ErrDuplicateKey is returned when a position id already exists.
var ErrDuplicateKey = errors.New("duplicate key")

// PositionStore implements store.PositionStore using PostgreSQL.
type PositionStore struct {
	pool *Pool
}

func NewPositionStore(pool *Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

var _ store.PositionStore = (*PositionStore)(nil)

func (s *PositionStore) CreatePosition(ctx context.Context, pos core.Position) error {
	query := `
		INSERT INTO positions (
			id, symbol, level, entry_price, units, dollar_amount, status, is_anchor, protected, opened_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := s.pool.Exec(ctx, query,
		pos.ID, pos.Symbol, pos.Level, pos.EntryPrice, pos.Units, pos.DollarAmount,
		string(pos.Status), pos.IsAnchor, pos.Protected, pos.OpenedAt,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("%w: position %s", ErrDuplicateKey, pos.ID)
		}
		return fmt.Errorf("insert position: %w", err)
	}
	return nil
}

func (s *PositionStore) AugmentPosition(ctx context.Context, pos core.Position) error {
	query := `
		UPDATE positions SET units = $2, dollar_amount = $3, entry_price = $4, is_anchor = $5,
			protected = protected OR $6
		WHERE id = $1 AND status = 'ACTIVE'
	`
	return s.execOne(ctx, "augment position", pos.ID, query,
		pos.ID, pos.Units, pos.DollarAmount, pos.EntryPrice, pos.IsAnchor, pos.Protected)
}

func (s *PositionStore) ClosePosition(ctx context.Context, pos core.Position) error {
	closedAt := time.Now().UTC()
	if pos.ClosedAt != nil {
		closedAt = *pos.ClosedAt
	}
	query := `
		UPDATE positions
		SET status = 'CLOSED', closed_at = $2, exit_price = $3, units_sold = $4, units_kept = $5, is_anchor = FALSE
		WHERE id = $1 AND status = 'ACTIVE'
	`
	return s.execOne(ctx, "close position", pos.ID, query,
		pos.ID, closedAt, pos.ExitPrice, pos.UnitsSold, pos.UnitsKept)
}

func (s *PositionStore) UpdateAnchor(ctx context.Context, pos core.Position) error {
	query := `UPDATE positions SET is_anchor = $2, protected = protected OR $3, level = $4 WHERE id = $1`
	return s.execOne(ctx, "update anchor", pos.ID, query, pos.ID, pos.IsAnchor, pos.Protected, pos.Level)
}

func (s *PositionStore) execOne(ctx context.Context, op, id, query string, args ...any) error {
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w: %s", op, core.ErrPositionNotFound, id)
	}
	return nil
}

func (s *PositionStore) ListActivePositions(ctx context.Context, symbol string) ([]core.Position, error) {
	query := `
		SELECT id, symbol, level, entry_price, units, dollar_amount, status, is_anchor, protected, opened_at
		FROM positions
		WHERE symbol = $1 AND status = 'ACTIVE'
		ORDER BY level, opened_at
	`
	rows, err := s.pool.Query(ctx, query, symbol)
	if err != nil {
		return nil, fmt.Errorf("query active positions: %w", err)
	}
	defer rows.Close()

	var out []core.Position
	for rows.Next() {
		var p core.Position
		var status string
		if err := rows.Scan(&p.ID, &p.Symbol, &p.Level, &p.EntryPrice, &p.Units, &p.DollarAmount, &status, &p.IsAnchor, &p.Protected, &p.OpenedAt); err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		p.Status = core.PositionStatus(status)
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetPosition returns one position in any status.
func (s *PositionStore) GetPosition(ctx context.Context, id string) (core.Position, error) {
	query := `
		SELECT id, symbol, level, entry_price, units, dollar_amount, status, is_anchor, protected, opened_at,
			closed_at, units_sold, units_kept
		FROM positions WHERE id = $1
	`
	var p core.Position
	var status string
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&p.ID, &p.Symbol, &p.Level, &p.EntryPrice, &p.Units, &p.DollarAmount, &status, &p.IsAnchor, &p.Protected, &p.OpenedAt,
		&p.ClosedAt, &p.UnitsSold, &p.UnitsKept,
	)
	if err != nil {
		if isNotFoundError(err) {
			return core.Position{}, fmt.Errorf("%w: %s", core.ErrPositionNotFound, id)
		}
		return core.Position{}, fmt.Errorf("get position: %w", err)
	}
	p.Status = core.PositionStatus(status)
	return p, nil
}

func (s *PositionStore) AddAccumulationRecord(ctx context.Context, rec core.AccumulationRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	query := `
		INSERT INTO accumulation_records (
			symbol, level, position_id, original_entry_price, units, value, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := s.pool.Exec(ctx, query,
		rec.Symbol, rec.Level, rec.PositionID, rec.OriginalEntryPrice, rec.Units, rec.Value, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert accumulation record: %w", err)
	}
	return nil
}

func (s *PositionStore) ListAccumulationRecords(ctx context.Context, symbol string) ([]core.AccumulationRecord, error) {
	query := `
		SELECT symbol, level, position_id, original_entry_price, units, value, created_at
		FROM accumulation_records WHERE symbol = $1 ORDER BY id
	`
	rows, err := s.pool.Query(ctx, query, symbol)
	if err != nil {
		return nil, fmt.Errorf("query accumulation records: %w", err)
	}
	defer rows.Close()

	var out []core.AccumulationRecord
	for rows.Next() {
		var r core.AccumulationRecord
		if err := rows.Scan(&r.Symbol, &r.Level, &r.PositionID, &r.OriginalEntryPrice, &r.Units, &r.Value, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan accumulation record: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
