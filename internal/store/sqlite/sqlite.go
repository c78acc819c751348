package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"pyramid-trading/internal/core"
	"pyramid-trading/internal/store"
)

// Store persists positions and accumulation records in a local SQLite file.
type Store struct {
	db *sql.DB
}

var _ store.PositionStore = (*Store)(nil)

func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}
	// SQLite takes one writer at a time.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS positions (
			id TEXT PRIMARY KEY,
			symbol TEXT NOT NULL,
			level INTEGER NOT NULL,
			entry_price TEXT NOT NULL,
			units INTEGER NOT NULL,
			dollar_amount TEXT NOT NULL,
			status TEXT NOT NULL,
			is_anchor BOOLEAN NOT NULL DEFAULT 0,
			protected BOOLEAN NOT NULL DEFAULT 0,
			opened_at DATETIME NOT NULL,
			closed_at DATETIME,
			exit_price TEXT,
			units_sold INTEGER NOT NULL DEFAULT 0,
			units_kept INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS idx_positions_symbol_status ON positions(symbol, status);`,
		`CREATE TABLE IF NOT EXISTS accumulation_records (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			symbol TEXT NOT NULL,
			level INTEGER NOT NULL,
			position_id TEXT NOT NULL,
			original_entry_price TEXT NOT NULL,
			units INTEGER NOT NULL,
			value TEXT NOT NULL,
			created_at DATETIME NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_accumulation_symbol ON accumulation_records(symbol);`,
	}
	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return fmt.Errorf("failed to exec query %s: %w", q, err)
		}
	}
	return s.addColumnIfMissing("positions", "protected", "BOOLEAN NOT NULL DEFAULT 0")
}

// addColumnIfMissing upgrades databases created before the column existed.
func (s *Store) addColumnIfMissing(table, column, decl string) error {
	rows, err := s.db.Query(`SELECT name FROM pragma_table_info(?)`, table)
	if err != nil {
		return fmt.Errorf("inspect %s: %w", table, err)
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return err
		}
		if name == column {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if _, err := s.db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, decl)); err != nil {
		return fmt.Errorf("add column %s.%s: %w", table, column, err)
	}
	return nil
}

func (s *Store) CreatePosition(ctx context.Context, pos core.Position) error {
	query := `INSERT INTO positions (id, symbol, level, entry_price, units, dollar_amount, status, is_anchor, protected, opened_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		pos.ID, pos.Symbol, pos.Level, pos.EntryPrice.String(), pos.Units, pos.DollarAmount.String(),
		string(pos.Status), pos.IsAnchor, pos.Protected, pos.OpenedAt.UTC())
	return err
}

func (s *Store) AugmentPosition(ctx context.Context, pos core.Position) error {
	return s.execOne(ctx, `UPDATE positions SET units = ?, dollar_amount = ?, entry_price = ?, is_anchor = ?, protected = (protected OR ?) WHERE id = ?`,
		pos.ID, pos.Units, pos.DollarAmount.String(), pos.EntryPrice.String(), pos.IsAnchor, pos.Protected, pos.ID)
}

func (s *Store) ClosePosition(ctx context.Context, pos core.Position) error {
	closedAt := time.Now().UTC()
	if pos.ClosedAt != nil {
		closedAt = pos.ClosedAt.UTC()
	}
	return s.execOne(ctx, `UPDATE positions SET status = ?, closed_at = ?, exit_price = ?, units_sold = ?, units_kept = ?, is_anchor = 0 WHERE id = ?`,
		pos.ID, string(core.PositionClosed), closedAt, pos.ExitPrice.String(), pos.UnitsSold, pos.UnitsKept, pos.ID)
}

func (s *Store) UpdateAnchor(ctx context.Context, pos core.Position) error {
	return s.execOne(ctx, `UPDATE positions SET is_anchor = ?, protected = (protected OR ?), level = ? WHERE id = ?`,
		pos.ID, pos.IsAnchor, pos.Protected, pos.Level, pos.ID)
}

func (s *Store) execOne(ctx context.Context, query, id string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", core.ErrPositionNotFound, id)
	}
	return nil
}

func (s *Store) ListActivePositions(ctx context.Context, symbol string) ([]core.Position, error) {
	query := `SELECT id, symbol, level, entry_price, units, dollar_amount, status, is_anchor, protected, opened_at
			  FROM positions WHERE symbol = ? AND status = ? ORDER BY level, opened_at`
	rows, err := s.db.QueryContext(ctx, query, symbol, string(core.PositionActive))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.Position
	for rows.Next() {
		var p core.Position
		var status string
		if err := rows.Scan(&p.ID, &p.Symbol, &p.Level, &p.EntryPrice, &p.Units, &p.DollarAmount, &status, &p.IsAnchor, &p.Protected, &p.OpenedAt); err != nil {
			return nil, err
		}
		p.Status = core.PositionStatus(status)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) AddAccumulationRecord(ctx context.Context, rec core.AccumulationRecord) error {
	if rec.PositionID == "" {
		return errors.New("accumulation record requires a position id")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	query := `INSERT INTO accumulation_records (symbol, level, position_id, original_entry_price, units, value, created_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		rec.Symbol, rec.Level, rec.PositionID, rec.OriginalEntryPrice.String(), rec.Units, rec.Value.String(), rec.CreatedAt.UTC())
	return err
}

func (s *Store) ListAccumulationRecords(ctx context.Context, symbol string) ([]core.AccumulationRecord, error) {
	query := `SELECT symbol, level, position_id, original_entry_price, units, value, created_at
			  FROM accumulation_records WHERE symbol = ? ORDER BY id`
	rows, err := s.db.QueryContext(ctx, query, symbol)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.AccumulationRecord
	for rows.Next() {
		var r core.AccumulationRecord
		if err := rows.Scan(&r.Symbol, &r.Level, &r.PositionID, &r.OriginalEntryPrice, &r.Units, &r.Value, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
