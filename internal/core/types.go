package core

import (
	"time"

	"github.com/shopspring/decimal"
)

type LadderSide string

type LevelState int

type PositionStatus string

const (
	Below LadderSide = "BELOW"
	Above LadderSide = "ABOVE"
)

const (
	Untouched LevelState = iota
	Bought
	Sold
)

const (
	PositionActive PositionStatus = "ACTIVE"
	PositionClosed PositionStatus = "CLOSED"
)

func (s LevelState) String() string {
	switch s {
	case Untouched:
		return "untouched"
	case Bought:
		return "bought"
	case Sold:
		return "sold"
	default:
		return "unknown"
	}
}

// Level is one rung of a ladder. Index is 1-based; PercentOffset is negative below the
// reference price and positive above it.
type Level struct {
	Index         int
	Price         decimal.Decimal
	PercentOffset decimal.Decimal
}

// Position is one holding at a ladder level. Protected is set the first time the
// position becomes the anchor and is never cleared, so a former anchor is never sold.
type Position struct {
	ID           string          `json:"id"`
	Symbol       string          `json:"symbol"`
	Level        int             `json:"level"`
	EntryPrice   decimal.Decimal `json:"entry_price"`
	Units        int64           `json:"units"`
	DollarAmount decimal.Decimal `json:"dollar_amount"`
	Status       PositionStatus  `json:"status"`
	IsAnchor     bool            `json:"is_anchor"`
	Protected    bool            `json:"protected,omitempty"`
	OpenedAt     time.Time       `json:"opened_at"`
	ClosedAt     *time.Time      `json:"closed_at,omitempty"`
	ExitPrice    decimal.Decimal `json:"exit_price,omitempty"`
	UnitsSold    int64           `json:"units_sold,omitempty"`
	UnitsKept    int64           `json:"units_kept,omitempty"`
}

func (p Position) Active() bool {
	return p.Status == PositionActive
}

// AccumulationRecord holds units left over from a partial sell. Records are terminal.
type AccumulationRecord struct {
	Symbol             string          `json:"symbol"`
	Level              int             `json:"level"`
	PositionID         string          `json:"position_id"`
	OriginalEntryPrice decimal.Decimal `json:"original_entry_price"`
	Units              int64           `json:"units"`
	Value              decimal.Decimal `json:"value"`
	CreatedAt          time.Time       `json:"created_at"`
}

type Tick struct {
	Symbol string
	Time   time.Time
	Price  decimal.Decimal
	High   decimal.Decimal
	Low    decimal.Decimal
	Source string
}
