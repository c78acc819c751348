package strategy

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"pyramid-trading/internal/core"
	"pyramid-trading/internal/store"
)

type CloseResult struct {
	Position     core.Position
	UnitsSold    int64
	UnitsKept    int64
	Profit       decimal.Decimal
	Accumulation *core.AccumulationRecord
}

// Ledger owns the active positions of one symbol. Every change is queued as a store
// mutation that the engine drains once the tick is committed.
type Ledger struct {
	symbol   string
	active   map[string]*core.Position
	byLevel  map[int]string
	anchorID string
	pending  []store.Mutation
	now      func() time.Time
	newID    func() string
}

func NewLedger(symbol string) *Ledger {
	return &Ledger{
		symbol:  symbol,
		active:  make(map[string]*core.Position),
		byLevel: make(map[int]string),
		now:     func() time.Time { return time.Now().UTC() },
		newID:   uuid.NewString,
	}
}

// OpenOrAugment adds to the active position at level or opens a new one. isAnchor
// transfers the anchor flag to the resulting position.
func (l *Ledger) OpenOrAugment(level int, price decimal.Decimal, units int64, dollarAmount decimal.Decimal, isAnchor bool) core.Position {
	if id, ok := l.byLevel[level]; ok {
		pos := l.active[id]
		pos.Units += units
		pos.DollarAmount = core.RoundCents(pos.DollarAmount.Add(dollarAmount))
		if pos.Units > 0 {
			pos.EntryPrice = core.RoundCents(pos.DollarAmount.Div(decimal.NewFromInt(pos.Units)))
		}
		l.record(store.MutationAugment, *pos)
		if isAnchor {
			l.SetAnchor(pos.ID)
		}
		return *pos
	}
	pos := &core.Position{
		ID:           l.newID(),
		Symbol:       l.symbol,
		Level:        level,
		EntryPrice:   price,
		Units:        units,
		DollarAmount: core.RoundCents(dollarAmount),
		Status:       core.PositionActive,
		OpenedAt:     l.now(),
	}
	l.active[pos.ID] = pos
	l.byLevel[level] = pos.ID
	l.record(store.MutationCreate, *pos)
	if isAnchor {
		l.SetAnchor(pos.ID)
	}
	return *pos
}

// Close sells what plannedDollarAmount covers at sellPrice and closes the position.
// Units the amount does not cover are moved to an accumulation record. Closing the
// anchor or an inactive position panics.
func (l *Ledger) Close(id string, sellPrice, plannedDollarAmount decimal.Decimal) CloseResult {
	pos, ok := l.active[id]
	if !ok {
		panic(core.Defect("close position", fmt.Errorf("%w: %s", core.ErrPositionNotActive, id)))
	}
	if pos.IsAnchor || pos.Protected {
		panic(core.Defect("close position", fmt.Errorf("%w: %s", core.ErrCloseAnchor, id)))
	}
	sold := core.FloorUnits(plannedDollarAmount, sellPrice)
	if sold > pos.Units {
		sold = pos.Units
	}
	kept := pos.Units - sold
	closedAt := l.now()
	pos.Status = core.PositionClosed
	pos.ClosedAt = &closedAt
	pos.ExitPrice = sellPrice
	pos.UnitsSold = sold
	pos.UnitsKept = kept

	res := CloseResult{
		UnitsSold: sold,
		UnitsKept: kept,
		Profit:    core.RoundCents(sellPrice.Sub(pos.EntryPrice).Mul(decimal.NewFromInt(sold))),
	}
	delete(l.active, id)
	if l.byLevel[pos.Level] == id {
		delete(l.byLevel, pos.Level)
	}
	l.record(store.MutationClose, *pos)
	if kept > 0 {
		rec := core.AccumulationRecord{
			Symbol:             pos.Symbol,
			Level:              pos.Level,
			PositionID:         pos.ID,
			OriginalEntryPrice: pos.EntryPrice,
			Units:              kept,
			Value:              core.Notional(kept, pos.EntryPrice),
			CreatedAt:          closedAt,
		}
		l.pending = append(l.pending, store.Mutation{Kind: store.MutationAccumulate, Accumulation: rec})
		res.Accumulation = &rec
	}
	res.Position = *pos
	return res
}

// SetAnchor flags id as the anchor and clears the flag from every other position.
// Positions that lose the flag stay Protected. An unknown id leaves the book without
// an anchor.
func (l *Ledger) SetAnchor(id string) {
	for _, pos := range l.active {
		if pos.ID != id && pos.IsAnchor {
			pos.IsAnchor = false
			l.record(store.MutationAnchor, *pos)
		}
	}
	l.anchorID = ""
	pos, ok := l.active[id]
	if !ok {
		return
	}
	l.anchorID = id
	if !pos.IsAnchor || !pos.Protected {
		pos.IsAnchor = true
		pos.Protected = true
		l.record(store.MutationAnchor, *pos)
	}
}

// Relevel moves an active position onto another ladder index after a recalculation.
func (l *Ledger) Relevel(id string, level int) {
	pos, ok := l.active[id]
	if !ok || pos.Level == level {
		return
	}
	if l.byLevel[pos.Level] == id {
		delete(l.byLevel, pos.Level)
	}
	pos.Level = level
	l.byLevel[level] = id
	l.record(store.MutationAnchor, *pos)
}

func (l *Ledger) Anchor() (core.Position, bool) {
	pos, ok := l.active[l.anchorID]
	if !ok {
		return core.Position{}, false
	}
	return *pos, true
}

func (l *Ledger) ActiveAt(level int) (core.Position, bool) {
	id, ok := l.byLevel[level]
	if !ok {
		return core.Position{}, false
	}
	return *l.active[id], true
}

// Active returns copies of the active positions ordered by level.
func (l *Ledger) Active() []core.Position {
	out := make([]core.Position, 0, len(l.active))
	for _, pos := range l.active {
		out = append(out, *pos)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Level != out[j].Level {
			return out[i].Level < out[j].Level
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Restore replaces the in-memory book with persisted active positions.
func (l *Ledger) Restore(positions []core.Position) {
	l.active = make(map[string]*core.Position, len(positions))
	l.byLevel = make(map[int]string, len(positions))
	l.anchorID = ""
	for i := range positions {
		pos := positions[i]
		if !pos.Active() {
			continue
		}
		if pos.Symbol == "" {
			pos.Symbol = l.symbol
		}
		l.active[pos.ID] = &pos
		l.byLevel[pos.Level] = pos.ID
		if pos.IsAnchor {
			pos.Protected = true
			l.anchorID = pos.ID
		}
	}
}

func (l *Ledger) drain() []store.Mutation {
	out := l.pending
	l.pending = nil
	return out
}

func (l *Ledger) record(kind store.MutationKind, pos core.Position) {
	l.pending = append(l.pending, store.Mutation{Kind: kind, Position: pos})
}
