package strategy

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"pyramid-trading/internal/core"
	"pyramid-trading/internal/ladder"
	"pyramid-trading/internal/store"
)

type Config struct {
	Symbol      string
	Levels      int
	StepPercent decimal.Decimal
	SellOffset  decimal.Decimal
	Sizing      Sizing
}

// Pyramid is the per-symbol accumulation engine. A single mutex covers the whole
// observation so ticks never interleave.
type Pyramid struct {
	cfg      Config
	detector Detector

	mu          sync.Mutex
	initialized bool
	highest     decimal.Decimal
	ladder      ladder.Ladder
	lastPrice   *decimal.Decimal
	states      *LevelStates
	anchor      AnchorTracker
	ledger      *Ledger

	writer MutationWriter
	loader PositionLoader
	sinks  []EventSink
	logger *zap.Logger
}

func NewPyramid(cfg Config) *Pyramid {
	if cfg.Levels <= 0 {
		cfg.Levels = 10
	}
	if cfg.StepPercent.Cmp(decimal.Zero) <= 0 {
		cfg.StepPercent = ladder.DefaultStepPercent
	}
	if cfg.Sizing.BaseAmount.Cmp(decimal.Zero) <= 0 {
		cfg.Sizing.BaseAmount = DefaultBaseAmount
	}
	return &Pyramid{
		cfg:      cfg,
		detector: Detector{SellOffset: cfg.SellOffset},
		states:   NewLevelStates(),
		ledger:   NewLedger(cfg.Symbol),
		logger:   zap.NewNop(),
	}
}

func (p *Pyramid) Symbol() string {
	return p.cfg.Symbol
}

func (p *Pyramid) SetWriter(w MutationWriter) {
	p.writer = w
}

func (p *Pyramid) SetLoader(l PositionLoader) {
	p.loader = l
}

func (p *Pyramid) AddSink(s EventSink) {
	if s != nil {
		p.sinks = append(p.sinks, s)
	}
}

func (p *Pyramid) SetLogger(logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	p.logger = logger.With(zap.String("symbol", p.cfg.Symbol))
}

// Initialize sets the highest price and computes the ladder from it. The first call
// loads the active book from the loader; later calls rebuild level states and move the
// anchor onto the new ladder. A highest that would price a held level below its entry
// is lifted to the lowest reference that covers every active position.
func (p *Pyramid) Initialize(ctx context.Context, highest decimal.Decimal) error {
	if highest.Cmp(decimal.Zero) <= 0 {
		return fmt.Errorf("%w: highest %s", core.ErrInvalidPrice, highest)
	}
	l, err := ladder.Compute(highest, p.cfg.Levels, p.cfg.StepPercent)
	if err != nil {
		return err
	}

	p.mu.Lock()
	first := !p.initialized
	p.mu.Unlock()

	var loaded []core.Position
	if first && p.loader != nil {
		loaded, err = p.loader.ListActivePositions(ctx, p.cfg.Symbol)
		if err != nil {
			return fmt.Errorf("load active positions: %w", err)
		}
	}

	p.mu.Lock()
	if first && p.loader != nil {
		p.ledger.Restore(loaded)
	}
	requested := highest
	if floor, ok := p.coveringHighest(l); ok && floor.Cmp(highest) > 0 {
		if lifted, err := ladder.Compute(floor, p.cfg.Levels, p.cfg.StepPercent); err == nil {
			highest, l = floor, lifted
		}
	}
	_, prevAnchor, hadAnchor := p.anchor.Current()
	p.highest = highest
	p.ladder = l
	p.initialized = true
	p.rebuild()
	if !first && hadAnchor {
		p.relocateAnchor(prevAnchor)
	}
	mutations := p.ledger.drain()
	p.enqueue(mutations)
	active := len(p.ledger.Active())
	anchorLevel, _, _ := p.anchor.Current()
	p.mu.Unlock()

	if !highest.Equal(requested) {
		p.logger.Warn("highest lifted to cover active positions",
			zap.String("event", "highest_lifted_from_positions"),
			zap.String("requested", requested.StringFixed(2)),
			zap.String("highest", highest.StringFixed(2)),
		)
	}
	p.logger.Info("pyramid initialized",
		zap.String("event", "pyramid_initialized"),
		zap.String("highest", highest.StringFixed(2)),
		zap.Int("levels", l.Levels()),
		zap.Int("active_positions", active),
		zap.Int("anchor_level", anchorLevel),
	)
	return nil
}

// coveringHighest returns the lowest reference at which every active position's level
// is priced at or above its entry, when l prices at least one of them below.
func (p *Pyramid) coveringHighest(l ladder.Ladder) (decimal.Decimal, bool) {
	var floor decimal.Decimal
	found := false
	for _, pos := range p.ledger.Active() {
		lvl, ok := l.BelowAt(pos.Level)
		if !ok || lvl.Price.Cmp(pos.EntryPrice) >= 0 {
			continue
		}
		ref, ok := ladder.ReferenceFor(pos.EntryPrice, pos.Level, p.cfg.StepPercent)
		if ok && (!found || ref.Cmp(floor) > 0) {
			floor, found = ref, true
		}
	}
	return floor, found
}

// rebuild marks every active level as bought and makes the deepest one the anchor.
func (p *Pyramid) rebuild() {
	positions := p.ledger.Active()
	if len(positions) == 0 {
		p.anchor.clear()
		return
	}
	deepest := positions[0]
	for _, pos := range positions {
		p.states.restoreBought(pos.Level)
		if pos.Level > deepest.Level {
			deepest = pos
		}
	}
	price := deepest.EntryPrice
	if lvl, ok := p.ladder.BelowAt(deepest.Level); ok {
		price = lvl.Price
	}
	p.anchor.set(deepest.Level, price)
	p.ledger.SetAnchor(deepest.ID)
}

// relocateAnchor moves the anchor to the new ladder level closest to its previous
// level price. The anchor stays put when that level would not be the deepest held.
func (p *Pyramid) relocateAnchor(prev decimal.Decimal) {
	pos, ok := p.ledger.Anchor()
	if !ok {
		return
	}
	closest, ok := p.ladder.ClosestBelow(prev)
	if !ok || closest.Index == pos.Level {
		return
	}
	for _, other := range p.ledger.Active() {
		if other.ID != pos.ID && other.Level >= closest.Index {
			return
		}
	}
	p.states.carryAnchor(pos.Level, closest.Index)
	p.ledger.Relevel(pos.ID, closest.Index)
	p.anchor.set(closest.Index, closest.Price)
}

// Observe runs one tick: sells, then the new-high check, then buys on a falling price.
// Observing before Initialize panics. A non-positive price is rejected without
// touching state.
func (p *Pyramid) Observe(price decimal.Decimal) ([]Event, error) {
	p.mu.Lock()
	if !p.initialized {
		p.mu.Unlock()
		panic(core.Defect("observe", core.ErrNotInitialized))
	}
	if price.Cmp(decimal.Zero) <= 0 {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", core.ErrInvalidPrice, price)
	}

	var events []Event
	events = p.sell(price, events)
	events = p.advance(price, events)
	if p.lastPrice == nil || price.Cmp(*p.lastPrice) < 0 {
		events = p.buy(price, events)
	}
	last := price
	p.lastPrice = &last

	p.enqueue(p.ledger.drain())
	sinks := p.sinks
	p.mu.Unlock()

	for _, ev := range events {
		p.logEvent(ev)
	}
	if len(events) > 0 {
		for _, s := range sinks {
			s.Handle(events)
		}
	}
	return events, nil
}

func (p *Pyramid) sell(price decimal.Decimal, events []Event) []Event {
	for _, c := range p.detector.SellCandidates(p.ladder, p.ledger.Active(), price) {
		res := p.ledger.Close(c.Position.ID, price, p.cfg.Sizing.DollarAmount(c.Position.Level))
		p.states.MarkSold(c.Position.Level)
		events = append(events, SellTriggered{
			Symbol:     p.cfg.Symbol,
			PositionID: c.Position.ID,
			Level:      c.Position.Level,
			EntryPrice: c.Position.EntryPrice,
			SellPrice:  price,
			UnitsSold:  res.UnitsSold,
			UnitsKept:  res.UnitsKept,
			Profit:     res.Profit,
		})
	}
	return events
}

func (p *Pyramid) advance(price decimal.Decimal, events []Event) []Event {
	if price.Cmp(p.highest) <= 0 {
		return events
	}
	events = append(events, NewHighRecorded{Symbol: p.cfg.Symbol, Price: price, PreviousHigh: p.highest})
	p.highest = price
	if !ShouldRecalculate(p.ladder, price) {
		return events
	}
	next, err := ladder.Compute(price, p.cfg.Levels, p.cfg.StepPercent)
	if err != nil {
		p.logger.Warn("ladder recalculation skipped",
			zap.String("event", "ladder_recalc_failed"),
			zap.String("price", price.StringFixed(2)),
			zap.Error(err),
		)
		return events
	}
	p.ladder = next
	from, to, moved := p.anchor.RelocateAfterLadderRecalc(next)
	if moved {
		p.states.carryAnchor(from, to)
		if pos, ok := p.ledger.Anchor(); ok {
			p.ledger.Relevel(pos.ID, to)
		}
	}
	return append(events, LadderRecalculated{
		Symbol:              p.cfg.Symbol,
		NewHighest:          price,
		AnchorRelocatedFrom: from,
		AnchorRelocatedTo:   to,
	})
}

func (p *Pyramid) buy(price decimal.Decimal, events []Event) []Event {
	triggers := p.detector.BuyTriggers(p.ladder, p.states, p.lastPrice, price)
	if len(triggers) == 0 {
		return events
	}
	executable := triggers[:0:0]
	for _, t := range triggers {
		if p.cfg.Sizing.Units(t.Level.Index, price) == 0 {
			p.logger.Warn("buy trigger skipped",
				zap.String("event", "buy_skipped_zero_units"),
				zap.Int("level", t.Level.Index),
				zap.String("price", price.StringFixed(2)),
			)
			continue
		}
		executable = append(executable, t)
	}
	moved := p.anchor.RelocateAfterTrigger(executable)
	anchorLevel, _, _ := p.anchor.Current()
	for _, t := range executable {
		idx := t.Level.Index
		units := p.cfg.Sizing.Units(idx, price)
		dollar := core.Notional(units, price)
		isAnchor := moved && idx == anchorLevel
		pos := p.ledger.OpenOrAugment(idx, price, units, dollar, isAnchor)
		p.states.MarkBought(idx)
		sellAt, _ := p.detector.SellTriggerPrice(p.ladder, idx)
		events = append(events, BuyTriggered{
			Symbol:           p.cfg.Symbol,
			Level:            idx,
			Price:            price,
			Units:            units,
			DollarAmount:     dollar,
			IsRebuy:          t.IsRebuy,
			IsAnchor:         isAnchor,
			SellTriggerPrice: sellAt,
			PositionID:       pos.ID,
		})
	}
	return events
}

func (p *Pyramid) enqueue(mutations []store.Mutation) {
	if len(mutations) == 0 || p.writer == nil {
		return
	}
	p.writer.Enqueue(mutations...)
}

func (p *Pyramid) logEvent(ev Event) {
	kv := ev.Fields()
	keys := make([]string, 0, len(kv))
	for k := range kv {
		if k != "symbol" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	fields := []zap.Field{zap.String("event", string(ev.Kind()))}
	for _, k := range keys {
		fields = append(fields, zap.String(k, kv[k]))
	}
	p.logger.Info("decision", fields...)
}

// Snapshot is a point-in-time copy of the engine state.
type Snapshot struct {
	Symbol      string
	Initialized bool
	Highest     decimal.Decimal
	Ladder      ladder.Ladder
	LastPrice   *decimal.Decimal
	AnchorLevel int
	AnchorPrice decimal.Decimal
	Levels      []LevelSnapshot
	Positions   []core.Position
}

func (p *Pyramid) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	snap := Snapshot{
		Symbol:      p.cfg.Symbol,
		Initialized: p.initialized,
		Highest:     p.highest,
		Ladder:      p.ladder,
		Levels:      p.states.Snapshot(),
		Positions:   p.ledger.Active(),
	}
	if p.lastPrice != nil {
		last := *p.lastPrice
		snap.LastPrice = &last
	}
	snap.AnchorLevel, snap.AnchorPrice, _ = p.anchor.Current()
	return snap
}
