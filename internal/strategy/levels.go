package strategy

import (
	"sort"

	"pyramid-trading/internal/core"
)

// LevelKey addresses one rung of one ladder.
type LevelKey struct {
	Side  core.LadderSide
	Index int
}

func belowKey(index int) LevelKey {
	return LevelKey{Side: core.Below, Index: index}
}

type levelEntry struct {
	state core.LevelState
	buys  int
}

type LevelSnapshot struct {
	Index    int
	State    core.LevelState
	BuyCount int
}

// LevelStates tracks per-level state and buy counters for the buy ladder. It performs no
// transition validation; the engine only calls it after a validated trigger.
type LevelStates struct {
	entries map[LevelKey]*levelEntry
}

func NewLevelStates() *LevelStates {
	return &LevelStates{entries: make(map[LevelKey]*levelEntry)}
}

func (s *LevelStates) State(index int) core.LevelState {
	if e, ok := s.entries[belowKey(index)]; ok {
		return e.state
	}
	return core.Untouched
}

func (s *LevelStates) BuyCount(index int) int {
	if e, ok := s.entries[belowKey(index)]; ok {
		return e.buys
	}
	return 0
}

// MarkBought moves a level to Bought and counts the buy. Calling it twice counts twice.
func (s *LevelStates) MarkBought(index int) {
	e := s.entry(index)
	e.state = core.Bought
	e.buys++
}

func (s *LevelStates) MarkSold(index int) {
	s.entry(index).state = core.Sold
}

// carryAnchor follows the anchor position across a ladder recalculation without
// counting a new buy.
func (s *LevelStates) carryAnchor(from, to int) {
	if from == to {
		return
	}
	dst := s.entry(to)
	dst.state = core.Bought
	if dst.buys == 0 {
		dst.buys = 1
	}
	if from > 0 {
		s.entry(from).state = core.Sold
	}
}

func (s *LevelStates) restoreBought(index int) {
	e := s.entry(index)
	e.state = core.Bought
	if e.buys == 0 {
		e.buys = 1
	}
}

func (s *LevelStates) entry(index int) *levelEntry {
	key := belowKey(index)
	e, ok := s.entries[key]
	if !ok {
		e = &levelEntry{}
		s.entries[key] = e
	}
	return e
}

func (s *LevelStates) Snapshot() []LevelSnapshot {
	out := make([]LevelSnapshot, 0, len(s.entries))
	for key, e := range s.entries {
		out = append(out, LevelSnapshot{Index: key.Index, State: e.state, BuyCount: e.buys})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}
