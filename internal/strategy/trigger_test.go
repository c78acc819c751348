package strategy

import (
	"testing"

	"github.com/shopspring/decimal"

	"pyramid-trading/internal/core"
	"pyramid-trading/internal/ladder"
)

func mustLadder(t *testing.T, reference string) ladder.Ladder {
	t.Helper()
	l, err := ladder.Compute(decimal.RequireFromString(reference), 10, decimal.NewFromInt(3))
	if err != nil {
		t.Fatalf("compute ladder: %v", err)
	}
	return l
}

func TestSellTriggerPriceCascade(t *testing.T) {
	l := mustLadder(t, "200")
	det := Detector{SellOffset: DefaultSellOffset}
	cases := []struct {
		level int
		want  string
	}{
		{1, "205.86"},
		{2, "199.86"},
		{3, "193.86"},
		{4, "187.86"},
		{10, "151.86"},
	}
	for _, tc := range cases {
		got, ok := det.SellTriggerPrice(l, tc.level)
		if !ok || !got.Equal(decimal.RequireFromString(tc.want)) {
			t.Fatalf("level %d: expected %s, got %s (ok=%v)", tc.level, tc.want, got, ok)
		}
	}
	for _, level := range []int{0, 11} {
		if _, ok := det.SellTriggerPrice(l, level); ok {
			t.Fatalf("level %d should have no trigger", level)
		}
	}
}

func TestSellCandidatesSkipAnchor(t *testing.T) {
	l := mustLadder(t, "200")
	det := Detector{SellOffset: DefaultSellOffset}
	positions := []core.Position{
		{ID: "deep", Level: 3, Status: core.PositionActive},
		{ID: "one", Level: 1, Status: core.PositionActive},
		{ID: "anchor", Level: 4, Status: core.PositionActive, IsAnchor: true},
		{ID: "closed", Level: 2, Status: core.PositionClosed},
		{ID: "former", Level: 2, Status: core.PositionActive, Protected: true},
	}

	got := det.SellCandidates(l, positions, decimal.RequireFromString("205.86"))
	if len(got) != 2 || got[0].Position.ID != "one" || got[1].Position.ID != "deep" {
		t.Fatalf("unexpected candidates %+v", got)
	}
	got = det.SellCandidates(l, positions, decimal.RequireFromString("193.85"))
	if len(got) != 0 {
		t.Fatalf("expected no candidates below trigger, got %+v", got)
	}
}

func TestBuyTriggersRequireDownwardCross(t *testing.T) {
	l := mustLadder(t, "200")
	det := Detector{}
	states := NewLevelStates()
	prev := decimal.RequireFromString("194.95")

	if got := det.BuyTriggers(l, states, &prev, decimal.RequireFromString("194.95")); len(got) != 0 {
		t.Fatalf("194.95 must not trigger level 1, got %+v", got)
	}

	prev = decimal.RequireFromString("199")
	got := det.BuyTriggers(l, states, &prev, decimal.RequireFromString("182.89"))
	if len(got) != 2 || got[0].Level.Index != 1 || got[1].Level.Index != 2 {
		t.Fatalf("expected levels 1 and 2, got %+v", got)
	}

	prev = decimal.RequireFromString("187")
	if got := det.BuyTriggers(l, states, &prev, decimal.RequireFromString("182.89")); len(got) != 0 {
		t.Fatalf("levels above prev must not retrigger, got %+v", got)
	}
}

func TestBuyTriggersWithoutPreviousPrice(t *testing.T) {
	l := mustLadder(t, "200")
	got := Detector{}.BuyTriggers(l, NewLevelStates(), nil, decimal.RequireFromString("188"))
	if len(got) != 2 {
		t.Fatalf("expected both levels at or above price, got %+v", got)
	}
}

func TestBuyTriggersFollowLevelState(t *testing.T) {
	l := mustLadder(t, "200")
	states := NewLevelStates()
	states.MarkBought(1)
	states.MarkBought(2)
	states.MarkSold(2)

	prev := decimal.RequireFromString("199")
	got := Detector{}.BuyTriggers(l, states, &prev, decimal.RequireFromString("185"))
	if len(got) != 1 || got[0].Level.Index != 2 || !got[0].IsRebuy {
		t.Fatalf("expected a rebuy on level 2 only, got %+v", got)
	}
}

func TestAnchorPrefersCheaperLevel(t *testing.T) {
	l := mustLadder(t, "200")
	var a AnchorTracker
	lvl := func(i int) BuyTrigger {
		b, _ := l.BelowAt(i)
		return BuyTrigger{Level: b}
	}

	if !a.RelocateAfterTrigger([]BuyTrigger{lvl(1), lvl(2)}) {
		t.Fatalf("first trigger must set the anchor")
	}
	if level, _, _ := a.Current(); level != 2 {
		t.Fatalf("expected anchor 2, got %d", level)
	}
	if a.RelocateAfterTrigger([]BuyTrigger{lvl(1)}) {
		t.Fatalf("shallower level must not take the anchor")
	}
	if !a.RelocateAfterTrigger([]BuyTrigger{lvl(3)}) {
		t.Fatalf("deeper level must take the anchor")
	}
	if a.RelocateAfterTrigger(nil) {
		t.Fatalf("empty trigger set must not move the anchor")
	}
}

func TestAnchorFollowsLadderRecalc(t *testing.T) {
	var a AnchorTracker
	if _, _, moved := a.RelocateAfterLadderRecalc(mustLadder(t, "219.07")); moved {
		t.Fatalf("no anchor to move")
	}
	a.set(2, decimal.NewFromInt(188))
	from, to, moved := a.RelocateAfterLadderRecalc(mustLadder(t, "219.07"))
	if !moved || from != 2 || to != 5 {
		t.Fatalf("expected 2->5, got %d->%d moved=%v", from, to, moved)
	}
	if _, price, _ := a.Current(); !price.Equal(decimal.RequireFromString("186.21")) {
		t.Fatalf("expected anchor price 186.21, got %s", price)
	}
}

func TestShouldRecalculate(t *testing.T) {
	l := mustLadder(t, "200")
	if ShouldRecalculate(l, decimal.RequireFromString("205.99")) {
		t.Fatalf("205.99 is below the first above-level")
	}
	if !ShouldRecalculate(l, decimal.NewFromInt(206)) {
		t.Fatalf("206 reaches the first above-level")
	}
}

func TestLevelStatesCarryAnchor(t *testing.T) {
	s := NewLevelStates()
	s.MarkBought(2)
	s.carryAnchor(2, 5)
	if s.State(2) != core.Sold || s.State(5) != core.Bought || s.BuyCount(5) != 1 {
		t.Fatalf("unexpected states %+v", s.Snapshot())
	}
	s.carryAnchor(5, 5)
	if s.BuyCount(5) != 1 {
		t.Fatalf("carry onto the same level must be a no-op")
	}
}

func TestSizingDollarRule(t *testing.T) {
	s := Sizing{BaseAmount: DefaultBaseAmount}
	if !s.DollarAmount(3).Equal(decimal.NewFromInt(9000)) {
		t.Fatalf("expected 9000, got %s", s.DollarAmount(3))
	}
	if got := s.Units(2, decimal.RequireFromString("182.89")); got != 32 {
		t.Fatalf("expected 32 units, got %d", got)
	}
	if got := s.Units(0, decimal.NewFromInt(10)); got != 0 {
		t.Fatalf("level 0 buys nothing, got %d", got)
	}
}
