package feed

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"pyramid-trading/internal/core"
)

func TestValidate(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	good := core.Tick{Symbol: "SPY", Time: now.Add(-time.Hour), Price: decimal.RequireFromString("182.89")}

	cases := []struct {
		name   string
		mutate func(*core.Tick)
		window Window
		ok     bool
	}{
		{name: "valid", mutate: func(*core.Tick) {}, window: DefaultWindow(), ok: true},
		{name: "missing symbol", mutate: func(tk *core.Tick) { tk.Symbol = "" }, window: DefaultWindow()},
		{name: "missing time", mutate: func(tk *core.Tick) { tk.Time = time.Time{} }, window: DefaultWindow()},
		{name: "zero price", mutate: func(tk *core.Tick) { tk.Price = decimal.Zero }, window: DefaultWindow()},
		{name: "negative price", mutate: func(tk *core.Tick) { tk.Price = decimal.NewFromInt(-1) }, window: DefaultWindow()},
		{name: "high below low", mutate: func(tk *core.Tick) {
			tk.High = decimal.NewFromInt(180)
			tk.Low = decimal.NewFromInt(181)
		}, window: DefaultWindow()},
		{name: "high without low", mutate: func(tk *core.Tick) { tk.High = decimal.NewFromInt(180) }, window: DefaultWindow(), ok: true},
		{name: "far future", mutate: func(tk *core.Tick) { tk.Time = now.Add(25 * time.Hour) }, window: DefaultWindow()},
		{name: "near future", mutate: func(tk *core.Tick) { tk.Time = now.Add(23 * time.Hour) }, window: DefaultWindow(), ok: true},
		{name: "too old", mutate: func(tk *core.Tick) { tk.Time = now.AddDate(-3, 0, 0) }, window: DefaultWindow()},
		{name: "old history replay", mutate: func(tk *core.Tick) { tk.Time = now.AddDate(-10, 0, 0) }, window: Window{MaxFuture: DefaultMaxFuture}, ok: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tick := good
			tc.mutate(&tick)
			err := Validate(tick, now, tc.window)
			if tc.ok && err != nil {
				t.Fatalf("Validate() error = %v, want nil", err)
			}
			if !tc.ok && !errors.Is(err, ErrInvalidTick) {
				t.Fatalf("Validate() error = %v, want ErrInvalidTick", err)
			}
		})
	}
}
