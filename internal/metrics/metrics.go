// Package metrics exposes engine decisions and persistence health to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pyramid-trading/internal/store"
	"pyramid-trading/internal/strategy"
)

const namespace = "pyramid"

type Metrics struct {
	Events           *prometheus.CounterVec
	RealizedProfit   *prometheus.GaugeVec
	AccumulatedUnits *prometheus.CounterVec
	UnitsBought      *prometheus.CounterVec
	Highest          *prometheus.GaugeVec
	Reference        *prometheus.GaugeVec
	AnchorLevel      *prometheus.GaugeVec
	ActivePositions  *prometheus.GaugeVec
	Ticks            *prometheus.CounterVec
	StoreWrites      *prometheus.CounterVec

	reg prometheus.Registerer
}

// New registers every collector with reg. Use prometheus.NewRegistry in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		Events: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "events_total",
			Help:      "Decision events emitted by the engine.",
		}, []string{"symbol", "kind"}),
		RealizedProfit: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "realized_profit_usd",
			Help:      "Cumulative realized profit of closed positions.",
		}, []string{"symbol"}),
		AccumulatedUnits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "accumulated_units_total",
			Help:      "Units kept as accumulation after partial sells.",
		}, []string{"symbol"}),
		UnitsBought: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "units_bought_total",
			Help:      "Units bought, split by first buy and rebuy.",
		}, []string{"symbol", "rebuy"}),
		Highest: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "highest_price",
			Help:      "Highest observed price.",
		}, []string{"symbol"}),
		Reference: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "ladder_reference_price",
			Help:      "Reference price of the current ladder.",
		}, []string{"symbol"}),
		AnchorLevel: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "anchor_level",
			Help:      "Ladder index of the anchor, 0 when none.",
		}, []string{"symbol"}),
		ActivePositions: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "active_positions",
			Help:      "Active positions held by the ledger.",
		}, []string{"symbol"}),
		Ticks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "ticks_total",
			Help:      "Observed ticks by outcome (accepted|rejected).",
		}, []string{"symbol", "result"}),
		StoreWrites: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "writes_total",
			Help:      "Persisted mutations by kind and result (ok|error).",
		}, []string{"kind", "result"}),
	}
}

// Handle implements strategy.EventSink.
func (m *Metrics) Handle(events []strategy.Event) {
	for _, ev := range events {
		switch e := ev.(type) {
		case strategy.BuyTriggered:
			m.Events.WithLabelValues(e.Symbol, string(e.Kind())).Inc()
			rebuy := "false"
			if e.IsRebuy {
				rebuy = "true"
			}
			m.UnitsBought.WithLabelValues(e.Symbol, rebuy).Add(float64(e.Units))
			if e.IsAnchor {
				m.AnchorLevel.WithLabelValues(e.Symbol).Set(float64(e.Level))
			}
		case strategy.SellTriggered:
			m.Events.WithLabelValues(e.Symbol, string(e.Kind())).Inc()
			m.RealizedProfit.WithLabelValues(e.Symbol).Add(e.Profit.InexactFloat64())
			if e.UnitsKept > 0 {
				m.AccumulatedUnits.WithLabelValues(e.Symbol).Add(float64(e.UnitsKept))
			}
		case strategy.NewHighRecorded:
			m.Events.WithLabelValues(e.Symbol, string(e.Kind())).Inc()
			m.Highest.WithLabelValues(e.Symbol).Set(e.Price.InexactFloat64())
		case strategy.LadderRecalculated:
			m.Events.WithLabelValues(e.Symbol, string(e.Kind())).Inc()
			m.Reference.WithLabelValues(e.Symbol).Set(e.NewHighest.InexactFloat64())
			if e.AnchorRelocatedTo != 0 {
				m.AnchorLevel.WithLabelValues(e.Symbol).Set(float64(e.AnchorRelocatedTo))
			}
		}
	}
}

// ObserveSnapshot refreshes the state gauges from a full engine snapshot.
func (m *Metrics) ObserveSnapshot(s strategy.Snapshot) {
	if !s.Initialized {
		return
	}
	m.Highest.WithLabelValues(s.Symbol).Set(s.Highest.InexactFloat64())
	m.Reference.WithLabelValues(s.Symbol).Set(s.Ladder.Reference.InexactFloat64())
	m.AnchorLevel.WithLabelValues(s.Symbol).Set(float64(s.AnchorLevel))
	m.ActivePositions.WithLabelValues(s.Symbol).Set(float64(len(s.Positions)))
}

func (m *Metrics) ObserveTick(symbol string, err error) {
	result := "accepted"
	if err != nil {
		result = "rejected"
	}
	m.Ticks.WithLabelValues(symbol, result).Inc()
}

// ObserveWrite matches store.WriterOptions.OnResult.
func (m *Metrics) ObserveWrite(mut store.Mutation, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.StoreWrites.WithLabelValues(string(mut.Kind), result).Inc()
}

// WatchWriter exports the writer's drop and failure totals.
func (m *Metrics) WatchWriter(w *store.AsyncWriter) {
	m.reg.MustRegister(
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "dropped_mutations_total",
			Help:      "Mutations dropped because the writer queue was full.",
		}, func() float64 {
			dropped, _ := w.Stats()
			return float64(dropped)
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "failed_mutations_total",
			Help:      "Mutations the backing store rejected.",
		}, func() float64 {
			_, failed := w.Stats()
			return float64(failed)
		}),
	)
}

func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

var _ strategy.EventSink = (*Metrics)(nil)
