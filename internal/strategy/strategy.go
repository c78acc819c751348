package strategy

import (
	"context"

	"pyramid-trading/internal/core"
	"pyramid-trading/internal/store"
)

// MutationWriter persists ledger changes off the tick path. Enqueue must not block on I/O.
type MutationWriter interface {
	Enqueue(mutations ...store.Mutation)
}

// PositionLoader reads the active book once on startup.
type PositionLoader interface {
	ListActivePositions(ctx context.Context, symbol string) ([]core.Position, error)
}

// EventSink receives the events of one committed observation.
type EventSink interface {
	Handle(events []Event)
}

type SinkFunc func(events []Event)

func (f SinkFunc) Handle(events []Event) { f(events) }
