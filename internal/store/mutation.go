package store

import (
	"context"
	"fmt"

	"pyramid-trading/internal/core"
)

// PositionStore is the persistence contract the engine reads on startup and writes
// asynchronously afterwards.
type PositionStore interface {
	CreatePosition(ctx context.Context, pos core.Position) error
	AugmentPosition(ctx context.Context, pos core.Position) error
	ClosePosition(ctx context.Context, pos core.Position) error
	UpdateAnchor(ctx context.Context, pos core.Position) error
	ListActivePositions(ctx context.Context, symbol string) ([]core.Position, error)
	AddAccumulationRecord(ctx context.Context, rec core.AccumulationRecord) error
}

type MutationKind string

const (
	MutationCreate     MutationKind = "create_position"
	MutationAugment    MutationKind = "augment_position"
	MutationClose      MutationKind = "close_position"
	MutationAnchor     MutationKind = "update_anchor"
	MutationAccumulate MutationKind = "add_accumulation"
)

// Mutation is one persisted side effect of a committed tick. Position and Accumulation
// are value snapshots taken at commit time.
type Mutation struct {
	Kind         MutationKind
	Position     core.Position
	Accumulation core.AccumulationRecord
}

func Apply(ctx context.Context, s PositionStore, m Mutation) error {
	switch m.Kind {
	case MutationCreate:
		return s.CreatePosition(ctx, m.Position)
	case MutationAugment:
		return s.AugmentPosition(ctx, m.Position)
	case MutationClose:
		return s.ClosePosition(ctx, m.Position)
	case MutationAnchor:
		return s.UpdateAnchor(ctx, m.Position)
	case MutationAccumulate:
		return s.AddAccumulationRecord(ctx, m.Accumulation)
	default:
		return fmt.Errorf("unknown mutation kind %q", m.Kind)
	}
}

func (m Mutation) Subject() string {
	if m.Kind == MutationAccumulate {
		return m.Accumulation.PositionID
	}
	return m.Position.ID
}
