package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"pyramid-trading/internal/core"
)

type spyStore struct {
	block   <-chan struct{}
	entered chan struct{}
	once    sync.Once
	failOn  MutationKind

	mu      sync.Mutex
	applied []MutationKind
}

func (s *spyStore) record(kind MutationKind) error {
	if s.entered != nil {
		s.once.Do(func() { close(s.entered) })
	}
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applied = append(s.applied, kind)
	if kind == s.failOn {
		return errors.New("write failed")
	}
	return nil
}

func (s *spyStore) kinds() []MutationKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]MutationKind(nil), s.applied...)
}

func (s *spyStore) CreatePosition(context.Context, core.Position) error {
	return s.record(MutationCreate)
}
func (s *spyStore) AugmentPosition(context.Context, core.Position) error {
	return s.record(MutationAugment)
}
func (s *spyStore) ClosePosition(context.Context, core.Position) error {
	return s.record(MutationClose)
}
func (s *spyStore) UpdateAnchor(context.Context, core.Position) error {
	return s.record(MutationAnchor)
}
func (s *spyStore) AddAccumulationRecord(context.Context, core.AccumulationRecord) error {
	return s.record(MutationAccumulate)
}
func (s *spyStore) ListActivePositions(context.Context, string) ([]core.Position, error) {
	return nil, nil
}

func closeWriter(t *testing.T, w *AsyncWriter) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := w.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}

func TestAsyncWriterAppliesInOrderAndFlushesOnClose(t *testing.T) {
	spy := &spyStore{}
	w := NewAsyncWriter(spy, WriterOptions{})
	w.Enqueue(
		Mutation{Kind: MutationCreate, Position: core.Position{ID: "a"}},
		Mutation{Kind: MutationAnchor, Position: core.Position{ID: "a"}},
		Mutation{Kind: MutationClose, Position: core.Position{ID: "b"}},
		Mutation{Kind: MutationAccumulate, Accumulation: core.AccumulationRecord{PositionID: "b"}},
	)
	closeWriter(t, w)

	got := spy.kinds()
	want := []MutationKind{MutationCreate, MutationAnchor, MutationClose, MutationAccumulate}
	if len(got) != len(want) {
		t.Fatalf("applied = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("applied = %v, want %v", got, want)
		}
	}

	w.Enqueue(Mutation{Kind: MutationCreate})
	if len(spy.kinds()) != 4 {
		t.Fatalf("enqueue after close must be ignored")
	}
}

func TestAsyncWriterLogsFailuresAndContinues(t *testing.T) {
	obsCore, logs := observer.New(zapcore.WarnLevel)
	spy := &spyStore{failOn: MutationAugment}
	var results []error
	w := NewAsyncWriter(spy, WriterOptions{
		Logger:   zap.New(obsCore),
		OnResult: func(_ Mutation, err error) { results = append(results, err) },
	})
	w.Enqueue(
		Mutation{Kind: MutationAugment, Position: core.Position{ID: "a"}},
		Mutation{Kind: MutationClose, Position: core.Position{ID: "a"}},
	)
	closeWriter(t, w)

	if len(results) != 2 || results[0] == nil || results[1] != nil {
		t.Fatalf("results = %v, want [err nil]", results)
	}
	if _, failed := w.Stats(); failed != 1 {
		t.Fatalf("failed = %d, want 1", failed)
	}
	entries := logs.FilterField(zap.String("event", "store_write_failed")).All()
	if len(entries) != 1 {
		t.Fatalf("store_write_failed logs = %d, want 1", len(entries))
	}
}

func TestAsyncWriterDropsWhenQueueFull(t *testing.T) {
	block := make(chan struct{})
	spy := &spyStore{block: block, entered: make(chan struct{})}
	w := NewAsyncWriter(spy, WriterOptions{QueueSize: 1, DropReportInterval: -1})

	w.Enqueue(Mutation{Kind: MutationCreate})
	select {
	case <-spy.entered:
	case <-time.After(time.Second):
		t.Fatalf("store did not enter blocked state")
	}

	done := make(chan struct{})
	go func() {
		w.Enqueue(Mutation{Kind: MutationAnchor})
		for i := 0; i < 10; i++ {
			w.Enqueue(Mutation{Kind: MutationClose})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(300 * time.Millisecond):
		t.Fatalf("Enqueue() appears blocked when queue is full")
	}

	if dropped, _ := w.Stats(); dropped != 10 {
		t.Fatalf("dropped = %d, want 10", dropped)
	}
	close(block)
	closeWriter(t, w)
}
