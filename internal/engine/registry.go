package engine

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"pyramid-trading/internal/strategy"
)

var (
	ErrUnknownSymbol    = errors.New("unknown symbol")
	ErrSymbolRegistered = errors.New("symbol already registered")
)

// Registry routes observations to the single engine that owns each symbol.
type Registry struct {
	mu      sync.RWMutex
	engines map[string]*strategy.Pyramid
}

func NewRegistry() *Registry {
	return &Registry{engines: make(map[string]*strategy.Pyramid)}
}

func (r *Registry) Register(symbol string, p *strategy.Pyramid) error {
	if p == nil {
		return errors.New("nil engine")
	}
	key := strings.ToUpper(strings.TrimSpace(symbol))
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.engines[key]; ok {
		return fmt.Errorf("%w: %s", ErrSymbolRegistered, key)
	}
	r.engines[key] = p
	return nil
}

func (r *Registry) Get(symbol string) (*strategy.Pyramid, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.engines[strings.ToUpper(strings.TrimSpace(symbol))]
	return p, ok
}

// Observe feeds one price to the symbol's engine. Engines serialize their own ticks,
// so the registry lock is released before the observation runs.
func (r *Registry) Observe(symbol string, price decimal.Decimal) ([]strategy.Event, error) {
	p, ok := r.Get(symbol)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}
	return p.Observe(price)
}

func (r *Registry) Symbols() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.engines))
	for s := range r.engines {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
