package filter

import (
	"sort"
	"sync"
	"time"

	"chart-signal-alerts/internal/signal"
)

// SymbolState is the last signal observed for one symbol.
type SymbolState struct {
	Symbol         string               `json:"symbol"`
	LastSignal     signal.TradingSignal `json:"last_signal"`
	LastObservedAt time.Time            `json:"last_observed_at"`
}

// ChangeFilter decides which parsed signals are forwarded for delivery and
// remembers the latest signal per symbol.
type ChangeFilter struct {
	mu     sync.RWMutex
	states map[string]SymbolState
}

// New builds an empty filter.
func New() *ChangeFilter {
	return &ChangeFilter{states: make(map[string]SymbolState)}
}

// Accept records sig as the latest signal for symbol and reports whether it
// should be delivered. NO_TRADE is never delivered; BUY and SELL always are,
// including repeats of the previous direction.
func (f *ChangeFilter) Accept(symbol string, sig signal.TradingSignal, observedAt time.Time) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.states[symbol] = SymbolState{
		Symbol:         symbol,
		LastSignal:     sig,
		LastObservedAt: observedAt,
	}
	return sig.Actionable()
}

// State returns the stored state of symbol.
func (f *ChangeFilter) State(symbol string) (SymbolState, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	st, ok := f.states[symbol]
	return st, ok
}

// Snapshot returns all states sorted by symbol.
func (f *ChangeFilter) Snapshot() []SymbolState {
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make([]SymbolState, 0, len(f.states))
	for _, st := range f.states {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Len is the number of tracked symbols.
func (f *ChangeFilter) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.states)
}
