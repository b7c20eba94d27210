// Package signal maintains the rolling price window and produces the
// momentum advisory that gates trade entry.
package signal

import (
	"sync"

	"trade_engine/internal/core"
)

// DefaultWindowCapacity bounds the tick history
const DefaultWindowCapacity = 5000

// PriceWindow is a bounded, ordered sequence of recent ticks. The oldest
// tick is evicted on overflow. Only the ingestion path writes.
type PriceWindow struct {
	mu    sync.RWMutex
	ticks []core.Ticker
	start int
	count int
}

// NewPriceWindow creates a window; capacity <= 0 uses the default
func NewPriceWindow(capacity int) *PriceWindow {
	if capacity <= 0 {
		capacity = DefaultWindowCapacity
	}
	return &PriceWindow{ticks: make([]core.Ticker, capacity)}
}

// Append records a tick, evicting the oldest when full
func (w *PriceWindow) Append(t core.Ticker) {
	w.mu.Lock()
	defer w.mu.Unlock()

	idx := (w.start + w.count) % len(w.ticks)
	w.ticks[idx] = t
	if w.count < len(w.ticks) {
		w.count++
	} else {
		w.start = (w.start + 1) % len(w.ticks)
	}
}

// Len returns how many ticks the window holds
func (w *PriceWindow) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.count
}

// Last returns the most recent tick
func (w *PriceWindow) Last() (core.Ticker, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.count == 0 {
		return core.Ticker{}, false
	}
	idx := (w.start + w.count - 1) % len(w.ticks)
	return w.ticks[idx], true
}

// Closes returns up to n most recent last-prices, oldest first
func (w *PriceWindow) Closes(n int) []float64 {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if n > w.count {
		n = w.count
	}
	out := make([]float64, 0, n)
	for i := w.count - n; i < w.count; i++ {
		idx := (w.start + i) % len(w.ticks)
		f, _ := w.ticks[idx].Last.Float64()
		out = append(out, f)
	}
	return out
}
