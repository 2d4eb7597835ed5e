package feeds

import (
	"sync"

	"github.com/quantflow/tradeguard/types"
)

// CandleBuffer holds a fixed number of recent candles for one symbol.
// When full, appending evicts the oldest candle.
type CandleBuffer struct {
	mu       sync.RWMutex
	capacity int
	candles  []types.Candle
}

// NewCandleBuffer creates a buffer holding up to capacity candles
func NewCandleBuffer(capacity int) *CandleBuffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &CandleBuffer{
		capacity: capacity,
		candles:  make([]types.Candle, 0, capacity),
	}
}

// Append adds a candle. A candle with the same open time as the newest
// entry replaces it, so a forming candle can be updated in place.
func (b *CandleBuffer) Append(c types.Candle) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(b.candles)
	if n > 0 && b.candles[n-1].OpenTime.Equal(c.OpenTime) {
		b.candles[n-1] = c
		return
	}
	// Reject out-of-order data
	if n > 0 && c.OpenTime.Before(b.candles[n-1].OpenTime) {
		return
	}

	if n == b.capacity {
		copy(b.candles, b.candles[1:])
		b.candles[n-1] = c
		return
	}
	b.candles = append(b.candles, c)
}

// Last returns up to n most recent candles, oldest first
func (b *CandleBuffer) Last(n int) []types.Candle {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if n > len(b.candles) {
		n = len(b.candles)
	}
	out := make([]types.Candle, n)
	copy(out, b.candles[len(b.candles)-n:])
	return out
}

// Len returns the number of buffered candles
func (b *CandleBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.candles)
}

// Latest returns the newest candle, if any
func (b *CandleBuffer) Latest() (types.Candle, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if len(b.candles) == 0 {
		return types.Candle{}, false
	}
	return b.candles[len(b.candles)-1], true
}
