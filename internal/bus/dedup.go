package bus

import (
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

// Deduper remembers idempotency keys for a bounded window so
// recipients can treat redeliveries as no-ops. The bus itself never
// suppresses duplicates; dropping them is the recipient's duty.
type Deduper struct {
	cache  *ristretto.Cache[string, struct{}]
	window time.Duration
}

func NewDeduper(window time.Duration) (*Deduper, error) {
	cache, err := ristretto.NewCache(&ristretto.Config[string, struct{}]{
		NumCounters: 100_000,
		MaxCost:     10_000,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create dedup cache: %w", err)
	}
	return &Deduper{cache: cache, window: window}, nil
}

// Seen records the key and reports whether it was already present
// within the window.
func (d *Deduper) Seen(key string) bool {
	if key == "" {
		return false
	}
	if _, ok := d.cache.Get(key); ok {
		return true
	}
	d.cache.SetWithTTL(key, struct{}{}, 1, d.window)
	d.cache.Wait()
	return false
}

func (d *Deduper) Close() {
	d.cache.Close()
}
