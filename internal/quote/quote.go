package quote

import (
	"strings"
	"sync"
)

// Quote is the latest cached snapshot for a symbol. Change and PercentChange
// are computed against the previously cached price, not the prior close.
type Quote struct {
	Symbol        string  `json:"symbol"`
	Name          string  `json:"name"`
	Price         float64 `json:"price"`
	Change        float64 `json:"change"`
	PercentChange float64 `json:"percentChange"`
}

// Tick is a single trade event as received from the feed (or synthesized).
// Field tags follow the Finnhub trade payload.
type Tick struct {
	Symbol string  `json:"s"`
	Price  float64 `json:"p"`
	Time   int64   `json:"t"` // unix ms
	Volume float64 `json:"v"`
}

// Cache maps symbol -> latest Quote. Entries are created on the first tick
// for a symbol and kept for the process lifetime.
type Cache struct {
	mu       sync.RWMutex
	bySymbol map[string]Quote
}

func NewCache() *Cache {
	return &Cache{bySymbol: make(map[string]Quote)}
}

func (c *Cache) Get(symbol string) (Quote, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	q, ok := c.bySymbol[normalize(symbol)]
	return q, ok
}

// Upsert folds a tick into the cache and returns the reconciled Quote.
// A first tick for a symbol yields zero change; later ticks carry the delta
// against the previously cached price (percent guarded against divide-by-zero).
func (c *Cache) Upsert(t Tick) Quote {
	sym := normalize(t.Symbol)
	c.mu.Lock()
	defer c.mu.Unlock()
	prev, ok := c.bySymbol[sym]
	if !ok {
		q := Quote{Symbol: sym, Name: sym, Price: t.Price}
		c.bySymbol[sym] = q
		return q
	}
	change := t.Price - prev.Price
	pct := 0.0
	if prev.Price != 0 {
		pct = change / prev.Price * 100
	}
	q := Quote{
		Symbol:        sym,
		Name:          prev.Name,
		Price:         t.Price,
		Change:        change,
		PercentChange: pct,
	}
	c.bySymbol[sym] = q
	return q
}

// Seed bulk-inserts quotes, overwriting any existing entries. Used to prime
// the cache from the REST snapshot before streaming starts; seeded entries
// keep their snapshot-provided name on later ticks.
func (c *Cache) Seed(quotes []Quote) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, q := range quotes {
		q.Symbol = normalize(q.Symbol)
		if q.Symbol == "" {
			continue
		}
		if q.Name == "" {
			q.Name = q.Symbol
		}
		c.bySymbol[q.Symbol] = q
	}
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.bySymbol)
}

// All returns a copy of every cached quote.
func (c *Cache) All() []Quote {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Quote, 0, len(c.bySymbol))
	for _, q := range c.bySymbol {
		out = append(out, q)
	}
	return out
}

func normalize(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
