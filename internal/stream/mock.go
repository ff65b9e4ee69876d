package stream

import (
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/renealas/designlyStock/internal/quote"
)

// Symbols synthesized when the subscription set is empty at mock time.
var defaultMockSymbols = []string{"AAPL", "MSFT", "GOOGL", "AMZN", "META"}

// Seed prices for symbols never seen by the cache. Unknown symbols fall
// back to 100.
var mockBasePrices = map[string]float64{
	"AAPL":  180,
	"MSFT":  350,
	"GOOGL": 130,
	"AMZN":  140,
	"META":  300,
	"TSLA":  240,
	"NVDA":  450,
	"AMD":   120,
	"INTC":  40,
	"SPY":   450,
	"JPM":   160,
	"BAC":   35,
}

// startMockLocked begins synthetic tick generation. Activated only after a
// rate-limited close; stopped deterministically by Disconnect/Close or a
// successful reconnect. Caller holds s.mu.
func (s *Session) startMockLocked() {
	if s.mockStop != nil {
		return
	}
	stop := make(chan struct{})
	s.mockStop = stop
	s.log.Info("mock tick generator started", zap.Duration("interval", s.cfg.MockInterval))
	go s.mockLoop(stop)
}

// stopMockLocked halts synthetic tick generation. Caller holds s.mu.
func (s *Session) stopMockLocked() {
	if s.mockStop != nil {
		close(s.mockStop)
		s.mockStop = nil
		s.log.Info("mock tick generator stopped")
	}
}

func (s *Session) mockLoop(stop chan struct{}) {
	// first round immediately, then on the interval
	s.mockRound()
	ticker := time.NewTicker(s.cfg.MockInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.mockRound()
		}
	}
}

// mockRound synthesizes one tick per subscribed symbol (or the default set
// when nothing is subscribed) and feeds them through the same ingestion
// path as real trades, so consumers cannot tell them apart structurally.
func (s *Session) mockRound() {
	s.mu.Lock()
	syms := make([]string, 0, len(s.subscribed))
	for sym := range s.subscribed {
		syms = append(syms, sym)
	}
	s.mu.Unlock()
	if len(syms) == 0 {
		syms = defaultMockSymbols
	}
	for _, sym := range syms {
		s.ingest(s.mockTick(sym))
	}
}

func (s *Session) mockTick(sym string) quote.Tick {
	base := 0.0
	if q, ok := s.cache.Get(sym); ok && q.Price > 0 {
		base = q.Price
	} else {
		base = seedPrice(sym)
	}
	pct := (rand.Float64()*4 - 2) / 100 // uniform in [-2%, +2%)
	return quote.Tick{
		Symbol: sym,
		Price:  base * (1 + pct),
		Time:   time.Now().UnixMilli(),
		Volume: float64(rand.Intn(1000) + 100),
	}
}

func seedPrice(sym string) float64 {
	base, ok := mockBasePrices[sym]
	if !ok {
		base = 100
	}
	return base * (0.9 + rand.Float64()*0.2)
}
