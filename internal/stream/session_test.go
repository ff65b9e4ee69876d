package stream

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/renealas/designlyStock/internal/alerts"
	"github.com/renealas/designlyStock/internal/quote"
)

/* ====================
   Fake upstream feed
   ==================== */

type fakeFeed struct {
	t   *testing.T
	srv *httptest.Server

	mu     sync.Mutex
	dials  int
	conns  []*websocket.Conn
	accept bool

	directives chan directive
}

func newFakeFeed(t *testing.T) *fakeFeed {
	t.Helper()
	f := &fakeFeed{t: t, accept: true, directives: make(chan directive, 64)}
	up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.dials++
		ok := f.accept
		f.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.mu.Lock()
		f.conns = append(f.conns, conn)
		f.mu.Unlock()
		for {
			var d directive
			if err := conn.ReadJSON(&d); err != nil {
				return
			}
			select {
			case f.directives <- d:
			default:
			}
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeFeed) url() string {
	return "ws://" + strings.TrimPrefix(f.srv.URL, "http://")
}

func (f *fakeFeed) setAccept(ok bool) {
	f.mu.Lock()
	f.accept = ok
	f.mu.Unlock()
}

func (f *fakeFeed) dialCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dials
}

func (f *fakeFeed) lastConn() *websocket.Conn {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.conns) == 0 {
		f.t.Fatal("no upstream connection established")
	}
	return f.conns[len(f.conns)-1]
}

func (f *fakeFeed) sendTrade(ticks ...quote.Tick) {
	if err := f.lastConn().WriteJSON(tradeFrame{Type: "trade", Data: ticks}); err != nil {
		f.t.Fatalf("sendTrade: %v", err)
	}
}

func (f *fakeFeed) sendRaw(payload string) {
	if err := f.lastConn().WriteMessage(websocket.TextMessage, []byte(payload)); err != nil {
		f.t.Fatalf("sendRaw: %v", err)
	}
}

// closeWith performs a websocket close handshake with the given code and
// reason, then drops the transport.
func (f *fakeFeed) closeWith(code int, text string) {
	c := f.lastConn()
	_ = c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, text))
	time.Sleep(50 * time.Millisecond)
	_ = c.Close()
}

// dropAbruptly kills the TCP connection with no close handshake.
func (f *fakeFeed) dropAbruptly() {
	_ = f.lastConn().UnderlyingConn().Close()
}

/* ====================
   Helpers
   ==================== */

func testConfig(f *fakeFeed) Config {
	return Config{
		URL:           f.url(),
		ReconnectBase: 20 * time.Millisecond,
		MaxReconnects: 2,
		MockInterval:  20 * time.Millisecond,
		DisableMock:   true,
	}
}

func waitState(t *testing.T, l *Listener, want State) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case u := <-l.Updates:
			if u.Kind == UpdateState && u.State == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %v", want)
		}
	}
}

func nextQuoteUpdate(t *testing.T, l *Listener) quote.Quote {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case u := <-l.Updates:
			if u.Kind == UpdateQuote {
				return u.Quote
			}
		case <-deadline:
			t.Fatal("timed out waiting for a quote update")
		}
	}
}

func nextDirective(t *testing.T, f *fakeFeed) directive {
	t.Helper()
	select {
	case d := <-f.directives:
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a directive")
		return directive{}
	}
}

/* ====================
   Tests
   ==================== */

func TestSubscribeWhileDisconnectedConnectsAndReplays(t *testing.T) {
	f := newFakeFeed(t)
	cache := quote.NewCache()
	s := New(testConfig(f), cache, zap.NewNop())
	defer s.Close()
	l := s.Listen()

	s.Subscribe("aapl")

	waitState(t, l, StateConnected)
	d := nextDirective(t, f)
	if d.Type != "subscribe" || d.Symbol != "AAPL" {
		t.Fatalf("directive = %+v, want subscribe AAPL", d)
	}
	select {
	case d := <-f.directives:
		t.Fatalf("unexpected extra directive %+v", d)
	case <-time.After(100 * time.Millisecond):
	}
	if got := s.Symbols(); len(got) != 1 || got[0] != "AAPL" {
		t.Fatalf("Symbols() = %v, want [AAPL]", got)
	}
}

func TestConnectIsIdempotent(t *testing.T) {
	f := newFakeFeed(t)
	s := New(testConfig(f), quote.NewCache(), zap.NewNop())
	defer s.Close()
	l := s.Listen()

	s.Connect()
	waitState(t, l, StateConnected)
	s.Connect()
	s.Connect()

	time.Sleep(100 * time.Millisecond)
	if got := f.dialCount(); got != 1 {
		t.Fatalf("dials = %d, want 1", got)
	}
}

func TestTradeFrameReachesCacheAndListeners(t *testing.T) {
	f := newFakeFeed(t)
	cache := quote.NewCache()
	cache.Seed([]quote.Quote{{Symbol: "AAPL", Name: "Apple Inc.", Price: 180}})
	s := New(testConfig(f), cache, zap.NewNop())
	defer s.Close()
	l := s.Listen()

	s.Subscribe("AAPL")
	waitState(t, l, StateConnected)
	nextDirective(t, f)

	f.sendTrade(quote.Tick{Symbol: "AAPL", Price: 181, Time: 1700000000000, Volume: 50})

	select {
	case tk := <-l.Ticks:
		if tk.Symbol != "AAPL" || tk.Price != 181 {
			t.Fatalf("tick = %+v", tk)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for tick")
	}

	q := nextQuoteUpdate(t, l)
	if q.Symbol != "AAPL" || q.Price != 181 || q.Name != "Apple Inc." {
		t.Fatalf("quote update = %+v", q)
	}
	if q.Change != 1 {
		t.Fatalf("change = %v, want 1 against the seeded price", q.Change)
	}

	cached, ok := cache.Get("AAPL")
	if !ok || cached.Price != 181 {
		t.Fatalf("cache = %+v ok=%v, want price 181", cached, ok)
	}
}

func TestMalformedFrameIsDropped(t *testing.T) {
	f := newFakeFeed(t)
	s := New(testConfig(f), quote.NewCache(), zap.NewNop())
	defer s.Close()
	l := s.Listen()

	s.Subscribe("AAPL")
	waitState(t, l, StateConnected)
	nextDirective(t, f)

	f.sendRaw(`{this is not json`)
	f.sendTrade(quote.Tick{Symbol: "AAPL", Price: 182})

	q := nextQuoteUpdate(t, l)
	if q.Price != 182 {
		t.Fatalf("quote after malformed frame = %+v, want the session to keep reading", q)
	}
	if st := s.State(); st != StateConnected {
		t.Fatalf("state = %v, want Connected", st)
	}
}

func TestRateLimitedCloseSwitchesToMockData(t *testing.T) {
	f := newFakeFeed(t)
	cfg := testConfig(f)
	cfg.DisableMock = false
	cache := quote.NewCache()
	s := New(cfg, cache, zap.NewNop())
	defer s.Close()
	l := s.Listen()

	s.Subscribe("AAPL")
	waitState(t, l, StateConnected)
	nextDirective(t, f)

	f.closeWith(websocket.ClosePolicyViolation, "429: too many requests")
	waitState(t, l, StateRateLimited)

	// synthetic ticks for the surviving subscription set
	select {
	case tk := <-l.Ticks:
		if tk.Symbol != "AAPL" {
			t.Fatalf("mock tick symbol = %q, want AAPL", tk.Symbol)
		}
		if tk.Price <= 0 || tk.Volume < 100 {
			t.Fatalf("mock tick = %+v, want plausible price and volume", tk)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a mock tick")
	}

	// rate limiting is terminal for the connection: no reconnect attempts
	time.Sleep(150 * time.Millisecond)
	if got := f.dialCount(); got != 1 {
		t.Fatalf("dials = %d, want 1 (no reconnect after rate limit)", got)
	}
}

func TestMockFallsBackToDefaultSymbols(t *testing.T) {
	f := newFakeFeed(t)
	cfg := testConfig(f)
	cfg.DisableMock = false
	s := New(cfg, quote.NewCache(), zap.NewNop())
	defer s.Close()
	l := s.Listen()

	// connect with an empty subscription set
	s.Connect()
	waitState(t, l, StateConnected)

	f.closeWith(websocket.ClosePolicyViolation, "429: too many requests")
	waitState(t, l, StateRateLimited)

	want := map[string]bool{"AAPL": false, "MSFT": false, "GOOGL": false, "AMZN": false, "META": false}
	seen := 0
	deadline := time.After(2 * time.Second)
	for seen < len(want) {
		select {
		case tk := <-l.Ticks:
			hit, ok := want[tk.Symbol]
			if !ok {
				t.Fatalf("mock tick for unexpected symbol %q", tk.Symbol)
			}
			if !hit {
				want[tk.Symbol] = true
				seen++
			}
		case <-deadline:
			t.Fatalf("saw mock ticks for %d/%d default symbols", seen, len(want))
		}
	}
}

func TestMockSeedsUnknownSymbolNearFallbackBase(t *testing.T) {
	f := newFakeFeed(t)
	cfg := testConfig(f)
	cfg.DisableMock = false
	s := New(cfg, quote.NewCache(), zap.NewNop())
	defer s.Close()
	l := s.Listen()

	s.Subscribe("ZZZZ")
	waitState(t, l, StateConnected)
	nextDirective(t, f)

	f.closeWith(websocket.ClosePolicyViolation, "429: too many requests")
	waitState(t, l, StateRateLimited)

	select {
	case tk := <-l.Ticks:
		if tk.Symbol != "ZZZZ" {
			t.Fatalf("mock tick symbol = %q, want ZZZZ", tk.Symbol)
		}
		// first price derives from the 100 fallback base scaled into
		// [90, 110), then perturbed by at most 2%
		if tk.Price < 90*0.98 || tk.Price >= 110*1.02 {
			t.Fatalf("first mock price = %v, want near the fallback base", tk.Price)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a mock tick")
	}
}

func TestCleanCloseDoesNotReconnect(t *testing.T) {
	f := newFakeFeed(t)
	s := New(testConfig(f), quote.NewCache(), zap.NewNop())
	defer s.Close()
	l := s.Listen()

	s.Connect()
	waitState(t, l, StateConnected)

	f.closeWith(websocket.CloseNormalClosure, "bye")
	waitState(t, l, StateDisconnected)

	time.Sleep(150 * time.Millisecond)
	if got := f.dialCount(); got != 1 {
		t.Fatalf("dials = %d, want 1 after a clean close", got)
	}
}

func TestAbnormalCloseReconnectsAndReplaysSubscriptions(t *testing.T) {
	f := newFakeFeed(t)
	s := New(testConfig(f), quote.NewCache(), zap.NewNop())
	defer s.Close()
	l := s.Listen()

	s.Subscribe("AAPL")
	waitState(t, l, StateConnected)
	nextDirective(t, f)

	f.dropAbruptly()
	waitState(t, l, StateReconnecting)
	waitState(t, l, StateConnected)

	d := nextDirective(t, f)
	if d.Type != "subscribe" || d.Symbol != "AAPL" {
		t.Fatalf("directive after reconnect = %+v, want the subscription replayed", d)
	}
	if got := f.dialCount(); got != 2 {
		t.Fatalf("dials = %d, want 2", got)
	}
}

func TestReconnectBudgetExhaustsToDisconnected(t *testing.T) {
	f := newFakeFeed(t)
	f.setAccept(false)
	s := New(testConfig(f), quote.NewCache(), zap.NewNop())
	defer s.Close()
	l := s.Listen()

	s.Connect()

	reconnects := 0
	deadline := time.After(3 * time.Second)
loop:
	for {
		select {
		case u := <-l.Updates:
			if u.Kind != UpdateState {
				continue
			}
			switch u.State {
			case StateReconnecting:
				reconnects++
			case StateDisconnected:
				break loop
			}
		case <-deadline:
			t.Fatal("timed out waiting for the attempt budget to exhaust")
		}
	}

	if reconnects != 2 {
		t.Fatalf("reconnect attempts = %d, want MaxReconnects", reconnects)
	}
	// initial dial plus one per attempt; nothing further once exhausted
	time.Sleep(150 * time.Millisecond)
	if got := f.dialCount(); got != 3 {
		t.Fatalf("dials = %d, want 3", got)
	}
}

func TestDisconnectCancelsReconnectAndClearsSubscriptions(t *testing.T) {
	f := newFakeFeed(t)
	f.setAccept(false)
	s := New(testConfig(f), quote.NewCache(), zap.NewNop())
	defer s.Close()
	l := s.Listen()

	s.Subscribe("AAPL")
	waitState(t, l, StateReconnecting)

	s.Disconnect()

	// let any in-flight attempt land, then confirm the timer stays quiet
	time.Sleep(150 * time.Millisecond)
	dialsAtStop := f.dialCount()
	time.Sleep(150 * time.Millisecond) // past several backoff delays
	if got := f.dialCount(); got != dialsAtStop {
		t.Fatalf("dials = %d, want no further attempts after Disconnect", got)
	}
	if st := s.State(); st != StateDisconnected {
		t.Fatalf("state = %v, want Disconnected", st)
	}
	if got := s.Symbols(); len(got) != 0 {
		t.Fatalf("Symbols() = %v, want subscription set cleared", got)
	}
}

func TestCloseRetiresListeners(t *testing.T) {
	f := newFakeFeed(t)
	s := New(testConfig(f), quote.NewCache(), zap.NewNop())
	l := s.Listen()

	s.Close()
	select {
	case <-l.Done():
	case <-time.After(time.Second):
		t.Fatal("listener not closed by Close")
	}

	s.Connect()
	time.Sleep(100 * time.Millisecond)
	if got := f.dialCount(); got != 0 {
		t.Fatalf("dials = %d, want Connect on a closed session to be a no-op", got)
	}
}

func TestStreamedTickFiresPriceAlert(t *testing.T) {
	f := newFakeFeed(t)
	cache := quote.NewCache()
	cache.Seed([]quote.Quote{{Symbol: "AAPL", Name: "Apple Inc.", Price: 180}})
	s := New(testConfig(f), cache, zap.NewNop())
	defer s.Close()
	l := s.Listen()

	reg := alerts.NewRegistry()
	if _, err := reg.Add(alerts.Alert{Symbol: "AAPL", TargetPrice: 179, IsAbove: true, IsActive: true}); err != nil {
		t.Fatal(err)
	}
	ev := alerts.NewEvaluator(reg, nil, alerts.EvaluatorConfig{}, zap.NewNop())

	s.Subscribe("AAPL")
	waitState(t, l, StateConnected)
	nextDirective(t, f)

	f.sendTrade(quote.Tick{Symbol: "AAPL", Price: 181, Time: 1700000000000, Volume: 25})

	q := nextQuoteUpdate(t, l)
	fired := ev.Check(q)
	if len(fired) != 1 {
		t.Fatalf("fired %d notifications, want 1", len(fired))
	}
	n := fired[0]
	if n.Title != "AAPL Price Alert!" {
		t.Fatalf("title = %q", n.Title)
	}
	if !strings.Contains(n.Body, "above") || !strings.Contains(n.Body, "179.00") || !strings.Contains(n.Body, "181.00") {
		t.Fatalf("body = %q", n.Body)
	}
}

func TestUnsubscribeSendsDirectiveAndShrinksSet(t *testing.T) {
	f := newFakeFeed(t)
	s := New(testConfig(f), quote.NewCache(), zap.NewNop())
	defer s.Close()
	l := s.Listen()

	s.Subscribe("AAPL")
	waitState(t, l, StateConnected)
	nextDirective(t, f)
	s.Subscribe("MSFT")
	nextDirective(t, f)

	s.Unsubscribe("aapl")
	d := nextDirective(t, f)
	if d.Type != "unsubscribe" || d.Symbol != "AAPL" {
		t.Fatalf("directive = %+v, want unsubscribe AAPL", d)
	}
	if got := s.Symbols(); len(got) != 1 || got[0] != "MSFT" {
		t.Fatalf("Symbols() = %v, want [MSFT]", got)
	}

	s.UnsubscribeAll()
	d = nextDirective(t, f)
	if d.Type != "unsubscribe" || d.Symbol != "MSFT" {
		t.Fatalf("directive = %+v, want unsubscribe MSFT", d)
	}
	if got := s.Symbols(); len(got) != 0 {
		t.Fatalf("Symbols() = %v, want empty after UnsubscribeAll", got)
	}
}
