package stream

import (
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/renealas/designlyStock/internal/quote"
)

const (
	defaultWSURL         = "wss://ws.finnhub.io"
	defaultReconnectBase = 3 * time.Second
	defaultMaxReconnects = 5
	defaultMockInterval  = 3 * time.Second
)

// Config tunes a Session. Zero values fall back to the production defaults.
type Config struct {
	URL   string
	Token string

	// ReconnectBase is multiplied by the attempt number for each backoff
	// delay; after MaxReconnects failed attempts the session gives up and
	// stays Disconnected until Connect is called again.
	ReconnectBase time.Duration
	MaxReconnects int

	// MockInterval drives the synthetic tick generator that takes over
	// after a rate-limited close. DisableMock turns the fallback off.
	MockInterval time.Duration
	DisableMock  bool
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.URL) == "" {
		c.URL = defaultWSURL
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = defaultReconnectBase
	}
	if c.MaxReconnects <= 0 {
		c.MaxReconnects = defaultMaxReconnects
	}
	if c.MockInterval <= 0 {
		c.MockInterval = defaultMockInterval
	}
	return c
}

type directive struct {
	Type   string `json:"type"` // "subscribe" | "unsubscribe"
	Symbol string `json:"symbol"`
}

// tradeFrame is the inbound wire format. Any other frame type is ignored.
type tradeFrame struct {
	Type string       `json:"type"`
	Data []quote.Tick `json:"data"`
}

// Session owns the upstream transport and the connect/subscribe/reconnect/
// fallback state machine. The subscription set survives disconnects and is
// replayed on every successful open. All cache mutations flow through
// Session (real ticks) or its mock generator (synthetic ticks).
type Session struct {
	cfg   Config
	cache *quote.Cache
	log   *zap.Logger

	mu         sync.Mutex
	state      State
	conn       *websocket.Conn
	subscribed map[string]struct{}
	attempts   int
	reconnect  *time.Timer
	mockStop   chan struct{}
	gen        uint64
	closed     bool

	lmu       sync.RWMutex
	listeners map[*Listener]struct{}
}

func New(cfg Config, cache *quote.Cache, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		cfg:        cfg.withDefaults(),
		cache:      cache,
		log:        logger,
		state:      StateDisconnected,
		subscribed: make(map[string]struct{}),
		listeners:  make(map[*Listener]struct{}),
	}
}

// State reports the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Symbols returns the current subscription set, sorted.
func (s *Session) Symbols() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.subscribed))
	for sym := range s.subscribed {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// Listen registers a new listener. The caller must Drop it on teardown.
func (s *Session) Listen() *Listener {
	l := &Listener{
		Ticks:   make(chan quote.Tick, 256),
		Updates: make(chan Update, 256),
		done:    make(chan struct{}),
	}
	s.lmu.Lock()
	s.listeners[l] = struct{}{}
	s.lmu.Unlock()
	return l
}

// Drop closes and unregisters a listener.
func (s *Session) Drop(l *Listener) {
	if l == nil {
		return
	}
	l.Close()
	s.lmu.Lock()
	delete(s.listeners, l)
	s.lmu.Unlock()
}

// Connect opens the transport. Idempotent: a session that is already
// Connecting or Connected is left alone. The dial happens off the caller's
// goroutine; failures surface as an Error state followed by a scheduled
// reconnect while the attempt budget lasts.
func (s *Session) Connect() {
	s.mu.Lock()
	if s.closed || s.state == StateConnecting || s.state == StateConnected {
		s.mu.Unlock()
		return
	}
	s.stopReconnectLocked()
	s.setStateLocked(StateConnecting)
	s.gen++
	gen := s.gen
	s.mu.Unlock()
	go s.dial(gen)
}

// Disconnect unsubscribes every tracked symbol (best effort, only while the
// transport is open), closes the transport, clears the subscription set and
// stops the reconnect timer and mock generator.
func (s *Session) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		for sym := range s.subscribed {
			_ = s.conn.WriteJSON(directive{Type: "unsubscribe", Symbol: sym})
		}
		_ = s.conn.Close()
		s.conn = nil
	}
	s.gen++ // invalidate any in-flight dial or read loop
	s.subscribed = make(map[string]struct{})
	s.attempts = 0
	s.stopReconnectLocked()
	s.stopMockLocked()
	s.setStateLocked(StateDisconnected)
}

// Close disconnects and permanently retires the session, closing all
// registered listeners.
func (s *Session) Close() {
	s.Disconnect()
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.lmu.Lock()
	for l := range s.listeners {
		l.Close()
		delete(s.listeners, l)
	}
	s.lmu.Unlock()
}

// Subscribe adds a symbol to the subscription set regardless of connection
// state. When connected the directive goes out immediately; otherwise a
// connect is triggered and the on-open replay delivers it.
func (s *Session) Subscribe(symbol string) {
	sym := strings.ToUpper(strings.TrimSpace(symbol))
	if sym == "" {
		return
	}
	s.mu.Lock()
	s.subscribed[sym] = struct{}{}
	if s.state == StateConnected && s.conn != nil {
		_ = s.conn.WriteJSON(directive{Type: "subscribe", Symbol: sym})
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.Connect()
}

// Unsubscribe removes a symbol. The outbound directive requires an open
// transport; when not connected only the set is updated.
func (s *Session) Unsubscribe(symbol string) {
	sym := strings.ToUpper(strings.TrimSpace(symbol))
	if sym == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subscribed, sym)
	if s.state == StateConnected && s.conn != nil {
		_ = s.conn.WriteJSON(directive{Type: "unsubscribe", Symbol: sym})
	}
}

// UnsubscribeAll sends an unsubscribe for every tracked symbol and clears
// the set. No-op while the transport is not open.
func (s *Session) UnsubscribeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnected || s.conn == nil {
		return
	}
	for sym := range s.subscribed {
		_ = s.conn.WriteJSON(directive{Type: "unsubscribe", Symbol: sym})
	}
	s.subscribed = make(map[string]struct{})
}

func (s *Session) dial(gen uint64) {
	dialer := websocket.Dialer{
		HandshakeTimeout:  10 * time.Second,
		EnableCompression: true,
	}
	url := s.cfg.URL
	if s.cfg.Token != "" {
		url += "?token=" + s.cfg.Token
	}
	conn, resp, err := dialer.Dial(url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	s.mu.Lock()
	if s.closed || gen != s.gen {
		s.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		s.log.Warn("dial failed", zap.String("url", s.cfg.URL), zap.Error(err))
		s.setStateLocked(StateError)
		s.scheduleReconnectLocked()
		s.mu.Unlock()
		return
	}
	s.conn = conn
	s.attempts = 0
	s.stopMockLocked()
	s.setStateLocked(StateConnected)
	// replay the full subscription set on every (re)open
	for sym := range s.subscribed {
		_ = conn.WriteJSON(directive{Type: "subscribe", Symbol: sym})
	}
	s.mu.Unlock()

	go s.readLoop(conn, gen)
}

func (s *Session) readLoop(conn *websocket.Conn, gen uint64) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.handleClose(gen, err)
			return
		}
		s.handleMessage(data)
	}
}

func (s *Session) handleMessage(data []byte) {
	var frame tradeFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		s.log.Warn("malformed frame dropped", zap.Error(err))
		return
	}
	if frame.Type != "trade" {
		s.log.Debug("ignoring non-trade frame", zap.String("type", frame.Type))
		return
	}
	for _, t := range frame.Data {
		s.ingest(t)
	}
}

// ingest applies a tick (real or synthetic) to the cache and then broadcasts
// it, so a listener reading the cache while handling the broadcast always
// sees the post-update state.
func (s *Session) ingest(t quote.Tick) {
	q := s.cache.Upsert(t)
	s.broadcastTick(t)
	s.broadcast(Update{Kind: UpdateQuote, Quote: q})
}

func (s *Session) handleClose(gen uint64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || gen != s.gen {
		return
	}
	s.conn = nil

	var ce *websocket.CloseError
	switch {
	case errors.As(err, &ce) && strings.Contains(ce.Text, "429"):
		// Upstream quota exhausted: terminal for this connection, switch to
		// synthetic data instead of reconnecting.
		s.log.Warn("rate limited by upstream, serving mock ticks", zap.String("reason", ce.Text))
		s.setStateLocked(StateRateLimited)
		if !s.cfg.DisableMock {
			s.startMockLocked()
		}
	case errors.As(err, &ce) && ce.Code == websocket.CloseNormalClosure:
		s.log.Info("connection closed cleanly")
		s.setStateLocked(StateDisconnected)
	default:
		s.log.Warn("connection lost", zap.Error(err))
		s.setStateLocked(StateError)
		s.scheduleReconnectLocked()
	}
}

func (s *Session) scheduleReconnectLocked() {
	if s.attempts >= s.cfg.MaxReconnects {
		s.log.Warn("reconnect budget exhausted", zap.Int("attempts", s.attempts))
		s.setStateLocked(StateDisconnected)
		return
	}
	s.attempts++
	delay := s.cfg.ReconnectBase * time.Duration(s.attempts)
	s.setStateLocked(StateReconnecting)
	s.log.Info("scheduling reconnect",
		zap.Duration("delay", delay),
		zap.Int("attempt", s.attempts),
		zap.Int("max", s.cfg.MaxReconnects))
	s.reconnect = time.AfterFunc(delay, func() {
		s.mu.Lock()
		stale := s.closed || s.state != StateReconnecting
		s.mu.Unlock()
		if !stale {
			s.Connect()
		}
	})
}

func (s *Session) stopReconnectLocked() {
	if s.reconnect != nil {
		s.reconnect.Stop()
		s.reconnect = nil
	}
}

func (s *Session) setStateLocked(st State) {
	if s.state == st {
		return
	}
	s.state = st
	s.broadcast(Update{Kind: UpdateState, State: st})
}

func (s *Session) broadcast(u Update) {
	s.lmu.RLock()
	defer s.lmu.RUnlock()
	for l := range s.listeners {
		select {
		case <-l.done:
			// skip closed
		case l.Updates <- u:
		default:
			// drop if slow consumer
		}
	}
}

func (s *Session) broadcastTick(t quote.Tick) {
	s.lmu.RLock()
	defer s.lmu.RUnlock()
	for l := range s.listeners {
		select {
		case <-l.done:
		case l.Ticks <- t:
		default:
		}
	}
}
