// File: main.go
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/renealas/designlyStock/internal/alerts"
	"github.com/renealas/designlyStock/internal/finnhub"
	"github.com/renealas/designlyStock/internal/quote"
	"github.com/renealas/designlyStock/internal/stream"
)

/* ====================
   Config & Inputs
   ==================== */

type AppConfig struct {
	ServerPort int `yaml:"server_port"`
	Finnhub    struct {
		WSURL   string `yaml:"ws_url"`
		BaseURL string `yaml:"base_url"`
	} `yaml:"finnhub"`
	Stream struct {
		ReconnectBaseMs int  `yaml:"reconnect_base_ms"`
		MaxReconnects   int  `yaml:"max_reconnects"`
		MockIntervalSec int  `yaml:"mock_interval_seconds"`
		DisableMock     bool `yaml:"disable_mock"`
	} `yaml:"stream"`
	Alert struct {
		FireMode     string `yaml:"fire_mode"` // "repeat" | "on_cross"
		LogCSV       bool   `yaml:"log_csv"`
		HistoryLimit int    `yaml:"history_limit"`
	} `yaml:"alert"`
	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
}

type WatchEntry struct {
	Symbol string `yaml:"symbol"`
	Name   string `yaml:"name,omitempty"`
}
type WatchlistFile struct {
	Watchlist []WatchEntry `yaml:"watchlist"`
}

func loadYAML(path string, out any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(b, out)
}

var defaultWatchlist = []string{"AAPL", "MSFT", "GOOGL", "AMZN", "META"}

func newLogger(level string) *zap.Logger {
	cfg := zap.NewProductionConfig()
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err == nil {
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	logger, err := cfg.Build()
	if err != nil {
		log.Fatalf("build logger: %v", err)
	}
	return logger
}

/* ====================
   UI messages
   ==================== */

type statusMsg struct {
	Type  string `json:"type"` // "status"
	Level string `json:"level"`
	Text  string `json:"text"`
}

type quoteMsg struct {
	Type string      `json:"type"` // "quote"
	Data quote.Quote `json:"data"`
}

type tradeMsg struct {
	Type   string  `json:"type"` // "trade"
	Sym    string  `json:"sym"`
	Price  float64 `json:"price"`
	Volume float64 `json:"volume"`
	TSUnix int64   `json:"ts_unix"` // ms
}

type alertMsg struct {
	Type   string              `json:"type"` // "alert"
	Time   string              `json:"time"`
	Title  string              `json:"title"`
	Body   string              `json:"body"`
	Data   alerts.Notification `json:"data"`
	TSUnix int64               `json:"ts_unix"` // ms
}

type historyMsg struct {
	Type   string     `json:"type"` // "history"
	Alerts []alertMsg `json:"alerts"`
}

type controlMsg struct {
	Type   string `json:"type"`   // "control"
	Action string `json:"action"` // pause/resume
	Value  any    `json:"value,omitempty"`
}

/* ====================
   Websocket hub
   ==================== */

var wsUpgrader = websocket.Upgrader{
	CheckOrigin:       func(*http.Request) bool { return true },
	EnableCompression: true,
}

type client struct {
	c      *websocket.Conn
	out    chan any
	done   chan struct{}
	paused atomic.Bool
}

type hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}
	history []alertMsg
	limit   int
}

func newHub(limit int) *hub {
	return &hub{
		clients: make(map[*client]struct{}),
		history: make([]alertMsg, 0, limit),
		limit:   limit,
	}
}

func (h *hub) addHistory(a alertMsg) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.history = append(h.history, a)
	if h.limit > 0 && len(h.history) > h.limit {
		h.history = h.history[len(h.history)-h.limit:]
	}
}

func (h *hub) getHistory() []alertMsg {
	h.mu.RLock()
	defer h.mu.RUnlock()
	aa := make([]alertMsg, len(h.history))
	copy(aa, h.history)
	return aa
}

func (h *hub) broadcast(v any) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.out <- v:
		default:
			// slow consumer, drop
		}
	}
}

func (h *hub) serveWS() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		cl := &client{c: conn, out: make(chan any, 256), done: make(chan struct{})}
		h.mu.Lock()
		h.clients[cl] = struct{}{}
		h.mu.Unlock()

		// writer
		go func() {
			ping := time.NewTicker(45 * time.Second)
			defer ping.Stop()
			for {
				select {
				case v := <-cl.out:
					if cl.paused.Load() {
						if _, ok := v.(statusMsg); !ok {
							continue
						}
					}
					_ = conn.WriteJSON(v)
				case <-ping.C:
					_ = conn.WriteMessage(websocket.PingMessage, nil)
				case <-cl.done:
					return
				}
			}
		}()

		// greet, then replay alert history so refreshed tabs keep context
		select {
		case cl.out <- statusMsg{Type: "status", Level: "info", Text: "Connected"}:
		default:
		}
		select {
		case cl.out <- historyMsg{Type: "history", Alerts: h.getHistory()}:
		default:
		}

		// reader
		_ = conn.SetReadDeadline(time.Now().Add(90 * time.Second))
		conn.SetPongHandler(func(string) error {
			_ = conn.SetReadDeadline(time.Now().Add(90 * time.Second))
			return nil
		})
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				break
			}
			if mt != websocket.TextMessage {
				continue
			}
			var ctrl controlMsg
			if err := json.Unmarshal(data, &ctrl); err != nil || ctrl.Type != "control" {
				continue
			}
			switch strings.ToLower(ctrl.Action) {
			case "pause":
				cl.paused.Store(true)
				select {
				case cl.out <- statusMsg{Type: "status", Level: "info", Text: "Paused (this tab)"}:
				default:
				}
			case "resume":
				cl.paused.Store(false)
				select {
				case cl.out <- statusMsg{Type: "status", Level: "success", Text: "Resumed (this tab)"}:
				default:
				}
			}
		}
		close(cl.done)
		h.mu.Lock()
		delete(h.clients, cl)
		h.mu.Unlock()
	}
}

// hubNotifier forwards fired alerts to connected UI clients and keeps the
// replayable history. It stands in for device-level notification delivery.
type hubNotifier struct {
	h *hub
}

func (n *hubNotifier) Notify(a alerts.Notification) {
	now := time.Now()
	msg := alertMsg{
		Type:   "alert",
		Time:   now.Format("15:04:05"),
		Title:  a.Title,
		Body:   a.Body,
		Data:   a,
		TSUnix: now.UnixNano() / int64(time.Millisecond),
	}
	n.h.addHistory(msg)
	n.h.broadcast(msg)
}

/* ====================
   Stream lifecycle
   ==================== */

// app owns the streaming session and its pump goroutine so /api/stream can
// start and stop streaming without a process restart.
type app struct {
	cfg      AppConfig
	token    string
	cache    *quote.Cache
	rest     *finnhub.Client
	registry *alerts.Registry
	eval     *alerts.Evaluator
	h        *hub
	log      *zap.Logger

	// lifeMu serializes the whole stop-seed-create-assign sequence so at
	// most one session can exist at a time.
	lifeMu sync.Mutex

	mu       sync.Mutex
	session  *stream.Session
	listener *stream.Listener
	symbols  []string
	names    map[string]string
}

func (a *app) streamConfig() stream.Config {
	cfg := stream.Config{
		URL:         a.cfg.Finnhub.WSURL,
		Token:       a.token,
		DisableMock: a.cfg.Stream.DisableMock,
	}
	if a.cfg.Stream.ReconnectBaseMs > 0 {
		cfg.ReconnectBase = time.Duration(a.cfg.Stream.ReconnectBaseMs) * time.Millisecond
	}
	if a.cfg.Stream.MaxReconnects > 0 {
		cfg.MaxReconnects = a.cfg.Stream.MaxReconnects
	}
	if a.cfg.Stream.MockIntervalSec > 0 {
		cfg.MockInterval = time.Duration(a.cfg.Stream.MockIntervalSec) * time.Second
	}
	return cfg
}

func (a *app) startStream() {
	a.lifeMu.Lock()
	defer a.lifeMu.Unlock()
	a.stopStreamLocked()

	// prime the cache from the REST snapshot before streaming starts
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	seeded := a.rest.Watchlist(ctx, a.watchSymbols())
	cancel()
	a.mu.Lock()
	for i := range seeded {
		if name, ok := a.names[seeded[i].Symbol]; ok && name != "" {
			seeded[i].Name = name
		}
	}
	a.mu.Unlock()
	a.cache.Seed(seeded)
	a.log.Info("cache seeded", zap.Int("quotes", len(seeded)))

	a.mu.Lock()
	s := stream.New(a.streamConfig(), a.cache, a.log.Named("stream"))
	l := s.Listen()
	a.session = s
	a.listener = l
	symbols := append([]string(nil), a.symbols...)
	a.mu.Unlock()

	go a.pump(l)
	s.Connect()
	for _, sym := range symbols {
		s.Subscribe(sym)
	}
	a.h.broadcast(statusMsg{Type: "status", Level: "success", Text: "Stream starting"})
}

func (a *app) stopStream() {
	a.lifeMu.Lock()
	defer a.lifeMu.Unlock()
	a.stopStreamLocked()
}

func (a *app) stopStreamLocked() {
	a.mu.Lock()
	s, l := a.session, a.listener
	a.session, a.listener = nil, nil
	a.mu.Unlock()
	if s == nil {
		return
	}
	if l != nil {
		s.Drop(l)
	}
	s.Close()
	a.h.broadcast(statusMsg{Type: "status", Level: "info", Text: "Stopped"})
}

func (a *app) running() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.session != nil
}

func (a *app) watchSymbols() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.symbols...)
}

// pump forwards session broadcasts to UI clients and the alert evaluator in
// arrival order, so evaluation always sees post-update cache state.
func (a *app) pump(l *stream.Listener) {
	for {
		select {
		case t := <-l.Ticks:
			a.h.broadcast(tradeMsg{Type: "trade", Sym: t.Symbol, Price: t.Price, Volume: t.Volume, TSUnix: t.Time})
		case u := <-l.Updates:
			switch u.Kind {
			case stream.UpdateQuote:
				a.h.broadcast(quoteMsg{Type: "quote", Data: u.Quote})
				a.eval.Check(u.Quote)
			case stream.UpdateState:
				a.h.broadcast(statusMsg{Type: "status", Level: levelFor(u.State), Text: u.State.String()})
			}
		case <-l.Done():
			return
		}
	}
}

func levelFor(st stream.State) string {
	switch st {
	case stream.StateConnected:
		return "success"
	case stream.StateError, stream.StateRateLimited:
		return "error"
	default:
		return "info"
	}
}

/* ====================
   HTTP API
   ==================== */

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (a *app) handleAlerts(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, map[string]any{"alerts": a.registry.List()})
	case http.MethodPost:
		var in alerts.Alert
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		if strings.TrimSpace(in.Symbol) == "" {
			http.Error(w, "symbol required", http.StatusBadRequest)
			return
		}
		out, err := a.registry.Add(in)
		if err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		a.log.Info("alert added", zap.String("id", out.ID), zap.String("symbol", out.Symbol))
		writeJSON(w, out)
	default:
		http.Error(w, "GET or POST only", http.StatusMethodNotAllowed)
	}
}

func (a *app) handleAlertByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/alerts/")
	if id == "" || strings.Contains(id, "/") {
		http.Error(w, "alert id required", http.StatusBadRequest)
		return
	}
	switch r.Method {
	case http.MethodGet:
		alert, ok := a.registry.Get(id)
		if !ok {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		writeJSON(w, alert)
	case http.MethodPut:
		var in alerts.Alert
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		in.ID = id
		if !a.registry.Update(in) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		a.eval.Reset(id)
		writeJSON(w, in)
	case http.MethodDelete:
		if !a.registry.Remove(id) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		a.eval.Reset(id)
		writeJSON(w, map[string]any{"ok": true})
	default:
		http.Error(w, "GET, PUT or DELETE only", http.StatusMethodNotAllowed)
	}
}

func (a *app) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Mode string `json:"mode"` // "start" | "stop"
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	switch strings.ToLower(req.Mode) {
	case "start":
		a.startStream()
		writeJSON(w, map[string]any{"ok": true, "status": "Stream starting"})
	case "stop":
		a.stopStream()
		writeJSON(w, map[string]any{"ok": true, "status": "Stopped"})
	default:
		writeJSON(w, map[string]any{"ok": false, "status": "Unknown mode"})
	}
}

func (a *app) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")
	state := stream.StateDisconnected
	var symbols []string
	a.mu.Lock()
	if a.session != nil {
		state = a.session.State()
		symbols = a.session.Symbols()
	}
	running := a.session != nil
	a.mu.Unlock()
	writeJSON(w, map[string]any{
		"running":     running,
		"state":       state.String(),
		"subscribed":  symbols,
		"cached":      a.cache.Len(),
		"alert_count": len(a.registry.List()),
		"fire_mode":   a.cfg.Alert.FireMode,
	})
}

func (a *app) handleQuotes(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, map[string]any{"quotes": a.cache.All()})
}

func (a *app) handleWatchlist(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, map[string]any{"symbols": a.watchSymbols()})
}

func (a *app) handleWatchlistReload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	symbols, names, err := loadWatchlist("watchlist.yaml")
	if err != nil {
		writeJSON(w, map[string]any{"ok": false, "status": "Reload failed: " + err.Error()})
		return
	}

	a.mu.Lock()
	oldSet := map[string]struct{}{}
	for _, s := range a.symbols {
		oldSet[s] = struct{}{}
	}
	newSet := map[string]struct{}{}
	for _, s := range symbols {
		newSet[s] = struct{}{}
	}
	var added, removed, kept []string
	for s := range newSet {
		if _, ok := oldSet[s]; ok {
			kept = append(kept, s)
		} else {
			added = append(added, s)
		}
	}
	for s := range oldSet {
		if _, ok := newSet[s]; !ok {
			removed = append(removed, s)
		}
	}
	a.symbols = symbols
	a.names = names
	s := a.session
	a.mu.Unlock()

	if s != nil {
		for _, sym := range added {
			s.Subscribe(sym)
		}
		for _, sym := range removed {
			s.Unsubscribe(sym)
		}
	}

	status := fmt.Sprintf("Watchlist reloaded: +%d / -%d (kept %d)", len(added), len(removed), len(kept))
	writeJSON(w, map[string]any{"ok": true, "status": status, "added": added, "removed": removed, "kept": kept})
	a.h.broadcast(statusMsg{Type: "status", Level: "info", Text: status})
}

func loadWatchlist(path string) ([]string, map[string]string, error) {
	var wl WatchlistFile
	if err := loadYAML(path, &wl); err != nil {
		return nil, nil, err
	}
	var symbols []string
	names := make(map[string]string)
	seen := make(map[string]struct{})
	for _, w := range wl.Watchlist {
		s := strings.ToUpper(strings.TrimSpace(w.Symbol))
		if s == "" {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		symbols = append(symbols, s)
		if w.Name != "" {
			names[s] = w.Name
		}
	}
	if len(symbols) == 0 {
		symbols = append(symbols, defaultWatchlist...)
	}
	return symbols, names, nil
}

/* ====================
   main
   ==================== */

func main() {
	portOverride := flag.Int("port", 0, "override server_port")
	flag.Parse()

	_ = godotenv.Load(".env")
	token := strings.TrimSpace(os.Getenv("FINNHUB_API_KEY"))
	if token == "" {
		log.Fatal("FINNHUB_API_KEY is missing (set in .env)")
	}

	var cfg AppConfig
	if err := loadYAML("config.yaml", &cfg); err != nil {
		log.Fatalf("load config.yaml: %v", err)
	}
	if cfg.ServerPort == 0 {
		if p := strings.TrimSpace(os.Getenv("PORT")); p != "" {
			if v, _ := strconv.Atoi(p); v > 0 {
				cfg.ServerPort = v
			}
		}
		if cfg.ServerPort == 0 {
			cfg.ServerPort = 8089
		}
	}
	if *portOverride != 0 {
		cfg.ServerPort = *portOverride
	}
	if cfg.Alert.HistoryLimit <= 0 {
		cfg.Alert.HistoryLimit = 200
	}
	if strings.TrimSpace(cfg.Alert.FireMode) == "" {
		cfg.Alert.FireMode = "repeat"
	}

	symbols, names, err := loadWatchlist("watchlist.yaml")
	if err != nil {
		log.Fatalf("load watchlist.yaml: %v", err)
	}

	logger := newLogger(cfg.Logging.Level)
	defer logger.Sync()

	h := newHub(cfg.Alert.HistoryLimit)
	registry := alerts.NewRegistry()
	policy := alerts.FireRepeat
	if strings.EqualFold(strings.TrimSpace(cfg.Alert.FireMode), "on_cross") {
		policy = alerts.FireOnCross
	}
	eval := alerts.NewEvaluator(registry, &hubNotifier{h: h},
		alerts.EvaluatorConfig{Policy: policy, LogCSV: cfg.Alert.LogCSV},
		logger.Named("alerts"))

	a := &app{
		cfg:      cfg,
		token:    token,
		cache:    quote.NewCache(),
		rest:     finnhub.NewClient(cfg.Finnhub.BaseURL, token, logger.Named("finnhub")),
		registry: registry,
		eval:     eval,
		h:        h,
		log:      logger,
		symbols:  symbols,
		names:    names,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.serveWS())
	mux.HandleFunc("/api/stream", a.handleStream)
	mux.HandleFunc("/api/status", a.handleStatus)
	mux.HandleFunc("/api/quotes", a.handleQuotes)
	mux.HandleFunc("/api/alerts", a.handleAlerts)
	mux.HandleFunc("/api/alerts/", a.handleAlertByID)
	mux.HandleFunc("/api/watchlist", a.handleWatchlist)
	mux.HandleFunc("/api/watchlist/reload", a.handleWatchlistReload)

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.ServerPort),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	logger.Info("listening", zap.Int("port", cfg.ServerPort), zap.Strings("watchlist", symbols))
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("http server: %v", err)
	}
}
