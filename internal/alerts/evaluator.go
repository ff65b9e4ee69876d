package alerts

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/renealas/designlyStock/internal/quote"
)

// FirePolicy controls how often a satisfied alert notifies.
type FirePolicy int

const (
	// FireRepeat notifies on every qualifying tick, even while the price
	// stays on the alert's side of the threshold.
	FireRepeat FirePolicy = iota
	// FireOnCross notifies only when a tick moves the price from the
	// non-qualifying to the qualifying side.
	FireOnCross
)

// Notification is a request handed to the OS notification collaborator.
// The core only decides when to fire, not how it is rendered.
type Notification struct {
	Title string      `json:"title"`
	Body  string      `json:"body"`
	Quote quote.Quote `json:"quote"`
	Alert Alert       `json:"alert"`
}

// Notifier delivers notification requests. Implementations must not block.
type Notifier interface {
	Notify(n Notification)
}

// EvaluatorConfig tunes the Evaluator.
type EvaluatorConfig struct {
	Policy FirePolicy
	LogCSV bool
}

// Evaluator consumes price updates and checks them against the registry.
// Evaluation itself is stateless per call; FireOnCross additionally tracks,
// per alert id, whether the last seen tick already satisfied the condition.
type Evaluator struct {
	registry *Registry
	notifier Notifier
	cfg      EvaluatorConfig
	log      *zap.Logger

	mu        sync.Mutex
	satisfied map[string]bool
}

func NewEvaluator(registry *Registry, notifier Notifier, cfg EvaluatorConfig, logger *zap.Logger) *Evaluator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Evaluator{
		registry:  registry,
		notifier:  notifier,
		cfg:       cfg,
		log:       logger,
		satisfied: make(map[string]bool),
	}
}

// Reset clears the crossing state for an alert id. Call after an alert is
// updated or removed so FireOnCross re-arms against the new threshold.
func (e *Evaluator) Reset(id string) {
	e.mu.Lock()
	delete(e.satisfied, id)
	e.mu.Unlock()
}

// Check evaluates a quote against every active alert for its symbol and
// returns the notification requests that fired.
func (e *Evaluator) Check(q quote.Quote) []Notification {
	var out []Notification
	for _, a := range e.registry.ListForSymbol(q.Symbol) {
		if !a.IsActive {
			continue
		}
		crossed := q.Price < a.TargetPrice
		if a.IsAbove {
			crossed = q.Price > a.TargetPrice
		}
		if e.cfg.Policy == FireOnCross {
			e.mu.Lock()
			prev := e.satisfied[a.ID]
			e.satisfied[a.ID] = crossed
			e.mu.Unlock()
			if prev && crossed {
				continue
			}
		}
		if !crossed {
			continue
		}
		n := buildNotification(q, a)
		out = append(out, n)
		e.log.Info("price alert fired",
			zap.String("alert", a.ID),
			zap.String("symbol", q.Symbol),
			zap.Float64("price", q.Price),
			zap.Float64("target", a.TargetPrice))
		if e.notifier != nil {
			e.notifier.Notify(n)
		}
		if e.cfg.LogCSV {
			if err := LogToCSV(FiredAlert{
				Timestamp:   time.Now(),
				AlertID:     a.ID,
				Symbol:      q.Symbol,
				Price:       q.Price,
				TargetPrice: a.TargetPrice,
				Direction:   direction(a),
			}); err != nil {
				e.log.Warn("csv alert log failed", zap.Error(err))
			}
		}
	}
	return out
}

func buildNotification(q quote.Quote, a Alert) Notification {
	return Notification{
		Title: fmt.Sprintf("%s Price Alert!", q.Symbol),
		Body: fmt.Sprintf("%s is now %s $%.2f at $%.2f",
			q.Symbol, direction(a), a.TargetPrice, q.Price),
		Quote: q,
		Alert: a,
	}
}

func direction(a Alert) string {
	if a.IsAbove {
		return "above"
	}
	return "below"
}
