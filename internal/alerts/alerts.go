package alerts

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Alert is a user-defined price threshold rule, owned by the Registry.
type Alert struct {
	ID          string  `json:"id"`
	Symbol      string  `json:"symbol"`
	TargetPrice float64 `json:"targetPrice"`
	IsAbove     bool    `json:"isAbove"`
	IsActive    bool    `json:"isActive"`
}

// Registry holds alert rules keyed by id. Ids are caller-assigned, or
// monotonic when left empty.
type Registry struct {
	mu   sync.RWMutex
	byID map[string]Alert
	seq  int
}

func NewRegistry() *Registry {
	return &Registry{byID: make(map[string]Alert)}
}

// Add stores a new alert, assigning an id when none is given, and returns
// the stored value. A caller-supplied id that already exists is rejected;
// replacing an existing alert goes through Update.
func (r *Registry) Add(a Alert) (Alert, error) {
	a.Symbol = strings.ToUpper(strings.TrimSpace(a.Symbol))
	r.mu.Lock()
	defer r.mu.Unlock()
	if strings.TrimSpace(a.ID) == "" {
		r.seq++
		a.ID = fmt.Sprintf("alert-%d", r.seq)
	} else if _, exists := r.byID[a.ID]; exists {
		return Alert{}, fmt.Errorf("alert id %q already exists", a.ID)
	}
	r.byID[a.ID] = a
	return a, nil
}

func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[id]; !ok {
		return false
	}
	delete(r.byID, id)
	return true
}

// Update replaces an alert in full. Only effective when the id pre-exists.
func (r *Registry) Update(a Alert) bool {
	a.Symbol = strings.ToUpper(strings.TrimSpace(a.Symbol))
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[a.ID]; !ok {
		return false
	}
	r.byID[a.ID] = a
	return true
}

func (r *Registry) Get(id string) (Alert, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.byID[id]
	return a, ok
}

// List returns all alerts sorted by id.
func (r *Registry) List() []Alert {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Alert, 0, len(r.byID))
	for _, a := range r.byID {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ListForSymbol returns all alerts for a symbol, active or not, sorted by id.
func (r *Registry) ListForSymbol(symbol string) []Alert {
	sym := strings.ToUpper(strings.TrimSpace(symbol))
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Alert, 0, 4)
	for _, a := range r.byID {
		if a.Symbol == sym {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
