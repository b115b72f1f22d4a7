package health

import (
	"math"
	"sort"
	"sync"
	"time"
)

// Component names reported by the gateway.
const (
	ComponentOverallConnection = "ws_overall_connection"
	ComponentMarketConnection  = "ws_market_connection"
	ComponentAccountConnection = "ws_account_connection"
	ComponentCredentials       = "api_credentials"
	ComponentMarketFreshness   = "market_data_freshness"
	ComponentAPIPerformance    = "api_performance"
	ComponentOrderExecution    = "order_execution_success"
	ComponentAccountData       = "account_data_quality"
	ComponentReconciliation    = "reconciliation"
)

const defaultWeight = 1.0

// Component is one named health signal.
type Component struct {
	Name      string    `json:"name"`
	Score     float64   `json:"score"`
	Weight    float64   `json:"weight"`
	UpdatedAt time.Time `json:"updatedAt"`
	Message   string    `json:"message,omitempty"`
	Stale     bool      `json:"stale"`
}

// Aggregator keeps the latest score per component and folds the fresh ones
// into a weighted mean. It is safe for concurrent use.
type Aggregator struct {
	mu        sync.RWMutex
	weights   map[string]float64
	comps     map[string]Component
	freshness time.Duration
	now       func() time.Time
}

// NewAggregator uses weights for known components and 1.0 for the rest.
func NewAggregator(weights map[string]float64, freshness time.Duration) *Aggregator {
	w := make(map[string]float64, len(weights))
	for k, v := range weights {
		if v > 0 {
			w[k] = v
		}
	}
	if freshness <= 0 {
		freshness = 120 * time.Second
	}
	return &Aggregator{
		weights:   w,
		comps:     make(map[string]Component),
		freshness: freshness,
		now:       time.Now,
	}
}

// Update records a score, clamped to [0,1].
func (a *Aggregator) Update(name string, score float64, message string) {
	if math.IsNaN(score) {
		score = 0
	}
	score = math.Max(0, math.Min(1, score))

	a.mu.Lock()
	defer a.mu.Unlock()
	weight, ok := a.weights[name]
	if !ok {
		weight = defaultWeight
	}
	a.comps[name] = Component{
		Name:      name,
		Score:     score,
		Weight:    weight,
		UpdatedAt: a.now(),
		Message:   message,
	}
}

// OverallScore is the weighted mean of fresh components, 1.0 when none is fresh.
func (a *Aggregator) OverallScore() float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.scoreLocked(a.now())
}

func (a *Aggregator) scoreLocked(now time.Time) float64 {
	var sum, weights float64
	for _, c := range a.comps {
		if now.Sub(c.UpdatedAt) > a.freshness {
			continue
		}
		sum += c.Score * c.Weight
		weights += c.Weight
	}
	if weights == 0 {
		return 1.0
	}
	return sum / weights
}

// Components returns every component sorted by name with its stale flag set.
func (a *Aggregator) Components() []Component {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.componentsLocked(a.now())
}

func (a *Aggregator) componentsLocked(now time.Time) []Component {
	out := make([]Component, 0, len(a.comps))
	for _, c := range a.comps {
		c.Stale = now.Sub(c.UpdatedAt) > a.freshness
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// snapshot returns score and components computed at the same instant.
func (a *Aggregator) snapshot() (float64, []Component, time.Time) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	now := a.now()
	return a.scoreLocked(now), a.componentsLocked(now), now
}

// SetWeights replaces the weight table. Existing components keep their
// scores and pick up the new weight.
func (a *Aggregator) SetWeights(weights map[string]float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.weights = make(map[string]float64, len(weights))
	for k, v := range weights {
		if v > 0 {
			a.weights[k] = v
		}
	}
	for name, c := range a.comps {
		if w, ok := a.weights[name]; ok {
			c.Weight = w
		} else {
			c.Weight = defaultWeight
		}
		a.comps[name] = c
	}
}
