package monitor

import (
	"fmt"
	"strings"
	"time"

	"venue-gateway/internal/conn"
	"venue-gateway/internal/health"
	"venue-gateway/pkg/exchanges/common"
)

// Channels reports push channel liveness.
type Channels interface {
	IsLive(ch conn.Channel) bool
}

// LimiterView exposes the request success rate.
type LimiterView interface {
	State() common.RateLimiterState
}

// Heartbeat refreshes the sampled health components. Refresh runs ahead
// of every breaker evaluation.
type Heartbeat struct {
	Health   *health.Aggregator
	Channels Channels
	Limiter  LimiterView
	Latency  *LatencyHistogram
	// Required lists the channels that must be live; empty means both.
	Required   []conn.Channel
	MarketSeen func() time.Time
	StaleAfter time.Duration

	now func() time.Time
}

func (h *Heartbeat) Refresh() {
	if h.Health == nil {
		return
	}
	now := time.Now()
	if h.now != nil {
		now = h.now()
	}
	h.scoreConnections()
	h.scoreFreshness(now)
	h.scoreAPI()
}

func (h *Heartbeat) scoreConnections() {
	if h.Channels == nil {
		return
	}
	channels := h.Required
	if len(channels) == 0 {
		channels = []conn.Channel{conn.ChannelMarket, conn.ChannelAccount}
	}
	all := true
	parts := make([]string, 0, len(channels))
	for _, ch := range channels {
		live := h.Channels.IsLive(ch)
		all = all && live
		parts = append(parts, fmt.Sprintf("%s: %s", ch, okOrDown(live)))
		switch ch {
		case conn.ChannelMarket:
			h.Health.Update(health.ComponentMarketConnection, boolScore(live), "market "+okOrDown(live))
		case conn.ChannelAccount:
			h.Health.Update(health.ComponentAccountConnection, boolScore(live), "account "+okOrDown(live))
		}
	}
	h.Health.Update(health.ComponentOverallConnection, boolScore(all), strings.Join(parts, ", "))
}

// scoreFreshness scores 1 for data seen just now, falling linearly to 0 at
// StaleAfter.
func (h *Heartbeat) scoreFreshness(now time.Time) {
	if h.MarketSeen == nil || h.StaleAfter <= 0 {
		return
	}
	last := h.MarketSeen()
	if last.IsZero() {
		h.Health.Update(health.ComponentMarketFreshness, 0, "no market data yet")
		return
	}
	age := now.Sub(last)
	if age > h.StaleAfter {
		h.Health.Update(health.ComponentMarketFreshness, 0, fmt.Sprintf("market data stale: %.1fs", age.Seconds()))
		return
	}
	score := 1 - age.Seconds()/h.StaleAfter.Seconds()
	h.Health.Update(health.ComponentMarketFreshness, score, fmt.Sprintf("market data age: %.1fs", age.Seconds()))
}

func (h *Heartbeat) scoreAPI() {
	if h.Limiter == nil {
		return
	}
	st := h.Limiter.State()
	if st.Samples == 0 {
		h.Health.Update(health.ComponentAPIPerformance, 1, "no requests yet")
		return
	}
	msg := fmt.Sprintf("success %.0f%% over %d requests", st.SuccessRate*100, st.Samples)
	if h.Latency != nil {
		if ls := h.Latency.Stats(); ls.Count > 0 {
			msg += fmt.Sprintf(", p95 %.0fms", ls.P95)
		}
	}
	h.Health.Update(health.ComponentAPIPerformance, st.SuccessRate, msg)
}

func boolScore(ok bool) float64 {
	if ok {
		return 1
	}
	return 0
}

func okOrDown(ok bool) string {
	if ok {
		return "ok"
	}
	return "down"
}
