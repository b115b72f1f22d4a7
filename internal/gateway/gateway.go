// Package gateway is the single entry point the decision engine talks to. It
// owns the push channels, the command channel, the order ledger and the
// health breaker for one venue, one symbol and one account.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"venue-gateway/internal/command"
	"venue-gateway/internal/conn"
	"venue-gateway/internal/events"
	"venue-gateway/internal/health"
	"venue-gateway/internal/ledger"
	"venue-gateway/internal/monitor"
	"venue-gateway/internal/reconciliation"
	"venue-gateway/pkg/config"
	"venue-gateway/pkg/exchanges/bybit"
	"venue-gateway/pkg/exchanges/common"
)

var (
	ErrTradingPaused  = errors.New("trading paused by circuit breaker")
	ErrClosed         = errors.New("gateway closed")
	ErrInvalidRequest = errors.New("invalid order request")
	ErrImmutableField = errors.New("setting requires a new gateway")
)

// Deps are the venue-specific collaborators. NewBybit fills them for Bybit.
type Deps struct {
	Venue     common.Venue
	Snapshots common.SnapshotSource
	Channels  map[conn.Channel]conn.ChannelConfig
	Dialer    *websocket.Dialer
	Clock     VenueClock
	Bus       *events.Bus
	Metrics   *monitor.Metrics
}

// VenueClock estimates venue time for request stamping. Sync takes one sample
// and Run keeps it fresh until its context ends.
type VenueClock interface {
	Now() int64
	Sync(ctx context.Context) error
	Run(ctx context.Context)
}

// Snapshot is a read-only copy of the gateway state.
type Snapshot struct {
	Orders    []common.Order          `json:"orders"`
	Positions []common.Position       `json:"positions"`
	Balance   common.Balance          `json:"balance"`
	Stats     ledger.Stats            `json:"stats"`
	Fills     []common.Fill           `json:"fills"`
	Channels  []conn.ChannelStatus    `json:"channels"`
	Limiter   common.RateLimiterState `json:"limiter"`
	Paused    bool                    `json:"paused"`
	UpdatedAt time.Time               `json:"updatedAt"`
}

// Gateway is safe for concurrent use.
type Gateway struct {
	log *zap.Logger

	cfgMu sync.RWMutex
	cfg   config.GatewayConfig

	limiter   *common.RateLimiter
	conns     *conn.Manager
	cmds      *command.Channel
	ledger    *ledger.Ledger
	agg       *health.Aggregator
	breaker   *health.Breaker
	heartbeat *monitor.Heartbeat
	recon     *reconciliation.Service
	bus       *events.Bus
	metrics   *monitor.Metrics
	clock     VenueClock
	channels  []conn.Channel

	paused     atomic.Bool
	lastMarket atomic.Int64
	execs      *outcomeWindow
	reconcileC chan struct{}

	mu      sync.Mutex
	started bool
	closed  bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	actWG   sync.WaitGroup

	shutdownOnce sync.Once
	shutdownReq  chan struct{}
}

// New builds a gateway from an immutable configuration snapshot.
func New(cfg config.GatewayConfig, deps Deps, log *zap.Logger) (*Gateway, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("gateway config: %w", err)
	}
	if deps.Venue == nil {
		return nil, errors.New("gateway: venue is required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	if deps.Bus == nil {
		deps.Bus = events.NewBus()
	}
	if deps.Metrics == nil {
		deps.Metrics = monitor.NewMetrics()
	}
	weights := cfg.HealthWeights
	if len(weights) == 0 {
		weights = config.DefaultHealthWeights()
	}

	g := &Gateway{
		log:         log.Named("gateway").With(zap.String("symbol", cfg.Symbol)),
		cfg:         cfg,
		limiter:     common.NewRateLimiter(cfg.RequestsPerSecond, cfg.Burst),
		ledger:      ledger.New(cfg.Symbol),
		agg:         health.NewAggregator(weights, cfg.FreshnessWindow),
		bus:         deps.Bus,
		metrics:     deps.Metrics,
		clock:       deps.Clock,
		execs:       newOutcomeWindow(20),
		reconcileC:  make(chan struct{}, 1),
		shutdownReq: make(chan struct{}),
	}
	g.breaker = health.NewBreaker(g.agg, cfg.Thresholds, breakerActions{g}, log)
	g.breaker.OnTransition(func(tr health.Transition) {
		g.bus.Publish(events.EventHealthTransition, tr)
	})

	g.conns = conn.New(conn.Config{
		Ladder:   cfg.ReconnectLadder,
		Channels: deps.Channels,
		Dialer:   deps.Dialer,
	}, g, log)
	for _, ch := range []conn.Channel{conn.ChannelMarket, conn.ChannelAccount} {
		if _, ok := deps.Channels[ch]; ok {
			g.channels = append(g.channels, ch)
		}
	}

	var stream command.Stream
	if _, ok := deps.Channels[conn.ChannelAccount]; ok {
		stream = g.conns
	}
	clock := func() int64 { return time.Now().UnixMilli() }
	if deps.Clock != nil {
		clock = deps.Clock.Now
	}
	g.cmds = command.New(command.Config{
		Timeout:     cfg.CommandTimeout,
		MaxInFlight: cfg.MaxInFlightCommands,
		RecvWindow:  cfg.RecvWindow,
		Clock:       clock,
	}, stream, deps.Venue, g.limiter, common.RetryPolicy{
		MaxAttempts: cfg.RetryMaxAttempts,
		BaseDelay:   cfg.RetryBaseDelay,
		MaxDelay:    cfg.RetryMaxDelay,
		Classify:    bybit.Classify,
	}, log)
	g.cmds.SetObserver(g)

	g.heartbeat = &monitor.Heartbeat{
		Health:     g.agg,
		Channels:   g.conns,
		Limiter:    g.limiter,
		Latency:    g.metrics.CommandLatency,
		Required:   g.channels,
		StaleAfter: cfg.StaleDataTimeout,
	}
	if _, ok := deps.Channels[conn.ChannelMarket]; ok {
		g.heartbeat.MarketSeen = g.marketSeen
	}

	if deps.Snapshots != nil {
		g.recon = reconciliation.NewService(reconciliation.Config{
			Category:   cfg.Category,
			Symbol:     cfg.Symbol,
			SettleCoin: cfg.SettleCoin,
			Interval:   cfg.ReconcileInterval,
		}, deps.Snapshots, g.ledger, g.limiter, g.agg, log)
		g.recon.SetObserver(g.metrics)
		g.recon.OnReport(func(r *reconciliation.Report) { g.publishChanges(r.Changes) })
	}
	return g, nil
}

// Config returns the active configuration.
func (g *Gateway) Config() config.GatewayConfig {
	g.cfgMu.RLock()
	defer g.cfgMu.RUnlock()
	return g.cfg
}

// Bus exposes the gateway's event bus.
func (g *Gateway) Bus() *events.Bus { return g.bus }

// Metrics exposes the gateway's collectors.
func (g *Gateway) Metrics() *monitor.Metrics { return g.metrics }

// Ledger exposes the order ledger for read access.
func (g *Gateway) Ledger() *ledger.Ledger { return g.ledger }

// Start connects the push channels and launches the reconciliation and
// health evaluation tasks. A channel that fails its first attempt keeps
// reconnecting in the background.
func (g *Gateway) Start(ctx context.Context) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return ErrClosed
	}
	if g.started {
		g.mu.Unlock()
		return nil
	}
	g.started = true
	g.ctx, g.cancel = context.WithCancel(ctx)
	runCtx := g.ctx
	g.mu.Unlock()

	cfg := g.Config()
	if g.clock != nil {
		if err := g.clock.Sync(runCtx); err != nil {
			g.log.Warn("venue clock sync failed, using host clock", zap.Error(err))
		}
		g.wg.Add(1)
		go func() {
			defer g.wg.Done()
			g.clock.Run(runCtx)
		}()
	}
	g.conns.Start(runCtx)

	for _, ch := range g.channels {
		topics := bybit.PrivateTopics
		if ch == conn.ChannelMarket {
			topics = bybit.MarketTopics(cfg.Symbol)
		}
		if err := g.conns.Subscribe(ch, topics...); err != nil {
			return fmt.Errorf("subscribe %s: %w", ch, err)
		}
		if err := g.conns.Connect(runCtx, ch); err != nil {
			g.log.Warn("initial connect failed, retrying in background",
				zap.String("channel", string(ch)), zap.Error(err))
		}
	}

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		g.breaker.Run(runCtx, cfg.HealthInterval, g.refreshHealth)
	}()

	if g.recon != nil {
		g.wg.Add(2)
		go func() {
			defer g.wg.Done()
			g.recon.Run(runCtx)
		}()
		go func() {
			defer g.wg.Done()
			g.reconcileOnDemand(runCtx)
		}()
		g.requestReconcile()
	}

	g.log.Info("gateway started",
		zap.String("category", cfg.Category),
		zap.Int("channels", len(g.channels)))
	return nil
}

// Shutdown stops periodic tasks after their current iteration, lets pending
// breaker actions finish, resolves pending commands and closes the channels.
// It is idempotent.
func (g *Gateway) Shutdown() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	cancel := g.cancel
	g.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	g.wg.Wait()
	g.actWG.Wait()
	g.cmds.Shutdown()
	g.conns.Shutdown()
	g.requestShutdown()
	g.log.Info("gateway stopped")
}

// ShutdownRequested is closed when the breaker reaches critical shutdown or
// Shutdown is called. The owner is expected to call Shutdown.
func (g *Gateway) ShutdownRequested() <-chan struct{} { return g.shutdownReq }

func (g *Gateway) requestShutdown() {
	g.shutdownOnce.Do(func() { close(g.shutdownReq) })
}

// Snapshot returns a read-only copy of orders, positions and counters.
func (g *Gateway) Snapshot() Snapshot {
	v := g.ledger.View()
	orders := make([]common.Order, 0, len(v.Orders))
	for _, o := range v.Orders {
		orders = append(orders, o)
	}
	sort.Slice(orders, func(i, j int) bool {
		if orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].OrderID < orders[j].OrderID
		}
		return orders[i].CreatedAt.Before(orders[j].CreatedAt)
	})
	positions := make([]common.Position, 0, len(v.Positions))
	for _, p := range v.Positions {
		positions = append(positions, p)
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i].Side < positions[j].Side })

	return Snapshot{
		Orders:    orders,
		Positions: positions,
		Balance:   v.Balance,
		Stats:     v.Stats,
		Fills:     v.Fills,
		Channels:  g.conns.Status(),
		Limiter:   g.limiter.State(),
		Paused:    g.paused.Load(),
		UpdatedAt: v.UpdatedAt,
	}
}

// HealthReport returns the latest aggregate score, band and components.
func (g *Gateway) HealthReport() health.Report { return g.breaker.Report() }

// Reconfigure applies a new configuration snapshot. Thresholds, health
// weights and rate limits change in place; anything else needs a new
// gateway and is rejected.
func (g *Gateway) Reconfigure(cfg config.GatewayConfig) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("gateway config: %w", err)
	}
	g.cfgMu.Lock()
	defer g.cfgMu.Unlock()
	if diff := immutableDiff(g.cfg, cfg); len(diff) > 0 {
		return fmt.Errorf("%w: %v", ErrImmutableField, diff)
	}

	g.breaker.SetThresholds(cfg.Thresholds)
	weights := cfg.HealthWeights
	if len(weights) == 0 {
		weights = config.DefaultHealthWeights()
	}
	g.agg.SetWeights(weights)
	if cfg.RequestsPerSecond != g.cfg.RequestsPerSecond || cfg.Burst != g.cfg.Burst {
		g.limiter.SetBase(cfg.RequestsPerSecond, cfg.Burst)
	}
	g.cfg = cfg
	g.log.Info("gateway reconfigured",
		zap.Float64("minor_pause", cfg.Thresholds.MinorPause),
		zap.Float64("major_cancel", cfg.Thresholds.MajorCancel),
		zap.Float64("critical_shutdown", cfg.Thresholds.CriticalShutdown),
		zap.Float64("rps", cfg.RequestsPerSecond))
	return nil
}

func immutableDiff(a, b config.GatewayConfig) []string {
	var out []string
	check := func(name string, same bool) {
		if !same {
			out = append(out, name)
		}
	}
	check("symbol", a.Symbol == b.Symbol)
	check("category", a.Category == b.Category)
	check("settle_coin", a.SettleCoin == b.SettleCoin)
	check("testnet", a.Testnet == b.Testnet)
	check("credentials", a.APIKey == b.APIKey && a.APISecret == b.APISecret)
	check("recv_window_ms", a.RecvWindow == b.RecvWindow)
	check("endpoints", a.RESTURL == b.RESTURL && a.PublicWSURL == b.PublicWSURL && a.PrivateWSURL == b.PrivateWSURL)
	check("order_link_prefix", a.OrderLinkPrefix == b.OrderLinkPrefix)
	check("command_timeout", a.CommandTimeout == b.CommandTimeout)
	check("max_in_flight_commands", a.MaxInFlightCommands == b.MaxInFlightCommands)
	check("retry", a.RetryMaxAttempts == b.RetryMaxAttempts &&
		a.RetryBaseDelay == b.RetryBaseDelay && a.RetryMaxDelay == b.RetryMaxDelay)
	check("reconnect_ladder", sameDurations(a.ReconnectLadder, b.ReconnectLadder))
	check("intervals", a.HeartbeatInterval == b.HeartbeatInterval &&
		a.ReconcileInterval == b.ReconcileInterval && a.HealthInterval == b.HealthInterval &&
		a.FreshnessWindow == b.FreshnessWindow && a.StaleDataTimeout == b.StaleDataTimeout)
	return out
}

func sameDurations(a, b []time.Duration) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// refreshHealth rescores the sampled components ahead of each evaluation.
func (g *Gateway) refreshHealth() {
	g.heartbeat.Refresh()
	g.agg.Update(health.ComponentOrderExecution, g.execs.rate(), g.execs.String())
	g.metrics.ObserveLimiter(g.limiter.State())
	g.metrics.SetOpenOrders(len(g.ledger.ActiveOrders()))
	g.metrics.ObserveHealth(g.breaker.Report())
}

func (g *Gateway) marketSeen() time.Time {
	n := g.lastMarket.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// requestReconcile asks for an out-of-band pass, e.g. after the account
// channel reconnected. Requests made while one is queued coalesce.
func (g *Gateway) requestReconcile() {
	select {
	case g.reconcileC <- struct{}{}:
	default:
	}
}

func (g *Gateway) reconcileOnDemand(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-g.reconcileC:
			if _, err := g.recon.Reconcile(ctx); err != nil && ctx.Err() == nil {
				g.log.Warn("reconciliation failed", zap.Error(err))
			}
		}
	}
}
