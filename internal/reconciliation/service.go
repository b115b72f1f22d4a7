package reconciliation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"venue-gateway/internal/health"
	"venue-gateway/internal/ledger"
	"venue-gateway/pkg/exchanges/common"
)

// Limiter gates the snapshot requests.
type Limiter interface {
	Acquire(ctx context.Context) error
	RecordOutcome(success bool)
}

// HealthSink receives the reconciliation component score.
type HealthSink interface {
	Update(name string, score float64, message string)
}

// Observer counts passes by outcome.
type Observer interface {
	ObserveReconciliation(err error)
}

// Config scopes the snapshot.
type Config struct {
	Category   string
	Symbol     string
	SettleCoin string
	Interval   time.Duration
}

// Service periodically replaces the ledger's view with a venue snapshot.
type Service struct {
	cfg    Config
	source common.SnapshotSource
	ledger *ledger.Ledger
	lim    Limiter
	health HealthSink
	obs    Observer
	log    *zap.Logger

	mu       sync.Mutex
	failures int
	last     *Report
	onReport func(*Report)
}

// Report contains reconciliation results.
type Report struct {
	Timestamp time.Time       `json:"timestamp"`
	Duration  time.Duration   `json:"duration"`
	Orders    int             `json:"orders"`
	Positions int             `json:"positions"`
	Removed   int             `json:"removed"`
	Changes   []ledger.Change `json:"changes,omitempty"`
	HasDiffs  bool            `json:"hasDiffs"`
}

func NewService(cfg Config, source common.SnapshotSource, l *ledger.Ledger, lim Limiter, hs HealthSink, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	return &Service{cfg: cfg, source: source, ledger: l, lim: lim, health: hs, log: log.Named("reconcile")}
}

// SetObserver must be called before Run.
func (s *Service) SetObserver(o Observer) { s.obs = o }

// OnReport registers f for every successful pass. Register before Run.
func (s *Service) OnReport(f func(*Report)) { s.onReport = f }

// Run reconciles every interval until ctx ends. A pass in progress completes
// before Run returns.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	s.log.Info("reconciliation started", zap.Duration("interval", s.cfg.Interval))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Reconcile(ctx); err != nil && ctx.Err() == nil {
				s.log.Warn("reconciliation failed", zap.Error(err))
			}
		}
	}
}

// Reconcile fetches orders, positions and balance and merges them. Fetching
// happens outside the ledger lock so pushes keep flowing.
func (s *Service) Reconcile(ctx context.Context) (*Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	snap, err := s.fetch(ctx)
	if s.obs != nil {
		s.obs.ObserveReconciliation(err)
	}
	if err != nil {
		s.failures++
		s.reportHealth(fmt.Sprintf("failed %d time(s): %v", s.failures, err))
		return nil, err
	}

	res := s.ledger.ApplyReconciliation(snap)
	s.failures = 0
	report := &Report{
		Timestamp: time.Now(),
		Duration:  time.Since(start),
		Orders:    len(snap.Orders),
		Positions: len(snap.Positions),
		Removed:   res.Removed,
		Changes:   res.Changes,
		HasDiffs:  len(res.Changes) > 0,
	}
	s.last = report
	s.reportHealth(fmt.Sprintf("%d orders, %d positions, %d removed", report.Orders, report.Positions, report.Removed))

	if report.HasDiffs {
		s.log.Info("reconciliation corrected ledger",
			zap.Int("changes", len(res.Changes)), zap.Int("removed", res.Removed))
	} else {
		s.log.Debug("reconciliation ok", zap.Int("orders", report.Orders))
	}
	if s.onReport != nil {
		s.onReport(report)
	}
	return report, nil
}

// Last returns the most recent successful report.
func (s *Service) Last() *Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func (s *Service) fetch(ctx context.Context) (ledger.Snapshot, error) {
	snap := ledger.Snapshot{TakenAt: time.Now()}
	var err error

	err = s.call(ctx, func(ctx context.Context) error {
		snap.Orders, err = s.source.GetOpenOrders(ctx, s.cfg.Category, s.cfg.Symbol)
		return err
	})
	if err != nil {
		return snap, fmt.Errorf("open orders: %w", err)
	}
	err = s.call(ctx, func(ctx context.Context) error {
		snap.Positions, err = s.source.GetPositions(ctx, s.cfg.Category, s.cfg.Symbol)
		return err
	})
	if err != nil {
		return snap, fmt.Errorf("positions: %w", err)
	}
	if s.cfg.SettleCoin != "" {
		var bal common.Balance
		err = s.call(ctx, func(ctx context.Context) error {
			bal, err = s.source.GetBalance(ctx, s.cfg.SettleCoin)
			return err
		})
		if err != nil {
			return snap, fmt.Errorf("balance: %w", err)
		}
		snap.Balance = &bal
	}
	return snap, nil
}

func (s *Service) call(ctx context.Context, f func(ctx context.Context) error) error {
	if s.lim != nil {
		if err := s.lim.Acquire(ctx); err != nil {
			return err
		}
	}
	err := f(ctx)
	if s.lim != nil {
		s.lim.RecordOutcome(err == nil)
	}
	return err
}

// reportHealth scores 1 after a success, 0.5 after one failure and 0 once
// failures repeat.
func (s *Service) reportHealth(msg string) {
	if s.health == nil {
		return
	}
	score := 1.0
	switch {
	case s.failures >= 2:
		score = 0
	case s.failures == 1:
		score = 0.5
	}
	s.health.Update(health.ComponentReconciliation, score, msg)
}
