package strategy

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"venue-gateway/internal/events"
	"venue-gateway/internal/health"
	"venue-gateway/internal/ledger"
	"venue-gateway/pkg/exchanges/common"
)

type fakeState struct {
	ledger *ledger.Ledger
	bus    *events.Bus
	report health.Report
}

func newFakeState() *fakeState {
	return &fakeState{ledger: ledger.New("BTCUSDT"), bus: events.NewBus()}
}

func (f *fakeState) Ledger() *ledger.Ledger      { return f.ledger }
func (f *fakeState) HealthReport() health.Report { return f.report }
func (f *fakeState) Bus() *events.Bus            { return f.bus }

type recording struct {
	name string
	err  error

	mu      sync.Mutex
	ticks   int
	orders  int
	status  health.Status
	markets []string
}

func (r *recording) Name() string { return r.name }

func (r *recording) OnTick(_ context.Context, view ledger.View, report health.Report) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ticks++
	r.orders = len(view.Orders)
	r.status = report.Status
	return r.err
}

func (r *recording) OnMarket(md events.MarketData) {
	r.mu.Lock()
	r.markets = append(r.markets, md.Topic)
	r.mu.Unlock()
}

func (r *recording) tickCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ticks
}

type panicky struct{}

func (panicky) Name() string { return "panicky" }
func (panicky) OnTick(context.Context, ledger.View, health.Report) error {
	panic("boom")
}

func TestRunnerTickPassesViewAndReport(t *testing.T) {
	st := newFakeState()
	st.ledger.InsertOptimistic(common.Order{
		OrderID: "o1", Symbol: "BTCUSDT", Side: common.SideBuy, Type: common.OrderTypeLimit,
		Price: decimal.NewFromInt(100), Qty: decimal.NewFromInt(1), Status: common.StatusNew,
	})
	st.report = health.Report{OverallScore: 0.65, Status: health.StatusMinorPause}

	r := NewRunner(st, time.Hour, zap.NewNop())
	rec := &recording{name: "rec"}
	r.Add(rec)
	r.Tick(context.Background())

	assert.Equal(t, 1, rec.ticks)
	assert.Equal(t, 1, rec.orders)
	assert.Equal(t, health.StatusMinorPause, rec.status)
}

func TestRunnerIsolatesFailures(t *testing.T) {
	r := NewRunner(newFakeState(), time.Hour, nil)
	failing := &recording{name: "failing", err: errors.New("nope")}
	ok := &recording{name: "ok"}
	r.Add(panicky{})
	r.Add(failing)
	r.Add(ok)

	r.Tick(context.Background())
	r.Tick(context.Background())

	assert.Equal(t, 2, r.Failures("panicky"))
	assert.Equal(t, 2, r.Failures("failing"))
	assert.Equal(t, 0, r.Failures("ok"))
	assert.Equal(t, 2, ok.ticks)
}

func TestRunnerPauseResume(t *testing.T) {
	r := NewRunner(newFakeState(), time.Hour, nil)
	rec := &recording{name: "rec"}
	r.Add(rec)

	r.Pause("rec")
	r.Tick(context.Background())
	r.forwardMarket(events.MarketData{Topic: "tickers.BTCUSDT"})
	assert.Equal(t, 0, rec.ticks)
	assert.Empty(t, rec.markets)

	r.Resume("rec")
	r.Tick(context.Background())
	r.forwardMarket(events.MarketData{Topic: "tickers.BTCUSDT"})
	assert.Equal(t, 1, rec.ticks)
	assert.Equal(t, []string{"tickers.BTCUSDT"}, rec.markets)
}

func TestRunnerRunTicksUntilCancelled(t *testing.T) {
	r := NewRunner(newFakeState(), 5*time.Millisecond, nil)
	rec := &recording{name: "rec"}
	r.Add(rec)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return rec.tickCount() >= 2 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("runner did not stop")
	}
}

func TestObserverLogsOnScheduleAndBandChange(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	o := NewObserver(3, zap.New(core))
	view := ledger.New("BTCUSDT").View()
	normal := health.Report{OverallScore: 1, Status: health.StatusNormal}

	o.OnMarket(events.MarketData{Topic: "orderbook.1.BTCUSDT"})
	require.NoError(t, o.OnTick(context.Background(), view, normal))
	require.NoError(t, o.OnTick(context.Background(), view, normal))
	assert.Equal(t, 0, logs.Len())

	require.NoError(t, o.OnTick(context.Background(), view, normal))
	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, int64(1), fields["marketMsgs"])
	assert.Equal(t, "orderbook.1.BTCUSDT", fields["lastTopic"])
	assert.Equal(t, "normal", fields["status"])

	require.NoError(t, o.OnTick(context.Background(), view, health.Report{OverallScore: 0.4, Status: health.StatusMajorCancel}))
	require.Equal(t, 2, logs.Len())
	assert.Equal(t, "major_cancel", logs.All()[1].ContextMap()["status"])
}
