package ledger

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"venue-gateway/pkg/exchanges/common"
)

var t0 = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func order(id string, status common.OrderStatus, cum string, at time.Duration) common.Order {
	return common.Order{
		OrderID:    id,
		Symbol:     "BTCUSDT",
		Side:       common.SideBuy,
		Type:       common.OrderTypeLimit,
		Price:      decimal.NewFromInt(100),
		Qty:        decimal.NewFromInt(1),
		CumExecQty: decimal.RequireFromString(cum),
		AvgPrice:   decimal.NewFromInt(100),
		Status:     status,
		UpdatedAt:  t0.Add(at),
	}
}

// clock is the ledger's local clock under test control.
type clock struct{ at time.Time }

func (c *clock) now() time.Time { return c.at }

// newAt returns a ledger whose local clock reads start until moved.
func newAt(start time.Time) (*Ledger, *clock) {
	c := &clock{at: start}
	l := New("BTCUSDT")
	l.now = c.now
	return l, c
}

// update is one delivery: a push or a reconciliation snapshot.
type update struct {
	push  bool
	order common.Order
}

func (u update) apply(l *Ledger) {
	if u.push {
		l.ApplyPush(Push{Orders: []common.Order{u.order}})
		return
	}
	l.ApplyReconciliation(Snapshot{TakenAt: t0, Orders: []common.Order{u.order}})
}

func permutations(in []update) [][]update {
	if len(in) <= 1 {
		return [][]update{append([]update(nil), in...)}
	}
	var out [][]update
	for i := range in {
		rest := append(append([]update(nil), in[:i]...), in[i+1:]...)
		for _, p := range permutations(rest) {
			out = append(out, append([]update{in[i]}, p...))
		}
	}
	return out
}

func TestMergeConvergesForAnyInterleaving(t *testing.T) {
	tests := []struct {
		name       string
		updates    []update
		wantOpen   bool
		wantStatus common.OrderStatus
		wantCum    string
		wantFills  int
	}{
		{
			name: "ends filled",
			updates: []update{
				{push: true, order: order("o1", common.StatusNew, "0", 1*time.Second)},
				{push: true, order: order("o1", common.StatusPartiallyFilled, "0.4", 2*time.Second)},
				{push: false, order: order("o1", common.StatusNew, "0", 0)},
				{push: true, order: order("o1", common.StatusFilled, "1", 3*time.Second)},
			},
			wantFills: 1,
		},
		{
			name: "ends partially filled",
			updates: []update{
				{push: true, order: order("o1", common.StatusNew, "0", 1*time.Second)},
				{push: true, order: order("o1", common.StatusPartiallyFilled, "0.4", 2*time.Second)},
				{push: true, order: order("o1", common.StatusPartiallyFilled, "0.7", 3*time.Second)},
				{push: false, order: order("o1", common.StatusNew, "0", 0)},
			},
			wantOpen:   true,
			wantStatus: common.StatusPartiallyFilled,
			wantCum:    "0.7",
		},
		{
			name: "ends cancelled",
			updates: []update{
				{push: false, order: order("o1", common.StatusPartiallyFilled, "0.2", 0)},
				{push: true, order: order("o1", common.StatusNew, "0", 1*time.Second)},
				{push: true, order: order("o1", common.StatusCancelled, "0.2", 2*time.Second)},
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			for i, perm := range permutations(tc.updates) {
				l := New("BTCUSDT")
				for _, u := range perm {
					u.apply(l)
				}
				o, open := l.Order("o1")
				require.Equal(t, tc.wantOpen, open, "permutation %d", i)
				if open {
					assert.Equal(t, tc.wantStatus, o.Status, "permutation %d", i)
					assert.True(t, decimal.RequireFromString(tc.wantCum).Equal(o.CumExecQty), "permutation %d cum %s", i, o.CumExecQty)
				}
				assert.Len(t, l.Fills(), tc.wantFills, "permutation %d", i)
			}
		})
	}
}

func TestReconciliationRemovesOmittedOrder(t *testing.T) {
	l, _ := newAt(t0.Add(-time.Minute))
	l.ApplyPush(Push{Orders: []common.Order{order("o1", common.StatusNew, "0", -time.Minute)}})
	require.Len(t, l.ActiveOrders(), 1)

	res := l.ApplyReconciliation(Snapshot{TakenAt: t0})
	assert.Equal(t, 1, res.Removed)
	assert.Empty(t, l.ActiveOrders())

	// A late New push cannot reopen it.
	l.ApplyPush(Push{Orders: []common.Order{order("o1", common.StatusNew, "0", -time.Minute)}})
	assert.Empty(t, l.ActiveOrders())
}

func TestReconciliationKeepsNewerLocalOrders(t *testing.T) {
	l, _ := newAt(t0.Add(time.Second))
	l.ApplyPush(Push{Orders: []common.Order{order("fresh", common.StatusNew, "0", time.Second)}})

	res := l.ApplyReconciliation(Snapshot{TakenAt: t0})
	assert.Zero(t, res.Removed)
	_, ok := l.Order("fresh")
	assert.True(t, ok)
}

func TestReconciliationKeepsOrderPushedDuringFetch(t *testing.T) {
	// The venue stamped the order before the fetch began but the push only
	// arrived afterwards, so the snapshot may simply not include it yet.
	l, c := newAt(t0.Add(-time.Minute))
	c.at = t0.Add(200 * time.Millisecond)
	l.ApplyPush(Push{Orders: []common.Order{order("o1", common.StatusNew, "0", -5*time.Second)}})

	res := l.ApplyReconciliation(Snapshot{TakenAt: t0})
	assert.Zero(t, res.Removed)
	_, ok := l.Order("o1")
	assert.True(t, ok)
}

func TestReconciliationKeepsOrderReportedAfterFetch(t *testing.T) {
	// Received long ago, but a repeat report after the fetch began proves it
	// is still live even though it carries nothing new.
	l, c := newAt(t0.Add(-time.Minute))
	l.ApplyPush(Push{Orders: []common.Order{order("o1", common.StatusPartiallyFilled, "0.4", -time.Minute)}})
	c.at = t0.Add(time.Second)
	l.ApplyPush(Push{Orders: []common.Order{order("o1", common.StatusNew, "0", -2*time.Minute)}})

	res := l.ApplyReconciliation(Snapshot{TakenAt: t0})
	assert.Zero(t, res.Removed)
	o, ok := l.Order("o1")
	require.True(t, ok)
	assert.Equal(t, common.StatusPartiallyFilled, o.Status)
}

func TestSnapshotRestoresOrderRemovedEarlier(t *testing.T) {
	l, c := newAt(t0.Add(-time.Minute))
	l.ApplyPush(Push{Orders: []common.Order{order("o1", common.StatusNew, "0", -time.Minute)}})

	// The first snapshot missed the order.
	res := l.ApplyReconciliation(Snapshot{TakenAt: t0})
	require.Equal(t, 1, res.Removed)
	assert.Empty(t, l.ActiveOrders())

	// The next one reports it open again.
	c.at = t0.Add(time.Minute)
	res = l.ApplyReconciliation(Snapshot{TakenAt: t0.Add(time.Minute), Orders: []common.Order{order("o1", common.StatusNew, "0", -time.Minute)}})
	require.Len(t, res.Changes, 1)
	assert.Equal(t, ChangeOrderOpened, res.Changes[0].Kind)
	o, ok := l.Order("o1")
	require.True(t, ok)
	assert.Equal(t, common.SourceReconciliation, o.Source)

	// Later pushes apply as usual.
	changes := l.ApplyPush(Push{Orders: []common.Order{order("o1", common.StatusPartiallyFilled, "0.3", 2*time.Minute)}})
	require.Len(t, changes, 1)
	assert.Equal(t, ChangeOrderUpdated, changes[0].Kind)
	o, _ = l.Order("o1")
	assert.Equal(t, common.StatusPartiallyFilled, o.Status)
	assert.True(t, decimal.RequireFromString("0.3").Equal(o.CumExecQty))

	// And it can still be closed for good.
	l.ApplyPush(Push{Orders: []common.Order{order("o1", common.StatusFilled, "1", 3*time.Minute)}})
	assert.Empty(t, l.ActiveOrders())
	assert.Len(t, l.Fills(), 1)
	assert.Empty(t, l.ApplyPush(Push{Orders: []common.Order{order("o1", common.StatusNew, "0", 4*time.Minute)}}))
}

func TestPushReopensOrderRemovedByReconciliation(t *testing.T) {
	l, c := newAt(t0.Add(-time.Minute))
	l.ApplyPush(Push{Orders: []common.Order{order("o1", common.StatusNew, "0", -time.Minute)}})
	l.ApplyReconciliation(Snapshot{TakenAt: t0})
	require.Empty(t, l.ActiveOrders())

	c.at = t0.Add(time.Second)
	changes := l.ApplyPush(Push{Orders: []common.Order{order("o1", common.StatusPartiallyFilled, "0.5", time.Second)}})
	require.Len(t, changes, 1)
	assert.Equal(t, ChangeOrderOpened, changes[0].Kind)

	// Freshly received, so an older snapshot leaves it alone.
	res := l.ApplyReconciliation(Snapshot{TakenAt: t0})
	assert.Zero(t, res.Removed)
	o, ok := l.Order("o1")
	require.True(t, ok)
	assert.Equal(t, common.StatusPartiallyFilled, o.Status)
}

func TestReconciliationNeverRegressesTerminal(t *testing.T) {
	l := New("BTCUSDT")
	l.ApplyPush(Push{Orders: []common.Order{order("o1", common.StatusFilled, "1", time.Second)}})
	l.ApplyReconciliation(Snapshot{TakenAt: t0, Orders: []common.Order{order("o1", common.StatusNew, "0", 0)}})
	assert.Empty(t, l.ActiveOrders())
	assert.Equal(t, 1, l.Stats().OrdersFilled)
}

func TestLateTerminalAfterReconciliationRecordsFill(t *testing.T) {
	l, _ := newAt(t0.Add(-time.Minute))
	l.ApplyPush(Push{Orders: []common.Order{order("o1", common.StatusNew, "0", -time.Minute)}})
	l.ApplyReconciliation(Snapshot{TakenAt: t0})

	changes := l.ApplyPush(Push{Orders: []common.Order{order("o1", common.StatusFilled, "1", -time.Second)}})
	assert.Empty(t, l.ActiveOrders())
	require.Len(t, l.Fills(), 1)
	assert.Len(t, changes, 2)

	// A repeat of the same terminal report changes nothing.
	assert.Empty(t, l.ApplyPush(Push{Orders: []common.Order{order("o1", common.StatusFilled, "1", -time.Second)}}))
	assert.Len(t, l.Fills(), 1)
}

func TestPlaceThenFillScenario(t *testing.T) {
	l := New("BTCUSDT")
	placed := common.Order{
		OrderID:       "o1",
		ClientOrderID: "mmx-a",
		Symbol:        "BTCUSDT",
		Side:          common.SideBuy,
		Type:          common.OrderTypeLimit,
		Price:         decimal.NewFromInt(100),
		Qty:           decimal.NewFromInt(1),
	}
	require.True(t, l.InsertOptimistic(placed))

	open := l.ActiveOrders()
	require.Len(t, open, 1)
	assert.Equal(t, common.StatusNew, open["o1"].Status)
	assert.Equal(t, common.SourceLocalOptimistic, open["o1"].Source)

	filled := order("o1", common.StatusFilled, "1", time.Second)
	filled.ClientOrderID = ""
	changes := l.ApplyPush(Push{Orders: []common.Order{filled}})

	assert.Empty(t, l.ActiveOrders())
	fills := l.Fills()
	require.Len(t, fills, 1)
	assert.Equal(t, "mmx-a", fills[0].ClientOrderID)
	assert.True(t, decimal.NewFromInt(1).Equal(fills[0].Qty))
	require.Len(t, changes, 2)
	assert.Equal(t, ChangeOrderClosed, changes[0].Kind)
	assert.Equal(t, ChangeFill, changes[1].Kind)

	st := l.Stats()
	assert.Equal(t, 1, st.OrdersPlaced)
	assert.Equal(t, 1, st.OrdersFilled)
}

func TestOptimisticEntryOverwrittenAtEqualRank(t *testing.T) {
	l := New("BTCUSDT")
	l.InsertOptimistic(common.Order{OrderID: "o1", ClientOrderID: "mmx-a", Symbol: "BTCUSDT", Price: decimal.NewFromInt(100)})

	pushed := order("o1", common.StatusNew, "0", -time.Hour)
	pushed.Price = decimal.NewFromInt(101)
	l.ApplyPush(Push{Orders: []common.Order{pushed}})

	o, ok := l.Order("o1")
	require.True(t, ok)
	assert.Equal(t, common.SourcePush, o.Source)
	assert.True(t, decimal.NewFromInt(101).Equal(o.Price))
	assert.Equal(t, "mmx-a", o.ClientOrderID)
}

func TestOptimisticInsertAfterPush(t *testing.T) {
	l := New("BTCUSDT")
	l.ApplyPush(Push{Orders: []common.Order{order("o1", common.StatusPartiallyFilled, "0.5", 0)}})
	assert.False(t, l.InsertOptimistic(common.Order{OrderID: "o1"}))
	o, _ := l.Order("o1")
	assert.Equal(t, common.StatusPartiallyFilled, o.Status)

	l.ApplyPush(Push{Orders: []common.Order{order("o2", common.StatusCancelled, "0", 0)}})
	assert.False(t, l.InsertOptimistic(common.Order{OrderID: "o2"}))
	assert.Len(t, l.ActiveOrders(), 1)
}

func TestMarkClosedIsIdempotent(t *testing.T) {
	l := New("BTCUSDT")
	l.InsertOptimistic(common.Order{OrderID: "o1"})

	assert.True(t, l.MarkClosed("o1", common.StatusCancelled))
	assert.False(t, l.MarkClosed("o1", common.StatusCancelled))
	assert.False(t, l.MarkClosed("unknown", common.StatusCancelled))
	assert.Empty(t, l.ActiveOrders())
	assert.Equal(t, 1, l.Stats().OrdersCancelled)
}

func TestApplyAmend(t *testing.T) {
	l := New("BTCUSDT")
	l.ApplyPush(Push{Orders: []common.Order{order("o1", common.StatusNew, "0", 0)}})
	price := decimal.NewFromInt(105)
	require.True(t, l.ApplyAmend("o1", &price, nil))

	o, _ := l.Order("o1")
	assert.True(t, price.Equal(o.Price))
	assert.True(t, decimal.NewFromInt(1).Equal(o.Qty))
	assert.False(t, l.ApplyAmend("missing", &price, nil))
}

func TestPositions(t *testing.T) {
	long := common.Position{Symbol: "BTCUSDT", Side: common.PositionLong, Size: decimal.NewFromInt(2), AvgPrice: decimal.NewFromInt(100)}
	short := common.Position{Symbol: "BTCUSDT", Side: common.PositionShort, Size: decimal.NewFromInt(1), AvgPrice: decimal.NewFromInt(110)}

	t.Run("zero size removes side", func(t *testing.T) {
		l := New("BTCUSDT")
		l.ApplyPush(Push{Positions: []common.Position{long, short}})
		require.Len(t, l.Positions(), 2)

		flat := long
		flat.Size = decimal.Zero
		l.ApplyPush(Push{Positions: []common.Position{flat}})
		pos := l.Positions()
		assert.Len(t, pos, 1)
		_, ok := pos[common.PositionLong]
		assert.False(t, ok)
	})

	t.Run("replaced wholesale", func(t *testing.T) {
		l := New("BTCUSDT")
		l.ApplyPush(Push{Positions: []common.Position{long}})
		bigger := long
		bigger.Size = decimal.NewFromInt(5)
		bigger.AvgPrice = decimal.NewFromInt(99)
		l.ApplyPush(Push{Positions: []common.Position{bigger}})
		got := l.Positions()[common.PositionLong]
		assert.True(t, decimal.NewFromInt(5).Equal(got.Size))
		assert.True(t, decimal.NewFromInt(99).Equal(got.AvgPrice))
	})

	t.Run("one-way flat clears both sides", func(t *testing.T) {
		l := New("BTCUSDT")
		l.ApplyPush(Push{Positions: []common.Position{long}})
		l.ApplyPush(Push{FlatSymbol: "BTCUSDT"})
		assert.Empty(t, l.Positions())
	})

	t.Run("reconciliation drops unreported sides", func(t *testing.T) {
		l, _ := newAt(t0.Add(-time.Minute))
		l.ApplyPush(Push{Positions: []common.Position{long, short}})
		l.ApplyReconciliation(Snapshot{TakenAt: t0, Positions: []common.Position{short}})
		pos := l.Positions()
		assert.Len(t, pos, 1)
		assert.Contains(t, pos, common.PositionShort)
	})

	t.Run("reconciliation keeps sides received during fetch", func(t *testing.T) {
		l, c := newAt(t0.Add(-time.Minute))
		l.ApplyPush(Push{Positions: []common.Position{short}})
		c.at = t0.Add(time.Second)
		fresh := long
		fresh.UpdatedAt = t0.Add(-time.Hour)
		l.ApplyPush(Push{Positions: []common.Position{fresh}})

		stale := long
		stale.Size = decimal.NewFromInt(7)
		l.ApplyReconciliation(Snapshot{TakenAt: t0, Positions: []common.Position{stale}})
		pos := l.Positions()
		require.Contains(t, pos, common.PositionLong)
		assert.True(t, decimal.NewFromInt(2).Equal(pos[common.PositionLong].Size))
		assert.NotContains(t, pos, common.PositionShort)
	})

	t.Run("other symbols ignored", func(t *testing.T) {
		l := New("BTCUSDT")
		eth := long
		eth.Symbol = "ETHUSDT"
		l.ApplyPush(Push{Positions: []common.Position{eth}})
		assert.Empty(t, l.Positions())
	})
}

func TestExecutionsDeduplicated(t *testing.T) {
	l := New("BTCUSDT")
	e := common.Execution{
		ExecID: "e1", OrderID: "o1", Symbol: "BTCUSDT", Side: common.SideBuy,
		Qty: decimal.RequireFromString("0.5"), Price: decimal.NewFromInt(100), Fee: decimal.RequireFromString("0.01"),
	}
	l.ApplyPush(Push{Executions: []common.Execution{e}})
	l.ApplyPush(Push{Executions: []common.Execution{e}})

	st := l.Stats()
	assert.Equal(t, 1, st.Executions)
	assert.True(t, decimal.RequireFromString("0.5").Equal(st.Volume))
	assert.True(t, decimal.NewFromInt(50).Equal(st.Notional))
	assert.True(t, decimal.RequireFromString("0.01").Equal(st.Fees))
}

func TestBalance(t *testing.T) {
	l := New("BTCUSDT")
	bal := common.Balance{Coin: "USDT", Available: decimal.NewFromInt(900), Wallet: decimal.NewFromInt(1000)}
	changes := l.ApplyPush(Push{Balance: &bal})
	require.Len(t, changes, 1)
	assert.Equal(t, ChangeBalance, changes[0].Kind)
	assert.True(t, decimal.NewFromInt(900).Equal(l.Balance().Available))
}

func TestConcurrentPushAndReconciliation(t *testing.T) {
	l := New("BTCUSDT")
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				id := fmt.Sprintf("o%d-%d", w, i)
				l.ApplyPush(Push{Orders: []common.Order{order(id, common.StatusNew, "0", time.Second)}})
				l.ApplyPush(Push{Orders: []common.Order{order(id, common.StatusFilled, "1", 2*time.Second)}})
			}
		}(w)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			l.ApplyReconciliation(Snapshot{TakenAt: t0})
			_ = l.View()
		}
	}()
	wg.Wait()

	assert.Empty(t, l.ActiveOrders())
	assert.Equal(t, 400, l.Stats().OrdersFilled)
}
