// Package ledger keeps the local view of open orders, positions and balance.
//
// Updates for one order merge by status precedence (terminal over
// PartiallyFilled over New), so push and reconciliation deliveries converge
// regardless of interleaving. Closed order ids are remembered for a while so
// late or stale reports cannot reopen them.
//
// Venue timestamps order reports of one order against each other. Whether a
// record is newer than a reconciliation snapshot is judged by when the ledger
// received it, on the local clock the snapshot is stamped with.
package ledger

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"venue-gateway/pkg/exchanges/common"
)

const (
	maxTombstones = 4096
	maxFills      = 256
	maxExecIDs    = 4096
)

// ChangeKind names a ledger mutation.
type ChangeKind string

const (
	ChangeOrderOpened     ChangeKind = "order_opened"
	ChangeOrderUpdated    ChangeKind = "order_updated"
	ChangeOrderClosed     ChangeKind = "order_closed"
	ChangePositionChanged ChangeKind = "position_changed"
	ChangePositionClosed  ChangeKind = "position_closed"
	ChangeBalance         ChangeKind = "balance"
	ChangeFill            ChangeKind = "fill"
)

// Change is one applied mutation. Ignored updates produce no Change.
type Change struct {
	Kind     ChangeKind       `json:"kind"`
	Order    *common.Order    `json:"order,omitempty"`
	Position *common.Position `json:"position,omitempty"`
	Balance  *common.Balance  `json:"balance,omitempty"`
	Fill     *common.Fill     `json:"fill,omitempty"`
}

// Push is the decoded content of one account stream message.
type Push struct {
	Orders     []common.Order
	Positions  []common.Position
	FlatSymbol string // a one-way flat report clears both sides
	Balance    *common.Balance
	Executions []common.Execution
}

// Snapshot is a full account state fetched for reconciliation. TakenAt is
// the local time fetching began; records received after that are left alone.
type Snapshot struct {
	TakenAt   time.Time
	Orders    []common.Order
	Positions []common.Position
	Balance   *common.Balance
}

// Stats are session counters.
type Stats struct {
	OrdersPlaced    int             `json:"ordersPlaced"`
	OrdersFilled    int             `json:"ordersFilled"`
	OrdersCancelled int             `json:"ordersCancelled"`
	OrdersRejected  int             `json:"ordersRejected"`
	Executions      int             `json:"executions"`
	Volume          decimal.Decimal `json:"volume"`
	Notional        decimal.Decimal `json:"notional"`
	Fees            decimal.Decimal `json:"fees"`
	LastFillAt      time.Time       `json:"lastFillAt,omitempty"`
}

// View is a read-only copy of the ledger.
type View struct {
	Orders    map[string]common.Order                 `json:"orders"`
	Positions map[common.PositionSide]common.Position `json:"positions"`
	Balance   common.Balance                          `json:"balance"`
	Stats     Stats                                   `json:"stats"`
	Fills     []common.Fill                           `json:"fills"`
	UpdatedAt time.Time                               `json:"updatedAt"`
}

// ReconcileResult summarizes one reconciliation pass.
type ReconcileResult struct {
	Changes []Change
	Removed int // open orders the venue no longer reported
}

// Ledger is safe for concurrent use; one mutex guards every map.
type Ledger struct {
	symbol string
	now    func() time.Time

	mu        sync.RWMutex
	orders    map[string]common.Order
	seen      map[string]time.Time // local receipt time per open order
	tombs     map[string]common.OrderStatus
	tombOrder []string
	positions map[common.PositionSide]common.Position
	posSeen   map[common.PositionSide]time.Time
	balance   common.Balance
	fills     []common.Fill
	execSeen  map[string]struct{}
	execOrder []string
	stats     Stats
	updatedAt time.Time
}

// New returns an empty ledger for symbol. An empty symbol accepts all.
func New(symbol string) *Ledger {
	return &Ledger{
		symbol:    symbol,
		now:       time.Now,
		orders:    make(map[string]common.Order),
		seen:      make(map[string]time.Time),
		tombs:     make(map[string]common.OrderStatus),
		positions: make(map[common.PositionSide]common.Position),
		posSeen:   make(map[common.PositionSide]time.Time),
		execSeen:  make(map[string]struct{}),
	}
}

// ApplyPush merges one account push.
func (l *Ledger) ApplyPush(p Push) []Change {
	l.mu.Lock()
	defer l.mu.Unlock()

	var changes []Change
	for _, o := range p.Orders {
		if !l.ours(o.Symbol) {
			continue
		}
		o.Source = common.SourcePush
		changes = append(changes, l.mergeOrder(o)...)
	}
	if p.FlatSymbol != "" && l.ours(p.FlatSymbol) {
		for side, pos := range l.positions {
			delete(l.positions, side)
			delete(l.posSeen, side)
			pos := pos
			changes = append(changes, Change{Kind: ChangePositionClosed, Position: &pos})
		}
	}
	for _, pos := range p.Positions {
		if !l.ours(pos.Symbol) {
			continue
		}
		if c, ok := l.setPosition(pos); ok {
			changes = append(changes, c)
		}
	}
	if p.Balance != nil {
		l.balance = *p.Balance
		b := l.balance
		changes = append(changes, Change{Kind: ChangeBalance, Balance: &b})
	}
	for _, e := range p.Executions {
		if l.ours(e.Symbol) {
			l.recordExecution(e)
		}
	}
	if len(changes) > 0 {
		l.updatedAt = l.now()
	}
	return changes
}

// ApplyReconciliation merges a full snapshot. Open orders the snapshot
// omits are removed unless the ledger received news of them after the
// snapshot was taken. Positions are replaced wholesale under the same rule.
func (l *Ledger) ApplyReconciliation(s Snapshot) ReconcileResult {
	l.mu.Lock()
	defer l.mu.Unlock()

	var res ReconcileResult
	seen := make(map[string]struct{}, len(s.Orders))
	for _, o := range s.Orders {
		if !l.ours(o.Symbol) {
			continue
		}
		seen[o.OrderID] = struct{}{}
		o.Source = common.SourceReconciliation
		res.Changes = append(res.Changes, l.mergeOrder(o)...)
	}
	for id, cur := range l.orders {
		if _, ok := seen[id]; ok {
			continue
		}
		if !l.seen[id].Before(s.TakenAt) {
			continue
		}
		l.dropOrder(id)
		l.tombstone(id, "")
		res.Removed++
		gone := cur
		res.Changes = append(res.Changes, Change{Kind: ChangeOrderClosed, Order: &gone})
	}

	reported := make(map[common.PositionSide]struct{}, len(s.Positions))
	for _, pos := range s.Positions {
		if !l.ours(pos.Symbol) {
			continue
		}
		reported[pos.Side] = struct{}{}
		if _, ok := l.positions[pos.Side]; ok && !l.posSeen[pos.Side].Before(s.TakenAt) {
			continue
		}
		if c, ok := l.setPosition(pos); ok {
			res.Changes = append(res.Changes, c)
		}
	}
	for side, cur := range l.positions {
		if _, ok := reported[side]; ok || !l.posSeen[side].Before(s.TakenAt) {
			continue
		}
		delete(l.positions, side)
		delete(l.posSeen, side)
		gone := cur
		res.Changes = append(res.Changes, Change{Kind: ChangePositionClosed, Position: &gone})
	}

	if s.Balance != nil {
		l.balance = *s.Balance
	}
	l.updatedAt = l.now()
	return res
}

// InsertOptimistic records an acknowledged placement before its push
// arrives. It is a no-op when the order is already known or closed.
func (l *Ledger) InsertOptimistic(o common.Order) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stats.OrdersPlaced++
	if o.OrderID == "" {
		return false
	}
	if _, ok := l.orders[o.OrderID]; ok {
		return false
	}
	if _, ok := l.tombs[o.OrderID]; ok {
		return false
	}
	now := l.now()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	o.UpdatedAt = now
	if o.Status == "" {
		o.Status = common.StatusNew
	}
	o.Source = common.SourceLocalOptimistic
	l.orders[o.OrderID] = o
	l.seen[o.OrderID] = now
	l.updatedAt = now
	return true
}

// ApplyAmend reflects an acknowledged amend locally until the venue reports it.
func (l *Ledger) ApplyAmend(orderID string, price, qty *decimal.Decimal) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	o, ok := l.orders[orderID]
	if !ok {
		return false
	}
	if price != nil {
		o.Price = *price
	}
	if qty != nil {
		o.Qty = *qty
	}
	o.UpdatedAt = l.now()
	o.Source = common.SourceLocalOptimistic
	l.orders[orderID] = o
	l.seen[orderID] = o.UpdatedAt
	l.updatedAt = o.UpdatedAt
	return true
}

// MarkClosed removes an order the venue confirmed closed. Unknown ids are a
// no-op so repeated cancels stay harmless.
func (l *Ledger) MarkClosed(orderID string, status common.OrderStatus) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.tombs[orderID]; ok {
		return false
	}
	_, ok := l.orders[orderID]
	if ok {
		l.dropOrder(orderID)
		l.updatedAt = l.now()
		l.countTerminal(status)
	}
	l.tombstone(orderID, status)
	return ok
}

// FindByClientID returns the open order carrying clientOrderID.
func (l *Ledger) FindByClientID(clientOrderID string) (common.Order, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, o := range l.orders {
		if o.ClientOrderID == clientOrderID {
			return o, true
		}
	}
	return common.Order{}, false
}

// Order returns one open order.
func (l *Ledger) Order(orderID string) (common.Order, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	o, ok := l.orders[orderID]
	return o, ok
}

// ActiveOrders returns a copy of the open orders by id.
func (l *Ledger) ActiveOrders() map[string]common.Order {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]common.Order, len(l.orders))
	for id, o := range l.orders {
		out[id] = o
	}
	return out
}

// Positions returns a copy of the non-zero positions by side.
func (l *Ledger) Positions() map[common.PositionSide]common.Position {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[common.PositionSide]common.Position, len(l.positions))
	for s, p := range l.positions {
		out[s] = p
	}
	return out
}

func (l *Ledger) Balance() common.Balance {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.balance
}

func (l *Ledger) Stats() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.stats
}

// Fills returns recent fills, oldest first.
func (l *Ledger) Fills() []common.Fill {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]common.Fill(nil), l.fills...)
}

// View copies the whole ledger under one lock.
func (l *Ledger) View() View {
	l.mu.RLock()
	defer l.mu.RUnlock()
	v := View{
		Orders:    make(map[string]common.Order, len(l.orders)),
		Positions: make(map[common.PositionSide]common.Position, len(l.positions)),
		Balance:   l.balance,
		Stats:     l.stats,
		Fills:     append([]common.Fill(nil), l.fills...),
		UpdatedAt: l.updatedAt,
	}
	for id, o := range l.orders {
		v.Orders[id] = o
	}
	for s, p := range l.positions {
		v.Positions[s] = p
	}
	return v
}

func (l *Ledger) ours(symbol string) bool {
	return l.symbol == "" || symbol == "" || symbol == l.symbol
}

// mergeOrder applies in under status precedence. Caller holds mu.
func (l *Ledger) mergeOrder(in common.Order) []Change {
	if in.OrderID == "" {
		return nil
	}
	if status, closed := l.tombs[in.OrderID]; closed {
		if status != "" {
			return nil
		}
		// Reconciliation removed it without knowing how it ended: a terminal
		// report records that, an open one means the removal was wrong.
		if in.Status.IsTerminal() {
			l.tombs[in.OrderID] = in.Status
			return l.closeOrder(in)
		}
		l.untomb(in.OrderID)
	}

	now := l.now()
	cur, ok := l.orders[in.OrderID]
	if in.Status.IsTerminal() {
		if ok {
			l.dropOrder(in.OrderID)
			in = inherit(in, cur)
		}
		l.tombstone(in.OrderID, in.Status)
		return l.closeOrder(in)
	}

	if ok {
		// Any open report proves the order was live when it arrived.
		l.seen[in.OrderID] = now
		if in.Status.Rank() < cur.Status.Rank() {
			return nil
		}
		if in.Status.Rank() == cur.Status.Rank() && cur.Source != common.SourceLocalOptimistic && stale(in, cur) {
			return nil
		}
		in = inherit(in, cur)
		l.orders[in.OrderID] = in
		o := in
		return []Change{{Kind: ChangeOrderUpdated, Order: &o}}
	}

	l.orders[in.OrderID] = in
	l.seen[in.OrderID] = now
	o := in
	return []Change{{Kind: ChangeOrderOpened, Order: &o}}
}

func (l *Ledger) dropOrder(id string) {
	delete(l.orders, id)
	delete(l.seen, id)
}

// closeOrder counts a terminal transition and records the fill if any.
func (l *Ledger) closeOrder(o common.Order) []Change {
	l.countTerminal(o.Status)
	closed := o
	changes := []Change{{Kind: ChangeOrderClosed, Order: &closed}}
	if o.Status != common.StatusFilled {
		return changes
	}
	qty := o.CumExecQty
	if qty.IsZero() {
		qty = o.Qty
	}
	price := o.AvgPrice
	if price.IsZero() {
		price = o.Price
	}
	at := o.UpdatedAt
	if at.IsZero() {
		at = l.now()
	}
	f := common.Fill{
		OrderID:       o.OrderID,
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		Side:          o.Side,
		Qty:           qty,
		Price:         price,
		FilledAt:      at,
	}
	l.fills = append(l.fills, f)
	if len(l.fills) > maxFills {
		l.fills = l.fills[len(l.fills)-maxFills:]
	}
	l.stats.LastFillAt = at
	return append(changes, Change{Kind: ChangeFill, Fill: &f})
}

func (l *Ledger) countTerminal(s common.OrderStatus) {
	switch s {
	case common.StatusFilled:
		l.stats.OrdersFilled++
	case common.StatusCancelled:
		l.stats.OrdersCancelled++
	case common.StatusRejected:
		l.stats.OrdersRejected++
	}
}

// tombstone remembers a closed id. An empty status means closed for an
// unknown reason. Caller holds mu.
func (l *Ledger) tombstone(id string, status common.OrderStatus) {
	if _, ok := l.tombs[id]; ok {
		l.tombs[id] = status
		return
	}
	l.tombs[id] = status
	l.tombOrder = append(l.tombOrder, id)
	if len(l.tombOrder) > maxTombstones {
		delete(l.tombs, l.tombOrder[0])
		l.tombOrder = l.tombOrder[1:]
	}
}

// untomb forgets a closed id so it can be tracked again.
func (l *Ledger) untomb(id string) {
	delete(l.tombs, id)
	for i, t := range l.tombOrder {
		if t == id {
			l.tombOrder = append(l.tombOrder[:i], l.tombOrder[i+1:]...)
			break
		}
	}
}

func (l *Ledger) setPosition(p common.Position) (Change, bool) {
	if p.Size.IsZero() {
		cur, ok := l.positions[p.Side]
		if !ok {
			return Change{}, false
		}
		delete(l.positions, p.Side)
		delete(l.posSeen, p.Side)
		return Change{Kind: ChangePositionClosed, Position: &cur}, true
	}
	l.positions[p.Side] = p
	l.posSeen[p.Side] = l.now()
	return Change{Kind: ChangePositionChanged, Position: &p}, true
}

func (l *Ledger) recordExecution(e common.Execution) {
	if e.ExecID == "" {
		return
	}
	if _, dup := l.execSeen[e.ExecID]; dup {
		return
	}
	l.execSeen[e.ExecID] = struct{}{}
	l.execOrder = append(l.execOrder, e.ExecID)
	if len(l.execOrder) > maxExecIDs {
		delete(l.execSeen, l.execOrder[0])
		l.execOrder = l.execOrder[1:]
	}
	l.stats.Executions++
	l.stats.Volume = l.stats.Volume.Add(e.Qty)
	l.stats.Notional = l.stats.Notional.Add(e.Qty.Mul(e.Price))
	l.stats.Fees = l.stats.Fees.Add(e.Fee)
}

// stale reports whether in is older than cur at the same status rank.
func stale(in, cur common.Order) bool {
	if in.CumExecQty.LessThan(cur.CumExecQty) {
		return true
	}
	if in.CumExecQty.GreaterThan(cur.CumExecQty) {
		return false
	}
	return !in.UpdatedAt.IsZero() && in.UpdatedAt.Before(cur.UpdatedAt)
}

// inherit fills fields the incoming report left empty.
func inherit(in, cur common.Order) common.Order {
	if in.ClientOrderID == "" {
		in.ClientOrderID = cur.ClientOrderID
	}
	if in.CreatedAt.IsZero() {
		in.CreatedAt = cur.CreatedAt
	}
	if in.Symbol == "" {
		in.Symbol = cur.Symbol
	}
	if in.Side == "" {
		in.Side = cur.Side
	}
	if in.Type == "" {
		in.Type = cur.Type
	}
	return in
}
