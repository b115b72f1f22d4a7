package gateway

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"venue-gateway/internal/command"
	"venue-gateway/internal/events"
	"venue-gateway/pkg/exchanges/common"
)

// PlaceRequest describes a new order. Price is ignored for market orders.
type PlaceRequest struct {
	Side          common.Side
	Type          common.OrderType
	Qty           decimal.Decimal
	Price         decimal.Decimal
	PostOnly      bool
	ReduceOnly    bool
	ClientOrderID string // generated when empty
}

func (r PlaceRequest) validate() error {
	if r.Side != common.SideBuy && r.Side != common.SideSell {
		return fmt.Errorf("%w: side %q", ErrInvalidRequest, r.Side)
	}
	if r.Type != common.OrderTypeLimit && r.Type != common.OrderTypeMarket {
		return fmt.Errorf("%w: type %q", ErrInvalidRequest, r.Type)
	}
	if !r.Qty.IsPositive() {
		return fmt.Errorf("%w: qty must be positive", ErrInvalidRequest)
	}
	if r.Type == common.OrderTypeLimit && !r.Price.IsPositive() {
		return fmt.Errorf("%w: limit price must be positive", ErrInvalidRequest)
	}
	if r.PostOnly && r.Type != common.OrderTypeLimit {
		return fmt.Errorf("%w: post-only requires a limit order", ErrInvalidRequest)
	}
	return nil
}

// OrderHandle identifies an acknowledged order.
type OrderHandle struct {
	OrderID       string             `json:"orderId"`
	ClientOrderID string             `json:"clientOrderId"`
	Status        common.OrderStatus `json:"status"`
	Transport     command.Transport  `json:"transport"`
}

// newLinkID returns prefix-<32 hex>, which fits the venue's 36 character
// orderLinkId limit for a three letter prefix.
func newLinkID(prefix string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	if prefix == "" {
		return id
	}
	return prefix + "-" + id
}

// PlaceOrder submits a new order. The order enters the ledger only once the
// venue acknowledged it.
func (g *Gateway) PlaceOrder(ctx context.Context, req PlaceRequest) (OrderHandle, error) {
	if err := g.checkOpen(); err != nil {
		return OrderHandle{}, err
	}
	if g.paused.Load() || !g.breaker.PlacementAllowed() {
		return OrderHandle{}, ErrTradingPaused
	}
	if err := req.validate(); err != nil {
		return OrderHandle{}, err
	}

	cfg := g.Config()
	linkID := req.ClientOrderID
	if linkID == "" {
		linkID = newLinkID(cfg.OrderLinkPrefix)
	}
	tif := common.TIFGTC
	switch {
	case req.Type == common.OrderTypeMarket:
		tif = common.TIFIOC
	case req.PostOnly:
		tif = common.TIFPostOnly
	}
	params := common.PlaceParams{
		Category:      cfg.Category,
		Symbol:        cfg.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Qty:           req.Qty,
		Price:         req.Price,
		TimeInForce:   tif,
		ClientOrderID: linkID,
		ReduceOnly:    req.ReduceOnly,
	}

	res, err := g.cmds.Execute(ctx, command.Place(params))
	handle := OrderHandle{OrderID: res.Ack.OrderID, ClientOrderID: linkID, Status: common.StatusNew, Transport: res.Transport}
	g.publishOutcome(res, err, handle.OrderID)
	if err != nil {
		return handle, err
	}

	order := common.Order{
		OrderID:       res.Ack.OrderID,
		ClientOrderID: linkID,
		Symbol:        cfg.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Price:         req.Price,
		Qty:           req.Qty,
		Status:        common.StatusNew,
	}
	if res.Order != nil {
		order = *res.Order
		handle.OrderID = order.OrderID
		handle.Status = order.Status
	}
	if order.OrderID == "" {
		g.log.Warn("placement acknowledged without order id", zap.String("orderLinkId", linkID))
		return handle, nil
	}
	if !order.Status.IsTerminal() {
		g.ledger.InsertOptimistic(order)
	}
	g.log.Info("order placed",
		zap.String("orderId", order.OrderID),
		zap.String("orderLinkId", linkID),
		zap.String("side", string(req.Side)),
		zap.String("qty", req.Qty.String()),
		zap.String("price", req.Price.String()),
		zap.String("transport", string(res.Transport)))
	return handle, nil
}

// AmendOrder changes price and/or quantity. It reports false when the venue
// no longer has the order.
func (g *Gateway) AmendOrder(ctx context.Context, orderID string, price, qty *decimal.Decimal) (bool, error) {
	if err := g.checkOpen(); err != nil {
		return false, err
	}
	if !g.breaker.AmendAllowed() {
		return false, ErrTradingPaused
	}
	if orderID == "" || (price == nil && qty == nil) {
		return false, fmt.Errorf("%w: amend needs an order id and a price or qty", ErrInvalidRequest)
	}
	if (price != nil && !price.IsPositive()) || (qty != nil && !qty.IsPositive()) {
		return false, fmt.Errorf("%w: amended values must be positive", ErrInvalidRequest)
	}

	cfg := g.Config()
	params := common.AmendParams{
		Category: cfg.Category,
		Symbol:   cfg.Symbol,
		OrderID:  orderID,
		Price:    price,
		Qty:      qty,
	}
	if o, ok := g.ledger.Order(orderID); ok {
		params.ClientOrderID = o.ClientOrderID
	}

	res, err := g.cmds.Execute(ctx, command.Amend(params))
	g.publishOutcome(res, err, orderID)
	if err != nil {
		return false, err
	}
	if res.AlreadyClosed {
		g.ledger.MarkClosed(orderID, "")
		return false, nil
	}
	g.ledger.ApplyAmend(orderID, price, qty)
	return true, nil
}

// CancelOrder cancels one order. An order the venue no longer has counts as
// cancelled.
func (g *Gateway) CancelOrder(ctx context.Context, orderID string) (bool, error) {
	if err := g.checkOpen(); err != nil {
		return false, err
	}
	if orderID == "" {
		return false, fmt.Errorf("%w: empty order id", ErrInvalidRequest)
	}
	cfg := g.Config()
	params := common.CancelParams{Category: cfg.Category, Symbol: cfg.Symbol, OrderID: orderID}
	if o, ok := g.ledger.Order(orderID); ok {
		params.ClientOrderID = o.ClientOrderID
	}

	res, err := g.cmds.Execute(ctx, command.Cancel(params))
	g.publishOutcome(res, err, orderID)
	if err != nil {
		return false, err
	}
	if res.AlreadyClosed {
		// The closing push, if any, still records how it ended.
		g.ledger.MarkClosed(orderID, "")
		return true, nil
	}
	g.ledger.MarkClosed(orderID, common.StatusCancelled)
	return true, nil
}

// CancelAllOrders cancels every open order on the symbol and returns how
// many the venue cancelled. It is allowed in every breaker band.
func (g *Gateway) CancelAllOrders(ctx context.Context) (int, error) {
	if err := g.checkOpen(); err != nil {
		return 0, err
	}
	return g.cancelAll(ctx)
}

func (g *Gateway) cancelAll(ctx context.Context) (int, error) {
	cfg := g.Config()
	res, err := g.cmds.Execute(ctx, command.CancelAll(cfg.Category, cfg.Symbol))
	g.publishOutcome(res, err, "")
	if err != nil {
		return 0, err
	}
	for _, ack := range res.Cancelled {
		g.ledger.MarkClosed(ack.OrderID, common.StatusCancelled)
	}
	g.log.Info("all orders cancelled",
		zap.Int("count", len(res.Cancelled)),
		zap.String("transport", string(res.Transport)))
	return len(res.Cancelled), nil
}

func (g *Gateway) checkOpen() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return ErrClosed
	}
	return nil
}

func (g *Gateway) publishOutcome(res command.Result, err error, orderID string) {
	out := events.CommandOutcome{
		Kind:          res.Kind.String(),
		Transport:     string(res.Transport),
		OrderID:       orderID,
		AlreadyClosed: res.AlreadyClosed,
		Latency:       res.Latency,
	}
	if err != nil {
		out.Error = err.Error()
	}
	g.bus.Publish(events.EventCommand, out)
}
