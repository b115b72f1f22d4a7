package bybit

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"venue-gateway/pkg/exchanges/common"
)

// Private stream topics.
const (
	TopicOrder     = "order"
	TopicPosition  = "position"
	TopicWallet    = "wallet"
	TopicExecution = "execution"
)

// PrivateTopics are subscribed on the account channel.
var PrivateTopics = []string{TopicOrder, TopicPosition, TopicWallet, TopicExecution}

// MarketTopics returns the public topics for one symbol.
func MarketTopics(symbol string) []string {
	return []string{
		"orderbook.1." + symbol,
		"publicTrade." + symbol,
		"tickers." + symbol,
	}
}

// CommandMessage is a correlated request on the account channel.
type CommandMessage struct {
	ID     string            `json:"id"`
	Op     string            `json:"op"`
	Header map[string]string `json:"header,omitempty"`
	Args   []any             `json:"args"`
}

// ControlMessage covers auth, subscribe and ping frames.
type ControlMessage struct {
	ReqID string `json:"req_id,omitempty"`
	Op    string `json:"op"`
	Args  []any  `json:"args,omitempty"`
}

// MessageKind classifies an inbound frame.
type MessageKind int

const (
	KindUnknown MessageKind = iota
	KindResponse
	KindPush
	KindControl
)

// Envelope is the superset of fields found on inbound frames.
type Envelope struct {
	ID      string          `json:"id"`
	ReqID   string          `json:"reqId"`
	Op      string          `json:"op"`
	Topic   string          `json:"topic"`
	Success *bool           `json:"success"`
	RetCode *int            `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	CtlMsg  string          `json:"ret_msg"`
	Result  json.RawMessage `json:"result"`
	Data    json.RawMessage `json:"data"`
	Ts      int64           `json:"ts"`
}

// DecodeEnvelope parses one inbound frame.
func DecodeEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode frame: %w", err)
	}
	return env, nil
}

// Kind reports what the frame is.
func (e Envelope) Kind() MessageKind {
	switch {
	case e.Topic != "":
		return KindPush
	case e.RetCode != nil && e.RequestID() != "":
		return KindResponse
	case e.Op != "":
		return KindControl
	}
	return KindUnknown
}

// RequestID returns the correlation id; the trade stream echoes reqId.
func (e Envelope) RequestID() string {
	if e.ID != "" {
		return e.ID
	}
	return e.ReqID
}

// Err converts a non-zero response into a *common.VenueError.
func (e Envelope) Err(op string) error {
	if e.RetCode == nil || *e.RetCode == CodeOK {
		return nil
	}
	return &common.VenueError{Op: op, Code: *e.RetCode, Msg: e.RetMsg}
}

// Payload returns result, falling back to data.
func (e Envelope) Payload() json.RawMessage {
	if len(e.Result) > 0 {
		return e.Result
	}
	return e.Data
}

type orderData struct {
	OrderID      string `json:"orderId"`
	OrderLinkID  string `json:"orderLinkId"`
	Symbol       string `json:"symbol"`
	Side         string `json:"side"`
	OrderType    string `json:"orderType"`
	Price        string `json:"price"`
	Qty          string `json:"qty"`
	CumExecQty   string `json:"cumExecQty"`
	AvgPrice     string `json:"avgPrice"`
	OrderStatus  string `json:"orderStatus"`
	RejectReason string `json:"rejectReason"`
	CreatedTime  string `json:"createdTime"`
	UpdatedTime  string `json:"updatedTime"`
}

func (d orderData) toOrder(src common.Source) (common.Order, error) {
	if d.OrderID == "" {
		return common.Order{}, fmt.Errorf("order without orderId")
	}
	status, err := mapStatus(d.OrderStatus)
	if err != nil {
		return common.Order{}, err
	}
	side, err := mapSide(d.Side)
	if err != nil {
		return common.Order{}, err
	}
	o := common.Order{
		OrderID:       d.OrderID,
		ClientOrderID: d.OrderLinkID,
		Symbol:        d.Symbol,
		Side:          side,
		Type:          common.OrderType(d.OrderType),
		Status:        status,
		CreatedAt:     parseMillis(d.CreatedTime),
		UpdatedAt:     parseMillis(d.UpdatedTime),
		Source:        src,
	}
	if d.RejectReason != "EC_NoError" {
		o.RejectReason = d.RejectReason
	}
	if o.Price, err = parseDecimal(d.Price); err != nil {
		return common.Order{}, fmt.Errorf("order %s price: %w", d.OrderID, err)
	}
	if o.Qty, err = parseDecimal(d.Qty); err != nil {
		return common.Order{}, fmt.Errorf("order %s qty: %w", d.OrderID, err)
	}
	if o.CumExecQty, err = parseDecimal(d.CumExecQty); err != nil {
		return common.Order{}, fmt.Errorf("order %s cumExecQty: %w", d.OrderID, err)
	}
	if o.AvgPrice, err = parseDecimal(d.AvgPrice); err != nil {
		return common.Order{}, fmt.Errorf("order %s avgPrice: %w", d.OrderID, err)
	}
	return o, nil
}

// DecodeOrders parses the data of an order push or an open-orders list.
func DecodeOrders(data json.RawMessage, src common.Source) ([]common.Order, error) {
	var rows []orderData
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("decode orders: %w", err)
	}
	out := make([]common.Order, 0, len(rows))
	for _, r := range rows {
		o, err := r.toOrder(src)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, nil
}

type positionData struct {
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Size          string `json:"size"`
	AvgPrice      string `json:"avgPrice"`
	EntryPrice    string `json:"entryPrice"`
	UnrealisedPnl string `json:"unrealisedPnl"`
	Leverage      string `json:"leverage"`
	LiqPrice      string `json:"liqPrice"`
	PositionIdx   int    `json:"positionIdx"`
	UpdatedTime   string `json:"updatedTime"`
}

// PositionUpdate is one absolute position report. OneWayFlat is set for a
// zero-size one-way report, which no longer says which side was closed.
type PositionUpdate struct {
	Position   common.Position
	OneWayFlat bool
}

func (d positionData) toUpdate() (PositionUpdate, error) {
	var (
		p   common.Position
		err error
	)
	p.Symbol = d.Symbol
	p.Side = positionSide(d.PositionIdx, d.Side)
	p.UpdatedAt = parseMillis(d.UpdatedTime)
	if p.Size, err = parseDecimal(d.Size); err != nil {
		return PositionUpdate{}, fmt.Errorf("position size: %w", err)
	}
	avg := d.AvgPrice
	if avg == "" {
		avg = d.EntryPrice
	}
	if p.AvgPrice, err = parseDecimal(avg); err != nil {
		return PositionUpdate{}, fmt.Errorf("position price: %w", err)
	}
	if p.UnrealisedPnl, err = parseDecimal(d.UnrealisedPnl); err != nil {
		return PositionUpdate{}, fmt.Errorf("position pnl: %w", err)
	}
	if p.Leverage, err = parseDecimal(d.Leverage); err != nil {
		return PositionUpdate{}, fmt.Errorf("position leverage: %w", err)
	}
	if p.LiqPrice, err = parseDecimal(d.LiqPrice); err != nil {
		return PositionUpdate{}, fmt.Errorf("position liqPrice: %w", err)
	}
	if p.Size.IsNegative() {
		return PositionUpdate{}, fmt.Errorf("negative position size %s", d.Size)
	}
	return PositionUpdate{
		Position:   p,
		OneWayFlat: d.PositionIdx == 0 && p.Size.IsZero() && d.Side != "Buy" && d.Side != "Sell",
	}, nil
}

// DecodePositions parses a position push or position list.
func DecodePositions(data json.RawMessage) ([]PositionUpdate, error) {
	var rows []positionData
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("decode positions: %w", err)
	}
	out := make([]PositionUpdate, 0, len(rows))
	for _, r := range rows {
		u, err := r.toUpdate()
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, nil
}

type walletAccount struct {
	AccountType string `json:"accountType"`
	Coin        []struct {
		Coin                string `json:"coin"`
		WalletBalance       string `json:"walletBalance"`
		AvailableToWithdraw string `json:"availableToWithdraw"`
	} `json:"coin"`
}

// DecodeWallet finds the balance of coin in a wallet push or wallet list.
// ok is false when the coin is not part of the payload.
func DecodeWallet(data json.RawMessage, coin string) (bal common.Balance, ok bool, err error) {
	var accounts []walletAccount
	if err := json.Unmarshal(data, &accounts); err != nil {
		return common.Balance{}, false, fmt.Errorf("decode wallet: %w", err)
	}
	for _, acc := range accounts {
		for _, c := range acc.Coin {
			if c.Coin != coin {
				continue
			}
			bal.Coin = c.Coin
			if bal.Available, err = parseDecimal(c.AvailableToWithdraw); err != nil {
				return common.Balance{}, false, fmt.Errorf("wallet available: %w", err)
			}
			if bal.Wallet, err = parseDecimal(c.WalletBalance); err != nil {
				return common.Balance{}, false, fmt.Errorf("wallet balance: %w", err)
			}
			bal.UpdatedAt = time.Now()
			return bal, true, nil
		}
	}
	return common.Balance{}, false, nil
}

type executionData struct {
	ExecID    string `json:"execId"`
	OrderID   string `json:"orderId"`
	Symbol    string `json:"symbol"`
	Side      string `json:"side"`
	ExecQty   string `json:"execQty"`
	ExecPrice string `json:"execPrice"`
	ExecFee   string `json:"execFee"`
	IsMaker   bool   `json:"isMaker"`
	ExecTime  string `json:"execTime"`
}

// DecodeExecutions parses an execution push.
func DecodeExecutions(data json.RawMessage) ([]common.Execution, error) {
	var rows []executionData
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("decode executions: %w", err)
	}
	out := make([]common.Execution, 0, len(rows))
	for _, r := range rows {
		if r.ExecID == "" {
			return nil, fmt.Errorf("execution without execId")
		}
		side, err := mapSide(r.Side)
		if err != nil {
			return nil, err
		}
		e := common.Execution{
			ExecID:    r.ExecID,
			OrderID:   r.OrderID,
			Symbol:    r.Symbol,
			Side:      side,
			IsMaker:   r.IsMaker,
			Timestamp: parseMillis(r.ExecTime),
		}
		if e.Qty, err = parseDecimal(r.ExecQty); err != nil {
			return nil, fmt.Errorf("execution qty: %w", err)
		}
		if e.Price, err = parseDecimal(r.ExecPrice); err != nil {
			return nil, fmt.Errorf("execution price: %w", err)
		}
		if e.Fee, err = parseDecimal(r.ExecFee); err != nil {
			return nil, fmt.Errorf("execution fee: %w", err)
		}
		out = append(out, e)
	}
	return out, nil
}

// PlaceArgs renders place parameters as venue fields.
func PlaceArgs(p common.PlaceParams) map[string]string {
	args := map[string]string{
		"category":    p.Category,
		"symbol":      p.Symbol,
		"side":        string(p.Side),
		"orderType":   string(p.Type),
		"qty":         p.Qty.String(),
		"timeInForce": string(timeInForce(p.Type, p.TimeInForce)),
	}
	if p.Type == common.OrderTypeLimit {
		args["price"] = p.Price.String()
	}
	if p.ClientOrderID != "" {
		args["orderLinkId"] = p.ClientOrderID
	}
	if p.ReduceOnly {
		args["reduceOnly"] = "true"
	}
	return args
}

// AmendArgs renders amend parameters as venue fields.
func AmendArgs(p common.AmendParams) map[string]string {
	args := map[string]string{
		"category": p.Category,
		"symbol":   p.Symbol,
	}
	setOrderRef(args, p.OrderID, p.ClientOrderID)
	if p.Price != nil {
		args["price"] = p.Price.String()
	}
	if p.Qty != nil {
		args["qty"] = p.Qty.String()
	}
	return args
}

// CancelArgs renders cancel parameters as venue fields.
func CancelArgs(p common.CancelParams) map[string]string {
	args := map[string]string{
		"category": p.Category,
		"symbol":   p.Symbol,
	}
	setOrderRef(args, p.OrderID, p.ClientOrderID)
	return args
}

// CancelAllArgs renders cancel-all parameters as venue fields.
func CancelAllArgs(category, symbol string) map[string]string {
	return map[string]string{"category": category, "symbol": symbol}
}

func setOrderRef(args map[string]string, orderID, linkID string) {
	if orderID != "" {
		args["orderId"] = orderID
		return
	}
	if linkID != "" {
		args["orderLinkId"] = linkID
	}
}

// DecodeAck parses a place/amend/cancel result.
func DecodeAck(result json.RawMessage) (common.OrderAck, error) {
	var ack common.OrderAck
	if len(result) == 0 {
		return ack, nil
	}
	if err := json.Unmarshal(result, &ack); err != nil {
		return ack, fmt.Errorf("decode ack: %w", err)
	}
	return ack, nil
}

// DecodeCancelAll parses the list of orders cancelled by cancel-all.
func DecodeCancelAll(result json.RawMessage) ([]common.OrderAck, error) {
	var out struct {
		List []common.OrderAck `json:"list"`
	}
	if len(result) == 0 {
		return nil, nil
	}
	if err := json.Unmarshal(result, &out); err != nil {
		return nil, fmt.Errorf("decode cancel-all: %w", err)
	}
	return out.List, nil
}

// Header returns the signing header attached to trade stream commands.
func Header(nowMillis, recvWindow int64) map[string]string {
	return map[string]string{
		"X-BAPI-TIMESTAMP":   strconv.FormatInt(nowMillis, 10),
		"X-BAPI-RECV-WINDOW": strconv.FormatInt(recvWindow, 10),
	}
}
