package bybit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"venue-gateway/pkg/exchanges/common"
)

const (
	mainnetREST = "https://api.bybit.com"
	testnetREST = "https://api-testnet.bybit.com"
)

// Config holds Bybit V5 credentials.
type Config struct {
	APIKey     string
	APISecret  string
	Testnet    bool
	RecvWindow int64  // ms
	BaseURL    string // overrides the mainnet/testnet default
}

// Client is a signed Bybit V5 REST client. Each method is a single attempt.
type Client struct {
	cfg        Config
	baseURL    string
	httpClient *http.Client
	clock      *Clock
	log        *zap.Logger
}

var _ common.Venue = (*Client)(nil)
var _ common.SnapshotSource = (*Client)(nil)

// NewClient creates a new V5 client.
func NewClient(cfg Config, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	base := mainnetREST
	if cfg.Testnet {
		base = testnetREST
	}
	if cfg.BaseURL != "" {
		base = cfg.BaseURL
	}
	if cfg.RecvWindow == 0 {
		cfg.RecvWindow = 5000
	}
	c := &Client{
		cfg:        cfg,
		baseURL:    base,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		log:        log.Named("bybit"),
	}
	c.clock = newClock(c.GetServerTime, c.log)
	return c
}

// Clock exposes the server clock estimate used for signing.
func (c *Client) Clock() *Clock { return c.clock }

// RecvWindow returns the configured receive window in ms.
func (c *Client) RecvWindow() int64 { return c.cfg.RecvWindow }

func (c *Client) now() int64 { return c.clock.Now() }

// PlaceOrder creates an order.
func (c *Client) PlaceOrder(ctx context.Context, p common.PlaceParams) (common.OrderAck, error) {
	res, err := c.doSigned(ctx, OpCreate, http.MethodPost, "/v5/order/create", nil, PlaceArgs(p))
	if err != nil {
		return common.OrderAck{}, err
	}
	return DecodeAck(res)
}

// AmendOrder changes price and/or qty of an open order.
func (c *Client) AmendOrder(ctx context.Context, p common.AmendParams) (common.OrderAck, error) {
	res, err := c.doSigned(ctx, OpAmend, http.MethodPost, "/v5/order/amend", nil, AmendArgs(p))
	if err != nil {
		return common.OrderAck{}, err
	}
	return DecodeAck(res)
}

// CancelOrder cancels one order.
func (c *Client) CancelOrder(ctx context.Context, p common.CancelParams) (common.OrderAck, error) {
	res, err := c.doSigned(ctx, OpCancel, http.MethodPost, "/v5/order/cancel", nil, CancelArgs(p))
	if err != nil {
		return common.OrderAck{}, err
	}
	return DecodeAck(res)
}

// CancelAllOrders cancels every open order for a symbol.
func (c *Client) CancelAllOrders(ctx context.Context, category, symbol string) ([]common.OrderAck, error) {
	res, err := c.doSigned(ctx, OpCancelAll, http.MethodPost, "/v5/order/cancel-all", nil, CancelAllArgs(category, symbol))
	if err != nil {
		return nil, err
	}
	return DecodeCancelAll(res)
}

// FindOrder looks an order up by its orderLinkId.
func (c *Client) FindOrder(ctx context.Context, category, symbol, clientOrderID string) (common.Order, error) {
	params := url.Values{}
	params.Set("category", category)
	params.Set("symbol", symbol)
	params.Set("orderLinkId", clientOrderID)
	params.Set("openOnly", "0")
	res, err := c.doSigned(ctx, "order.realtime", http.MethodGet, "/v5/order/realtime", params, nil)
	if err != nil {
		return common.Order{}, err
	}
	var page struct {
		List json.RawMessage `json:"list"`
	}
	if err := json.Unmarshal(res, &page); err != nil {
		return common.Order{}, fmt.Errorf("decode order lookup: %w", err)
	}
	orders, err := DecodeOrders(page.List, common.SourceReconciliation)
	if err != nil {
		return common.Order{}, err
	}
	if len(orders) == 0 {
		return common.Order{}, common.ErrOrderNotFound
	}
	return orders[0], nil
}

// GetOpenOrders returns every open order for a symbol, following cursors.
func (c *Client) GetOpenOrders(ctx context.Context, category, symbol string) ([]common.Order, error) {
	var (
		all    []common.Order
		cursor string
	)
	for {
		params := url.Values{}
		params.Set("category", category)
		params.Set("symbol", symbol)
		params.Set("openOnly", "0")
		params.Set("limit", "50")
		if cursor != "" {
			params.Set("cursor", cursor)
		}
		res, err := c.doSigned(ctx, "order.realtime", http.MethodGet, "/v5/order/realtime", params, nil)
		if err != nil {
			return nil, err
		}
		var page struct {
			List           json.RawMessage `json:"list"`
			NextPageCursor string          `json:"nextPageCursor"`
		}
		if err := json.Unmarshal(res, &page); err != nil {
			return nil, fmt.Errorf("decode open orders: %w", err)
		}
		orders, err := DecodeOrders(page.List, common.SourceReconciliation)
		if err != nil {
			return nil, err
		}
		all = append(all, orders...)
		if page.NextPageCursor == "" || page.NextPageCursor == cursor || len(orders) == 0 {
			return all, nil
		}
		cursor = page.NextPageCursor
	}
}

// GetPositions returns non-zero positions for a symbol.
func (c *Client) GetPositions(ctx context.Context, category, symbol string) ([]common.Position, error) {
	params := url.Values{}
	params.Set("category", category)
	params.Set("symbol", symbol)
	res, err := c.doSigned(ctx, "position.list", http.MethodGet, "/v5/position/list", params, nil)
	if err != nil {
		return nil, err
	}
	var page struct {
		List json.RawMessage `json:"list"`
	}
	if err := json.Unmarshal(res, &page); err != nil {
		return nil, fmt.Errorf("decode positions: %w", err)
	}
	updates, err := DecodePositions(page.List)
	if err != nil {
		return nil, err
	}
	out := make([]common.Position, 0, len(updates))
	for _, u := range updates {
		if u.Position.Size.IsZero() {
			continue
		}
		out = append(out, u.Position)
	}
	return out, nil
}

// GetBalance returns the unified account balance of one coin.
func (c *Client) GetBalance(ctx context.Context, coin string) (common.Balance, error) {
	params := url.Values{}
	params.Set("accountType", "UNIFIED")
	params.Set("coin", coin)
	res, err := c.doSigned(ctx, "account.wallet", http.MethodGet, "/v5/account/wallet-balance", params, nil)
	if err != nil {
		return common.Balance{}, err
	}
	var page struct {
		List json.RawMessage `json:"list"`
	}
	if err := json.Unmarshal(res, &page); err != nil {
		return common.Balance{}, fmt.Errorf("decode wallet: %w", err)
	}
	bal, ok, err := DecodeWallet(page.List, coin)
	if err != nil {
		return common.Balance{}, err
	}
	if !ok {
		return common.Balance{Coin: coin, UpdatedAt: time.Now()}, nil
	}
	return bal, nil
}

// GetServerTime fetches venue time in ms.
func (c *Client) GetServerTime(ctx context.Context) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v5/market/time", nil)
	if err != nil {
		return 0, err
	}
	res, err := c.httpClient.Do(req)
	if err != nil {
		return 0, &common.TransportError{Op: "market.time", Err: err}
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(res.Body)
	if res.StatusCode >= 300 {
		return 0, &common.TransportError{Op: "market.time", Status: res.StatusCode, Err: errors.New(string(body))}
	}
	var out struct {
		RetCode int    `json:"retCode"`
		RetMsg  string `json:"retMsg"`
		Result  struct {
			TimeSecond string `json:"timeSecond"`
			TimeNano   string `json:"timeNano"`
		} `json:"result"`
		Time int64 `json:"time"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return 0, fmt.Errorf("decode server time: %w", err)
	}
	if out.RetCode != CodeOK {
		return 0, &common.VenueError{Op: "market.time", Code: out.RetCode, Msg: out.RetMsg}
	}
	if out.Result.TimeNano != "" {
		if ns, err := strconv.ParseInt(out.Result.TimeNano, 10, 64); err == nil {
			return ns / int64(time.Millisecond), nil
		}
	}
	return out.Time, nil
}

// doSigned signs and sends one request, returning the result object.
// The V5 signature covers timestamp + key + recvWindow + (query | body).
func (c *Client) doSigned(ctx context.Context, op, method, path string, query url.Values, body any) (json.RawMessage, error) {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return nil, &common.VenueError{Op: op, Code: CodeInvalidAPIKey, Msg: "api key/secret required"}
	}

	var (
		payload string
		reader  io.Reader
		target  = c.baseURL + path
	)
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("%s: encode body: %w", op, err)
		}
		payload = string(raw)
		reader = bytes.NewReader(raw)
	} else if len(query) > 0 {
		payload = query.Encode()
		target += "?" + payload
	}

	ts := strconv.FormatInt(c.now(), 10)
	recv := strconv.FormatInt(c.cfg.RecvWindow, 10)
	sig := sign(ts+c.cfg.APIKey+recv+payload, c.cfg.APISecret)

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-BAPI-API-KEY", c.cfg.APIKey)
	req.Header.Set("X-BAPI-TIMESTAMP", ts)
	req.Header.Set("X-BAPI-RECV-WINDOW", recv)
	req.Header.Set("X-BAPI-SIGN", sig)
	req.Header.Set("X-BAPI-SIGN-TYPE", "2")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &common.TransportError{Op: op, Err: err}
	}
	defer res.Body.Close()

	if status := res.Header.Get("X-Bapi-Limit-Status"); status != "" {
		c.log.Debug("rate limit status", zap.String("op", op), zap.String("remaining", status))
	}

	raw, _ := io.ReadAll(res.Body)
	if res.StatusCode >= 300 {
		return nil, &common.TransportError{Op: op, Status: res.StatusCode, Err: errors.New(string(raw))}
	}

	var env struct {
		RetCode int             `json:"retCode"`
		RetMsg  string          `json:"retMsg"`
		Result  json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &common.TransportError{Op: op, Status: res.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	if env.RetCode != CodeOK {
		return nil, &common.VenueError{Op: op, Code: env.RetCode, Msg: env.RetMsg}
	}
	return env.Result, nil
}
