package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"venue-gateway/internal/command"
	"venue-gateway/internal/events"
	"venue-gateway/internal/gateway"
	"venue-gateway/internal/health"
	"venue-gateway/internal/monitor"
	"venue-gateway/pkg/config"
	"venue-gateway/pkg/exchanges/common"
)

type fakeGateway struct {
	bus *events.Bus

	mu        sync.Mutex
	report    health.Report
	placed    []gateway.PlaceRequest
	placeErr  error
	amended   map[string]decimal.Decimal
	cancelled []string
	cancelAll int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{bus: events.NewBus(), amended: make(map[string]decimal.Decimal)}
}

func (f *fakeGateway) Snapshot() gateway.Snapshot {
	return gateway.Snapshot{
		Orders: []common.Order{{OrderID: "o1", Symbol: "BTCUSDT", Status: common.StatusNew}},
		Paused: f.HealthReport().Status != health.StatusNormal,
	}
}

func (f *fakeGateway) HealthReport() health.Report {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.report
}

func (f *fakeGateway) Bus() *events.Bus { return f.bus }

func (f *fakeGateway) PlaceOrder(_ context.Context, req gateway.PlaceRequest) (gateway.OrderHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.placeErr != nil {
		return gateway.OrderHandle{}, f.placeErr
	}
	f.placed = append(f.placed, req)
	return gateway.OrderHandle{OrderID: "o2", ClientOrderID: "mmx-1", Status: common.StatusNew, Transport: command.TransportStream}, nil
}

func (f *fakeGateway) AmendOrder(_ context.Context, id string, price, _ *decimal.Decimal) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id == "missing" {
		return false, fmt.Errorf("amend: %w", common.ErrOrderNotFound)
	}
	if price != nil {
		f.amended[id] = *price
	}
	return true, nil
}

func (f *fakeGateway) CancelOrder(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, id)
	return true, nil
}

func (f *fakeGateway) CancelAllOrders(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelAll++
	return 3, nil
}

// calls returns copies of what the gateway received.
func (f *fakeGateway) calls() ([]gateway.PlaceRequest, map[string]decimal.Decimal, []string, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	amended := make(map[string]decimal.Decimal, len(f.amended))
	for k, v := range f.amended {
		amended[k] = v
	}
	return append([]gateway.PlaceRequest(nil), f.placed...), amended, append([]string(nil), f.cancelled...), f.cancelAll
}

func newTestAPIServer(t *testing.T, withPassword bool) (*httptest.Server, *fakeGateway) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := config.APIConfig{
		JWTSecret:      "test-secret",
		AdminUser:      "admin",
		AllowedOrigins: []string{"http://localhost:3000"},
	}
	if withPassword {
		hash, err := bcrypt.GenerateFromPassword([]byte("StrongPass123!"), bcrypt.MinCost)
		require.NoError(t, err)
		cfg.AdminPasswordHash = string(hash)
	}
	gw := newFakeGateway()
	server := NewServer(gw, monitor.NewMetrics().Handler(), cfg, nil)
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)
	return ts, gw
}

func doJSONRequest(t *testing.T, method, url, token string, payload any, out any) int {
	t.Helper()

	var buf bytes.Buffer
	if payload != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(payload))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func login(t *testing.T, baseURL string) string {
	t.Helper()
	var resp struct {
		Token string `json:"token"`
	}
	status := doJSONRequest(t, http.MethodPost, baseURL+"/api/login", "", map[string]string{
		"username": "admin",
		"password": "StrongPass123!",
	}, &resp)
	require.Equal(t, http.StatusOK, status)
	require.NotEmpty(t, resp.Token)
	return resp.Token
}

type errorBody struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

func TestHealthEndpointReflectsBreaker(t *testing.T) {
	ts, gw := newTestAPIServer(t, false)

	var body map[string]any
	assert.Equal(t, http.StatusOK, doJSONRequest(t, http.MethodGet, ts.URL+"/health", "", nil, &body))
	assert.Equal(t, "normal", body["status"])

	gw.mu.Lock()
	gw.report = health.Report{OverallScore: 0.1, Status: health.StatusCriticalShutdown}
	gw.mu.Unlock()
	assert.Equal(t, http.StatusServiceUnavailable, doJSONRequest(t, http.MethodGet, ts.URL+"/health", "", nil, &body))
	assert.Equal(t, "critical_shutdown", body["status"])
}

func TestMetricsEndpoint(t *testing.T) {
	ts, _ := newTestAPIServer(t, false)
	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestLogin(t *testing.T) {
	ts, _ := newTestAPIServer(t, true)

	var resp errorBody
	status := doJSONRequest(t, http.MethodPost, ts.URL+"/api/login", "", map[string]string{
		"username": "admin", "password": "wrong",
	}, &resp)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "INVALID_CREDENTIALS", resp.Code)

	status = doJSONRequest(t, http.MethodPost, ts.URL+"/api/login", "", map[string]string{"username": "admin"}, &resp)
	assert.Equal(t, http.StatusBadRequest, status)

	assert.NotEmpty(t, login(t, ts.URL))
}

func TestLoginDisabledWithoutPasswordHash(t *testing.T) {
	ts, _ := newTestAPIServer(t, false)
	var resp errorBody
	status := doJSONRequest(t, http.MethodPost, ts.URL+"/api/login", "", map[string]string{
		"username": "admin", "password": "StrongPass123!",
	}, &resp)
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, "LOGIN_DISABLED", resp.Code)
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	ts, _ := newTestAPIServer(t, true)

	var resp errorBody
	assert.Equal(t, http.StatusUnauthorized, doJSONRequest(t, http.MethodGet, ts.URL+"/api/snapshot", "", nil, &resp))
	assert.Equal(t, "MISSING_TOKEN", resp.Code)

	assert.Equal(t, http.StatusUnauthorized, doJSONRequest(t, http.MethodGet, ts.URL+"/api/snapshot", "garbage", nil, &resp))
	assert.Equal(t, "INVALID_TOKEN", resp.Code)

	forged, err := generateToken("admin", "other-secret", time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, doJSONRequest(t, http.MethodGet, ts.URL+"/api/health", forged, nil, &resp))
}

func TestSnapshotAndHealthReport(t *testing.T) {
	ts, _ := newTestAPIServer(t, true)
	token := login(t, ts.URL)

	var snap gateway.Snapshot
	require.Equal(t, http.StatusOK, doJSONRequest(t, http.MethodGet, ts.URL+"/api/snapshot", token, nil, &snap))
	require.Len(t, snap.Orders, 1)
	assert.Equal(t, "o1", snap.Orders[0].OrderID)

	var report map[string]any
	require.Equal(t, http.StatusOK, doJSONRequest(t, http.MethodGet, ts.URL+"/api/health", token, nil, &report))
	assert.Equal(t, "normal", report["status"])
}

func TestPlaceOrderEndpoint(t *testing.T) {
	ts, gw := newTestAPIServer(t, true)
	token := login(t, ts.URL)

	var handle gateway.OrderHandle
	status := doJSONRequest(t, http.MethodPost, ts.URL+"/api/orders", token, map[string]any{
		"side": "Buy", "type": "Limit", "qty": "0.01", "price": "50000", "postOnly": true,
	}, &handle)
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "o2", handle.OrderID)

	placed, _, _, _ := gw.calls()
	require.Len(t, placed, 1)
	assert.Equal(t, common.SideBuy, placed[0].Side)
	assert.True(t, placed[0].PostOnly)
	assert.True(t, decimal.RequireFromString("50000").Equal(placed[0].Price))

	var resp errorBody
	assert.Equal(t, http.StatusBadRequest, doJSONRequest(t, http.MethodPost, ts.URL+"/api/orders", token, map[string]any{"qty": "1"}, &resp))
}

func TestPlaceOrderErrorMapping(t *testing.T) {
	ts, gw := newTestAPIServer(t, true)
	token := login(t, ts.URL)
	body := map[string]any{"side": "Buy", "type": "Market", "qty": "1"}

	cases := []struct {
		err    error
		status int
		code   string
	}{
		{gateway.ErrTradingPaused, http.StatusConflict, "TRADING_PAUSED"},
		{fmt.Errorf("%w: qty", gateway.ErrInvalidRequest), http.StatusBadRequest, "INVALID_REQUEST"},
		{gateway.ErrClosed, http.StatusServiceUnavailable, "GATEWAY_CLOSED"},
		{&common.VenueError{Op: "place", Code: 110007, Msg: "insufficient balance"}, http.StatusBadGateway, "VENUE_REJECTED"},
	}
	for _, tc := range cases {
		gw.mu.Lock()
		gw.placeErr = tc.err
		gw.mu.Unlock()

		var resp errorBody
		assert.Equal(t, tc.status, doJSONRequest(t, http.MethodPost, ts.URL+"/api/orders", token, body, &resp), tc.code)
		assert.Equal(t, tc.code, resp.Code)
	}
}

func TestAmendCancelAndCancelAll(t *testing.T) {
	ts, gw := newTestAPIServer(t, true)
	token := login(t, ts.URL)

	var out map[string]any
	require.Equal(t, http.StatusOK, doJSONRequest(t, http.MethodPost, ts.URL+"/api/orders/o1/amend", token, map[string]any{"price": "101.5"}, &out))
	assert.Equal(t, true, out["amended"])
	_, amended, _, _ := gw.calls()
	assert.True(t, decimal.RequireFromString("101.5").Equal(amended["o1"]))

	var resp errorBody
	assert.Equal(t, http.StatusNotFound, doJSONRequest(t, http.MethodPost, ts.URL+"/api/orders/missing/amend", token, map[string]any{"price": "1"}, &resp))
	assert.Equal(t, "ORDER_NOT_FOUND", resp.Code)

	require.Equal(t, http.StatusOK, doJSONRequest(t, http.MethodPost, ts.URL+"/api/orders/o1/cancel", token, nil, &out))
	_, _, cancelled, _ := gw.calls()
	assert.Equal(t, []string{"o1"}, cancelled)

	require.Equal(t, http.StatusOK, doJSONRequest(t, http.MethodPost, ts.URL+"/api/orders/cancel-all", token, nil, &out))
	assert.Equal(t, float64(3), out["cancelled"])
	_, _, _, cancelAll := gw.calls()
	assert.Equal(t, 1, cancelAll)
}

func TestWebsocketStreamsEvents(t *testing.T) {
	ts, gw := newTestAPIServer(t, true)
	token := login(t, ts.URL)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?topics=alert&token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// The bus subscription starts after the upgrade; publish until one arrives.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				gw.bus.Publish(events.EventMarketData, events.MarketData{Topic: "tickers.BTCUSDT"})
				gw.bus.Publish(events.EventAlert, events.Alert{Level: "warning", Message: "trading paused"})
			}
		}
	}()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg struct {
		Event   string         `json:"event"`
		Payload map[string]any `json:"payload"`
	}
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "alert", msg.Event)
	assert.Equal(t, "warning", msg.Payload["level"])
}

func TestWebsocketRequiresToken(t *testing.T) {
	ts, _ := newTestAPIServer(t, true)
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestParseTopics(t *testing.T) {
	assert.Equal(t, events.All, parseTopics(""))
	assert.Equal(t, []events.Event{events.EventFill, events.EventAlert}, parseTopics("order.filled, alert,bogus"))
	assert.Empty(t, parseTopics("bogus"))
}

func TestIPLimiters(t *testing.T) {
	l := newIPLimiters(0.001, 2)
	assert.True(t, l.get("1.1.1.1").Allow())
	assert.True(t, l.get("1.1.1.1").Allow())
	assert.False(t, l.get("1.1.1.1").Allow())
	assert.True(t, l.get("2.2.2.2").Allow())

	l.lastSweep = time.Now().Add(-time.Hour)
	for _, e := range l.limiters {
		e.lastSeen = time.Now().Add(-time.Hour)
	}
	l.get("3.3.3.3")
	assert.Len(t, l.limiters, 1)
}
