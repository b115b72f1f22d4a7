package bybit

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"venue-gateway/pkg/exchanges/common"
)

func TestEnvelopeKind(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want MessageKind
	}{
		{"command response", `{"id":"r-1","op":"response","retCode":0,"retMsg":"OK","result":{"orderId":"1"}}`, KindResponse},
		{"trade stream response", `{"reqId":"r-2","retCode":110001,"retMsg":"order not exists","op":"order.cancel","data":{}}`, KindResponse},
		{"push", `{"topic":"order","creationTime":1,"data":[]}`, KindPush},
		{"pong", `{"success":true,"ret_msg":"pong","op":"ping"}`, KindControl},
		{"auth", `{"success":true,"ret_msg":"","op":"auth"}`, KindControl},
		{"garbage", `{"foo":1}`, KindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := DecodeEnvelope([]byte(tt.raw))
			require.NoError(t, err)
			assert.Equal(t, tt.want, env.Kind())
		})
	}
}

func TestEnvelopeErr(t *testing.T) {
	env, err := DecodeEnvelope([]byte(`{"reqId":"r-2","retCode":110001,"retMsg":"order not exists","op":"order.cancel"}`))
	require.NoError(t, err)
	assert.Equal(t, "r-2", env.RequestID())
	e := env.Err(OpCancel)
	require.Error(t, e)
	assert.True(t, IsOrderNotExists(e))
	assert.Equal(t, common.ClassIdempotentSuccess, Classify(e))
}

func TestDecodeOrders(t *testing.T) {
	raw := json.RawMessage(`[
		{"orderId":"1","orderLinkId":"mmx-a","symbol":"BTCUSDT","side":"Buy","orderType":"Limit","price":"100","qty":"1","cumExecQty":"0","avgPrice":"","orderStatus":"New","rejectReason":"EC_NoError","createdTime":"1700000000000","updatedTime":"1700000000100"},
		{"orderId":"2","symbol":"BTCUSDT","side":"Sell","orderType":"Limit","price":"101","qty":"2","orderStatus":"Deactivated"}
	]`)
	orders, err := DecodeOrders(raw, common.SourcePush)
	require.NoError(t, err)
	require.Len(t, orders, 2)
	assert.Equal(t, common.StatusNew, orders[0].Status)
	assert.Equal(t, "mmx-a", orders[0].ClientOrderID)
	assert.Empty(t, orders[0].RejectReason)
	assert.True(t, orders[0].Price.Equal(decimal.NewFromInt(100)))
	assert.Equal(t, int64(1700000000100), orders[0].UpdatedAt.UnixMilli())
	assert.Equal(t, common.StatusCancelled, orders[1].Status)
	assert.Equal(t, common.SourcePush, orders[1].Source)
}

func TestDecodeOrdersRejectsMalformed(t *testing.T) {
	tests := []string{
		`{"not":"a list"}`,
		`[{"orderId":"","orderStatus":"New","side":"Buy"}]`,
		`[{"orderId":"1","orderStatus":"Weird","side":"Buy"}]`,
		`[{"orderId":"1","orderStatus":"New","side":"Buy","price":"abc"}]`,
	}
	for _, raw := range tests {
		_, err := DecodeOrders(json.RawMessage(raw), common.SourcePush)
		assert.Error(t, err, raw)
	}
}

func TestDecodePositions(t *testing.T) {
	raw := json.RawMessage(`[
		{"symbol":"BTCUSDT","side":"Buy","size":"0.5","entryPrice":"100","unrealisedPnl":"1.2","leverage":"10","liqPrice":"50","positionIdx":0},
		{"symbol":"BTCUSDT","side":"Sell","size":"1","avgPrice":"110","positionIdx":2},
		{"symbol":"BTCUSDT","side":"","size":"0","positionIdx":0}
	]`)
	ups, err := DecodePositions(raw)
	require.NoError(t, err)
	require.Len(t, ups, 3)
	assert.Equal(t, common.PositionLong, ups[0].Position.Side)
	assert.True(t, ups[0].Position.AvgPrice.Equal(decimal.NewFromInt(100)))
	assert.Equal(t, common.PositionShort, ups[1].Position.Side)
	assert.False(t, ups[1].OneWayFlat)
	assert.True(t, ups[2].OneWayFlat)
}

func TestDecodeWallet(t *testing.T) {
	raw := json.RawMessage(`[{"accountType":"UNIFIED","coin":[{"coin":"BTC","availableToWithdraw":"1"},{"coin":"USDT","walletBalance":"20","availableToWithdraw":"15.5"}]}]`)
	bal, ok, err := DecodeWallet(raw, "USDT")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "15.5", bal.Available.String())

	_, ok, err = DecodeWallet(raw, "ETH")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDecodeExecutions(t *testing.T) {
	raw := json.RawMessage(`[{"execId":"e1","orderId":"1","symbol":"BTCUSDT","side":"Buy","execQty":"0.1","execPrice":"100","execFee":"0.01","isMaker":true,"execTime":"1700000000000"}]`)
	execs, err := DecodeExecutions(raw)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.True(t, execs[0].IsMaker)
	assert.Equal(t, "0.01", execs[0].Fee.String())
}

func TestPlaceArgsMarketUsesIOC(t *testing.T) {
	args := PlaceArgs(common.PlaceParams{
		Category: "linear", Symbol: "BTCUSDT", Side: common.SideSell,
		Type: common.OrderTypeMarket, Qty: decimal.RequireFromString("0.01"),
		Price: decimal.NewFromInt(5),
	})
	assert.Equal(t, "IOC", args["timeInForce"])
	assert.NotContains(t, args, "price")
}

func TestAuthFrameSignature(t *testing.T) {
	f := AuthFrame("key", "secret", 1700000010000)
	require.Len(t, f.Args, 3)
	assert.Equal(t, sign("GET/realtime1700000010000", "secret"), f.Args[2])
}
