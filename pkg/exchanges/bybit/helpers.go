package bybit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"venue-gateway/pkg/exchanges/common"
)

func sign(data, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}

// parseDecimal treats an empty field as zero.
func parseDecimal(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}

func parseMillis(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func mapStatus(s string) (common.OrderStatus, error) {
	switch s {
	case "New", "Created", "PendingNew", "Untriggered", "Triggered":
		return common.StatusNew, nil
	case "PartiallyFilled":
		return common.StatusPartiallyFilled, nil
	case "Filled":
		return common.StatusFilled, nil
	case "Cancelled", "Canceled", "Deactivated", "PartiallyFilledCanceled":
		return common.StatusCancelled, nil
	case "Rejected":
		return common.StatusRejected, nil
	}
	return "", fmt.Errorf("unknown order status %q", s)
}

func mapSide(s string) (common.Side, error) {
	switch s {
	case "Buy":
		return common.SideBuy, nil
	case "Sell":
		return common.SideSell, nil
	}
	return "", fmt.Errorf("unknown side %q", s)
}

// positionSide maps hedge-mode positionIdx 1/2 directly and one-way mode by
// the reported side.
func positionSide(idx int, side string) common.PositionSide {
	switch idx {
	case 1:
		return common.PositionLong
	case 2:
		return common.PositionShort
	}
	if side == "Buy" {
		return common.PositionLong
	}
	return common.PositionShort
}

func timeInForce(t common.OrderType, tif common.TimeInForce) common.TimeInForce {
	if tif != "" {
		return tif
	}
	if t == common.OrderTypeMarket {
		return common.TIFIOC
	}
	return common.TIFGTC
}
