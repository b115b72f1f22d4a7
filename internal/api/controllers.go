package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"venue-gateway/internal/command"
	"venue-gateway/internal/gateway"
	"venue-gateway/pkg/exchanges/common"
)

type placeOrderRequest struct {
	Side          string          `json:"side" binding:"required"`
	Type          string          `json:"type" binding:"required"`
	Qty           decimal.Decimal `json:"qty"`
	Price         decimal.Decimal `json:"price"`
	PostOnly      bool            `json:"postOnly"`
	ReduceOnly    bool            `json:"reduceOnly"`
	ClientOrderID string          `json:"clientOrderId"`
}

type amendOrderRequest struct {
	Price *decimal.Decimal `json:"price"`
	Qty   *decimal.Decimal `json:"qty"`
}

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{
		"code":  code,
		"error": msg,
	})
}

// respondCommandError maps gateway and venue failures onto HTTP statuses.
func (s *Server) respondCommandError(c *gin.Context, op string, err error) {
	var venueErr *common.VenueError
	switch {
	case errors.Is(err, gateway.ErrInvalidRequest):
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
	case errors.Is(err, gateway.ErrTradingPaused):
		respondError(c, http.StatusConflict, "TRADING_PAUSED", err.Error())
	case errors.Is(err, gateway.ErrClosed), errors.Is(err, command.ErrShutdown):
		respondError(c, http.StatusServiceUnavailable, "GATEWAY_CLOSED", err.Error())
	case errors.Is(err, common.ErrOrderNotFound):
		respondError(c, http.StatusNotFound, "ORDER_NOT_FOUND", err.Error())
	case errors.As(err, &venueErr):
		respondError(c, http.StatusBadGateway, "VENUE_REJECTED", err.Error())
	default:
		s.log.Warn("order command failed", zap.String("op", op), zap.Error(err))
		respondError(c, http.StatusBadGateway, "VENUE_UNAVAILABLE", err.Error())
	}
}

func (s *Server) getSnapshot(c *gin.Context) {
	c.JSON(http.StatusOK, s.gw.Snapshot())
}

func (s *Server) getHealth(c *gin.Context) {
	c.JSON(http.StatusOK, s.gw.HealthReport())
}

func (s *Server) placeOrder(c *gin.Context) {
	var req placeOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request payload")
		return
	}
	handle, err := s.gw.PlaceOrder(c.Request.Context(), gateway.PlaceRequest{
		Side:          common.Side(req.Side),
		Type:          common.OrderType(req.Type),
		Qty:           req.Qty,
		Price:         req.Price,
		PostOnly:      req.PostOnly,
		ReduceOnly:    req.ReduceOnly,
		ClientOrderID: req.ClientOrderID,
	})
	if err != nil {
		s.respondCommandError(c, "place", err)
		return
	}
	s.log.Info("operator placed order",
		zap.String("operator", CurrentOperator(c)),
		zap.String("orderId", handle.OrderID))
	c.JSON(http.StatusCreated, handle)
}

func (s *Server) amendOrder(c *gin.Context) {
	var req amendOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request payload")
		return
	}
	amended, err := s.gw.AmendOrder(c.Request.Context(), c.Param("id"), req.Price, req.Qty)
	if err != nil {
		s.respondCommandError(c, "amend", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"amended": amended})
}

func (s *Server) cancelOrder(c *gin.Context) {
	gone, err := s.gw.CancelOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondCommandError(c, "cancel", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": gone})
}

func (s *Server) cancelAll(c *gin.Context) {
	n, err := s.gw.CancelAllOrders(c.Request.Context())
	if err != nil {
		s.respondCommandError(c, "cancel-all", err)
		return
	}
	s.log.Warn("operator cancelled all orders",
		zap.String("operator", CurrentOperator(c)),
		zap.Int("count", n))
	c.JSON(http.StatusOK, gin.H{"cancelled": n})
}
