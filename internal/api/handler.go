// Package api is the operator HTTP surface: health, metrics, snapshots,
// manual order commands and a websocket event stream.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"venue-gateway/internal/events"
	"venue-gateway/internal/gateway"
	"venue-gateway/internal/health"
	"venue-gateway/pkg/config"
)

// Gateway is the part of *gateway.Gateway the API drives.
type Gateway interface {
	Snapshot() gateway.Snapshot
	HealthReport() health.Report
	Bus() *events.Bus
	PlaceOrder(ctx context.Context, req gateway.PlaceRequest) (gateway.OrderHandle, error)
	AmendOrder(ctx context.Context, orderID string, price, qty *decimal.Decimal) (bool, error)
	CancelOrder(ctx context.Context, orderID string) (bool, error)
	CancelAllOrders(ctx context.Context) (int, error)
}

var _ Gateway = (*gateway.Gateway)(nil)

// Server wires HTTP endpoints around the gateway.
type Server struct {
	Router  *gin.Engine
	gw      Gateway
	metrics http.Handler
	auth    config.APIConfig
	log     *zap.Logger
}

// NewServer builds the router. metrics may be nil to omit /metrics.
func NewServer(gw Gateway, metrics http.Handler, cfg config.APIConfig, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("api")

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger(log))
	r.Use(RateLimitMiddleware(newIPLimiters(20, 50), log))
	r.Use(CORSMiddleware(cfg.AllowedOrigins))

	s := &Server{
		Router:  r,
		gw:      gw,
		metrics: metrics,
		auth:    cfg,
		log:     log,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	if s.metrics != nil {
		s.Router.GET("/metrics", gin.WrapH(s.metrics))
	}
	s.Router.GET("/ws", AuthMiddleware(s.auth.JWTSecret), s.websocket)

	api := s.Router.Group("/api")
	api.POST("/login", s.login)

	protected := api.Group("")
	protected.Use(AuthMiddleware(s.auth.JWTSecret), TimeoutMiddleware(30*time.Second))
	{
		protected.GET("/snapshot", s.getSnapshot)
		protected.GET("/health", s.getHealth)
		protected.POST("/orders", s.placeOrder)
		protected.POST("/orders/cancel-all", s.cancelAll)
		protected.POST("/orders/:id/cancel", s.cancelOrder)
		protected.POST("/orders/:id/amend", s.amendOrder)
	}
}

// health is unauthenticated for load balancers: 503 once the breaker
// reaches critical.
func (s *Server) health(c *gin.Context) {
	report := s.gw.HealthReport()
	status := http.StatusOK
	if report.Status == health.StatusCriticalShutdown {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"status": report.Status, "score": report.OverallScore})
}

// Handler exposes the router for an http.Server.
func (s *Server) Handler() http.Handler { return s.Router }
