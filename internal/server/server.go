package server

import (
	"context"
	"net/http"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Server wires the HTTP surface. Authentication is owned by the
// gateway in front of this service: user and reviewer identity arrive
// in trusted headers.
type Server struct {
	http   *http.Server
	logger *zap.Logger
}

// New builds the router and the server around a Handler
func New(addr string, h *Handler, logger *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(ginzap.Ginzap(logger, time.RFC3339, true))
	engine.Use(ginzap.RecoveryWithZap(logger, true))

	engine.GET("/health", h.Health)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := engine.Group("/v1")
	{
		wallet := v1.Group("/wallet")
		wallet.GET("", h.GetWallet)
		wallet.GET("/transactions", h.GetTransactions)
		wallet.GET("/ledger/:currency", h.GetLedgerHistory)

		v1.POST("/deposits", h.SubmitDeposit)
		v1.GET("/deposits", h.ListDeposits)
		v1.POST("/withdrawals", h.SubmitWithdraw)
		v1.GET("/withdrawals", h.ListWithdrawals)

		v1.POST("/trades", h.PlaceTrade)
		v1.GET("/trades", h.ListTrades)

		admin := v1.Group("/admin")
		admin.POST("/deposits/:id/approve", h.ApproveDeposit)
		admin.POST("/deposits/:id/reject", h.RejectDeposit)
		admin.POST("/withdrawals/:id/approve", h.ApproveWithdraw)
		admin.POST("/withdrawals/:id/reject", h.RejectWithdraw)
		admin.GET("/deposits", h.AdminListDeposits)
		admin.GET("/withdrawals", h.AdminListWithdrawals)
		admin.POST("/adjustments", h.AdjustBalance)
	}

	return &Server{
		http: &http.Server{
			Addr:              addr,
			Handler:           engine,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}
}

// Start blocks serving HTTP until Shutdown or failure
func (s *Server) Start() error {
	s.logger.Info("HTTP server listening", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
