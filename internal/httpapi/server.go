// Package httpapi is a thin gin facade over the credit ledger service.
// Request routing shells, auth, and payment gateways live in front of it;
// everything here is translation between JSON and the ledger operations.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/MarkoPoloResearchLab/creditledger/pkg/credits"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// Run boots the HTTP facade and blocks until ctx is cancelled.
func Run(ctx context.Context, cfg Config, service *credits.Service, logger *zap.Logger) error {
	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: NewRouter(cfg, service, logger),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("credit api listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// NewRouter builds the gin engine with all ledger routes mounted.
func NewRouter(cfg Config, service *credits.Service, logger *zap.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if len(cfg.AllowedOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Content-Type", "Origin", "Accept"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}

	handler := &ledgerHandler{service: service, logger: logger}

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	api.GET("/users/:user_id/balance", handler.handleBalance)
	api.GET("/users/:user_id/statements", handler.handleListStatements)
	api.POST("/topups", handler.handleTopUp)
	api.POST("/grants/free", handler.handleGrantFree)
	api.POST("/consumptions", handler.handleConsume)
	api.POST("/refunds", handler.handleRefund)
	api.PUT("/subscriptions", handler.handleUpsertSubscription)
	api.DELETE("/subscriptions/:subscription_id", handler.handleCancelSubscription)
	api.POST("/sweeps/issue", handler.handleIssueSweep)
	api.POST("/sweeps/expire", handler.handleExpireSweep)

	return router
}

type ledgerHandler struct {
	service *credits.Service
	logger  *zap.Logger
}

func (handler *ledgerHandler) abortWithError(ctx *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, credits.ErrInsufficientBalance):
		status = http.StatusPaymentRequired
	case errors.Is(err, credits.ErrSubscriptionNotFound), errors.Is(err, credits.ErrGrantNotFound):
		status = http.StatusNotFound
	case errors.Is(err, credits.ErrGrantExists):
		status = http.StatusConflict
	case errors.Is(err, credits.ErrInvalidSchedule),
		errors.Is(err, credits.ErrInvalidUserID),
		errors.Is(err, credits.ErrInvalidOrderID),
		errors.Is(err, credits.ErrInvalidAmount),
		errors.Is(err, credits.ErrInvalidSubscription),
		errors.Is(err, credits.ErrInvalidMetadataJSON):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		handler.logger.Error("ledger request failed", zap.Error(err))
	}
	ctx.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}
