package server

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	logger "github.com/sirupsen/logrus"

	"riskmonitor/src/handler"
	"riskmonitor/src/security"
)

// NewRouter builds the HTTP surface: a public healthcheck plus the
// token-guarded per-account command and query endpoints.
func NewRouter(locator handler.EngineLocator, journal http.HandlerFunc) chi.Router {
	r := chi.NewRouter()

	// Public routes
	r.Get("/healthcheck", func(w http.ResponseWriter, r *http.Request) {
		if _, err := w.Write([]byte("OK")); err != nil {
			logger.WithError(err).Error(" \"/health error")
		}
	})

	securityConfig := security.GetConfig()
	r.Route("/api/account/{account}", func(r chi.Router) {
		r.Use(security.RequireToken(securityConfig.APITokenHash))

		r.Get("/positions", handler.ListPositionsHandler(locator))
		r.Get("/orders", handler.ListOrdersHandler(locator))
		r.Get("/journal", journal)
		r.Post("/trailing-stop", handler.TrailingStopHandler(locator))
		r.Post("/take-profit", handler.TakeProfitHandler(locator))
		r.Post("/close", handler.RequestCloseHandler(locator))
		r.Post("/cancel-order/{orderID}", handler.CancelOrderHandler(locator))
	})

	return r
}

func StartServer(port string, locator handler.EngineLocator, journal http.HandlerFunc) {
	r := NewRouter(locator, journal)

	// Graceful server
	// Server setup
	addr := ":" + port
	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	// Start server in goroutine
	go func() {
		logger.Infof("Listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("Server crashed")
		}
	}()

	// Shutdown on SIGINT or SIGTERM
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("Shutting down gracefully...")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("Shutdown error")
	}
}
