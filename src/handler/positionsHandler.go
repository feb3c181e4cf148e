package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	logger "github.com/sirupsen/logrus"

	"riskmonitor/src/dispatch"
	"riskmonitor/src/model"
	"riskmonitor/src/monitor"
	"riskmonitor/src/trailing"
)

// Commander is the per-account engine capability the handlers drive.
type Commander interface {
	Positions() []model.Position
	EnableTrailingStop(ctx context.Context, key string, percent float64) (model.Position, error)
	DisableTrailingStop(ctx context.Context, key string) (model.Position, error)
	SetTakeProfit(ctx context.Context, key string, enabled bool, percent float64) (model.Position, error)
	RequestClose(ctx context.Context, key string, limitPrice float64) (model.TrackedOrder, error)
	CancelOrder(ctx context.Context, orderID string) error
	Orders() []model.TrackedOrder
	MarketOpen() bool
}

// EngineLocator resolves an account number to its engine.
type EngineLocator func(account string) (Commander, bool)

type positionsResponse struct {
	Success    bool             `json:"success"`
	Account    string           `json:"account"`
	MarketOpen bool             `json:"market_open"`
	TotalPnl   float64          `json:"total_pnl"`
	Positions  []model.Position `json:"positions"`
}

type commandResponse struct {
	Success  bool            `json:"success"`
	Error    string          `json:"error,omitempty"`
	Position *model.Position `json:"position,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.WithError(err).Error("failed to encode response")
	}
}

func writeCommandError(w http.ResponseWriter, err error) {
	status := http.StatusBadGateway
	switch {
	case errors.Is(err, monitor.ErrUnknownPosition):
		status = http.StatusNotFound
	case errors.Is(err, dispatch.ErrOrderOutstanding):
		status = http.StatusConflict
	case errors.Is(err, trailing.ErrConfiguration):
		status = http.StatusBadRequest
	}
	writeJSON(w, status, commandResponse{Success: false, Error: err.Error()})
}

func locateEngine(locator EngineLocator, w http.ResponseWriter, r *http.Request) (Commander, bool) {
	account := chi.URLParam(r, "account")
	engine, ok := locator(account)
	if !ok {
		writeJSON(w, http.StatusNotFound, commandResponse{Success: false, Error: "unknown account " + account})
		return nil, false
	}
	return engine, true
}

// ListPositionsHandler returns the read-only positions view for one account.
func ListPositionsHandler(locator EngineLocator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		engine, ok := locateEngine(locator, w, r)
		if !ok {
			return
		}

		list := engine.Positions()
		var total float64
		for _, p := range list {
			total += p.Pnl
		}

		writeJSON(w, http.StatusOK, positionsResponse{
			Success:    true,
			Account:    chi.URLParam(r, "account"),
			MarketOpen: engine.MarketOpen(),
			TotalPnl:   total,
			Positions:  list,
		})
	}
}

type trailingStopRequest struct {
	PositionKey string  `json:"position_key"`
	Enabled     bool    `json:"enabled"`
	Percent     float64 `json:"percent"`
}

// TrailingStopHandler enables or disables a trailing stop on a position.
func TrailingStopHandler(locator EngineLocator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		engine, ok := locateEngine(locator, w, r)
		if !ok {
			return
		}

		var req trailingStopRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PositionKey == "" {
			writeJSON(w, http.StatusBadRequest, commandResponse{Success: false, Error: "invalid payload"})
			return
		}

		var position model.Position
		var err error
		if req.Enabled {
			position, err = engine.EnableTrailingStop(r.Context(), req.PositionKey, req.Percent)
		} else {
			position, err = engine.DisableTrailingStop(r.Context(), req.PositionKey)
		}
		if err != nil {
			logger.WithError(err).WithField("position", req.PositionKey).Warn("trailing-stop command failed")
			writeCommandError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, commandResponse{Success: true, Position: &position})
	}
}

type takeProfitRequest struct {
	PositionKey string  `json:"position_key"`
	Enabled     bool    `json:"enabled"`
	Percent     float64 `json:"percent"`
}

// TakeProfitHandler sets or clears the fixed take-profit on a position.
func TakeProfitHandler(locator EngineLocator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		engine, ok := locateEngine(locator, w, r)
		if !ok {
			return
		}

		var req takeProfitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PositionKey == "" {
			writeJSON(w, http.StatusBadRequest, commandResponse{Success: false, Error: "invalid payload"})
			return
		}

		position, err := engine.SetTakeProfit(r.Context(), req.PositionKey, req.Enabled, req.Percent)
		if err != nil {
			logger.WithError(err).WithField("position", req.PositionKey).Warn("take-profit command failed")
			writeCommandError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, commandResponse{Success: true, Position: &position})
	}
}
