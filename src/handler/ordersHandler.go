package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	logger "github.com/sirupsen/logrus"

	"riskmonitor/src/model"
	"riskmonitor/src/repository"
)

type closeRequest struct {
	PositionKey string  `json:"position_key"`
	LimitPrice  float64 `json:"limit_price"`
}

type orderResponse struct {
	Success bool                `json:"success"`
	Error   string              `json:"error,omitempty"`
	Order   *model.TrackedOrder `json:"order,omitempty"`
}

type ordersResponse struct {
	Success bool                 `json:"success"`
	Orders  []model.TrackedOrder `json:"orders"`
}

// RequestCloseHandler submits a manual limit close for a position.
func RequestCloseHandler(locator EngineLocator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		engine, ok := locateEngine(locator, w, r)
		if !ok {
			return
		}

		var req closeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PositionKey == "" {
			writeJSON(w, http.StatusBadRequest, orderResponse{Success: false, Error: "invalid payload"})
			return
		}

		order, err := engine.RequestClose(r.Context(), req.PositionKey, req.LimitPrice)
		if err != nil {
			logger.WithError(err).WithField("position", req.PositionKey).Warn("manual close failed")
			writeCommandError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, orderResponse{Success: true, Order: &order})
	}
}

// CancelOrderHandler cancels a tracked exit order.
func CancelOrderHandler(locator EngineLocator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		engine, ok := locateEngine(locator, w, r)
		if !ok {
			return
		}

		orderID := chi.URLParam(r, "orderID")
		if err := engine.CancelOrder(r.Context(), orderID); err != nil {
			logger.WithError(err).WithField("order_id", orderID).Warn("cancel failed")
			writeCommandError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, orderResponse{Success: true})
	}
}

// ListOrdersHandler returns the dispatcher's tracked orders for one account.
func ListOrdersHandler(locator EngineLocator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		engine, ok := locateEngine(locator, w, r)
		if !ok {
			return
		}

		writeJSON(w, http.StatusOK, ordersResponse{Success: true, Orders: engine.Orders()})
	}
}

type journalSearcher interface {
	Search(ctx context.Context, options repository.JournalSearchOptions) ([]model.OrderJournalEntry, error)
}

type journalResponse struct {
	Success bool                      `json:"success"`
	Entries []model.OrderJournalEntry `json:"entries"`
}

// JournalHandler lists persisted order lifecycle events for an account.
// Supports pagination and filters (positionKey, event, createdFrom, createdTo).
func JournalHandler(repo journalSearcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		account := chi.URLParam(r, "account")

		var positionKey, event *string
		if keyParam := r.URL.Query().Get("positionKey"); keyParam != "" {
			positionKey = &keyParam
		}
		if eventParam := r.URL.Query().Get("event"); eventParam != "" {
			event = &eventParam
		}

		var createdFrom, createdTo *time.Time
		if createdFromParam := r.URL.Query().Get("createdFrom"); createdFromParam != "" {
			parsed, err := time.Parse(time.RFC3339, createdFromParam)
			if err != nil {
				http.Error(w, "invalid createdFrom", http.StatusBadRequest)
				return
			}
			createdFrom = &parsed
		}
		if createdToParam := r.URL.Query().Get("createdTo"); createdToParam != "" {
			parsed, err := time.Parse(time.RFC3339, createdToParam)
			if err != nil {
				http.Error(w, "invalid createdTo", http.StatusBadRequest)
				return
			}
			createdTo = &parsed
		}

		page := 1
		if pageParam := r.URL.Query().Get("page"); pageParam != "" {
			parsedPage, err := strconv.Atoi(pageParam)
			if err != nil || parsedPage <= 0 {
				http.Error(w, "invalid page", http.StatusBadRequest)
				return
			}
			page = parsedPage
		}

		pageSize := 50
		if sizeParam := r.URL.Query().Get("pageSize"); sizeParam != "" {
			parsedSize, err := strconv.Atoi(sizeParam)
			if err != nil || parsedSize <= 0 {
				http.Error(w, "invalid pageSize", http.StatusBadRequest)
				return
			}
			pageSize = parsedSize
		}

		entries, err := repo.Search(r.Context(), repository.JournalSearchOptions{
			Account:       account,
			PositionKey:   positionKey,
			Event:         event,
			CreatedAfter:  createdFrom,
			CreatedBefore: createdTo,
			Limit:         pageSize,
			Offset:        (page - 1) * pageSize,
		})
		if err != nil {
			logger.WithError(err).Error("failed to search order journal")
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusOK, journalResponse{Success: true, Entries: entries})
	}
}

// DefaultJournalHandler wires the handler to the production repository implementation.
func DefaultJournalHandler() http.HandlerFunc {
	return JournalHandler(repository.NewJournalRepository())
}
