package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	logger "github.com/sirupsen/logrus"

	"riskmonitor/src/model"
)

// PaperBroker is an in-memory Broker used for simulation. It keeps the same
// contract as the REST client: orders rest until filled or cancelled, a
// stop-limit order fills once the quoted mark crosses its stop price, and a
// plain limit close fills after a fixed delay.
type PaperBroker struct {
	mu        sync.Mutex
	accounts  []AccountRecord
	positions map[string][]PositionRecord // account -> positions
	quotes    map[string]model.Quote
	orders    map[string]*paperOrder
	fillAfter time.Duration
	now       func() time.Time
}

type paperOrder struct {
	record      OrderRecord
	account     string
	symbol      string
	quoteKey    string
	submittedAt time.Time
}

func NewPaperBroker(fillAfter time.Duration) *PaperBroker {
	if fillAfter <= 0 {
		fillAfter = 3 * time.Second
	}
	return &PaperBroker{
		positions: make(map[string][]PositionRecord),
		quotes:    make(map[string]model.Quote),
		orders:    make(map[string]*paperOrder),
		fillAfter: fillAfter,
		now:       time.Now,
	}
}

// WithClock overrides the clock. Tests only.
func (b *PaperBroker) WithClock(now func() time.Time) *PaperBroker {
	b.now = now
	return b
}

// SeedAccount registers an account and its open positions.
func (b *PaperBroker) SeedAccount(account string, positions []PositionRecord) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.accounts = append(b.accounts, AccountRecord{Number: account, Type: "Standard", State: "active"})
	b.positions[account] = positions
}

// SetQuote publishes a mark price. Resting stop orders are re-checked against
// the new price.
func (b *PaperBroker) SetQuote(symbol string, price float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.quotes[symbol] = model.Quote{Symbol: symbol, LastPrice: price, ObservedAt: b.now()}
	b.settleLocked()
}

func (b *PaperBroker) VerifySession(ctx context.Context) error {
	return nil
}

func (b *PaperBroker) GetAccounts(ctx context.Context) ([]AccountRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]AccountRecord, len(b.accounts))
	copy(out, b.accounts)
	return out, nil
}

func (b *PaperBroker) GetPositions(ctx context.Context, account string) ([]PositionRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	positions, ok := b.positions[account]
	if !ok {
		return nil, nil
	}
	out := make([]PositionRecord, len(positions))
	copy(out, positions)
	return out, nil
}

func (b *PaperBroker) GetQuotes(ctx context.Context, symbols []string) ([]model.Quote, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.settleLocked()

	quotes := make([]model.Quote, 0, len(symbols))
	for _, symbol := range symbols {
		if q, ok := b.quotes[symbol]; ok {
			quotes = append(quotes, q)
		}
	}
	return quotes, nil
}

func (b *PaperBroker) SubmitLimitClose(ctx context.Context, account string, req CloseRequest) (OrderRecord, error) {
	return b.submit(account, req, false)
}

func (b *PaperBroker) SubmitStopLimitClose(ctx context.Context, account string, req CloseRequest) (OrderRecord, error) {
	if req.StopPrice <= 0 {
		return OrderRecord{}, fmt.Errorf("stop price must be positive, got %v", req.StopPrice)
	}
	return b.submit(account, req, true)
}

func (b *PaperBroker) submit(account string, req CloseRequest, stopLimit bool) (OrderRecord, error) {
	if req.Quantity <= 0 {
		return OrderRecord{}, fmt.Errorf("quantity must be positive, got %d", req.Quantity)
	}
	if req.LimitPrice <= 0 {
		return OrderRecord{}, fmt.Errorf("limit price must be positive, got %v", req.LimitPrice)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	record := OrderRecord{
		ID:         "SIM-" + uuid.NewString()[:12],
		State:      model.OrderStatusConfirmed,
		LimitPrice: req.LimitPrice,
		Quantity:   req.Quantity,
		CreatedAt:  b.now(),
	}
	if stopLimit {
		record.StopPrice = req.StopPrice
	}

	// Quotes are keyed by instrument id when the seeded position carries one.
	quoteKey := req.Symbol
	for _, positions := range b.positions {
		for _, p := range positions {
			if p.Symbol == req.Symbol && p.ExpirationDate == req.ExpirationDate &&
				p.StrikePrice == req.StrikePrice && p.OptionID != "" {
				quoteKey = p.OptionID
			}
		}
	}

	b.orders[record.ID] = &paperOrder{
		record:      record,
		account:     account,
		symbol:      req.Symbol,
		quoteKey:    quoteKey,
		submittedAt: b.now(),
	}

	logger.WithFields(logger.Fields{
		"order_id": record.ID,
		"symbol":   req.Symbol,
		"stop":     record.StopPrice,
		"limit":    record.LimitPrice,
	}).Info("paper order accepted")

	return record, nil
}

func (b *PaperBroker) CancelOrder(ctx context.Context, orderID string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	order, ok := b.orders[orderID]
	if !ok {
		return false, fmt.Errorf("unknown order %s", orderID)
	}
	if model.OrderStatusTerminal(order.record.State) {
		return false, nil
	}
	order.record.State = model.OrderStatusCancelled
	return true, nil
}

func (b *PaperBroker) GetOrder(ctx context.Context, orderID string) (OrderRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.settleLocked()

	order, ok := b.orders[orderID]
	if !ok {
		return OrderRecord{}, fmt.Errorf("unknown order %s", orderID)
	}
	return order.record, nil
}

// settleLocked walks resting orders and fills the ones whose conditions are
// met. Caller holds b.mu.
func (b *PaperBroker) settleLocked() {
	now := b.now()
	for _, order := range b.orders {
		if model.OrderStatusTerminal(order.record.State) {
			continue
		}

		if order.record.StopPrice > 0 {
			// Sell stop-limit: triggers when the mark trades at or below
			// the stop.
			q, ok := b.quotes[order.quoteKey]
			if ok && q.LastPrice > 0 && q.LastPrice <= order.record.StopPrice {
				order.record.State = model.OrderStatusFilled
				logger.WithField("order_id", order.record.ID).Info("paper stop-limit filled")
			}
			continue
		}

		if now.Sub(order.submittedAt) >= b.fillAfter {
			order.record.State = model.OrderStatusFilled
			logger.WithField("order_id", order.record.ID).Info("paper limit order filled")
		}
	}
}
