// Package dispatch owns exit-order submission and tracking. It enforces the
// at-most-one-live-order-per-position rule.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	logger "github.com/sirupsen/logrus"

	"riskmonitor/src/broker"
	"riskmonitor/src/model"
)

var (
	// ErrOrderOutstanding means a live exit order already exists for the
	// position key. Callers cancel first or back off.
	ErrOrderOutstanding = errors.New("an order is already outstanding for this position")

	// ErrOrderSubmit wraps broker submission failures. Never auto-retried;
	// duplicate submission risk is worse than a missed tick.
	ErrOrderSubmit = errors.New("order submission failed")

	// ErrOrderCancel wraps broker cancellation failures. Non-fatal: the order
	// may have filled already.
	ErrOrderCancel = errors.New("order cancellation failed")
)

// Journal persists order lifecycle events. A nil Journal disables persistence.
type Journal interface {
	Record(entry *model.OrderJournalEntry) error
}

// Dispatcher submits, cancels, and polls exit orders through the broker,
// keeping one TrackedOrder per position key. Calls for the same key are
// serialized internally.
type Dispatcher struct {
	broker  broker.Broker
	account string
	journal Journal

	mu       sync.Mutex
	orders   map[string]model.TrackedOrder // by position key
	keyLocks map[string]*sync.Mutex
}

func NewDispatcher(b broker.Broker, account string, journal Journal) *Dispatcher {
	return &Dispatcher{
		broker:   b,
		account:  account,
		journal:  journal,
		orders:   make(map[string]model.TrackedOrder),
		keyLocks: make(map[string]*sync.Mutex),
	}
}

func (d *Dispatcher) lockKey(key string) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()

	if l, ok := d.keyLocks[key]; ok {
		return l
	}
	l := &sync.Mutex{}
	d.keyLocks[key] = l
	return l
}

// Outstanding returns the live tracked order for a position key, if any.
func (d *Dispatcher) Outstanding(key string) (model.TrackedOrder, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	order, ok := d.orders[key]
	if !ok || model.OrderStatusTerminal(order.Status) {
		return model.TrackedOrder{}, false
	}
	return order, true
}

// Orders returns all tracked orders, live and terminal.
func (d *Dispatcher) Orders() []model.TrackedOrder {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]model.TrackedOrder, 0, len(d.orders))
	for _, order := range d.orders {
		out = append(out, order)
	}
	return out
}

// SubmitClose submits a plain limit sell-to-close for the position.
func (d *Dispatcher) SubmitClose(ctx context.Context, p model.Position, limitPrice float64) (model.TrackedOrder, error) {
	return d.submit(ctx, p, limitPrice, 0)
}

// SubmitStopLimit submits a stop-limit sell-to-close for the position.
func (d *Dispatcher) SubmitStopLimit(ctx context.Context, p model.Position, limitPrice, stopPrice float64) (model.TrackedOrder, error) {
	if stopPrice <= 0 {
		return model.TrackedOrder{}, fmt.Errorf("%w: stop price %v", ErrOrderSubmit, stopPrice)
	}
	return d.submit(ctx, p, limitPrice, stopPrice)
}

func (d *Dispatcher) submit(ctx context.Context, p model.Position, limitPrice, stopPrice float64) (model.TrackedOrder, error) {
	key := p.Key()
	lock := d.lockKey(key)
	lock.Lock()
	defer lock.Unlock()

	if _, live := d.Outstanding(key); live {
		return model.TrackedOrder{}, ErrOrderOutstanding
	}

	req := broker.CloseRequest{
		Symbol:         p.Symbol,
		Quantity:       p.Quantity,
		ExpirationDate: p.ExpirationDate,
		StrikePrice:    p.StrikePrice,
		OptionType:     p.OptionType,
		LimitPrice:     limitPrice,
		StopPrice:      stopPrice,
	}

	var record broker.OrderRecord
	var err error
	if stopPrice > 0 {
		record, err = d.broker.SubmitStopLimitClose(ctx, d.account, req)
	} else {
		record, err = d.broker.SubmitLimitClose(ctx, d.account, req)
	}
	if err != nil {
		return model.TrackedOrder{}, fmt.Errorf("%w: %v", ErrOrderSubmit, err)
	}

	orderType := model.OrderTypeLimit
	if stopPrice > 0 {
		orderType = model.OrderTypeStopLimit
	}
	status := record.State
	if status == "" {
		status = model.OrderStatusQueued
	}

	tracked := model.TrackedOrder{
		OrderID:     record.ID,
		PositionKey: key,
		Symbol:      p.Symbol,
		OrderType:   orderType,
		Quantity:    p.Quantity,
		LimitPrice:  limitPrice,
		StopPrice:   stopPrice,
		Status:      status,
		SubmittedAt: time.Now(),
	}

	d.mu.Lock()
	d.orders[key] = tracked
	d.mu.Unlock()

	logger.WithFields(logger.Fields{
		"position": key,
		"order_id": tracked.OrderID,
		"type":     orderType,
		"limit":    limitPrice,
		"stop":     stopPrice,
	}).Info("exit order submitted")

	d.record(tracked, model.JournalEventSubmitted)
	return tracked, nil
}

// Cancel asks the broker to cancel an order. The tracked entry is marked
// cancelled locally even when the broker call fails, so a reprice can proceed;
// the failure is returned for logging. A later status poll corrects the local
// state if the order actually filled.
func (d *Dispatcher) Cancel(ctx context.Context, orderID string) error {
	tracked, key, found := d.findByOrderID(orderID)
	if found {
		lock := d.lockKey(key)
		lock.Lock()
		defer lock.Unlock()
	}

	ok, err := d.broker.CancelOrder(ctx, orderID)

	if found && !model.OrderStatusTerminal(tracked.Status) {
		d.mu.Lock()
		tracked.Status = model.OrderStatusCancelled
		d.orders[key] = tracked
		d.mu.Unlock()
		d.record(tracked, model.JournalEventCancelRequested)
	}

	if err != nil {
		return fmt.Errorf("%w: %v", ErrOrderCancel, err)
	}
	if !ok {
		return fmt.Errorf("%w: broker refused cancellation of %s", ErrOrderCancel, orderID)
	}
	return nil
}

// Status returns the last observed status of a tracked order without hitting
// the broker.
func (d *Dispatcher) Status(orderID string) (string, bool) {
	tracked, _, found := d.findByOrderID(orderID)
	if !found {
		return "", false
	}
	return tracked.Status, true
}

// GetStatus polls the broker for the order's current status and updates the
// tracked entry.
func (d *Dispatcher) GetStatus(ctx context.Context, orderID string) (string, error) {
	record, err := d.broker.GetOrder(ctx, orderID)
	if err != nil {
		return "", err
	}
	d.applyStatus(orderID, record.State)
	return record.State, nil
}

// RefreshStatuses polls every non-terminal tracked order. Per-order failures
// are logged and skipped.
func (d *Dispatcher) RefreshStatuses(ctx context.Context) {
	d.mu.Lock()
	pending := make([]model.TrackedOrder, 0, len(d.orders))
	for _, order := range d.orders {
		if !model.OrderStatusTerminal(order.Status) {
			pending = append(pending, order)
		}
	}
	d.mu.Unlock()

	for _, order := range pending {
		record, err := d.broker.GetOrder(ctx, order.OrderID)
		if err != nil {
			logger.WithError(err).WithField("order_id", order.OrderID).Warn("order status poll failed")
			continue
		}
		d.applyStatus(order.OrderID, record.State)
	}
}

func (d *Dispatcher) applyStatus(orderID, status string) {
	tracked, key, found := d.findByOrderID(orderID)
	if !found || status == "" || tracked.Status == status {
		return
	}

	d.mu.Lock()
	tracked.Status = status
	d.orders[key] = tracked
	d.mu.Unlock()

	logger.WithFields(logger.Fields{
		"order_id": orderID,
		"position": key,
		"status":   status,
	}).Info("order status changed")

	d.record(tracked, model.JournalEventStatus)
}

func (d *Dispatcher) findByOrderID(orderID string) (model.TrackedOrder, string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for key, order := range d.orders {
		if order.OrderID == orderID {
			return order, key, true
		}
	}
	return model.TrackedOrder{}, "", false
}

func (d *Dispatcher) record(order model.TrackedOrder, event string) {
	if d.journal == nil {
		return
	}
	entry := &model.OrderJournalEntry{
		Account:       d.account,
		PositionKey:   order.PositionKey,
		Symbol:        order.Symbol,
		BrokerOrderID: order.OrderID,
		OrderType:     order.OrderType,
		Quantity:      order.Quantity,
		LimitPrice:    order.LimitPrice,
		StopPrice:     order.StopPrice,
		Status:        order.Status,
		Event:         event,
	}
	if err := d.journal.Record(entry); err != nil {
		logger.WithError(err).WithField("order_id", order.OrderID).Warn("order journal write failed")
	}
}
