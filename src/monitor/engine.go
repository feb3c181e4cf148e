// Package monitor runs the per-account control loop: position refresh, quote
// refresh, rule evaluation, trailing-stop ratcheting, and the command surface
// the web layer calls into.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"

	"riskmonitor/src/broker"
	"riskmonitor/src/dispatch"
	"riskmonitor/src/mapper"
	"riskmonitor/src/model"
	"riskmonitor/src/positions"
	"riskmonitor/src/quotes"
	"riskmonitor/src/risk"
	"riskmonitor/src/trailing"
)

// ErrPositionLoad wraps broker failures during a position refresh. The
// previous snapshot stays in place.
var ErrPositionLoad = errors.New("position load failed")

// ErrUnknownPosition means a command referenced a position key that is not in
// the current snapshot.
var ErrUnknownPosition = errors.New("unknown position")

// Engine monitors one account. Run drives the tick loop; the exported command
// methods are safe to call concurrently with it.
type Engine struct {
	account    string
	broker     broker.Broker
	store      *positions.Store
	quoteCache *quotes.Cache
	dispatcher *dispatch.Dispatcher
	trailing   *trailing.Machine
	cfg        Config
	riskCfg    risk.Config

	marketOpen func(time.Time) bool
	now        func() time.Time

	lastQuoteRefresh    time.Time
	lastPositionRefresh time.Time
}

func NewEngine(account string, b broker.Broker, journal dispatch.Journal, cfg Config) *Engine {
	dispatcher := dispatch.NewDispatcher(b, account, journal)

	return &Engine{
		account:    account,
		broker:     b,
		store:      positions.NewStore(),
		quoteCache: quotes.NewCache(b),
		dispatcher: dispatcher,
		trailing: trailing.NewMachine(dispatcher, trailing.Config{
			RepriceThrottle: cfg.RepriceThrottle,
			RepriceMinDelta: cfg.RepriceMinDelta,
			SlippageBuffer:  cfg.StopSlippageBuffer,
		}),
		cfg: cfg,
		riskCfg: risk.Config{
			StopLossPercent:   cfg.StopLossPercent,
			TakeProfitPercent: cfg.TakeProfitPercent,
			EmergencyCloseDTE: cfg.EmergencyCloseDTE,
		},
		marketOpen: risk.MarketOpen,
		now:        time.Now,
	}
}

func (e *Engine) Account() string { return e.account }

// MarketOpen reports whether the engine considers the market tradable now.
func (e *Engine) MarketOpen() bool { return e.marketOpen(e.now()) }

// QuoteSink feeds an externally received quote into this engine's cache.
func (e *Engine) QuoteSink(q model.Quote) { e.quoteCache.Set(q) }

// QuoteSymbols returns the instruments the engine wants quotes for.
func (e *Engine) QuoteSymbols() []string {
	list := e.store.List()
	symbols := make([]string, 0, len(list))
	seen := make(map[string]bool, len(list))
	for _, p := range list {
		key := p.QuoteKey()
		if !seen[key] {
			seen[key] = true
			symbols = append(symbols, key)
		}
	}
	sort.Strings(symbols)
	return symbols
}

// Run drives ticks until the context is cancelled. Outside market hours the
// loop sleeps on a long poll and does no work.
func (e *Engine) Run(ctx context.Context) {
	logger.WithField("account", e.account).Info("monitor loop starting")

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.WithField("account", e.account).Info("monitor loop stopped")
			return
		case <-timer.C:
		}

		interval := e.cfg.MonitoringInterval
		if !e.marketOpen(e.now()) {
			interval = e.cfg.ClosedPollInterval
		} else {
			e.Tick(ctx)
		}
		timer.Reset(interval)
	}
}

// Tick runs one monitoring pass. Per-position failures are isolated; a slow
// or failing position never aborts the rest of the book.
func (e *Engine) Tick(ctx context.Context) {
	now := e.now()

	if now.Sub(e.lastPositionRefresh) >= e.cfg.PositionRefreshInterval {
		if err := e.refreshPositions(ctx); err != nil {
			logger.WithError(err).WithField("account", e.account).Warn("keeping previous position snapshot")
		} else {
			e.lastPositionRefresh = now
		}
	}

	if now.Sub(e.lastQuoteRefresh) >= e.cfg.QuoteRefreshInterval {
		if err := e.quoteCache.Refresh(ctx, e.QuoteSymbols()); err != nil {
			logger.WithError(err).WithField("account", e.account).Warn("keeping stale quotes this tick")
		} else {
			e.lastQuoteRefresh = now
		}
	}

	e.dispatcher.RefreshStatuses(ctx)

	for _, key := range e.store.Keys() {
		if err := e.processPosition(ctx, key); err != nil {
			logger.WithError(err).WithFields(logger.Fields{
				"account":  e.account,
				"position": key,
			}).Error("position processing failed, continuing tick")
		}
	}
}

func (e *Engine) refreshPositions(ctx context.Context) error {
	records, err := e.broker.GetPositions(ctx, e.account)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPositionLoad, err)
	}

	fresh := mapper.MapPositionRecords(records)
	e.store.Load(fresh)

	logger.WithFields(logger.Fields{
		"account":   e.account,
		"positions": len(fresh),
	}).Debug("position snapshot refreshed")
	return nil
}

// processPosition evaluates one position under its advisory lock: P&L, rule
// signals, trailing-stop ratchet, then publishes the updated copy.
func (e *Engine) processPosition(ctx context.Context, key string) error {
	lock := e.store.LockKey(key)
	lock.Lock()
	defer lock.Unlock()

	p, ok := e.store.Get(key)
	if !ok {
		return nil
	}

	quote, ok := e.quoteCache.Get(p.QuoteKey())
	if !ok || quote.LastPrice <= 0 {
		return nil
	}

	risk.ComputePnl(&p, quote.LastPrice)

	// A linked stop order that was cancelled out from under the machine
	// re-arms the ratchet before this tick evaluates anything else.
	if link := p.TrailingStop.LinkedOrderID; link != "" {
		if status, ok := e.dispatcher.Status(link); ok {
			e.trailing.ReconcileOrder(&p, status)
		}
	}

	var firstErr error
	if signal := risk.Evaluate(&p, e.riskCfg, e.now()); signal != risk.SignalNone {
		if err := e.handleSignal(ctx, &p, signal); err != nil {
			firstErr = err
		}
	}

	if _, err := e.trailing.Ratchet(ctx, &p, quote.LastPrice); err != nil && firstErr == nil {
		firstErr = err
	}

	e.store.Apply(p)
	return firstErr
}

// handleSignal reacts to an advisory rule. The position is closed with a
// limit order slightly below the mark; if an exit order is already resting
// for this key, nothing new is submitted.
func (e *Engine) handleSignal(ctx context.Context, p *model.Position, signal risk.Signal) error {
	logger.WithFields(logger.Fields{
		"account":     e.account,
		"position":    p.Key(),
		"signal":      string(signal),
		"pnl":         p.Pnl,
		"pnl_percent": p.PnlPercent,
	}).Warn("exit rule fired")

	if signal == risk.SignalTakeProfit {
		p.TakeProfit.Triggered = true
	}

	if _, live := e.dispatcher.Outstanding(p.Key()); live {
		return nil
	}

	limit := closeLimitPrice(p.CurrentPrice, e.cfg.CloseLimitDiscount)
	_, err := e.dispatcher.SubmitClose(ctx, *p, limit)
	return err
}

// closeLimitPrice discounts the mark so an advisory close fills fast.
func closeLimitPrice(mark, discount float64) float64 {
	m := decimal.NewFromFloat(mark)
	d := decimal.NewFromFloat(discount)
	out, _ := m.Mul(decimal.NewFromInt(1).Sub(d)).Round(2).Float64()
	return out
}

// ---------------------------------------------------
// Command surface
// ---------------------------------------------------

// Positions returns the current snapshot sorted by key.
func (e *Engine) Positions() []model.Position {
	list := e.store.List()
	sort.Slice(list, func(i, j int) bool { return list[i].Key() < list[j].Key() })
	return list
}

// Position returns one position by key.
func (e *Engine) Position(key string) (model.Position, error) {
	p, ok := e.store.Get(key)
	if !ok {
		return model.Position{}, fmt.Errorf("%w: %s", ErrUnknownPosition, key)
	}
	return p, nil
}

// Orders returns the dispatcher's tracked orders.
func (e *Engine) Orders() []model.TrackedOrder {
	orders := e.dispatcher.Orders()
	sort.Slice(orders, func(i, j int) bool { return orders[i].OrderID < orders[j].OrderID })
	return orders
}

// EnableTrailingStop arms a trailing stop on the position and returns the
// resulting state. All-or-nothing; a failed initial order leaves it disabled.
func (e *Engine) EnableTrailingStop(ctx context.Context, key string, percent float64) (model.Position, error) {
	lock := e.store.LockKey(key)
	lock.Lock()
	defer lock.Unlock()

	p, ok := e.store.Get(key)
	if !ok {
		return model.Position{}, fmt.Errorf("%w: %s", ErrUnknownPosition, key)
	}

	if p.CurrentPrice <= 0 {
		if price := e.quoteCache.Price(p.QuoteKey()); price > 0 {
			risk.ComputePnl(&p, price)
		}
	}

	if err := e.trailing.Enable(ctx, &p, percent); err != nil {
		return p, err
	}
	e.store.Apply(p)
	return p, nil
}

// DisableTrailingStop cancels any linked order and clears the stop state.
func (e *Engine) DisableTrailingStop(ctx context.Context, key string) (model.Position, error) {
	lock := e.store.LockKey(key)
	lock.Lock()
	defer lock.Unlock()

	p, ok := e.store.Get(key)
	if !ok {
		return model.Position{}, fmt.Errorf("%w: %s", ErrUnknownPosition, key)
	}

	e.trailing.Disable(ctx, &p)
	e.store.Apply(p)
	return p, nil
}

// SetTakeProfit enables or disables the fixed take-profit rule on a position.
func (e *Engine) SetTakeProfit(ctx context.Context, key string, enabled bool, percent float64) (model.Position, error) {
	if enabled && percent <= 0 {
		return model.Position{}, fmt.Errorf("%w: take-profit percent %v", trailing.ErrConfiguration, percent)
	}

	lock := e.store.LockKey(key)
	lock.Lock()
	defer lock.Unlock()

	p, ok := e.store.Get(key)
	if !ok {
		return model.Position{}, fmt.Errorf("%w: %s", ErrUnknownPosition, key)
	}

	if enabled {
		p.TakeProfit = model.TakeProfit{Enabled: true, Percent: percent}
	} else {
		p.TakeProfit = model.TakeProfit{}
	}
	e.store.Apply(p)
	return p, nil
}

// RequestClose submits a manual limit close at an explicit price.
func (e *Engine) RequestClose(ctx context.Context, key string, limitPrice float64) (model.TrackedOrder, error) {
	if limitPrice <= 0 {
		return model.TrackedOrder{}, fmt.Errorf("%w: limit price %v", dispatch.ErrOrderSubmit, limitPrice)
	}

	lock := e.store.LockKey(key)
	lock.Lock()
	defer lock.Unlock()

	p, ok := e.store.Get(key)
	if !ok {
		return model.TrackedOrder{}, fmt.Errorf("%w: %s", ErrUnknownPosition, key)
	}

	return e.dispatcher.SubmitClose(ctx, p, limitPrice)
}

// CancelOrder cancels a tracked order by broker order id.
func (e *Engine) CancelOrder(ctx context.Context, orderID string) error {
	return e.dispatcher.Cancel(ctx, orderID)
}
