// Package trailing implements the trailing-stop state machine: the high-water
// ratchet, the derived trigger price, reprice throttling, and the link to the
// resting exit order.
package trailing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"

	"riskmonitor/src/model"
)

// ErrConfiguration means a trailing stop cannot be armed with the given
// inputs, e.g. a non-positive percent or no known mark price.
var ErrConfiguration = errors.New("invalid trailing-stop configuration")

// OrderPlacer is the dispatcher capability the machine needs.
type OrderPlacer interface {
	SubmitStopLimit(ctx context.Context, p model.Position, limitPrice, stopPrice float64) (model.TrackedOrder, error)
	Cancel(ctx context.Context, orderID string) error
}

// Config tunes order churn. Zero values fall back to the defaults.
type Config struct {
	RepriceThrottle time.Duration // minimum interval between reprices
	RepriceMinDelta float64       // minimum trigger move worth a reprice
	SlippageBuffer  float64       // stop price sits this fraction above the trigger
}

const (
	defaultRepriceThrottle = 10 * time.Second
	defaultRepriceMinDelta = 0.01
	defaultSlippageBuffer  = 0.03
)

func (c Config) withDefaults() Config {
	if c.RepriceThrottle <= 0 {
		c.RepriceThrottle = defaultRepriceThrottle
	}
	if c.RepriceMinDelta <= 0 {
		c.RepriceMinDelta = defaultRepriceMinDelta
	}
	if c.SlippageBuffer <= 0 {
		c.SlippageBuffer = defaultSlippageBuffer
	}
	return c
}

// Machine mutates the TrailingStop block of position copies handed to it.
// Callers hold the position's advisory lock and publish the copy back.
type Machine struct {
	orders OrderPlacer
	cfg    Config
	now    func() time.Time
}

func NewMachine(orders OrderPlacer, cfg Config) *Machine {
	return &Machine{
		orders: orders,
		cfg:    cfg.withDefaults(),
		now:    time.Now,
	}
}

// WithClock overrides the clock. Tests only.
func (m *Machine) WithClock(now func() time.Time) *Machine {
	m.now = now
	return m
}

// TriggerPrice derives the trigger from a high-water mark and percent.
// Always recomputed, never stored independently.
func TriggerPrice(highWaterMark, percent float64) float64 {
	hwm := decimal.NewFromFloat(highWaterMark)
	pct := decimal.NewFromFloat(percent).Div(decimal.NewFromInt(100))
	out, _ := hwm.Mul(decimal.NewFromInt(1).Sub(pct)).Float64()
	return out
}

// stopPrice places the broker stop above the trigger so the resting order
// arms before the mark reaches the trigger itself.
func (m *Machine) stopPrice(trigger float64) float64 {
	t := decimal.NewFromFloat(trigger)
	buffer := decimal.NewFromFloat(m.cfg.SlippageBuffer)
	out, _ := t.Div(decimal.NewFromInt(1).Sub(buffer)).Round(2).Float64()
	return out
}

func roundCents(v float64) float64 {
	out, _ := decimal.NewFromFloat(v).Round(2).Float64()
	return out
}

// Enable arms a trailing stop at the current mark and submits the initial
// protective stop-limit order. All-or-nothing: a failed submission leaves the
// position untouched and disabled.
func (m *Machine) Enable(ctx context.Context, p *model.Position, percent float64) error {
	if percent <= 0 || percent >= 100 {
		return fmt.Errorf("%w: percent %v", ErrConfiguration, percent)
	}
	if p.CurrentPrice <= 0 {
		return fmt.Errorf("%w: no mark price for %s", ErrConfiguration, p.Key())
	}
	if p.TrailingStop.Enabled {
		return fmt.Errorf("%w: trailing stop already enabled for %s", ErrConfiguration, p.Key())
	}

	highWaterMark := p.CurrentPrice
	trigger := TriggerPrice(highWaterMark, percent)

	tracked, err := m.orders.SubmitStopLimit(ctx, *p, roundCents(trigger), m.stopPrice(trigger))
	if err != nil {
		return err
	}

	p.TrailingStop = model.TrailingStop{
		Enabled:          true,
		Percent:          percent,
		HighWaterMark:    highWaterMark,
		TriggerPrice:     trigger,
		LinkedOrderID:    tracked.OrderID,
		SubmittedTrigger: trigger,
		LastRepriceAt:    m.now(),
	}

	logger.WithFields(logger.Fields{
		"position": p.Key(),
		"percent":  percent,
		"trigger":  trigger,
		"order_id": tracked.OrderID,
	}).Info("trailing stop enabled")
	return nil
}

// Ratchet advances the machine for one observed mark price. While the stop is
// enabled the high-water mark only ever rises. The trigger is recomputed from
// it each tick, and the resting order is repriced when the trigger moved,
// bounded by the min-delta and throttle gates. A mark at or below the trigger
// latches Triggered; the resting stop order at the broker performs the exit.
// OrderSubmitted latches only while an order is actually linked, so a trigger
// crossed during a broker outage keeps retrying the protective submission.
func (m *Machine) Ratchet(ctx context.Context, p *model.Position, markPrice float64) (repriced bool, err error) {
	ts := &p.TrailingStop
	if !ts.Enabled || markPrice <= 0 {
		return false, nil
	}

	if markPrice > ts.HighWaterMark {
		ts.HighWaterMark = markPrice
	}
	if !ts.OrderSubmitted {
		ts.TriggerPrice = TriggerPrice(ts.HighWaterMark, ts.Percent)
		repriced, err = m.maybeReprice(ctx, p)
	}

	if !ts.Triggered && markPrice <= ts.TriggerPrice {
		ts.Triggered = true
		logger.WithFields(logger.Fields{
			"position": p.Key(),
			"mark":     markPrice,
			"trigger":  ts.TriggerPrice,
		}).Warn("trailing stop triggered")
	}

	if ts.Triggered && !ts.OrderSubmitted {
		if ts.LinkedOrderID == "" {
			// A prior reprice submission failed and left no order at the
			// broker. Place the protective order now, throttle-free; until it
			// lands the position is exposed.
			tracked, submitErr := m.orders.SubmitStopLimit(ctx, *p, roundCents(ts.TriggerPrice), m.stopPrice(ts.TriggerPrice))
			if submitErr != nil {
				logger.WithError(submitErr).WithField("position", p.Key()).
					Error("triggered stop has no resting order, submission retry failed")
				return repriced, submitErr
			}
			ts.LinkedOrderID = tracked.OrderID
			ts.SubmittedTrigger = ts.TriggerPrice
			ts.LastRepriceAt = m.now()
			logger.WithFields(logger.Fields{
				"position": p.Key(),
				"order_id": tracked.OrderID,
				"trigger":  ts.TriggerPrice,
			}).Info("protective order restored for triggered stop")
		}
		ts.OrderSubmitted = true
	}

	return repriced, err
}

// maybeReprice replaces the resting order with one at the current trigger.
// Cancellation failure is informational: the order may have just filled, and
// the follow-up status poll settles it either way.
func (m *Machine) maybeReprice(ctx context.Context, p *model.Position) (bool, error) {
	ts := &p.TrailingStop

	delta := ts.TriggerPrice - ts.SubmittedTrigger
	if delta < 0 {
		delta = -delta
	}
	if delta <= m.cfg.RepriceMinDelta {
		return false, nil
	}
	if m.now().Sub(ts.LastRepriceAt) < m.cfg.RepriceThrottle {
		return false, nil
	}

	if ts.LinkedOrderID != "" {
		if err := m.orders.Cancel(ctx, ts.LinkedOrderID); err != nil {
			logger.WithError(err).WithFields(logger.Fields{
				"position": p.Key(),
				"order_id": ts.LinkedOrderID,
			}).Warn("reprice cancel failed, submitting replacement anyway")
		}
	}

	tracked, err := m.orders.SubmitStopLimit(ctx, *p, roundCents(ts.TriggerPrice), m.stopPrice(ts.TriggerPrice))
	if err != nil {
		// The old order is gone; leave the link empty so the next eligible
		// tick retries the submission.
		ts.LinkedOrderID = ""
		return false, err
	}

	ts.LinkedOrderID = tracked.OrderID
	ts.SubmittedTrigger = ts.TriggerPrice
	ts.LastRepriceAt = m.now()

	logger.WithFields(logger.Fields{
		"position": p.Key(),
		"trigger":  ts.TriggerPrice,
		"order_id": tracked.OrderID,
	}).Info("trailing stop repriced")
	return true, nil
}

// ReconcileOrder folds the observed status of the linked order back into the
// stop state. A cancelled or rejected order means nothing rests at the broker
// anymore, so the link and both latches are cleared and the ratchet re-arms,
// placing a replacement order on the next eligible tick. Fills are left
// alone; the position disappears on the following reload.
func (m *Machine) ReconcileOrder(p *model.Position, status string) {
	ts := &p.TrailingStop
	if !ts.Enabled || ts.LinkedOrderID == "" {
		return
	}
	if status != model.OrderStatusCancelled && status != model.OrderStatusRejected {
		return
	}

	logger.WithFields(logger.Fields{
		"position": p.Key(),
		"order_id": ts.LinkedOrderID,
		"status":   status,
	}).Warn("linked stop order is gone, re-arming trailing stop")

	ts.LinkedOrderID = ""
	ts.SubmittedTrigger = 0
	ts.OrderSubmitted = false
	ts.Triggered = false
}

// Disable cancels any linked order and clears the trailing-stop block back to
// defaults. Cancellation failure is logged, not returned: the state is
// cleared regardless.
func (m *Machine) Disable(ctx context.Context, p *model.Position) {
	ts := p.TrailingStop
	if ts.LinkedOrderID != "" {
		if err := m.orders.Cancel(ctx, ts.LinkedOrderID); err != nil {
			logger.WithError(err).WithFields(logger.Fields{
				"position": p.Key(),
				"order_id": ts.LinkedOrderID,
			}).Warn("cancel on disable failed")
		}
	}

	p.TrailingStop = model.TrailingStop{}
	logger.WithField("position", p.Key()).Info("trailing stop disabled")
}
