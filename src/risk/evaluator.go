// Package risk computes option position P&L and the advisory exit signals
// derived from it, and knows the US market session calendar.
package risk

import (
	"time"

	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"

	"riskmonitor/src/model"
)

// Signal identifies which exit rule fired for a position.
type Signal string

const (
	SignalNone           Signal = ""
	SignalStopLoss       Signal = "stop_loss"
	SignalTakeProfit     Signal = "take_profit"
	SignalEmergencyClose Signal = "emergency_close"
)

// Config holds the global rule thresholds. Per-position take-profit state
// overrides the global percent when enabled.
type Config struct {
	StopLossPercent   float64
	TakeProfitPercent float64
	EmergencyCloseDTE int
}

// ComputePnl writes P&L and P&L percent onto the position for the given mark
// price. Decimal arithmetic keeps the derived percent exact for clean inputs.
func ComputePnl(p *model.Position, markPrice float64) {
	p.CurrentPrice = markPrice

	mark := decimal.NewFromFloat(markPrice)
	qty := decimal.NewFromInt(int64(p.Quantity))
	multiplier := decimal.NewFromInt(model.ContractMultiplier)
	premium := decimal.NewFromFloat(p.OpenPremium)

	pnl := mark.Mul(qty).Mul(multiplier).Sub(premium)
	p.Pnl, _ = pnl.Float64()

	if premium.IsZero() {
		p.PnlPercent = 0
		return
	}
	p.PnlPercent, _ = pnl.Div(premium).Mul(decimal.NewFromInt(100)).Float64()
}

// Evaluate applies the exit rules in order and returns the first that fires.
// Rule order: stop-loss, then fixed take-profit, then the expiration guard.
// The expiration guard fires regardless of P&L. Trailing-stop handling lives
// elsewhere and is independent of these signals.
func Evaluate(p *model.Position, cfg Config, now time.Time) Signal {
	if p.PnlPercent <= -cfg.StopLossPercent && cfg.StopLossPercent > 0 {
		return SignalStopLoss
	}

	takeProfitPct := cfg.TakeProfitPercent
	if p.TakeProfit.Enabled {
		takeProfitPct = p.TakeProfit.Percent
	}
	if takeProfitPct > 0 && p.PnlPercent >= takeProfitPct {
		return SignalTakeProfit
	}

	dte, err := p.DaysToExpiration(now)
	if err != nil {
		logger.WithError(err).WithField("position", p.Key()).Warn("skipping expiration guard")
		return SignalNone
	}
	if dte <= cfg.EmergencyCloseDTE {
		return SignalEmergencyClose
	}

	return SignalNone
}
