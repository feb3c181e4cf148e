package model

import (
	"fmt"
	"time"
)

const (
	OptionTypeCall = "call"
	OptionTypePut  = "put"

	// ContractMultiplier is the share-equivalent size of one option contract.
	ContractMultiplier = 100
)

// Position represents a long option position being monitored.
// Identity and size fields are owned by the position loader; price, P&L and
// stop-state fields are written by the risk evaluator and the trailing-stop
// machine.
type Position struct {
	Symbol         string   `json:"symbol"`
	StrikePrice    float64  `json:"strike_price"`
	OptionType     string   `json:"option_type"` // call or put
	ExpirationDate string   `json:"expiration_date"`
	Quantity       int      `json:"quantity"`
	OpenPremium    float64  `json:"open_premium"` // total cost basis in dollars
	CurrentPrice   float64  `json:"current_price"`
	Pnl            float64  `json:"pnl"`
	PnlPercent     float64  `json:"pnl_percent"`
	OptionIDs      []string `json:"option_ids,omitempty"`

	TrailingStop TrailingStop `json:"trail_stop"`
	TakeProfit   TakeProfit   `json:"take_profit"`
}

// TrailingStop is the per-position trailing-stop state. TriggerPrice is
// always derived from HighWaterMark, never set independently.
type TrailingStop struct {
	Enabled          bool      `json:"enabled"`
	Percent          float64   `json:"percent"`
	HighWaterMark    float64   `json:"high_water_mark"`
	TriggerPrice     float64   `json:"trigger_price"`
	Triggered        bool      `json:"triggered"`
	OrderSubmitted   bool      `json:"order_submitted"`
	LinkedOrderID    string    `json:"linked_order_id,omitempty"`
	SubmittedTrigger float64   `json:"submitted_trigger,omitempty"`
	LastRepriceAt    time.Time `json:"last_reprice_at,omitempty"`
}

// TakeProfit is the per-position fixed take-profit state.
type TakeProfit struct {
	Enabled   bool    `json:"enabled"`
	Percent   float64 `json:"percent"`
	Triggered bool    `json:"triggered"`
}

// Key returns the stable position identifier: symbol, expiration, strike and
// option type.
func (p *Position) Key() string {
	return fmt.Sprintf("%s_%s_%g_%s", p.Symbol, p.ExpirationDate, p.StrikePrice, p.OptionType)
}

// QuoteKey returns the identifier used to look up this position's mark price.
// The broker quotes option contracts by instrument id; the underlying symbol
// is the fallback when no instrument id is known.
func (p *Position) QuoteKey() string {
	if len(p.OptionIDs) > 0 {
		return p.OptionIDs[0]
	}
	return p.Symbol
}

// DaysToExpiration returns whole days until the expiration date, negative if
// already expired.
func (p *Position) DaysToExpiration(now time.Time) (int, error) {
	exp, err := time.Parse("2006-01-02", p.ExpirationDate)
	if err != nil {
		return 0, fmt.Errorf("bad expiration date %q: %w", p.ExpirationDate, err)
	}
	return int(exp.Sub(now).Hours() / 24), nil
}
