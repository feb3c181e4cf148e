package broker

import (
	"context"
	"errors"
	"time"

	"riskmonitor/src/model"
)

// ErrAuthentication means the brokerage session is invalid. Fatal at startup.
var ErrAuthentication = errors.New("brokerage authentication failed")

// AccountRecord describes one brokerage account.
type AccountRecord struct {
	Number string `json:"account_number"`
	Type   string `json:"type"`
	State  string `json:"state"`
}

// PositionRecord is a raw open option position as reported by the broker.
type PositionRecord struct {
	Symbol         string
	StrikePrice    float64
	OptionType     string
	ExpirationDate string
	Quantity       int
	AveragePrice   float64 // premium paid per contract, in dollars
	PositionType   string  // "long" or "short"
	OptionID       string
}

// CloseRequest describes a sell-to-close order for a long option position.
// StopPrice zero means a plain limit order.
type CloseRequest struct {
	Symbol         string
	Quantity       int
	ExpirationDate string
	StrikePrice    float64
	OptionType     string
	LimitPrice     float64
	StopPrice      float64
	TimeInForce    string
}

// OrderRecord is the broker's view of a submitted order.
type OrderRecord struct {
	ID         string
	State      string
	LimitPrice float64
	StopPrice  float64
	Quantity   int
	CreatedAt  time.Time
}

// Broker is the brokerage capability consumed by the monitoring engine. The
// REST client implements it against the live API; the paper broker satisfies
// the same interface for simulation.
type Broker interface {
	// VerifySession checks the session token; returns ErrAuthentication when
	// the broker rejects it.
	VerifySession(ctx context.Context) error

	GetAccounts(ctx context.Context) ([]AccountRecord, error)
	GetPositions(ctx context.Context, account string) ([]PositionRecord, error)
	GetQuotes(ctx context.Context, symbols []string) ([]model.Quote, error)

	SubmitLimitClose(ctx context.Context, account string, req CloseRequest) (OrderRecord, error)
	SubmitStopLimitClose(ctx context.Context, account string, req CloseRequest) (OrderRecord, error)
	CancelOrder(ctx context.Context, orderID string) (bool, error)
	GetOrder(ctx context.Context, orderID string) (OrderRecord, error)
}
