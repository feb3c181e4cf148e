package model

import "time"

const (
	OrderTypeLimit     = "limit"
	OrderTypeStopLimit = "stop_limit"

	OrderStatusQueued          = "queued"
	OrderStatusConfirmed       = "confirmed"
	OrderStatusPartiallyFilled = "partially_filled"
	OrderStatusFilled          = "filled"
	OrderStatusCancelled       = "cancelled"
	OrderStatusRejected        = "rejected"
)

// OrderStatusTerminal reports whether an order status is final.
func OrderStatusTerminal(status string) bool {
	switch status {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected:
		return true
	}
	return false
}

// TrackedOrder is an exit order the dispatcher is tracking. At most one live
// TrackedOrder exists per position key.
type TrackedOrder struct {
	OrderID     string    `json:"order_id"`
	PositionKey string    `json:"position_key"`
	Symbol      string    `json:"symbol"`
	OrderType   string    `json:"order_type"`
	Quantity    int       `json:"quantity"`
	LimitPrice  float64   `json:"limit_price"`
	StopPrice   float64   `json:"stop_price,omitempty"` // zero for plain limit orders
	Status      string    `json:"status"`
	SubmittedAt time.Time `json:"submitted_at"`
}

const (
	JournalEventSubmitted       = "submitted"
	JournalEventCancelRequested = "cancel_requested"
	JournalEventStatus          = "status"
)

// OrderJournalEntry records an order lifecycle event in the database. One row
// per submit, cancel request, and observed status change.
type OrderJournalEntry struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	Account       string    `gorm:"size:60;index" json:"account"`
	PositionKey   string    `gorm:"size:120;index" json:"position_key"`
	Symbol        string    `gorm:"size:20" json:"symbol"`
	BrokerOrderID string    `gorm:"size:60;index" json:"broker_order_id"`
	OrderType     string    `gorm:"size:20" json:"order_type"`
	Quantity      int       `json:"quantity"`
	LimitPrice    float64   `json:"limit_price"`
	StopPrice     float64   `json:"stop_price"`
	Status        string    `gorm:"size:30" json:"status"`
	Event         string    `gorm:"size:30;not null" json:"event"`
	CreatedAt     time.Time `json:"created_at"`
}

// TableName controls the exact table name for journal rows.
func (OrderJournalEntry) TableName() string {
	return "order_journal"
}
