package model

import "time"

// Quote is the latest known mark price for an instrument. Entries are
// overwritten whole on refresh, never partially merged.
type Quote struct {
	Symbol     string    `json:"symbol"`
	LastPrice  float64   `json:"last_price"`
	ObservedAt time.Time `json:"observed_at"`
}
