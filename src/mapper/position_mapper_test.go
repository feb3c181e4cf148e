package mapper

import (
	"testing"

	"riskmonitor/src/broker"
	"riskmonitor/src/model"
)

// TestMapPositionRecords converts long option records into monitored positions.
func TestMapPositionRecords(t *testing.T) {
	records := []broker.PositionRecord{{
		Symbol:         "AAPL",
		StrikePrice:    190,
		OptionType:     "call",
		ExpirationDate: "2026-09-18",
		Quantity:       2,
		AveragePrice:   310,
		PositionType:   "long",
		OptionID:       "opt-aapl",
	}}

	got := MapPositionRecords(records)
	if len(got) != 1 {
		t.Fatalf("expected 1 position, got %d", len(got))
	}

	p := got[0]
	if p.Key() != "AAPL_2026-09-18_190_call" {
		t.Fatalf("unexpected key %s", p.Key())
	}
	if p.OpenPremium != 620 {
		t.Fatalf("expected open premium 620, got %v", p.OpenPremium)
	}
	if p.QuoteKey() != "opt-aapl" {
		t.Fatalf("expected quote key opt-aapl, got %s", p.QuoteKey())
	}
}

// TestMapPositionRecordsSkips drops shorts, zero quantity, and unknown option types.
func TestMapPositionRecordsSkips(t *testing.T) {
	records := []broker.PositionRecord{
		{Symbol: "AAPL", OptionType: model.OptionTypeCall, Quantity: 1, PositionType: "short", AveragePrice: 100},
		{Symbol: "SPY", OptionType: model.OptionTypePut, Quantity: 0, PositionType: "long", AveragePrice: 100},
		{Symbol: "QQQ", OptionType: "straddle", Quantity: 1, PositionType: "long", AveragePrice: 100},
	}

	if got := MapPositionRecords(records); len(got) != 0 {
		t.Fatalf("expected no positions, got %+v", got)
	}
}

// TestMapPositionRecordsMerges combines split records on the same contract.
func TestMapPositionRecordsMerges(t *testing.T) {
	base := broker.PositionRecord{
		Symbol:         "SPY",
		StrikePrice:    440,
		OptionType:     "put",
		ExpirationDate: "2026-10-16",
		PositionType:   "long",
	}

	a := base
	a.Quantity = 1
	a.AveragePrice = 200
	a.OptionID = "opt-spy-1"

	b := base
	b.Quantity = 2
	b.AveragePrice = 210
	b.OptionID = "opt-spy-1"

	got := MapPositionRecords([]broker.PositionRecord{a, b})
	if len(got) != 1 {
		t.Fatalf("expected merged position, got %d", len(got))
	}

	p := got[0]
	if p.Quantity != 3 {
		t.Fatalf("expected quantity 3, got %d", p.Quantity)
	}
	if p.OpenPremium != 620 {
		t.Fatalf("expected open premium 620, got %v", p.OpenPremium)
	}
	if len(p.OptionIDs) != 1 {
		t.Fatalf("expected deduplicated option ids, got %v", p.OptionIDs)
	}
}
