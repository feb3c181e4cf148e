package monitor

import (
	"context"
	"errors"
	"testing"
	"time"

	"riskmonitor/src/broker"
	"riskmonitor/src/model"
)

type scriptedBroker struct {
	accounts     []broker.AccountRecord
	positions    map[string][]broker.PositionRecord
	quotes       map[string]float64
	verifyErr    error
	positionsErr error
	submitErr    map[string]error // by symbol
	nextID       int
	submits      []broker.CloseRequest
	cancels      []string
	orderStates  map[string]string

	positionCalls int
	quoteCalls    int
}

func newScriptedBroker() *scriptedBroker {
	return &scriptedBroker{
		positions:   make(map[string][]broker.PositionRecord),
		quotes:      make(map[string]float64),
		submitErr:   make(map[string]error),
		orderStates: make(map[string]string),
	}
}

func (s *scriptedBroker) VerifySession(ctx context.Context) error { return s.verifyErr }

func (s *scriptedBroker) GetAccounts(ctx context.Context) ([]broker.AccountRecord, error) {
	return s.accounts, nil
}

func (s *scriptedBroker) GetPositions(ctx context.Context, account string) ([]broker.PositionRecord, error) {
	s.positionCalls++
	if s.positionsErr != nil {
		return nil, s.positionsErr
	}
	return s.positions[account], nil
}

func (s *scriptedBroker) GetQuotes(ctx context.Context, symbols []string) ([]model.Quote, error) {
	s.quoteCalls++
	out := make([]model.Quote, 0, len(symbols))
	for _, symbol := range symbols {
		if price, ok := s.quotes[symbol]; ok {
			out = append(out, model.Quote{Symbol: symbol, LastPrice: price, ObservedAt: time.Now()})
		}
	}
	return out, nil
}

func (s *scriptedBroker) SubmitLimitClose(ctx context.Context, account string, req broker.CloseRequest) (broker.OrderRecord, error) {
	return s.submit(req)
}

func (s *scriptedBroker) SubmitStopLimitClose(ctx context.Context, account string, req broker.CloseRequest) (broker.OrderRecord, error) {
	return s.submit(req)
}

func (s *scriptedBroker) submit(req broker.CloseRequest) (broker.OrderRecord, error) {
	if err := s.submitErr[req.Symbol]; err != nil {
		return broker.OrderRecord{}, err
	}
	s.nextID++
	id := string(rune('A' + s.nextID - 1))
	s.submits = append(s.submits, req)
	s.orderStates[id] = model.OrderStatusConfirmed
	return broker.OrderRecord{ID: id, State: model.OrderStatusConfirmed}, nil
}

func (s *scriptedBroker) CancelOrder(ctx context.Context, orderID string) (bool, error) {
	s.cancels = append(s.cancels, orderID)
	s.orderStates[orderID] = model.OrderStatusCancelled
	return true, nil
}

func (s *scriptedBroker) GetOrder(ctx context.Context, orderID string) (broker.OrderRecord, error) {
	state, ok := s.orderStates[orderID]
	if !ok {
		return broker.OrderRecord{}, errors.New("unknown order")
	}
	return broker.OrderRecord{ID: orderID, State: state}, nil
}

const testAccount = "5QR12345"

func testConfig() Config {
	return Config{
		StopLossPercent:         50,
		TakeProfitPercent:       50,
		EmergencyCloseDTE:       1,
		MonitoringInterval:      time.Second,
		ClosedPollInterval:      time.Minute,
		QuoteRefreshInterval:    8 * time.Second,
		PositionRefreshInterval: 30 * time.Second,
		RepriceThrottle:         10 * time.Second,
		RepriceMinDelta:         0.01,
		StopSlippageBuffer:      0.03,
		CloseLimitDiscount:      0.05,
	}
}

func newTestEngine(sb *scriptedBroker) (*Engine, *testClock) {
	e := NewEngine(testAccount, sb, nil, testConfig())
	clock := &testClock{at: time.Date(2026, 8, 31, 14, 0, 0, 0, time.UTC)}
	e.now = clock.now
	e.trailing.WithClock(clock.now)
	e.marketOpen = func(time.Time) bool { return true }
	return e, clock
}

type testClock struct {
	at time.Time
}

func (c *testClock) now() time.Time          { return c.at }
func (c *testClock) advance(d time.Duration) { c.at = c.at.Add(d) }

func seedHealthyPosition(sb *scriptedBroker) {
	sb.positions[testAccount] = []broker.PositionRecord{{
		Symbol:         "AAPL",
		StrikePrice:    190,
		OptionType:     "call",
		ExpirationDate: "2026-10-16",
		Quantity:       2,
		AveragePrice:   250,
		PositionType:   "long",
		OptionID:       "opt-aapl",
	}}
	sb.quotes["opt-aapl"] = 2.50 // break-even mark
}

// TestTickLoadsPositionsAndComputesPnl runs a full pass over a healthy book.
func TestTickLoadsPositionsAndComputesPnl(t *testing.T) {
	sb := newScriptedBroker()
	seedHealthyPosition(sb)
	e, _ := newTestEngine(sb)

	e.Tick(context.Background())

	list := e.Positions()
	if len(list) != 1 {
		t.Fatalf("expected 1 position, got %d", len(list))
	}

	p := list[0]
	if p.CurrentPrice != 2.50 || p.Pnl != 0 || p.PnlPercent != 0 {
		t.Fatalf("unexpected P&L: %+v", p)
	}
	if len(sb.submits) != 0 {
		t.Fatalf("no orders expected for a flat position: %+v", sb.submits)
	}
}

// TestTickFiresStopLossClose submits a discounted limit close when the rule fires.
func TestTickFiresStopLossClose(t *testing.T) {
	sb := newScriptedBroker()
	seedHealthyPosition(sb)
	sb.quotes["opt-aapl"] = 1.00 // -60%
	e, _ := newTestEngine(sb)

	e.Tick(context.Background())

	if len(sb.submits) != 1 {
		t.Fatalf("expected 1 close order, got %d", len(sb.submits))
	}
	req := sb.submits[0]
	if req.StopPrice != 0 {
		t.Fatalf("advisory close should be a plain limit: %+v", req)
	}
	// 1.00 × (1 − 0.05)
	if req.LimitPrice != 0.95 {
		t.Fatalf("expected discounted limit 0.95, got %v", req.LimitPrice)
	}

	orders := e.Orders()
	if len(orders) != 1 || orders[0].PositionKey != "AAPL_2026-10-16_190_call" {
		t.Fatalf("order not tracked: %+v", orders)
	}
}

// TestTickSkipsCloseWhenOrderOutstanding leaves a resting exit order alone.
func TestTickSkipsCloseWhenOrderOutstanding(t *testing.T) {
	sb := newScriptedBroker()
	seedHealthyPosition(sb)
	sb.quotes["opt-aapl"] = 1.00
	e, clock := newTestEngine(sb)

	e.Tick(context.Background())
	if len(sb.submits) != 1 {
		t.Fatalf("expected 1 close order, got %d", len(sb.submits))
	}

	// Rule keeps firing on the next tick; the resting order must not be
	// duplicated.
	clock.advance(time.Second)
	e.Tick(context.Background())
	if len(sb.submits) != 1 {
		t.Fatalf("duplicate close submitted: %+v", sb.submits)
	}
}

// TestTickIsolatesPositionErrors keeps processing after one position fails.
func TestTickIsolatesPositionErrors(t *testing.T) {
	sb := newScriptedBroker()
	sb.positions[testAccount] = []broker.PositionRecord{
		{Symbol: "AAPL", StrikePrice: 190, OptionType: "call", ExpirationDate: "2026-10-16",
			Quantity: 2, AveragePrice: 250, PositionType: "long", OptionID: "opt-aapl"},
		{Symbol: "SPY", StrikePrice: 440, OptionType: "put", ExpirationDate: "2026-10-16",
			Quantity: 1, AveragePrice: 900, PositionType: "long", OptionID: "opt-spy"},
	}
	sb.quotes["opt-aapl"] = 1.00 // -60%, close will fail
	sb.quotes["opt-spy"] = 4.00  // -55.6%, close succeeds
	sb.submitErr["AAPL"] = errors.New("rejected")

	e, _ := newTestEngine(sb)
	e.Tick(context.Background())

	if len(sb.submits) != 1 || sb.submits[0].Symbol != "SPY" {
		t.Fatalf("expected the SPY close to go through: %+v", sb.submits)
	}

	// Both positions still carry fresh P&L.
	for _, p := range e.Positions() {
		if p.CurrentPrice == 0 {
			t.Fatalf("position skipped by the tick: %+v", p)
		}
	}
}

// TestTickRefreshCadence honors the quote and position refresh intervals.
func TestTickRefreshCadence(t *testing.T) {
	sb := newScriptedBroker()
	seedHealthyPosition(sb)
	e, clock := newTestEngine(sb)

	e.Tick(context.Background())
	if sb.positionCalls != 1 || sb.quoteCalls != 1 {
		t.Fatalf("expected initial refreshes, got positions=%d quotes=%d", sb.positionCalls, sb.quoteCalls)
	}

	// One second later neither interval has elapsed.
	clock.advance(time.Second)
	e.Tick(context.Background())
	if sb.positionCalls != 1 || sb.quoteCalls != 1 {
		t.Fatalf("refreshed too early: positions=%d quotes=%d", sb.positionCalls, sb.quoteCalls)
	}

	// Nine seconds in, quotes are due but positions are not.
	clock.advance(8 * time.Second)
	e.Tick(context.Background())
	if sb.positionCalls != 1 || sb.quoteCalls != 2 {
		t.Fatalf("expected a quote refresh only: positions=%d quotes=%d", sb.positionCalls, sb.quoteCalls)
	}

	// Past thirty seconds, positions refresh too.
	clock.advance(25 * time.Second)
	e.Tick(context.Background())
	if sb.positionCalls != 2 {
		t.Fatalf("expected a position refresh: positions=%d", sb.positionCalls)
	}
}

// TestTrailingStopCommands drives enable, ratchet, and disable end to end.
func TestTrailingStopCommands(t *testing.T) {
	sb := newScriptedBroker()
	seedHealthyPosition(sb)
	sb.positions[testAccount][0].AveragePrice = 1000 // keep P&L inside the rule bands
	sb.quotes["opt-aapl"] = 10.00
	e, clock := newTestEngine(sb)

	e.Tick(context.Background())

	key := "AAPL_2026-10-16_190_call"
	p, err := e.EnableTrailingStop(context.Background(), key, 20)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !p.TrailingStop.Enabled || p.TrailingStop.TriggerPrice != 8.00 {
		t.Fatalf("unexpected stop state: %+v", p.TrailingStop)
	}

	// New high ratchets the stop on the next tick.
	sb.quotes["opt-aapl"] = 12.00
	clock.advance(11 * time.Second)
	e.Tick(context.Background())

	p, err = e.Position(key)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.TrailingStop.HighWaterMark != 12.00 || p.TrailingStop.TriggerPrice != 9.60 {
		t.Fatalf("ratchet did not advance: %+v", p.TrailingStop)
	}

	p, err = e.DisableTrailingStop(context.Background(), key)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.TrailingStop != (model.TrailingStop{}) {
		t.Fatalf("stop state not cleared: %+v", p.TrailingStop)
	}
	if len(sb.cancels) == 0 {
		t.Fatal("linked order not cancelled on disable")
	}

	if _, err := e.EnableTrailingStop(context.Background(), "ghost", 20); !errors.Is(err, ErrUnknownPosition) {
		t.Fatalf("expected ErrUnknownPosition, got %v", err)
	}
}

// TestCancelledStopOrderRearmsTrailing replaces a stop order the user
// cancelled out of band: the next tick re-arms the ratchet and submits a
// fresh protective order instead of leaving the stop enabled but dead.
func TestCancelledStopOrderRearmsTrailing(t *testing.T) {
	sb := newScriptedBroker()
	seedHealthyPosition(sb)
	sb.positions[testAccount][0].AveragePrice = 1000 // keep P&L inside the rule bands
	sb.quotes["opt-aapl"] = 10.00
	e, clock := newTestEngine(sb)

	e.Tick(context.Background())

	key := "AAPL_2026-10-16_190_call"
	p, err := e.EnableTrailingStop(context.Background(), key, 20)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	orderID := p.TrailingStop.LinkedOrderID
	if orderID == "" {
		t.Fatalf("no order linked at enable: %+v", p.TrailingStop)
	}

	if err := e.CancelOrder(context.Background(), orderID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	clock.advance(11 * time.Second)
	e.Tick(context.Background())

	p, err = e.Position(key)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ts := p.TrailingStop
	if !ts.Enabled {
		t.Fatalf("trailing stop must stay enabled: %+v", ts)
	}
	if ts.LinkedOrderID == "" || ts.LinkedOrderID == orderID {
		t.Fatalf("expected a replacement order link: %+v", ts)
	}
	if len(sb.submits) != 2 || sb.submits[1].StopPrice == 0 {
		t.Fatalf("replacement stop-limit not submitted: %+v", sb.submits)
	}
}

// TestTakeProfitCommands sets and clears the per-position override.
func TestTakeProfitCommands(t *testing.T) {
	sb := newScriptedBroker()
	seedHealthyPosition(sb)
	e, _ := newTestEngine(sb)
	e.Tick(context.Background())

	key := "AAPL_2026-10-16_190_call"
	p, err := e.SetTakeProfit(context.Background(), key, true, 80)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !p.TakeProfit.Enabled || p.TakeProfit.Percent != 80 {
		t.Fatalf("unexpected take-profit state: %+v", p.TakeProfit)
	}

	p, err = e.SetTakeProfit(context.Background(), key, false, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.TakeProfit != (model.TakeProfit{}) {
		t.Fatalf("take-profit not cleared: %+v", p.TakeProfit)
	}

	if _, err := e.SetTakeProfit(context.Background(), key, true, 0); err == nil {
		t.Fatal("expected error for zero percent")
	}
}

// TestRequestCloseAndCancel exercises the manual close and cancel paths.
func TestRequestCloseAndCancel(t *testing.T) {
	sb := newScriptedBroker()
	seedHealthyPosition(sb)
	e, _ := newTestEngine(sb)
	e.Tick(context.Background())

	key := "AAPL_2026-10-16_190_call"
	tracked, err := e.RequestClose(context.Background(), key, 2.60)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tracked.LimitPrice != 2.60 {
		t.Fatalf("unexpected order: %+v", tracked)
	}

	if _, err := e.RequestClose(context.Background(), key, 2.70); err == nil {
		t.Fatal("expected rejection while an order is outstanding")
	}

	if err := e.CancelOrder(context.Background(), tracked.OrderID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := e.RequestClose(context.Background(), key, 2.70); err != nil {
		t.Fatalf("expected close after cancel, got %v", err)
	}

	if _, err := e.RequestClose(context.Background(), key, 0); err == nil {
		t.Fatal("expected error for zero limit")
	}
}

// TestManagerDetectAccounts builds engines for active accounts only.
func TestManagerDetectAccounts(t *testing.T) {
	sb := newScriptedBroker()
	sb.accounts = []broker.AccountRecord{
		{Number: "5QR12345", Type: "Standard", State: "active"},
		{Number: "5QR99999", Type: "IRA", State: "closed"},
	}

	m := NewManager(sb, nil, testConfig())
	if err := m.DetectAccounts(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	accounts := m.Accounts()
	if len(accounts) != 1 || accounts[0] != "5QR12345" {
		t.Fatalf("unexpected accounts: %v", accounts)
	}
	if _, ok := m.Engine("5QR12345"); !ok {
		t.Fatal("engine missing for active account")
	}
	if _, ok := m.Engine("5QR99999"); ok {
		t.Fatal("closed account should not get an engine")
	}

	sb.verifyErr = broker.ErrAuthentication
	m2 := NewManager(sb, nil, testConfig())
	if err := m2.DetectAccounts(context.Background()); !errors.Is(err, broker.ErrAuthentication) {
		t.Fatalf("expected ErrAuthentication, got %v", err)
	}
}
