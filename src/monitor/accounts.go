package monitor

import (
	"context"
	"fmt"
	"sort"
	"sync"

	logger "github.com/sirupsen/logrus"

	"riskmonitor/src/broker"
	"riskmonitor/src/dispatch"
	"riskmonitor/src/model"
)

// Manager discovers brokerage accounts and runs one Engine per account. All
// engines share the broker client and the journal but keep independent
// snapshots, caches, and dispatchers.
type Manager struct {
	broker  broker.Broker
	journal dispatch.Journal
	cfg     Config

	mu      sync.RWMutex
	engines map[string]*Engine
}

func NewManager(b broker.Broker, journal dispatch.Journal, cfg Config) *Manager {
	return &Manager{
		broker:  b,
		journal: journal,
		cfg:     cfg,
		engines: make(map[string]*Engine),
	}
}

// DetectAccounts verifies the session and builds an engine for every active
// account. Fatal when authentication fails; a broker with zero active
// accounts is an error too.
func (m *Manager) DetectAccounts(ctx context.Context) error {
	if err := m.broker.VerifySession(ctx); err != nil {
		return err
	}

	accounts, err := m.broker.GetAccounts(ctx)
	if err != nil {
		return fmt.Errorf("account discovery failed: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, acct := range accounts {
		if acct.State != "" && acct.State != "active" {
			logger.WithFields(logger.Fields{
				"account": acct.Number,
				"state":   acct.State,
			}).Info("skipping inactive account")
			continue
		}
		if _, ok := m.engines[acct.Number]; ok {
			continue
		}
		m.engines[acct.Number] = NewEngine(acct.Number, m.broker, m.journal, m.cfg)
		logger.WithFields(logger.Fields{
			"account": acct.Number,
			"type":    acct.Type,
		}).Info("account registered for monitoring")
	}

	if len(m.engines) == 0 {
		return fmt.Errorf("no active accounts found")
	}
	return nil
}

// Run starts every engine and blocks until the context is cancelled and all
// loops have drained.
func (m *Manager) Run(ctx context.Context) {
	m.mu.RLock()
	engines := make([]*Engine, 0, len(m.engines))
	for _, e := range m.engines {
		engines = append(engines, e)
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, e := range engines {
		wg.Add(1)
		go func(e *Engine) {
			defer wg.Done()
			e.Run(ctx)
		}(e)
	}
	wg.Wait()
}

// Engine returns the engine for an account number.
func (m *Manager) Engine(account string) (*Engine, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.engines[account]
	return e, ok
}

// Accounts returns the monitored account numbers, sorted.
func (m *Manager) Accounts() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, 0, len(m.engines))
	for account := range m.engines {
		out = append(out, account)
	}
	sort.Strings(out)
	return out
}

// QuoteSink fans a streamed quote out to every engine's cache.
func (m *Manager) QuoteSink(q model.Quote) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, e := range m.engines {
		e.QuoteSink(q)
	}
}

// QuoteSymbols returns the union of instruments all engines monitor.
func (m *Manager) QuoteSymbols() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[string]bool)
	var out []string
	for _, e := range m.engines {
		for _, symbol := range e.QuoteSymbols() {
			if !seen[symbol] {
				seen[symbol] = true
				out = append(out, symbol)
			}
		}
	}
	sort.Strings(out)
	return out
}
