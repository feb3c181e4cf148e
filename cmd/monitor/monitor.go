package monitor

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"riskmonitor/src/broker"
	"riskmonitor/src/database"
	"riskmonitor/src/dispatch"
	"riskmonitor/src/handler"
	engine "riskmonitor/src/monitor"
	"riskmonitor/src/repository"
	"riskmonitor/src/server"
)

type Monitor struct{}

// Start wires the broker, the order journal, the per-account engines, and the
// HTTP command surface, then blocks until SIGINT or SIGTERM.
func (t *Monitor) Start() error {
	config := GetConfig()
	brokerConfig := broker.GetConfig()
	databaseConfig := database.GetConfig()

	ctx, stop := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
	)
	defer stop()

	var journal dispatch.Journal
	journalHandler := journalDisabledHandler()
	if databaseConfig.EnableDB {
		if err := database.InitMainDB(); err != nil {
			logrus.WithError(err).Fatal("Failed to connect to main database")
			return err
		}
		journal = repository.NewJournalRepository()
		journalHandler = handler.DefaultJournalHandler()
	} else {
		logrus.Warn("ENABLE_DB is off, order journal is disabled")
	}

	var b broker.Broker
	if brokerConfig.PaperTrade {
		paper := broker.NewPaperBroker(brokerConfig.PaperFillAt)
		paper.SeedAccount(config.PaperAccount, nil)
		logrus.WithField("account", config.PaperAccount).Info("paper trading enabled, live orders are simulated")
		b = paper
	} else {
		b = broker.NewClient(brokerConfig.APIToken, brokerConfig.BaseURL, brokerConfig.Timeout)
	}

	engineConfig := engine.GetConfig()
	manager := engine.NewManager(b, journal, engineConfig)
	if err := manager.DetectAccounts(ctx); err != nil {
		logrus.WithError(err).Error("Failed to detect accounts")
		return err
	}

	if brokerConfig.StreamURL != "" && !brokerConfig.PaperTrade {
		stream := broker.NewQuoteStream(brokerConfig.StreamURL, brokerConfig.APIToken, manager.QuoteSink)
		go stream.Run(ctx)
		// The monitored instrument set is empty until the engines load their
		// books and changes on every reload, so the subscription follows the
		// position refresh cadence.
		go resubscribeQuotes(ctx, engineConfig.PositionRefreshInterval, stream, manager.QuoteSymbols)
	}

	go manager.Run(ctx)

	locator := func(account string) (handler.Commander, bool) {
		e, ok := manager.Engine(account)
		if !ok {
			return nil, false
		}
		return e, true
	}
	server.StartServer(server.GetConfig().Port, locator, journalHandler)
	return nil
}

type quoteSubscriber interface {
	Subscribe(symbols []string)
}

// resubscribeQuotes keeps the stream's instrument subscription aligned with
// the instruments the engines currently monitor.
func resubscribeQuotes(ctx context.Context, interval time.Duration, stream quoteSubscriber, symbols func() []string) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	stream.Subscribe(symbols())
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stream.Subscribe(symbols())
		}
	}
}

func journalDisabledHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "order journal disabled", http.StatusServiceUnavailable)
	}
}
