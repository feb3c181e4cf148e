package broker

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	logger "github.com/sirupsen/logrus"

	"riskmonitor/src/model"
)

const (
	streamHandshakeTimeout = 15 * time.Second
	streamReconnectMin     = time.Second
	streamReconnectMax     = 30 * time.Second
)

// QuoteStream consumes the brokerage websocket quote feed and forwards each
// tick to a sink. It reconnects with backoff until the context is cancelled.
// The feed is best-effort; the polling refresh remains the source of truth.
type QuoteStream struct {
	url      string
	apiToken string
	sink     func(model.Quote)

	mu      sync.Mutex
	symbols []string
}

type streamMessage struct {
	Type      string `json:"type"`
	Symbol    string `json:"symbol"`
	MarkPrice string `json:"adjusted_mark_price"`
	UpdatedAt string `json:"updated_at"`
}

func NewQuoteStream(url, apiToken string, sink func(model.Quote)) *QuoteStream {
	return &QuoteStream{
		url:      url,
		apiToken: apiToken,
		sink:     sink,
	}
}

// Subscribe replaces the instrument subscription. Takes effect on the next
// (re)connect and immediately on a live connection via resubscribe.
func (s *QuoteStream) Subscribe(symbols []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.symbols = make([]string, len(symbols))
	copy(s.symbols, symbols)
}

func (s *QuoteStream) currentSymbols() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, len(s.symbols))
	copy(out, s.symbols)
	return out
}

// Run blocks until ctx is cancelled.
func (s *QuoteStream) Run(ctx context.Context) {
	backoff := streamReconnectMin

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		err := s.consume(ctx)
		if ctx.Err() != nil {
			return
		}
		logger.WithError(err).WithField("backoff", backoff.String()).Warn("quote stream disconnected, reconnecting")

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > streamReconnectMax {
			backoff = streamReconnectMax
		}
	}
}

func (s *QuoteStream) consume(ctx context.Context) error {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+s.apiToken)

	dialer := websocket.Dialer{
		HandshakeTimeout:  streamHandshakeTimeout,
		EnableCompression: true,
		Proxy:             http.ProxyFromEnvironment,
	}

	conn, _, err := dialer.DialContext(ctx, s.url, header)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := s.sendSubscribe(conn); err != nil {
		return err
	}

	// Close the socket when the context dies so ReadMessage unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var msg streamMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			logger.WithError(err).Debug("quote stream: unparseable frame")
			continue
		}
		if msg.Type != "quote" || msg.Symbol == "" {
			continue
		}

		price := parseFloat(msg.MarkPrice)
		if price <= 0 {
			continue
		}

		observed, err := time.Parse(time.RFC3339, msg.UpdatedAt)
		if err != nil {
			observed = time.Now()
		}

		s.sink(model.Quote{
			Symbol:     msg.Symbol,
			LastPrice:  price,
			ObservedAt: observed,
		})
	}
}

func (s *QuoteStream) sendSubscribe(conn *websocket.Conn) error {
	symbols := s.currentSymbols()
	if len(symbols) == 0 {
		return nil
	}
	return conn.WriteJSON(map[string]interface{}{
		"action":      "subscribe",
		"channel":     "option_quotes",
		"instruments": symbols,
	})
}
