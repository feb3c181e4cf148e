// REST API client for the brokerage options endpoints.
// Resty only, with internal retry on transient failures.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	logger "github.com/sirupsen/logrus"

	"riskmonitor/src/model"
)

const (
	defaultRetryAttempts   = 5
	defaultRetryBaseDelay  = 500 * time.Millisecond
	defaultRetryMaxBackoff = 8 * time.Second
)

// Client is the authenticated REST client for the brokerage API.
type Client struct {
	apiToken string
	baseURL  string
	http     *resty.Client
}

func isRetryableResp(r *resty.Response, err error) bool {
	if err != nil {
		return true
	}

	if r == nil {
		return false
	}

	code := r.StatusCode()

	if code >= 500 && code <= 599 {
		return true
	}
	if code == 429 {
		return true
	}
	if code == 408 {
		return true
	}
	return false
}

func NewClient(apiToken, baseURL string, timeout time.Duration) *Client {
	retryCount := defaultRetryAttempts - 1

	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(retryCount).
		SetRetryWaitTime(defaultRetryBaseDelay).
		SetRetryMaxWaitTime(defaultRetryMaxBackoff).
		AddRetryCondition(isRetryableResp)

	return &Client{
		apiToken: apiToken,
		baseURL:  baseURL,
		http:     httpClient,
	}
}

func (c *Client) doRequest(ctx context.Context, method, path string, query map[string]string, body interface{}) ([]byte, int, error) {
	req := c.http.R().
		SetContext(ctx).
		SetHeader("Authorization", "Bearer "+c.apiToken)

	if query != nil {
		req = req.SetQueryParams(query)
	}
	if body != nil {
		req = req.SetBody(body).SetHeader("Content-Type", "application/json")
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return nil, 0, err
	}

	raw := resp.Body()
	code := resp.StatusCode()

	if code == 401 || code == 403 {
		return nil, code, fmt.Errorf("%w: HTTP %d", ErrAuthentication, code)
	}
	if code < 200 || code > 299 {
		return nil, code, fmt.Errorf("HTTP %d: %s", code, string(raw))
	}

	return raw, code, nil
}

// VerifySession calls the accounts endpoint to confirm the token works.
func (c *Client) VerifySession(ctx context.Context) error {
	_, _, err := c.doRequest(ctx, "GET", "/api/accounts/", nil, nil)
	return err
}

// ---------------------------------------------------
// Wire structures. The API returns numbers as strings.
// ---------------------------------------------------

type accountsResponse struct {
	Results []AccountRecord `json:"results"`
}

type wirePosition struct {
	ChainSymbol    string `json:"chain_symbol"`
	StrikePrice    string `json:"strike_price"`
	Type           string `json:"type"` // long / short
	OptionType     string `json:"option_type"`
	ExpirationDate string `json:"expiration_date"`
	Quantity       string `json:"quantity"`
	AveragePrice   string `json:"average_price"`
	OptionID       string `json:"option_id"`
}

type positionsResponse struct {
	Results []wirePosition `json:"results"`
}

type wireQuote struct {
	Symbol    string `json:"symbol"`
	MarkPrice string `json:"adjusted_mark_price"`
	UpdatedAt string `json:"updated_at"`
}

type quotesResponse struct {
	Results []wireQuote `json:"results"`
}

type wireOrder struct {
	ID        string `json:"id"`
	State     string `json:"state"`
	Price     string `json:"price"`
	StopPrice string `json:"stop_price"`
	Quantity  string `json:"quantity"`
	CreatedAt string `json:"created_at"`
}

func parseFloat(s string) float64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

func parseQuantity(s string) int {
	return int(parseFloat(s))
}

func (w wireOrder) record() OrderRecord {
	createdAt, _ := time.Parse(time.RFC3339, w.CreatedAt)
	return OrderRecord{
		ID:         w.ID,
		State:      normalizeState(w.State),
		LimitPrice: parseFloat(w.Price),
		StopPrice:  parseFloat(w.StopPrice),
		Quantity:   parseQuantity(w.Quantity),
		CreatedAt:  createdAt,
	}
}

func normalizeState(state string) string {
	if state == "canceled" {
		return model.OrderStatusCancelled
	}
	return state
}

// ---------------------------------------------------
// Account & position methods
// ---------------------------------------------------

func (c *Client) GetAccounts(ctx context.Context) ([]AccountRecord, error) {
	raw, _, err := c.doRequest(ctx, "GET", "/api/accounts/", nil, nil)
	if err != nil {
		return nil, err
	}

	var parsed accountsResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, err
	}
	return parsed.Results, nil
}

func (c *Client) GetPositions(ctx context.Context, account string) ([]PositionRecord, error) {
	raw, _, err := c.doRequest(ctx, "GET", "/api/options/positions/",
		map[string]string{"account_number": account, "nonzero": "true"}, nil)
	if err != nil {
		return nil, err
	}

	var parsed positionsResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, err
	}

	records := make([]PositionRecord, 0, len(parsed.Results))
	for _, wp := range parsed.Results {
		records = append(records, PositionRecord{
			Symbol:         wp.ChainSymbol,
			StrikePrice:    parseFloat(wp.StrikePrice),
			OptionType:     strings.ToLower(wp.OptionType),
			ExpirationDate: wp.ExpirationDate,
			Quantity:       parseQuantity(wp.Quantity),
			AveragePrice:   parseFloat(wp.AveragePrice),
			PositionType:   wp.Type,
			OptionID:       wp.OptionID,
		})
	}
	return records, nil
}

// GetQuotes fetches the latest mark price for each instrument. Symbols the
// broker does not return are simply absent from the result.
func (c *Client) GetQuotes(ctx context.Context, symbols []string) ([]model.Quote, error) {
	if len(symbols) == 0 {
		return nil, nil
	}

	raw, _, err := c.doRequest(ctx, "GET", "/api/marketdata/options/quotes/",
		map[string]string{"instruments": strings.Join(symbols, ",")}, nil)
	if err != nil {
		return nil, err
	}

	var parsed quotesResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, err
	}

	quotes := make([]model.Quote, 0, len(parsed.Results))
	for _, wq := range parsed.Results {
		price := parseFloat(wq.MarkPrice)
		if price <= 0 {
			continue
		}
		observed, err := time.Parse(time.RFC3339, wq.UpdatedAt)
		if err != nil {
			observed = time.Now()
		}
		quotes = append(quotes, model.Quote{
			Symbol:     wq.Symbol,
			LastPrice:  price,
			ObservedAt: observed,
		})
	}
	return quotes, nil
}

// ---------------------------------------------------
// Trading methods
// ---------------------------------------------------

func (c *Client) submitClose(ctx context.Context, account string, req CloseRequest, stopLimit bool) (OrderRecord, error) {
	tif := req.TimeInForce
	if tif == "" {
		tif = "gtc"
	}

	body := map[string]interface{}{
		"account_number":   account,
		"position_effect":  "close",
		"credit_or_debit":  "credit",
		"symbol":           req.Symbol,
		"quantity":         req.Quantity,
		"expiration_date":  req.ExpirationDate,
		"strike_price":     req.StrikePrice,
		"option_type":      req.OptionType,
		"price":            roundCents(req.LimitPrice),
		"time_in_force":    tif,
		"client_order_id":  uuid.NewString(),
		"type":             model.OrderTypeLimit,
	}
	if stopLimit {
		body["type"] = model.OrderTypeStopLimit
		body["stop_price"] = roundCents(req.StopPrice)
		body["trigger"] = "stop"
	}

	raw, _, err := c.doRequest(ctx, "POST", "/api/options/orders/", nil, body)
	if err != nil {
		return OrderRecord{}, err
	}

	var wo wireOrder
	if err := json.Unmarshal(raw, &wo); err != nil {
		return OrderRecord{}, err
	}
	if wo.ID == "" {
		return OrderRecord{}, fmt.Errorf("no order ID returned: %s", string(raw))
	}

	logger.WithFields(logger.Fields{
		"symbol":   req.Symbol,
		"order_id": wo.ID,
		"type":     body["type"],
	}).Info("close order submitted")

	return wo.record(), nil
}

func (c *Client) SubmitLimitClose(ctx context.Context, account string, req CloseRequest) (OrderRecord, error) {
	return c.submitClose(ctx, account, req, false)
}

func (c *Client) SubmitStopLimitClose(ctx context.Context, account string, req CloseRequest) (OrderRecord, error) {
	return c.submitClose(ctx, account, req, true)
}

func (c *Client) CancelOrder(ctx context.Context, orderID string) (bool, error) {
	_, code, err := c.doRequest(ctx, "POST", "/api/options/orders/"+orderID+"/cancel/", nil, nil)
	if err != nil {
		return false, err
	}
	return code >= 200 && code <= 299, nil
}

func (c *Client) GetOrder(ctx context.Context, orderID string) (OrderRecord, error) {
	raw, _, err := c.doRequest(ctx, "GET", "/api/options/orders/"+orderID+"/", nil, nil)
	if err != nil {
		return OrderRecord{}, err
	}

	var wo wireOrder
	if err := json.Unmarshal(raw, &wo); err != nil {
		return OrderRecord{}, err
	}
	return wo.record(), nil
}

func roundCents(v float64) float64 {
	return float64(int64(v*100+0.5)) / 100
}
