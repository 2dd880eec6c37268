// Package binance is the exchange transport collaborator: a rate-limited
// REST client for the USD-M futures endpoints the core needs, plus a
// reconnecting authenticated user-data stream. It knows nothing about
// TradingState, risk, or execution semantics — it only moves bytes.
package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/apollo-trading/futures-core/execution"
)

// maxRestRetries caps the exponential backoff applied to transient REST
// failures (429/418/5xx/network errors). AuthFailureError and
// ExchangeRejectionError are never retried here.
const (
	maxRestRetries       = 5
	restRetryBaseBackoff = 200 * time.Millisecond
)

// RestClient wraps Binance USD-M futures REST endpoints behind a shared
// token-bucket limiter, with 429/418/5xx responses backed off and retried.
type RestClient struct {
	baseURL    string
	apiKey     string
	apiSecret  string
	httpClient *http.Client
	limiter    *rate.Limiter
}

func NewRestClient(baseURL, apiKey, apiSecret string, requestsPerSecond float64) *RestClient {
	return &RestClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		apiSecret:  apiSecret,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(requestsPerSecond), int(requestsPerSecond)+1),
	}
}

var _ execution.ExchangeClient = (*RestClient)(nil)

// SymbolFilter mirrors domain.SymbolFilters' wire shape from exchangeInfo.
type SymbolFilter struct {
	Symbol      string
	TickSize    decimal.Decimal
	StepSize    decimal.Decimal
	MinQty      decimal.Decimal
	MinNotional decimal.Decimal
}

// AccountPosition is one row of PositionRisk.
type AccountPosition struct {
	Symbol           string
	PositionAmt      decimal.Decimal
	EntryPrice       decimal.Decimal
	UnrealizedProfit decimal.Decimal
}

// Kline is one candle from Klines.
type Kline struct {
	OpenTime  time.Time
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    decimal.Decimal
	CloseTime time.Time
}

// do sends a request, retrying transient failures (network errors, 429/418,
// 5xx) with exponential backoff up to maxRestRetries. A Retry-After value on
// a 429/418 response takes priority over the computed backoff. Auth
// failures and 4xx rejections are never retried.
func (c *RestClient) do(ctx context.Context, method, path string, params url.Values, signed bool) ([]byte, error) {
	backoff := restRetryBaseBackoff
	var lastErr error
	for attempt := 1; attempt <= maxRestRetries; attempt++ {
		body, err := c.doOnce(ctx, method, path, params, signed)
		if err == nil {
			return body, nil
		}
		lastErr = err

		var transient *TransientError
		if !errors.As(err, &transient) {
			return nil, err
		}
		if attempt == maxRestRetries {
			break
		}

		wait := backoff
		if after := transient.RetryAfter(); after > 0 {
			wait = after
		}
		log.Warn().Err(err).Int("attempt", attempt).Dur("wait", wait).Str("path", path).Msg("binance: transient REST error, retrying")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
		backoff *= 2
	}
	return nil, lastErr
}

func (c *RestClient) doOnce(ctx context.Context, method, path string, params url.Values, signed bool) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("binance: rate limiter: %w", err)
	}
	if params == nil {
		params = url.Values{}
	}
	if signed {
		params.Del("signature")
		params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
		params.Set("signature", c.sign(params.Encode()))
	}

	reqURL := c.baseURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("binance: build request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("X-MBX-APIKEY", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransientError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransientError{Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &execution.AuthFailureError{Err: fmt.Errorf("status %d: %s", resp.StatusCode, body)}
	case resp.StatusCode == 429 || resp.StatusCode == 418:
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
		return nil, &TransientError{Err: fmt.Errorf("rate limited: status %d", resp.StatusCode), After: retryAfter}
	case resp.StatusCode >= 500:
		return nil, &TransientError{Err: fmt.Errorf("server error: status %d", resp.StatusCode)}
	case resp.StatusCode >= 400:
		return nil, &execution.ExchangeRejectionError{Err: fmt.Errorf("status %d: %s", resp.StatusCode, body)}
	}
	return body, nil
}

func (c *RestClient) sign(payload string) string {
	mac := hmac.New(sha256.New, []byte(c.apiSecret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	secs, err := strconv.Atoi(header)
	if err != nil {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// TransientError covers 429/418/5xx/network failures. The caller (do)
// retries these with bounded exponential backoff.
type TransientError struct {
	Err   error
	After time.Duration // server-supplied Retry-After, 0 if none
}

func (e *TransientError) Error() string { return fmt.Sprintf("binance: transient: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// RetryAfter implements execution's retryAfterer interface, so a caller
// outside this package can honor the server's requested wait without
// importing binance directly.
func (e *TransientError) RetryAfter() time.Duration { return e.After }

// ExchangeInfo returns tick/step/min-qty/min-notional filters for a symbol.
func (c *RestClient) ExchangeInfo(ctx context.Context, symbol string) (SymbolFilter, error) {
	body, err := c.do(ctx, http.MethodGet, "/fapi/v1/exchangeInfo", url.Values{"symbol": {symbol}}, false)
	if err != nil {
		return SymbolFilter{}, err
	}
	var raw struct {
		Symbols []struct {
			Symbol  string `json:"symbol"`
			Filters []struct {
				FilterType  string `json:"filterType"`
				TickSize    string `json:"tickSize"`
				StepSize    string `json:"stepSize"`
				MinQty      string `json:"minQty"`
				MinNotional string `json:"notional"`
			} `json:"filters"`
		} `json:"symbols"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return SymbolFilter{}, fmt.Errorf("binance: decode exchangeInfo: %w", err)
	}
	out := SymbolFilter{Symbol: symbol}
	for _, s := range raw.Symbols {
		if s.Symbol != symbol {
			continue
		}
		for _, f := range s.Filters {
			switch f.FilterType {
			case "PRICE_FILTER":
				out.TickSize = parseDecimal(f.TickSize)
			case "LOT_SIZE":
				out.StepSize = parseDecimal(f.StepSize)
				out.MinQty = parseDecimal(f.MinQty)
			case "MIN_NOTIONAL":
				out.MinNotional = parseDecimal(f.MinNotional)
			}
		}
	}
	return out, nil
}

// AccountEquity returns the futures wallet's total margin balance.
func (c *RestClient) AccountEquity(ctx context.Context) (decimal.Decimal, error) {
	body, err := c.do(ctx, http.MethodGet, "/fapi/v2/account", nil, true)
	if err != nil {
		return decimal.Zero, err
	}
	var raw struct {
		TotalMarginBalance string `json:"totalMarginBalance"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return decimal.Zero, fmt.Errorf("binance: decode account: %w", err)
	}
	return parseDecimal(raw.TotalMarginBalance), nil
}

// PositionRisk returns every non-zero position for the account.
func (c *RestClient) PositionRisk(ctx context.Context) ([]AccountPosition, error) {
	body, err := c.do(ctx, http.MethodGet, "/fapi/v2/positionRisk", nil, true)
	if err != nil {
		return nil, err
	}
	var raw []struct {
		Symbol           string `json:"symbol"`
		PositionAmt      string `json:"positionAmt"`
		EntryPrice       string `json:"entryPrice"`
		UnRealizedProfit string `json:"unRealizedProfit"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("binance: decode positionRisk: %w", err)
	}
	var out []AccountPosition
	for _, p := range raw {
		amt := parseDecimal(p.PositionAmt)
		if amt.IsZero() {
			continue
		}
		out = append(out, AccountPosition{
			Symbol: p.Symbol, PositionAmt: amt,
			EntryPrice: parseDecimal(p.EntryPrice), UnrealizedProfit: parseDecimal(p.UnRealizedProfit),
		})
	}
	return out, nil
}

// OpenOrders returns every currently open order for the account.
func (c *RestClient) OpenOrders(ctx context.Context) ([]OrderStatus, error) {
	body, err := c.do(ctx, http.MethodGet, "/fapi/v1/openOrders", nil, true)
	if err != nil {
		return nil, err
	}
	var raw []struct {
		Symbol        string `json:"symbol"`
		ClientOrderID string `json:"clientOrderId"`
		OrderID       int64  `json:"orderId"`
		Side          string `json:"side"`
		Type          string `json:"type"`
		Status        string `json:"status"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("binance: decode openOrders: %w", err)
	}
	out := make([]OrderStatus, 0, len(raw))
	for _, o := range raw {
		out = append(out, OrderStatus{
			Symbol: o.Symbol, ClientOrderID: o.ClientOrderID,
			OrderID: strconv.FormatInt(o.OrderID, 10), Side: o.Side, Status: o.Status,
		})
	}
	return out, nil
}

// OrderStatus is the wire shape of an exchange order as returned by
// openOrders, independent of domain.OpenOrder.
type OrderStatus struct {
	Symbol        string
	ClientOrderID string
	OrderID       string
	Side          string
	Status        string
}

// PlaceOrder implements execution.ExchangeClient.
func (c *RestClient) PlaceOrder(ctx context.Context, req execution.OrderRequest) (execution.OrderAck, error) {
	params := url.Values{
		"symbol":           {req.Symbol},
		"side":             {req.Side},
		"type":             {req.OrderType},
		"quantity":         {req.Quantity.String()},
		"newClientOrderId": {req.ClientOrderID},
	}
	if req.Price != nil {
		params.Set("price", req.Price.String())
		params.Set("timeInForce", "GTC")
	}
	if req.StopPrice != nil {
		params.Set("stopPrice", req.StopPrice.String())
	}
	if req.ReduceOnly {
		params.Set("reduceOnly", "true")
	}

	body, err := c.do(ctx, http.MethodPost, "/fapi/v1/order", params, true)
	if err != nil {
		return execution.OrderAck{}, err
	}
	var raw struct {
		OrderID int64  `json:"orderId"`
		Status  string `json:"status"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return execution.OrderAck{}, fmt.Errorf("binance: decode placeOrder: %w", err)
	}
	return execution.OrderAck{OrderID: strconv.FormatInt(raw.OrderID, 10), Status: raw.Status}, nil
}

// CancelOrder implements execution.ExchangeClient.
func (c *RestClient) CancelOrder(ctx context.Context, symbol, clientOrderID string) error {
	params := url.Values{"symbol": {symbol}, "origClientOrderId": {clientOrderID}}
	_, err := c.do(ctx, http.MethodDelete, "/fapi/v1/order", params, true)
	return err
}

// Klines fetches candles for interval ("1d", "15m", ...).
func (c *RestClient) Klines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error) {
	params := url.Values{"symbol": {symbol}, "interval": {interval}, "limit": {strconv.Itoa(limit)}}
	body, err := c.do(ctx, http.MethodGet, "/fapi/v1/klines", params, false)
	if err != nil {
		return nil, err
	}
	var raw [][]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("binance: decode klines: %w", err)
	}
	out := make([]Kline, 0, len(raw))
	for _, row := range raw {
		if len(row) < 7 {
			continue
		}
		out = append(out, Kline{
			OpenTime:  msToTime(row[0]),
			Open:      parseDecimal(fmt.Sprint(row[1])),
			High:      parseDecimal(fmt.Sprint(row[2])),
			Low:       parseDecimal(fmt.Sprint(row[3])),
			Close:     parseDecimal(fmt.Sprint(row[4])),
			Volume:    parseDecimal(fmt.Sprint(row[5])),
			CloseTime: msToTime(row[6]),
		})
	}
	return out, nil
}

// FundingRate returns the current predicted funding rate for symbol.
func (c *RestClient) FundingRate(ctx context.Context, symbol string) (float64, error) {
	params := url.Values{"symbol": {symbol}, "limit": {"1"}}
	body, err := c.do(ctx, http.MethodGet, "/fapi/v1/premiumIndex", params, false)
	if err != nil {
		return 0, err
	}
	var raw struct {
		LastFundingRate string `json:"lastFundingRate"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return 0, fmt.Errorf("binance: decode premiumIndex: %w", err)
	}
	rate, _ := strconv.ParseFloat(raw.LastFundingRate, 64)
	return rate, nil
}

// StartUserStream obtains a fresh listen key.
func (c *RestClient) StartUserStream(ctx context.Context) (string, error) {
	body, err := c.do(ctx, http.MethodPost, "/fapi/v1/listenKey", nil, false)
	if err != nil {
		return "", err
	}
	var raw struct {
		ListenKey string `json:"listenKey"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return "", fmt.Errorf("binance: decode listenKey: %w", err)
	}
	return raw.ListenKey, nil
}

// KeepAliveUserStream pings the listen key so it does not expire. Binance
// drops a listen key after 60 minutes of silence; ping at least every 30.
func (c *RestClient) KeepAliveUserStream(ctx context.Context, listenKey string) error {
	_, err := c.do(ctx, http.MethodPut, "/fapi/v1/listenKey", url.Values{"listenKey": {listenKey}}, false)
	return err
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		log.Warn().Str("value", s).Msg("binance: failed to parse decimal field")
		return decimal.Zero
	}
	return d
}

func msToTime(v any) time.Time {
	switch n := v.(type) {
	case float64:
		return time.UnixMilli(int64(n)).UTC()
	default:
		return time.Time{}
	}
}
