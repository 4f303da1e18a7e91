// Package binancefutures binds core.Exchange to the Binance USDⓈ-M futures
// REST API, grounded on original_source/tradeengine/exchange/binance.py's
// order-type mapping (market/limit/stop/take-profit, both market- and
// limit-priced variants) and built on pkg/http/client.go's resilient,
// OTel-instrumented Client+Signer pipeline instead of the original's
// python-binance SDK.
package binancefutures

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"tradeengine/internal/config"
	"tradeengine/internal/core"
	pkghttp "tradeengine/pkg/http"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// hmacSigner implements pkghttp.Signer using Binance's query-string HMAC-SHA256
// request-signing convention: append timestamp, sign the encoded query, and
// attach the signature plus API key header.
type hmacSigner struct {
	apiKey    string
	secretKey string
}

func (s *hmacSigner) SignRequest(req *http.Request) error {
	q := req.URL.Query()
	q.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	q.Set("recvWindow", "5000")

	mac := hmac.New(sha256.New, []byte(s.secretKey))
	mac.Write([]byte(q.Encode()))
	signature := hex.EncodeToString(mac.Sum(nil))
	q.Set("signature", signature)

	req.URL.RawQuery = q.Encode()
	req.Header.Set("X-MBX-APIKEY", s.apiKey)
	return nil
}

// Exchange is a REST binding to the Binance futures API.
type Exchange struct {
	client  *pkghttp.Client
	hedge   bool
	limiter *rate.Limiter

	mu         sync.RWMutex
	symbolInfo map[string]*core.SymbolInfo
}

// New builds an Exchange from the process configuration. Binance's futures
// API enforces a per-IP request weight budget; limiter throttles this
// process's own calls to stay under it rather than relying on Binance's
// 418/429 backoff responses to do it for us.
func New(cfg config.ExchangeConfig) *Exchange {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://fapi.binance.com"
	}
	rps := cfg.RateLimitPerSecond
	if rps <= 0 {
		rps = 10
	}
	burst := cfg.RateLimitBurst
	if burst <= 0 {
		burst = 20
	}
	signer := &hmacSigner{apiKey: string(cfg.APIKey), secretKey: string(cfg.SecretKey)}
	return &Exchange{
		client:     pkghttp.NewClient(baseURL, 10*time.Second, signer),
		hedge:      cfg.HedgeMode,
		limiter:    rate.NewLimiter(rate.Limit(rps), burst),
		symbolInfo: make(map[string]*core.SymbolInfo),
	}
}

// orderTypeParams maps core.OrderType to the Binance futures order type
// string and the query parameter carrying the trigger price, mirroring the
// original's per-type branch (market/limit/stop/stop_limit/
// take_profit/take_profit_limit).
func orderTypeParams(t core.OrderType) (binanceType string, priceParam string) {
	switch t {
	case core.OrderTypeMarket:
		return "MARKET", ""
	case core.OrderTypeLimit:
		return "LIMIT", "price"
	case core.OrderTypeStop:
		return "STOP_MARKET", "stopPrice"
	case core.OrderTypeStopLimit:
		return "STOP", "stopPrice"
	case core.OrderTypeTakeProfit:
		return "TAKE_PROFIT_MARKET", "stopPrice"
	case core.OrderTypeTakeProfitLimit:
		return "TAKE_PROFIT", "stopPrice"
	default:
		return "MARKET", ""
	}
}

// Execute implements core.Exchange.
func (e *Exchange) Execute(ctx context.Context, order *core.Order) (*core.ExecutionResult, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("binance execute order: rate limit: %w", err)
	}
	side := "BUY"
	if order.Side == core.SideSell {
		side = "SELL"
	}
	positionSide := "LONG"
	if order.PositionSide == core.PositionShort {
		positionSide = "SHORT"
	}

	binanceType, priceParam := orderTypeParams(order.Type)

	params := map[string]string{
		"symbol":       order.Symbol,
		"side":         side,
		"positionSide": positionSide,
		"type":         binanceType,
		"quantity":     order.Amount.String(),
	}
	if e.hedge {
		params["positionSide"] = positionSide
	} else {
		delete(params, "positionSide")
		if order.ReduceOnly {
			params["reduceOnly"] = "true"
		}
	}
	if priceParam != "" && order.TargetPrice != nil {
		params[priceParam] = order.TargetPrice.String()
	}
	if binanceType == "LIMIT" || binanceType == "STOP" || binanceType == "TAKE_PROFIT" {
		tif := string(order.TimeInForce)
		if tif == "" {
			tif = "GTC"
		}
		params["timeInForce"] = tif
	}

	path := "/fapi/v1/order?" + urlEncode(params).Encode()
	body, err := e.client.Post(ctx, path, nil)
	if err != nil {
		return nil, fmt.Errorf("binance execute order: %w", err)
	}

	var resp struct {
		OrderID       int64  `json:"orderId"`
		Status        string `json:"status"`
		AvgPrice      string `json:"avgPrice"`
		ExecutedQty   string `json:"executedQty"`
		Symbol        string `json:"symbol"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("binance execute order: decode response: %w", err)
	}

	fillPrice, _ := decimal.NewFromString(resp.AvgPrice)
	amount, _ := decimal.NewFromString(resp.ExecutedQty)
	if amount.IsZero() {
		amount = order.Amount
	}

	return &core.ExecutionResult{
		OrderID:   strconv.FormatInt(resp.OrderID, 10),
		Status:    mapExecStatus(resp.Status),
		FillPrice: fillPrice,
		Amount:    amount,
		Symbol:    resp.Symbol,
	}, nil
}

func mapExecStatus(binanceStatus string) core.ExecutionStatus {
	switch binanceStatus {
	case "FILLED":
		return core.ExecFilled
	case "PARTIALLY_FILLED":
		return core.ExecPartiallyFilled
	case "REJECTED", "EXPIRED":
		return core.ExecRejected
	default:
		return core.ExecNew
	}
}

// CancelOrder implements core.Exchange. A Binance "Unknown order" error
// (code -2011) is swallowed as already-cancelled, matching the OCO
// manager's idempotent-cancel expectation (spec §4.2).
func (e *Exchange) CancelOrder(ctx context.Context, symbol, orderID string) error {
	if err := e.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("binance cancel order: rate limit: %w", err)
	}
	params := map[string]string{"symbol": symbol, "orderId": orderID}
	_, err := e.client.Delete(ctx, "/fapi/v1/order", params)
	if err == nil {
		return nil
	}
	if apiErr, ok := asAPIError(err); ok && apiErr.StatusCode == 400 {
		var body struct {
			Code int `json:"code"`
		}
		if json.Unmarshal(apiErr.Body, &body) == nil && body.Code == -2011 {
			return nil
		}
	}
	return fmt.Errorf("binance cancel order: %w", err)
}

func asAPIError(err error) (*pkghttp.APIError, bool) {
	apiErr, ok := err.(*pkghttp.APIError)
	return apiErr, ok
}

// GetOrderStatus implements core.Exchange.
func (e *Exchange) GetOrderStatus(ctx context.Context, symbol, orderID string) (*core.OpenOrder, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("binance order status: rate limit: %w", err)
	}
	params := map[string]string{"symbol": symbol, "orderId": orderID}
	body, err := e.client.Get(ctx, "/fapi/v1/order", params)
	if err != nil {
		return nil, fmt.Errorf("binance order status: %w", err)
	}
	var resp struct {
		OrderID int64  `json:"orderId"`
		Status  string `json:"status"`
		Symbol  string `json:"symbol"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("binance order status: decode response: %w", err)
	}
	return &core.OpenOrder{OrderID: strconv.FormatInt(resp.OrderID, 10), Symbol: resp.Symbol, Status: resp.Status}, nil
}

// GetOpenOrders implements core.Exchange.
func (e *Exchange) GetOpenOrders(ctx context.Context, symbol string) ([]core.OpenOrder, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("binance open orders: rate limit: %w", err)
	}
	body, err := e.client.Get(ctx, "/fapi/v1/openOrders", map[string]string{"symbol": symbol})
	if err != nil {
		return nil, fmt.Errorf("binance open orders: %w", err)
	}
	var resp []struct {
		OrderID int64  `json:"orderId"`
		Status  string `json:"status"`
		Symbol  string `json:"symbol"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("binance open orders: decode response: %w", err)
	}
	out := make([]core.OpenOrder, 0, len(resp))
	for _, o := range resp {
		out = append(out, core.OpenOrder{OrderID: strconv.FormatInt(o.OrderID, 10), Symbol: o.Symbol, Status: o.Status})
	}
	return out, nil
}

// GetSymbolPrice implements core.Exchange.
func (e *Exchange) GetSymbolPrice(ctx context.Context, symbol string) (float64, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return 0, fmt.Errorf("binance symbol price: rate limit: %w", err)
	}
	body, err := e.client.Get(ctx, "/fapi/v1/ticker/price", map[string]string{"symbol": symbol})
	if err != nil {
		return 0, fmt.Errorf("binance symbol price: %w", err)
	}
	var resp struct {
		Price string `json:"price"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, fmt.Errorf("binance symbol price: decode response: %w", err)
	}
	price, err := strconv.ParseFloat(resp.Price, 64)
	if err != nil {
		return 0, fmt.Errorf("binance symbol price: parse %q: %w", resp.Price, err)
	}
	return price, nil
}

// GetSymbolInfo implements core.Exchange, caching exchangeInfo per symbol.
func (e *Exchange) GetSymbolInfo(ctx context.Context, symbol string) (*core.SymbolInfo, error) {
	e.mu.RLock()
	if info, ok := e.symbolInfo[symbol]; ok {
		e.mu.RUnlock()
		return info, nil
	}
	e.mu.RUnlock()

	if err := e.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("binance exchange info: rate limit: %w", err)
	}
	body, err := e.client.Get(ctx, "/fapi/v1/exchangeInfo", nil)
	if err != nil {
		return nil, fmt.Errorf("binance exchange info: %w", err)
	}
	var resp struct {
		Symbols []struct {
			Symbol  string `json:"symbol"`
			Filters []struct {
				FilterType  string `json:"filterType"`
				MinQty      string `json:"minQty"`
				StepSize    string `json:"stepSize"`
				TickSize    string `json:"tickSize"`
				Notional    string `json:"notional"`
				MinNotional string `json:"minNotional"`
			} `json:"filters"`
		} `json:"symbols"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("binance exchange info: decode response: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, s := range resp.Symbols {
		info := &core.SymbolInfo{Symbol: s.Symbol}
		for _, f := range s.Filters {
			switch f.FilterType {
			case "LOT_SIZE":
				info.MinQty, _ = decimal.NewFromString(f.MinQty)
				info.StepSize, _ = decimal.NewFromString(f.StepSize)
			case "PRICE_FILTER":
				info.TickSize, _ = decimal.NewFromString(f.TickSize)
			case "MIN_NOTIONAL":
				info.MinNotional, _ = decimal.NewFromString(f.MinNotional)
			case "NOTIONAL":
				if f.Notional != "" {
					info.MinNotional, _ = decimal.NewFromString(f.Notional)
				} else {
					info.MinNotional, _ = decimal.NewFromString(f.MinNotional)
				}
			}
		}
		e.symbolInfo[s.Symbol] = info
	}

	if info, ok := e.symbolInfo[symbol]; ok {
		return info, nil
	}
	return nil, fmt.Errorf("binance exchange info: unknown symbol %s", symbol)
}

// GetAccountInfo implements core.Exchange.
func (e *Exchange) GetAccountInfo(ctx context.Context) (*core.AccountInfo, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("binance account info: rate limit: %w", err)
	}
	body, err := e.client.Get(ctx, "/fapi/v2/account", nil)
	if err != nil {
		return nil, fmt.Errorf("binance account info: %w", err)
	}
	var resp struct {
		TotalWalletBalance string `json:"totalWalletBalance"`
		AvailableBalance   string `json:"availableBalance"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("binance account info: decode response: %w", err)
	}
	total, _ := decimal.NewFromString(resp.TotalWalletBalance)
	avail, _ := decimal.NewFromString(resp.AvailableBalance)
	return &core.AccountInfo{TotalWalletBalance: total, AvailableBalance: avail}, nil
}

// GetPositionInfo implements core.Exchange.
func (e *Exchange) GetPositionInfo(ctx context.Context, symbol string) ([]core.Position, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("binance position info: rate limit: %w", err)
	}
	body, err := e.client.Get(ctx, "/fapi/v2/positionRisk", map[string]string{"symbol": symbol})
	if err != nil {
		return nil, fmt.Errorf("binance position info: %w", err)
	}
	var resp []struct {
		Symbol           string `json:"symbol"`
		PositionAmt      string `json:"positionAmt"`
		EntryPrice       string `json:"entryPrice"`
		PositionSide     string `json:"positionSide"`
		UnrealizedProfit string `json:"unRealizedProfit"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("binance position info: decode response: %w", err)
	}

	out := make([]core.Position, 0, len(resp))
	for _, p := range resp {
		qty, _ := decimal.NewFromString(p.PositionAmt)
		if qty.IsZero() {
			continue
		}
		entry, _ := decimal.NewFromString(p.EntryPrice)
		unrealized, _ := decimal.NewFromString(p.UnrealizedProfit)
		side := core.PositionLong
		if p.PositionSide == "SHORT" || qty.IsNegative() {
			side = core.PositionShort
		}
		out = append(out, core.Position{
			Symbol:        p.Symbol,
			PositionSide:  side,
			Quantity:      qty.Abs(),
			AvgPrice:      entry,
			UnrealizedPnL: unrealized,
			Status:        core.PositionOpen,
			LastUpdate:    time.Now().UTC(),
		})
	}
	return out, nil
}

// VerifyHedgeMode implements core.Exchange.
func (e *Exchange) VerifyHedgeMode(ctx context.Context) (bool, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return false, fmt.Errorf("binance verify hedge mode: rate limit: %w", err)
	}
	body, err := e.client.Get(ctx, "/fapi/v1/positionSide/dual", nil)
	if err != nil {
		return false, fmt.Errorf("binance verify hedge mode: %w", err)
	}
	var resp struct {
		DualSidePosition bool `json:"dualSidePosition"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return false, fmt.Errorf("binance verify hedge mode: decode response: %w", err)
	}
	return resp.DualSidePosition, nil
}

func urlEncode(params map[string]string) url.Values {
	v := url.Values{}
	for k, val := range params {
		v.Set(k, val)
	}
	return v
}

var _ core.Exchange = (*Exchange)(nil)
