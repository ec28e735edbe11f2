package exchange

import (
	"bytes"
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
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/vitos/crypto_virtual_grid/internal/domain"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	BybitBaseURL        = "https://api.bybit.com"
	BybitWSURL          = "wss://stream.bybit.com/v5/public/linear"
	BybitTestnetBaseURL = "https://api-testnet.bybit.com"
	BybitTestnetWSURL   = "wss://stream-testnet.bybit.com/v5/public/linear"

	bybitCategory   = "linear"
	recvWindow      = 5000
	priceStaleAfter = 10 * time.Second

	// hedge mode: both sides of a symbol held at once
	modeBothSides = 3

	retCodeReduceOnlyNotSatisfied = 110017
	retCodeModeNotModified        = 110025
)

// positionIdx addresses a leg of a hedge-mode account.
func positionIdx(side domain.Side) int {
	if side == domain.SideShort {
		return 2
	}
	return 1
}

type BybitConfig struct {
	APIKey          string
	APISecret       string
	BaseURL         string
	WSURL           string
	OrdersPerSecond float64
	Burst           int
}

type instrument struct {
	qtyStep  float64
	minQty   float64
	tickSize float64
}

type cachedPrice struct {
	price float64
	at    time.Time
}

// BybitAdapter implements domain.OrderPlacer and domain.PriceFeed over the
// Bybit v5 linear perpetual API.
type BybitAdapter struct {
	apiKey    string
	apiSecret string
	baseURL   string
	wsURL     string
	client    *http.Client
	limiter   *rate.Limiter
	logger    *zap.Logger
	now       func() time.Time

	mu          sync.Mutex
	prices      map[string]cachedPrice
	instruments map[string]instrument
	leverage    map[string]int
	wsConn      *websocket.Conn
	callbacks   []func(symbol string, price float64)
}

func NewBybitAdapter(cfg BybitConfig, logger *zap.Logger) *BybitAdapter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = BybitBaseURL
	}
	if cfg.WSURL == "" {
		cfg.WSURL = BybitWSURL
	}
	if cfg.OrdersPerSecond <= 0 {
		cfg.OrdersPerSecond = 10
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 10
	}
	return &BybitAdapter{
		apiKey:      cfg.APIKey,
		apiSecret:   cfg.APISecret,
		baseURL:     cfg.BaseURL,
		wsURL:       cfg.WSURL,
		client:      &http.Client{Timeout: 10 * time.Second},
		limiter:     rate.NewLimiter(rate.Limit(cfg.OrdersPerSecond), cfg.Burst),
		logger:      logger,
		now:         time.Now,
		prices:      make(map[string]cachedPrice),
		instruments: make(map[string]instrument),
		leverage:    make(map[string]int),
	}
}

// --- REST API ---

type apiResponse struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

// apiError is a response with a non-zero retCode.
type apiError struct {
	method string
	path   string
	code   int
	msg    string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("bybit %s %s: %d %s", e.method, e.path, e.code, e.msg)
}

func (e *apiError) Unwrap() error {
	if e.code == retCodeReduceOnlyNotSatisfied {
		return domain.ErrNothingToReduce
	}
	return nil
}

func isRetCode(err error, code int) bool {
	var apiErr *apiError
	return errors.As(err, &apiErr) && apiErr.code == code
}

func (b *BybitAdapter) sign(params string, timestamp int64) string {
	// timestamp + apiKey + recvWindow + params
	toSign := fmt.Sprintf("%d%s%d%s", timestamp, b.apiKey, recvWindow, params)
	h := hmac.New(sha256.New, []byte(b.apiSecret))
	h.Write([]byte(toSign))
	return hex.EncodeToString(h.Sum(nil))
}

// sendRequest signs and sends a request. GET params go to the query string,
// everything else is a JSON body. A non-zero retCode is an error.
func (b *BybitAdapter) sendRequest(ctx context.Context, method, path string, query url.Values, payload map[string]interface{}, out interface{}) error {
	timestamp := b.now().UnixMilli()

	var body []byte
	var paramsStr string

	if payload != nil {
		jsonBody, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = jsonBody
		paramsStr = string(jsonBody)
	}
	target := b.baseURL + path
	if len(query) > 0 {
		paramsStr = query.Encode()
		target += "?" + paramsStr
	}

	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewBuffer(body))
	if err != nil {
		return err
	}

	req.Header.Set("X-BAPI-API-KEY", b.apiKey)
	req.Header.Set("X-BAPI-TIMESTAMP", strconv.FormatInt(timestamp, 10))
	req.Header.Set("X-BAPI-SIGN", b.sign(paramsStr, timestamp))
	req.Header.Set("X-BAPI-RECV-WINDOW", strconv.Itoa(recvWindow))
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		return fmt.Errorf("bybit %s %s: http %d: %s", method, path, resp.StatusCode, string(respBody))
	}

	var envelope apiResponse
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return fmt.Errorf("bybit %s %s: decode: %w", method, path, err)
	}
	if envelope.RetCode != 0 {
		return &apiError{method: method, path: path, code: envelope.RetCode, msg: envelope.RetMsg}
	}
	if out != nil && len(envelope.Result) > 0 {
		if err := json.Unmarshal(envelope.Result, out); err != nil {
			return fmt.Errorf("bybit %s %s: decode result: %w", method, path, err)
		}
	}
	return nil
}

// LatestPrice prefers a fresh streamed price and falls back to the REST ticker.
func (b *BybitAdapter) LatestPrice(ctx context.Context, symbol string) (float64, error) {
	b.mu.Lock()
	cached, ok := b.prices[symbol]
	b.mu.Unlock()
	if ok && b.now().Sub(cached.at) < priceStaleAfter {
		return cached.price, nil
	}

	var result struct {
		List []struct {
			LastPrice string `json:"lastPrice"`
		} `json:"list"`
	}
	query := url.Values{"category": {bybitCategory}, "symbol": {symbol}}
	if err := b.sendRequest(ctx, http.MethodGet, "/v5/market/tickers", query, nil, &result); err != nil {
		return 0, err
	}
	if len(result.List) == 0 {
		return 0, fmt.Errorf("%s: %w", symbol, domain.ErrPriceUnavailable)
	}
	price, err := strconv.ParseFloat(result.List[0].LastPrice, 64)
	if err != nil || price <= 0 {
		return 0, fmt.Errorf("%s: bad ticker price %q: %w", symbol, result.List[0].LastPrice, domain.ErrPriceUnavailable)
	}
	b.storePrice(symbol, price)
	return price, nil
}

func (b *BybitAdapter) storePrice(symbol string, price float64) {
	b.mu.Lock()
	b.prices[symbol] = cachedPrice{price: price, at: b.now()}
	b.mu.Unlock()
}

func (b *BybitAdapter) instrument(ctx context.Context, symbol string) (instrument, error) {
	b.mu.Lock()
	inst, ok := b.instruments[symbol]
	b.mu.Unlock()
	if ok {
		return inst, nil
	}

	var result struct {
		List []struct {
			PriceFilter struct {
				TickSize string `json:"tickSize"`
			} `json:"priceFilter"`
			LotSizeFilter struct {
				QtyStep     string `json:"qtyStep"`
				MinOrderQty string `json:"minOrderQty"`
			} `json:"lotSizeFilter"`
		} `json:"list"`
	}
	query := url.Values{"category": {bybitCategory}, "symbol": {symbol}}
	if err := b.sendRequest(ctx, http.MethodGet, "/v5/market/instruments-info", query, nil, &result); err != nil {
		return instrument{}, err
	}
	if len(result.List) == 0 {
		return instrument{}, fmt.Errorf("unknown instrument %s", symbol)
	}
	raw := result.List[0]
	inst.tickSize, _ = strconv.ParseFloat(raw.PriceFilter.TickSize, 64)
	inst.qtyStep, _ = strconv.ParseFloat(raw.LotSizeFilter.QtyStep, 64)
	inst.minQty, _ = strconv.ParseFloat(raw.LotSizeFilter.MinOrderQty, 64)

	b.mu.Lock()
	b.instruments[symbol] = inst
	b.mu.Unlock()
	return inst, nil
}

// PlaceOrder submits a market order and reads back its fill.
func (b *BybitAdapter) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderFill, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return domain.OrderFill{}, fmt.Errorf("rate limit wait: %w", err)
	}

	inst, err := b.instrument(ctx, req.Symbol)
	if err != nil {
		return domain.OrderFill{}, err
	}
	qty := floorToStep(req.Size, inst.qtyStep)
	if qty.IsZero() || qty.InexactFloat64() < inst.minQty {
		return domain.OrderFill{}, fmt.Errorf("qty %.8f below minimum %v for %s", req.Size, inst.minQty, req.Symbol)
	}

	if !req.ReduceOnly && req.Leverage > 0 {
		b.setLeverage(ctx, req.Symbol, req.Leverage)
	}

	linkID := uuid.NewString()
	payload := map[string]interface{}{
		"category":    bybitCategory,
		"symbol":      req.Symbol,
		"side":        string(req.Side),
		"orderType":   string(domain.OrderMarket),
		"qty":         qty.String(),
		"timeInForce": "IOC",
		"positionIdx": positionIdx(req.PositionSide()),
		"orderLinkId": linkID,
	}
	if req.ReduceOnly {
		payload["reduceOnly"] = true
	}

	var created struct {
		OrderID string `json:"orderId"`
	}
	if err := b.sendRequest(ctx, http.MethodPost, "/v5/order/create", nil, payload, &created); err != nil {
		return domain.OrderFill{}, err
	}

	fill := domain.OrderFill{OrderID: created.OrderID, FilledSize: qty.InexactFloat64()}
	price, size, err := b.orderFill(ctx, req.Symbol, created.OrderID)
	if err != nil {
		b.logger.Warn("Failed to read order fill, using last price",
			zap.String("symbol", req.Symbol), zap.String("order_id", created.OrderID), zap.Error(err))
	}
	if size > 0 {
		fill.FilledSize = size
	}
	if price <= 0 {
		if price, err = b.LatestPrice(ctx, req.Symbol); err != nil {
			return domain.OrderFill{}, fmt.Errorf("order %s placed but fill price unknown: %w", created.OrderID, err)
		}
	}
	fill.FilledPrice = price
	return fill, nil
}

func (b *BybitAdapter) orderFill(ctx context.Context, symbol, orderID string) (float64, float64, error) {
	var result struct {
		List []struct {
			AvgPrice   string `json:"avgPrice"`
			CumExecQty string `json:"cumExecQty"`
		} `json:"list"`
	}
	query := url.Values{"category": {bybitCategory}, "symbol": {symbol}, "orderId": {orderID}}
	if err := b.sendRequest(ctx, http.MethodGet, "/v5/order/realtime", query, nil, &result); err != nil {
		return 0, 0, err
	}
	if len(result.List) == 0 {
		return 0, 0, fmt.Errorf("order %s not found", orderID)
	}
	price, _ := strconv.ParseFloat(result.List[0].AvgPrice, 64)
	size, _ := strconv.ParseFloat(result.List[0].CumExecQty, 64)
	return price, size, nil
}

func (b *BybitAdapter) setLeverage(ctx context.Context, symbol string, leverage int) {
	b.mu.Lock()
	current := b.leverage[symbol]
	b.mu.Unlock()
	if current == leverage {
		return
	}

	payload := map[string]interface{}{
		"category":     bybitCategory,
		"symbol":       symbol,
		"buyLeverage":  strconv.Itoa(leverage),
		"sellLeverage": strconv.Itoa(leverage),
	}
	// Fails with "leverage not modified" when already set
	if err := b.sendRequest(ctx, http.MethodPost, "/v5/position/set-leverage", nil, payload, nil); err != nil {
		b.logger.Debug("Set leverage", zap.String("symbol", symbol), zap.Int("leverage", leverage), zap.Error(err))
	}
	b.mu.Lock()
	b.leverage[symbol] = leverage
	b.mu.Unlock()
}

// EnsureHedgeMode switches symbol to hedge mode so grid longs and shorts
// live on separate legs. Must run while the symbol has no open position.
func (b *BybitAdapter) EnsureHedgeMode(ctx context.Context, symbol string) error {
	payload := map[string]interface{}{
		"category": bybitCategory,
		"symbol":   symbol,
		"mode":     modeBothSides,
	}
	err := b.sendRequest(ctx, http.MethodPost, "/v5/position/switch-mode", nil, payload, nil)
	if err != nil && !isRetCode(err, retCodeModeNotModified) {
		return fmt.Errorf("bybit hedge mode %s: %w", symbol, err)
	}
	return nil
}

func (b *BybitAdapter) SetStopLoss(ctx context.Context, symbol string, side domain.Side, price float64) error {
	return b.tradingStop(ctx, symbol, side, "stopLoss", price)
}

func (b *BybitAdapter) SetTakeProfit(ctx context.Context, symbol string, side domain.Side, price float64) error {
	return b.tradingStop(ctx, symbol, side, "takeProfit", price)
}

func (b *BybitAdapter) tradingStop(ctx context.Context, symbol string, side domain.Side, field string, price float64) error {
	inst, err := b.instrument(ctx, symbol)
	if err != nil {
		return err
	}
	payload := map[string]interface{}{
		"category":    bybitCategory,
		"symbol":      symbol,
		"tpslMode":    "Full",
		"positionIdx": positionIdx(side),
		field:         roundToStep(price, inst.tickSize).String(),
	}
	return b.sendRequest(ctx, http.MethodPost, "/v5/position/trading-stop", nil, payload, nil)
}

type venuePosition struct {
	side domain.Side
	size decimal.Decimal
}

// getPositions returns the non-empty legs of symbol.
func (b *BybitAdapter) getPositions(ctx context.Context, symbol string) ([]venuePosition, error) {
	var result struct {
		List []struct {
			PositionIdx int    `json:"positionIdx"`
			Side        string `json:"side"`
			Size        string `json:"size"`
		} `json:"list"`
	}
	query := url.Values{"category": {bybitCategory}, "symbol": {symbol}}
	if err := b.sendRequest(ctx, http.MethodGet, "/v5/position/list", query, nil, &result); err != nil {
		return nil, err
	}
	var legs []venuePosition
	for _, raw := range result.List {
		size, err := decimal.NewFromString(raw.Size)
		if err != nil || size.IsZero() {
			continue
		}
		side := domain.SideLong
		if raw.PositionIdx == 2 || (raw.PositionIdx == 0 && raw.Side == string(domain.OrderSell)) {
			side = domain.SideShort
		}
		legs = append(legs, venuePosition{side: side, size: size})
	}
	return legs, nil
}

// ClosePosition flattens both legs of a symbol.
func (b *BybitAdapter) ClosePosition(ctx context.Context, symbol string) error {
	legs, err := b.getPositions(ctx, symbol)
	if err != nil {
		return err
	}

	var errs error
	for _, leg := range legs {
		payload := map[string]interface{}{
			"category":    bybitCategory,
			"symbol":      symbol,
			"side":        string(leg.side.ExitOrderSide()),
			"orderType":   string(domain.OrderMarket),
			"qty":         leg.size.String(),
			"reduceOnly":  true,
			"positionIdx": positionIdx(leg.side),
			"orderLinkId": uuid.NewString(),
		}
		if err := b.sendRequest(ctx, http.MethodPost, "/v5/order/create", nil, payload, nil); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("bybit close %s %s: %w", symbol, leg.side, err))
		}
	}
	return errs
}

// floorToStep rounds v down to a multiple of step.
func floorToStep(v, step float64) decimal.Decimal {
	d := decimal.NewFromFloat(v)
	if step <= 0 {
		return d
	}
	s := decimal.NewFromFloat(step)
	return d.Div(s).Floor().Mul(s)
}

// roundToStep rounds v to the nearest multiple of step.
func roundToStep(v, step float64) decimal.Decimal {
	d := decimal.NewFromFloat(v)
	if step <= 0 {
		return d
	}
	s := decimal.NewFromFloat(step)
	return d.Div(s).Round(0).Mul(s)
}
