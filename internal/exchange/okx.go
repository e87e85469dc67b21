package exchange

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"arena/internal/logger"
)

const (
	okxBaseURL     = "https://www.okx.com"
	okxMaxLimit    = 300
	okxRateLimited = "50011"
)

// okxBarNames maps internal timeframe keys onto OKX bar identifiers.
var okxBarNames = map[string]string{
	"1m": "1m", "5m": "5m", "15m": "15m", "30m": "30m",
	"1h": "1H", "4h": "4H", "1d": "1D",
}

// OKXConfig configures the OKX v5 REST client. Demo mode adds the
// x-simulated-trading header so orders hit the paper account.
type OKXConfig struct {
	BaseURL    string
	APIKey     string
	SecretKey  string
	Passphrase string
	IsDemo     bool
	TdMode     string // cross or isolated
	Timeout    time.Duration
}

func (c OKXConfig) withDefaults() OKXConfig {
	if c.BaseURL == "" {
		c.BaseURL = okxBaseURL
	}
	if c.TdMode == "" {
		c.TdMode = "cross"
	}
	if c.Timeout <= 0 {
		c.Timeout = 15 * time.Second
	}
	return c
}

// OKX talks to the OKX v5 REST API. Public endpoints work without keys;
// trading calls require the full credential triple.
type OKX struct {
	cfg  OKXConfig
	http *http.Client
}

func NewOKX(cfg OKXConfig) *OKX {
	final := cfg.withDefaults()
	return &OKX{
		cfg:  final,
		http: &http.Client{Timeout: final.Timeout},
	}
}

func (o *OKX) Name() string { return "okx" }

type okxEnvelope struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

func (o *OKX) request(ctx context.Context, method, path string, query url.Values, body any, out any) error {
	fullPath := path
	if len(query) > 0 {
		fullPath = path + "?" + query.Encode()
	}
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, o.cfg.BaseURL+fullPath, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if o.cfg.APIKey != "" {
		ts := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
		mac := hmac.New(sha256.New, []byte(o.cfg.SecretKey))
		mac.Write([]byte(ts + method + fullPath + string(payload)))
		req.Header.Set("OK-ACCESS-KEY", o.cfg.APIKey)
		req.Header.Set("OK-ACCESS-SIGN", base64.StdEncoding.EncodeToString(mac.Sum(nil)))
		req.Header.Set("OK-ACCESS-TIMESTAMP", ts)
		req.Header.Set("OK-ACCESS-PASSPHRASE", o.cfg.Passphrase)
	}
	if o.cfg.IsDemo {
		req.Header.Set("x-simulated-trading", "1")
	}

	resp, err := o.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return ErrRateLimited
	}
	var env okxEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("okx %s %s: bad response (%d): %w", method, path, resp.StatusCode, err)
	}
	if env.Code != "0" {
		if env.Code == okxRateLimited {
			return fmt.Errorf("%w: %s", ErrRateLimited, env.Msg)
		}
		return &APIError{Code: env.Code, Message: env.Msg}
	}
	if out != nil {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("okx %s %s: decoding data: %w", method, path, err)
		}
	}
	return nil
}

// FetchCandles backfills closed bars with open time >= since, ascending.
// OKX serves candles newest-first and flags the forming bar via confirm=0;
// unconfirmed bars are dropped before returning.
func (o *OKX) FetchCandles(ctx context.Context, symbol, timeframe string, since int64, limit int) ([]Candle, error) {
	bar, ok := okxBarNames[timeframe]
	if !ok {
		return nil, fmt.Errorf("okx: unsupported timeframe %q", timeframe)
	}
	if limit <= 0 || limit > okxMaxLimit {
		limit = okxMaxLimit
	}
	q := url.Values{}
	q.Set("instId", symbol)
	q.Set("bar", bar)
	q.Set("limit", strconv.Itoa(limit))
	if since > 0 {
		q.Set("before", strconv.FormatInt(since-1, 10))
	}
	var rows [][]string
	if err := o.request(ctx, http.MethodGet, "/api/v5/market/history-candles", q, nil, &rows); err != nil {
		return nil, err
	}
	out := make([]Candle, 0, len(rows))
	for _, row := range rows {
		// [ts, o, h, l, c, vol, volCcy, volCcyQuote, confirm]
		if len(row) < 9 || row[8] != "1" {
			continue
		}
		ts, err := strconv.ParseInt(row[0], 10, 64)
		if err != nil || ts < since {
			continue
		}
		out = append(out, Candle{
			Timestamp: ts,
			Open:      parseOKXFloat(row[1]),
			High:      parseOKXFloat(row[2]),
			Low:       parseOKXFloat(row[3]),
			Close:     parseOKXFloat(row[4]),
			Volume:    parseOKXFloat(row[5]),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type okxFundingRow struct {
	FundingRate string `json:"fundingRate"`
	FundingTime string `json:"fundingTime"`
	NextFunding string `json:"nextFundingTime"`
}

func (o *OKX) FundingRateHistory(ctx context.Context, symbol string, since int64, limit int) ([]FundingRate, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	q := url.Values{}
	q.Set("instId", symbol)
	q.Set("limit", strconv.Itoa(limit))
	if since > 0 {
		q.Set("before", strconv.FormatInt(since-1, 10))
	}
	var rows []okxFundingRow
	if err := o.request(ctx, http.MethodGet, "/api/v5/public/funding-rate-history", q, nil, &rows); err != nil {
		return nil, err
	}
	out := make([]FundingRate, 0, len(rows))
	for _, row := range rows {
		ts, err := strconv.ParseInt(row.FundingTime, 10, 64)
		if err != nil || ts < since {
			continue
		}
		next, _ := strconv.ParseInt(row.NextFunding, 10, 64)
		out = append(out, FundingRate{
			Timestamp:     ts,
			Rate:          parseOKXFloat(row.FundingRate),
			NextFundingTS: next,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out, nil
}

type okxTickerRow struct {
	InstID string `json:"instId"`
	Last   string `json:"last"`
	TS     string `json:"ts"`
}

type okxMarkRow struct {
	MarkPx string `json:"markPx"`
}

type okxIndexRow struct {
	IdxPx string `json:"idxPx"`
}

func (o *OKX) Ticker(ctx context.Context, symbol string) (*Ticker, error) {
	q := url.Values{}
	q.Set("instId", symbol)
	var rows []okxTickerRow
	if err := o.request(ctx, http.MethodGet, "/api/v5/market/ticker", q, nil, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("okx: empty ticker for %s", symbol)
	}
	ts, _ := strconv.ParseInt(rows[0].TS, 10, 64)
	t := &Ticker{
		Symbol:    symbol,
		Timestamp: ts,
		Last:      parseOKXFloat(rows[0].Last),
	}

	// Mark and index are best effort; the last price alone is usable.
	mq := url.Values{}
	mq.Set("instId", symbol)
	mq.Set("instType", "SWAP")
	var marks []okxMarkRow
	if err := o.request(ctx, http.MethodGet, "/api/v5/public/mark-price", mq, nil, &marks); err == nil && len(marks) > 0 {
		t.Mark = parseOKXFloat(marks[0].MarkPx)
	} else if err != nil {
		logger.Debugf("okx mark price for %s unavailable: %v", symbol, err)
	}
	iq := url.Values{}
	iq.Set("instId", indexNameFor(symbol))
	var idx []okxIndexRow
	if err := o.request(ctx, http.MethodGet, "/api/v5/market/index-tickers", iq, nil, &idx); err == nil && len(idx) > 0 {
		t.Index = parseOKXFloat(idx[0].IdxPx)
	} else if err != nil {
		logger.Debugf("okx index price for %s unavailable: %v", symbol, err)
	}
	return t, nil
}

type okxOIRow struct {
	OI    string `json:"oi"`
	OICcy string `json:"oiCcy"`
	TS    string `json:"ts"`
}

func (o *OKX) OpenInterest(ctx context.Context, symbol string) (*OpenInterest, error) {
	q := url.Values{}
	q.Set("instType", "SWAP")
	q.Set("instId", symbol)
	var rows []okxOIRow
	if err := o.request(ctx, http.MethodGet, "/api/v5/public/open-interest", q, nil, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	ts, _ := strconv.ParseInt(rows[0].TS, 10, 64)
	return &OpenInterest{
		Symbol:    symbol,
		Timestamp: ts,
		Contracts: parseOKXFloat(rows[0].OI),
		Notional:  parseOKXFloat(rows[0].OICcy),
	}, nil
}

type okxOrderAckRow struct {
	OrdID   string `json:"ordId"`
	ClOrdID string `json:"clOrdId"`
	SCode   string `json:"sCode"`
	SMsg    string `json:"sMsg"`
}

func (o *OKX) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderAck, error) {
	body := map[string]string{
		"instId":  req.Symbol,
		"tdMode":  o.cfg.TdMode,
		"clOrdId": req.ClientOrderID,
		"side":    strings.ToLower(req.Side),
		"ordType": strings.ToLower(req.Type),
		"sz":      req.Size.String(),
	}
	if req.Type == "LIMIT" {
		body["px"] = req.Price.String()
	}
	if req.ReduceOnly {
		body["reduceOnly"] = "true"
	}
	var rows []okxOrderAckRow
	if err := o.request(ctx, http.MethodPost, "/api/v5/trade/order", nil, body, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("okx: empty order ack for %s", req.ClientOrderID)
	}
	row := rows[0]
	if row.SCode != "" && row.SCode != "0" {
		return nil, &APIError{Code: row.SCode, Message: row.SMsg}
	}
	return &OrderAck{
		ExchangeOrderID: row.OrdID,
		ClientOrderID:   row.ClOrdID,
		Status:          "live",
	}, nil
}

func (o *OKX) CancelOrder(ctx context.Context, symbol, clientOrderID string) error {
	body := map[string]string{
		"instId":  symbol,
		"clOrdId": clientOrderID,
	}
	var rows []okxOrderAckRow
	if err := o.request(ctx, http.MethodPost, "/api/v5/trade/cancel-order", nil, body, &rows); err != nil {
		return err
	}
	if len(rows) > 0 && rows[0].SCode != "" && rows[0].SCode != "0" {
		return &APIError{Code: rows[0].SCode, Message: rows[0].SMsg}
	}
	return nil
}

type okxOrderRow struct {
	OrdID   string `json:"ordId"`
	ClOrdID string `json:"clOrdId"`
	InstID  string `json:"instId"`
	Side    string `json:"side"`
	State   string `json:"state"`
	Px      string `json:"px"`
	Sz      string `json:"sz"`
	AccFill string `json:"accFillSz"`
	AvgPx   string `json:"avgPx"`
	Fee     string `json:"fee"`
	UTime   string `json:"uTime"`
}

func (o *OKX) GetOrder(ctx context.Context, symbol, clientOrderID string) (*OrderState, error) {
	q := url.Values{}
	q.Set("instId", symbol)
	q.Set("clOrdId", clientOrderID)
	var rows []okxOrderRow
	err := o.request(ctx, http.MethodGet, "/api/v5/trade/order", q, nil, &rows)
	if err != nil {
		var apiErr *APIError
		// 51603: order does not exist.
		if errors.As(err, &apiErr) && apiErr.Code == "51603" {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrOrderNotFound
	}
	row := rows[0]
	updated, _ := strconv.ParseInt(row.UTime, 10, 64)
	return &OrderState{
		ExchangeOrderID: row.OrdID,
		ClientOrderID:   row.ClOrdID,
		Symbol:          row.InstID,
		Side:            strings.ToUpper(row.Side),
		Status:          row.State,
		Price:           okxDecimal(row.Px),
		Size:            okxDecimal(row.Sz),
		FilledSize:      okxDecimal(row.AccFill),
		AvgFillPrice:    okxDecimal(row.AvgPx),
		Fee:             okxDecimal(row.Fee).Abs(),
		UpdatedAt:       updated,
	}, nil
}

type okxPositionRow struct {
	InstID  string `json:"instId"`
	PosSide string `json:"posSide"`
	Pos     string `json:"pos"`
	AvgPx   string `json:"avgPx"`
	Lever   string `json:"lever"`
	Upl     string `json:"upl"`
	Margin  string `json:"margin"`
	LiqPx   string `json:"liqPx"`
	UTime   string `json:"uTime"`
}

func (o *OKX) Positions(ctx context.Context, symbol string) ([]Position, error) {
	q := url.Values{}
	q.Set("instType", "SWAP")
	if symbol != "" {
		q.Set("instId", symbol)
	}
	var rows []okxPositionRow
	if err := o.request(ctx, http.MethodGet, "/api/v5/account/positions", q, nil, &rows); err != nil {
		return nil, err
	}
	out := make([]Position, 0, len(rows))
	for _, row := range rows {
		size := okxDecimal(row.Pos)
		if size.IsZero() {
			continue
		}
		side := row.PosSide
		// Net mode reports posSide "net" with a signed size.
		if side == "net" || side == "" {
			if size.IsNegative() {
				side = "short"
			} else {
				side = "long"
			}
		}
		updated, _ := strconv.ParseInt(row.UTime, 10, 64)
		raw, _ := json.Marshal(row)
		out = append(out, Position{
			Symbol:        row.InstID,
			Side:          side,
			Size:          size.Abs(),
			EntryPrice:    okxDecimal(row.AvgPx),
			Leverage:      parseOKXFloat(row.Lever),
			UnrealizedPnL: okxDecimal(row.Upl),
			Margin:        okxDecimal(row.Margin),
			LiqPrice:      okxDecimal(row.LiqPx),
			UpdatedAt:     updated,
			Raw:           raw,
		})
	}
	return out, nil
}

type okxBalanceDetail struct {
	Ccy       string `json:"ccy"`
	Eq        string `json:"eq"`
	AvailEq   string `json:"availEq"`
	FrozenBal string `json:"frozenBal"`
}

type okxBalanceRow struct {
	UTime   string             `json:"uTime"`
	Details []okxBalanceDetail `json:"details"`
}

func (o *OKX) Balance(ctx context.Context, currency string) (*Balance, error) {
	q := url.Values{}
	if currency != "" {
		q.Set("ccy", currency)
	}
	var rows []okxBalanceRow
	if err := o.request(ctx, http.MethodGet, "/api/v5/account/balance", q, nil, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("okx: empty balance response")
	}
	updated, _ := strconv.ParseInt(rows[0].UTime, 10, 64)
	for _, d := range rows[0].Details {
		if currency != "" && d.Ccy != currency {
			continue
		}
		raw, _ := json.Marshal(d)
		return &Balance{
			Currency:  d.Ccy,
			Total:     okxDecimal(d.Eq),
			Available: okxDecimal(d.AvailEq),
			Used:      okxDecimal(d.FrozenBal),
			UpdatedAt: updated,
			Raw:       raw,
		}, nil
	}
	return &Balance{Currency: currency, UpdatedAt: updated}, nil
}

func (o *OKX) SetLeverage(ctx context.Context, symbol string, leverage float64) error {
	body := map[string]string{
		"instId":  symbol,
		"lever":   strconv.FormatFloat(leverage, 'f', -1, 64),
		"mgnMode": o.cfg.TdMode,
	}
	return o.request(ctx, http.MethodPost, "/api/v5/account/set-leverage", nil, body, nil)
}

// indexNameFor strips the -SWAP suffix: BTC-USDT-SWAP indexes on BTC-USDT.
func indexNameFor(symbol string) string {
	return strings.TrimSuffix(symbol, "-SWAP")
}

func parseOKXFloat(v string) float64 {
	f, _ := strconv.ParseFloat(strings.TrimSpace(v), 64)
	return f
}

func okxDecimal(v string) decimal.Decimal {
	d, err := decimal.NewFromString(strings.TrimSpace(v))
	if err != nil {
		return decimal.Zero
	}
	return d
}
