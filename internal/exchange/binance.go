package exchange

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2/futures"
)

const binanceMaxLimit = 1500

// BinanceSource serves USDT-perp candles from Binance futures. It is a
// read-only alternate venue for backfill and cross-checks; trading always
// goes through the primary venue.
type BinanceSource struct {
	client *futures.Client
}

// NewBinanceSource builds an unauthenticated client; klines are public.
func NewBinanceSource(timeout time.Duration) *BinanceSource {
	client := futures.NewClient("", "")
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	client.HTTPClient = &http.Client{Timeout: timeout}
	return &BinanceSource{client: client}
}

func (b *BinanceSource) Name() string { return "binance" }

// FetchCandles returns closed bars with open time >= since, ascending.
// Binance includes the forming bar as the last kline; it is dropped by
// checking the close time against the clock.
func (b *BinanceSource) FetchCandles(ctx context.Context, symbol, timeframe string, since int64, limit int) ([]Candle, error) {
	if limit <= 0 || limit > binanceMaxLimit {
		limit = binanceMaxLimit
	}
	svc := b.client.NewKlinesService().
		Symbol(binanceSymbol(symbol)).
		Interval(timeframe).
		Limit(limit)
	if since > 0 {
		svc = svc.StartTime(since)
	}
	kls, err := svc.Do(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now().UnixMilli()
	out := make([]Candle, 0, len(kls))
	for _, kl := range kls {
		if kl == nil || kl.CloseTime >= now {
			continue
		}
		out = append(out, Candle{
			Timestamp: kl.OpenTime,
			Open:      parseBinanceFloat(kl.Open),
			High:      parseBinanceFloat(kl.High),
			Low:       parseBinanceFloat(kl.Low),
			Close:     parseBinanceFloat(kl.Close),
			Volume:    parseBinanceFloat(kl.Volume),
		})
	}
	return out, nil
}

// binanceSymbol converts OKX-style instrument IDs to Binance format:
// BTC-USDT-SWAP becomes BTCUSDT.
func binanceSymbol(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	s = strings.TrimSuffix(s, "-SWAP")
	return strings.ReplaceAll(s, "-", "")
}

func parseBinanceFloat(v string) float64 {
	f, _ := strconv.ParseFloat(strings.TrimSpace(v), 64)
	return f
}

var _ CandleSource = (*BinanceSource)(nil)

// FundingRateHistory is served so the source satisfies MarketData when the
// venue is binance; funding on Binance perps is public as well.
func (b *BinanceSource) FundingRateHistory(ctx context.Context, symbol string, since int64, limit int) ([]FundingRate, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	svc := b.client.NewFundingRateService().
		Symbol(binanceSymbol(symbol)).
		Limit(limit)
	if since > 0 {
		svc = svc.StartTime(since)
	}
	rows, err := svc.Do(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]FundingRate, 0, len(rows))
	for _, row := range rows {
		if row == nil || row.FundingTime < since {
			continue
		}
		out = append(out, FundingRate{
			Timestamp: row.FundingTime,
			Rate:      parseBinanceFloat(row.FundingRate),
		})
	}
	return out, nil
}

func (b *BinanceSource) Ticker(ctx context.Context, symbol string) (*Ticker, error) {
	prices, err := b.client.NewListPricesService().Symbol(binanceSymbol(symbol)).Do(ctx)
	if err != nil {
		return nil, err
	}
	if len(prices) == 0 {
		return nil, fmt.Errorf("binance: empty price for %s", symbol)
	}
	return &Ticker{
		Symbol:    symbol,
		Timestamp: time.Now().UnixMilli(),
		Last:      parseBinanceFloat(prices[0].Price),
	}, nil
}

func (b *BinanceSource) OpenInterest(ctx context.Context, symbol string) (*OpenInterest, error) {
	oi, err := b.client.NewGetOpenInterestService().Symbol(binanceSymbol(symbol)).Do(ctx)
	if err != nil {
		return nil, err
	}
	return &OpenInterest{
		Symbol:    symbol,
		Timestamp: oi.Time,
		Contracts: parseBinanceFloat(oi.OpenInterest),
	}, nil
}

var _ MarketData = (*BinanceSource)(nil)
