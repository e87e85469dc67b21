package exchange

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// SimVenue is a deterministic in-memory venue. Tests and the simulated
// executor drive it directly: candles are preloaded, orders acknowledge
// instantly and fill when told to.
type SimVenue struct {
	mu       sync.Mutex
	candles  map[string][]Candle // keyed by symbol|timeframe
	funding  map[string][]FundingRate
	ticker   map[string]Ticker
	orders   map[string]*OrderState // keyed by client order ID
	position map[string]Position
	balance  map[string]Balance
	leverage map[string]float64

	// FailNextPlace simulates a venue outage on the next submission.
	FailNextPlace error
	// AckOnly leaves new orders in "live" until FillOrder is called.
	AckOnly bool
}

func NewSimVenue() *SimVenue {
	return &SimVenue{
		candles:  make(map[string][]Candle),
		funding:  make(map[string][]FundingRate),
		ticker:   make(map[string]Ticker),
		orders:   make(map[string]*OrderState),
		position: make(map[string]Position),
		balance:  make(map[string]Balance),
		leverage: make(map[string]float64),
	}
}

func (s *SimVenue) Name() string { return "sim" }

func simKey(symbol, timeframe string) string { return symbol + "|" + timeframe }

// LoadCandles preloads bars for FetchCandles; they must be ascending.
func (s *SimVenue) LoadCandles(symbol, timeframe string, candles []Candle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.candles[simKey(symbol, timeframe)] = append([]Candle(nil), candles...)
}

func (s *SimVenue) LoadFunding(symbol string, rates []FundingRate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.funding[symbol] = append([]FundingRate(nil), rates...)
}

func (s *SimVenue) SetTicker(t Ticker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ticker[t.Symbol] = t
}

func (s *SimVenue) SetBalance(b Balance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balance[b.Currency] = b
}

func (s *SimVenue) SetPosition(p Position) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.Size.IsZero() {
		delete(s.position, p.Symbol)
		return
	}
	s.position[p.Symbol] = p
}

func (s *SimVenue) FetchCandles(ctx context.Context, symbol, timeframe string, since int64, limit int) ([]Candle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Candle
	for _, c := range s.candles[simKey(symbol, timeframe)] {
		if c.Timestamp >= since {
			out = append(out, c)
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *SimVenue) FundingRateHistory(ctx context.Context, symbol string, since int64, limit int) ([]FundingRate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []FundingRate
	for _, r := range s.funding[symbol] {
		if r.Timestamp >= since {
			out = append(out, r)
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *SimVenue) Ticker(ctx context.Context, symbol string) (*Ticker, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.ticker[symbol]
	if !ok {
		return nil, fmt.Errorf("sim: no ticker for %s", symbol)
	}
	return &t, nil
}

func (s *SimVenue) OpenInterest(ctx context.Context, symbol string) (*OpenInterest, error) {
	return nil, nil
}

func (s *SimVenue) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderAck, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailNextPlace != nil {
		err := s.FailNextPlace
		s.FailNextPlace = nil
		return nil, err
	}
	if existing, ok := s.orders[req.ClientOrderID]; ok {
		// Idempotent resubmission returns the original order.
		return &OrderAck{
			ExchangeOrderID: existing.ExchangeOrderID,
			ClientOrderID:   existing.ClientOrderID,
			Status:          existing.Status,
		}, nil
	}
	state := &OrderState{
		ExchangeOrderID: fmt.Sprintf("sim-%d", len(s.orders)+1),
		ClientOrderID:   req.ClientOrderID,
		Symbol:          req.Symbol,
		Side:            strings.ToUpper(req.Side),
		Status:          "live",
		Price:           req.Price,
		Size:            req.Size,
		UpdatedAt:       time.Now().UnixMilli(),
	}
	s.orders[req.ClientOrderID] = state
	if !s.AckOnly {
		state.Status = "filled"
		state.FilledSize = req.Size
		if req.Price.IsZero() {
			if t, ok := s.ticker[req.Symbol]; ok {
				state.AvgFillPrice = decimal.NewFromFloat(t.Last)
			}
		} else {
			state.AvgFillPrice = req.Price
		}
	}
	return &OrderAck{
		ExchangeOrderID: state.ExchangeOrderID,
		ClientOrderID:   state.ClientOrderID,
		Status:          state.Status,
	}, nil
}

// FillOrder applies a (partial) fill to a resting order.
func (s *SimVenue) FillOrder(clientOrderID string, qty, price decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.orders[clientOrderID]
	if !ok {
		return ErrOrderNotFound
	}
	state.FilledSize = state.FilledSize.Add(qty)
	state.AvgFillPrice = price
	state.UpdatedAt = time.Now().UnixMilli()
	if state.FilledSize.GreaterThanOrEqual(state.Size) {
		state.Status = "filled"
	} else {
		state.Status = "partially_filled"
	}
	return nil
}

func (s *SimVenue) CancelOrder(ctx context.Context, symbol, clientOrderID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.orders[clientOrderID]
	if !ok {
		return ErrOrderNotFound
	}
	if state.Status == "filled" || state.Status == "canceled" {
		return &APIError{Code: "sim-terminal", Message: "order already terminal"}
	}
	state.Status = "canceled"
	state.UpdatedAt = time.Now().UnixMilli()
	return nil
}

func (s *SimVenue) GetOrder(ctx context.Context, symbol, clientOrderID string) (*OrderState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.orders[clientOrderID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	copied := *state
	return &copied, nil
}

func (s *SimVenue) Positions(ctx context.Context, symbol string) ([]Position, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Position
	for _, p := range s.position {
		if symbol == "" || p.Symbol == symbol {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *SimVenue) Balance(ctx context.Context, currency string) (*Balance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.balance[currency]
	if !ok {
		return &Balance{Currency: currency}, nil
	}
	return &b, nil
}

func (s *SimVenue) SetLeverage(ctx context.Context, symbol string, leverage float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leverage[symbol] = leverage
	return nil
}

var _ Venue = (*SimVenue)(nil)
