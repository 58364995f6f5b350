package market

import (
	"context"
	"fmt"
	"sync"
)

// MockSource is an in-memory PriceSource for tests and paper runs
// without network access.
type MockSource struct {
	mu      sync.RWMutex
	prices  map[string]float64
	klines  map[string][]Kline
	tickers []Ticker24hr
}

// NewMockSource creates an empty mock source.
func NewMockSource() *MockSource {
	return &MockSource{
		prices: make(map[string]float64),
		klines: make(map[string][]Kline),
	}
}

// SetPrice sets the current price for a symbol.
func (m *MockSource) SetPrice(symbol string, price float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices[symbol] = price
}

// SetKlines sets the candles returned for a symbol.
func (m *MockSource) SetKlines(symbol string, klines []Kline) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.klines[symbol] = klines
}

// SetTickers sets the ticker list returned by TopSymbols.
func (m *MockSource) SetTickers(tickers []Ticker24hr) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tickers = tickers
}

func (m *MockSource) CurrentPrice(ctx context.Context, symbol string) (float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	price, ok := m.prices[symbol]
	if !ok {
		return 0, fmt.Errorf("no price for symbol %s", symbol)
	}
	return price, nil
}

func (m *MockSource) TopSymbols(ctx context.Context, limit int) ([]Ticker24hr, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit > len(m.tickers) {
		limit = len(m.tickers)
	}
	out := make([]Ticker24hr, limit)
	copy(out, m.tickers[:limit])
	return out, nil
}

func (m *MockSource) Klines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	klines, ok := m.klines[symbol]
	if !ok {
		return nil, fmt.Errorf("no klines for symbol %s", symbol)
	}
	if limit > len(klines) {
		limit = len(klines)
	}
	return klines[:limit], nil
}
