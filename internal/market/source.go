// Package market provides read-only market data access.
package market

import (
	"context"
)

// Kline represents a candlestick
type Kline struct {
	OpenTime  int64   `json:"openTime"`
	Open      float64 `json:"open,string"`
	High      float64 `json:"high,string"`
	Low       float64 `json:"low,string"`
	Close     float64 `json:"close,string"`
	Volume    float64 `json:"volume,string"`
	CloseTime int64   `json:"closeTime"`
}

// Ticker24hr represents 24hr ticker price change statistics
type Ticker24hr struct {
	Symbol             string  `json:"symbol"`
	PriceChangePercent float64 `json:"priceChangePercent,string"`
	LastPrice          float64 `json:"lastPrice,string"`
	QuoteVolume        float64 `json:"quoteVolume,string"`
}

// PriceSource supplies the market data the trading cycle consumes.
type PriceSource interface {
	// CurrentPrice returns the latest trade price for a symbol.
	CurrentPrice(ctx context.Context, symbol string) (float64, error)
	// TopSymbols returns up to limit USDT-quoted symbols ranked by
	// 24h quote volume.
	TopSymbols(ctx context.Context, limit int) ([]Ticker24hr, error)
	// Klines fetches candlestick data for one symbol.
	Klines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error)
}
