package market

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// BinanceSource reads public market data from the Binance REST API.
// Only unauthenticated endpoints are used.
type BinanceSource struct {
	baseURL    string
	httpClient *http.Client
}

// NewBinanceSource creates a price source against the given base URL
// (e.g. https://api.binance.com).
func NewBinanceSource(baseURL string) *BinanceSource {
	return &BinanceSource{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *BinanceSource) get(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error fetching %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("error reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error: %s", string(body))
	}
	return body, nil
}

// CurrentPrice returns the latest trade price for a symbol.
func (s *BinanceSource) CurrentPrice(ctx context.Context, symbol string) (float64, error) {
	params := url.Values{}
	params.Set("symbol", symbol)

	body, err := s.get(ctx, fmt.Sprintf("%s/api/v3/ticker/price?%s", s.baseURL, params.Encode()))
	if err != nil {
		return 0, err
	}

	var ticker struct {
		Symbol string `json:"symbol"`
		Price  string `json:"price"`
	}
	if err := json.Unmarshal(body, &ticker); err != nil {
		return 0, fmt.Errorf("error parsing price: %w", err)
	}

	price, err := strconv.ParseFloat(ticker.Price, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid price %q for %s: %w", ticker.Price, symbol, err)
	}
	return price, nil
}

// TopSymbols returns the highest-volume USDT pairs.
func (s *BinanceSource) TopSymbols(ctx context.Context, limit int) ([]Ticker24hr, error) {
	body, err := s.get(ctx, fmt.Sprintf("%s/api/v3/ticker/24hr", s.baseURL))
	if err != nil {
		return nil, err
	}

	var tickers []Ticker24hr
	if err := json.Unmarshal(body, &tickers); err != nil {
		return nil, fmt.Errorf("error parsing tickers: %w", err)
	}

	filtered := make([]Ticker24hr, 0, limit)
	for _, t := range tickers {
		if strings.HasSuffix(t.Symbol, "USDT") {
			filtered = append(filtered, t)
		}
	}
	sort.Slice(filtered, func(i, j int) bool {
		return filtered[i].QuoteVolume > filtered[j].QuoteVolume
	})
	if len(filtered) > limit {
		filtered = filtered[:limit]
	}
	return filtered, nil
}

// Klines fetches candlestick data
func (s *BinanceSource) Klines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", interval)
	params.Set("limit", strconv.Itoa(limit))

	body, err := s.get(ctx, fmt.Sprintf("%s/api/v3/klines?%s", s.baseURL, params.Encode()))
	if err != nil {
		return nil, err
	}

	var rawKlines [][]interface{}
	if err := json.Unmarshal(body, &rawKlines); err != nil {
		return nil, fmt.Errorf("error parsing klines: %w", err)
	}

	klines := make([]Kline, len(rawKlines))
	for i, raw := range rawKlines {
		if len(raw) < 7 {
			return nil, fmt.Errorf("malformed kline at index %d", i)
		}
		openTime, ok := parseMillis(raw[0])
		if !ok {
			return nil, fmt.Errorf("malformed kline open time at index %d", i)
		}
		closeTime, ok := parseMillis(raw[6])
		if !ok {
			return nil, fmt.Errorf("malformed kline close time at index %d", i)
		}
		klines[i] = Kline{
			OpenTime:  openTime,
			Open:      parseFloat(raw[1]),
			High:      parseFloat(raw[2]),
			Low:       parseFloat(raw[3]),
			Close:     parseFloat(raw[4]),
			Volume:    parseFloat(raw[5]),
			CloseTime: closeTime,
		}
	}
	return klines, nil
}

func parseMillis(val interface{}) (int64, bool) {
	f, ok := val.(float64)
	if !ok {
		return 0, false
	}
	return int64(f), true
}

func parseFloat(val interface{}) float64 {
	switch v := val.(type) {
	case string:
		f, _ := strconv.ParseFloat(v, 64)
		return f
	case float64:
		return v
	default:
		return 0
	}
}
