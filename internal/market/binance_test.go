package market

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func klineServer(t *testing.T, payload string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v3/klines" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(payload))
	}))
}

func TestKlinesParsesValidPayload(t *testing.T) {
	srv := klineServer(t, `[
		[1700000000000, "100.5", "101.0", "99.5", "100.8", "1234.5", 1700003599999],
		[1700003600000, "100.8", "102.0", "100.0", "101.2", "2345.6", 1700007199999]
	]`)
	defer srv.Close()

	klines, err := NewBinanceSource(srv.URL).Klines(context.Background(), "BTCUSDT", "1h", 2)
	if err != nil {
		t.Fatalf("Klines: %v", err)
	}
	if len(klines) != 2 {
		t.Fatalf("got %d klines, want 2", len(klines))
	}
	if klines[0].OpenTime != 1700000000000 || klines[0].Close != 100.8 {
		t.Errorf("first kline = %+v", klines[0])
	}
	if klines[1].CloseTime != 1700007199999 {
		t.Errorf("second kline close time = %d", klines[1].CloseTime)
	}
}

func TestKlinesRejectsMalformedTimestamps(t *testing.T) {
	cases := []struct {
		name    string
		payload string
	}{
		{"string open time", `[["not-a-time", "100", "101", "99", "100", "10", 1700003599999]]`},
		{"null close time", `[[1700000000000, "100", "101", "99", "100", "10", null]]`},
		{"short row", `[[1700000000000, "100", "101"]]`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := klineServer(t, tc.payload)
			defer srv.Close()

			_, err := NewBinanceSource(srv.URL).Klines(context.Background(), "BTCUSDT", "1h", 1)
			if err == nil {
				t.Fatal("expected an error for malformed kline payload")
			}
		})
	}
}
