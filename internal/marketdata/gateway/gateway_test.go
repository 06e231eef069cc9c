package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wyfcoding/livetrading/internal/marketdata/domain"
)

func testConfig(baseURL string) Config {
	return Config{
		BaseURL:            baseURL,
		Timeout:            2 * time.Second,
		MinRequestInterval: 10 * time.Millisecond,
		BatchSize:          50,
		BatchDelay:         10 * time.Millisecond,
		CacheTTL:           30 * time.Second,
	}
}

func newTestGateway(t *testing.T, baseURL string) *Gateway {
	t.Helper()
	g := New(testConfig(baseURL), nil, nil, rand.New(rand.NewSource(1)))
	t.Cleanup(g.Close)
	return g
}

func quoteResponse(w http.ResponseWriter, symbols ...string) {
	type entry struct {
		Symbol    string `json:"symbol"`
		Price     string `json:"price"`
		Change24h string `json:"change_24h"`
		Volume24h string `json:"volume_24h"`
		MarketCap string `json:"market_cap"`
	}
	data := make([]entry, 0, len(symbols))
	for i, s := range symbols {
		data = append(data, entry{
			Symbol:    s,
			Price:     fmt.Sprintf("%d.5", 100*(i+1)),
			Change24h: "1.2",
			Volume24h: "100000",
			MarketCap: "900000000",
		})
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"data": data})
}

func TestGetPriceServesFallbackWhenUpstreamFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	g := newTestGateway(t, srv.URL)

	q := g.GetPrice(context.Background(), "BTC")
	require.NotNil(t, q)
	assert.Equal(t, "btc", q.Symbol)
	assert.Equal(t, domain.SourceFallback, q.Source)
	assert.True(t, q.Price.IsPositive())

	history := g.GetPriceHistory(context.Background(), "btc", "24h")
	assert.Len(t, history, 24)

	markets := g.GetMarketData(context.Background(), nil, 5)
	assert.Len(t, markets, 5)
}

func TestGetPriceCachesWithinTTL(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		quoteResponse(w, "btc")
	}))
	defer srv.Close()

	g := newTestGateway(t, srv.URL)

	first := g.GetPrice(context.Background(), "btc")
	require.Equal(t, domain.SourceUpstream, first.Source)

	second := g.GetPrice(context.Background(), "btc")
	assert.True(t, first.Price.Equal(second.Price))
	assert.Equal(t, int64(1), calls.Load(), "cached quote must not hit upstream again")
}

func TestGetPricesBatchesAndIndexesBySymbol(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		quoteResponse(w, "btc", "eth")
	}))
	defer srv.Close()

	g := newTestGateway(t, srv.URL)

	out := g.GetPrices(context.Background(), []string{"ETH", "btc", "eth"})
	require.Len(t, out, 2)
	require.NotNil(t, out["btc"])
	require.NotNil(t, out["eth"])
	assert.Equal(t, domain.SourceUpstream, out["btc"].Source)
}

func TestGetMarketDataCachesWithinTTL(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		quoteResponse(w, "btc", "eth")
	}))
	defer srv.Close()

	g := newTestGateway(t, srv.URL)

	first := g.GetMarketData(context.Background(), []string{"BTC", "eth"}, 2)
	require.Len(t, first, 2)
	assert.Equal(t, domain.SourceUpstream, first[0].Source)

	// 相同符号集与 limit 命中缓存，单次上游调用
	second := g.GetMarketData(context.Background(), []string{"btc", "ETH"}, 2)
	require.Len(t, second, 2)
	assert.Equal(t, int64(1), calls.Load(), "identical market data request within TTL must not hit upstream again")

	// limit 不同是另一个缓存键
	g.GetMarketData(context.Background(), []string{"btc", "eth"}, 5)
	assert.Equal(t, int64(2), calls.Load())
}

func TestRateLimitExhaustionDelaysWithoutDropping(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		if n == 1 {
			// 首个响应宣告配额耗尽，0.4 秒后重置
			w.Header().Set("X-RateLimit-Remaining", "0")
			w.Header().Set("X-RateLimit-Limit", "30")
			w.Header().Set("X-RateLimit-Reset", "0.4")
		} else {
			w.Header().Set("X-RateLimit-Remaining", "29")
			w.Header().Set("X-RateLimit-Limit", "30")
		}
		quoteResponse(w, "btc", "eth")
	}))
	defer srv.Close()

	g := newTestGateway(t, srv.URL)

	g.GetPrice(context.Background(), "btc")

	start := time.Now()
	q := g.GetPrice(context.Background(), "eth")
	elapsed := time.Since(start)

	require.NotNil(t, q)
	assert.Equal(t, domain.SourceUpstream, q.Source, "request after exhaustion must be delayed, not dropped")
	assert.GreaterOrEqual(t, elapsed, 300*time.Millisecond, "dispatch must wait for the window reset")
}

func TestCancelledContextFallsBackImmediately(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		quoteResponse(w, "btc")
	}))
	defer srv.Close()

	g := newTestGateway(t, srv.URL)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	q := g.GetPrice(ctx, "btc")
	require.NotNil(t, q)
	assert.Equal(t, domain.SourceFallback, q.Source)
}

func TestNormalizeSymbols(t *testing.T) {
	got := normalizeSymbols([]string{" BTC ", "eth", "btc", "", "ETH"})
	assert.Equal(t, []string{"btc", "eth"}, got)
}

func TestParseRateLimit(t *testing.T) {
	h := http.Header{}
	assert.Nil(t, parseRateLimit(h))

	h.Set("X-RateLimit-Remaining", "5")
	h.Set("X-RateLimit-Limit", "30")
	h.Set("X-RateLimit-Reset", "2.5")
	info := parseRateLimit(h)
	require.NotNil(t, info)
	assert.Equal(t, 5, info.Remaining)
	assert.Equal(t, 30, info.Limit)
	assert.WithinDuration(t, time.Now().Add(2500*time.Millisecond), info.ResetAt, 200*time.Millisecond)

	epoch := time.Now().Add(time.Minute)
	h.Set("X-RateLimit-Reset", fmt.Sprintf("%d", epoch.Unix()))
	info = parseRateLimit(h)
	require.NotNil(t, info)
	assert.WithinDuration(t, epoch, info.ResetAt, time.Second)

	h.Set("X-RateLimit-Remaining", "-3")
	info = parseRateLimit(h)
	require.NotNil(t, info)
	assert.Equal(t, 0, info.Remaining)
}

func TestFallbackHistoryShape(t *testing.T) {
	fb := newFallbackSource(rand.New(rand.NewSource(7)))

	candles := fb.History("btc", "7d")
	require.Len(t, candles, 168)
	for i, c := range candles {
		assert.True(t, c.High.GreaterThanOrEqual(c.Open), "candle %d high below open", i)
		assert.True(t, c.High.GreaterThanOrEqual(c.Close), "candle %d high below close", i)
		assert.True(t, c.Low.LessThanOrEqual(c.Open), "candle %d low above open", i)
		assert.True(t, c.Low.LessThanOrEqual(c.Close), "candle %d low above close", i)
		if i > 0 {
			assert.True(t, c.Open.Equal(candles[i-1].Close), "candle %d must open at previous close", i)
		}
	}
}
