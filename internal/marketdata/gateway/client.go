package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// errUpstreamStatus 上游返回非 2xx 状态码
type errUpstreamStatus struct {
	code int
}

func (e *errUpstreamStatus) Error() string {
	return fmt.Sprintf("upstream returned status %d", e.code)
}

// rateLimitInfo 上游响应头携带的配额信息
type rateLimitInfo struct {
	Remaining int
	Limit     int
	ResetAt   time.Time
}

// upstreamQuote 上游行情响应条目
type upstreamQuote struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Change24h decimal.Decimal `json:"change_24h"`
	Volume24h decimal.Decimal `json:"volume_24h"`
	MarketCap decimal.Decimal `json:"market_cap"`
}

// upstreamCandle 上游 K 线响应条目
type upstreamCandle struct {
	Timestamp int64           `json:"timestamp"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
}

type quoteListResponse struct {
	Data []upstreamQuote `json:"data"`
}

type candleListResponse struct {
	Data []upstreamCandle `json:"data"`
}

// upstreamClient 上游行情 REST 客户端
type upstreamClient struct {
	baseURL string
	http    *http.Client
}

func newUpstreamClient(baseURL string, timeout time.Duration) *upstreamClient {
	return &upstreamClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// FetchPrices 拉取一批标的的现价行情
func (c *upstreamClient) FetchPrices(ctx context.Context, symbols []string) ([]upstreamQuote, *rateLimitInfo, error) {
	q := url.Values{}
	q.Set("symbols", strings.Join(symbols, ","))

	var resp quoteListResponse
	rl, err := c.getJSON(ctx, "/api/v1/prices", q, &resp)
	if err != nil {
		return nil, rl, err
	}
	return resp.Data, rl, nil
}

// FetchMarkets 拉取市场概览列表（按市值排序）
func (c *upstreamClient) FetchMarkets(ctx context.Context, symbols []string, limit int) ([]upstreamQuote, *rateLimitInfo, error) {
	q := url.Values{}
	if len(symbols) > 0 {
		q.Set("symbols", strings.Join(symbols, ","))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	var resp quoteListResponse
	rl, err := c.getJSON(ctx, "/api/v1/markets", q, &resp)
	if err != nil {
		return nil, rl, err
	}
	return resp.Data, rl, nil
}

// FetchHistory 拉取单个标的的历史 K 线
func (c *upstreamClient) FetchHistory(ctx context.Context, symbol, period string) ([]upstreamCandle, *rateLimitInfo, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("period", period)

	var resp candleListResponse
	rl, err := c.getJSON(ctx, "/api/v1/history", q, &resp)
	if err != nil {
		return nil, rl, err
	}
	return resp.Data, rl, nil
}

// getJSON 发起 GET 请求并解析 JSON，无论成败都尽量解析限流头
func (c *upstreamClient) getJSON(ctx context.Context, path string, query url.Values, dest any) (*rateLimitInfo, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build upstream request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream request failed: %w", err)
	}
	defer resp.Body.Close()

	rl := parseRateLimit(resp.Header)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, resp.Body)
		return rl, &errUpstreamStatus{code: resp.StatusCode}
	}

	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return rl, fmt.Errorf("failed to decode upstream response: %w", err)
	}
	return rl, nil
}

// parseRateLimit 解析 X-RateLimit-* 响应头；缺失时返回 nil
func parseRateLimit(h http.Header) *rateLimitInfo {
	remainingStr := h.Get("X-RateLimit-Remaining")
	if remainingStr == "" {
		return nil
	}

	remaining, err := strconv.Atoi(remainingStr)
	if err != nil {
		return nil
	}
	if remaining < 0 {
		remaining = 0
	}

	info := &rateLimitInfo{Remaining: remaining}
	if limit, err := strconv.Atoi(h.Get("X-RateLimit-Limit")); err == nil {
		info.Limit = limit
	}
	if reset, err := strconv.ParseFloat(h.Get("X-RateLimit-Reset"), 64); err == nil {
		// 小数值按 "距重置秒数" 解释，大数值按 epoch 秒解释
		if reset < 1e6 {
			info.ResetAt = time.Now().Add(time.Duration(reset * float64(time.Second)))
		} else {
			sec := int64(reset)
			nsec := int64((reset - float64(sec)) * float64(time.Second))
			info.ResetAt = time.Unix(sec, nsec)
		}
	}
	return info
}
