package domain

import (
	"context"
	"errors"
)

// ErrNoReferencePrice 连兜底数据也无法给出可用参考价
var ErrNoReferencePrice = errors.New("no usable reference price")

// PriceProvider 行情提供方端口
// 所有方法都不返回错误：上游不可用时降级为缓存或合成兜底数据
type PriceProvider interface {
	// GetPrice 获取单个标的的最新行情
	GetPrice(ctx context.Context, symbol string) *PriceQuote
	// GetPrices 批量获取行情，按标的符号索引
	GetPrices(ctx context.Context, symbols []string) map[string]*PriceQuote
	// GetMarketData 获取市场概览列表
	GetMarketData(ctx context.Context, symbols []string, limit int) []*PriceQuote
	// GetPriceHistory 获取历史 K 线
	GetPriceHistory(ctx context.Context, symbol, period string) []*Candle
}

// OrderBookProvider 订单簿提供方端口
type OrderBookProvider interface {
	// GetOrderBook 获取合成订单簿；无可用参考价时返回 ErrNoReferencePrice
	GetOrderBook(ctx context.Context, symbol string) (*OrderBook, error)
}
