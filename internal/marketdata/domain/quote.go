// Package domain 行情子系统的领域模型与端口接口
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// QuoteSource 行情来源
type QuoteSource string

const (
	// SourceUpstream 上游实时数据
	SourceUpstream QuoteSource = "upstream"
	// SourceCache 缓存命中
	SourceCache QuoteSource = "cache"
	// SourceFallback 上游不可用时的合成兜底数据
	SourceFallback QuoteSource = "fallback"
)

// PriceQuote 单个标的的最新行情
type PriceQuote struct {
	// Symbol 标的符号（统一小写）
	Symbol string `json:"symbol"`
	// Price 最新价格
	Price decimal.Decimal `json:"price"`
	// Change24h 24 小时涨跌幅（百分比）
	Change24h decimal.Decimal `json:"change_24h"`
	// Volume24h 24 小时成交量
	Volume24h decimal.Decimal `json:"volume_24h"`
	// MarketCap 市值
	MarketCap decimal.Decimal `json:"market_cap"`
	// Timestamp 行情时间
	Timestamp time.Time `json:"timestamp"`
	// Source 数据来源
	Source QuoteSource `json:"source"`
}

// Usable 判断行情是否可用于定价
func (q *PriceQuote) Usable() bool {
	return q != nil && q.Price.IsPositive()
}

// Candle 历史行情 K 线点
type Candle struct {
	// Timestamp 开盘时间
	Timestamp time.Time `json:"timestamp"`
	// Open 开盘价
	Open decimal.Decimal `json:"open"`
	// High 最高价
	High decimal.Decimal `json:"high"`
	// Low 最低价
	Low decimal.Decimal `json:"low"`
	// Close 收盘价
	Close decimal.Decimal `json:"close"`
	// Volume 成交量
	Volume decimal.Decimal `json:"volume"`
}
