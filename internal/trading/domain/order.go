// Package domain 交易执行子系统的领域模型、错误与仓储接口
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide 买卖方向
type OrderSide string

const (
	SideBuy  OrderSide = "buy"
	SideSell OrderSide = "sell"
)

// OrderType 订单类型
type OrderType string

const (
	TypeMarket OrderType = "market"
	TypeLimit  OrderType = "limit"
)

// OrderStatus 订单执行状态
type OrderStatus string

const (
	// StatusFilled 全部成交
	StatusFilled OrderStatus = "filled"
	// StatusPartial 部分成交（簿内深度不足）
	StatusPartial OrderStatus = "partial"
	// StatusPending 限价未触及，等待撮合
	StatusPending OrderStatus = "pending"
	// StatusRejected 校验或定价失败，无任何变更
	StatusRejected OrderStatus = "rejected"
)

// OrderRequest 下单请求
type OrderRequest struct {
	// PortfolioID 账户组合 ID
	PortfolioID string
	// Symbol 标的符号
	Symbol string
	// Side 买卖方向
	Side OrderSide
	// Type 订单类型
	Type OrderType
	// Amount 数量，必须为正
	Amount decimal.Decimal
	// LimitPrice 限价单价格；市价单忽略
	LimitPrice decimal.Decimal
	// IdempotencyKey 幂等令牌；为空时由引擎生成
	IdempotencyKey string
}

// ExecutionResult 一次下单的执行结果
type ExecutionResult struct {
	// TransactionID 生成的交易记录 ID
	TransactionID string `json:"transaction_id"`
	// ExecutionPrice 实际成交单价
	ExecutionPrice decimal.Decimal `json:"execution_price"`
	// ExecutedAmount 实际成交数量，不超过请求数量
	ExecutedAmount decimal.Decimal `json:"executed_amount"`
	// SlippageApplied 施加的滑点比例
	SlippageApplied decimal.Decimal `json:"slippage_applied"`
	// TradingFee 手续费
	TradingFee decimal.Decimal `json:"trading_fee"`
	// NetTotal 买入为 成交额+费用，卖出为 成交额-费用
	NetTotal decimal.Decimal `json:"net_total"`
	// Status 执行状态
	Status OrderStatus `json:"order_status"`
	// Timestamp 执行时间
	Timestamp time.Time `json:"timestamp"`
}
