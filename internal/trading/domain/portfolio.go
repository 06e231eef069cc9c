package domain

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Portfolio 资金组合实体
// Version 用于乐观并发控制：同一组合的并发结算通过版本比对串行化
type Portfolio struct {
	gorm.Model
	// PortfolioID 业务主键，全局唯一
	PortfolioID string `gorm:"column:portfolio_id;type:varchar(32);uniqueIndex;not null" json:"portfolio_id"`
	// UserID 所属用户
	UserID string `gorm:"column:user_id;type:varchar(32);index;not null" json:"user_id"`
	// CashBalance 可用现金余额
	CashBalance decimal.Decimal `gorm:"column:cash_balance;type:decimal(32,18);default:0;not null" json:"cash_balance"`
	// Version 乐观锁版本号
	Version int64 `gorm:"column:version;type:bigint;default:0;not null" json:"version"`
}

func (Portfolio) TableName() string {
	return "portfolios"
}

// Holding 某标的的持仓
// 卖出后剩余数量 ≤ DustThreshold 时整条删除
type Holding struct {
	gorm.Model
	// PortfolioID 所属组合
	PortfolioID string `gorm:"column:portfolio_id;type:varchar(32);uniqueIndex:idx_portfolio_symbol;not null" json:"portfolio_id"`
	// Symbol 标的符号
	Symbol string `gorm:"column:symbol;type:varchar(20);uniqueIndex:idx_portfolio_symbol;not null" json:"symbol"`
	// Amount 持仓数量，始终 ≥ 0
	Amount decimal.Decimal `gorm:"column:amount;type:decimal(32,18);not null" json:"amount"`
	// AverageCost 加权平均成本
	AverageCost decimal.Decimal `gorm:"column:average_cost;type:decimal(32,18);not null" json:"average_cost"`
}

func (Holding) TableName() string {
	return "holdings"
}

// DustThreshold 持仓清理阈值
var DustThreshold = decimal.RequireFromString("0.00000001")

// Transaction 交易记录，落库后不可变
// pending 限价单是唯一允许的后续状态迁移
type Transaction struct {
	gorm.Model
	// TransactionID 业务主键
	TransactionID string `gorm:"column:transaction_id;type:varchar(36);uniqueIndex;not null" json:"transaction_id"`
	// IdempotencyKey 幂等令牌；重复结算通过它识别
	IdempotencyKey string `gorm:"column:idempotency_key;type:varchar(64);uniqueIndex;not null" json:"idempotency_key"`
	// PortfolioID 所属组合
	PortfolioID string `gorm:"column:portfolio_id;type:varchar(32);index;not null" json:"portfolio_id"`
	// Symbol 标的符号
	Symbol string `gorm:"column:symbol;type:varchar(20);index;not null" json:"symbol"`
	// Side 买卖方向
	Side string `gorm:"column:side;type:varchar(10);not null" json:"side"`
	// OrderType 订单类型
	OrderType string `gorm:"column:order_type;type:varchar(10);not null" json:"order_type"`
	// Amount 成交数量
	Amount decimal.Decimal `gorm:"column:amount;type:decimal(32,18);not null" json:"amount"`
	// Price 成交单价
	Price decimal.Decimal `gorm:"column:price;type:decimal(32,18);not null" json:"price"`
	// Fee 手续费
	Fee decimal.Decimal `gorm:"column:fee;type:decimal(32,18);not null" json:"fee"`
	// Total 买入为 成交额+费用，卖出为 成交额-费用
	Total decimal.Decimal `gorm:"column:total;type:decimal(32,18);not null" json:"total"`
	// Status 状态：filled, partial, pending
	Status string `gorm:"column:status;type:varchar(10);not null" json:"status"`
	// ExecutedAt 成交时间
	ExecutedAt time.Time `gorm:"column:executed_at;not null" json:"executed_at"`
}

func (Transaction) TableName() string {
	return "transactions"
}
