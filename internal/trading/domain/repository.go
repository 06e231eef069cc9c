package domain

import (
	"context"

	"github.com/shopspring/decimal"
)

// Settlement 一次成交对账本的全部变更，必须原子生效
type Settlement struct {
	// PortfolioID 目标组合
	PortfolioID string
	// ExpectedVersion 读取时的组合版本；不匹配时仓储返回 ErrVersionConflict
	ExpectedVersion int64
	// NewCashBalance 结算后的现金余额
	NewCashBalance decimal.Decimal
	// Holding 结算后的持仓状态；DeleteHolding 为真时删除该持仓
	Holding       *Holding
	DeleteHolding bool
	// Transaction 追加的交易记录
	Transaction *Transaction
}

// PortfolioRepository 账本仓储接口
// Settle 是唯一的写入口，三类变更（交易记录、持仓、现金）在一个事务内生效
type PortfolioRepository interface {
	// GetPortfolio 读取组合；不存在时返回 ErrPortfolioNotFound
	GetPortfolio(ctx context.Context, portfolioID string) (*Portfolio, error)
	// GetHolding 读取持仓；不存在时返回 (nil, nil)
	GetHolding(ctx context.Context, portfolioID, symbol string) (*Holding, error)
	// ListHoldings 列出组合的全部持仓
	ListHoldings(ctx context.Context, portfolioID string) ([]*Holding, error)
	// GetTransactionByIdempotencyKey 按幂等令牌查找交易记录；不存在时返回 (nil, nil)
	GetTransactionByIdempotencyKey(ctx context.Context, key string) (*Transaction, error)
	// ListTransactions 分页列出组合的交易记录，按时间倒序
	ListTransactions(ctx context.Context, portfolioID string, limit, offset int) ([]*Transaction, int64, error)
	// Settle 原子应用一次结算
	// 幂等令牌重复时返回 ErrDuplicateSettlement，版本不匹配时返回 ErrVersionConflict
	Settle(ctx context.Context, s *Settlement) error
	// RecordPending 仅追加一条 pending 交易记录，不触碰现金与持仓
	RecordPending(ctx context.Context, tx *Transaction) error
}

// EventPublisher 结算后事件发布端口
type EventPublisher interface {
	// PublishTradeExecuted 发布成交事件
	PublishTradeExecuted(ctx context.Context, tx *Transaction) error
	// PublishReconciliation 将结算不一致送入对账队列
	PublishReconciliation(ctx context.Context, inc *SettlementInconsistency) error
}

// SettlementInconsistency 结算不一致记录
// 账本已变更但后续步骤失败时生成，等待带外修复
type SettlementInconsistency struct {
	IdempotencyKey string `json:"idempotency_key"`
	TransactionID  string `json:"transaction_id"`
	PortfolioID    string `json:"portfolio_id"`
	Reason         string `json:"reason"`
	OccurredAt     int64  `json:"occurred_at"`
}
