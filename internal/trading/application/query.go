package application

import (
	"context"
	"fmt"

	"github.com/wyfcoding/livetrading/internal/trading/domain"
)

// PortfolioQuery 组合只读查询服务
type PortfolioQuery struct {
	ledger domain.PortfolioRepository
}

func NewPortfolioQuery(ledger domain.PortfolioRepository) *PortfolioQuery {
	return &PortfolioQuery{ledger: ledger}
}

// GetPortfolio 查询组合现金余额与版本
func (q *PortfolioQuery) GetPortfolio(ctx context.Context, portfolioID string) (*domain.Portfolio, error) {
	p, err := q.ledger.GetPortfolio(ctx, portfolioID)
	if err != nil {
		return nil, fmt.Errorf("failed to get portfolio: %w", err)
	}
	return p, nil
}

// ListHoldings 查询组合全部持仓
func (q *PortfolioQuery) ListHoldings(ctx context.Context, portfolioID string) ([]*domain.Holding, error) {
	holdings, err := q.ledger.ListHoldings(ctx, portfolioID)
	if err != nil {
		return nil, fmt.Errorf("failed to list holdings: %w", err)
	}
	return holdings, nil
}

// ListTransactions 按时间倒序查询交易记录，返回本页记录与总数
func (q *PortfolioQuery) ListTransactions(ctx context.Context, portfolioID string, limit, offset int) ([]*domain.Transaction, int64, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	txs, total, err := q.ledger.ListTransactions(ctx, portfolioID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list transactions: %w", err)
	}
	return txs, total, nil
}
