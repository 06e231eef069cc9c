package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/wyfcoding/livetrading/internal/trading/domain"
	"github.com/wyfcoding/livetrading/pkg/logger"
)

// settle 资金校验与原子结算
// 版本冲突时重读账本并重试；资金校验在每次尝试中基于最新余额重新执行
func (e *Engine) settle(ctx context.Context, req *domain.OrderRequest, p *pricing) (*domain.ExecutionResult, error) {
	start := time.Now()

	var result *domain.ExecutionResult
	var lastErr error

	for attempt := 0; attempt < e.cfg.MaxSettleRetries; attempt++ {
		portfolio, err := e.ledger.GetPortfolio(ctx, req.PortfolioID)
		if err != nil {
			return nil, err
		}
		holding, err := e.ledger.GetHolding(ctx, req.PortfolioID, req.Symbol)
		if err != nil {
			return nil, err
		}

		settlement, res, err := e.buildSettlement(req, p, portfolio, holding)
		if err != nil {
			return nil, err
		}

		if err := e.ledger.Settle(ctx, settlement); err != nil {
			if errors.Is(err, domain.ErrVersionConflict) {
				lastErr = err
				continue
			}
			if errors.Is(err, domain.ErrDuplicateSettlement) {
				// 并发重放：另一次携带相同令牌的结算先落库
				if prior, lookupErr := e.ledger.GetTransactionByIdempotencyKey(ctx, req.IdempotencyKey); lookupErr == nil && prior != nil {
					return resultFromTransaction(prior), nil
				}
			}
			return nil, fmt.Errorf("settlement failed: %w", err)
		}

		result = res
		break
	}

	if result == nil {
		return nil, fmt.Errorf("settlement retries exhausted: %w", lastErr)
	}

	if e.metrics != nil {
		e.metrics.SettlementDuration.Observe(time.Since(start).Seconds())
	}

	e.afterSettle(ctx, req, result)
	return result, nil
}

// buildSettlement 基于最新账本状态推导结算变更，并做资金/持仓校验
func (e *Engine) buildSettlement(req *domain.OrderRequest, p *pricing, portfolio *domain.Portfolio, holding *domain.Holding) (*domain.Settlement, *domain.ExecutionResult, error) {
	notional := p.price.Mul(p.executed)
	fee := notional.Mul(p.feeRate)

	tx := &domain.Transaction{
		TransactionID:  uuid.New().String(),
		IdempotencyKey: req.IdempotencyKey,
		PortfolioID:    req.PortfolioID,
		Symbol:         req.Symbol,
		Side:           string(req.Side),
		OrderType:      string(req.Type),
		Amount:         p.executed,
		Price:          p.price,
		Fee:            fee,
		Status:         string(p.status),
		ExecutedAt:     time.Now(),
	}

	settlement := &domain.Settlement{
		PortfolioID:     req.PortfolioID,
		ExpectedVersion: portfolio.Version,
		Transaction:     tx,
	}

	switch req.Side {
	case domain.SideBuy:
		netTotal := notional.Add(fee)
		tx.Total = netTotal

		if netTotal.GreaterThan(portfolio.CashBalance) {
			return nil, nil, domain.ErrInsufficientFunds
		}
		settlement.NewCashBalance = portfolio.CashBalance.Sub(netTotal)

		// 加权平均成本
		oldAmt := decimal.Zero
		oldAvg := decimal.Zero
		if holding != nil {
			oldAmt = holding.Amount
			oldAvg = holding.AverageCost
		}
		newAmt := oldAmt.Add(p.executed)
		newAvg := oldAvg.Mul(oldAmt).Add(p.price.Mul(p.executed)).Div(newAmt)
		settlement.Holding = &domain.Holding{
			PortfolioID: req.PortfolioID,
			Symbol:      req.Symbol,
			Amount:      newAmt,
			AverageCost: newAvg,
		}

	case domain.SideSell:
		if holding == nil || holding.Amount.LessThan(p.executed) {
			return nil, nil, domain.ErrInsufficientHoldings
		}

		netProceeds := notional.Sub(fee)
		tx.Total = netProceeds
		settlement.NewCashBalance = portfolio.CashBalance.Add(netProceeds)

		remainder := holding.Amount.Sub(p.executed)
		if remainder.LessThanOrEqual(domain.DustThreshold) {
			settlement.DeleteHolding = true
			settlement.Holding = &domain.Holding{
				PortfolioID: req.PortfolioID,
				Symbol:      req.Symbol,
			}
		} else {
			settlement.Holding = &domain.Holding{
				PortfolioID: req.PortfolioID,
				Symbol:      req.Symbol,
				Amount:      remainder,
				AverageCost: holding.AverageCost,
			}
		}
	}

	result := &domain.ExecutionResult{
		TransactionID:   tx.TransactionID,
		ExecutionPrice:  p.price,
		ExecutedAmount:  p.executed,
		SlippageApplied: p.slippage,
		TradingFee:      fee,
		NetTotal:        tx.Total,
		Status:          p.status,
		Timestamp:       tx.ExecutedAt,
	}
	return settlement, result, nil
}

// afterSettle 结算落库后的事件发布
// 账本已变更，这里的任何失败都构成结算不一致，必须进入对账队列而不能丢弃
func (e *Engine) afterSettle(ctx context.Context, req *domain.OrderRequest, result *domain.ExecutionResult) {
	if e.publisher == nil {
		return
	}

	tx := &domain.Transaction{
		TransactionID:  result.TransactionID,
		IdempotencyKey: req.IdempotencyKey,
		PortfolioID:    req.PortfolioID,
		Symbol:         req.Symbol,
		Side:           string(req.Side),
		OrderType:      string(req.Type),
		Amount:         result.ExecutedAmount,
		Price:          result.ExecutionPrice,
		Fee:            result.TradingFee,
		Total:          result.NetTotal,
		Status:         string(result.Status),
		ExecutedAt:     result.Timestamp,
	}

	err := e.publisher.PublishTradeExecuted(ctx, tx)
	if err == nil {
		return
	}

	logger.Error(ctx, "Settlement inconsistency: ledger updated but trade event publish failed",
		"transaction_id", result.TransactionID,
		"idempotency_key", req.IdempotencyKey,
		"error", err,
	)
	if e.metrics != nil {
		e.metrics.SettlementInconsistencies.Inc()
	}

	inc := &domain.SettlementInconsistency{
		IdempotencyKey: req.IdempotencyKey,
		TransactionID:  result.TransactionID,
		PortfolioID:    req.PortfolioID,
		Reason:         "trade event publish failed: " + err.Error(),
		OccurredAt:     time.Now().UnixMilli(),
	}
	if recErr := e.publisher.PublishReconciliation(ctx, inc); recErr != nil {
		// 对账队列也不可用，只能依赖日志告警人工介入
		logger.Error(ctx, "Failed to enqueue settlement reconciliation",
			"idempotency_key", req.IdempotencyKey, "error", recErr)
	}
}
