// Package application 交易执行引擎：校验、定价、撮合与原子结算
package application

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	marketdomain "github.com/wyfcoding/livetrading/internal/marketdata/domain"
	"github.com/wyfcoding/livetrading/internal/trading/domain"
	"github.com/wyfcoding/livetrading/pkg/logger"
	"github.com/wyfcoding/livetrading/pkg/metrics"
)

var (
	hundred = decimal.NewFromInt(100)
	one     = decimal.NewFromInt(1)
)

// Config 执行引擎参数
type Config struct {
	// MinOrderAmount / MaxOrderAmount 数量允许区间
	MinOrderAmount decimal.Decimal
	MaxOrderAmount decimal.Decimal
	// TakerFeeRate 市价单费率，MakerFeeRate 限价单费率
	TakerFeeRate decimal.Decimal
	MakerFeeRate decimal.Decimal
	// BaseSlippage 基础滑点
	BaseSlippage decimal.Decimal
	// MaxPriceImpact 规模冲击上限
	MaxPriceImpact decimal.Decimal
	// MaxSettleRetries 版本冲突重试次数
	MaxSettleRetries int
}

func (c Config) withDefaults() Config {
	if c.MinOrderAmount.IsZero() {
		c.MinOrderAmount = decimal.RequireFromString("0.00000001")
	}
	if c.MaxOrderAmount.IsZero() {
		c.MaxOrderAmount = decimal.NewFromInt(1000000)
	}
	if c.TakerFeeRate.IsZero() {
		c.TakerFeeRate = decimal.RequireFromString("0.0025")
	}
	if c.MakerFeeRate.IsZero() {
		c.MakerFeeRate = decimal.RequireFromString("0.0015")
	}
	if c.BaseSlippage.IsZero() {
		c.BaseSlippage = decimal.RequireFromString("0.001")
	}
	if c.MaxPriceImpact.IsZero() {
		c.MaxPriceImpact = decimal.RequireFromString("0.05")
	}
	if c.MaxSettleRetries <= 0 {
		c.MaxSettleRetries = 3
	}
	return c
}

// Engine 订单执行引擎
// 同一组合的并发结算通过账本的乐观版本检查串行化
type Engine struct {
	cfg       Config
	ledger    domain.PortfolioRepository
	market    domain.MarketDataProvider
	publisher domain.EventPublisher
	metrics   *metrics.Metrics
}

// NewEngine 构造执行引擎；publisher 与 metrics 可为 nil
func NewEngine(cfg Config, ledger domain.PortfolioRepository, market domain.MarketDataProvider, publisher domain.EventPublisher, m *metrics.Metrics) *Engine {
	return &Engine{
		cfg:       cfg.withDefaults(),
		ledger:    ledger,
		market:    market,
		publisher: publisher,
		metrics:   m,
	}
}

// ExecuteOrder 处理一笔下单请求
// 校验或定价失败时返回错误且不产生任何账本变更
func (e *Engine) ExecuteOrder(ctx context.Context, req *domain.OrderRequest) (*domain.ExecutionResult, error) {
	req.Symbol = strings.ToLower(strings.TrimSpace(req.Symbol))

	if err := e.validateRequest(req); err != nil {
		e.countOrder(string(domain.StatusRejected))
		return nil, err
	}

	if req.IdempotencyKey == "" {
		req.IdempotencyKey = uuid.New().String()
	} else if prior, err := e.ledger.GetTransactionByIdempotencyKey(ctx, req.IdempotencyKey); err != nil {
		return nil, fmt.Errorf("failed to check idempotency key: %w", err)
	} else if prior != nil {
		// 重放：返回首次结算的结果，不再触碰账本
		logger.Info(ctx, "Settlement replayed from idempotency key",
			"idempotency_key", req.IdempotencyKey, "transaction_id", prior.TransactionID)
		return resultFromTransaction(prior), nil
	}

	book, err := e.market.GetOrderBook(ctx, req.Symbol)
	if err != nil || book == nil {
		e.countOrder(string(domain.StatusRejected))
		return nil, domain.ErrOrderUnpriceable
	}

	pricing, err := e.price(req, book)
	if err != nil {
		e.countOrder(string(domain.StatusRejected))
		return nil, err
	}

	if pricing.status == domain.StatusPending {
		if err := e.checkPendingCoverage(ctx, req); err != nil {
			e.countOrder(string(domain.StatusRejected))
			return nil, err
		}
		return e.recordPending(ctx, req)
	}

	result, err := e.settle(ctx, req, pricing)
	if err != nil {
		e.countOrder(string(domain.StatusRejected))
		return nil, err
	}

	e.countOrder(string(result.Status))
	return result, nil
}

// pricing 定价结果
type pricing struct {
	price    decimal.Decimal
	executed decimal.Decimal
	slippage decimal.Decimal
	feeRate  decimal.Decimal
	status   domain.OrderStatus
}

// validateRequest 请求形参校验，不含资金检查
func (e *Engine) validateRequest(req *domain.OrderRequest) error {
	switch req.Side {
	case domain.SideBuy, domain.SideSell:
	default:
		return domain.ErrInvalidSide
	}
	switch req.Type {
	case domain.TypeMarket, domain.TypeLimit:
	default:
		return domain.ErrInvalidOrderType
	}
	if req.Amount.LessThan(e.cfg.MinOrderAmount) || req.Amount.GreaterThan(e.cfg.MaxOrderAmount) {
		return domain.ErrInvalidAmount
	}
	if req.Type == domain.TypeLimit && !req.LimitPrice.IsPositive() {
		return domain.ErrLimitPriceRequired
	}
	return nil
}

// price 对照合成订单簿定价
//
// 市价单：买方按 bestAsk×(1+slippage)、卖方按 bestBid×(1−slippage) 成交，
// 滑点随数量增长且有上限；成交量受单边深度约束。
// 限价单：穿越簿面时按簿面价即时成交（非申报价），否则挂起。
func (e *Engine) price(req *domain.OrderRequest, book *marketdomain.OrderBook) (*pricing, error) {
	bestBid, hasBid := book.BestBid()
	bestAsk, hasAsk := book.BestAsk()
	if !hasBid || !hasAsk {
		return nil, domain.ErrOrderUnpriceable
	}

	switch req.Type {
	case domain.TypeMarket:
		slip := e.slippage(req.Amount)
		var price decimal.Decimal
		var depth decimal.Decimal
		if req.Side == domain.SideBuy {
			price = bestAsk.Price.Mul(one.Add(slip))
			depth = marketdomain.DepthAmount(book.Asks)
		} else {
			price = bestBid.Price.Mul(one.Sub(slip))
			depth = marketdomain.DepthAmount(book.Bids)
		}

		executed := decimal.Min(req.Amount, depth)
		if !executed.IsPositive() {
			return nil, domain.ErrOrderUnpriceable
		}
		status := domain.StatusFilled
		if executed.LessThan(req.Amount) {
			status = domain.StatusPartial
		}
		return &pricing{
			price:    price,
			executed: executed,
			slippage: slip,
			feeRate:  e.cfg.TakerFeeRate,
			status:   status,
		}, nil

	case domain.TypeLimit:
		var crosses bool
		var price decimal.Decimal
		var depth decimal.Decimal
		if req.Side == domain.SideBuy {
			crosses = req.LimitPrice.GreaterThanOrEqual(bestAsk.Price)
			price = bestAsk.Price
			depth = marketdomain.DepthAmount(book.Asks)
		} else {
			crosses = req.LimitPrice.LessThanOrEqual(bestBid.Price)
			price = bestBid.Price
			depth = marketdomain.DepthAmount(book.Bids)
		}
		if !crosses {
			return &pricing{status: domain.StatusPending}, nil
		}

		executed := decimal.Min(req.Amount, depth)
		if !executed.IsPositive() {
			return &pricing{status: domain.StatusPending}, nil
		}
		status := domain.StatusFilled
		if executed.LessThan(req.Amount) {
			status = domain.StatusPartial
		}
		return &pricing{
			price:    price,
			executed: executed,
			slippage: decimal.Zero,
			feeRate:  e.cfg.MakerFeeRate,
			status:   status,
		}, nil
	}

	return nil, domain.ErrInvalidOrderType
}

// slippage 基础滑点加规模冲击，冲击项封顶
func (e *Engine) slippage(amount decimal.Decimal) decimal.Decimal {
	impact := decimal.Min(amount.Div(hundred).Mul(e.cfg.BaseSlippage), e.cfg.MaxPriceImpact)
	return e.cfg.BaseSlippage.Add(impact)
}

// checkPendingCoverage 挂单前的资金/持仓覆盖校验
// 买方按申报价加 maker 费率估算占用，卖方要求持仓足额；不通过则拒单，不落 pending
func (e *Engine) checkPendingCoverage(ctx context.Context, req *domain.OrderRequest) error {
	if req.Side == domain.SideBuy {
		portfolio, err := e.ledger.GetPortfolio(ctx, req.PortfolioID)
		if err != nil {
			return err
		}
		required := req.Amount.Mul(req.LimitPrice).Mul(one.Add(e.cfg.MakerFeeRate))
		if required.GreaterThan(portfolio.CashBalance) {
			return domain.ErrInsufficientFunds
		}
		return nil
	}

	holding, err := e.ledger.GetHolding(ctx, req.PortfolioID, req.Symbol)
	if err != nil {
		return fmt.Errorf("failed to load holding: %w", err)
	}
	if holding == nil || holding.Amount.LessThan(req.Amount) {
		return domain.ErrInsufficientHoldings
	}
	return nil
}

// recordPending 追加 pending 交易记录，不触碰现金与持仓
func (e *Engine) recordPending(ctx context.Context, req *domain.OrderRequest) (*domain.ExecutionResult, error) {
	tx := &domain.Transaction{
		TransactionID:  uuid.New().String(),
		IdempotencyKey: req.IdempotencyKey,
		PortfolioID:    req.PortfolioID,
		Symbol:         req.Symbol,
		Side:           string(req.Side),
		OrderType:      string(req.Type),
		Amount:         req.Amount,
		Price:          req.LimitPrice,
		Fee:            decimal.Zero,
		Total:          decimal.Zero,
		Status:         string(domain.StatusPending),
		ExecutedAt:     time.Now(),
	}

	if err := e.ledger.RecordPending(ctx, tx); err != nil {
		if errors.Is(err, domain.ErrDuplicateSettlement) {
			if prior, lookupErr := e.ledger.GetTransactionByIdempotencyKey(ctx, req.IdempotencyKey); lookupErr == nil && prior != nil {
				return resultFromTransaction(prior), nil
			}
		}
		e.countOrder(string(domain.StatusRejected))
		return nil, fmt.Errorf("failed to record pending order: %w", err)
	}

	e.countOrder(string(domain.StatusPending))
	logger.Info(ctx, "Limit order recorded as pending",
		"transaction_id", tx.TransactionID, "symbol", req.Symbol, "limit_price", req.LimitPrice)

	return &domain.ExecutionResult{
		TransactionID:   tx.TransactionID,
		ExecutionPrice:  decimal.Zero,
		ExecutedAmount:  decimal.Zero,
		SlippageApplied: decimal.Zero,
		TradingFee:      decimal.Zero,
		NetTotal:        decimal.Zero,
		Status:          domain.StatusPending,
		Timestamp:       tx.ExecutedAt,
	}, nil
}

func (e *Engine) countOrder(status string) {
	if e.metrics != nil {
		e.metrics.OrdersTotal.WithLabelValues(status).Inc()
	}
}

func resultFromTransaction(tx *domain.Transaction) *domain.ExecutionResult {
	executed := tx.Amount
	if tx.Status == string(domain.StatusPending) {
		executed = decimal.Zero
	}
	return &domain.ExecutionResult{
		TransactionID:   tx.TransactionID,
		ExecutionPrice:  tx.Price,
		ExecutedAmount:  executed,
		SlippageApplied: decimal.Zero,
		TradingFee:      tx.Fee,
		NetTotal:        tx.Total,
		Status:          domain.OrderStatus(tx.Status),
		Timestamp:       tx.ExecutedAt,
	}
}
