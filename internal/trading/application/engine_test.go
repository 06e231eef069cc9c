package application

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	marketdomain "github.com/wyfcoding/livetrading/internal/marketdata/domain"
	"github.com/wyfcoding/livetrading/internal/trading/domain"
)

// fakeLedger 内存账本，按仓储语义实现版本比对与幂等检查
type fakeLedger struct {
	mu         sync.Mutex
	portfolios map[string]*domain.Portfolio
	holdings   map[string]*domain.Holding
	txns       map[string]*domain.Transaction

	// conflictsLeft 前 N 次 Settle 强制返回版本冲突
	conflictsLeft int
	settleCalls   int
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		portfolios: make(map[string]*domain.Portfolio),
		holdings:   make(map[string]*domain.Holding),
		txns:       make(map[string]*domain.Transaction),
	}
}

func (l *fakeLedger) addPortfolio(id string, cash string) {
	l.portfolios[id] = &domain.Portfolio{
		PortfolioID: id,
		UserID:      "u-" + id,
		CashBalance: decimal.RequireFromString(cash),
	}
}

func holdingKey(pid, symbol string) string { return pid + "|" + symbol }

func (l *fakeLedger) GetPortfolio(ctx context.Context, portfolioID string) (*domain.Portfolio, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.portfolios[portfolioID]
	if !ok {
		return nil, domain.ErrPortfolioNotFound
	}
	cp := *p
	return &cp, nil
}

func (l *fakeLedger) GetHolding(ctx context.Context, portfolioID, symbol string) (*domain.Holding, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	h, ok := l.holdings[holdingKey(portfolioID, symbol)]
	if !ok {
		return nil, nil
	}
	cp := *h
	return &cp, nil
}

func (l *fakeLedger) ListHoldings(ctx context.Context, portfolioID string) ([]*domain.Holding, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*domain.Holding
	for _, h := range l.holdings {
		if h.PortfolioID == portfolioID {
			cp := *h
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (l *fakeLedger) GetTransactionByIdempotencyKey(ctx context.Context, key string) (*domain.Transaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	tx, ok := l.txns[key]
	if !ok {
		return nil, nil
	}
	cp := *tx
	return &cp, nil
}

func (l *fakeLedger) ListTransactions(ctx context.Context, portfolioID string, limit, offset int) ([]*domain.Transaction, int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*domain.Transaction
	for _, tx := range l.txns {
		if tx.PortfolioID == portfolioID {
			cp := *tx
			out = append(out, &cp)
		}
	}
	return out, int64(len(out)), nil
}

func (l *fakeLedger) Settle(ctx context.Context, s *domain.Settlement) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.settleCalls++
	if l.conflictsLeft > 0 {
		l.conflictsLeft--
		// 模拟另一笔并发结算抢先提交
		l.portfolios[s.PortfolioID].Version++
		return domain.ErrVersionConflict
	}

	if _, ok := l.txns[s.Transaction.IdempotencyKey]; ok {
		return domain.ErrDuplicateSettlement
	}
	p, ok := l.portfolios[s.PortfolioID]
	if !ok {
		return domain.ErrPortfolioNotFound
	}
	if p.Version != s.ExpectedVersion {
		return domain.ErrVersionConflict
	}

	l.txns[s.Transaction.IdempotencyKey] = s.Transaction
	if s.DeleteHolding {
		delete(l.holdings, holdingKey(s.PortfolioID, s.Holding.Symbol))
	} else if s.Holding != nil {
		cp := *s.Holding
		l.holdings[holdingKey(s.PortfolioID, s.Holding.Symbol)] = &cp
	}
	p.CashBalance = s.NewCashBalance
	p.Version++
	return nil
}

func (l *fakeLedger) RecordPending(ctx context.Context, tx *domain.Transaction) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.txns[tx.IdempotencyKey]; ok {
		return domain.ErrDuplicateSettlement
	}
	l.txns[tx.IdempotencyKey] = tx
	return nil
}

// fakeMarket 固定订单簿的行情桩
type fakeMarket struct {
	book *marketdomain.OrderBook
	err  error
}

func (m *fakeMarket) GetOrderBook(ctx context.Context, symbol string) (*marketdomain.OrderBook, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.book, nil
}

// testBook 以 100 为中间价、单边深度 10 的簿
func testBook() *marketdomain.OrderBook {
	lvl := func(price string, amount string) marketdomain.OrderBookLevel {
		return marketdomain.OrderBookLevel{
			Price:  decimal.RequireFromString(price),
			Amount: decimal.RequireFromString(amount),
		}
	}
	return &marketdomain.OrderBook{
		Symbol:     "btc",
		Bids:       []marketdomain.OrderBookLevel{lvl("99.9", "5"), lvl("99.8", "5")},
		Asks:       []marketdomain.OrderBookLevel{lvl("100", "5"), lvl("100.1", "5")},
		Spread:     decimal.RequireFromString("0.1"),
		LastUpdate: time.Now(),
	}
}

func testEngineConfig() Config {
	return Config{
		MinOrderAmount: decimal.RequireFromString("0.00000001"),
		MaxOrderAmount: decimal.NewFromInt(1000000),
		TakerFeeRate:   decimal.RequireFromString("0.001"),
		MakerFeeRate:   decimal.RequireFromString("0.0005"),
		BaseSlippage:   decimal.RequireFromString("0.001"),
		MaxPriceImpact: decimal.RequireFromString("0.05"),
	}
}

func newTestEngine(cfg Config, ledger *fakeLedger, market *fakeMarket) *Engine {
	return NewEngine(cfg, ledger, market, nil, nil)
}

func TestMarketBuyAppliesSlippageAndFee(t *testing.T) {
	ledger := newFakeLedger()
	ledger.addPortfolio("p1", "100000")
	engine := newTestEngine(testEngineConfig(), ledger, &fakeMarket{book: testBook()})

	result, err := engine.ExecuteOrder(context.Background(), &domain.OrderRequest{
		PortfolioID: "p1",
		Symbol:      "BTC",
		Side:        domain.SideBuy,
		Type:        domain.TypeMarket,
		Amount:      decimal.NewFromInt(1),
	})
	require.NoError(t, err)

	// slippage = 0.001 + min(1/100 × 0.001, 0.05) = 0.00101
	// price = 100 × 1.00101
	assert.True(t, result.ExecutionPrice.Equal(decimal.RequireFromString("100.101")),
		"execution price = %s", result.ExecutionPrice)
	assert.True(t, result.ExecutedAmount.Equal(decimal.NewFromInt(1)))
	assert.True(t, result.SlippageApplied.Equal(decimal.RequireFromString("0.00101")))
	assert.True(t, result.TradingFee.Equal(decimal.RequireFromString("0.100101")),
		"fee = %s", result.TradingFee)
	assert.True(t, result.NetTotal.Equal(decimal.RequireFromString("100.201101")),
		"net total = %s", result.NetTotal)
	assert.Equal(t, domain.StatusFilled, result.Status)

	p, _ := ledger.GetPortfolio(context.Background(), "p1")
	assert.True(t, p.CashBalance.Equal(decimal.RequireFromString("99899.798899")),
		"cash = %s", p.CashBalance)
	h, _ := ledger.GetHolding(context.Background(), "p1", "btc")
	require.NotNil(t, h)
	assert.True(t, h.Amount.Equal(decimal.NewFromInt(1)))
	assert.True(t, h.AverageCost.Equal(decimal.RequireFromString("100.101")))
}

func TestMarketBuyRejectedOnInsufficientFunds(t *testing.T) {
	ledger := newFakeLedger()
	ledger.addPortfolio("p1", "10")
	engine := newTestEngine(testEngineConfig(), ledger, &fakeMarket{book: testBook()})

	_, err := engine.ExecuteOrder(context.Background(), &domain.OrderRequest{
		PortfolioID: "p1",
		Symbol:      "btc",
		Side:        domain.SideBuy,
		Type:        domain.TypeMarket,
		Amount:      decimal.NewFromInt(1),
	})
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)

	p, _ := ledger.GetPortfolio(context.Background(), "p1")
	assert.True(t, p.CashBalance.Equal(decimal.NewFromInt(10)), "rejected order must not touch the ledger")
	assert.Empty(t, ledger.txns)
}

func TestMarketOrderPartialFillAtDepthLimit(t *testing.T) {
	ledger := newFakeLedger()
	ledger.addPortfolio("p1", "100000")
	book := testBook()
	book.Asks = book.Asks[:1]
	book.Asks[0].Amount = decimal.RequireFromString("0.5")
	engine := newTestEngine(testEngineConfig(), ledger, &fakeMarket{book: book})

	result, err := engine.ExecuteOrder(context.Background(), &domain.OrderRequest{
		PortfolioID: "p1",
		Symbol:      "btc",
		Side:        domain.SideBuy,
		Type:        domain.TypeMarket,
		Amount:      decimal.NewFromInt(2),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPartial, result.Status)
	assert.True(t, result.ExecutedAmount.Equal(decimal.RequireFromString("0.5")))
}

func TestLimitBuyCrossingFillsAtBookPrice(t *testing.T) {
	ledger := newFakeLedger()
	ledger.addPortfolio("p1", "100000")
	engine := newTestEngine(testEngineConfig(), ledger, &fakeMarket{book: testBook()})

	result, err := engine.ExecuteOrder(context.Background(), &domain.OrderRequest{
		PortfolioID: "p1",
		Symbol:      "btc",
		Side:        domain.SideBuy,
		Type:        domain.TypeLimit,
		Amount:      decimal.NewFromInt(1),
		LimitPrice:  decimal.NewFromInt(105),
	})
	require.NoError(t, err)

	// 穿越簿面：按簿面价成交而非申报价，费率按 maker 计
	assert.Equal(t, domain.StatusFilled, result.Status)
	assert.True(t, result.ExecutionPrice.Equal(decimal.NewFromInt(100)),
		"execution price = %s", result.ExecutionPrice)
	assert.True(t, result.SlippageApplied.IsZero())
	assert.True(t, result.TradingFee.Equal(decimal.RequireFromString("0.05")))
}

func TestLimitBuyNonCrossingGoesPending(t *testing.T) {
	ledger := newFakeLedger()
	ledger.addPortfolio("p1", "100000")
	engine := newTestEngine(testEngineConfig(), ledger, &fakeMarket{book: testBook()})

	result, err := engine.ExecuteOrder(context.Background(), &domain.OrderRequest{
		PortfolioID: "p1",
		Symbol:      "btc",
		Side:        domain.SideBuy,
		Type:        domain.TypeLimit,
		Amount:      decimal.NewFromInt(1),
		LimitPrice:  decimal.NewFromInt(95),
	})
	require.NoError(t, err)

	assert.Equal(t, domain.StatusPending, result.Status)
	assert.True(t, result.ExecutedAmount.IsZero())
	assert.True(t, result.NetTotal.IsZero())

	p, _ := ledger.GetPortfolio(context.Background(), "p1")
	assert.True(t, p.CashBalance.Equal(decimal.NewFromInt(100000)), "pending order must not move cash")
	require.Len(t, ledger.txns, 1)
	for _, tx := range ledger.txns {
		assert.Equal(t, string(domain.StatusPending), tx.Status)
	}
}

func TestPendingLimitBuyRejectedOnInsufficientFunds(t *testing.T) {
	ledger := newFakeLedger()
	ledger.addPortfolio("p1", "50")
	engine := newTestEngine(testEngineConfig(), ledger, &fakeMarket{book: testBook()})

	// 非穿越限价买单也要覆盖 数量×申报价×(1+maker费率)
	_, err := engine.ExecuteOrder(context.Background(), &domain.OrderRequest{
		PortfolioID: "p1",
		Symbol:      "btc",
		Side:        domain.SideBuy,
		Type:        domain.TypeLimit,
		Amount:      decimal.NewFromInt(1),
		LimitPrice:  decimal.NewFromInt(95),
	})
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)
	assert.Empty(t, ledger.txns, "rejected order must not be parked as pending")
}

func TestPendingLimitSellRejectedOnInsufficientHoldings(t *testing.T) {
	ledger := newFakeLedger()
	ledger.addPortfolio("p1", "1000")
	ledger.holdings[holdingKey("p1", "btc")] = &domain.Holding{
		PortfolioID: "p1",
		Symbol:      "btc",
		Amount:      decimal.RequireFromString("0.4"),
		AverageCost: decimal.NewFromInt(90),
	}
	engine := newTestEngine(testEngineConfig(), ledger, &fakeMarket{book: testBook()})

	// 申报价高于簿面不成交，但持仓不足时同样拒单
	_, err := engine.ExecuteOrder(context.Background(), &domain.OrderRequest{
		PortfolioID: "p1",
		Symbol:      "btc",
		Side:        domain.SideSell,
		Type:        domain.TypeLimit,
		Amount:      decimal.NewFromInt(1),
		LimitPrice:  decimal.NewFromInt(200),
	})
	require.ErrorIs(t, err, domain.ErrInsufficientHoldings)
	assert.Empty(t, ledger.txns)
}

func TestBuyAccumulatesWeightedAverageCost(t *testing.T) {
	cfg := testEngineConfig()
	cfg.BaseSlippage = decimal.Zero
	cfg.MaxPriceImpact = decimal.Zero
	cfg.TakerFeeRate = decimal.Zero

	ledger := newFakeLedger()
	ledger.addPortfolio("p1", "100000")
	market := &fakeMarket{book: testBook()}
	engine := newTestEngine(cfg, ledger, market)

	buy := func() {
		_, err := engine.ExecuteOrder(context.Background(), &domain.OrderRequest{
			PortfolioID: "p1",
			Symbol:      "btc",
			Side:        domain.SideBuy,
			Type:        domain.TypeMarket,
			Amount:      decimal.NewFromInt(1),
		})
		require.NoError(t, err)
	}

	buy()
	market.book = testBook()
	market.book.Asks[0].Price = decimal.NewFromInt(200)

	buy()

	h, _ := ledger.GetHolding(context.Background(), "p1", "btc")
	require.NotNil(t, h)
	assert.True(t, h.Amount.Equal(decimal.NewFromInt(2)))
	assert.True(t, h.AverageCost.Equal(decimal.NewFromInt(150)), "average cost = %s", h.AverageCost)
}

func TestSellToDustRemovesHolding(t *testing.T) {
	ledger := newFakeLedger()
	ledger.addPortfolio("p1", "1000")
	ledger.holdings[holdingKey("p1", "btc")] = &domain.Holding{
		PortfolioID: "p1",
		Symbol:      "btc",
		Amount:      decimal.NewFromInt(1),
		AverageCost: decimal.NewFromInt(90),
	}
	engine := newTestEngine(testEngineConfig(), ledger, &fakeMarket{book: testBook()})

	result, err := engine.ExecuteOrder(context.Background(), &domain.OrderRequest{
		PortfolioID: "p1",
		Symbol:      "btc",
		Side:        domain.SideSell,
		Type:        domain.TypeMarket,
		Amount:      decimal.NewFromInt(1),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFilled, result.Status)

	h, _ := ledger.GetHolding(context.Background(), "p1", "btc")
	assert.Nil(t, h, "fully sold holding must be removed, not left at zero")

	p, _ := ledger.GetPortfolio(context.Background(), "p1")
	assert.True(t, p.CashBalance.GreaterThan(decimal.NewFromInt(1000)), "proceeds must be credited")
}

func TestSellRejectedOnInsufficientHoldings(t *testing.T) {
	ledger := newFakeLedger()
	ledger.addPortfolio("p1", "1000")
	engine := newTestEngine(testEngineConfig(), ledger, &fakeMarket{book: testBook()})

	_, err := engine.ExecuteOrder(context.Background(), &domain.OrderRequest{
		PortfolioID: "p1",
		Symbol:      "btc",
		Side:        domain.SideSell,
		Type:        domain.TypeMarket,
		Amount:      decimal.NewFromInt(1),
	})
	assert.ErrorIs(t, err, domain.ErrInsufficientHoldings)
}

func TestIdempotencyKeyReplaysFirstResult(t *testing.T) {
	ledger := newFakeLedger()
	ledger.addPortfolio("p1", "100000")
	engine := newTestEngine(testEngineConfig(), ledger, &fakeMarket{book: testBook()})

	req := func() *domain.OrderRequest {
		return &domain.OrderRequest{
			PortfolioID:    "p1",
			Symbol:         "btc",
			Side:           domain.SideBuy,
			Type:           domain.TypeMarket,
			Amount:         decimal.NewFromInt(1),
			IdempotencyKey: "retry-token-1",
		}
	}

	first, err := engine.ExecuteOrder(context.Background(), req())
	require.NoError(t, err)
	second, err := engine.ExecuteOrder(context.Background(), req())
	require.NoError(t, err)

	assert.Equal(t, first.TransactionID, second.TransactionID)
	assert.True(t, first.NetTotal.Equal(second.NetTotal))
	assert.Len(t, ledger.txns, 1, "replay must not settle twice")

	p, _ := ledger.GetPortfolio(context.Background(), "p1")
	assert.True(t, p.CashBalance.Equal(decimal.RequireFromString("100000").Sub(first.NetTotal)))
}

func TestSettleRetriesOnVersionConflict(t *testing.T) {
	ledger := newFakeLedger()
	ledger.addPortfolio("p1", "100000")
	ledger.conflictsLeft = 2
	engine := newTestEngine(testEngineConfig(), ledger, &fakeMarket{book: testBook()})

	result, err := engine.ExecuteOrder(context.Background(), &domain.OrderRequest{
		PortfolioID: "p1",
		Symbol:      "btc",
		Side:        domain.SideBuy,
		Type:        domain.TypeMarket,
		Amount:      decimal.NewFromInt(1),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFilled, result.Status)
	assert.Equal(t, 3, ledger.settleCalls, "two conflicts then success")
}

func TestExecuteOrderValidation(t *testing.T) {
	ledger := newFakeLedger()
	ledger.addPortfolio("p1", "1000")
	engine := newTestEngine(testEngineConfig(), ledger, &fakeMarket{book: testBook()})

	tests := []struct {
		name string
		req  *domain.OrderRequest
		want error
	}{
		{
			name: "unknown side",
			req: &domain.OrderRequest{
				PortfolioID: "p1", Symbol: "btc", Side: "hold",
				Type: domain.TypeMarket, Amount: decimal.NewFromInt(1),
			},
			want: domain.ErrInvalidSide,
		},
		{
			name: "unknown type",
			req: &domain.OrderRequest{
				PortfolioID: "p1", Symbol: "btc", Side: domain.SideBuy,
				Type: "stop", Amount: decimal.NewFromInt(1),
			},
			want: domain.ErrInvalidOrderType,
		},
		{
			name: "zero amount",
			req: &domain.OrderRequest{
				PortfolioID: "p1", Symbol: "btc", Side: domain.SideBuy,
				Type: domain.TypeMarket, Amount: decimal.Zero,
			},
			want: domain.ErrInvalidAmount,
		},
		{
			name: "limit without price",
			req: &domain.OrderRequest{
				PortfolioID: "p1", Symbol: "btc", Side: domain.SideBuy,
				Type: domain.TypeLimit, Amount: decimal.NewFromInt(1),
			},
			want: domain.ErrLimitPriceRequired,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := engine.ExecuteOrder(context.Background(), tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestExecuteOrderUnpriceableWhenBookUnavailable(t *testing.T) {
	ledger := newFakeLedger()
	ledger.addPortfolio("p1", "1000")
	engine := newTestEngine(testEngineConfig(), ledger,
		&fakeMarket{err: marketdomain.ErrNoReferencePrice})

	_, err := engine.ExecuteOrder(context.Background(), &domain.OrderRequest{
		PortfolioID: "p1",
		Symbol:      "btc",
		Side:        domain.SideBuy,
		Type:        domain.TypeMarket,
		Amount:      decimal.NewFromInt(1),
	})
	assert.ErrorIs(t, err, domain.ErrOrderUnpriceable)
}
