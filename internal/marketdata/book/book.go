// Package book 围绕网关参考价合成短时有效的买卖盘
package book

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/wyfcoding/livetrading/internal/marketdata/domain"
)

// levelStep 相邻档位的价格步长（万分之五）
var levelStep = decimal.NewFromFloat(0.0005)

// Config 订单簿配置
type Config struct {
	// Depth 单边档位数
	Depth int
	// TTL 合成簿缓存有效期；同一笔交易决策内的重复查询保持一致
	TTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.Depth <= 0 {
		c.Depth = 10
	}
	if c.TTL <= 0 {
		c.TTL = 5 * time.Second
	}
	return c
}

// Service 合成订单簿服务
type Service struct {
	cfg    Config
	prices domain.PriceProvider

	rngMu sync.Mutex
	rng   *rand.Rand

	mu    sync.Mutex
	books map[string]*domain.OrderBook
}

// NewService 创建订单簿服务；rng 可注入固定种子以获得确定性输出
func NewService(cfg Config, prices domain.PriceProvider, rng *rand.Rand) *Service {
	cfg = cfg.withDefaults()
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Service{
		cfg:    cfg,
		prices: prices,
		rng:    rng,
		books:  make(map[string]*domain.OrderBook),
	}
}

// GetOrderBook 返回合成订单簿，短 TTL 内复用同一份
func (s *Service) GetOrderBook(ctx context.Context, symbol string) (*domain.OrderBook, error) {
	s.mu.Lock()
	if b, ok := s.books[symbol]; ok && time.Since(b.LastUpdate) < s.cfg.TTL {
		s.mu.Unlock()
		return b, nil
	}
	s.mu.Unlock()

	quote := s.prices.GetPrice(ctx, symbol)
	if !quote.Usable() {
		return nil, domain.ErrNoReferencePrice
	}

	b := s.generate(symbol, quote.Price)

	s.mu.Lock()
	s.books[symbol] = b
	s.mu.Unlock()
	return b, nil
}

// generate 以参考价为中点生成 N 档买卖盘
func (s *Service) generate(symbol string, mid decimal.Decimal) *domain.OrderBook {
	one := decimal.NewFromInt(1)
	bids := make([]domain.OrderBookLevel, 0, s.cfg.Depth)
	asks := make([]domain.OrderBookLevel, 0, s.cfg.Depth)

	for k := 1; k <= s.cfg.Depth; k++ {
		offset := levelStep.Mul(decimal.NewFromInt(int64(k)))
		bids = append(bids, domain.OrderBookLevel{
			Price:  mid.Mul(one.Sub(offset)),
			Amount: s.levelAmount(),
		})
		asks = append(asks, domain.OrderBookLevel{
			Price:  mid.Mul(one.Add(offset)),
			Amount: s.levelAmount(),
		})
	}

	return &domain.OrderBook{
		Symbol:     symbol,
		Bids:       bids,
		Asks:       asks,
		Spread:     asks[0].Price.Sub(bids[0].Price),
		LastUpdate: time.Now(),
	}
}

// levelAmount 档位挂单量，(0.5, 5.5] 区间内随机
func (s *Service) levelAmount() decimal.Decimal {
	s.rngMu.Lock()
	v := 0.5 + s.rng.Float64()*5
	s.rngMu.Unlock()
	return decimal.NewFromFloat(v)
}
