// Package gateway 实现对上游行情源的限流、排队、缓存与兜底降级
//
// 所有出站请求经由单一 worker 串行派发以满足上游配额；
// 对外暴露的查询永不失败，最差情况下返回合成兜底数据。
package gateway

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/wyfcoding/livetrading/internal/marketdata/domain"
	"github.com/wyfcoding/livetrading/pkg/cache"
	"github.com/wyfcoding/livetrading/pkg/logger"
	"github.com/wyfcoding/livetrading/pkg/metrics"
)

// Config 网关配置
type Config struct {
	// BaseURL 上游接口地址
	BaseURL string
	// Timeout 单次上游请求超时
	Timeout time.Duration
	// MinRequestInterval 出站请求最小间隔
	MinRequestInterval time.Duration
	// BatchSize 批量行情的子批大小
	BatchSize int
	// BatchDelay 子批之间的间隔
	BatchDelay time.Duration
	// CacheTTL 行情缓存有效期
	CacheTTL time.Duration
	// QueueSize 请求队列容量
	QueueSize int
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.MinRequestInterval <= 0 {
		c.MinRequestInterval = 1100 * time.Millisecond
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.BatchDelay <= 0 {
		c.BatchDelay = 200 * time.Millisecond
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = 30 * time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	return c
}

// rateWindow 上游配额窗口
type rateWindow struct {
	remaining int
	limit     int
	resetAt   time.Time
	known     bool
}

// task 一次排队的上游调用
type task struct {
	ctx  context.Context
	run  func(ctx context.Context)
	done chan struct{}
}

// Gateway 上游行情网关
type Gateway struct {
	cfg     Config
	client  *upstreamClient
	cache   *memoryCache
	l2      *cache.RedisCache // 可为 nil
	fb      *fallbackSource
	metrics *metrics.Metrics

	queue chan *task

	mu           sync.Mutex
	window       rateWindow
	lastDispatch time.Time

	stopOnce sync.Once
	stop     chan struct{}
}

// New 创建网关并启动派发 worker
// l2 为可选的 Redis 二级缓存，rng 为可注入的随机源（兜底数据抖动）
func New(cfg Config, l2 *cache.RedisCache, m *metrics.Metrics, rng *rand.Rand) *Gateway {
	cfg = cfg.withDefaults()
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	g := &Gateway{
		cfg:     cfg,
		client:  newUpstreamClient(cfg.BaseURL, cfg.Timeout),
		cache:   newMemoryCache(),
		l2:      l2,
		fb:      newFallbackSource(rng),
		metrics: m,
		queue:   make(chan *task, cfg.QueueSize),
		stop:    make(chan struct{}),
	}

	go g.worker()
	return g
}

// Close 停止派发 worker
func (g *Gateway) Close() {
	g.stopOnce.Do(func() { close(g.stop) })
}

// GetPrice 获取单个标的的最新行情，永不返回 nil
func (g *Gateway) GetPrice(ctx context.Context, symbol string) *domain.PriceQuote {
	symbol = normalizeSymbol(symbol)
	return g.GetPrices(ctx, []string{symbol})[symbol]
}

// GetPrices 批量获取行情，缺失部分按子批排队拉取，结果按标的索引
func (g *Gateway) GetPrices(ctx context.Context, symbols []string) map[string]*domain.PriceQuote {
	wanted := normalizeSymbols(symbols)
	out := make(map[string]*domain.PriceQuote, len(wanted))

	missing := make([]string, 0, len(wanted))
	for _, s := range wanted {
		if q, ok := g.cachedQuote(ctx, s); ok {
			out[s] = q
			continue
		}
		missing = append(missing, s)
	}
	if g.metrics != nil {
		g.metrics.CacheHitsTotal.Add(float64(len(wanted) - len(missing)))
		g.metrics.CacheMissesTotal.Add(float64(len(missing)))
	}

	for i := 0; i < len(missing); i += g.cfg.BatchSize {
		end := i + g.cfg.BatchSize
		if end > len(missing) {
			end = len(missing)
		}
		g.fetchPriceBatch(ctx, missing[i:end], out)

		// 子批之间保持间隔，避免瞬时打满上游配额
		if end < len(missing) {
			sleepCtx(ctx, g.cfg.BatchDelay)
		}
	}
	return out
}

// GetMarketData 获取市场概览；symbols 为空时返回上游默认榜单
func (g *Gateway) GetMarketData(ctx context.Context, symbols []string, limit int) []*domain.PriceQuote {
	wanted := normalizeSymbols(symbols)
	key := fmt.Sprintf("markets:%s:%d", strings.Join(wanted, ","), limit)

	if v, ok := g.cache.Get(key); ok {
		if g.metrics != nil {
			g.metrics.CacheHitsTotal.Inc()
		}
		return v.([]*domain.PriceQuote)
	}
	if g.metrics != nil {
		g.metrics.CacheMissesTotal.Inc()
	}

	var result []*domain.PriceQuote
	dispatched := g.execute(ctx, func(c context.Context) {
		// 排队等待期间可能已有相同请求完成
		if v, ok := g.cache.Get(key); ok {
			result = v.([]*domain.PriceQuote)
			return
		}

		start := time.Now()
		quotes, rl, err := g.client.FetchMarkets(c, wanted, limit)
		g.observeUpstream(rl, err, time.Since(start))
		if err != nil {
			logger.Warn(c, "Upstream market data unavailable, serving fallback", "error", err)
			return
		}

		result = make([]*domain.PriceQuote, 0, len(quotes))
		now := time.Now()
		for _, uq := range quotes {
			q := toDomainQuote(uq, now)
			result = append(result, q)
			g.storeQuote(c, q)
		}
		g.cache.Set(key, result, g.cfg.CacheTTL)
	})

	if !dispatched || result == nil {
		return g.fb.Markets(wanted, limit)
	}
	return result
}

// GetPriceHistory 获取历史 K 线；上游不可用时生成围绕基准价的合成序列
func (g *Gateway) GetPriceHistory(ctx context.Context, symbol, period string) []*domain.Candle {
	symbol = normalizeSymbol(symbol)
	key := fmt.Sprintf("history:%s:%s", symbol, period)

	if v, ok := g.cache.Get(key); ok {
		if g.metrics != nil {
			g.metrics.CacheHitsTotal.Inc()
		}
		return v.([]*domain.Candle)
	}
	if g.metrics != nil {
		g.metrics.CacheMissesTotal.Inc()
	}

	var result []*domain.Candle
	dispatched := g.execute(ctx, func(c context.Context) {
		if v, ok := g.cache.Get(key); ok {
			result = v.([]*domain.Candle)
			return
		}

		start := time.Now()
		candles, rl, err := g.client.FetchHistory(c, symbol, period)
		g.observeUpstream(rl, err, time.Since(start))
		if err != nil {
			logger.Warn(c, "Upstream history unavailable, serving fallback", "symbol", symbol, "error", err)
			return
		}

		result = make([]*domain.Candle, 0, len(candles))
		for _, uc := range candles {
			result = append(result, &domain.Candle{
				Timestamp: time.UnixMilli(uc.Timestamp),
				Open:      uc.Open,
				High:      uc.High,
				Low:       uc.Low,
				Close:     uc.Close,
				Volume:    uc.Volume,
			})
		}
		g.cache.Set(key, result, g.cfg.CacheTTL)
	})

	if !dispatched || result == nil {
		return g.fb.History(symbol, period)
	}
	return result
}

// fetchPriceBatch 排队拉取一个子批，缺失标的以兜底数据补齐
func (g *Gateway) fetchPriceBatch(ctx context.Context, batch []string, out map[string]*domain.PriceQuote) {
	fetched := make(map[string]*domain.PriceQuote, len(batch))

	dispatched := g.execute(ctx, func(c context.Context) {
		// 排队等待期间缓存可能已被更早的请求填充
		pending := batch[:0:0]
		for _, s := range batch {
			if q, ok := g.cachedQuote(c, s); ok {
				fetched[s] = q
				continue
			}
			pending = append(pending, s)
		}
		if len(pending) == 0 {
			return
		}

		start := time.Now()
		quotes, rl, err := g.client.FetchPrices(c, pending)
		g.observeUpstream(rl, err, time.Since(start))
		if err != nil {
			logger.Warn(c, "Upstream price fetch failed, serving fallback", "symbols", pending, "error", err)
			return
		}

		now := time.Now()
		for _, uq := range quotes {
			q := toDomainQuote(uq, now)
			fetched[q.Symbol] = q
			g.storeQuote(c, q)
		}
	})

	for _, s := range batch {
		if dispatched {
			if q, ok := fetched[s]; ok {
				out[s] = q
				continue
			}
		}
		out[s] = g.fb.Quote(s)
	}
}

// execute 将调用放入 FIFO 队列并等待完成
// ctx 已取消的请求在派发前被丢弃；返回 false 表示调用未被派发
func (g *Gateway) execute(ctx context.Context, run func(ctx context.Context)) bool {
	t := &task{ctx: ctx, run: run, done: make(chan struct{})}

	if g.metrics != nil {
		g.metrics.GatewayQueueDepth.Inc()
	}
	select {
	case g.queue <- t:
	case <-ctx.Done():
		if g.metrics != nil {
			g.metrics.GatewayQueueDepth.Dec()
		}
		return false
	}

	select {
	case <-t.done:
		return true
	case <-ctx.Done():
		// worker 看到已取消的 ctx 后会跳过该任务
		return false
	}
}

// worker 单一派发循环：限流窗口耗尽时睡到 resetAt，再保持最小间隔
func (g *Gateway) worker() {
	for {
		select {
		case <-g.stop:
			return
		case t := <-g.queue:
			if g.metrics != nil {
				g.metrics.GatewayQueueDepth.Dec()
			}
			if t.ctx.Err() != nil {
				close(t.done)
				continue
			}

			g.awaitWindow(t.ctx)

			if t.ctx.Err() == nil {
				t.run(t.ctx)
			}

			g.mu.Lock()
			g.lastDispatch = time.Now()
			g.mu.Unlock()

			close(t.done)
		}
	}
}

// awaitWindow 在派发前等待配额窗口与最小间隔
func (g *Gateway) awaitWindow(ctx context.Context) {
	g.mu.Lock()
	window := g.window
	last := g.lastDispatch
	g.mu.Unlock()

	if window.known && window.remaining == 0 {
		if wait := time.Until(window.resetAt); wait > 0 {
			logger.Warn(ctx, "Upstream rate limit exhausted, waiting for reset", "wait", wait)
			sleepCtx(ctx, wait)

			g.mu.Lock()
			if g.window.resetAt.Equal(window.resetAt) {
				// 窗口已重置，恢复配额直至下次响应头刷新
				g.window.remaining = g.window.limit
			}
			g.mu.Unlock()
		}
	}

	if wait := g.cfg.MinRequestInterval - time.Since(last); wait > 0 {
		sleepCtx(ctx, wait)
	}
}

// observeUpstream 刷新配额窗口并记录指标
func (g *Gateway) observeUpstream(rl *rateLimitInfo, err error, elapsed time.Duration) {
	if rl != nil {
		g.mu.Lock()
		g.window = rateWindow{
			remaining: rl.Remaining,
			limit:     rl.Limit,
			resetAt:   rl.ResetAt,
			known:     true,
		}
		g.mu.Unlock()
	}

	if g.metrics == nil {
		return
	}
	g.metrics.UpstreamRequestDuration.Observe(elapsed.Seconds())
	if err != nil {
		g.metrics.UpstreamRequestsTotal.WithLabelValues("fallback").Inc()
	} else {
		g.metrics.UpstreamRequestsTotal.WithLabelValues("success").Inc()
	}
}

// cachedQuote 依次查询一级与二级缓存
func (g *Gateway) cachedQuote(ctx context.Context, symbol string) (*domain.PriceQuote, bool) {
	if v, ok := g.cache.Get(priceKey(symbol)); ok {
		return v.(*domain.PriceQuote), true
	}

	if g.l2 != nil {
		var q domain.PriceQuote
		if found, err := g.l2.GetJSON(ctx, priceKey(symbol), &q); err == nil && found {
			if time.Since(q.Timestamp) < g.cfg.CacheTTL {
				g.cache.Set(priceKey(symbol), &q, g.cfg.CacheTTL-time.Since(q.Timestamp))
				return &q, true
			}
		}
	}
	return nil, false
}

// storeQuote 写入一级与二级缓存
func (g *Gateway) storeQuote(ctx context.Context, q *domain.PriceQuote) {
	g.cache.Set(priceKey(q.Symbol), q, g.cfg.CacheTTL)
	if g.l2 != nil {
		if err := g.l2.SetJSON(ctx, priceKey(q.Symbol), q, g.cfg.CacheTTL); err != nil {
			logger.Warn(ctx, "Failed to write quote to redis cache", "symbol", q.Symbol, "error", err)
		}
	}
}

func priceKey(symbol string) string {
	return "marketdata:price:" + symbol
}

func toDomainQuote(uq upstreamQuote, now time.Time) *domain.PriceQuote {
	return &domain.PriceQuote{
		Symbol:    normalizeSymbol(uq.Symbol),
		Price:     uq.Price,
		Change24h: uq.Change24h,
		Volume24h: uq.Volume24h,
		MarketCap: uq.MarketCap,
		Timestamp: now,
		Source:    domain.SourceUpstream,
	}
}

// normalizeSymbols 统一小写、去重并保持稳定顺序
func normalizeSymbols(symbols []string) []string {
	seen := make(map[string]struct{}, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		n := normalizeSymbol(s)
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func normalizeSymbol(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// sleepCtx 可被 ctx 取消的睡眠
func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
