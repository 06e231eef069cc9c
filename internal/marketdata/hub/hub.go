// Package hub 维护行情订阅并周期性地向订阅方扇出推送
package hub

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wyfcoding/livetrading/internal/marketdata/domain"
	"github.com/wyfcoding/livetrading/pkg/logger"
	"github.com/wyfcoding/livetrading/pkg/metrics"
)

// Conn 订阅方推送通道；实现方负责并发安全的写入
type Conn interface {
	SendJSON(v any) error
}

// PriceUpdate 推送给订阅方的载荷
type PriceUpdate struct {
	Type      string     `json:"type"`
	Data      []QuoteDTO `json:"data"`
	Timestamp int64      `json:"timestamp"`
}

// QuoteDTO 行情推送条目
type QuoteDTO struct {
	Symbol    string `json:"symbol"`
	Price     string `json:"price"`
	Change24h string `json:"change_24h"`
	Volume24h string `json:"volume_24h"`
	MarketCap string `json:"market_cap"`
	Timestamp int64  `json:"timestamp"`
}

// subscription 单个连接的订阅状态
type subscription struct {
	connID  string
	userID  string
	conn    Conn
	symbols map[string]struct{}
}

// Hub 行情广播中心
type Hub struct {
	prices   domain.PriceProvider
	interval time.Duration
	metrics  *metrics.Metrics

	mu   sync.RWMutex
	subs map[string]*subscription

	// ticking 防止上一轮 tick 未结束时重入
	ticking atomic.Bool

	stopOnce sync.Once
	stop     chan struct{}
}

// New 创建广播中心
func New(prices domain.PriceProvider, interval time.Duration, m *metrics.Metrics) *Hub {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Hub{
		prices:   prices,
		interval: interval,
		metrics:  m,
		subs:     make(map[string]*subscription),
		stop:     make(chan struct{}),
	}
}

// Start 启动定时广播循环，阻塞直至 ctx 结束或 Stop 被调用
func (h *Hub) Start(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	logger.Info(ctx, "Price broadcast hub started", "interval", h.interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stop:
			return
		case <-ticker.C:
			h.Tick(ctx)
		}
	}
}

// Stop 停止广播循环
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
}

// Subscribe 注册订阅并立即推送一次快照
// symbols 统一小写并去重；重复订阅覆盖原有符号集合
func (h *Hub) Subscribe(ctx context.Context, connID, userID string, symbols []string, conn Conn) {
	set := make(map[string]struct{}, len(symbols))
	ordered := make([]string, 0, len(symbols))
	for _, s := range symbols {
		n := normalize(s)
		if n == "" {
			continue
		}
		if _, ok := set[n]; ok {
			continue
		}
		set[n] = struct{}{}
		ordered = append(ordered, n)
	}

	sub := &subscription{
		connID:  connID,
		userID:  userID,
		conn:    conn,
		symbols: set,
	}

	h.mu.Lock()
	h.subs[connID] = sub
	total := len(h.subs)
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.SubscriptionsActive.Set(float64(total))
	}
	logger.Info(ctx, "Subscription registered", "conn_id", connID, "symbols", ordered)

	// 即时快照，订阅方无需等待下一轮 tick
	if len(ordered) > 0 {
		quotes := h.prices.GetPrices(ctx, ordered)
		h.push(ctx, sub, quotes)
	}
}

// Unsubscribe 移除订阅
func (h *Hub) Unsubscribe(connID string) {
	h.mu.Lock()
	_, existed := h.subs[connID]
	delete(h.subs, connID)
	total := len(h.subs)
	h.mu.Unlock()

	if existed {
		if h.metrics != nil {
			h.metrics.SubscriptionsActive.Set(float64(total))
		}
		logger.Info(context.Background(), "Subscription removed", "conn_id", connID)
	}
}

// SubscriberCount 当前订阅连接数
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Tick 执行一轮广播：合并所有订阅符号，单次批量拉取后按订阅过滤扇出
// 上一轮未结束时直接跳过（重入保护）
func (h *Hub) Tick(ctx context.Context) {
	if !h.ticking.CompareAndSwap(false, true) {
		logger.Warn(ctx, "Previous broadcast tick still running, skipping")
		return
	}
	defer h.ticking.Store(false)

	union := h.subscribedSymbols()
	if len(union) == 0 {
		// 无订阅时完全跳过上游调用
		return
	}

	quotes := h.prices.GetPrices(ctx, union)

	h.mu.RLock()
	subs := make([]*subscription, 0, len(h.subs))
	for _, sub := range h.subs {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()

	for _, sub := range subs {
		h.push(ctx, sub, quotes)
	}
}

// push 向单个订阅方推送其关注的行情子集；推送失败即剔除该订阅
func (h *Hub) push(ctx context.Context, sub *subscription, quotes map[string]*domain.PriceQuote) {
	data := make([]QuoteDTO, 0, len(sub.symbols))
	for symbol := range sub.symbols {
		q, ok := quotes[symbol]
		if !ok || q == nil {
			continue
		}
		data = append(data, QuoteDTO{
			Symbol:    q.Symbol,
			Price:     q.Price.String(),
			Change24h: q.Change24h.String(),
			Volume24h: q.Volume24h.String(),
			MarketCap: q.MarketCap.String(),
			Timestamp: q.Timestamp.UnixMilli(),
		})
	}
	if len(data) == 0 {
		return
	}

	payload := PriceUpdate{
		Type:      "price_update",
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	}

	if err := sub.conn.SendJSON(payload); err != nil {
		logger.Warn(ctx, "Failed to push price update, pruning subscription",
			"conn_id", sub.connID, "error", err)
		h.Unsubscribe(sub.connID)
		return
	}

	if h.metrics != nil {
		h.metrics.BroadcastsTotal.Inc()
	}
}

// subscribedSymbols 所有订阅符号的并集
func (h *Hub) subscribedSymbols() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	set := make(map[string]struct{})
	for _, sub := range h.subs {
		for s := range sub.symbols {
			set[s] = struct{}{}
		}
	}
	union := make([]string, 0, len(set))
	for s := range set {
		union = append(union, s)
	}
	return union
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
