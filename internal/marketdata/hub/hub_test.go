package hub

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wyfcoding/livetrading/internal/marketdata/domain"
)

// countingProvider 记录每次批量拉取的符号集合
type countingProvider struct {
	mu    sync.Mutex
	calls [][]string
}

func (p *countingProvider) GetPrice(ctx context.Context, symbol string) *domain.PriceQuote {
	return p.GetPrices(ctx, []string{symbol})[symbol]
}

func (p *countingProvider) GetPrices(ctx context.Context, symbols []string) map[string]*domain.PriceQuote {
	p.mu.Lock()
	sorted := append([]string(nil), symbols...)
	sort.Strings(sorted)
	p.calls = append(p.calls, sorted)
	p.mu.Unlock()

	out := make(map[string]*domain.PriceQuote, len(symbols))
	for _, s := range symbols {
		out[s] = &domain.PriceQuote{
			Symbol:    s,
			Price:     decimal.NewFromInt(100),
			Timestamp: time.Now(),
			Source:    domain.SourceUpstream,
		}
	}
	return out
}

func (p *countingProvider) GetMarketData(ctx context.Context, symbols []string, limit int) []*domain.PriceQuote {
	return nil
}

func (p *countingProvider) GetPriceHistory(ctx context.Context, symbol, period string) []*domain.Candle {
	return nil
}

func (p *countingProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func (p *countingProvider) lastCall() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.calls) == 0 {
		return nil
	}
	return p.calls[len(p.calls)-1]
}

// fakeConn 捕获推送载荷，可配置为写入失败
type fakeConn struct {
	mu       sync.Mutex
	payloads []PriceUpdate
	fail     bool
}

func (c *fakeConn) SendJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("connection closed")
	}
	c.payloads = append(c.payloads, v.(PriceUpdate))
	return nil
}

func (c *fakeConn) received() []PriceUpdate {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]PriceUpdate(nil), c.payloads...)
}

func TestTickFansOutFromSingleBatchFetch(t *testing.T) {
	provider := &countingProvider{}
	h := New(provider, time.Minute, nil)

	btcConn := &fakeConn{}
	ethConn := &fakeConn{}
	h.Subscribe(context.Background(), "c1", "u1", []string{"BTC"}, btcConn)
	h.Subscribe(context.Background(), "c2", "u2", []string{"eth", "ETH"}, ethConn)

	snapshots := provider.callCount()
	require.Equal(t, 2, snapshots, "each subscription gets an immediate snapshot")

	h.Tick(context.Background())

	require.Equal(t, snapshots+1, provider.callCount(), "one tick must fetch the union exactly once")
	assert.Equal(t, []string{"btc", "eth"}, provider.lastCall())

	btcGot := btcConn.received()
	require.Len(t, btcGot, 2) // 快照 + tick
	last := btcGot[len(btcGot)-1]
	require.Len(t, last.Data, 1, "subscriber only receives its own symbols")
	assert.Equal(t, "btc", last.Data[0].Symbol)
	assert.Equal(t, "price_update", last.Type)

	ethGot := ethConn.received()
	require.Len(t, ethGot, 2)
	require.Len(t, ethGot[len(ethGot)-1].Data, 1)
	assert.Equal(t, "eth", ethGot[len(ethGot)-1].Data[0].Symbol)
}

func TestTickSkipsUpstreamWithoutSubscribers(t *testing.T) {
	provider := &countingProvider{}
	h := New(provider, time.Minute, nil)

	h.Tick(context.Background())
	assert.Equal(t, 0, provider.callCount())
}

func TestTickSkipsWhileAnotherTickRunning(t *testing.T) {
	provider := &countingProvider{}
	h := New(provider, time.Minute, nil)
	h.Subscribe(context.Background(), "c1", "u1", []string{"btc"}, &fakeConn{})
	before := provider.callCount()

	h.ticking.Store(true)
	h.Tick(context.Background())
	assert.Equal(t, before, provider.callCount(), "overlapping tick must be skipped")

	h.ticking.Store(false)
	h.Tick(context.Background())
	assert.Equal(t, before+1, provider.callCount())
}

func TestPushPrunesDeadConnections(t *testing.T) {
	provider := &countingProvider{}
	h := New(provider, time.Minute, nil)

	alive := &fakeConn{}
	h.Subscribe(context.Background(), "alive", "u1", []string{"btc"}, alive)
	h.Subscribe(context.Background(), "dead", "u2", []string{"btc"}, &fakeConn{fail: true})

	require.Equal(t, 1, h.SubscriberCount(), "dead connection pruned on snapshot push")

	h.Tick(context.Background())
	assert.Equal(t, 1, h.SubscriberCount())
	assert.NotEmpty(t, alive.received())
}

func TestResubscribeReplacesSymbolSet(t *testing.T) {
	provider := &countingProvider{}
	h := New(provider, time.Minute, nil)

	conn := &fakeConn{}
	h.Subscribe(context.Background(), "c1", "u1", []string{"btc"}, conn)
	h.Subscribe(context.Background(), "c1", "u1", []string{"eth"}, conn)

	require.Equal(t, 1, h.SubscriberCount())

	h.Tick(context.Background())
	assert.Equal(t, []string{"eth"}, provider.lastCall())
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	provider := &countingProvider{}
	h := New(provider, time.Minute, nil)

	conn := &fakeConn{}
	h.Subscribe(context.Background(), "c1", "u1", []string{"btc"}, conn)
	h.Unsubscribe("c1")
	require.Equal(t, 0, h.SubscriberCount())

	got := len(conn.received())
	h.Tick(context.Background())
	assert.Len(t, conn.received(), got)
}

// 订阅时的即时快照与广播扇出可能触达同一订阅，二者并发必须安全
func TestConcurrentSubscribeAndTick(t *testing.T) {
	provider := &countingProvider{}
	h := New(provider, time.Minute, nil)
	ctx := context.Background()

	h.Subscribe(ctx, "c0", "u0", []string{"btc"}, &fakeConn{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			h.Tick(ctx)
		}
	}()
	for i := 0; i < 50; i++ {
		h.Subscribe(ctx, "c1", "u1", []string{"btc", "eth"}, &fakeConn{})
	}
	<-done

	assert.Equal(t, 2, h.SubscriberCount())
}
