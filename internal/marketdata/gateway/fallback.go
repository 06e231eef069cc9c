package gateway

import (
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/wyfcoding/livetrading/internal/marketdata/domain"
)

// fallbackBaselines 兜底行情的基准价格
// 上游持续不可用时，围绕这些价格生成带抖动的合成数据
var fallbackBaselines = map[string]string{
	"btc":   "43000",
	"eth":   "2600",
	"bnb":   "310",
	"sol":   "98",
	"xrp":   "0.52",
	"ada":   "0.48",
	"doge":  "0.078",
	"dot":   "6.8",
	"ltc":   "72",
	"link":  "14.5",
	"matic": "0.85",
	"avax":  "35",
}

const defaultFallbackPrice = "1"

// fallbackSource 生成确定性形状的合成行情
// 注入的随机源可在测试中用固定种子构造
type fallbackSource struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func newFallbackSource(rng *rand.Rand) *fallbackSource {
	return &fallbackSource{rng: rng}
}

func (f *fallbackSource) baseline(symbol string) decimal.Decimal {
	s, ok := fallbackBaselines[symbol]
	if !ok {
		s = defaultFallbackPrice
	}
	return decimal.RequireFromString(s)
}

// jitter 返回 [1-spread, 1+spread] 内的乘数
func (f *fallbackSource) jitter(spread float64) decimal.Decimal {
	f.mu.Lock()
	v := 1 + (f.rng.Float64()*2-1)*spread
	f.mu.Unlock()
	return decimal.NewFromFloat(v)
}

// fraction 返回 [0, max] 内的随机小数
func (f *fallbackSource) fraction(max float64) decimal.Decimal {
	f.mu.Lock()
	v := f.rng.Float64() * max
	f.mu.Unlock()
	return decimal.NewFromFloat(v)
}

// Quote 生成单个标的的兜底行情
func (f *fallbackSource) Quote(symbol string) *domain.PriceQuote {
	base := f.baseline(symbol)
	price := base.Mul(f.jitter(0.02))

	return &domain.PriceQuote{
		Symbol:    symbol,
		Price:     price,
		Change24h: f.jitter(0.05).Sub(decimal.NewFromInt(1)).Mul(decimal.NewFromInt(100)),
		Volume24h: base.Mul(decimal.NewFromInt(120000)).Mul(f.jitter(0.1)),
		MarketCap: base.Mul(decimal.NewFromInt(19000000)),
		Timestamp: time.Now(),
		Source:    domain.SourceFallback,
	}
}

// Markets 生成市场概览兜底列表，按市值降序
func (f *fallbackSource) Markets(symbols []string, limit int) []*domain.PriceQuote {
	if len(symbols) == 0 {
		symbols = make([]string, 0, len(fallbackBaselines))
		for s := range fallbackBaselines {
			symbols = append(symbols, s)
		}
		sort.Strings(symbols)
	}

	quotes := make([]*domain.PriceQuote, 0, len(symbols))
	for _, s := range symbols {
		quotes = append(quotes, f.Quote(s))
	}
	sort.Slice(quotes, func(i, j int) bool {
		return quotes[i].MarketCap.GreaterThan(quotes[j].MarketCap)
	})

	if limit > 0 && len(quotes) > limit {
		quotes = quotes[:limit]
	}
	return quotes
}

// History 生成围绕基准价的随机游走 K 线
func (f *fallbackSource) History(symbol, period string) []*domain.Candle {
	points, step := periodSpec(period)
	base := f.baseline(symbol)

	candles := make([]*domain.Candle, 0, points)
	start := time.Now().Add(-time.Duration(points) * step)
	price := base

	for i := 0; i < points; i++ {
		open := price
		close := open.Mul(f.jitter(0.015))
		one := decimal.NewFromInt(1)
		high := decimal.Max(open, close).Mul(one.Add(f.fraction(0.01)))
		low := decimal.Min(open, close).Mul(one.Sub(f.fraction(0.01)))

		candles = append(candles, &domain.Candle{
			Timestamp: start.Add(time.Duration(i) * step),
			Open:      open,
			High:      high,
			Low:       low,
			Close:     close,
			Volume:    base.Mul(decimal.NewFromInt(5000)).Mul(f.jitter(0.2)),
		})
		price = close
	}
	return candles
}

// periodSpec 将查询周期映射为采样点数与步长
func periodSpec(period string) (int, time.Duration) {
	switch period {
	case "1h":
		return 12, 5 * time.Minute
	case "24h", "1d", "":
		return 24, time.Hour
	case "7d":
		return 168, time.Hour
	case "30d":
		return 30, 24 * time.Hour
	case "90d":
		return 90, 24 * time.Hour
	case "1y":
		return 365, 24 * time.Hour
	default:
		return 24, time.Hour
	}
}
