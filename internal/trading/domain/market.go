package domain

import (
	"context"

	marketdomain "github.com/wyfcoding/livetrading/internal/marketdata/domain"
)

// MarketDataProvider 执行引擎依赖的行情端口
// 由行情子系统的合成订单簿服务实现
type MarketDataProvider interface {
	GetOrderBook(ctx context.Context, symbol string) (*marketdomain.OrderBook, error)
}
