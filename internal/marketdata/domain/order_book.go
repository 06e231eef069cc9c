package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderBookLevel 订单簿档位 (值对象)
type OrderBookLevel struct {
	Price  decimal.Decimal `json:"price"`
	Amount decimal.Decimal `json:"amount"`
}

// OrderBook 围绕参考价合成的订单簿
// Bids 按价格降序，Asks 按价格升序
type OrderBook struct {
	Symbol     string           `json:"symbol"`
	Bids       []OrderBookLevel `json:"bids"`
	Asks       []OrderBookLevel `json:"asks"`
	Spread     decimal.Decimal  `json:"spread"`
	LastUpdate time.Time        `json:"last_update"`
}

// BestBid 最优买价档位
func (b *OrderBook) BestBid() (OrderBookLevel, bool) {
	if len(b.Bids) == 0 {
		return OrderBookLevel{}, false
	}
	return b.Bids[0], true
}

// BestAsk 最优卖价档位
func (b *OrderBook) BestAsk() (OrderBookLevel, bool) {
	if len(b.Asks) == 0 {
		return OrderBookLevel{}, false
	}
	return b.Asks[0], true
}

// DepthAmount 单边可用总深度
func DepthAmount(levels []OrderBookLevel) decimal.Decimal {
	total := decimal.Zero
	for _, l := range levels {
		total = total.Add(l.Amount)
	}
	return total
}
