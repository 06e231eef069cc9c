package http

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/wyfcoding/livetrading/internal/marketdata/domain"
)

// MarketDataHandler 行情查询 HTTP 接口
type MarketDataHandler struct {
	prices domain.PriceProvider
	books  domain.OrderBookProvider
}

func NewMarketDataHandler(prices domain.PriceProvider, books domain.OrderBookProvider) *MarketDataHandler {
	return &MarketDataHandler{prices: prices, books: books}
}

func (h *MarketDataHandler) RegisterRoutes(r *gin.RouterGroup) {
	v1 := r.Group("/v1/market")
	{
		v1.GET("/price", h.GetPrice)
		v1.GET("/prices", h.GetPrices)
		v1.GET("/data", h.GetMarketData)
		v1.GET("/history", h.GetPriceHistory)
		v1.GET("/orderbook", h.GetOrderBook)
	}
}

func (h *MarketDataHandler) GetPrice(c *gin.Context) {
	symbol := c.Query("symbol")
	if symbol == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "symbol is required"})
		return
	}

	quote := h.prices.GetPrice(c.Request.Context(), symbol)
	c.JSON(http.StatusOK, toQuoteDTO(quote))
}

func (h *MarketDataHandler) GetPrices(c *gin.Context) {
	raw := c.Query("symbols")
	if raw == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "symbols is required"})
		return
	}
	symbols := strings.Split(raw, ",")

	quotes := h.prices.GetPrices(c.Request.Context(), symbols)
	out := make(map[string]*QuoteDTO, len(quotes))
	for s, q := range quotes {
		out[s] = toQuoteDTO(q)
	}
	c.JSON(http.StatusOK, gin.H{"prices": out})
}

func (h *MarketDataHandler) GetMarketData(c *gin.Context) {
	var symbols []string
	if raw := c.Query("symbols"); raw != "" {
		symbols = strings.Split(raw, ",")
	}

	limit := 100
	if l, err := strconv.Atoi(c.Query("limit")); err == nil && l > 0 {
		limit = l
	}

	quotes := h.prices.GetMarketData(c.Request.Context(), symbols, limit)
	out := make([]*QuoteDTO, 0, len(quotes))
	for _, q := range quotes {
		out = append(out, toQuoteDTO(q))
	}
	c.JSON(http.StatusOK, gin.H{"data": out})
}

func (h *MarketDataHandler) GetPriceHistory(c *gin.Context) {
	symbol := c.Query("symbol")
	if symbol == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "symbol is required"})
		return
	}
	period := c.DefaultQuery("period", "24h")

	candles := h.prices.GetPriceHistory(c.Request.Context(), symbol, period)
	out := make([]*CandleDTO, 0, len(candles))
	for _, k := range candles {
		out = append(out, &CandleDTO{
			Timestamp: k.Timestamp.UnixMilli(),
			Open:      k.Open.String(),
			High:      k.High.String(),
			Low:       k.Low.String(),
			Close:     k.Close.String(),
			Volume:    k.Volume.String(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"symbol": symbol, "period": period, "candles": out})
}

func (h *MarketDataHandler) GetOrderBook(c *gin.Context) {
	symbol := c.Query("symbol")
	if symbol == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "symbol is required"})
		return
	}

	book, err := h.books.GetOrderBook(c.Request.Context(), symbol)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, toOrderBookDTO(book))
}

// --- DTO ---

// QuoteDTO 行情 DTO，金额字段序列化为字符串
type QuoteDTO struct {
	Symbol    string `json:"symbol"`
	Price     string `json:"price"`
	Change24h string `json:"change_24h"`
	Volume24h string `json:"volume_24h"`
	MarketCap string `json:"market_cap"`
	Timestamp int64  `json:"timestamp"`
	Source    string `json:"source"`
}

// CandleDTO K 线 DTO
type CandleDTO struct {
	Timestamp int64  `json:"timestamp"`
	Open      string `json:"open"`
	High      string `json:"high"`
	Low       string `json:"low"`
	Close     string `json:"close"`
	Volume    string `json:"volume"`
}

// OrderBookLevelDTO 订单簿档位 DTO
type OrderBookLevelDTO struct {
	Price  string `json:"price"`
	Amount string `json:"amount"`
}

// OrderBookDTO 订单簿 DTO
type OrderBookDTO struct {
	Symbol     string              `json:"symbol"`
	Bids       []OrderBookLevelDTO `json:"bids"`
	Asks       []OrderBookLevelDTO `json:"asks"`
	Spread     string              `json:"spread"`
	LastUpdate int64               `json:"last_update"`
}

func toQuoteDTO(q *domain.PriceQuote) *QuoteDTO {
	if q == nil {
		return nil
	}
	return &QuoteDTO{
		Symbol:    q.Symbol,
		Price:     q.Price.String(),
		Change24h: q.Change24h.String(),
		Volume24h: q.Volume24h.String(),
		MarketCap: q.MarketCap.String(),
		Timestamp: q.Timestamp.UnixMilli(),
		Source:    string(q.Source),
	}
}

func toOrderBookDTO(b *domain.OrderBook) *OrderBookDTO {
	dto := &OrderBookDTO{
		Symbol:     b.Symbol,
		Bids:       make([]OrderBookLevelDTO, 0, len(b.Bids)),
		Asks:       make([]OrderBookLevelDTO, 0, len(b.Asks)),
		Spread:     b.Spread.String(),
		LastUpdate: b.LastUpdate.UnixMilli(),
	}
	for _, l := range b.Bids {
		dto.Bids = append(dto.Bids, OrderBookLevelDTO{Price: l.Price.String(), Amount: l.Amount.String()})
	}
	for _, l := range b.Asks {
		dto.Asks = append(dto.Asks, OrderBookLevelDTO{Price: l.Price.String(), Amount: l.Amount.String()})
	}
	return dto
}
