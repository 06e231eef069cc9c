package http

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/wyfcoding/livetrading/internal/trading/application"
	"github.com/wyfcoding/livetrading/internal/trading/domain"
)

// TradingHandler 下单与组合查询 HTTP 接口
type TradingHandler struct {
	engine *application.Engine
	query  *application.PortfolioQuery
}

func NewTradingHandler(engine *application.Engine, query *application.PortfolioQuery) *TradingHandler {
	return &TradingHandler{engine: engine, query: query}
}

func (h *TradingHandler) RegisterRoutes(r *gin.RouterGroup) {
	v1 := r.Group("/v1")
	{
		v1.POST("/orders", h.PlaceOrder)
		v1.GET("/portfolio", h.GetPortfolio)
		v1.GET("/portfolio/holdings", h.ListHoldings)
		v1.GET("/portfolio/transactions", h.ListTransactions)
	}
}

// PlaceOrderRequest 下单请求体，金额字段为十进制字符串
type PlaceOrderRequest struct {
	PortfolioID    string `json:"portfolio_id" binding:"required"`
	Symbol         string `json:"symbol" binding:"required"`
	Side           string `json:"side" binding:"required"`
	OrderType      string `json:"order_type" binding:"required"`
	Amount         string `json:"amount" binding:"required"`
	Price          string `json:"price"`
	IdempotencyKey string `json:"idempotency_key"`
}

// ExecutionResultDTO 下单结果 DTO
type ExecutionResultDTO struct {
	TransactionID   string `json:"transaction_id"`
	ExecutionPrice  string `json:"execution_price"`
	ExecutedAmount  string `json:"executed_amount"`
	SlippageApplied string `json:"slippage_applied"`
	TradingFee      string `json:"trading_fee"`
	NetTotal        string `json:"net_total"`
	Status          string `json:"order_status"`
	Timestamp       int64  `json:"timestamp"`
}

func (h *TradingHandler) PlaceOrder(c *gin.Context) {
	var req PlaceOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
		return
	}

	order := &domain.OrderRequest{
		PortfolioID:    req.PortfolioID,
		Symbol:         req.Symbol,
		Side:           domain.OrderSide(req.Side),
		Type:           domain.OrderType(req.OrderType),
		Amount:         amount,
		IdempotencyKey: req.IdempotencyKey,
	}
	if req.Price != "" {
		limit, err := decimal.NewFromString(req.Price)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid price"})
			return
		}
		order.LimitPrice = limit
	}

	result, err := h.engine.ExecuteOrder(c.Request.Context(), order)
	if err != nil {
		c.JSON(orderErrorStatus(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, &ExecutionResultDTO{
		TransactionID:   result.TransactionID,
		ExecutionPrice:  result.ExecutionPrice.String(),
		ExecutedAmount:  result.ExecutedAmount.String(),
		SlippageApplied: result.SlippageApplied.String(),
		TradingFee:      result.TradingFee.String(),
		NetTotal:        result.NetTotal.String(),
		Status:          string(result.Status),
		Timestamp:       result.Timestamp.UnixMilli(),
	})
}

func (h *TradingHandler) GetPortfolio(c *gin.Context) {
	portfolioID := c.Query("portfolio_id")
	if portfolioID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "portfolio_id is required"})
		return
	}

	p, err := h.query.GetPortfolio(c.Request.Context(), portfolioID)
	if err != nil {
		if errors.Is(err, domain.ErrPortfolioNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "portfolio not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"portfolio_id": p.PortfolioID,
		"user_id":      p.UserID,
		"cash_balance": p.CashBalance.String(),
		"version":      p.Version,
	})
}

func (h *TradingHandler) ListHoldings(c *gin.Context) {
	portfolioID := c.Query("portfolio_id")
	if portfolioID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "portfolio_id is required"})
		return
	}

	holdings, err := h.query.ListHoldings(c.Request.Context(), portfolioID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	out := make([]gin.H, 0, len(holdings))
	for _, hd := range holdings {
		out = append(out, gin.H{
			"symbol":       hd.Symbol,
			"amount":       hd.Amount.String(),
			"average_cost": hd.AverageCost.String(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"portfolio_id": portfolioID, "holdings": out})
}

func (h *TradingHandler) ListTransactions(c *gin.Context) {
	portfolioID := c.Query("portfolio_id")
	if portfolioID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "portfolio_id is required"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	txs, total, err := h.query.ListTransactions(c.Request.Context(), portfolioID, limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	out := make([]gin.H, 0, len(txs))
	for _, tx := range txs {
		out = append(out, gin.H{
			"transaction_id": tx.TransactionID,
			"symbol":         tx.Symbol,
			"side":           tx.Side,
			"order_type":     tx.OrderType,
			"amount":         tx.Amount.String(),
			"price":          tx.Price.String(),
			"fee":            tx.Fee.String(),
			"total":          tx.Total.String(),
			"status":         tx.Status,
			"executed_at":    tx.ExecutedAt.UnixMilli(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"total": total, "transactions": out})
}

// orderErrorStatus 把领域错误映射为 HTTP 状态码
func orderErrorStatus(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidAmount),
		errors.Is(err, domain.ErrInvalidSide),
		errors.Is(err, domain.ErrInvalidOrderType),
		errors.Is(err, domain.ErrLimitPriceRequired):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrInsufficientFunds),
		errors.Is(err, domain.ErrInsufficientHoldings):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrPortfolioNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrOrderUnpriceable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
