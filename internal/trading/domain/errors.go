package domain

import "errors"

var (
	// ErrInvalidAmount 数量不在允许区间
	ErrInvalidAmount = errors.New("order amount out of range")
	// ErrInvalidSide 未知买卖方向
	ErrInvalidSide = errors.New("invalid order side")
	// ErrInvalidOrderType 未知订单类型
	ErrInvalidOrderType = errors.New("invalid order type")
	// ErrLimitPriceRequired 限价单缺少价格
	ErrLimitPriceRequired = errors.New("limit order requires a positive price")
	// ErrInsufficientFunds 现金不足
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrInsufficientHoldings 持仓不足
	ErrInsufficientHoldings = errors.New("insufficient holdings")
	// ErrOrderUnpriceable 连兜底数据都无法给出参考价
	ErrOrderUnpriceable = errors.New("order cannot be priced")
	// ErrPortfolioNotFound 组合不存在
	ErrPortfolioNotFound = errors.New("portfolio not found")
	// ErrVersionConflict 组合版本冲突，调用方应重读后重试
	ErrVersionConflict = errors.New("portfolio version conflict")
	// ErrDuplicateSettlement 幂等令牌已结算
	ErrDuplicateSettlement = errors.New("settlement already applied for idempotency key")
)
