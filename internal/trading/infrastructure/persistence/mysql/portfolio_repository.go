package mysql

import (
	"context"
	"errors"
	"strings"

	"github.com/wyfcoding/livetrading/internal/trading/domain"
	"github.com/wyfcoding/livetrading/pkg/db"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// portfolioRepository 账本仓储的 GORM 实现
type portfolioRepository struct {
	db *db.DB
}

// NewPortfolioRepository 创建并返回一个新的 portfolioRepository 实例。
func NewPortfolioRepository(database *db.DB) domain.PortfolioRepository {
	return &portfolioRepository{db: database}
}

func (r *portfolioRepository) GetPortfolio(ctx context.Context, portfolioID string) (*domain.Portfolio, error) {
	var p domain.Portfolio
	err := r.db.WithContext(ctx).Where("portfolio_id = ?", portfolioID).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrPortfolioNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *portfolioRepository) GetHolding(ctx context.Context, portfolioID, symbol string) (*domain.Holding, error) {
	var h domain.Holding
	err := r.db.WithContext(ctx).
		Where("portfolio_id = ? AND symbol = ?", portfolioID, symbol).
		First(&h).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &h, nil
}

func (r *portfolioRepository) ListHoldings(ctx context.Context, portfolioID string) ([]*domain.Holding, error) {
	var holdings []*domain.Holding
	err := r.db.WithContext(ctx).
		Where("portfolio_id = ?", portfolioID).
		Order("symbol ASC").
		Find(&holdings).Error
	if err != nil {
		return nil, err
	}
	return holdings, nil
}

func (r *portfolioRepository) GetTransactionByIdempotencyKey(ctx context.Context, key string) (*domain.Transaction, error) {
	var tx domain.Transaction
	err := r.db.WithContext(ctx).Where("idempotency_key = ?", key).First(&tx).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

func (r *portfolioRepository) ListTransactions(ctx context.Context, portfolioID string, limit, offset int) ([]*domain.Transaction, int64, error) {
	var total int64
	if err := r.db.WithContext(ctx).Model(&domain.Transaction{}).
		Where("portfolio_id = ?", portfolioID).
		Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var txs []*domain.Transaction
	err := r.db.WithContext(ctx).
		Where("portfolio_id = ?", portfolioID).
		Order("executed_at DESC, id DESC").
		Limit(limit).
		Offset(offset).
		Find(&txs).Error
	if err != nil {
		return nil, 0, err
	}
	return txs, total, nil
}

// Settle 在单个事务内应用结算：追加交易记录、写入或删除持仓、更新现金并递增版本号
func (r *portfolioRepository) Settle(ctx context.Context, s *domain.Settlement) error {
	return r.db.WithTx(ctx, func(tx *gorm.DB) error {
		if err := tx.Create(s.Transaction).Error; err != nil {
			if isDuplicateKey(err) {
				return domain.ErrDuplicateSettlement
			}
			return err
		}

		if s.DeleteHolding {
			// 物理删除：软删除的行仍占用 (portfolio_id, symbol) 唯一索引，
			// 会让后续买入的 upsert 命中一条默认作用域查不到的记录
			if err := tx.Unscoped().
				Where("portfolio_id = ? AND symbol = ?", s.PortfolioID, s.Holding.Symbol).
				Delete(&domain.Holding{}).Error; err != nil {
				return err
			}
		} else if s.Holding != nil {
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "portfolio_id"}, {Name: "symbol"}},
				DoUpdates: clause.AssignmentColumns([]string{"amount", "average_cost", "updated_at"}),
			}).Create(s.Holding).Error; err != nil {
				return err
			}
		}

		// 版本比对即乐观锁：同一组合的并发结算最多一个能命中旧版本
		result := tx.Model(&domain.Portfolio{}).
			Where("portfolio_id = ? AND version = ?", s.PortfolioID, s.ExpectedVersion).
			Updates(map[string]any{
				"cash_balance": s.NewCashBalance,
				"version":      s.ExpectedVersion + 1,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return domain.ErrVersionConflict
		}
		return nil
	})
}

func (r *portfolioRepository) RecordPending(ctx context.Context, tx *domain.Transaction) error {
	if err := r.db.WithContext(ctx).Create(tx).Error; err != nil {
		if isDuplicateKey(err) {
			return domain.ErrDuplicateSettlement
		}
		return err
	}
	return nil
}

// isDuplicateKey 识别唯一索引冲突
// gorm 将 MySQL 1062 翻译成 ErrDuplicatedKey；字符串匹配兜底旧驱动
func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return strings.Contains(err.Error(), "Duplicate entry")
}
