package events

import (
	"context"

	"github.com/wyfcoding/livetrading/internal/trading/domain"
	"github.com/wyfcoding/livetrading/pkg/logger"
	"github.com/wyfcoding/livetrading/pkg/mq"
)

// KafkaEventPublisher 把成交与对账事件写入 Kafka
type KafkaEventPublisher struct {
	producer            *mq.KafkaProducer
	tradeTopic          string
	reconciliationTopic string
}

// NewKafkaEventPublisher 创建并返回一个新的 KafkaEventPublisher 实例。
func NewKafkaEventPublisher(producer *mq.KafkaProducer, tradeTopic, reconciliationTopic string) *KafkaEventPublisher {
	return &KafkaEventPublisher{
		producer:            producer,
		tradeTopic:          tradeTopic,
		reconciliationTopic: reconciliationTopic,
	}
}

// PublishTradeExecuted 发布成交事件，按组合分区保证同组合事件有序
func (p *KafkaEventPublisher) PublishTradeExecuted(ctx context.Context, tx *domain.Transaction) error {
	return p.producer.SendMessage(ctx, p.tradeTopic, tx.PortfolioID, tx)
}

// PublishReconciliation 将结算不一致送入对账主题，按幂等令牌分区
func (p *KafkaEventPublisher) PublishReconciliation(ctx context.Context, inc *domain.SettlementInconsistency) error {
	return p.producer.SendMessage(ctx, p.reconciliationTopic, inc.IdempotencyKey, inc)
}

// NoopEventPublisher 未启用 Kafka 时的空实现，事件仅记录日志
type NoopEventPublisher struct{}

func (NoopEventPublisher) PublishTradeExecuted(ctx context.Context, tx *domain.Transaction) error {
	logger.Debug(ctx, "Trade event dropped: message queue disabled", "transaction_id", tx.TransactionID)
	return nil
}

func (NoopEventPublisher) PublishReconciliation(ctx context.Context, inc *domain.SettlementInconsistency) error {
	logger.Warn(ctx, "Reconciliation event dropped: message queue disabled",
		"idempotency_key", inc.IdempotencyKey, "reason", inc.Reason)
	return nil
}
