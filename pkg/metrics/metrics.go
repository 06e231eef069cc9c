// Package metrics 提供 Prometheus helper，覆盖上游行情网关、广播与交易结算指标
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/wyfcoding/livetrading/pkg/logger"

	"net/http"
)

// Metrics 指标集合
type Metrics struct {
	// 上游请求计数（按结果：success, fallback, cached）
	UpstreamRequestsTotal *prometheus.CounterVec
	// 上游请求耗时
	UpstreamRequestDuration prometheus.Histogram
	// 网关请求队列深度
	GatewayQueueDepth prometheus.Gauge
	// 缓存命中/未命中
	CacheHitsTotal   prometheus.Counter
	CacheMissesTotal prometheus.Counter

	// 活跃订阅连接数
	SubscriptionsActive prometheus.Gauge
	// 广播推送计数
	BroadcastsTotal prometheus.Counter

	// 订单计数（按状态：filled, pending, rejected）
	OrdersTotal *prometheus.CounterVec
	// 结算耗时
	SettlementDuration prometheus.Histogram
	// 结算不一致计数
	SettlementInconsistencies prometheus.Counter
}

// New 创建指标实例
func New(serviceName string) *Metrics {
	return &Metrics{
		UpstreamRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trading",
			Subsystem: serviceName,
			Name:      "upstream_requests_total",
			Help:      "Total upstream market data requests by result",
		}, []string{"result"}),
		UpstreamRequestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "trading",
			Subsystem: serviceName,
			Name:      "upstream_request_duration_seconds",
			Help:      "Upstream request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		GatewayQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "trading",
			Subsystem: serviceName,
			Name:      "gateway_queue_depth",
			Help:      "Number of requests waiting in the gateway queue",
		}),
		CacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "trading",
			Subsystem: serviceName,
			Name:      "cache_hits_total",
			Help:      "Total market data cache hits",
		}),
		CacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "trading",
			Subsystem: serviceName,
			Name:      "cache_misses_total",
			Help:      "Total market data cache misses",
		}),
		SubscriptionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "trading",
			Subsystem: serviceName,
			Name:      "subscriptions_active",
			Help:      "Number of active price subscriptions",
		}),
		BroadcastsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "trading",
			Subsystem: serviceName,
			Name:      "broadcasts_total",
			Help:      "Total price updates pushed to subscribers",
		}),
		OrdersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trading",
			Subsystem: serviceName,
			Name:      "orders_total",
			Help:      "Total orders processed by status",
		}, []string{"status"}),
		SettlementDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "trading",
			Subsystem: serviceName,
			Name:      "settlement_duration_seconds",
			Help:      "Order settlement duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		SettlementInconsistencies: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "trading",
			Subsystem: serviceName,
			Name:      "settlement_inconsistencies_total",
			Help:      "Total settlements queued for reconciliation",
		}),
	}
}

// Register 注册所有指标
func (m *Metrics) Register() error {
	collectors := []prometheus.Collector{
		m.UpstreamRequestsTotal,
		m.UpstreamRequestDuration,
		m.GatewayQueueDepth,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.SubscriptionsActive,
		m.BroadcastsTotal,
		m.OrdersTotal,
		m.SettlementDuration,
		m.SettlementInconsistencies,
	}

	for _, c := range collectors {
		if err := prometheus.DefaultRegisterer.Register(c); err != nil {
			logger.Error(context.Background(), "Failed to register metric", "error", err)
			return err
		}
	}

	logger.Info(context.Background(), "Metrics registered successfully")
	return nil
}

// Handler 返回 Prometheus 指标的 HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
