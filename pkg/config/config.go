// Package config 提供 TOML 配置加载与环境变量覆盖
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config 服务配置
type Config struct {
	// 服务名称
	ServiceName string `mapstructure:"service_name"`
	// 环境：dev, staging, prod
	Environment string `mapstructure:"environment"`
	// HTTP 服务配置
	HTTP HTTPConfig `mapstructure:"http"`
	// 数据库配置
	Database DatabaseConfig `mapstructure:"database"`
	// Redis 配置
	Redis RedisConfig `mapstructure:"redis"`
	// Kafka 配置
	Kafka KafkaConfig `mapstructure:"kafka"`
	// 日志配置
	Logger LoggerConfig `mapstructure:"logger"`
	// 指标配置
	Metrics MetricsConfig `mapstructure:"metrics"`
	// 行情网关配置
	Market MarketConfig `mapstructure:"market"`
	// 交易配置
	Trading TradingConfig `mapstructure:"trading"`
}

// HTTPConfig HTTP 服务配置
type HTTPConfig struct {
	// 监听地址
	Host string `mapstructure:"host"`
	// 监听端口
	Port int `mapstructure:"port"`
	// 读超时（秒）
	ReadTimeout int `mapstructure:"read_timeout"`
	// 写超时（秒）
	WriteTimeout int `mapstructure:"write_timeout"`
	// 每客户端 QPS 上限；0 表示不限流（需要 Redis）
	RateLimitQPS int `mapstructure:"rate_limit_qps"`
	// 限流突发容量
	RateLimitBurst int `mapstructure:"rate_limit_burst"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	// 数据源名称
	DSN string `mapstructure:"dsn"`
	// 最大连接数
	MaxOpenConns int `mapstructure:"max_open_conns"`
	// 最大空闲连接数
	MaxIdleConns int `mapstructure:"max_idle_conns"`
	// 连接最大生命周期（秒）
	ConnMaxLifetime int `mapstructure:"conn_max_lifetime"`
	// 是否启用日志
	LogEnabled bool `mapstructure:"log_enabled"`
	// 慢查询阈值（毫秒）
	SlowQueryThreshold int `mapstructure:"slow_query_threshold"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	// 是否启用（禁用时网关仅使用进程内缓存）
	Enabled bool `mapstructure:"enabled"`
	// 主机地址
	Host string `mapstructure:"host"`
	// 端口
	Port int `mapstructure:"port"`
	// 密码
	Password string `mapstructure:"password"`
	// 数据库编号
	DB int `mapstructure:"db"`
	// 最大连接数
	MaxPoolSize int `mapstructure:"max_pool_size"`
	// 读超时（秒）
	ReadTimeout int `mapstructure:"read_timeout"`
	// 写超时（秒）
	WriteTimeout int `mapstructure:"write_timeout"`
}

// KafkaConfig Kafka 配置
type KafkaConfig struct {
	// 是否启用
	Enabled bool `mapstructure:"enabled"`
	// Broker 地址列表
	Brokers []string `mapstructure:"brokers"`
	// 成交事件 topic
	TradeTopic string `mapstructure:"trade_topic"`
	// 对账事件 topic
	ReconciliationTopic string `mapstructure:"reconciliation_topic"`
	// 最大重试次数
	MaxRetries int `mapstructure:"max_retries"`
	// 重试退避（毫秒）
	RetryBackoff int `mapstructure:"retry_backoff"`
}

// LoggerConfig 日志配置
type LoggerConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
	WithCaller bool   `mapstructure:"with_caller"`
}

// MetricsConfig 指标配置
type MetricsConfig struct {
	// 是否启用
	Enabled bool `mapstructure:"enabled"`
	// Prometheus 指标路径
	Path string `mapstructure:"path"`
}

// MarketConfig 行情网关配置
type MarketConfig struct {
	// 上游行情接口地址
	UpstreamBaseURL string `mapstructure:"upstream_base_url"`
	// 上游请求超时（毫秒）
	UpstreamTimeout int `mapstructure:"upstream_timeout"`
	// 请求最小间隔（毫秒）
	MinRequestInterval int `mapstructure:"min_request_interval"`
	// 批量请求子批大小
	BatchSize int `mapstructure:"batch_size"`
	// 子批间隔（毫秒）
	BatchDelay int `mapstructure:"batch_delay"`
	// 行情缓存 TTL（秒）
	CacheTTL int `mapstructure:"cache_ttl"`
	// 订单簿缓存 TTL（秒）
	OrderBookTTL int `mapstructure:"orderbook_ttl"`
	// 订单簿深度档位数
	OrderBookDepth int `mapstructure:"orderbook_depth"`
	// 广播周期（秒）
	BroadcastInterval int `mapstructure:"broadcast_interval"`
}

// TradingConfig 交易配置
type TradingConfig struct {
	// 最小下单数量
	MinOrderAmount string `mapstructure:"min_order_amount"`
	// 最大下单数量
	MaxOrderAmount string `mapstructure:"max_order_amount"`
	// taker 费率
	TakerFeeRate string `mapstructure:"taker_fee_rate"`
	// maker 费率
	MakerFeeRate string `mapstructure:"maker_fee_rate"`
	// 基础滑点
	BaseSlippage string `mapstructure:"base_slippage"`
	// 最大价格冲击
	MaxPriceImpact string `mapstructure:"max_price_impact"`
}

// Load 从 TOML 文件加载配置，支持 TRADING_ 前缀环境变量覆盖
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(configPath)
	v.SetConfigType("toml")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	v.SetEnvPrefix("TRADING")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate 校验必填项
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("service_name is required")
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if c.Market.UpstreamBaseURL == "" {
		return fmt.Errorf("market.upstream_base_url is required")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "dev")
	v.SetDefault("http.host", "0.0.0.0")
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", 30)
	v.SetDefault("http.write_timeout", 30)
	v.SetDefault("http.rate_limit_qps", 0)
	v.SetDefault("http.rate_limit_burst", 20)
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 300)
	v.SetDefault("database.slow_query_threshold", 1000)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.max_pool_size", 10)
	v.SetDefault("redis.read_timeout", 3)
	v.SetDefault("redis.write_timeout", 3)
	v.SetDefault("kafka.trade_topic", "trading.trade.executed")
	v.SetDefault("kafka.reconciliation_topic", "trading.settlement.reconcile")
	v.SetDefault("kafka.max_retries", 3)
	v.SetDefault("kafka.retry_backoff", 100)
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
	v.SetDefault("logger.output", "stdout")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 10)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("market.upstream_timeout", 5000)
	v.SetDefault("market.min_request_interval", 1100)
	v.SetDefault("market.batch_size", 50)
	v.SetDefault("market.batch_delay", 200)
	v.SetDefault("market.cache_ttl", 30)
	v.SetDefault("market.orderbook_ttl", 5)
	v.SetDefault("market.orderbook_depth", 10)
	v.SetDefault("market.broadcast_interval", 10)
	v.SetDefault("trading.min_order_amount", "0.00000001")
	v.SetDefault("trading.max_order_amount", "1000000")
	v.SetDefault("trading.taker_fee_rate", "0.0025")
	v.SetDefault("trading.maker_fee_rate", "0.0015")
	v.SetDefault("trading.base_slippage", "0.001")
	v.SetDefault("trading.max_price_impact", "0.05")
}
