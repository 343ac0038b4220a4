package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// AppConfig 聚合运行时配置，全部通过环境变量注入。
type AppConfig struct {
	HTTPAddr string `envconfig:"HTTP_ADDR" default:":8080"`
	DBPath   string `envconfig:"DB_PATH" default:"pack_sale.db"`

	RedisAddr string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisDB   int    `envconfig:"REDIS_DB" default:"0"`

	// Kafka 集群地址（逗号分隔）；购买事件 topic 与铸造通知 topic
	KafkaBrokers       []string `envconfig:"KAFKA_BROKERS" default:"localhost:9092"`
	KafkaPurchaseTopic string   `envconfig:"KAFKA_PURCHASE_TOPIC" default:"pack-sale-purchases"`
	KafkaMintTopic     string   `envconfig:"KAFKA_MINT_TOPIC" default:"pack-sale-asset-minted"`
	KafkaGroupID       string   `envconfig:"KAFKA_GROUP_ID" default:"pack-sale-mint-consumer"`

	// Redis Stream outbox（购买终态入流，Relay 异步转 Kafka）
	PurchaseEventStream   string `envconfig:"PURCHASE_EVENT_STREAM" default:"pack_sale:purchase_events"`
	PurchaseEventGroup    string `envconfig:"PURCHASE_EVENT_GROUP" default:"pack-sale-relay-group"`
	PurchaseEventConsumer string `envconfig:"PURCHASE_EVENT_CONSUMER" default:"pack-sale-relay-1"`

	// 购买接口限流与供应缓存
	BuyRateLimit   int           `envconfig:"BUY_RATE_LIMIT" default:"1000"`
	BuyRateWindow  time.Duration `envconfig:"BUY_RATE_WINDOW" default:"1s"`
	SupplyCacheTTL time.Duration `envconfig:"SUPPLY_CACHE_TTL" default:"24h"`
	MaxBuyInOneGo  int           `envconfig:"MAX_BUY_IN_ONE_GO" default:"10"`

	AdminToken string `envconfig:"ADMIN_TOKEN" default:"dev-admin-token"`

	ChainAdapterURL string        `envconfig:"CHAIN_ADAPTER_URL" default:"http://localhost:9000"`
	ChainAPIKey     string        `envconfig:"CHAIN_API_KEY"`
	ChainTimeout    time.Duration `envconfig:"CHAIN_TIMEOUT" default:"30s"`
	ChainRPS        int           `envconfig:"CHAIN_RPS" default:"20"`
	WaxSaleContract string        `envconfig:"WAX_SALE_CONTRACT" default:"packsale"`

	// 未配置 Omise 密钥时无法启动：购买必须经过预授权
	OmisePublicKey string        `envconfig:"OMISE_PUBLIC_KEY"`
	OmiseSecretKey string        `envconfig:"OMISE_SECRET_KEY"`
	PaymentTimeout time.Duration `envconfig:"PAYMENT_TIMEOUT" default:"15s"`

	// 为空时告警只写日志
	AlertAMQPURL  string `envconfig:"ALERT_AMQP_URL"`
	AlertExchange string `envconfig:"ALERT_EXCHANGE" default:"pack_sale.alerts"`

	StalePendingAfter  time.Duration `envconfig:"STALE_PENDING_AFTER" default:"10m"`
	StaleSweepInterval time.Duration `envconfig:"STALE_SWEEP_INTERVAL" default:"1m"`
	QueueInitWait      time.Duration `envconfig:"QUEUE_INIT_WAIT" default:"5s"`
}

// Load 读取并校验配置，缺失时使用默认值。
func Load() (AppConfig, error) {
	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return AppConfig{}, err
	}
	cfg.KafkaBrokers = compact(cfg.KafkaBrokers)
	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func (c AppConfig) validate() error {
	positive := []struct {
		name string
		ok   bool
	}{
		{"BUY_RATE_LIMIT", c.BuyRateLimit > 0},
		{"SUPPLY_CACHE_TTL", c.SupplyCacheTTL > 0},
		{"MAX_BUY_IN_ONE_GO", c.MaxBuyInOneGo > 0},
		{"CHAIN_TIMEOUT", c.ChainTimeout > 0},
		{"CHAIN_RPS", c.ChainRPS > 0},
		{"PAYMENT_TIMEOUT", c.PaymentTimeout > 0},
		{"STALE_PENDING_AFTER", c.StalePendingAfter > 0},
		{"STALE_SWEEP_INTERVAL", c.StaleSweepInterval > 0},
		{"QUEUE_INIT_WAIT", c.QueueInitWait > 0},
	}
	for _, p := range positive {
		if !p.ok {
			return fmt.Errorf("%s must be > 0", p.name)
		}
	}

	// 限流脚本按秒计窗口
	if c.BuyRateWindow < time.Second {
		return fmt.Errorf("BUY_RATE_WINDOW must be >= 1s")
	}

	required := []struct {
		name  string
		value string
	}{
		{"DB_PATH", c.DBPath},
		{"KAFKA_PURCHASE_TOPIC", c.KafkaPurchaseTopic},
		{"KAFKA_MINT_TOPIC", c.KafkaMintTopic},
		{"KAFKA_GROUP_ID", c.KafkaGroupID},
		{"PURCHASE_EVENT_STREAM", c.PurchaseEventStream},
		{"PURCHASE_EVENT_GROUP", c.PurchaseEventGroup},
		{"PURCHASE_EVENT_CONSUMER", c.PurchaseEventConsumer},
		{"ADMIN_TOKEN", c.AdminToken},
		{"CHAIN_ADAPTER_URL", c.ChainAdapterURL},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return fmt.Errorf("%s must not be empty", r.name)
		}
	}
	if len(c.KafkaBrokers) == 0 {
		return fmt.Errorf("KAFKA_BROKERS must not be empty")
	}
	if (c.OmisePublicKey == "") != (c.OmiseSecretKey == "") {
		return fmt.Errorf("OMISE_PUBLIC_KEY and OMISE_SECRET_KEY must be set together")
	}
	return nil
}

// PaymentConfigured Omise 密钥是否齐全
func (c AppConfig) PaymentConfigured() bool {
	return c.OmisePublicKey != "" && c.OmiseSecretKey != ""
}

// compact 去掉逗号分隔列表里的空白项。
func compact(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			out = append(out, s)
		}
	}
	return out
}
