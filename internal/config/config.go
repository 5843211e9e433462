package config

import (
	"log"
	"time"

	"github.com/spf13/viper"
)

// Config 全局配置结构
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	MySQL    MySQLConfig    `mapstructure:"mysql"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Gateway  GatewayConfig  `mapstructure:"gateway"`
	Business BusinessConfig `mapstructure:"business"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type MySQLConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Brokers []string         `mapstructure:"brokers"`
	Topic   KafkaTopicConfig `mapstructure:"topic"`
}

type KafkaTopicConfig struct {
	Notify        string `mapstructure:"notify"`         // 用户/运营通知
	AuctionEvents string `mapstructure:"auction_events"` // 开拍/截拍/违约/流拍事件
	PayResult     string `mapstructure:"pay_result"`     // 支付结果事件
}

// GatewayConfig 外部支付网关配置
type GatewayConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	APIKey         string `mapstructure:"api_key"`
	WebhookSecret  string `mapstructure:"webhook_secret"`  // 回调签名密钥
	TimeoutSeconds int    `mapstructure:"timeout_seconds"` // 出站请求超时
}

type BusinessConfig struct {
	PaymentDeadlineHours   int   `mapstructure:"payment_deadline_hours"`   // 中标后的支付期限
	CheckoutTimeoutMinutes int   `mapstructure:"checkout_timeout_minutes"` // 待支付单超时关闭窗口
	MaxDefaultAttempts     int   `mapstructure:"max_default_attempts"`     // 违约递补次数上限
	InitialTokenGrant      int64 `mapstructure:"initial_token_grant"`      // 订阅项目时发放的竞拍券数量
	MaxRetryCount          int   `mapstructure:"max_retry_count"`          // 发件箱消息最大重试次数
	SystemSenderID         int64 `mapstructure:"system_sender_id"`         // 系统通知的发送方身份
	OperatorUserID         int64 `mapstructure:"operator_user_id"`         // 运营告警接收方
}

// PaymentDeadline 中标结算的支付期限
func (c *BusinessConfig) PaymentDeadline() time.Duration {
	return time.Duration(c.PaymentDeadlineHours) * time.Hour
}

// CheckoutTimeout 待支付单的超时关闭窗口
func (c *BusinessConfig) CheckoutTimeout() time.Duration {
	return time.Duration(c.CheckoutTimeoutMinutes) * time.Minute
}

var GlobalConfig *Config

// LoadConfig 加载配置文件
func LoadConfig(configPath string) *Config {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")

	if err := viper.ReadInConfig(); err != nil {
		log.Fatalf("读取配置文件失败: %v", err)
	}

	config := &Config{}
	if err := viper.Unmarshal(config); err != nil {
		log.Fatalf("解析配置文件失败: %v", err)
	}

	GlobalConfig = config
	return config
}
