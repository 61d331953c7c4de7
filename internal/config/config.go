package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config 描述了 ActionFlow 守护进程在启动阶段需要加载的全部配置。
type Config struct {
	Server    ServerConfig    `json:"server" yaml:"server"`
	Runtime   RuntimeConfig   `json:"runtime" yaml:"runtime"`
	Session   SessionConfig   `json:"session" yaml:"session"`
	Transport TransportConfig `json:"transport" yaml:"transport"`
	Events    EventsConfig    `json:"events" yaml:"events"`
	Logging   LoggingConfig   `json:"logging" yaml:"logging"`
	Tracing   TracingConfig   `json:"tracing" yaml:"tracing"`
}

// ServerConfig 控制控制面 API 的监听地址。
type ServerConfig struct {
	Address string `json:"address" yaml:"address" env:"ACTIONFLOW_SERVER_ADDRESS"`
}

// RuntimeConfig 描述远端智能体运行时的访问方式。
type RuntimeConfig struct {
	BaseURL        string `json:"base_url" yaml:"base_url" env:"ACTIONFLOW_RUNTIME_BASE_URL"`
	APIKey         string `json:"api_key" yaml:"api_key" env:"ACTIONFLOW_RUNTIME_API_KEY"`
	APIKeyEnv      string `json:"api_key_env" yaml:"api_key_env"`
	AgentID        string `json:"agent_id" yaml:"agent_id" env:"ACTIONFLOW_RUNTIME_AGENT_ID"`
	UserID         string `json:"user_id" yaml:"user_id" env:"ACTIONFLOW_RUNTIME_USER_ID"`
	SocketURL      string `json:"socket_url" yaml:"socket_url" env:"ACTIONFLOW_RUNTIME_SOCKET_URL"`
	Source         string `json:"source" yaml:"source"`
	TimeoutSeconds int    `json:"timeout_seconds" yaml:"timeout_seconds"`
}

// Timeout 返回单次 HTTP 调用的超时时间。
func (c RuntimeConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// ResolveAPIKey 优先使用显式配置的密钥，否则读取 api_key_env 指定的环境变量。
func (c RuntimeConfig) ResolveAPIKey() string {
	if key := strings.TrimSpace(c.APIKey); key != "" {
		return key
	}
	if c.APIKeyEnv != "" {
		return strings.TrimSpace(os.Getenv(c.APIKeyEnv))
	}
	return ""
}

// SessionConfig 控制会话表的超时与批量执行并发度。
type SessionConfig struct {
	TimeoutSeconds  int `json:"timeout_seconds" yaml:"timeout_seconds" env:"ACTIONFLOW_SESSION_TIMEOUT_SECONDS"`
	SweepIntervalMS int `json:"sweep_interval_ms" yaml:"sweep_interval_ms"`
	Concurrency     int `json:"concurrency" yaml:"concurrency" env:"ACTIONFLOW_SESSION_CONCURRENCY"`
}

// Timeout 返回会话的最长等待时间。
func (c SessionConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// SweepInterval 返回过期会话的扫描周期。
func (c SessionConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalMS) * time.Millisecond
}

// TransportConfig 控制 websocket 长连接的保活与重连。
type TransportConfig struct {
	PingIntervalSeconds int `json:"ping_interval_seconds" yaml:"ping_interval_seconds"`
	WriteTimeoutSeconds int `json:"write_timeout_seconds" yaml:"write_timeout_seconds"`
	MaxBackoffSeconds   int `json:"max_backoff_seconds" yaml:"max_backoff_seconds"`
}

// EventsConfig 描述生命周期事件的对外投递渠道。
type EventsConfig struct {
	Buffer   int            `json:"buffer" yaml:"buffer"`
	Redis    RedisConfig    `json:"redis" yaml:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq" yaml:"rabbitmq"`
}

// RedisConfig 为空地址时不启用 Redis 发布。
type RedisConfig struct {
	Address  string `json:"address" yaml:"address" env:"ACTIONFLOW_REDIS_ADDRESS"`
	Password string `json:"password" yaml:"password" env:"ACTIONFLOW_REDIS_PASSWORD"`
	DB       int    `json:"db" yaml:"db"`
	Channel  string `json:"channel" yaml:"channel"`
}

// RabbitMQConfig 为空 URL 时不启用 RabbitMQ 发布。
type RabbitMQConfig struct {
	URL        string `json:"url" yaml:"url" env:"ACTIONFLOW_RABBITMQ_URL"`
	Exchange   string `json:"exchange" yaml:"exchange"`
	Queue      string `json:"queue" yaml:"queue"`
	Durable    bool   `json:"durable" yaml:"durable"`
	AutoDelete bool   `json:"auto_delete" yaml:"auto_delete"`
}

// LoggingConfig 对应 pkg/logger 的配置。
type LoggingConfig struct {
	Level       string   `json:"level" yaml:"level" env:"ACTIONFLOW_LOG_LEVEL"`
	Format      string   `json:"format" yaml:"format"`
	OutputPaths []string `json:"output_paths" yaml:"output_paths"`
	AuditPath   string   `json:"audit_path" yaml:"audit_path"`
}

// TracingConfig 控制 OpenTelemetry 导出。
type TracingConfig struct {
	Enabled      bool   `json:"enabled" yaml:"enabled" env:"ACTIONFLOW_TRACING_ENABLED"`
	ServiceName  string `json:"service_name" yaml:"service_name"`
	OTLPEndpoint string `json:"otlp_endpoint" yaml:"otlp_endpoint" env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

// Load 解析指定路径的配置文件（.yaml/.yml 使用 YAML，其余按 JSON），
// 随后应用默认值与 ACTIONFLOW_* 环境变量覆盖。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(content, &cfg)
	default:
		err = json.Unmarshal(content, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("解析环境变量失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 检查启动所必需的字段。
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Runtime.BaseURL) == "" {
		return errors.New("runtime.base_url 不能为空")
	}
	if strings.TrimSpace(c.Runtime.AgentID) == "" {
		return errors.New("runtime.agent_id 不能为空")
	}
	if strings.TrimSpace(c.Runtime.UserID) == "" {
		return errors.New("runtime.user_id 不能为空")
	}
	return nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	c.Runtime.BaseURL = strings.TrimRight(c.Runtime.BaseURL, "/")
	if c.Runtime.SocketURL == "" && c.Runtime.BaseURL != "" {
		c.Runtime.SocketURL = deriveSocketURL(c.Runtime.BaseURL)
	}
	if c.Runtime.Source == "" {
		c.Runtime.Source = "actionflow"
	}
	if c.Runtime.TimeoutSeconds <= 0 {
		c.Runtime.TimeoutSeconds = 15
	}

	if c.Session.TimeoutSeconds <= 0 {
		c.Session.TimeoutSeconds = 600
	}
	if c.Session.SweepIntervalMS <= 0 {
		c.Session.SweepIntervalMS = 1000
	}
	if c.Session.Concurrency <= 0 {
		c.Session.Concurrency = 4
	}

	if c.Transport.PingIntervalSeconds <= 0 {
		c.Transport.PingIntervalSeconds = 30
	}
	if c.Transport.WriteTimeoutSeconds <= 0 {
		c.Transport.WriteTimeoutSeconds = 10
	}
	if c.Transport.MaxBackoffSeconds <= 0 {
		c.Transport.MaxBackoffSeconds = 30
	}

	if c.Events.Buffer <= 0 {
		c.Events.Buffer = 256
	}
	if c.Events.Redis.Channel == "" {
		c.Events.Redis.Channel = "actionflow:lifecycle"
	}
	if c.Events.RabbitMQ.Queue == "" && c.Events.RabbitMQ.Exchange == "" {
		c.Events.RabbitMQ.Queue = "actionflow.lifecycle"
	}

	if c.Logging.AuditPath != "" && !filepath.IsAbs(c.Logging.AuditPath) {
		c.Logging.AuditPath = filepath.Join(baseDir, c.Logging.AuditPath)
	}

	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "actionflowd"
	}
}

func deriveSocketURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://") + "/socket"
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://") + "/socket"
	default:
		return base + "/socket"
	}
}
