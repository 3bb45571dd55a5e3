package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	xerrors "task-processor/internal/errors"
	"task-processor/pkg/logger"
)

// Config 描述了 taskd 在启动阶段需要加载的全部配置。
type Config struct {
	Server     ServerConfig     `json:"server" yaml:"server"`
	Dispatcher DispatcherConfig `json:"dispatcher" yaml:"dispatcher"`
	Bus        BusConfig        `json:"bus" yaml:"bus"`
	Logging    logger.Config    `json:"logging" yaml:"logging"`
	Metrics    MetricsConfig    `json:"metrics" yaml:"metrics"`
	Tracing    TracingConfig    `json:"tracing" yaml:"tracing"`
	Sinks      SinksConfig      `json:"sinks" yaml:"sinks"`
}

// ServerConfig 控制 HTTP 服务的监听地址等参数。
type ServerConfig struct {
	Address         string   `json:"address" yaml:"address"`
	AllowedOrigins  []string `json:"allowed_origins" yaml:"allowed_origins"`
	ShutdownTimeout Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// DispatcherConfig 控制调度循环与模拟执行器。
type DispatcherConfig struct {
	TickInterval   Duration `json:"tick_interval" yaml:"tick_interval"`
	FailureRate    *float64 `json:"failure_rate" yaml:"failure_rate"`
	FailureMessage string   `json:"failure_message" yaml:"failure_message"`
}

// BusConfig 控制事件总线。
type BusConfig struct {
	SubscriberBuffer int `json:"subscriber_buffer" yaml:"subscriber_buffer"`
}

// MetricsConfig 控制 Prometheus 指标暴露。
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"`
	// Address 非空时额外在独立端口暴露 /metrics。
	Address string `json:"address" yaml:"address"`
}

// TracingConfig 控制 OpenTelemetry 导出。
type TracingConfig struct {
	Enabled     bool   `json:"enabled" yaml:"enabled"`
	ServiceName string `json:"service_name" yaml:"service_name"`
	// Output 为空时写到标准输出。
	Output string `json:"output" yaml:"output"`
}

// SinksConfig 汇总事件镜像目标，未配置地址的 Sink 不会启用。
type SinksConfig struct {
	Timeout  Duration       `json:"timeout" yaml:"timeout"`
	Redis    RedisConfig    `json:"redis" yaml:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq" yaml:"rabbitmq"`
	MySQL    MySQLConfig    `json:"mysql" yaml:"mysql"`
}

// RedisConfig 描述 Redis 频道。
type RedisConfig struct {
	Address  string `json:"address" yaml:"address"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
	Channel  string `json:"channel" yaml:"channel"`
}

// RabbitMQConfig 描述 RabbitMQ 交换机。
type RabbitMQConfig struct {
	URL      string `json:"url" yaml:"url"`
	Exchange string `json:"exchange" yaml:"exchange"`
	Durable  bool   `json:"durable" yaml:"durable"`
}

// MySQLConfig 描述事件审计表所在的数据库。
type MySQLConfig struct {
	DSN          string `json:"dsn" yaml:"dsn"`
	MaxOpenConns int    `json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns int    `json:"max_idle_conns" yaml:"max_idle_conns"`
}

// Duration 支持 "100ms"、"5s" 形式的字符串，也接受以纳秒为单位的整数。
type Duration time.Duration

// Std 返回 time.Duration。
func (d Duration) Std() time.Duration { return time.Duration(d) }

// MarshalJSON 实现 json.Marshaler。
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON 实现 json.Unmarshaler。
func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case float64:
		*d = Duration(time.Duration(v))
		return nil
	case string:
		return d.parse(v)
	default:
		return fmt.Errorf("无效的时长: %s", string(data))
	}
}

// UnmarshalYAML 实现 yaml.Unmarshaler。
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if n, err := strconv.ParseInt(node.Value, 10, 64); err == nil {
		*d = Duration(time.Duration(n))
		return nil
	}
	return d.parse(node.Value)
}

func (d *Duration) parse(raw string) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("无效的时长 %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Default 返回全部字段取默认值的配置，没有配置文件时直接使用。
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults("")
	cfg.applyEnv(os.LookupEnv)
	return cfg
}

// Load 解析指定路径的 JSON 或 YAML 配置文件。扩展名为 .yaml/.yml 时按 YAML 解析。
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "配置文件路径为空")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "读取配置文件失败")
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(content, &cfg)
	default:
		err = json.Unmarshal(content, &cfg)
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析配置失败")
	}

	cfg.applyDefaults(filepath.Dir(path))
	cfg.applyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 检查取值范围。
func (c *Config) Validate() error {
	if rate := c.FailureRate(); rate < 0 || rate > 1 {
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("failure_rate 必须位于 [0,1]，当前为 %v", rate))
	}
	if c.Bus.SubscriberBuffer < 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "subscriber_buffer 不能为负数")
	}
	return nil
}

// FailureRate 返回模拟执行器的失败率。
func (c *Config) FailureRate() float64 {
	if c.Dispatcher.FailureRate == nil {
		return 0.05
	}
	return *c.Dispatcher.FailureRate
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":3000"
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"*"}
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = Duration(10 * time.Second)
	}

	if c.Dispatcher.TickInterval <= 0 {
		c.Dispatcher.TickInterval = Duration(100 * time.Millisecond)
	}
	if c.Dispatcher.FailureMessage == "" {
		c.Dispatcher.FailureMessage = "random error during processing"
	}

	if c.Bus.SubscriberBuffer == 0 {
		c.Bus.SubscriberBuffer = 1000
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Audit.Enabled && c.Logging.Audit.Path != "" {
		c.Logging.Audit.Path = resolve(baseDir, c.Logging.Audit.Path)
	}

	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}

	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "task-processor"
	}
	if c.Tracing.Output != "" {
		c.Tracing.Output = resolve(baseDir, c.Tracing.Output)
	}

	if c.Sinks.Timeout <= 0 {
		c.Sinks.Timeout = Duration(5 * time.Second)
	}
}

// applyEnv 使用环境变量覆盖配置。PORT 只覆盖端口，保留监听地址中的主机部分。
func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	if port, ok := lookup("PORT"); ok && strings.TrimSpace(port) != "" {
		host := ""
		if idx := strings.LastIndex(c.Server.Address, ":"); idx > 0 {
			host = c.Server.Address[:idx]
		}
		c.Server.Address = host + ":" + strings.TrimSpace(port)
	}
	if level, ok := lookup("TASKD_LOG_LEVEL"); ok && level != "" {
		c.Logging.Level = level
	}
	if addr, ok := lookup("TASKD_REDIS_ADDR"); ok && addr != "" {
		c.Sinks.Redis.Address = addr
	}
	if url, ok := lookup("TASKD_RABBITMQ_URL"); ok && url != "" {
		c.Sinks.RabbitMQ.URL = url
	}
	if dsn, ok := lookup("TASKD_MYSQL_DSN"); ok && dsn != "" {
		c.Sinks.MySQL.DSN = dsn
	}
}

func resolve(baseDir, path string) string {
	if baseDir == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}
