package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	xerrors "DevCrew/internal/errors"
	"DevCrew/pkg/logger"
)

// EnvConfigPath 指定配置文件路径的环境变量。
const EnvConfigPath = "DEVCREW_CONFIG"

// Config 是服务的全部配置。
type Config struct {
	Server    ServerConfig    `json:"server" yaml:"server"`
	Storage   StorageConfig   `json:"storage" yaml:"storage"`
	Queue     QueueConfig     `json:"queue" yaml:"queue"`
	Executor  ExecutorConfig  `json:"executor" yaml:"executor"`
	Knowledge KnowledgeConfig `json:"knowledge" yaml:"knowledge"`
	Alerting  AlertingConfig  `json:"alerting" yaml:"alerting"`
	Legacy    LegacyConfig    `json:"legacy" yaml:"legacy"`
	Log       logger.Config   `json:"log" yaml:"log"`
}

// ServerConfig 配置 HTTP 服务。
type ServerConfig struct {
	Address string `json:"address" yaml:"address"`
}

// StorageConfig 配置子任务状态存储。
type StorageConfig struct {
	// Driver 取值 memory / sqlite / mysql。
	Driver string `json:"driver" yaml:"driver"`
	DSN    string `json:"dsn" yaml:"dsn"`
}

// QueueConfig 配置调度队列。
type QueueConfig struct {
	// Driver 取值 memory / redis / rabbitmq。
	Driver   string         `json:"driver" yaml:"driver"`
	Workers  int            `json:"workers" yaml:"workers"`
	Redis    RedisConfig    `json:"redis" yaml:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq" yaml:"rabbitmq"`
}

// RedisConfig 配置 Redis 队列后端。
type RedisConfig struct {
	Addr      string `json:"addr" yaml:"addr"`
	Password  string `json:"password" yaml:"password"`
	DB        int    `json:"db" yaml:"db"`
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix"`
}

// RabbitMQConfig 配置 RabbitMQ 队列后端。
type RabbitMQConfig struct {
	URL       string `json:"url" yaml:"url"`
	QueueName string `json:"queue_name" yaml:"queue_name"`
}

// ExecutorConfig 配置子任务执行后端。
type ExecutorConfig struct {
	// Backend 取值 local / llm。
	Backend        string       `json:"backend" yaml:"backend"`
	TimeoutSeconds int          `json:"timeout_seconds" yaml:"timeout_seconds"`
	OpenAI         OpenAIConfig `json:"openai" yaml:"openai"`
}

// OpenAIConfig 配置 LLM 执行后端的 OpenAI 兼容接口。
type OpenAIConfig struct {
	APIKey  string `json:"api_key" yaml:"api_key"`
	BaseURL string `json:"base_url" yaml:"base_url"`
	Model   string `json:"model" yaml:"model"`
}

// KnowledgeConfig 配置知识片段来源。
type KnowledgeConfig struct {
	// Source 为 JSON 文件路径，为空时使用内置片段。
	Source     string `json:"source" yaml:"source"`
	MaxResults int    `json:"max_results" yaml:"max_results"`
}

// AlertingConfig 配置告警分发。
type AlertingConfig struct {
	WebhookURL string `json:"webhook_url" yaml:"webhook_url"`
}

// LegacyConfig 配置旧版同步执行接口。
type LegacyConfig struct {
	TimeoutSeconds int `json:"timeout_seconds" yaml:"timeout_seconds"`
	PollIntervalMS int `json:"poll_interval_ms" yaml:"poll_interval_ms"`
}

// Default 返回单机开发用的默认配置。
func Default() *Config {
	cfg := &Config{
		Server:  ServerConfig{Address: ":8080"},
		Storage: StorageConfig{Driver: "memory"},
		Queue:   QueueConfig{Driver: "memory", Workers: 4},
		Executor: ExecutorConfig{
			Backend:        "local",
			TimeoutSeconds: 60,
		},
		Knowledge: KnowledgeConfig{MaxResults: 3},
		Legacy: LegacyConfig{
			TimeoutSeconds: 120,
			PollIntervalMS: 200,
		},
		Log: logger.Config{
			Level:  "info",
			Format: "text",
		},
	}
	return cfg
}

// Load 读取配置文件。path 为空时依次尝试 DEVCREW_CONFIG 环境变量，
// 再退回默认配置。按扩展名识别 YAML 或 JSON。
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "读取配置文件失败")
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "解析 yaml 配置失败")
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "解析 json 配置失败")
		}
	default:
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "不支持的配置文件格式",
			xerrors.WithMetadata("path", path))
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Workers <= 0 {
		c.Queue.Workers = 4
	}
	if c.Executor.Backend == "" {
		c.Executor.Backend = "local"
	}
	if c.Executor.TimeoutSeconds <= 0 {
		c.Executor.TimeoutSeconds = 60
	}
	if c.Knowledge.MaxResults <= 0 {
		c.Knowledge.MaxResults = 3
	}
	if c.Legacy.TimeoutSeconds <= 0 {
		c.Legacy.TimeoutSeconds = 120
	}
	if c.Legacy.PollIntervalMS <= 0 {
		c.Legacy.PollIntervalMS = 200
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

func (c *Config) validate() error {
	switch c.Storage.Driver {
	case "memory":
	case "sqlite", "mysql":
		if c.Storage.DSN == "" {
			return xerrors.New(xerrors.CodeInitializationFailure, "storage.dsn 不能为空",
				xerrors.WithMetadata("driver", c.Storage.Driver))
		}
	default:
		return xerrors.New(xerrors.CodeInitializationFailure, "未知的存储驱动",
			xerrors.WithMetadata("driver", c.Storage.Driver))
	}

	switch c.Queue.Driver {
	case "memory":
	case "redis":
		if c.Queue.Redis.Addr == "" {
			return xerrors.New(xerrors.CodeInitializationFailure, "queue.redis.addr 不能为空")
		}
	case "rabbitmq":
		if c.Queue.RabbitMQ.URL == "" {
			return xerrors.New(xerrors.CodeInitializationFailure, "queue.rabbitmq.url 不能为空")
		}
	default:
		return xerrors.New(xerrors.CodeInitializationFailure, "未知的队列驱动",
			xerrors.WithMetadata("driver", c.Queue.Driver))
	}

	switch c.Executor.Backend {
	case "local":
	case "llm":
		if c.Executor.OpenAI.APIKey == "" {
			return xerrors.New(xerrors.CodeInitializationFailure, "executor.openai.api_key 不能为空")
		}
	default:
		return xerrors.New(xerrors.CodeInitializationFailure, "未知的执行后端",
			xerrors.WithMetadata("backend", c.Executor.Backend))
	}

	return nil
}
