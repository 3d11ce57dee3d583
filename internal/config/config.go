// ============================================================================
// Beaver-Sched Config - YAML 配置
// ============================================================================
//
// Package: internal/config
// 文件: config.go
// 功能: 讀取 YAML 配置檔、補上預設值、檢查必要欄位
//
// 配置檔結構（預設 configs/default.yaml）:
//
//	node:       broker 的對外地址與 gRPC 埠
//	database:   store.Config（mysql / postgres / sqlite）
//	redis:      registry.Config（成員心跳）
//	scheduler:  meta task 執行池、載入與健康檢查間隔
//	dispatch:   分派速率與逾時
//	agent:      worker 模式的設定
//	log:        logging.Config
//	metrics:    Prometheus /metrics
//
// 時間欄位使用 Go duration 字串（"10s"、"1m"）。
//
// ============================================================================

package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/beaver-sched/internal/logging"
	"github.com/ChuLiYu/beaver-sched/internal/registry"
	"github.com/ChuLiYu/beaver-sched/internal/store"
	"github.com/ChuLiYu/beaver-sched/pkg/types"
)

// Config 完整系統配置
type Config struct {
	Node      NodeConfig      `yaml:"node"`
	Database  store.Config    `yaml:"database"`
	Redis     registry.Config `yaml:"redis"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Agent     AgentConfig     `yaml:"agent"`
	Log       logging.Config  `yaml:"log"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// NodeConfig broker 節點
type NodeConfig struct {
	Host              string        `yaml:"host"` // 其他節點與 worker 看到的地址
	Port              int           `yaml:"port"` // gRPC 埠
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

// Self 本節點在叢集中的識別
func (n NodeConfig) Self() types.Node {
	return types.Node{Host: n.Host, Port: n.Port}
}

// SchedulerConfig meta task 與健康檢查
type SchedulerConfig struct {
	PoolSize        int           `yaml:"pool_size"`  // 執行 meta task 的 goroutine 數
	QueueSize       int           `yaml:"queue_size"` // 執行池佇列上限
	LoadInterval    time.Duration `yaml:"load_interval"`
	CheckInterval   time.Duration `yaml:"check_interval"`
	LoadAhead       time.Duration `yaml:"load_ahead"`
	Grace           time.Duration `yaml:"grace"`
	DispatchTimeout time.Duration `yaml:"dispatch_timeout"`
	BatchSize       int           `yaml:"batch_size"`
}

// DispatchConfig Task 分派
type DispatchConfig struct {
	Rate    float64       `yaml:"rate"` // 每秒上限，0 不限
	Burst   int           `yaml:"burst"`
	Timeout time.Duration `yaml:"timeout"`
}

// AgentConfig worker 模式
type AgentConfig struct {
	ID                string        `yaml:"id"` // 空白時啟動時產生
	Group             string        `yaml:"group"`
	Tags              []string      `yaml:"tags"`
	Host              string        `yaml:"host"`
	Port              int           `yaml:"port"`
	Concurrency       int           `yaml:"concurrency"`
	QueueSize         int           `yaml:"queue_size"`
	TaskTimeout       time.Duration `yaml:"task_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

// MetricsConfig Prometheus
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Load 讀取配置檔並補上預設值
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse 解析 YAML 並補上預設值
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}

// ApplyDefaults 補上未設定欄位的預設值
func (c *Config) ApplyDefaults() {
	if c.Node.Host == "" {
		c.Node.Host = "127.0.0.1"
	}
	if c.Node.Port == 0 {
		c.Node.Port = 7070
	}
	if c.Node.HeartbeatInterval <= 0 {
		c.Node.HeartbeatInterval = 3 * time.Second
	}

	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.Driver == "sqlite" && c.Database.DSN == "" {
		c.Database.DSN = "file:beaver.db?_pragma=busy_timeout(5000)"
	}

	if c.Redis.Addr == "" {
		c.Redis.Addr = "127.0.0.1:6379"
	}
	if c.Redis.Prefix == "" {
		c.Redis.Prefix = "beaver"
	}
	if c.Redis.TTL <= 0 {
		c.Redis.TTL = 15 * time.Second
	}

	s := &c.Scheduler
	if s.PoolSize <= 0 {
		s.PoolSize = 8
	}
	if s.QueueSize <= 0 {
		s.QueueSize = 1024
	}
	if s.LoadInterval <= 0 {
		s.LoadInterval = 10 * time.Second
	}
	if s.CheckInterval <= 0 {
		s.CheckInterval = 10 * time.Second
	}
	if s.LoadAhead <= 0 {
		s.LoadAhead = 2 * s.LoadInterval
	}
	if s.Grace <= 0 {
		s.Grace = 30 * time.Second
	}
	if s.DispatchTimeout <= 0 {
		s.DispatchTimeout = 30 * time.Second
	}
	if s.BatchSize <= 0 {
		s.BatchSize = 200
	}

	if c.Dispatch.Timeout <= 0 {
		c.Dispatch.Timeout = 3 * time.Second
	}

	a := &c.Agent
	if a.Group == "" {
		a.Group = "default"
	}
	if a.Host == "" {
		a.Host = "127.0.0.1"
	}
	if a.Port == 0 {
		a.Port = 7080
	}
	if a.Concurrency <= 0 {
		a.Concurrency = 4
	}
	if a.QueueSize <= 0 {
		a.QueueSize = 64
	}
	if a.TaskTimeout <= 0 {
		a.TaskTimeout = time.Minute
	}
	if a.HeartbeatInterval <= 0 {
		a.HeartbeatInterval = 3 * time.Second
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":9090"
	}
}

// Validate 檢查配置，回傳所有問題
func (c *Config) Validate() error {
	var errs error
	check := func(ok bool, msg string) {
		if !ok {
			errs = multierr.Append(errs, errors.New(msg))
		}
	}

	check(c.Node.Port > 0 && c.Node.Port < 65536, "node.port must be between 1 and 65535")
	check(c.Agent.Port > 0 && c.Agent.Port < 65536, "agent.port must be between 1 and 65535")
	switch c.Database.Driver {
	case "mysql", "postgres", "sqlite":
	default:
		check(false, fmt.Sprintf("database.driver %q is not one of mysql, postgres, sqlite", c.Database.Driver))
	}
	check(c.Database.DSN != "", "database.dsn is required")
	check(c.Redis.TTL > c.Node.HeartbeatInterval, "redis.ttl must be longer than node.heartbeat_interval")
	check(c.Redis.TTL > c.Agent.HeartbeatInterval, "redis.ttl must be longer than agent.heartbeat_interval")
	check(c.Scheduler.DispatchTimeout >= c.Dispatch.Timeout, "scheduler.dispatch_timeout must not be shorter than dispatch.timeout")
	check(c.Dispatch.Rate >= 0, "dispatch.rate must not be negative")
	return errs
}
