package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// 缺省值
const (
	DefaultInstanceName = "gridflow"
	DefaultLogLevel     = "info"
	DefaultHTTPPort     = 8080
	DefaultDriver       = "sqlite3"
	DefaultDSN          = "./gridflow.db"
	DefaultMaxOpen      = 10
	DefaultMaxIdle      = 5
	DefaultMaxWorkers   = 10
	DefaultPollSpec     = "*/5 * * * * *"
	DefaultMaxAttempts  = 3
	DefaultProviderDir  = "./data/provider"
	DefaultCacheDir     = "./data/cache"
	DefaultWorkRoot     = "./data/work"
)

// Load 加载配置文件（对外导出）
// 文件内容先做 ${ENV} 环境变量展开再解析，缺失的字段补缺省值。
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件 %s 失败: %w", path, err)
	}

	expanded := os.ExpandEnv(string(data))
	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件 %s 失败: %w", path, err)
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

// Default 返回全缺省配置（对外导出）
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

func applyDefaults(cfg *Config) {
	gf := &cfg.GridFlow
	if gf.General.InstanceName == "" {
		gf.General.InstanceName = DefaultInstanceName
	}
	if gf.General.LogLevel == "" {
		gf.General.LogLevel = DefaultLogLevel
	}
	if gf.HTTPPort == 0 {
		gf.HTTPPort = DefaultHTTPPort
	}
	if gf.Storage.Database.Driver == "" {
		gf.Storage.Database.Driver = DefaultDriver
	}
	if gf.Storage.Database.DSN == "" {
		gf.Storage.Database.DSN = DefaultDSN
	}
	if gf.Storage.Database.MaxOpenConns == 0 {
		gf.Storage.Database.MaxOpenConns = DefaultMaxOpen
	}
	if gf.Storage.Database.MaxIdleConns == 0 {
		gf.Storage.Database.MaxIdleConns = DefaultMaxIdle
	}
	if gf.Storage.ProviderDir == "" {
		gf.Storage.ProviderDir = DefaultProviderDir
	}
	if gf.Storage.CacheDir == "" {
		gf.Storage.CacheDir = DefaultCacheDir
	}
	if gf.Execution.WorkRoot == "" {
		gf.Execution.WorkRoot = DefaultWorkRoot
	}
	if gf.Execution.MaxWorkers == 0 {
		gf.Execution.MaxWorkers = DefaultMaxWorkers
	}
	if gf.Execution.PollSpec == "" {
		gf.Execution.PollSpec = DefaultPollSpec
	}
	if gf.Execution.Recovery.MaxAttempts == 0 {
		gf.Execution.Recovery.MaxAttempts = DefaultMaxAttempts
	}
}

// ParseDuration 解析时长字符串，空串返回 0（对外导出）
func ParseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}
