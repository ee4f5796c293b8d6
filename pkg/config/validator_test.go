package config

import (
	"strings"
	"testing"
)

func validConfig() *Config {
	cfg := Default()
	cfg.GridFlow.Storage.ProviderDir = "/data/provider"
	cfg.GridFlow.Storage.CacheDir = "/data/cache"
	cfg.GridFlow.Execution.WorkRoot = "/data/work"
	return cfg
}

func TestValidateOK(t *testing.T) {
	if err := Validate(validConfig()); err != nil {
		t.Fatalf("合法配置不应报错: %v", err)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		keyword string
	}{
		{"空配置", nil, "不能为空"},
		{"非法日志级别", func(c *Config) { c.GridFlow.General.LogLevel = "verbose" }, "log_level"},
		{"非法端口", func(c *Config) { c.GridFlow.HTTPPort = -1 }, "http_port"},
		{"非法驱动", func(c *Config) { c.GridFlow.Storage.Database.Driver = "oracle" }, "driver"},
		{"缺工作根目录", func(c *Config) { c.GridFlow.Execution.WorkRoot = "" }, "work_root"},
		{"子池超过全局", func(c *Config) {
			c.GridFlow.Execution.MaxWorkers = 2
			c.GridFlow.Execution.ResourceSlots = map[string]int{"a": 3}
		}, "resource_slots"},
		{"子池为零", func(c *Config) {
			c.GridFlow.Execution.ResourceSlots = map[string]int{"a": 0}
		}, "resource_slots"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var cfg *Config
			if tt.mutate != nil {
				cfg = validConfig()
				tt.mutate(cfg)
			}
			err := Validate(cfg)
			if err == nil {
				t.Fatal("期望校验失败")
			}
			if !strings.Contains(err.Error(), tt.keyword) {
				t.Errorf("错误信息 %q 不含关键字 %q", err.Error(), tt.keyword)
			}
		})
	}
}
