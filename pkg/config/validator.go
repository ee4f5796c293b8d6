package config

import (
	"fmt"
)

// Validate 校验配置合法性（对外导出）
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("配置不能为空")
	}
	gf := &cfg.GridFlow

	if gf.General.InstanceName == "" {
		return fmt.Errorf("general.instance_name不能为空")
	}
	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLevels[gf.General.LogLevel] {
		return fmt.Errorf("general.log_level必须是debug/info/warn/error之一")
	}
	if gf.HTTPPort <= 0 || gf.HTTPPort > 65535 {
		return fmt.Errorf("http_port必须在1-65535之间")
	}

	validDrivers := map[string]bool{
		"sqlite3":  true,
		"mysql":    true,
		"postgres": true,
	}
	if !validDrivers[gf.Storage.Database.Driver] {
		return fmt.Errorf("storage.database.driver必须是sqlite3/mysql/postgres之一")
	}
	if gf.Storage.Database.DSN == "" {
		return fmt.Errorf("storage.database.dsn不能为空")
	}
	if gf.Storage.Database.MaxOpenConns <= 0 {
		return fmt.Errorf("storage.database.max_open_conns必须大于0")
	}
	if gf.Storage.Database.MaxIdleConns < 0 {
		return fmt.Errorf("storage.database.max_idle_conns不能为负数")
	}
	if gf.Storage.ProviderDir == "" {
		return fmt.Errorf("storage.provider_dir不能为空")
	}
	if gf.Storage.CacheDir == "" {
		return fmt.Errorf("storage.cache_dir不能为空")
	}

	if gf.Execution.WorkRoot == "" {
		return fmt.Errorf("execution.work_root不能为空")
	}
	if gf.Execution.MaxWorkers <= 0 {
		return fmt.Errorf("execution.max_workers必须大于0")
	}
	sum := 0
	for name, n := range gf.Execution.ResourceSlots {
		if n <= 0 {
			return fmt.Errorf("execution.resource_slots.%s必须大于0", name)
		}
		sum += n
	}
	if sum > gf.Execution.MaxWorkers {
		return fmt.Errorf("execution.resource_slots之和%d超过max_workers %d", sum, gf.Execution.MaxWorkers)
	}
	if gf.Execution.Recovery.MaxAttempts <= 0 {
		return fmt.Errorf("execution.recovery.max_attempts必须大于0")
	}
	return nil
}
