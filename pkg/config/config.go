// Package config 定义引擎的 YAML 配置结构与加载校验。
package config

// Config 顶层配置（对外导出）
type Config struct {
	GridFlow struct {
		General struct {
			InstanceName string `yaml:"instance_name"`
			LogLevel     string `yaml:"log_level"`
			Env          string `yaml:"env"`
		} `yaml:"general"`

		HTTPPort int `yaml:"http_port"`

		Storage struct {
			Database struct {
				Driver       string `yaml:"driver"` // sqlite3 / mysql / postgres
				DSN          string `yaml:"dsn"`
				MaxOpenConns int    `yaml:"max_open_conns"`
				MaxIdleConns int    `yaml:"max_idle_conns"`
			} `yaml:"database"`

			// ProviderDir / CacheDir 结果存储的权威目录和本机缓存目录
			ProviderDir string `yaml:"provider_dir"`
			CacheDir    string `yaml:"cache_dir"`
		} `yaml:"storage"`

		Execution struct {
			// WorkRoot 每个任务的工作目录建在这个根下
			WorkRoot   string `yaml:"work_root"`
			MaxWorkers int    `yaml:"max_workers"`

			// ResourceSlots 按执行资源限制的并发子池
			ResourceSlots map[string]int `yaml:"resource_slots"`

			// PollSpec 调度循环的 cron 表达式（带秒字段）
			PollSpec string `yaml:"poll_spec"`

			Recovery struct {
				MaxAttempts int `yaml:"max_attempts"`
			} `yaml:"recovery"`
		} `yaml:"execution"`
	} `yaml:"gridflow"`
}
