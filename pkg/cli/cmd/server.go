package cmd

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/stevelan1995/gridflow/internal/storage/sqlite"
	"github.com/stevelan1995/gridflow/pkg/api"
	"github.com/stevelan1995/gridflow/pkg/cli/output"
	"github.com/stevelan1995/gridflow/pkg/config"
	"github.com/stevelan1995/gridflow/pkg/core/engine"
	"github.com/stevelan1995/gridflow/pkg/core/store"
	"github.com/stevelan1995/gridflow/pkg/notify"
)

var (
	serverPort int
	serverHost string
	configPath string
)

// serverCmd server子命令
var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "服务管理命令",
	Long:  `管理GridFlow引擎与HTTP API服务。`,
}

// serverStartCmd 启动服务
var serverStartCmd = &cobra.Command{
	Use:   "start",
	Short: "启动引擎与HTTP API服务",
	Long: `启动GridFlow调度引擎和HTTP API服务。

示例：
  # 使用默认配置启动
  gridflow server start

  # 指定端口启动
  gridflow server start --port 8080

  # 指定配置文件启动
  gridflow server start --config ./configs/gridflow.yaml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			output.Error("加载配置失败: %v", err)
			return err
		}

		eng, cleanup, err := buildEngine(cfg)
		if err != nil {
			output.Error("创建引擎失败: %v", err)
			return err
		}
		defer cleanup()

		if err := eng.Start(); err != nil {
			output.Error("启动引擎失败: %v", err)
			return err
		}

		// 失败任务告警走事件总线，随进程退出
		watchCtx, stopWatch := context.WithCancel(context.Background())
		defer stopWatch()
		watcher := notify.NewWatcher(notify.NewLogNotifier())
		if err := watcher.Watch(watchCtx, eng.Bus()); err != nil {
			output.Warning("启动告警监听失败: %v", err)
		}

		port := serverPort
		if !cmd.Flags().Changed("port") && cfg.GridFlow.HTTPPort != 0 {
			port = cfg.GridFlow.HTTPPort
		}
		apiConfig := api.ServerConfig{
			Host:         serverHost,
			Port:         port,
			ReadTimeout:  api.DefaultServerConfig().ReadTimeout,
			WriteTimeout: api.DefaultServerConfig().WriteTimeout,
		}

		apiServer := api.NewAPIServer(eng, apiConfig, Version)

		go func() {
			if err := apiServer.Start(); err != nil {
				log.Printf("API服务器错误: %v", err)
			}
		}()

		output.Success("GridFlow Server started on %s:%d", serverHost, port)

		// 等待中断信号
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit

		output.Info("正在关闭服务...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), api.DefaultServerConfig().WriteTimeout)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			output.Error("关闭API服务器失败: %v", err)
		}

		if err := eng.Stop(); err != nil {
			output.Error("停止引擎失败: %v", err)
		}
		output.Success("服务已停止")

		return nil
	},
}

// loadConfig 解析 --config，未指定时探测默认路径，找不到就用全缺省配置
func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		defaultPaths := []string{
			"./configs/gridflow.yaml",
			"./config/gridflow.yaml",
			"./gridflow.yaml",
		}
		for _, p := range defaultPaths {
			if _, err := os.Stat(p); err == nil {
				path = p
				break
			}
		}
	}
	if path == "" {
		output.Warning("未找到配置文件，使用缺省配置")
		return config.Default(), nil
	}

	output.Info("使用配置文件: %s", path)
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// buildEngine 按配置装配任务存储、结果存储和调度引擎
func buildEngine(cfg *config.Config) (*engine.Engine, func(), error) {
	gf := &cfg.GridFlow

	repos, err := sqlite.NewRepositories(gf.Storage.Database.Driver, gf.Storage.Database.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("创建任务存储失败: %w", err)
	}

	resultStore, err := store.NewLocalStore(gf.Storage.ProviderDir, gf.Storage.CacheDir)
	if err != nil {
		repos.Close()
		return nil, nil, fmt.Errorf("创建结果存储失败: %w", err)
	}

	eng, err := engine.NewBuilder().
		WithRepository(repos.Task).
		WithResultStore(resultStore).
		WithWorkRoot(gf.Execution.WorkRoot).
		WithMaxWorkers(gf.Execution.MaxWorkers).
		WithResourceSlots(gf.Execution.ResourceSlots).
		WithPollSpec(gf.Execution.PollSpec).
		WithMaxRecoveryAttempts(gf.Execution.Recovery.MaxAttempts).
		Build()
	if err != nil {
		repos.Close()
		return nil, nil, err
	}

	cleanup := func() {
		if err := repos.Close(); err != nil {
			log.Printf("关闭数据库失败: %v", err)
		}
	}
	return eng, cleanup, nil
}

func init() {
	serverStartCmd.Flags().IntVarP(&serverPort, "port", "p", 8080, "监听端口")
	serverStartCmd.Flags().StringVarP(&serverHost, "host", "H", "0.0.0.0", "监听地址")
	serverStartCmd.Flags().StringVarP(&configPath, "config", "c", "", "配置文件路径")

	serverCmd.AddCommand(serverStartCmd)
}
