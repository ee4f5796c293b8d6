package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/stevelan1995/gridflow/internal/storage/sqlite"
	"github.com/stevelan1995/gridflow/pkg/api"
	"github.com/stevelan1995/gridflow/pkg/config"
	"github.com/stevelan1995/gridflow/pkg/core/engine"
	"github.com/stevelan1995/gridflow/pkg/core/store"
	"github.com/stevelan1995/gridflow/pkg/notify"

	_ "github.com/stevelan1995/gridflow/pkg/kinds"
)

var version = "dev"

// 服务端入口：装配存储、引擎和HTTP API后阻塞运行
func main() {
	configPath := flag.String("config", "./configs/gridflow.yaml", "配置文件路径")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatal("加载配置失败: ", err)
	}
	gf := &cfg.GridFlow

	repos, err := sqlite.NewRepositories(gf.Storage.Database.Driver, gf.Storage.Database.DSN)
	if err != nil {
		log.Fatal("创建任务存储失败: ", err)
	}
	defer repos.Close()

	resultStore, err := store.NewLocalStore(gf.Storage.ProviderDir, gf.Storage.CacheDir)
	if err != nil {
		log.Fatal("创建结果存储失败: ", err)
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
		log.Fatal("创建引擎失败: ", err)
	}

	if err := eng.Start(); err != nil {
		log.Fatal("启动引擎失败: ", err)
	}
	defer eng.Stop()

	watchCtx, stopWatch := context.WithCancel(context.Background())
	defer stopWatch()
	watcher := notify.NewWatcher(notify.NewLogNotifier())
	if err := watcher.Watch(watchCtx, eng.Bus()); err != nil {
		log.Printf("启动告警监听失败: %v", err)
	}

	apiServer := api.NewAPIServer(eng, api.ServerConfig{
		Host:         "0.0.0.0",
		Port:         gf.HTTPPort,
		ReadTimeout:  api.DefaultServerConfig().ReadTimeout,
		WriteTimeout: api.DefaultServerConfig().WriteTimeout,
	}, version)

	go func() {
		if err := apiServer.Start(); err != nil {
			log.Printf("API服务器错误: %v", err)
		}
	}()

	log.Println("🎉 GridFlow 服务端启动完成")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), api.DefaultServerConfig().WriteTimeout)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("关闭API服务器失败: %v", err)
	}
}

// loadConfig 配置文件存在则加载校验，否则退回全缺省配置
func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); err != nil {
		log.Printf("配置文件 %s 不存在，使用缺省配置", path)
		return config.Default(), nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
