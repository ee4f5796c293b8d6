// Package cmd 实现 gridflow 命令行的各个子命令。
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version 构建时通过 -ldflags 注入
var Version = "dev"

var (
	serverURL  string
	outputJSON bool
)

// rootCmd 根命令
var rootCmd = &cobra.Command{
	Use:   "gridflow",
	Short: "GridFlow 集群任务编排引擎",
	Long: `GridFlow 是一个面向集群流水线的任务编排引擎。

任务在门户侧（portal）完成表单校验与扇出，在集群侧（cluster）
完成输入暂存、作业提交和结果回收。本工具既可启动服务端，
也可作为客户端管理运行中的任务。`,
	SilenceUsage: true,
}

// versionCmd 版本信息
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "显示版本信息",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("gridflow %s\n", Version)
	},
}

// Execute 运行根命令（对外导出）
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", "http://localhost:8080", "GridFlow API地址")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "以JSON格式输出")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(kindsCmd)
}
