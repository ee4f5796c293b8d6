package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/stevelan1995/gridflow/pkg/cli/gridflow"
	"github.com/stevelan1995/gridflow/pkg/cli/output"
)

var (
	taskStatus  string
	taskBatch   string
	restartFrom string
	restartSets []string
)

// taskCmd task子命令
var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "任务管理命令",
	Long:  `管理任务，包括列出、查看、恢复、重启和删除。`,
}

// taskListCmd 列出任务
var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "列出任务",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := gridflow.New(serverURL)
		result, err := client.ListTasks(taskStatus, taskBatch)
		if err != nil {
			output.Error("查询失败: %v", err)
			return err
		}

		if outputJSON {
			return output.PrintResult(result)
		}

		if len(result.Items) == 0 {
			output.Info("暂无任务")
			return nil
		}

		table := output.NewTable([]string{"ID", "KIND", "STATUS", "RUN", "BATCH", "UPDATED"})
		for _, t := range result.Items {
			batch := t.BatchID
			if batch == "" {
				batch = "-"
			}
			table.AddRow([]string{
				t.ID,
				t.Kind,
				t.Status,
				fmt.Sprintf("%d", t.RunNumber),
				batch,
				t.UpdatedAt.Format("2006-01-02 15:04:05"),
			})
		}
		table.Render()
		return nil
	},
}

// taskShowCmd 查看任务详情
var taskShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "查看任务详情",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := gridflow.New(serverURL)
		result, err := client.GetTask(args[0])
		if err != nil {
			output.Error("查询失败: %v", err)
			return err
		}

		if outputJSON {
			return output.PrintResult(result)
		}

		fmt.Printf("Task:     %s\n", result.ID)
		fmt.Printf("种类:     %s\n", result.Kind)
		fmt.Printf("状态:     %s\n", output.StatusCell(result.Status))
		fmt.Printf("轮次:     %d\n", result.RunNumber)
		if result.BatchID != "" {
			fmt.Printf("批次:     %s\n", result.BatchID)
		}
		if result.Description != "" {
			fmt.Printf("描述:     %s\n", result.Description)
		}
		if result.Workdir != "" {
			fmt.Printf("工作目录: %s\n", result.Workdir)
		}
		if len(result.PrereqForSetup) > 0 {
			fmt.Println("\n前置条件:")
			for id, status := range result.PrereqForSetup {
				fmt.Printf("  - %s 需达到 %s\n", id, status)
			}
		}
		if len(result.Log) > 0 {
			fmt.Println("\n日志:")
			for _, line := range result.Log {
				fmt.Printf("  %s\n", line)
			}
		}
		return nil
	},
}

// taskRecoverCmd 恢复失败任务
var taskRecoverCmd = &cobra.Command{
	Use:   "recover <id>",
	Short: "对失败任务发起恢复",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := gridflow.New(serverURL)
		if err := client.RecoverTask(args[0]); err != nil {
			output.Error("恢复失败: %v", err)
			return err
		}

		output.Success("恢复已受理: %s", args[0])
		return nil
	},
}

// taskRestartCmd 重启任务
var taskRestartCmd = &cobra.Command{
	Use:   "restart <id>",
	Short: "重启已完成或失败的任务",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		params := map[string]interface{}{}
		for _, kv := range restartSets {
			k, v, ok := strings.Cut(kv, "=")
			if !ok || k == "" {
				output.Error("--set 参数 %q 不是 键=值 形式", kv)
				return fmt.Errorf("invalid --set %q", kv)
			}
			params[k] = v
		}

		client := gridflow.New(serverURL)
		if err := client.RestartTask(args[0], restartFrom, params); err != nil {
			output.Error("重启失败: %v", err)
			return err
		}

		output.Success("重启已受理: %s (从 %s 开始)", args[0], restartFrom)
		return nil
	},
}

// taskDeleteCmd 删除任务
var taskDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "删除任务",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := gridflow.New(serverURL)
		if err := client.DeleteTask(args[0]); err != nil {
			output.Error("删除失败: %v", err)
			return err
		}

		output.Success("任务已删除: %s", args[0])
		return nil
	},
}

// kindsCmd 列出已注册的任务种类
var kindsCmd = &cobra.Command{
	Use:   "kinds",
	Short: "列出服务端支持的任务种类",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := gridflow.New(serverURL)
		kinds, err := client.Kinds()
		if err != nil {
			output.Error("查询失败: %v", err)
			return err
		}

		if outputJSON {
			return output.PrintResult(kinds)
		}

		for _, k := range kinds {
			fmt.Println(k)
		}
		return nil
	},
}

func init() {
	taskListCmd.Flags().StringVar(&taskStatus, "status", "", "按状态过滤")
	taskListCmd.Flags().StringVar(&taskBatch, "batch", "", "按批次过滤")
	taskRestartCmd.Flags().StringVar(&restartFrom, "from", "setup", "重启起点（setup 或 cluster）")
	taskRestartCmd.Flags().StringArrayVar(&restartSets, "set", nil, "重启前修改参数，形式 键=值，可重复")

	taskCmd.AddCommand(taskListCmd)
	taskCmd.AddCommand(taskShowCmd)
	taskCmd.AddCommand(taskRecoverCmd)
	taskCmd.AddCommand(taskRestartCmd)
	taskCmd.AddCommand(taskDeleteCmd)
}
