package main

import (
	"os"

	"github.com/stevelan1995/gridflow/pkg/cli/cmd"

	_ "github.com/stevelan1995/gridflow/pkg/kinds"
)

// gridflow 命令行入口：既是服务端启动器也是API客户端
func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
