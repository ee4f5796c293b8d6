package output

import (
	"encoding/json"
	"os"

	"github.com/fatih/color"

	"github.com/stevelan1995/gridflow/pkg/api/dto"
)

// PrintResult 以和 API 一致的响应包装输出JSON
// --json 模式下 CLI 的输出和直接请求接口拿到的报文同构。
func PrintResult(data interface{}) error {
	return printJSON(dto.NewSuccessResponse(data))
}

func printJSON(data interface{}) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}

// Success 输出成功消息
func Success(format string, args ...interface{}) {
	green := color.New(color.FgGreen, color.Bold)
	green.Printf("✅ "+format+"\n", args...)
}

// Error 输出错误消息
func Error(format string, args ...interface{}) {
	red := color.New(color.FgRed, color.Bold)
	red.Printf("❌ "+format+"\n", args...)
}

// Info 输出信息
func Info(format string, args ...interface{}) {
	cyan := color.New(color.FgCyan)
	cyan.Printf("ℹ️  "+format+"\n", args...)
}

// Warning 输出警告
func Warning(format string, args ...interface{}) {
	yellow := color.New(color.FgYellow)
	yellow.Printf("⚠️  "+format+"\n", args...)
}
