// Package pattern 实现产物命名模板的小语言：
// 模板中的 {关键字} 被替换为任务提供的值，{1}..{N} 被替换为
// 源文件名中第 N 段连续字母数字。采收产物时用它生成输出名。
package pattern

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	tokenRE    = regexp.MustCompile(`\{([a-z_]+|\d+)\}`)
	alnumRunRE = regexp.MustCompile(`[A-Za-z0-9]+`)
	legalRE    = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_~!@#%^&*()\-+=:;\[\]{}|<>,.?]*$`)
)

// Components 把源文件名拆成字母数字段（对外导出）
// "sub-01_T1w.mnc" -> ["sub", "01", "T1w", "mnc"]，{1} 对应第一段。
func Components(sourceName string) []string {
	return alnumRunRE.FindAllString(sourceName, -1)
}

// Expand 展开模板（对外导出）
// keywords 提供 {subject} {prefix} {date} {time} {cluster} {task_id}
// {run_number} 等命名关键字；sourceName 供位置关键字 {1}..{N} 取段。
// 未知关键字或越界的位置关键字返回错误。
func Expand(tpl, sourceName string, keywords map[string]string) (string, error) {
	comps := Components(sourceName)
	var expandErr error

	out := tokenRE.ReplaceAllStringFunc(tpl, func(tok string) string {
		key := tok[1 : len(tok)-1]
		if n, err := strconv.Atoi(key); err == nil {
			if n < 1 || n > len(comps) {
				expandErr = fmt.Errorf("模板位置关键字 {%d} 越界: 源名 %q 只有 %d 段", n, sourceName, len(comps))
				return ""
			}
			return comps[n-1]
		}
		v, ok := keywords[key]
		if !ok {
			expandErr = fmt.Errorf("模板关键字 {%s} 无对应取值", key)
			return ""
		}
		return v
	})
	if expandErr != nil {
		return "", expandErr
	}
	return strings.TrimSpace(out), nil
}

// IsLegalFilename 判断展开结果能否作为产物名（对外导出）
// 必须以字母数字开头，且不含路径分隔符、空白和控制字符。
func IsLegalFilename(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return legalRE.MatchString(name)
}
