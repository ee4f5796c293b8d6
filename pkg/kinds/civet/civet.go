// Package civet 实现 CIVET 皮层厚度流水线的任务种类：
// 提交侧按 T1 扫描扇出子任务并可追加研究集组合器/质检任务，
// 执行侧准备 MINC 输入、拼装流水线命令并按三信号判定完成。
package civet

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/stevelan1995/gridflow/pkg/core/task"
)

// KindName 注册表中的种类名
const KindName = "civet"

var (
	// t1InferRE 从 T1 文件名推断 prefix 和 dsid："study_sub01_t1.mnc"
	t1InferRE = regexp.MustCompile(`(?i)(\w+)(\W|_)(\w+)(\W|_)t1(\b|_)`)

	// t1MarkRE 判断文件名是否是 T1 扫描
	t1MarkRE = regexp.MustCompile(`(?i)(\b|_)t1(\b|_)`)

	// mincRE MINC 文件扩展名
	mincRE = regexp.MustCompile(`(?i)\.mnc(\.gz|\.Z)?$`)

	// identRE prefix/dsid 必须是标识符
	identRE = regexp.MustCompile(`^\w[\w\-]*$`)

	digitsRE = regexp.MustCompile(`^\s*\d+\s*$`)
	lsqRE    = regexp.MustCompile(`^\s*(?:0|6|9|12)\s*$`)

	// stdoutSentinelRE 流水线收尾哨兵行
	stdoutSentinelRE = regexp.MustCompile(`^Stopped processing all pipelines`)
)

// DefaultOutputPattern 产物命名模板的缺省值
const DefaultOutputPattern = "{subject}-{cluster}-{task_id}-{run_number}"

// inferPrefixDsid 从 T1 文件名推断 (prefix, dsid)，推断不出时返回空串
func inferPrefixDsid(t1Name string) (string, string) {
	m := t1InferRE.FindStringSubmatch(t1Name)
	if m == nil {
		return "", ""
	}
	return m[1], m[3]
}

// companionName 把 T1 文件名中的 t1 段换成 t2/pd/mask
func companionName(t1Name, kind string) string {
	return t1MarkRE.ReplaceAllString(t1Name, "${1}"+kind+"${2}")
}

// fileArg0 取出任务的唯一 file_args 条目
// 扇出后每个子任务的 file_args 恒为 {"0": {...}}
func fileArg0(p task.Params) (map[string]interface{}, error) {
	fa := p.GetSubMap("file_args")
	if fa == nil {
		return nil, fmt.Errorf("参数缺少 file_args")
	}
	if len(fa) != 1 {
		return nil, fmt.Errorf("file_args 有 %d 个条目，该任务不是扇出后的单体任务", len(fa))
	}
	entry, ok := fa["0"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("file_args 结构错误: 缺少键 \"0\"")
	}
	return entry, nil
}

func argString(m map[string]interface{}, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func argBool(m map[string]interface{}, key string) bool {
	return task.Params(m).GetBool(key)
}

// isValidIntegerList 判断冒号/逗号/空白分隔的整数列表
// allowBlanks 为真时空串合法
func isValidIntegerList(s string, allowBlanks bool) bool {
	s = strings.TrimSpace(s)
	if s == "" {
		return allowBlanks
	}
	for _, piece := range strings.FieldsFunc(s, func(r rune) bool {
		return r == ':' || r == ',' || r == ' '
	}) {
		if _, err := strconv.Atoi(piece); err != nil {
			return false
		}
	}
	return true
}
