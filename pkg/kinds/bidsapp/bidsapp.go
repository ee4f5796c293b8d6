// Package bidsapp 以 BIDS 应用的约定跑神经影像分析容器：
// 数据集目录 + 输出目录 + 分析层级的三段式命令行。
// participant 层级按受试者扇出，group 层级汇总，save 层级
// 只把数据集里现成的 derivatives 采收成产物。
// 容器镜像安装在任务间共享的目录里，用目录锁串行化。
package bidsapp

import (
	"regexp"

	"github.com/stevelan1995/gridflow/pkg/core/cluster"
	"github.com/stevelan1995/gridflow/pkg/core/portal"
	"github.com/stevelan1995/gridflow/pkg/core/registry"
)

// KindName 注册表中的种类名
const KindName = "bids_app"

// 分析层级
const (
	ModeParticipant = "participant"
	ModeGroup       = "group"
	ModeSave        = "save"
)

var (
	// participantRE BIDS 受试者标签（sub- 前缀之后的部分）
	participantRE = regexp.MustCompile(`^[A-Za-z0-9]+$`)

	// subDirRE 数据集顶层的受试者目录名
	subDirRE = regexp.MustCompile(`^sub-([A-Za-z0-9]+)$`)

	// toolRE 应用入口命令只允许保守的字符集
	toolRE = regexp.MustCompile(`^[\w./\-]+$`)

	commandNotFoundRE = regexp.MustCompile(`command not found`)
)

// 跳过表单层、不进入命令行 JSON 的控制键前缀
const controlKeyPrefix = "_cb_"

func init() {
	registry.MustRegister(registry.Entry{
		Name:    KindName,
		Portal:  func() portal.Kind { return &Portal{} },
		Cluster: func() cluster.Kind { return &Cluster{} },
	})
}
