package bidsapp

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/stevelan1995/gridflow/pkg/core/cluster"
	"github.com/stevelan1995/gridflow/pkg/core/lock"
	"github.com/stevelan1995/gridflow/pkg/core/store"
)

// imageInstallTimeout 等待其它工作进程安装同一镜像的上限
const imageInstallTimeout = 10 * time.Minute

// Cluster BIDS 应用的执行侧（对外导出）
// 工作目录布局：bids_dataset 是数据集的符号链接，outdir 收输出，
// status.all/ 放每次运行的退出状态捕获，invoke.<runID>.json 是
// 去掉控制键后的参数快照。
type Cluster struct{}

var _ cluster.Kind = (*Cluster)(nil)

// Setup 准备数据集、容器镜像和调用参数文件（对外导出）
// 镜像装进任务间共享的目录：先抢目录锁，再用临时目录 + 原子改名
// 安装，多个任务并发要同一镜像时恰好装一次。
func (c *Cluster) Setup(rc *cluster.RunContext) (bool, error) {
	params := rc.Task.Params
	datasetID := params.GetString("bids_dataset_id")
	if datasetID == "" {
		return false, fmt.Errorf("参数缺少 bids_dataset_id")
	}
	ds, err := rc.Store.FindByID(rc.Ctx, datasetID)
	if err != nil {
		return false, err
	}
	if ds == nil {
		rc.Task.AddLog("BIDS 数据集 %s 已不存在", datasetID)
		return false, nil
	}
	if err := rc.MakeAvailable(datasetID, "bids_dataset"); err != nil {
		return false, err
	}
	if err := rc.SafeMkdir("outdir"); err != nil {
		return false, err
	}
	if err := rc.SafeMkdir("status.all"); err != nil {
		return false, err
	}
	if rc.Task.ResultsLocationID == "" {
		rc.Task.ResultsLocationID = ds.ProviderID
	}

	mode := params.GetString("mode")
	if mode == ModeSave {
		return c.setupSaveMode(rc, datasetID)
	}

	if ok, err := c.installImage(rc); err != nil || !ok {
		return ok, err
	}
	if err := c.writeInvokeFile(rc); err != nil {
		return false, err
	}
	log.Printf("✅ [bids_app] 任务 %s 输入就绪: 数据集 %s，层级 %s", rc.Task.RunID(), ds.Name, mode)
	return true, nil
}

// setupSaveMode save 层级直接把数据集的 derivatives 复制成输出
func (c *Cluster) setupSaveMode(rc *cluster.RunContext, datasetID string) (bool, error) {
	cachePath, err := rc.Store.SyncToCache(rc.Ctx, datasetID)
	if err != nil {
		return false, err
	}
	derivatives := filepath.Join(cachePath, "derivatives")
	if _, err := os.Stat(derivatives); err != nil {
		rc.Task.AddLog("数据集里没有 derivatives 目录，没有可保存的结果")
		return false, nil
	}
	if err := rc.SafeSymlink(derivatives, filepath.Join("outdir", "derivatives")); err != nil {
		return false, err
	}
	return true, nil
}

// installImage 把容器镜像装进共享目录并在工作目录里留符号链接
func (c *Cluster) installImage(rc *cluster.RunContext) (bool, error) {
	imageID := rc.Task.Params.GetString("app_image_id")
	image, err := rc.Store.FindByID(rc.Ctx, imageID)
	if err != nil {
		return false, err
	}
	if image == nil {
		rc.Task.AddLog("容器镜像产物 %s 已不存在", imageID)
		return false, nil
	}

	sharedDir := filepath.Join(filepath.Dir(rc.Workdir), ".shared", "images")
	if err := os.MkdirAll(sharedDir, 0o755); err != nil {
		return false, fmt.Errorf("创建共享镜像目录失败: %w", err)
	}
	target := filepath.Join(sharedDir, image.ID)

	l := lock.New(target + ".lock")
	if err := l.Acquire(rc.Ctx, imageInstallTimeout); err != nil {
		return false, err
	}
	defer l.Release()

	err = lock.InstallShared(target, func(tmpDir string) error {
		cachePath, err := rc.Store.SyncToCache(rc.Ctx, imageID)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(cachePath)
		if err != nil {
			return err
		}
		return os.WriteFile(filepath.Join(tmpDir, "image.sqfs"), data, 0o644)
	})
	if err != nil {
		return false, err
	}
	return true, rc.SafeSymlink(filepath.Join(target, "image.sqfs"), "image.sqfs")
}

// writeInvokeFile 参数快照进命令行可读的 JSON，控制键被剥掉
func (c *Cluster) writeInvokeFile(rc *cluster.RunContext) error {
	invoke := map[string]interface{}{}
	for k, v := range rc.Task.Params.GetSubMap("invoke") {
		if strings.HasPrefix(k, controlKeyPrefix) {
			continue
		}
		invoke[k] = v
	}
	if labels := rc.Task.Params.GetStringSlice("participants"); len(labels) > 0 {
		invoke["participant_label"] = labels
	}
	data, err := json.MarshalIndent(invoke, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化调用参数失败: %w", err)
	}
	name := fmt.Sprintf("invoke.%s.json", rc.Task.RunID())
	return os.WriteFile(filepath.Join(rc.Workdir, name), data, 0o644)
}

// ClusterCommands 三段式 BIDS 命令行（对外导出）
// 退出状态另行捕获进 status.all/<runID>，非零时再留一个
// .failed 标记，完成判定不信任网格上报的退出码。
func (c *Cluster) ClusterCommands(rc *cluster.RunContext) ([]string, error) {
	params := rc.Task.Params
	mode := params.GetString("mode")
	if mode == ModeSave {
		return nil, nil
	}

	tool := strings.TrimSpace(params.GetString("app_command"))
	if !toolRE.MatchString(tool) {
		return nil, fmt.Errorf("应用入口命令 %q 非法", tool)
	}

	args := []string{tool, "bids_dataset", "outdir", mode}
	if mode == ModeParticipant {
		labels := params.GetStringSlice("participants")
		if len(labels) != 1 {
			return nil, fmt.Errorf("participant 层级的任务必须恰好有一个受试者，当前 %d 个", len(labels))
		}
		if !participantRE.MatchString(labels[0]) {
			return nil, fmt.Errorf("受试者标签 %q 非法", labels[0])
		}
		args = append(args, "--participant_label", cluster.BashEscape(labels[0]))
	}
	runID := rc.Task.RunID()
	appCmd := strings.Join(args, " ")
	return []string{
		fmt.Sprintf("echo 运行 BIDS 应用，层级 %s", cluster.BashEscape(mode)),
		fmt.Sprintf("set +e ; ( %s ) ; status=$? ; set -e", appCmd),
		fmt.Sprintf("echo $status > status.all/%s", runID),
		fmt.Sprintf("if test $status -ne 0 ; then touch status.all/%s.failed ; fi", runID),
		"exit $status",
	}, nil
}

// SaveResults 判定完成并采收 outdir（对外导出）
// 信号：输出目录非空、没有 .failed 标记、状态捕获文件必须存在且为 0。
// save 层级没有网格运行，只检查输出内容是否就位。
func (c *Cluster) SaveResults(rc *cluster.RunContext) (bool, error) {
	params := rc.Task.Params
	mode := params.GetString("mode")

	if mode != ModeSave {
		if hit, err := rc.StderrMatches(commandNotFoundRE); err != nil {
			return false, err
		} else if hit {
			rc.Task.AddLog("执行环境缺少应用入口命令")
			return false, nil
		}
		policy := &cluster.CompletionPolicy{
			OutputDir:      "outdir",
			FailureMarkers: []string{"status.all/*.failed"},
		}
		ok, reason, err := rc.VerifyCompletion(policy)
		if err != nil {
			return false, err
		}
		if !ok {
			rc.Task.AddLog("完成判定未通过: %s", reason)
			return false, nil
		}
		statusFile := filepath.Join(rc.Workdir, "status.all", rc.Task.RunID())
		data, err := os.ReadFile(statusFile)
		if err != nil {
			rc.Task.AddLog("退出状态捕获文件缺失，作业可能根本没跑起来")
			return false, nil
		}
		if strings.TrimSpace(string(data)) != "0" {
			rc.Task.AddLog("应用退出状态为 %s", strings.TrimSpace(string(data)))
			return false, nil
		}
		// 退出码为 0 不代表真有产出：每个受试者至少要有一个输出文件
		if mode == ModeParticipant {
			for _, label := range params.GetStringSlice("participants") {
				found, err := participantHasOutput(rc.Workdir, label)
				if err != nil {
					return false, err
				}
				if !found {
					rc.Task.AddLog("受试者 %s 没有产生任何输出", label)
					return false, nil
				}
			}
		}
	} else if !rc.PathExists(filepath.Join("outdir", "derivatives")) {
		rc.Task.AddLog("save 层级没有可保存的 derivatives")
		return false, nil
	}

	outName := strings.TrimSpace(params.GetString("output_name"))
	if outName == "" {
		base := filepath.Base(params.GetString("app_command"))
		if base == "" || base == "." {
			base = "bids-app"
		}
		outName = fmt.Sprintf("%s-%s-%s", base, mode, rc.Task.RunID())
	}

	artifact, err := rc.Store.FindOrCreateByName(rc.Ctx, store.TypeCollection, outName, rc.Task.ResultsLocationID)
	if err != nil {
		return false, fmt.Errorf("登记结果产物 %s 失败: %w", outName, err)
	}
	if err := rc.Store.CacheCopyFromLocalFile(rc.Ctx, artifact.ID, filepath.Join(rc.Workdir, "outdir")); err != nil {
		return false, fmt.Errorf("回传结果产物失败: %w", err)
	}
	if err := rc.Store.SetCreatedBy(rc.Ctx, artifact.ID, rc.Task.ID); err != nil {
		return false, err
	}
	if dsID := params.GetString("bids_dataset_id"); dsID != "" {
		if err := rc.Store.MoveToChildOf(rc.Ctx, artifact.ID, dsID); err != nil {
			return false, err
		}
	}
	rc.Task.Params["output_artifact_ids"] = []string{artifact.ID}
	rc.Task.AddLog("结果已采收为产物 %s (%s)", outName, artifact.ID)
	return true, nil
}

// participantHasOutput 在 outdir 里找至少一个属于该受试者的文件或目录。
// 匹配带边界的 sub-<label>，避免 01 误认 012 的输出。
func participantHasOutput(workdir, label string) (bool, error) {
	re, err := regexp.Compile(`(^|[^A-Za-z0-9])sub-` + regexp.QuoteMeta(label) + `([^A-Za-z0-9]|$)`)
	if err != nil {
		return false, fmt.Errorf("受试者标签 %q 无法构造匹配: %w", label, err)
	}

	found := false
	outdir := filepath.Join(workdir, "outdir")
	err = filepath.WalkDir(outdir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == outdir {
			return nil
		}
		if re.MatchString(d.Name()) {
			found = true
			return filepath.SkipAll
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("扫描输出目录失败: %w", err)
	}
	return found, nil
}

// RecoverFromClusterFailure 清理状态捕获和半成品输出（对外导出）
func (c *Cluster) RecoverFromClusterFailure(rc *cluster.RunContext) (bool, error) {
	for _, g := range []string{"status.all/*", "outdir/*"} {
		if _, err := rc.RemoveGlob(g); err != nil {
			return false, err
		}
	}
	datasetID := rc.Task.Params.GetString("bids_dataset_id")
	ds, err := rc.Store.FindByID(rc.Ctx, datasetID)
	if err != nil {
		return false, err
	}
	if ds == nil {
		rc.Task.AddLog("BIDS 数据集 %s 已不存在，无法恢复", datasetID)
		return false, nil
	}
	if _, err := rc.Store.SyncToCache(rc.Ctx, datasetID); err != nil {
		return false, err
	}
	rc.Task.AddLog("失败残留已清理，数据集已重新同步")
	return true, nil
}
