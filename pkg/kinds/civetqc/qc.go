// Package civetqc 对一个 CIVET 研究集跑质检流水线。
// 它以组合器任务为前置，从研究树里每个受试者目录的参数快照
// 核对 prefix/dsid 一致性，质检产物写回研究集本身。
package civetqc

import (
	"fmt"
	"log"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/stevelan1995/gridflow/pkg/core/cluster"
	"github.com/stevelan1995/gridflow/pkg/core/portal"
	"github.com/stevelan1995/gridflow/pkg/core/registry"
	"github.com/stevelan1995/gridflow/pkg/core/task"
)

// KindName 注册表中的种类名
const KindName = "civet_qc"

// DsidNamesFile 受试者清单溢出到工作目录时的文件名
const DsidNamesFile = "dsid_names.lst"

var (
	qcSentinelRE      = regexp.MustCompile(`^QC pipeline finished OK`)
	commandNotFoundRE = regexp.MustCompile(`command not found`)
	paramsSidecarName = "GRIDFLOW.params.yml"
)

func init() {
	registry.MustRegister(registry.Entry{
		Name:    KindName,
		Portal:  func() portal.Kind { return &Portal{} },
		Cluster: func() cluster.Kind { return &Cluster{} },
	})
}

// Portal 质检的提交侧（对外导出）
// 一般由 CIVET 的收尾钩子程序化创建。
type Portal struct {
	portal.Base
}

var _ portal.Kind = (*Portal)(nil)

func (p *Portal) UntouchableParams() []string {
	return []string{"study_from_task_id", "output_artifact_ids"}
}

func (p *Portal) AfterForm(fc *portal.FormContext) error {
	if strings.TrimSpace(fc.Task.Params.GetString("study_from_task_id")) == "" {
		fc.Errors.Add("study_from_task_id", "必须指定产出研究集的组合器任务")
	}
	return nil
}

// Cluster 质检的执行侧（对外导出）
type Cluster struct{}

var _ cluster.Kind = (*Cluster)(nil)

// Setup 把研究集复制进工作目录并核对受试者参数快照（对外导出）
// 质检流水线直接写研究树，所以这里是复制而不是符号链接，
// 采收阶段再把整树回传。每个受试者目录里的参数快照必须
// 和目录名一致，prefix 必须全集统一。
func (c *Cluster) Setup(rc *cluster.RunContext) (bool, error) {
	combinerID := rc.Task.Params.GetString("study_from_task_id")
	if combinerID == "" {
		return false, fmt.Errorf("参数缺少 study_from_task_id")
	}
	if rc.TaskLookup == nil {
		return false, fmt.Errorf("运行环境未提供任务查询能力")
	}
	combiner, err := rc.TaskLookup(combinerID)
	if err != nil {
		return false, err
	}
	if combiner == nil {
		rc.Task.AddLog("组合器任务 %s 已不存在", combinerID)
		return false, nil
	}
	studyIDs := combiner.Params.GetStringSlice("output_artifact_ids")
	if len(studyIDs) == 0 {
		rc.Task.AddLog("组合器任务 %s 没有登记研究集产物", combinerID)
		return false, nil
	}
	studyID := studyIDs[0]

	study, err := rc.Store.FindByID(rc.Ctx, studyID)
	if err != nil {
		return false, err
	}
	if study == nil {
		rc.Task.AddLog("研究集产物 %s 已不存在", studyID)
		return false, nil
	}
	cachePath, err := rc.Store.SyncToCache(rc.Ctx, studyID)
	if err != nil {
		return false, fmt.Errorf("同步研究集失败: %w", err)
	}
	if err := copyTree(cachePath, filepath.Join(rc.Workdir, "study")); err != nil {
		return false, fmt.Errorf("复制研究树进工作目录失败: %w", err)
	}

	files, err := rc.Store.ListFiles(rc.Ctx, studyID)
	if err != nil {
		return false, err
	}
	dsids, prefix, ok, err := c.collectSubjects(rc, cachePath, files)
	if err != nil || !ok {
		return ok, err
	}
	if len(dsids) == 0 {
		rc.Task.AddLog("研究树里没有任何带参数快照的受试者目录")
		return false, nil
	}

	rc.Task.Params["study_artifact_id"] = studyID
	rc.Task.Params["civet_prefix"] = prefix
	if err := storeDsidNames(rc.Task, dsids, rc.Workdir); err != nil {
		return false, err
	}
	log.Printf("✅ [civet_qc] 任务 %s 就绪: 研究集 %s，%d 个受试者", rc.Task.RunID(), study.Name, len(dsids))
	return true, nil
}

// collectSubjects 从参数快照核对每个受试者目录
func (c *Cluster) collectSubjects(rc *cluster.RunContext, cachePath string, files []string) ([]string, string, bool, error) {
	var dsids []string
	prefixes := map[string]bool{}
	for _, f := range files {
		if path.Base(f) != paramsSidecarName {
			continue
		}
		dir := path.Dir(f)
		if dir == "." || strings.Contains(dir, "/") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(cachePath, f))
		if err != nil {
			return nil, "", false, fmt.Errorf("读取参数快照 %s 失败: %w", f, err)
		}
		params, err := task.DecodeParamsYAML(data)
		if err != nil {
			return nil, "", false, fmt.Errorf("解析参数快照 %s 失败: %w", f, err)
		}
		fa := params.GetSubMap("file_args")
		if fa == nil {
			rc.Task.AddLog("受试者 %s 的参数快照缺少 file_args", dir)
			return nil, "", false, nil
		}
		entry, _ := fa["0"].(map[string]interface{})
		if entry == nil {
			rc.Task.AddLog("受试者 %s 的参数快照结构错误", dir)
			return nil, "", false, nil
		}
		dsid, _ := entry["dsid"].(string)
		prefix, _ := entry["prefix"].(string)
		if dsid != dir {
			rc.Task.AddLog("受试者目录 %s 与参数快照里的 dsid %q 不一致", dir, dsid)
			return nil, "", false, nil
		}
		prefixes[prefix] = true
		dsids = append(dsids, dsid)
	}
	if len(prefixes) > 1 {
		rc.Task.AddLog("研究树里的 prefix 不统一: %d 种", len(prefixes))
		return nil, "", false, nil
	}
	prefix := ""
	for p := range prefixes {
		prefix = p
	}
	sort.Strings(dsids)
	return dsids, prefix, true, nil
}

// storeDsidNames 受试者清单写进参数；会撑破参数体积上限时
// 改写成工作目录里的清单文件，参数只留文件名
func storeDsidNames(rec *task.Record, dsids []string, workdir string) error {
	trial := rec.Params.Clone()
	trial["dsid_names"] = dsids
	if err := trial.CheckSize(); err == nil {
		rec.Params["dsid_names"] = dsids
		delete(rec.Params, "dsid_names_file")
		return nil
	}
	content := strings.Join(dsids, "\n") + "\n"
	if err := os.WriteFile(filepath.Join(workdir, DsidNamesFile), []byte(content), 0o644); err != nil {
		return fmt.Errorf("写受试者清单文件失败: %w", err)
	}
	delete(rec.Params, "dsid_names")
	rec.Params["dsid_names_file"] = DsidNamesFile
	rec.AddLog("受试者清单超出参数体积上限，改存 %s（%d 个）", DsidNamesFile, len(dsids))
	return nil
}

// ClusterCommands 拼装质检命令（对外导出）
// 脚本带 set -e，收尾回显只在流水线成功后执行，作为完成哨兵。
func (c *Cluster) ClusterCommands(rc *cluster.RunContext) ([]string, error) {
	prefix := rc.Task.Params.GetString("civet_prefix")
	if prefix == "" {
		return nil, fmt.Errorf("SETUP 没有留下 civet_prefix")
	}
	var subjects string
	if f := rc.Task.Params.GetString("dsid_names_file"); f != "" {
		subjects = "$(cat " + cluster.BashEscape(f) + ")"
	} else {
		dsids := rc.Task.Params.GetStringSlice("dsid_names")
		if len(dsids) == 0 {
			return nil, fmt.Errorf("SETUP 没有留下受试者清单")
		}
		subjects = cluster.BashEscapeJoin(dsids)
	}
	return []string{
		fmt.Sprintf("CIVET_QC_Pipeline -target study -prefix %s %s", cluster.BashEscape(prefix), subjects),
		`echo "QC pipeline finished OK"`,
	}, nil
}

// SaveResults 校验质检完成并把研究树回传（对外导出）
// 标准错误里出现 command not found 说明执行环境装错了，
// 直接算失败；其余按输出目录 + 哨兵双信号判定。
func (c *Cluster) SaveResults(rc *cluster.RunContext) (bool, error) {
	if hit, err := rc.StderrMatches(commandNotFoundRE); err != nil {
		return false, err
	} else if hit {
		rc.Task.AddLog("执行环境缺少质检流水线命令")
		return false, nil
	}

	policy := &cluster.CompletionPolicy{
		OutputDir:      "study/QC",
		StdoutSentinel: qcSentinelRE,
	}
	ok, reason, err := rc.VerifyCompletion(policy)
	if err != nil {
		return false, err
	}
	if !ok {
		rc.Task.AddLog("质检完成判定未通过: %s", reason)
		return false, nil
	}

	studyID := rc.Task.Params.GetString("study_artifact_id")
	if studyID == "" {
		return false, fmt.Errorf("采收阶段没有研究集产物 ID，SETUP 是否被跳过")
	}
	if err := rc.Store.CacheCopyFromLocalFile(rc.Ctx, studyID, filepath.Join(rc.Workdir, "study")); err != nil {
		return false, fmt.Errorf("回传质检结果失败: %w", err)
	}
	if err := rc.Store.UpdateMeta(rc.Ctx, studyID, map[string]string{"qc_by_task": rc.Task.ID}); err != nil {
		return false, err
	}
	rc.Task.Params["output_artifact_ids"] = []string{studyID}
	rc.Task.AddLog("质检结果已写回研究集 %s", studyID)
	return true, nil
}

// RecoverFromClusterFailure 丢弃工作目录里的研究树副本（对外导出）
// 重跑 SETUP 会重新从缓存复制一份干净的。
func (c *Cluster) RecoverFromClusterFailure(rc *cluster.RunContext) (bool, error) {
	if _, err := rc.RemoveGlob("study"); err != nil {
		return false, err
	}
	studyID := rc.Task.Params.GetString("study_artifact_id")
	if studyID != "" {
		a, err := rc.Store.FindByID(rc.Ctx, studyID)
		if err != nil {
			return false, err
		}
		if a == nil {
			rc.Task.AddLog("研究集产物 %s 已不存在，无法恢复", studyID)
			return false, nil
		}
	}
	return true, nil
}

// copyTree 递归复制目录树，符号链接按其指向的内容复制
func copyTree(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return copyFile(src, dst, info.Mode().Perm())
	}
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return err
	}
	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := copyTree(filepath.Join(src, e.Name()), filepath.Join(dst, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(src, dst string, perm os.FileMode) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	return os.WriteFile(dst, data, perm)
}
