// Package civetcombiner 把一批 CIVET 子任务的输出归并成一个研究集产物。
// 它没有集群侧工作：全部逻辑在 SETUP 和采收阶段完成，
// 依赖前置条件保证所有来源任务都已 COMPLETED。
package civetcombiner

import (
	"fmt"
	"log"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/stevelan1995/gridflow/pkg/core/cluster"
	"github.com/stevelan1995/gridflow/pkg/core/portal"
	"github.com/stevelan1995/gridflow/pkg/core/registry"
	"github.com/stevelan1995/gridflow/pkg/core/store"
)

// KindName 注册表中的种类名
const KindName = "civet_combiner"

var identRE = regexp.MustCompile(`^\w[\w\-]*$`)

func init() {
	registry.MustRegister(registry.Entry{
		Name:    KindName,
		Portal:  func() portal.Kind { return &Portal{} },
		Cluster: func() cluster.Kind { return &Cluster{} },
	})
}

// Portal 组合器的提交侧（对外导出）
// 通常由 CIVET 的收尾钩子程序化创建，表单校验只做完整性检查。
type Portal struct {
	portal.Base
}

var _ portal.Kind = (*Portal)(nil)

func (p *Portal) UntouchableParams() []string {
	return []string{"civet_from_task_ids", "output_artifact_ids"}
}

func (p *Portal) AfterForm(fc *portal.FormContext) error {
	name := strings.TrimSpace(fc.Task.Params.GetString("civet_study_name"))
	if name == "" {
		fc.Errors.Add("civet_study_name", "研究集名称不能为空")
	} else if !identRE.MatchString(name) {
		fc.Errors.Add("civet_study_name", "研究集名称 %q 不是合法标识符", name)
	}
	if len(fc.Task.Params.GetStringSlice("civet_from_task_ids")) == 0 {
		fc.Errors.Add("civet_from_task_ids", "至少需要一个来源任务")
	}
	return nil
}

// Cluster 组合器的执行侧（对外导出）
type Cluster struct{}

var _ cluster.Kind = (*Cluster)(nil)

// Setup 核对来源任务并收集它们的输出产物（对外导出）
// 来源任务的结果必须同属一个 prefix，dsid 互不重复，
// 收集到的产物 ID 写入 civet_collection_ids 供采收阶段使用。
func (c *Cluster) Setup(rc *cluster.RunContext) (bool, error) {
	fromIDs := rc.Task.Params.GetStringSlice("civet_from_task_ids")
	if len(fromIDs) == 0 {
		return false, fmt.Errorf("参数缺少 civet_from_task_ids")
	}
	if rc.TaskLookup == nil {
		return false, fmt.Errorf("运行环境未提供任务查询能力")
	}

	var artifactIDs []string
	prefixes := map[string]bool{}
	dsids := map[string]string{}
	for _, tid := range fromIDs {
		src, err := rc.TaskLookup(tid)
		if err != nil {
			return false, fmt.Errorf("查询来源任务 %s 失败: %w", tid, err)
		}
		if src == nil {
			rc.Task.AddLog("来源任务 %s 已不存在", tid)
			return false, nil
		}
		outIDs := src.Params.GetStringSlice("output_artifact_ids")
		if len(outIDs) == 0 {
			rc.Task.AddLog("来源任务 %s 没有登记任何输出产物", tid)
			return false, nil
		}
		for _, aid := range outIDs {
			a, err := rc.Store.FindByID(rc.Ctx, aid)
			if err != nil {
				return false, err
			}
			if a == nil {
				rc.Task.AddLog("来源任务 %s 的输出产物 %s 已不存在", tid, aid)
				return false, nil
			}
			prefixes[a.Meta["prefix"]] = true
			dsid := a.Meta["dsid"]
			if prev, dup := dsids[dsid]; dup {
				rc.Task.AddLog("dsid %q 在产物 %s 和 %s 中重复，无法归并", dsid, prev, a.Name)
				return false, nil
			}
			dsids[dsid] = a.Name
			artifactIDs = append(artifactIDs, aid)
		}
	}
	if len(prefixes) > 1 {
		rc.Task.AddLog("来源产物的 prefix 不一致: %d 种，研究集要求同一 prefix", len(prefixes))
		return false, nil
	}

	rc.Task.Params["civet_collection_ids"] = artifactIDs
	log.Printf("✅ [civet_combiner] 任务 %s 收集了 %d 个结果产物", rc.Task.RunID(), len(artifactIDs))
	return true, nil
}

// ClusterCommands 组合器没有集群侧工作（对外导出）
func (c *Cluster) ClusterCommands(rc *cluster.RunContext) ([]string, error) {
	return nil, nil
}

// SaveResults 组装研究集（对外导出）
// 在工作目录里把每个来源产物按 dsid 链接成一棵研究树，
// 整树写入研究集产物。destroy_sources 为真时来源产物被挂到
// 研究集之下（逻辑吸收），为假时保持原位。
func (c *Cluster) SaveResults(rc *cluster.RunContext) (bool, error) {
	studyName := strings.TrimSpace(rc.Task.Params.GetString("civet_study_name"))
	if !identRE.MatchString(studyName) {
		return false, fmt.Errorf("研究集名称 %q 不合法", studyName)
	}
	artifactIDs := rc.Task.Params.GetStringSlice("civet_collection_ids")
	if len(artifactIDs) == 0 {
		return false, fmt.Errorf("采收阶段没有可归并的产物，SETUP 是否被跳过")
	}

	if err := rc.SafeMkdir("study_build"); err != nil {
		return false, err
	}
	for _, aid := range artifactIDs {
		a, err := rc.Store.FindByID(rc.Ctx, aid)
		if err != nil {
			return false, err
		}
		if a == nil {
			rc.Task.AddLog("归并时产物 %s 已不存在", aid)
			return false, nil
		}
		dsid := a.Meta["dsid"]
		if dsid == "" {
			dsid = a.Name
		}
		if err := rc.MakeAvailable(aid, filepath.Join("study_build", dsid)); err != nil {
			return false, err
		}
	}

	study, err := rc.Store.FindOrCreateByName(rc.Ctx, store.TypeStudy, studyName, rc.Task.ResultsLocationID)
	if err != nil {
		return false, fmt.Errorf("登记研究集 %s 失败: %w", studyName, err)
	}
	if err := rc.Store.CacheCopyFromLocalFile(rc.Ctx, study.ID, filepath.Join(rc.Workdir, "study_build")); err != nil {
		return false, fmt.Errorf("写入研究集内容失败: %w", err)
	}
	if err := rc.Store.SetCreatedBy(rc.Ctx, study.ID, rc.Task.ID); err != nil {
		return false, err
	}

	if rc.Task.Params.GetBool("destroy_sources") {
		for _, aid := range artifactIDs {
			if err := rc.Store.MoveToChildOf(rc.Ctx, aid, study.ID); err != nil {
				return false, err
			}
		}
		rc.Task.AddLog("来源产物已吸收进研究集 %s", studyName)
	}

	rc.Task.Params["output_artifact_ids"] = []string{study.ID}
	rc.Task.AddLog("研究集 %s 归并完成，共 %d 个受试者", studyName, len(artifactIDs))
	return true, nil
}

// RecoverFromClusterFailure 清理半成品研究树并重新同步来源（对外导出）
func (c *Cluster) RecoverFromClusterFailure(rc *cluster.RunContext) (bool, error) {
	if _, err := rc.RemoveGlob("study_build"); err != nil {
		return false, err
	}
	for _, aid := range rc.Task.Params.GetStringSlice("civet_collection_ids") {
		a, err := rc.Store.FindByID(rc.Ctx, aid)
		if err != nil {
			return false, err
		}
		if a == nil {
			rc.Task.AddLog("来源产物 %s 已不存在，无法恢复", aid)
			return false, nil
		}
	}
	return true, nil
}
