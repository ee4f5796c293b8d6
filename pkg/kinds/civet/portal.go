package civet

import (
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/stevelan1995/gridflow/pkg/core/portal"
	"github.com/stevelan1995/gridflow/pkg/core/store"
	"github.com/stevelan1995/gridflow/pkg/core/task"
)

// Portal CIVET 的提交侧实现（对外导出）
// 两种输入模式：圈选一个 MINC 集合（模式 A，按集合内 T1 扫描扇出），
// 或圈选若干单个 T1 文件（模式 B，按文件扇出）。
type Portal struct {
	portal.Base
}

var _ portal.Kind = (*Portal)(nil)

func (p *Portal) DefaultLaunchArgs() task.Params {
	return task.Params{
		"output_pattern":   DefaultOutputPattern,
		"template":         "0.50",
		"model":            "icbm152nl",
		"interp":           "trilinear",
		"n3_distance":      "200",
		"lsq":              "12",
		"no_surfaces":      "0",
		"thickness_method": "tlink",
		"thickness_kernel": "20",
		"vbm":              "0",
		"qc_study":         "0",
	}
}

func (p *Portal) UntouchableParams() []string {
	return []string{"collection_id", "output_artifact_ids"}
}

// BeforeForm 解析圈选的输入并构建 file_args（对外导出）
// 模式 A：唯一一个集合，列出其中所有 T1 扫描；
// 模式 B：每个单文件产物本身就是一个 T1 扫描。
// 每个条目推断 prefix/dsid 并探测 t2/pd/mask 伴随文件。
func (p *Portal) BeforeForm(fc *portal.FormContext) error {
	if !fc.IsNewRecord {
		return nil
	}
	if len(fc.SelectedInputIDs) == 0 {
		fc.Errors.Add("interface_userfile_ids", "至少需要圈选一个输入")
		return nil
	}

	artifacts := make([]*store.Artifact, 0, len(fc.SelectedInputIDs))
	for _, id := range fc.SelectedInputIDs {
		a, err := fc.Store.FindByID(fc.Ctx, id)
		if err != nil {
			return fmt.Errorf("查找输入产物 %s 失败: %w", id, err)
		}
		if a == nil {
			fc.Errors.Add("interface_userfile_ids", "输入产物 %s 不存在", id)
			return nil
		}
		artifacts = append(artifacts, a)
	}

	var fileArgs map[string]interface{}
	if len(artifacts) == 1 && artifacts[0].Type == store.TypeCollection {
		args, err := p.fileArgsFromCollection(fc, artifacts[0])
		if err != nil {
			return err
		}
		fileArgs = args
		fc.Task.Params["collection_id"] = artifacts[0].ID
	} else {
		fileArgs = p.fileArgsFromSingleFiles(fc, artifacts)
	}
	if !fc.Errors.IsEmpty() {
		return nil
	}
	if len(fileArgs) == 0 {
		fc.Errors.Add("interface_userfile_ids", "圈选的输入中没有任何 T1 MINC 扫描")
		return nil
	}

	fc.Task.Params["file_args"] = fileArgs
	if fc.Task.ResultsLocationID == "" {
		fc.Task.ResultsLocationID = artifacts[0].ProviderID
	}
	return nil
}

// fileArgsFromCollection 模式 A：扫描集合内容，每个 T1 文件一个条目
func (p *Portal) fileArgsFromCollection(fc *portal.FormContext, coll *store.Artifact) (map[string]interface{}, error) {
	if _, err := fc.Store.SyncToCache(fc.Ctx, coll.ID); err != nil {
		return nil, fmt.Errorf("同步集合 %s 失败: %w", coll.Name, err)
	}
	files, err := fc.Store.ListFiles(fc.Ctx, coll.ID)
	if err != nil {
		return nil, fmt.Errorf("列出集合 %s 内容失败: %w", coll.Name, err)
	}

	present := make(map[string]bool, len(files))
	for _, f := range files {
		present[f] = true
	}

	out := make(map[string]interface{})
	idx := 0
	sort.Strings(files)
	for _, f := range files {
		base := path.Base(f)
		if !mincRE.MatchString(base) || !t1MarkRE.MatchString(base) {
			continue
		}
		prefix, dsid := inferPrefixDsid(base)
		entry := map[string]interface{}{
			"launch":  "1",
			"t1_name": f,
			"prefix":  prefix,
			"dsid":    dsid,
		}
		for kind, key := range map[string]string{"t2": "t2_name", "pd": "pd_name", "mask": "mk_name"} {
			comp := companionName(f, kind)
			if comp != f && present[comp] {
				entry[key] = comp
			}
		}
		out[strconv.Itoa(idx)] = entry
		idx++
	}
	return out, nil
}

// fileArgsFromSingleFiles 模式 B：每个圈选的单文件是一个 T1 扫描
func (p *Portal) fileArgsFromSingleFiles(fc *portal.FormContext, artifacts []*store.Artifact) map[string]interface{} {
	out := make(map[string]interface{})
	for i, a := range artifacts {
		if a.Type != store.TypeSingleFile {
			fc.Errors.Add("interface_userfile_ids", "混合圈选不支持: %s 不是单个文件", a.Name)
			continue
		}
		if !mincRE.MatchString(a.Name) {
			fc.Errors.Add("interface_userfile_ids", "%s 不是 MINC 文件", a.Name)
			continue
		}
		if !t1MarkRE.MatchString(a.Name) {
			fc.Errors.Add("interface_userfile_ids", "%s 的文件名中没有 T1 标记", a.Name)
			continue
		}
		prefix, dsid := inferPrefixDsid(a.Name)
		out[strconv.Itoa(i)] = map[string]interface{}{
			"launch":  "1",
			"t1_id":   a.ID,
			"t1_name": a.Name,
			"prefix":  prefix,
			"dsid":    dsid,
		}
	}
	return out
}

// AfterForm 表单校验（对外导出）
// 每个勾选条目的 prefix/dsid 必须是合法标识符且 dsid 互不重复；
// 数值参数逐一检查。错误进入 fc.Errors，由用户修正后重新提交。
func (p *Portal) AfterForm(fc *portal.FormContext) error {
	params := fc.Task.Params

	if v := params.GetString("n3_distance"); !digitsRE.MatchString(v) {
		fc.Errors.Add("n3_distance", "N3 距离必须是非负整数，当前为 %q", v)
	}
	if v := strings.TrimSpace(params.GetString("headheight")); v != "" && !digitsRE.MatchString(v) {
		fc.Errors.Add("headheight", "头高必须是非负整数，当前为 %q", v)
	}
	if v := params.GetString("lsq"); !lsqRE.MatchString(v) {
		fc.Errors.Add("lsq", "线性配准自由度必须是 0、6、9 或 12，当前为 %q", v)
	}
	if v := params.GetString("thickness_kernel"); !isValidIntegerList(v, true) {
		fc.Errors.Add("thickness_kernel", "厚度平滑核必须是整数列表，当前为 %q", v)
	}
	if params.GetBool("qc_study") && strings.TrimSpace(params.GetString("study_name")) == "" {
		fc.Errors.Add("study_name", "启用质检时必须给出研究集名称")
	}
	if v := strings.TrimSpace(params.GetString("study_name")); v != "" && !identRE.MatchString(v) {
		fc.Errors.Add("study_name", "研究集名称 %q 不是合法标识符", v)
	}

	fa := params.GetSubMap("file_args")
	if fa == nil {
		fc.Errors.Add("file_args", "没有任何可处理的扫描条目")
		return nil
	}

	launched := 0
	seenDsid := map[string]string{}
	for _, key := range sortedKeys(fa) {
		entry, ok := fa[key].(map[string]interface{})
		if !ok || !argBool(entry, "launch") {
			continue
		}
		launched++
		field := "file_args[" + key + "]"
		prefix := argString(entry, "prefix")
		dsid := argString(entry, "dsid")
		if !identRE.MatchString(prefix) {
			fc.Errors.Add(field, "prefix %q 不是合法标识符", prefix)
		}
		if !identRE.MatchString(dsid) {
			fc.Errors.Add(field, "dsid %q 不是合法标识符", dsid)
		}
		if prev, dup := seenDsid[dsid]; dup {
			fc.Errors.Add(field, "dsid %q 与条目 %s 重复，每个受试者标识只能出现一次", dsid, prev)
		}
		seenDsid[dsid] = key
	}
	if launched == 0 {
		fc.Errors.Add("file_args", "至少要勾选一个扫描")
	}
	return nil
}

// FinalTaskList 扇出（对外导出）
// 每个勾选的扫描条目派生一个子任务，file_args 收窄为单条目，
// 研究集相关键从子任务中剥除。
func (p *Portal) FinalTaskList(fc *portal.FormContext) ([]*task.Record, error) {
	if !fc.IsNewRecord {
		return []*task.Record{fc.Task}, nil
	}

	fa := fc.Task.Params.GetSubMap("file_args")
	var out []*task.Record
	for _, key := range sortedKeys(fa) {
		entry, ok := fa[key].(map[string]interface{})
		if !ok || !argBool(entry, "launch") {
			continue
		}
		child := task.Instantiate(fc.Task, task.Params{
			"file_args": map[string]interface{}{"0": entry},
		})
		child.Params.StripKeys("study_name", "qc_study")
		if t1 := argString(entry, "t1_name"); t1 != "" {
			child.Description = strings.TrimSpace(child.Description + "\n" + path.Base(t1))
		}
		out = append(out, child)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("没有勾选任何扫描，无法展开任务列表")
	}
	return out, nil
}

// AfterFinalTaskListSaved 收尾（对外导出）
// 给出了研究集名称时追加一个组合器任务，以全部子任务为前置；
// 另外启用了质检时再追加一个质检任务，以组合器为前置。
func (p *Portal) AfterFinalTaskListSaved(fc *portal.FormContext, saved []*task.Record) error {
	if !fc.IsNewRecord {
		return nil
	}
	studyName := strings.TrimSpace(fc.Task.Params.GetString("study_name"))
	if studyName == "" {
		return nil
	}

	combiner := task.NewRecord("civet_combiner", fc.Task.UserID, fc.Task.ResourceID)
	combiner.GroupID = fc.Task.GroupID
	combiner.BatchID = saved[0].BatchID
	combiner.ResultsLocationID = fc.Task.ResultsLocationID
	combiner.Description = studyName

	childIDs := make([]string, 0, len(saved))
	for _, child := range saved {
		childIDs = append(childIDs, child.ID)
		if err := combiner.AddPrerequisiteForSetup(child.ID, ""); err != nil {
			return err
		}
	}
	combiner.Params = task.Params{
		"civet_study_name":    studyName,
		"civet_from_task_ids": childIDs,
		"destroy_sources":     "0",
	}
	if err := fc.SaveTask(fc.Ctx, combiner); err != nil {
		return fmt.Errorf("持久化组合器任务失败: %w", err)
	}

	if !fc.Task.Params.GetBool("qc_study") {
		return nil
	}
	qc := task.NewRecord("civet_qc", fc.Task.UserID, fc.Task.ResourceID)
	qc.GroupID = fc.Task.GroupID
	qc.BatchID = saved[0].BatchID
	qc.ResultsLocationID = fc.Task.ResultsLocationID
	qc.Description = studyName + " QC"
	qc.Params = task.Params{"study_from_task_id": combiner.ID}
	if err := qc.AddPrerequisiteForSetup(combiner.ID, ""); err != nil {
		return err
	}
	if err := fc.SaveTask(fc.Ctx, qc); err != nil {
		return fmt.Errorf("持久化质检任务失败: %w", err)
	}
	return nil
}

// sortedKeys file_args 的键按数值序排列，非数值键排在最后
func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, errA := strconv.Atoi(keys[i])
		b, errB := strconv.Atoi(keys[j])
		switch {
		case errA == nil && errB == nil:
			return a < b
		case errA == nil:
			return true
		case errB == nil:
			return false
		default:
			return keys[i] < keys[j]
		}
	})
	return keys
}
