package bidsapp

import (
	"fmt"
	"strings"

	"github.com/stevelan1995/gridflow/pkg/core/portal"
	"github.com/stevelan1995/gridflow/pkg/core/store"
	"github.com/stevelan1995/gridflow/pkg/core/task"
)

// Portal BIDS 应用的提交侧（对外导出）
type Portal struct {
	portal.Base
}

var _ portal.Kind = (*Portal)(nil)

func (p *Portal) DefaultLaunchArgs() task.Params {
	return task.Params{"mode": ModeParticipant}
}

func (p *Portal) UntouchableParams() []string {
	return []string{"bids_dataset_id", "output_artifact_ids"}
}

// BeforeForm 绑定数据集并枚举受试者（对外导出）
// 圈选必须恰好是一个集合产物（BIDS 数据集）。participants
// 缺省为数据集里找到的全部受试者标签。
func (p *Portal) BeforeForm(fc *portal.FormContext) error {
	if !fc.IsNewRecord {
		return nil
	}
	if len(fc.SelectedInputIDs) != 1 {
		fc.Errors.Add("interface_userfile_ids", "必须圈选恰好一个 BIDS 数据集")
		return nil
	}
	ds, err := fc.Store.FindByID(fc.Ctx, fc.SelectedInputIDs[0])
	if err != nil {
		return err
	}
	if ds == nil || ds.Type != store.TypeCollection {
		fc.Errors.Add("interface_userfile_ids", "圈选的输入不是集合产物")
		return nil
	}
	if _, err := fc.Store.SyncToCache(fc.Ctx, ds.ID); err != nil {
		return fmt.Errorf("同步数据集失败: %w", err)
	}
	files, err := fc.Store.ListFiles(fc.Ctx, ds.ID)
	if err != nil {
		return err
	}

	seen := map[string]bool{}
	var labels []string
	for _, f := range files {
		top, _, _ := strings.Cut(f, "/")
		m := subDirRE.FindStringSubmatch(top)
		if m == nil || seen[m[1]] {
			continue
		}
		seen[m[1]] = true
		labels = append(labels, m[1])
	}

	fc.Task.Params["bids_dataset_id"] = ds.ID
	if len(fc.Task.Params.GetStringSlice("participants")) == 0 {
		fc.Task.Params["participants"] = labels
	}
	if fc.Task.ResultsLocationID == "" {
		fc.Task.ResultsLocationID = ds.ProviderID
	}
	return nil
}

// AfterForm 表单校验（对外导出）
func (p *Portal) AfterForm(fc *portal.FormContext) error {
	params := fc.Task.Params

	mode := params.GetString("mode")
	switch mode {
	case ModeParticipant, ModeGroup, ModeSave:
	default:
		fc.Errors.Add("mode", "分析层级必须是 participant、group 或 save，当前为 %q", mode)
	}

	tool := strings.TrimSpace(params.GetString("app_command"))
	if mode != ModeSave {
		if tool == "" {
			fc.Errors.Add("app_command", "必须给出应用入口命令")
		} else if !toolRE.MatchString(tool) {
			fc.Errors.Add("app_command", "入口命令 %q 含有不允许的字符", tool)
		}
		if params.GetString("app_image_id") == "" {
			fc.Errors.Add("app_image_id", "必须指定容器镜像产物")
		}
	}

	participants := params.GetStringSlice("participants")
	if mode == ModeParticipant && len(participants) == 0 {
		fc.Errors.Add("participants", "participant 层级至少要选一个受试者")
	}
	for _, label := range participants {
		if !participantRE.MatchString(label) {
			fc.Errors.Add("participants", "受试者标签 %q 不合法", label)
		}
	}
	return nil
}

// FinalTaskList 扇出（对外导出）
// participant 层级每个受试者一个子任务；group 和 save 不扇出。
func (p *Portal) FinalTaskList(fc *portal.FormContext) ([]*task.Record, error) {
	if !fc.IsNewRecord || fc.Task.Params.GetString("mode") != ModeParticipant {
		return []*task.Record{fc.Task}, nil
	}

	participants := fc.Task.Params.GetStringSlice("participants")
	out := make([]*task.Record, 0, len(participants))
	for _, label := range participants {
		child := task.Instantiate(fc.Task, task.Params{
			"participants": []string{label},
		})
		child.Description = strings.TrimSpace(child.Description + "\nsub-" + label)
		out = append(out, child)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("没有任何受试者，无法展开任务列表")
	}
	return out, nil
}
