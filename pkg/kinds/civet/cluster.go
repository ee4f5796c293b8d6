package civet

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/stevelan1995/gridflow/pkg/core/cluster"
	"github.com/stevelan1995/gridflow/pkg/core/pattern"
	"github.com/stevelan1995/gridflow/pkg/core/store"
)

// Cluster CIVET 的执行侧实现（对外导出）
// 工作目录布局固定：mincfiles_input/ 放输入符号链接，
// civet_out/<dsid>/ 是流水线的输出目录。
type Cluster struct{}

var _ cluster.Kind = (*Cluster)(nil)

// 输入链接的种类到 file_args 键的映射
var scanKinds = []struct{ kind, nameKey, idKey string }{
	{"t1", "t1_name", "t1_id"},
	{"t2", "t2_name", "t2_id"},
	{"pd", "pd_name", "pd_id"},
	{"mask", "mk_name", "mk_id"},
}

// Setup 幂等地准备 MINC 输入（对外导出）
// 集合模式下把缓存内的扫描文件逐个链接进 mincfiles_input/；
// 单文件模式下直接挂产物。链接名统一为 <prefix>_<dsid>_<kind>.mnc[.gz]，
// 流水线按这个命名约定找输入。
func (c *Cluster) Setup(rc *cluster.RunContext) (bool, error) {
	fa, err := fileArg0(rc.Task.Params)
	if err != nil {
		return false, err
	}
	prefix, dsid := entryPrefixDsid(fa)

	if err := rc.SafeMkdir("mincfiles_input"); err != nil {
		return false, err
	}
	if err := rc.SafeMkdir("civet_out"); err != nil {
		return false, err
	}

	multi := argBool(fa, "multispectral") || argBool(fa, "spectral_mask")
	collectionID := rc.Task.Params.GetString("collection_id")

	var collCache string
	var source *store.Artifact
	if collectionID != "" {
		source, err = rc.Store.FindByID(rc.Ctx, collectionID)
		if err != nil {
			return false, err
		}
		if source == nil {
			rc.Task.AddLog("输入集合 %s 已不存在", collectionID)
			return false, nil
		}
		collCache, err = rc.Store.SyncToCache(rc.Ctx, collectionID)
		if err != nil {
			return false, fmt.Errorf("同步输入集合失败: %w", err)
		}
	}

	for _, sk := range scanKinds {
		required := sk.kind == "t1" || (multi && sk.kind != "mask")
		name := argString(fa, sk.nameKey)
		id := argString(fa, sk.idKey)
		if name == "" && id == "" {
			if required && sk.kind != "t1" {
				rc.Task.AddLog("多光谱模式缺少 %s 扫描", sk.kind)
				return false, nil
			}
			if sk.kind == "t1" {
				return false, fmt.Errorf("file_args 条目缺少 T1 扫描")
			}
			continue
		}

		link := scanLinkPath(prefix, dsid, sk.kind, firstNonEmpty(name, id))
		switch {
		case collectionID != "":
			if err := rc.SafeSymlink(filepath.Join(collCache, name), link); err != nil {
				return false, err
			}
		case id != "":
			if err := rc.MakeAvailable(id, link); err != nil {
				return false, err
			}
			if source == nil {
				a, ferr := rc.Store.FindByID(rc.Ctx, id)
				if ferr != nil {
					return false, ferr
				}
				source = a
			}
		default:
			return false, fmt.Errorf("单文件模式的 %s 条目没有产物 ID", sk.kind)
		}

		abs := filepath.Join(rc.Workdir, link)
		if fi, statErr := os.Stat(abs); statErr != nil || fi.Size() == 0 {
			rc.Task.AddLog("输入扫描 %s 缺失或为空", link)
			return false, nil
		}
	}

	if rc.Task.ResultsLocationID == "" && source != nil {
		rc.Task.ResultsLocationID = source.ProviderID
	}
	log.Printf("✅ [civet] 任务 %s 输入就绪: prefix=%s dsid=%s", rc.Task.RunID(), prefix, dsid)
	return true, nil
}

// ClusterCommands 拼装流水线命令（对外导出）
// 所有来自用户参数的值都经过 bash 转义后才进入命令行。
// 设置了 fake_run_civetcollection_id 时不跑真流水线，
// 直接把既有结果集合复制成输出并打印收尾哨兵，用于联调。
func (c *Cluster) ClusterCommands(rc *cluster.RunContext) ([]string, error) {
	fa, err := fileArg0(rc.Task.Params)
	if err != nil {
		return nil, err
	}
	prefix, dsid := entryPrefixDsid(fa)
	params := rc.Task.Params

	if fakeID := params.GetString("fake_run_civetcollection_id"); fakeID != "" {
		cachePath, err := rc.Store.SyncToCache(rc.Ctx, fakeID)
		if err != nil {
			return nil, fmt.Errorf("同步联调用结果集合失败: %w", err)
		}
		outDir := "civet_out/" + dsid
		return []string{
			"rm -rf " + cluster.BashEscape(outDir),
			fmt.Sprintf("cp -p -r %s %s", cluster.BashEscape(cachePath), cluster.BashEscape(outDir)),
			`echo "Stopped processing all pipelines."`,
		}, nil
	}

	// 表单校验过的值到这里仍要复核，参数可能被绕过表单改写
	if v := params.GetString("n3_distance"); !digitsRE.MatchString(v) {
		return nil, fmt.Errorf("参数 n3_distance 非法: %q", v)
	}
	lsq := strings.TrimSpace(params.GetString("lsq"))
	if !lsqRE.MatchString(lsq) {
		return nil, fmt.Errorf("参数 lsq 非法: %q", lsq)
	}
	if !identRE.MatchString(prefix) || !identRE.MatchString(dsid) {
		return nil, fmt.Errorf("prefix/dsid 非法: %q / %q", prefix, dsid)
	}

	args := []string{
		"-prefix", cluster.BashEscape(prefix),
		"-template", cluster.BashEscape(params.GetString("template")),
		"-model", cluster.BashEscape(params.GetString("model")),
		"-interp", cluster.BashEscape(params.GetString("interp")),
		"-N3-distance", cluster.BashEscape(params.GetString("n3_distance")),
	}
	if lsq != "12" && lsq != "0" {
		args = append(args, "-lsq"+lsq)
	}
	if v := strings.TrimSpace(params.GetString("headheight")); v != "" {
		args = append(args, "-headheight", cluster.BashEscape(v))
	}
	if params.GetBool("no_surfaces") {
		args = append(args, "-no-surfaces")
	} else if method := params.GetString("thickness_method"); method != "" {
		kernel := strings.TrimSpace(params.GetString("thickness_kernel"))
		if kernel == "" {
			kernel = "20"
		}
		args = append(args, "-thickness", cluster.BashEscape(method), cluster.BashEscape(kernel))
	}
	if params.GetBool("vbm") {
		args = append(args, "-VBM")
	}
	if argBool(fa, "multispectral") {
		args = append(args, "-multispectral")
	}
	if argBool(fa, "spectral_mask") {
		args = append(args, "-spectral_mask")
	}

	civet := fmt.Sprintf(
		"CIVET_Processing_Pipeline -source mincfiles_input -target civet_out -spawn %s -run %s",
		strings.Join(args, " "), cluster.BashEscape(dsid),
	)
	return []string{
		fmt.Sprintf("echo 开始处理受试者 %s", cluster.BashEscape(dsid)),
		civet,
	}, nil
}

// SaveResults 校验完成信号并采收输出（对外导出）
// 退出码不作数：输出目录、标记文件、标准输出哨兵至少两个信号
// 同时成立才算完成。采收把 civet_out/<dsid> 整树登记为一个集合产物，
// 并在其中留下参数快照和标准输出/错误副本以便追溯。
func (c *Cluster) SaveResults(rc *cluster.RunContext) (bool, error) {
	fa, err := fileArg0(rc.Task.Params)
	if err != nil {
		return false, err
	}
	prefix, dsid := entryPrefixDsid(fa)
	outDir := "civet_out/" + dsid

	policy := &cluster.CompletionPolicy{
		OutputDir: outDir,
		RunningMarkers: []string{
			outDir + "/logs/*.running",
			outDir + "/logs/*.lock",
		},
		FailureMarkers: []string{
			outDir + "/logs/*.failed",
			outDir + "/logs/*.fail",
		},
		StdoutSentinel: stdoutSentinelRE,
	}
	ok, reason, err := rc.VerifyCompletion(policy)
	if err != nil {
		return false, err
	}
	if !ok {
		rc.Task.AddLog("完成判定未通过: %s", reason)
		log.Printf("❌ [civet] 任务 %s 完成判定未通过: %s", rc.Task.RunID(), reason)
		return false, nil
	}
	// T1 去噪阶段失败会留下专门的触发文件，即使别的信号都通过也算失败
	if rc.PathExists(filepath.Join(outDir, dsid+".nuc_t1_native.failed")) {
		rc.Task.AddLog("T1 去噪阶段失败触发文件存在，结果不可用")
		return false, nil
	}

	absOut := filepath.Join(rc.Workdir, outDir)
	uniq := rc.Task.RunID()

	// 标准输出/错误副本和参数快照随结果一起归档，失败只记日志不阻断
	logsDir := filepath.Join(absOut, "logs")
	_ = os.MkdirAll(logsDir, 0o755)
	copyIntoLogs(rc.StdoutPath, filepath.Join(logsDir, "GRIDFLOW_"+uniq+".stdout.txt"))
	copyIntoLogs(rc.StderrPath, filepath.Join(logsDir, "GRIDFLOW_"+uniq+".stderr.txt"))
	if err := writeParamsSidecar(rc, absOut, uniq); err != nil {
		rc.Task.AddLog("写入参数快照失败: %v", err)
	}

	t1Name := argString(fa, "t1_name")
	pat := strings.TrimSpace(rc.Task.Params.GetString("output_pattern"))
	if pat == "" {
		pat = DefaultOutputPattern
	}
	now := time.Now()
	outName, err := pattern.Expand(pat, filepath.Base(t1Name), map[string]string{
		"subject":    dsid,
		"prefix":     prefix,
		"dsid":       dsid,
		"date":       now.Format("20060102"),
		"time":       now.Format("150405"),
		"cluster":    rc.Task.ResourceID,
		"task_id":    shortID(rc.Task.ID),
		"run_number": strconv.Itoa(rc.Task.RunNumber),
	})
	if err != nil {
		return false, fmt.Errorf("展开输出命名模板失败: %w", err)
	}
	if !pattern.IsLegalFilename(outName) {
		return false, fmt.Errorf("输出命名模板展开结果 %q 不是合法产物名", outName)
	}

	artifact, err := rc.Store.FindOrCreateByName(rc.Ctx, store.TypeCollection, outName, rc.Task.ResultsLocationID)
	if err != nil {
		return false, fmt.Errorf("登记结果产物 %s 失败: %w", outName, err)
	}
	if err := rc.Store.CacheCopyFromLocalFile(rc.Ctx, artifact.ID, absOut); err != nil {
		return false, fmt.Errorf("回传结果产物失败: %w", err)
	}
	if err := rc.Store.SetCreatedBy(rc.Ctx, artifact.ID, rc.Task.ID); err != nil {
		return false, err
	}
	if err := rc.Store.UpdateMeta(rc.Ctx, artifact.ID, map[string]string{"prefix": prefix, "dsid": dsid}); err != nil {
		return false, err
	}
	if sourceID := firstNonEmpty(rc.Task.Params.GetString("collection_id"), argString(fa, "t1_id")); sourceID != "" {
		if err := rc.Store.MoveToChildOf(rc.Ctx, artifact.ID, sourceID); err != nil {
			return false, err
		}
	}

	rc.Task.Params["output_artifact_ids"] = []string{artifact.ID}
	rc.Task.AddLog("结果已采收为产物 %s (%s)", outName, artifact.ID)
	log.Printf("✅ [civet] 任务 %s 采收完成: %s", rc.Task.RunID(), outName)
	return true, nil
}

// RecoverFromClusterFailure 清理失败残留（对外导出）
// 删除输出树中的失败/运行中/锁标记，重新同步全部输入，
// 之后任务可以安全地重跑 SETUP。输入产物已不存在时不可恢复。
func (c *Cluster) RecoverFromClusterFailure(rc *cluster.RunContext) (bool, error) {
	fa, err := fileArg0(rc.Task.Params)
	if err != nil {
		return false, err
	}
	_, dsid := entryPrefixDsid(fa)
	outDir := "civet_out/" + dsid

	for _, g := range []string{
		outDir + "/logs/*.running",
		outDir + "/logs/*.lock",
		outDir + "/logs/*.failed",
		outDir + "/logs/*.fail",
		outDir + "/*.failed",
	} {
		n, err := rc.RemoveGlob(g)
		if err != nil {
			return false, err
		}
		if n > 0 {
			rc.Task.AddLog("恢复清理: 删除 %d 个 %s", n, filepath.Base(g))
		}
	}

	ids := []string{rc.Task.Params.GetString("collection_id")}
	for _, sk := range scanKinds {
		ids = append(ids, argString(fa, sk.idKey))
	}
	for _, id := range ids {
		if id == "" {
			continue
		}
		a, err := rc.Store.FindByID(rc.Ctx, id)
		if err != nil {
			return false, err
		}
		if a == nil {
			rc.Task.AddLog("输入产物 %s 已不存在，无法恢复", id)
			return false, nil
		}
		if _, err := rc.Store.SyncToCache(rc.Ctx, id); err != nil {
			return false, fmt.Errorf("恢复时重新同步输入 %s 失败: %w", id, err)
		}
	}
	rc.Task.AddLog("失败残留已清理，输入已重新同步")
	return true, nil
}

// entryPrefixDsid 取条目的 prefix/dsid，缺失时用占位值
// 占位值保证输出目录和链接名始终可构造
func entryPrefixDsid(fa map[string]interface{}) (string, string) {
	prefix := argString(fa, "prefix")
	if prefix == "" {
		prefix = "unkpref"
	}
	dsid := argString(fa, "dsid")
	if dsid == "" {
		dsid = "unkdsid"
	}
	return prefix, dsid
}

// scanLinkPath 输入链接的相对路径，压缩扩展名跟随源文件
func scanLinkPath(prefix, dsid, kind, srcName string) string {
	name := fmt.Sprintf("%s_%s_%s.mnc", prefix, dsid, kind)
	if strings.HasSuffix(strings.ToLower(srcName), ".gz") {
		name += ".gz"
	}
	return filepath.Join("mincfiles_input", name)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// copyIntoLogs 尽力而为的文件复制，来源缺失时什么都不做
func copyIntoLogs(src, dst string) {
	if src == "" {
		return
	}
	in, err := os.Open(src)
	if err != nil {
		return
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return
	}
	defer out.Close()
	_, _ = io.Copy(out, in)
}

// writeParamsSidecar 把参数快照写进输出树并维护稳定符号链接
// GRIDFLOW.params.yml 永远指向最近一次运行的快照
func writeParamsSidecar(rc *cluster.RunContext, absOut, uniq string) error {
	data, err := rc.Task.Params.EncodeYAML()
	if err != nil {
		return err
	}
	name := "GRIDFLOW_" + uniq + ".params.yml"
	if err := os.WriteFile(filepath.Join(absOut, name), data, 0o644); err != nil {
		return err
	}
	stable := filepath.Join(absOut, "GRIDFLOW.params.yml")
	_ = os.Remove(stable)
	return os.Symlink(name, stable)
}
