package bidsapp

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stevelan1995/gridflow/pkg/core/cluster"
	"github.com/stevelan1995/gridflow/pkg/core/portal"
	"github.com/stevelan1995/gridflow/pkg/core/store"
	"github.com/stevelan1995/gridflow/pkg/core/task"
)

type bidsFixture struct {
	store   *store.LocalStore
	dataset *store.Artifact
	image   *store.Artifact
}

func newBidsFixture(t *testing.T) *bidsFixture {
	t.Helper()
	providerDir := t.TempDir()
	st, err := store.NewLocalStore(providerDir, t.TempDir())
	require.NoError(t, err)

	dsDir := filepath.Join(providerDir, "ds")
	for _, f := range []string{
		"sub-01/anat/scan.nii",
		"sub-02/anat/scan.nii",
		"derivatives/summary.txt",
		"dataset_description.json",
	} {
		p := filepath.Join(dsDir, f)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte("data"), 0o644))
	}
	ds, err := st.RegisterExisting(store.TypeCollection, "ds", "p1")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(providerDir, "app.sqfs"), []byte("squashfs"), 0o644))
	img, err := st.RegisterExisting(store.TypeSingleFile, "app.sqfs", "p1")
	require.NoError(t, err)

	return &bidsFixture{store: st, dataset: ds, image: img}
}

func saveToMap(records map[string]*task.Record) func(context.Context, *task.Record) error {
	return func(_ context.Context, r *task.Record) error {
		records[r.ID] = r
		return nil
	}
}

func TestPortalFanOutPerParticipant(t *testing.T) {
	f := newBidsFixture(t)
	saved := map[string]*task.Record{}
	launcher := &portal.Launcher{Store: f.store, SaveTask: saveToMap(saved)}

	tmpl := task.NewRecord(KindName, "u1", "beluga")
	tmpl.Params["app_command"] = "fmriprep"
	tmpl.Params["app_image_id"] = f.image.ID

	finals, err := launcher.Launch(context.Background(), &Portal{}, tmpl, []string{f.dataset.ID}, true)
	require.NoError(t, err)
	require.Len(t, finals, 2, "数据集里有两个受试者")

	labels := map[string]bool{}
	for _, child := range finals {
		require.Len(t, child.Params.GetStringSlice("participants"), 1)
		labels[child.Params.GetStringSlice("participants")[0]] = true
		assert.Equal(t, f.dataset.ID, child.Params.GetString("bids_dataset_id"))
	}
	assert.True(t, labels["01"] && labels["02"])
}

func TestPortalGroupModeDoesNotFanOut(t *testing.T) {
	f := newBidsFixture(t)
	saved := map[string]*task.Record{}
	launcher := &portal.Launcher{Store: f.store, SaveTask: saveToMap(saved)}

	tmpl := task.NewRecord(KindName, "u1", "beluga")
	tmpl.Params["mode"] = ModeGroup
	tmpl.Params["app_command"] = "fmriprep"
	tmpl.Params["app_image_id"] = f.image.ID

	finals, err := launcher.Launch(context.Background(), &Portal{}, tmpl, []string{f.dataset.ID}, true)
	require.NoError(t, err)
	assert.Len(t, finals, 1)
}

func TestPortalValidation(t *testing.T) {
	f := newBidsFixture(t)
	launcher := &portal.Launcher{Store: f.store, SaveTask: saveToMap(map[string]*task.Record{})}

	tmpl := task.NewRecord(KindName, "u1", "beluga")
	tmpl.Params["mode"] = "bogus"

	_, err := launcher.Launch(context.Background(), &Portal{}, tmpl, []string{f.dataset.ID}, true)
	var verr *portal.ValidationError
	require.ErrorAs(t, err, &verr)
	msgs := strings.Join(verr.Errors.Messages(), "\n")
	assert.Contains(t, msgs, "mode")
	assert.Contains(t, msgs, "app_command")
}

func participantRecord(f *bidsFixture) *task.Record {
	rec := task.NewRecord(KindName, "u1", "beluga")
	rec.ResultsLocationID = "p1"
	rec.Params = task.Params{
		"mode":            ModeParticipant,
		"participants":    []string{"01"},
		"bids_dataset_id": f.dataset.ID,
		"app_command":     "fmriprep",
		"app_image_id":    f.image.ID,
		"invoke": map[string]interface{}{
			"smoothing":  5,
			"_cb_secret": "internal",
		},
	}
	return rec
}

func newRunContext(t *testing.T, f *bidsFixture, rec *task.Record) *cluster.RunContext {
	t.Helper()
	// 共享镜像目录挂在工作目录的父目录下，给它一个独立的根
	root := t.TempDir()
	workdir := filepath.Join(root, rec.ID)
	require.NoError(t, os.MkdirAll(workdir, 0o755))
	return &cluster.RunContext{
		Ctx:     context.Background(),
		Task:    rec,
		Workdir: workdir,
		Store:   f.store,
	}
}

func TestClusterSetupInstallsSharedImage(t *testing.T) {
	f := newBidsFixture(t)
	rec := participantRecord(f)
	rc := newRunContext(t, f, rec)

	c := &Cluster{}
	ok, err := c.Setup(rc)
	require.NoError(t, err)
	require.True(t, ok)

	// 镜像链接指向共享安装目录
	link := filepath.Join(rc.Workdir, "image.sqfs")
	target, err := os.Readlink(link)
	require.NoError(t, err)
	assert.Contains(t, target, ".shared")
	data, err := os.ReadFile(link)
	require.NoError(t, err)
	assert.Equal(t, "squashfs", string(data))

	// 调用参数文件剥掉了控制键
	invoke, err := os.ReadFile(filepath.Join(rc.Workdir, "invoke."+rec.RunID()+".json"))
	require.NoError(t, err)
	assert.Contains(t, string(invoke), "smoothing")
	assert.Contains(t, string(invoke), "participant_label")
	assert.NotContains(t, string(invoke), "_cb_secret")

	// 幂等：共享安装已就位时重跑无害
	ok, err = c.Setup(rc)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestClusterCommandsCaptureStatus(t *testing.T) {
	f := newBidsFixture(t)
	rec := participantRecord(f)
	rc := newRunContext(t, f, rec)

	cmds, err := (&Cluster{}).ClusterCommands(rc)
	require.NoError(t, err)
	joined := strings.Join(cmds, "\n")
	assert.Contains(t, joined, "fmriprep bids_dataset outdir participant")
	assert.Contains(t, joined, "--participant_label '01'")
	assert.Contains(t, joined, "status.all/"+rec.RunID())
	assert.Contains(t, joined, ".failed")
}

func TestClusterCommandsSaveModeSkipsGrid(t *testing.T) {
	f := newBidsFixture(t)
	rec := participantRecord(f)
	rec.Params["mode"] = ModeSave
	cmds, err := (&Cluster{}).ClusterCommands(newRunContext(t, f, rec))
	require.NoError(t, err)
	assert.Nil(t, cmds)
}

func writeRunResult(t *testing.T, rc *cluster.RunContext, status string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Join(rc.Workdir, "outdir", "sub-01"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(rc.Workdir, "outdir", "sub-01", "report.html"), []byte("<html/>"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(rc.Workdir, "status.all"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(rc.Workdir, "status.all", rc.Task.RunID()), []byte(status+"\n"), 0o644))
	if status != "0" {
		require.NoError(t, os.WriteFile(filepath.Join(rc.Workdir, "status.all", rc.Task.RunID()+".failed"), nil, 0o644))
	}
}

func TestSaveResultsHarvestsOutdir(t *testing.T) {
	f := newBidsFixture(t)
	rec := participantRecord(f)
	rc := newRunContext(t, f, rec)
	writeRunResult(t, rc, "0")

	ok, err := (&Cluster{}).SaveResults(rc)
	require.NoError(t, err)
	require.True(t, ok)

	ids := rec.Params.GetStringSlice("output_artifact_ids")
	require.Len(t, ids, 1)
	artifact, err := f.store.FindByID(context.Background(), ids[0])
	require.NoError(t, err)
	require.NotNil(t, artifact)
	assert.Equal(t, f.dataset.ID, artifact.ParentID)
	assert.Equal(t, "fmriprep-participant-"+rec.RunID(), artifact.Name)
}

func TestSaveResultsRejectsNonZeroStatus(t *testing.T) {
	f := newBidsFixture(t)
	rec := participantRecord(f)
	rc := newRunContext(t, f, rec)
	writeRunResult(t, rc, "1")

	ok, err := (&Cluster{}).SaveResults(rc)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSaveResultsRequiresParticipantOutput(t *testing.T) {
	f := newBidsFixture(t)
	rec := participantRecord(f)
	rc := newRunContext(t, f, rec)

	// 退出码为 0，但 outdir 里没有任何属于 sub-01 的文件
	require.NoError(t, os.MkdirAll(filepath.Join(rc.Workdir, "outdir"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(rc.Workdir, "outdir", "unrelated.log"), []byte("log"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(rc.Workdir, "status.all"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(rc.Workdir, "status.all", rc.Task.RunID()), []byte("0\n"), 0o644))

	ok, err := (&Cluster{}).SaveResults(rc)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Contains(t, strings.Join(rec.Log, "\n"), "受试者 01")

	// 别的受试者的输出不算数：标签匹配带边界
	require.NoError(t, os.MkdirAll(filepath.Join(rc.Workdir, "outdir", "sub-012"), 0o755))
	ok, err = (&Cluster{}).SaveResults(rc)
	require.NoError(t, err)
	assert.False(t, ok)

	// 受试者自己的输出出现后采收通过
	require.NoError(t, os.WriteFile(filepath.Join(rc.Workdir, "outdir", "sub-01_report.html"), []byte("<html/>"), 0o644))
	ok, err = (&Cluster{}).SaveResults(rc)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSaveResultsRejectsMissingStatusCapture(t *testing.T) {
	f := newBidsFixture(t)
	rec := participantRecord(f)
	rc := newRunContext(t, f, rec)
	// 有输出但没有状态捕获文件
	require.NoError(t, os.MkdirAll(filepath.Join(rc.Workdir, "outdir", "sub-01"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(rc.Workdir, "outdir", "sub-01", "x"), []byte("x"), 0o644))

	ok, err := (&Cluster{}).SaveResults(rc)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSaveModeEndToEnd(t *testing.T) {
	f := newBidsFixture(t)
	rec := participantRecord(f)
	rec.Params["mode"] = ModeSave
	rc := newRunContext(t, f, rec)

	c := &Cluster{}
	ok, err := c.Setup(rc)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = c.SaveResults(rc)
	require.NoError(t, err)
	require.True(t, ok)

	ids := rec.Params.GetStringSlice("output_artifact_ids")
	require.Len(t, ids, 1)
	cachePath, err := f.store.CacheFullPath(ids[0])
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(cachePath, "derivatives", "summary.txt"))
	assert.NoError(t, err)
}

func TestRecoverCleansCaptures(t *testing.T) {
	f := newBidsFixture(t)
	rec := participantRecord(f)
	rc := newRunContext(t, f, rec)
	writeRunResult(t, rc, "1")

	ok, err := (&Cluster{}).RecoverFromClusterFailure(rc)
	require.NoError(t, err)
	require.True(t, ok)

	entries, err := os.ReadDir(filepath.Join(rc.Workdir, "status.all"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}
