package civetqc

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stevelan1995/gridflow/pkg/core/cluster"
	"github.com/stevelan1995/gridflow/pkg/core/store"
	"github.com/stevelan1995/gridflow/pkg/core/task"
)

type qcFixture struct {
	store       *store.LocalStore
	providerDir string
	study       *store.Artifact
	combiner    *task.Record
	rec         *task.Record
}

// writeSubject 在研究树里造一个受试者目录和它的参数快照
func writeSubject(t *testing.T, studyDir, dir, prefix, dsid string) {
	t.Helper()
	subjDir := filepath.Join(studyDir, dir)
	require.NoError(t, os.MkdirAll(subjDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(subjDir, "thickness.txt"), []byte("1.23"), 0o644))

	params := task.Params{
		"file_args": map[string]interface{}{
			"0": map[string]interface{}{"prefix": prefix, "dsid": dsid},
		},
	}
	data, err := params.EncodeYAML()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(subjDir, "GRIDFLOW.params.yml"), data, 0o644))
}

func newQCFixture(t *testing.T) *qcFixture {
	t.Helper()
	providerDir := t.TempDir()
	st, err := store.NewLocalStore(providerDir, t.TempDir())
	require.NoError(t, err)

	studyDir := filepath.Join(providerDir, "mystudy")
	writeSubject(t, studyDir, "sub01", "abc", "sub01")
	writeSubject(t, studyDir, "sub02", "abc", "sub02")

	study, err := st.RegisterExisting(store.TypeStudy, "mystudy", "p1")
	require.NoError(t, err)

	combiner := task.NewRecord("civet_combiner", "u1", "beluga")
	combiner.Status = task.StatusCompleted
	combiner.Params["output_artifact_ids"] = []string{study.ID}

	rec := task.NewRecord(KindName, "u1", "beluga")
	rec.ResultsLocationID = "p1"
	rec.Params["study_from_task_id"] = combiner.ID

	return &qcFixture{store: st, providerDir: providerDir, study: study, combiner: combiner, rec: rec}
}

func (f *qcFixture) runContext(t *testing.T) *cluster.RunContext {
	t.Helper()
	return &cluster.RunContext{
		Ctx:     context.Background(),
		Task:    f.rec,
		Workdir: t.TempDir(),
		Store:   f.store,
		TaskLookup: func(id string) (*task.Record, error) {
			if id == f.combiner.ID {
				return f.combiner, nil
			}
			return nil, nil
		},
	}
}

func TestSetupCollectsSubjects(t *testing.T) {
	f := newQCFixture(t)
	rc := f.runContext(t)

	ok, err := (&Cluster{}).Setup(rc)
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, f.study.ID, f.rec.Params.GetString("study_artifact_id"))
	assert.Equal(t, "abc", f.rec.Params.GetString("civet_prefix"))
	assert.Equal(t, []string{"sub01", "sub02"}, f.rec.Params.GetStringSlice("dsid_names"))

	// 研究树是复制进来的，质检可以直接写
	fi, err := os.Lstat(filepath.Join(rc.Workdir, "study"))
	require.NoError(t, err)
	assert.True(t, fi.IsDir())
	_, err = os.Stat(filepath.Join(rc.Workdir, "study", "sub01", "thickness.txt"))
	assert.NoError(t, err)
}

func TestSetupRejectsDsidMismatch(t *testing.T) {
	f := newQCFixture(t)
	// sub03 目录里的快照声称自己是别的受试者
	writeSubject(t, filepath.Join(f.providerDir, "mystudy"), "sub03", "abc", "other")

	ok, err := (&Cluster{}).Setup(f.runContext(t))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSetupRejectsMixedPrefixes(t *testing.T) {
	f := newQCFixture(t)
	writeSubject(t, filepath.Join(f.providerDir, "mystudy"), "sub03", "xyz", "sub03")

	ok, err := (&Cluster{}).Setup(f.runContext(t))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestClusterCommands(t *testing.T) {
	f := newQCFixture(t)
	rc := f.runContext(t)
	ok, err := (&Cluster{}).Setup(rc)
	require.NoError(t, err)
	require.True(t, ok)

	cmds, err := (&Cluster{}).ClusterCommands(rc)
	require.NoError(t, err)
	require.Len(t, cmds, 2)
	assert.Contains(t, cmds[0], "CIVET_QC_Pipeline")
	assert.Contains(t, cmds[0], "'abc'")
	assert.Contains(t, cmds[0], "'sub01' 'sub02'")
	assert.Contains(t, cmds[1], "QC pipeline finished OK")

	// 清单溢出成文件后命令行改用 cat
	f.rec.Params.StripKeys("dsid_names")
	f.rec.Params["dsid_names_file"] = DsidNamesFile
	cmds, err = (&Cluster{}).ClusterCommands(rc)
	require.NoError(t, err)
	assert.Contains(t, cmds[0], "$(cat 'dsid_names.lst')")
}

func TestStoreDsidNamesOverflowsToFile(t *testing.T) {
	workdir := t.TempDir()
	rec := task.NewRecord(KindName, "u1", "beluga")
	// 把参数体积垫到上限附近，迫使清单走文件
	rec.Params["padding"] = strings.Repeat("x", task.MaxParamsBytes)

	dsids := []string{"sub01", "sub02", "sub03"}
	require.NoError(t, storeDsidNames(rec, dsids, workdir))

	assert.Equal(t, DsidNamesFile, rec.Params.GetString("dsid_names_file"))
	assert.Nil(t, rec.Params.GetStringSlice("dsid_names"))
	data, err := os.ReadFile(filepath.Join(workdir, DsidNamesFile))
	require.NoError(t, err)
	assert.Equal(t, "sub01\nsub02\nsub03\n", string(data))
}

func TestSaveResultsPushesQCBack(t *testing.T) {
	f := newQCFixture(t)
	rc := f.runContext(t)
	ok, err := (&Cluster{}).Setup(rc)
	require.NoError(t, err)
	require.True(t, ok)

	// 伪造质检输出和带哨兵的标准输出捕获
	qcDir := filepath.Join(rc.Workdir, "study", "QC")
	require.NoError(t, os.MkdirAll(qcDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(qcDir, "report.html"), []byte("<html/>"), 0o644))
	stdout := filepath.Join(rc.Workdir, "run.stdout")
	require.NoError(t, os.WriteFile(stdout, []byte("QC pipeline finished OK\n"), 0o644))
	rc.StdoutPath = stdout

	ok, err = (&Cluster{}).SaveResults(rc)
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, []string{f.study.ID}, f.rec.Params["output_artifact_ids"])
	_, err = os.Stat(filepath.Join(f.providerDir, "mystudy", "QC", "report.html"))
	assert.NoError(t, err, "质检输出回传到供应方")

	study, err := f.store.FindByID(context.Background(), f.study.ID)
	require.NoError(t, err)
	assert.Equal(t, f.rec.ID, study.Meta["qc_by_task"])
}

func TestSaveResultsFailures(t *testing.T) {
	f := newQCFixture(t)
	c := &Cluster{}

	t.Run("执行环境缺命令", func(t *testing.T) {
		rc := f.runContext(t)
		stderr := filepath.Join(rc.Workdir, "run.stderr")
		require.NoError(t, os.WriteFile(stderr, []byte("bash: CIVET_QC_Pipeline: command not found\n"), 0o644))
		rc.StderrPath = stderr

		ok, err := c.SaveResults(rc)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("缺少哨兵", func(t *testing.T) {
		rc := f.runContext(t)
		ok, err := c.Setup(rc)
		require.NoError(t, err)
		require.True(t, ok)
		qcDir := filepath.Join(rc.Workdir, "study", "QC")
		require.NoError(t, os.MkdirAll(qcDir, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(qcDir, "report.html"), []byte("<html/>"), 0o644))

		ok, err = c.SaveResults(rc)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestRecoverDropsWorkingCopy(t *testing.T) {
	f := newQCFixture(t)
	rc := f.runContext(t)
	ok, err := (&Cluster{}).Setup(rc)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = (&Cluster{}).RecoverFromClusterFailure(rc)
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, rc.PathExists("study"))
}
