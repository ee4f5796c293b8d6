package sqlite

import (
	"context"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stevelan1995/gridflow/pkg/core/task"
	mysqldialect "github.com/stevelan1995/gridflow/pkg/storage/mysql"
	pgdialect "github.com/stevelan1995/gridflow/pkg/storage/postgres"
	sqlitedialect "github.com/stevelan1995/gridflow/pkg/storage/sqlite"
)

func newTestRepo(t *testing.T) (*taskRepo, context.Context) {
	t.Helper()
	db, err := sqlx.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	repo, err := NewTaskRepo(db)
	require.NoError(t, err)
	return repo.(*taskRepo), context.Background()
}

func sampleRecord() *task.Record {
	r := task.NewRecord("civet", "u1", "rorqual")
	r.BatchID = "batch-1"
	r.Description = "CIVET sub-01"
	r.Workdir = "/work/t1"
	r.ResultsLocationID = "provider-9"
	r.Params["prefix"] = "study"
	r.Params["dsid"] = "sub01"
	r.AddLog("任务创建")
	return r
}

func TestSaveAndGetByIDRoundTrip(t *testing.T) {
	repo, ctx := newTestRepo(t)
	rec := sampleRecord()
	require.NoError(t, rec.AddPrerequisiteForSetup("other-1", task.StatusCompleted))

	require.NoError(t, repo.Save(ctx, rec))

	got, err := repo.GetByID(ctx, rec.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, rec.Kind, got.Kind)
	assert.Equal(t, rec.BatchID, got.BatchID)
	assert.Equal(t, "study", got.Params.GetString("prefix"))
	assert.Equal(t, task.StatusCompleted, got.PrereqForSetup["other-1"])
	require.Len(t, got.Log, 1)
	assert.Contains(t, got.Log[0], "任务创建")
}

func TestGetByIDMissingReturnsNilNil(t *testing.T) {
	repo, ctx := newTestRepo(t)
	got, err := repo.GetByID(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSaveIsUpsert(t *testing.T) {
	repo, ctx := newTestRepo(t)
	rec := sampleRecord()
	require.NoError(t, repo.Save(ctx, rec))

	rec.Status = task.StatusSetup
	rec.RunNumber = 2
	require.NoError(t, repo.Save(ctx, rec))

	got, err := repo.GetByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusSetup, got.Status)
	assert.Equal(t, 2, got.RunNumber)

	all, err := repo.ListAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestListByStatusAndBatch(t *testing.T) {
	repo, ctx := newTestRepo(t)

	a := sampleRecord()
	b := sampleRecord()
	b.Status = task.StatusFailedOnCluster
	c := sampleRecord()
	c.BatchID = "batch-2"
	for _, r := range []*task.Record{a, b, c} {
		require.NoError(t, repo.Save(ctx, r))
	}

	news, err := repo.ListByStatus(ctx, task.StatusNew)
	require.NoError(t, err)
	assert.Len(t, news, 2)

	failedOrNew, err := repo.ListByStatus(ctx, task.StatusNew, task.StatusFailedOnCluster)
	require.NoError(t, err)
	assert.Len(t, failedOrNew, 3)

	batch, err := repo.ListByBatch(ctx, "batch-1")
	require.NoError(t, err)
	assert.Len(t, batch, 2)

	none, err := repo.ListByStatus(ctx)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestUpdateStatus(t *testing.T) {
	repo, ctx := newTestRepo(t)
	rec := sampleRecord()
	require.NoError(t, repo.Save(ctx, rec))

	require.NoError(t, repo.UpdateStatus(ctx, rec.ID, task.StatusQueued))
	got, err := repo.GetByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusQueued, got.Status)

	assert.Error(t, repo.UpdateStatus(ctx, "missing", task.StatusQueued))
}

func TestDelete(t *testing.T) {
	repo, ctx := newTestRepo(t)
	rec := sampleRecord()
	require.NoError(t, repo.Save(ctx, rec))

	require.NoError(t, repo.Delete(ctx, rec.ID))
	got, err := repo.GetByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestDialectSQLGeneration(t *testing.T) {
	cols := []string{"id", "status"}
	update := []string{"status"}

	sq := sqlitedialect.NewSQLiteDialect().UpsertSQL("task_record", cols, "id", update)
	assert.Contains(t, sq, "INSERT OR REPLACE INTO task_record")

	my := mysqldialect.NewMySQLDialect().UpsertSQL("task_record", cols, "id", update)
	assert.Contains(t, my, "ON DUPLICATE KEY UPDATE status = VALUES(status)")

	pg := pgdialect.NewPostgresDialect()
	assert.Contains(t, pg.UpsertSQL("task_record", cols, "id", update), "ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status")
	assert.Equal(t, "SELECT $1, $2", pg.Rebind("SELECT ?, ?"))
}
