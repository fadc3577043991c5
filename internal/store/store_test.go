package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberkrunk69/black-swarm-sub007/internal/lock"
	"github.com/cyberkrunk69/black-swarm-sub007/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	swarmDir := t.TempDir()
	locks := lock.NewManager(filepath.Join(swarmDir, "locks"))
	s := New(swarmDir, locks, lock.NewMutexMap())
	require.NoError(t, s.Init("http://localhost:8080/execute"))
	return s
}

func task(id string, deps ...string) model.Task {
	return model.Task{
		ID:          id,
		Kind:        model.KindLocal,
		Description: "task " + id,
		DependsOn:   deps,
	}
}

func TestInitAndLoad(t *testing.T) {
	s := newTestStore(t)

	doc, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, model.QueueFileType, doc.FileType)
	assert.Equal(t, "http://localhost:8080/execute", doc.Endpoint)
	assert.Empty(t, doc.Tasks)

	// Double init must not clobber an existing document.
	assert.Error(t, s.Init("http://other"))
}

func TestInsertAndVersionBump(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Insert("w1", []model.Task{task("a"), task("b", "a")}))

	doc, err := s.Load()
	require.NoError(t, err)
	require.Len(t, doc.Tasks, 2)
	assert.Equal(t, 2, doc.Version)
	assert.Equal(t, model.StatusPending, doc.Tasks[0].Status)
	assert.NotEmpty(t, doc.Tasks[0].CreatedAt)
}

func TestInsertRejectsDuplicateID(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Insert("w1", []model.Task{task("a")}))
	err := s.Insert("w1", []model.Task{task("a")})
	assert.ErrorIs(t, err, ErrDuplicateID)

	// Ids already in completed stay reserved too.
	require.NoError(t, s.MarkClaimed("w1", "a"))
	require.NoError(t, s.MarkDone("w1", "a"))
	err = s.Insert("w1", []model.Task{task("a")})
	assert.ErrorIs(t, err, ErrDuplicateID)
}

func TestInsertRejectsReservedID(t *testing.T) {
	s := newTestStore(t)
	err := s.Insert("w1", []model.Task{task(lock.ExclusiveClass)})
	assert.ErrorIs(t, err, ErrDuplicateID)
}

func TestInsertRejectsUnknownDependency(t *testing.T) {
	s := newTestStore(t)
	err := s.Insert("w1", []model.Task{task("a", "ghost")})
	assert.ErrorIs(t, err, ErrUnknownDependency)
}

func TestInsertAllowsIntraBatchDependency(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Insert("w1", []model.Task{task("b", "a"), task("a")}))
}

func TestInsertRejectsCycle(t *testing.T) {
	s := newTestStore(t)

	err := s.Insert("w1", []model.Task{task("a", "b"), task("b", "a")})
	assert.ErrorIs(t, err, ErrDependencyCycle)

	// Longer cycle through an existing task.
	require.NoError(t, s.Insert("w1", []model.Task{task("x")}))
	err = s.Insert("w1", []model.Task{task("y", "z"), task("z", "y")})
	assert.ErrorIs(t, err, ErrDependencyCycle)
}

func TestDependencyOnCompletedTask(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Insert("w1", []model.Task{task("a")}))
	require.NoError(t, s.MarkClaimed("w1", "a"))
	require.NoError(t, s.MarkDone("w1", "a"))

	require.NoError(t, s.Insert("w1", []model.Task{task("b", "a")}))

	doc, err := s.Load()
	require.NoError(t, err)
	eligible := EligibleTasks(doc)
	require.Len(t, eligible, 1)
	assert.Equal(t, "b", eligible[0].ID)
}

func TestStatusMovesKeepSingleBucket(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Insert("w1", []model.Task{task("a"), task("b")}))
	require.NoError(t, s.MarkClaimed("w1", "a"))
	require.NoError(t, s.MarkDone("w1", "a"))
	require.NoError(t, s.MarkClaimed("w1", "b"))
	require.NoError(t, s.MarkFailed("w1", "b"))

	doc, err := s.Load()
	require.NoError(t, err)
	assert.Empty(t, doc.Tasks)
	assert.Equal(t, []string{"a"}, doc.Completed)
	assert.Equal(t, []string{"b"}, doc.Failed)

	counts := doc.Counts()
	assert.Equal(t, 0, counts.PendingCount)
	assert.Equal(t, 1, counts.CompletedCount)
	assert.Equal(t, 1, counts.FailedCount)
}

func TestInvalidTransitions(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Insert("w1", []model.Task{task("a")}))

	// done without claim
	assert.Error(t, s.MarkDone("w1", "a"))
	// double claim
	require.NoError(t, s.MarkClaimed("w1", "a"))
	assert.Error(t, s.MarkClaimed("w1", "a"))
	// unknown task
	assert.ErrorIs(t, s.MarkClaimed("w1", "ghost"), ErrTaskNotFound)
}

func TestRequeueBumpsRetryAndRecordsReason(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Insert("w1", []model.Task{task("a")}))
	require.NoError(t, s.MarkClaimed("w1", "a"))
	require.NoError(t, s.Requeue("w1", "a", "empty result"))

	doc, err := s.Load()
	require.NoError(t, err)
	got := doc.TaskByID("a")
	require.NotNil(t, got)
	assert.Equal(t, model.StatusPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	require.NotNil(t, got.LastError)
	assert.Equal(t, "empty result", *got.LastError)
}

func TestEligibleTasksDeclarationOrder(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Insert("w1", []model.Task{task("c"), task("a"), task("b", "a")}))

	doc, err := s.Load()
	require.NoError(t, err)
	eligible := EligibleTasks(doc)
	require.Len(t, eligible, 2)
	assert.Equal(t, "c", eligible[0].ID)
	assert.Equal(t, "a", eligible[1].ID)
}

func TestSupersede(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Insert("w1", []model.Task{task("parent"), task("dependent", "parent")}))
	require.NoError(t, s.MarkClaimed("w1", "parent"))

	subtasks := []model.Task{
		task("parent.1"),
		task("parent.2"),
		task("parent.rollup", "parent.1", "parent.2"),
	}
	require.NoError(t, s.Supersede("w1", "parent", subtasks, "parent.rollup"))

	doc, err := s.Load()
	require.NoError(t, err)

	parent := doc.TaskByID("parent")
	require.NotNil(t, parent)
	assert.Equal(t, model.StatusSuperseded, parent.Status)
	require.NotNil(t, parent.SupersededBy)
	assert.Equal(t, "parent.rollup", *parent.SupersededBy)

	dependent := doc.TaskByID("dependent")
	require.NotNil(t, dependent)
	assert.Equal(t, []string{"parent.rollup"}, dependent.DependsOn)

	// Siblings eligible now, rollup and dependent not yet.
	eligible := EligibleTasks(doc)
	var ids []string
	for _, task := range eligible {
		ids = append(ids, task.ID)
	}
	assert.Equal(t, []string{"parent.1", "parent.2"}, ids)
}

func TestRollupEligibleOnlyAfterSiblings(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Insert("w1", []model.Task{task("parent")}))
	require.NoError(t, s.MarkClaimed("w1", "parent"))
	require.NoError(t, s.Supersede("w1", "parent", []model.Task{
		task("parent.1"),
		task("parent.2"),
		task("parent.rollup", "parent.1", "parent.2"),
	}, "parent.rollup"))

	for _, id := range []string{"parent.1", "parent.2"} {
		require.NoError(t, s.MarkClaimed("w1", id))
		require.NoError(t, s.MarkDone("w1", id))
	}

	doc, err := s.Load()
	require.NoError(t, err)
	eligible := EligibleTasks(doc)
	require.Len(t, eligible, 1)
	assert.Equal(t, "parent.rollup", eligible[0].ID)
}

func TestLoadRecoversCorruptDocument(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Insert("w1", []model.Task{task("a")}))
	require.NoError(t, s.Insert("w1", []model.Task{task("b")}))

	// Clobber the document. The .bak from the last atomic write holds
	// the previous version, which already contains task a.
	require.NoError(t, os.WriteFile(s.QueuePath(), []byte("tasks: [\n"), 0644))

	doc, err := s.Load()
	require.NoError(t, err)
	require.Len(t, doc.Tasks, 1)
	assert.Equal(t, "a", doc.Tasks[0].ID)
}

func TestLoadRecoversToSkeletonWithoutBackup(t *testing.T) {
	swarmDir := t.TempDir()
	locks := lock.NewManager(filepath.Join(swarmDir, "locks"))
	s := New(swarmDir, locks, lock.NewMutexMap())

	require.NoError(t, os.WriteFile(s.QueuePath(), []byte("tasks: [\n"), 0644))

	doc, err := s.Load()
	require.NoError(t, err)
	assert.Empty(t, doc.Tasks)
	assert.Equal(t, model.QueueFileType, doc.FileType)
}

func TestUpdateRollbackOnError(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Insert("w1", []model.Task{task("a")}))

	err := s.Update("w1", func(doc *model.QueueDocument) error {
		doc.Tasks = nil
		return assert.AnError
	})
	require.Error(t, err)

	doc, err := s.Load()
	require.NoError(t, err)
	assert.Len(t, doc.Tasks, 1, "failed update must not persist")
}

func TestUpdateReclaimsDeadHolderLock(t *testing.T) {
	s := newTestStore(t)

	// A dead updater left the store lock behind. Update should sweep it
	// once it goes stale rather than failing forever; with a 30s
	// staleness bound this path is exercised via direct reclaim.
	locks := s.locks
	require.NoError(t, locks.Acquire(storeLockName, "dead"))
	_, err := locks.ReclaimStale(0)
	require.NoError(t, err)

	require.NoError(t, s.Insert("w1", []model.Task{task("a")}))
}
