package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberkrunk69/black-swarm-sub007/internal/events"
	"github.com/cyberkrunk69/black-swarm-sub007/internal/model"
)

func writeEvents(t *testing.T, path string, evts ...events.Event) {
	t.Helper()
	logger, err := events.NewLogger(path, 0)
	require.NoError(t, err)
	defer logger.Close()
	for i := range evts {
		require.NoError(t, logger.Append(&evts[i]))
	}
}

func TestReconcileAppliesMissedDone(t *testing.T) {
	s := newTestStore(t)
	eventsPath := filepath.Join(t.TempDir(), "log.jsonl")

	require.NoError(t, s.Insert("w1", []model.Task{task("a")}))
	require.NoError(t, s.MarkClaimed("w1", "a"))

	// Crash happened after the done event but before the document write.
	writeEvents(t, eventsPath,
		events.Event{ID: "evt_1", TaskID: "a", Status: events.EventClaimed, WorkerID: "w1"},
		events.Event{ID: "evt_2", TaskID: "a", Status: events.EventDone, WorkerID: "w1"},
	)

	require.NoError(t, s.Reconcile("w2", eventsPath))

	doc, err := s.Load()
	require.NoError(t, err)
	assert.Nil(t, doc.TaskByID("a"))
	assert.Equal(t, []string{"a"}, doc.Completed)
}

func TestReconcileAppliesMissedFailure(t *testing.T) {
	s := newTestStore(t)
	eventsPath := filepath.Join(t.TempDir(), "log.jsonl")

	require.NoError(t, s.Insert("w1", []model.Task{task("a")}))
	require.NoError(t, s.MarkClaimed("w1", "a"))

	writeEvents(t, eventsPath,
		events.Event{ID: "evt_1", TaskID: "a", Status: events.EventFailed, Error: "boom"},
	)

	require.NoError(t, s.Reconcile("w2", eventsPath))

	doc, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, doc.Failed)
}

func TestReconcileReleasesOrphanedClaim(t *testing.T) {
	s := newTestStore(t)
	eventsPath := filepath.Join(t.TempDir(), "log.jsonl")

	require.NoError(t, s.Insert("w1", []model.Task{task("a")}))
	require.NoError(t, s.MarkClaimed("w1", "a"))

	// Claimed event, worker died, its task lock was already reclaimed.
	writeEvents(t, eventsPath,
		events.Event{ID: "evt_1", TaskID: "a", Status: events.EventClaimed, WorkerID: "w1"},
	)

	require.NoError(t, s.Reconcile("w2", eventsPath))

	doc, err := s.Load()
	require.NoError(t, err)
	got := doc.TaskByID("a")
	require.NotNil(t, got)
	assert.Equal(t, model.StatusPending, got.Status)
}

func TestReconcileKeepsClaimWithLiveLock(t *testing.T) {
	s := newTestStore(t)
	eventsPath := filepath.Join(t.TempDir(), "log.jsonl")

	require.NoError(t, s.Insert("w1", []model.Task{task("a")}))
	require.NoError(t, s.MarkClaimed("w1", "a"))
	require.NoError(t, s.locks.Acquire("a", "w1"))

	writeEvents(t, eventsPath,
		events.Event{ID: "evt_1", TaskID: "a", Status: events.EventClaimed, WorkerID: "w1"},
	)

	require.NoError(t, s.Reconcile("w2", eventsPath))

	doc, err := s.Load()
	require.NoError(t, err)
	got := doc.TaskByID("a")
	require.NotNil(t, got)
	assert.Equal(t, model.StatusClaimed, got.Status)
}

func TestReconcileIdempotent(t *testing.T) {
	s := newTestStore(t)
	eventsPath := filepath.Join(t.TempDir(), "log.jsonl")

	require.NoError(t, s.Insert("w1", []model.Task{task("a")}))
	require.NoError(t, s.MarkClaimed("w1", "a"))
	require.NoError(t, s.MarkDone("w1", "a"))

	writeEvents(t, eventsPath,
		events.Event{ID: "evt_1", TaskID: "a", Status: events.EventDone, WorkerID: "w1"},
	)

	require.NoError(t, s.Reconcile("w2", eventsPath))
	require.NoError(t, s.Reconcile("w2", eventsPath))

	doc, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, doc.Completed, "done id must not be duplicated")
}

func TestReconcileNoEventLog(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Insert("w1", []model.Task{task("a")}))

	require.NoError(t, s.Reconcile("w2", filepath.Join(t.TempDir(), "absent.jsonl")))

	doc, err := s.Load()
	require.NoError(t, err)
	assert.NotNil(t, doc.TaskByID("a"))
}

func TestReconcileRequeuedEvent(t *testing.T) {
	s := newTestStore(t)
	eventsPath := filepath.Join(t.TempDir(), "log.jsonl")

	require.NoError(t, s.Insert("w1", []model.Task{task("a")}))
	require.NoError(t, s.MarkClaimed("w1", "a"))

	writeEvents(t, eventsPath,
		events.Event{ID: "evt_1", TaskID: "a", Status: events.EventClaimed},
		events.Event{ID: "evt_2", TaskID: "a", Status: events.EventRequeued, Attempt: 1},
	)

	require.NoError(t, s.Reconcile("w2", eventsPath))

	doc, err := s.Load()
	require.NoError(t, err)
	got := doc.TaskByID("a")
	require.NotNil(t, got)
	assert.Equal(t, model.StatusPending, got.Status)
}
