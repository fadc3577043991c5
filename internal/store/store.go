// Package store persists the task queue document and enforces its
// integrity rules: every task id lives in exactly one of the pending
// list, completed list, or failed list, and the dependency graph stays
// acyclic with no dangling references.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/cyberkrunk69/black-swarm-sub007/internal/lock"
	"github.com/cyberkrunk69/black-swarm-sub007/internal/model"
	swarmyaml "github.com/cyberkrunk69/black-swarm-sub007/internal/yaml"
)

const (
	// QueueFileName is the queue document file under the swarm dir.
	QueueFileName = "queue.yaml"
	// storeLockName guards cross-process read-modify-write of the document.
	storeLockName = "queue-document"
	// storeLockStale bounds how long a crashed updater can wedge the store.
	storeLockStale = 30 * time.Second
	// storeLockRetries is how many times Update waits for the store lock.
	storeLockRetries = 50
	// storeLockRetryDelay is the wait between store lock attempts.
	storeLockRetryDelay = 100 * time.Millisecond
)

var (
	// ErrTaskNotFound is returned when an id is not in the pending list.
	ErrTaskNotFound = errors.New("task not found")
	// ErrDuplicateID is returned when an insert reuses a known id.
	ErrDuplicateID = errors.New("duplicate task id")
	// ErrUnknownDependency is returned when a dependency references no known id.
	ErrUnknownDependency = errors.New("unknown dependency")
	// ErrDependencyCycle is returned when an insert would close a cycle.
	ErrDependencyCycle = errors.New("dependency cycle")
)

// Store owns queue.yaml. All mutation goes through Update, which holds
// both the in-process mutex and the cross-process store lock for the
// whole read-modify-write.
type Store struct {
	swarmDir  string
	queuePath string
	locks     *lock.Manager
	mu        *lock.MutexMap
}

func New(swarmDir string, locks *lock.Manager, mu *lock.MutexMap) *Store {
	return &Store{
		swarmDir:  swarmDir,
		queuePath: filepath.Join(swarmDir, QueueFileName),
		locks:     locks,
		mu:        mu,
	}
}

func (s *Store) QueuePath() string {
	return s.queuePath
}

// Load reads and parses the queue document. A corrupt document is
// quarantined and recovered (backup first, skeleton as last resort),
// then reloaded.
func (s *Store) Load() (*model.QueueDocument, error) {
	doc, err := s.load()
	if err == nil {
		return doc, nil
	}

	var parseErr *parseError
	if !errors.As(err, &parseErr) {
		return nil, err
	}

	if rerr := swarmyaml.RecoverCorruptedFile(s.swarmDir, s.queuePath, model.QueueFileType); rerr != nil {
		return nil, fmt.Errorf("recover queue document: %w", rerr)
	}
	return s.load()
}

type parseError struct{ err error }

func (e *parseError) Error() string { return e.err.Error() }
func (e *parseError) Unwrap() error { return e.err }

func (s *Store) load() (*model.QueueDocument, error) {
	content, err := os.ReadFile(s.queuePath)
	if err != nil {
		return nil, fmt.Errorf("read queue document: %w", err)
	}

	if err := swarmyaml.ValidateSchemaHeaderFromBytes(content, model.QueueFileType); err != nil {
		return nil, &parseError{fmt.Errorf("queue document header: %w", err)}
	}

	var doc model.QueueDocument
	if err := yamlv3.Unmarshal(content, &doc); err != nil {
		return nil, &parseError{fmt.Errorf("parse queue document: %w", err)}
	}
	return &doc, nil
}

// Update applies fn to the current document and atomically writes the
// result. The store lock serializes updaters across processes; a holder
// that died is swept after storeLockStale.
func (s *Store) Update(holder string, fn func(*model.QueueDocument) error) error {
	s.mu.Lock(storeLockName)
	defer s.mu.Unlock(storeLockName)

	if err := s.acquireStoreLock(holder); err != nil {
		return err
	}
	defer func() {
		_ = s.locks.Release(storeLockName, holder)
	}()

	doc, err := s.Load()
	if err != nil {
		return err
	}

	if err := fn(doc); err != nil {
		return err
	}

	doc.Version++
	if err := swarmyaml.AtomicWrite(s.queuePath, doc); err != nil {
		return fmt.Errorf("write queue document: %w", err)
	}
	return nil
}

func (s *Store) acquireStoreLock(holder string) error {
	for attempt := 0; attempt < storeLockRetries; attempt++ {
		err := s.locks.Acquire(storeLockName, holder)
		if err == nil {
			return nil
		}
		if !errors.Is(err, lock.ErrAlreadyHeld) {
			return err
		}
		if _, err := s.locks.ReclaimStale(storeLockStale); err != nil {
			return err
		}
		time.Sleep(storeLockRetryDelay)
	}
	return fmt.Errorf("%w: %s", lock.ErrAlreadyHeld, storeLockName)
}

// Init writes a fresh queue document. Fails if one already exists.
func (s *Store) Init(endpoint string) error {
	if _, err := os.Stat(s.queuePath); err == nil {
		return fmt.Errorf("queue document already exists: %s", s.queuePath)
	}
	return swarmyaml.AtomicWrite(s.queuePath, model.NewQueueDocument(endpoint))
}

// Insert validates and appends tasks to the document.
func (s *Store) Insert(holder string, tasks []model.Task) error {
	return s.Update(holder, func(doc *model.QueueDocument) error {
		return insertTasks(doc, tasks)
	})
}

func insertTasks(doc *model.QueueDocument, tasks []model.Task) error {
	known := doc.KnownIDs()
	now := time.Now().UTC().Format(time.RFC3339)

	// New ids are visible to each other so a batch can carry its own
	// internal dependencies.
	for i := range tasks {
		if known[tasks[i].ID] {
			return fmt.Errorf("%w: %s", ErrDuplicateID, tasks[i].ID)
		}
		known[tasks[i].ID] = true
	}

	for i := range tasks {
		task := &tasks[i]
		task.Normalize()
		if err := task.Validate(); err != nil {
			return err
		}
		if task.ID == lock.ExclusiveClass {
			return fmt.Errorf("%w: %q is reserved", ErrDuplicateID, task.ID)
		}
		for _, dep := range task.DependsOn {
			if !known[dep] {
				return fmt.Errorf("%w: task %s depends on %s", ErrUnknownDependency, task.ID, dep)
			}
		}
		if task.CreatedAt == "" {
			task.CreatedAt = now
		}
		task.UpdatedAt = now
	}

	candidate := append(append([]model.Task{}, doc.Tasks...), tasks...)
	if cycle := findCycle(candidate); cycle != "" {
		return fmt.Errorf("%w: involving %s", ErrDependencyCycle, cycle)
	}

	doc.Tasks = candidate
	return nil
}

// findCycle runs a three-color DFS over the pending tasks and returns an
// id on a cycle, or "". Edges into completed/failed ids cannot cycle
// since those tasks are gone from the graph.
func findCycle(tasks []model.Task) string {
	deps := make(map[string][]string, len(tasks))
	for i := range tasks {
		deps[tasks[i].ID] = tasks[i].DependsOn
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(deps))

	var visit func(id string) string
	visit = func(id string) string {
		color[id] = gray
		for _, dep := range deps[id] {
			if _, pending := deps[dep]; !pending {
				continue
			}
			switch color[dep] {
			case gray:
				return dep
			case white:
				if found := visit(dep); found != "" {
					return found
				}
			}
		}
		color[id] = black
		return ""
	}

	for i := range tasks {
		if color[tasks[i].ID] == white {
			if found := visit(tasks[i].ID); found != "" {
				return found
			}
		}
	}
	return ""
}

// MarkClaimed transitions a pending task to claimed.
func (s *Store) MarkClaimed(holder, taskID string) error {
	return s.Update(holder, func(doc *model.QueueDocument) error {
		task := doc.TaskByID(taskID)
		if task == nil {
			return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
		}
		if err := model.ValidateTaskTransition(task.Status, model.StatusClaimed); err != nil {
			return err
		}
		task.Status = model.StatusClaimed
		task.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
		return nil
	})
}

// MarkDone moves a claimed task to the completed list.
func (s *Store) MarkDone(holder, taskID string) error {
	return s.Update(holder, func(doc *model.QueueDocument) error {
		task := doc.TaskByID(taskID)
		if task == nil {
			return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
		}
		if err := model.ValidateTaskTransition(task.Status, model.StatusDone); err != nil {
			return err
		}
		doc.RemoveTask(taskID)
		doc.Completed = append(doc.Completed, taskID)
		return nil
	})
}

// MarkFailed moves a claimed task to the failed list. The failure
// reason travels on the failed event, which outlives the task record.
func (s *Store) MarkFailed(holder, taskID string) error {
	return s.Update(holder, func(doc *model.QueueDocument) error {
		task := doc.TaskByID(taskID)
		if task == nil {
			return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
		}
		if err := model.ValidateTaskTransition(task.Status, model.StatusFailed); err != nil {
			return err
		}
		doc.RemoveTask(taskID)
		doc.Failed = append(doc.Failed, taskID)
		return nil
	})
}

// Requeue sends a claimed task back to pending with the retry count
// bumped and the rejection reason recorded.
func (s *Store) Requeue(holder, taskID, reason string) error {
	return s.Update(holder, func(doc *model.QueueDocument) error {
		task := doc.TaskByID(taskID)
		if task == nil {
			return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
		}
		if err := model.ValidateTaskTransition(task.Status, model.StatusPending); err != nil {
			return err
		}
		task.Status = model.StatusPending
		task.RetryCount++
		if reason != "" {
			task.LastError = &reason
		}
		task.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
		return nil
	})
}

// Supersede replaces a claimed parent with decomposition subtasks. The
// parent stays in the pending list as a superseded tombstone pointing at
// the rollup, and tasks that depended on the parent are re-pointed at
// the rollup so they only unblock once the whole decomposition is done.
func (s *Store) Supersede(holder, parentID string, subtasks []model.Task, rollupID string) error {
	return s.Update(holder, func(doc *model.QueueDocument) error {
		parent := doc.TaskByID(parentID)
		if parent == nil {
			return fmt.Errorf("%w: %s", ErrTaskNotFound, parentID)
		}
		if err := model.ValidateTaskTransition(parent.Status, model.StatusSuperseded); err != nil {
			return err
		}

		if err := insertTasks(doc, subtasks); err != nil {
			return err
		}

		// insertTasks may have reallocated the slice.
		parent = doc.TaskByID(parentID)
		parent.Status = model.StatusSuperseded
		parent.SupersededBy = &rollupID
		parent.UpdatedAt = time.Now().UTC().Format(time.RFC3339)

		for i := range doc.Tasks {
			task := &doc.Tasks[i]
			if task.ID == parentID {
				continue
			}
			for j, dep := range task.DependsOn {
				if dep == parentID {
					task.DependsOn[j] = rollupID
				}
			}
		}
		return nil
	})
}

// EligibleTasks returns pending tasks whose dependencies are all
// completed, in declaration order.
func EligibleTasks(doc *model.QueueDocument) []model.Task {
	completed := doc.CompletedSet()

	var eligible []model.Task
	for i := range doc.Tasks {
		task := doc.Tasks[i]
		if task.Status != model.StatusPending {
			continue
		}
		ready := true
		for _, dep := range task.DependsOn {
			if !completed[dep] {
				ready = false
				break
			}
		}
		if ready {
			eligible = append(eligible, task)
		}
	}
	return eligible
}

// Counts reports the status query numbers.
func (s *Store) Counts() (model.StatusReport, error) {
	doc, err := s.Load()
	if err != nil {
		return model.StatusReport{}, err
	}
	return doc.Counts(), nil
}
