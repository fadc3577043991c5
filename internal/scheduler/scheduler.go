// Package scheduler runs the worker loop: pick an eligible task, claim
// it through the lock manager, and hand it to the execution pipeline.
// There is no coordinator; any number of workers run this loop against
// the same swarm directory.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/cyberkrunk69/black-swarm-sub007/internal/events"
	"github.com/cyberkrunk69/black-swarm-sub007/internal/lock"
	"github.com/cyberkrunk69/black-swarm-sub007/internal/model"
	"github.com/cyberkrunk69/black-swarm-sub007/internal/pipeline"
	"github.com/cyberkrunk69/black-swarm-sub007/internal/store"
)

type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

func ParseLogLevel(s string) LogLevel {
	switch strings.ToLower(s) {
	case "debug":
		return LogLevelDebug
	case "info":
		return LogLevelInfo
	case "warn", "warning":
		return LogLevelWarn
	case "error":
		return LogLevelError
	default:
		return LogLevelInfo
	}
}

// Worker owns one scheduling loop.
type Worker struct {
	id         string
	store      *store.Store
	locks      *lock.Manager
	pipeline   *pipeline.Pipeline
	eventLog   *events.Logger
	publisher  events.Publisher
	eventsPath string

	pollInterval time.Duration
	backoffMax   time.Duration
	staleAfter   time.Duration

	logger   *log.Logger
	logLevel LogLevel

	wg sync.WaitGroup
}

type Config struct {
	WorkerID   string
	Store      *store.Store
	Locks      *lock.Manager
	Pipeline   *pipeline.Pipeline
	EventLog   *events.Logger
	Publisher  events.Publisher
	EventsPath string

	PollInterval time.Duration
	BackoffMax   time.Duration
	StaleAfter   time.Duration

	Logger   *log.Logger
	LogLevel LogLevel
}

func NewWorker(cfg Config) *Worker {
	id := cfg.WorkerID
	if id == "" {
		id = model.NewWorkerID()
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	backoffMax := cfg.BackoffMax
	if backoffMax < pollInterval {
		backoffMax = 60 * time.Second
	}
	staleAfter := cfg.StaleAfter
	if staleAfter <= 0 {
		staleAfter = 30 * time.Minute
	}
	publisher := cfg.Publisher
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Worker{
		id:           id,
		store:        cfg.Store,
		locks:        cfg.Locks,
		pipeline:     cfg.Pipeline,
		eventLog:     cfg.EventLog,
		publisher:    publisher,
		eventsPath:   cfg.EventsPath,
		pollInterval: pollInterval,
		backoffMax:   backoffMax,
		staleAfter:   staleAfter,
		logger:       logger,
		logLevel:     cfg.LogLevel,
	}
}

func (w *Worker) ID() string {
	return w.id
}

// Startup reclaims stale locks and reconciles the document against the
// event log before the first claim.
func (w *Worker) Startup() error {
	reclaimed, err := w.locks.ReclaimStale(w.staleAfter)
	if err != nil {
		return fmt.Errorf("reclaim stale locks: %w", err)
	}
	if len(reclaimed) > 0 {
		w.log(LogLevelInfo, "reclaimed_stale_locks count=%d names=%v", len(reclaimed), reclaimed)
	}
	if err := w.store.Reconcile(w.id, w.eventsPath); err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}
	return nil
}

// RunOnce drains whatever is currently claimable: scan the eligible
// tasks in declaration order, run the first one we can claim, rescan.
// Rescanning picks up tasks unblocked by the one just finished.
// Returns the number of tasks it ran.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	executed := 0
	for {
		if ctx.Err() != nil {
			return executed, ctx.Err()
		}

		doc, err := w.store.Load()
		if err != nil {
			return executed, err
		}

		ranAny := false
		for _, task := range store.EligibleTasks(doc) {
			if ctx.Err() != nil {
				return executed, ctx.Err()
			}
			ran, err := w.runTask(ctx, task)
			if err != nil {
				return executed, err
			}
			if ran {
				executed++
				ranAny = true
				break
			}
		}
		if !ranAny {
			return executed, nil
		}
	}
}

// runTask claims and executes a single task. Contention is not an
// error: a lock held elsewhere just skips the task.
func (w *Worker) runTask(ctx context.Context, task model.Task) (ran bool, err error) {
	// Tasks that are not parallel safe serialize through the shared
	// exclusivity lock, taken before the per-task lock.
	if !task.ParallelSafe {
		if err := w.locks.Acquire(lock.ExclusiveClass, w.id); err != nil {
			if errors.Is(err, lock.ErrAlreadyHeld) {
				w.log(LogLevelDebug, "exclusive_busy task=%s", task.ID)
				return false, nil
			}
			return false, err
		}
		defer func() {
			if rerr := w.locks.Release(lock.ExclusiveClass, w.id); rerr != nil && err == nil {
				err = rerr
			}
		}()
	}

	if err := w.locks.Acquire(task.ID, w.id); err != nil {
		if errors.Is(err, lock.ErrAlreadyHeld) {
			w.log(LogLevelDebug, "lock_busy task=%s", task.ID)
			return false, nil
		}
		return false, err
	}
	defer func() {
		if rerr := w.locks.Release(task.ID, w.id); rerr != nil && err == nil {
			err = rerr
		}
	}()

	if err := w.store.MarkClaimed(w.id, task.ID); err != nil {
		// Another worker moved the task between our read and our claim.
		w.log(LogLevelDebug, "claim_lost task=%s error=%v", task.ID, err)
		return false, nil
	}
	w.emitClaimed(ctx, task.ID)
	w.log(LogLevelInfo, "claimed task=%s", task.ID)

	doc, err := w.store.Load()
	if err != nil {
		return false, err
	}
	claimed := doc.TaskByID(task.ID)
	if claimed == nil {
		return false, fmt.Errorf("claimed task %s disappeared", task.ID)
	}

	result, err := w.pipeline.Execute(ctx, claimed, w.id)
	if err != nil {
		return false, fmt.Errorf("execute %s: %w", task.ID, err)
	}
	w.log(LogLevelInfo, "executed task=%s result=%s", task.ID, result)
	return true, nil
}

func (w *Worker) emitClaimed(ctx context.Context, taskID string) {
	event := events.Event{
		TaskID:   taskID,
		Status:   events.EventClaimed,
		WorkerID: w.id,
	}
	if id, err := model.GenerateID(model.IDTypeEvent); err == nil {
		event.ID = id
	}
	if w.eventLog != nil {
		if err := w.eventLog.Append(&event); err != nil {
			w.log(LogLevelError, "event_append_failed task=%s error=%v", taskID, err)
		}
	}
	if err := w.publisher.Publish(ctx, event); err != nil {
		w.log(LogLevelWarn, "event_publish_failed task=%s error=%v", taskID, err)
	}
}

// Run executes tasks until the queue drains, maxTasks is reached, or
// the context is cancelled. With continuous=true the worker stays up
// after a drain, waking on queue.yaml writes or the backoff ticker.
func (w *Worker) Run(ctx context.Context, maxTasks int, continuous bool) error {
	if err := w.Startup(); err != nil {
		return err
	}
	w.log(LogLevelInfo, "worker_started id=%s continuous=%v max_tasks=%d", w.id, continuous, maxTasks)

	var watcher *fsnotify.Watcher
	var wake chan struct{}
	if continuous {
		var err error
		watcher, err = fsnotify.NewWatcher()
		if err != nil {
			return fmt.Errorf("create fsnotify watcher: %w", err)
		}
		defer watcher.Close()
		// Atomic writes replace queue.yaml by rename, which drops a
		// watch on the file itself. Watch the directory instead.
		if err := watcher.Add(filepath.Dir(w.store.QueuePath())); err != nil {
			return fmt.Errorf("watch swarm dir: %w", err)
		}

		wake = make(chan struct{}, 1)
		w.wg.Add(1)
		go w.watchLoop(ctx, watcher, wake)
		defer w.wg.Wait()
	}

	total := 0
	backoff := w.pollInterval
	for {
		executed, err := w.RunOnce(ctx)
		total += executed
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				w.log(LogLevelInfo, "worker_stopping executed=%d", total)
				return nil
			}
			return err
		}

		if maxTasks > 0 && total >= maxTasks {
			w.log(LogLevelInfo, "worker_done reason=max_tasks executed=%d", total)
			return nil
		}
		if executed > 0 {
			backoff = w.pollInterval
			continue
		}
		if !continuous {
			w.log(LogLevelInfo, "worker_done reason=drained executed=%d", total)
			return nil
		}

		select {
		case <-ctx.Done():
			w.log(LogLevelInfo, "worker_stopping executed=%d", total)
			return nil
		case <-wake:
			w.log(LogLevelDebug, "woken_by_queue_change")
			backoff = w.pollInterval
		case <-time.After(backoff):
			backoff *= 2
			if backoff > w.backoffMax {
				backoff = w.backoffMax
			}
		}
	}
}

// watchLoop forwards queue.yaml writes into the wake channel.
func (w *Worker) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, wake chan<- struct{}) {
	defer w.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				select {
				case wake <- struct{}{}:
				default:
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			w.log(LogLevelError, "fsnotify error=%v", err)
		}
	}
}

func (w *Worker) log(level LogLevel, format string, args ...any) {
	if level < w.logLevel {
		return
	}
	levelStr := "INFO"
	switch level {
	case LogLevelDebug:
		levelStr = "DEBUG"
	case LogLevelWarn:
		levelStr = "WARN"
	case LogLevelError:
		levelStr = "ERROR"
	}
	msg := fmt.Sprintf(format, args...)
	w.logger.Printf("%s %s worker: %s", time.Now().Format(time.RFC3339), levelStr, msg)
}
