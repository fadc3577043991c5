package pipeline

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/cyberkrunk69/black-swarm-sub007/internal/events"
	"github.com/cyberkrunk69/black-swarm-sub007/internal/model"
	"github.com/cyberkrunk69/black-swarm-sub007/internal/review"
	"github.com/cyberkrunk69/black-swarm-sub007/internal/reward"
	"github.com/cyberkrunk69/black-swarm-sub007/internal/store"
)

// Result is the terminal outcome of one pipeline run for a task.
type Result string

const (
	ResultDone       Result = "done"
	ResultFailed     Result = "failed"
	ResultRequeued   Result = "requeued"
	ResultSuperseded Result = "superseded"
	ResultDenied     Result = "denied"
)

// Pipeline drives a claimed task from preflight to settlement. Lock
// acquisition and release belong to the caller; the pipeline only moves
// task state and emits events.
type Pipeline struct {
	store      *store.Store
	gateway    Gateway
	router     *Router
	decomposer *Decomposer
	dispatcher *Dispatcher
	gate       *review.Gate
	ledger     *reward.Ledger
	eventLog   *events.Logger
	publisher  events.Publisher
	logger     *log.Logger
}

type Config struct {
	Store      *store.Store
	Gateway    Gateway
	Router     *Router
	Decomposer *Decomposer
	Dispatcher *Dispatcher
	Gate       *review.Gate
	Ledger     *reward.Ledger
	EventLog   *events.Logger
	Publisher  events.Publisher
	Logger     *log.Logger
}

func New(cfg Config) *Pipeline {
	publisher := cfg.Publisher
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Pipeline{
		store:      cfg.Store,
		gateway:    cfg.Gateway,
		router:     cfg.Router,
		decomposer: cfg.Decomposer,
		dispatcher: cfg.Dispatcher,
		gate:       cfg.Gate,
		ledger:     cfg.Ledger,
		eventLog:   cfg.EventLog,
		publisher:  publisher,
		logger:     logger,
	}
}

// Execute runs the pipeline for a task the caller has already claimed.
// A panic anywhere in a phase terminates the task as failed instead of
// taking down the worker.
func (p *Pipeline) Execute(ctx context.Context, task *model.Task, workerID string) (result Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logf("panic task=%s: %v", task.ID, r)
			if ferr := p.terminateFailed(ctx, task, workerID, fmt.Sprintf("pipeline panic: %v", r), task.RetryCount+1); ferr != nil {
				err = ferr
			}
			result = ResultFailed
		}
	}()

	// Phase 1: safety preflight.
	decision, err := p.gateway.Check(ctx, task.Description, task.Description)
	if err != nil {
		return "", fmt.Errorf("safety preflight: %w", err)
	}
	if !decision.Allow {
		p.logf("safety_denied task=%s reason=%s", task.ID, decision.Reason)
		if err := p.terminateFailed(ctx, task, workerID, "safety preflight denied: "+decision.Reason, task.RetryCount+1); err != nil {
			return "", err
		}
		return ResultDenied, nil
	}

	// Phase 2: capability routing.
	payload := task.Description
	var routeName string
	if p.router != nil {
		route, err := p.router.Match(task.Description)
		if err != nil {
			return "", fmt.Errorf("capability routing: %w", err)
		}
		if route != nil {
			routeName = route.Capability
			if route.Context != "" {
				payload = route.Context + "\n\n" + payload
			}
			p.logf("routed task=%s capability=%s confidence=%.2f", task.ID, route.Capability, route.Confidence)
		}
	}

	// Phase 3: decomposition.
	if p.decomposer != nil {
		subtasks, rollupID := p.decomposer.Plan(task)
		if len(subtasks) > 0 {
			if err := p.store.Supersede(workerID, task.ID, subtasks, rollupID); err != nil {
				return "", fmt.Errorf("supersede %s: %w", task.ID, err)
			}
			p.emit(ctx, events.Event{
				TaskID:   task.ID,
				Status:   events.EventSuperseded,
				WorkerID: workerID,
			})
			p.logf("decomposed task=%s subtasks=%d rollup=%s", task.ID, len(subtasks)-1, rollupID)
			return ResultSuperseded, nil
		}
	}

	// Phase 4: dispatch.
	budget := task.Budget()
	resp, err := p.dispatcher.Dispatch(ctx, model.DispatchRequest{
		TaskID:    task.ID,
		Kind:      task.Kind,
		Payload:   payload,
		Intensity: task.Intensity,
		MinBudget: budget.Min,
		MaxBudget: budget.Max,
	})
	if err != nil {
		// Contract violations and unroutable kinds are not retried.
		if ferr := p.terminateFailed(ctx, task, workerID, err.Error(), task.RetryCount+1); ferr != nil {
			return "", ferr
		}
		return ResultFailed, nil
	}

	// Phase 5: quality review.
	verdict := p.gate.Evaluate(task, resp)
	switch verdict.Outcome {
	case review.OutcomeApproved:
		// Phase 6: reward settlement, then completion.
		outcome, err := p.ledger.Grant(ctx, task.ID, workerID, resp.BudgetUsed)
		if err != nil {
			return "", fmt.Errorf("settle reward for %s: %w", task.ID, err)
		}
		if err := p.store.MarkDone(workerID, task.ID); err != nil {
			return "", fmt.Errorf("mark done %s: %w", task.ID, err)
		}
		p.emit(ctx, events.Event{
			TaskID:   task.ID,
			Status:   events.EventDone,
			WorkerID: workerID,
			Route:    routeName,
			Attempt:  verdict.Attempt,
		})
		if outcome == reward.OutcomeGranted {
			p.emit(ctx, events.Event{
				TaskID:   task.ID,
				Status:   events.EventRewardGranted,
				WorkerID: workerID,
				Reward:   &events.RewardInfo{Identity: workerID, Tokens: resp.BudgetUsed},
			})
		}
		p.logf("done task=%s attempt=%d budget_used=%v reward=%s", task.ID, verdict.Attempt, resp.BudgetUsed, outcome)
		return ResultDone, nil

	case review.OutcomeRequeue:
		if err := p.store.Requeue(workerID, task.ID, verdict.Reason); err != nil {
			return "", fmt.Errorf("requeue %s: %w", task.ID, err)
		}
		p.emit(ctx, events.Event{
			TaskID:   task.ID,
			Status:   events.EventRequeued,
			WorkerID: workerID,
			Route:    routeName,
			Attempt:  verdict.Attempt,
			Error:    verdict.Reason,
		})
		p.logf("requeued task=%s attempt=%d reason=%s", task.ID, verdict.Attempt, verdict.Reason)
		return ResultRequeued, nil

	default:
		if err := p.terminateFailed(ctx, task, workerID, verdict.Reason, verdict.Attempt); err != nil {
			return "", err
		}
		return ResultFailed, nil
	}
}

func (p *Pipeline) terminateFailed(ctx context.Context, task *model.Task, workerID, reason string, attempt int) error {
	if err := p.store.MarkFailed(workerID, task.ID); err != nil {
		return fmt.Errorf("mark failed %s: %w", task.ID, err)
	}
	p.emit(ctx, events.Event{
		TaskID:   task.ID,
		Status:   events.EventFailed,
		WorkerID: workerID,
		Attempt:  attempt,
		Error:    reason,
	})
	p.logf("failed task=%s attempt=%d reason=%s", task.ID, attempt, reason)
	return nil
}

// emit appends to the event log and mirrors onto the bus. The log write
// is the one that matters; bus failures are logged and dropped.
func (p *Pipeline) emit(ctx context.Context, event events.Event) {
	if id, err := model.GenerateID(model.IDTypeEvent); err == nil {
		event.ID = id
	}
	if p.eventLog != nil {
		if err := p.eventLog.Append(&event); err != nil {
			p.logf("event_append_failed task=%s status=%s error=%v", event.TaskID, event.Status, err)
		}
	}
	if err := p.publisher.Publish(ctx, event); err != nil {
		p.logf("event_publish_failed task=%s status=%s error=%v", event.TaskID, event.Status, err)
	}
}

func (p *Pipeline) logf(format string, args ...any) {
	p.logger.Printf("%s INFO pipeline: %s", time.Now().Format(time.RFC3339), fmt.Sprintf(format, args...))
}
