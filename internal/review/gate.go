// Package review implements the post-dispatch quality gate. Every
// dispatched result passes through it before any reward settles.
package review

import (
	"fmt"
	"strings"

	"github.com/cyberkrunk69/black-swarm-sub007/internal/model"
)

// Outcome is the gate's verdict on a dispatched result.
type Outcome string

const (
	// OutcomeApproved lets the task complete and its reward settle.
	OutcomeApproved Outcome = "approved"
	// OutcomeRequeue sends the task back to pending for another attempt.
	OutcomeRequeue Outcome = "requeue"
	// OutcomeFailed terminates the task after the retry bound is spent.
	OutcomeFailed Outcome = "failed"
)

// PolicyViolationFlag in a result body forces rejection regardless of
// the other checks.
const PolicyViolationFlag = "POLICY_VIOLATION"

type Decision struct {
	Outcome Outcome
	Reason  string
	Attempt int
}

// Gate applies acceptance checks and the retry bound.
type Gate struct {
	maxRetry int
}

func NewGate(maxRetry int) *Gate {
	if maxRetry < 0 {
		maxRetry = 0
	}
	return &Gate{maxRetry: maxRetry}
}

// Evaluate reviews a dispatch result for a task. Rejections become
// requeues while the task has retries left, failures after that.
func (g *Gate) Evaluate(task *model.Task, resp *model.DispatchResponse) Decision {
	attempt := task.RetryCount + 1

	reason := g.reject(task, resp)
	if reason == "" {
		return Decision{Outcome: OutcomeApproved, Attempt: attempt}
	}

	if task.RetryCount < g.maxRetry {
		return Decision{Outcome: OutcomeRequeue, Reason: reason, Attempt: attempt}
	}
	return Decision{
		Outcome: OutcomeFailed,
		Reason:  fmt.Sprintf("%s (retries exhausted after %d attempts)", reason, attempt),
		Attempt: attempt,
	}
}

func (g *Gate) reject(task *model.Task, resp *model.DispatchResponse) string {
	if resp.Status != model.DispatchCompleted {
		if resp.Error != "" {
			return "dispatch failed: " + resp.Error
		}
		return "dispatch failed"
	}
	if strings.TrimSpace(resp.Result) == "" {
		return "empty result"
	}
	if strings.Contains(resp.Result, PolicyViolationFlag) {
		return "result flagged as policy violation"
	}
	if task.AcceptanceCriteria != "" && !strings.Contains(resp.Result, task.AcceptanceCriteria) {
		return fmt.Sprintf("acceptance criteria not met: missing %q", task.AcceptanceCriteria)
	}
	return ""
}
