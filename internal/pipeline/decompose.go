package pipeline

import (
	"fmt"
	"strings"

	"github.com/cyberkrunk69/black-swarm-sub007/internal/model"
)

// Decomposer splits oversized tasks into dependency-free siblings plus a
// rollup task that depends on all of them. The scope signal is a bullet
// list in the description: enough bullets and each becomes a subtask.
type Decomposer struct {
	enabled     bool
	minBullets  int
	maxSubtasks int
}

func NewDecomposer(cfg model.DecomposeConfig) *Decomposer {
	minBullets := cfg.MinBullets
	if minBullets <= 0 {
		minBullets = 3
	}
	maxSubtasks := cfg.MaxSubtasks
	if maxSubtasks <= 0 {
		maxSubtasks = 8
	}
	return &Decomposer{
		enabled:     cfg.Enabled,
		minBullets:  minBullets,
		maxSubtasks: maxSubtasks,
	}
}

// Plan returns the subtasks for a task, or nil when it should run as-is.
// Subtasks inherit the parent's kind, budget range, intensity, and
// parallel-safety; the rollup verifies integration so it keeps the
// parent's acceptance criteria.
func (d *Decomposer) Plan(task *model.Task) ([]model.Task, string) {
	if !d.enabled {
		return nil, ""
	}

	bullets := extractBullets(task.Description)
	if len(bullets) < d.minBullets {
		return nil, ""
	}
	if len(bullets) > d.maxSubtasks {
		bullets = bullets[:d.maxSubtasks]
	}

	subtasks := make([]model.Task, 0, len(bullets)+1)
	siblingIDs := make([]string, 0, len(bullets))
	for i, bullet := range bullets {
		id := fmt.Sprintf("%s.%d", task.ID, i+1)
		siblingIDs = append(siblingIDs, id)
		subtasks = append(subtasks, model.Task{
			ID:           id,
			Kind:         task.Kind,
			Description:  bullet,
			ParallelSafe: task.ParallelSafe,
			Intensity:    task.Intensity,
			MinBudget:    task.MinBudget,
			MaxBudget:    task.MaxBudget,
		})
	}

	rollupID := task.ID + ".rollup"
	subtasks = append(subtasks, model.Task{
		ID:                 rollupID,
		Kind:               task.Kind,
		Description:        "Verify and integrate: " + firstLine(task.Description),
		DependsOn:          siblingIDs,
		ParallelSafe:       task.ParallelSafe,
		Intensity:          task.Intensity,
		MinBudget:          task.MinBudget,
		MaxBudget:          task.MaxBudget,
		AcceptanceCriteria: task.AcceptanceCriteria,
	})

	return subtasks, rollupID
}

func extractBullets(description string) []string {
	var bullets []string
	for _, line := range strings.Split(description, "\n") {
		trimmed := strings.TrimSpace(line)
		var body string
		switch {
		case strings.HasPrefix(trimmed, "- "):
			body = strings.TrimSpace(trimmed[2:])
		case strings.HasPrefix(trimmed, "* "):
			body = strings.TrimSpace(trimmed[2:])
		default:
			continue
		}
		if body != "" {
			bullets = append(bullets, body)
		}
	}
	return bullets
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
