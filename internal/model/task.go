// Package model defines the data structures for the swarm's configuration,
// queue documents, and dispatch contracts.
package model

import "fmt"

// TaskKind selects which execution backend handles a task's dispatch.
type TaskKind string

const (
	// KindGenerative dispatches the task payload to the generative
	// execution endpoint configured on the queue document.
	KindGenerative TaskKind = "generative"
	// KindLocal runs the task payload as a local command.
	KindLocal TaskKind = "local"
)

var validKinds = map[TaskKind]bool{
	KindGenerative: true,
	KindLocal:      true,
}

func ValidateKind(k TaskKind) error {
	if !validKinds[k] {
		return fmt.Errorf("unknown task kind %q", k)
	}
	return nil
}

type Intensity string

const (
	IntensityLow    Intensity = "low"
	IntensityMedium Intensity = "medium"
	IntensityHigh   Intensity = "high"
)

// PriorityTier maps to a budget range preset when a task does not carry
// explicit budget bounds.
type PriorityTier string

const (
	TierLow    PriorityTier = "low"
	TierMedium PriorityTier = "medium"
	TierHigh   PriorityTier = "high"
)

const (
	DefaultMinBudget = 0.05
	DefaultMaxBudget = 0.10
)

var tierBudgets = map[PriorityTier]BudgetRange{
	TierLow:    {Min: 0.02, Max: 0.05},
	TierMedium: {Min: DefaultMinBudget, Max: DefaultMaxBudget},
	TierHigh:   {Min: 0.10, Max: 0.25},
}

// BudgetForTier returns the preset budget range for a priority tier.
// Unknown tiers fall back to the medium preset.
func BudgetForTier(t PriorityTier) BudgetRange {
	if b, ok := tierBudgets[t]; ok {
		return b
	}
	return tierBudgets[TierMedium]
}

type BudgetRange struct {
	Min float64 `yaml:"min_budget" json:"min_budget"`
	Max float64 `yaml:"max_budget" json:"max_budget"`
}

func (b BudgetRange) Validate() error {
	if b.Min < 0 || b.Max < 0 {
		return fmt.Errorf("budget bounds must be non-negative (min=%v max=%v)", b.Min, b.Max)
	}
	if b.Min > b.Max {
		return fmt.Errorf("budget min %v exceeds max %v", b.Min, b.Max)
	}
	return nil
}

func (b BudgetRange) Contains(v float64) bool {
	return v >= b.Min && v <= b.Max
}

// Task is a single unit of work in the queue document.
type Task struct {
	ID                 string       `yaml:"id"`
	Kind               TaskKind     `yaml:"type"`
	Description        string       `yaml:"description"`
	DependsOn          []string     `yaml:"depends_on,omitempty"`
	ParallelSafe       bool         `yaml:"parallel_safe"`
	Status             Status       `yaml:"status"`
	MinBudget          float64      `yaml:"min_budget"`
	MaxBudget          float64      `yaml:"max_budget"`
	Intensity          Intensity    `yaml:"intensity,omitempty"`
	Priority           PriorityTier `yaml:"priority,omitempty"`
	RetryCount         int          `yaml:"retry_count"`
	AcceptanceCriteria string       `yaml:"acceptance_criteria,omitempty"`
	LastError          *string      `yaml:"last_error,omitempty"`
	SupersededBy       *string      `yaml:"superseded_by,omitempty"`
	CreatedAt          string       `yaml:"created_at,omitempty"`
	UpdatedAt          string       `yaml:"updated_at,omitempty"`
}

// Budget returns the task's effective budget range: explicit bounds when set,
// the priority tier preset otherwise, the medium defaults as a last resort.
func (t *Task) Budget() BudgetRange {
	if t.MinBudget != 0 || t.MaxBudget != 0 {
		return BudgetRange{Min: t.MinBudget, Max: t.MaxBudget}
	}
	if t.Priority != "" {
		return BudgetForTier(t.Priority)
	}
	return BudgetRange{Min: DefaultMinBudget, Max: DefaultMaxBudget}
}

// Normalize applies field defaults in place.
func (t *Task) Normalize() {
	if t.Kind == "" {
		t.Kind = KindGenerative
	}
	if t.Status == "" {
		t.Status = StatusPending
	}
	if t.Intensity == "" {
		t.Intensity = IntensityMedium
	}
	if t.MinBudget == 0 && t.MaxBudget == 0 {
		b := t.Budget()
		t.MinBudget = b.Min
		t.MaxBudget = b.Max
	}
}

// Validate checks the task's own fields. Cross-task integrity (duplicate ids,
// unknown dependencies, cycles) is checked at the store boundary.
func (t *Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("task id is required")
	}
	if t.Description == "" {
		return fmt.Errorf("task %s: description is required", t.ID)
	}
	if err := ValidateKind(t.Kind); err != nil {
		return fmt.Errorf("task %s: %w", t.ID, err)
	}
	if err := t.Budget().Validate(); err != nil {
		return fmt.Errorf("task %s: %w", t.ID, err)
	}
	return nil
}
