package model

// DispatchRequest is the execution contract handed to a backend. Budget bounds
// travel with the request so the backend's report can be checked against them.
type DispatchRequest struct {
	TaskID    string    `json:"task_id"`
	Kind      TaskKind  `json:"kind"`
	Payload   string    `json:"payload"`
	Intensity Intensity `json:"intensity"`
	MinBudget float64   `json:"min_budget"`
	MaxBudget float64   `json:"max_budget"`
}

type DispatchStatus string

const (
	DispatchCompleted DispatchStatus = "completed"
	DispatchFailed    DispatchStatus = "failed"
)

type DispatchResponse struct {
	Status     DispatchStatus `json:"status"`
	Result     string         `json:"result"`
	BudgetUsed float64        `json:"budget_used"`
	Error      string         `json:"error,omitempty"`
}

// PlanReport is the planning operation's response shape.
type PlanReport struct {
	Status       string `json:"status"`
	FilesScanned int    `json:"files_scanned"`
	TotalLines   int    `json:"total_lines"`
	TasksCreated int    `json:"tasks_created"`
}
