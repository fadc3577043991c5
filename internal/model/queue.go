package model

// QueueDocument is the whole task graph as persisted in queue.yaml.
// An id appears in exactly one of {Tasks (pending/claimed/superseded),
// Completed, Failed} at any observation point.
type QueueDocument struct {
	SchemaVersion int      `yaml:"schema_version"`
	FileType      string   `yaml:"file_type"`
	Version       int      `yaml:"version"`
	Endpoint      string   `yaml:"endpoint"`
	Tasks         []Task   `yaml:"tasks"`
	Completed     []string `yaml:"completed"`
	Failed        []string `yaml:"failed"`
}

const QueueFileType = "queue_tasks"

func NewQueueDocument(endpoint string) *QueueDocument {
	return &QueueDocument{
		SchemaVersion: 1,
		FileType:      QueueFileType,
		Version:       1,
		Endpoint:      endpoint,
	}
}

// TaskByID returns a pointer into Tasks, or nil if the id is not pending.
func (q *QueueDocument) TaskByID(id string) *Task {
	for i := range q.Tasks {
		if q.Tasks[i].ID == id {
			return &q.Tasks[i]
		}
	}
	return nil
}

// CompletedSet returns the set of done task ids.
func (q *QueueDocument) CompletedSet() map[string]bool {
	set := make(map[string]bool, len(q.Completed))
	for _, id := range q.Completed {
		set[id] = true
	}
	return set
}

// KnownIDs returns every id present anywhere in the document.
func (q *QueueDocument) KnownIDs() map[string]bool {
	set := make(map[string]bool, len(q.Tasks)+len(q.Completed)+len(q.Failed))
	for i := range q.Tasks {
		set[q.Tasks[i].ID] = true
	}
	for _, id := range q.Completed {
		set[id] = true
	}
	for _, id := range q.Failed {
		set[id] = true
	}
	return set
}

// RemoveTask deletes the task with the given id from Tasks, preserving
// declaration order of the rest. Returns true if a task was removed.
func (q *QueueDocument) RemoveTask(id string) bool {
	for i := range q.Tasks {
		if q.Tasks[i].ID == id {
			q.Tasks = append(q.Tasks[:i], q.Tasks[i+1:]...)
			return true
		}
	}
	return false
}

// StatusReport is the status query response shape.
type StatusReport struct {
	PendingCount   int `json:"pending_count"`
	CompletedCount int `json:"completed_count"`
	FailedCount    int `json:"failed_count"`
}

func (q *QueueDocument) Counts() StatusReport {
	pending := 0
	for i := range q.Tasks {
		if !IsTerminal(q.Tasks[i].Status) {
			pending++
		}
	}
	return StatusReport{
		PendingCount:   pending,
		CompletedCount: len(q.Completed),
		FailedCount:    len(q.Failed),
	}
}
