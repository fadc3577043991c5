package store

import (
	"fmt"

	"github.com/cyberkrunk69/black-swarm-sub007/internal/events"
	"github.com/cyberkrunk69/black-swarm-sub007/internal/model"
)

// Reconcile replays the event log over the queue document, repairing
// state left behind by a crash between an event append and the
// corresponding document write. The latest event per task wins. A task
// still claimed in the document but with no live lock is returned to
// pending so another worker can pick it up.
func (s *Store) Reconcile(holder, eventsPath string) error {
	last, err := events.LastPerTask(eventsPath)
	if err != nil {
		return fmt.Errorf("replay event log: %w", err)
	}

	return s.Update(holder, func(doc *model.QueueDocument) error {
		completed := make(map[string]bool, len(doc.Completed))
		for _, id := range doc.Completed {
			completed[id] = true
		}
		failed := make(map[string]bool, len(doc.Failed))
		for _, id := range doc.Failed {
			failed[id] = true
		}

		for taskID, event := range last {
			switch event.Status {
			case events.EventDone, events.EventRewardGranted:
				if !completed[taskID] && doc.RemoveTask(taskID) {
					doc.Completed = append(doc.Completed, taskID)
				}
			case events.EventFailed:
				if !failed[taskID] && doc.RemoveTask(taskID) {
					doc.Failed = append(doc.Failed, taskID)
				}
			case events.EventRequeued:
				if task := doc.TaskByID(taskID); task != nil && task.Status == model.StatusClaimed {
					task.Status = model.StatusPending
				}
			case events.EventClaimed:
				task := doc.TaskByID(taskID)
				if task == nil || task.Status != model.StatusClaimed {
					continue
				}
				lockHolder, err := s.locks.Holder(taskID)
				if err != nil {
					return err
				}
				if lockHolder == "" {
					task.Status = model.StatusPending
				}
			}
		}
		return nil
	})
}
