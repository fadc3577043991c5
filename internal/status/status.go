// Package status reports queue and lock state for a swarm directory.
package status

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/cyberkrunk69/black-swarm-sub007/internal/lock"
	"github.com/cyberkrunk69/black-swarm-sub007/internal/model"
	"github.com/cyberkrunk69/black-swarm-sub007/internal/store"
)

type Report struct {
	Project string             `json:"project,omitempty"`
	Queue   model.StatusReport `json:"queue"`
	Claimed int                `json:"claimed"`
	Locks   []LockStatus       `json:"locks,omitempty"`
}

type LockStatus struct {
	Name       string `json:"name"`
	Holder     string `json:"holder"`
	AcquiredAt string `json:"acquired_at"`
}

// Collect gathers the report for a swarm directory.
func Collect(swarmDir string) (Report, error) {
	report := Report{Project: projectName(swarmDir)}

	locks := lock.NewManager(filepath.Join(swarmDir, "locks"))
	s := store.New(swarmDir, locks, lock.NewMutexMap())

	doc, err := s.Load()
	if err != nil {
		return report, fmt.Errorf("load queue: %w", err)
	}
	report.Queue = doc.Counts()
	for _, task := range doc.Tasks {
		if task.Status == model.StatusClaimed {
			report.Claimed++
		}
	}

	records, err := locks.List()
	if err != nil {
		return report, fmt.Errorf("list locks: %w", err)
	}
	for _, rec := range records {
		report.Locks = append(report.Locks, LockStatus{
			Name:       rec.TaskID,
			Holder:     rec.Holder,
			AcquiredAt: rec.AcquiredAt,
		})
	}

	return report, nil
}

// Run prints the report for a swarm directory.
func Run(swarmDir string, jsonOutput bool) error {
	report, err := Collect(swarmDir)
	if err != nil {
		return err
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	printReport(report)
	return nil
}

// projectName is best effort; status still works without a config file.
func projectName(swarmDir string) string {
	data, err := os.ReadFile(filepath.Join(swarmDir, "config.yaml"))
	if err != nil {
		return ""
	}
	var cfg model.Config
	if err := yamlv3.Unmarshal(data, &cfg); err != nil {
		return ""
	}
	return cfg.Project.Name
}

func printReport(r Report) {
	if r.Project != "" {
		fmt.Printf("Project: %s\n\n", r.Project)
	}

	fmt.Println("Queue:")
	fmt.Printf("  %-10s %d\n", "pending", r.Queue.PendingCount)
	fmt.Printf("  %-10s %d\n", "claimed", r.Claimed)
	fmt.Printf("  %-10s %d\n", "completed", r.Queue.CompletedCount)
	fmt.Printf("  %-10s %d\n", "failed", r.Queue.FailedCount)

	if len(r.Locks) > 0 {
		fmt.Println("\nLocks:")
		fmt.Printf("  %-24s  %-20s  %s\n", "NAME", "HOLDER", "ACQUIRED")
		for _, l := range r.Locks {
			fmt.Printf("  %-24s  %-20s  %s\n", l.Name, l.Holder, l.AcquiredAt)
		}
	} else {
		fmt.Println("\nLocks: none")
	}
}
