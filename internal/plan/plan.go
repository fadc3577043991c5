// Package plan scans the project and asks the planning endpoint to
// produce an initial task batch for the queue.
package plan

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/cyberkrunk69/black-swarm-sub007/internal/model"
	"github.com/cyberkrunk69/black-swarm-sub007/internal/store"
)

// ErrNoCredential is returned when the planner token variable is unset.
var ErrNoCredential = errors.New("planner credential not set")

// Directories never worth scanning.
var skipDirs = map[string]bool{
	"vendor":       true,
	"node_modules": true,
}

const maxListedFiles = 200

type Client struct {
	endpoint string
	tokenEnv string
	client   *http.Client
	store    *store.Store
}

func NewClient(cfg model.PlannerConfig, s *store.Store) *Client {
	return &Client{
		endpoint: cfg.Endpoint,
		tokenEnv: cfg.TokenEnv,
		client:   &http.Client{},
		store:    s,
	}
}

type scannedFile struct {
	Path  string `json:"path"`
	Lines int    `json:"lines"`
}

type planRequest struct {
	Project      string        `json:"project"`
	Goal         string        `json:"goal"`
	FilesScanned int           `json:"files_scanned"`
	TotalLines   int           `json:"total_lines"`
	Files        []scannedFile `json:"files,omitempty"`
}

type plannedTask struct {
	ID                 string   `json:"id"`
	Type               string   `json:"type"`
	Description        string   `json:"description"`
	DependsOn          []string `json:"depends_on"`
	ParallelSafe       *bool    `json:"parallel_safe"`
	MinBudget          float64  `json:"min_budget"`
	MaxBudget          float64  `json:"max_budget"`
	Intensity          string   `json:"intensity"`
	Priority           string   `json:"priority"`
	AcceptanceCriteria string   `json:"acceptance_criteria"`
}

type planResponse struct {
	Tasks []plannedTask `json:"tasks"`
}

// Run scans projectRoot, submits the planning request, and inserts the
// returned tasks into the queue.
func (c *Client) Run(ctx context.Context, projectRoot, goal string) (*model.PlanReport, error) {
	if c.endpoint == "" {
		return nil, errors.New("no planner endpoint configured")
	}
	token := os.Getenv(c.tokenEnv)
	if token == "" {
		return nil, fmt.Errorf("%w: export %s", ErrNoCredential, c.tokenEnv)
	}

	req := planRequest{
		Project: filepath.Base(projectRoot),
		Goal:    goal,
	}
	if err := scan(projectRoot, &req); err != nil {
		return nil, fmt.Errorf("scan project: %w", err)
	}

	resp, err := c.submit(ctx, token, req)
	if err != nil {
		return nil, err
	}

	tasks := make([]model.Task, 0, len(resp.Tasks))
	for i, pt := range resp.Tasks {
		task, err := convert(pt)
		if err != nil {
			return nil, fmt.Errorf("planned task %d: %w", i, err)
		}
		tasks = append(tasks, task)
	}
	if len(tasks) > 0 {
		if err := c.store.Insert("planner", tasks); err != nil {
			return nil, fmt.Errorf("insert planned tasks: %w", err)
		}
	}

	return &model.PlanReport{
		Status:       "planned",
		FilesScanned: req.FilesScanned,
		TotalLines:   req.TotalLines,
		TasksCreated: len(tasks),
	}, nil
}

func (c *Client) submit(ctx context.Context, token string, req planRequest) (*planResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal plan request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build plan request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("plan request: %w", err)
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read plan response: %w", err)
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("planner returned %d: %s", httpResp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var resp planResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("parse plan response: %w", err)
	}
	return &resp, nil
}

func convert(pt plannedTask) (model.Task, error) {
	task := model.Task{
		Kind:               model.TaskKind(pt.Type),
		Description:        pt.Description,
		DependsOn:          pt.DependsOn,
		ParallelSafe:       true,
		MinBudget:          pt.MinBudget,
		MaxBudget:          pt.MaxBudget,
		Intensity:          model.Intensity(pt.Intensity),
		Priority:           model.PriorityTier(pt.Priority),
		AcceptanceCriteria: pt.AcceptanceCriteria,
	}
	if pt.ParallelSafe != nil {
		task.ParallelSafe = *pt.ParallelSafe
	}
	task.ID = pt.ID
	if task.ID == "" {
		id, err := model.GenerateID(model.IDTypeTask)
		if err != nil {
			return model.Task{}, fmt.Errorf("generate id: %w", err)
		}
		task.ID = id
	}
	task.Normalize()
	if err := task.Validate(); err != nil {
		return model.Task{}, err
	}
	return task, nil
}

// scan counts source files and lines under root, skipping the swarm
// state directory, hidden directories, and dependency trees.
func scan(root string, req *planRequest) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if d.IsDir() {
			if path == root {
				return nil
			}
			if strings.HasPrefix(name, ".") || skipDirs[name] {
				return fs.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(name, ".") {
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		content, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		lines := bytes.Count(content, []byte("\n"))

		req.FilesScanned++
		req.TotalLines += lines
		if len(req.Files) < maxListedFiles {
			rel, rerr := filepath.Rel(root, path)
			if rerr != nil {
				rel = path
			}
			req.Files = append(req.Files, scannedFile{Path: rel, Lines: lines})
		}
		return nil
	})
}
