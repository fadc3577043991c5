package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"strings"
	"time"

	"github.com/cyberkrunk69/black-swarm-sub007/internal/model"
)

// ErrContractViolation is returned when a backend reports budget usage
// outside the task's declared range. The report is never clamped.
var ErrContractViolation = errors.New("dispatch contract violation")

// Backend executes one dispatch request.
type Backend interface {
	Dispatch(ctx context.Context, req model.DispatchRequest) (*model.DispatchResponse, error)
}

// Dispatcher picks the backend for a task kind and enforces the budget
// contract on the response.
type Dispatcher struct {
	backends map[model.TaskKind]Backend
	timeout  time.Duration
}

func NewDispatcher(endpoint string, timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Dispatcher{
		backends: map[model.TaskKind]Backend{
			model.KindGenerative: &HTTPBackend{Endpoint: endpoint, Client: &http.Client{}},
			model.KindLocal:      &CommandBackend{},
		},
		timeout: timeout,
	}
}

// NewCustomDispatcher builds a dispatcher over explicit backends. Used
// where the defaults do not apply, such as embedding alternate
// executors or faking dispatch in tests.
func NewCustomDispatcher(backends map[model.TaskKind]Backend, timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Dispatcher{backends: backends, timeout: timeout}
}

// Dispatch runs the request on the backend for its kind. A timeout or
// backend error comes back as a failed response so the review gate can
// apply the retry policy uniformly.
func (d *Dispatcher) Dispatch(ctx context.Context, req model.DispatchRequest) (*model.DispatchResponse, error) {
	backend, ok := d.backends[req.Kind]
	if !ok {
		return nil, fmt.Errorf("no backend for task kind %q", req.Kind)
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	resp, err := backend.Dispatch(ctx, req)
	if err != nil {
		return &model.DispatchResponse{
			Status: model.DispatchFailed,
			Error:  err.Error(),
		}, nil
	}

	if resp.Status == model.DispatchCompleted {
		budget := model.BudgetRange{Min: req.MinBudget, Max: req.MaxBudget}
		if !budget.Contains(resp.BudgetUsed) {
			return nil, fmt.Errorf("%w: budget_used %v outside [%v, %v]",
				ErrContractViolation, resp.BudgetUsed, req.MinBudget, req.MaxBudget)
		}
	}
	return resp, nil
}

// HTTPBackend posts the request to the execution endpoint as JSON.
type HTTPBackend struct {
	Endpoint string
	Client   *http.Client
}

func (b *HTTPBackend) Dispatch(ctx context.Context, req model.DispatchRequest) (*model.DispatchResponse, error) {
	if b.Endpoint == "" {
		return nil, errors.New("no execution endpoint configured")
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal dispatch request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build dispatch request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := b.Client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("dispatch request: %w", err)
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read dispatch response: %w", err)
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("dispatch endpoint returned %d: %s", httpResp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var resp model.DispatchResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("parse dispatch response: %w", err)
	}
	return &resp, nil
}

// CommandBackend runs the payload as a shell command. Local commands
// have no billing meter, so a successful run reports the floor of the
// declared range as its usage.
type CommandBackend struct{}

func (b *CommandBackend) Dispatch(ctx context.Context, req model.DispatchRequest) (*model.DispatchResponse, error) {
	if strings.TrimSpace(req.Payload) == "" {
		return nil, errors.New("empty command payload")
	}

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", req.Payload)
	output, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("command timed out: %w", ctx.Err())
		}
		return &model.DispatchResponse{
			Status: model.DispatchFailed,
			Result: string(output),
			Error:  err.Error(),
		}, nil
	}

	return &model.DispatchResponse{
		Status:     model.DispatchCompleted,
		Result:     string(output),
		BudgetUsed: req.MinBudget,
	}, nil
}
