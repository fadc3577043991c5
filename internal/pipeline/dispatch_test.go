package pipeline

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberkrunk69/black-swarm-sub007/internal/model"
)

type fakeBackend struct {
	resp *model.DispatchResponse
	err  error
}

func (b *fakeBackend) Dispatch(context.Context, model.DispatchRequest) (*model.DispatchResponse, error) {
	return b.resp, b.err
}

func dispatcherWith(kind model.TaskKind, backend Backend) *Dispatcher {
	return &Dispatcher{
		backends: map[model.TaskKind]Backend{kind: backend},
		timeout:  time.Second,
	}
}

func TestDispatchBudgetContract(t *testing.T) {
	req := model.DispatchRequest{
		TaskID:    "a",
		Kind:      model.KindGenerative,
		Payload:   "do it",
		MinBudget: 0.05,
		MaxBudget: 0.10,
	}

	tests := []struct {
		name       string
		budgetUsed float64
		wantErr    bool
	}{
		{"at floor", 0.05, false},
		{"at ceiling", 0.10, false},
		{"inside", 0.07, false},
		{"under floor", 0.01, true},
		{"over ceiling", 0.20, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := dispatcherWith(model.KindGenerative, &fakeBackend{
				resp: &model.DispatchResponse{Status: model.DispatchCompleted, Result: "ok", BudgetUsed: tt.budgetUsed},
			})
			resp, err := d.Dispatch(context.Background(), req)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrContractViolation)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.budgetUsed, resp.BudgetUsed, "report is never clamped")
			}
		})
	}
}

func TestDispatchFailedResponseSkipsContractCheck(t *testing.T) {
	d := dispatcherWith(model.KindGenerative, &fakeBackend{
		resp: &model.DispatchResponse{Status: model.DispatchFailed, Error: "backend exploded"},
	})

	resp, err := d.Dispatch(context.Background(), model.DispatchRequest{
		Kind: model.KindGenerative, MinBudget: 0.05, MaxBudget: 0.10,
	})
	require.NoError(t, err)
	assert.Equal(t, model.DispatchFailed, resp.Status)
}

func TestDispatchBackendErrorBecomesFailure(t *testing.T) {
	d := dispatcherWith(model.KindGenerative, &fakeBackend{err: assert.AnError})

	resp, err := d.Dispatch(context.Background(), model.DispatchRequest{Kind: model.KindGenerative})
	require.NoError(t, err)
	assert.Equal(t, model.DispatchFailed, resp.Status)
	assert.NotEmpty(t, resp.Error)
}

func TestDispatchUnknownKind(t *testing.T) {
	d := dispatcherWith(model.KindGenerative, &fakeBackend{})

	_, err := d.Dispatch(context.Background(), model.DispatchRequest{Kind: model.TaskKind("mystery")})
	assert.Error(t, err)
}

func TestHTTPBackend(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req model.DispatchRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "task_a", req.TaskID)
		assert.Equal(t, model.IntensityMedium, req.Intensity)

		json.NewEncoder(w).Encode(model.DispatchResponse{
			Status:     model.DispatchCompleted,
			Result:     "generated output",
			BudgetUsed: 0.06,
		})
	}))
	defer server.Close()

	backend := &HTTPBackend{Endpoint: server.URL, Client: server.Client()}
	resp, err := backend.Dispatch(context.Background(), model.DispatchRequest{
		TaskID:    "task_a",
		Kind:      model.KindGenerative,
		Payload:   "do the thing",
		Intensity: model.IntensityMedium,
		MinBudget: 0.05,
		MaxBudget: 0.10,
	})
	require.NoError(t, err)
	assert.Equal(t, model.DispatchCompleted, resp.Status)
	assert.Equal(t, "generated output", resp.Result)
}

func TestHTTPBackendNon200(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	backend := &HTTPBackend{Endpoint: server.URL, Client: server.Client()}
	_, err := backend.Dispatch(context.Background(), model.DispatchRequest{TaskID: "a"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestHTTPBackendNoEndpoint(t *testing.T) {
	backend := &HTTPBackend{Client: http.DefaultClient}
	_, err := backend.Dispatch(context.Background(), model.DispatchRequest{TaskID: "a"})
	assert.Error(t, err)
}

func TestCommandBackend(t *testing.T) {
	backend := &CommandBackend{}

	resp, err := backend.Dispatch(context.Background(), model.DispatchRequest{
		TaskID:    "a",
		Kind:      model.KindLocal,
		Payload:   "echo hello",
		MinBudget: 0.02,
		MaxBudget: 0.05,
	})
	require.NoError(t, err)
	assert.Equal(t, model.DispatchCompleted, resp.Status)
	assert.Contains(t, resp.Result, "hello")
	assert.Equal(t, 0.02, resp.BudgetUsed, "local commands report the budget floor")
}

func TestCommandBackendNonZeroExit(t *testing.T) {
	backend := &CommandBackend{}

	resp, err := backend.Dispatch(context.Background(), model.DispatchRequest{
		Kind:    model.KindLocal,
		Payload: "exit 3",
	})
	require.NoError(t, err)
	assert.Equal(t, model.DispatchFailed, resp.Status)
	assert.NotEmpty(t, resp.Error)
}

func TestCommandBackendTimeout(t *testing.T) {
	backend := &CommandBackend{}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := backend.Dispatch(ctx, model.DispatchRequest{
		Kind:    model.KindLocal,
		Payload: "sleep 5",
	})
	assert.Error(t, err)
}

func TestCommandBackendEmptyPayload(t *testing.T) {
	backend := &CommandBackend{}
	_, err := backend.Dispatch(context.Background(), model.DispatchRequest{Kind: model.KindLocal, Payload: "  "})
	assert.Error(t, err)
}
