package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/prplab/prioritizer/internal/algorithm"
	"github.com/prplab/prioritizer/internal/execution"
	"github.com/prplab/prioritizer/internal/jobs"
	"github.com/prplab/prioritizer/internal/outranking"
)

// rankPayload ranks A before B before C.
const rankPayload = `{
	"prp_process_id": 7,
	"prp_execution_id": 11,
	"criteria": [{"id": 1, "weight": 1}, {"id": 2, "weight": 1}],
	"issues": [
		{"id": "A", "evaluations": {"1": 80, "2": 80}},
		{"id": "B", "evaluations": {"1": 50, "2": 60}},
		{"id": "C", "evaluations": {"1": 10, "2": 20}}
	]
}`

// fakeSubmitter records submitted execution ids.
type fakeSubmitter struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (s *fakeSubmitter) Submit(ctx context.Context, executionID string) (*jobs.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	s.ids = append(s.ids, executionID)
	return nil, nil
}

func (s *fakeSubmitter) submitted() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ids...)
}

// recordingRepository remembers the ids of created executions.
type recordingRepository struct {
	execution.Repository
	created []string
}

func (r *recordingRepository) Create(ctx context.Context, e *execution.Execution) error {
	if err := r.Repository.Create(ctx, e); err != nil {
		return err
	}
	r.created = append(r.created, e.ID)
	return nil
}

func newTestCatalog(t *testing.T) *algorithm.Catalog {
	t.Helper()
	catalog, err := algorithm.NewCatalog(outranking.Config{Scale: outranking.DefaultScale})
	if err != nil {
		t.Fatalf("NewCatalog() error = %v", err)
	}
	return catalog
}

func newExecutionHandlers(t *testing.T, submitter Submitter) (*ExecutionHandlers, execution.Repository) {
	t.Helper()
	repo := execution.NewInMemoryRepository()
	return NewExecutionHandlers(repo, newTestCatalog(t), submitter), repo
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse error response: %v, body: %s", err, w.Body.String())
	}
	return resp
}

func TestCreateExecution_Success(t *testing.T) {
	submitter := &fakeSubmitter{}
	handlers, repo := newExecutionHandlers(t, submitter)

	req := httptest.NewRequest(http.MethodPost, "/executions", strings.NewReader(rankPayload))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	handlers.CreateExecution(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", w.Code, w.Body.String())
	}

	var created execution.Execution
	if err := json.NewDecoder(w.Body).Decode(&created); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if created.ID == "" {
		t.Fatal("expected generated id")
	}
	if got := w.Header().Get("Location"); got != "/executions/"+created.ID {
		t.Errorf("Location = %q, want /executions/%s", got, created.ID)
	}
	if created.Status != execution.StatusPending {
		t.Errorf("expected status pending, got %s", created.Status)
	}
	if created.Solution == nil || len(created.Solution) != 0 {
		t.Errorf("expected empty solution placeholder, got %v", created.Solution)
	}
	if created.AlgorithmID != algorithm.DefaultID {
		t.Errorf("expected default algorithm %d, got %d", algorithm.DefaultID, created.AlgorithmID)
	}
	if created.ProcessID != "7" || created.ExecutionRef != "11" {
		t.Errorf("unexpected references: process %q execution %q", created.ProcessID, created.ExecutionRef)
	}

	if ids := submitter.submitted(); len(ids) != 1 || ids[0] != created.ID {
		t.Errorf("expected submission of %s, got %v", created.ID, ids)
	}

	stored, err := repo.Get(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("expected stored execution, got error: %v", err)
	}
	if len(stored.Issues) != 3 {
		t.Errorf("expected 3 stored issues, got %d", len(stored.Issues))
	}
}

func TestCreateExecution_InvalidJSON(t *testing.T) {
	handlers, _ := newExecutionHandlers(t, &fakeSubmitter{})

	req := httptest.NewRequest(http.MethodPost, "/executions", strings.NewReader(`{"criteria": [`))
	w := httptest.NewRecorder()

	handlers.CreateExecution(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", w.Code)
	}
	if resp := decodeError(t, w); resp.Error.Code != ErrCodeBadRequest {
		t.Errorf("expected code %s, got %s", ErrCodeBadRequest, resp.Error.Code)
	}
}

func TestCreateExecution_ValidationErrors(t *testing.T) {
	tests := []struct {
		name        string
		body        string
		wantMessage string
	}{
		{
			name:        "no criteria",
			body:        `{"criteria": [], "issues": []}`,
			wantMessage: "at least one criterion",
		},
		{
			name:        "zero weight",
			body:        `{"criteria": [{"id": "x", "weight": 0}], "issues": []}`,
			wantMessage: "weight must be a positive",
		},
		{
			name:        "missing evaluation",
			body:        `{"criteria": [{"id": "x", "weight": 1}, {"id": "y", "weight": 1}], "issues": [{"id": "A", "evaluations": {"x": 1}}]}`,
			wantMessage: `missing evaluation for criterion "y"`,
		},
		{
			name:        "algorithm not executable",
			body:        `{"algorithm_id": 1, "criteria": [{"id": "x", "weight": 1}], "issues": []}`,
			wantMessage: "algorithm 1 is not executable",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			submitter := &fakeSubmitter{}
			handlers, _ := newExecutionHandlers(t, submitter)

			req := httptest.NewRequest(http.MethodPost, "/executions", strings.NewReader(tt.body))
			w := httptest.NewRecorder()

			handlers.CreateExecution(w, req)

			if w.Code != http.StatusBadRequest {
				t.Fatalf("expected status 400, got %d", w.Code)
			}
			resp := decodeError(t, w)
			if resp.Error.Code != ErrCodeValidation {
				t.Errorf("expected code %s, got %s", ErrCodeValidation, resp.Error.Code)
			}
			if !strings.Contains(resp.Error.Message, tt.wantMessage) {
				t.Errorf("expected message to contain %q, got %q", tt.wantMessage, resp.Error.Message)
			}
			if len(submitter.submitted()) != 0 {
				t.Error("invalid request must not be submitted")
			}
		})
	}
}

func TestCreateExecution_SubmitFailureMarksFailed(t *testing.T) {
	repo := &recordingRepository{Repository: execution.NewInMemoryRepository()}
	handlers := NewExecutionHandlers(repo, newTestCatalog(t), &fakeSubmitter{err: errors.New("queue closed")})

	req := httptest.NewRequest(http.MethodPost, "/executions", strings.NewReader(rankPayload))
	w := httptest.NewRecorder()

	handlers.CreateExecution(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", w.Code)
	}
	if resp := decodeError(t, w); resp.Error.Code != ErrCodeUnavailable {
		t.Errorf("expected code %s, got %s", ErrCodeUnavailable, resp.Error.Code)
	}

	// The only stored execution must be failed, never left pending
	if len(repo.created) != 1 {
		t.Fatalf("expected one stored execution, got %d", len(repo.created))
	}
	stored, err := repo.Get(context.Background(), repo.created[0])
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if stored.Status != execution.StatusFailed {
		t.Errorf("expected status failed, got %s", stored.Status)
	}
	if !strings.Contains(stored.Error, "queue closed") {
		t.Errorf("expected failure reason to mention the queue, got %q", stored.Error)
	}
}

func TestCreateExecution_MethodNotAllowed(t *testing.T) {
	handlers, _ := newExecutionHandlers(t, &fakeSubmitter{})

	req := httptest.NewRequest(http.MethodGet, "/executions", nil)
	w := httptest.NewRecorder()

	handlers.CreateExecution(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected status 405, got %d", w.Code)
	}
}

func TestGetExecution(t *testing.T) {
	handlers, repo := newExecutionHandlers(t, &fakeSubmitter{})

	exec := &execution.Execution{
		AlgorithmID: algorithm.FuzzyOutrankingID,
		Criteria:    []execution.Criterion{{ID: "x", Weight: 1}},
	}
	if err := repo.Create(context.Background(), exec); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	t.Run("found", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/executions/"+exec.ID, nil)
		w := httptest.NewRecorder()

		handlers.ExecutionByID(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", w.Code)
		}
		var got execution.Execution
		if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if got.ID != exec.ID {
			t.Errorf("expected id %s, got %s", exec.ID, got.ID)
		}
	})

	t.Run("not found", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/executions/missing", nil)
		w := httptest.NewRecorder()

		handlers.ExecutionByID(w, req)

		if w.Code != http.StatusNotFound {
			t.Fatalf("expected status 404, got %d", w.Code)
		}
		if resp := decodeError(t, w); resp.Error.Code != ErrCodeNotFound {
			t.Errorf("expected code %s, got %s", ErrCodeNotFound, resp.Error.Code)
		}
	})

	t.Run("unknown sub-resource", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/executions/"+exec.ID+"/solution", nil)
		w := httptest.NewRecorder()

		handlers.ExecutionByID(w, req)

		if w.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", w.Code)
		}
	})

	t.Run("wrong method", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodDelete, "/executions/"+exec.ID, nil)
		w := httptest.NewRecorder()

		handlers.ExecutionByID(w, req)

		if w.Code != http.StatusMethodNotAllowed {
			t.Errorf("expected status 405, got %d", w.Code)
		}
	})
}

func TestRetryExecution(t *testing.T) {
	ctx := context.Background()

	newFailed := func(t *testing.T, repo execution.Repository) string {
		t.Helper()
		exec := &execution.Execution{AlgorithmID: algorithm.FuzzyOutrankingID}
		if err := repo.Create(ctx, exec); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		if err := repo.MarkFailed(ctx, exec.ID, "boom"); err != nil {
			t.Fatalf("MarkFailed() error = %v", err)
		}
		return exec.ID
	}

	t.Run("failed execution is resubmitted", func(t *testing.T) {
		submitter := &fakeSubmitter{}
		handlers, repo := newExecutionHandlers(t, submitter)
		id := newFailed(t, repo)

		req := httptest.NewRequest(http.MethodPost, "/executions/"+id+"/retry", nil)
		w := httptest.NewRecorder()

		handlers.ExecutionByID(w, req)

		if w.Code != http.StatusAccepted {
			t.Fatalf("expected status 202, got %d: %s", w.Code, w.Body.String())
		}
		var got execution.Execution
		if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if got.Status != execution.StatusPending {
			t.Errorf("expected status pending, got %s", got.Status)
		}
		if ids := submitter.submitted(); len(ids) != 1 || ids[0] != id {
			t.Errorf("expected resubmission of %s, got %v", id, ids)
		}
	})

	t.Run("pending execution conflicts", func(t *testing.T) {
		handlers, repo := newExecutionHandlers(t, &fakeSubmitter{})
		exec := &execution.Execution{AlgorithmID: algorithm.FuzzyOutrankingID}
		if err := repo.Create(ctx, exec); err != nil {
			t.Fatalf("Create() error = %v", err)
		}

		req := httptest.NewRequest(http.MethodPost, "/executions/"+exec.ID+"/retry", nil)
		w := httptest.NewRecorder()

		handlers.ExecutionByID(w, req)

		if w.Code != http.StatusConflict {
			t.Fatalf("expected status 409, got %d", w.Code)
		}
		if resp := decodeError(t, w); resp.Error.Code != ErrCodeConflict {
			t.Errorf("expected code %s, got %s", ErrCodeConflict, resp.Error.Code)
		}
	})

	t.Run("submit failure marks failed again", func(t *testing.T) {
		handlers, repo := newExecutionHandlers(t, &fakeSubmitter{err: errors.New("queue closed")})
		id := newFailed(t, repo)

		req := httptest.NewRequest(http.MethodPost, "/executions/"+id+"/retry", nil)
		w := httptest.NewRecorder()

		handlers.ExecutionByID(w, req)

		if w.Code != http.StatusServiceUnavailable {
			t.Fatalf("expected status 503, got %d", w.Code)
		}
		stored, err := repo.Get(ctx, id)
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if stored.Status != execution.StatusFailed {
			t.Errorf("expected status failed, got %s", stored.Status)
		}
	})

	t.Run("wrong method", func(t *testing.T) {
		handlers, repo := newExecutionHandlers(t, &fakeSubmitter{})
		id := newFailed(t, repo)

		req := httptest.NewRequest(http.MethodGet, "/executions/"+id+"/retry", nil)
		w := httptest.NewRecorder()

		handlers.ExecutionByID(w, req)

		if w.Code != http.StatusMethodNotAllowed {
			t.Errorf("expected status 405, got %d", w.Code)
		}
	})
}

func TestRank(t *testing.T) {
	handlers, _ := newExecutionHandlers(t, &fakeSubmitter{})

	req := httptest.NewRequest(http.MethodPost, "/rank?strata=true", bytes.NewReader([]byte(rankPayload)))
	w := httptest.NewRecorder()

	handlers.Rank(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp RankResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	want := []execution.Assignment{
		{IssueID: "A", Position: 1},
		{IssueID: "B", Position: 2},
		{IssueID: "C", Position: 3},
	}
	if len(resp.Solution) != len(want) {
		t.Fatalf("expected %d assignments, got %v", len(want), resp.Solution)
	}
	for i := range want {
		if resp.Solution[i] != want[i] {
			t.Errorf("assignment %d = %+v, want %+v", i, resp.Solution[i], want[i])
		}
	}
	if len(resp.Strata) != 3 {
		t.Errorf("expected 3 strata, got %v", resp.Strata)
	}
	if resp.AlgorithmID != algorithm.DefaultID {
		t.Errorf("expected algorithm %d, got %d", algorithm.DefaultID, resp.AlgorithmID)
	}
}

func TestRank_EmptyIssues(t *testing.T) {
	handlers, _ := newExecutionHandlers(t, &fakeSubmitter{})

	req := httptest.NewRequest(http.MethodPost, "/rank", strings.NewReader(`{"criteria": [{"id": "x", "weight": 2}], "issues": []}`))
	w := httptest.NewRecorder()

	handlers.Rank(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"solution":[]`) {
		t.Errorf("expected empty solution, got %s", w.Body.String())
	}
	if strings.Contains(w.Body.String(), "strata") {
		t.Errorf("strata should be omitted unless requested, got %s", w.Body.String())
	}
}

func TestRank_ValidationError(t *testing.T) {
	handlers, _ := newExecutionHandlers(t, &fakeSubmitter{})

	req := httptest.NewRequest(http.MethodPost, "/rank", strings.NewReader(`{"criteria": [{"id": "x", "weight": -1}], "issues": []}`))
	w := httptest.NewRecorder()

	handlers.Rank(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", w.Code)
	}
	if resp := decodeError(t, w); resp.Error.Code != ErrCodeValidation {
		t.Errorf("expected code %s, got %s", ErrCodeValidation, resp.Error.Code)
	}
}
