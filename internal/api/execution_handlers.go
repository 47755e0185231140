package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prplab/prioritizer/internal/algorithm"
	"github.com/prplab/prioritizer/internal/execution"
	"github.com/prplab/prioritizer/internal/jobs"
	"github.com/prplab/prioritizer/internal/middleware"
	"github.com/prplab/prioritizer/internal/outranking"
)

// maxRequestBody bounds the size of execution payloads.
const maxRequestBody = 8 << 20

// failTimeout bounds marking an execution failed after its submission was rejected.
const failTimeout = 5 * time.Second

// Submitter schedules ranking of a stored execution.
type Submitter interface {
	Submit(ctx context.Context, executionID string) (*jobs.Ticket, error)
}

// RankerCatalog validates algorithm ids and resolves their rankers.
type RankerCatalog interface {
	Executable(id int) bool
	Ranker(id int) (*outranking.Ranker, error)
}

// ExecutionHandlers holds dependencies for execution HTTP handlers.
type ExecutionHandlers struct {
	repo      execution.Repository
	catalog   RankerCatalog
	submitter Submitter
}

// NewExecutionHandlers creates a new ExecutionHandlers instance.
func NewExecutionHandlers(repo execution.Repository, catalog RankerCatalog, submitter Submitter) *ExecutionHandlers {
	return &ExecutionHandlers{
		repo:      repo,
		catalog:   catalog,
		submitter: submitter,
	}
}

// RankResponse is the body of POST /rank.
type RankResponse struct {
	AlgorithmID int                    `json:"algorithm_id"`
	Solution    []execution.Assignment `json:"solution"`
	Strata      [][]string             `json:"strata,omitempty"`
}

// decodeRequest reads and validates a CreateRequest, writing the error response
// itself when it returns false.
func (h *ExecutionHandlers) decodeRequest(w http.ResponseWriter, r *http.Request) (*execution.CreateRequest, bool) {
	var req execution.CreateRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		writeCodedError(w, r, ErrCodeBadRequest, "Invalid JSON in request body")
		return nil, false
	}

	if err := req.Validate(h.catalog); err != nil {
		var verr *execution.ValidationError
		if errors.As(err, &verr) {
			writeCodedError(w, r, ErrCodeValidation, strings.Join(verr.Problems, "; "))
			return nil, false
		}
		writeCodedError(w, r, ErrCodeValidation, err.Error())
		return nil, false
	}

	if req.AlgorithmID == 0 {
		req.AlgorithmID = algorithm.DefaultID
	}
	return &req, true
}

// CreateExecution handles POST /executions. The execution is stored with an
// empty solution and ranked in the background.
func (h *ExecutionHandlers) CreateExecution(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, r)
		return
	}

	req, ok := h.decodeRequest(w, r)
	if !ok {
		return
	}

	exec := &execution.Execution{
		ProcessID:    req.ProcessID,
		ExecutionRef: req.ExecutionRef,
		AlgorithmID:  req.AlgorithmID,
		Criteria:     req.Criteria,
		Issues:       req.Issues,
	}
	if err := h.repo.Create(r.Context(), exec); err != nil {
		slog.ErrorContext(r.Context(), "failed to create execution", "error", err)
		writeCodedError(w, r, ErrCodeInternal, "Failed to create execution")
		return
	}

	ctx := middleware.SetExecutionID(r.Context(), exec.ID)
	middleware.UpdateResponseContext(w, ctx)
	r = r.WithContext(ctx)

	if !h.submit(w, r, exec.ID) {
		return
	}

	w.Header().Set("Location", "/executions/"+exec.ID)
	writeJSON(w, ctx, http.StatusCreated, exec)
}

// submit hands the execution to the runner. A rejected submission marks the
// execution failed so it never stays pending, and writes a 503.
func (h *ExecutionHandlers) submit(w http.ResponseWriter, r *http.Request, id string) bool {
	if _, err := h.submitter.Submit(r.Context(), id); err != nil {
		slog.ErrorContext(r.Context(), "failed to submit ranking job", "execution_id", id, "error", err)

		failCtx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), failTimeout)
		defer cancel()
		if markErr := h.repo.MarkFailed(failCtx, id, fmt.Sprintf("submission failed: %v", err)); markErr != nil {
			slog.ErrorContext(r.Context(), "failed to mark execution failed", "execution_id", id, "error", markErr)
		}

		writeCodedError(w, r, ErrCodeUnavailable, "Ranking queue unavailable, retry the execution later")
		return false
	}
	return true
}

// ExecutionByID routes /executions/{id} and /executions/{id}/retry.
func (h *ExecutionHandlers) ExecutionByID(w http.ResponseWriter, r *http.Request) {
	pathParts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/executions/"), "/"), "/")
	id := pathParts[0]
	if id == "" {
		writeCodedError(w, r, ErrCodeNotFound, "Execution not found")
		return
	}

	ctx := middleware.SetExecutionID(r.Context(), id)
	middleware.UpdateResponseContext(w, ctx)
	r = r.WithContext(ctx)

	switch {
	case len(pathParts) == 1:
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w, r)
			return
		}
		h.getExecution(w, r, id)
	case len(pathParts) == 2 && pathParts[1] == "retry":
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w, r)
			return
		}
		h.retryExecution(w, r, id)
	default:
		writeCodedError(w, r, ErrCodeNotFound, "Resource not found")
	}
}

// getExecution handles GET /executions/{id}.
func (h *ExecutionHandlers) getExecution(w http.ResponseWriter, r *http.Request, id string) {
	exec, ok := h.load(w, r, id)
	if !ok {
		return
	}
	writeJSON(w, r.Context(), http.StatusOK, exec)
}

// retryExecution handles POST /executions/{id}/retry. Only failed executions
// can be retried; the execution goes back to pending and is resubmitted.
func (h *ExecutionHandlers) retryExecution(w http.ResponseWriter, r *http.Request, id string) {
	exec, ok := h.load(w, r, id)
	if !ok {
		return
	}
	if exec.Status != execution.StatusFailed {
		writeCodedError(w, r, ErrCodeConflict, fmt.Sprintf("Execution is %s, only failed executions can be retried", exec.Status))
		return
	}

	if err := h.repo.MarkPending(r.Context(), id); err != nil {
		if errors.Is(err, execution.ErrInvalidTransition) {
			writeCodedError(w, r, ErrCodeConflict, "Execution changed state, reload and try again")
			return
		}
		slog.ErrorContext(r.Context(), "failed to reset execution", "error", err)
		writeCodedError(w, r, ErrCodeInternal, "Failed to reset execution")
		return
	}

	if !h.submit(w, r, id) {
		return
	}

	exec, ok = h.load(w, r, id)
	if !ok {
		return
	}
	writeJSON(w, r.Context(), http.StatusAccepted, exec)
}

func (h *ExecutionHandlers) load(w http.ResponseWriter, r *http.Request, id string) (*execution.Execution, bool) {
	exec, err := h.repo.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, execution.ErrExecutionNotFound) {
			writeCodedError(w, r, ErrCodeNotFound, "Execution not found")
			return nil, false
		}
		slog.ErrorContext(r.Context(), "failed to load execution", "error", err)
		writeCodedError(w, r, ErrCodeInternal, "Failed to load execution")
		return nil, false
	}
	return exec, true
}

// Rank handles POST /rank: ranks the payload synchronously without storing it.
// With ?strata=true the response also lists the strata as issue ids.
func (h *ExecutionHandlers) Rank(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, r)
		return
	}

	req, ok := h.decodeRequest(w, r)
	if !ok {
		return
	}

	ranker, err := h.catalog.Ranker(req.AlgorithmID)
	if err != nil {
		writeCodedError(w, r, ErrCodeValidation, err.Error())
		return
	}

	criteria, issues := req.Problem()
	solution, strata, err := ranker.RankWithStrata(criteria, issues)
	if err != nil {
		writeRankError(w, r, err)
		return
	}

	resp := RankResponse{
		AlgorithmID: req.AlgorithmID,
		Solution:    execution.FromSolution(solution),
	}
	if r.URL.Query().Get("strata") == "true" {
		resp.Strata = strata
	}

	writeJSON(w, r.Context(), http.StatusOK, resp)
}

func writeRankError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, outranking.ErrInvalidInput) {
		writeCodedError(w, r, ErrCodeValidation, err.Error())
		return
	}
	slog.ErrorContext(r.Context(), "ranking failed", "error", err)
	writeCodedError(w, r, ErrCodeInternal, "Ranking failed")
}

func writeMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	ctx := middleware.SetErrorCode(r.Context(), ErrCodeBadRequest)
	WriteError(w, ctx, http.StatusMethodNotAllowed, ErrCodeBadRequest, "Method not allowed")
}
