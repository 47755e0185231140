package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/prplab/prioritizer/internal/algorithm"
)

// AlgorithmLister lists the algorithms offered by the service.
type AlgorithmLister interface {
	List() []algorithm.Algorithm
	Get(id int) (algorithm.Algorithm, error)
}

// AlgorithmHandlers serves the algorithm catalog.
type AlgorithmHandlers struct {
	catalog AlgorithmLister
}

// NewAlgorithmHandlers creates a new AlgorithmHandlers instance.
func NewAlgorithmHandlers(catalog AlgorithmLister) *AlgorithmHandlers {
	return &AlgorithmHandlers{catalog: catalog}
}

// AlgorithmListResponse is the body of GET /algorithms.
type AlgorithmListResponse struct {
	Algorithms []algorithm.Algorithm `json:"algorithms"`
}

// ListAlgorithms handles GET /algorithms.
func (h *AlgorithmHandlers) ListAlgorithms(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, r)
		return
	}
	writeJSON(w, r.Context(), http.StatusOK, AlgorithmListResponse{Algorithms: h.catalog.List()})
}

// GetAlgorithm handles GET /algorithms/{id}.
func (h *AlgorithmHandlers) GetAlgorithm(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, r)
		return
	}

	id, err := strconv.Atoi(strings.Trim(strings.TrimPrefix(r.URL.Path, "/algorithms/"), "/"))
	if err != nil {
		writeCodedError(w, r, ErrCodeBadRequest, "Algorithm id must be an integer")
		return
	}

	a, err := h.catalog.Get(id)
	if err != nil {
		writeCodedError(w, r, ErrCodeNotFound, "Algorithm not found")
		return
	}
	writeJSON(w, r.Context(), http.StatusOK, a)
}
