// Package algorithm describes the ranking algorithms offered by the service.
// Only the fuzzy outranking procedure is executable; the evolutionary
// optimizers are listed for clients that still display them.
package algorithm

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/prplab/prioritizer/internal/outranking"
)

// Algorithm ids.
const (
	NSGA2ID           = 1
	MOPSOID           = 2
	FuzzyOutrankingID = 3
)

// DefaultID is used when a request does not name an algorithm.
const DefaultID = FuzzyOutrankingID

// Parameter keys understood by the fuzzy outranking algorithm.
const (
	ParamScale        = "scale"
	ParamTieTolerance = "tie_tolerance"
)

var (
	// ErrAlgorithmNotFound is returned for unknown algorithm ids.
	ErrAlgorithmNotFound = errors.New("algorithm not found")

	// ErrNotExecutable is returned when an algorithm is listed but cannot be run.
	ErrNotExecutable = errors.New("algorithm is not executable")
)

// Parameter is a tunable input of an algorithm.
type Parameter struct {
	ID           int     `json:"id" koanf:"id"`
	Key          string  `json:"key,omitempty" koanf:"key"`
	Name         string  `json:"name" koanf:"name"`
	DefaultValue float64 `json:"defaultValue" koanf:"default_value"`
}

// Algorithm is a catalog entry.
type Algorithm struct {
	ID         int         `json:"id" koanf:"id"`
	Name       string      `json:"name" koanf:"name"`
	Version    string      `json:"version" koanf:"version"`
	Executable bool        `json:"executable"`
	Parameters []Parameter `json:"parameters" koanf:"parameters"`
}

// Param returns the default value of the parameter with the given key.
func (a Algorithm) Param(key string) (float64, bool) {
	for _, p := range a.Parameters {
		if p.Key == key {
			return p.DefaultValue, true
		}
	}
	return 0, false
}

// Catalog is the set of known algorithms. Safe for concurrent use.
type Catalog struct {
	mu         sync.RWMutex
	algorithms map[int]Algorithm
	rankers    map[int]*outranking.Ranker
}

// runnable lists ids backed by an implementation.
var runnable = map[int]bool{FuzzyOutrankingID: true}

// NewCatalog returns the built-in catalog. rank seeds the fuzzy outranking parameters.
func NewCatalog(rank outranking.Config) (*Catalog, error) {
	c := &Catalog{
		algorithms: make(map[int]Algorithm),
		rankers:    make(map[int]*outranking.Ranker),
	}
	scale := rank.Scale
	if scale == 0 {
		scale = outranking.DefaultScale
	}
	builtin := []Algorithm{
		{
			ID:      NSGA2ID,
			Name:    "NSGA-II",
			Version: "1.0",
			Parameters: []Parameter{
				{ID: 1, Name: "Poblacion", DefaultValue: 100},
				{ID: 2, Name: "Generaciones", DefaultValue: 50},
				{ID: 3, Name: "Probabilidad de mutacion", DefaultValue: 0.2},
				{ID: 4, Name: "Ratio de Cruce", DefaultValue: 0.8},
			},
		},
		{
			ID:      MOPSOID,
			Name:    "MOPSO",
			Version: "1.0",
			Parameters: []Parameter{
				{ID: 1, Name: "Poblacion", DefaultValue: 100},
				{ID: 2, Name: "Generaciones", DefaultValue: 70},
				{ID: 3, Name: "Probabilidad de mutacion", DefaultValue: 0.4},
				{ID: 4, Name: "Ratio de Cruce", DefaultValue: 0.8},
				{ID: 5, Name: "Ratio de deterioro", DefaultValue: 2},
			},
		},
		{
			ID:      FuzzyOutrankingID,
			Name:    "Fuzzy Outranking",
			Version: "1.0",
			Parameters: []Parameter{
				{ID: 1, Key: ParamScale, Name: "Escala", DefaultValue: scale},
				{ID: 2, Key: ParamTieTolerance, Name: "Tolerancia de empate", DefaultValue: rank.TieTolerance},
			},
		},
	}
	for _, a := range builtin {
		if err := c.put(a); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// LoadCatalog builds the built-in catalog and applies the YAML file at path, if any.
// File entries replace built-in entries with the same id and add new ones.
//
// Example file:
//
//	algorithms:
//	  - id: 3
//	    name: Fuzzy Outranking
//	    version: "1.1"
//	    parameters:
//	      - {id: 1, key: scale, name: Escala, default_value: 10}
//	      - {id: 2, key: tie_tolerance, name: Tolerancia de empate, default_value: 0}
func LoadCatalog(path string, rank outranking.Config) (*Catalog, error) {
	c, err := NewCatalog(rank)
	if err != nil {
		return nil, err
	}
	if path == "" {
		return c, nil
	}

	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to load algorithm catalog %s: %w", path, err)
	}

	var overrides []Algorithm
	if err := k.Unmarshal("algorithms", &overrides); err != nil {
		return nil, fmt.Errorf("failed to parse algorithm catalog %s: %w", path, err)
	}
	for _, a := range overrides {
		if a.ID <= 0 {
			return nil, fmt.Errorf("algorithm catalog %s: id must be positive, got %d", path, a.ID)
		}
		if err := c.put(a); err != nil {
			return nil, fmt.Errorf("algorithm catalog %s: %w", path, err)
		}
	}
	return c, nil
}

// put stores a, deriving executability and building its ranker. Keyed parameters that a
// replacement of an executable entry leaves out keep the values of the entry it replaces.
func (c *Catalog) put(a Algorithm) error {
	a.Executable = runnable[a.ID]

	var r *outranking.Ranker
	if a.Executable {
		c.mu.RLock()
		prev, replacing := c.algorithms[a.ID]
		c.mu.RUnlock()
		if replacing {
			a.Parameters = inheritParams(a.Parameters, prev.Parameters)
		}

		cfg := outranking.Config{}
		if v, ok := a.Param(ParamScale); ok {
			cfg.Scale = v
		}
		if v, ok := a.Param(ParamTieTolerance); ok {
			cfg.TieTolerance = v
		}
		var err error
		if r, err = outranking.NewRanker(cfg); err != nil {
			return fmt.Errorf("algorithm %d: %w", a.ID, err)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.algorithms[a.ID] = a
	if r != nil {
		c.rankers[a.ID] = r
	}
	return nil
}

func inheritParams(params, prev []Parameter) []Parameter {
	out := append([]Parameter(nil), params...)
	for _, p := range prev {
		if p.Key == "" {
			continue
		}
		if _, ok := (Algorithm{Parameters: params}).Param(p.Key); !ok {
			out = append(out, p)
		}
	}
	return out
}

// List returns all algorithms ordered by id.
func (c *Catalog) List() []Algorithm {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Algorithm, 0, len(c.algorithms))
	for _, a := range c.algorithms {
		a.Parameters = append([]Parameter(nil), a.Parameters...)
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get returns the algorithm with the given id.
func (c *Catalog) Get(id int) (Algorithm, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	a, ok := c.algorithms[id]
	if !ok {
		return Algorithm{}, ErrAlgorithmNotFound
	}
	a.Parameters = append([]Parameter(nil), a.Parameters...)
	return a, nil
}

// Executable reports whether the algorithm exists and can be run.
func (c *Catalog) Executable(id int) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.rankers[id]
	return ok
}

// Ranker returns the configured ranker for an executable algorithm.
// An id of zero selects DefaultID.
func (c *Catalog) Ranker(id int) (*outranking.Ranker, error) {
	if id == 0 {
		id = DefaultID
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	if r, ok := c.rankers[id]; ok {
		return r, nil
	}
	if _, ok := c.algorithms[id]; ok {
		return nil, ErrNotExecutable
	}
	return nil, ErrAlgorithmNotFound
}
