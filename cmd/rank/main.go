// Package main ranks a prioritization problem read from a JSON or YAML file
// and prints the solution as JSON.
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/prplab/prioritizer/internal/algorithm"
	"github.com/prplab/prioritizer/internal/execution"
	"github.com/prplab/prioritizer/internal/outranking"
)

// output is what the command prints.
type output struct {
	AlgorithmID int                    `json:"algorithm_id"`
	Solution    []execution.Assignment `json:"solution"`
	Strata      [][]string             `json:"strata,omitempty"`
}

func main() {
	if err := run(os.Args[1:], os.Stdin, os.Stdout); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, "rank:", err)
		os.Exit(1)
	}
}

func run(args []string, stdin io.Reader, stdout io.Writer) error {
	fs := flag.NewFlagSet("rank", flag.ContinueOnError)
	input := fs.String("input", "-", "problem file (JSON or YAML); - reads stdin")
	scale := fs.Float64("scale", outranking.DefaultScale, "evaluation scale used to normalize gaps")
	tolerance := fs.Float64("tie-tolerance", outranking.DefaultTieTolerance, "slack allowed when grouping items into a stratum")
	strata := fs.Bool("strata", false, "include the strata in the output")
	fs.Usage = func() {
		fmt.Fprintln(fs.Output(), "Prioritizer ranking tool")
		fmt.Fprintln(fs.Output())
		fmt.Fprintln(fs.Output(), "Usage: rank [options]")
		fmt.Fprintln(fs.Output())
		fmt.Fprintln(fs.Output(), "Options:")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}

	req, err := readRequest(*input, stdin)
	if err != nil {
		return err
	}

	catalog, err := algorithm.NewCatalog(outranking.Config{Scale: *scale, TieTolerance: *tolerance})
	if err != nil {
		return err
	}
	if err := req.Validate(catalog); err != nil {
		return err
	}
	if req.AlgorithmID == 0 {
		req.AlgorithmID = algorithm.DefaultID
	}
	ranker, err := catalog.Ranker(req.AlgorithmID)
	if err != nil {
		return err
	}

	criteria, issues := req.Problem()
	solution, layers, err := ranker.RankWithStrata(criteria, issues)
	if err != nil {
		return err
	}

	out := output{AlgorithmID: req.AlgorithmID, Solution: execution.FromSolution(solution)}
	if *strata {
		out.Strata = layers
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

// readRequest decodes the problem from path, or from stdin when path is "-".
// JSON is a subset of YAML, so one decoder handles both.
func readRequest(path string, stdin io.Reader) (*execution.CreateRequest, error) {
	var r io.Reader = stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open input: %w", err)
		}
		defer f.Close()
		r = f
	}

	var req execution.CreateRequest
	if err := yaml.NewDecoder(r).Decode(&req); err != nil {
		return nil, fmt.Errorf("decode input: %w", err)
	}
	return &req, nil
}
