package engine

import (
	"context"
	"fmt"

	"skydiff/internal/align"
	"skydiff/internal/config"
	"skydiff/internal/diff"
	"skydiff/internal/extract"
	"skydiff/internal/imaging"
	"skydiff/internal/registry"
)

// UnitResult is the output of one map unit.
type UnitResult struct {
	PairID     string              `json:"pair_id"`
	Candidates []imaging.Candidate `json:"candidates"`
	Scale      float64             `json:"scale"`
	Overlap    float64             `json:"overlap"`
}

// MapExecutor runs one map unit: fetch, align, difference and extract.
// Executing the same key twice yields the same candidates.
type MapExecutor interface {
	Execute(ctx context.Context, key registry.Key) (UnitResult, error)
}

// LocalExecutor runs units in-process.
type LocalExecutor struct {
	registry  registry.Registry
	aligner   *align.Aligner
	computer  *diff.Computer
	extractor *extract.Extractor
}

// NewLocalExecutor wires the map-stage components.
func NewLocalExecutor(reg registry.Registry, a *align.Aligner, c *diff.Computer, e *extract.Extractor) *LocalExecutor {
	return &LocalExecutor{registry: reg, aligner: a, computer: c, extractor: e}
}

// LocalExecutorFromConfig builds the map stage from cfg.
func LocalExecutorFromConfig(cfg *config.Config, reg registry.Registry) (*LocalExecutor, error) {
	a, err := align.New(align.OptionsFromConfig(cfg.Alignment))
	if err != nil {
		return nil, fmt.Errorf("alignment: %w", err)
	}
	model, err := diff.ModelFromConfig(cfg.Noise)
	if err != nil {
		return nil, fmt.Errorf("noise: %w", err)
	}
	e, err := extract.New(extract.OptionsFromConfig(cfg.Detection))
	if err != nil {
		return nil, fmt.Errorf("detection: %w", err)
	}
	return NewLocalExecutor(reg, a, diff.NewComputer(model), e), nil
}

func (x *LocalExecutor) Execute(ctx context.Context, key registry.Key) (UnitResult, error) {
	pair, err := x.registry.FetchImagePair(ctx, key)
	if err != nil {
		return UnitResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return UnitResult{}, err
	}
	ap, err := x.aligner.Align(&pair)
	if err != nil {
		return UnitResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return UnitResult{}, err
	}
	dm, err := x.computer.Compute(&ap)
	if err != nil {
		return UnitResult{}, err
	}
	cands, err := x.extractor.Extract(&dm)
	if err != nil {
		return UnitResult{}, err
	}
	return UnitResult{PairID: pair.ID, Candidates: cands, Scale: ap.Scale, Overlap: ap.Overlap}, nil
}
