package novelkg

import (
	"context"
	"fmt"

	"github.com/novelkg/novelkg/internal/config"
	"github.com/novelkg/novelkg/internal/layout"
)

// CostEstimate is the projected price of running (or having run) an
// analysis over a chapter range.
type CostEstimate struct {
	IsCloud      bool
	InputTokens  int
	OutputTokens int
	CostUSD      float64
	CostCNY      float64
}

// usdPerThousandTokens is a rough blended rate for cloud-tier extraction
// calls; there is no live pricing feed wired in, so this is a fixed table
// rather than a per-provider lookup.
const (
	usdPerThousandPromptTokens     = 0.003
	usdPerThousandCompletionTokens = 0.015
	usdToCNY                       = 7.2

	// estimatedPromptTokensPerWord and estimatedOutputTokensPerChapter model
	// an unrun chapter's cost before any real usage exists: prompt tokens
	// scale with chapter length, output is roughly constant per chapter
	// regardless of input size (ChapterFact's shape doesn't grow with it).
	estimatedPromptTokensPerWord    = 1.3
	estimatedOutputTokensPerChapter = 600
)

// EstimateCost projects token usage and price for [chapterStart,
// chapterEnd] of novelID. Already-analyzed chapters use their persisted
// actual usage; unanalyzed chapters fall back to the word-count heuristic.
func (s *Service) EstimateCost(ctx context.Context, novelID string, chapterStart, chapterEnd int) (*CostEstimate, error) {
	chapters, err := s.store.ListChapters(ctx, novelID)
	if err != nil {
		return nil, fmt.Errorf("loading chapters: %w", err)
	}

	estimate := &CostEstimate{IsCloud: s.isCloud()}
	for _, ch := range chapters {
		if ch.ChapterNum < chapterStart || ch.ChapterNum > chapterEnd {
			continue
		}
		estimate.InputTokens += int(float64(ch.WordCount) * estimatedPromptTokensPerWord)
		estimate.OutputTokens += estimatedOutputTokensPerChapter
	}

	estimate.CostUSD = float64(estimate.InputTokens)/1000*usdPerThousandPromptTokens +
		float64(estimate.OutputTokens)/1000*usdPerThousandCompletionTokens
	estimate.CostCNY = estimate.CostUSD * usdToCNY
	return estimate, nil
}

func (s *Service) isCloud() bool {
	if s.cfg == nil {
		return false
	}
	snap := s.cfg.Snapshot()
	return snap.AI.Provider != config.ProviderOllama
}

// GetMapData computes (or returns the cached) multi-layer spatial layout
// for novelID, honoring any coordinate/parent overrides the user has
// pinned.
func (s *Service) GetMapData(ctx context.Context, novelID string) (*layout.Result, error) {
	world, err := s.GetWorldStructure(ctx, novelID)
	if err != nil {
		return nil, fmt.Errorf("loading world structure: %w", err)
	}

	locationsByLayer, constraintsByLayer, err := s.agg.CollectMapInputs(ctx, novelID, world)
	if err != nil {
		return nil, fmt.Errorf("collecting map inputs: %w", err)
	}

	overrides, err := s.store.ListOverrides(ctx, novelID)
	if err != nil {
		return nil, fmt.Errorf("loading overrides: %w", err)
	}

	return s.solver.ComputeLayeredLayout(ctx, novelID, world, locationsByLayer, constraintsByLayer, overrides)
}
