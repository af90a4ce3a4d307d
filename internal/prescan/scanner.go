// Package prescan builds the whole-book entity dictionary ahead of
// chapter-by-chapter extraction: a fast statistical pass over every
// chapter's text followed by one bounded LLM classification call, so later
// extraction stages can lean on a stable name/type/alias table instead of
// re-discovering the same proper nouns chapter after chapter.
package prescan

import (
	"context"
	"log/slog"
	"time"

	"github.com/novelkg/novelkg/internal/domain/novel"
	"github.com/novelkg/novelkg/internal/llmclient"
	"github.com/novelkg/novelkg/internal/storage"
)

const (
	phase1Budget = 15 * time.Second
	phase2Budget = 30 * time.Second
)

// Scanner runs the two-phase pre-scan and persists the resulting
// EntityDictionary.
type Scanner struct {
	store  *storage.Store
	llm    llmclient.AIClient
	logger *slog.Logger
}

// NewScanner constructs a Scanner. llm may be nil, in which case Run
// produces Phase-1-only results unconditionally.
func NewScanner(store *storage.Store, llm llmclient.AIClient) *Scanner {
	return &Scanner{
		store:  store,
		llm:    llm,
		logger: slog.Default().With("component", "prescan_scanner"),
	}
}

// Run executes Phase 1 (statistical, best-effort within phase1Budget) and,
// if an LLM client is configured, Phase 2 (classification, best-effort
// within phase2Budget). A Phase 2 failure degrades silently to Phase-1-only
// results; only a Phase 1 failure is returned as ErrPrescanFailed, since
// without it there is nothing to return at all.
func (s *Scanner) Run(ctx context.Context, novelID string) (*novel.EntityDictionary, error) {
	chapters, err := s.store.ListChapters(ctx, novelID)
	if err != nil {
		return nil, &ErrPrescanFailed{NovelID: novelID, Reason: "loading chapters", Cause: err}
	}

	phase1Ctx, cancel1 := context.WithTimeout(ctx, phase1Budget)
	defer cancel1()
	candidates, err := scanChapters(phase1Ctx, chapters)
	if err != nil {
		return nil, &ErrPrescanFailed{NovelID: novelID, Reason: "statistical scan", Cause: err}
	}

	dict := &novel.EntityDictionary{NovelID: novelID, Entries: map[string]*novel.EntityDictEntry{}}
	ranked := rankCandidates(candidates)
	for _, c := range ranked {
		dict.Entries[c.name] = &novel.EntityDictEntry{
			Name:          c.name,
			EntityType:    novel.EntityUnknown,
			Frequency:     c.frequency,
			Confidence:    novel.ConfidenceLow,
			Source:        phase1Source(c),
			SampleContext: c.sampleContext,
		}
	}

	if s.llm == nil {
		s.logger.Info("pre-scan running phase 1 only, no llm client configured", "novel_id", novelID, "candidates", len(ranked))
		return dict, nil
	}

	phase2Ctx, cancel2 := context.WithTimeout(ctx, phase2Budget)
	defer cancel2()

	resp, err := classifyBatch(phase2Ctx, s.llm, ranked)
	if err != nil {
		s.logger.Warn("pre-scan phase 2 classification failed, degrading to phase 1 only",
			"novel_id", novelID, "error", err)
		return dict, nil
	}

	applyClassification(dict, resp)
	s.logger.Info("pre-scan completed", "novel_id", novelID, "entries", len(dict.Entries), "alias_groups", len(dict.AliasGroups))

	if err := s.store.SaveEntityDictionary(ctx, dict); err != nil {
		return nil, &ErrPrescanFailed{NovelID: novelID, Reason: "persisting dictionary", Cause: err}
	}
	return dict, nil
}

// phase1Source assigns the statistical-pass provenance in strength order:
// dialogue attribution is the strongest unsupervised signal, then title
// suffix, then a bare frequency count.
func phase1Source(c *candidate) novel.EntitySource {
	switch {
	case c.dialogueHits > 0:
		return novel.SourceDialogue
	case c.titleHits > 0:
		return novel.SourceTitle
	default:
		return novel.SourceFreq
	}
}

// applyClassification merges Phase 2 results into dict, honoring the
// source-priority rule: llm entries overwrite anything from Phase 1
// regardless of that entry's own source, since a cheap heuristic never
// outranks an actual classification.
func applyClassification(dict *novel.EntityDictionary, resp *llmClassifyResponse) {
	for _, e := range resp.Entities {
		existing, ok := dict.Entries[e.Name]
		freq := 0
		sample := ""
		if ok {
			freq = existing.Frequency
			sample = existing.SampleContext
		}
		dict.Entries[e.Name] = &novel.EntityDictEntry{
			Name:          e.Name,
			EntityType:    entityTypeFromString(e.EntityType),
			Frequency:     freq,
			Confidence:    confidenceFromString(e.Confidence),
			Aliases:       e.Aliases,
			Source:        novel.SourceLLM,
			SampleContext: sample,
		}
	}
	dict.AliasGroups = resp.AliasGroups
}
