// Package extract turns one chapter's text plus its context summary into a
// validated ChapterFact, via a single LLM call (segmented and merged when
// the chapter is too large for one call), with a bounded JSON-repair retry
// on a malformed first response.
package extract

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/novelkg/novelkg/internal/domain/novel"
	"github.com/novelkg/novelkg/internal/llmclient"
	"github.com/novelkg/novelkg/internal/validate"
)

// FailureKind classifies why an extraction failed, per the contract's
// closed failure vocabulary.
type FailureKind string

const (
	FailureTimeout               FailureKind = "timeout"
	FailureJSONParseError        FailureKind = "json_parse_error"
	FailureSchemaValidationError FailureKind = "schema_validation_error"
	FailureLLMUnavailable        FailureKind = "llm_unavailable"
	FailureBudgetExceeded        FailureKind = "budget_exceeded"
)

const systemInstruction = `You are extracting structured facts from one chapter of a Chinese web novel.
Output strict JSON matching the ChapterFact schema: characters, relationships, locations, item_events,
org_events, events, new_concepts, spatial_relationships, world_declarations.
Naming rules: avoid generic single-character place words such as 山/河/海/城/谷/村/镇/殿/门/院/堂/楼/塔/宫/庙/阁/斋/府/寺/庵/观; only emit specific toponyms.
Preserve every alias and title a character is called by in new_aliases. Never invent facts not present in the text.`

// Extractor turns chapter text into a ChapterFact.
type Extractor struct {
	llm           llmclient.AIClient
	logger        *slog.Logger
	maxPromptSize int
}

// NewExtractor constructs an Extractor. maxPromptSize bounds chapter-plus-
// context length in runes before segment splitting kicks in.
func NewExtractor(llm llmclient.AIClient, maxPromptSize int) *Extractor {
	if maxPromptSize <= 0 {
		maxPromptSize = 120000
	}
	return &Extractor{
		llm:           llm,
		logger:        slog.Default().With("component", "chapter_extractor"),
		maxPromptSize: maxPromptSize,
	}
}

// Extract produces a validated ChapterFact for one chapter, splitting into
// paragraph-boundary segments and merging when the chapter text plus
// context exceeds maxPromptSize.
func (e *Extractor) Extract(ctx context.Context, novelID string, chapterNum int, chapterText, contextSummary string) (*novel.ChapterFact, novel.LlmUsage, error) {
	if e.llm == nil {
		return nil, novel.LlmUsage{}, &ExtractionFailure{
			NovelID: novelID, ChapterNum: chapterNum, Cause: fmt.Errorf("no llm client configured"), Retryable: false,
		}
	}

	segments := splitIntoSegments(chapterText, e.maxPromptSize-len(contextSummary))
	var usage novel.LlmUsage
	var merged *novel.ChapterFact

	for i, seg := range segments {
		raw, err := e.requestOne(ctx, contextSummary, seg)
		if err != nil {
			return nil, usage, &ExtractionFailure{
				NovelID: novelID, ChapterNum: chapterNum, Segment: i, Cause: err, Retryable: isRetryable(err),
			}
		}
		usage.Add(estimateUsage(contextSummary+seg, raw))

		var fact novel.ChapterFact
		if err := ParseWithRepair(raw, &fact); err != nil {
			return nil, usage, &ExtractionFailure{
				NovelID: novelID, ChapterNum: chapterNum, Segment: i,
				Cause: fmt.Errorf("%s: %w", FailureJSONParseError, err), Retryable: false,
			}
		}
		fact.NovelID, fact.ChapterNum = novelID, chapterNum

		if merged == nil {
			merged = &fact
		} else {
			mergeFact(merged, &fact)
		}
	}

	if merged == nil {
		merged = &novel.ChapterFact{NovelID: novelID, ChapterNum: chapterNum}
	}

	validated, err := validate.Validate(merged)
	if err != nil {
		return nil, usage, &ExtractionFailure{
			NovelID: novelID, ChapterNum: chapterNum,
			Cause: fmt.Errorf("%s: %w", FailureSchemaValidationError, err), Retryable: false,
		}
	}

	return validated, usage, nil
}

func (e *Extractor) requestOne(ctx context.Context, contextSummary, chapterSegment string) (string, error) {
	prompt := contextSummary + "\n\n" + chapterSegment
	raw, err := e.llm.CompleteJSONWithSystem(ctx, systemInstruction, prompt)
	if err != nil {
		return "", fmt.Errorf("%s: %w", FailureLLMUnavailable, err)
	}
	return raw, nil
}

func isRetryable(err error) bool {
	return strings.Contains(err.Error(), string(FailureLLMUnavailable)) ||
		strings.Contains(err.Error(), string(FailureTimeout))
}

// splitIntoSegments breaks text into contiguous paragraph-boundary chunks no
// larger than budget runes each. A non-positive budget (or text already
// under it) yields a single segment.
func splitIntoSegments(text string, budget int) []string {
	if budget <= 0 || len(text) <= budget {
		return []string{text}
	}

	paragraphs := strings.Split(text, "\n\n")
	var segments []string
	var current strings.Builder

	for _, p := range paragraphs {
		if current.Len() > 0 && current.Len()+len(p) > budget {
			segments = append(segments, current.String())
			current.Reset()
		}
		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(p)
	}
	if current.Len() > 0 {
		segments = append(segments, current.String())
	}
	if len(segments) == 0 {
		segments = []string{text}
	}
	return segments
}

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

// tokenEncoding lazily loads the cl100k_base BPE table once per process. A
// load failure (no local vocab cache, e.g. in a sandboxed test run) leaves
// encoding nil and estimateUsage falls back to rune counting.
func tokenEncoding() *tiktoken.Tiktoken {
	encodingOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			slog.Default().Warn("tiktoken encoding unavailable, falling back to rune-count token estimate", "error", err)
			return
		}
		encoding = enc
	})
	return encoding
}

// estimateUsage approximates token counts since the plain HTTP LLM client
// doesn't report them directly. It prefers a real BPE tokenizer and only
// falls back to counting runes (CJK text runs roughly one rune per token)
// when the tokenizer's vocab table can't be loaded.
func estimateUsage(prompt, completion string) novel.LlmUsage {
	enc := tokenEncoding()
	if enc == nil {
		return novel.LlmUsage{
			PromptTokens:     len([]rune(prompt)),
			CompletionTokens: len([]rune(completion)),
		}
	}
	return novel.LlmUsage{
		PromptTokens:     len(enc.Encode(prompt, nil, nil)),
		CompletionTokens: len(enc.Encode(completion, nil, nil)),
	}
}

// mergeFact unions src into dst with dedup: same name and kind keeps the
// first occurrence; among conflicting spatial-relationship confidence
// values, the higher confidence wins.
func mergeFact(dst, src *novel.ChapterFact) {
	dst.Characters = mergeCharacters(dst.Characters, src.Characters)
	dst.Relationships = append(dst.Relationships, src.Relationships...)
	dst.Locations = mergeLocations(dst.Locations, src.Locations)
	dst.ItemEvents = append(dst.ItemEvents, src.ItemEvents...)
	dst.OrgEvents = append(dst.OrgEvents, src.OrgEvents...)
	dst.Events = append(dst.Events, src.Events...)
	dst.NewConcepts = append(dst.NewConcepts, src.NewConcepts...)
	dst.SpatialRelationships = mergeSpatial(dst.SpatialRelationships, src.SpatialRelationships)
	dst.WorldDeclarations = append(dst.WorldDeclarations, src.WorldDeclarations...)
}

func mergeCharacters(dst, src []novel.CharacterFact) []novel.CharacterFact {
	seen := make(map[string]bool, len(dst))
	for _, c := range dst {
		seen[c.Name] = true
	}
	for _, c := range src {
		if !seen[c.Name] {
			dst = append(dst, c)
			seen[c.Name] = true
		}
	}
	return dst
}

func mergeLocations(dst, src []novel.LocationFact) []novel.LocationFact {
	seen := make(map[string]bool, len(dst))
	for _, l := range dst {
		seen[l.Name] = true
	}
	for _, l := range src {
		if !seen[l.Name] {
			dst = append(dst, l)
			seen[l.Name] = true
		}
	}
	return dst
}

func mergeSpatial(dst, src []novel.SpatialRelationFact) []novel.SpatialRelationFact {
	index := make(map[string]int, len(dst))
	for i, r := range dst {
		index[r.Source+"|"+r.Target+"|"+string(r.RelationType)] = i
	}
	for _, r := range src {
		key := r.Source + "|" + r.Target + "|" + string(r.RelationType)
		if i, ok := index[key]; ok {
			if r.Confidence.Rank() > dst[i].Confidence.Rank() {
				dst[i] = r
			}
			continue
		}
		index[key] = len(dst)
		dst = append(dst, r)
	}
	return dst
}
