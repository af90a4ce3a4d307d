package prescan

import (
	"context"
	"fmt"
	"strings"

	"github.com/novelkg/novelkg/internal/domain/novel"
	"github.com/novelkg/novelkg/internal/extract"
	"github.com/novelkg/novelkg/internal/llmclient"
)

// topNForLLMClassification caps the Phase 2 batch so one call stays within
// the 30s cap regardless of how long the novel is.
const topNForLLMClassification = 80

type llmClassification struct {
	Name        string   `json:"name"`
	EntityType  string   `json:"entity_type"`
	Confidence  string   `json:"confidence"`
	Aliases     []string `json:"aliases,omitempty"`
}

type llmClassifyResponse struct {
	Entities    []llmClassification `json:"entities"`
	AliasGroups [][]string          `json:"alias_groups,omitempty"`
}

func classifyPrompt(candidates []*candidate) string {
	var b strings.Builder
	b.WriteString("Classify each candidate Chinese name as one of person/location/item/org/concept/unknown, ")
	b.WriteString("estimate confidence as high/medium/low, and group any that are aliases of the same entity. ")
	b.WriteString("Respond as JSON: {\"entities\":[{\"name\":...,\"entity_type\":...,\"confidence\":...,\"aliases\":[...]}],")
	b.WriteString("\"alias_groups\":[[...]]}\n\nCandidates (surface form: frequency, sample context):\n")
	for _, c := range candidates {
		fmt.Fprintf(&b, "- %s: %d, \"%s\"\n", c.name, c.frequency, c.sampleContext)
	}
	return b.String()
}

// classifyBatch sends the top-N candidates to the LLM client for entity-type
// classification and alias grouping. A parse or call failure here degrades
// the whole pre-scan to Phase-1-only; it is never fatal to the caller.
func classifyBatch(ctx context.Context, client llmclient.AIClient, candidates []*candidate) (*llmClassifyResponse, error) {
	if len(candidates) > topNForLLMClassification {
		candidates = candidates[:topNForLLMClassification]
	}
	raw, err := client.CompleteJSON(ctx, classifyPrompt(candidates))
	if err != nil {
		return nil, fmt.Errorf("pre-scan classification call: %w", err)
	}
	var resp llmClassifyResponse
	if err := extract.ParseWithRepair(raw, &resp); err != nil {
		return nil, fmt.Errorf("parsing pre-scan classification response: %w", err)
	}
	return &resp, nil
}

func entityTypeFromString(s string) novel.EntityType {
	switch s {
	case "person":
		return novel.EntityPerson
	case "location":
		return novel.EntityLocation
	case "item":
		return novel.EntityItem
	case "org":
		return novel.EntityOrg
	case "concept":
		return novel.EntityConcept
	default:
		return novel.EntityUnknown
	}
}

func confidenceFromString(s string) novel.Confidence {
	switch s {
	case "high":
		return novel.ConfidenceHigh
	case "low":
		return novel.ConfidenceLow
	default:
		return novel.ConfidenceMedium
	}
}
