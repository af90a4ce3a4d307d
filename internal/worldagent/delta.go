package worldagent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/novelkg/novelkg/internal/domain/novel"
	"github.com/novelkg/novelkg/internal/extract"
	"github.com/novelkg/novelkg/internal/llmclient"
)

// OpKind is the closed vocabulary of operations the gated LLM delta may
// request; any value outside this set is rejected.
type OpKind string

const (
	OpAddRegion      OpKind = "ADD_REGION"
	OpAddLayer       OpKind = "ADD_LAYER"
	OpAddPortal      OpKind = "ADD_PORTAL"
	OpAssignLocation OpKind = "ASSIGN_LOCATION"
	OpUpdateRegion   OpKind = "UPDATE_REGION"
	OpSetTier        OpKind = "SET_TIER"
	OpSetIcon        OpKind = "SET_ICON"
	OpNoChange       OpKind = "NO_CHANGE"
)

// Operation is one requested mutation to the world structure.
type Operation struct {
	Kind OpKind         `json:"op"`
	Args map[string]any `json:"args"`
}

// Agent drives the per-chapter world-structure pipeline: a no-LLM scan and
// heuristic pass that always run, plus a gated LLM delta for chapters where
// the heuristics alone are unlikely to keep the structure accurate.
type Agent struct {
	llm    llmclient.AIClient
	logger *slog.Logger
}

// NewAgent constructs an Agent. llm may be nil, in which case Stage C is
// always skipped and only the local scan and heuristics run.
func NewAgent(llm llmclient.AIClient) *Agent {
	return &Agent{llm: llm, logger: slog.Default().With("component", "world_structure_agent")}
}

// Process runs the full pipeline for one chapter and returns the updated
// world structure. It never returns an error for ordinary LLM or operation
// failures — those are logged and swallowed, per the "world structure
// reverts to last persisted snapshot on AgentError" handling rule, which the
// caller implements by only persisting the result Process returns when err
// is nil and discarding it otherwise.
func (a *Agent) Process(ctx context.Context, chapterText string, fact *novel.ChapterFact, world *novel.WorldStructure, chapterNum int) (result *novel.WorldStructure, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("world structure agent panicked: %v", r)
		}
	}()

	signals := append(ScanText(chapterText), ScanFact(fact)...)
	ApplyHeuristics(world, fact)

	if !ShouldTriggerLLM(chapterNum, signals, world, countSignalKind(signals, SignalMacroLocation)) {
		return world, nil
	}
	if a.llm == nil {
		return world, nil
	}

	ops, reqErr := a.requestDelta(ctx, fact, world, signals)
	if reqErr != nil {
		a.logger.Warn("world structure delta request failed, keeping heuristic-only result", "chapter", chapterNum, "error", reqErr)
		return world, nil
	}

	for _, op := range ops {
		applyOperationSafely(world, op, a.logger)
	}

	return world, nil
}

// ShouldTriggerLLM implements the five trigger conditions for the gated
// LLM delta.
func ShouldTriggerLLM(chapterNum int, signals []Signal, world *novel.WorldStructure, newMacroLocations int) bool {
	if chapterNum <= 5 {
		return true
	}
	if chapterNum%20 == 0 {
		return true
	}
	if newMacroLocations >= 2 {
		return true
	}
	for _, s := range signals {
		if s.Kind == SignalRegionDivision {
			return true
		}
		if s.Kind == SignalLayerTransition {
			if layerType, ok := signalLayerType(s); ok && !world.HasLayer(string(layerType)) {
				return true
			}
		}
	}
	return false
}

func countSignalKind(signals []Signal, kind SignalKind) int {
	n := 0
	for _, s := range signals {
		if s.Kind == kind {
			n++
		}
	}
	return n
}

// signalLayerType recovers the LayerType embedded after "|" in a
// layer_transition signal's evidence field (see ScanText).
func signalLayerType(s Signal) (novel.LayerType, bool) {
	parts := strings.SplitN(s.Evidence, "|", 2)
	if len(parts) != 2 {
		return "", false
	}
	return novel.LayerType(parts[1]), true
}

func (a *Agent) requestDelta(ctx context.Context, fact *novel.ChapterFact, world *novel.WorldStructure, signals []Signal) ([]Operation, error) {
	prompt := buildDeltaPrompt(fact, world, signals)

	raw, err := a.llm.CompleteJSON(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("requesting world structure delta: %w", err)
	}

	var ops []Operation
	if err := extract.ParseWithRepair(raw, &ops); err != nil {
		return nil, fmt.Errorf("parsing world structure delta response: %w", err)
	}
	return ops, nil
}

const worldSummaryCharBudget = 4000 // ~2000 tokens at the corpus's ~2 chars/token rule of thumb

func buildDeltaPrompt(fact *novel.ChapterFact, world *novel.WorldStructure, signals []Signal) string {
	var sb strings.Builder
	sb.WriteString("Current world structure summary:\n")
	sb.WriteString(summarizeWorld(world))
	sb.WriteString("\nSignals observed this chapter:\n")
	for _, s := range signals {
		sb.WriteString(fmt.Sprintf("- %s (%s): %s\n", s.Kind, s.Confidence, s.Evidence))
	}
	sb.WriteString("\nThis chapter's locations:\n")
	for _, loc := range fact.Locations {
		sb.WriteString(fmt.Sprintf("- %s (tier %s)\n", loc.Name, loc.Tier))
	}
	sb.WriteString("\nThis chapter's spatial relationships:\n")
	for _, sr := range fact.SpatialRelationships {
		sb.WriteString(fmt.Sprintf("- %s %s %s (%s)\n", sr.Source, sr.RelationType, sr.Target, sr.Value))
	}
	sb.WriteString("\nRespond with a JSON array of operations from this closed vocabulary: " +
		"ADD_REGION, ADD_LAYER, ADD_PORTAL, ASSIGN_LOCATION, UPDATE_REGION, SET_TIER, SET_ICON, NO_CHANGE. " +
		"Each item is {\"op\": <kind>, \"args\": {...}}.")

	prompt := sb.String()
	if len(prompt) > worldSummaryCharBudget*2 {
		prompt = prompt[:worldSummaryCharBudget*2]
	}
	return prompt
}

// summarizeWorld renders a compact summary of the current structure: layer
// name/type only, region name/direction only, portal name/endpoints only,
// and the top 50 entries of the location-to-region map.
func summarizeWorld(world *novel.WorldStructure) string {
	var sb strings.Builder
	for _, l := range world.Layers {
		sb.WriteString(fmt.Sprintf("layer %s (%s)\n", l.Name, l.LayerType))
		for _, r := range l.Regions {
			sb.WriteString(fmt.Sprintf("  region %s (%s)\n", r.Name, r.CardinalDirection))
		}
	}
	for _, p := range world.Portals {
		sb.WriteString(fmt.Sprintf("portal %s: %s/%s -> %s/%s\n", p.Name, p.SourceLayer, p.SourceLocation, p.TargetLayer, p.TargetLocation))
	}

	count := 0
	for loc, region := range world.LocationRegionMap {
		if count >= 50 {
			break
		}
		sb.WriteString(fmt.Sprintf("%s in %s\n", loc, region))
		count++
	}

	summary := sb.String()
	if len(summary) > worldSummaryCharBudget {
		summary = summary[:worldSummaryCharBudget]
	}
	return summary
}
