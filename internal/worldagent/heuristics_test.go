package worldagent

import (
	"testing"

	"github.com/novelkg/novelkg/internal/domain/novel"
)

func TestAssignTierFallsBackToSiteNeverCity(t *testing.T) {
	if got := AssignTier("未知之地"); got != novel.TierSite {
		t.Fatalf("expected fallback tier site, got %v", got)
	}
}

func TestAssignTierSuffixLookup(t *testing.T) {
	cases := map[string]novel.LocationTier{
		"九州大陆": novel.TierContinent,
		"越国":    novel.TierKingdom,
		"落霞城":  novel.TierCity,
		"彩霞山":  novel.TierSite,
		"藏经阁":  novel.TierBuilding,
		"议事厅":  novel.TierRoom,
	}
	for name, want := range cases {
		if got := AssignTier(name); got != want {
			t.Errorf("AssignTier(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestApplyHeuristicsPropagatesExplicitParent(t *testing.T) {
	world := novel.NewWorldStructure("n1")
	parent := "越国"
	fact := &novel.ChapterFact{
		Locations: []novel.LocationFact{
			{Name: "彩霞山", Parent: &parent, Tier: novel.TierSite},
		},
	}

	ApplyHeuristics(world, fact)

	if world.LocationParents["彩霞山"] != "越国" {
		t.Fatalf("expected explicit parent to propagate, got %+v", world.LocationParents)
	}
	if world.LocationTiers["彩霞山"] != novel.TierSite {
		t.Fatalf("expected tier assignment, got %v", world.LocationTiers["彩霞山"])
	}
}

func TestApplyHeuristicsDoesNotCreateCycle(t *testing.T) {
	world := novel.NewWorldStructure("n1")
	world.LocationParents["A"] = "B"
	world.LocationTiers["A"] = novel.TierSite
	world.LocationTiers["B"] = novel.TierCity

	bName := "A"
	fact := &novel.ChapterFact{
		Locations: []novel.LocationFact{
			{Name: "B", Parent: &bName, Tier: novel.TierCity},
		},
	}

	ApplyHeuristics(world, fact)

	if world.LocationParents["B"] == "A" {
		t.Fatalf("expected cycle B->A->B to be rejected, got B's parent = %q", world.LocationParents["B"])
	}
}

func TestShouldTriggerLLMEarlyChapters(t *testing.T) {
	world := novel.NewWorldStructure("n1")
	if !ShouldTriggerLLM(1, nil, world, 0) {
		t.Fatalf("expected chapter 1 to always trigger")
	}
	if ShouldTriggerLLM(7, nil, world, 0) {
		t.Fatalf("expected chapter 7 with no signals not to trigger")
	}
	if !ShouldTriggerLLM(20, nil, world, 0) {
		t.Fatalf("expected chapter 20 (20 %% 20 == 0) to trigger")
	}
	if !ShouldTriggerLLM(7, nil, world, 2) {
		t.Fatalf("expected >=2 new macro locations to trigger")
	}
}

func TestConsolidateHierarchyAdoptsOrphansUnderRoot(t *testing.T) {
	world := novel.NewWorldStructure("n1")
	world.LocationTiers["孤城"] = novel.TierCity

	ConsolidateHierarchy(world)

	if world.LocationParents["孤城"] != rootName {
		t.Fatalf("expected orphan adopted under root, got %q", world.LocationParents["孤城"])
	}
}

func TestApplyOperationAddLayerAndRegion(t *testing.T) {
	world := novel.NewWorldStructure("n1")

	if err := ApplyOperation(world, Operation{Kind: OpAddLayer, Args: map[string]any{
		"layer_id": "celestial", "name": "天界", "layer_type": "celestial",
	}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !world.HasLayer("celestial") {
		t.Fatalf("expected layer to be added")
	}

	if err := ApplyOperation(world, Operation{Kind: OpAddRegion, Args: map[string]any{
		"layer_id": "celestial", "name": "南天门", "cardinal_direction": "south",
	}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestApplyOperationUnknownKindErrors(t *testing.T) {
	world := novel.NewWorldStructure("n1")
	if err := ApplyOperation(world, Operation{Kind: "BOGUS"}); err == nil {
		t.Fatalf("expected error for unknown operation kind")
	}
}
