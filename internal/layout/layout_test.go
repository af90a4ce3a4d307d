package layout

import (
	"context"
	"testing"

	"github.com/novelkg/novelkg/internal/domain/novel"
	"github.com/novelkg/novelkg/internal/geo"
)

func TestCanvasForScalesOverworldByNovelScale(t *testing.T) {
	layer := novel.Layer{LayerID: "overworld", LayerType: novel.LayerOverworld}
	c := CanvasFor(layer, novel.ScaleCosmic)
	if c.Width != 8000 || c.Height != 4500 {
		t.Fatalf("expected cosmic canvas 8000x4500, got %vx%v", c.Width, c.Height)
	}
}

func TestCanvasForInstanceIsFixedRegardlessOfScale(t *testing.T) {
	layer := novel.Layer{LayerID: "secret-realm", LayerType: novel.LayerInstance}
	c := CanvasFor(layer, novel.ScaleCosmic)
	if c.Width != 480 || c.Height != 270 {
		t.Fatalf("expected fixed instance canvas 480x270, got %vx%v", c.Width, c.Height)
	}
}

func TestDropConflictingDirectionsKeepsHigherConfidence(t *testing.T) {
	constraints := []Constraint{
		{Kind: novel.SpatialDirection, Source: "A", Target: "B", Value: "north", Confidence: novel.ConfidenceLow},
		{Kind: novel.SpatialDirection, Source: "B", Target: "A", Value: "north", Confidence: novel.ConfidenceHigh},
	}
	kept := DropConflictingDirections(constraints, nil)
	if len(kept) != 1 {
		t.Fatalf("expected exactly one surviving constraint, got %d", len(kept))
	}
	if kept[0].Confidence != novel.ConfidenceHigh {
		t.Fatalf("expected the higher-confidence constraint to survive, got %+v", kept[0])
	}
}

func TestComputeLayeredLayoutFallsBackToHierarchyWithFewConstraints(t *testing.T) {
	world := novel.NewWorldStructure("n1")
	solver := NewSolver(geo.NoopResolver{})

	locs := map[string][]LocationInput{
		"overworld": {{Name: "彩霞山"}, {Name: "落霞城"}},
	}

	result, err := solver.ComputeLayeredLayout(context.Background(), "n1", world, locs, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Mode != ModeHierarchy {
		t.Fatalf("expected hierarchy fallback mode, got %v", result.Mode)
	}
	if len(result.Layers["overworld"]) != 2 {
		t.Fatalf("expected both locations placed, got %+v", result.Layers["overworld"])
	}
}
