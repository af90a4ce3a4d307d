package layout

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/novelkg/novelkg/internal/domain/novel"
	"github.com/novelkg/novelkg/internal/geo"
)

// Mode reports which strategy produced a layer's layout.
type Mode string

const (
	ModeConstraint  Mode = "constraint"
	ModeHierarchy   Mode = "hierarchy"
	ModeGeographic  Mode = "geographic"
)

// Placement is one location's computed position and footprint radius.
type Placement struct {
	Name   string  `json:"name"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Radius float64 `json:"radius"`
}

// Result is the full multi-layer layout output.
type Result struct {
	Layers    map[string][]Placement     `json:"layers"`
	Mode      Mode                        `json:"layout_mode"`
	GeoCoords map[string]*geo.Coordinate  `json:"geo_coords,omitempty"`
}

const minConstraintsForSolve = 3

const defaultPlacementRadius = 20.0

// Solver computes and caches per-novel, per-layer layouts.
type Solver struct {
	resolver geo.Resolver
	logger   *slog.Logger
	cache    *lru.Cache[string, *Result]
	weights  Weights
}

// NewSolver constructs a Solver. resolver may be geo.NoopResolver{} when no
// real-world geocoding is configured. Energy weights default to
// DefaultWeights; use WithWeights to override them (per design notes, the
// narrative-axis weight in particular may warrant per-novel tuning rather
// than a hardcoded constant).
func NewSolver(resolver geo.Resolver) *Solver {
	cache, _ := lru.New[string, *Result](256)
	return &Solver{
		resolver: resolver,
		logger:   slog.Default().With("component", "layout_solver"),
		cache:    cache,
		weights:  DefaultWeights,
	}
}

// WithWeights overrides the solver's energy weights.
func (s *Solver) WithWeights(w Weights) *Solver {
	s.weights = w
	return s
}

// CacheKey derives the stable digest a layout result is keyed by: novel,
// layer, canvas size, contributing facts, and applicable overrides.
func CacheKey(novelID, layerID string, canvas Canvas, factChapters []int, overrides []*novel.UserOverride) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%gx%g|", novelID, layerID, canvas.Width, canvas.Height)
	sorted := append([]int(nil), factChapters...)
	sort.Ints(sorted)
	for _, c := range sorted {
		fmt.Fprintf(h, "%d,", c)
	}
	for _, o := range overrides {
		fmt.Fprintf(h, "%s:%s:%s,", o.OverrideType, o.OverrideKey, string(o.Value))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// InvalidateNovel drops every cached layout, called whenever a new
// ChapterFact is written. CacheKey's digest form makes a per-novel prefix
// check impossible after hashing, so invalidation is a full purge —
// acceptable since it only fires on an actual fact write, not per read, and
// recomputation is bounded by regionSolveBudget per region.
func (s *Solver) InvalidateNovel(novelID string) {
	s.cache.Purge()
}

// ComputeLayeredLayout is the solver's public contract: given the world
// structure, the known locations partitioned by layer, their spatial
// constraints, and any user overrides, produce a placement for every layer.
func (s *Solver) ComputeLayeredLayout(ctx context.Context, novelID string, world *novel.WorldStructure,
	locationsByLayer map[string][]LocationInput, constraintsByLayer map[string][]Constraint,
	overrides []*novel.UserOverride) (*Result, error) {

	geoType, err := s.resolver.DetectGeoType(ctx, allNames(locationsByLayer))
	if err != nil {
		s.logger.Warn("geo resolver unavailable, proceeding with constraint/hierarchy layout", "error", err)
		geoType = geo.GeoFantasy
	}

	if geoType == geo.GeoRealistic || geoType == geo.GeoMixed {
		return s.computeGeographic(ctx, locationsByLayer)
	}

	key := novelID
	for _, layer := range world.Layers {
		canvas := CanvasFor(layer, world.SpatialScale)
		key += "|" + CacheKey(novelID, layer.LayerID, canvas, firstChapters(locationsByLayer[layer.LayerID]), overrides)
	}
	if cached, ok := s.cache.Get(key); ok {
		return cached, nil
	}

	pins := pinsFromOverrides(overrides)

	result := &Result{Layers: map[string][]Placement{}, Mode: ModeConstraint}
	anyHierarchy := false

	for _, layer := range world.Layers {
		locs := locationsByLayer[layer.LayerID]
		constraints := DropConflictingDirections(constraintsByLayer[layer.LayerID], s.logger)
		canvas := CanvasFor(layer, world.SpatialScale)

		var positions map[string]Point
		if len(constraints) >= minConstraintsForSolve {
			positions = s.solvePartitioned(layer, locs, constraints, canvas, pins, world.LocationRegionMap)
		} else {
			anyHierarchy = true
			positions = HierarchyLayout(locs, canvas, pins)
		}

		result.Layers[layer.LayerID] = toPlacements(locs, positions)
	}

	if anyHierarchy && len(result.Layers) == 1 {
		result.Mode = ModeHierarchy
	}

	s.cache.Add(key, result)
	return result, nil
}

func firstChapters(locs []LocationInput) []int {
	chapters := make([]int, len(locs))
	for i, l := range locs {
		chapters[i] = l.FirstChapter
	}
	return chapters
}

func (s *Solver) solvePartitioned(layer novel.Layer, locs []LocationInput, constraints []Constraint, canvas Canvas, pins map[string]Point, locationRegionMap map[string]string) map[string]Point {
	if len(layer.Regions) == 0 {
		return Solve(locs, constraints, canvas, pins, s.weights, s.logger)
	}

	byRegion := partitionByRegion(layer, locs, locationRegionMap)
	positions := make(map[string]Point, len(locs))

	for _, region := range layer.Regions {
		regionLocs := byRegion[region.Name]
		if len(regionLocs) == 0 {
			continue
		}
		box, subCanvas := quadrantBox(canvas, region.CardinalDirection)
		regionConstraints := filterConstraints(constraints, regionLocs)
		regionPins := offsetPins(pins, box, true)

		solved := Solve(regionLocs, regionConstraints, subCanvas, regionPins, s.weights, s.logger)
		for name, p := range solved {
			positions[name] = Point{X: p.X + box.X, Y: p.Y + box.Y}
		}
	}

	// Anything not assigned to a region (no cardinal direction known) falls
	// back to the hierarchy seed on the full canvas.
	var unassigned []LocationInput
	for _, l := range locs {
		if _, ok := positions[l.Name]; !ok {
			unassigned = append(unassigned, l)
		}
	}
	for name, p := range HierarchyLayout(unassigned, canvas, pins) {
		positions[name] = p
	}

	return positions
}

// quadrantBox returns the sub-canvas a region occupies within the parent
// canvas based on its cardinal direction, plus a Canvas sized to match for
// the sub-solve (ties split the quadrant; "center" takes a central box).
func quadrantBox(canvas Canvas, direction novel.CardinalDirection) (Point, Canvas) {
	halfW, halfH := canvas.Width/2, canvas.Height/2
	switch direction {
	case novel.DirEast:
		return Point{X: halfW, Y: 0}, Canvas{Width: halfW, Height: canvas.Height}
	case novel.DirWest:
		return Point{X: 0, Y: 0}, Canvas{Width: halfW, Height: canvas.Height}
	case novel.DirNorth:
		return Point{X: 0, Y: 0}, Canvas{Width: canvas.Width, Height: halfH}
	case novel.DirSouth:
		return Point{X: 0, Y: halfH}, Canvas{Width: canvas.Width, Height: halfH}
	case novel.DirCenter:
		return Point{X: halfW / 2, Y: halfH / 2}, Canvas{Width: halfW, Height: halfH}
	default:
		return Point{X: 0, Y: 0}, canvas
	}
}

// partitionByRegion groups locs by the region WorldStructure.LocationRegionMap
// assigns them to. A location absent from the map, or assigned to a region
// this layer doesn't have, is left out of every region bucket and falls
// back to the hierarchy-seeded placement in solvePartitioned's unassigned
// pass, rather than being forced into an arbitrary region.
func partitionByRegion(layer novel.Layer, locs []LocationInput, locationRegionMap map[string]string) map[string][]LocationInput {
	result := map[string][]LocationInput{}
	if len(layer.Regions) == 0 {
		return result
	}
	known := make(map[string]bool, len(layer.Regions))
	for _, r := range layer.Regions {
		known[r.Name] = true
	}
	for _, l := range locs {
		region, ok := locationRegionMap[l.Name]
		if !ok || !known[region] {
			continue
		}
		result[region] = append(result[region], l)
	}
	return result
}

func filterConstraints(constraints []Constraint, locs []LocationInput) []Constraint {
	names := make(map[string]bool, len(locs))
	for _, l := range locs {
		names[l.Name] = true
	}
	var out []Constraint
	for _, c := range constraints {
		if names[c.Source] && names[c.Target] {
			out = append(out, c)
		}
	}
	return out
}

func offsetPins(pins map[string]Point, box Point, toLocal bool) map[string]Point {
	out := make(map[string]Point, len(pins))
	for name, p := range pins {
		if toLocal {
			out[name] = Point{X: p.X - box.X, Y: p.Y - box.Y}
		} else {
			out[name] = Point{X: p.X + box.X, Y: p.Y + box.Y}
		}
	}
	return out
}

func pinsFromOverrides(overrides []*novel.UserOverride) map[string]Point {
	pins := map[string]Point{}
	for _, o := range overrides {
		if o.OverrideType != novel.OverrideLocationCoordinate {
			continue
		}
		var p Point
		if err := json.Unmarshal(o.Value, &p); err != nil {
			continue
		}
		pins[o.OverrideKey] = p
	}
	return pins
}

func toPlacements(locs []LocationInput, positions map[string]Point) []Placement {
	placements := make([]Placement, 0, len(locs))
	for _, l := range locs {
		p, ok := positions[l.Name]
		if !ok {
			continue
		}
		placements = append(placements, Placement{Name: l.Name, X: p.X, Y: p.Y, Radius: defaultPlacementRadius})
	}
	return placements
}

func allNames(byLayer map[string][]LocationInput) []string {
	var names []string
	for _, locs := range byLayer {
		for _, l := range locs {
			names = append(names, l.Name)
		}
	}
	return names
}

func (s *Solver) computeGeographic(ctx context.Context, locationsByLayer map[string][]LocationInput) (*Result, error) {
	names := allNames(locationsByLayer)
	coords, err := s.resolver.Resolve(ctx, names)
	if err != nil {
		return nil, fmt.Errorf("resolving geographic coordinates: %w", err)
	}

	resolved := map[string]*geo.Coordinate{}
	var anyResolved *geo.Coordinate
	for name, c := range coords {
		if c != nil {
			resolved[name] = c
			anyResolved = c
		}
	}
	for _, name := range names {
		if resolved[name] == nil && anyResolved != nil {
			resolved[name] = anyResolved // nearest-neighbor placeholder for unresolved names
		}
	}

	return &Result{Mode: ModeGeographic, GeoCoords: resolved, Layers: map[string][]Placement{}}, nil
}
