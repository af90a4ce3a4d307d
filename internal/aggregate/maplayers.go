package aggregate

import (
	"context"

	"github.com/novelkg/novelkg/internal/domain/novel"
	"github.com/novelkg/novelkg/internal/layout"
)

// CollectMapInputs streams every location and spatial-relation fact for
// novelID once and partitions them by layer according to world's
// LocationLayerMap, for layout.Solver.ComputeLayeredLayout. A location with
// no layer assignment yet falls into the overworld layer.
func (a *Aggregator) CollectMapInputs(ctx context.Context, novelID string, world *novel.WorldStructure) (map[string][]layout.LocationInput, map[string][]layout.Constraint, error) {
	resolved, err := a.streamAndResolve(ctx, novelID)
	if err != nil {
		return nil, nil, err
	}

	overworld := ""
	if len(world.Layers) > 0 {
		overworld = world.Layers[0].LayerID
	}

	firstChapter := map[string]int{}
	known := map[string]bool{}
	layerOf := func(name string) string {
		if l, ok := world.LocationLayerMap[name]; ok {
			return l
		}
		return overworld
	}

	for _, fact := range resolved.facts {
		for _, loc := range fact.Locations {
			name := resolved.resolve(loc.Name)
			known[name] = true
			if _, ok := firstChapter[name]; !ok || fact.ChapterNum < firstChapter[name] {
				firstChapter[name] = fact.ChapterNum
			}
		}
	}

	locationsByLayer := map[string][]layout.LocationInput{}
	for name := range known {
		layerID := layerOf(name)
		parentRadius := 0.0
		if parent, ok := world.LocationParents[name]; ok && parent != "" {
			parentRadius = 80.0 // a named parent gets a nominal containing radius; exact sizing is the solver's job
		}
		locationsByLayer[layerID] = append(locationsByLayer[layerID], layout.LocationInput{
			Name: name, ParentRadius: parentRadius, FirstChapter: firstChapter[name],
		})
	}

	var relations []novel.SpatialRelationFact
	for _, fact := range resolved.facts {
		for _, r := range fact.SpatialRelationships {
			r.Source = resolved.resolve(r.Source)
			r.Target = resolved.resolve(r.Target)
			relations = append(relations, r)
		}
	}

	constraintsByLayer := map[string][]layout.Constraint{}
	for layerID, locs := range locationsByLayer {
		inLayer := make(map[string]bool, len(locs))
		for _, l := range locs {
			inLayer[l.Name] = true
		}
		constraintsByLayer[layerID] = layout.FromFacts(relations, inLayer)
	}

	return locationsByLayer, constraintsByLayer, nil
}
