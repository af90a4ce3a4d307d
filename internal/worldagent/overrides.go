package worldagent

import (
	"encoding/json"

	"github.com/novelkg/novelkg/internal/domain/novel"
)

// ApplyOverrides reapplies every pinned user value onto world, so that a
// user override always wins over whatever Process/ApplyHeuristics computed
// for the same (entity, field) this chapter, and keeps winning on every
// later re-analysis rather than being silently recomputed away. Alias
// overrides are handled separately at the aggregation/resolution layer
// (they affect which facts resolve to which canonical name, not a field on
// WorldStructure itself), so OverrideAlias entries are skipped here.
func ApplyOverrides(world *novel.WorldStructure, overrides []*novel.UserOverride) {
	for _, o := range overrides {
		switch o.OverrideType {
		case novel.OverrideLocationParent:
			world.LocationParents[o.OverrideKey] = string(o.Value)
		case novel.OverrideLocationRegion:
			world.LocationRegionMap[o.OverrideKey] = string(o.Value)
		case novel.OverrideLocationLayer:
			world.LocationLayerMap[o.OverrideKey] = string(o.Value)
		case novel.OverrideLocationTier:
			world.LocationTiers[o.OverrideKey] = novel.LocationTier(o.Value)
		case novel.OverrideAddPortal:
			var p novel.Portal
			if err := json.Unmarshal(o.Value, &p); err == nil {
				upsertPortal(world, p)
			}
		case novel.OverrideDeletePortal:
			removePortal(world, o.OverrideKey)
		}
	}
}

func upsertPortal(world *novel.WorldStructure, p novel.Portal) {
	for i, existing := range world.Portals {
		if existing.Name == p.Name {
			world.Portals[i] = p
			return
		}
	}
	world.Portals = append(world.Portals, p)
}

func removePortal(world *novel.WorldStructure, name string) {
	kept := world.Portals[:0]
	for _, p := range world.Portals {
		if p.Name != name {
			kept = append(kept, p)
		}
	}
	world.Portals = kept
}
