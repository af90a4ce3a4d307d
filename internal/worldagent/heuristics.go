package worldagent

import (
	"strings"

	"github.com/novelkg/novelkg/internal/domain/novel"
)

// suffixTier maps a trailing name fragment to the tier it most often
// indicates. Checked longest-suffix-first so multi-character entries like
// "天下" take priority over any single-character overlap.
var suffixTier = map[string]novel.LocationTier{
	"天下": novel.TierWorld,

	"洲": novel.TierContinent, "界": novel.TierContinent, "域": novel.TierContinent,

	"国": novel.TierKingdom, "郡": novel.TierKingdom, "州": novel.TierKingdom,
	"城": novel.TierCity, "镇": novel.TierCity, "村": novel.TierCity,

	"洞": novel.TierSite, "庄": novel.TierSite, "谷": novel.TierSite, "林": novel.TierSite,
	"岭": novel.TierSite, "峰": novel.TierSite, "崖": novel.TierSite, "潭": novel.TierSite,
	"泉": novel.TierSite, "湖": novel.TierSite, "河": novel.TierSite, "江": novel.TierSite,
	"海": novel.TierSite, "岛": novel.TierSite, "山": novel.TierSite, "关": novel.TierSite,

	"府": novel.TierBuilding, "宫": novel.TierBuilding, "殿": novel.TierBuilding,
	"庙": novel.TierBuilding, "寺": novel.TierBuilding, "观": novel.TierBuilding,
	"院": novel.TierBuilding, "楼": novel.TierBuilding, "阁": novel.TierBuilding,
	"堂": novel.TierBuilding, "斋": novel.TierBuilding, "宅": novel.TierBuilding,

	"室": novel.TierRoom, "房": novel.TierRoom, "厅": novel.TierRoom, "间": novel.TierRoom,
}

var suffixOrder = buildSuffixOrder()

// buildSuffixOrder returns suffixTier's keys sorted longest-first so the
// multi-character "天下" entry is tried before any single-character suffix.
func buildSuffixOrder() []string {
	keys := make([]string, 0, len(suffixTier))
	for k := range suffixTier {
		keys = append(keys, k)
	}
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && len(keys[j]) > len(keys[j-1]); j-- {
			keys[j], keys[j-1] = keys[j-1], keys[j]
		}
	}
	return keys
}

// AssignTier maps a location name to a tier by trailing-fragment lookup.
// An unrecognized name always falls back to site, never to city — a
// wrongly-assumed city tier pollutes hierarchy consolidation more than a
// wrongly-assumed site does.
func AssignTier(name string) novel.LocationTier {
	for _, suffix := range suffixOrder {
		if strings.HasSuffix(name, suffix) {
			return suffixTier[suffix]
		}
	}
	return novel.TierSite
}

// detectLayer reports the LayerType implied by name containing a
// layer-indicating keyword, or "" if none match.
func detectLayer(name string) novel.LayerType {
	for kw, lt := range layerKeywords {
		if strings.Contains(name, kw) {
			return lt
		}
	}
	return ""
}

// ApplyHeuristics always runs for every chapter, independent of Stage A
// signals: it assigns tiers to newly seen locations, propagates parents via
// explicit containment, spatial adjacency, and in-between triples, assigns
// layers by keyword, and re-estimates the novel's overall spatial scale.
func ApplyHeuristics(world *novel.WorldStructure, fact *novel.ChapterFact) {
	votes := map[string]map[string]int{}
	addVote := func(child, parent string, weight int) {
		if child == "" || parent == "" || child == parent {
			return
		}
		if votes[child] == nil {
			votes[child] = map[string]int{}
		}
		votes[child][parent] += weight
	}

	// Seed with existing assignments at a dominant weight so established
	// parents aren't displaced by a single chapter's new evidence.
	for child, parent := range world.LocationParents {
		addVote(child, parent, 100)
	}

	for _, loc := range fact.Locations {
		if _, known := world.LocationTiers[loc.Name]; !known {
			tier := loc.Tier
			if tier == "" {
				tier = AssignTier(loc.Name)
			}
			world.LocationTiers[loc.Name] = tier
		}
		if loc.Parent != nil && *loc.Parent != "" {
			addVote(loc.Name, *loc.Parent, 2)
		}
		if layer := detectLayer(loc.Name); layer != "" {
			world.LocationLayerMap[loc.Name] = string(layer)
		}
	}

	for _, sr := range fact.SpatialRelationships {
		switch sr.RelationType {
		case novel.SpatialAdjacent, novel.SpatialDirection:
			if p, ok := world.LocationParents[sr.Target]; ok {
				addVote(sr.Source, p, 1)
			}
			if p, ok := world.LocationParents[sr.Source]; ok {
				addVote(sr.Target, p, 1)
			}
		case novel.SpatialInBetween:
			if sr.Value == "" {
				continue
			}
			if p, ok := world.LocationParents[sr.Target]; ok {
				addVote(sr.Value, p, 1)
				addVote(sr.Source, p, 1)
			} else if p, ok := world.LocationParents[sr.Source]; ok {
				addVote(sr.Value, p, 1)
				addVote(sr.Target, p, 1)
			}
		}
	}

	// At most two propagation rounds: the second round lets a child adopted
	// in round one carry its new parent to its own children.
	for round := 0; round < 2; round++ {
		resolved := resolveVotes(votes)
		for child, parent := range resolved {
			if hasCycle(resolved, child) {
				continue
			}
			world.LocationParents[child] = parent
			addVote(child, parent, 1)
		}
	}

	detectSpatialScale(world)
}

func resolveVotes(votes map[string]map[string]int) map[string]string {
	result := make(map[string]string, len(votes))
	for child, parents := range votes {
		best := ""
		bestWeight := -1
		for p, w := range parents {
			if w > bestWeight || (w == bestWeight && (best == "" || p < best)) {
				best, bestWeight = p, w
			}
		}
		if best != "" {
			result[child] = best
		}
	}
	return result
}

// hasCycle reports whether following parent assignments from start ever
// leads back to start.
func hasCycle(parents map[string]string, start string) bool {
	seen := map[string]bool{start: true}
	cur := start
	for {
		p, ok := parents[cur]
		if !ok {
			return false
		}
		if p == start {
			return true
		}
		if seen[p] {
			return false
		}
		seen[p] = true
		cur = p
	}
}

// detectSpatialScale re-estimates the novel's overall spatial extent from
// the tier histogram accumulated so far.
func detectSpatialScale(world *novel.WorldStructure) {
	tierCounts := map[novel.LocationTier]int{}
	for _, t := range world.LocationTiers {
		tierCounts[t]++
	}

	switch {
	case tierCounts[novel.TierWorld] > 0 || tierCounts[novel.TierContinent] >= 2:
		world.SpatialScale = novel.ScaleCosmic
	case tierCounts[novel.TierContinent] >= 1:
		world.SpatialScale = novel.ScaleContinental
	case tierCounts[novel.TierKingdom] >= 1:
		world.SpatialScale = novel.ScaleNational
	case tierCounts[novel.TierCity] >= 1:
		world.SpatialScale = novel.ScaleUrban
	default:
		world.SpatialScale = novel.ScaleLocal
	}
}
