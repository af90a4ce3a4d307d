package layout

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/novelkg/novelkg/internal/domain/novel"
)

// Point is a 2-D canvas coordinate.
type Point struct{ X, Y float64 }

// Constraint is one spatial claim the solver must try to satisfy, carried
// over from a SpatialRelationFact plus its source chapter's confidence.
type Constraint struct {
	Kind       novel.SpatialRelationType
	Source     string
	Target     string
	Value      string
	Confidence novel.Confidence
}

// travelSpeedKmPerDay maps a mode of travel mentioned in narrative distance
// text to a canvas-unit speed.
var travelSpeedKmPerDay = map[string]float64{
	"walk": 30, "步行": 30,
	"ride": 60, "骑马": 60,
	"fly": 200, "飞行": 200, "御剑": 200,
	"instant": 0, "瞬间": 0, "传送": 0,
}

// terrainFactor scales travel speed down for difficult terrain.
var terrainFactor = map[string]float64{
	"plains": 1.0, "平原": 1.0,
	"forest": 0.6, "森林": 0.6,
	"mountain": 0.3, "山地": 0.3,
	"swamp": 0.3, "沼泽": 0.3,
}

// FromFacts builds the constraint set from a novel's spatial relationship
// facts, restricted to the given location set (already filtered by chapter
// range by the caller).
func FromFacts(relations []novel.SpatialRelationFact, known map[string]bool) []Constraint {
	var constraints []Constraint
	for _, r := range relations {
		if known != nil && (!known[r.Source] || !known[r.Target]) {
			continue
		}
		constraints = append(constraints, Constraint{
			Kind: r.RelationType, Source: r.Source, Target: r.Target,
			Value: r.Value, Confidence: r.Confidence,
		})
	}
	return constraints
}

// DropConflictingDirections detects direction constraints that contradict
// each other (A north_of B and B north_of A) and drops the lower-confidence
// one, logging the drop.
func DropConflictingDirections(constraints []Constraint, logger *slog.Logger) []Constraint {
	if logger == nil {
		logger = slog.Default()
	}
	type pairKey struct{ a, b string }
	byPair := map[pairKey]int{} // index into constraints, for direction kind only

	kept := make([]Constraint, 0, len(constraints))
	dropped := map[int]bool{}

	for i, c := range constraints {
		if c.Kind != novel.SpatialDirection {
			continue
		}
		key := pairKey{c.Source, c.Target}
		reverseKey := pairKey{c.Target, c.Source}

		if j, ok := byPair[reverseKey]; ok && opposingDirections(c.Value, constraints[j].Value) {
			loser := i
			if constraints[j].Confidence.Rank() < c.Confidence.Rank() {
				loser = j
			}
			if !dropped[loser] {
				dropped[loser] = true
				logger.Warn("dropping conflicting direction constraint",
					"source", constraints[loser].Source, "target", constraints[loser].Target, "value", constraints[loser].Value)
			}
			continue
		}
		byPair[key] = i
	}

	for i, c := range constraints {
		if !dropped[i] {
			kept = append(kept, c)
		}
	}
	return kept
}

var opposite = map[string]string{
	"north": "south", "south": "north",
	"east": "west", "west": "east",
	"北": "南", "南": "北", "东": "西", "西": "东",
}

func opposingDirections(a, b string) bool {
	return opposite[strings.ToLower(a)] == strings.ToLower(b) || opposite[a] == b
}

// distanceTargetPx converts a narrative distance description (mode + days,
// space-separated, e.g. "walk 3" or "骑马 2") plus an optional terrain hint
// into a target canvas-unit distance. Unrecognized input falls back to a
// mid-range default so the term still contributes a soft pull rather than
// vanishing.
func distanceTargetPx(value, terrain string) float64 {
	parts := strings.Fields(value)
	if len(parts) < 2 {
		return 200
	}
	speed, ok := travelSpeedKmPerDay[parts[0]]
	if !ok {
		return 200
	}
	days := parseFloatOrDefault(parts[1], 1)
	factor := terrainFactor[terrain]
	if factor == 0 {
		factor = 1.0
	}
	return speed * days * factor
}

func parseFloatOrDefault(s string, def float64) float64 {
	var f float64
	n, err := fmt.Sscan(s, &f)
	if err != nil || n != 1 {
		return def
	}
	return f
}
