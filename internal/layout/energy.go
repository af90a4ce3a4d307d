package layout

import (
	"math"

	"github.com/novelkg/novelkg/internal/domain/novel"
)

// Weights tunes each energy term's contribution to the total. Narrative
// pull is kept low by default — it exists only to keep chapter-ordered
// locations from collapsing onto a single point, not to dominate the
// layout.
type Weights struct {
	Direction  float64
	Distance   float64
	Contain    float64
	Separation float64
	Overlap    float64
	Narrative  float64
	Bounds     float64
}

// DefaultWeights are the corpus-wide defaults; E_narrative is intentionally
// small relative to the others.
var DefaultWeights = Weights{
	Direction: 1.0, Distance: 1.0, Contain: 1.0,
	Separation: 1.0, Overlap: 1.0, Narrative: 0.4, Bounds: 2.0,
}

const minSpacingPx = 50.0

// LocationInput is one location the solver must place, with its containing
// region's radius (for E_contain) when known.
type LocationInput struct {
	Name         string
	ParentRadius float64 // 0 means "no known containing region"
	FirstChapter int
}

// Energy evaluates the total weighted energy of a candidate placement.
// Lower is better; 0 is a fully satisfied layout.
func Energy(positions map[string]Point, locations []LocationInput, constraints []Constraint, bounds Canvas, w Weights) float64 {
	total := 0.0

	for _, c := range constraints {
		a, aok := positions[c.Source]
		b, bok := positions[c.Target]
		if !aok || !bok {
			continue
		}
		switch c.Kind {
		case novel.SpatialDirection:
			total += w.Direction * directionEnergy(a, b, c.Value)
		case novel.SpatialDistance:
			target := distanceTargetPx(c.Value, "")
			d := dist(a, b) - target
			total += w.Distance * d * d
		case novel.SpatialContains:
			total += w.Contain * containEnergy(a, b, parentRadius(locations, c.Target))
		case novel.SpatialSeparated:
			const separationThreshold = 150.0
			e := math.Max(0, separationThreshold-dist(a, b))
			total += w.Separation * e * e
		}
	}

	for i := range locations {
		for j := i + 1; j < len(locations); j++ {
			a, aok := positions[locations[i].Name]
			b, bok := positions[locations[j].Name]
			if !aok || !bok {
				continue
			}
			e := math.Max(0, minSpacingPx-dist(a, b))
			total += w.Overlap * e * e
		}
	}

	total += w.Narrative * narrativeEnergy(positions, locations)
	total += w.Bounds * boundsEnergy(positions, bounds)

	return total
}

func dist(a, b Point) float64 {
	dx, dy := a.X-b.X, a.Y-b.Y
	return math.Sqrt(dx*dx + dy*dy)
}

func parentRadius(locations []LocationInput, name string) float64 {
	for _, l := range locations {
		if l.Name == name {
			return l.ParentRadius
		}
	}
	return 0
}

func directionEnergy(a, b Point, value string) float64 {
	e := 0.0
	switch value {
	case "north", "北":
		e += sq(math.Max(0, b.Y-a.Y+marginPx))
	case "south", "南":
		e += sq(math.Max(0, a.Y-b.Y+marginPx))
	case "east", "东":
		e += sq(math.Max(0, b.X-a.X+marginPx))
	case "west", "西":
		e += sq(math.Max(0, a.X-b.X+marginPx))
	case "northeast", "东北":
		e += sq(math.Max(0, b.Y-a.Y+marginPx)) + sq(math.Max(0, b.X-a.X+marginPx))
	case "northwest", "西北":
		e += sq(math.Max(0, b.Y-a.Y+marginPx)) + sq(math.Max(0, a.X-b.X+marginPx))
	case "southeast", "东南":
		e += sq(math.Max(0, a.Y-b.Y+marginPx)) + sq(math.Max(0, b.X-a.X+marginPx))
	case "southwest", "西南":
		e += sq(math.Max(0, a.Y-b.Y+marginPx)) + sq(math.Max(0, a.X-b.X+marginPx))
	}
	return e
}

func containEnergy(a, b Point, parentRadius float64) float64 {
	if parentRadius <= 0 {
		return 0
	}
	return sq(math.Max(0, dist(a, b)-parentRadius))
}

// narrativeEnergy pulls chapter-ordered locations gently along a storyline
// axis, with a periodic vertical jitter so a predominantly east-west story
// doesn't collapse every location onto one horizontal line.
func narrativeEnergy(positions map[string]Point, locations []LocationInput) float64 {
	total := 0.0
	for _, l := range locations {
		p, ok := positions[l.Name]
		if !ok {
			continue
		}
		expectedX := float64(l.FirstChapter) * 4.0
		jitterY := 30.0 * math.Sin(float64(l.FirstChapter)*0.3)
		total += sq(p.X-expectedX) * 0.001
		total += sq(p.Y - jitterY)
	}
	return total
}

func boundsEnergy(positions map[string]Point, canvas Canvas) float64 {
	minX, minY, maxX, maxY := canvas.Bounds()
	total := 0.0
	for _, p := range positions {
		total += sq(math.Max(0, minX-p.X)) + sq(math.Max(0, p.X-maxX))
		total += sq(math.Max(0, minY-p.Y)) + sq(math.Max(0, p.Y-maxY))
	}
	return total
}

func sq(v float64) float64 { return v * v }
