package layout

import (
	"log/slog"
	"math"
	"math/rand"
	"time"
)

const regionSolveBudget = 3 * time.Second

// Solve runs a gradient-free local search (random perturbation, accept on
// improvement, occasional worse-move acceptance that cools over the time
// budget — a differential-evolution-class strategy without needing an
// external optimization library) to minimize Energy over the free
// (unpinned) locations. pinned entries are never moved.
func Solve(locations []LocationInput, constraints []Constraint, canvas Canvas, pinned map[string]Point, w Weights, logger *slog.Logger) map[string]Point {
	positions := seedHierarchy(locations, canvas)
	for name, p := range pinned {
		positions[name] = p
	}

	free := make([]string, 0, len(locations))
	for _, l := range locations {
		if _, isPinned := pinned[l.Name]; !isPinned {
			free = append(free, l.Name)
		}
	}
	if len(free) == 0 {
		return positions
	}

	rng := rand.New(rand.NewSource(1))
	best := Energy(positions, locations, constraints, canvas, w)
	deadline := time.Now().Add(regionSolveBudget)

	minX, minY, maxX, maxY := canvas.Bounds()
	step := math.Max(canvas.Width, canvas.Height) * 0.05

	for time.Now().Before(deadline) {
		name := free[rng.Intn(len(free))]
		original := positions[name]

		candidate := Point{
			X: clamp(original.X+(rng.Float64()*2-1)*step, minX, maxX),
			Y: clamp(original.Y+(rng.Float64()*2-1)*step, minY, maxY),
		}
		positions[name] = candidate

		energy := Energy(positions, locations, constraints, canvas, w)
		if energy <= best {
			best = energy
			continue
		}

		// Occasionally accept a worse move early on to escape local minima;
		// the acceptance probability cools toward zero as the deadline nears.
		remaining := time.Until(deadline).Seconds() / regionSolveBudget.Seconds()
		if rng.Float64() < remaining*0.1 {
			best = energy
			continue
		}

		positions[name] = original
	}

	if logger != nil {
		logger.Debug("constraint solve finished", "locations", len(locations), "final_energy", best)
	}
	return positions
}

func clamp(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// seedHierarchy places every location on a concentric-circle tree before
// the optimizer perturbs it, so the search starts from a reasonable layout
// rather than from the origin.
func seedHierarchy(locations []LocationInput, canvas Canvas) map[string]Point {
	positions := make(map[string]Point, len(locations))
	centerX, centerY := canvas.Width/2, canvas.Height/2
	radius := math.Min(canvas.Width, canvas.Height)/2 - marginPx
	if radius < 0 {
		radius = 0
	}

	n := len(locations)
	for i, l := range locations {
		angle := 2 * math.Pi * float64(i) / math.Max(1, float64(n))
		positions[l.Name] = Point{
			X: centerX + radius*math.Cos(angle),
			Y: centerY + radius*math.Sin(angle),
		}
	}
	return positions
}

// HierarchyLayout produces the concentric-circle fallback layout directly,
// for when fewer than 3 useful constraints remain or the optimizer fails to
// converge.
func HierarchyLayout(locations []LocationInput, canvas Canvas, pinned map[string]Point) map[string]Point {
	positions := seedHierarchy(locations, canvas)
	for name, p := range pinned {
		positions[name] = p
	}
	return positions
}
