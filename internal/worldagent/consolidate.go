package worldagent

import (
	"context"
	"fmt"
	"sort"

	"github.com/novelkg/novelkg/internal/domain/novel"
	"github.com/novelkg/novelkg/internal/extract"
)

// rootName is the synthetic uber-root every otherwise-unparented macro
// location is eventually adopted under, so hierarchy consolidation never
// leaves a forest of disconnected top-level nodes.
const rootName = "天下"

const (
	maxOrphanLLMReviewBatches = 3
	orphanLLMReviewThreshold  = 80
)

// Orphans returns every location with a known tier but no parent assignment.
func Orphans(world *novel.WorldStructure) []string {
	var names []string
	for name := range world.LocationTiers {
		if _, ok := world.LocationParents[name]; !ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// ConsolidateHierarchy adopts every orphan into the tier-ranked parent
// structure: each orphan is attached to the coarsest-tier location that
// outranks it (smallest tier-rank differential), falling back to the
// synthetic uber-root when nothing else qualifies.
func ConsolidateHierarchy(world *novel.WorldStructure) {
	orphans := Orphans(world)
	if len(orphans) == 0 {
		return
	}

	ensureRoot(world)

	candidates := coarserThanEvery(world, orphans)

	for _, orphan := range orphans {
		best := rootName
		bestDiff := -1
		orphanRank := novel.TierRank(world.LocationTiers[orphan])

		for _, c := range candidates {
			cRank := novel.TierRank(world.LocationTiers[c])
			if cRank >= orphanRank {
				continue
			}
			diff := orphanRank - cRank
			if bestDiff == -1 || diff < bestDiff {
				best, bestDiff = c, diff
			}
		}

		world.LocationParents[orphan] = best
	}
}

func ensureRoot(world *novel.WorldStructure) {
	if _, ok := world.LocationTiers[rootName]; !ok {
		world.LocationTiers[rootName] = novel.TierWorld
	}
}

// coarserThanEvery returns every known location (excluding the orphans
// themselves) that could plausibly act as a parent, i.e. has a tier rank.
func coarserThanEvery(world *novel.WorldStructure, orphans []string) []string {
	orphanSet := make(map[string]bool, len(orphans))
	for _, o := range orphans {
		orphanSet[o] = true
	}

	var candidates []string
	for name := range world.LocationTiers {
		if orphanSet[name] {
			continue
		}
		candidates = append(candidates, name)
	}
	candidates = append(candidates, rootName)
	return candidates
}

// ReviewOrphansWithLLM is invoked when the orphan count exceeds the
// heuristic-only comfort threshold: instead of reviewing every orphan
// individually (expensive and unnecessary — most are correctly placed by
// ConsolidateHierarchy's tier-rank fallback), it batches the orphan list
// into at most maxOrphanLLMReviewBatches LLM calls asking only for
// corrections to entries the heuristic pass likely got wrong.
func (a *Agent) ReviewOrphansWithLLM(ctx context.Context, world *novel.WorldStructure) error {
	orphans := Orphans(world)
	if len(orphans) <= orphanLLMReviewThreshold || a.llm == nil {
		return nil
	}

	batchSize := (len(orphans) + maxOrphanLLMReviewBatches - 1) / maxOrphanLLMReviewBatches

	for i := 0; i < len(orphans); i += batchSize {
		end := i + batchSize
		if end > len(orphans) {
			end = len(orphans)
		}
		batch := orphans[i:end]

		ops, err := a.requestOrphanReview(ctx, world, batch)
		if err != nil {
			a.logger.Warn("orphan review batch failed, keeping tier-rank fallback for this batch", "error", err)
			continue
		}
		for _, op := range ops {
			applyOperationSafely(world, op, a.logger)
		}
	}

	return nil
}

func (a *Agent) requestOrphanReview(ctx context.Context, world *novel.WorldStructure, batch []string) ([]Operation, error) {
	prompt := fmt.Sprintf(
		"Current world structure summary:\n%s\nThe following locations were auto-assigned to a fallback parent by tier rank and may be wrong:\n%s\n"+
			"Respond with a JSON array of ASSIGN_LOCATION or NO_CHANGE operations correcting only the entries that are actually wrong.",
		summarizeWorld(world), joinLines(batch))

	raw, err := a.llm.CompleteJSON(ctx, prompt)
	if err != nil {
		return nil, err
	}
	var ops []Operation
	if err := extract.ParseWithRepair(raw, &ops); err != nil {
		return nil, err
	}
	return ops, nil
}

func joinLines(items []string) string {
	out := ""
	for _, item := range items {
		out += "- " + item + "\n"
	}
	return out
}
