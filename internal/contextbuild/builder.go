// Package contextbuild renders the bounded-size textual digest injected into
// the extractor's prompt ahead of each chapter: recent scene focus, known
// characters/relationships/locations/items, a world-structure summary, and a
// whole-book high-frequency entity reference drawn from the pre-scan
// dictionary.
package contextbuild

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/novelkg/novelkg/internal/domain/novel"
	"github.com/novelkg/novelkg/internal/storage"
)

// Tier selects the character budget the summary must fit: local models run
// with a much smaller context window than cloud models.
type Tier string

const (
	TierLocal Tier = "local"
	TierCloud Tier = "cloud"
)

// charBudget returns the maximum number of characters the summary may
// occupy for the given tier.
func charBudget(tier Tier) int {
	if tier == TierCloud {
		return 18000
	}
	return 6000
}

const (
	recentWindow   = 3
	maxCharacters  = 12
	maxLocations   = 10
	maxPortals     = 5
	maxReference   = 100
)

var logger = slog.Default().With("component", "context_builder")

// Builder renders context summaries from the structured domain store.
type Builder struct {
	store *storage.Store
}

// NewBuilder constructs a Builder backed by store.
func NewBuilder(store *storage.Store) *Builder {
	return &Builder{store: store}
}

// Build returns the context summary for (novelID, chapterNum), bounded to
// charBudget(tier) characters. It never returns an error for an empty
// recent window — chapter 1 degrades to the fixed header plus whatever
// whole-book reference is available.
func (b *Builder) Build(ctx context.Context, novelID string, chapterNum int, tier Tier) (string, error) {
	recent, err := b.recentFacts(ctx, novelID, chapterNum)
	if err != nil {
		return "", fmt.Errorf("loading recent chapter facts: %w", err)
	}

	budget := charBudget(tier)

	dict, err := b.store.GetEntityDictionary(ctx, novelID)
	if err != nil {
		logger.Warn("loading entity dictionary failed, proceeding without whole-book reference", "novel_id", novelID, "error", err)
		dict = nil
	}

	if len(recent) == 0 {
		var sb strings.Builder
		sb.WriteString("This is chapter 1; no prior context available.\n")
		if dict != nil {
			sb.WriteString(referenceSection(dict))
		}
		return truncateRunes(sb.String(), budget), nil
	}

	world, err := b.store.GetWorldStructure(ctx, novelID)
	if err != nil {
		logger.Warn("loading world structure failed, proceeding without it", "novel_id", novelID, "error", err)
		world = nil
	}

	sections := []string{
		sceneFocusSection(recent, world),
		charactersSection(recent),
		relationshipsSection(recent),
		locationsSection(recent, world),
		itemsSection(recent),
		worldStructureSection(world),
	}
	if dict != nil {
		sections = append(sections, referenceSection(dict))
	}

	full := strings.Join(sections, "\n")
	if utf8.RuneCountInString(full) <= budget {
		return full, nil
	}

	logger.Debug("context summary exceeds budget, narrowing window", "novel_id", novelID, "chapter", chapterNum, "budget", budget)
	return narrowToFit(sections, budget), nil
}

// recentFacts loads the last recentWindow completed chapter facts strictly
// before chapterNum, oldest first.
func (b *Builder) recentFacts(ctx context.Context, novelID string, chapterNum int) ([]*novel.ChapterFact, error) {
	var facts []*novel.ChapterFact
	for n := chapterNum - recentWindow; n < chapterNum; n++ {
		if n < 1 {
			continue
		}
		f, err := b.store.GetChapterFact(ctx, novelID, n)
		if err != nil {
			return nil, err
		}
		if f != nil {
			facts = append(facts, f)
		}
	}
	return facts, nil
}

// narrowToFit drops sections from the tail (lowest priority first) until the
// joined text fits budget, per the BudgetExceeded handling rule: narrow
// rather than fail.
func narrowToFit(sections []string, budget int) string {
	for end := len(sections); end > 0; end-- {
		candidate := strings.Join(sections[:end], "\n")
		if utf8.RuneCountInString(candidate) <= budget {
			return candidate
		}
	}
	return truncateRunes(sections[0], budget)
}

func truncateRunes(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max])
}

// sceneFocusSection renders the 1-3 most frequently mentioned locations
// across the recent window with their full parent chain.
func sceneFocusSection(recent []*novel.ChapterFact, world *novel.WorldStructure) string {
	counts := map[string]int{}
	for _, f := range recent {
		for _, c := range f.Characters {
			for _, loc := range c.LocationsInChapter {
				counts[loc]++
			}
		}
	}

	names := rankByCount(counts, 3)
	if len(names) == 0 {
		return "## Current scene focus\n(none)\n"
	}

	var sb strings.Builder
	sb.WriteString("## Current scene focus\n")
	sb.WriteString("Prefer these as parent when a new building/room appears.\n")
	for _, name := range names {
		sb.WriteString("- ")
		sb.WriteString(parentChain(name, world))
		sb.WriteString("\n")
	}
	return sb.String()
}

// parentChain renders name's full ancestry as "root > ... > name" using
// WorldStructure.LocationParents, or just name if no chain is known.
func parentChain(name string, world *novel.WorldStructure) string {
	if world == nil {
		return name
	}
	chain := []string{name}
	seen := map[string]bool{name: true}
	cur := name
	for {
		parent, ok := world.LocationParents[cur]
		if !ok || parent == "" || seen[parent] {
			break
		}
		chain = append([]string{parent}, chain...)
		seen[parent] = true
		cur = parent
	}
	return strings.Join(chain, " > ")
}

func charactersSection(recent []*novel.ChapterFact) string {
	type known struct {
		aliases    map[string]bool
		lastAbility string
	}
	byName := map[string]*known{}
	var order []string

	for _, f := range recent {
		for _, c := range f.Characters {
			k, ok := byName[c.Name]
			if !ok {
				k = &known{aliases: map[string]bool{}}
				byName[c.Name] = k
				order = append(order, c.Name)
			}
			for _, a := range c.NewAliases {
				k.aliases[a] = true
			}
			if len(c.AbilitiesGained) > 0 {
				last := c.AbilitiesGained[len(c.AbilitiesGained)-1]
				k.lastAbility = last.Name
			}
		}
	}

	if len(order) > maxCharacters {
		order = order[len(order)-maxCharacters:]
	}

	var sb strings.Builder
	sb.WriteString("## Known characters\n")
	for _, name := range order {
		k := byName[name]
		line := "- " + name
		if k.lastAbility != "" {
			line += " (" + k.lastAbility + ")"
		}
		if len(k.aliases) > 0 {
			aliasList := make([]string, 0, len(k.aliases))
			for a := range k.aliases {
				aliasList = append(aliasList, a)
			}
			sort.Strings(aliasList)
			line += " aliases: " + strings.Join(aliasList, "/")
		}
		sb.WriteString(line)
		sb.WriteString("\n")
	}
	return sb.String()
}

func relationshipsSection(recent []*novel.ChapterFact) string {
	latest := map[[2]string]novel.RelationshipFact{}
	for _, f := range recent {
		for _, r := range f.Relationships {
			key := pairKey(r.PersonA, r.PersonB)
			latest[key] = r
		}
	}

	var sb strings.Builder
	sb.WriteString("## Known relationships\n")
	for _, r := range latest {
		sb.WriteString(fmt.Sprintf("- %s - %s: %s\n", r.PersonA, r.PersonB, r.RelationType))
	}
	return sb.String()
}

func pairKey(a, b string) [2]string {
	if a > b {
		a, b = b, a
	}
	return [2]string{a, b}
}

func locationsSection(recent []*novel.ChapterFact, world *novel.WorldStructure) string {
	counts := map[string]int{}
	for _, f := range recent {
		for _, loc := range f.Locations {
			counts[loc.Name]++
		}
	}
	names := rankByCount(counts, maxLocations)

	var sb strings.Builder
	sb.WriteString("## Known locations\n")
	for _, name := range names {
		line := "- " + name
		if world != nil {
			if tier, ok := world.LocationTiers[name]; ok {
				line += fmt.Sprintf(" (%s)", tier)
			}
			if parent, ok := world.LocationParents[name]; ok && parent != "" {
				line += ", parent: " + parent
			}
		}
		sb.WriteString(line)
		sb.WriteString("\n")
	}
	return sb.String()
}

func itemsSection(recent []*novel.ChapterFact) string {
	holder := map[string]string{}
	var order []string
	for _, f := range recent {
		for _, e := range f.ItemEvents {
			if _, ok := holder[e.ItemName]; !ok {
				order = append(order, e.ItemName)
			}
			switch e.Action {
			case novel.ItemObtain:
				holder[e.ItemName] = e.Actor
			case novel.ItemGift:
				if e.Recipient != nil {
					holder[e.ItemName] = *e.Recipient
				}
			case novel.ItemLose, novel.ItemDestroy, novel.ItemConsume:
				delete(holder, e.ItemName)
			}
		}
	}

	var sb strings.Builder
	sb.WriteString("## Known items\n")
	for _, name := range order {
		h, ok := holder[name]
		if !ok {
			continue
		}
		sb.WriteString(fmt.Sprintf("- %s: held by %s\n", name, h))
	}
	return sb.String()
}

func worldStructureSection(world *novel.WorldStructure) string {
	var sb strings.Builder
	sb.WriteString("## World structure\n")
	if world == nil {
		sb.WriteString("(not yet built)\n")
		return sb.String()
	}

	for _, layer := range world.Layers {
		sb.WriteString(fmt.Sprintf("- layer %s (%s)", layer.Name, layer.LayerType))
		if layer.LayerType == novel.LayerOverworld && len(layer.Regions) > 0 {
			names := make([]string, 0, len(layer.Regions))
			for _, r := range layer.Regions {
				if r.CardinalDirection != "" {
					names = append(names, fmt.Sprintf("%s(%s)", r.Name, r.CardinalDirection))
				} else {
					names = append(names, r.Name)
				}
			}
			sb.WriteString(": " + strings.Join(names, ", "))
		}
		sb.WriteString("\n")
	}

	if len(world.Portals) > 0 {
		limit := len(world.Portals)
		if limit > maxPortals {
			limit = maxPortals
		}
		sb.WriteString("Portals: ")
		names := make([]string, 0, limit)
		for _, p := range world.Portals[:limit] {
			names = append(names, p.Name)
		}
		sb.WriteString(strings.Join(names, ", "))
		sb.WriteString("\n")
	}

	return sb.String()
}

func referenceSection(dict *novel.EntityDictionary) string {
	entries := make([]*novel.EntityDictEntry, 0, len(dict.Entries))
	for _, e := range dict.Entries {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Frequency > entries[j].Frequency })
	if len(entries) > maxReference {
		entries = entries[:maxReference]
	}

	var sb strings.Builder
	sb.WriteString("## Whole-book high-frequency reference (reference only; extract from the chapter text itself)\n")
	for _, e := range entries {
		line := fmt.Sprintf("- %s(%s, %d occurrences)", e.Name, e.EntityType, e.Frequency)
		if len(e.Aliases) > 0 {
			line += " aliases: " + strings.Join(e.Aliases, "/")
		}
		sb.WriteString(line)
		sb.WriteString("\n")
	}
	return sb.String()
}

func rankByCount(counts map[string]int, limit int) []string {
	type pair struct {
		name  string
		count int
	}
	pairs := make([]pair, 0, len(counts))
	for name, count := range counts {
		pairs = append(pairs, pair{name, count})
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].count != pairs[j].count {
			return pairs[i].count > pairs[j].count
		}
		return pairs[i].name < pairs[j].name
	})
	if len(pairs) > limit {
		pairs = pairs[:limit]
	}
	names := make([]string, len(pairs))
	for i, p := range pairs {
		names[i] = p.name
	}
	return names
}
