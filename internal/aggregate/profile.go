// Package aggregate derives per-entity profiles, graph data, faction data,
// and timeline data from the stream of persisted ChapterFacts — a single
// forward pass per query, with alias resolution via Union-Find and an
// LRU cache invalidated wholesale whenever a novel gains a new fact.
package aggregate

import (
	"context"
	"sort"

	"github.com/novelkg/novelkg/internal/domain/novel"
)

// residentThreshold is the minimum chapter-appearance count at a location
// before a character counts as a "resident" rather than a "visitor".
const residentThreshold = 3

// AbilitySnapshot is one point-in-time ability/realm/identity change.
type AbilitySnapshot struct {
	Chapter     int
	Dimension   novel.AbilityDimension
	Name        string
	Description string
}

// RelationshipStage is one contiguous run of a single relation type between
// two people.
type RelationshipStage struct {
	FromChapter int
	ToChapter   int
	Type        string
	Evidence    string
}

// ItemHolderEvent is one step in an item's holder state machine.
type ItemHolderEvent struct {
	Chapter int
	Action  novel.ItemAction
	Holder  string
}

// PersonProfile is the fully-resolved aggregate view of one character.
type PersonProfile struct {
	Name             string
	Aliases          []string
	FirstChapter     int
	Appearances      []int
	AbilityHistory   []AbilitySnapshot
	Relationships    map[string][]RelationshipStage // keyed by the other person's canonical name
	LocationsVisited []string
}

// resolvedFacts is the intermediate state built by one streaming pass:
// every chapter fact plus the name-resolution table built from it.
type resolvedFacts struct {
	facts         []novel.ChapterFact
	canonicalName map[string]string
}

func (a *Aggregator) streamAndResolve(ctx context.Context, novelID string) (*resolvedFacts, error) {
	uf := newUnionFind()

	dict, err := a.store.GetEntityDictionary(ctx, novelID)
	if err == nil && dict != nil {
		for _, group := range dict.AliasGroups {
			for _, name := range group {
				uf.add(name, 1<<29)
			}
			for i := 1; i < len(group); i++ {
				uf.union(group[0], group[i])
			}
		}
	}

	var facts []novel.ChapterFact
	for fact := range a.store.StreamChapterFacts(ctx, novelID) {
		for _, c := range fact.Characters {
			uf.add(c.Name, fact.ChapterNum)
			for _, alias := range c.NewAliases {
				uf.add(alias, fact.ChapterNum)
				uf.union(c.Name, alias)
			}
		}
		facts = append(facts, fact)
	}

	for _, o := range a.userAliasEdits(ctx, novelID) {
		uf.union(o.primary, o.alias)
	}

	return &resolvedFacts{facts: facts, canonicalName: uf.canonical()}, nil
}

type aliasEdit struct{ primary, alias string }

// userAliasEdits reads novel.OverrideAlias entries: override_key is the
// alias, value is the canonical name it should merge into.
func (a *Aggregator) userAliasEdits(ctx context.Context, novelID string) []aliasEdit {
	overrides, err := a.store.ListOverrides(ctx, novelID)
	if err != nil {
		return nil
	}
	var edits []aliasEdit
	for _, o := range overrides {
		if o.OverrideType != novel.OverrideAlias {
			continue
		}
		edits = append(edits, aliasEdit{primary: string(o.Value), alias: o.OverrideKey})
	}
	return edits
}

func (r *resolvedFacts) resolve(name string) string {
	if canon, ok := r.canonicalName[name]; ok {
		return canon
	}
	return name
}

// AggregatePerson streams every ChapterFact for novelID once and folds it
// into a fully-resolved PersonProfile for the canonical name matching
// queryName.
func (a *Aggregator) AggregatePerson(ctx context.Context, novelID, queryName string) (*PersonProfile, error) {
	cacheKey := "person:" + queryName
	if cached, ok := a.get(novelID, cacheKey); ok {
		return cached.(*PersonProfile), nil
	}

	resolved, err := a.streamAndResolve(ctx, novelID)
	if err != nil {
		return nil, err
	}
	canonicalQuery := resolved.resolve(queryName)

	profile := &PersonProfile{
		Name:          canonicalQuery,
		Relationships: map[string][]RelationshipStage{},
	}
	aliasSet := map[string]bool{}
	relByPair := map[string][]novel.RelationshipFact{}
	relChapterByPair := map[string][]int{}
	locationHits := map[string]int{}

	for _, fact := range resolved.facts {
		for _, c := range fact.Characters {
			if resolved.resolve(c.Name) != canonicalQuery {
				continue
			}
			aliasSet[c.Name] = true
			for _, alias := range c.NewAliases {
				aliasSet[alias] = true
			}
			profile.Appearances = append(profile.Appearances, fact.ChapterNum)
			if profile.FirstChapter == 0 || fact.ChapterNum < profile.FirstChapter {
				profile.FirstChapter = fact.ChapterNum
			}
			for _, ab := range c.AbilitiesGained {
				profile.AbilityHistory = append(profile.AbilityHistory, AbilitySnapshot{
					Chapter: fact.ChapterNum, Dimension: ab.Dimension, Name: ab.Name, Description: ab.Description,
				})
			}
			for _, loc := range c.LocationsInChapter {
				locationHits[loc]++
			}
		}

		for _, r := range fact.Relationships {
			a1, a2 := resolved.resolve(r.PersonA), resolved.resolve(r.PersonB)
			if a1 != canonicalQuery && a2 != canonicalQuery {
				continue
			}
			other := a2
			if a1 == canonicalQuery {
				other = a2
			} else {
				other = a1
			}
			relByPair[other] = append(relByPair[other], r)
			relChapterByPair[other] = append(relChapterByPair[other], fact.ChapterNum)
		}
	}

	for other, rels := range relByPair {
		profile.Relationships[other] = coalesceStages(rels, relChapterByPair[other])
	}

	delete(aliasSet, canonicalQuery)
	for alias := range aliasSet {
		profile.Aliases = append(profile.Aliases, alias)
	}
	sort.Strings(profile.Aliases)

	for loc := range locationHits {
		profile.LocationsVisited = append(profile.LocationsVisited, loc)
	}
	sort.Strings(profile.LocationsVisited)

	a.put(novelID, cacheKey, profile)
	return profile, nil
}

// coalesceStages orders relationship rows by chapter and merges contiguous
// runs of the same relation type into a single stage.
func coalesceStages(rels []novel.RelationshipFact, chapters []int) []RelationshipStage {
	type row struct {
		chapter int
		rel     novel.RelationshipFact
	}
	rows := make([]row, len(rels))
	for i := range rels {
		rows[i] = row{chapters[i], rels[i]}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].chapter < rows[j].chapter })

	var stages []RelationshipStage
	for _, r := range rows {
		if len(stages) > 0 && stages[len(stages)-1].Type == r.rel.RelationType {
			stages[len(stages)-1].ToChapter = r.chapter
			continue
		}
		stages = append(stages, RelationshipStage{
			FromChapter: r.chapter, ToChapter: r.chapter, Type: r.rel.RelationType, Evidence: r.rel.Evidence,
		})
	}
	return stages
}
