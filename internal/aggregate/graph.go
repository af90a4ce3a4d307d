package aggregate

import (
	"context"
	"fmt"
	"sort"

	"github.com/novelkg/novelkg/internal/domain/novel"
)

// RelationCategory buckets the free-text relation_type values extraction
// emits into the coarse categories the graph view colors edges by.
type RelationCategory string

const (
	CategoryKinship       RelationCategory = "kinship"
	CategoryFriendly      RelationCategory = "friendly"
	CategoryHostile       RelationCategory = "hostile"
	CategoryOrganizational RelationCategory = "organizational"
	CategoryOther         RelationCategory = "other"
)

var kinshipWords = map[string]bool{
	"父子": true, "母子": true, "父女": true, "母女": true, "兄弟": true, "姐妹": true,
	"师徒": true, "夫妻": true, "亲属": true, "家人": true,
}

var friendlyWords = map[string]bool{
	"朋友": true, "盟友": true, "知己": true, "挚友": true, "同门": true, "恋人": true,
}

var hostileWords = map[string]bool{
	"敌人": true, "仇人": true, "对手": true, "仇敌": true, "宿敌": true,
}

var organizationalWords = map[string]bool{
	"上级": true, "下属": true, "同事": true, "同僚": true,
}

func categorize(relationType string) RelationCategory {
	switch {
	case kinshipWords[relationType]:
		return CategoryKinship
	case friendlyWords[relationType]:
		return CategoryFriendly
	case hostileWords[relationType]:
		return CategoryHostile
	case organizationalWords[relationType]:
		return CategoryOrganizational
	default:
		return CategoryOther
	}
}

// GraphNode is one entity (currently: person) in the relationship graph.
type GraphNode struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	FirstChapter int    `json:"first_chapter"`
}

// GraphEdge is one aggregated relationship between two entities. Weight is
// the number of distinct chapters the relationship was reaffirmed in.
type GraphEdge struct {
	Source   string           `json:"source"`
	Target   string           `json:"target"`
	Category RelationCategory `json:"category"`
	Type     string           `json:"type"`
	Weight   int              `json:"weight"`
}

// Graph is the full relationship-network view for a novel.
type Graph struct {
	Nodes []GraphNode `json:"nodes"`
	Edges []GraphEdge `json:"edges"`
}

// inRange reports whether chapter falls within [start, end], treating a
// zero bound as unbounded on that side.
func inRange(chapter, start, end int) bool {
	if start != 0 && chapter < start {
		return false
	}
	if end != 0 && chapter > end {
		return false
	}
	return true
}

// GetGraph derives the relationship graph from a single streaming pass,
// resolving every person to their canonical name first and restricting to
// the given chapter range (0, 0 means the whole novel).
func (a *Aggregator) GetGraph(ctx context.Context, novelID string, chapterStart, chapterEnd int) (*Graph, error) {
	cacheKey := fmt.Sprintf("graph:%d:%d", chapterStart, chapterEnd)
	if cached, ok := a.get(novelID, cacheKey); ok {
		return cached.(*Graph), nil
	}

	resolved, err := a.streamAndResolve(ctx, novelID)
	if err != nil {
		return nil, err
	}

	firstChapter := map[string]int{}
	for _, fact := range resolved.facts {
		if !inRange(fact.ChapterNum, chapterStart, chapterEnd) {
			continue
		}
		for _, c := range fact.Characters {
			name := resolved.resolve(c.Name)
			if existing, ok := firstChapter[name]; !ok || fact.ChapterNum < existing {
				firstChapter[name] = fact.ChapterNum
			}
		}
	}

	type edgeKey struct{ a, b, relType string }
	chaptersByEdge := map[edgeKey]map[int]bool{}

	for _, fact := range resolved.facts {
		if !inRange(fact.ChapterNum, chapterStart, chapterEnd) {
			continue
		}
		for _, r := range fact.Relationships {
			p1, p2 := resolved.resolve(r.PersonA), resolved.resolve(r.PersonB)
			if p1 > p2 {
				p1, p2 = p2, p1
			}
			key := edgeKey{p1, p2, r.RelationType}
			if chaptersByEdge[key] == nil {
				chaptersByEdge[key] = map[int]bool{}
			}
			chaptersByEdge[key][fact.ChapterNum] = true
		}
	}

	graph := &Graph{}
	for name, ch := range firstChapter {
		graph.Nodes = append(graph.Nodes, GraphNode{ID: name, Name: name, FirstChapter: ch})
	}
	sort.Slice(graph.Nodes, func(i, j int) bool { return graph.Nodes[i].Name < graph.Nodes[j].Name })

	for key, chapters := range chaptersByEdge {
		graph.Edges = append(graph.Edges, GraphEdge{
			Source: key.a, Target: key.b, Category: categorize(key.relType), Type: key.relType, Weight: len(chapters),
		})
	}
	sort.Slice(graph.Edges, func(i, j int) bool {
		if graph.Edges[i].Source != graph.Edges[j].Source {
			return graph.Edges[i].Source < graph.Edges[j].Source
		}
		return graph.Edges[i].Target < graph.Edges[j].Target
	})

	a.put(novelID, cacheKey, graph)
	return graph, nil
}

// TimelineEvent is one narrative beat positioned on the chapter axis.
type TimelineEvent struct {
	Chapter      int                 `json:"chapter"`
	Summary      string              `json:"summary"`
	Type         novel.EventType     `json:"type"`
	Importance   novel.EventImportance `json:"importance"`
	Participants []string            `json:"participants"`
	Location     string              `json:"location,omitempty"`
}

// GetTimelineData returns every event across a novel's chapters, in chapter
// order, with participant names resolved to their canonical form.
func (a *Aggregator) GetTimelineData(ctx context.Context, novelID string) ([]TimelineEvent, error) {
	if cached, ok := a.get(novelID, "timeline"); ok {
		return cached.([]TimelineEvent), nil
	}

	resolved, err := a.streamAndResolve(ctx, novelID)
	if err != nil {
		return nil, err
	}

	var events []TimelineEvent
	for _, fact := range resolved.facts {
		for _, e := range fact.Events {
			participants := make([]string, len(e.Participants))
			for i, p := range e.Participants {
				participants[i] = resolved.resolve(p)
			}
			te := TimelineEvent{
				Chapter: fact.ChapterNum, Summary: e.Summary, Type: e.Type,
				Importance: e.Importance, Participants: participants,
			}
			if e.Location != nil {
				te.Location = *e.Location
			}
			events = append(events, te)
		}
	}
	sort.SliceStable(events, func(i, j int) bool { return events[i].Chapter < events[j].Chapter })

	a.put(novelID, "timeline", events)
	return events, nil
}

// Faction is one organization's membership roster, derived from org_events.
type Faction struct {
	Name    string            `json:"name"`
	Type    string            `json:"type"`
	Members map[string]string `json:"members"` // canonical name -> current role
	Allies  []string          `json:"allies"`
	Enemies []string          `json:"enemies"`
}

// GetFactionsData derives the organization roster view by folding org_events
// in chapter order: join/promote/expel/defect/die all mutate membership.
func (a *Aggregator) GetFactionsData(ctx context.Context, novelID string) ([]Faction, error) {
	if cached, ok := a.get(novelID, "factions"); ok {
		return cached.([]Faction), nil
	}

	resolved, err := a.streamAndResolve(ctx, novelID)
	if err != nil {
		return nil, err
	}

	factions := map[string]*Faction{}
	order := []string{}
	ensure := func(name, orgType string) *Faction {
		f, ok := factions[name]
		if !ok {
			f = &Faction{Name: name, Type: orgType, Members: map[string]string{}}
			factions[name] = f
			order = append(order, name)
		}
		return f
	}

	for _, fact := range resolved.facts {
		for _, ev := range fact.OrgEvents {
			f := ensure(ev.OrgName, ev.OrgType)
			var member string
			if ev.Member != nil {
				member = resolved.resolve(*ev.Member)
			}
			role := ""
			if ev.Role != nil {
				role = *ev.Role
			}

			switch ev.Action {
			case novel.OrgJoin:
				if member != "" {
					f.Members[member] = role
				}
			case novel.OrgPromote:
				if member != "" {
					f.Members[member] = role
				}
			case novel.OrgLeave, novel.OrgExpel, novel.OrgDie, novel.OrgDefect:
				if member != "" {
					delete(f.Members, member)
				}
			}

			if ev.OrgRelation != nil {
				switch categorize(ev.OrgRelation.Type) {
				case CategoryHostile:
					f.Enemies = appendUnique(f.Enemies, ev.OrgRelation.OtherOrg)
				default:
					f.Allies = appendUnique(f.Allies, ev.OrgRelation.OtherOrg)
				}
			}
		}
	}

	result := make([]Faction, 0, len(order))
	for _, name := range order {
		result = append(result, *factions[name])
	}

	a.put(novelID, "factions", result)
	return result, nil
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}
