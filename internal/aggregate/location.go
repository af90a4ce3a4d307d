package aggregate

import (
	"context"
	"sort"
)

// LocationProfile reverse-indexes which characters appeared at a location,
// splitting them into residents (frequent presence) and visitors.
type LocationProfile struct {
	Name      string   `json:"name"`
	Residents []string `json:"residents"`
	Visitors  []string `json:"visitors"`
}

// GetLocationProfile streams every ChapterFact once and classifies every
// character who appeared at locationName as a resident (present in at
// least residentThreshold distinct chapters) or a visitor.
func (a *Aggregator) GetLocationProfile(ctx context.Context, novelID, locationName string) (*LocationProfile, error) {
	cacheKey := "location:" + locationName
	if cached, ok := a.get(novelID, cacheKey); ok {
		return cached.(*LocationProfile), nil
	}

	resolved, err := a.streamAndResolve(ctx, novelID)
	if err != nil {
		return nil, err
	}

	chaptersAt := map[string]map[int]bool{} // canonical name -> set of chapters seen at this location
	for _, fact := range resolved.facts {
		for _, c := range fact.Characters {
			present := false
			for _, loc := range c.LocationsInChapter {
				if loc == locationName {
					present = true
					break
				}
			}
			if !present {
				continue
			}
			name := resolved.resolve(c.Name)
			if chaptersAt[name] == nil {
				chaptersAt[name] = map[int]bool{}
			}
			chaptersAt[name][fact.ChapterNum] = true
		}
	}

	profile := &LocationProfile{Name: locationName}
	for name, chapters := range chaptersAt {
		if len(chapters) >= residentThreshold {
			profile.Residents = append(profile.Residents, name)
		} else {
			profile.Visitors = append(profile.Visitors, name)
		}
	}
	sort.Strings(profile.Residents)
	sort.Strings(profile.Visitors)

	a.put(novelID, cacheKey, profile)
	return profile, nil
}
