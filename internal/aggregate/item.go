package aggregate

import (
	"context"
	"sort"

	"github.com/novelkg/novelkg/internal/domain/novel"
)

// ItemProfile is the full holder history of one item, in chapter order.
type ItemProfile struct {
	Name    string             `json:"name"`
	History []ItemHolderEvent  `json:"history"`
	Holder  string             `json:"current_holder,omitempty"`
}

// GetItemProfile replays item_events for itemName in chapter order, running
// the holder state machine: obtain/gift set the holder, consume/lose/destroy
// clear it.
func (a *Aggregator) GetItemProfile(ctx context.Context, novelID, itemName string) (*ItemProfile, error) {
	cacheKey := "item:" + itemName
	if cached, ok := a.get(novelID, cacheKey); ok {
		return cached.(*ItemProfile), nil
	}

	resolved, err := a.streamAndResolve(ctx, novelID)
	if err != nil {
		return nil, err
	}

	type row struct {
		chapter int
		ev      novel.ItemEventFact
	}
	var rows []row
	for _, fact := range resolved.facts {
		for _, ev := range fact.ItemEvents {
			if ev.ItemName != itemName {
				continue
			}
			rows = append(rows, row{fact.ChapterNum, ev})
		}
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].chapter < rows[j].chapter })

	profile := &ItemProfile{Name: itemName}
	for _, r := range rows {
		holder := profile.Holder
		switch r.ev.Action {
		case novel.ItemAppear, novel.ItemObtain:
			holder = resolved.resolve(r.ev.Actor)
		case novel.ItemGift:
			if r.ev.Recipient != nil {
				holder = resolved.resolve(*r.ev.Recipient)
			}
		case novel.ItemUse:
			// holder unchanged
		case novel.ItemConsume, novel.ItemLose, novel.ItemDestroy:
			holder = ""
		}
		profile.History = append(profile.History, ItemHolderEvent{Chapter: r.chapter, Action: r.ev.Action, Holder: holder})
		profile.Holder = holder
	}

	a.put(novelID, cacheKey, profile)
	return profile, nil
}
