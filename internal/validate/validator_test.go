package validate

import (
	"testing"

	"github.com/novelkg/novelkg/internal/domain/novel"
)

func TestValidateRejectsBadShape(t *testing.T) {
	cases := []struct {
		name string
		fact *novel.ChapterFact
	}{
		{"nil fact", nil},
		{"missing novel id", &novel.ChapterFact{ChapterNum: 1}},
		{"zero chapter", &novel.ChapterFact{NovelID: "n1", ChapterNum: 0}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Validate(tc.fact); err == nil {
				t.Fatalf("expected SchemaInvalid, got nil")
			}
		})
	}
}

func TestValidateDropsGenericLocationNames(t *testing.T) {
	fact := &novel.ChapterFact{
		NovelID:    "n1",
		ChapterNum: 1,
		Locations: []novel.LocationFact{
			{Name: "山", Tier: novel.TierSite},
			{Name: "小城", Tier: novel.TierCity},
			{Name: "彩霞山", Tier: novel.TierSite},
		},
	}

	out, err := Validate(fact)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out.Locations) != 1 || out.Locations[0].Name != "彩霞山" {
		t.Fatalf("expected only 彩霞山 to survive, got %+v", out.Locations)
	}
}

func TestValidateDisambiguatesHomonymProneNames(t *testing.T) {
	parent := "七玄门"
	fact := &novel.ChapterFact{
		NovelID:    "n1",
		ChapterNum: 1,
		Locations: []novel.LocationFact{
			{Name: "后门", Parent: &parent, Tier: novel.TierBuilding},
		},
		Characters: []novel.CharacterFact{
			{Name: "李长生", LocationsInChapter: []string{"后门"}},
		},
		Events: []novel.EventFact{
			{Summary: "偷溜出门", Location: strPtr("后门")},
		},
		SpatialRelationships: []novel.SpatialRelationFact{
			{Source: "后门", Target: "正厅", RelationType: novel.SpatialAdjacent},
		},
	}

	out, err := Validate(fact)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := "七玄门·后门"
	if out.Locations[0].Name != want {
		t.Fatalf("expected renamed location %q, got %q", want, out.Locations[0].Name)
	}
	if out.Characters[0].LocationsInChapter[0] != want {
		t.Fatalf("character cross-reference not rewritten: %+v", out.Characters[0].LocationsInChapter)
	}
	if *out.Events[0].Location != want {
		t.Fatalf("event cross-reference not rewritten: %v", *out.Events[0].Location)
	}
	if out.SpatialRelationships[0].Source != want {
		t.Fatalf("spatial relationship cross-reference not rewritten: %v", out.SpatialRelationships[0].Source)
	}
}

func TestValidateDropsInvalidPersonNames(t *testing.T) {
	fact := &novel.ChapterFact{
		NovelID:    "n1",
		ChapterNum: 1,
		Characters: []novel.CharacterFact{
			{Name: "堂主"},
			{Name: "李长生"},
			{Name: "甲"},
		},
	}

	out, err := Validate(fact)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out.Characters) != 1 || out.Characters[0].Name != "李长生" {
		t.Fatalf("expected only 李长生 to survive, got %+v", out.Characters)
	}
}

func TestValidateFlagsOffScreenRelationshipsWithoutDropping(t *testing.T) {
	fact := &novel.ChapterFact{
		NovelID:    "n1",
		ChapterNum: 1,
		Characters: []novel.CharacterFact{
			{Name: "李长生"},
		},
		Relationships: []novel.RelationshipFact{
			{PersonA: "李长生", PersonB: "王五", RelationType: "师徒", Evidence: "提及"},
		},
	}

	out, err := Validate(fact)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out.Relationships) != 1 {
		t.Fatalf("expected relationship to be kept, got %+v", out.Relationships)
	}
	if out.Relationships[0].Evidence != "提及 [unconfirmed-reference]" {
		t.Fatalf("expected low-confidence tag appended, got %q", out.Relationships[0].Evidence)
	}
}

func strPtr(s string) *string { return &s }
