package contextbuild

import (
	"context"
	"testing"
	"time"

	"github.com/novelkg/novelkg/internal/domain/novel"
	"github.com/novelkg/novelkg/internal/storage"
)

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.NewStore(":memory:")
	if err != nil {
		t.Fatalf("opening in-memory store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestBuildFirstChapterFallback(t *testing.T) {
	store := newTestStore(t)
	b := NewBuilder(store)

	out, err := b.Build(context.Background(), "novel-1", 1, TierCloud)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "This is chapter 1; no prior context available."
	if len(out) < len(want) || out[:len(want)] != want {
		t.Fatalf("expected fallback header, got %q", out)
	}
}

func TestBuildIncludesRecentSceneFocus(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	fact := &novel.ChapterFact{
		NovelID:    "novel-1",
		ChapterNum: 2,
		Characters: []novel.CharacterFact{
			{Name: "李长生", LocationsInChapter: []string{"彩霞山"}},
		},
		Locations: []novel.LocationFact{
			{Name: "彩霞山", Tier: novel.TierSite},
		},
		ExtractedAt: time.Now(),
	}
	if err := store.SaveChapterFact(ctx, fact); err != nil {
		t.Fatalf("saving chapter fact: %v", err)
	}

	world := novel.NewWorldStructure("novel-1")
	world.LocationParents["彩霞山"] = "越国"
	if err := store.SaveWorldStructure(ctx, world); err != nil {
		t.Fatalf("saving world structure: %v", err)
	}

	b := NewBuilder(store)
	out, err := b.Build(ctx, "novel-1", 3, TierCloud)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !contains(out, "越国 > 彩霞山") {
		t.Fatalf("expected parent chain in scene focus, got %q", out)
	}
	if !contains(out, "李长生") {
		t.Fatalf("expected known character in output, got %q", out)
	}
}

func contains(haystack, needle string) bool {
	return len(haystack) >= len(needle) && indexOf(haystack, needle) >= 0
}

func indexOf(haystack, needle string) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return i
		}
	}
	return -1
}
