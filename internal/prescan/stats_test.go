package prescan

import (
	"context"
	"testing"

	"github.com/novelkg/novelkg/internal/domain/novel"
)

func TestScanChaptersFindsDialogueAttributedNames(t *testing.T) {
	chapters := []*novel.Chapter{
		{NovelID: "n1", ChapterNum: 1, Text: "萧炎笑道：“这次我定要赢。” 萧炎冷笑道：“你不是我的对手。”"},
	}

	candidates, err := scanChapters(context.Background(), chapters)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	c, ok := candidates["萧炎"]
	if !ok {
		t.Fatalf("expected 萧炎 to be discovered as a candidate, got %+v", candidates)
	}
	if c.dialogueHits == 0 {
		t.Fatalf("expected dialogue attribution hits for 萧炎, got %+v", c)
	}
}

func TestScanChaptersRespectsCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	chapters := []*novel.Chapter{
		{NovelID: "n1", ChapterNum: 1, Text: "萧炎道：“测试。”"},
	}

	candidates, err := scanChapters(ctx, chapters)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(candidates) != 0 {
		t.Fatalf("expected no candidates once context is already cancelled, got %+v", candidates)
	}
}

func TestHasSuffixMatchesTrailingRunes(t *testing.T) {
	if !hasSuffix("张道长", "道长") {
		t.Fatal("expected 张道长 to match suffix 道长")
	}
	if hasSuffix("道长", "道长") {
		t.Fatal("a name equal to its own suffix should not count as having a prefix before it")
	}
}
