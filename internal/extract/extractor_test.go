package extract

import (
	"context"
	"testing"
)

type fakeClient struct {
	responses []string
	calls     int
	err       error
}

func (f *fakeClient) Complete(ctx context.Context, prompt string) (string, error) { return "", nil }

func (f *fakeClient) CompleteJSON(ctx context.Context, prompt string) (string, error) { return "", nil }

func (f *fakeClient) CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	return "", nil
}

func (f *fakeClient) CompleteJSONWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	r := f.responses[f.calls%len(f.responses)]
	f.calls++
	return r, nil
}

func TestExtractParsesSingleSegmentResponse(t *testing.T) {
	client := &fakeClient{responses: []string{
		`{"characters":[{"name":"萧炎","locations_in_chapter":["乌坦城"]}],"locations":[{"name":"乌坦城","tier":"city","role":"neutral"}]}`,
	}}
	extractor := NewExtractor(client, 120000)

	fact, usage, err := extractor.Extract(context.Background(), "n1", 1, "萧炎来到乌坦城。", "This is chapter 1; no prior context available.\n")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(fact.Characters) != 1 || fact.Characters[0].Name != "萧炎" {
		t.Fatalf("expected 萧炎 extracted, got %+v", fact.Characters)
	}
	if usage.PromptTokens == 0 {
		t.Fatalf("expected non-zero usage estimate")
	}
}

func TestExtractMergesSegmentsWithDedup(t *testing.T) {
	client := &fakeClient{responses: []string{
		`{"characters":[{"name":"萧炎","locations_in_chapter":["乌坦城"]}]}`,
		`{"characters":[{"name":"萧炎","locations_in_chapter":["迦南学院"]},{"name":"药老","locations_in_chapter":[]}]}`,
	}}
	extractor := NewExtractor(client, 10) // tiny budget forces segment splitting

	longText := "萧炎来到乌坦城。\n\n药老在迦南学院等待萧炎。"
	fact, _, err := extractor.Extract(context.Background(), "n1", 1, longText, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	names := map[string]bool{}
	for _, c := range fact.Characters {
		names[c.Name] = true
	}
	if !names["萧炎"] || !names["药老"] {
		t.Fatalf("expected both characters present after merge, got %+v", fact.Characters)
	}
	if len(fact.Characters) != 2 {
		t.Fatalf("expected dedup to keep exactly 2 characters, got %d", len(fact.Characters))
	}
}

func TestExtractReturnsExtractionFailureOnUnparsableJSON(t *testing.T) {
	client := &fakeClient{responses: []string{"not json at all {{{"}}
	extractor := NewExtractor(client, 120000)

	_, _, err := extractor.Extract(context.Background(), "n1", 1, "text", "")
	if err == nil {
		t.Fatal("expected an extraction failure")
	}
	var failure *ExtractionFailure
	if !asExtractionFailure(err, &failure) {
		t.Fatalf("expected *ExtractionFailure, got %T: %v", err, err)
	}
}

func asExtractionFailure(err error, target **ExtractionFailure) bool {
	if f, ok := err.(*ExtractionFailure); ok {
		*target = f
		return true
	}
	return false
}
