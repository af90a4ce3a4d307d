package orchestrator

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/novelkg/novelkg/internal/aggregate"
	"github.com/novelkg/novelkg/internal/config"
	"github.com/novelkg/novelkg/internal/domain/novel"
	"github.com/novelkg/novelkg/internal/extract"
	"github.com/novelkg/novelkg/internal/geo"
	"github.com/novelkg/novelkg/internal/layout"
	"github.com/novelkg/novelkg/internal/storage"
	"github.com/novelkg/novelkg/internal/worldagent"
)

type fakeLLM struct {
	response string
	err      error
}

func (f *fakeLLM) Complete(ctx context.Context, prompt string) (string, error) { return f.response, f.err }
func (f *fakeLLM) CompleteJSON(ctx context.Context, prompt string) (string, error) {
	return f.response, f.err
}
func (f *fakeLLM) CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	return f.response, f.err
}
func (f *fakeLLM) CompleteJSONWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	return f.response, f.err
}

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.NewStore(":memory:")
	if err != nil {
		t.Fatalf("opening in-memory store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func seedNovelWithChapters(t *testing.T, store *storage.Store, novelID string, n int) {
	t.Helper()
	ctx := context.Background()
	nv := &novel.Novel{ID: novelID, Title: "test novel", PrescanStatus: novel.PrescanCompleted}
	if err := store.SaveNovel(ctx, nv); err != nil {
		t.Fatalf("saving novel: %v", err)
	}
	for i := 1; i <= n; i++ {
		ch := &novel.Chapter{NovelID: novelID, ChapterNum: i, Title: "chapter", Text: "韩立道: 这是一段测试文本。", AnalysisStatus: novel.ChapterPending}
		if err := store.SaveChapter(ctx, ch); err != nil {
			t.Fatalf("saving chapter %d: %v", i, err)
		}
	}
}

func testOrchestrator(t *testing.T, store *storage.Store, llmResponse string) *Orchestrator {
	t.Helper()
	llm := &fakeLLM{response: llmResponse}
	ex := extract.NewExtractor(llm, 0)
	agent := worldagent.NewAgent(llm)
	solver := layout.NewSolver(geo.NoopResolver{})
	agg := aggregate.NewAggregator(store)
	limits := config.DefaultLimits()
	return New(store, ex, agent, solver, agg, nil, nil, NewBroadcaster(), limits, nil)
}

const validChapterFactJSON = `{
  "characters": [{"name": "韩立", "new_aliases": [], "abilities_gained": [], "locations_in_chapter": []}],
  "locations": [],
  "relationships": [],
  "item_events": [],
  "org_events": [],
  "events": [{"summary": "韩立 examines a strange stone.", "type": "discovery", "importance": 2, "participants": ["韩立"]}],
  "spatial_relations": [],
  "world_declarations": []
}`

func TestRunTaskAdvancesCurrentChapterAndCompletes(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedNovelWithChapters(t, store, "novel-1", 3)

	task := &novel.AnalysisTask{ID: "task-1", NovelID: "novel-1", Status: novel.TaskPending, ChapterStart: 1, ChapterEnd: 3}
	if err := store.SaveTask(ctx, task); err != nil {
		t.Fatalf("saving task: %v", err)
	}

	orch := testOrchestrator(t, store, validChapterFactJSON)
	if err := orch.RunTask(ctx, "task-1"); err != nil {
		t.Fatalf("RunTask returned error: %v", err)
	}

	got, err := store.GetTask(ctx, "task-1")
	if err != nil {
		t.Fatalf("reloading task: %v", err)
	}
	if got.Status != novel.TaskCompleted {
		t.Fatalf("expected task completed, got %v", got.Status)
	}
	if got.CurrentChapter != 3 {
		t.Fatalf("expected current chapter 3, got %d", got.CurrentChapter)
	}

	for i := 1; i <= 3; i++ {
		ch, err := store.GetChapter(ctx, "novel-1", i)
		if err != nil {
			t.Fatalf("loading chapter %d: %v", i, err)
		}
		if ch.AnalysisStatus != novel.ChapterCompleted {
			t.Errorf("chapter %d: expected completed, got %v", i, ch.AnalysisStatus)
		}
	}
}

func TestRunTaskResumesFromCurrentChapter(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedNovelWithChapters(t, store, "novel-1", 3)

	task := &novel.AnalysisTask{ID: "task-1", NovelID: "novel-1", Status: novel.TaskRunning, ChapterStart: 1, ChapterEnd: 3, CurrentChapter: 1}
	if err := store.SaveTask(ctx, task); err != nil {
		t.Fatalf("saving task: %v", err)
	}
	ch1, _ := store.GetChapter(ctx, "novel-1", 1)
	ch1.AnalysisStatus = novel.ChapterCompleted
	if err := store.SaveChapter(ctx, ch1); err != nil {
		t.Fatalf("marking chapter 1 completed: %v", err)
	}

	orch := testOrchestrator(t, store, validChapterFactJSON)
	if err := orch.RunTask(ctx, "task-1"); err != nil {
		t.Fatalf("RunTask returned error: %v", err)
	}

	ch2, err := store.GetChapter(ctx, "novel-1", 2)
	if err != nil {
		t.Fatalf("loading chapter 2: %v", err)
	}
	if ch2.AnalysisStatus != novel.ChapterCompleted {
		t.Fatalf("expected chapter 2 processed on resume, got %v", ch2.AnalysisStatus)
	}
}

func TestRunTaskStopsOnPausedStatus(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedNovelWithChapters(t, store, "novel-1", 3)

	task := &novel.AnalysisTask{ID: "task-1", NovelID: "novel-1", Status: novel.TaskPaused, ChapterStart: 1, ChapterEnd: 3}
	if err := store.SaveTask(ctx, task); err != nil {
		t.Fatalf("saving task: %v", err)
	}

	orch := testOrchestrator(t, store, validChapterFactJSON)
	if err := orch.RunTask(ctx, "task-1"); err != nil {
		t.Fatalf("RunTask returned error: %v", err)
	}

	got, err := store.GetTask(ctx, "task-1")
	if err != nil {
		t.Fatalf("reloading task: %v", err)
	}
	if got.Status != novel.TaskPaused {
		t.Fatalf("expected task to remain paused, got %v", got.Status)
	}
	if got.CurrentChapter != 0 {
		t.Fatalf("expected no chapters processed while paused, got current_chapter=%d", got.CurrentChapter)
	}
}

func TestRunChapterContinuesPastExtractionFailure(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedNovelWithChapters(t, store, "novel-1", 2)

	task := &novel.AnalysisTask{ID: "task-1", NovelID: "novel-1", Status: novel.TaskPending, ChapterStart: 1, ChapterEnd: 2}
	if err := store.SaveTask(ctx, task); err != nil {
		t.Fatalf("saving task: %v", err)
	}

	orch := testOrchestrator(t, store, "not valid json at all")
	if err := orch.RunTask(ctx, "task-1"); err != nil {
		t.Fatalf("RunTask should not propagate a single chapter's extraction failure: %v", err)
	}

	got, err := store.GetTask(ctx, "task-1")
	if err != nil {
		t.Fatalf("reloading task: %v", err)
	}
	if got.Status != novel.TaskCompleted {
		t.Fatalf("expected task to still complete despite chapter failures, got %v", got.Status)
	}

	ch1, err := store.GetChapter(ctx, "novel-1", 1)
	if err != nil {
		t.Fatalf("loading chapter 1: %v", err)
	}
	if ch1.AnalysisStatus != novel.ChapterFailed {
		t.Fatalf("expected chapter 1 marked failed, got %v", ch1.AnalysisStatus)
	}
}

func TestRecoverReturnsOnlyRunningTasks(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	running := &novel.AnalysisTask{ID: "t-running", NovelID: "novel-1", Status: novel.TaskRunning, ChapterStart: 1, ChapterEnd: 1}
	done := &novel.AnalysisTask{ID: "t-done", NovelID: "novel-1", Status: novel.TaskCompleted, ChapterStart: 1, ChapterEnd: 1}
	for _, tk := range []*novel.AnalysisTask{running, done} {
		if err := store.SaveTask(ctx, tk); err != nil {
			t.Fatalf("saving task %s: %v", tk.ID, err)
		}
	}

	orch := testOrchestrator(t, store, validChapterFactJSON)
	recovered, err := orch.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover returned error: %v", err)
	}
	if len(recovered) != 1 || recovered[0].ID != "t-running" {
		t.Fatalf("expected exactly the running task, got %+v", recovered)
	}
}

func TestEnsurePrescanSkipsWhenAlreadyCompleted(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	nv := &novel.Novel{ID: "novel-1", Title: "t", PrescanStatus: novel.PrescanCompleted}
	if err := store.SaveNovel(ctx, nv); err != nil {
		t.Fatalf("saving novel: %v", err)
	}

	orch := testOrchestrator(t, store, validChapterFactJSON)
	start := time.Now()
	if err := orch.ensurePrescan(ctx, "novel-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("expected an immediate no-op when pre-scan already completed")
	}
}

func TestEnsurePrescanNoopWhenScannerNil(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	orch := testOrchestrator(t, store, validChapterFactJSON)
	if err := orch.ensurePrescan(ctx, "novel-unseeded"); err != nil {
		t.Fatalf("expected nil scanner to make ensurePrescan a no-op, got: %v", err)
	}
}

func TestRunTaskSkipsExcludedChapters(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedNovelWithChapters(t, store, "novel-1", 2)

	ch1, _ := store.GetChapter(ctx, "novel-1", 1)
	ch1.IsExcluded = true
	if err := store.SaveChapter(ctx, ch1); err != nil {
		t.Fatalf("marking chapter 1 excluded: %v", err)
	}

	task := &novel.AnalysisTask{ID: "task-1", NovelID: "novel-1", Status: novel.TaskPending, ChapterStart: 1, ChapterEnd: 2}
	if err := store.SaveTask(ctx, task); err != nil {
		t.Fatalf("saving task: %v", err)
	}

	orch := testOrchestrator(t, store, validChapterFactJSON)
	if err := orch.RunTask(ctx, "task-1"); err != nil {
		t.Fatalf("RunTask returned error: %v", err)
	}

	got, _ := store.GetChapter(ctx, "novel-1", 1)
	if got.AnalysisStatus == novel.ChapterCompleted {
		t.Fatalf("excluded chapter should not be marked completed by extraction")
	}
}

func TestProgressMessagesArePublishedDuringRun(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedNovelWithChapters(t, store, "novel-1", 1)

	task := &novel.AnalysisTask{ID: "task-1", NovelID: "novel-1", Status: novel.TaskPending, ChapterStart: 1, ChapterEnd: 1}
	if err := store.SaveTask(ctx, task); err != nil {
		t.Fatalf("saving task: %v", err)
	}

	broadcaster := NewBroadcaster()
	ch, unsubscribe := broadcaster.Subscribe("task-1")
	defer unsubscribe()

	llm := &fakeLLM{response: validChapterFactJSON}
	ex := extract.NewExtractor(llm, 0)
	agent := worldagent.NewAgent(llm)
	solver := layout.NewSolver(geo.NoopResolver{})
	agg := aggregate.NewAggregator(store)
	orch := New(store, ex, agent, solver, agg, nil, nil, broadcaster, config.DefaultLimits(), nil)

	if err := orch.RunTask(ctx, "task-1"); err != nil {
		t.Fatalf("RunTask returned error: %v", err)
	}

	var sawChapterDone, sawTaskStatus bool
	for i := 0; i < 8; i++ {
		select {
		case msg := <-ch:
			if msg.Type == MsgChapterDone {
				sawChapterDone = true
			}
			if msg.Type == MsgTaskStatus && strings.Contains(msg.Status, string(novel.TaskCompleted)) {
				sawTaskStatus = true
			}
		default:
		}
	}
	if !sawChapterDone {
		t.Errorf("expected at least one chapter_done message")
	}
	if !sawTaskStatus {
		t.Errorf("expected a final task_status completed message")
	}
}
