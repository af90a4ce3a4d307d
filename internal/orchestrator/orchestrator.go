// Package orchestrator drives the per-chapter analysis pipeline for one
// novel at a time: read chapter, build context, extract, validate, run the
// world-structure agent, persist, broadcast progress — honoring pause,
// resume, and cancellation requests read from the task's own status field.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/novelkg/novelkg/internal/aggregate"
	"github.com/novelkg/novelkg/internal/config"
	"github.com/novelkg/novelkg/internal/contextbuild"
	"github.com/novelkg/novelkg/internal/domain/novel"
	"github.com/novelkg/novelkg/internal/extract"
	"github.com/novelkg/novelkg/internal/layout"
	"github.com/novelkg/novelkg/internal/prescan"
	"github.com/novelkg/novelkg/internal/storage"
	"github.com/novelkg/novelkg/internal/telemetry"
	"github.com/novelkg/novelkg/internal/worldagent"
)

const (
	prescanPollInterval = 5 * time.Second
	prescanMaxPolls     = 24 // 24 * 5s = 120s

	hierarchyConsolidationInterval = 20 // every 20 chapters, per worldagent's own LLM-trigger cadence
)

// Embedder is the narrow embedding-client surface the orchestrator consumes
// after each completed chapter; nil disables embedding regeneration
// entirely rather than erroring.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Orchestrator wires every per-chapter component together. One instance is
// safe to reuse across tasks for different novels; RunTask itself is not
// safe to call concurrently for the same novel, since "a single task per
// novel at any time" is enforced by the caller (pkg/novelkg.Service), not
// here.
type Orchestrator struct {
	store       *storage.Store
	extractor   *extract.Extractor
	builder     *contextbuild.Builder
	agent       *worldagent.Agent
	solver      *layout.Solver
	aggregator  *aggregate.Aggregator
	scanner     *prescan.Scanner
	embedder    Embedder
	broadcaster *Broadcaster
	limiter     *rate.Limiter
	limits      config.Limits
	logger      *slog.Logger
	tracer      *telemetry.Provider
}

// New constructs an Orchestrator. embedder, the scanner's llm, and tracer
// may be nil to disable their respective optional stages; a nil tracer
// simply skips span creation around each chapter iteration.
func New(store *storage.Store, extractor *extract.Extractor, agent *worldagent.Agent,
	solver *layout.Solver, aggregator *aggregate.Aggregator, scanner *prescan.Scanner,
	embedder Embedder, broadcaster *Broadcaster, limits config.Limits, tracer *telemetry.Provider) *Orchestrator {
	return &Orchestrator{
		store:       store,
		extractor:   extractor,
		builder:     contextbuild.NewBuilder(store),
		agent:       agent,
		solver:      solver,
		aggregator:  aggregator,
		scanner:     scanner,
		embedder:    embedder,
		broadcaster: broadcaster,
		limiter:     rate.NewLimiter(rate.Limit(limits.RateLimit.RequestsPerMinute)/60, limits.RateLimit.BurstSize),
		limits:      limits,
		logger:      slog.Default().With("component", "orchestrator"),
		tracer:      tracer,
	}
}

// Recover finds every task left `running` by a crash, for the caller to
// resume via RunTask. Tasks are not auto-restarted here since the caller
// (pkg/novelkg.Service) owns the one-task-per-novel invariant.
func (o *Orchestrator) Recover(ctx context.Context) ([]*novel.AnalysisTask, error) {
	return o.store.ListTasksByStatus(ctx, novel.TaskRunning)
}

// RunTask drives the main loop for one task, chapter by chapter in
// ascending order, from max(task.CurrentChapter+1, task.ChapterStart) to
// task.ChapterEnd.
func (o *Orchestrator) RunTask(ctx context.Context, taskID string) error {
	task, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("loading task %s: %w", taskID, err)
	}

	if task.Status == novel.TaskPending {
		task.Status = novel.TaskRunning
		if err := o.store.SaveTask(ctx, task); err != nil {
			return fmt.Errorf("marking task running: %w", err)
		}
	}

	if err := o.ensurePrescan(ctx, task.NovelID); err != nil {
		o.logger.Warn("pre-scan unavailable, proceeding without dictionary injection", "novel_id", task.NovelID, "error", err)
	}

	start := task.ChapterStart
	if task.CurrentChapter >= start {
		start = task.CurrentChapter + 1
	}

	total := task.ChapterEnd - task.ChapterStart + 1

	for chapterNum := start; chapterNum <= task.ChapterEnd; chapterNum++ {
		status, statusErr := o.refreshStatus(ctx, taskID)
		if statusErr != nil {
			return fmt.Errorf("checking task status: %w", statusErr)
		}
		if status == novel.TaskPaused || status == novel.TaskCancelled {
			task.CurrentChapter = chapterNum - 1
			task.UpdatedAt = time.Now()
			if err := o.store.SaveTask(ctx, task); err != nil {
				return fmt.Errorf("persisting paused/cancelled checkpoint: %w", err)
			}
			o.broadcaster.Publish(taskID, ProgressMessage{Type: MsgTaskStatus, Status: string(status)})
			return nil
		}

		chapterCtx, span := o.startChapterSpan(ctx, task.NovelID, chapterNum)
		if err := o.runChapter(chapterCtx, task, chapterNum); err != nil {
			// runChapter already marks the chapter failed and broadcasts;
			// one chapter's failure never aborts the task.
			o.logger.Error("chapter processing error, continuing task", "novel_id", task.NovelID, "chapter", chapterNum, "error", err)
			if span != nil {
				span.RecordError(err)
			}
		}
		if span != nil {
			span.End()
		}

		task.CurrentChapter = chapterNum
		task.UpdatedAt = time.Now()
		if err := o.store.SaveTask(ctx, task); err != nil {
			return fmt.Errorf("persisting chapter checkpoint: %w", err)
		}

		o.aggregator.InvalidateNovel(task.NovelID)
		o.solver.InvalidateNovel(task.NovelID)

		o.broadcaster.Publish(taskID, ProgressMessage{
			Type: MsgProgress, Chapter: chapterNum, Total: total,
			Stats: Stats{ChaptersDone: chapterNum - task.ChapterStart + 1, InputTokens: task.InputTokens, OutputTokens: task.OutputTokens},
		})

		if chapterNum%hierarchyConsolidationInterval == 0 {
			o.runHierarchyConsolidation(ctx, task.NovelID)
		}
	}

	task.Status = novel.TaskCompleted
	task.UpdatedAt = time.Now()
	if err := o.store.SaveTask(ctx, task); err != nil {
		return fmt.Errorf("marking task completed: %w", err)
	}
	o.broadcaster.Publish(taskID, ProgressMessage{Type: MsgTaskStatus, Status: string(novel.TaskCompleted)})
	return nil
}

// startChapterSpan opens a tracing span around one chapter's processing, if
// a tracer was configured; returns the original ctx and a nil span
// otherwise, so callers can unconditionally check span != nil before using
// it.
func (o *Orchestrator) startChapterSpan(ctx context.Context, novelID string, chapterNum int) (context.Context, trace.Span) {
	if o.tracer == nil {
		return ctx, nil
	}
	return o.tracer.StartSpan(ctx, "orchestrator.chapter",
		attribute.String("novel_id", novelID),
		attribute.Int("chapter", chapterNum),
	)
}

func (o *Orchestrator) refreshStatus(ctx context.Context, taskID string) (novel.TaskStatus, error) {
	t, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return "", err
	}
	return t.Status, nil
}

// runChapter executes steps 3-8 of the main loop for exactly one chapter.
// Any extraction failure is contained here: the chapter is marked failed
// and the loop continues with the next chapter.
func (o *Orchestrator) runChapter(ctx context.Context, task *novel.AnalysisTask, chapterNum int) error {
	chapter, err := o.store.GetChapter(ctx, task.NovelID, chapterNum)
	if err != nil {
		return fmt.Errorf("loading chapter %d: %w", chapterNum, err)
	}
	if chapter.IsExcluded {
		return nil // excluded chapters are skipped; progress still advances via the caller
	}
	if chapter.AnalysisStatus == novel.ChapterCompleted && !task.Force {
		return nil
	}

	tier := contextbuild.TierCloud
	summary, err := o.builder.Build(ctx, task.NovelID, chapterNum, tier)
	if err != nil {
		o.logger.Warn("context summary build failed, proceeding with empty context", "novel_id", task.NovelID, "chapter", chapterNum, "error", err)
		summary = ""
	}

	if err := o.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("waiting for rate limit slot: %w", err)
	}

	// Extract already runs schema validation internally and returns an
	// *extract.ExtractionFailure on either an LLM error or a validation
	// failure, so there is no separate validate.Validate call here.
	fact, usage, err := o.extractor.Extract(ctx, task.NovelID, chapterNum, chapter.Text, summary)
	if err != nil {
		chapter.AnalysisStatus = novel.ChapterFailed
		_ = o.store.SaveChapter(ctx, chapter)
		o.broadcaster.Publish(task.ID, ProgressMessage{Type: MsgChapterDone, Chapter: chapterNum, Status: string(novel.ChapterFailed), Error: err.Error()})
		return err
	}

	world, err := o.store.GetWorldStructure(ctx, task.NovelID)
	if err != nil || world == nil {
		world = novel.NewWorldStructure(task.NovelID)
	}
	if o.agent != nil {
		updated, agentErr := o.agent.Process(ctx, chapter.Text, fact, world, chapterNum)
		if agentErr != nil {
			o.logger.Warn("world structure agent failed, keeping last persisted snapshot", "novel_id", task.NovelID, "chapter", chapterNum, "error", agentErr)
		} else {
			world = updated
		}
	}

	// A pinned user override always wins over whatever Process/heuristics
	// just recomputed for the same (entity, field) and must re-win on
	// every later re-analysis, not just the chapter it was set during.
	if overrides, overrideErr := o.store.ListOverrides(ctx, task.NovelID); overrideErr != nil {
		o.logger.Warn("loading overrides failed, proceeding with AI-only world structure", "novel_id", task.NovelID, "chapter", chapterNum, "error", overrideErr)
	} else {
		worldagent.ApplyOverrides(world, overrides)
	}

	if err := o.store.SaveWorldStructure(ctx, world); err != nil {
		o.logger.Warn("saving world structure failed", "novel_id", task.NovelID, "chapter", chapterNum, "error", err)
	}

	if err := o.store.SaveChapterFact(ctx, fact); err != nil {
		return fmt.Errorf("persisting chapter fact: %w", err)
	}
	chapter.AnalysisStatus = novel.ChapterCompleted
	if err := o.store.SaveChapter(ctx, chapter); err != nil {
		return fmt.Errorf("marking chapter completed: %w", err)
	}

	task.InputTokens += usage.PromptTokens
	task.OutputTokens += usage.CompletionTokens

	o.regenerateEmbeddings(ctx, task.NovelID, chapterNum, chapter.Text)

	o.broadcaster.Publish(task.ID, ProgressMessage{Type: MsgChapterDone, Chapter: chapterNum, Status: string(novel.ChapterCompleted)})
	return nil
}

// ensurePrescan triggers and waits for the pre-scan if it hasn't run yet,
// per step 2 of the main loop: poll every 5s, up to 120s, then proceed
// without dictionary injection on timeout or failure.
func (o *Orchestrator) ensurePrescan(ctx context.Context, novelID string) error {
	if o.scanner == nil {
		return nil
	}
	n, err := o.store.GetNovel(ctx, novelID)
	if err != nil {
		return err
	}
	if n.PrescanStatus == novel.PrescanCompleted {
		return nil
	}

	n.PrescanStatus = novel.PrescanRunning
	_ = o.store.SaveNovel(ctx, n)

	done := make(chan error, 1)
	go func() {
		_, runErr := o.scanner.Run(ctx, novelID)
		done <- runErr
	}()

	ticker := time.NewTicker(prescanPollInterval)
	defer ticker.Stop()

	for i := 0; i < prescanMaxPolls; i++ {
		select {
		case err := <-done:
			n.PrescanStatus = novel.PrescanCompleted
			if err != nil {
				n.PrescanStatus = novel.PrescanFailed
			}
			_ = o.store.SaveNovel(ctx, n)
			return err
		case <-ticker.C:
			continue
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("pre-scan did not complete within %s", prescanMaxPolls*prescanPollInterval)
}

// regenerateEmbeddings is delegated entirely to the external embedding
// client; a failure here is logged and never fails the chapter, since
// embeddings are an opportunistic semantic index, not analysis output.
func (o *Orchestrator) regenerateEmbeddings(ctx context.Context, novelID string, chapterNum int, text string) {
	if o.embedder == nil {
		return
	}
	vec, err := o.embedder.Embed(ctx, text)
	if err != nil {
		o.logger.Warn("embedding regeneration failed", "novel_id", novelID, "chapter", chapterNum, "error", err)
		return
	}
	key := fmt.Sprintf("chapter_%d", chapterNum)
	if err := o.store.SaveEmbedding(ctx, novelID, key, vec); err != nil {
		o.logger.Warn("saving embedding failed", "novel_id", novelID, "chapter", chapterNum, "error", err)
	}
}

// runHierarchyConsolidation periodically folds any orphaned locations
// discovered since the last run into the world structure's tier hierarchy,
// reviewing large orphan batches with the LLM client when one is
// available (delegated to worldagent.Agent's own LLM handle).
func (o *Orchestrator) runHierarchyConsolidation(ctx context.Context, novelID string) {
	world, err := o.store.GetWorldStructure(ctx, novelID)
	if err != nil || world == nil {
		return
	}
	if len(worldagent.Orphans(world)) == 0 {
		return
	}
	worldagent.ConsolidateHierarchy(world)
	if overrides, overrideErr := o.store.ListOverrides(ctx, novelID); overrideErr != nil {
		o.logger.Warn("loading overrides failed, proceeding with AI-only consolidation", "novel_id", novelID, "error", overrideErr)
	} else {
		worldagent.ApplyOverrides(world, overrides)
	}
	if err := o.store.SaveWorldStructure(ctx, world); err != nil {
		o.logger.Warn("saving consolidated world structure failed", "novel_id", novelID, "error", err)
	}
}
