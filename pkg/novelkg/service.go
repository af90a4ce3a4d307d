// Package novelkg is the public API surface for the chapter fact extraction
// and knowledge aggregation engine: an in-process service, not an HTTP
// server. Callers embed Service directly; there is no transport layer here.
package novelkg

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/novelkg/novelkg/internal/aggregate"
	"github.com/novelkg/novelkg/internal/config"
	"github.com/novelkg/novelkg/internal/domain/novel"
	"github.com/novelkg/novelkg/internal/layout"
	"github.com/novelkg/novelkg/internal/orchestrator"
	"github.com/novelkg/novelkg/internal/storage"
	"github.com/novelkg/novelkg/internal/worldagent"
)

// Service is the single entry point embedding applications use. One Service
// instance owns the shared store, orchestrator, and aggregator for every
// novel it serves; a single task per novel runs at any time, but tasks for
// different novels run concurrently.
type Service struct {
	store  *storage.Store
	orch   *orchestrator.Orchestrator
	agg    *aggregate.Aggregator
	solver *layout.Solver
	bcast  *orchestrator.Broadcaster
	cfg    *config.Manager

	mu      sync.Mutex
	running map[string]bool // novelID -> has an active task

	// tasks is a zero-value errgroup.Group deliberately, not WithContext:
	// one novel's task erroring must never cancel another novel's task,
	// since concurrency between novels is allowed.
	tasks *errgroup.Group
}

// New wires a Service from its already-constructed components. cfgManager
// may be nil if cost estimation should use the package default pricing
// table only.
func New(store *storage.Store, orch *orchestrator.Orchestrator, agg *aggregate.Aggregator,
	solver *layout.Solver, bcast *orchestrator.Broadcaster, cfgManager *config.Manager) *Service {
	return &Service{
		store:   store,
		orch:    orch,
		agg:     agg,
		solver:  solver,
		bcast:   bcast,
		cfg:     cfgManager,
		running: map[string]bool{},
		tasks:   &errgroup.Group{},
	}
}

// Analyze creates and starts a new analysis task for chapters
// [chapterStart, chapterEnd] of novelID, returning the task ID immediately;
// the chapter loop itself runs in the background. A novel with an already
// running or paused task refuses a second one, per the one-task-per-novel
// invariant.
func (s *Service) Analyze(ctx context.Context, novelID string, chapterStart, chapterEnd int, force bool) (string, error) {
	s.mu.Lock()
	if s.running[novelID] {
		s.mu.Unlock()
		return "", fmt.Errorf("novel %s already has an active analysis task", novelID)
	}
	s.running[novelID] = true
	s.mu.Unlock()

	task := &novel.AnalysisTask{
		ID:           uuid.New().String(),
		NovelID:      novelID,
		Status:       novel.TaskPending,
		ChapterStart: chapterStart,
		ChapterEnd:   chapterEnd,
		Force:        force,
	}
	if err := s.store.SaveTask(ctx, task); err != nil {
		s.mu.Lock()
		delete(s.running, novelID)
		s.mu.Unlock()
		return "", fmt.Errorf("creating task: %w", err)
	}

	s.tasks.Go(func() error {
		defer func() {
			s.mu.Lock()
			delete(s.running, novelID)
			s.mu.Unlock()
		}()
		if err := s.orch.RunTask(context.Background(), task.ID); err != nil {
			return fmt.Errorf("task %s: %w", task.ID, err)
		}
		return nil
	})

	return task.ID, nil
}

// PatchTask transitions a task's status. Only paused/running/cancelled are
// accepted; the orchestrator's main loop observes the new status at the
// top of its next chapter iteration.
func (s *Service) PatchTask(ctx context.Context, taskID string, status novel.TaskStatus) error {
	if status != novel.TaskPaused && status != novel.TaskRunning && status != novel.TaskCancelled {
		return fmt.Errorf("invalid task status transition target %q", status)
	}
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("loading task %s: %w", taskID, err)
	}
	task.Status = status
	if err := s.store.SaveTask(ctx, task); err != nil {
		return fmt.Errorf("saving task %s: %w", taskID, err)
	}
	if status == novel.TaskRunning {
		s.mu.Lock()
		alreadyRunning := s.running[task.NovelID]
		s.running[task.NovelID] = true
		s.mu.Unlock()
		if !alreadyRunning {
			s.tasks.Go(func() error {
				defer func() {
					s.mu.Lock()
					delete(s.running, task.NovelID)
					s.mu.Unlock()
				}()
				return s.orch.RunTask(context.Background(), taskID)
			})
		}
	}
	return nil
}

// Recover resumes every task left running by a crash, one goroutine per
// task; concurrency across novels is intentional, matching Analyze.
func (s *Service) Recover(ctx context.Context) error {
	tasks, err := s.orch.Recover(ctx)
	if err != nil {
		return fmt.Errorf("listing running tasks: %w", err)
	}
	for _, t := range tasks {
		if _, err := s.PatchTask(ctx, t.ID, novel.TaskRunning); err != nil {
			return fmt.Errorf("resuming task %s: %w", t.ID, err)
		}
	}
	return nil
}

// Subscribe returns the progress-message stream for a task. See
// orchestrator.ProgressMessage for the three message shapes.
func (s *Service) Subscribe(taskID string) (<-chan orchestrator.ProgressMessage, func()) {
	return s.bcast.Subscribe(taskID)
}

// Wait blocks until every background analysis task this Service launched
// has returned, for graceful shutdown.
func (s *Service) Wait() error {
	return s.tasks.Wait()
}

// GetEntity dispatches to the aggregator view matching kind ("person",
// "location", "item"); kind="" infers person, the most common query shape.
func (s *Service) GetEntity(ctx context.Context, novelID, name string, kind novel.EntityType) (any, error) {
	switch kind {
	case novel.EntityLocation:
		return s.agg.GetLocationProfile(ctx, novelID, name)
	case novel.EntityItem:
		return s.agg.GetItemProfile(ctx, novelID, name)
	default:
		return s.agg.AggregatePerson(ctx, novelID, name)
	}
}

func (s *Service) GetGraph(ctx context.Context, novelID string, chapterStart, chapterEnd int) (*aggregate.Graph, error) {
	return s.agg.GetGraph(ctx, novelID, chapterStart, chapterEnd)
}

func (s *Service) GetTimelineData(ctx context.Context, novelID string) ([]aggregate.TimelineEvent, error) {
	return s.agg.GetTimelineData(ctx, novelID)
}

func (s *Service) GetFactionsData(ctx context.Context, novelID string) ([]aggregate.Faction, error) {
	return s.agg.GetFactionsData(ctx, novelID)
}

// GetWorldStructure returns the persisted world structure with every
// pinned user override re-applied, so a value the user set survives even
// if no analysis has run since (invariant 7).
func (s *Service) GetWorldStructure(ctx context.Context, novelID string) (*novel.WorldStructure, error) {
	world, err := s.store.GetWorldStructure(ctx, novelID)
	if err != nil {
		return nil, err
	}
	if world == nil {
		world = novel.NewWorldStructure(novelID)
	}
	overrides, err := s.store.ListOverrides(ctx, novelID)
	if err != nil {
		return nil, fmt.Errorf("loading overrides: %w", err)
	}
	worldagent.ApplyOverrides(world, overrides)
	return world, nil
}

// PutWorldStructureOverride records a user-pinned value (a coordinate,
// parent assignment, alias, etc.) and invalidates downstream caches so the
// next read reflects it.
func (s *Service) PutWorldStructureOverride(ctx context.Context, novelID string, overrideType novel.OverrideType, key string, value []byte) error {
	o := &novel.UserOverride{NovelID: novelID, OverrideType: overrideType, OverrideKey: key, Value: value}
	if err := s.store.SaveOverride(ctx, o); err != nil {
		return fmt.Errorf("saving override: %w", err)
	}
	s.agg.InvalidateNovel(novelID)
	s.solver.InvalidateNovel(novelID)
	return nil
}

func (s *Service) GetEntityDictionary(ctx context.Context, novelID string, entityType novel.EntityType, limit int) (*novel.EntityDictionary, error) {
	dict, err := s.store.GetEntityDictionary(ctx, novelID)
	if err != nil {
		return nil, err
	}
	if entityType == "" && limit <= 0 {
		return dict, nil
	}
	filtered := &novel.EntityDictionary{NovelID: dict.NovelID, Entries: map[string]*novel.EntityDictEntry{}, AliasGroups: dict.AliasGroups}
	count := 0
	for name, entry := range dict.Entries {
		if entityType != "" && entry.EntityType != entityType {
			continue
		}
		if limit > 0 && count >= limit {
			break
		}
		filtered.Entries[name] = entry
		count++
	}
	return filtered, nil
}
