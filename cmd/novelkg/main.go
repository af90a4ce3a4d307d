// Command novelkg wires the chapter fact extraction engine's components
// into a process and exposes its operations as CLI subcommands, since the
// engine itself is an in-process service API, not a server.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/novelkg/novelkg/internal/aggregate"
	"github.com/novelkg/novelkg/internal/config"
	"github.com/novelkg/novelkg/internal/domain/novel"
	"github.com/novelkg/novelkg/internal/embedclient"
	"github.com/novelkg/novelkg/internal/extract"
	"github.com/novelkg/novelkg/internal/geo"
	"github.com/novelkg/novelkg/internal/layout"
	"github.com/novelkg/novelkg/internal/llmclient"
	"github.com/novelkg/novelkg/internal/orchestrator"
	"github.com/novelkg/novelkg/internal/prescan"
	"github.com/novelkg/novelkg/internal/storage"
	"github.com/novelkg/novelkg/internal/telemetry"
	"github.com/novelkg/novelkg/internal/worldagent"
	"github.com/novelkg/novelkg/pkg/novelkg"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	svc, cleanup, err := bootstrap()
	if err != nil {
		logger.Error("bootstrap failed", "error", err)
		os.Exit(1)
	}
	defer cleanup()

	ctx := context.Background()
	if err := dispatch(ctx, svc, os.Args[1], os.Args[2:]); err != nil {
		logger.Error("command failed", "command", os.Args[1], "error", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `Usage: novelkg <command> [args]

Commands:
  analyze <novel_id> <chapter_start> <chapter_end> [force]
  patch-task <task_id> <paused|running|cancelled>
  recover
  estimate-cost <novel_id> <chapter_start> <chapter_end>
  entity <novel_id> <name> [person|location|item]
  graph <novel_id> [chapter_start] [chapter_end]
  timeline <novel_id>
  factions <novel_id>
  map <novel_id>
  dictionary <novel_id> [entity_type] [limit]`)
}

func bootstrap() (*novelkg.Service, func(), error) {
	cfgManager, err := config.LoadManager()
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	cfg := cfgManager.Snapshot()

	store, err := storage.NewStore(cfg.Paths.DataDir + "/novelkg.db")
	if err != nil {
		return nil, nil, fmt.Errorf("opening store: %w", err)
	}
	store.EnableArchive(cfg.Paths.DataDir + "/archive")

	tracerProvider := telemetry.NewProvider("novelkg")

	cloudLLM := llmclient.NewClient(cfg.AI.APIKey,
		llmclient.WithAPIConfig(cfg.AI.BaseURL, cfg.AI.Model),
		llmclient.WithTimeout(time.Duration(cfg.AI.Timeout)*time.Second),
		llmclient.WithRateLimit(cfg.Limits.RateLimit.RequestsPerMinute, cfg.Limits.RateLimit.BurstSize),
		llmclient.WithLogger(slog.Default()),
	)

	ex := extract.NewExtractor(cloudLLM, cfg.Limits.MaxPromptSize)
	agent := worldagent.NewAgent(cloudLLM)
	solver := layout.NewSolver(geo.NoopResolver{})
	agg := aggregate.NewAggregator(store)
	scanner := prescan.NewScanner(store, cloudLLM)
	bcast := orchestrator.NewBroadcaster()

	var embedder orchestrator.Embedder
	if cfg.AI.APIKey != "" {
		embedder = embedclient.New(cfg.AI.APIKey, cfg.AI.BaseURL, cfg.AI.Model)
	}

	orch := orchestrator.New(store, ex, agent, solver, agg, scanner, embedder, bcast, cfg.Limits, tracerProvider)
	svc := novelkg.New(store, orch, agg, solver, bcast, cfgManager)

	cleanup := func() {
		_ = tracerProvider.Shutdown(context.Background())
		store.Close()
	}
	return svc, cleanup, nil
}

func dispatch(ctx context.Context, svc *novelkg.Service, cmd string, args []string) error {
	switch cmd {
	case "analyze":
		return cmdAnalyze(ctx, svc, args)
	case "patch-task":
		return cmdPatchTask(ctx, svc, args)
	case "recover":
		return svc.Recover(ctx)
	case "estimate-cost":
		return cmdEstimateCost(ctx, svc, args)
	case "entity":
		return cmdEntity(ctx, svc, args)
	case "graph":
		return cmdGraph(ctx, svc, args)
	case "timeline":
		return cmdPrint(svc.GetTimelineData(ctx, args[0]))
	case "factions":
		return cmdPrint(svc.GetFactionsData(ctx, args[0]))
	case "map":
		return cmdPrint(svc.GetMapData(ctx, args[0]))
	case "dictionary":
		return cmdDictionary(ctx, svc, args)
	default:
		usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func cmdAnalyze(ctx context.Context, svc *novelkg.Service, args []string) error {
	fs := flag.NewFlagSet("analyze", flag.ExitOnError)
	fs.Parse(args)
	rest := fs.Args()
	if len(rest) < 3 {
		return fmt.Errorf("usage: analyze <novel_id> <chapter_start> <chapter_end> [force]")
	}
	start, err := strconv.Atoi(rest[1])
	if err != nil {
		return fmt.Errorf("parsing chapter_start: %w", err)
	}
	end, err := strconv.Atoi(rest[2])
	if err != nil {
		return fmt.Errorf("parsing chapter_end: %w", err)
	}
	force := len(rest) > 3 && rest[3] == "force"

	taskID, err := svc.Analyze(ctx, rest[0], start, end, force)
	if err != nil {
		return err
	}
	fmt.Println(taskID)
	return nil
}

func cmdPatchTask(ctx context.Context, svc *novelkg.Service, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: patch-task <task_id> <paused|running|cancelled>")
	}
	return svc.PatchTask(ctx, args[0], novel.TaskStatus(args[1]))
}

func cmdEstimateCost(ctx context.Context, svc *novelkg.Service, args []string) error {
	if len(args) < 3 {
		return fmt.Errorf("usage: estimate-cost <novel_id> <chapter_start> <chapter_end>")
	}
	start, _ := strconv.Atoi(args[1])
	end, _ := strconv.Atoi(args[2])
	estimate, err := svc.EstimateCost(ctx, args[0], start, end)
	if err != nil {
		return err
	}
	return cmdPrint(estimate, nil)
}

func cmdEntity(ctx context.Context, svc *novelkg.Service, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: entity <novel_id> <name> [person|location|item]")
	}
	kind := novel.EntityPerson
	if len(args) > 2 {
		kind = novel.EntityType(args[2])
	}
	profile, err := svc.GetEntity(ctx, args[0], args[1], kind)
	if err != nil {
		return err
	}
	return cmdPrint(profile, nil)
}

func cmdGraph(ctx context.Context, svc *novelkg.Service, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: graph <novel_id> [chapter_start] [chapter_end]")
	}
	start, end := 0, 0
	if len(args) > 1 {
		start, _ = strconv.Atoi(args[1])
	}
	if len(args) > 2 {
		end, _ = strconv.Atoi(args[2])
	}
	return cmdPrint(svc.GetGraph(ctx, args[0], start, end))
}

func cmdDictionary(ctx context.Context, svc *novelkg.Service, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: dictionary <novel_id> [entity_type] [limit]")
	}
	var entityType novel.EntityType
	if len(args) > 1 {
		entityType = novel.EntityType(args[1])
	}
	limit := 0
	if len(args) > 2 {
		limit, _ = strconv.Atoi(args[2])
	}
	return cmdPrint(svc.GetEntityDictionary(ctx, args[0], entityType, limit))
}

func cmdPrint(v any, err error) error {
	if err != nil {
		return err
	}
	out, marshalErr := json.MarshalIndent(v, "", "  ")
	if marshalErr != nil {
		return marshalErr
	}
	fmt.Println(string(out))
	return nil
}
