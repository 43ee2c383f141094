package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sempervigil/sempervigil/internal/content"
	"github.com/sempervigil/sempervigil/internal/events"
	"github.com/sempervigil/sempervigil/internal/ingest"
	"github.com/sempervigil/sempervigil/internal/llm"
	"github.com/sempervigil/sempervigil/internal/metrics"
	"github.com/sempervigil/sempervigil/internal/model"
	"github.com/sempervigil/sempervigil/internal/nvd"
	"github.com/sempervigil/sempervigil/internal/publish"
	"github.com/sempervigil/sempervigil/internal/queue"
)

func newWorkerCmd() *cobra.Command {
	var (
		class string
		once  bool
	)
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run a worker process claiming jobs from the queue",
		Long: `Runs a pool of worker slots against the durable job queue. The
--class flag picks which job types this process serves: "fetch" covers
ingest, content, CVE sync, events, and publishing; "llm" serves only
summarization so provider spend cannot starve the rest of the pipeline.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWorker(cmd, class, once)
		},
	}
	cmd.Flags().StringVar(&class, "class", "fetch", "worker class: fetch or llm")
	cmd.Flags().BoolVar(&once, "once", false, "drain currently queued jobs and exit")
	return cmd
}

func runWorker(cmd *cobra.Command, class string, once bool) error {
	a, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}

	var jobTypes []string
	var slots int
	switch class {
	case "fetch":
		jobTypes = model.FetchClassTypes
		slots = a.cfg.Worker.FetchSlots
	case "llm":
		jobTypes = model.LLMClassTypes
		slots = a.cfg.Worker.LLMSlots
	default:
		return fmt.Errorf("unknown worker class %q", class)
	}

	registry, err := buildRegistry(cmd.Context(), a, jobTypes)
	if err != nil {
		return err
	}

	hostname, _ := os.Hostname()
	pool := queue.NewPool(
		a.store,
		registry,
		queue.NewRetryPolicy(
			time.Duration(a.cfg.Queue.BackoffBaseSec)*time.Second,
			time.Duration(a.cfg.Queue.BackoffMaxSec)*time.Second,
		),
		metrics.NewQueueObserver(),
		a.logger,
		queue.Config{
			WorkerID:     fmt.Sprintf("%s-%s-%d", hostname, class, os.Getpid()),
			Slots:        slots,
			LeaseTTL:     a.cfg.Queue.LeaseTTL(),
			PollInterval: a.cfg.Queue.PollInterval(),
			TypeCaps:     a.cfg.Worker.TypeCaps,
		},
	)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if once {
		a.logger.Info("draining queue", zap.String("class", class))
		return pool.RunOnce(ctx)
	}

	// The fetch class doubles as the scheduler host; idempotency keys
	// keep concurrent schedulers harmless.
	if class == "fetch" {
		scheduler := queue.NewScheduler(a.store, a.logger, queue.SchedulerConfig{
			Tick:            time.Duration(a.cfg.Queue.SchedulerTickSec) * time.Second,
			CveSyncInterval: time.Duration(a.cfg.NVD.SyncIntervalMin) * time.Minute,
		})
		go scheduler.Run(ctx)
	}

	a.logger.Info("worker started",
		zap.String("class", class), zap.Int("slots", slots))
	pool.Run(ctx)
	a.logger.Info("worker stopped")
	return nil
}

// buildRegistry wires the handlers for the types this class serves;
// the pool claims only what its registry holds.
func buildRegistry(ctx context.Context, a *app, jobTypes []string) (*queue.Registry, error) {
	cfg := a.cfg
	st := a.store
	logger := a.logger

	ingestor := ingest.New(st, st, ingest.NewFetcher(ingest.FetcherConfig{
		Timeout:    cfg.HTTP.Timeout(),
		UserAgent:  cfg.HTTP.UserAgent,
		DefaultRPS: cfg.Ingest.RequestsPerSecond,
	}), ingest.Config{
		ErrorStreakPause: cfg.Ingest.ErrorStreakPause,
		ZeroStreakPause:  cfg.Ingest.ZeroStreakPause,
		AutoPauseMinutes: cfg.Ingest.AutoPauseMinutes,
		MaxItemsPerPoll:  cfg.Ingest.MaxItemsPerPoll,
	}, logger)

	router := llm.NewRouter(st, llm.RouterConfig{
		DefaultModel:  cfg.LLM.Model,
		FallbackModel: cfg.LLM.FallbackModel,
		FailOpen:      cfg.LLM.FailOpen,
	})

	pageFetcher, err := content.NewCollyFetcher(content.CollyConfig{
		UserAgent: cfg.HTTP.UserAgent,
		Timeout:   cfg.HTTP.Timeout(),
	})
	if err != nil {
		return nil, fmt.Errorf("build page fetcher: %w", err)
	}
	contentHandler := content.NewHandler(st, st, pageFetcher, router, logger)

	provider, err := buildProvider(ctx, a)
	if err != nil {
		return nil, err
	}
	summarizer := llm.NewSummarizer(st, st, provider, router, cfg.LLM.MaxInputChars, logger)

	syncer := nvd.NewSyncer(st, st, nvd.NewClient(nvd.ClientConfig{
		BaseURL:  cfg.NVD.BaseURL,
		APIKey:   cfg.NVD.APIKey,
		PageSize: cfg.NVD.PageSize,
	}), nvd.SyncConfig{
		SyncInterval:  time.Duration(cfg.NVD.SyncIntervalMin) * time.Minute,
		Overlap:       time.Duration(cfg.NVD.OverlapMinutes) * time.Minute,
		MaxWindowDays: cfg.NVD.MaxWindowDays,
		PreferV4:      cfg.NVD.PreferV4Severity,
	}, logger)

	rebuilder := events.NewRebuilder(st, events.Config{
		WindowDays:       cfg.Events.ClusterWindowDays,
		DormantAfterDays: cfg.Events.DormantAfterDays,
		CloseAfterDays:   cfg.Events.CloseAfterDays,
	}, logger)

	publisher := publish.NewPublisher(st, st, publish.Config{
		ContentDir: cfg.Publish.ContentDir,
		DataDir:    cfg.Publish.IndexDir,
		SiteDir:    cfg.Publish.SiteDir,
		OutputDir:  cfg.Publish.OutputDir,
		CacheDir:   cfg.Publish.CacheDir,
		BuilderCmd: cfg.Publish.HugoPath,
		BuildDelay: time.Duration(cfg.Publish.DebounceSeconds) * time.Second,
	}, logger)

	handlers := map[string]queue.Handler{
		model.JobIngestDueSources: queue.HandlerFunc(ingestor.HandleIngestDueSources),
		model.JobIngestSource:     queue.HandlerFunc(ingestor.HandleIngestSource),
		model.JobFetchContent:     queue.HandlerFunc(contentHandler.Handle),
		model.JobSummarizeArticle: queue.HandlerFunc(summarizer.Handle),
		model.JobWriteMarkdown:    queue.HandlerFunc(publisher.HandleWriteMarkdown),
		model.JobDeriveEvents:     queue.HandlerFunc(rebuilder.HandleDerive),
		model.JobCveSync:          queue.HandlerFunc(syncer.Handle),
		model.JobEventsRebuild:    queue.HandlerFunc(rebuilder.HandleRebuild),
		model.JobEventsPurge:      queue.HandlerFunc(rebuilder.HandlePurge),
		model.JobBuildSite:        queue.HandlerFunc(publisher.HandleBuildSite),
		model.JobBuildDailyBrief:  queue.HandlerFunc(publisher.HandleBuildDailyBrief),
	}

	registry := queue.NewRegistry()
	for _, jobType := range jobTypes {
		h, ok := handlers[jobType]
		if !ok {
			return nil, fmt.Errorf("no handler for job type %q", jobType)
		}
		registry.MustRegister(jobType, h)
	}
	return registry, nil
}

// buildProvider resolves the LLM API key: a wrapped secret stored via
// the admin API wins over the static config value.
func buildProvider(ctx context.Context, a *app) (llm.Provider, error) {
	apiKey := a.cfg.LLM.APIKey
	if a.cfg.LLM.SecretKey != "" {
		keeper, err := llm.NewKeeper(a.cfg.LLM.SecretKey)
		if err != nil {
			return nil, fmt.Errorf("init secret keeper: %w", err)
		}
		wrapped, err := a.store.GetProviderSecret(ctx, "openai")
		if err == nil {
			unwrapped, uerr := keeper.Unwrap(wrapped)
			if uerr != nil {
				return nil, fmt.Errorf("unwrap provider secret: %w", uerr)
			}
			apiKey = unwrapped
		} else if model.ClassifyErr(err) != model.KindNotFound {
			return nil, fmt.Errorf("load provider secret: %w", err)
		}
	}
	return llm.NewClient(a.cfg.LLM.BaseURL, apiKey, a.cfg.LLM.Timeout()), nil
}
