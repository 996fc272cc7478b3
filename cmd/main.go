package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"

	"newsflow/internal/models"
	"newsflow/internal/types"
	cfgPkg "newsflow/pkg/config"
	"newsflow/pkg/dedup"
	"newsflow/pkg/embed"
	"newsflow/pkg/fetcher"
	"newsflow/pkg/logging"
	"newsflow/pkg/metrics"
	"newsflow/pkg/normalizer"
	"newsflow/pkg/pipeline"
	"newsflow/pkg/retry"
	"newsflow/pkg/scheduler"
	"newsflow/pkg/scorer"
	"newsflow/pkg/store"
	"newsflow/server"
)

type flags struct {
	configPath string
	dbURL      string
	ollamaURL  string
	addr       string
	once       bool
	source     string
}

func main() {
	f := parseFlags()

	if err := run(f); err != nil {
		log.Fatal(err)
	}
}

func parseFlags() flags {
	var f flags

	flag.StringVar(&f.configPath, "config", "", "Path to config file")
	flag.StringVar(&f.dbURL, "db-url", os.Getenv("DATABASE_URL"), "PostgreSQL connection string")
	flag.StringVar(&f.ollamaURL, "ollama-url", os.Getenv("OLLAMA_BASE_URL"), "Ollama server URL")
	flag.StringVar(&f.addr, "addr", "", "Status server listen address")
	flag.BoolVar(&f.once, "once", false, "Run every enabled source once and exit")
	flag.StringVar(&f.source, "source", "", "With -once, restrict to a single source id")
	flag.Parse()

	return f
}

func run(f flags) error {
	cfg, err := cfgPkg.LoadConfig(f.configPath)
	if err != nil {
		return err
	}

	// Command line flags override the file
	if f.dbURL != "" {
		cfg.Database.URL = f.dbURL
	}
	if f.ollamaURL != "" {
		cfg.Embedding.BaseURL = f.ollamaURL
	}
	if f.addr != "" {
		cfg.Server.Addr = f.addr
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		for _, e := range errs {
			fmt.Fprintln(os.Stderr, "config:", e.Error())
		}
		return fmt.Errorf("invalid configuration (%d errors)", len(errs))
	}

	logger := logging.New(cfg.Logging.Level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var sink types.MetricsSink
	var msink *metrics.Sink
	if f.once {
		sink = metrics.Nop{}
	} else {
		msink = metrics.New(logger, 4096, time.Minute)
		defer msink.Close()
		sink = msink
	}

	documentStore, err := store.New(ctx, store.Config{
		ConnString:   cfg.Database.URL,
		Table:        cfg.Database.TableName,
		ResultsTable: cfg.Database.ResultsTable,
		VectorDim:    cfg.Database.VectorDim,
	})
	if err != nil {
		return err
	}
	defer documentStore.Close()

	embedder, err := embed.New(embed.Config{
		Model:     cfg.Embedding.Model,
		BaseURL:   cfg.Embedding.BaseURL,
		VectorDim: cfg.Embedding.VectorDim,
	})
	if err != nil {
		return err
	}

	deduper, err := dedup.New(dedup.Config{
		SimilarityThreshold: cfg.Dedup.SimilarityThreshold,
		Retention:           cfg.Dedup.Retention.Std(),
		MaxRecords:          cfg.Dedup.MaxRecords,
		OnEmbedError:        dedup.EmbedErrorPolicy(cfg.Dedup.OnEmbedError),
	}, embedder, sink)
	if err != nil {
		return err
	}

	quality := scorer.New(scorerConfig(cfg))

	pipe := pipeline.New(pipeline.Config{
		MaxConcurrent: cfg.Pipeline.MaxConcurrent,
		PersistRetry:  retry.DefaultPolicy(),
	}, normalizer.New(), quality, deduper, documentStore, sink, logger.With("component", "pipeline"))

	registry := fetcher.NewRegistry()
	limiters := fetcher.NewLimiters()
	fetchCfg := fetcher.Config{
		Timeout:     cfg.Fetch.Timeout.Std(),
		MaxAttempts: cfg.Fetch.MaxAttempts,
		BaseDelay:   cfg.Fetch.BaseDelay.Std(),
		MaxDelay:    cfg.Fetch.MaxDelay.Std(),
		UserAgent:   cfg.Fetch.UserAgent,
	}
	registry.Register(fetcher.NewFeedFetcher(fetchCfg, limiters))
	registry.Register(fetcher.NewWebFetcher(fetchCfg, limiters))
	registry.Register(fetcher.NewSocialFetcher(fetchCfg, limiters))

	runSource := func(ctx context.Context, src models.Source) error {
		strategy, err := registry.Resolve(src.Kind)
		if err != nil {
			return err
		}

		started := time.Now()
		raws, err := strategy.Fetch(ctx, src)
		sink.Observe("fetch.duration", time.Since(started))
		if err != nil {
			sink.Count("fetch.failed", 1)
			return fmt.Errorf("fetch %s: %w", src.ID, err)
		}
		sink.Count("fetch.documents", int64(len(raws)))

		pipe.ProcessBatch(ctx, src, raws)
		return nil
	}

	if f.once {
		return runOnce(ctx, cfg, f.source, runSource)
	}

	statusServer := server.New(cfg.Server.Addr, msink, logger.With("component", "server"))
	statusServer.Start()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		statusServer.Shutdown(shutdownCtx)
	}()
	pipe.OnResult(statusServer.Broadcast)

	sched := scheduler.New(scheduler.Config{
		GlobalConcurrency: cfg.Scheduler.GlobalConcurrency,
		Tick:              cfg.Scheduler.Tick.Std(),
		Jitter:            cfg.Scheduler.Jitter,
		MaxBackoff:        cfg.Scheduler.MaxBackoff.Std(),
		FailureThreshold:  cfg.Scheduler.FailureThreshold,
		ShutdownGrace:     cfg.Scheduler.ShutdownGrace.Std(),
	}, runSource, sink, logger.With("component", "scheduler"))
	sched.Schedule(cfg.RuntimeSources())

	// SIGHUP re-reads the config file and applies thresholds and the
	// source list between ticks. In-flight runs finish under the old
	// settings.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		for range hup {
			fresh, err := cfgPkg.LoadConfig(f.configPath)
			if err != nil {
				logger.Error("reload failed", "error", err)
				continue
			}
			if errs := fresh.Validate(); len(errs) > 0 {
				logger.Error("reload rejected", "errors", len(errs))
				continue
			}
			quality.SetConfig(scorerConfig(fresh))
			deduper.SetConfig(dedup.Config{
				SimilarityThreshold: fresh.Dedup.SimilarityThreshold,
				Retention:           fresh.Dedup.Retention.Std(),
				OnEmbedError:        dedup.EmbedErrorPolicy(fresh.Dedup.OnEmbedError),
			})
			sched.UpdateSources(fresh.RuntimeSources())
			logger.Info("configuration reloaded", "sources", len(fresh.Sources))
		}
	}()
	defer signal.Stop(hup)

	logger.Info("ingestion daemon started",
		"sources", len(cfg.Sources),
		"concurrency", cfg.Scheduler.GlobalConcurrency,
		"addr", cfg.Server.Addr)

	sched.Run(ctx)
	logger.Info("ingestion daemon stopped")
	return nil
}

func scorerConfig(cfg *cfgPkg.Config) scorer.Config {
	return scorer.Config{
		MinLength:      cfg.Scorer.MinLength,
		MaxLength:      cfg.Scorer.MaxLength,
		TargetLanguage: cfg.Scorer.TargetLanguage,
		SpamMarkers:    cfg.Scorer.SpamMarkers,
		MinScore:       cfg.Scorer.MinScore,
		Weights: scorer.Weights{
			Length:   cfg.Scorer.WeightLength,
			Language: cfg.Scorer.WeightLanguage,
			Spam:     cfg.Scorer.WeightSpam,
			Trust:    cfg.Scorer.WeightTrust,
		},
	}
}

// runOnce drives every enabled source through one pass with terminal
// progress output, for backfills and smoke tests.
func runOnce(ctx context.Context, cfg *cfgPkg.Config, only string, run scheduler.RunFunc) error {
	sources := cfg.RuntimeSources()

	selected := make([]models.Source, 0, len(sources))
	for _, src := range sources {
		if only != "" && src.ID != only {
			continue
		}
		if !src.Enabled && only == "" {
			continue
		}
		selected = append(selected, src)
	}
	if len(selected) == 0 {
		return fmt.Errorf("no matching enabled sources")
	}

	color.Blue("\nRunning %d source(s)\n", len(selected))
	bar := getProgressBar(len(selected), "Ingesting sources...")

	failures := 0
	for _, src := range selected {
		if err := run(ctx, src); err != nil {
			failures++
			color.Red("\n%s: %v\n", src.ID, err)
		}
		_ = bar.Add(1)
	}
	_ = bar.Finish()

	if failures > 0 {
		color.Red("\n%d of %d sources failed\n", failures, len(selected))
		return fmt.Errorf("%d source runs failed", failures)
	}
	color.Green("\nAll sources ingested\n")
	return nil
}

func getProgressBar(total int, description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(total,
		progressbar.OptionSetDescription(color.BlueString(description)),
		progressbar.OptionSetItsString("sources"),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionFullWidth(),
		progressbar.OptionSetRenderBlankState(true),
	)
}
