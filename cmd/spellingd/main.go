// Command spellingd runs the spelling game backend: the HTTP API for
// questions, answers, and signed audio delivery, plus the scheduled word
// generation pipeline.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/pubudusj/spelling-game-backend/internal/api"
	"github.com/pubudusj/spelling-game-backend/internal/config"
	"github.com/pubudusj/spelling-game-backend/internal/engine"
	"github.com/pubudusj/spelling-game-backend/internal/logging"
	"github.com/pubudusj/spelling-game-backend/internal/pipeline"
	"github.com/pubudusj/spelling-game-backend/internal/scheduler"
	"github.com/pubudusj/spelling-game-backend/internal/services"
	"github.com/pubudusj/spelling-game-backend/internal/store"
	"github.com/pubudusj/spelling-game-backend/internal/validation"
	"github.com/pubudusj/spelling-game-backend/pkg/flow"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "spellingd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.NewLibSQLStore(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return err
	}

	validator, err := validation.NewPayloadValidator()
	if err != nil {
		return err
	}

	textgen, err := services.NewTextGenClient(services.TextGenConfig{
		Endpoint:  cfg.TextGen.Endpoint,
		Model:     cfg.TextGen.Model,
		APIKey:    cfg.TextGen.APIKey,
		MaxTokens: cfg.TextGen.MaxTokens,
		Timeout:   cfg.TextGen.Timeout,
	}, validator, logger)
	if err != nil {
		return err
	}

	synth, err := services.NewSynthClient(services.SynthConfig{
		Endpoint:     cfg.Synth.Endpoint,
		APIKey:       cfg.Synth.APIKey,
		Engine:       cfg.Synth.Engine,
		OutputFormat: cfg.Synth.OutputFormat,
		Timeout:      cfg.Synth.Timeout,
		SubmitRate:   cfg.Synth.SubmitRate,
		SubmitBurst:  cfg.Synth.SubmitBurst,
	}, logger)
	if err != nil {
		return err
	}

	sink := services.NewNotifySink(services.NotifyConfig{
		WebhookURL: cfg.Notify.WebhookURL,
		Timeout:    cfg.Notify.Timeout,
	}, logger)

	issuer, err := services.NewURLIssuer(services.URLIssuerConfig{
		BaseURL: cfg.Audio.BaseURL,
		Secret:  cfg.Audio.Secret,
		TTL:     cfg.Audio.TTL,
	})
	if err != nil {
		return err
	}

	pcfg := pipeline.Config{
		WordCount:        cfg.Pipeline.WordCount,
		PollInterval:     cfg.Pipeline.PollInterval,
		MaxPollAttempts:  cfg.Pipeline.MaxPollAttempts,
		MaxConcurrency:   cfg.Pipeline.MaxConcurrency,
		Variant:          cfg.Pipeline.Variant,
		SampleIterations: cfg.Pipeline.SampleIterations,
		BatchScanLimit:   cfg.Pipeline.BatchScanLimit,
		PickOneScanLimit: cfg.Pipeline.PickOneScanLimit,
	}
	if err := pcfg.Normalize(); err != nil {
		return err
	}

	registry := engine.NewRegistry()
	gen, err := pipeline.NewGeneration(pcfg, st, textgen, synth, sink, logger)
	if err != nil {
		return err
	}
	if err := gen.RegisterHandlers(registry); err != nil {
		return err
	}
	serving, err := pipeline.NewServing(pcfg, st, issuer, sink, logger)
	if err != nil {
		return err
	}
	if err := serving.RegisterHandlers(registry); err != nil {
		return err
	}

	eng, err := engine.New(registry, st, logger)
	if err != nil {
		return err
	}

	var jobs []scheduler.Job
	for _, lang := range cfg.Scheduler.EnabledLanguages() {
		if _, err := pcfg.Language(lang); err != nil {
			return err
		}
		jobs = append(jobs, scheduler.Job{
			Language:       lang,
			CronExpression: cfg.Scheduler.Cron,
			Enabled:        true,
		})
	}
	sched, err := scheduler.New(jobs, &generationRunner{gen: gen, eng: eng}, cfg.Scheduler.TickInterval, logger)
	if err != nil {
		return err
	}

	apiServer, err := api.NewServer(api.Options{
		Auth: api.AuthOptions{
			HeaderName:  cfg.Auth.HeaderName,
			HeaderValue: cfg.Auth.HeaderValue,
		},
		CORS: api.CORSOptions{
			AllowedOrigins: cfg.CORS.AllowedOrigins,
			AllowedMethods: cfg.CORS.AllowedMethods,
			AllowedHeaders: cfg.CORS.AllowedHeaders,
		},
		Validator: validator,
		Serving:   serving,
		Engine:    eng,
		Store:     st,
		Issuer:    issuer,
		AudioDir:  cfg.Audio.Dir,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      apiServer.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	if err := sched.Start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http server listening", slog.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		if err := sched.Stop(); err != nil {
			logger.Warn("scheduler stop failed", slog.String("error", err.Error()))
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	logger.Info("spellingd started",
		slog.Int("scheduled_languages", len(jobs)),
		slog.String("variant", pcfg.Variant))
	return g.Wait()
}

// generationRunner adapts the generation pipeline to the scheduler. A run
// that terminates in a failed status is reported as an error so the
// scheduler records it.
type generationRunner struct {
	gen *pipeline.Generation
	eng *engine.Engine
}

func (r *generationRunner) RunGeneration(ctx context.Context, language string) error {
	res, err := r.gen.Run(ctx, r.eng, language)
	if err != nil {
		return err
	}
	if res.Status == flow.RunStatusFailed {
		return res.Error
	}
	return nil
}
