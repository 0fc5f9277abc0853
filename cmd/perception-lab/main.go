package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/remi71350-droid/perception-lab/internal/api"
	"github.com/remi71350-droid/perception-lab/internal/config"
	"github.com/remi71350-droid/perception-lab/internal/metrics"
	"github.com/remi71350-droid/perception-lab/internal/monitoring"
	"github.com/remi71350-droid/perception-lab/internal/pipeline"
	"github.com/remi71350-droid/perception-lab/internal/providers"
	"github.com/remi71350-droid/perception-lab/internal/runs"
	"github.com/remi71350-droid/perception-lab/internal/storage/sqlite"
	"github.com/remi71350-droid/perception-lab/internal/version"
)

var (
	listen        = flag.String("listen", ":8000", "Listen address")
	configFile    = flag.String("config", config.DefaultConfigPath, "Path to tuning configuration JSON")
	providersFile = flag.String("providers", config.DefaultProvidersPath, "Path to provider selection YAML")
	envFile       = flag.String("env-file", ".env", "Optional dotenv file with provider credentials")
	runsRoot      = flag.String("runs-root", "", "Override runs_root from the tuning config")
	noColors      = flag.Bool("no-colors", false, "Disable coloured console logs")
	showVersion   = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}
	if *listen == "" {
		log.Fatal("Listen address is required")
	}

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Fatalf("failed to load %s: %v", *envFile, err)
	}

	cfg, err := loadTuning(*configFile)
	if err != nil {
		log.Fatalf("failed to load tuning config: %v", err)
	}
	if *runsRoot != "" {
		cfg.RunsRoot = runsRoot
	}

	logger, err := monitoring.NewLogger(monitoring.Options{
		Level:    cfg.GetLogLevel(),
		File:     cfg.GetLogFile(),
		NoColors: *noColors,
	})
	if err != nil {
		log.Fatalf("failed to configure logging: %v", err)
	}
	monitoring.SetLogger(monitoring.Component(logger, "perception-lab").Infof)
	pipeline.SetLogWriters(monitoring.StreamWriters(logger))

	providersCfg, err := config.LoadProvidersConfig(*providersFile)
	if err != nil {
		log.Fatalf("failed to load providers: %v", err)
	}
	creds := config.CredentialsFromEnv(nil)

	rt, err := buildRuntime(cfg, providersCfg, creds)
	if err != nil {
		log.Fatalf("failed to build pipeline: %v", err)
	}
	orch, err := pipeline.NewOrchestrator(rt)
	if err != nil {
		log.Fatalf("failed to create orchestrator: %v", err)
	}

	store, err := openEvaluationStore(cfg)
	if err != nil {
		log.Fatalf("failed to open evaluation store: %v", err)
	}
	defer store.Close()

	srv, err := api.NewServer(api.Options{
		Orchestrator: orch,
		Store:        store,
		Credentials:  creds,
	})
	if err != nil {
		log.Fatalf("failed to create API server: %v", err)
	}

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		server := &http.Server{
			Addr:              *listen,
			Handler:           srv.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		go func() {
			monitoring.Logf("listening on %s (runs root %s)", *listen, rt.Registry.Root())
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		<-ctx.Done()
		monitoring.Logf("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			monitoring.Logf("HTTP server shutdown error: %v", err)
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			monitoring.Logf("stream shutdown error: %v", err)
		}
		monitoring.Logf("HTTP server routine stopped")
	}()

	wg.Wait()
	monitoring.Logf("Graceful shutdown complete")
}

// loadTuning reads path, falling back to built-in defaults when the default
// file is absent.
func loadTuning(path string) (*config.TuningConfig, error) {
	cfg, err := config.LoadTuningConfig(path)
	if err == nil {
		return cfg, nil
	}
	if path == config.DefaultConfigPath && errors.Is(err, os.ErrNotExist) {
		log.Printf("%s not found, using built-in defaults", path)
		return config.EmptyTuningConfig(), nil
	}
	return nil, err
}

// buildRuntime wires the registry, providers, metrics and event fan-out.
func buildRuntime(cfg *config.TuningConfig, providersCfg *config.ProvidersConfig, creds config.Credentials) (*pipeline.Runtime, error) {
	opts := []runs.Option{runs.WithMaxAnnotated(cfg.GetMaxAnnotatedPerRun())}
	if bucket := cfg.GetArtifactBucket(); bucket != "" {
		mirror, err := runs.NewS3Mirror(bucket, creds.AWSRegion)
		if err != nil {
			return nil, fmt.Errorf("s3 mirror: %w", err)
		}
		opts = append(opts, runs.WithMirror(mirror))
	}
	reg, err := runs.NewRegistry(cfg.GetRunsRoot(), opts...)
	if err != nil {
		return nil, err
	}

	caps, err := providers.Build(providersCfg, creds, providers.Options{
		Timeout:    cfg.GetProviderTimeout(),
		RatePerSec: cfg.GetProviderRatePerSec(),
		Burst:      cfg.GetProviderBurst(),
	})
	if err != nil {
		return nil, err
	}
	for capability, prov := range caps.Provenance() {
		monitoring.Logf("capability %s -> %s", capability, prov)
	}

	return &pipeline.Runtime{
		Config:       cfg,
		Registry:     reg,
		Capabilities: caps,
		Metrics:      metrics.New(),
		Events:       pipeline.NewBroadcaster(),
	}, nil
}

func openEvaluationStore(cfg *config.TuningConfig) (*sqlite.Store, error) {
	path := cfg.GetEvaluationDBPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return sqlite.Open(path)
}
