package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/formation.report/internal/api"
	"github.com/banshee-data/formation.report/internal/bus"
	"github.com/banshee-data/formation.report/internal/cache"
	"github.com/banshee-data/formation.report/internal/config"
	"github.com/banshee-data/formation.report/internal/engine"
	"github.com/banshee-data/formation.report/internal/formation"
	"github.com/banshee-data/formation.report/internal/rules"
	"github.com/banshee-data/formation.report/internal/scheduler"
	"github.com/banshee-data/formation.report/internal/store"
	"github.com/banshee-data/formation.report/internal/stream"
	syncsvc "github.com/banshee-data/formation.report/internal/sync"
	"github.com/banshee-data/formation.report/internal/version"
)

var (
	listen     = flag.String("listen", "", "HTTP listen address (default from config)")
	dataDir    = flag.String("data", "", "Badger data directory (default from config)")
	presetDB   = flag.String("db", "", "Path to the preset SQLite database (default from config)")
	configFile = flag.String("config", "", "Path to a JSON tuning config file")
	preset     = flag.String("preset", "", "Rule preset to apply at startup (default from config)")
	devMode    = flag.Bool("dev", false, "Run with an in-memory store, nothing persists")
)

// Main
func main() {
	flag.Parse()

	tuning := config.EmptyTuningConfig()
	if *configFile != "" {
		loaded, err := config.LoadTuningConfig(*configFile)
		if err != nil {
			log.Fatalf("Failed to load tuning config: %v", err)
		}
		tuning = loaded
	}

	listenAddr := tuning.GetListenAddr()
	if *listen != "" {
		listenAddr = *listen
	}
	dir := tuning.GetDataDir()
	if *dataDir != "" {
		dir = *dataDir
	}
	presetPath := tuning.GetPresetDB()
	if *presetDB != "" {
		presetPath = *presetDB
	}
	startPreset := tuning.GetDefaultPreset()
	if *preset != "" {
		startPreset = *preset
	}

	storeCfg := store.DefaultConfig(dir)
	if *devMode {
		storeCfg = store.InMemoryConfig()
		log.Println("Running in dev mode, nothing persists")
	}
	backend, err := store.Open(storeCfg)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer backend.Close()

	targetCache := cache.New(backend,
		cache.WithTargetTTL(tuning.GetTargetTTL()),
		cache.WithDeltaTTL(tuning.GetDeltaTTL()),
		cache.WithMaxDelta(tuning.GetDeltaMaxPerTarget()),
	)

	set := rules.NewSet()
	presets, err := rules.OpenPresetStore(presetPath)
	if err != nil {
		log.Fatalf("Failed to open preset store: %v", err)
	}
	defer presets.Close()
	if err := presets.SeedBuiltins(); err != nil {
		log.Fatalf("Failed to seed builtin presets: %v", err)
	}
	if err := presets.Load(set, startPreset); err != nil {
		log.Fatalf("Failed to apply preset %q: %v", startPreset, err)
	}
	log.Printf("Applied rule preset %q (%d rules)", startPreset, len(set.Rules()))

	recognizer := engine.New(set, engine.Options{
		SamplingStep:         tuning.GetSamplingStep(),
		PersistenceThreshold: tuning.GetPersistenceThreshold(),
		MinFormationDuration: tuning.GetMinFormationDuration(),
		MinTrackPoints:       tuning.GetMinTrackPoints(),
		MinInterval:          tuning.GetMinInterval(),
		SegmentGap:           tuning.GetSegmentGap(),
	})
	recognizer.SetCache(targetCache)

	formations := formation.NewStore(backend, formation.WithRetention(tuning.GetFormationTTL()))
	hub := bus.NewHub(
		bus.WithQueueSize(tuning.GetQueueSize()),
		bus.WithDeltaSource(targetCache),
		bus.WithStateSource(targetCache),
		bus.WithFormationSource(formations),
	)
	streamSvc := stream.NewService(targetCache, recognizer, formations, hub, stream.Config{
		RecognizeInterval:  tuning.GetRecognizeInterval(),
		MinChangeThreshold: tuning.GetMinChangeThreshold(),
		PendingTrigger:     tuning.GetPendingTrigger(),
	})
	syncSvc := syncsvc.NewService(backend, targetCache, syncsvc.WithSessionTTL(tuning.GetSessionTTL()))
	sched := scheduler.New(formations, backend)

	streamSvc.Start()
	defer streamSvc.Stop()
	sched.Start()
	defer sched.Stop()

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := api.NewServer(api.Config{
			Backend:    backend,
			Cache:      targetCache,
			Engine:     recognizer,
			Stream:     streamSvc,
			Formations: formations,
			Sync:       syncSvc,
			Hub:        hub,
			Presets:    presets,
			Scheduler:  sched,
		}).ServeMux()

		server := &http.Server{
			Addr:    listenAddr,
			Handler: api.LoggingMiddleware(mux),
		}

		// Start server in a goroutine so it doesn't block
		go func() {
			log.Printf("formation.report %s (%s) listening on %s", version.Version, version.GitSHA, listenAddr)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		// Wait for context cancellation to shut down server
		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
			// Force close the server if graceful shutdown fails
			if err := server.Close(); err != nil {
				log.Printf("HTTP server force close error: %v", err)
			}
		}

		log.Printf("HTTP server routine stopped")
	}()

	wg.Wait()
	log.Printf("Graceful shutdown complete")
}
