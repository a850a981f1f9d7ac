// Command engram-server runs the Engram episodic memory API.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/scrypster/engram/internal/backup"
	"github.com/scrypster/engram/internal/config"
	"github.com/scrypster/engram/internal/engine"
	"github.com/scrypster/engram/internal/llm"
	"github.com/scrypster/engram/internal/server"
	"github.com/scrypster/engram/internal/storage"
	"github.com/scrypster/engram/internal/storage/postgres"
	"github.com/scrypster/engram/internal/storage/sqlite"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	store, err := openStore(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize storage: %v", err)
	}
	defer func() { _ = store.Close() }()

	embedder, generator := buildProviders(cfg)

	eng, err := engine.New(store, embedder, generator, cfg.EngineConfig())
	if err != nil {
		log.Fatalf("Failed to build engine: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	startBackups(ctx, cfg)

	addr, _, err := server.Start(ctx, cfg, eng)
	if err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
	log.Printf("Engram API listening at http://%s", addr)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutting down gracefully...")
	cancel()
	time.Sleep(1 * time.Second)
}

func openStore(cfg *config.Config) (storage.EpisodeStore, error) {
	switch cfg.Storage.Engine {
	case "postgres":
		return postgres.Open(cfg.Storage.PostgresDSN)
	default:
		if err := os.MkdirAll(cfg.Storage.DataPath, 0o755); err != nil {
			return nil, err
		}
		return sqlite.Open(filepath.Join(cfg.Storage.DataPath, "engram.db"))
	}
}

// startBackups runs the snapshot scheduler when enabled. Backups only apply
// to the SQLite engine; postgres deployments bring their own tooling.
func startBackups(ctx context.Context, cfg *config.Config) {
	if !cfg.Backup.Enabled {
		return
	}
	if cfg.Storage.Engine != "sqlite" {
		log.Printf("main: backups are only supported for the sqlite engine, skipping")
		return
	}

	dir := cfg.Backup.Dir
	if dir == "" {
		dir = filepath.Join(cfg.Storage.DataPath, "backups")
	}
	svc, err := backup.New(backup.Options{
		DBPath:   filepath.Join(cfg.Storage.DataPath, "engram.db"),
		Dir:      dir,
		Interval: cfg.Backup.Interval,
		Verify:   cfg.Backup.Verify,
	})
	if err != nil {
		log.Printf("main: backup service unavailable: %v", err)
		return
	}
	go svc.Run(ctx)
}

// buildProviders constructs the embedding and synthesis clients from config.
// Either may come back nil: the engine degrades to keyword retrieval without
// an embedder and refuses consolidation without a generator, but capture and
// browsing always work.
func buildProviders(cfg *config.Config) (engine.Embedder, llm.TextGenerator) {
	pc := cfg.ProviderConfig()
	if pc.Provider == "" {
		log.Println("main: no LLM provider configured, running in degraded mode")
		return nil, nil
	}

	generator, err := llm.NewTextGenerator(pc)
	if err != nil {
		log.Printf("main: text generator unavailable: %v", err)
	}

	var embedder engine.Embedder
	embeddingGen, err := llm.NewEmbeddingGenerator(pc)
	if err != nil {
		log.Printf("main: embedding generator unavailable: %v", err)
	} else if embeddingGen != nil {
		embedder = llm.NewEmbedder(embeddingGen, cfg.LLM.EmbedRPS)
	} else {
		log.Printf("main: provider %q offers no embeddings, retrieval degrades to keywords", pc.Provider)
	}

	return embedder, generator
}
