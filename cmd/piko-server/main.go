// Command piko-server runs the companion robot backend: the WebSocket
// interaction endpoint and the management REST API.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pikobot/piko/internal/compactor"
	"github.com/pikobot/piko/internal/config"
	"github.com/pikobot/piko/internal/identity"
	"github.com/pikobot/piko/internal/index"
	"github.com/pikobot/piko/internal/ledger"
	"github.com/pikobot/piko/internal/llm"
	"github.com/pikobot/piko/internal/privacy"
	"github.com/pikobot/piko/internal/server"
	"github.com/pikobot/piko/internal/session"
	"github.com/pikobot/piko/internal/storage"
	"github.com/pikobot/piko/internal/storage/postgres"
	"github.com/pikobot/piko/internal/storage/sqlite"
	"github.com/pikobot/piko/internal/ws"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("ERROR: %v", err)
	}

	store, matcher, err := openStorage(cfg)
	if err != nil {
		log.Fatalf("ERROR: %v", err)
	}
	defer store.Close()

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	led := ledger.New(store, privacy.KeywordClassifier())
	led.StartSweeper(rootCtx, cfg.MemorySweepInterval)

	model := llm.NewOpenAIClient(cfg.ModelAPIKey, cfg.ModelBaseURL, cfg.ModelName, cfg.ModelTimeout)
	breaker := llm.NewCircuitBreaker()
	streamer := llm.WithBreaker(model, breaker)

	persona := llm.NewPersona()
	if cfg.PersonaPath != "" {
		if err := persona.Watch(cfg.PersonaPath, rootCtx.Done()); err != nil {
			log.Fatalf("ERROR: %v", err)
		}
	}

	resolver := identity.NewResolver(store, matcher)
	comp := compactor.New(store, llm.WithGeneratorBreaker(model, breaker),
		compactor.WithLimits(cfg.CompactionThreshold, cfg.CompactionRetain))

	engineCfg := session.Config{
		APIKey:      cfg.APIKey,
		MemoryTopK:  cfg.MemoryTopK,
		IdleTimeout: cfg.IdleTimeout,
	}
	wsHandler := ws.NewHandler(func(sink session.Sink) *session.Engine {
		return session.NewEngine(engineCfg, sink, store, led, resolver, comp,
			streamer, persona, session.WithTranscriber(model))
	})

	srv := server.New(cfg, store, led, resolver, breaker.State, wsHandler)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			log.Fatalf("ERROR: %v", err)
		}
	case sig := <-sigCh:
		log.Printf("received %s, shutting down", sig)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("WARNING: shutdown: %v", err)
		}
	}
}

// openStorage opens the configured backend and builds the embedding matcher
// over it. Postgres with pgvector matches server-side; everything else warms
// an in-memory index from the stored samples.
func openStorage(cfg config.Config) (storage.Store, index.Matcher, error) {
	if cfg.StorageEngine == "postgres" {
		store, err := postgres.NewStore(cfg.PostgresDSN, cfg.EmbeddingDim)
		if err != nil {
			return nil, nil, err
		}
		if store.PgvectorAvailable() {
			return store, index.NewNative(store, cfg.MatchThreshold), nil
		}
		matcher, err := warmFlatIndex(store, cfg)
		if err != nil {
			store.Close()
			return nil, nil, err
		}
		return store, matcher, nil
	}

	store, err := sqlite.NewStore(cfg.SQLitePath)
	if err != nil {
		return nil, nil, err
	}
	matcher, err := warmFlatIndex(store, cfg)
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	return store, matcher, nil
}

func warmFlatIndex(store storage.EntityStore, cfg config.Config) (index.Matcher, error) {
	flat := index.NewFlat(cfg.MatchThreshold, cfg.EmbeddingDim)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	recs, err := store.AllEmbeddings(ctx)
	if err != nil {
		return nil, err
	}
	n, err := flat.Load(recs)
	if err != nil {
		return nil, err
	}
	log.Printf("embedding index warmed with %d samples", n)
	return flat, nil
}
