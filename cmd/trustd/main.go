package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/trustlens/trustd/internal/aggregate"
	"github.com/trustlens/trustd/internal/analyzer"
	"github.com/trustlens/trustd/internal/model"
	"github.com/trustlens/trustd/internal/ratings"
	"github.com/trustlens/trustd/internal/retention"
	"github.com/trustlens/trustd/internal/score"
	"github.com/trustlens/trustd/internal/server"
	"github.com/trustlens/trustd/internal/store"
)

func main() {
	listenAddr := flag.String("listen", envOr("TRUSTD_LISTEN", ":8080"), "HTTP listen address")
	dbPath := flag.String("db", envOr("TRUSTD_DB_PATH", "./trustd.db"), "SQLite database path")
	scoringPath := flag.String("scoring", os.Getenv("TRUSTD_SCORING_CONFIG"), "scoring config YAML (optional)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := slog.Default()

	db, err := store.NewSQLiteStore(ctx, *dbPath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	scoreCfg, err := score.LoadConfig(*scoringPath)
	if err != nil {
		log.Fatalf("Failed to load scoring config: %v", err)
	}
	if err := seedRules(ctx, db, scoreCfg); err != nil {
		log.Fatalf("Failed to seed scoring rules: %v", err)
	}
	calc := score.NewCalculator(scoreCfg)

	principalSecret := os.Getenv("TRUSTD_PRINCIPAL_SECRET")
	if principalSecret == "" {
		if strings.HasPrefix(envOr("TRUSTD_BASE_URL", "http://localhost:8080"), "https://") {
			log.Fatal("TRUSTD_PRINCIPAL_SECRET must be set to the issuer's signing secret in production (try: openssl rand -hex 32)")
		}
		// Allow an insecure default for local development only.
		log.Println("WARNING: using insecure default principal secret -- set TRUSTD_PRINCIPAL_SECRET for production")
		principalSecret = "insecure-dev-only-principal-secret"
	}

	ratingSvc := ratings.NewService(db, logger)

	an := analyzer.New(analyzer.Options{
		Providers: analyzer.DefaultProviders(os.Getenv("TRUSTD_SAFEBROWSING_KEY"), nil),
		Logger:    logger,
	})
	batch := analyzer.NewBatch(db, an, logger)
	aggEngine := aggregate.NewEngine(db, calc, logger)
	sweeper := retention.NewSweeper(db, retention.DefaultWindow, logger)

	go func() {
		if err := batch.Run(ctx); err != nil && err != context.Canceled {
			log.Printf("ERROR: batch analyzer: %v", err)
		}
	}()
	go func() {
		if err := aggEngine.Run(ctx); err != nil && err != context.Canceled {
			log.Printf("ERROR: aggregation engine: %v", err)
		}
	}()
	go func() {
		if err := sweeper.Run(ctx); err != nil && err != context.Canceled {
			log.Printf("ERROR: retention sweeper: %v", err)
		}
	}()
	log.Println("Background engines started")

	cfg := server.Config{
		ListenAddr:      *listenAddr,
		DBPath:          *dbPath,
		PrincipalSecret: principalSecret,
		AdminToken:      os.Getenv("TRUSTD_ADMIN_TOKEN"),
	}
	srv := server.NewServer(cfg, db, ratingSvc, calc, server.Jobs{
		Aggregate: aggEngine.RunOnce,
		Sweep:     sweeper.RunOnce,
		Analyze:   batch.RunOnce,
	}, logger)

	httpSrv := &http.Server{
		Addr:    *listenAddr,
		Handler: srv.Handler(),
	}

	go func() {
		log.Printf("Listening on %s", *listenAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Shutdown error: %v", err)
	}
}

// seedRules upserts the config file's rule seeds into the store. The
// tables remain the runtime source of truth; seeding only bootstraps
// them so a fresh deployment scores sensibly.
func seedRules(ctx context.Context, db store.Store, cfg score.Config) error {
	for _, b := range cfg.Blacklist {
		rule := &model.BlacklistRule{
			ID:        uuid.New().String(),
			Pattern:   b.Pattern,
			Severity:  b.Severity,
			Reason:    b.Reason,
			CreatedAt: time.Now().UTC(),
		}
		if err := db.UpsertBlacklistRule(ctx, rule); err != nil {
			return err
		}
	}
	for _, c := range cfg.ContentTypes {
		rule := &model.ContentTypeRule{
			ID:          uuid.New().String(),
			Pattern:     c.Pattern,
			ContentType: c.ContentType,
			Modifier:    c.Modifier,
			MinRatings:  c.MinRatings,
			CreatedAt:   time.Now().UTC(),
		}
		if err := db.UpsertContentTypeRule(ctx, rule); err != nil {
			return err
		}
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
