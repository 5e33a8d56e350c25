package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/edvin/deployctl/internal/api"
	"github.com/edvin/deployctl/internal/apikey"
	"github.com/edvin/deployctl/internal/approval"
	"github.com/edvin/deployctl/internal/audit"
	"github.com/edvin/deployctl/internal/cluster"
	"github.com/edvin/deployctl/internal/config"
	"github.com/edvin/deployctl/internal/db"
	"github.com/edvin/deployctl/internal/lock"
	"github.com/edvin/deployctl/internal/logging"
	"github.com/edvin/deployctl/internal/metrics"
	"github.com/edvin/deployctl/internal/model"
	"github.com/edvin/deployctl/internal/pipeline"
	"github.com/edvin/deployctl/internal/release"
	"github.com/edvin/deployctl/internal/strategy"
)

func main() {
	if len(os.Args) >= 2 && os.Args[1] == "create-api-key" {
		createAPIKey(os.Args[2:])
		return
	}

	migrateFlag := flag.Bool("migrate", false, "Run database migrations before starting")
	migrateDirFlag := flag.String("migrate-dir", "migrations", "Migration files directory")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg)

	if *migrateFlag {
		if cfg.DatabaseURL == "" {
			logger.Fatal().Msg("DATABASE_URL is required to run migrations")
		}
		logger.Info().Str("dir", *migrateDirFlag).Msg("running database migrations")
		if err := db.RunMigrations(cfg.DatabaseURL, *migrateDirFlag); err != nil {
			logger.Fatal().Err(err).Msg("migration failed")
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		pool          *pgxpool.Pool
		approvalStore approval.Store
		releaseStore  release.Store
		recorder      audit.Recorder
	)
	if cfg.DatabaseURL != "" {
		pool, err = db.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer pool.Close()
		metrics.RegisterPgxPoolMetrics(pool)

		approvalStore = approval.NewPGStore(pool)
		releaseStore = release.NewPGStore(pool)
		dbRecorder := audit.NewDBRecorder(pool, logger)
		defer dbRecorder.Close()
		recorder = dbRecorder
	} else {
		logger.Warn().Msg("DATABASE_URL not set, running with in-memory stores")
		approvalStore = approval.NewMemoryStore()
		releaseStore = release.NewMemoryStore()
		recorder = audit.NewLogRecorder(logger)
	}

	var rdb *redis.Client
	var locker lock.Locker
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rdb.Close()
		locker = lock.NewRedisLock(rdb, cfg.LockTTL, logger)
	} else {
		logger.Warn().Msg("REDIS_ADDR not set, deployment locks are process-local")
		locker = lock.NewMemoryLock()
	}

	var p config.Pipeline
	if cfg.PipelineFile != "" {
		p, err = config.LoadPipeline(cfg.PipelineFile)
		if err != nil {
			logger.Fatal().Err(err).Str("file", cfg.PipelineFile).Msg("failed to load pipeline definition")
		}
	} else {
		p = config.DefaultPipeline()
	}

	probe := cluster.NewMemoryProbe()
	fleet := strategy.NewMemoryFleet()
	shifter := strategy.NewMemoryShifter()
	seedFleet(probe, fleet)

	gate := approval.NewGate(approvalStore, recorder, logger)
	executor := pipeline.NewStageExecutor(locker, gate, releaseStore, probe, fleet, shifter, recorder, *cfg, logger)
	store := pipeline.NewExecutionStore()
	orch := pipeline.NewOrchestrator(p, executor, store, releaseStore, recorder, cfg.MaxConcurrentPipelines, logger)

	monitor := pipeline.NewMonitor(orch, probe, p, *cfg, logger)
	go monitor.Run(ctx)

	srv := api.NewServer(logger, orch, gate, probe, releaseStore, pool, rdb)

	httpServer := &http.Server{
		Addr:         cfg.HTTPListenAddr,
		Handler:      srv.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.HTTPListenAddr).Msg("starting deploy API server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	httpServer.Shutdown(shutdownCtx)

	cancel()
	if err := orch.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("pipelines still running at shutdown deadline")
	}
}

// seedFleet registers the static node inventory per environment. Real node
// discovery would replace this with an external registry.
func seedFleet(probe *cluster.MemoryProbe, fleet *strategy.MemoryFleet) {
	sizes := map[model.Environment]int{
		model.EnvDevelopment: 2,
		model.EnvQA:          2,
		model.EnvStaging:     4,
		model.EnvProduction:  6,
	}
	for env, n := range sizes {
		nodes := make([]string, n)
		for i := range nodes {
			nodes[i] = fmt.Sprintf("%s-node-%d", env, i+1)
		}
		fleet.SetNodes(env, nodes)
		probe.SetHealth(env, model.ClusterHealthSnapshot{TotalNodes: n, HealthyNodes: n})
	}
}

func createAPIKey(args []string) {
	fs := flag.NewFlagSet("create-api-key", flag.ExitOnError)
	name := fs.String("name", "", "Name for the API key (required)")
	scopes := fs.String("scopes", "", "Comma-separated scopes, e.g. deploy:write,approve:write (default all)")
	fs.Parse(args)

	if *name == "" {
		fmt.Fprintln(os.Stderr, "error: --name is required")
		fmt.Fprintln(os.Stderr, "usage: deploy-api create-api-key --name <name> [--scopes <scopes>]")
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.DatabaseURL == "" {
		fmt.Fprintln(os.Stderr, "error: DATABASE_URL is required")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: failed to connect to database: %v\n", err)
		os.Exit(1)
	}
	defer pool.Close()

	var scopeList []string
	if *scopes != "" {
		scopeList = strings.Split(*scopes, ",")
	}

	svc := apikey.NewService(pool)
	key, rawKey, err := svc.Create(ctx, *name, scopeList)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: failed to create API key: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("API key created successfully.\n\n")
	fmt.Printf("  Name:   %s\n", key.Name)
	fmt.Printf("  ID:     %s\n", key.ID)
	fmt.Printf("  Scopes: %s\n", strings.Join(key.Scopes, ", "))
	fmt.Printf("  Key:    %s\n\n", rawKey)
	fmt.Printf("Save this key - it will not be shown again.\n")
}
