package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/packpulse/packpulse/api"
	"github.com/packpulse/packpulse/cache"
	"github.com/packpulse/packpulse/registry"
	"github.com/packpulse/packpulse/sched"
	"github.com/packpulse/packpulse/store"
	pkgsync "github.com/packpulse/packpulse/sync"
	"github.com/packpulse/packpulse/vcs"
)

func main() {
	cfg, err := LoadConfig()
	if err != nil {
		log.Fatalf("Configuration error: %v", err)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		log.Fatalf("Logger error: %v", err)
	}
	defer logger.Sync()

	db, err := sqlx.Open("sqlite", cfg.DBPath)
	if err != nil {
		logger.Fatal("opening database failed", zap.Error(err))
	}
	defer db.Close()
	// modernc sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent handlers.
	db.SetMaxOpenConns(1)

	reg, err := registry.New(db)
	if err != nil {
		logger.Fatal("initializing registry failed", zap.Error(err))
	}
	metaCache, err := cache.New(db, logger, cfg.CacheTTL)
	if err != nil {
		logger.Fatal("initializing cache failed", zap.Error(err))
	}
	scheduler, err := sched.New(db)
	if err != nil {
		logger.Fatal("initializing scheduler failed", zap.Error(err))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if n, err := reg.Seed(ctx, cfg.SourcesFile); err != nil {
		logger.Fatal("seeding sources failed", zap.Error(err))
	} else if n > 0 {
		logger.Info("seeded sources", zap.Int("count", n), zap.String("file", cfg.SourcesFile))
	}

	var st store.Store
	switch cfg.StorageBackend {
	case "s3":
		st = store.NewS3(store.S3Config{
			Endpoint:  cfg.S3Endpoint,
			Bucket:    cfg.S3Bucket,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Region:    cfg.S3Region,
		})
	default:
		downloadURL := registry.TrailingSlash(cfg.ServerURL) + "updatepulse/update-api"
		st, err = store.NewLocal(cfg.LocalStoreDir, []byte(cfg.DownloadSecret), downloadURL)
		if err != nil {
			logger.Fatal("initializing local store failed", zap.Error(err))
		}
	}

	var signer *pkgsync.Signer
	if cfg.GPGPrivateKey != "" {
		signer, err = pkgsync.NewSigner(cfg.GPGPrivateKey)
		if err != nil {
			logger.Fatal("loading signing key failed", zap.Error(err))
		}
	}

	tmpDir := filepath.Join(cfg.DataDir, "tmp")
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		logger.Fatal("creating data dir failed", zap.Error(err))
	}

	factory := pkgsync.DefaultFactory(vcs.Options{
		ForceBranch:        cfg.ForceBranch,
		IncludePrereleases: cfg.IncludePrereleases,
		AssetFilter:        cfg.AssetFilter,
		RequireAsset:       cfg.RequireAsset,
		Timeout:            cfg.VCSTimeout,
	})
	pipe := pkgsync.New(factory, reg, metaCache, st, signer, logger, tmpDir, cfg.ServerURL)

	if failed, err := pipe.VerifySources(ctx); err != nil {
		logger.Fatal("verifying sources failed", zap.Error(err))
	} else if len(failed) > 0 {
		logger.Warn("source credential checks failed", zap.Strings("urls", failed))
	}

	if err := armSchedules(ctx, reg, scheduler); err != nil {
		logger.Fatal("arming schedules failed", zap.Error(err))
	}

	runner := sched.NewRunner(scheduler, logger, cfg.SchedulerTick)
	pipe.RegisterHandlers(scheduler, runner)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		runner.Run(ctx)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		metaCache.RunPurger(ctx, time.Hour)
	}()

	srv := api.NewServer(reg, scheduler, pipe, st, signer, logger, cfg.PackageAPIKey, cfg.SignedURLTTL)
	server := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      srv.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 5 * time.Minute,
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("http server shutdown error", zap.Error(err))
		}
	}()

	logger.Info("listening", zap.String("addr", cfg.ListenAddr))
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("http server error", zap.Error(err))
	}

	wg.Wait()
	logger.Info("shutdown complete")
}

// armSchedules re-arms recurring checks for every package tied to a
// polling source, so restarts do not silently stop synchronization.
func armSchedules(ctx context.Context, reg *registry.Registry, scheduler *sched.Scheduler) error {
	packages, err := reg.ListPackages(ctx)
	if err != nil {
		return err
	}
	for _, p := range packages {
		if p.Origin != registry.OriginVCS || p.SourceKey == "" {
			continue
		}
		src, err := reg.GetSource(ctx, p.SourceKey)
		if errors.Is(err, registry.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		hook := pkgsync.HookFor(p.Slug)
		if src.UseWebhooks {
			if err := scheduler.UnscheduleAll(ctx, hook); err != nil {
				return err
			}
			continue
		}
		args := pkgsync.HookArgs{SourceKey: src.Key, Kind: p.Kind}.Encode()
		if err := scheduler.ScheduleRecurring(ctx, hook, args, src.Frequency()); err != nil {
			return err
		}
	}
	return nil
}
