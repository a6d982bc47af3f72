package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"mediafetch/internal/config"
	"mediafetch/internal/dedup"
	"mediafetch/internal/domain"
	"mediafetch/internal/downloader"
	"mediafetch/internal/event"
	apphttp "mediafetch/internal/http"
	"mediafetch/internal/metrics"
	"mediafetch/internal/quota"
	"mediafetch/internal/repository/sqlite"
	"mediafetch/internal/resolver"
	"mediafetch/internal/service"
	"mediafetch/internal/storage"
	"mediafetch/internal/telemetry"
	"mediafetch/internal/transfer"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if level, err := logrus.ParseLevel(cfg.Log.Level); err == nil {
		logger.SetLevel(level)
	} else {
		logger.Warnf("unknown log level %q, using info", cfg.Log.Level)
	}

	if strings.TrimSpace(cfg.Auth.JWTSecret) == "" {
		logger.Fatalf("auth jwt secret is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Telemetry.Enabled {
		tp, err := telemetry.InitTracer("mediafetch")
		if err != nil {
			logger.Fatalf("init tracer: %v", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			telemetry.ShutdownTracer(shutdownCtx, tp, logger)
		}()
	}

	db, err := sqlite.Open(cfg.Database.Path)
	if err != nil {
		logger.Fatalf("open database: %v", err)
	}
	defer db.Close()

	jobRepo := sqlite.NewJobRepository(db)
	accountRepo := sqlite.NewAccountRepository(db)
	cacheRepo := sqlite.NewCacheRepository(db)

	if err := jobRepo.Init(ctx); err != nil {
		logger.Fatalf("init job repository: %v", err)
	}
	if err := accountRepo.Init(ctx); err != nil {
		logger.Fatalf("init account repository: %v", err)
	}
	if err := cacheRepo.Init(ctx); err != nil {
		logger.Fatalf("init cache repository: %v", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	appMetrics := metrics.New(registry)

	ledger := quota.NewLedger(quota.Config{
		DefaultBalance: cfg.Quota.DefaultBalance,
		WindowLimit:    cfg.Quota.WindowLimit,
		Window:         cfg.Quota.Window,
		WindowMode:     quota.WindowMode(cfg.Quota.WindowMode),
		UnlimitedUsers: cfg.Quota.UnlimitedUsers,
		Logger:         logger,
	})
	cache := dedup.New(cfg.Cache.Capacity)

	accountService := service.NewAccountService(ledger, cache, accountRepo, cacheRepo, logger)
	historyService := service.NewHistoryService(jobRepo, logger)
	if err := accountService.Load(ctx); err != nil {
		logger.Fatalf("restore ledger and cache: %v", err)
	}
	if n, err := historyService.RecoverInterrupted(ctx); err != nil {
		logger.Warnf("recover interrupted jobs: %v", err)
	} else if n > 0 {
		logger.Infof("marked %d interrupted jobs as failed", n)
	}

	httpClient := &http.Client{}
	engine := transfer.NewEngine(transfer.Config{
		MaxSize:         cfg.Transfer.MaxSize,
		MultiConnection: cfg.Transfer.MultiConnection,
		MaxSegments:     cfg.Transfer.MaxSegments,
		MinSegmentSize:  cfg.Transfer.MinSegmentSize,
		Retries:         cfg.Transfer.Retries,
		Backoff:         cfg.Transfer.Backoff,
		ChunkSize:       cfg.Transfer.ChunkSize,
		UserAgent:       cfg.Transfer.UserAgent,
		HTTPClient:      httpClient,
		Logger:          logger,
	})

	ytdlp := resolver.NewYtDlpExtractor(cfg.Resolver.YtDlpPath)
	res := resolver.New(resolver.Config{
		Extractors: map[domain.Platform]resolver.Extractor{
			domain.PlatformYouTube:    resolver.NewYouTubeExtractor(httpClient),
			domain.PlatformTikTok:     ytdlp,
			domain.PlatformInstagram:  ytdlp,
			domain.PlatformReddit:     ytdlp,
			domain.PlatformDirectLink: &resolver.DirectExtractor{Prober: engine},
		},
		Generic:        ytdlp,
		AllowPlaylists: cfg.Resolver.AllowPlaylists,
		AllowM3U8:      cfg.Resolver.AllowM3U8,
		Timeout:        cfg.Download.ResolveTimeout,
		Logger:         logger,
	})

	storageSvc, err := buildStorage(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("setup storage: %v", err)
	}

	nc, err := event.Connect(cfg.NATS.URL, logger)
	if err != nil {
		logger.Fatalf("connect nats: %v", err)
	}
	if nc != nil {
		defer nc.Drain()
	}
	publisher := event.NewPublisher(nc, cfg.NATS.SubjectPrefix, logger)
	defer publisher.Close()

	var deliverer downloader.Deliverer
	if nc != nil {
		deliverer = event.NewNATSDeliverer(nc, cfg.NATS.SubjectPrefix, storageSvc, cfg.Storage.URLExpiry, logger)
	} else {
		logger.Warn("nats.url not set, deliveries are only logged")
		deliverer = event.NewLogDeliverer(storageSvc, cfg.Storage.URLExpiry, logger)
	}

	manager := downloader.NewManager(downloader.Config{
		DownloadRoot:    cfg.Download.DataDir,
		MaxConcurrent:   cfg.Download.MaxConcurrent,
		PerUserLimit:    cfg.Download.PerUserLimit,
		Cost:            cfg.Quota.Cost,
		KeyPrefix:       cfg.Storage.KeyPrefix,
		TransferTimeout: cfg.Download.TransferTimeout,
		DeliveryTimeout: cfg.Download.DeliveryTimeout,
		Logger:          logger,
	}, downloader.Deps{
		Resolver:  res,
		Transfer:  engine,
		Ledger:    ledger,
		Cache:     cache,
		Stager:    storageSvc,
		Deliverer: deliverer,
		Publisher: publisher,
		History:   historyService,
		Metrics:   appMetrics,
	})

	if err := manager.Start(ctx); err != nil {
		logger.Fatalf("start manager: %v", err)
	}
	go accountService.Run(ctx, cfg.Cache.FlushInterval)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	apphttp.NewHandler(apphttp.Options{
		Manager:    manager,
		Accounts:   accountService,
		History:    historyService,
		Metrics:    appMetrics,
		Gatherer:   registry,
		JWTSecret:  cfg.Auth.JWTSecret,
		AdminUsers: cfg.Auth.AdminUsers,
		RateLimit:  cfg.HTTP.RateLimit,
		Burst:      cfg.HTTP.Burst,
		Logger:     logger,
	}).RegisterRoutes(router)

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: router,
	}

	go func() {
		logger.Infof("listening on %s", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("http server: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("http shutdown: %v", err)
	}
	manager.Shutdown()

	saveCtx, cancelSave := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelSave()
	if err := accountService.Save(saveCtx); err != nil {
		logger.Errorf("persist ledger and cache: %v", err)
	}

	logger.Info("bye")
}

// buildStorage picks S3 when a bucket is configured and a local directory otherwise.
func buildStorage(ctx context.Context, cfg config.Config, logger *logrus.Logger) (storage.Service, error) {
	if cfg.Storage.Bucket == "" {
		logger.Infof("storage bucket not set, staging files in %s", cfg.Storage.LocalDir)
		local, err := storage.NewLocalService(cfg.Storage.LocalDir)
		if err != nil {
			return nil, err
		}
		return local, nil
	}

	loadOpts := []func(*awscfg.LoadOptions) error{
		awscfg.WithRegion(cfg.Storage.Region),
	}
	if cfg.AWS.Profile != "" {
		loadOpts = append(loadOpts, awscfg.WithSharedConfigProfile(cfg.AWS.Profile))
	}

	awsCfg, err := awscfg.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Storage.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Storage.Endpoint)
			o.UsePathStyle = true
		}
	})
	logger.Infof("using s3 bucket %s (region %s)", cfg.Storage.Bucket, cfg.Storage.Region)
	return storage.NewS3Service(client, cfg.Storage.Bucket, logger), nil
}
