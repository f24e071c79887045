package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	gosmtp "github.com/emersion/go-smtp"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Merit-Systems/x402email/internal/auth"
	"github.com/Merit-Systems/x402email/internal/awsconf"
	"github.com/Merit-Systems/x402email/internal/blob"
	"github.com/Merit-Systems/x402email/internal/capacity"
	"github.com/Merit-Systems/x402email/internal/config"
	"github.com/Merit-Systems/x402email/internal/health"
	"github.com/Merit-Systems/x402email/internal/inbound"
	"github.com/Merit-Systems/x402email/internal/ledger"
	"github.com/Merit-Systems/x402email/internal/logger"
	"github.com/Merit-Systems/x402email/internal/monitoring"
	"github.com/Merit-Systems/x402email/internal/payment"
	"github.com/Merit-Systems/x402email/internal/routing"
	"github.com/Merit-Systems/x402email/internal/sender"
	"github.com/Merit-Systems/x402email/internal/service"
	"github.com/Merit-Systems/x402email/internal/smtp"
	"github.com/Merit-Systems/x402email/internal/storage"
	"github.com/Merit-Systems/x402email/internal/storage/memory"
	"github.com/Merit-Systems/x402email/internal/storage/postgres"
	redisstore "github.com/Merit-Systems/x402email/internal/storage/redis"
	httptransport "github.com/Merit-Systems/x402email/internal/transport/http"
)

// main 启动 HTTP API、可选的开发 SMTP 入站服务以及每日清理任务。
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	if cfg.Log.Development {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer func() { _ = log.Sync() }()

	log.Info("starting x402email server",
		zap.String("root_domain", cfg.Email.RootDomain),
		zap.String("log_level", cfg.Log.Level),
		zap.Bool("development", cfg.Log.Development),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	healthChecker := health.NewHealthChecker(log)

	// 元数据存储
	store, closeStore, err := initializeStore(ctx, cfg, healthChecker, log)
	if err != nil {
		log.Fatal("failed to initialize storage", zap.Error(err))
	}
	defer closeStore()

	// AWS 配置仅在用到 S3 或 SES 时加载
	var awsCfg aws.Config
	if cfg.Blob.Driver == "s3" || cfg.Sender.Driver == "ses" {
		awsCfg, err = awsconf.Load(ctx, cfg.AWS)
		if err != nil {
			log.Fatal("failed to load aws config", zap.Error(err))
		}
		log.Info("aws config loaded", zap.String("region", awsCfg.Region))
	}

	objects, err := initializeBlobStore(cfg, awsCfg)
	if err != nil {
		log.Fatal("failed to initialize blob storage", zap.Error(err))
	}
	blobs := blob.NewManager(objects, store, log)
	log.Info("blob storage initialized", zap.String("driver", cfg.Blob.Driver))

	snd, err := initializeSender(cfg, awsCfg, log)
	if err != nil {
		log.Fatal("failed to initialize sender", zap.Error(err))
	}
	log.Info("sender initialized", zap.String("driver", cfg.Sender.Driver))

	// 到期账本：提醒邮件与退款转账
	reminder, err := ledger.NewMailReminder(ledger.ReminderConfig{
		From:       cfg.Email.RelayAddress(),
		FromName:   "x402email",
		RootDomain: cfg.Email.RootDomain,
		BaseURL:    cfg.Server.BaseURL,
	}, snd, log)
	if err != nil {
		log.Fatal("failed to parse reminder templates", zap.Error(err))
	}
	var transferer payment.Transferer
	if cfg.Payment.TransferURL != "" {
		transferer = payment.NewHTTPTransferer(cfg.Payment, log)
	} else {
		log.Warn("payment transfer url not configured, refunds will be reported as failed")
	}
	book := ledger.New(ledger.Config{
		MinRefund:        cfg.Ledger.MinRefund,
		ReminderWindow:   cfg.Ledger.ReminderWindow,
		ReminderInterval: cfg.Ledger.ReminderInterval,
	}, ledger.Deps{
		Store:      store,
		Transferer: transferer,
		Notifier:   reminder,
		Logger:     log,
	})

	// 入站：路由 + 通知处理
	enforcer := capacity.New()
	resolver := routing.NewResolver(routing.Config{
		RootDomain:   cfg.Email.RootDomain,
		RelayAddress: cfg.Email.RelayAddress(),
		RelaySuffix:  cfg.Email.RelaySuffix,
	}, routing.Deps{
		Store:    store,
		Sender:   snd,
		Capacity: enforcer,
		Logger:   log,
	})

	deduper, closeDedup, err := initializeDeduper(ctx, cfg, store, healthChecker, log)
	if err != nil {
		log.Fatal("failed to initialize notification dedup", zap.Error(err))
	}
	defer closeDedup()
	// Redis 记录自带过期时间，存储去重记录随清理任务一起删除
	storeDedup, _ := deduper.(*inbound.StoreDeduper)

	processor := inbound.NewProcessor(inbound.Config{
		TopicARN:        cfg.Webhook.TopicARN,
		VerifySignature: cfg.Webhook.VerifySignature,
	}, inbound.Deps{
		Router:     resolver,
		Blobs:      blobs,
		Deduper:    deduper,
		HTTPClient: &http.Client{Timeout: cfg.Webhook.ConfirmTimeout},
		Logger:     log,
	})

	// 服务层
	svcCfg := service.Config{
		RootDomain:   cfg.Email.RootDomain,
		RelayAddress: cfg.Email.RelayAddress(),
		RelayName:    "x402email",
	}
	deps := service.Deps{
		Store:    store,
		Blobs:    blobs,
		Ledger:   book,
		Sender:   snd,
		Capacity: enforcer,
		Logger:   log,
	}

	httpAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	router := httptransport.NewRouter(httptransport.RouterDependencies{
		Config:           cfg,
		InboxService:     service.NewInboxService(svcCfg, deps),
		SubdomainService: service.NewSubdomainService(svcCfg, deps),
		OutboundService:  service.NewOutboundService(svcCfg, deps),
		Processor:        processor,
		Ledger:           book,
		AuthManager:      auth.NewManager(cfg.Auth),
		Health:           healthChecker,
		Metrics:          monitoring.Default,
		Logger:           log,
	})

	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)

	// HTTP 服务器 goroutine
	group.Go(func() error {
		log.Info("starting HTTP server", zap.String("address", httpAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server error", zap.Error(err))
			return err
		}
		return nil
	})

	// 开发用 SMTP 入站
	var smtpServer *gosmtp.Server
	if cfg.SMTP.Enabled {
		limiter := smtp.NewConnectionLimiter(100, cfg.SMTP.Rate, cfg.SMTP.Burst)
		smtpServer = gosmtp.NewServer(smtp.NewBackend(resolver, objects, processor, limiter, log))
		smtpServer.Addr = cfg.SMTP.BindAddr
		smtpServer.Domain = cfg.Email.RootDomain
		smtpServer.ReadTimeout = 10 * time.Second
		smtpServer.WriteTimeout = 10 * time.Second
		smtpServer.MaxMessageBytes = smtp.MaxMessageBytes
		smtpServer.MaxRecipients = smtp.MaxRecipients

		group.Go(func() error {
			log.Info("starting SMTP ingress", zap.String("address", cfg.SMTP.BindAddr))
			if err := smtpServer.ListenAndServe(); err != nil && !errors.Is(err, gosmtp.ErrServerClosed) {
				log.Error("SMTP server error", zap.Error(err))
				return err
			}
			return nil
		})
	}

	// 定时清理：停用过期收件箱并发送到期提醒
	group.Go(func() error {
		ticker := time.NewTicker(cfg.Ledger.SweepInterval)
		defer ticker.Stop()

		log.Info("starting expiration sweep task", zap.Duration("interval", cfg.Ledger.SweepInterval))

		for {
			select {
			case <-groupCtx.Done():
				log.Info("sweep task stopped")
				return nil
			case <-ticker.C:
				if result, err := book.Sweep(groupCtx); err != nil {
					log.Error("expiration sweep failed", zap.Error(err))
				} else {
					log.Info("expiration sweep finished",
						zap.Int64("deactivated", result.Deactivated),
						zap.Int("reminders_sent", result.Sent),
						zap.Int("reminders_failed", result.Failed),
					)
				}

				if storeDedup != nil {
					pruned, err := storeDedup.Prune(groupCtx)
					if err != nil {
						log.Warn("notification dedup prune failed", zap.Error(err))
						continue
					}
					log.Info("notification dedup pruned", zap.Int64("removed", pruned))
				}
			}
		}
	})

	// 优雅关闭 goroutine
	group.Go(func() error {
		<-groupCtx.Done()
		log.Info("shutdown signal received, gracefully shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", zap.Error(err))
		}
		if smtpServer != nil {
			if err := smtpServer.Shutdown(shutdownCtx); err != nil {
				log.Warn("SMTP server shutdown warning", zap.Error(err))
			}
		}

		log.Info("servers stopped")
		return nil
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal("server error", zap.Error(err))
	}

	log.Info("server exited cleanly")
}

// initializeStore 配置了 DSN 时使用 PostgreSQL，否则使用内存存储
func initializeStore(ctx context.Context, cfg *config.Config, hc *health.HealthChecker, log *zap.Logger) (storage.Store, func(), error) {
	if cfg.Database.DSN == "" {
		log.Info("using memory storage (development mode)")
		store := memory.NewStore()
		hc.AddReadiness("database", store)
		return store, func() { _ = store.Close() }, nil
	}

	store, err := postgres.NewStore(cfg.Database.DSN, postgres.PoolConfig{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		return nil, nil, err
	}

	// 就绪检查走独立的 pgx 连接池，不占用业务连接
	client, err := postgres.New(ctx, cfg.Database, log)
	if err != nil {
		_ = store.Close()
		return nil, nil, err
	}
	hc.AddReadiness("database", client)

	log.Info("database storage initialized")
	return store, func() {
		client.Close()
		_ = store.Close()
	}, nil
}

// initializeBlobStore 按驱动创建原始邮件存储
func initializeBlobStore(cfg *config.Config, awsCfg aws.Config) (blob.Store, error) {
	switch cfg.Blob.Driver {
	case "s3":
		return blob.NewS3Store(awsCfg, blob.S3Options{
			Bucket:    cfg.Blob.Bucket,
			Prefix:    cfg.Blob.Prefix,
			Endpoint:  cfg.AWS.Endpoint,
			PathStyle: cfg.Blob.PathStyle,
		})
	case "filesystem":
		return blob.NewFilesystemStore(cfg.Blob.Root)
	default:
		return blob.NewMemoryStore(), nil
	}
}

// initializeSender 按驱动创建转发与外发使用的发送器
func initializeSender(cfg *config.Config, awsCfg aws.Config, log *zap.Logger) (sender.Sender, error) {
	switch cfg.Sender.Driver {
	case "ses":
		return sender.NewSESSender(awsCfg, cfg.Sender.Rate, cfg.Sender.Burst, log), nil
	case "smtp":
		if cfg.Sender.SMTPAddr == "" {
			return nil, fmt.Errorf("sender.smtp_addr is required for the smtp driver")
		}
		return sender.NewSMTPSender(cfg.Sender.SMTPAddr, cfg.Sender.Rate, cfg.Sender.Burst, log), nil
	default:
		return sender.NewLogSender(log), nil
	}
}

// initializeDeduper 选择通知去重方式
//
// 开启 Redis 时用 Redis 记录，否则落在元数据存储中；关闭去重时返回 nil。
func initializeDeduper(ctx context.Context, cfg *config.Config, store storage.Store, hc *health.HealthChecker, log *zap.Logger) (inbound.Deduper, func(), error) {
	noop := func() {}
	if !cfg.Webhook.Dedup {
		log.Warn("notification dedup disabled")
		return nil, noop, nil
	}
	if !cfg.Redis.Enabled {
		return inbound.NewStoreDeduper(store, cfg.Webhook.DedupTTL), noop, nil
	}

	client, err := redisstore.New(ctx, cfg.Redis, log)
	if err != nil {
		return nil, noop, err
	}
	hc.AddReadiness("redis", client)
	return redisstore.NewDeduper(client, cfg.Webhook.DedupTTL), func() { _ = client.Close() }, nil
}
