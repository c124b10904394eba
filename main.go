package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	appcmd "github.com/mikills/swcore/cmd"
	"github.com/mikills/swcore/sw"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"
	mongooptions "go.mongodb.org/mongo-driver/v2/mongo/options"
)

const redisQueueKey = "swcore:sync-queue"

func main() {
	cfg, err := appcmd.LoadConfig()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	logger := newLogger(cfg.LogFormat, cfg.SlogLevel())
	slog.SetDefault(logger)

	ctx := context.Background()
	opts := []sw.Option{
		sw.WithLogger(logger),
		sw.WithMetrics(sw.NewInMemAppMetrics()),
		sw.WithOrigin(cfg.Origin),
		sw.WithRootDocument(cfg.RootDocument),
		sw.WithCoreFiles(cfg.CoreFiles),
		sw.WithClassifier(sw.NewClassifier(cfg.StaticExtensions, cfg.RemoteHosts)),
		sw.WithMaxEntries(cfg.MaxEntries),
		sw.WithFetcher(sw.NewHTTPFetcher(nil, cfg.NetworkTimeout)),
		sw.WithRevalidateTimeout(cfg.RevalidateTimeout),
		sw.WithScope(cfg.Scope),
	}
	if len(cfg.SyncTags) > 0 {
		opts = append(opts, sw.WithSyncTags(cfg.SyncTags...))
	}

	// Store backend: memory (default), local blob directory or S3.
	var blob sw.BlobStore
	switch cfg.StoreBackend {
	case appcmd.StoreBackendLocal:
		if err := os.MkdirAll(cfg.BlobRoot, 0o755); err != nil {
			logger.Error("create blob root", "root", cfg.BlobRoot, "error", err)
			os.Exit(1)
		}
		blob = sw.NewLocalBlobStore(filepath.Clean(cfg.BlobRoot))
		logger.Info("configured local blob store", "root", cfg.BlobRoot)
	case appcmd.StoreBackendS3:
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			logger.Error("load aws config", "error", err)
			os.Exit(1)
		}
		blob = sw.NewS3BlobStore(client, cfg.S3Bucket, cfg.S3Prefix)
		logger.Info("configured s3 blob store", "bucket", cfg.S3Bucket, "prefix", cfg.S3Prefix, "endpoint", cfg.S3Endpoint)
	default:
		logger.Info("configured in-memory stores", "hint", "set SWCORE_STORE_BACKEND=local or s3 to persist")
	}
	if blob != nil {
		opts = append(opts,
			sw.WithStoreProvider(sw.NewBlobStoreProvider(blob, "stores")),
			sw.WithStateStore(sw.NewBlobLifecycleStateStore(blob)),
			sw.WithQueueSlot(sw.NewBlobQueueSlot(blob, "sync/queue.json")),
		)
	}

	// Lifecycle state: MongoDB overrides the blob-backed record.
	if cfg.MongoURI != "" {
		mongoClient, err := mongo.Connect(mongooptions.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			logger.Error("mongo connect", "error", err)
			os.Exit(1)
		}
		pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
		defer pingCancel()
		if err := mongoClient.Ping(pingCtx, nil); err != nil {
			logger.Error("mongo ping", "error", err)
			os.Exit(1)
		}
		defer func() {
			disconnectCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = mongoClient.Disconnect(disconnectCtx)
		}()
		coll := mongoClient.Database(cfg.MongoDB).Collection(cfg.MongoCollection)
		opts = append(opts, sw.WithStateStore(sw.NewMongoLifecycleStateStore(coll)))
		logger.Info("configured mongo lifecycle state", "db", cfg.MongoDB, "collection", cfg.MongoCollection)
	}

	// Redis: transition leases and the offline queue.
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer func() { _ = redisClient.Close() }()

		leases, err := sw.NewRedisTransitionLeaseManager(redisClient, "swcore:lease:")
		if err != nil {
			logger.Error("redis lease manager", "error", err)
			os.Exit(1)
		}
		queueKey := cfg.RedisQueueKey
		if queueKey == "" {
			queueKey = redisQueueKey
		}
		queue, err := sw.NewRedisQueueSlot(redisClient, queueKey)
		if err != nil {
			logger.Error("redis queue slot", "error", err)
			os.Exit(1)
		}
		opts = append(opts, sw.WithLeaseManager(leases), sw.WithQueueSlot(queue))
		logger.Info("configured redis leases and queue", "addr", cfg.RedisAddr, "queue_key", queueKey)
	}

	proxy, err := sw.NewProxy(cfg.Generation, opts...)
	if err != nil {
		logger.Error("create proxy", "error", err)
		os.Exit(1)
	}

	appCfg := appcmd.AppConfig{
		Address:           cfg.HTTPAddr,
		ReadHeaderTimeout: 5 * time.Second,
		ShutdownTimeout:   cfg.ShutdownTimeout,
		SweepInterval:     cfg.SweepInterval,
		ProbeInterval:     cfg.ProbeInterval,
		ProbeURL:          cfg.ProbeURL,
		AutoInstall:       cfg.AutoInstall,
		Logger:            logger,
	}
	app := appcmd.NewApp(proxy, appCfg)

	if err := app.Start(); err != nil {
		logger.Error("start app", "error", err)
		os.Exit(1)
	}
	logger.Info("swcore listening", "address", app.Address(), "generation", cfg.Generation, "origin", cfg.Origin)

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-sigCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), appCfg.ShutdownTimeout)
		defer cancel()
		if err := app.Stop(shutdownCtx); err != nil {
			logger.Error("shutdown error", "error", err)
		}
	}()

	if err := app.Wait(); err != nil {
		logger.Error("app exited with error", "error", err)
		os.Exit(1)
	}
}

func newLogger(format string, level slog.Level) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func newS3Client(ctx context.Context, cfg appcmd.Config) (*s3.Client, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.S3Region)}
	if cfg.S3AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3AccessKeyID, cfg.S3SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, err
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}
