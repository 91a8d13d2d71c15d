package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/rs/zerolog"

	"github.com/markdave123-py/Extracta/internal/cache"
	"github.com/markdave123-py/Extracta/internal/config"
	"github.com/markdave123-py/Extracta/internal/core"
	db "github.com/markdave123-py/Extracta/internal/core/database"
	"github.com/markdave123-py/Extracta/internal/core/ingestion_engine"
	"github.com/markdave123-py/Extracta/internal/core/lifecycle"
	"github.com/markdave123-py/Extracta/internal/core/llm"
	"github.com/markdave123-py/Extracta/internal/core/memstore"
	"github.com/markdave123-py/Extracta/internal/core/notifier"
	objectclient "github.com/markdave123-py/Extracta/internal/core/object-client"
	"github.com/markdave123-py/Extracta/internal/models"
	"github.com/markdave123-py/Extracta/internal/services"
)

// changeWorkers bounds concurrent handling of ledger change events.
const changeWorkers = 16

type App struct {
	Ledger     core.Ledger
	Changes    core.ChangeSource
	Lifecycle  *lifecycle.Controller
	Dispatcher *notifier.Dispatcher
	Sweeper    *notifier.Sweeper
	Queue      *ingestion_engine.Queue
	Triggers   *services.TriggerService
	Server     *Server

	cfg     *config.Config
	log     zerolog.Logger
	closers []io.Closer
}

func NewApp(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*App, error) {
	appCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	a := &App{cfg: cfg, log: log}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	if err := a.initLedger(appCtx); err != nil {
		return nil, err
	}

	var awsCfg aws.Config
	if cfg.BlobBackend == config.BackendS3 || cfg.Extractor == config.ExtractorTextract {
		loaded, err := loadAWSConfig(appCtx, cfg)
		if err != nil {
			return nil, err
		}
		awsCfg = loaded
	}

	blobs, bucket, err := newBlobStore(cfg, awsCfg)
	if err != nil {
		return nil, err
	}
	log.Info().Str("backend", cfg.BlobBackend).Msg("blob store initialized and ready")

	extractor, err := a.newExtractor(appCtx, awsCfg)
	if err != nil {
		return nil, err
	}
	log.Info().Str("extractor", cfg.Extractor).Msg("extractor initialized and ready")

	a.Lifecycle = lifecycle.New(a.Ledger, blobs, extractor, log,
		lifecycle.WithExtractTimeout(cfg.ExtractTimeout),
		lifecycle.WithStaleAfter(cfg.StaleAfter),
	)

	var dispatchOpts []notifier.Option
	if cfg.RedisURL != "" {
		lease, err := cache.NewRedisLease(appCtx, cfg.RedisURL, "")
		if err != nil {
			return nil, fmt.Errorf("couldn't initialize the dispatch lease, %w", err)
		}
		a.closers = append(a.closers, lease)
		dispatchOpts = append(dispatchOpts, notifier.WithLease(lease))
	}
	a.Dispatcher = notifier.NewDispatcher(a.Ledger, notifier.Config{
		Timeout:         cfg.CallbackTimeout,
		MaxAttempts:     cfg.CallbackMaxAttempts,
		NotifyOnFailure: cfg.NotifyOnFailure,
	}, log, dispatchOpts...)
	a.Sweeper = notifier.NewSweeper(a.Ledger, a.Dispatcher, cfg.SweepInterval, cfg.SweepMinAge, log)

	a.Queue = ingestion_engine.NewQueue(a.Lifecycle, 64, cfg.ExtractTimeout+time.Minute, log)

	docs := services.NewDocumentService(a.Lifecycle, a.Queue, cfg.AutoExtract, log)
	a.Triggers = services.NewTriggerService(a.Lifecycle, a.Queue, a.Dispatcher, bucket, cfg.BlobPrefix, log)
	a.Server = NewServer(cfg, NewRouter(cfg, docs, a.Triggers, log), log)

	ok = true
	return a, nil
}

func (a *App) initLedger(ctx context.Context) error {
	switch a.cfg.LedgerBackend {
	case config.BackendMemory:
		l := memstore.NewLedger()
		a.Ledger, a.Changes = l, l
	default:
		dbClient, err := db.NewDatabaseClient(ctx, a.cfg.DatabaseURL)
		if err != nil {
			return err
		}
		a.Ledger = dbClient
		a.Changes = db.NewChangeListener(a.cfg.DatabaseURL, a.log)
	}
	a.log.Info().Str("backend", a.cfg.LedgerBackend).Msg("ledger initialized and ready")
	return nil
}

func loadAWSConfig(ctx context.Context, cfg *config.Config) (aws.Config, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.AwsRegion)}
	if cfg.AwsAccessKey != "" && cfg.AwsSecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AwsAccessKey, cfg.AwsSecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load aws config: %w", err)
	}
	return awsCfg, nil
}

func newBlobStore(cfg *config.Config, awsCfg aws.Config) (core.BlobStore, string, error) {
	if cfg.BlobBackend == config.BackendMemory {
		return memstore.NewBlobStore(), "", nil
	}
	s3c, err := objectclient.NewS3Client(awsCfg, objectclient.Options{
		Bucket:   cfg.BucketName,
		Prefix:   cfg.BlobPrefix,
		Endpoint: cfg.S3Endpoint,
	})
	if err != nil {
		return nil, "", err
	}
	return s3c, s3c.Bucket(), nil
}

func (a *App) newExtractor(ctx context.Context, awsCfg aws.Config) (core.TextExtractor, error) {
	switch a.cfg.Extractor {
	case config.ExtractorGemini:
		g, err := llm.NewGeminiOCR(ctx, a.cfg.AIAPIKey, a.cfg.GenModel)
		if err != nil {
			return nil, fmt.Errorf("couldn't initialize the gemini extractor, %w", err)
		}
		a.closers = append(a.closers, g)
		return g, nil
	case config.ExtractorDocconv:
		useReadability := false
		return ingestion_engine.NewDocconvExtractor(useReadability), nil
	default:
		return ingestion_engine.NewTextractExtractor(awsCfg), nil
	}
}

// Run starts the extraction workers, the change observer, the retry sweep and the
// HTTP server, and blocks until ctx is done.
func (a *App) Run(ctx context.Context) error {
	a.Queue.Start(ctx, a.cfg.ExtractWorkers)
	go a.Sweeper.Run(ctx)
	go a.observeChanges(ctx)

	errCh := make(chan error, 1)
	go func() { errCh <- a.Server.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := a.Server.Shutdown(shutdownCtx); err != nil {
		a.log.Error().Err(err).Msg("http shutdown")
	}
	a.Queue.Shutdown(shutdownCtx)
	return nil
}

// observeChanges feeds ledger changes to the dispatcher with bounded concurrency, so
// one slow callback does not stall the stream.
func (a *App) observeChanges(ctx context.Context) {
	sem := make(chan struct{}, changeWorkers)
	err := a.Changes.Listen(ctx, func(ctx context.Context, ev models.ChangeEvent) {
		if ev.Kind != models.ChangeModify {
			return
		}
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		go func() {
			defer func() { <-sem }()
			a.Triggers.HandleChange(ctx, ev)
		}()
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		a.log.Error().Err(err).Msg("change observer stopped")
	}
}

func (a *App) Close() {
	for _, c := range a.closers {
		_ = c.Close()
	}
	if a.Ledger != nil {
		_ = a.Ledger.Close()
	}
}
