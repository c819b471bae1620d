package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/joaosutil/pede-ai2/internal/di"
	"github.com/joaosutil/pede-ai2/internal/platform/config"
	"github.com/joaosutil/pede-ai2/internal/platform/events"
	pfirestore "github.com/joaosutil/pede-ai2/internal/platform/firestore"
	"github.com/joaosutil/pede-ai2/internal/platform/idempotency"
	"github.com/joaosutil/pede-ai2/internal/platform/observability"
)

func main() {
	baseLogger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	logger := baseLogger.Named("api")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err = run(observability.WithLogger(ctx, logger), logger)
	stop()
	if err != nil {
		logger.Error("api exited", zap.Error(err))
		_ = baseLogger.Sync()
		os.Exit(1)
	}
	_ = baseLogger.Sync()
}

// run wires the API and serves until ctx is cancelled, then drains in-flight requests.
func run(ctx context.Context, logger *zap.Logger) error {
	startedAt := time.Now().UTC()

	envValues, err := config.EnvironmentValues()
	if err != nil {
		return fmt.Errorf("read environment: %w", err)
	}
	fetcher, err := newSecretFetcher(ctx, logger, envValues)
	if err != nil {
		return fmt.Errorf("secret fetcher: %w", err)
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(config.SecretResolverFunc(fetcher.Resolve)),
		config.WithRequiredSecrets(requiredSecretNames(envValues)...),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Error("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		return fmt.Errorf("load configuration: %w", err)
	}

	firestoreProvider := pfirestore.NewProvider(cfg.Firestore)
	firestoreClient, err := firestoreProvider.Client(ctx)
	if err != nil {
		return fmt.Errorf("firestore client: %w", err)
	}

	pubsubClient, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
	if err != nil {
		return fmt.Errorf("pubsub client: %w", err)
	}
	orderTopic := pubsubClient.Topic(cfg.PubSub.OrderEventsTopic)
	var publisherOpts []events.PublisherOption
	if cfg.PubSub.OrderedDelivery {
		publisherOpts = append(publisherOpts, events.WithOrderedDelivery())
	}
	orderEvents, err := events.NewPubSubOrderEventPublisher(orderTopic, publisherOpts...)
	if err != nil {
		return fmt.Errorf("order event publisher: %w", err)
	}

	registry, err := newRegistry(firestoreProvider, cfg, logger)
	if err != nil {
		return fmt.Errorf("repositories: %w", err)
	}
	registry.Events = orderEvents
	registry.Health = newHealthRepository(firestoreClient, orderTopic, fetcher)
	registry.Closers = append(registry.Closers,
		firestoreProvider.Close,
		func(context.Context) error {
			orderTopic.Stop()
			return pubsubClient.Close()
		},
	)

	build := buildInfoFromEnv(envValues, cfg, startedAt)
	container, err := di.NewContainer(ctx, cfg, registry,
		di.WithLogger(logger),
		di.WithBuildInfo(build),
	)
	if err != nil {
		return fmt.Errorf("services: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := container.Close(closeCtx); err != nil {
			logger.Warn("container close error", zap.Error(err))
		}
	}()

	idempotencyStore := idempotency.NewFirestoreStore(firestoreProvider)
	router, closeRouter, err := buildRouter(ctx, logger, cfg, container.Services, build, idempotencyStore)
	if err != nil {
		return err
	}
	defer closeRouter()

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Named("http").Info("pede-ai api listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		sweepIdempotencyKeys(gctx, logger.Named("idempotency"), idempotencyStore, cfg.Idempotency)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down; draining requests")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// sweepIdempotencyKeys deletes expired idempotency records on a fixed interval until ctx ends.
func sweepIdempotencyKeys(ctx context.Context, logger *zap.Logger, store idempotency.Store, cfg config.IdempotencyConfig) {
	if cfg.CleanupInterval <= 0 {
		return
	}
	ticker := time.NewTicker(cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			removed, err := store.CleanupExpired(ctx, now.UTC(), cfg.CleanupBatchSize)
			switch {
			case err != nil && ctx.Err() == nil:
				logger.Warn("idempotency cleanup failed", zap.Error(err))
			case removed > 0:
				logger.Debug("idempotency cleanup removed records", zap.Int("count", removed))
			}
		}
	}
}
