package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/joaosutil/pede-ai2/internal/di"
	"github.com/joaosutil/pede-ai2/internal/handlers"
	"github.com/joaosutil/pede-ai2/internal/payments"
	"github.com/joaosutil/pede-ai2/internal/platform/auth"
	"github.com/joaosutil/pede-ai2/internal/platform/config"
	pfirestore "github.com/joaosutil/pede-ai2/internal/platform/firestore"
	"github.com/joaosutil/pede-ai2/internal/platform/httpx"
	"github.com/joaosutil/pede-ai2/internal/platform/idempotency"
	"github.com/joaosutil/pede-ai2/internal/platform/observability"
	"github.com/joaosutil/pede-ai2/internal/platform/secrets"
	"github.com/joaosutil/pede-ai2/internal/repositories"
	firestoreRepo "github.com/joaosutil/pede-ai2/internal/repositories/firestore"
	"github.com/joaosutil/pede-ai2/internal/services"
)

const probeTimeout = 1500 * time.Millisecond

// newRegistry assembles the Firestore repositories and, when a Stripe key is configured, the
// payment gateway.
func newRegistry(provider *pfirestore.Provider, cfg config.Config, logger *zap.Logger) (di.Registry, error) {
	var reg di.Registry
	var err error
	if reg.Orders, err = firestoreRepo.NewOrderRepository(provider); err != nil {
		return di.Registry{}, fmt.Errorf("order repository: %w", err)
	}
	if reg.Restaurants, err = firestoreRepo.NewRestaurantRepository(provider); err != nil {
		return di.Registry{}, fmt.Errorf("restaurant repository: %w", err)
	}
	if reg.Counters, err = firestoreRepo.NewCounterRepository(provider); err != nil {
		return di.Registry{}, fmt.Errorf("counter repository: %w", err)
	}
	reg.UnitOfWork = pfirestore.NewUnitOfWork(provider, pfirestore.WithTxTimeout(cfg.Firestore.TxTimeout))

	if !cfg.PSP.Enabled() {
		return reg, nil
	}
	gateway, err := newPaymentGateway(cfg.PSP, logger.Named("payments"))
	if err != nil {
		return di.Registry{}, err
	}
	reg.Gateway = gateway
	return reg, nil
}

func newPaymentGateway(cfg config.PSPConfig, logger *zap.Logger) (*payments.Manager, error) {
	stripe, err := payments.NewStripeProvider(payments.StripeProviderConfig{
		APIKey:    cfg.StripeAPIKey,
		AccountID: cfg.StripeAccountID,
		Currency:  cfg.Currency,
		Logger:    payments.StripeLogger(observability.NewEventLogger(logger)),
		Clock:     time.Now,
	})
	if err != nil {
		return nil, fmt.Errorf("stripe provider: %w", err)
	}
	manager, err := payments.NewManager(
		map[string]payments.Gateway{"stripe": stripe},
		payments.WithDefaultProvider("stripe"),
		payments.WithTimeouts(payments.Timeouts{
			Charge: cfg.ChargeTimeout,
			Refund: cfg.RefundTimeout,
			Status: cfg.StatusTimeout,
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("payment manager: %w", err)
	}
	logger.Info("stripe gateway configured", zap.String("currency", cfg.Currency))
	return manager, nil
}

func buildInfoFromEnv(env map[string]string, cfg config.Config, started time.Time) services.BuildInfo {
	orDefault := func(value, fallback string) string {
		if value = strings.TrimSpace(value); value != "" {
			return value
		}
		return fallback
	}
	return services.BuildInfo{
		Version:     orDefault(env["API_BUILD_VERSION"], "dev"),
		CommitSHA:   orDefault(env["API_BUILD_COMMIT_SHA"], "unknown"),
		Environment: orDefault(cfg.Security.Environment, "local"),
		StartedAt:   started,
	}
}

// newHealthRepository probes Firestore (critical), the order events topic and Secret Manager.
func newHealthRepository(client *firestore.Client, topic *pubsub.Topic, fetcher *secrets.Fetcher) repositories.HealthRepository {
	var checks []repositories.DependencyCheck
	if client != nil {
		checks = append(checks, repositories.DependencyCheck{
			Name:     "firestore",
			Critical: true,
			Timeout:  probeTimeout,
			Check: func(ctx context.Context) error {
				_, err := client.Collections(ctx).Next()
				if errors.Is(err, iterator.Done) {
					return nil
				}
				return err
			},
		})
	}
	if topic != nil {
		checks = append(checks, repositories.DependencyCheck{
			Name:    "pubsub",
			Timeout: probeTimeout,
			Check: func(ctx context.Context) error {
				exists, err := topic.Exists(ctx)
				switch {
				case err != nil:
					return err
				case !exists:
					return fmt.Errorf("topic %s not found", topic.ID())
				}
				return nil
			},
		})
	}
	if fetcher != nil {
		checks = append(checks, repositories.DependencyCheck{
			Name:    "secretManager",
			Timeout: time.Second,
			Check: func(ctx context.Context) error {
				// a missing probe secret still proves Secret Manager answered
				_, err := fetcher.Resolve(ctx, "secret://system/healthz?version=latest")
				if err == nil || errors.Is(err, secrets.ErrSecretNotFound) || status.Code(err) == codes.NotFound {
					return nil
				}
				return err
			},
		})
	}
	repo, err := repositories.NewDependencyHealthRepository(checks)
	if err != nil {
		return nil
	}
	return repo
}

// buildRouter wires the authenticators and handler groups onto the router. The returned func
// releases background resources owned by the middleware chain.
func buildRouter(ctx context.Context, logger *zap.Logger, cfg config.Config, svc di.Services, build services.BuildInfo, store idempotency.Store) (http.Handler, func(), error) {
	authMetrics, err := observability.NewAuthMetrics(nil)
	if err != nil {
		logger.Warn("auth metrics disabled", zap.Error(err))
		authMetrics = nil
	}

	firebaseVerifier, err := auth.NewFirebaseVerifier(ctx, cfg.Firebase)
	if err != nil {
		return nil, nil, fmt.Errorf("firebase verifier: %w", err)
	}
	authenticator := auth.NewAuthenticator(firebaseVerifier)
	withIdempotency := idempotency.Middleware(store,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithLogger(logger.Named("idempotency")),
	)

	orderOpts := []handlers.OrderHandlerOption{
		handlers.WithOrderStats(svc.Stats),
		handlers.WithOrderIdempotency(withIdempotency),
		handlers.WithOrderLookupLimit(cfg.Orders.LookupRateLimit, cfg.Orders.LookupRateWindow),
	}
	if svc.Payments != nil {
		orderOpts = append(orderOpts, handlers.WithOrderPayments(svc.Payments))
	}
	orders := handlers.NewOrderHandlers(authenticator, svc.Orders, orderOpts...)
	webhooks := handlers.NewWebhookHandlers(svc.Orders)
	maintenance := handlers.NewMaintenanceHandlers(authenticator, svc.Orders)

	healthOpts := []handlers.HealthOption{handlers.WithHealthBuildInfo(build)}
	if svc.System != nil {
		healthOpts = append(healthOpts, handlers.WithHealthSystemService(svc.System))
	}

	httpLogger := logger.Named("http")
	projectID := traceProjectID(cfg)
	opts := []handlers.Option{
		handlers.WithMiddlewares(
			observability.InjectLoggerMiddleware(httpLogger),
			observability.TraceMiddleware(projectID),
			observability.RecoveryMiddleware(httpLogger),
			observability.RequestLoggerMiddleware(projectID),
		),
		handlers.WithRequestTimeout(cfg.Server.WriteTimeout),
		handlers.WithHealthHandlers(handlers.NewHealthHandlers(healthOpts...)),
		handlers.WithGroup(handlers.GroupOrders, orders.Routes),
		handlers.WithGroup(handlers.GroupWebhooks, webhooks.Routes),
		handlers.WithGroup(handlers.GroupAdmin, maintenance.AdminRoutes),
		handlers.WithGroup(handlers.GroupInternal, maintenance.InternalRoutes),
	}

	if svc.Payments != nil {
		charges := handlers.NewPaymentHandlers(authenticator, svc.Payments, handlers.WithPaymentIdempotency(withIdempotency))
		opts = append(opts, handlers.WithGroup(handlers.GroupPayments, charges.Routes))
	} else {
		logger.Warn("payments: stripe api key not configured; charge endpoints disabled")
	}

	closer := func() {}
	if oidc, closeJWKS := buildOIDCMiddleware(logger, cfg, authMetrics); oidc != nil {
		opts = append(opts, handlers.WithGroupMiddlewares(handlers.GroupInternal, oidc))
		closer = closeJWKS
	}
	if signed := buildHMACMiddleware(logger, cfg, authMetrics); signed != nil {
		opts = append(opts, handlers.WithGroupMiddlewares(handlers.GroupWebhooks, signed))
	} else {
		logger.Warn("auth: no webhook secret configured; payment webhooks will be rejected")
		opts = append(opts, handlers.WithGroupMiddlewares(handlers.GroupWebhooks, rejectUnsignedWebhooks))
	}

	return handlers.NewRouter(opts...), closer, nil
}

// buildOIDCMiddleware guards the internal group with Google-signed OIDC tokens. It returns nil
// when no JWKS URL is configured.
func buildOIDCMiddleware(logger *zap.Logger, cfg config.Config, metrics auth.MetricsRecorder) (func(http.Handler) http.Handler, func()) {
	oidc := cfg.Security.OIDC
	if strings.TrimSpace(oidc.JWKSURL) == "" {
		return nil, func() {}
	}

	authLogger := logger.Named("auth")
	cache := auth.NewJWKSCache(oidc.JWKSURL,
		auth.WithJWKSLogger(authLogger),
		auth.WithJWKSRefresh(oidc.JWKSRefresh, 0),
	)
	opts := []auth.OIDCOption{auth.WithOIDCLogger(authLogger)}
	if metrics != nil {
		opts = append(opts, auth.WithOIDCMetrics(metrics))
	}

	audience := strings.TrimSpace(oidc.Audience)
	if audience == "" || len(oidc.Issuers) == 0 {
		logger.Warn("auth: OIDC audience or issuers not configured; internal routes will reject requests",
			zap.Bool("audience", audience != ""),
			zap.Int("issuers", len(oidc.Issuers)),
		)
	}
	validator := auth.NewOIDCValidator(cache, opts...)
	return validator.RequireOIDC(audience, oidc.Issuers, oidc.ServiceAccounts...), cache.Close
}

// buildHMACMiddleware returns nil when the webhook secret has no value.
func buildHMACMiddleware(logger *zap.Logger, cfg config.Config, metrics auth.MetricsRecorder) func(http.Handler) http.Handler {
	hmacCfg := cfg.Security.HMAC
	resolved := make(auth.StaticSecrets, len(hmacCfg.Secrets))
	for key, value := range hmacCfg.Secrets {
		if strings.TrimSpace(value) != "" {
			resolved[strings.ToLower(key)] = value
		}
	}
	if _, ok := resolved[hmacCfg.WebhookSecretName]; !ok {
		return nil
	}

	opts := []auth.HMACOption{
		auth.WithHMACLogger(logger.Named("auth")),
		auth.WithHMACClockSkew(hmacCfg.ClockSkew),
	}
	if metrics != nil {
		opts = append(opts, auth.WithHMACMetrics(metrics))
	}
	return auth.NewHMACValidator(resolved, auth.NewInMemoryNonceStore(), opts...).RequireHMAC(hmacCfg.WebhookSecretName)
}

func rejectUnsignedWebhooks(http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteError(r.Context(), w, httpx.NewError(
			"webhook_secret_unconfigured", "webhook signing secret not configured", http.StatusUnauthorized))
	})
}

func traceProjectID(cfg config.Config) string {
	if id := strings.TrimSpace(cfg.Firebase.ProjectID); id != "" {
		return id
	}
	return strings.TrimSpace(cfg.Firestore.ProjectID)
}
