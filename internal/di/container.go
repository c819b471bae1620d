package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/joaosutil/pede-ai2/internal/platform/config"
	"github.com/joaosutil/pede-ai2/internal/platform/observability"
	"github.com/joaosutil/pede-ai2/internal/repositories"
	"github.com/joaosutil/pede-ai2/internal/services"
)

// Services bundles the service-layer contracts that handlers rely upon. Concrete implementations
// are assembled via dependency injection in NewContainer.
type Services struct {
	Orders   services.OrderService
	Stats    services.StatsService
	Payments services.PaymentService
	System   services.SystemService
}

// Registry carries the repositories and outbound adapters the services are built from. Gateway,
// Events, UnitOfWork and Health are optional; the corresponding features degrade when absent.
type Registry struct {
	Orders      repositories.OrderRepository
	Restaurants repositories.RestaurantRepository
	Counters    repositories.CounterRepository
	Health      repositories.HealthRepository
	UnitOfWork  repositories.UnitOfWork
	Gateway     services.PaymentGateway
	Events      services.OrderEventPublisher
	// Closers run in reverse registration order on Close.
	Closers []func(context.Context) error
}

// Container wires repositories, services, and background infrastructure for runtime use.
type Container struct {
	Config   config.Config
	Registry Registry
	Services Services
}

// Option customises container construction.
type Option func(*buildOptions)

type buildOptions struct {
	logger *zap.Logger
	clock  func() time.Time
	build  services.BuildInfo
}

// WithLogger sets the fallback logger for service domain events.
func WithLogger(logger *zap.Logger) Option {
	return func(o *buildOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithClock overrides the time source handed to every service.
func WithClock(clock func() time.Time) Option {
	return func(o *buildOptions) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithBuildInfo sets the build metadata reported by the system service.
func WithBuildInfo(build services.BuildInfo) Option {
	return func(o *buildOptions) {
		o.build = build
	}
}

// NewContainer constructs the runtime dependencies. Production wiring provides Firestore, Stripe
// and Pub/Sub adapters, while tests can supply in-memory registries.
func NewContainer(ctx context.Context, cfg config.Config, reg Registry, opts ...Option) (*Container, error) {
	if reg.Orders == nil {
		return nil, errors.New("di: order repository is required")
	}

	options := buildOptions{logger: zap.NewNop(), clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}

	svc, err := buildServices(ctx, reg, cfg, options)
	if err != nil {
		return nil, err
	}

	return &Container{
		Config:   cfg,
		Registry: reg,
		Services: svc,
	}, nil
}

// Close releases resources such as repository clients, publishers, or caches.
func (c *Container) Close(ctx context.Context) error {
	if c == nil {
		return nil
	}
	var errs []error
	for i := len(c.Registry.Closers) - 1; i >= 0; i-- {
		if closer := c.Registry.Closers[i]; closer != nil {
			if err := closer(ctx); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func buildServices(_ context.Context, reg Registry, cfg config.Config, opts buildOptions) (Services, error) {
	var svc Services

	orderSvc, err := services.NewOrderService(services.OrderServiceDeps{
		Orders:         reg.Orders,
		Restaurants:    reg.Restaurants,
		Counters:       reg.Counters,
		Gateway:        reg.Gateway,
		UnitOfWork:     reg.UnitOfWork,
		Clock:          opts.clock,
		Events:         reg.Events,
		Logger:         observability.NewEventLogger(opts.logger.Named("orders")),
		MaxListSize:    cfg.Orders.MaxListSize,
		MinPhoneDigits: cfg.Orders.MinPhoneDigits,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build order service: %w", err)
	}
	svc.Orders = orderSvc

	statsSvc, err := services.NewStatsService(services.StatsServiceDeps{
		Orders:   reg.Orders,
		Location: cfg.Stats.Location,
		Logger:   observability.NewEventLogger(opts.logger.Named("stats")),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build stats service: %w", err)
	}
	svc.Stats = statsSvc

	if reg.Gateway != nil {
		paymentSvc, err := services.NewPaymentService(services.PaymentServiceDeps{
			Orders:    reg.Orders,
			Lifecycle: orderSvc,
			Gateway:   reg.Gateway,
			Currency:  cfg.PSP.Currency,
			Clock:     opts.clock,
			Logger:    observability.NewEventLogger(opts.logger.Named("payments")),
		})
		if err != nil {
			return Services{}, fmt.Errorf("build payment service: %w", err)
		}
		svc.Payments = paymentSvc
	}

	if reg.Health != nil {
		build := opts.build
		if build.Environment == "" {
			build.Environment = cfg.Security.Environment
		}
		if build.StartedAt.IsZero() {
			build.StartedAt = opts.clock().UTC()
		}
		systemSvc, err := services.NewSystemService(services.SystemServiceDeps{
			HealthRepository: reg.Health,
			Clock:            opts.clock,
			Build:            build,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build system service: %w", err)
		}
		svc.System = systemSvc
	}

	return svc, nil
}
