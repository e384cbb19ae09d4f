package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/formaplace/checkout/internal/domain/billing"
	"github.com/formaplace/checkout/internal/domain/cart"
	"github.com/formaplace/checkout/internal/domain/entitlement"
	"github.com/formaplace/checkout/internal/domain/promo"
	"github.com/formaplace/checkout/internal/handler"
	"github.com/formaplace/checkout/internal/provider"
	"github.com/formaplace/checkout/internal/redisx"
	"github.com/formaplace/checkout/internal/repository"
	"github.com/formaplace/checkout/pkg/health"
	"github.com/formaplace/checkout/pkg/httpmiddleware"
)

// Run creates all dependencies, starts the HTTP server, and handles graceful
// shutdown. It is the single wiring point for the application.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing", zap.String("addr", cfg.Addr))

	// PostgreSQL pool + migrations.
	pool, err := repository.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "create db pool")
	}
	defer pool.Close()

	if err := repository.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	// Health check service.
	healthSvc := health.New()
	healthSvc.AddReadinessCheck("postgres", 5*time.Second, func(ctx context.Context) error {
		return pool.Ping(ctx)
	})
	healthSvc.AddLivenessCheck("goroutines", time.Second, health.GoroutineCountCheck(10000))

	// Redis is optional: without it the summary cache and the webhook dedup
	// fast path are disabled and the database-level idempotency carries alone.
	var (
		summaryCache cart.SummaryCache
		dedup        billing.Deduper
	)
	if cfg.RedisURL != "" {
		rdb := redisx.New(cfg.RedisURL)
		defer rdb.Close()
		summaryCache = redisx.NewSummaryCache(rdb)
		dedup = redisx.NewDedup(rdb)
		healthSvc.AddReadinessCheck("redis", 5*time.Second, func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		})
	}

	healthSvc.Start(ctx, 10*time.Second)
	healthSvc.SetReady(true)

	// Repositories.
	cartRepo := repository.NewCartRepository(pool)
	catalogRepo := repository.NewCatalogRepository(pool)
	promoRepo := repository.NewPromoRepository(pool)
	subscriptionRepo := repository.NewSubscriptionRepository(pool)
	invoiceRepo := repository.NewInvoiceRepository(pool)
	eventLogRepo := repository.NewEventLogRepository(pool)
	entitlementRepo := repository.NewEntitlementRepository(pool)

	// Domain services.
	cartService := cart.NewService(cartRepo, catalogRepo, summaryCache)
	promoValidator := promo.NewRepoValidator(promoRepo)
	entitlementResolver := entitlement.NewResolver(entitlementRepo)
	providerClient := provider.NewClient(cfg.ProviderBaseURL, cfg.ProviderSecret)
	checkoutService := billing.NewCheckoutService(
		cartService, catalogRepo, promoValidator, entitlementRepo, providerClient, cfg.Currency,
	)
	reconciler := billing.NewReconciler(
		subscriptionRepo, invoiceRepo, eventLogRepo, entitlementRepo,
		cartService, promoRepo, catalogRepo, dedup,
	)

	// HTTP handlers.
	h := handler.NewHandler(
		cartService, catalogRepo, promoValidator, checkoutService,
		reconciler, entitlementResolver, []byte(cfg.WebhookSecret),
	)

	api := chi.NewRouter()
	api.Route("/api", h.Routes)

	mux := http.NewServeMux()
	mux.HandleFunc("/livez", healthSvc.LiveEndpoint)
	mux.HandleFunc("/readyz", healthSvc.ReadyEndpoint)
	mux.Handle("/api/", api)

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler: httpmiddleware.Wrap(mux,
			httpmiddleware.Recovery(),
			httpmiddleware.CORS(httpmiddleware.CORSConfig{
				AllowOrigins:     cfg.CORS.Origins,
				AllowHeaders:     []string{"Content-Type", "Authorization", "X-User-ID", "X-Cart-Session"},
				AllowCredentials: cfg.CORS.AllowCredentials,
				MaxAge:           86400,
			}),
			httpmiddleware.RateLimitWithCleanup(ctx, httpmiddleware.RateLimitConfig{
				Max:    cfg.RateLimit.Max,
				Window: cfg.RateLimit.Window,
			}),
			httpmiddleware.RequestID(),
			httpmiddleware.InjectLogger(zctx.From(ctx)),
			httpmiddleware.Instrument("checkout-api", m.TracerProvider()),
			httpmiddleware.Metrics(m.MeterProvider()),
			httpmiddleware.LogRequests(),
		),
	}

	// Graceful shutdown: wait for context cancellation, drain, then stop.
	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		healthSvc.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		healthSvc.Stop()
		close(shutdownDone)
	}()

	lg.Info("Server listening", zap.String("addr", cfg.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "server")
	}
	<-shutdownDone
	return nil
}
