// Server runs the VPN confirmation gateway: the reconciliation loop against the router,
// the Telegram bot, the decision-link HTTP endpoint and the gRPC health service.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/netcore-24/2FA-Mikrotik-TG-Only/internal/audit"
	auditrepo "github.com/netcore-24/2FA-Mikrotik-TG-Only/internal/audit/repository"
	"github.com/netcore-24/2FA-Mikrotik-TG-Only/internal/config"
	"github.com/netcore-24/2FA-Mikrotik-TG-Only/internal/confirm"
	confirmhandler "github.com/netcore-24/2FA-Mikrotik-TG-Only/internal/confirm/handler"
	"github.com/netcore-24/2FA-Mikrotik-TG-Only/internal/confirm/telegram"
	"github.com/netcore-24/2FA-Mikrotik-TG-Only/internal/db"
	"github.com/netcore-24/2FA-Mikrotik-TG-Only/internal/db/migrate"
	"github.com/netcore-24/2FA-Mikrotik-TG-Only/internal/device/grantcache"
	"github.com/netcore-24/2FA-Mikrotik-TG-Only/internal/device/routeros"
	healthhandler "github.com/netcore-24/2FA-Mikrotik-TG-Only/internal/health/handler"
	"github.com/netcore-24/2FA-Mikrotik-TG-Only/internal/platform/logger"
	"github.com/netcore-24/2FA-Mikrotik-TG-Only/internal/policy/engine"
	"github.com/netcore-24/2FA-Mikrotik-TG-Only/internal/reconciler"
	"github.com/netcore-24/2FA-Mikrotik-TG-Only/internal/security"
	"github.com/netcore-24/2FA-Mikrotik-TG-Only/internal/server"
	sessionrepo "github.com/netcore-24/2FA-Mikrotik-TG-Only/internal/session/repository"
	sessionservice "github.com/netcore-24/2FA-Mikrotik-TG-Only/internal/session/service"
	"github.com/netcore-24/2FA-Mikrotik-TG-Only/internal/settings"
	settingsrepo "github.com/netcore-24/2FA-Mikrotik-TG-Only/internal/settings/repository"
	"github.com/netcore-24/2FA-Mikrotik-TG-Only/internal/telemetry"
	telemetryotel "github.com/netcore-24/2FA-Mikrotik-TG-Only/internal/telemetry/otel"
	"github.com/netcore-24/2FA-Mikrotik-TG-Only/internal/telemetry/producer"
	userrepo "github.com/netcore-24/2FA-Mikrotik-TG-Only/internal/user/repository"
)

// shutdownTimeout bounds graceful shutdown of servers and telemetry exporters.
const shutdownTimeout = 15 * time.Second

const tokenIssuer = "vpn2fa"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	zl, err := logger.New(cfg.LogLevel, cfg.Env)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = zl.Sync() }()

	if err := run(cfg, zl); err != nil {
		zl.Fatal("server exited", zap.Error(err))
	}
}

func run(cfg *config.Config, zl *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := migrate.Run(cfg.DatabaseURL, "up"); err != nil {
		return err
	}
	conn, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer conn.Close()

	providers, err := telemetryotel.NewProviders(ctx, telemetryotel.Config{
		Endpoint:    cfg.OTelEndpoint,
		ServiceName: cfg.OTelServiceName,
		Insecure:    cfg.OTelInsecure,
	})
	if err != nil {
		return err
	}
	providers.SetGlobal()
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := providers.Shutdown(sctx); err != nil {
			zl.Warn("otel shutdown", zap.Error(err))
		}
	}()
	metrics, err := telemetry.NewMetrics(providers.MeterProvider)
	if err != nil {
		return err
	}
	emitters := []telemetry.EventEmitter{telemetryotel.NewEventEmitter(providers.LoggerProvider)}
	if brokers := cfg.KafkaBrokersList(); len(brokers) > 0 {
		kp, err := producer.NewKafkaProducer(brokers, cfg.SessionEventsTopic, zl)
		if err != nil {
			return err
		}
		defer kp.Close()
		emitters = append(emitters, kp)
	}
	events := telemetry.Multi(emitters...)

	key, err := cfg.SettingsKeyBytes()
	if err != nil {
		return err
	}
	sealer, err := security.NewSealer(key)
	if err != nil {
		return err
	}
	base := settings.FromConfig(cfg)
	settingsStore := settingsrepo.NewSQLRepository(conn, sealer)
	source := settings.NewSource(base, settingsStore, zl)

	router := routeros.New(base.Device, zl.Named("routeros"))
	source.OnChange(func(s settings.Snapshot) { router.Reconfigure(s.Device) })
	var rdb redis.UniversalClient
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer client.Close()
		rdb = client
	}
	cached := grantcache.New(router, rdb, cfg.GrantCacheDuration(), zl.Named("grantcache"))

	sessions := sessionrepo.NewSQLRepository(conn)
	users := userrepo.NewSQLRepository(conn)
	auditLogger := audit.NewLogger(auditrepo.NewSQLRepository(conn), zl)
	policy := engine.NewOPAEvaluator(zl)

	var (
		tokens *security.DecisionTokenProvider
		links  *confirm.LinkBuilder
	)
	if cfg.DecisionTokenSecret != "" {
		tokens = security.NewDecisionTokenProvider([]byte(cfg.DecisionTokenSecret), tokenIssuer, cfg.DecisionTTL())
		links = confirm.NewLinkBuilder(tokens, cfg.PublicBaseURL)
	}
	bot, err := telegram.New(telegram.Config{
		Token:       cfg.TelegramBotToken,
		AdminChatID: cfg.AdminChatID,
		PollTimeout: cfg.TelegramPollTimeout,
		Links:       links,
	}, zl.Named("telegram"))
	if err != nil {
		return err
	}

	effects := &reconciler.Effects{
		Sessions: sessions,
		Device:   cached,
		Channel:  bot,
		Notifier: bot,
		Audit:    auditLogger,
		Events:   events,
		Metrics:  metrics,
		Log:      zl.Named("effects"),
	}
	svc := sessionservice.NewSessionService(sessions, users, cached, source, effects, zl.Named("session"))
	bot.Attach(svc, users, settingsStore)
	loop := reconciler.New(reconciler.Deps{
		Sessions: sessions,
		Users:    users,
		Device:   cached,
		Settings: source,
		Policy:   policy,
		Effects:  effects,
		Metrics:  metrics,
		Log:      zl.Named("reconciler"),
	})

	health := healthhandler.NewServer(conn, policy, cached)
	routes := []func(chi.Router){}
	if tokens != nil {
		routes = append(routes, confirmhandler.New(tokens, svc, zl.Named("decisions")).Register)
	}
	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.NewHTTPRouter(server.HTTPDeps{Log: zl.Named("http"), Readiness: health, Routes: routes}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	grpcSrv := server.NewGRPCServer(zl.Named("grpc"), health)
	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return err
	}

	errc := make(chan error, 4)
	var wg sync.WaitGroup
	goRun := func(name string, fn func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(); err != nil {
				errc <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}
	goRun("reconciler", func() error { return loop.Run(ctx) })
	goRun("telegram", func() error { return bot.Start(ctx) })
	goRun("grpc", func() error {
		zl.Info("gRPC server listening", zap.String("addr", cfg.GRPCAddr))
		return grpcSrv.Serve(lis)
	})
	goRun("http", func() error {
		zl.Info("HTTP server listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	var runErr error
	select {
	case <-ctx.Done():
		zl.Info("shutting down")
	case runErr = <-errc:
		zl.Error("component failed, shutting down", zap.Error(runErr))
		stop()
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(sctx); err != nil {
		zl.Warn("http shutdown", zap.Error(err))
	}
	stopped := make(chan struct{})
	go func() {
		grpcSrv.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-sctx.Done():
		grpcSrv.Stop()
	}
	wg.Wait()
	zl.Info("server stopped")
	return runErr
}
