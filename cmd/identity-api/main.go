package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"qazna.org/identity/internal/audit"
	"qazna.org/identity/internal/auth"
	"qazna.org/identity/internal/config"
	"qazna.org/identity/internal/httpapi"
	"qazna.org/identity/internal/obs"
	"qazna.org/identity/internal/ratelimit"
	"qazna.org/identity/internal/store/memory"
	"qazna.org/identity/internal/store/pg"
)

const serviceName = "identity-api"

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", serviceName, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(".env")
	if err != nil {
		return err
	}
	logger, err := obs.InitLogger(cfg.Log(serviceName))
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	obs.Init()
	obs.InitBuildInfo(version, commit)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := obs.InitTracing(ctx, cfg.Tracing(serviceName, version))
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Warn("tracing shutdown", zap.Error(err))
		}
	}()

	be, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = be.close() }()

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer func() { _ = rdb.Close() }()
		pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		if err := rdb.Ping(pctx).Err(); err != nil {
			// Limiters fail open, so an unreachable Redis degrades throttling only.
			logger.Warn("redis unreachable at startup", zap.String("addr", cfg.RedisAddr), zap.Error(err))
		}
		cancel()
	}
	loginLimit, err := newThrottle(rdb, cfg.LoginLimit(), "identity:login")
	if err != nil {
		return fmt.Errorf("login throttle: %w", err)
	}
	otpLimit, err := newThrottle(rdb, cfg.OTPLimit(), "identity:otp")
	if err != nil {
		return fmt.Errorf("otp throttle: %w", err)
	}
	httpLimit, err := newThrottle(rdb, cfg.HTTPLimit(), "identity:http")
	if err != nil {
		return fmt.Errorf("http throttle: %w", err)
	}

	svc, err := auth.NewService(cfg.Auth(), be.store, be.tenants,
		auth.WithAuditSink(audit.NewSink(be.audit)),
		auth.WithCodeSender(logSender{reveal: !cfg.Production()}),
		auth.WithLoginThrottle(loginLimit),
		auth.WithOTPThrottle(otpLimit),
	)
	if err != nil {
		return err
	}
	if err := svc.RBAC().EnsurePermissions(ctx, auth.BuiltinPermissions); err != nil {
		return err
	}

	probe := httpapi.ReadyProbe{DB: be.ping}
	api, err := httpapi.New(svc, probe, version,
		httpapi.WithRateLimit(httpLimit, cfg.RateWindow),
		httpapi.WithMaxBodyBytes(cfg.MaxBodySize),
		httpapi.WithAllowedOrigins(cfg.AllowedOrigins),
		httpapi.WithTrustedProxies(cfg.TrustedProxies),
	)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	health := httpapi.NewHealthServer(probe)
	grpcSrv := httpapi.NewGRPCServer(health)
	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	logger.Info("starting",
		zap.String("version", version),
		zap.String("http_addr", cfg.HTTPAddr),
		zap.String("grpc_addr", cfg.GRPCAddr),
		zap.String("store", cfg.Store),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := grpcSrv.Serve(lis); err != nil {
			return fmt.Errorf("grpc: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		health.Run(gctx, 10*time.Second)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		grpcSrv.GracefulStop()
		return srv.Shutdown(sctx)
	})
	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("stopped")
	return nil
}

type backend struct {
	store   auth.Store
	tenants auth.TenantDirectory
	audit   audit.Store
	ping    httpapi.Pinger
	close   func() error
}

func openBackend(ctx context.Context, cfg config.Config) (backend, error) {
	if cfg.Store == "memory" {
		st := memory.New()
		for _, id := range cfg.DevTenants {
			st.SetTenant(id, true)
		}
		return backend{store: st, tenants: st, audit: st, close: func() error { return nil }}, nil
	}
	st, err := pg.Open(cfg.PGDSN, cfg.Pool())
	if err != nil {
		return backend{}, fmt.Errorf("open postgres: %w", err)
	}
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := st.Ping(pctx); err != nil {
		_ = st.Close()
		return backend{}, fmt.Errorf("ping postgres: %w", err)
	}
	return backend{store: st, tenants: st, audit: st, ping: st, close: st.Close}, nil
}

func newThrottle(rdb *redis.Client, cfg ratelimit.Config, prefix string) (auth.Throttle, error) {
	if rdb != nil {
		return ratelimit.NewRedis(rdb, cfg, prefix)
	}
	return ratelimit.NewLocal(cfg)
}

// logSender writes one-time codes to the log. Delivery over SMS or email is
// left to a deployment-specific CodeSender.
type logSender struct {
	reveal bool
}

func (s logSender) SendCode(ctx context.Context, tenantID, subject string, purpose auth.OTPPurpose, code string) error {
	fields := []zap.Field{
		zap.String("tenant_id", tenantID),
		zap.String("subject", subject),
		zap.String("purpose", string(purpose)),
	}
	if s.reveal {
		fields = append(fields, zap.String("code", code))
	}
	obs.FromContext(ctx).Info("otp issued", fields...)
	return nil
}
