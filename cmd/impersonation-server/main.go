package main

import (
	"context"
	"database/sql"
	"flag"
	"log/slog"
	"os"

	"github.com/go-chi/jwtauth/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/tendant/chi-demo/app"
	dbutils "github.com/tendant/db-utils/db"

	"github.com/tendant/simple-delegate/pkg/audit"
	"github.com/tendant/simple-delegate/pkg/config"
	"github.com/tendant/simple-delegate/pkg/events"
	"github.com/tendant/simple-delegate/pkg/impersonate"
	impersonateapi "github.com/tendant/simple-delegate/pkg/impersonate/api"
	"github.com/tendant/simple-delegate/pkg/metrics"
	"github.com/tendant/simple-delegate/pkg/notify"
	"github.com/tendant/simple-delegate/pkg/permtrace"
	permtraceapi "github.com/tendant/simple-delegate/pkg/permtrace/api"
	"github.com/tendant/simple-delegate/pkg/ratelimit"
	"github.com/tendant/simple-delegate/pkg/refresh"
	"github.com/tendant/simple-delegate/pkg/router"
	"github.com/tendant/simple-delegate/pkg/settings"
	settingsapi "github.com/tendant/simple-delegate/pkg/settings/api"
	"github.com/tendant/simple-delegate/pkg/stepup"
	stepupapi "github.com/tendant/simple-delegate/pkg/stepup/api"
)

func main() {
	envFile := flag.String("env", ".env", "path to an optional .env file")
	flag.Parse()

	// Create a logger with source enabled
	level := slog.LevelDebug
	if config.IsProduction() {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		AddSource: true,
		Level:     level,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*envFile)
	if err != nil {
		slog.Error("Invalid configuration", "err", err)
		os.Exit(-1)
	}
	imp := cfg.Impersonation
	clock := clockwork.NewRealClock()
	ctx := context.Background()

	var pool *pgxpool.Pool
	var db *sql.DB
	if imp.NeedsDatabase() {
		dbConfig := cfg.Database.ToDbConfig()
		pool, err = dbutils.NewDbPool(ctx, dbConfig)
		if err != nil {
			slog.Error("Failed creating dbpool", "db", dbConfig.Database, "host", dbConfig.Host, "port", dbConfig.Port, "user", dbConfig.User, "err", err)
			os.Exit(-1)
		}
		defer pool.Close()

		db, err = sql.Open("pgx", cfg.Database.ToDatabaseURL())
		if err != nil {
			slog.Error("Failed opening database", "db", dbConfig.Database, "err", err)
			os.Exit(-1)
		}
		defer db.Close()
	}

	var redisClient redis.UniversalClient
	if imp.RedisURL != "" {
		opts, err := redis.ParseURL(imp.RedisURL)
		if err != nil {
			slog.Error("Invalid REDIS_URL", "err", err)
			os.Exit(-1)
		}
		redisClient = redis.NewClient(opts)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			slog.Error("Failed connecting to redis", "addr", opts.Addr, "err", err)
			os.Exit(-1)
		}
		defer redisClient.Close()
	}

	m := metrics.New()

	publishers := events.Multi{m}
	if redisClient != nil {
		publishers = append(publishers, events.NewRedis(redisClient, imp.EventsChannel))
	}
	if cfg.Email.IsConfigured() {
		mailer, err := notify.NewMailer(notify.SMTPConfig{
			Host:       cfg.Email.Host,
			Port:       int(cfg.Email.Port),
			TLS:        cfg.Email.TLS,
			Username:   cfg.Email.Username,
			Password:   cfg.Email.Password,
			From:       cfg.Email.From,
			SecurityTo: cfg.Email.SecurityTo,
		})
		if err != nil {
			slog.Error("Failed creating mailer", "host", cfg.Email.Host, "err", err)
			os.Exit(-1)
		}
		publishers = append(publishers, mailer)
	}

	tokenExpiry, err := cfg.JWT.ParseTokenExpiry()
	if err != nil {
		slog.Error("Invalid ACCESS_TOKEN_EXPIRY", "err", err)
		os.Exit(-1)
	}
	refresher := refresh.NewJwtRefresher(cfg.JWT.Secret, cfg.JWT.Issuer, cfg.JWT.Audience, tokenExpiry, refresh.WithClock(clock))

	remoteTimeout, _ := imp.ParseRemoteTimeout()
	backend, err := impersonate.NewBackend(imp.Backend, impersonate.BackendConfig{
		Pool:          pool,
		RemoteURL:     imp.RemoteBackendURL,
		RemoteToken:   imp.RemoteBackendToken,
		RemoteTimeout: remoteTimeout,
	})
	if err != nil {
		slog.Error("Failed creating session backend", "backend", imp.Backend, "err", err)
		os.Exit(-1)
	}
	service := impersonate.NewService(backend,
		impersonate.WithRefresher(refresher),
		impersonate.WithPublisher(publishers),
		impersonate.WithClock(clock),
		impersonate.WithMaxDurationMinutes(imp.MaxDurationMinutes),
		impersonate.WithDefaultExtendMinutes(imp.DefaultExtendMinutes),
	)

	bucketTTL, err := config.ParseDuration(cfg.RateLimit.BucketTTL)
	if err != nil {
		slog.Error("Invalid RATE_LIMIT_BUCKET_TTL", "err", err)
		os.Exit(-1)
	}
	actorLimiter := ratelimit.New(cfg.RateLimit.StepUpBurst, cfg.RateLimit.StepUpPerSecond, bucketTTL, clock)
	defer actorLimiter.Stop()
	ipLimiter := ratelimit.New(cfg.RateLimit.IPBurst, cfg.RateLimit.IPPerSecond, bucketTTL, clock)
	defer ipLimiter.Stop()
	proxies, err := ratelimit.ParseTrustedProxies(cfg.RateLimit.TrustedProxies)
	if err != nil {
		slog.Error("Invalid TRUSTED_PROXIES", "err", err)
		os.Exit(-1)
	}

	factors, err := stepup.NewFactorStore(imp.StepUpFactorStore, stepup.FactorStoreConfig{FilePath: imp.StepUpFactorFile, Pool: pool})
	if err != nil {
		slog.Error("Failed creating step-up factor store", "store", imp.StepUpFactorStore, "err", err)
		os.Exit(-1)
	}
	grantTTL, _ := imp.ParseGrantTTL()
	gate := stepup.NewGate(factors, stepup.NewGrantStore(redisClient, clock),
		stepup.WithPolicy(stepup.Policy{AllowWithoutEnrollment: imp.StepUpAllowWithoutEnrollment}),
		stepup.WithLimiter(actorLimiter),
		stepup.WithGrantTTL(grantTTL),
		stepup.WithIssuer(imp.StepUpIssuer),
		stepup.WithClock(clock),
		stepup.WithObserver(m.ObserveStepUp),
	)

	auditStore, err := audit.NewStore(imp.AuditStore, audit.StoreConfig{FilePath: imp.AuditFile, DB: db})
	if err != nil {
		slog.Error("Failed creating audit store", "store", imp.AuditStore, "err", err)
		os.Exit(-1)
	}
	recorder := audit.NewRecorder(auditStore, service,
		audit.WithClock(clock),
		audit.WithRiskPolicy(audit.PolicyByName(imp.AuditRiskPolicy)),
		audit.WithRecordHook(m.ObserveAudit),
	)

	table, err := loadTable(imp.SettingsTableFile)
	if err != nil {
		slog.Error("Failed loading settings table", "file", imp.SettingsTableFile, "err", err)
		os.Exit(-1)
	}

	var source permtrace.Source = permtrace.NewMemorySource()
	if imp.TraceSource == "postgres" {
		source = permtrace.NewPostgresSource(pool)
	}
	resolver := permtrace.NewResolver(source, table, permtrace.WithCache(imp.TraceCacheSize))

	server := app.NewApp(app.WithPort(cfg.HTTPPort))
	app.RegisterHealthzRoutes(server.R)

	router.SetupRoutes(server.R, router.Config{
		PrefixConfig:    cfg.Prefix,
		SessionHandle:   impersonateapi.NewHandle(impersonate.NewOrchestrator(service, gate), service, recorder),
		StepUpHandle:    stepupapi.NewHandle(gate),
		TraceHandle:     permtraceapi.NewHandle(resolver),
		SettingsHandle:  settingsapi.NewHandle(table),
		Auth:            jwtauth.New("HS256", []byte(cfg.JWT.Secret), nil),
		Metrics:         m,
		StepUpLimiter:   ipLimiter,
		ClientIP:        proxies.ClientIP,
		AuditMiddleware: audit.NewMiddleware(recorder, audit.MiddlewareConfig{}),
	})

	slog.Info("Impersonation server starting",
		"env", cfg.AppEnv,
		"port", cfg.HTTPPort,
		"backend", imp.Backend,
		"factor_store", imp.StepUpFactorStore,
		"audit_store", imp.AuditStore,
		"trace_source", imp.TraceSource,
		"redis", redisClient != nil,
		"email", cfg.Email.IsConfigured())

	server.Run()
}

// loadTable reads the permission table from path, or returns the embedded
// one when path is empty. A table that breaks role monotonicity is refused.
func loadTable(path string) (*settings.Table, error) {
	if path == "" {
		return settings.Default(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	table, err := settings.Load(f)
	if err != nil {
		return nil, err
	}
	if err := table.Validate(); err != nil {
		return nil, err
	}
	return table, nil
}
