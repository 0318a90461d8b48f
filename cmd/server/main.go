// Command server starts the media upload admission API.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"mediagate/internal/api"
	"mediagate/internal/auth"
	"mediagate/internal/events"
	"mediagate/internal/objectstore"
	"mediagate/internal/observability/logging"
	"mediagate/internal/observability/metrics"
	"mediagate/internal/quota"
	"mediagate/internal/redisutil"
	"mediagate/internal/server"
	"mediagate/internal/storage"
	"mediagate/internal/upload"
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address")
	dataPath := flag.String("data", "", "path to the JSON session datastore")
	storageDriver := flag.String("storage-driver", "", "session datastore driver (json or postgres)")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	postgresMaxConns := flag.Int("postgres-max-conns", 0, "maximum connections in the Postgres pool")
	postgresMinConns := flag.Int("postgres-min-conns", 0, "minimum idle connections maintained by the Postgres pool")
	postgresMaxConnLifetime := flag.Duration("postgres-max-conn-lifetime", 0, "maximum lifetime for a pooled Postgres connection")
	postgresMaxConnIdle := flag.Duration("postgres-max-conn-idle", 0, "maximum idle time for a pooled Postgres connection")
	postgresHealthInterval := flag.Duration("postgres-health-interval", 0, "interval between Postgres health checks")
	postgresConnectTimeout := flag.Duration("postgres-connect-timeout", 0, "timeout when opening a Postgres connection")
	postgresAppName := flag.String("postgres-app-name", "", "application_name reported to Postgres")
	ledgerDriver := flag.String("ledger-driver", "", "quota ledger driver (memory or redis)")
	eventsDriver := flag.String("events-driver", "", "event emitter driver (memory or redis)")
	eventsStreamPrefix := flag.String("events-stream-prefix", "", "Redis stream key prefix for emitted events")
	quotaConcurrent := flag.Int("quota-concurrent", 0, "maximum in-flight uploads per admin")
	quotaDaily := flag.Int("quota-daily", 0, "maximum daily upload admissions per admin")
	redisAddr := flag.String("redis-addr", "", "Redis address for the quota ledger and event streams")
	redisAddrs := flag.String("redis-addrs", "", "comma separated Redis addresses")
	redisUsername := flag.String("redis-username", "", "Redis username")
	redisPassword := flag.String("redis-password", "", "Redis password")
	redisMasterName := flag.String("redis-master-name", "", "Redis sentinel master name")
	redisPoolSize := flag.Int("redis-pool-size", 0, "maximum Redis connections")
	redisTimeout := flag.Duration("redis-timeout", 0, "timeout for Redis operations")
	redisTLSCA := flag.String("redis-tls-ca", "", "path to Redis TLS CA certificate")
	redisTLSCert := flag.String("redis-tls-cert", "", "path to Redis TLS client certificate")
	redisTLSKey := flag.String("redis-tls-key", "", "path to Redis TLS client key")
	redisTLSServerName := flag.String("redis-tls-server-name", "", "override Redis TLS server name")
	redisTLSSkipVerify := flag.Bool("redis-tls-skip-verify", false, "skip Redis TLS verification")
	objectEndpoint := flag.String("object-endpoint", "", "object storage endpoint (e.g. http://127.0.0.1:9000)")
	objectPublicEndpoint := flag.String("object-public-endpoint", "", "public endpoint used for playback URLs")
	objectRegion := flag.String("object-region", "", "object storage region")
	objectAccessKey := flag.String("object-access-key", "", "object storage access key")
	objectSecretKey := flag.String("object-secret-key", "", "object storage secret key")
	objectBucket := flag.String("object-bucket", "", "object storage bucket name")
	objectPrefix := flag.String("object-prefix", "", "object storage key prefix for uploads")
	objectUseSSL := flag.Bool("object-use-ssl", false, "enable TLS for object storage requests")
	credentialTTL := flag.Duration("credential-ttl", 0, "validity window for minted upload credentials")
	sweepInterval := flag.Duration("sweep-interval", 0, "interval between expired-session sweeps")
	sweepWorkers := flag.Int("sweep-workers", 0, "concurrent workers used by the expiry sweeper")
	webhookToken := flag.String("webhook-token", "", "bearer token the pipeline must present on callback endpoints")
	tlsCert := flag.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := flag.String("tls-key", "", "path to TLS private key file")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log format (json or text)")
	globalRPS := flag.Float64("rate-global-rps", 0, "global request rate limit in requests per second")
	globalBurst := flag.Int("rate-global-burst", 0, "global rate limit burst allowance")
	signLimit := flag.Int("rate-sign-limit", 0, "maximum admission requests per window for a single admin")
	signWindow := flag.Duration("rate-sign-window", 0, "window for counting admission requests")
	rateRedisAddr := flag.String("rate-redis-addr", "", "Redis address for distributed admission throttling")
	rateRedisPassword := flag.String("rate-redis-password", "", "Redis password for distributed admission throttling")
	rateRedisTimeout := flag.Duration("rate-redis-timeout", 0, "timeout for rate limiter Redis operations")
	flag.Parse()

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("MEDIAGATE_LOG_LEVEL")),
		Format: firstNonEmpty(*logFormat, os.Getenv("MEDIAGATE_LOG_FORMAT")),
	})
	auditLogger := logging.WithComponent(logger, "audit")
	recorder := metrics.Default()

	listenAddr := firstNonEmpty(*addr, os.Getenv("MEDIAGATE_ADDR"), ":8080")

	redisCfg := redisutil.Config{
		Addr:         firstNonEmpty(*redisAddr, os.Getenv("MEDIAGATE_REDIS_ADDR")),
		Addrs:        splitAndTrim(firstNonEmpty(*redisAddrs, os.Getenv("MEDIAGATE_REDIS_ADDRS"))),
		Username:     firstNonEmpty(*redisUsername, os.Getenv("MEDIAGATE_REDIS_USERNAME")),
		Password:     firstNonEmpty(*redisPassword, os.Getenv("MEDIAGATE_REDIS_PASSWORD")),
		MasterName:   firstNonEmpty(*redisMasterName, os.Getenv("MEDIAGATE_REDIS_MASTER_NAME")),
		PoolSize:     resolveInt(*redisPoolSize, "MEDIAGATE_REDIS_POOL_SIZE"),
		DialTimeout:  resolveDuration(*redisTimeout, "MEDIAGATE_REDIS_TIMEOUT", 0),
		ReadTimeout:  resolveDuration(*redisTimeout, "MEDIAGATE_REDIS_TIMEOUT", 0),
		WriteTimeout: resolveDuration(*redisTimeout, "MEDIAGATE_REDIS_TIMEOUT", 0),
		TLS: redisutil.TLSConfig{
			CAFile:             firstNonEmpty(*redisTLSCA, os.Getenv("MEDIAGATE_REDIS_TLS_CA")),
			CertFile:           firstNonEmpty(*redisTLSCert, os.Getenv("MEDIAGATE_REDIS_TLS_CERT")),
			KeyFile:            firstNonEmpty(*redisTLSKey, os.Getenv("MEDIAGATE_REDIS_TLS_KEY")),
			ServerName:         firstNonEmpty(*redisTLSServerName, os.Getenv("MEDIAGATE_REDIS_TLS_SERVER_NAME")),
			InsecureSkipVerify: resolveBool(*redisTLSSkipVerify, "MEDIAGATE_REDIS_TLS_SKIP_VERIFY"),
		},
	}

	limits := quota.Limits{
		Concurrent: int64(resolveInt(*quotaConcurrent, "MEDIAGATE_QUOTA_CONCURRENT")),
		Daily:      int64(resolveInt(*quotaDaily, "MEDIAGATE_QUOTA_DAILY")),
	}
	if limits.Concurrent <= 0 {
		limits.Concurrent = 3
	}
	if limits.Daily <= 0 {
		limits.Daily = 48
	}

	bootCtx, bootCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer bootCancel()

	store, err := openSessionStore(bootCtx, sessionStoreOptions{
		Driver:   firstNonEmpty(*storageDriver, os.Getenv("MEDIAGATE_STORAGE_DRIVER")),
		DataPath: firstNonEmpty(*dataPath, os.Getenv("MEDIAGATE_DATA"), "data/sessions.json"),
		Postgres: storage.PostgresConfig{
			DSN:                 firstNonEmpty(*postgresDSN, os.Getenv("MEDIAGATE_POSTGRES_DSN"), os.Getenv("DATABASE_URL")),
			MaxConnections:      int32(resolveInt(*postgresMaxConns, "MEDIAGATE_POSTGRES_MAX_CONNS")),
			MinConnections:      int32(resolveInt(*postgresMinConns, "MEDIAGATE_POSTGRES_MIN_CONNS")),
			MaxConnLifetime:     resolveDuration(*postgresMaxConnLifetime, "MEDIAGATE_POSTGRES_MAX_CONN_LIFETIME", 0),
			MaxConnIdleTime:     resolveDuration(*postgresMaxConnIdle, "MEDIAGATE_POSTGRES_MAX_CONN_IDLE", 0),
			HealthCheckInterval: resolveDuration(*postgresHealthInterval, "MEDIAGATE_POSTGRES_HEALTH_INTERVAL", 0),
			ConnectTimeout:      resolveDuration(*postgresConnectTimeout, "MEDIAGATE_POSTGRES_CONNECT_TIMEOUT", 0),
			ApplicationName:     firstNonEmpty(*postgresAppName, os.Getenv("MEDIAGATE_POSTGRES_APP_NAME"), "mediagate"),
		},
	})
	if err != nil {
		logger.Error("failed to open session datastore", "error", err)
		os.Exit(1)
	}

	ledger, ledgerPing, ledgerCloser, err := configureLedger(
		firstNonEmpty(*ledgerDriver, os.Getenv("MEDIAGATE_LEDGER_DRIVER")),
		redisCfg, limits, logger)
	if err != nil {
		logger.Error("failed to configure quota ledger", "error", err)
		os.Exit(1)
	}

	emitter, emitterPing, emitterCloser, err := configureEmitter(
		firstNonEmpty(*eventsDriver, os.Getenv("MEDIAGATE_EVENTS_DRIVER")),
		firstNonEmpty(*eventsStreamPrefix, os.Getenv("MEDIAGATE_EVENTS_STREAM_PREFIX")),
		redisCfg, logger)
	if err != nil {
		logger.Error("failed to configure event emitter", "error", err)
		os.Exit(1)
	}

	signer := objectstore.NewSigner(objectstore.Config{
		Endpoint:       firstNonEmpty(*objectEndpoint, os.Getenv("MEDIAGATE_OBJECT_ENDPOINT")),
		PublicEndpoint: firstNonEmpty(*objectPublicEndpoint, os.Getenv("MEDIAGATE_OBJECT_PUBLIC_ENDPOINT")),
		Bucket:         firstNonEmpty(*objectBucket, os.Getenv("MEDIAGATE_OBJECT_BUCKET")),
		Region:         firstNonEmpty(*objectRegion, os.Getenv("MEDIAGATE_OBJECT_REGION")),
		AccessKey:      firstNonEmpty(*objectAccessKey, os.Getenv("MEDIAGATE_OBJECT_ACCESS_KEY")),
		SecretKey:      firstNonEmpty(*objectSecretKey, os.Getenv("MEDIAGATE_OBJECT_SECRET_KEY")),
		Prefix:         firstNonEmpty(*objectPrefix, os.Getenv("MEDIAGATE_OBJECT_PREFIX")),
		UseSSL:         resolveBool(*objectUseSSL, "MEDIAGATE_OBJECT_USE_SSL"),
	})
	if !signer.Enabled() {
		logger.Warn("object storage not configured, minting placeholder upload credentials")
	}

	auditTrail := events.NewAuditTrail(logging.WithComponent(logger, "upload-audit"))

	manager, err := upload.NewManager(upload.Config{
		Store:         store,
		Ledger:        ledger,
		Signer:        signer,
		Events:        emitter,
		Audit:         auditTrail,
		Limits:        limits,
		CredentialTTL: resolveDuration(*credentialTTL, "MEDIAGATE_CREDENTIAL_TTL", 0),
		SweepWorkers:  resolveInt(*sweepWorkers, "MEDIAGATE_SWEEP_WORKERS"),
		Logger:        logging.WithComponent(logger, "upload"),
	})
	if err != nil {
		logger.Error("failed to initialise upload manager", "error", err)
		os.Exit(1)
	}

	handler := api.NewHandler(manager, logging.WithComponent(logger, "api"))
	if token := firstNonEmpty(*webhookToken, os.Getenv("MEDIAGATE_WEBHOOK_TOKEN")); token != "" {
		digest, err := auth.HashToken(token)
		if err != nil {
			logger.Error("failed to hash webhook token", "error", err)
			os.Exit(1)
		}
		handler.WebhookTokenDigest = digest
	} else {
		logger.Warn("pipeline callbacks are unauthenticated; set MEDIAGATE_WEBHOOK_TOKEN in production")
	}
	handler.Checks = buildHealthChecks(store, ledgerPing, emitterPing)

	runCtx, stopSignals := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()

	sweepStop := startExpirySweeper(runCtx, logging.WithComponent(logger, "expiry-sweeper"), manager,
		resolveDuration(*sweepInterval, "MEDIAGATE_SWEEP_INTERVAL", 5*time.Minute))
	defer sweepStop()

	srv, err := server.New(handler, server.Config{
		Addr: listenAddr,
		TLS: server.TLSConfig{
			CertFile: firstNonEmpty(*tlsCert, os.Getenv("MEDIAGATE_TLS_CERT")),
			KeyFile:  firstNonEmpty(*tlsKey, os.Getenv("MEDIAGATE_TLS_KEY")),
		},
		RateLimit: server.RateLimitConfig{
			GlobalRPS:     resolveFloat(*globalRPS, "MEDIAGATE_RATE_GLOBAL_RPS"),
			GlobalBurst:   resolveInt(*globalBurst, "MEDIAGATE_RATE_GLOBAL_BURST"),
			SignLimit:     resolveInt(*signLimit, "MEDIAGATE_RATE_SIGN_LIMIT"),
			SignWindow:    resolveDuration(*signWindow, "MEDIAGATE_RATE_SIGN_WINDOW", time.Minute),
			RedisAddr:     firstNonEmpty(*rateRedisAddr, os.Getenv("MEDIAGATE_RATE_REDIS_ADDR")),
			RedisPassword: firstNonEmpty(*rateRedisPassword, os.Getenv("MEDIAGATE_RATE_REDIS_PASSWORD")),
			RedisTimeout:  resolveDuration(*rateRedisTimeout, "MEDIAGATE_RATE_REDIS_TIMEOUT", 2*time.Second),
		},
		Logger:      logger,
		AuditLogger: auditLogger,
		Metrics:     recorder,
	})
	if err != nil {
		logger.Error("failed to initialise server", "error", err)
		os.Exit(1)
	}

	logger.Info("mediagate API listening", "addr", listenAddr)
	logger.Info("metrics endpoint available", "path", "/metrics")
	if err := srv.Run(runCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "error", err)
	}

	stopSignals()
	sweepStop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	auditTrail.Flush()

	if err := store.Close(ctx); err != nil {
		logger.Warn("failed to close session datastore", "error", err)
	}
	if ledgerCloser != nil {
		if err := ledgerCloser(); err != nil {
			logger.Warn("failed to close quota ledger", "error", err)
		}
	}
	if emitterCloser != nil {
		if err := emitterCloser(); err != nil {
			logger.Warn("failed to close event emitter", "error", err)
		}
	}

	logger.Info("server stopped")
}

type sessionStoreOptions struct {
	Driver   string
	DataPath string
	Postgres storage.PostgresConfig
}

func openSessionStore(ctx context.Context, opts sessionStoreOptions) (storage.Repository, error) {
	driver := strings.ToLower(strings.TrimSpace(opts.Driver))
	if driver == "" {
		if strings.TrimSpace(opts.Postgres.DSN) != "" {
			driver = "postgres"
		} else {
			driver = "json"
		}
	}
	switch driver {
	case "json":
		return storage.NewStorage(opts.DataPath)
	case "postgres":
		return storage.NewPostgresRepository(ctx, opts.Postgres)
	default:
		return nil, errors.New("unsupported storage driver " + strconv.Quote(driver))
	}
}

type pingFunc func(ctx context.Context) error

func configureLedger(driver string, redisCfg redisutil.Config, limits quota.Limits, logger *slog.Logger) (quota.Ledger, pingFunc, func() error, error) {
	driver = strings.ToLower(strings.TrimSpace(driver))
	switch driver {
	case "redis":
		ledger, err := quota.NewRedisLedger(quota.RedisLedgerConfig{
			Redis:  redisCfg,
			Limits: limits,
			Logger: logging.WithComponent(logger, "quota"),
		})
		if err != nil {
			return nil, nil, nil, err
		}
		return ledger, ledger.Ping, ledger.Close, nil
	case "", "memory":
		return quota.NewMemoryLedger(limits), nil, nil, nil
	default:
		return nil, nil, nil, errors.New("unsupported ledger driver " + strconv.Quote(driver))
	}
}

func configureEmitter(driver, streamPrefix string, redisCfg redisutil.Config, logger *slog.Logger) (events.Emitter, pingFunc, func() error, error) {
	driver = strings.ToLower(strings.TrimSpace(driver))
	switch driver {
	case "redis":
		emitter, err := events.NewRedisEmitter(events.RedisEmitterConfig{
			Redis:        redisCfg,
			StreamPrefix: streamPrefix,
			Logger:       logging.WithComponent(logger, "events"),
		})
		if err != nil {
			return nil, nil, nil, err
		}
		return emitter, emitter.Ping, emitter.Close, nil
	case "", "memory":
		return events.NewMemoryEmitter(), nil, nil, nil
	default:
		return nil, nil, nil, errors.New("unsupported events driver " + strconv.Quote(driver))
	}
}

func buildHealthChecks(store storage.Repository, ledgerPing, emitterPing pingFunc) []api.HealthCheck {
	checks := []api.HealthCheck{{
		Component: "datastore",
		Probe: func(ctx context.Context) error {
			_, err := store.ListExpiredBefore(ctx, time.Unix(0, 0).UTC())
			return err
		},
	}}
	if ledgerPing != nil {
		checks = append(checks, api.HealthCheck{Component: "quota-ledger", Probe: ledgerPing})
	}
	if emitterPing != nil {
		checks = append(checks, api.HealthCheck{Component: "event-stream", Probe: emitterPing})
	}
	return checks
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func resolveFloat(flagValue float64, envKey string) float64 {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.ParseFloat(strings.TrimSpace(env), 64); err == nil {
			return value
		}
	}
	return 0
}

func resolveInt(flagValue int, envKey string) int {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.Atoi(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return 0
}

func resolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := time.ParseDuration(env); err == nil {
			return value
		}
	}
	if fallback > 0 {
		return fallback
	}
	return 0
}

func resolveBool(flagValue bool, envKey string) bool {
	if flagValue {
		return true
	}
	if env, ok := os.LookupEnv(envKey); ok {
		if value, err := strconv.ParseBool(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return false
}
