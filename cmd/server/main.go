// Command server runs the identity and authorization core: HTTP API,
// webhook queue workers, and the cron schedule for JWKS rotation and trace
// cleanup, wired from environment configuration.
package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/corehook/authplatform/internal/authz"
	"github.com/corehook/authplatform/internal/credential"
	"github.com/corehook/authplatform/internal/httpapi"
	"github.com/corehook/authplatform/internal/pipeline"
	"github.com/corehook/authplatform/internal/platform/config"
	"github.com/corehook/authplatform/internal/platform/database"
	"github.com/corehook/authplatform/internal/platform/logging"
	"github.com/corehook/authplatform/internal/platform/metrics"
	"github.com/corehook/authplatform/internal/platform/migrations"
	"github.com/corehook/authplatform/internal/sandbox"
	"github.com/corehook/authplatform/internal/vault"
	"github.com/corehook/authplatform/internal/webhook"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	log_ := logging.New("authplatform", cfg.LogLevel, cfg.LogFormat)
	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	rootCtx := context.Background()

	db, err := database.Open(rootCtx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("connect to postgres: %v", err)
	}
	defer db.Close()
	configurePool(db, cfg)

	if err := migrations.Apply(rootCtx, db); err != nil {
		log.Fatalf("apply migrations: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})

	pool := sandbox.NewPool(sandbox.Config{
		MaxPoolSize:   cfg.SandboxMaxPoolSize,
		MaxConcurrent: cfg.SandboxMaxConcurrent,
		TTL:           cfg.SandboxTTL,
		Bounds: sandbox.Bounds{
			MaxScriptSize: cfg.SandboxMaxScriptSize,
			Timeout:       cfg.SandboxTimeout,
		},
		Metrics: m,
		Logger:  log_,
	})
	defer pool.Shutdown()

	secretsVault, err := vault.New(vault.NewPostgresStore(db), cfg.PlatformSecret, m, log_)
	if err != nil {
		log.Fatalf("initialise secrets vault: %v", err)
	}

	traceStore := pipeline.NewPostgresTraceStore(db)

	graphStore := pipeline.NewPostgresGraphStore(db)
	if err := graphStore.Refresh(rootCtx); err != nil {
		log.Fatalf("load pipeline graph: %v", err)
	}
	dispatcher := &pipeline.Dispatcher{
		Scripts: graphStore,
		Plans:   graphStore,
		Sandbox: pool,
		Store:   traceStore,
		Metrics: m,
		Log:     log_,
	}

	tuples := authz.NewPostgresTupleStore(db)
	models := authz.NewPostgresModelStore(db)
	modelRegistry := authz.NewRegistry(tuples, models)
	authzEngine := &authz.Engine{
		Tuples:   tuples,
		Registry: modelRegistry,
		Sandbox:  pool,
		Admin:    &authz.TupleAdminChecker{Tuples: tuples},
		Pipeline: dispatcher,
		Metrics:  m,
		Log:      log_,
	}

	jwksStore := credential.NewPostgresJWKSStore(db)
	apiKeys := credential.NewPostgresAPIKeyStore(db)
	rotator := &credential.Rotator{
		Store:   jwksStore,
		Cipher:  credential.VaultCipher{Vault: secretsVault},
		Metrics: m,
		Log:     log_,
	}
	exchanger := &credential.Exchanger{
		APIKeys:     apiKeys,
		JWKS:        jwksStore,
		Rotator:     rotator,
		Permissions: authzEngine,
		Pipeline:    dispatcher,
		Issuer:      cfg.TokenIssuer,
		Audience:    cfg.TokenAudience,
		Metrics:     m,
		Log:         log_,
	}
	verifier := &credential.Verifier{JWKS: jwksStore, Issuer: cfg.TokenIssuer, Audience: cfg.TokenAudience}
	authenticator := &httpapi.Authenticator{APIKeys: apiKeys, Verifier: verifier}

	events := webhook.NewPostgresEventStore(db)
	endpoints := webhook.NewPostgresEndpointStore(db)
	deliveries := webhook.NewPostgresDeliveryStore(db)
	idempotency := webhook.NewRedisIdempotencyStore(redisClient)
	decrypter := webhook.VaultSecretDecrypter{Vault: secretsVault}

	consumer := &webhook.Consumer{
		Events:      events,
		Endpoints:   endpoints,
		Deliveries:  deliveries,
		Idempotency: idempotency,
		Secrets:     decrypter,
		Pipeline:    dispatcher,
		HTTPClient:  &http.Client{Timeout: 15 * time.Second},
		Metrics:     m,
		Log:         log_,
	}
	queue := webhook.NewQueue(consumer, 4096, cfg.WebhookWorkerCount, log_)
	consumer.Requeue = queue

	emitter := &webhook.Emitter{
		Events:     events,
		Endpoints:  endpoints,
		Deliveries: deliveries,
		Queue:      queue,
		Metrics:    m,
		Log:        log_,
	}
	_ = emitter // exposed to internal callers emitting events; no HTTP ingress for emission per spec's Non-goals

	cleanup := &webhook.Cleanup{Traces: traceStore, MaxAge: cfg.TraceRetentionWindow, Log: log_}
	scheduler := webhook.NewScheduler()
	if err := scheduler.AddFunc("@daily", cleanup.Run); err != nil {
		log.Fatalf("schedule trace cleanup: %v", err)
	}
	if err := scheduler.AddFunc("@hourly", func() {
		if _, _, err := rotator.RotateIfNeeded(context.Background(), time.Now().UTC()); err != nil && log_ != nil {
			log_.Component("credential").WithField("error", err.Error()).Error("jwks rotation check failed")
		}
	}); err != nil {
		log.Fatalf("schedule jwks rotation: %v", err)
	}

	workerCtx, cancelWorkers := context.WithCancel(rootCtx)
	queue.Start(workerCtx)
	scheduler.Start()

	handlers := &httpapi.Handlers{
		Exchanger:              exchanger,
		Checker:                authzEngine,
		Auth:                   authenticator,
		Consumer:               consumer,
		Queue:                  queue,
		QueueSigningKeyCurrent: []byte(cfg.PlatformSecret),
	}
	router := httpapi.NewRouter(handlers, m, log_)

	server := &http.Server{
		Addr:              fmtAddr(cfg.HTTPPort),
		Handler:           router,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	var metricsServer *http.Server
	if cfg.MetricsEnabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		metricsServer = &http.Server{Addr: fmtAddr(cfg.MetricsPort), Handler: mux}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("metrics server error: %v", err)
			}
		}()
	}

	go func() {
		log_.Component("httpapi").WithField("addr", server.Addr).Info("listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log_.Component("httpapi").WithField("error", err.Error()).Error("http server shutdown error")
	}
	if metricsServer != nil {
		_ = metricsServer.Shutdown(shutdownCtx)
	}
	scheduler.Stop()
	cancelWorkers()
	queue.Stop()
}

func configurePool(db *sql.DB, cfg *config.Config) {
	db.SetMaxOpenConns(cfg.DBMaxConnections)
	db.SetConnMaxIdleTime(cfg.DBIdleTimeout)
}

func fmtAddr(port int) string {
	return ":" + strconv.Itoa(port)
}
