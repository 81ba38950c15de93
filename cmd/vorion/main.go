// Command vorion runs the intent governance engine: intake, the four pipeline
// stage workers, webhook dispatch and the operator metrics endpoint, all in
// one horizontally scalable process.
//
// Configuration comes from an optional YAML file plus VORION_* environment
// overrides (see the config package). Multiple instances pointed at the same
// Redis and Postgres form a cluster: stage jobs are load-balanced across
// instances and webhook subscriptions replicate automatically.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"goa.design/clue/log"
	"goa.design/pulse/rmap"

	"github.com/vorion/engine/breaker"
	"github.com/vorion/engine/config"
	"github.com/vorion/engine/consent"
	"github.com/vorion/engine/dedupe"
	"github.com/vorion/engine/engine"
	"github.com/vorion/engine/intake"
	"github.com/vorion/engine/lock"
	"github.com/vorion/engine/queue"
	"github.com/vorion/engine/ratelimit"
	"github.com/vorion/engine/rules"
	"github.com/vorion/engine/sandbox"
	"github.com/vorion/engine/secrets"
	"github.com/vorion/engine/store/postgres"
	"github.com/vorion/engine/telemetry"
	"github.com/vorion/engine/trust"
	"github.com/vorion/engine/webhook"
	"github.com/vorion/engine/worker"
)

// subscriptionMapName is the replicated map webhook subscriptions live in.
// Every instance sharing a Redis joins the same map.
const subscriptionMapName = "vorion:webhooks"

func main() {
	var (
		configF  = flag.String("config", "", "Path to the YAML configuration file")
		httpF    = flag.String("http", ":8080", "Metrics and health listen address")
		trustF   = flag.String("trust-url", "", "Trust engine base URL")
		sandboxF = flag.String("sandbox-url", "", "Sandbox runtime base URL")
		dbgF     = flag.Bool("debug", false, "Enable debug logs")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
	}

	if err := run(ctx, *configF, *httpF, *trustF, *sandboxF); err != nil {
		log.Fatal(ctx, err)
	}
}

func run(ctx context.Context, configPath, httpAddr, trustURL, sandboxURL string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	log.Print(ctx, log.KV{K: "msg", V: "starting vorion"},
		log.KV{K: "environment", V: cfg.Environment},
		log.KV{K: "http", V: httpAddr})

	db, err := postgres.Open(ctx, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("open postgres: %w", err)
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis, Password: cfg.RedisPassword})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}

	registry := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(registry)

	client, err := queue.NewClient(rdb)
	if err != nil {
		return fmt.Errorf("create queue client: %w", err)
	}
	queues := queue.New(client, rdb, cfg, metrics)
	dlq := queue.NewDLQ(rdb, metrics)
	breakers := breaker.NewRegistry(rdb, cfg, metrics)

	resolver := trust.NewResolver(
		trust.NewClient(trustURL, 5*time.Second),
		rdb, breakers.Get("trustEngine"), metrics)

	svc, err := intake.New(intake.Options{
		Config:   cfg,
		Store:    db,
		Consents: consent.NewRegistry(db),
		Trust:    resolver,
		Limiter:  ratelimit.New(rdb, cfg, metrics),
		Deduper:  dedupe.New(cfg, rdb, lock.New(rdb, metrics), db, metrics),
		Queues:   queues,
		Metrics:  metrics,
	})
	if err != nil {
		return fmt.Errorf("create intake service: %w", err)
	}

	subsMap, err := rmap.Join(ctx, subscriptionMapName, rdb)
	if err != nil {
		return fmt.Errorf("join subscription map: %w", err)
	}
	guard := webhook.NewGuard(cfg.Production())
	var cipher *secrets.Cipher
	if cfg.Redaction.EncryptContext {
		if cipher, err = secrets.NewCipher(cfg.Redaction.EncryptionKey); err != nil {
			return fmt.Errorf("webhook secret cipher: %w", err)
		}
	}
	subs := webhook.NewSubscriptions(subsMap, guard, cipher)
	dispatcher, err := webhook.NewDispatcher(webhook.Options{
		Config:        cfg,
		Subscriptions: subs,
		Deliveries:    db,
		Redis:         rdb,
		Guard:         guard,
		Metrics:       metrics,
	})
	if err != nil {
		return fmt.Errorf("create webhook dispatcher: %w", err)
	}

	pipeline, err := worker.New(worker.Options{
		Config:   cfg,
		Store:    db,
		Queues:   queues,
		Trust:    resolver,
		Rules:    rules.New(nil),
		Breakers: breakers,
		Sandbox:  sandbox.NewClient(sandboxURL, cfg.Sandbox.Timeout),
		Notifier: dispatcher,
		Metrics:  metrics,
	})
	if err != nil {
		return fmt.Errorf("create pipeline: %w", err)
	}

	eng, err := engine.New(engine.Options{
		Config:        cfg,
		Store:         db,
		Redis:         rdb,
		Queues:        queues,
		DLQ:           dlq,
		Intake:        svc,
		Pipeline:      pipeline,
		Breakers:      breakers,
		Subscriptions: subs,
		Dispatcher:    dispatcher,
		Metrics:       metrics,
	})
	if err != nil {
		return fmt.Errorf("assemble engine: %w", err)
	}
	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}

	bg, stopBg := context.WithCancel(ctx)
	defer stopBg()
	go eng.RunGaugeRefresher(bg, 30*time.Second)
	go runRetryProcessor(bg, eng)

	errc := make(chan error)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if eng.ShuttingDown() {
			http.Error(w, "shutting down", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	server := &http.Server{Addr: httpAddr, Handler: mux}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
	}()

	log.Printf(ctx, "exiting (%v)", <-errc)
	stopBg()

	sctx, cancel := context.WithTimeout(ctx, cfg.ShutdownTimeout+5*time.Second)
	defer cancel()
	if err := eng.Shutdown(sctx); err != nil {
		log.Errorf(ctx, err, "engine drain")
	}
	if err := server.Shutdown(sctx); err != nil {
		log.Errorf(ctx, err, "http server drain")
	}
	log.Printf(ctx, "exited")
	return nil
}

// runRetryProcessor drives due webhook retries until shutdown.
func runRetryProcessor(ctx context.Context, eng *engine.Engine) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := eng.ProcessPendingRetries(ctx, 50); err != nil {
				log.Errorf(ctx, err, "process webhook retries")
			} else if n > 0 {
				log.Debug(ctx, log.KV{K: "msg", V: "webhook retries processed"}, log.KV{K: "count", V: n})
			}
		}
	}
}
