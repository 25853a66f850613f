package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/R3E-Network/appos/domain/process"
	"github.com/R3E-Network/appos/domain/trigger"
	"github.com/R3E-Network/appos/internal/audit"
	"github.com/R3E-Network/appos/internal/clock"
	"github.com/R3E-Network/appos/internal/config"
	"github.com/R3E-Network/appos/internal/database"
	"github.com/R3E-Network/appos/internal/policy"
	"github.com/R3E-Network/appos/internal/queue"
	"github.com/R3E-Network/appos/internal/registry"
	"github.com/R3E-Network/appos/internal/rules"
	"github.com/R3E-Network/appos/pkg/logger"
	"github.com/R3E-Network/appos/pkg/metrics"
	"github.com/R3E-Network/appos/pkg/version"
	"github.com/R3E-Network/appos/services/credentials"
	"github.com/R3E-Network/appos/services/executor"
	"github.com/R3E-Network/appos/services/scheduler"

	goredis "github.com/go-redis/redis/v8"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		Output: cfg.LogOutput,
	})
	log.WithFields(logrus.Fields{
		"version": version.FullVersion(),
		"env":     cfg.Env,
	}).Info("starting appos engine")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Durable store: Postgres when configured, in-memory otherwise.
	var (
		processStore executor.Store
		credStore    credentials.Store
		claimer      scheduler.TickClaimer
		memory       *database.Memory
	)
	if cfg.DatabaseURL != "" {
		pg, err := database.NewPostgres(cfg.DatabaseURL, cfg.DBMaxConnections)
		if err != nil {
			log.WithError(err).Fatal("failed to open database")
		}
		defer pg.Close()
		if err := pg.Migrate(); err != nil {
			log.WithError(err).Fatal("failed to apply migrations")
		}
		processStore, credStore, claimer = pg, pg, pg
	} else {
		if cfg.IsProduction() {
			log.Fatal("in-memory store is not permitted in production")
		}
		memory = database.NewMemory()
		processStore, credStore, claimer = memory, memory, memory
		log.Warn("using in-memory store, state will not survive restarts")
	}

	// Task queue: Redis-backed when configured, in-process pool otherwise.
	var taskQueue interface {
		queue.Queue
		queue.Runner
	}
	if cfg.RedisAddr != "" {
		client := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
		if err := client.Ping(ctx).Err(); err != nil {
			log.WithError(err).Fatal("failed to connect to redis")
		}
		taskQueue = queue.NewRedis(queue.RedisConfig{
			Client:      client,
			Queue:       cfg.QueueName,
			Concurrency: cfg.QueueConcurrency,
			RetryLimit:  cfg.QueueRetryLimit,
			Logger:      log.Component("queue"),
		})
	} else {
		taskQueue = queue.NewPool(queue.PoolConfig{
			Concurrency: cfg.QueueConcurrency,
			RetryLimit:  cfg.QueueRetryLimit,
			Logger:      log.Component("queue"),
		})
	}

	objects := registry.New()
	sink := audit.NewLogSink(log.Component("audit"))
	clk := clock.NewReal()

	credManager, err := credentials.New(credentials.Config{
		Store:     credStore,
		SecretKey: cfg.SecretKey,
		Logger:    log.Component("credentials"),
		Clock:     clk,
		Sink:      sink,
	})
	if err != nil {
		log.WithError(err).Fatal("failed to initialise credential manager")
	}

	exec := executor.New(executor.Config{
		Registry: objects,
		Policy:   policy.AllowAll{},
		Store:    processStore,
		Queue:    taskQueue,
		Clock:    clk,
		Logger:   log.Component("executor"),
		Sink:     sink,
	})

	sched := scheduler.New(scheduler.Config{
		Registry: objects,
		Starter:  exec,
		Clock:    clk,
		Logger:   log.Component("scheduler"),
		Sink:     sink,
	})

	if err := registerDemoApp(ctx, objects, memory, credManager, log.Logger); err != nil {
		log.WithError(err).Fatal("failed to register demo application")
	}
	sched.Initialize()

	cron := scheduler.NewCron(scheduler.CronConfig{
		Schedules:     sched.Schedules,
		Starter:       exec,
		Claimer:       claimer,
		Clock:         clk,
		Logger:        log.Component("cron"),
		Sink:          sink,
		CatchUpWindow: cfg.CatchUpWindow,
	})

	if err := taskQueue.Start(ctx); err != nil {
		log.WithError(err).Fatal("failed to start task queue")
	}
	if cfg.SchedulerEnabled {
		if err := cron.Start(ctx); err != nil {
			log.WithError(err).Fatal("failed to start cron scheduler")
		}
	}

	if cfg.MetricsEnabled {
		go func() {
			addr := fmt.Sprintf(":%d", cfg.MetricsPort)
			log.WithField("addr", addr).Info("serving metrics")
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
				log.WithError(err).Error("metrics server stopped")
			}
		}()
	}

	log.Info("appos engine running")
	<-ctx.Done()
	log.Info("shutting down")

	_ = cron.Stop()
	_ = taskQueue.Stop()
}

// registerDemoApp declares a small CRM-flavoured application so a fresh
// install has something to run: rules in Go and JavaScript, a process with
// retries and a parallel group, and event plus schedule triggers.
func registerDemoApp(ctx context.Context, objects *registry.Registry, memory *database.Memory, creds *credentials.Manager, log *logrus.Logger) error {
	if err := objects.Register(&registry.Registered{
		Ref:        "crm.rules.validate_customer",
		ObjectType: registry.TypeRule,
		Handler: rules.MustJS(`function(inputs) {
			return {valid: !!(inputs && inputs.email), email: inputs && inputs.email}
		}`),
	}); err != nil {
		return err
	}

	if err := objects.Register(&registry.Registered{
		Ref:        "crm.rules.setup_account",
		ObjectType: registry.TypeRule,
		Handler: func(inputs map[string]any) (any, error) {
			return map[string]any{"account_id": fmt.Sprintf("acct_%v", inputs["email"])}, nil
		},
	}); err != nil {
		return err
	}

	if err := objects.Register(&registry.Registered{
		Ref:        "crm.rules.send_welcome",
		ObjectType: registry.TypeRule,
		Handler: func(rctx context.Context, inputs map[string]any) (any, error) {
			headers, err := creds.GetAuthHeaders(rctx, "mailer", credentials.AuthConfig{Type: credentials.AuthAPIKey, Header: "X-API-Key"})
			if err != nil {
				return nil, err
			}
			log.WithField("headers", len(headers)).Info("would send welcome mail")
			return map[string]any{}, nil
		},
	}); err != nil {
		return err
	}

	if err := objects.Register(&registry.Registered{
		Ref:        "crm.rules.notify_sales",
		ObjectType: registry.TypeRule,
		Handler: rules.MustJS(`function(inputs) { return {notified: true} }`),
	}); err != nil {
		return err
	}

	if err := objects.Register(&registry.Registered{
		Ref:        "crm.rules.cleanup_sessions",
		ObjectType: registry.TypeRule,
		Handler: func(map[string]any) (any, error) {
			return map[string]any{"purged": 0}, nil
		},
	}); err != nil {
		return err
	}

	if err := objects.Register(&registry.Registered{
		Ref:        "crm.processes.onboard_customer",
		ObjectType: registry.TypeProcess,
		Metadata: map[string]any{
			"display_name": "Onboard Customer",
			"triggers":     []any{trigger.OnEvent("customer.created")},
		},
		Handler: func() []process.Node {
			return []process.Node{
				process.NewStep("validate", "validate_customer",
					process.WithOutputMapping(map[string]string{"valid": "valid", "email": "email"}),
					process.LogOutputs()),
				process.NewStep("setup", "setup_account",
					process.WithCondition(`valid == true`),
					process.WithInputMapping(map[string]string{"email": "email"}),
					process.WithOutputMapping(map[string]string{"account_id": "account_id"}),
					process.WithRetry(2, 0)),
				process.NewParallel(
					process.NewStep("welcome", "send_welcome", process.FireAndForget()),
					process.NewStep("notify", "notify_sales"),
				),
			}
		},
	}); err != nil {
		return err
	}

	if err := objects.Register(&registry.Registered{
		Ref:        "crm.processes.nightly_cleanup",
		ObjectType: registry.TypeProcess,
		Metadata: map[string]any{
			"display_name": "Nightly Cleanup",
			"triggers":     []any{trigger.OnSchedule("0 2 * * *", "UTC")},
		},
		Handler: func() []process.Node {
			return []process.Node{
				process.NewStep("purge", "cleanup_sessions"),
			}
		},
	}); err != nil {
		return err
	}

	// Seed the mailer connected system in development mode.
	if memory != nil {
		if err := memory.CreateConnectedSystem(ctx, "mailer"); err != nil {
			return err
		}
		if err := creds.SetCredentials(ctx, "mailer", map[string]any{"api_key": "dev-key"}); err != nil {
			return err
		}
	}
	return nil
}
