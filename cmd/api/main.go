package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/blackshrub/faithtracker/internal/api"
	"github.com/blackshrub/faithtracker/internal/config"
	"github.com/blackshrub/faithtracker/internal/engagement"
	"github.com/blackshrub/faithtracker/internal/lease"
	"github.com/blackshrub/faithtracker/internal/notify"
	"github.com/blackshrub/faithtracker/internal/queue"
	"github.com/blackshrub/faithtracker/internal/ratelimit"
	"github.com/blackshrub/faithtracker/internal/scheduler"
	"github.com/blackshrub/faithtracker/internal/store"
	"github.com/blackshrub/faithtracker/internal/syncjob"
	"github.com/blackshrub/faithtracker/internal/timeline"
)

func main() {
	log := zerolog.New(os.Stdout).With().Timestamp().Str("service", "api").Logger()

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	loc := cfg.Location()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("connect postgres")
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatal().Err(err).Msg("run migrations")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()

	holderID := os.Getenv("WORKER_ID")
	if holderID == "" {
		if hostname, _ := os.Hostname(); hostname != "" {
			holderID = "api-" + hostname
		} else {
			holderID = fmt.Sprintf("api-%d", os.Getpid())
		}
	}

	leases := lease.NewManager(rdb)
	guard := notify.NewGuard(rdb, cfg.DispatchGuardTTL)
	dispatcher := notify.NewLogDispatcher(log)
	engine := timeline.New(st, guard, dispatcher, loc, cfg.BirthdayOffsets, log)
	recalc := engagement.New(st, cfg.AtRiskDays, cfg.DisconnectedDays, loc, log)
	targeted := queue.NewTargetedQueue(rdb)
	directory := syncjob.NewHTTPDirectory(cfg.DirectoryBaseURL, cfg.DirectoryAPIKey)
	sync := syncjob.New(st, directory, targeted, loc, log)

	// Same definitions the workers run, but the tick loop never starts
	// here: the API holds them only so manual triggers go through the
	// identical lease gate and handler path.
	defs := []scheduler.Definition{
		{JobName: config.JobReminders, Spec: cfg.ReminderSchedule, LeaseTTL: cfg.ReminderLeaseTTL, Handler: engine.Advance},
		{JobName: config.JobEngagement, Spec: cfg.EngagementSchedule, LeaseTTL: cfg.EngagementLeaseTTL, Handler: recalc.Run},
		{JobName: config.JobFullSync, Spec: cfg.FullSyncSchedule, LeaseTTL: cfg.FullSyncLeaseTTL, Handler: sync.RunFull},
		{JobName: config.JobTargetedSync, Spec: cfg.TargetedSyncSchedule, LeaseTTL: cfg.TargetedSyncLeaseTTL, Handler: sync.RunTargeted},
	}
	sched, err := scheduler.New(holderID, loc, cfg.TickInterval, leases, st, defs, log)
	if err != nil {
		log.Fatal().Err(err).Msg("build scheduler")
	}

	limiter := ratelimit.NewTokenBucket(rdb, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
	server := api.New(sched, engine, st, targeted, limiter, log)

	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	go func() {
		log.Info().Str("port", cfg.HTTPPort).Msg("api listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("listen")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
