package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/blackshrub/faithtracker/internal/config"
	"github.com/blackshrub/faithtracker/internal/engagement"
	"github.com/blackshrub/faithtracker/internal/lease"
	"github.com/blackshrub/faithtracker/internal/notify"
	"github.com/blackshrub/faithtracker/internal/queue"
	"github.com/blackshrub/faithtracker/internal/scheduler"
	"github.com/blackshrub/faithtracker/internal/store"
	"github.com/blackshrub/faithtracker/internal/syncjob"
	"github.com/blackshrub/faithtracker/internal/telemetry"
	"github.com/blackshrub/faithtracker/internal/timeline"
)

func main() {
	log := zerolog.New(os.Stdout).With().Timestamp().Str("service", "worker").Logger()

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

	// Worker identity for lease holder attribution.
	holderID := os.Getenv("WORKER_ID")
	if holderID == "" {
		if hostname, _ := os.Hostname(); hostname != "" {
			holderID = hostname
		} else {
			holderID = fmt.Sprintf("worker-%d", os.Getpid())
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

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Warn().Err(err).Msg("metrics server stopped")
		}
	}()

	log.Info().Str("holder_id", holderID).Str("timezone", cfg.Timezone).
		Dur("tick", cfg.TickInterval).Msg("worker started")
	if err := sched.Run(ctx); err != nil && err != context.Canceled {
		log.Error().Err(err).Msg("scheduler stopped")
	}
}
