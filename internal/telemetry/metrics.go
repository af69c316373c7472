package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobRunSuccess       = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_run_success_total", Help: "Job runs that finished without a fatal error"})
	JobRunFailures      = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_run_failure_total", Help: "Job runs that aborted with a fatal error"})
	LockContentionSkips = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_lock_contention_skips_total", Help: "Triggers skipped because another worker held the lease"})
	LeaseRenewFailures  = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_lease_renew_failures_total", Help: "Lease renewals rejected or errored mid-run"})
	JobsRunning         = prometheus.NewGauge(prometheus.GaugeOpts{Name: "jobs_running", Help: "Job handlers currently executing on this worker"})

	RemindersDispatched      = prometheus.NewCounter(prometheus.CounterOpts{Name: "reminders_dispatched_total", Help: "Follow-up stage reminders handed to the dispatcher"})
	ReminderDispatchFailures = prometheus.NewCounter(prometheus.CounterOpts{Name: "reminders_dispatch_failures_total", Help: "Reminder sends that failed; stages stay pending"})
	BirthdayReminders        = prometheus.NewCounter(prometheus.CounterOpts{Name: "reminders_birthday_total", Help: "Birthday pre-reminders dispatched"})
	DuplicatesSuppressed     = prometheus.NewCounter(prometheus.CounterOpts{Name: "reminders_duplicates_suppressed_total", Help: "Sends blocked by the day-keyed dispatch guard"})

	EngagementClassified = prometheus.NewCounter(prometheus.CounterOpts{Name: "engagement_members_classified_total", Help: "Members classified by the engagement recalculation job"})

	SyncRecordsCreated  = prometheus.NewCounter(prometheus.CounterOpts{Name: "sync_records_created_total", Help: "Members created from the external directory"})
	SyncRecordsUpdated  = prometheus.NewCounter(prometheus.CounterOpts{Name: "sync_records_updated_total", Help: "Members updated from the external directory"})
	SyncRecordsArchived = prometheus.NewCounter(prometheus.CounterOpts{Name: "sync_records_archived_total", Help: "Members archived because they vanished upstream"})
	SyncRecordFailures  = prometheus.NewCounter(prometheus.CounterOpts{Name: "sync_record_failures_total", Help: "Individual records that failed during reconciliation"})

	WebhookRateLimited = prometheus.NewCounter(prometheus.CounterOpts{Name: "webhook_rate_limited_total", Help: "Webhook deliveries rejected by the per-tenant rate limit"})
	TargetedQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{Name: "sync_targeted_queue_depth", Help: "Member refs waiting for targeted reconciliation"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobRunSuccess,
			JobRunFailures,
			LockContentionSkips,
			LeaseRenewFailures,
			JobsRunning,
			RemindersDispatched,
			ReminderDispatchFailures,
			BirthdayReminders,
			DuplicatesSuppressed,
			EngagementClassified,
			SyncRecordsCreated,
			SyncRecordsUpdated,
			SyncRecordsArchived,
			SyncRecordFailures,
			WebhookRateLimited,
			TargetedQueueDepth,
		)
	})
	return promhttp.Handler()
}
