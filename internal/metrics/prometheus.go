// Package metrics provides Prometheus exporters for application metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for the loyalty ledger.
var (
	// Ledger.
	LedgerAdjustmentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loyalty_ledger_adjustments_total",
			Help: "Total point adjustments by transaction type and outcome",
		},
		[]string{"type", "status"},
	)

	LedgerPointsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loyalty_ledger_points_total",
			Help: "Total points moved by successful adjustments",
		},
		[]string{"type"},
	)

	LedgerAdjustmentDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "loyalty_ledger_adjustment_duration_seconds",
			Help:    "Time taken to commit a point adjustment",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
	)

	// Rewards.
	RewardRedemptionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loyalty_reward_redemptions_total",
			Help: "Total reward redemptions by reward and outcome",
		},
		[]string{"reward", "status"},
	)

	// Rollover.
	RolloverRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loyalty_rollover_runs_total",
			Help: "Total monthly rollover checks by outcome",
		},
		[]string{"status"},
	)

	RolloverWinners = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "loyalty_rollover_winners",
			Help: "Number of winners archived by the last performed rollover",
		},
	)

	RolloverResetProfiles = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "loyalty_rollover_reset_profiles",
			Help: "Number of profiles whose monthly points were reset by the last performed rollover",
		},
	)

	// Leaderboard.
	LeaderboardCacheTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loyalty_leaderboard_cache_total",
			Help: "Leaderboard cache lookups by result",
		},
		[]string{"result"},
	)

	// Churn.
	AtRiskClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "loyalty_at_risk_clients",
			Help: "Number of clients classified at risk by the last computation",
		},
	)

	// Outbox relay.
	OutboxMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loyalty_outbox_messages_total",
			Help: "Outbox messages processed by the relay, by outcome",
		},
		[]string{"status"},
	)

	OutboxBacklog = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "loyalty_outbox_backlog",
			Help: "Outbox messages left after the last relay batch, by status",
		},
		[]string{"status"},
	)

	// Scheduler.
	SchedulerJobsRunTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduler_jobs_run_total",
			Help: "Total scheduler job executions",
		},
		[]string{"job", "status"},
	)

	SchedulerLastRunTimestamp = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "scheduler_last_run_timestamp",
			Help: "Unix timestamp of last scheduler run",
		},
		[]string{"job"},
	)

	SchedulerJobDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scheduler_job_duration_seconds",
			Help:    "Time taken to execute a scheduler job",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
		},
		[]string{"job"},
	)

	// HTTP.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests by route and status code",
		},
		[]string{"method", "route", "code"},
	)

	HTTPRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency by route",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

// RecordLedgerAdjustment records an adjustment outcome. Points are only
// counted for successful adjustments.
func RecordLedgerAdjustment(txType, status string, amount int64) {
	LedgerAdjustmentsTotal.WithLabelValues(txType, status).Inc()
	if status == "success" && amount > 0 {
		LedgerPointsTotal.WithLabelValues(txType).Add(float64(amount))
	}
}

// ObserveLedgerAdjustmentDuration observes the duration of an adjustment.
func ObserveLedgerAdjustmentDuration(seconds float64) {
	LedgerAdjustmentDurationSeconds.Observe(seconds)
}

// RecordRewardRedemption records a reward redemption outcome.
func RecordRewardRedemption(reward, status string) {
	RewardRedemptionsTotal.WithLabelValues(reward, status).Inc()
}

// RecordRolloverRun records a rollover check outcome (performed, skipped, error).
func RecordRolloverRun(status string) {
	RolloverRunsTotal.WithLabelValues(status).Inc()
}

// SetRolloverResult sets the gauges describing the last performed rollover.
func SetRolloverResult(winners int, reset int64) {
	RolloverWinners.Set(float64(winners))
	RolloverResetProfiles.Set(float64(reset))
}

// RecordLeaderboardCache records a cache hit or miss.
func RecordLeaderboardCache(result string) {
	LeaderboardCacheTotal.WithLabelValues(result).Inc()
}

// SetAtRiskClients sets the at-risk client gauge.
func SetAtRiskClients(count int) {
	AtRiskClients.Set(float64(count))
}

// RecordOutboxMessage records a relay outcome (sent, retry, failed).
func RecordOutboxMessage(status string) {
	OutboxMessagesTotal.WithLabelValues(status).Inc()
}

// SetOutboxBacklog sets the number of outbox messages in a status.
func SetOutboxBacklog(status string, count int64) {
	OutboxBacklog.WithLabelValues(status).Set(float64(count))
}

// RecordSchedulerJobRun records a scheduler job execution.
func RecordSchedulerJobRun(job, status string) {
	SchedulerJobsRunTotal.WithLabelValues(job, status).Inc()
}

// SetSchedulerLastRun sets the timestamp of the last run of a job.
func SetSchedulerLastRun(job string) {
	SchedulerLastRunTimestamp.WithLabelValues(job).SetToCurrentTime()
}

// ObserveSchedulerJobDuration observes the duration of a scheduler job.
func ObserveSchedulerJobDuration(job string, seconds float64) {
	SchedulerJobDurationSeconds.WithLabelValues(job).Observe(seconds)
}

// ObserveHTTPRequest records one served HTTP request.
func ObserveHTTPRequest(method, route, code string, seconds float64) {
	HTTPRequestsTotal.WithLabelValues(method, route, code).Inc()
	HTTPRequestDurationSeconds.WithLabelValues(method, route).Observe(seconds)
}
