// Package metrics provides counters, Prometheus collectors, and HTTP
// handlers for exporting autoupdater runtime metrics.
package metrics

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 1. Internal State (Source of Truth)
var (
	updates           int64
	updatesFailed     int64
	skipped           int64
	checks            int64
	cleanupFailed     int64
	patchWindowSkips  int64
	imagePullsSuccess int64
	imagePullsFailure int64
	notifyFailed      int64
	stranded          int64
	lastRun           int64
)

const counterInc int64 = 1

// 2. Prometheus Collectors
var (
	promUpdates = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "autoupdater_updates_total",
			Help: "Total containers recreated on a newer image",
		},
	)
	promFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autoupdater_updates_failed_total",
			Help: "Total containers that failed to check or update, by error kind",
		},
		[]string{"kind"},
	)
	promSkipped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "autoupdater_skipped_total",
			Help: "Total containers left unchanged in a cycle",
		},
	)
	promChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autoupdater_checks_total",
			Help: "Total image identity checks, by strategy",
		},
		[]string{"strategy"},
	)
	promCleanup = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "autoupdater_cleanup_failed_total",
			Help: "Total failed image cleanup operations",
		},
	)
	promPatchWindowSkips = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "autoupdater_patch_window_skips_total",
			Help: "Total cycles skipped due to patch window",
		},
	)
	promImagePulls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autoupdater_image_pulls_total",
			Help: "Total image pull attempts",
		},
		[]string{"status"},
	)
	promNotifyFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "autoupdater_notifications_failed_total",
			Help: "Total notifications that could not be delivered after retries",
		},
	)
	promStranded = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "autoupdater_stranded_containers",
			Help: "Containers removed during an update whose replacement never started",
		},
	)
	promCycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name: "autoupdater_cycle_duration_seconds",
			Help: "Duration of reconciliation cycles",
			Buckets: []float64{
				0.5,
				1,
				5,
				10,
				30,
				60,
				120,
				300,
				900,
			},
		},
	)
	promLastRun = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "autoupdater_last_run_timestamp_seconds",
			Help: "Unix timestamp of last completed cycle",
		},
	)
)

func init() {
	prometheus.MustRegister(
		promUpdates,
		promFailed,
		promSkipped,
		promChecks,
		promCleanup,
		promPatchWindowSkips,
		promImagePulls,
		promNotifyFailed,
		promStranded,
		promCycleDuration,
		promLastRun,
	)
}

// 3. Public API (Updates both Atomic and Prometheus)

// IncUpdate increments the number of successful updates.
func IncUpdate() {
	atomic.AddInt64(&updates, counterInc)
	promUpdates.Inc()
}

// IncUpdateFailed counts a failed container under the given error kind.
func IncUpdateFailed(kind string) {
	if kind == "" {
		kind = "unknown"
	}
	atomic.AddInt64(&updatesFailed, counterInc)
	promFailed.WithLabelValues(kind).Inc()
}

func IncSkipped() {
	atomic.AddInt64(&skipped, counterInc)
	promSkipped.Inc()
}

// IncCheck counts an identity comparison performed with strategy.
func IncCheck(strategy string) {
	atomic.AddInt64(&checks, counterInc)
	promChecks.WithLabelValues(strategy).Inc()
}

// IncCleanupFailed increments the counter for failed cleanup operations.
func IncCleanupFailed() {
	atomic.AddInt64(&cleanupFailed, counterInc)
	promCleanup.Inc()
}

// IncPatchWindowSkip increments the counter for cycles skipped due to
// patch window restrictions.
func IncPatchWindowSkip() {
	atomic.AddInt64(&patchWindowSkips, counterInc)
	promPatchWindowSkips.Inc()
}

// IncImagePullSuccess increments the counter for successful image pulls.
func IncImagePullSuccess() {
	atomic.AddInt64(&imagePullsSuccess, counterInc)
	promImagePulls.WithLabelValues("success").Inc()
}

// IncImagePullFailure increments the counter for failed image pulls.
func IncImagePullFailure() {
	atomic.AddInt64(&imagePullsFailure, counterInc)
	promImagePulls.WithLabelValues("failure").Inc()
}

func IncNotificationFailed() {
	atomic.AddInt64(&notifyFailed, counterInc)
	promNotifyFailed.Inc()
}

// SetStranded records how many stranded containers are awaiting relaunch.
func SetStranded(n int) {
	atomic.StoreInt64(&stranded, int64(n))
	promStranded.Set(float64(n))
}

// ObserveCycleDuration records the duration of a reconciliation cycle.
func ObserveCycleDuration(d time.Duration) {
	promCycleDuration.Observe(d.Seconds())
}

// SetLastRun stores the provided time as the last run timestamp and
// updates the corresponding Prometheus gauge.
func SetLastRun(t time.Time) {
	atomic.StoreInt64(&lastRun, t.Unix())
	promLastRun.Set(float64(t.Unix()))
}

// 4. JSON Snapshot Struct

// StatsSnapshot is a snapshot of metrics for JSON encoding.
type StatsSnapshot struct {
	Updates             int64  `json:"updates"`
	UpdatesFailed       int64  `json:"updates_failed"`
	Skipped             int64  `json:"skipped"`
	Checks              int64  `json:"checks"`
	CleanupFailed       int64  `json:"cleanup_failed"`
	PatchWindowSkips    int64  `json:"patch_window_skips"`
	ImagePullsSuccess   int64  `json:"image_pulls_success"`
	ImagePullsFailure   int64  `json:"image_pulls_failure"`
	NotificationsFailed int64  `json:"notifications_failed"`
	Stranded            int64  `json:"stranded"`
	LastRun             int64  `json:"last_run_timestamp"`
	LastRunHuman        string `json:"last_run_human"`
}

// GetSnapshot returns a StatsSnapshot with the current values of all
// internal counters and timestamps.
func GetSnapshot() StatsSnapshot {
	ts := atomic.LoadInt64(&lastRun)
	lastRunHuman := ""
	if ts > 0 {
		lastRunHuman = time.Unix(ts, 0).UTC().Format(time.RFC3339)
	}
	return StatsSnapshot{
		Updates:             atomic.LoadInt64(&updates),
		UpdatesFailed:       atomic.LoadInt64(&updatesFailed),
		Skipped:             atomic.LoadInt64(&skipped),
		Checks:              atomic.LoadInt64(&checks),
		CleanupFailed:       atomic.LoadInt64(&cleanupFailed),
		PatchWindowSkips:    atomic.LoadInt64(&patchWindowSkips),
		ImagePullsSuccess:   atomic.LoadInt64(&imagePullsSuccess),
		ImagePullsFailure:   atomic.LoadInt64(&imagePullsFailure),
		NotificationsFailed: atomic.LoadInt64(&notifyFailed),
		Stranded:            atomic.LoadInt64(&stranded),
		LastRun:             ts,
		LastRunHuman:        lastRunHuman,
	}
}

// 5. Handlers

// PromHandler returns an HTTP handler that exposes Prometheus metrics.
func PromHandler() http.Handler { return promhttp.Handler() }

// JSONHandler returns an HTTP handler that serves the current metrics as
// a JSON-encoded StatsSnapshot.
func JSONHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(GetSnapshot())
	})
}

// NewMux serves /metrics (Prometheus), /metrics.json and /healthz.
func NewMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", PromHandler())
	mux.Handle("/metrics.json", JSONHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}
