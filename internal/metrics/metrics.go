// internal/metrics/metrics.go
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// EventsDroppedTotal 의 `reason` label 값.
const (
	ReasonRateLimitBackoff = "ratelimit_backoff" // exception token bucket 소진
	ReasonQuotaLimited     = "quota_limited"     // batch key 의 서버 quota window 가 열려 있음
	ReasonQueueOverflow    = "queue_overflow"    // capture channel full
	ReasonBufferOverflow   = "buffer_overflow"   // buffering 중 replay buffer full
	ReasonSendError        = "send_error"        // 영구 HTTP 실패
	ReasonRetriesExhausted = "retries_exhausted" // retry queue 가 포기함
	ReasonRecordingOff     = "recording_off"     // disabled/paused 상태의 replay 이벤트
)

// Metrics 는 capture pipeline 이 /metrics 로 노출하는 지표 모음이다.
//
// 인스턴스마다 registry 를 따로 가지므로
// 테스트나 한 프로세스 안의 여러 client 가 등록 충돌을 일으키지 않는다.
type Metrics struct {
	Registry *prometheus.Registry

	// ======================
	// capture
	// ======================

	// EventsCapturedTotal: pipeline 에 들어온 이벤트 수 (batch key 별)
	EventsCapturedTotal *prometheus.CounterVec

	// EventsDroppedTotal: client 쪽에서 버린 이벤트 수 (reason 별)
	EventsDroppedTotal *prometheus.CounterVec

	// ExceptionsThrottledTotal: token bucket 이 거절한 $exception 수 (type 별)
	ExceptionsThrottledTotal *prometheus.CounterVec

	// ======================
	// delivery
	// ======================

	// RequestsTotal: 전송 시도 수 (transport, status class 별)
	//   - status class: "2xx", "4xx", "5xx", "network", "beacon"
	RequestsTotal *prometheus.CounterVec

	// RequestBodyBytes: 인코딩된 body 크기 분포
	RequestBodyBytes prometheus.Histogram

	// QuotaWindowsTotal: 서버가 연 quota window 수 (batch key 별)
	QuotaWindowsTotal *prometheus.CounterVec

	// ======================
	// retry queue
	// ======================

	RetryEnqueuedTotal  prometheus.Counter
	RetryAbandonedTotal prometheus.Counter
	RetryQueueDepth     prometheus.Gauge
	UnloadFlushedTotal  prometheus.Counter

	// ======================
	// recording
	// ======================

	// RecordingStatusChangesTotal: recording 상태 전이 수 (도착 상태별)
	RecordingStatusChangesTotal *prometheus.CounterVec

	// ======================
	// dead letters
	// ======================

	DLQEventsEnqueuedTotal prometheus.Counter
	DLQEventsDroppedTotal  prometheus.Counter
	DLQFilesArchivedTotal  prometheus.Counter
	DLQFilesExpiredTotal   prometheus.Counter
	DLQFilesCurrent        prometheus.Gauge
	DLQSizeBytes           prometheus.Gauge
	ArchivePutErrorsTotal  prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),

		EventsCapturedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "capture_events_captured_total",
			Help: "Events accepted into the capture pipeline",
		}, []string{"batch_key"}),
		EventsDroppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "capture_events_dropped_total",
			Help: "Events discarded before delivery",
		}, []string{"reason"}),
		ExceptionsThrottledTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "capture_exceptions_throttled_total",
			Help: "Exceptions dropped by the per-type token bucket",
		}, []string{"type"}),

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "capture_requests_total",
			Help: "Delivery attempts by transport and status class",
		}, []string{"transport", "status"}),
		RequestBodyBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "capture_request_body_bytes",
			Help:    "Encoded request body size",
			Buckets: prometheus.ExponentialBuckets(256, 4, 8),
		}),
		QuotaWindowsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "capture_quota_windows_total",
			Help: "Quota-limited windows reported by the collector",
		}, []string{"batch_key"}),

		RetryEnqueuedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "capture_retry_enqueued_total",
			Help: "Requests placed on the retry queue",
		}),
		RetryAbandonedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "capture_retry_abandoned_total",
			Help: "Requests dropped after exhausting retries",
		}),
		RetryQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "capture_retry_queue_depth",
			Help: "Requests currently waiting for retry",
		}),
		UnloadFlushedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "capture_unload_flushed_total",
			Help: "Queued requests sent by beacon on unload",
		}),

		RecordingStatusChangesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "capture_recording_status_changes_total",
			Help: "Session recording status transitions",
		}, []string{"status"}),

		DLQEventsEnqueuedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "capture_dlq_events_enqueued_total",
			Help: "Abandoned requests written to the dead-letter directory",
		}),
		DLQEventsDroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "capture_dlq_events_dropped_total",
			Help: "Abandoned requests lost because the dead-letter directory was full",
		}),
		DLQFilesArchivedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "capture_dlq_files_archived_total",
			Help: "Dead-letter files archived to S3",
		}),
		DLQFilesExpiredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "capture_dlq_files_expired_total",
			Help: "Dead-letter files removed by TTL or capacity",
		}),
		DLQFilesCurrent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "capture_dlq_files_current",
			Help: "Dead-letter files on disk",
		}),
		DLQSizeBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "capture_dlq_size_bytes",
			Help: "Dead-letter directory size",
		}),
		ArchivePutErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "capture_archive_put_errors_total",
			Help: "Failed S3 PutObject attempts",
		}),
	}

	m.Registry.MustRegister(
		m.EventsCapturedTotal,
		m.EventsDroppedTotal,
		m.ExceptionsThrottledTotal,
		m.RequestsTotal,
		m.RequestBodyBytes,
		m.QuotaWindowsTotal,
		m.RetryEnqueuedTotal,
		m.RetryAbandonedTotal,
		m.RetryQueueDepth,
		m.UnloadFlushedTotal,
		m.RecordingStatusChangesTotal,
		m.DLQEventsEnqueuedTotal,
		m.DLQEventsDroppedTotal,
		m.DLQFilesArchivedTotal,
		m.DLQFilesExpiredTotal,
		m.DLQFilesCurrent,
		m.DLQSizeBytes,
		m.ArchivePutErrorsTotal,
	)
	return m
}

// Handler 는 이 인스턴스의 registry 를 Prometheus text 포맷으로 내보낸다.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// StatusClass 는 HTTP status 를 RequestsTotal label 값으로 묶는다.
func StatusClass(code int) string {
	switch {
	case code == 0:
		return "network"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
