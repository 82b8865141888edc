// internal/ratelimit/quota.go

// Package ratelimit 는 client 쪽 두 가지 입구 제한을 담당한다.
//   - RateLimiter: 서버가 알려준 batch key 별 quota window
//   - ExceptionRateLimiter: exception type 별 local token bucket
package ratelimit

import (
	"bytes"
	"sync"
	"time"

	"estat-capture/internal/logger"
	"estat-capture/internal/metrics"
	"estat-capture/internal/model"

	json "github.com/goccy/go-json"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// QuotaLimitWindow: collector 가 quota 초과를 알린 뒤 해당 batch key 를 막는 시간.
const QuotaLimitWindow = 60 * time.Second

// RateLimiter 는 batch key 별로 "언제까지 전송을 막을지" 를 기억한다.
// limits 는 CheckForLimiting 만 쓴다.
type RateLimiter struct {
	clock   clockwork.Clock
	metrics *metrics.Metrics
	log     zerolog.Logger

	mu     sync.RWMutex
	limits map[string]time.Time
}

func NewRateLimiter(clock clockwork.Clock, m *metrics.Metrics) *RateLimiter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &RateLimiter{
		clock:   clock,
		metrics: m,
		log:     logger.Component("rate-limiter"),
		limits:  make(map[string]time.Time),
	}
}

// IsRateLimited 는 batchKey (비어 있으면 "events") 가 열린 quota window 안에 있는지 본다.
func (r *RateLimiter) IsRateLimited(batchKey string) bool {
	if batchKey == "" {
		batchKey = model.BatchKeyEvents
	}

	r.mu.RLock()
	until, ok := r.limits[batchKey]
	r.mu.RUnlock()

	if !ok {
		return false
	}
	return r.clock.Now().Before(until)
}

// CheckForLimiting 은 collector 응답 body 를 읽어
// quota_limited 의 key 마다 새 window 를 연다 (기존 만료 시각은 덮어쓴다. 연장 아님).
// body 가 비었거나 깨져 있으면 로그만 남기고 무시한다. panic / 에러 전파 없음.
func (r *RateLimiter) CheckForLimiting(body []byte) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return
	}

	var resp model.QuotaResponse
	if err := json.Unmarshal(trimmed, &resp); err != nil {
		r.log.Debug().Err(err).Msg("unparseable collector response, no limits applied")
		return
	}
	if len(resp.QuotaLimited) == 0 {
		return
	}

	until := r.clock.Now().Add(QuotaLimitWindow)

	r.mu.Lock()
	for _, key := range resp.QuotaLimited {
		r.limits[key] = until
	}
	r.mu.Unlock()

	for _, key := range resp.QuotaLimited {
		r.log.Info().Str("batch_key", key).Time("until", until).Msg("quota limited")
		if r.metrics != nil {
			r.metrics.QuotaWindowsTotal.WithLabelValues(key).Inc()
		}
	}
}

// Limits 는 현재 window 의 복사본을 반환한다 (만료된 것 포함).
func (r *RateLimiter) Limits() map[string]time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]time.Time, len(r.limits))
	for k, v := range r.limits {
		out[k] = v
	}
	return out
}
