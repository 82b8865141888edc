// internal/ratelimit/exception.go
package ratelimit

import (
	"context"
	"sync"
	"time"

	"estat-capture/internal/logger"
	"estat-capture/internal/metrics"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	DefaultBucketSize = 10
	DefaultRefillRate = 1

	maxBucketSetting = 100
	pruneInterval    = time.Second

	defaultExceptionType = "default"
)

// ExceptionOptions: type 별 bucket 설정. 값은 [0,100] 으로 clamp 된다.
type ExceptionOptions struct {
	BucketSize float64
	RefillRate float64 // 초당 token
}

// ExceptionRateLimiter 는 $exception 이벤트를 exception type 별로 제한한다.
// 시끄러운 에러 하나가 collector 를 뒤덮지 못하게 하는 용도.
//
// 대략적인 limiter 이다:
//   - bucket 은 연속적으로 refill 된다 (rate.Limiter)
//   - 1 Hz sweep 에서 가득 찬 bucket 은 지운다
//   - 다음 exception 은 새 full bucket 에서 시작한다
type ExceptionRateLimiter struct {
	clock   clockwork.Clock
	metrics *metrics.Metrics
	log     zerolog.Logger

	size   int
	refill rate.Limit

	mu      sync.Mutex
	buckets map[string]*rate.Limiter

	stopOnce sync.Once
	cancel   context.CancelFunc
	done     chan struct{}
}

func NewExceptionRateLimiter(clock clockwork.Clock, m *metrics.Metrics, opts ExceptionOptions) *ExceptionRateLimiter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &ExceptionRateLimiter{
		clock:   clock,
		metrics: m,
		log:     logger.Component("exception-limiter"),
		size:    int(clamp(opts.BucketSize, 0, maxBucketSetting)),
		refill:  rate.Limit(clamp(opts.RefillRate, 0, maxBucketSetting)),
		buckets: make(map[string]*rate.Limiter),
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Start 는 ctx 가 끝나거나 Stop 이 불릴 때까지 sweep loop 를 돌린다.
func (l *ExceptionRateLimiter) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})

	go func() {
		defer close(l.done)

		ticker := l.clock.NewTicker(pruneInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				l.Prune()
			}
		}
	}()
}

// Stop 은 sweep loop 만 멈춘다. bucket 자체는 계속 동작한다.
func (l *ExceptionRateLimiter) Stop() {
	l.stopOnce.Do(func() {
		if l.cancel != nil {
			l.cancel()
			<-l.done
		}
	})
}

// Prune 은 용량까지 다시 찬 bucket 을 모두 지운다.
func (l *ExceptionRateLimiter) Prune() {
	now := l.clock.Now()
	full := float64(l.size)

	l.mu.Lock()
	defer l.mu.Unlock()

	for typ, b := range l.buckets {
		if b.TokensAt(now) >= full {
			delete(l.buckets, typ)
		}
	}
}

// IsRateLimited 는 첫 번째 exception type 의 bucket 에서 token 1개를 꺼낸다.
// exception 항목이 없는 properties 는 제한하지 않는다.
func (l *ExceptionRateLimiter) IsRateLimited(properties map[string]any) bool {
	typ, ok := ExceptionType(properties)
	if !ok {
		return false
	}

	now := l.clock.Now()

	l.mu.Lock()
	b, exists := l.buckets[typ]
	if !exists {
		b = rate.NewLimiter(l.refill, l.size)
		l.buckets[typ] = b
	}
	allowed := b.AllowN(now, 1)
	l.mu.Unlock()

	if allowed {
		return false
	}

	l.log.Debug().Str("type", typ).Msg("exception throttled")
	if l.metrics != nil {
		l.metrics.ExceptionsThrottledTotal.WithLabelValues(typ).Inc()
		l.metrics.EventsDroppedTotal.WithLabelValues(metrics.ReasonRateLimitBackoff).Inc()
	}
	return true
}

// Tracked: 현재 기억 중인 bucket 수
func (l *ExceptionRateLimiter) Tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// ExceptionType 은 $exception_list 첫 항목의 type 을 반환한다 (없으면 "default").
// 항목 자체가 없으면 ok == false.
func ExceptionType(properties map[string]any) (string, bool) {
	var first map[string]any

	switch list := properties["$exception_list"].(type) {
	case []any:
		if len(list) == 0 {
			return "", false
		}
		first, _ = list[0].(map[string]any)
	case []map[string]any:
		if len(list) == 0 {
			return "", false
		}
		first = list[0]
	default:
		return "", false
	}

	if t, ok := first["type"].(string); ok && t != "" {
		return t, true
	}
	return defaultExceptionType, true
}
