// internal/retry/queue.go

// Package retry 는 실패한 전송을 exponential backoff 로 다시 보낸다.
//   - offline 동안은 시도하지 않는다
//   - unload 시 남은 요청은 beacon 으로 한 번씩 내보낸다
package retry

import (
	"context"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"estat-capture/internal/logger"
	"estat-capture/internal/metrics"
	"estat-capture/internal/transport"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	MaxRetries = 10

	baseRetryDelay = 3 * time.Second
	maxRetryDelay  = 30 * time.Minute

	DefaultPollInterval = 3 * time.Second
)

// Sender: queue 가 사용하는 transport. *transport.Sender 가 구현한다.
type Sender interface {
	Send(ctx context.Context, opts transport.RequestOptions) transport.Response
	Beacon(ctx context.Context, opts transport.RequestOptions)
}

// QuotaChecker: quota window 가 열려 있으면 due element 도 retry 를 소모하지 않고 기다린다.
// *ratelimit.RateLimiter 가 구현한다.
type QuotaChecker interface {
	IsRateLimited(batchKey string) bool
}

// DeadLetterSink 는 queue 가 포기한 요청을 받는다.
type DeadLetterSink interface {
	Save(ctx context.Context, opts transport.RequestOptions) error
}

// IsRetryable: 200 이 아니고 [400,500] 범위 밖이면 재시도 대상.
// 0 (응답 없음), 502, 503 은 재시도, 404 는 재시도하지 않는다.
func IsRetryable(statusCode int) bool {
	return statusCode != 200 && (statusCode < 400 || statusCode > 500)
}

// PickNextRetryDelay 는 다음 시도까지의 대기 시간이다.
//   - 3s 에서 시작해 retry 마다 2배
//   - 최대 30분
//   - cap 적용 값 기준 ±25% uniform jitter
func PickNextRetryDelay(retriesPerformedSoFar int) time.Duration {
	return pickNextRetryDelay(retriesPerformedSoFar, rand.Float64)
}

func pickNextRetryDelay(n int, random func() float64) time.Duration {
	if n < 0 {
		n = 0
	}
	raw := float64(baseRetryDelay.Milliseconds()) * math.Pow(2, float64(n))
	capped := math.Min(float64(maxRetryDelay.Milliseconds()), raw)
	minBackoff := capped / 2

	jitter := (random() - 0.5) * (capped - minBackoff)
	return time.Duration(math.Ceil(capped+jitter)) * time.Millisecond
}

type element struct {
	retryAt time.Time
	opts    transport.RequestOptions
}

// Options: Queue 설정. Sender 는 필수.
type Options struct {
	Sender       Sender
	Clock        clockwork.Clock
	Metrics      *metrics.Metrics
	Network      NetworkMonitor
	Quota        QuotaChecker
	DeadLetters  DeadLetterSink
	PollInterval time.Duration
	Concurrency  int
}

// Queue 는 실패한 요청을 retryAt 이 지날 때까지 들고 있는다.
// 내부 list 는 queue 소유이며, 외부에서는 RetriableRequest / Enqueue / Flush / Unload 로만 접근한다.
type Queue struct {
	sender      Sender
	clock       clockwork.Clock
	metrics     *metrics.Metrics
	quota       QuotaChecker
	deadLetters DeadLetterSink
	log         zerolog.Logger

	pollInterval time.Duration
	concurrency  int
	random       func() float64

	mu       sync.Mutex
	queue    []element
	online   bool
	stopped  bool
	unloaded bool

	unsubscribe func()
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	stopOnce    sync.Once
}

func NewQueue(opts Options) *Queue {
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	q := &Queue{
		sender:       opts.Sender,
		clock:        clock,
		metrics:      opts.Metrics,
		quota:        opts.Quota,
		deadLetters:  opts.DeadLetters,
		log:          logger.Component("retry-queue"),
		pollInterval: poll,
		concurrency:  concurrency,
		random:       rand.Float64,
		online:       true,
	}
	q.ctx, q.cancel = context.WithCancel(context.Background())

	if opts.Network != nil {
		q.unsubscribe = opts.Network.Subscribe(q.setOnline)
	}
	return q
}

// ---------------------------------------------------------------
// 전송 경로
// ---------------------------------------------------------------

// RetriableRequest 는 opts 를 즉시 보낸다.
// 재시도 가능한 실패는 queue 로 돌아가고, callback 은
// 성공 / 영구 실패 / retry 소진 중 하나가 될 때까지 호출하지 않는다.
func (q *Queue) RetriableRequest(ctx context.Context, opts transport.RequestOptions) transport.Response {
	callback := opts.Callback
	attempt := opts
	attempt.Callback = nil

	resp := q.sender.Send(ctx, attempt)

	if !opts.NoRetries && IsRetryable(resp.StatusCode) {
		if q.Enqueue(opts) {
			return resp
		}
	}
	if resp.StatusCode >= 400 && resp.StatusCode <= 500 {
		q.log.Warn().Int("status", resp.StatusCode).Str("url", opts.URL).Msg("permanent delivery failure")
		if q.metrics != nil {
			q.metrics.EventsDroppedTotal.WithLabelValues(metrics.ReasonSendError).Inc()
		}
	}

	if callback != nil {
		callback(resp)
	}
	return resp
}

// Enqueue 는 opts 를 다음 시도에 예약하고, 보관했는지 여부를 반환한다.
// 이미 MaxRetries 를 다 쓴 요청은 dead-letter sink 로 넘긴다.
func (q *Queue) Enqueue(opts transport.RequestOptions) bool {
	prev := opts.RetriesPerformedSoFar
	if prev >= MaxRetries {
		q.abandon(opts)
		return false
	}

	opts.RetriesPerformedSoFar = prev + 1
	retryAt := q.clock.Now().Add(pickNextRetryDelay(prev, q.random))

	q.mu.Lock()
	if q.unloaded {
		// 더 이상 poll 하지 않음 → Unload 와 같이 beacon 한 번
		q.mu.Unlock()
		opts.Transport = transport.TransportBeacon
		q.sender.Beacon(context.Background(), opts)
		if q.metrics != nil {
			q.metrics.UnloadFlushedTotal.Inc()
		}
		return true
	}
	q.queue = append(q.queue, element{retryAt: retryAt, opts: opts})
	depth := len(q.queue)
	q.mu.Unlock()

	q.log.Debug().Int("retry", opts.RetriesPerformedSoFar).Time("retry_at", retryAt).Str("url", opts.URL).Msg("request queued for retry")
	if q.metrics != nil {
		q.metrics.RetryEnqueuedTotal.Inc()
		q.metrics.RetryQueueDepth.Set(float64(depth))
	}
	return true
}

func (q *Queue) abandon(opts transport.RequestOptions) {
	q.log.Warn().Int("retries", opts.RetriesPerformedSoFar).Str("url", opts.URL).Str("batch_key", opts.BatchKey).
		Msg("giving up on request after max retries")
	if q.metrics != nil {
		q.metrics.RetryAbandonedTotal.Inc()
		q.metrics.EventsDroppedTotal.WithLabelValues(metrics.ReasonRetriesExhausted).Inc()
	}
	if q.deadLetters != nil {
		if err := q.deadLetters.Save(context.WithoutCancel(q.ctx), opts); err != nil {
			q.log.Error().Err(err).Msg("dead letter save failed")
		}
	}
}

// ---------------------------------------------------------------
// flush / poll
// ---------------------------------------------------------------

// Flush 는 retryAt 이 지난 element 를 모두 보낸다.
// due element 는 lock 한 번에 list 에서 빼내므로, 동시에 호출돼도 같은 element 를 두 번 보내지 않는다.
// offline 이면 아무것도 하지 않는다.
func (q *Queue) Flush(ctx context.Context) {
	now := q.clock.Now()

	q.mu.Lock()
	if !q.online || len(q.queue) == 0 {
		q.mu.Unlock()
		return
	}
	var due []element
	kept := make([]element, 0, len(q.queue))
	for _, el := range q.queue {
		if el.retryAt.Before(now) && !q.quotaLimited(el.opts.BatchKey) {
			due = append(due, el)
		} else {
			kept = append(kept, el)
		}
	}
	q.queue = kept
	depth := len(kept)
	q.mu.Unlock()

	if q.metrics != nil {
		q.metrics.RetryQueueDepth.Set(float64(depth))
	}
	if len(due) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(q.concurrency)
	for _, el := range due {
		g.Go(func() error {
			q.RetriableRequest(gctx, el.opts)
			return nil
		})
	}
	_ = g.Wait()
}

func (q *Queue) quotaLimited(batchKey string) bool {
	return q.quota != nil && q.quota.IsRateLimited(batchKey)
}

// sendCtx 는 q.ctx 의 cancel 을 끊은 context 이다.
// Stop 은 예약만 멈추고, 이미 나간 요청은 중단하지 않는다.
func (q *Queue) sendCtx() context.Context {
	return context.WithoutCancel(q.ctx)
}

// Start 는 Stop / Unload 전까지 poll loop 를 돌린다.
func (q *Queue) Start() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.wg.Add(1)
	q.mu.Unlock()

	go func() {
		defer q.wg.Done()

		ticker := q.clock.NewTicker(q.pollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-q.ctx.Done():
				return
			case <-ticker.Chan():
				q.Flush(q.sendCtx())
			}
		}
	}()
}

// Stop 은 polling 과 network 구독을 끝내고, 이미 시작된 flush 를 기다린다.
// 진행 중인 요청은 끝까지 가고, queue 에 있는 element 는 그대로 남는다.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() {
		if q.unsubscribe != nil {
			q.unsubscribe()
		}
		q.mu.Lock()
		q.stopped = true
		q.mu.Unlock()

		q.cancel()
		q.wg.Wait()
	})
}

// setOnline 은 Stop 의 구독 해제 전에 listener 를 snapshot 한 bus 에서 호출될 수 있다.
// 그래서 stopped 확인과 wg.Add 는 같은 q.mu 안에서 한다.
func (q *Queue) setOnline(online bool) {
	q.mu.Lock()
	q.online = online
	flush := online && !q.stopped
	if flush {
		q.wg.Add(1)
	}
	q.mu.Unlock()

	if !flush {
		return
	}
	q.log.Info().Msg("back online, flushing retry queue")
	go func() {
		defer q.wg.Done()
		q.Flush(q.sendCtx())
	}()
}

// Unload 는 polling 을 멈추고, retryAt / 연결 상태와 관계없이
// 모든 element 를 beacon 으로 한 번씩 보낸 뒤 queue 를 비운다.
// Unload 이후에 실패한 요청은 queue 에 넣지 않고 바로 beacon 으로 보낸다.
func (q *Queue) Unload(ctx context.Context) {
	q.Stop()

	q.mu.Lock()
	pending := q.queue
	q.queue = nil
	q.unloaded = true
	q.mu.Unlock()

	for _, el := range pending {
		opts := el.opts
		opts.Transport = transport.TransportBeacon
		q.sender.Beacon(ctx, opts)
	}

	if len(pending) > 0 {
		q.log.Info().Int("count", len(pending)).Msg("unload flushed retry queue")
	}
	if q.metrics != nil {
		q.metrics.UnloadFlushedTotal.Add(float64(len(pending)))
		q.metrics.RetryQueueDepth.Set(0)
	}
}

// ---------------------------------------------------------------
// 조회
// ---------------------------------------------------------------

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queue)
}

func (q *Queue) Online() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.online
}
