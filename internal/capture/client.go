// internal/capture/client.go

// Package capture 는 client pipeline 이다.
//   - session / pageview context 부착
//   - rate limiter 통과
//   - batch key 별 배치
//   - retry queue 를 통해 전송
package capture

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net/url"
	"strings"
	"sync"

	"estat-capture/internal/config"
	"estat-capture/internal/flags"
	"estat-capture/internal/logger"
	"estat-capture/internal/metrics"
	"estat-capture/internal/model"
	"estat-capture/internal/persistence"
	"estat-capture/internal/ratelimit"
	"estat-capture/internal/recording"
	"estat-capture/internal/retry"
	"estat-capture/internal/session"
	"estat-capture/internal/transport"

	json "github.com/goccy/go-json"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

var (
	ErrQueueFull = errors.New("capture: queue full")
	ErrClosed    = errors.New("capture: client closed")
)

const (
	EventsPath = "/e/"
	DecidePath = "/decide/?v=3"
)

// Options 는 Client 구성 요소이다.
// Sender, Queue, Quota 는 다른 곳과 공유되므로 외부에서 받고,
// 나머지는 nil 이면 client 가 직접 만든다.
type Options struct {
	Config  config.Config
	Metrics *metrics.Metrics
	Clock   clockwork.Clock
	Store   persistence.Store

	Sender *transport.Sender
	Queue  *retry.Queue
	Quota  *ratelimit.RateLimiter
	Flags  *flags.Bus
}

type batch struct {
	key    string
	events []model.Event
}

// Client
//
// 전체 흐름:
//
//	Capture → eventCh → collectLoop (batch key 별, 크기 또는 주기) →
//	sendCh → sendLoop → quota gate → retry queue → sender
//
// Shutdown 은 eventCh 를 닫고 두 loop 가 비워지기를 기다린 뒤
// retry queue 를 beacon 으로 unload 한다.
type Client struct {
	cfg     config.Config
	metrics *metrics.Metrics
	clock   clockwork.Clock
	log     zerolog.Logger

	sender     *transport.Sender
	queue      *retry.Queue
	quota      *ratelimit.RateLimiter
	exceptions *ratelimit.ExceptionRateLimiter
	flags      *flags.Bus

	sessions  *session.IDManager
	scroll    *session.ScrollManager
	pageViews *session.PageViewManager
	recorder  *recording.Recorder

	mu      sync.RWMutex // closed 와 eventCh close 사이의 경쟁을 막는다
	closed  bool
	eventCh chan model.Event
	sendCh  chan batch

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once

	unsubscribe func()
}

func New(opts Options) (*Client, error) {
	cfg := opts.Config
	if cfg.APIHost == "" {
		return nil, fmt.Errorf("capture: api host is required")
	}
	if opts.Sender == nil || opts.Queue == nil {
		return nil, fmt.Errorf("capture: sender and retry queue are required")
	}

	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	store := opts.Store
	if store == nil {
		store = persistence.NewMemoryStore()
	}
	quota := opts.Quota
	if quota == nil {
		quota = ratelimit.NewRateLimiter(clock, opts.Metrics)
	}
	bus := opts.Flags
	if bus == nil {
		bus = flags.NewBus()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = config.Default().BatchSize
	}
	if cfg.ChannelSize <= 0 {
		cfg.ChannelSize = config.Default().ChannelSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = config.Default().FlushInterval
	}

	c := &Client{
		cfg:     cfg,
		metrics: opts.Metrics,
		clock:   clock,
		log:     logger.Component("capture"),
		sender:  opts.Sender,
		queue:   opts.Queue,
		quota:   quota,
		exceptions: ratelimit.NewExceptionRateLimiter(clock, opts.Metrics, ratelimit.ExceptionOptions{
			BucketSize: cfg.ExceptionBucketSize,
			RefillRate: cfg.ExceptionRefillRate,
		}),
		flags:    bus,
		sessions: session.NewIDManager(store, clock, cfg.SessionIdleTimeout, cfg.SessionMaxLength),
		scroll:   session.NewScrollManager(),
		eventCh:  make(chan model.Event, cfg.ChannelSize),
		sendCh:   make(chan batch, 16),
	}
	c.pageViews = session.NewPageViewManager(c.scroll)
	c.ctx, c.cancel = context.WithCancel(context.Background())

	// session 이 바뀌면 pageview context 는 이어지지 않는다
	c.unsubscribe = c.sessions.OnSessionID(func(_, previous string) {
		if previous != "" {
			c.pageViews.Reset()
		}
	})

	c.recorder = recording.New(recording.Options{
		Store:      store,
		Flags:      bus,
		Sessions:   c.sessions,
		Metrics:    opts.Metrics,
		BufferSize: cfg.ReplayBufferSize,
		Sink:       c.enqueueReplay,
	})
	return c, nil
}

// Start 는 collect / send loop 와 exception bucket 정리를 시작한다.
func (c *Client) Start() {
	c.exceptions.Start(c.ctx)
	c.queue.Start()

	c.wg.Add(2)
	go c.collectLoop()
	go c.sendLoop()
}

// Shutdown
//
// 순서:
//  1. 새 이벤트 수신 중단 (eventCh close)
//  2. 배치된 이벤트 전송 (loop drain)
//  3. retry queue 를 beacon 으로 unload
//  4. beacon 완료 대기 (ctx 한도)
//
// drain 중에 ctx 가 끝나도 3번과 limiter / recorder 정지는 반드시 수행한다.
// 전송 중이던 배치는 중단하지 않고 끝까지 가며, 실패하면 beacon 으로 한 번 나간다.
func (c *Client) Shutdown(ctx context.Context) error {
	c.stopOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		close(c.eventCh)
		c.mu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	var drainErr error
	select {
	case <-done:
	case <-ctx.Done():
		drainErr = ctx.Err()
		c.log.Warn().Err(drainErr).Msg("shutdown deadline reached before batches drained")
	}

	c.queue.Unload(context.WithoutCancel(ctx))
	c.exceptions.Stop()
	c.recorder.Stop()
	if c.unsubscribe != nil {
		c.unsubscribe()
	}
	c.cancel()

	if drainErr != nil {
		return drainErr
	}
	return c.sender.WaitBeacons(ctx)
}

// ---------------------------------------------------------------
// capture
// ---------------------------------------------------------------

// Capture 는 ev 에 필드를 채우고 전송 대기열에 넣는다.
//   - 제한된 $exception: 에러 없이 drop
//   - queue full: ErrQueueFull
func (c *Client) Capture(ev model.Event) error {
	if c.isClosed() {
		return ErrClosed
	}

	now := c.clock.Now()
	if ev.UUID == "" {
		ev.UUID = session.NewUUID()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = now
	}
	ev.BatchKey = model.BatchKeyEvents

	props := make(map[string]any, len(ev.Properties)+4)
	maps.Copy(props, ev.Properties)

	if ev.Event == model.EventNameException && c.exceptions.IsRateLimited(props) {
		return nil
	}

	sessionID, _ := c.sessions.SessionID(false)
	props["$session_id"] = sessionID
	props["token"] = c.cfg.Token

	switch ev.Event {
	case "$pageview":
		current, _ := props["$current_url"].(string)
		maps.Copy(props, c.pageViews.DoPageView(now, ev.UUID, pathname(current)))
		c.recorder.OnNavigate(current)
	case "$pageleave":
		maps.Copy(props, c.pageViews.DoPageLeave(now))
	default:
		maps.Copy(props, c.pageViews.DoEvent())
	}
	ev.Properties = props

	c.recorder.OnEvent(ev.Event)
	return c.push(ev)
}

// CaptureSnapshot 은 replay 이벤트를 recorder 에 넘긴다.
// 전달 / 보관 / drop 은 recording status 에 따라 recorder 가 결정한다.
func (c *Client) CaptureSnapshot(events []model.Event) error {
	if c.isClosed() {
		return ErrClosed
	}

	now := c.clock.Now()
	sessionID, _ := c.sessions.SessionID(false)
	stamped := make([]model.Event, 0, len(events))
	for _, ev := range events {
		if ev.UUID == "" {
			ev.UUID = session.NewUUID()
		}
		if ev.Timestamp.IsZero() {
			ev.Timestamp = now
		}
		if ev.Event == "" {
			ev.Event = "$snapshot"
		}
		ev.BatchKey = model.BatchKeyRecordings

		props := make(map[string]any, len(ev.Properties)+2)
		maps.Copy(props, ev.Properties)
		props["$session_id"] = sessionID
		props["token"] = c.cfg.Token
		ev.Properties = props

		stamped = append(stamped, ev)
	}
	c.recorder.Record(stamped)
	return nil
}

// enqueueReplay 는 recorder 의 sink 이다.
// recorder 는 어느 입력 callback 에서든 buffer 를 방출할 수 있으므로 overflow 는 반환하지 않고 집계만 한다.
func (c *Client) enqueueReplay(events []model.Event) {
	for _, ev := range events {
		if err := c.push(ev); err != nil {
			c.log.Debug().Err(err).Msg("replay event dropped")
		}
	}
}

func (c *Client) push(ev model.Event) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return ErrClosed
	}
	select {
	case c.eventCh <- ev:
		if c.metrics != nil {
			c.metrics.EventsCapturedTotal.WithLabelValues(ev.BatchKey).Inc()
		}
		return nil
	default:
		if c.metrics != nil {
			c.metrics.EventsDroppedTotal.WithLabelValues(metrics.ReasonQueueOverflow).Inc()
		}
		return ErrQueueFull
	}
}

func (c *Client) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// ObserveScroll 은 현재 pageview 의 scroll 위치를 기록한다.
func (c *Client) ObserveScroll(s session.ScrollSample) {
	c.scroll.Observe(s)
}

func pathname(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Path
}

// ---------------------------------------------------------------
// remote config
// ---------------------------------------------------------------

// LoadRemoteConfig 는 decide 응답을 받아 적용한다. 재시도하지 않는다.
func (c *Client) LoadRemoteConfig(ctx context.Context) error {
	sessionID, _ := c.sessions.SessionID(true)
	resp := c.sender.Send(ctx, transport.RequestOptions{
		URL:       c.url(DecidePath),
		Method:    "POST",
		Data:      map[string]any{"token": c.cfg.Token, "session_id": sessionID},
		Timeout:   c.cfg.RequestTimeout,
		NoRetries: true,
	})
	if resp.Err != nil {
		return fmt.Errorf("load remote config: %w", resp.Err)
	}
	if !resp.OK() {
		return fmt.Errorf("load remote config: unexpected status %d", resp.StatusCode)
	}

	var rc model.RemoteConfig
	if err := json.Unmarshal([]byte(resp.Text), &rc); err != nil {
		return fmt.Errorf("load remote config: decode: %w", err)
	}
	c.ApplyRemoteConfig(&rc)
	return nil
}

// ApplyRemoteConfig 는 decide 응답을 recorder 에 전달하고 feature flag 를 publish 한다.
func (c *Client) ApplyRemoteConfig(rc *model.RemoteConfig) {
	c.recorder.OnRemoteConfig(rc)
	if rc != nil && rc.FeatureFlags != nil {
		c.flags.Publish(rc.FeatureFlags)
	}
	c.log.Info().
		Bool("recording", rc != nil && rc.SessionRecording != nil).
		Str("status", string(c.recorder.Status())).
		Msg("remote config applied")
}

// ---------------------------------------------------------------
// accessors
// ---------------------------------------------------------------

func (c *Client) Recorder() *recording.Recorder { return c.recorder }
func (c *Client) Flags() *flags.Bus               { return c.flags }

// PublishFlags 는 외부에서 평가된 feature flag 를 flag bus 로 넘긴다.
func (c *Client) PublishFlags(evaluated map[string]any) {
	c.flags.Publish(evaluated)
}

func (c *Client) RecordingSnapshot() recording.Snapshot {
	return c.recorder.Snapshot()
}

// SessionID 는 활동으로 치지 않고 현재 session id 를 반환한다.
func (c *Client) SessionID() string {
	id, _ := c.sessions.SessionID(true)
	return id
}

func (c *Client) url(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	return strings.TrimRight(c.cfg.APIHost, "/") + "/" + strings.TrimLeft(path, "/")
}

func (c *Client) endpoint(batchKey string) string {
	if batchKey == model.BatchKeyRecordings {
		return c.url(c.recorder.Endpoint())
	}
	return c.url(EventsPath)
}
