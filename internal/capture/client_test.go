package capture

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"estat-capture/internal/config"
	"estat-capture/internal/metrics"
	"estat-capture/internal/model"
	"estat-capture/internal/ratelimit"
	"estat-capture/internal/retry"
	"estat-capture/internal/trigger"
	"estat-capture/internal/transport"

	json "github.com/goccy/go-json"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type received struct {
	path   string
	beacon bool
	events []map[string]any
}

// collector 는 가짜 수집 API 이다.
// decide 는 고정 body, 배치 응답은 respond 로 결정 (nil 이면 200 "{}").
type collector struct {
	mu       sync.Mutex
	batches  []received
	decide   string
	respond  func(n int) (int, string)
	requests int
}

func (c *collector) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	if r.URL.Path == "/decide/" {
		_, _ = io.WriteString(w, c.decide)
		return
	}

	beacon := r.URL.Query().Get("beacon") == "1"
	if beacon && strings.HasPrefix(string(body), "data=") {
		form, _ := url.ParseQuery(string(body))
		body = []byte(form.Get("data"))
	}
	var events []map[string]any
	_ = json.Unmarshal(body, &events)

	c.mu.Lock()
	c.requests++
	n := c.requests
	c.batches = append(c.batches, received{path: r.URL.Path, beacon: beacon, events: events})
	respond := c.respond
	c.mu.Unlock()

	status, text := http.StatusOK, "{}"
	if respond != nil {
		status, text = respond(n)
	}
	w.WriteHeader(status)
	_, _ = io.WriteString(w, text)
}

func (c *collector) snapshot() []received {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]received(nil), c.batches...)
}

func (c *collector) events(path string) []map[string]any {
	var out []map[string]any
	for _, b := range c.snapshot() {
		if b.path == path {
			out = append(out, b.events...)
		}
	}
	return out
}

type harness struct {
	client    *Client
	collector *collector
	metrics   *metrics.Metrics
	quota     *ratelimit.RateLimiter
	queue     *retry.Queue
	clock     clockwork.Clock
}

func newHarness(t *testing.T, clock clockwork.Clock, mutate func(*config.Config)) *harness {
	t.Helper()

	col := &collector{decide: `{}`}
	srv := httptest.NewServer(col)
	t.Cleanup(srv.Close)

	cfg := config.Default()
	cfg.APIHost = srv.URL
	cfg.Token = "tok"
	cfg.BatchSize = 1
	cfg.FlushInterval = time.Hour
	if mutate != nil {
		mutate(&cfg)
	}

	m := metrics.New()
	sender := transport.NewSender(transport.Options{Client: srv.Client(), Clock: clock, Metrics: m, Version: "test"})
	quota := ratelimit.NewRateLimiter(clock, m)
	queue := retry.NewQueue(retry.Options{Sender: sender, Clock: clock, Metrics: m, Quota: quota})

	c, err := New(Options{
		Config:  cfg,
		Metrics: m,
		Clock:   clock,
		Sender:  sender,
		Queue:   queue,
		Quota:   quota,
	})
	require.NoError(t, err)

	return &harness{client: c, collector: col, metrics: m, quota: quota, queue: queue, clock: clock}
}

func shutdown(t *testing.T, c *Client) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Shutdown(ctx))
}

// ---------------------------------------------------------------
// 생성
// ---------------------------------------------------------------

func TestNew_RequiresHostAndTransport(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)

	cfg := config.Default()
	cfg.APIHost = "http://collector"
	_, err = New(Options{Config: cfg})
	assert.Error(t, err)
}

// ---------------------------------------------------------------
// capture path
// ---------------------------------------------------------------

func TestCapture_StampsAndDelivers(t *testing.T) {
	h := newHarness(t, clockwork.NewRealClock(), func(c *config.Config) { c.BatchSize = 2 })
	h.client.Start()

	require.NoError(t, h.client.Capture(model.Event{Event: "signup", Properties: map[string]any{"plan": "pro"}}))
	require.NoError(t, h.client.Capture(model.Event{Event: "login"}))

	require.Eventually(t, func() bool { return len(h.collector.events("/e/")) == 2 }, 2*time.Second, 10*time.Millisecond)
	shutdown(t, h.client)

	batches := h.collector.snapshot()
	require.Len(t, batches, 1, "both events in one batch")

	ev := batches[0].events[0]
	assert.Equal(t, "signup", ev["event"])
	assert.NotEmpty(t, ev["uuid"])
	assert.NotEmpty(t, ev["timestamp"])

	props := ev["properties"].(map[string]any)
	assert.Equal(t, "pro", props["plan"])
	assert.Equal(t, "tok", props["token"])
	assert.Equal(t, h.client.SessionID(), props["$session_id"])

	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.EventsCapturedTotal.WithLabelValues(model.BatchKeyEvents)))
}

func TestCapture_ShutdownFlushesPartialBatch(t *testing.T) {
	h := newHarness(t, clockwork.NewRealClock(), func(c *config.Config) { c.BatchSize = 50 })
	h.client.Start()

	for i := 0; i < 3; i++ {
		require.NoError(t, h.client.Capture(model.Event{Event: "tick"}))
	}
	shutdown(t, h.client)

	assert.Len(t, h.collector.events("/e/"), 3)
	assert.ErrorIs(t, h.client.Capture(model.Event{Event: "late"}), ErrClosed)
}

func TestShutdown_DeadlineStillUnloads(t *testing.T) {
	h := newHarness(t, clockwork.NewRealClock(), nil)
	h.collector.respond = func(int) (int, string) {
		time.Sleep(500 * time.Millisecond)
		return http.StatusServiceUnavailable, ""
	}
	h.client.Start()
	require.NoError(t, h.client.Capture(model.Event{Event: "slow"}))
	require.Eventually(t, func() bool { return len(h.collector.snapshot()) == 1 }, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, h.client.Shutdown(ctx), context.DeadlineExceeded)

	// 전송 중이던 배치는 중단되지 않고, 실패하면 beacon 으로 한 번 나간다.
	// retry queue 에는 아무것도 남지 않는다
	require.Eventually(t, func() bool {
		for _, b := range h.collector.snapshot() {
			if b.beacon && b.path == "/e/" {
				return true
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond)
	assert.Zero(t, h.queue.Len())

	got := h.collector.snapshot()
	require.Len(t, got, 2)
	assert.False(t, got[0].beacon)
	require.Len(t, got[1].events, 1)
	assert.Equal(t, "slow", got[1].events[0]["event"])
}

func TestCapture_FlushInterval(t *testing.T) {
	clock := clockwork.NewFakeClock()
	h := newHarness(t, clock, func(c *config.Config) {
		c.BatchSize = 50
		c.FlushInterval = time.Second
	})
	h.client.Start()
	defer shutdown(t, h.client)

	require.NoError(t, h.client.Capture(model.Event{Event: "tick"}))

	require.Eventually(t, func() bool {
		clock.Advance(time.Second)
		return len(h.collector.events("/e/")) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCapture_QueueFull(t *testing.T) {
	h := newHarness(t, clockwork.NewFakeClock(), func(c *config.Config) { c.ChannelSize = 1 })

	require.NoError(t, h.client.Capture(model.Event{Event: "a"}))
	assert.ErrorIs(t, h.client.Capture(model.Event{Event: "b"}), ErrQueueFull)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.EventsDroppedTotal.WithLabelValues(metrics.ReasonQueueOverflow)))

	shutdown(t, h.client)
}

func TestCapture_ExceptionsThrottled(t *testing.T) {
	h := newHarness(t, clockwork.NewFakeClock(), func(c *config.Config) {
		c.BatchSize = 50
		c.ExceptionBucketSize = 1
	})
	h.client.Start()

	exc := func() model.Event {
		return model.Event{Event: model.EventNameException, Properties: map[string]any{
			"$exception_list": []any{map[string]any{"type": "TypeError"}},
		}}
	}
	require.NoError(t, h.client.Capture(exc()))
	require.NoError(t, h.client.Capture(exc()), "throttled exceptions are dropped silently")
	require.NoError(t, h.client.Capture(model.Event{Event: "other"}))
	shutdown(t, h.client)

	got := h.collector.events("/e/")
	require.Len(t, got, 2)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.ExceptionsThrottledTotal.WithLabelValues("TypeError")))
}

func TestCapture_QuotaLimitedBatchesDropped(t *testing.T) {
	h := newHarness(t, clockwork.NewRealClock(), nil)
	h.collector.respond = func(int) (int, string) { return http.StatusOK, `{"quota_limited":["events"]}` }
	h.client.Start()

	require.NoError(t, h.client.Capture(model.Event{Event: "first"}))
	require.Eventually(t, func() bool { return h.quota.IsRateLimited(model.BatchKeyEvents) }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, h.client.Capture(model.Event{Event: "second"}))
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(h.metrics.EventsDroppedTotal.WithLabelValues(metrics.ReasonQuotaLimited)) == 1
	}, 2*time.Second, 10*time.Millisecond)
	shutdown(t, h.client)

	assert.Len(t, h.collector.events("/e/"), 1)
}

func TestCapture_PageViewContext(t *testing.T) {
	h := newHarness(t, clockwork.NewFakeClock(), func(c *config.Config) { c.BatchSize = 50 })
	h.client.Start()

	require.NoError(t, h.client.Capture(model.Event{Event: "$pageview", Properties: map[string]any{"$current_url": "https://shop.test/home"}}))
	require.NoError(t, h.client.Capture(model.Event{Event: "click"}))
	require.NoError(t, h.client.Capture(model.Event{Event: "$pageview", Properties: map[string]any{"$current_url": "https://shop.test/pricing"}}))
	shutdown(t, h.client)

	got := h.collector.events("/e/")
	require.Len(t, got, 3)

	first := got[0]["properties"].(map[string]any)
	click := got[1]["properties"].(map[string]any)
	second := got[2]["properties"].(map[string]any)

	assert.Equal(t, got[0]["uuid"], first["$pageview_id"])
	assert.Equal(t, first["$pageview_id"], click["$pageview_id"])
	assert.Equal(t, first["$pageview_id"], second["$prev_pageview_id"])
	assert.Equal(t, "/home", second["$prev_pageview_pathname"])
}

// ---------------------------------------------------------------
// remote config / replay
// ---------------------------------------------------------------

func TestLoadRemoteConfig(t *testing.T) {
	h := newHarness(t, clockwork.NewRealClock(), nil)
	h.collector.decide = `{"sessionRecording":{"endpoint":"/replay/"},"featureFlags":{"beta":true}}`
	h.client.Start()

	require.NoError(t, h.client.LoadRemoteConfig(context.Background()))
	assert.Equal(t, trigger.StatusActive, h.client.Recorder().Status())
	assert.Equal(t, map[string]any{"beta": true}, h.client.Flags().Latest())

	require.NoError(t, h.client.CaptureSnapshot([]model.Event{{Properties: map[string]any{"$snapshot_data": "x"}}}))
	shutdown(t, h.client)

	got := h.collector.events("/replay/")
	require.Len(t, got, 1)
	assert.Equal(t, "$snapshot", got[0]["event"])
}

func TestLoadRemoteConfig_Errors(t *testing.T) {
	h := newHarness(t, clockwork.NewRealClock(), nil)

	h.collector.decide = `not json`
	assert.Error(t, h.client.LoadRemoteConfig(context.Background()))

	h.client.cfg.APIHost = "http://127.0.0.1:1"
	assert.Error(t, h.client.LoadRemoteConfig(context.Background()))

	shutdown(t, h.client)
}

func TestCaptureSnapshot_BufferedUntilDecide(t *testing.T) {
	h := newHarness(t, clockwork.NewFakeClock(), func(c *config.Config) { c.BatchSize = 50 })
	h.client.Start()

	require.NoError(t, h.client.CaptureSnapshot([]model.Event{{}, {}}))
	assert.Equal(t, trigger.StatusBuffering, h.client.Recorder().Status())
	assert.Equal(t, 2, h.client.Recorder().Snapshot().Buffered)

	h.client.ApplyRemoteConfig(&model.RemoteConfig{SessionRecording: &model.SessionRecordingConfig{}})
	shutdown(t, h.client)

	assert.Len(t, h.collector.events(recordingDefaultPath), 2)
}

func TestCaptureSnapshot_DroppedWhenDisabled(t *testing.T) {
	h := newHarness(t, clockwork.NewFakeClock(), nil)
	h.client.Start()

	h.client.ApplyRemoteConfig(&model.RemoteConfig{})
	require.NoError(t, h.client.CaptureSnapshot([]model.Event{{}}))
	shutdown(t, h.client)

	assert.Empty(t, h.collector.events(recordingDefaultPath))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.EventsDroppedTotal.WithLabelValues(metrics.ReasonRecordingOff)))
}

const recordingDefaultPath = "/s/"
