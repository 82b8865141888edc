package retry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"estat-capture/internal/metrics"
	"estat-capture/internal/transport"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSender 는 정해진 status code 순서대로 응답한다. 마지막 값은 계속 반복.
type fakeSender struct {
	mu       sync.Mutex
	statuses []int
	sent     []transport.RequestOptions
	beacons  []transport.RequestOptions
}

func (f *fakeSender) Send(_ context.Context, opts transport.RequestOptions) transport.Response {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, opts)
	status := f.statuses[0]
	if len(f.statuses) > 1 {
		f.statuses = f.statuses[1:]
	}
	return transport.Response{StatusCode: status}
}

func (f *fakeSender) Beacon(_ context.Context, opts transport.RequestOptions) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.beacons = append(f.beacons, opts)
}

func (f *fakeSender) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakeDeadLetters struct {
	mu    sync.Mutex
	saved []transport.RequestOptions
}

func (f *fakeDeadLetters) Save(_ context.Context, opts transport.RequestOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, opts)
	return nil
}

type fakeQuota map[string]bool

func (f fakeQuota) IsRateLimited(batchKey string) bool { return f[batchKey] }

func newTestQueue(sender *fakeSender, clock clockwork.Clock, opts Options) *Queue {
	opts.Sender = sender
	opts.Clock = clock
	q := NewQueue(opts)
	q.random = func() float64 { return 0.5 }
	return q
}

// ---------------------------------------------------------------
// backoff / 재시도 분류
// ---------------------------------------------------------------

func TestPickNextRetryDelay_Bounds(t *testing.T) {
	for n := 1; n <= 10; n++ {
		for i := 0; i < 200; i++ {
			d := PickNextRetryDelay(n)
			assert.GreaterOrEqual(t, d, 3000*time.Millisecond, "n=%d", n)
			assert.LessOrEqual(t, d, 2_700_000*time.Millisecond, "n=%d", n)
		}
	}
}

func TestPickNextRetryDelay_Shape(t *testing.T) {
	mid := func() float64 { return 0.5 }
	low := func() float64 { return 0 }
	high := func() float64 { return 0.999999 }

	assert.Equal(t, 3*time.Second, pickNextRetryDelay(0, mid))
	assert.Equal(t, 6*time.Second, pickNextRetryDelay(1, mid))
	assert.Equal(t, 12*time.Second, pickNextRetryDelay(2, mid))
	assert.Equal(t, 30*time.Minute, pickNextRetryDelay(10, mid), "capped")

	assert.Equal(t, 4500*time.Millisecond, pickNextRetryDelay(1, low))
	assert.LessOrEqual(t, pickNextRetryDelay(1, high), 7500*time.Millisecond)
	assert.Equal(t, 1_350_000*time.Millisecond, pickNextRetryDelay(20, low))
}

func TestPickNextRetryDelay_Jitters(t *testing.T) {
	seen := map[time.Duration]bool{}
	for i := 0; i < 20; i++ {
		seen[PickNextRetryDelay(3)] = true
	}
	assert.Greater(t, len(seen), 1)
}

func TestIsRetryable(t *testing.T) {
	for _, code := range []int{0, 100, 201, 204, 302, 501, 502, 503} {
		assert.True(t, IsRetryable(code), "%d", code)
	}
	for _, code := range []int{200, 400, 404, 429, 499, 500} {
		assert.False(t, IsRetryable(code), "%d", code)
	}
}

// ---------------------------------------------------------------
// RetriableRequest / Enqueue
// ---------------------------------------------------------------

func TestRetriableRequest_PermanentFailureNotQueued(t *testing.T) {
	sender := &fakeSender{statuses: []int{404}}
	m := metrics.New()
	q := newTestQueue(sender, clockwork.NewFakeClock(), Options{Metrics: m})

	var got transport.Response
	q.RetriableRequest(context.Background(), transport.RequestOptions{
		URL:      "https://c.test/e/",
		Callback: func(r transport.Response) { got = r },
	})

	assert.Zero(t, q.Len())
	assert.Equal(t, 404, got.StatusCode, "callback sees the permanent failure")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsDroppedTotal.WithLabelValues(metrics.ReasonSendError)))
}

func TestRetriableRequest_TransientFailureQueued(t *testing.T) {
	sender := &fakeSender{statuses: []int{502}}
	q := newTestQueue(sender, clockwork.NewFakeClock(), Options{})

	called := false
	q.RetriableRequest(context.Background(), transport.RequestOptions{
		URL:      "https://c.test/e/",
		Callback: func(transport.Response) { called = true },
	})

	assert.Equal(t, 1, q.Len())
	assert.False(t, called, "callback waits for the final outcome")
	assert.Nil(t, sender.sent[0].Callback, "the transport never sees the caller callback")
}

func TestRetriableRequest_NoRetries(t *testing.T) {
	sender := &fakeSender{statuses: []int{0}}
	q := newTestQueue(sender, clockwork.NewFakeClock(), Options{})

	var got *transport.Response
	q.RetriableRequest(context.Background(), transport.RequestOptions{
		NoRetries: true,
		Callback:  func(r transport.Response) { got = &r },
	})

	assert.Zero(t, q.Len())
	require.NotNil(t, got)
	assert.Zero(t, got.StatusCode)
}

func TestEnqueue_Abandonment(t *testing.T) {
	dl := &fakeDeadLetters{}
	m := metrics.New()
	q := newTestQueue(&fakeSender{statuses: []int{200}}, clockwork.NewFakeClock(), Options{DeadLetters: dl, Metrics: m})

	before := q.Len()
	kept := q.Enqueue(transport.RequestOptions{URL: "https://c.test/e/", RetriesPerformedSoFar: 10})

	assert.False(t, kept)
	assert.Equal(t, before, q.Len())
	require.Len(t, dl.saved, 1)
	assert.Equal(t, 10, dl.saved[0].RetriesPerformedSoFar)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RetryAbandonedTotal))
}

func TestEnqueue_IncrementsAndSchedules(t *testing.T) {
	clock := clockwork.NewFakeClock()
	q := newTestQueue(&fakeSender{statuses: []int{200}}, clock, Options{})

	require.True(t, q.Enqueue(transport.RequestOptions{RetriesPerformedSoFar: 2}))

	q.mu.Lock()
	el := q.queue[0]
	q.mu.Unlock()

	assert.Equal(t, 3, el.opts.RetriesPerformedSoFar)
	assert.Equal(t, clock.Now().Add(12*time.Second), el.retryAt)
}

// ---------------------------------------------------------------
// Flush
// ---------------------------------------------------------------

func TestFlush_OnlyDueElements(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sender := &fakeSender{statuses: []int{200}}
	q := newTestQueue(sender, clock, Options{Concurrency: 4})

	q.Enqueue(transport.RequestOptions{URL: "a"})                          // 3s
	q.Enqueue(transport.RequestOptions{URL: "b", RetriesPerformedSoFar: 3}) // 24s

	q.Flush(context.Background())
	assert.Zero(t, sender.sentCount(), "nothing due yet")

	clock.Advance(4 * time.Second)
	q.Flush(context.Background())
	require.Equal(t, 1, sender.sentCount())
	assert.Equal(t, "a", sender.sent[0].URL)
	assert.Equal(t, 1, sender.sent[0].RetriesPerformedSoFar, "retry count reaches the transport")
	assert.Equal(t, 1, q.Len())

	clock.Advance(time.Minute)
	q.Flush(context.Background())
	assert.Equal(t, 2, sender.sentCount())
	assert.Zero(t, q.Len())
}

func TestFlush_FailureRequeuesWithHigherCount(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sender := &fakeSender{statuses: []int{503}}
	q := newTestQueue(sender, clock, Options{})

	q.Enqueue(transport.RequestOptions{URL: "a"})
	clock.Advance(4 * time.Second)
	q.Flush(context.Background())

	require.Equal(t, 1, q.Len())
	q.mu.Lock()
	assert.Equal(t, 2, q.queue[0].opts.RetriesPerformedSoFar)
	q.mu.Unlock()
}

func TestFlush_GivesUpAfterMaxRetries(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sender := &fakeSender{statuses: []int{0}}
	dl := &fakeDeadLetters{}
	q := newTestQueue(sender, clock, Options{DeadLetters: dl})

	var final *transport.Response
	q.RetriableRequest(context.Background(), transport.RequestOptions{
		URL:      "a",
		Callback: func(r transport.Response) { final = &r },
	})

	for i := 0; i < 20 && q.Len() > 0; i++ {
		clock.Advance(time.Hour)
		q.Flush(context.Background())
	}

	assert.Zero(t, q.Len())
	assert.Equal(t, 11, sender.sentCount(), "first attempt plus ten retries")
	require.Len(t, dl.saved, 1)
	require.NotNil(t, final)
	assert.Zero(t, final.StatusCode)
}

func TestFlush_QuotaLimitedStaysQueued(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sender := &fakeSender{statuses: []int{200}}
	quota := fakeQuota{"recordings": true}
	q := newTestQueue(sender, clock, Options{Quota: quota})

	q.Enqueue(transport.RequestOptions{URL: "r", BatchKey: "recordings"})
	q.Enqueue(transport.RequestOptions{URL: "e", BatchKey: "events"})
	clock.Advance(10 * time.Second)

	q.Flush(context.Background())
	assert.Equal(t, 1, sender.sentCount())
	assert.Equal(t, 1, q.Len())

	quota["recordings"] = false
	q.Flush(context.Background())
	assert.Equal(t, 2, sender.sentCount())
	assert.Zero(t, q.Len())
}

// ---------------------------------------------------------------
// online / offline
// ---------------------------------------------------------------

func TestOffline_NoAttemptsThenFlushOnReconnect(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sender := &fakeSender{statuses: []int{200}}
	bus := NewBus()
	q := newTestQueue(sender, clock, Options{Network: bus})
	defer q.Stop()

	q.Enqueue(transport.RequestOptions{URL: "a"})
	bus.Publish(false)
	assert.False(t, q.Online())

	clock.Advance(time.Minute)
	q.Flush(context.Background())
	assert.Zero(t, sender.sentCount())

	bus.Publish(true)
	assert.Eventually(t, func() bool { return sender.sentCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, q.Len())
}

func TestPollLoop(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sender := &fakeSender{statuses: []int{200}}
	q := newTestQueue(sender, clock, Options{PollInterval: time.Second})

	q.Enqueue(transport.RequestOptions{URL: "a"})
	q.Start()
	defer q.Stop()

	require.NoError(t, clock.BlockUntilContext(context.Background(), 1))
	clock.Advance(4 * time.Second)

	assert.Eventually(t, func() bool { return sender.sentCount() == 1 }, time.Second, 5*time.Millisecond)
}

func TestStop_LetsInFlightRequestFinish(t *testing.T) {
	started := make(chan struct{}, 1)
	var completed atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		started <- struct{}{}
		time.Sleep(300 * time.Millisecond)
		completed.Store(true)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	clock := clockwork.NewFakeClock()
	sender := transport.NewSender(transport.Options{Client: srv.Client(), Clock: clock})
	q := NewQueue(Options{Sender: sender, Clock: clock, PollInterval: time.Second})
	q.random = func() float64 { return 0.5 }

	var mu sync.Mutex
	var statuses []int
	q.Enqueue(transport.RequestOptions{
		URL:  srv.URL + "/e/",
		Data: []int{1},
		Callback: func(r transport.Response) {
			mu.Lock()
			statuses = append(statuses, r.StatusCode)
			mu.Unlock()
		},
	})
	q.Start()

	require.NoError(t, clock.BlockUntilContext(context.Background(), 1))
	clock.Advance(4 * time.Second)
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("retry never reached the collector")
	}

	q.Stop()

	assert.True(t, completed.Load(), "Stop waits for the request instead of cancelling it")
	assert.Zero(t, q.Len(), "the attempt succeeded, nothing re-queued")
	mu.Lock()
	assert.Equal(t, []int{200}, statuses)
	mu.Unlock()
}

func TestSetOnline_AfterStopDoesNotFlush(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sender := &fakeSender{statuses: []int{200}}
	q := newTestQueue(sender, clock, Options{Network: NewBus()})

	q.Enqueue(transport.RequestOptions{URL: "a"})
	q.Stop()
	clock.Advance(time.Minute)

	q.setOnline(true)
	q.Stop()
	time.Sleep(20 * time.Millisecond)

	assert.Zero(t, sender.sentCount())
	assert.Equal(t, 1, q.Len())
}

// ---------------------------------------------------------------
// unload
// ---------------------------------------------------------------

func TestUnload(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sender := &fakeSender{statuses: []int{200}}
	bus := NewBus()
	m := metrics.New()
	q := newTestQueue(sender, clock, Options{Network: bus, Metrics: m})
	q.Start()

	q.Enqueue(transport.RequestOptions{URL: "a", Transport: transport.TransportXHR})
	q.Enqueue(transport.RequestOptions{URL: "b", RetriesPerformedSoFar: 5})
	bus.Publish(false)

	q.Unload(context.Background())

	assert.Zero(t, q.Len())
	assert.Zero(t, sender.sentCount())
	require.Len(t, sender.beacons, 2, "sent once each, even offline and not yet due")
	for _, b := range sender.beacons {
		assert.Equal(t, transport.TransportBeacon, b.Transport)
	}
	assert.Equal(t, 2.0, testutil.ToFloat64(m.UnloadFlushedTotal))

	// polling 은 끝남. 이후 실패는 바로 beacon 으로 나간다
	assert.True(t, q.Enqueue(transport.RequestOptions{URL: "c"}))
	clock.Advance(time.Hour)
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, sender.sentCount())
	assert.Zero(t, q.Len())
	require.Len(t, sender.beacons, 3)
	assert.Equal(t, "c", sender.beacons[2].URL)
	assert.Equal(t, 1, sender.beacons[2].RetriesPerformedSoFar)
}

// ---------------------------------------------------------------
// network bus / prober
// ---------------------------------------------------------------

func TestBus_NotifiesOnChangeOnly(t *testing.T) {
	bus := NewBus()
	var got []bool
	unsubscribe := bus.Subscribe(func(online bool) { got = append(got, online) })

	bus.Publish(true)
	bus.Publish(false)
	bus.Publish(false)
	bus.Publish(true)
	unsubscribe()
	bus.Publish(false)

	assert.Equal(t, []bool{false, true}, got)
	assert.False(t, bus.Online())
}
