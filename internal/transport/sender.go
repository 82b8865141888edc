// internal/transport/sender.go
package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"estat-capture/internal/logger"
	"estat-capture/internal/metrics"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// 응답 body 는 이 크기에서 자른다. collector 는 작은 JSON 만 돌려준다.
const maxResponseBytes = 1 << 20

// Options: Sender 설정
type Options struct {
	Client            *http.Client
	Clock             clockwork.Clock
	Metrics           *metrics.Metrics
	Version           string
	CaptureIP         bool
	KeepAliveMaxBytes int
	DefaultTimeout    time.Duration
}

// Sender 는 전송 시도 1회만 수행한다.
// 스스로 재시도하지 않으며, 실패 후 처리는 retry queue 가 결정한다.
type Sender struct {
	client       *http.Client
	clock        clockwork.Clock
	metrics      *metrics.Metrics
	log          zerolog.Logger
	version      string
	captureIP    bool
	keepAliveMax int
	timeout      time.Duration

	beacons sync.WaitGroup
}

func NewSender(opts Options) *Sender {
	client := opts.Client
	if client == nil {
		client = &http.Client{}
	}
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	keepAliveMax := opts.KeepAliveMaxBytes
	if keepAliveMax <= 0 {
		keepAliveMax = DefaultKeepAliveMaxBytes
	}
	timeout := opts.DefaultTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	return &Sender{
		client:       client,
		clock:        clock,
		metrics:      opts.Metrics,
		log:          logger.Component("transport"),
		version:      opts.Version,
		captureIP:    opts.CaptureIP,
		keepAliveMax: keepAliveMax,
		timeout:      timeout,
	}
}

// Send 는 요청 1개를 보내고 끝날 때까지 block 한다.
// callback 이 있으면 Send 가 반환되기 전에 같은 Response 로 호출된다.
//
// 주의:
//   - keepalive 한도 이하 body 의 fetch 요청은 ctx cancel 과 분리된다
//     (caller 가 떠난 뒤에도 끝까지 전송)
//   - 여기서 sendBeacon 을 요청하면 fetch 로 취급한다. fire-and-forget 은 Beacon 을 쓸 것
func (s *Sender) Send(ctx context.Context, opts RequestOptions) Response {
	transport := opts.Transport
	switch transport {
	case "":
		transport = TransportXHR
	case TransportBeacon:
		transport = TransportFetch
	}

	enc, err := encodeBody(opts, false)
	if err != nil {
		return s.finish(opts, transport, Response{Err: err}, 0)
	}

	if transport == TransportFetch && len(enc.body) <= s.keepAliveMax {
		ctx = context.WithoutCancel(ctx)
	}

	resp := s.do(ctx, opts, enc, false)
	return s.finish(opts, transport, resp, len(enc.body))
}

// Beacon 은 opts 를 POST 로 한 번 보내고, 결과를 기다리거나 알리지 않는다.
// keepalive 한도를 넘는 body 는 beacon 으로 보낼 수 없으므로
// ctx 위에서 일반 요청으로 보낸다 (callback 없음).
func (s *Sender) Beacon(ctx context.Context, opts RequestOptions) {
	opts.Method = "POST"
	opts.Callback = nil

	enc, err := encodeBody(opts, true)
	if err != nil {
		s.log.Warn().Err(err).Str("url", opts.URL).Msg("beacon encode failed")
		return
	}

	if len(enc.body) > s.keepAliveMax {
		s.log.Debug().Int("bytes", len(enc.body)).Msg("beacon body too large, sending plain request")
		opts.Transport = TransportXHR
		s.Send(ctx, opts)
		return
	}

	detached := context.WithoutCancel(ctx)
	s.beacons.Add(1)
	go func() {
		defer s.beacons.Done()
		resp := s.do(detached, opts, enc, true)
		s.observe(TransportBeacon, resp, len(enc.body))
	}()
}

// WaitBeacons 는 진행 중인 beacon 이 끝나거나 ctx 가 끝날 때까지 기다린다.
func (s *Sender) WaitBeacons(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.beacons.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Sender) do(ctx context.Context, opts RequestOptions, enc encodedBody, beacon bool) Response {
	target, err := decorateURL(opts.URL, opts, urlParams{
		nowMillis: s.clock.Now().UnixMilli(),
		version:   s.version,
		captureIP: s.captureIP,
		beacon:    beacon,
	})
	if err != nil {
		return Response{Err: err}
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = s.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if enc.body != nil {
		body = bytes.NewReader(enc.body)
	}

	method := opts.method()
	if method == http.MethodGet {
		body = nil
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return Response{Err: err}
	}
	if body != nil && enc.contentType != "" {
		req.Header.Set("Content-Type", enc.contentType)
	}
	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}

	httpResp, err := s.client.Do(req)
	if err != nil {
		return Response{Err: err}
	}
	defer httpResp.Body.Close()

	text, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil && !errors.Is(err, io.EOF) {
		return Response{StatusCode: httpResp.StatusCode, Err: err}
	}
	return Response{StatusCode: httpResp.StatusCode, Text: string(text)}
}

func (s *Sender) finish(opts RequestOptions, transport string, resp Response, size int) Response {
	s.observe(transport, resp, size)

	if resp.Err != nil {
		s.log.Debug().Err(resp.Err).Str("url", opts.URL).Msg("request failed")
	}
	if opts.Callback != nil {
		opts.Callback(resp)
	}
	return resp
}

func (s *Sender) observe(transport string, resp Response, size int) {
	if s.metrics == nil {
		return
	}
	s.metrics.RequestsTotal.WithLabelValues(transport, metrics.StatusClass(resp.StatusCode)).Inc()
	if size > 0 {
		s.metrics.RequestBodyBytes.Observe(float64(size))
	}
}
