// internal/transport/request.go

// Package transport 는 배치 1개의 네트워크 호출을 담당한다.
//   - payload 인코딩 (JSON / base64 form / gzip-js)
//   - URL query parameter 부착
//   - transport 선택 (일반 요청 / keepalive / beacon)
package transport

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"estat-capture/internal/pool"

	json "github.com/goccy/go-json"
)

// caller 가 요청할 수 있는 transport
//   - XHR: 기본값
//   - fetch: keepalive 지원
//   - sendBeacon: fire-and-forget, POST 전용
const (
	TransportXHR    = "XHR"
	TransportFetch  = "fetch"
	TransportBeacon = "sendBeacon"
)

// `compression` query parameter 값
const (
	CompressionNone   = ""
	CompressionGzip   = "gzip-js"
	CompressionBase64 = "base64"
)

// DefaultKeepAliveMaxBytes: keepalive / beacon 으로 보낼 수 있는 최대 body 크기.
// 브라우저는 이보다 큰 keepalive body 를 조용히 거절하므로, 큰 payload 는 일반 요청으로 보낸다.
const DefaultKeepAliveMaxBytes = 400 * 1024

// Response 는 callback 이 받는 결과이다. StatusCode 0 = HTTP 응답을 받지 못함.
type Response struct {
	StatusCode int
	Text       string
	Err        error
}

// OK: 200 인지
func (r Response) OK() bool { return r.StatusCode == 200 }

// RequestOptions: 전송 시도 1회의 내용
type RequestOptions struct {
	URL     string
	Data    any // JSON 인코딩 가능한 값, nil 이면 body 없음
	Headers map[string]string
	Method  string // GET 또는 POST, 비어 있으면 POST

	Compression string
	Transport   string
	BatchKey    string
	Timeout     time.Duration

	// RetriesPerformedSoFar 는 retry_count 로 전송된다.
	// collector 가 첫 시도와 재시도를 구분할 수 있게 하기 위함.
	RetriesPerformedSoFar int

	// NoRetries: 실패해도 retry queue 에 넣지 않는다.
	NoRetries bool

	Callback func(Response)
}

func (o RequestOptions) method() string {
	if o.Method == "" {
		return "POST"
	}
	return strings.ToUpper(o.Method)
}

// ---------------------------------------------------------------
// 인코딩
// ---------------------------------------------------------------

type encodedBody struct {
	body        []byte
	contentType string
}

// encodeBody 는 선택된 compression 으로 Data 를 인코딩한다.
// beacon body 는 gzip 이 아니면 항상 form 인코딩.
func encodeBody(opts RequestOptions, beacon bool) (encodedBody, error) {
	if opts.Data == nil {
		return encodedBody{}, nil
	}

	raw, err := json.Marshal(opts.Data)
	if err != nil {
		return encodedBody{}, fmt.Errorf("encode payload: %w", err)
	}

	switch opts.Compression {
	case CompressionGzip:
		gz, err := pool.Gzip(raw)
		if err != nil {
			return encodedBody{}, fmt.Errorf("gzip payload: %w", err)
		}
		return encodedBody{body: gz, contentType: "text/plain"}, nil

	case CompressionBase64:
		encoded := base64.StdEncoding.EncodeToString(raw)
		return encodedBody{
			body:        []byte("data=" + url.QueryEscape(encoded)),
			contentType: "application/x-www-form-urlencoded",
		}, nil
	}

	if beacon {
		return encodedBody{
			body:        []byte("data=" + url.QueryEscape(string(raw))),
			contentType: "application/x-www-form-urlencoded",
		}, nil
	}
	return encodedBody{body: raw, contentType: "application/json"}, nil
}

// ---------------------------------------------------------------
// url
// ---------------------------------------------------------------

type urlParams struct {
	nowMillis int64
	version   string
	captureIP bool
	beacon    bool
}

// decorateURL 은 전송용 query parameter 를 붙인다. caller 가 넣은 parameter 는 유지한다.
func decorateURL(raw string, opts RequestOptions, p urlParams) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse url %q: %w", raw, err)
	}

	q := u.Query()
	q.Set("_", strconv.FormatInt(p.nowMillis, 10))
	if p.version != "" {
		q.Set("ver", p.version)
	}
	if p.captureIP {
		q.Set("ip", "1")
	}
	if opts.Compression != CompressionNone {
		q.Set("compression", opts.Compression)
	}
	if opts.RetriesPerformedSoFar > 0 {
		q.Set("retry_count", strconv.Itoa(opts.RetriesPerformedSoFar))
	}
	if p.beacon {
		q.Set("beacon", "1")
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}
