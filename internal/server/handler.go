// internal/server/handler.go
package server

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"estat-capture/internal/capture"
	"estat-capture/internal/config"
	"estat-capture/internal/logger"
	"estat-capture/internal/metrics"
	"estat-capture/internal/model"
	"estat-capture/internal/pool"
	"estat-capture/internal/recording"
	"estat-capture/internal/session"
	"estat-capture/internal/transport"

	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"
)

// Pipeline 은 relay 가 이벤트를 넘기는 대상이다. *capture.Client 가 구현한다.
type Pipeline interface {
	Capture(ev model.Event) error
	CaptureSnapshot(events []model.Event) error
	ObserveScroll(s session.ScrollSample)
	PublishFlags(evaluated map[string]any)
	RecordingSnapshot() recording.Snapshot
}

type Handler struct {
	cfg      config.Config
	metrics  *metrics.Metrics
	pipeline Pipeline
	log      zerolog.Logger
}

func NewHandler(cfg config.Config, m *metrics.Metrics, p Pipeline) *Handler {
	return &Handler{
		cfg:      cfg,
		metrics:  m,
		pipeline: p,
		log:      logger.Component("relay"),
	}
}

// Routes 는 relay 의 모든 endpoint 를 등록한다.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/collect", h.HandleCollect)
	mux.HandleFunc("/snapshot", h.HandleSnapshot)
	mux.HandleFunc("/flags", h.HandleFlags)
	mux.HandleFunc("/scroll", h.HandleScroll)
	mux.HandleFunc("/recording", h.HandleRecording)
	mux.HandleFunc("/health", h.HandleHealth)
	if h.metrics != nil {
		mux.Handle("/metrics", h.metrics.Handler())
	}
	return mux
}

// HandleCollect
//
// 이벤트 1개 또는 배열을 받는 수집 endpoint.
// transport 계층이 만들 수 있는 인코딩은 모두 받는다:
//   - raw JSON
//   - `data=` form body (beacon)
//   - base64 / gzip-js (`compression` query parameter 기준)
//   - GET: `data` query parameter
//
// 공통 동작:
//  1. event 이름 필수 (없으면 400)
//  2. client IP 를 $ip 로, User-Agent 를 $raw_user_agent 로 부착
//  3. capture pipeline 에 push (full / closed 이면 503 → caller 가 재시도)
func (h *Handler) HandleCollect(w http.ResponseWriter, r *http.Request) {
	events, ok := h.readEvents(w, r)
	if !ok {
		return
	}

	for _, ev := range events {
		if ev.Event == "" {
			http.Error(w, "event name is required", http.StatusBadRequest)
			return
		}
	}

	ip := clientIP(r)
	ua := r.UserAgent()
	for _, ev := range events {
		if ev.Properties == nil {
			ev.Properties = make(map[string]any, 2)
		}
		if ip != "" {
			ev.Properties["$ip"] = ip
		}
		if ua != "" {
			if _, set := ev.Properties["$raw_user_agent"]; !set {
				ev.Properties["$raw_user_agent"] = ua
			}
		}

		if err := h.pipeline.Capture(ev); err != nil {
			h.reject(w, err)
			return
		}
	}
	writeStatus(w)
}

// HandleSnapshot 은 replay 이벤트를 /collect 와 같은 인코딩으로 받는다.
func (h *Handler) HandleSnapshot(w http.ResponseWriter, r *http.Request) {
	events, ok := h.readEvents(w, r)
	if !ok {
		return
	}
	if err := h.pipeline.CaptureSnapshot(events); err != nil {
		h.reject(w, err)
		return
	}
	writeStatus(w)
}

// HandleFlags 는 flag 평가 결과 map 을 받는다 ({"flag": true, "exp": "variant"}).
func (h *Handler) HandleFlags(w http.ResponseWriter, r *http.Request) {
	if !allowPost(w, r) {
		return
	}
	body, ok := h.readBody(w, r)
	if !ok {
		return
	}

	var evaluated map[string]any
	if err := json.Unmarshal(body, &evaluated); err != nil || evaluated == nil {
		http.Error(w, "expected a JSON object", http.StatusBadRequest)
		return
	}
	h.pipeline.PublishFlags(evaluated)
	writeStatus(w)
}

// HandleScroll 은 현재 pageview 의 scroll 샘플 1개를 기록한다.
func (h *Handler) HandleScroll(w http.ResponseWriter, r *http.Request) {
	if !allowPost(w, r) {
		return
	}
	body, ok := h.readBody(w, r)
	if !ok {
		return
	}

	var sample session.ScrollSample
	if err := json.Unmarshal(body, &sample); err != nil {
		http.Error(w, "invalid scroll sample", http.StatusBadRequest)
		return
	}
	h.pipeline.ObserveScroll(sample)
	w.WriteHeader(http.StatusNoContent)
}

// HandleRecording 은 현재 recording 상태와 그 판단 근거를 JSON 으로 보여준다.
func (h *Handler) HandleRecording(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(h.pipeline.RecordingSnapshot())
}

func (h *Handler) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	_, _ = w.Write([]byte("ok"))
}

// ---------------------------------------------------------------
// 요청 디코딩
// ---------------------------------------------------------------

func allowPost(w http.ResponseWriter, r *http.Request) bool {
	switch r.Method {
	case http.MethodPost:
		return true
	case http.MethodOptions:
		// OPTIONS 는 CORS preflight 로 가정 → 204
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
	return false
}

// readBody 는 크기 제한된 body 를 BodyPool 버퍼로 복사한 뒤
// caller 소유의 slice 를 반환한다. 제한 초과는 413.
func (h *Handler) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxBodySize)
	defer r.Body.Close()

	buf := pool.BodyPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer pool.PutBody(buf, h.cfg.MaxBodySize*2)

	if _, err := io.Copy(buf, r.Body); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			w.WriteHeader(http.StatusRequestEntityTooLarge)
		} else {
			w.WriteHeader(http.StatusBadRequest)
		}
		return nil, false
	}
	return bytes.Clone(buf.Bytes()), true
}

func (h *Handler) readEvents(w http.ResponseWriter, r *http.Request) ([]model.Event, bool) {
	var raw []byte

	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusNoContent)
		return nil, false

	case http.MethodGet:
		if int64(len(r.URL.RawQuery)) > h.cfg.MaxBodySize {
			w.WriteHeader(http.StatusRequestEntityTooLarge)
			return nil, false
		}
		raw = []byte("data=" + url.QueryEscape(r.URL.Query().Get("data")))

	case http.MethodPost:
		body, ok := h.readBody(w, r)
		if !ok {
			return nil, false
		}
		raw = body

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
		return nil, false
	}

	payload, err := decodePayload(raw, r.URL.Query().Get("compression"), h.cfg.MaxBodySize)
	if err != nil {
		h.log.Debug().Err(err).Msg("undecodable payload")
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return nil, false
	}

	events, err := parseEvents(payload)
	if err != nil {
		h.log.Debug().Err(err).Msg("invalid events")
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return nil, false
	}
	return events, true
}

// decodePayload 는 transport 인코딩을 푼다.
//   - gzip-js: body 전체가 gzip (압축 해제 후에도 limit 적용)
//   - form: `data` 필드에 JSON 또는 그 base64
func decodePayload(raw []byte, compression string, limit int64) ([]byte, error) {
	if compression == transport.CompressionGzip {
		zr, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		defer zr.Close()

		out, err := io.ReadAll(io.LimitReader(zr, limit+1))
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		if int64(len(out)) > limit {
			return nil, fmt.Errorf("gzip: decompressed body exceeds %d bytes", limit)
		}
		return out, nil
	}

	if bytes.HasPrefix(raw, []byte("data=")) {
		form, err := url.ParseQuery(string(raw))
		if err != nil {
			return nil, fmt.Errorf("form: %w", err)
		}
		raw = []byte(form.Get("data"))
	}

	if compression == transport.CompressionBase64 {
		out, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(raw)))
		if err != nil {
			return nil, fmt.Errorf("base64: %w", err)
		}
		return out, nil
	}
	return raw, nil
}

// parseEvents 는 이벤트 object 1개 또는 배열을 받는다.
func parseEvents(payload []byte) ([]model.Event, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return nil, errors.New("empty payload")
	}

	var events []model.Event
	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &events); err != nil {
			return nil, err
		}
	} else {
		var ev model.Event
		if err := json.Unmarshal(trimmed, &ev); err != nil {
			return nil, err
		}
		events = []model.Event{ev}
	}

	return events, nil
}

// ---------------------------------------------------------------
// 응답
// ---------------------------------------------------------------

func (h *Handler) reject(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, capture.ErrQueueFull), errors.Is(err, capture.ErrClosed):
		w.WriteHeader(http.StatusServiceUnavailable)
	default:
		h.log.Warn().Err(err).Msg("capture failed")
		w.WriteHeader(http.StatusInternalServerError)
	}
}

func writeStatus(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = io.WriteString(w, `{"status":1}`)
}
