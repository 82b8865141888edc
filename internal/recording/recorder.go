// internal/recording/recorder.go

// Package recording 은 session 마다 replay 데이터를 남길지 결정하고,
// 결정이 나기 전까지는 데이터를 붙잡아 둔다.
package recording

import (
	"sync"

	"estat-capture/internal/logger"
	"estat-capture/internal/metrics"
	"estat-capture/internal/model"
	"estat-capture/internal/persistence"
	"estat-capture/internal/session"
	"estat-capture/internal/trigger"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"
)

const (
	DefaultEndpoint   = "/s/"
	DefaultBufferSize = 1000

	sampleBuckets = 10_000
)

// Sink 는 recording 이 켜진 뒤의 replay 이벤트를 받는다.
type Sink func(events []model.Event)

// SessionSource: 현재 session id 와 session 교체 알림의 출처. *session.IDManager 가 구현한다.
type SessionSource interface {
	SessionID(readOnly bool) (string, bool)
	OnSessionID(fn session.RotationListener) func()
}

type Options struct {
	Store      persistence.Store
	Flags      trigger.FlagSource
	Sessions   SessionSource
	Metrics    *metrics.Metrics
	BufferSize int
	Sink       Sink
}

// Snapshot 은 /recording 으로 내보내는 recorder 상태이다.
type Snapshot struct {
	Status         trigger.SessionRecordingStatus `json:"status"`
	SessionID      string                         `json:"session_id"`
	ReceivedDecide bool                           `json:"received_decide"`
	Enabled        bool                           `json:"enabled"`
	Sampled        *bool                          `json:"sampled"`
	MatchType      string                         `json:"trigger_match_type"`
	URLTrigger     trigger.TriggerStatus          `json:"url_trigger"`
	EventTrigger   trigger.TriggerStatus          `json:"event_trigger"`
	LinkedFlag     trigger.TriggerStatus          `json:"linked_flag"`
	URLBlocked     bool                           `json:"url_blocked"`
	Buffered       int                            `json:"buffered"`
}

// Recorder
//
// 현재 session 의 trigger matcher 3종 (URL / event / linked flag) 을 소유하고,
// remote config, flag, navigation, 이벤트 이름을 matcher 에 전달한다.
//
// replay 이벤트는 결정된 status 에 따라 처리한다:
//   - active / sampled: sink 로 전달
//   - buffering: buffer 에 보관 (크기 제한)
//   - disabled / paused: drop
type Recorder struct {
	store    persistence.Store
	flags    trigger.FlagSource
	sessions SessionSource
	metrics  *metrics.Metrics
	sink     Sink
	log      zerolog.Logger

	urlTriggers   *trigger.URLTriggerMatching
	eventTriggers *trigger.EventTriggerMatching

	mu             sync.Mutex
	linkedFlag     *trigger.LinkedFlagMatching
	cfg            *model.RemoteConfig
	receivedDecide bool
	lastStatus     trigger.SessionRecordingStatus
	buffer         []model.Event
	bufferSize     int

	unsubscribe func()
}

func New(opts Options) *Recorder {
	size := opts.BufferSize
	if size <= 0 {
		size = DefaultBufferSize
	}
	store := opts.Store
	if store == nil {
		store = persistence.NewMemoryStore()
	}

	r := &Recorder{
		store:         store,
		flags:         opts.Flags,
		sessions:      opts.Sessions,
		metrics:       opts.Metrics,
		sink:          opts.Sink,
		log:           logger.Component("recorder"),
		urlTriggers:   trigger.NewURLTriggerMatching(store),
		eventTriggers: trigger.NewEventTriggerMatching(store),
		linkedFlag:    trigger.NewLinkedFlagMatching(opts.Flags),
		bufferSize:    size,
	}
	if r.sessions != nil {
		r.unsubscribe = r.sessions.OnSessionID(r.onSessionRotated)
	}
	return r
}

// Stop 은 flag / session 구독을 해제한다.
func (r *Recorder) Stop() {
	r.mu.Lock()
	lf := r.linkedFlag
	unsubscribe := r.unsubscribe
	r.unsubscribe = nil
	r.mu.Unlock()

	lf.Stop()
	if unsubscribe != nil {
		unsubscribe()
	}
}

// ---------------------------------------------------------------
// 입력
// ---------------------------------------------------------------

// OnRemoteConfig 는 decide 응답을 적용한다. SessionRecording 이 nil 이면 recording off.
func (r *Recorder) OnRemoteConfig(cfg *model.RemoteConfig) {
	r.urlTriggers.OnRemoteConfig(cfg)
	r.eventTriggers.OnRemoteConfig(cfg)

	r.mu.Lock()
	r.cfg = cfg
	r.receivedDecide = true
	lf := r.linkedFlag
	r.mu.Unlock()

	lf.OnRemoteConfig(cfg, r.onLinkedFlagStarted)
	r.evaluate()
}

func (r *Recorder) onLinkedFlagStarted(flag, variant string) {
	r.log.Debug().Str("flag", flag).Str("variant", variant).Msg("linked flag matched")
	r.evaluate()
}

// OnNavigate 는 page URL 을 blocklist 와 URL trigger 에 대조한다.
func (r *Recorder) OnNavigate(url string) {
	r.urlTriggers.CheckURLTriggerConditions(url,
		func() { r.log.Info().Str("url", url).Msg("recording paused, url blocked") },
		func() { r.log.Info().Str("url", url).Msg("recording resumed") },
		func(string) { r.urlTriggers.Activate(r.sessionID()) },
	)
	r.evaluate()
}

// OnEvent 는 수집된 이벤트 이름을 event trigger 에 대조한다.
func (r *Recorder) OnEvent(name string) {
	activated := false
	r.eventTriggers.CheckEventTriggerConditions(name, func(string) {
		r.eventTriggers.Activate(r.sessionID())
		activated = true
	})
	if activated {
		r.evaluate()
	}
}

// onSessionRotated 는 새 session 에 새 linked flag matcher 를 주고 (seen bit 는 넘어가지 않음),
// 이전 session 용으로 보관하던 buffer 를 버린다.
func (r *Recorder) onSessionRotated(sessionID, previous string) {
	fresh := trigger.NewLinkedFlagMatching(r.flags)

	r.mu.Lock()
	old := r.linkedFlag
	r.linkedFlag = fresh
	cfg := r.cfg
	received := r.receivedDecide
	dropped := len(r.buffer)
	r.buffer = nil
	r.mu.Unlock()

	old.Stop()
	if received {
		fresh.OnRemoteConfig(cfg, r.onLinkedFlagStarted)
	}
	if dropped > 0 {
		r.log.Debug().Int("events", dropped).Str("previous", previous).Msg("discarded buffer of rotated session")
	}
	r.evaluate()
}

func (r *Recorder) sessionID() string {
	if r.sessions == nil {
		return ""
	}
	id, _ := r.sessions.SessionID(true)
	return id
}

// ---------------------------------------------------------------
// 상태
// ---------------------------------------------------------------

func (r *Recorder) triggersStatus() (trigger.RecordingTriggersStatus, string) {
	sessionID := r.sessionID()

	r.mu.Lock()
	cfg := r.cfg
	received := r.receivedDecide
	lf := r.linkedFlag
	r.mu.Unlock()

	var sr *model.SessionRecordingConfig
	if cfg != nil {
		sr = cfg.SessionRecording
	}
	matchType := model.TriggerMatchAny
	if sr != nil && sr.TriggerMatchType != "" {
		matchType = sr.TriggerMatchType
	}

	return trigger.RecordingTriggersStatus{
		ReceivedDecide:       received,
		IsRecordingEnabled:   sr != nil,
		IsSampled:            isSampled(sr, sessionID),
		URLTriggerMatching:   r.urlTriggers,
		EventTriggerMatching: r.eventTriggers,
		LinkedFlagMatching:   lf,
		SessionID:            sessionID,
	}, matchType
}

// isSampled: sample rate 가 없으면 nil.
// 있으면 session id hash 로 결정하므로 같은 session 은 항상 같은 결과가 나온다.
func isSampled(sr *model.SessionRecordingConfig, sessionID string) *bool {
	if sr == nil || sr.SampleRate == nil {
		return nil
	}
	rate := *sr.SampleRate
	bucket := float64(xxhash.Sum64String(sessionID)%sampleBuckets) / sampleBuckets
	sampled := bucket < rate
	return &sampled
}

// Status 는 현재 recording status 를 계산한다.
func (r *Recorder) Status() trigger.SessionRecordingStatus {
	s, matchType := r.triggersStatus()
	return trigger.ResolverFor(matchType)(s)
}

// Snapshot 은 status 와 그 판단에 쓰인 입력들을 함께 반환한다.
func (r *Recorder) Snapshot() Snapshot {
	s, matchType := r.triggersStatus()

	r.mu.Lock()
	buffered := len(r.buffer)
	r.mu.Unlock()

	return Snapshot{
		Status:         trigger.ResolverFor(matchType)(s),
		SessionID:      s.SessionID,
		ReceivedDecide: s.ReceivedDecide,
		Enabled:        s.IsRecordingEnabled,
		Sampled:        s.IsSampled,
		MatchType:      matchType,
		URLTrigger:     r.urlTriggers.TriggerStatus(s.SessionID),
		EventTrigger:   r.eventTriggers.TriggerStatus(s.SessionID),
		LinkedFlag:     s.LinkedFlagMatching.TriggerStatus(s.SessionID),
		URLBlocked:     r.urlTriggers.URLBlocked(),
		Buffered:       buffered,
	}
}

// Endpoint: remote config 의 replay 경로, 없으면 DefaultEndpoint
func (r *Recorder) Endpoint() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cfg != nil && r.cfg.SessionRecording != nil && r.cfg.SessionRecording.Endpoint != "" {
		return r.cfg.SessionRecording.Endpoint
	}
	return DefaultEndpoint
}

// evaluate 는 status 를 다시 계산하고 전이가 있으면 처리한다.
//   - active / sampled 로 전이: buffer 를 sink 로 방출
//   - disabled 로 전이: buffer 비움
func (r *Recorder) evaluate() trigger.SessionRecordingStatus {
	status := r.Status()

	r.mu.Lock()
	prev := r.lastStatus
	r.lastStatus = status
	var release []model.Event
	if status != prev {
		switch status {
		case trigger.StatusActive, trigger.StatusSampled:
			release = r.buffer
			r.buffer = nil
		case trigger.StatusDisabled:
			r.buffer = nil
		}
	}
	r.mu.Unlock()

	if status == prev {
		return status
	}
	r.log.Info().Str("from", string(prev)).Str("to", string(status)).Msg("recording status changed")
	if r.metrics != nil {
		r.metrics.RecordingStatusChangesTotal.WithLabelValues(string(status)).Inc()
	}
	if len(release) > 0 && r.sink != nil {
		r.sink(release)
	}
	return status
}

// ---------------------------------------------------------------
// replay 이벤트
// ---------------------------------------------------------------

// Record 는 현재 status 에 따라 replay 이벤트를 처리한다.
func (r *Recorder) Record(events []model.Event) {
	if len(events) == 0 {
		return
	}
	switch r.evaluate() {
	case trigger.StatusActive, trigger.StatusSampled:
		if r.sink != nil {
			r.sink(events)
		}

	case trigger.StatusBuffering:
		r.bufferOrForward(events)

	default:
		if r.metrics != nil {
			r.metrics.EventsDroppedTotal.WithLabelValues(metrics.ReasonRecordingOff).Add(float64(len(events)))
		}
	}
}

// bufferOrForward 는 buffer 에 추가한다.
// 단, evaluate 이후 다른 goroutine 이 status 를 바꿨다면 buffer 는 이미 방출(또는 비워짐)된 상태이므로
// 이벤트는 buffer 에 머물지 않고 새 status 를 따른다. 확인과 추가는 같은 r.mu 안에서 한다.
func (r *Recorder) bufferOrForward(events []model.Event) {
	r.mu.Lock()
	switch r.lastStatus {
	case trigger.StatusActive, trigger.StatusSampled:
		r.mu.Unlock()
		if r.sink != nil {
			r.sink(events)
		}
		return
	case trigger.StatusBuffering:
	default:
		r.mu.Unlock()
		if r.metrics != nil {
			r.metrics.EventsDroppedTotal.WithLabelValues(metrics.ReasonRecordingOff).Add(float64(len(events)))
		}
		return
	}

	room := r.bufferSize - len(r.buffer)
	overflow := 0
	if room < len(events) {
		overflow = len(events) - max(room, 0)
		events = events[:max(room, 0)]
	}
	r.buffer = append(r.buffer, events...)
	r.mu.Unlock()

	if overflow > 0 && r.metrics != nil {
		r.metrics.EventsDroppedTotal.WithLabelValues(metrics.ReasonBufferOverflow).Add(float64(overflow))
	}
}
