// internal/model/event.go
package model

import (
	"bytes"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
)

// Batch key. collector 는 key 마다 따로 quota 를 건다.
const (
	BatchKeyEvents     = "events"
	BatchKeyRecordings = "recordings"
)

// Event
// ------------------------------------------------------------
// 수집된 이벤트 1개.
// Capture → 배치 → 인코딩 → 전송까지 같은 값이 그대로 전달된다.
// BatchKey 는 라우팅 전용이며 직렬화되지 않는다.
type Event struct {
	UUID       string         `json:"uuid"`
	Event      string         `json:"event"`
	Properties map[string]any `json:"properties"`
	Timestamp  time.Time      `json:"timestamp"`

	BatchKey string `json:"-"`
}

// EventNameException 이벤트는 $exception_list property 를 가진다.
const EventNameException = "$exception"

// RemoteConfig
// ------------------------------------------------------------
// decide 응답 중 capture client 가 실제로 쓰는 부분.
type RemoteConfig struct {
	SessionRecording *SessionRecordingConfig `json:"sessionRecording,omitempty"`
	FeatureFlags     map[string]any          `json:"featureFlags,omitempty"`
}

// UnmarshalJSON: `"sessionRecording": false` 도 받는다 (= recording off).
func (r *RemoteConfig) UnmarshalJSON(data []byte) error {
	var raw struct {
		SessionRecording json.RawMessage `json:"sessionRecording"`
		FeatureFlags     map[string]any  `json:"featureFlags"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	r.FeatureFlags = raw.FeatureFlags
	r.SessionRecording = nil

	trimmed := bytes.TrimSpace(raw.SessionRecording)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil
	}
	var sr SessionRecordingConfig
	if err := json.Unmarshal(trimmed, &sr); err != nil {
		return fmt.Errorf("sessionRecording: %w", err)
	}
	r.SessionRecording = &sr
	return nil
}

// trigger 결합 정책
const (
	TriggerMatchAny = "any"
	TriggerMatchAll = "all"
)

// SessionRecordingConfig 는 decide 응답의 `sessionRecording` object 이다.
type SessionRecordingConfig struct {
	Endpoint         string       `json:"endpoint,omitempty"`
	SampleRate       *float64     `json:"sampleRate,omitempty"`
	URLTriggers      []URLTrigger `json:"urlTriggers,omitempty"`
	URLBlocklist     []URLTrigger `json:"urlBlocklist,omitempty"`
	LinkedFlag       *LinkedFlag  `json:"linkedFlag,omitempty"`
	EventTriggers    []string     `json:"eventTriggers,omitempty"`
	TriggerMatchType string       `json:"triggerMatchType,omitempty"`
}

// URLTrigger 는 URL 패턴이다. Matching == "regex" 만 지원한다.
type URLTrigger struct {
	URL      string `json:"url"`
	Matching string `json:"matching"`
}

// LinkedFlag 는 flag key 만 있거나, 특정 variant 에 고정된 flag 이다.
type LinkedFlag struct {
	Flag    string `json:"flag"`
	Variant string `json:"variant,omitempty"`
}

// UnmarshalJSON: "flag-key", {"flag": "...", "variant": "..."}, null 모두 받는다.
func (l *LinkedFlag) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*l = LinkedFlag{}
		return nil
	}
	if trimmed[0] == '"' {
		var key string
		if err := json.Unmarshal(trimmed, &key); err != nil {
			return err
		}
		*l = LinkedFlag{Flag: key}
		return nil
	}
	var obj struct {
		Flag    string `json:"flag"`
		Variant string `json:"variant"`
	}
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return fmt.Errorf("linkedFlag: %w", err)
	}
	*l = LinkedFlag{Flag: obj.Flag, Variant: obj.Variant}
	return nil
}

// QuotaResponse 는 collector 응답 중 quota limiter 가 읽는 부분이다.
type QuotaResponse struct {
	QuotaLimited []string `json:"quota_limited,omitempty"`
}
