// internal/trigger/resolver.go
package trigger

import "estat-capture/internal/model"

// SessionRecordingStatus 는 recorder 가 지금 replay 데이터를 어떻게 다루는지를 나타낸다.
type SessionRecordingStatus string

const (
	StatusDisabled  SessionRecordingStatus = "disabled"
	StatusSampled   SessionRecordingStatus = "sampled"
	StatusActive    SessionRecordingStatus = "active"
	StatusBuffering SessionRecordingStatus = "buffering"
	StatusPaused    SessionRecordingStatus = "paused"
)

// URLMatcher 는 현재 URL 이 blocklist 에 걸렸는지도 아는 Matcher 이다.
type URLMatcher interface {
	Matcher
	URLBlocked() bool
}

// RecordingTriggersStatus 는 status 판단에 필요한 모든 입력의 읽기 전용 snapshot 이다.
// sampling 이 설정되지 않았으면 IsSampled 는 nil.
type RecordingTriggersStatus struct {
	ReceivedDecide     bool
	IsRecordingEnabled bool
	IsSampled          *bool

	URLTriggerMatching   URLMatcher
	EventTriggerMatching Matcher
	LinkedFlagMatching   Matcher

	SessionID string
}

func (s RecordingTriggersStatus) urlBlocked() bool {
	return s.URLTriggerMatching != nil && s.URLTriggerMatching.URLBlocked()
}

func (s RecordingTriggersStatus) matchers() []Matcher {
	out := make([]Matcher, 0, 3)
	for _, m := range []Matcher{s.EventTriggerMatching, s.URLTriggerMatching, s.LinkedFlagMatching} {
		if m == nil {
			out = append(out, DisabledMatcher)
			continue
		}
		out = append(out, m)
	}
	return out
}

// Resolver 는 snapshot 하나를 status 하나로 줄인다.
type Resolver func(RecordingTriggersStatus) SessionRecordingStatus

// ResolverFor 는 remote config 의 triggerMatchType 으로 정책을 고른다.
// "all" 이 아니면 전부 "any".
func ResolverFor(matchType string) Resolver {
	if matchType == model.TriggerMatchAll {
		return AllMatchSessionRecordingStatus
	}
	return AnyMatchSessionRecordingStatus
}

// AnyMatchSessionRecordingStatus ("OR" 정책)
//
// 설정된 gate 중 하나라도 열리면 recording 을 시작한다.
//   - sampling, 활성화된 trigger 각각 단독으로 충분
//   - 둘 다 해당되면 label 은 sampled
func AnyMatchSessionRecordingStatus(s RecordingTriggersStatus) SessionRecordingStatus {
	if !s.ReceivedDecide {
		return StatusBuffering
	}
	if !s.IsRecordingEnabled {
		return StatusDisabled
	}
	if s.urlBlocked() {
		return StatusPaused
	}

	sampledActive := s.IsSampled != nil && *s.IsSampled
	triggers := NewOrTriggerMatching(s.matchers()...).TriggerStatus(s.SessionID)

	switch {
	case sampledActive:
		return StatusSampled
	case triggers == TriggerActivated:
		return StatusActive
	case triggers == TriggerPending:
		// pending trigger 는 sampling 의 거절을 뒤집을 수 있으므로 아직 disabled 로 확정하지 않는다
		return StatusBuffering
	case s.IsSampled != nil && !*s.IsSampled:
		return StatusDisabled
	default:
		return StatusActive
	}
}

// AllMatchSessionRecordingStatus ("AND" 정책)
//
// 설정된 모든 gate 가 동의해야 recording 을 시작한다.
func AllMatchSessionRecordingStatus(s RecordingTriggersStatus) SessionRecordingStatus {
	if !s.ReceivedDecide {
		return StatusBuffering
	}
	if !s.IsRecordingEnabled {
		return StatusDisabled
	}
	if s.urlBlocked() {
		return StatusPaused
	}

	if NewAndTriggerMatching(s.matchers()...).TriggerStatus(s.SessionID) == TriggerPending {
		return StatusBuffering
	}

	switch {
	case s.IsSampled != nil && !*s.IsSampled:
		return StatusDisabled
	case s.IsSampled != nil && *s.IsSampled:
		return StatusSampled
	default:
		return StatusActive
	}
}
