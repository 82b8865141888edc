// internal/trigger/status.go
package trigger

// TriggerStatus 는 matcher 하나가 session 하나에 대해 내린 판단이다.
type TriggerStatus string

const (
	TriggerActivated TriggerStatus = "trigger_activated"
	TriggerPending   TriggerStatus = "trigger_pending"
	// TriggerDisabled: 해당 trigger 가 설정되지 않음.
	// And 에서는 중립, Or 에서는 막지 않는다.
	TriggerDisabled TriggerStatus = "trigger_disabled"
)

// 활성화 callback 에 넘기는 trigger type
const (
	TypeURL   = "url"
	TypeEvent = "event"
)

// trigger 가 활성화된 session id 를 저장하는 key
const (
	URLTriggerActivatedKey   = "$session_recording_url_trigger_activated_session"
	EventTriggerActivatedKey = "$session_recording_event_trigger_activated_session"
)

// Matcher 는 "이 session 에서 이 trigger 가 충족됐는가" 에 답한다.
// 구현체는 호출 사이에 결과를 cache 하면 안 된다 (저장소 값이 나중에 써질 수 있음).
type Matcher interface {
	TriggerStatus(sessionID string) TriggerStatus
}

// MatcherFunc: 함수를 Matcher 로 쓰기 위한 adapter
type MatcherFunc func(sessionID string) TriggerStatus

func (f MatcherFunc) TriggerStatus(sessionID string) TriggerStatus { return f(sessionID) }

// AndTriggerMatching 은 설정된 모든 matcher 가 동의하면 충족된다.
type AndTriggerMatching struct {
	matchers []Matcher
}

func NewAndTriggerMatching(matchers ...Matcher) *AndTriggerMatching {
	return &AndTriggerMatching{matchers: matchers}
}

// TriggerStatus:
//   - 모든 matcher 가 disabled → disabled
//   - 설정된 matcher 들이 모두 같은 값 → 그 값
//   - 의견이 갈리면 → pending
func (a *AndTriggerMatching) TriggerStatus(sessionID string) TriggerStatus {
	var agreed TriggerStatus
	for _, m := range a.matchers {
		s := m.TriggerStatus(sessionID)
		if s == TriggerDisabled {
			continue
		}
		if agreed == "" {
			agreed = s
			continue
		}
		if s != agreed {
			return TriggerPending
		}
	}
	if agreed == "" {
		return TriggerDisabled
	}
	return agreed
}

// OrTriggerMatching 은 matcher 하나라도 activated 이면 충족된다.
type OrTriggerMatching struct {
	matchers []Matcher
}

func NewOrTriggerMatching(matchers ...Matcher) *OrTriggerMatching {
	return &OrTriggerMatching{matchers: matchers}
}

func (o *OrTriggerMatching) TriggerStatus(sessionID string) TriggerStatus {
	pending := false
	for _, m := range o.matchers {
		switch m.TriggerStatus(sessionID) {
		case TriggerActivated:
			return TriggerActivated
		case TriggerPending:
			pending = true
		}
	}
	if pending {
		return TriggerPending
	}
	return TriggerDisabled
}

// PendingMatcher 는 항상 pending, DisabledMatcher 는 항상 disabled.
var (
	PendingMatcher  Matcher = MatcherFunc(func(string) TriggerStatus { return TriggerPending })
	DisabledMatcher Matcher = MatcherFunc(func(string) TriggerStatus { return TriggerDisabled })
)
