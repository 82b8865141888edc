// internal/trigger/event.go
package trigger

import (
	"slices"
	"sync"

	"estat-capture/internal/model"
	"estat-capture/internal/persistence"
)

// EventTriggerMatching 은 설정된 이벤트 이름이 session 안에서 수집되면 recording 을 활성화한다.
type EventTriggerMatching struct {
	store persistence.Store

	mu       sync.RWMutex
	triggers []string
}

func NewEventTriggerMatching(store persistence.Store) *EventTriggerMatching {
	return &EventTriggerMatching{store: store}
}

// OnRemoteConfig 는 이벤트 목록을 통째로 교체한다.
func (e *EventTriggerMatching) OnRemoteConfig(cfg *model.RemoteConfig) {
	var triggers []string
	if cfg != nil && cfg.SessionRecording != nil {
		triggers = slices.Clone(cfg.SessionRecording.EventTriggers)
	}

	e.mu.Lock()
	e.triggers = triggers
	e.mu.Unlock()
}

func (e *EventTriggerMatching) TriggerStatus(sessionID string) TriggerStatus {
	e.mu.RLock()
	configured := len(e.triggers) > 0
	e.mu.RUnlock()

	if !configured {
		return TriggerDisabled
	}
	if activated, ok := e.store.Get(EventTriggerActivatedKey); ok && activated == sessionID {
		return TriggerActivated
	}
	return TriggerPending
}

// Matches: eventName 이 설정된 trigger 중 하나인지
func (e *EventTriggerMatching) Matches(eventName string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return slices.Contains(e.triggers, eventName)
}

// CheckEventTriggerConditions 는 eventName 이 trigger 이면 onActivate("event") 를 호출한다.
func (e *EventTriggerMatching) CheckEventTriggerConditions(eventName string, onActivate func(triggerType string)) {
	if e.Matches(eventName) && onActivate != nil {
		onActivate(TypeEvent)
	}
}

// Activate 는 sessionID 를 event 활성화 session 으로 저장한다.
func (e *EventTriggerMatching) Activate(sessionID string) {
	if current, ok := e.store.Get(EventTriggerActivatedKey); ok && current == sessionID {
		return
	}
	e.store.Set(EventTriggerActivatedKey, sessionID)
}
