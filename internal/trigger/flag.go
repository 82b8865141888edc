// internal/trigger/flag.go
package trigger

import (
	"sync"

	"estat-capture/internal/flags"
	"estat-capture/internal/model"
)

// FlagSource 는 feature flag 평가 결과를 전달한다. flags.Bus 가 구현한다.
type FlagSource interface {
	OnFeatureFlags(fn flags.Listener) (unsubscribe func())
}

// LinkedFlagMatching 은 연결된 feature flag 가 켜진 것을 한 번이라도 보면 recording 을 활성화한다.
//
// 주의:
//   - seen bit 는 이 값이 살아 있는 동안 유지된다 (sticky)
//   - 새 session 은 새 LinkedFlagMatching 을 받는다
type LinkedFlagMatching struct {
	source FlagSource

	mu         sync.Mutex
	linkedFlag *model.LinkedFlag
	seen       bool
	cleanup    func()
}

func NewLinkedFlagMatching(source FlagSource) *LinkedFlagMatching {
	return &LinkedFlagMatching{source: source}
}

// OnRemoteConfig 는 linked flag 를 저장하고 flag listener 를 (재)등록한다.
// 평가 결과가 일치할 때마다 onStarted 를 호출한다.
func (l *LinkedFlagMatching) OnRemoteConfig(cfg *model.RemoteConfig, onStarted func(flag, variant string)) {
	var linked *model.LinkedFlag
	if cfg != nil && cfg.SessionRecording != nil && cfg.SessionRecording.LinkedFlag != nil &&
		cfg.SessionRecording.LinkedFlag.Flag != "" {
		lf := *cfg.SessionRecording.LinkedFlag
		linked = &lf
	}

	l.mu.Lock()
	prev := l.cleanup
	l.cleanup = nil
	l.linkedFlag = linked
	l.mu.Unlock()

	if prev != nil {
		prev()
	}
	if linked == nil || l.source == nil {
		return
	}

	unsubscribe := l.source.OnFeatureFlags(func(evaluated map[string]any) {
		if !FlagMatches(*linked, evaluated) {
			return
		}
		l.mu.Lock()
		l.seen = true
		l.mu.Unlock()
		if onStarted != nil {
			onStarted(linked.Flag, linked.Variant)
		}
	})

	l.mu.Lock()
	l.cleanup = unsubscribe
	l.mu.Unlock()
}

// FlagMatches: flag key 만 있으면 truthy 값, variant 가 지정되면 정확히 그 variant.
func FlagMatches(linked model.LinkedFlag, evaluated map[string]any) bool {
	v, present := evaluated[linked.Flag]
	if !present {
		return false
	}
	if linked.Variant != "" {
		s, ok := v.(string)
		return ok && s == linked.Variant
	}
	return flags.Truthy(v)
}

func (l *LinkedFlagMatching) TriggerStatus(string) TriggerStatus {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch {
	case l.linkedFlag == nil:
		return TriggerDisabled
	case l.seen:
		return TriggerActivated
	default:
		return TriggerPending
	}
}

// LinkedFlagSeen: sticky seen bit
func (l *LinkedFlagMatching) LinkedFlagSeen() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seen
}

// Stop 은 flag listener 를 해제한다.
func (l *LinkedFlagMatching) Stop() {
	l.mu.Lock()
	cleanup := l.cleanup
	l.cleanup = nil
	l.mu.Unlock()

	if cleanup != nil {
		cleanup()
	}
}
