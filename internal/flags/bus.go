// internal/flags/bus.go

// Package flags 는 feature flag 평가 결과를 listener 들에게 뿌린다.
// 평가 자체는 다른 곳에서 하고, 여기서는 결과만 전달한다.
package flags

import (
	"maps"
	"sync"
)

// Listener 는 전체 flag map 을 받는다 (flag key → bool 또는 variant 문자열).
type Listener func(flags map[string]any)

// Bus 는 마지막 평가 결과를 기억해서, 늦게 구독한 listener 도 바로 호출한다.
type Bus struct {
	mu        sync.Mutex
	nextID    int
	listeners map[int]Listener
	latest    map[string]any
	loaded    bool
}

func NewBus() *Bus {
	return &Bus{listeners: make(map[int]Listener)}
}

// OnFeatureFlags 는 fn 을 등록하고 해제 함수를 반환한다.
// 이미 publish 된 flag 가 있으면 fn 을 즉시 한 번 호출한다.
func (b *Bus) OnFeatureFlags(fn Listener) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.listeners[id] = fn
	latest, loaded := b.latest, b.loaded
	b.mu.Unlock()

	if loaded {
		fn(maps.Clone(latest))
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.listeners, id)
			b.mu.Unlock()
		})
	}
}

// Publish 는 flag 를 저장하고, lock 밖에서 모든 listener 를 호출한다.
func (b *Bus) Publish(flags map[string]any) {
	b.mu.Lock()
	b.latest = maps.Clone(flags)
	b.loaded = true
	listeners := make([]Listener, 0, len(b.listeners))
	for _, l := range b.listeners {
		listeners = append(listeners, l)
	}
	b.mu.Unlock()

	for _, l := range listeners {
		l(maps.Clone(flags))
	}
}

// Latest: 마지막으로 publish 된 flag (첫 Publish 전에는 nil)
func (b *Bus) Latest() map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	return maps.Clone(b.latest)
}

// Truthy 는 flag 값이 기능을 켜는지 판단한다.
// true, 비어 있지 않은 variant, 0 이 아닌 숫자면 켜진 것으로 본다.
func Truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	case int:
		return t != 0
	default:
		return true
	}
}
