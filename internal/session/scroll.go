// internal/session/scroll.go

// Package session 은 수집 이벤트에 붙는 session 단위 context 를 관리한다.
//   - session id
//   - 현재 pageview
//   - 이전 page 에서 얼마나 스크롤했는지
package session

import "sync"

// ScrollSample: page 스크롤 상태 관측 1건 (pixel 단위)
type ScrollSample struct {
	ScrollY      float64 `json:"scroll_y"`      // viewport 상단
	ScrollHeight float64 `json:"scroll_height"` // 문서 전체 높이
	ClientHeight float64 `json:"client_height"` // viewport 높이
}

// ScrollContext 는 pageview 하나의 샘플 집계이다.
//   - Scroll*: 스크롤 가능 범위 대비 viewport 상단
//   - Content*: 문서 높이 대비 viewport 하단
type ScrollContext struct {
	MaxScrollHeight float64
	MaxScrollY      float64
	LastScrollY     float64

	MaxContentHeight float64
	MaxContentY      float64
	LastContentY     float64
}

// ScrollManager 는 scroll 샘플을 현재 pageview 의 context 로 모은다.
type ScrollManager struct {
	mu      sync.Mutex
	context *ScrollContext
}

func NewScrollManager() *ScrollManager {
	return &ScrollManager{}
}

// Observe: 샘플 1건 기록
func (m *ScrollManager) Observe(s ScrollSample) {
	scrollHeight := max(0, s.ScrollHeight-s.ClientHeight)
	scrollY := max(0, s.ScrollY)
	contentY := scrollY + s.ClientHeight
	contentHeight := max(0, s.ScrollHeight)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.context == nil {
		m.context = &ScrollContext{}
	}
	c := m.context

	c.LastScrollY = scrollY
	c.MaxScrollY = max(c.MaxScrollY, scrollY)
	c.MaxScrollHeight = max(c.MaxScrollHeight, scrollHeight)

	c.LastContentY = contentY
	c.MaxContentY = max(c.MaxContentY, contentY)
	c.MaxContentHeight = max(c.MaxContentHeight, contentHeight)
}

// Context 는 현재 context 의 복사본을 반환한다. 샘플이 없으면 nil.
func (m *ScrollManager) Context() *ScrollContext {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.context == nil {
		return nil
	}
	c := *m.context
	return &c
}

// ResetContext 는 새 pageview 를 시작하고, 방금 끝난 pageview 의 context 를 반환한다.
func (m *ScrollManager) ResetContext() *ScrollContext {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.context
	m.context = nil
	return c
}
