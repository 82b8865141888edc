// internal/session/pageview.go
package session

import (
	"math"
	"sync"
	"time"
)

type pageView struct {
	id        string
	timestamp time.Time
	pathname  string
}

// PageViewManager 는 현재 pageview 를 기억한다.
//   - 모든 이벤트에 $pageview_id 를 붙이기 위해
//   - 새 pageview (또는 page leave) 에서 이전 pageview 를 설명하기 위해
type PageViewManager struct {
	scroll *ScrollManager

	mu      sync.Mutex
	current *pageView
}

func NewPageViewManager(scroll *ScrollManager) *PageViewManager {
	if scroll == nil {
		scroll = NewScrollManager()
	}
	return &PageViewManager{scroll: scroll}
}

// DoPageView 는 pageview 를 시작하고 그 이벤트의 properties 를 반환한다.
// $pageview_id + 교체되는 이전 pageview 의 $prev_pageview_*
func (m *PageViewManager) DoPageView(now time.Time, pageViewID, pathname string) map[string]any {
	m.mu.Lock()
	prev := m.current
	m.current = &pageView{id: pageViewID, timestamp: now, pathname: pathname}
	m.mu.Unlock()

	props := m.previousPageViewProperties(now, prev)
	props["$pageview_id"] = pageViewID
	return props
}

// DoPageLeave: $pageleave 이벤트용으로 현재 pageview 를 설명한다.
func (m *PageViewManager) DoPageLeave(now time.Time) map[string]any {
	m.mu.Lock()
	prev := m.current
	m.mu.Unlock()

	return m.previousPageViewProperties(now, prev)
}

// DoEvent: 그 외 모든 이벤트에 붙는 properties
func (m *PageViewManager) DoEvent() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return map[string]any{}
	}
	return map[string]any{"$pageview_id": m.current.id}
}

// Reset 은 현재 pageview 를 잊는다 (session 교체 시).
func (m *PageViewManager) Reset() {
	m.mu.Lock()
	m.current = nil
	m.mu.Unlock()
	m.scroll.ResetContext()
}

func (m *PageViewManager) previousPageViewProperties(now time.Time, prev *pageView) map[string]any {
	props := map[string]any{}
	scroll := m.scroll.ResetContext()
	if prev == nil {
		return props
	}

	props["$prev_pageview_id"] = prev.id
	props["$prev_pageview_pathname"] = prev.pathname
	props["$prev_pageview_duration"] = now.Sub(prev.timestamp).Seconds()

	if scroll == nil {
		return props
	}

	props["$prev_pageview_last_scroll"] = scroll.LastScrollY
	props["$prev_pageview_last_scroll_percentage"] = fraction(scroll.LastScrollY, scroll.MaxScrollHeight)
	props["$prev_pageview_max_scroll"] = scroll.MaxScrollY
	props["$prev_pageview_max_scroll_percentage"] = fraction(scroll.MaxScrollY, scroll.MaxScrollHeight)
	props["$prev_pageview_last_content"] = scroll.LastContentY
	props["$prev_pageview_last_content_percentage"] = fraction(scroll.LastContentY, scroll.MaxContentHeight)
	props["$prev_pageview_max_content"] = scroll.MaxContentY
	props["$prev_pageview_max_content_percentage"] = fraction(scroll.MaxContentY, scroll.MaxContentHeight)
	return props
}

// fraction = v/total, [0,1] 로 clamp. 스크롤할 수 없는 page 는 전부 본 것으로 친다.
func fraction(v, total float64) float64 {
	if total <= 0 {
		return 1
	}
	return math.Min(1, math.Max(0, v/total))
}
