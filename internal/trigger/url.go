// internal/trigger/url.go
package trigger

import (
	"sync"
	"time"

	"estat-capture/internal/logger"
	"estat-capture/internal/model"
	"estat-capture/internal/persistence"

	"github.com/dlclark/regexp2"
	"github.com/rs/zerolog"
)

// 패턴은 브라우저 쪽 정규식이므로 RE2 가 아니라 ECMAScript 문법으로 compile 한다.
const regexMatchTimeout = 50 * time.Millisecond

type compiledPattern struct {
	trigger model.URLTrigger
	re      *regexp2.Regexp // 잘못된 패턴이거나 regex 가 아니면 nil
}

func compilePatterns(triggers []model.URLTrigger, log zerolog.Logger) []compiledPattern {
	out := make([]compiledPattern, 0, len(triggers))
	for _, t := range triggers {
		p := compiledPattern{trigger: t}
		if t.Matching == "regex" {
			re, err := regexp2.Compile(t.URL, regexp2.ECMAScript)
			if err != nil {
				log.Warn().Err(err).Str("pattern", t.URL).Msg("invalid url trigger pattern, never matches")
			} else {
				re.MatchTimeout = regexMatchTimeout
				p.re = re
			}
		}
		out = append(out, p)
	}
	return out
}

func anyPatternMatches(url string, patterns []compiledPattern) bool {
	for _, p := range patterns {
		if p.re == nil {
			continue
		}
		ok, err := p.re.MatchString(url)
		if err != nil {
			continue
		}
		if ok {
			return true
		}
	}
	return false
}

// URLTriggerMatching 은 page URL 이 설정된 패턴과 맞으면 recording 을 활성화하고,
// blocklist 와 맞는 동안은 일시정지(paused) 시킨다.
type URLTriggerMatching struct {
	store persistence.Store
	log   zerolog.Logger

	mu         sync.RWMutex
	triggers   []compiledPattern
	blocklist  []compiledPattern
	urlBlocked bool
}

func NewURLTriggerMatching(store persistence.Store) *URLTriggerMatching {
	return &URLTriggerMatching{
		store: store,
		log:   logger.Component("url-trigger"),
	}
}

// OnRemoteConfig 는 trigger 와 blocklist 를 통째로 교체한다.
func (u *URLTriggerMatching) OnRemoteConfig(cfg *model.RemoteConfig) {
	var triggers, blocklist []model.URLTrigger
	if cfg != nil && cfg.SessionRecording != nil {
		triggers = cfg.SessionRecording.URLTriggers
		blocklist = cfg.SessionRecording.URLBlocklist
	}

	compiledTriggers := compilePatterns(triggers, u.log)
	compiledBlocklist := compilePatterns(blocklist, u.log)

	u.mu.Lock()
	u.triggers = compiledTriggers
	u.blocklist = compiledBlocklist
	u.mu.Unlock()
}

// TriggerStatus 는 호출할 때마다 저장된 활성화 marker 를 읽는다.
func (u *URLTriggerMatching) TriggerStatus(sessionID string) TriggerStatus {
	u.mu.RLock()
	configured := len(u.triggers) > 0
	u.mu.RUnlock()

	if !configured {
		return TriggerDisabled
	}
	if activated, ok := u.store.Get(URLTriggerActivatedKey); ok && activated == sessionID {
		return TriggerActivated
	}
	return TriggerPending
}

// Activate 는 sessionID 를 URL 활성화 session 으로 저장한다. 여러 번 불러도 무해하다.
func (u *URLTriggerMatching) Activate(sessionID string) {
	if current, ok := u.store.Get(URLTriggerActivatedKey); ok && current == sessionID {
		return
	}
	u.store.Set(URLTriggerActivatedKey, sessionID)
}

func (u *URLTriggerMatching) URLBlocked() bool {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.urlBlocked
}

// SetURLBlocked: navigation 관찰자가 blocked 상태를 직접 바꿀 때 사용
func (u *URLTriggerMatching) SetURLBlocked(blocked bool) {
	u.mu.Lock()
	u.urlBlocked = blocked
	u.mu.Unlock()
}

// CheckURLTriggerConditions 는 현재 page URL 을 검사한다.
//   - blocklist 에 걸리기 시작하면 onPause, 벗어나면 onResume
//   - blocked 상태가 유지되는 동안은 아무것도 하지 않는다
//   - 그 외에는 trigger 와 맞을 때마다 onActivate("url") 호출
//     (활성화 저장을 idempotent 하게 하는 것은 caller 몫)
func (u *URLTriggerMatching) CheckURLTriggerConditions(url string, onPause, onResume func(), onActivate func(triggerType string)) {
	if url == "" {
		return
	}

	u.mu.Lock()
	wasBlocked := u.urlBlocked
	isNowBlocked := anyPatternMatches(url, u.blocklist)
	u.urlBlocked = isNowBlocked
	matches := anyPatternMatches(url, u.triggers)
	u.mu.Unlock()

	switch {
	case wasBlocked && isNowBlocked:
		return
	case isNowBlocked && !wasBlocked:
		if onPause != nil {
			onPause()
		}
	case !isNowBlocked && wasBlocked:
		if onResume != nil {
			onResume()
		}
	}

	if matches && onActivate != nil {
		onActivate(TypeURL)
	}
}
