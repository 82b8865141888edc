// internal/session/id.go
package session

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"estat-capture/internal/logger"
	"estat-capture/internal/persistence"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// SessionIDKey: 저장소에 "<id>|<마지막 활동 ms>|<시작 ms>" 로 저장된다.
const SessionIDKey = "$sesid"

const (
	DefaultIdleTimeout = 30 * time.Minute
	DefaultMaxLength   = 24 * time.Hour
)

// RotationListener 는 새 session id 가 생길 때마다 호출된다. 첫 session 이면 previous 는 "".
type RotationListener func(sessionID, previous string)

// IDManager 는 현재 session id 를 내주고, idle timeout 또는 최대 session 길이를 넘으면 교체한다.
type IDManager struct {
	store       persistence.Store
	clock       clockwork.Clock
	idleTimeout time.Duration
	maxLength   time.Duration
	log         zerolog.Logger

	mu        sync.Mutex
	listeners map[int]RotationListener
	nextID    int
}

func NewIDManager(store persistence.Store, clock clockwork.Clock, idleTimeout, maxLength time.Duration) *IDManager {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	if maxLength <= 0 {
		maxLength = DefaultMaxLength
	}
	return &IDManager{
		store:       store,
		clock:       clock,
		idleTimeout: idleTimeout,
		maxLength:   maxLength,
		log:         logger.Component("session"),
		listeners:   make(map[int]RotationListener),
	}
}

// OnSessionID 는 fn 을 등록하고 해제 함수를 반환한다.
func (m *IDManager) OnSessionID(fn RotationListener) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

type persisted struct {
	id           string
	lastActivity time.Time
	start        time.Time
}

func (p persisted) String() string {
	return fmt.Sprintf("%s|%d|%d", p.id, p.lastActivity.UnixMilli(), p.start.UnixMilli())
}

func parsePersisted(v string) (persisted, bool) {
	parts := strings.Split(v, "|")
	if len(parts) != 3 || parts[0] == "" {
		return persisted{}, false
	}
	last, err1 := strconv.ParseInt(parts[1], 10, 64)
	start, err2 := strconv.ParseInt(parts[2], 10, 64)
	if err1 != nil || err2 != nil {
		return persisted{}, false
	}
	return persisted{id: parts[0], lastActivity: time.UnixMilli(last), start: time.UnixMilli(start)}, true
}

// SessionID 는 현재 id 를 반환한다. idle 이거나 너무 오래된 session 이면 먼저 교체한다.
// readOnly 는 활동으로 치지 않는다 (단, session 이 없으면 새로 만든다).
func (m *IDManager) SessionID(readOnly bool) (string, bool) {
	now := m.clock.Now()

	m.mu.Lock()
	cur, ok := persisted{}, false
	if raw, found := m.store.Get(SessionIDKey); found {
		cur, ok = parsePersisted(raw)
	}

	rotate := !ok ||
		now.Sub(cur.lastActivity) > m.idleTimeout ||
		now.Sub(cur.start) > m.maxLength

	previous := cur.id
	if rotate {
		cur = persisted{id: newID(), lastActivity: now, start: now}
		m.store.Set(SessionIDKey, cur.String())
	} else if !readOnly {
		cur.lastActivity = now
		m.store.Set(SessionIDKey, cur.String())
	}

	var listeners []RotationListener
	if rotate {
		listeners = make([]RotationListener, 0, len(m.listeners))
		for _, fn := range m.listeners {
			listeners = append(listeners, fn)
		}
	}
	m.mu.Unlock()

	if rotate {
		m.log.Debug().Str("session_id", cur.id).Str("previous", previous).Msg("session rotated")
		for _, fn := range listeners {
			fn(cur.id, previous)
		}
	}
	return cur.id, rotate
}

// Reset: 다음 SessionID 호출에서 새 session 을 강제한다.
func (m *IDManager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.store.Set(SessionIDKey, "")
}

// newID 는 UUIDv7 → 생성 시각 순으로 정렬된다.
func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// NewUUID: 이벤트 / pageview id 생성기
func NewUUID() string {
	return newID()
}
