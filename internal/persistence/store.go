// internal/persistence/store.go
package persistence

import (
	"context"
	"errors"
	"sync"
)

// ErrNotFound: key 없음과 조회 실패를 구분하는 backend 가 반환한다.
// Store.Get 에서는 ok=false 로 합쳐진다.
var ErrNotFound = errors.New("persistence: key not found")

// Store 는 capture client 가 작은 marker 를 저장하는 key-value 저장소이다.
//   - trigger 가 활성화된 session id
//   - 현재 session id
//
// 구현체는 동시 사용에 안전해야 한다.
// Get 은 실패를 드러내지 않는다: backend 에러는 "key 없음" 으로 읽히므로
// 저장소가 불안정해도 capture 가 깨지지 않고 "활성화 안 됨" 으로 떨어진다.
type Store interface {
	Get(key string) (string, bool)
	Set(key, value string)
}

// MemoryStore 는 기본 Store 이며 프로세스 수명과 같다.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]string)}
}

func (s *MemoryStore) Get(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	return v, ok
}

func (s *MemoryStore) Set(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
}

// Backend 는 context 를 받고 실패할 수 있는 저장소이다. RedisStore 가 구현한다.
type Backend interface {
	Load(ctx context.Context, key string) (string, error)
	Save(ctx context.Context, key, value string) error
}
