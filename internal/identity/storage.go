package identity

import (
	"context"
	"sync"

	"github.com/hitoshi/karmahub/internal/model"
)

// SessionStorage は1ブラウザ分のセッショントークンの保存先。
type SessionStorage interface {
	// Load は保存済みセッションを返す。存在しない場合はnil, nil。
	Load(ctx context.Context) (*model.Session, error)
	Save(ctx context.Context, session *model.Session) error
	Delete(ctx context.Context) error
}

// StorageFactory はブラウザセッションIDごとのSessionStorageを払い出す。
type StorageFactory interface {
	For(sid string) SessionStorage
}

// MemoryStore はプロセス内メモリのStorageFactory。
// REDIS_URL未設定時と単体テストで使用する。
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]model.Session
}

var _ StorageFactory = (*MemoryStore)(nil)

// NewMemoryStore は空のMemoryStoreを生成する。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]model.Session)}
}

// For はsidに紐づくSessionStorageを返す。
func (m *MemoryStore) For(sid string) SessionStorage {
	return &memorySlot{store: m, sid: sid}
}

// Len は保持しているセッション数を返す。テスト用。
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

type memorySlot struct {
	store *MemoryStore
	sid   string
}

func (s *memorySlot) Load(_ context.Context) (*model.Session, error) {
	s.store.mu.RLock()
	defer s.store.mu.RUnlock()

	sess, ok := s.store.sessions[s.sid]
	if !ok {
		return nil, nil
	}
	return &sess, nil
}

func (s *memorySlot) Save(_ context.Context, session *model.Session) error {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()

	s.store.sessions[s.sid] = *session
	return nil
}

func (s *memorySlot) Delete(_ context.Context) error {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()

	delete(s.store.sessions, s.sid)
	return nil
}
