// Package cache は画面表示用の認証スナップショット（auth_session）を保持する。
// 内容は楽観的なUI描画のためだけに使い、アクセス制御の判断には使わない。
package cache

import (
	"context"
	"sync"
	"time"
)

// KeyPrefix はスナップショットのキー接頭辞。キーは "auth_session:<ブラウザセッションID>"。
const KeyPrefix = "auth_session"

// Key はブラウザセッションIDに対応するキャッシュキーを返す。
func Key(sessionID string) string {
	return KeyPrefix + ":" + sessionID
}

// Snapshot は現在のIDの軽量なコピー。
type Snapshot struct {
	UserID  string `json:"userId"`
	IsAdmin bool   `json:"isAdmin"`
	Email   string `json:"email"`
}

// SnapshotStore はスナップショットの保存先。
// Getはキーが存在しない場合nil, nilを返す。
type SnapshotStore interface {
	Put(ctx context.Context, sessionID string, snapshot Snapshot) error
	Get(ctx context.Context, sessionID string) (*Snapshot, error)
	Delete(ctx context.Context, sessionID string) error
}

type memoryEntry struct {
	snapshot  Snapshot
	expiresAt time.Time
}

// MemoryStore はプロセス内のマップに保持するSnapshotStore。
// REDIS_URL未設定時とテストで使う。
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	ttl     time.Duration
	now     func() time.Time
}

// NewMemoryStore はMemoryStoreを生成する。ttlが0以下の場合は期限なし。
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Put はスナップショットを保存する。
func (s *MemoryStore) Put(_ context.Context, sessionID string, snapshot Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expiresAt time.Time
	if s.ttl > 0 {
		expiresAt = s.now().Add(s.ttl)
	}
	s.entries[Key(sessionID)] = memoryEntry{snapshot: snapshot, expiresAt: expiresAt}
	return nil
}

// Get はスナップショットを返す。期限切れのエントリはその場で削除する。
func (s *MemoryStore) Get(_ context.Context, sessionID string) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := Key(sessionID)
	entry, ok := s.entries[key]
	if !ok {
		return nil, nil
	}
	if !entry.expiresAt.IsZero() && !s.now().Before(entry.expiresAt) {
		delete(s.entries, key)
		return nil, nil
	}
	snap := entry.snapshot
	return &snap, nil
}

// Delete はスナップショットを削除する。存在しない場合も成功とする。
func (s *MemoryStore) Delete(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, Key(sessionID))
	return nil
}

var _ SnapshotStore = (*MemoryStore)(nil)
