package authclient

import (
	"context"
	"sync"

	"github.com/hitoshi/widgetdash/internal/model"
)

// CredentialRepository はブラウザセッションIDをキーにクレデンシャルを保存するリポジトリ。
type CredentialRepository interface {
	FindCredential(ctx context.Context, sessionID string) (*model.Session, error)
	SaveCredential(ctx context.Context, sessionID string, session *model.Session) error
	DeleteCredential(ctx context.Context, sessionID string) error
}

// boundStore はCredentialRepositoryを1つのブラウザセッションに束縛したSessionStore。
type boundStore struct {
	repo      CredentialRepository
	sessionID string
}

// BindStore はリポジトリをブラウザセッションIDに束縛したSessionStoreを返す。
func BindStore(repo CredentialRepository, sessionID string) SessionStore {
	return &boundStore{repo: repo, sessionID: sessionID}
}

func (s *boundStore) Load(ctx context.Context) (*model.Session, error) {
	return s.repo.FindCredential(ctx, s.sessionID)
}

func (s *boundStore) Save(ctx context.Context, session *model.Session) error {
	return s.repo.SaveCredential(ctx, s.sessionID, session)
}

func (s *boundStore) Clear(ctx context.Context) error {
	return s.repo.DeleteCredential(ctx, s.sessionID)
}

// MemoryStore はメモリ上にセッションを保持するSessionStore。
type MemoryStore struct {
	mu      sync.Mutex
	session *model.Session
}

// NewMemoryStore は空のMemoryStoreを生成する。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Load(_ context.Context) (*model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copySession(s.session), nil
}

func (s *MemoryStore) Save(_ context.Context, session *model.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session = copySession(session)
	return nil
}

func (s *MemoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session = nil
	return nil
}

var (
	_ SessionStore = (*boundStore)(nil)
	_ SessionStore = (*MemoryStore)(nil)
)
