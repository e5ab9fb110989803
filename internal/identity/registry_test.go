package identity

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hitoshi/widgetdash/internal/model"
)

func newTestRegistry(t *testing.T, factory Factory, mc *recordingCollector) *Registry {
	t.Helper()
	if mc == nil {
		mc = &recordingCollector{}
	}
	r := NewRegistry(factory, time.Hour, mc, nil)
	t.Cleanup(r.Stop)
	return r
}

func managerFactory(auths map[string]*fakeAuth, created *int32) Factory {
	var mu sync.Mutex
	return func(sid string) (*Manager, error) {
		atomic.AddInt32(created, 1)
		mu.Lock()
		auth, ok := auths[sid]
		if !ok {
			auth = newFakeAuth()
			auths[sid] = auth
		}
		mu.Unlock()
		return NewManager(ManagerDeps{
			SessionID: sid,
			Auth:      auth,
			Functions: &fakeFunctions{meFn: func(context.Context, string) (bool, error) { return true, nil }},
		}, ManagerConfig{}), nil
	}
}

func TestRegistry_Get_ReturnsSameManagerPerSession(t *testing.T) {
	var created int32
	auths := map[string]*fakeAuth{}
	mc := &recordingCollector{}
	r := newTestRegistry(t, managerFactory(auths, &created), mc)
	ctx := context.Background()

	a1, err := r.Get(ctx, "a")
	if err != nil {
		t.Fatalf("Get がエラーを返した: %v", err)
	}
	a2, _ := r.Get(ctx, "a")
	b, _ := r.Get(ctx, "b")

	if a1 != a2 {
		t.Error("同じセッションIDには同じManagerを返すべき")
	}
	if a1 == b {
		t.Error("異なるセッションIDには別のManagerを返すべき")
	}
	if created != 2 {
		t.Errorf("生成回数 = %d, want 2", created)
	}
	if r.Len() != 2 || mc.activeManagers != 2 {
		t.Errorf("Len = %d, activeManagers = %d, want 2", r.Len(), mc.activeManagers)
	}
}

func TestRegistry_Get_InitializesPersistedSessionOnce(t *testing.T) {
	var created int32
	s := adminSession
	auth := newFakeAuth()
	auth.stored = &s
	auths := map[string]*fakeAuth{"sid": auth}
	r := newTestRegistry(t, managerFactory(auths, &created), &recordingCollector{})

	var wg sync.WaitGroup
	managers := make([]*Manager, 10)
	for i := range managers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m, err := r.Get(context.Background(), "sid")
			if err != nil {
				t.Errorf("Get がエラーを返した: %v", err)
				return
			}
			managers[i] = m
		}(i)
	}
	wg.Wait()

	for _, m := range managers {
		if m == nil {
			continue
		}
		ident := m.CurrentIdentity()
		if ident == nil || ident.UserID != "U1" || !ident.IsAdmin {
			t.Errorf("Get の戻り時点で初期化が完了しているべき: %+v", ident)
		}
	}
	if created != 1 {
		t.Errorf("生成回数 = %d, want 1", created)
	}
}

func TestRegistry_Get_RetriesInitializeAfterFailure(t *testing.T) {
	var created int32
	s := adminSession
	auth := newFakeAuth()
	auth.stored = &s
	auth.getSessionErr = errors.New("upstream unavailable")
	auths := map[string]*fakeAuth{"sid": auth}
	r := newTestRegistry(t, managerFactory(auths, &created), &recordingCollector{})
	ctx := context.Background()

	m1, err := r.Get(ctx, "sid")
	if err != nil {
		t.Fatalf("初期化の失敗でGetがエラーを返すべきではない: %v", err)
	}
	if m1.CurrentIdentity() != nil {
		t.Error("初期化に失敗した場合はサインアウト状態であるべき")
	}

	auth.mu.Lock()
	auth.getSessionErr = nil
	auth.mu.Unlock()

	m2, _ := r.Get(ctx, "sid")
	if m2 != m1 {
		t.Error("再試行でも同じManagerを返すべき")
	}
	if ident := m2.CurrentIdentity(); ident == nil || ident.UserID != "U1" {
		t.Errorf("次のGetで初期化を再試行するべき: %+v", ident)
	}
	if created != 1 {
		t.Errorf("生成回数 = %d, want 1", created)
	}
}

func TestRegistry_Get_EmptySessionID(t *testing.T) {
	var created int32
	r := newTestRegistry(t, managerFactory(map[string]*fakeAuth{}, &created), nil)

	if _, err := r.Get(context.Background(), ""); err == nil {
		t.Error("空のセッションIDはエラーになるべき")
	}
}

func TestRegistry_Get_FactoryError(t *testing.T) {
	r := newTestRegistry(t, func(string) (*Manager, error) {
		return nil, model.NewConfigurationError("BAAS_URL")
	}, nil)

	_, err := r.Get(context.Background(), "sid")
	if !model.IsAPIErrorCode(err, model.ErrCodeConfiguration) {
		t.Fatalf("生成エラーがそのまま返されるべき: %v", err)
	}
	if r.Len() != 0 {
		t.Error("生成に失敗したManagerは保持しないべき")
	}
}

func TestRegistry_Remove(t *testing.T) {
	var created int32
	auths := map[string]*fakeAuth{}
	r := newTestRegistry(t, managerFactory(auths, &created), &recordingCollector{})
	ctx := context.Background()

	m, _ := r.Get(ctx, "sid")
	r.Remove("sid")

	if r.Len() != 0 {
		t.Errorf("Len = %d, want 0", r.Len())
	}
	// 破棄されたManagerは通知を受け取らない
	auths["sid"].SetSession(ctx, adminSession)
	if m.CurrentIdentity() != nil {
		t.Error("破棄後のManagerはリスナーを解除しているべき")
	}

	m2, _ := r.Get(ctx, "sid")
	if m2 == m {
		t.Error("破棄後は新しいManagerを生成するべき")
	}
}

func TestRegistry_Cleanup_EvictsIdleManagers(t *testing.T) {
	var created int32
	mc := &recordingCollector{}
	r := newTestRegistry(t, managerFactory(map[string]*fakeAuth{}, &created), mc)
	ctx := context.Background()

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }

	r.Get(ctx, "old")
	now = now.Add(50 * time.Minute)
	r.Get(ctx, "recent")
	now = now.Add(20 * time.Minute)

	r.cleanup()

	if r.Len() != 1 {
		t.Fatalf("Len = %d, want 1", r.Len())
	}
	if mc.activeManagers != 1 {
		t.Errorf("activeManagers = %d, want 1", mc.activeManagers)
	}
	before := created
	r.Get(ctx, "recent")
	if created != before {
		t.Error("アクセスのあったManagerは破棄されないべき")
	}
}

func TestRegistry_Stop_IsIdempotent(t *testing.T) {
	var created int32
	r := NewRegistry(managerFactory(map[string]*fakeAuth{}, &created), time.Hour, nil, nil)
	r.Get(context.Background(), "sid")

	r.Stop()
	r.Stop()

	if r.Len() != 0 {
		t.Errorf("Stop 後の Len = %d, want 0", r.Len())
	}
}

var errFactory = errors.New("factory failed")

func TestRegistry_Get_WrapsFactoryError(t *testing.T) {
	r := newTestRegistry(t, func(string) (*Manager, error) { return nil, errFactory }, nil)

	if _, err := r.Get(context.Background(), "sid"); !errors.Is(err, errFactory) {
		t.Errorf("errors.Is で元のエラーを判定できるべき: %v", err)
	}
}
