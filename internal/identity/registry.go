package identity

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/widgetdash/internal/metrics"
)

// Factory はブラウザセッションIDに対応するManagerを生成する。
type Factory func(sessionID string) (*Manager, error)

// registryEntry はManagerと最終アクセス時刻を保持する。
type registryEntry struct {
	manager    *Manager
	lastAccess time.Time

	initMu      sync.Mutex
	initialized bool
}

// Registry はブラウザセッションIDごとにManagerを1つだけ保持する。
// 一定時間アクセスのないManagerはバックグラウンドで破棄する。
// 破棄してもセッションは永続化されているため、次のアクセスでInitializeにより復元される。
type Registry struct {
	factory         Factory
	metrics         metrics.MetricsCollector
	logger          *slog.Logger
	idleTTL         time.Duration
	cleanupInterval time.Duration
	now             func() time.Time

	mu      sync.Mutex
	entries map[string]*registryEntry

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewRegistry はRegistryを生成し、アイドルなManagerのクリーンアップを開始する。
func NewRegistry(factory Factory, idleTTL time.Duration, mc metrics.MetricsCollector, logger *slog.Logger) *Registry {
	if idleTTL <= 0 {
		idleTTL = 30 * time.Minute
	}
	if mc == nil {
		mc = metrics.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		factory:         factory,
		metrics:         mc,
		logger:          logger,
		idleTTL:         idleTTL,
		cleanupInterval: idleTTL / 2,
		now:             time.Now,
		entries:         make(map[string]*registryEntry),
		stopCh:          make(chan struct{}),
	}

	go r.cleanupLoop()

	return r
}

// Stop はクリーンアップのバックグラウンドゴルーチンを停止し、保持しているManagerを解放する。
func (r *Registry) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)

		r.mu.Lock()
		defer r.mu.Unlock()
		for sid, e := range r.entries {
			e.manager.Close()
			delete(r.entries, sid)
		}
		r.metrics.SetActiveManagers(0)
	})
}

// Get はセッションIDのManagerを返す。初回アクセス時にはManagerを生成してInitializeを実行する。
// 同じセッションへの同時アクセスはInitializeの完了を待つ。
// Initializeが失敗した場合はサインアウト状態のManagerを返し、次のGetで再試行する。
func (r *Registry) Get(ctx context.Context, sessionID string) (*Manager, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session id is empty")
	}

	e, err := r.getOrCreate(sessionID)
	if err != nil {
		return nil, err
	}

	r.initialize(ctx, sessionID, e)
	return e.manager, nil
}

func (r *Registry) initialize(ctx context.Context, sessionID string, e *registryEntry) {
	e.initMu.Lock()
	defer e.initMu.Unlock()

	if e.initialized {
		return
	}
	// 再試行までの間にログインした場合、復元する必要はない
	if e.manager.State() != StateSignedOut {
		e.initialized = true
		return
	}
	if err := e.manager.Initialize(ctx); err != nil {
		r.logger.Warn("ID状態の初期化に失敗しました。次のアクセスで再試行します",
			slog.String("session_id_prefix", sessionIDPrefix(sessionID)),
			slog.String("error", err.Error()),
		)
		return
	}
	e.initialized = true
}

// sessionIDPrefix はログに出すセッションIDの先頭8文字を返す。
func sessionIDPrefix(sessionID string) string {
	if len(sessionID) <= 8 {
		return sessionID
	}
	return sessionID[:8]
}

func (r *Registry) getOrCreate(sessionID string) (*registryEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, exists := r.entries[sessionID]; exists {
		e.lastAccess = r.now()
		return e, nil
	}

	m, err := r.factory(sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to create identity manager: %w", err)
	}
	e := &registryEntry{manager: m, lastAccess: r.now()}
	r.entries[sessionID] = e
	r.metrics.SetActiveManagers(len(r.entries))
	return e, nil
}

// Remove はセッションIDのManagerを破棄する。
func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, exists := r.entries[sessionID]; exists {
		e.manager.Close()
		delete(r.entries, sessionID)
		r.metrics.SetActiveManagers(len(r.entries))
	}
}

// Len は保持しているManagerの数を返す。テストおよびメトリクス用。
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (r *Registry) cleanupLoop() {
	ticker := time.NewTicker(r.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.cleanup()
		case <-r.stopCh:
			return
		}
	}
}

// cleanup は最終アクセスからidleTTLを超えたManagerを破棄する。
func (r *Registry) cleanup() {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	evicted := 0
	for sid, e := range r.entries {
		if now.Sub(e.lastAccess) > r.idleTTL {
			e.manager.Close()
			delete(r.entries, sid)
			evicted++
		}
	}
	if evicted > 0 {
		r.metrics.SetActiveManagers(len(r.entries))
		r.logger.Debug("アイドルなID管理を破棄しました", slog.Int("count", evicted))
	}
}
