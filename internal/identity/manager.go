// Package identity は「いま誰として操作しているか」を管理する。
// ログイン状態の復元、管理者判定、管理者による他ユーザーへのなりすましと復帰を扱う。
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/widgetdash/internal/authclient"
	"github.com/hitoshi/widgetdash/internal/cache"
	"github.com/hitoshi/widgetdash/internal/functions"
	"github.com/hitoshi/widgetdash/internal/metrics"
	"github.com/hitoshi/widgetdash/internal/model"
)

// Functions はマネージャーが利用するサーバーレスファンクション。
type Functions interface {
	Me(ctx context.Context, accessToken string) (bool, error)
	Impersonate(ctx context.Context, adminAccessToken, targetUserID string) (*model.Session, error)
}

// ImpersonationRepository はなりすまし状態をブラウザセッション単位で永続化する。
// FindImpersonationはレコードがない場合nil, nilを返す。
type ImpersonationRepository interface {
	FindImpersonation(ctx context.Context, sessionID string) (*model.ImpersonationRecord, error)
	SaveImpersonation(ctx context.Context, sessionID string, rec model.ImpersonationRecord) error
	DeleteImpersonation(ctx context.Context, sessionID string) error
}

// Reader はページやハンドラーに公開する読み取り専用のインターフェース。
type Reader interface {
	CurrentIdentity() *model.Identity
	IsImpersonating() bool
	Impersonation() model.ImpersonationState
	State() State
	AccessToken(ctx context.Context) (string, error)
}

// ManagerConfig はマネージャーの設定。
type ManagerConfig struct {
	AdminCheckTimeout time.Duration // 管理者確認のタイムアウト（既定10秒）
	SignOutTimeout    time.Duration // リモートのサインアウト・無効化のタイムアウト（既定5秒）
}

// ManagerDeps はマネージャーの依存関係。
type ManagerDeps struct {
	SessionID      string // ブラウザセッションID
	Auth           authclient.AuthClient
	Functions      Functions
	Snapshots      cache.SnapshotStore
	Impersonations ImpersonationRepository
	Metrics        metrics.MetricsCollector
	Logger         *slog.Logger
}

// Manager は1つのブラウザセッションのID状態を保持する。
// muはリモート呼び出しの間は保持しない。ID が変わるたびに epoch を進め、
// 応答が戻った時点で epoch が変わっていればその結果は破棄する。
type Manager struct {
	sessionID      string
	auth           authclient.AuthClient
	functions      Functions
	snapshots      cache.SnapshotStore
	impersonations ImpersonationRepository
	metrics        metrics.MetricsCollector
	logger         *slog.Logger
	config         ManagerConfig
	unsubscribe    func()

	mu           sync.Mutex
	phase        phase
	identity     *model.Identity
	savedAdmin   *model.Session  // 開始処理中から終了処理完了まで保持
	adminIdent   *model.Identity // 復帰時に戻す管理者のID
	impersonated *model.Identity
	epoch        uint64
}

// NewManager はManagerを生成し、認証クライアントにリスナーを登録する。
func NewManager(deps ManagerDeps, config ManagerConfig) *Manager {
	if config.AdminCheckTimeout <= 0 {
		config.AdminCheckTimeout = 10 * time.Second
	}
	if config.SignOutTimeout <= 0 {
		config.SignOutTimeout = 5 * time.Second
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.Nop{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Snapshots == nil {
		deps.Snapshots = cache.NewMemoryStore(0)
	}

	m := &Manager{
		sessionID:      deps.SessionID,
		auth:           deps.Auth,
		functions:      deps.Functions,
		snapshots:      deps.Snapshots,
		impersonations: deps.Impersonations,
		metrics:        deps.Metrics,
		logger:         deps.Logger,
		config:         config,
	}
	m.unsubscribe = deps.Auth.OnAuthStateChange(m.OnAuthStateChanged)
	return m
}

// Close は認証クライアントからリスナーを解除する。
func (m *Manager) Close() {
	if m.unsubscribe != nil {
		m.unsubscribe()
	}
}

// Initialize は永続化されたセッションを復元してIDを設定する。
// セッションがなければサインアウト状態のまま。なりすましの記録があれば、
// 対象ユーザーのセッションが生きている限りなりすまし中として再開する。
// セッションまたはなりすましの記録を読み込めなかった場合はサインアウト状態のままエラーを返し、
// 記録やスナップショットには手を付けない。呼び出し側は後で再試行できる。
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	epoch := m.epoch
	m.mu.Unlock()

	session, err := m.auth.GetSession(ctx)
	if err != nil {
		m.logger.Warn("セッションの復元に失敗しました", slog.String("error", err.Error()))
		return fmt.Errorf("failed to restore session: %w", err)
	}
	if session == nil {
		m.deleteSnapshot(ctx)
		m.deleteImpersonationRecord(ctx)
		return nil
	}

	rec, err := m.loadImpersonationRecord(ctx)
	if err != nil {
		return fmt.Errorf("failed to load impersonation record: %w", err)
	}
	if rec != nil {
		if rec.Target.UserID == session.UserID() {
			m.resumeImpersonation(ctx, epoch, *rec)
			return nil
		}
		// 対象ユーザー以外のセッションが復元された場合は古い記録として破棄する
		m.deleteImpersonationRecord(ctx)
	}

	isAdmin := m.CheckIsAdmin(ctx, session.UserID(), session.AccessToken)

	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		return nil
	}
	m.epoch++
	m.phase = phaseSignedIn
	m.identity = &model.Identity{UserID: session.User.ID, Email: session.User.Email, IsAdmin: isAdmin}
	snap := m.snapshotLocked()
	m.mu.Unlock()

	m.putSnapshot(ctx, snap)
	return nil
}

func (m *Manager) resumeImpersonation(ctx context.Context, epoch uint64, rec model.ImpersonationRecord) {
	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		return
	}
	m.epoch++
	m.phase = phaseImpersonating
	saved := rec.AdminSession
	admin := rec.Admin
	admin.IsAdmin = true
	target := model.Identity{UserID: rec.Target.UserID, Email: rec.Target.Email}
	m.savedAdmin = &saved
	m.adminIdent = &admin
	m.impersonated = &target
	current := target
	m.identity = &current
	snap := m.snapshotLocked()
	m.mu.Unlock()

	m.putSnapshot(ctx, snap)
	m.logger.Info("なりすまし状態を復元しました",
		slog.String("admin_user_id", admin.UserID),
		slog.String("target_user_id", target.UserID),
	)
}

// CheckIsAdmin はアクセストークンの所有者が管理者かどうかを確認する。
// タイムアウト、通信エラー、2xx以外、不正な応答はすべてfalseとして扱い、エラーは返さない。
func (m *Manager) CheckIsAdmin(ctx context.Context, userID, accessToken string) (isAdmin bool) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("管理者確認中にpanicが発生しました",
				slog.String("user_id", userID),
				slog.Any("panic", r),
			)
			m.metrics.RecordAdminCheck(metrics.AdminCheckFailed)
			isAdmin = false
		}
	}()

	if accessToken == "" {
		m.metrics.RecordAdminCheck(metrics.AdminCheckFailed)
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, m.config.AdminCheckTimeout)
	defer cancel()

	result, err := m.functions.Me(ctx, accessToken)
	if err != nil {
		err = fmt.Errorf("%w: %w", model.ErrRemoteCheckFailed, err)
		m.logger.Warn("管理者確認に失敗したため非管理者として扱います",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		m.metrics.RecordAdminCheck(metrics.AdminCheckFailed)
		return false
	}

	if result {
		m.metrics.RecordAdminCheck(metrics.AdminCheckAdmin)
	} else {
		m.metrics.RecordAdminCheck(metrics.AdminCheckNotAdmin)
	}
	return result
}

// OnAuthStateChanged は認証クライアントから呼ばれるリスナー。
// なりすましの入れ替え中（管理者セッション退避中）に届いたSIGNED_INは無視する。
func (m *Manager) OnAuthStateChanged(ctx context.Context, event authclient.Event, session *model.Session) {
	switch event {
	case authclient.EventSignedOut:
		m.mu.Lock()
		m.clearLocked()
		m.mu.Unlock()

		m.deleteSnapshot(ctx)
		m.deleteImpersonationRecord(ctx)

	case authclient.EventSignedIn:
		if session == nil {
			return
		}

		m.mu.Lock()
		if m.phase.holdsSavedAdmin() {
			ph := m.phase
			m.mu.Unlock()
			m.logger.Debug("セッション入れ替え中のSIGNED_INを無視しました",
				slog.String("phase", ph.String()),
				slog.String("user_id", session.UserID()),
			)
			return
		}
		m.epoch++
		epoch := m.epoch
		m.phase = phaseSignedIn
		m.identity = &model.Identity{UserID: session.User.ID, Email: session.User.Email}
		m.mu.Unlock()

		isAdmin := m.CheckIsAdmin(ctx, session.UserID(), session.AccessToken)

		m.mu.Lock()
		if m.epoch != epoch || m.phase != phaseSignedIn {
			m.mu.Unlock()
			return
		}
		m.identity.IsAdmin = isAdmin
		snap := m.snapshotLocked()
		m.mu.Unlock()

		m.putSnapshot(ctx, snap)

	case authclient.EventTokenRefreshed:
		// トークンは認証クライアントが保持しているため、IDは変わらない
	}
}

// StartImpersonation は管理者として対象ユーザーになりすます。
// 管理者でない、またはすでになりすまし中・入れ替え中の場合はNOT_AUTHORIZED。
// ファンクションが失敗した場合はIMPERSONATION_REQUEST_FAILEDを返し、退避した管理者セッションは破棄する。
func (m *Manager) StartImpersonation(ctx context.Context, targetUserID string) error {
	if targetUserID == "" {
		return model.NewInvalidRequestError("targetUserId は必須です")
	}

	m.mu.Lock()
	if m.phase != phaseSignedIn || m.identity == nil || !m.identity.IsAdmin {
		ph := m.phase
		m.mu.Unlock()
		m.metrics.RecordImpersonation("start", "not_authorized")
		if ph.holdsSavedAdmin() {
			return model.NewNotAuthorizedError("すでになりすまし中です")
		}
		return model.NewNotAuthorizedError("管理者のみ実行できます")
	}
	m.phase = phaseStarting
	m.epoch++
	epoch := m.epoch
	admin := *m.identity
	m.mu.Unlock()

	// 期限切れであればここでリフレッシュされる
	saved, err := m.auth.GetSession(ctx)
	if err != nil {
		m.abortStart(epoch)
		m.metrics.RecordImpersonation("start", "failed")
		return model.NewImpersonationRequestFailedError("管理者セッションを更新できませんでした")
	}
	if saved == nil || saved.UserID() != admin.UserID {
		m.abortStart(epoch)
		m.metrics.RecordImpersonation("start", "not_authorized")
		return model.NewNotAuthorizedError("有効な管理者セッションがありません")
	}

	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		m.metrics.RecordImpersonation("start", "aborted")
		return model.NewImpersonationRequestFailedError("セッションが変更されたため中断しました")
	}
	m.savedAdmin = saved
	m.mu.Unlock()

	target, err := m.functions.Impersonate(ctx, saved.AccessToken, targetUserID)
	if err != nil {
		m.abortStart(epoch)
		m.metrics.RecordImpersonation("start", "failed")
		m.logger.Warn("なりすましの開始に失敗しました",
			slog.String("admin_user_id", admin.UserID),
			slog.String("target_user_id", targetUserID),
			slog.String("error", err.Error()),
		)
		return model.NewImpersonationRequestFailedError(functions.Reason(err))
	}

	if err := m.auth.SwapSession(ctx, saved.AccessToken, *target); err != nil {
		m.abortStart(epoch)
		m.revoke(ctx, target.AccessToken)
		m.metrics.RecordImpersonation("start", "aborted")
		if errors.Is(err, authclient.ErrSessionChanged) {
			return model.NewImpersonationRequestFailedError("セッションが変更されたため中断しました")
		}
		return model.NewImpersonationRequestFailedError(err.Error())
	}

	m.mu.Lock()
	if m.epoch != epoch {
		// 入れ替えの直後にサインアウトされた。後続のサインアウト処理が対象セッションを破棄する
		m.mu.Unlock()
		m.metrics.RecordImpersonation("start", "aborted")
		return model.NewImpersonationRequestFailedError("セッションが変更されたため中断しました")
	}
	m.epoch++
	m.phase = phaseImpersonating
	adminCopy := admin
	m.adminIdent = &adminCopy
	impersonated := model.Identity{UserID: target.User.ID, Email: target.User.Email, IsAdmin: false}
	m.impersonated = &impersonated
	current := impersonated
	m.identity = &current
	rec := model.ImpersonationRecord{
		AdminSession: *saved,
		Admin:        admin,
		Target:       impersonated,
		StartedAt:    time.Now().UTC(),
	}
	snap := m.snapshotLocked()
	m.mu.Unlock()

	m.saveImpersonationRecord(ctx, rec)
	m.putSnapshot(ctx, snap)
	m.metrics.RecordImpersonation("start", "success")
	m.logger.Info("なりすましを開始しました",
		slog.String("admin_user_id", admin.UserID),
		slog.String("target_user_id", impersonated.UserID),
	)
	return nil
}

// abortStart は開始処理を取り消し、退避した管理者セッションを破棄する。
func (m *Manager) abortStart(epoch uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.epoch == epoch && m.phase == phaseStarting {
		m.phase = phaseSignedIn
		m.savedAdmin = nil
	}
}

// StopImpersonation はなりすましを終了し、退避していた管理者セッションをそのまま復元する。
// なりすまし中でなければ何もしない。
func (m *Manager) StopImpersonation(ctx context.Context) error {
	m.mu.Lock()
	if m.phase != phaseImpersonating {
		m.mu.Unlock()
		return nil
	}
	m.phase = phaseStopping
	m.epoch++
	epoch := m.epoch
	saved := *m.savedAdmin
	admin := *m.adminIdent
	targetUserID := m.impersonated.UserID
	m.mu.Unlock()

	var targetToken string
	if current := m.auth.CurrentSession(); current != nil {
		targetToken = current.AccessToken
	}

	if err := m.auth.SwapSession(ctx, targetToken, saved); err != nil {
		m.mu.Lock()
		if m.epoch != epoch {
			// 終了処理中にサインアウトされた
			m.mu.Unlock()
			return nil
		}
		m.phase = phaseImpersonating
		m.mu.Unlock()
		m.metrics.RecordImpersonation("stop", "failed")
		return fmt.Errorf("failed to restore admin session: %w", err)
	}

	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		return nil
	}
	m.epoch++
	m.phase = phaseSignedIn
	admin.IsAdmin = true
	m.identity = &admin
	m.savedAdmin = nil
	m.adminIdent = nil
	m.impersonated = nil
	snap := m.snapshotLocked()
	m.mu.Unlock()

	m.deleteImpersonationRecord(ctx)
	m.putSnapshot(ctx, snap)
	m.revoke(ctx, targetToken)
	// 退避中に期限切れになった管理者セッションはここでリフレッシュする
	if _, err := m.auth.GetSession(ctx); err != nil {
		m.logger.Warn("復元した管理者セッションの更新に失敗しました",
			slog.String("admin_user_id", admin.UserID),
			slog.String("error", err.Error()),
		)
	}
	m.metrics.RecordImpersonation("stop", "success")
	m.logger.Info("なりすましを終了しました",
		slog.String("admin_user_id", admin.UserID),
		slog.String("target_user_id", targetUserID),
	)
	return nil
}

// RefreshAdminStatus は現在のIDについて管理者確認をやり直す。
// サインアウト中は何もしない。なりすまし中は管理者フラグをfalseのまま保つ。
func (m *Manager) RefreshAdminStatus(ctx context.Context) {
	m.mu.Lock()
	if m.phase != phaseSignedIn || m.identity == nil {
		m.mu.Unlock()
		return
	}
	epoch := m.epoch
	userID := m.identity.UserID
	m.mu.Unlock()

	session, err := m.auth.GetSession(ctx)
	if err != nil || session == nil {
		return
	}
	isAdmin := m.CheckIsAdmin(ctx, userID, session.AccessToken)

	m.mu.Lock()
	if m.epoch != epoch || m.phase != phaseSignedIn {
		m.mu.Unlock()
		return
	}
	m.identity.IsAdmin = isAdmin
	snap := m.snapshotLocked()
	m.mu.Unlock()

	m.putSnapshot(ctx, snap)
}

// SignIn はメールアドレスとパスワードでログインする。
// IDの設定と管理者確認は認証クライアントのSIGNED_IN通知を通じて行われる。
func (m *Manager) SignIn(ctx context.Context, email, password string) (*model.Identity, error) {
	if err := m.EnsureNotImpersonating(); err != nil {
		return nil, err
	}

	if _, err := m.auth.SignInWithPassword(ctx, email, password); err != nil {
		m.metrics.RecordSignIn("failed")
		var authErr *authclient.Error
		if errors.As(err, &authErr) && authErr.StatusCode >= 400 && authErr.StatusCode < 500 {
			return nil, model.NewInvalidCredentialsError()
		}
		return nil, fmt.Errorf("failed to sign in: %w", err)
	}
	m.metrics.RecordSignIn("success")
	return m.CurrentIdentity(), nil
}

// SignUp はアカウントを登録する。メール確認が必要な場合はnilのIDを返す。
func (m *Manager) SignUp(ctx context.Context, email, password string) (*model.Identity, error) {
	if err := m.EnsureNotImpersonating(); err != nil {
		return nil, err
	}

	session, err := m.auth.SignUp(ctx, email, password)
	if err != nil {
		var authErr *authclient.Error
		if errors.As(err, &authErr) && authErr.StatusCode >= 400 && authErr.StatusCode < 500 {
			return nil, model.NewSignUpFailedError(authErr.Message)
		}
		return nil, fmt.Errorf("failed to sign up: %w", err)
	}
	if session == nil {
		return nil, nil
	}
	return m.CurrentIdentity(), nil
}

// EnsureNotImpersonating はなりすまし中(開始・終了の処理中を含む)であればNOT_AUTHORIZEDを返す。
func (m *Manager) EnsureNotImpersonating() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase.holdsSavedAdmin() {
		return model.NewNotAuthorizedError("なりすまし中はログインできません。先になりすましを終了してください")
	}
	return nil
}

// SignOut はローカルの状態を先に破棄し、その後リモートのサインアウトを行う。
// リモート呼び出しはSignOutTimeoutで打ち切り、失敗はログに残すだけとする。
// なりすまし中であれば退避していた管理者セッションも無効化する。
func (m *Manager) SignOut(ctx context.Context) {
	m.mu.Lock()
	var saved *model.Session
	if m.savedAdmin != nil {
		s := *m.savedAdmin
		saved = &s
	}
	userID := ""
	if m.identity != nil {
		userID = m.identity.UserID
	}
	m.clearLocked()
	m.mu.Unlock()

	m.deleteSnapshot(ctx)
	m.deleteImpersonationRecord(ctx)

	remoteCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.config.SignOutTimeout)
	defer cancel()

	if err := m.auth.SignOut(remoteCtx); err != nil {
		m.logger.Warn("リモートのサインアウトに失敗しました",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
	}
	if saved != nil {
		if err := m.auth.Revoke(remoteCtx, saved.AccessToken); err != nil {
			m.logger.Warn("退避していた管理者セッションの無効化に失敗しました",
				slog.String("admin_user_id", saved.UserID()),
				slog.String("error", err.Error()),
			)
		}
	}
}

// clearLocked はID・なりすまし状態を破棄する。呼び出し側がmuを保持すること。
func (m *Manager) clearLocked() {
	m.epoch++
	m.phase = phaseSignedOut
	m.identity = nil
	m.savedAdmin = nil
	m.adminIdent = nil
	m.impersonated = nil
}

// CurrentIdentity は現在のIDのコピーを返す。サインアウト中はnil。
func (m *Manager) CurrentIdentity() *model.Identity {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.identity == nil {
		return nil
	}
	ident := *m.identity
	return &ident
}

// IsImpersonating はなりすまし中かどうかを返す。
func (m *Manager) IsImpersonating() bool {
	return m.State() == StateImpersonating
}

// State は公開用の状態を返す。
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase.public()
}

// Impersonation はなりすまし状態のコピーを返す。
// 開始処理中は未開始として、終了処理中はなりすまし中として返す。
func (m *Manager) Impersonation() model.ImpersonationState {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.phase.public() != StateImpersonating || m.savedAdmin == nil || m.impersonated == nil {
		return model.ImpersonationState{}
	}
	saved := *m.savedAdmin
	target := *m.impersonated
	return model.ImpersonationState{
		Active:               true,
		SavedAdminSession:    &saved,
		ImpersonatedIdentity: &target,
	}
}

// ImpersonatingAdmin はなりすまし中の場合、元の管理者のIDを返す。
func (m *Manager) ImpersonatingAdmin() *model.Identity {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase.public() != StateImpersonating || m.adminIdent == nil {
		return nil
	}
	admin := *m.adminIdent
	return &admin
}

// AccessToken は現在アクティブなセッションのアクセストークンを返す。ない場合は空文字。
// 期限切れのトークンは返す前にリフレッシュする。
func (m *Manager) AccessToken(ctx context.Context) (string, error) {
	session, err := m.auth.GetSession(ctx)
	if err != nil {
		return "", err
	}
	if session == nil {
		return "", nil
	}
	return session.AccessToken, nil
}

// AdvisorySnapshot はキャッシュされた表示用スナップショットを返す。
// アクセス制御には使わないこと。
func (m *Manager) AdvisorySnapshot(ctx context.Context) (*cache.Snapshot, error) {
	return m.snapshots.Get(ctx, m.sessionID)
}

func (m *Manager) snapshotLocked() *cache.Snapshot {
	if m.identity == nil {
		return nil
	}
	return &cache.Snapshot{
		UserID:  m.identity.UserID,
		IsAdmin: m.identity.IsAdmin,
		Email:   m.identity.Email,
	}
}

func (m *Manager) putSnapshot(ctx context.Context, snap *cache.Snapshot) {
	if snap == nil {
		return
	}
	if err := m.snapshots.Put(ctx, m.sessionID, *snap); err != nil {
		m.logger.Warn("auth_session キャッシュの書き込みに失敗しました",
			slog.String("user_id", snap.UserID),
			slog.String("error", err.Error()),
		)
	}
}

func (m *Manager) deleteSnapshot(ctx context.Context) {
	if err := m.snapshots.Delete(ctx, m.sessionID); err != nil {
		m.logger.Warn("auth_session キャッシュの削除に失敗しました",
			slog.String("error", err.Error()),
		)
	}
}

func (m *Manager) loadImpersonationRecord(ctx context.Context) (*model.ImpersonationRecord, error) {
	if m.impersonations == nil {
		return nil, nil
	}
	rec, err := m.impersonations.FindImpersonation(ctx, m.sessionID)
	if err != nil {
		m.logger.Error("なりすまし状態の読み込みに失敗しました", slog.String("error", err.Error()))
		return nil, err
	}
	return rec, nil
}

func (m *Manager) saveImpersonationRecord(ctx context.Context, rec model.ImpersonationRecord) {
	if m.impersonations == nil {
		return
	}
	if err := m.impersonations.SaveImpersonation(ctx, m.sessionID, rec); err != nil {
		m.logger.Error("なりすまし状態の保存に失敗しました",
			slog.String("admin_user_id", rec.Admin.UserID),
			slog.String("error", err.Error()),
		)
	}
}

func (m *Manager) deleteImpersonationRecord(ctx context.Context) {
	if m.impersonations == nil {
		return
	}
	if err := m.impersonations.DeleteImpersonation(ctx, m.sessionID); err != nil {
		m.logger.Error("なりすまし状態の削除に失敗しました", slog.String("error", err.Error()))
	}
}

// revoke はトークンをリモートで無効化する。呼び出し元のキャンセルとは切り離し、SignOutTimeoutで打ち切る。
func (m *Manager) revoke(ctx context.Context, accessToken string) {
	if accessToken == "" {
		return
	}
	revokeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.config.SignOutTimeout)
	defer cancel()
	if err := m.auth.Revoke(revokeCtx, accessToken); err != nil {
		m.logger.Warn("セッションの無効化に失敗しました", slog.String("error", err.Error()))
	}
}

var _ Reader = (*Manager)(nil)
