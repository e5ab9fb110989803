package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/widgetdash/internal/authclient"
	"github.com/hitoshi/widgetdash/internal/identity"
	"github.com/hitoshi/widgetdash/internal/model"
)

// PostgresSessionRepo はブラウザセッションに紐づくクレデンシャルとなりすまし状態を
// PostgreSQLに保存するリポジトリ。
type PostgresSessionRepo struct {
	db *sql.DB
}

// NewPostgresSessionRepo はPostgresSessionRepoを生成する。
func NewPostgresSessionRepo(db *sql.DB) *PostgresSessionRepo {
	return &PostgresSessionRepo{db: db}
}

// FindCredential はブラウザセッションのクレデンシャルを取得する。見つからない場合はnilを返す。
func (r *PostgresSessionRepo) FindCredential(ctx context.Context, sessionID string) (*model.Session, error) {
	s := &model.Session{}
	var expiresAt sql.NullTime

	err := r.db.QueryRowContext(ctx,
		`SELECT access_token, refresh_token, expires_at, user_id, user_email
		 FROM dashboard_sessions WHERE id = $1`,
		sessionID,
	).Scan(&s.AccessToken, &s.RefreshToken, &expiresAt, &s.User.ID, &s.User.Email)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find credential: %w", err)
	}

	if expiresAt.Valid {
		s.ExpiresAt = expiresAt.Time
	}
	return s, nil
}

// SaveCredential はクレデンシャルを保存する。nilの場合は削除する。
func (r *PostgresSessionRepo) SaveCredential(ctx context.Context, sessionID string, session *model.Session) error {
	if session == nil {
		return r.DeleteCredential(ctx, sessionID)
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO dashboard_sessions (id, access_token, refresh_token, expires_at, user_id, user_email, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, now(), now())
		 ON CONFLICT (id) DO UPDATE SET
		     access_token = EXCLUDED.access_token,
		     refresh_token = EXCLUDED.refresh_token,
		     expires_at = EXCLUDED.expires_at,
		     user_id = EXCLUDED.user_id,
		     user_email = EXCLUDED.user_email,
		     updated_at = now()`,
		sessionID, session.AccessToken, session.RefreshToken, nullTime(session.ExpiresAt),
		session.User.ID, session.User.Email,
	)
	if err != nil {
		return fmt.Errorf("failed to save credential: %w", err)
	}
	return nil
}

// DeleteCredential はクレデンシャルを削除する。
func (r *PostgresSessionRepo) DeleteCredential(ctx context.Context, sessionID string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM dashboard_sessions WHERE id = $1`,
		sessionID,
	)
	if err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	return nil
}

// FindImpersonation はなりすまし状態を取得する。見つからない場合はnilを返す。
func (r *PostgresSessionRepo) FindImpersonation(ctx context.Context, sessionID string) (*model.ImpersonationRecord, error) {
	rec := &model.ImpersonationRecord{}
	var adminExpiresAt sql.NullTime

	err := r.db.QueryRowContext(ctx,
		`SELECT admin_access_token, admin_refresh_token, admin_expires_at, admin_user_id, admin_email,
		        target_user_id, target_email, started_at
		 FROM impersonations WHERE session_id = $1`,
		sessionID,
	).Scan(
		&rec.AdminSession.AccessToken, &rec.AdminSession.RefreshToken, &adminExpiresAt,
		&rec.AdminSession.User.ID, &rec.AdminSession.User.Email,
		&rec.Target.UserID, &rec.Target.Email, &rec.StartedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find impersonation: %w", err)
	}

	if adminExpiresAt.Valid {
		rec.AdminSession.ExpiresAt = adminExpiresAt.Time
	}
	rec.Admin = model.Identity{
		UserID:  rec.AdminSession.User.ID,
		Email:   rec.AdminSession.User.Email,
		IsAdmin: true,
	}
	return rec, nil
}

// SaveImpersonation はなりすまし状態を保存する。
func (r *PostgresSessionRepo) SaveImpersonation(ctx context.Context, sessionID string, rec model.ImpersonationRecord) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO impersonations (session_id, admin_access_token, admin_refresh_token, admin_expires_at,
		                             admin_user_id, admin_email, target_user_id, target_email, started_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (session_id) DO UPDATE SET
		     admin_access_token = EXCLUDED.admin_access_token,
		     admin_refresh_token = EXCLUDED.admin_refresh_token,
		     admin_expires_at = EXCLUDED.admin_expires_at,
		     admin_user_id = EXCLUDED.admin_user_id,
		     admin_email = EXCLUDED.admin_email,
		     target_user_id = EXCLUDED.target_user_id,
		     target_email = EXCLUDED.target_email,
		     started_at = EXCLUDED.started_at`,
		sessionID,
		rec.AdminSession.AccessToken, rec.AdminSession.RefreshToken, nullTime(rec.AdminSession.ExpiresAt),
		rec.AdminSession.User.ID, rec.AdminSession.User.Email,
		rec.Target.UserID, rec.Target.Email, rec.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save impersonation: %w", err)
	}
	return nil
}

// DeleteImpersonation はなりすまし状態を削除する。
func (r *PostgresSessionRepo) DeleteImpersonation(ctx context.Context, sessionID string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM impersonations WHERE session_id = $1`,
		sessionID,
	)
	if err != nil {
		return fmt.Errorf("failed to delete impersonation: %w", err)
	}
	return nil
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

// compile-time interface check
var (
	_ authclient.CredentialRepository  = (*PostgresSessionRepo)(nil)
	_ identity.ImpersonationRepository = (*PostgresSessionRepo)(nil)
)
