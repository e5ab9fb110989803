// Package cleanup は放置されたブラウザセッションの永続データを定期削除する。
package cleanup

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sql.DB や *sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// SessionCleanupJob は最終更新から MaxAge を過ぎたセッションと、
// 対応するセッションを失ったなりすまし記録を削除する。
type SessionCleanupJob struct {
	db     Executor
	logger *slog.Logger
	MaxAge time.Duration
}

// NewSessionCleanupJob はSessionCleanupJobを生成する。maxAgeが0以下なら24時間。
func NewSessionCleanupJob(db Executor, logger *slog.Logger, maxAge time.Duration) *SessionCleanupJob {
	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}
	return &SessionCleanupJob{db: db, logger: logger, MaxAge: maxAge}
}

// Run は削除を1回実行する。削除対象がなくてもエラーにしない。
func (j *SessionCleanupJob) Run(ctx context.Context) error {
	start := time.Now()
	interval := fmt.Sprintf("%d seconds", int64(j.MaxAge.Seconds()))

	sessions, err := j.exec(ctx,
		`DELETE FROM dashboard_sessions WHERE updated_at < now() - $1::interval`, interval)
	if err != nil {
		return fmt.Errorf("セッションの削除に失敗: %w", err)
	}

	orphans, err := j.exec(ctx,
		`DELETE FROM impersonations i
		 WHERE i.started_at < now() - $1::interval
		   AND NOT EXISTS (SELECT 1 FROM dashboard_sessions s WHERE s.id = i.session_id)`, interval)
	if err != nil {
		return fmt.Errorf("なりすまし記録の削除に失敗: %w", err)
	}

	j.logger.Info("セッションクリーンアップが完了しました",
		slog.Int64("deleted_sessions", sessions),
		slog.Int64("deleted_impersonations", orphans),
		slog.Duration("max_age", j.MaxAge),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return nil
}

func (j *SessionCleanupJob) exec(ctx context.Context, query string, args ...interface{}) (int64, error) {
	result, err := j.db.ExecContext(ctx, query, args...)
	if err != nil {
		j.logger.Error("セッションクリーンアップの実行に失敗しました",
			slog.String("error", err.Error()),
			slog.Duration("max_age", j.MaxAge),
		)
		return 0, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("削除件数の取得に失敗: %w", err)
	}
	return n, nil
}

// Start はintervalごとにRunを実行する。コンテキストがキャンセルされると戻る。
func (j *SessionCleanupJob) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := j.Run(ctx); err != nil && ctx.Err() == nil {
				j.logger.Error("セッションクリーンアップに失敗しました", slog.String("error", err.Error()))
			}
		}
	}
}
