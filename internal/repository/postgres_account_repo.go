package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/widgetdash/internal/model"
)

// reachableAccounts はユーザーが所有またはコラボレーターとして参加しているアカウントを
// ロール付きで列挙するサブクエリ。$1 にユーザーIDを渡す。
const reachableAccounts = `
	SELECT a.id, 'owner' AS role FROM accounts a WHERE a.owner_id = $1
	UNION
	SELECT c.account_id, c.role FROM account_collaborators c WHERE c.user_id = $1`

// effectiveRole は所有者とコラボレーターの両方に該当する場合に強い方のロールを選ぶ集約式。
const effectiveRole = `CASE WHEN bool_or(ra.role = 'owner') THEN 'owner'
		             WHEN bool_or(ra.role = 'editor') THEN 'editor'
		             ELSE 'viewer' END`

// PostgresAccountRepo はPostgreSQLを使用したアカウント・プロジェクトリポジトリ。
type PostgresAccountRepo struct {
	db *sql.DB
}

// NewPostgresAccountRepo はPostgresAccountRepoを生成する。
func NewPostgresAccountRepo(db *sql.DB) *PostgresAccountRepo {
	return &PostgresAccountRepo{db: db}
}

// ListByUser はユーザーが参照できるアカウント一覧を返す。
// 所有者とコラボレーターの両方に該当する場合は所有者のロールを優先する。
func (r *PostgresAccountRepo) ListByUser(ctx context.Context, userID string) ([]model.Account, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT a.id, a.owner_id, a.name, a.created_at, `+effectiveRole+` AS role
		 FROM accounts a
		 JOIN (`+reachableAccounts+`) ra ON ra.id = a.id
		 GROUP BY a.id, a.owner_id, a.name, a.created_at
		 ORDER BY a.created_at ASC, a.id ASC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []model.Account
	for rows.Next() {
		var a model.Account
		var role string
		if err := rows.Scan(&a.ID, &a.OwnerID, &a.Name, &a.CreatedAt, &role); err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		a.Role = model.CollaboratorRole(role)
		accounts = append(accounts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate accounts: %w", err)
	}
	return accounts, nil
}

// ListProjects はユーザーが参照できるプロジェクト一覧をロール付きで返す。
func (r *PostgresAccountRepo) ListProjects(ctx context.Context, userID string) ([]model.Project, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT p.id, p.account_id, p.name, p.site_url, p.created_at, `+effectiveRole+` AS role
		 FROM projects p
		 JOIN (`+reachableAccounts+`) ra ON ra.id = p.account_id
		 GROUP BY p.id, p.account_id, p.name, p.site_url, p.created_at
		 ORDER BY p.created_at ASC, p.id ASC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	defer rows.Close()

	var projects []model.Project
	for rows.Next() {
		var p model.Project
		var role string
		if err := rows.Scan(&p.ID, &p.AccountID, &p.Name, &p.SiteURL, &p.CreatedAt, &role); err != nil {
			return nil, fmt.Errorf("failed to scan project: %w", err)
		}
		p.Role = model.CollaboratorRole(role)
		projects = append(projects, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate projects: %w", err)
	}
	return projects, nil
}

// FindProject はユーザーが参照できるプロジェクトをロール付きで返す。参照できない場合はnilを返す。
func (r *PostgresAccountRepo) FindProject(ctx context.Context, userID, projectID string) (*model.Project, error) {
	p := &model.Project{}
	var role string
	err := r.db.QueryRowContext(ctx,
		`SELECT p.id, p.account_id, p.name, p.site_url, p.created_at, `+effectiveRole+` AS role
		 FROM projects p
		 JOIN (`+reachableAccounts+`) ra ON ra.id = p.account_id
		 WHERE p.id::text = $2
		 GROUP BY p.id, p.account_id, p.name, p.site_url, p.created_at`,
		userID, projectID,
	).Scan(&p.ID, &p.AccountID, &p.Name, &p.SiteURL, &p.CreatedAt, &role)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find project: %w", err)
	}
	p.Role = model.CollaboratorRole(role)
	return p, nil
}

// ReachableProjectIDs はユーザーが参照できるプロジェクトIDの一覧を返す。
func (r *PostgresAccountRepo) ReachableProjectIDs(ctx context.Context, userID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT p.id FROM projects p
		 WHERE p.account_id IN (SELECT id FROM (`+reachableAccounts+`) ra)
		 ORDER BY p.created_at ASC, p.id ASC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list reachable projects: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan project id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate project ids: %w", err)
	}
	return ids, nil
}

// compile-time interface check
var _ AccountRepository = (*PostgresAccountRepo)(nil)
