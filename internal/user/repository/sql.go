package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/netcore-24/2FA-Mikrotik-TG-Only/internal/db"
	"github.com/netcore-24/2FA-Mikrotik-TG-Only/internal/user/domain"
)

const userColumns = `id, telegram_id, full_name, status, require_confirmation, firewall_rule_id,
	firewall_rule_comment, created_at, approved_at`

// SQLRepository persists users in Postgres or SQLite.
type SQLRepository struct {
	db *db.DB
}

var _ Repository = (*SQLRepository)(nil)

// NewSQLRepository returns a user repository that uses the given db for persistence.
func NewSQLRepository(conn *db.DB) *SQLRepository {
	return &SQLRepository{db: conn}
}

// GetByID returns the user for id, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *SQLRepository) GetByID(ctx context.Context, id string) (*domain.User, error) {
	return r.getOne(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
}

// GetByTelegramID returns the user with the given Telegram id, or nil if not found.
func (r *SQLRepository) GetByTelegramID(ctx context.Context, telegramID int64) (*domain.User, error) {
	return r.getOne(ctx, `SELECT `+userColumns+` FROM users WHERE telegram_id = ?`, telegramID)
}

// GetByIDs returns the users for ids keyed by id.
func (r *SQLRepository) GetByIDs(ctx context.Context, ids []string) (map[string]*domain.User, error) {
	out := make(map[string]*domain.User, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	marks := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")
	rows, err := r.db.QueryContext(ctx, r.db.Rebind(`SELECT `+userColumns+` FROM users WHERE id IN (`+marks+`)`), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out[u.ID] = u
	}
	return out, rows.Err()
}

// Create persists the user. The user must have ID and TelegramID set.
func (r *SQLRepository) Create(ctx context.Context, u *domain.User) error {
	if err := u.Validate(); err != nil {
		return err
	}
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`INSERT INTO users (`+userColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		u.ID, u.TelegramID, u.FullName, string(u.Status), nullBool(u.RequireConfirmation), u.FirewallRuleID,
		u.FirewallRuleComment, db.ToMillis(u.CreatedAt), db.NullMillis(u.ApprovedAt))
	return err
}

// Update writes the mutable user fields.
func (r *SQLRepository) Update(ctx context.Context, u *domain.User) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`UPDATE users SET full_name = ?, status = ?, require_confirmation = ?,
		firewall_rule_id = ?, firewall_rule_comment = ?, approved_at = ? WHERE id = ?`),
		u.FullName, string(u.Status), nullBool(u.RequireConfirmation), u.FirewallRuleID, u.FirewallRuleComment,
		db.NullMillis(u.ApprovedAt), u.ID)
	return err
}

// ListByStatus returns users in status ordered by registration time.
func (r *SQLRepository) ListByStatus(ctx context.Context, status domain.UserStatus) ([]*domain.User, error) {
	rows, err := r.db.QueryContext(ctx, r.db.Rebind(`SELECT `+userColumns+` FROM users
		WHERE status = ? ORDER BY created_at, id`), string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// BindAccount inserts the binding or re-activates an existing one for the same user and account.
func (r *SQLRepository) BindAccount(ctx context.Context, b *domain.AccountBinding) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`INSERT INTO account_bindings (id, user_id, account_name, active, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (user_id, account_name) DO UPDATE SET active = excluded.active`),
		b.ID, b.UserID, b.AccountName, b.Active, db.ToMillis(b.CreatedAt))
	return err
}

// UnbindAccount marks the binding inactive. Returns false when there was no active binding.
func (r *SQLRepository) UnbindAccount(ctx context.Context, userID, accountName string) (bool, error) {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`UPDATE account_bindings SET active = ?
		WHERE user_id = ? AND account_name = ? AND active = ?`), false, userID, accountName, true)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListAccounts returns the user's bindings ordered by account name.
func (r *SQLRepository) ListAccounts(ctx context.Context, userID string) ([]*domain.AccountBinding, error) {
	rows, err := r.db.QueryContext(ctx, r.db.Rebind(`SELECT id, user_id, account_name, active, created_at
		FROM account_bindings WHERE user_id = ? ORDER BY account_name`), userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.AccountBinding
	for rows.Next() {
		var (
			b         domain.AccountBinding
			createdAt int64
		)
		if err := rows.Scan(&b.ID, &b.UserID, &b.AccountName, &b.Active, &createdAt); err != nil {
			return nil, err
		}
		b.CreatedAt = db.FromMillis(createdAt)
		out = append(out, &b)
	}
	return out, rows.Err()
}

// HasAccount reports whether the user holds an active binding for accountName.
func (r *SQLRepository) HasAccount(ctx context.Context, userID, accountName string) (bool, error) {
	var n int
	err := r.db.QueryRowContext(ctx, r.db.Rebind(`SELECT COUNT(*) FROM account_bindings
		WHERE user_id = ? AND account_name = ? AND active = ?`), userID, accountName, true).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *SQLRepository) getOne(ctx context.Context, query string, arg any) (*domain.User, error) {
	u, err := scanUser(r.db.QueryRowContext(ctx, r.db.Rebind(query), arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return u, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanUser(row scanner) (*domain.User, error) {
	var (
		u          domain.User
		status     string
		requireCfm sql.NullBool
		createdAt  int64
		approvedAt sql.NullInt64
	)
	if err := row.Scan(&u.ID, &u.TelegramID, &u.FullName, &status, &requireCfm, &u.FirewallRuleID,
		&u.FirewallRuleComment, &createdAt, &approvedAt); err != nil {
		return nil, err
	}
	u.Status = domain.UserStatus(status)
	if requireCfm.Valid {
		v := requireCfm.Bool
		u.RequireConfirmation = &v
	}
	u.CreatedAt = db.FromMillis(createdAt)
	u.ApprovedAt = db.MillisPtr(approvedAt)
	return &u, nil
}

func nullBool(b *bool) sql.NullBool {
	if b == nil {
		return sql.NullBool{}
	}
	return sql.NullBool{Bool: *b, Valid: true}
}
