package repository

import (
	"context"

	"github.com/netcore-24/2FA-Mikrotik-TG-Only/internal/user/domain"
)

// Repository defines persistence for users and their device account bindings.
type Repository interface {
	GetByID(ctx context.Context, id string) (*domain.User, error)
	GetByTelegramID(ctx context.Context, telegramID int64) (*domain.User, error)
	// GetByIDs returns the users found for ids keyed by id. Missing ids are absent from the map.
	GetByIDs(ctx context.Context, ids []string) (map[string]*domain.User, error)
	Create(ctx context.Context, u *domain.User) error
	Update(ctx context.Context, u *domain.User) error
	// ListByStatus returns users in status, oldest registration first.
	ListByStatus(ctx context.Context, status domain.UserStatus) ([]*domain.User, error)
	// BindAccount grants the user the account. Re-binding an existing pair re-activates it.
	BindAccount(ctx context.Context, b *domain.AccountBinding) error
	// UnbindAccount deactivates the binding and reports whether an active one existed.
	UnbindAccount(ctx context.Context, userID, accountName string) (bool, error)
	ListAccounts(ctx context.Context, userID string) ([]*domain.AccountBinding, error)
	// HasAccount reports whether the user holds an active binding for accountName.
	HasAccount(ctx context.Context, userID, accountName string) (bool, error)
}
