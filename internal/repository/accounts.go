package repository

import (
	"context"
	"fmt"

	"github.com/sdko-org/blog-api/internal/models"
)

type AccountRepository struct {
	base
}

func (r *AccountRepository) FindByProvider(ctx context.Context, provider, providerAccountID string) (*models.Account, error) {
	db, cancel := r.conn(ctx)
	defer cancel()
	var account models.Account
	err := db.Where("provider = ? AND provider_account_id = ?", provider, providerAccountID).First(&account).Error
	if err != nil {
		return nil, translate(err)
	}
	return &account, nil
}

func (r *AccountRepository) Create(ctx context.Context, account *models.Account) error {
	db, cancel := r.conn(ctx)
	defer cancel()
	if err := db.Create(account).Error; err != nil {
		return fmt.Errorf("create account: %w", translate(err))
	}
	return nil
}
