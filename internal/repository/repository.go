// Package repository holds the gorm queries behind the services.
package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

var (
	ErrNotFound  = errors.New("record not found")
	ErrDuplicate = errors.New("duplicate record")
)

// base bounds every query with a deadline so a saturated pool fails the
// request instead of blocking it.
type base struct {
	db      *gorm.DB
	timeout time.Duration
}

func (b base) conn(ctx context.Context) (*gorm.DB, context.CancelFunc) {
	if b.timeout <= 0 {
		return b.db.WithContext(ctx), func() {}
	}
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	return b.db.WithContext(ctx), cancel
}

func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return ErrDuplicate
	}
	return err
}

type Repositories struct {
	Users      *UserRepository
	Sessions   *SessionRepository
	Accounts   *AccountRepository
	Blogs      *BlogRepository
	AccessLogs *AccessLogRepository
}

func New(db *gorm.DB, timeout time.Duration) *Repositories {
	b := base{db: db, timeout: timeout}
	return &Repositories{
		Users:      &UserRepository{base: b},
		Sessions:   &SessionRepository{base: b},
		Accounts:   &AccountRepository{base: b},
		Blogs:      &BlogRepository{base: b},
		AccessLogs: &AccessLogRepository{base: b},
	}
}
