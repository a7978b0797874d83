package repository

import (
	"context"

	"github.com/sdko-org/blog-api/internal/models"
)

type AccessLogRepository struct {
	base
}

func (r *AccessLogRepository) Record(ctx context.Context, entry *models.AccessLog) error {
	db, cancel := r.conn(ctx)
	defer cancel()
	return db.Create(entry).Error
}
