package repository

import (
	"context"
	"fmt"

	"github.com/sdko-org/blog-api/internal/models"
)

type BlogFilter struct {
	Published *bool
	AuthorID  string
}

type BlogRepository struct {
	base
}

func (r *BlogRepository) Create(ctx context.Context, blog *models.Blog) error {
	db, cancel := r.conn(ctx)
	defer cancel()
	if err := db.Create(blog).Error; err != nil {
		return fmt.Errorf("create blog: %w", translate(err))
	}
	return nil
}

func (r *BlogRepository) FindByID(ctx context.Context, id string) (*models.Blog, error) {
	db, cancel := r.conn(ctx)
	defer cancel()
	var blog models.Blog
	if err := db.Preload("Author").Where("id = ?", id).First(&blog).Error; err != nil {
		return nil, translate(err)
	}
	return &blog, nil
}

func (r *BlogRepository) FindBySlug(ctx context.Context, slug string) (*models.Blog, error) {
	db, cancel := r.conn(ctx)
	defer cancel()
	var blog models.Blog
	if err := db.Preload("Author").Where("slug = ?", slug).First(&blog).Error; err != nil {
		return nil, translate(err)
	}
	return &blog, nil
}

// SlugExists reports whether a blog other than excludeID uses slug.
func (r *BlogRepository) SlugExists(ctx context.Context, slug, excludeID string) (bool, error) {
	db, cancel := r.conn(ctx)
	defer cancel()
	q := db.Model(&models.Blog{}).Where("slug = ?", slug)
	if excludeID != "" {
		q = q.Where("id <> ?", excludeID)
	}
	var n int64
	if err := q.Count(&n).Error; err != nil {
		return false, fmt.Errorf("count blogs: %w", err)
	}
	return n > 0, nil
}

func (r *BlogRepository) List(ctx context.Context, filter BlogFilter, offset, limit int) ([]models.Blog, int64, error) {
	db, cancel := r.conn(ctx)
	defer cancel()

	q := db.Model(&models.Blog{})
	if filter.Published != nil {
		q = q.Where("published = ?", *filter.Published)
	}
	if filter.AuthorID != "" {
		q = q.Where("author_id = ?", filter.AuthorID)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count blogs: %w", err)
	}

	var blogs []models.Blog
	err := q.Preload("Author").
		Order("created_at DESC").
		Offset(offset).
		Limit(limit).
		Find(&blogs).Error
	if err != nil {
		return nil, 0, fmt.Errorf("list blogs: %w", err)
	}
	return blogs, total, nil
}

// Update applies fields to the blog owned by authorID.
func (r *BlogRepository) Update(ctx context.Context, id, authorID string, fields map[string]any) (*models.Blog, error) {
	db, cancel := r.conn(ctx)
	defer cancel()

	res := db.Model(&models.Blog{}).Where("id = ? AND author_id = ?", id, authorID).Updates(fields)
	if res.Error != nil {
		return nil, fmt.Errorf("update blog: %w", translate(res.Error))
	}
	if res.RowsAffected == 0 {
		return nil, ErrNotFound
	}

	var blog models.Blog
	if err := db.Preload("Author").Where("id = ?", id).First(&blog).Error; err != nil {
		return nil, translate(err)
	}
	return &blog, nil
}

func (r *BlogRepository) Delete(ctx context.Context, id, authorID string) error {
	db, cancel := r.conn(ctx)
	defer cancel()
	res := db.Where("id = ? AND author_id = ?", id, authorID).Delete(&models.Blog{})
	if res.Error != nil {
		return fmt.Errorf("delete blog: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
