package repository

import (
	"context"
	"fmt"

	"github.com/sdko-org/blog-api/internal/models"
)

type SessionRepository struct {
	base
}

func (r *SessionRepository) Create(ctx context.Context, session *models.Session) error {
	db, cancel := r.conn(ctx)
	defer cancel()
	if err := db.Create(session).Error; err != nil {
		return fmt.Errorf("create session: %w", translate(err))
	}
	return nil
}

// FindByID loads the session with its user.
func (r *SessionRepository) FindByID(ctx context.Context, id string) (*models.Session, error) {
	db, cancel := r.conn(ctx)
	defer cancel()
	var session models.Session
	if err := db.Preload("User").Where("id = ?", id).First(&session).Error; err != nil {
		return nil, translate(err)
	}
	return &session, nil
}

func (r *SessionRepository) FindByToken(ctx context.Context, token string) (*models.Session, error) {
	db, cancel := r.conn(ctx)
	defer cancel()
	var session models.Session
	if err := db.Preload("User").Where("token = ?", token).First(&session).Error; err != nil {
		return nil, translate(err)
	}
	return &session, nil
}

func (r *SessionRepository) ListByUser(ctx context.Context, userID string) ([]models.Session, error) {
	db, cancel := r.conn(ctx)
	defer cancel()
	var sessions []models.Session
	if err := db.Where("user_id = ?", userID).Find(&sessions).Error; err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return sessions, nil
}

func (r *SessionRepository) Delete(ctx context.Context, id string) error {
	db, cancel := r.conn(ctx)
	defer cancel()
	if err := db.Where("id = ?", id).Delete(&models.Session{}).Error; err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func (r *SessionRepository) DeleteByUser(ctx context.Context, userID string) error {
	db, cancel := r.conn(ctx)
	defer cancel()
	if err := db.Where("user_id = ?", userID).Delete(&models.Session{}).Error; err != nil {
		return fmt.Errorf("delete sessions: %w", err)
	}
	return nil
}
