package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/sdko-org/blog-api/internal/apperr"
	"github.com/sdko-org/blog-api/internal/models"
	"github.com/sdko-org/blog-api/internal/repository"
	"github.com/sdko-org/blog-api/internal/storage"
	"github.com/sirupsen/logrus"
)

const MaxAvatarSize = 5 << 20

var avatarTypes = map[string]string{
	"image/jpeg": "jpg",
	"image/png":  "png",
	"image/gif":  "gif",
	"image/webp": "webp",
}

// UserUpdate carries admin edits. An empty Image clears the avatar.
type UserUpdate struct {
	Name          *string `json:"name"`
	Email         *string `json:"email"`
	Role          *string `json:"role"`
	EmailVerified *bool   `json:"emailVerified"`
	Image         *string `json:"image"`
}

type Upload struct {
	Filename    string
	ContentType string
	Size        int64
	Body        io.Reader
}

type AvatarResult struct {
	User      *models.User `json:"user"`
	AvatarURL string       `json:"avatar_url"`
}

type UserService struct {
	users   *repository.UserRepository
	storage storage.Storage
	revoker *sessionRevoker
	log     *logrus.Entry
}

func (s *UserService) Profile(ctx context.Context, id string) (*models.User, error) {
	return s.Get(ctx, id)
}

func (s *UserService) Get(ctx context.Context, id string) (*models.User, error) {
	user, err := s.users.FindByID(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperr.NotFound("User not found")
	}
	return user, err
}

func (s *UserService) List(ctx context.Context, page Page) ([]models.User, Meta, error) {
	users, total, err := s.users.List(ctx, page.Offset(), page.Limit)
	if err != nil {
		return nil, Meta{}, err
	}
	return users, page.Meta(total), nil
}

func (s *UserService) Update(ctx context.Context, id string, in UserUpdate) (*models.User, error) {
	errs := fieldErrors{}
	fields := map[string]any{}
	if in.Name != nil {
		name := strings.TrimSpace(*in.Name)
		errs.check(name != "", "name", "Name is required")
		fields["name"] = name
	}
	if in.Email != nil {
		email := normalizeEmail(*in.Email)
		errs.check(validEmail(email), "email", "Invalid email address")
		fields["email"] = email
	}
	if in.Role != nil {
		errs.check(models.ValidRole(*in.Role), "role", "Role must be user or admin")
		fields["role"] = *in.Role
	}
	if in.EmailVerified != nil {
		fields["email_verified"] = *in.EmailVerified
	}
	if in.Image != nil {
		if *in.Image == "" {
			fields["image"] = nil
		} else {
			errs.check(validURL(*in.Image), "image", "Invalid image URL")
			fields["image"] = *in.Image
		}
	}
	if err := errs.err(); err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, apperr.Validation("No fields to update", nil)
	}

	if email, ok := fields["email"].(string); ok {
		taken, err := s.users.EmailTaken(ctx, email, id)
		if err != nil {
			return nil, err
		}
		if taken {
			return nil, apperr.Conflict("Email already in use")
		}
	}

	user, err := s.update(ctx, id, fields)
	if err != nil {
		return nil, err
	}
	s.log.WithField("user_id", id).Info("User updated")
	return user, nil
}

func (s *UserService) update(ctx context.Context, id string, fields map[string]any) (*models.User, error) {
	user, err := s.users.Update(ctx, id, fields)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return nil, apperr.NotFound("User not found")
	case errors.Is(err, repository.ErrDuplicate):
		return nil, apperr.Conflict("Email already in use")
	case err != nil:
		return nil, err
	}
	if err := s.revoker.forget(ctx, id); err != nil {
		s.log.WithError(err).WithField("user_id", id).Warn("Failed to refresh cached sessions")
	}
	return user, nil
}

func (s *UserService) Delete(ctx context.Context, id string) error {
	user, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.revoker.forget(ctx, id); err != nil {
		s.log.WithError(err).WithField("user_id", id).Warn("Failed to drop cached sessions")
	}
	if err := s.users.Delete(ctx, id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return apperr.NotFound("User not found")
		}
		return err
	}
	if user.Image != nil {
		s.removeObject(ctx, *user.Image)
	}
	s.log.WithField("user_id", id).Info("User deleted")
	return nil
}

func (s *UserService) UploadAvatar(ctx context.Context, userID string, up *Upload) (*AvatarResult, error) {
	if up == nil || up.Body == nil {
		return nil, apperr.Validation("Avatar file is required", nil)
	}
	if _, ok := avatarTypes[up.ContentType]; !ok {
		return nil, apperr.Validation("Invalid file type. Allowed: image/jpeg, image/png, image/gif, image/webp", nil)
	}
	if up.Size > MaxAvatarSize {
		return nil, apperr.Validation("File size exceeds 5MB limit", nil)
	}

	data, err := io.ReadAll(io.LimitReader(up.Body, MaxAvatarSize+1))
	if err != nil {
		return nil, fmt.Errorf("read avatar: %w", err)
	}
	if len(data) > MaxAvatarSize {
		return nil, apperr.Validation("File size exceeds 5MB limit", nil)
	}
	// The declared type must match the bytes.
	if http.DetectContentType(data) != up.ContentType {
		return nil, apperr.Validation("Invalid file type. Allowed: image/jpeg, image/png, image/gif, image/webp", nil)
	}

	current, err := s.Get(ctx, userID)
	if err != nil {
		return nil, err
	}

	name, err := storage.UniqueName(avatarTypes[up.ContentType])
	if err != nil {
		return nil, err
	}
	key := "avatars/" + userID + "/" + name
	if err := s.storage.Put(ctx, key, bytes.NewReader(data), up.ContentType, map[string]string{"user-id": userID}); err != nil {
		return nil, apperr.Unavailable("Failed to upload avatar", "STORAGE_UNAVAILABLE", err)
	}
	avatarURL := s.storage.URL(key)

	user, err := s.update(ctx, userID, map[string]any{"image": avatarURL})
	if err != nil {
		s.removeObject(ctx, avatarURL)
		return nil, err
	}
	if current.Image != nil {
		s.removeObject(ctx, *current.Image)
	}

	s.log.WithFields(logrus.Fields{"user_id": userID, "key": key, "size": len(data)}).Info("Avatar uploaded")
	return &AvatarResult{User: user, AvatarURL: avatarURL}, nil
}

func (s *UserService) DeleteAvatar(ctx context.Context, userID string) (*models.User, error) {
	current, err := s.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if current.Image == nil || *current.Image == "" {
		return nil, apperr.Validation("No avatar to delete", nil)
	}

	if key, ok := s.avatarKey(*current.Image); ok {
		if err := s.storage.Delete(ctx, key); err != nil {
			return nil, apperr.Unavailable("Failed to delete avatar", "STORAGE_UNAVAILABLE", err)
		}
	}
	user, err := s.update(ctx, userID, map[string]any{"image": nil})
	if err != nil {
		return nil, err
	}
	s.log.WithField("user_id", userID).Info("Avatar deleted")
	return user, nil
}

// avatarKey maps an image URL back to its object key. External images,
// such as OAuth profile pictures, have none.
func (s *UserService) avatarKey(imageURL string) (string, bool) {
	prefix := s.storage.URL("")
	key := strings.TrimPrefix(imageURL, prefix)
	if key == imageURL || !strings.HasPrefix(key, "avatars/") {
		return "", false
	}
	return key, true
}

func (s *UserService) removeObject(ctx context.Context, imageURL string) {
	key, ok := s.avatarKey(imageURL)
	if !ok {
		return
	}
	if err := s.storage.Delete(ctx, key); err != nil {
		s.log.WithError(err).WithField("key", key).Warn("Failed to delete old avatar")
	}
}

func validURL(raw string) bool {
	u, err := url.ParseRequestURI(raw)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
