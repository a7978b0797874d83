package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

const (
	ProviderSystem   = "system"
	ProviderGoogle   = "google"
	ProviderFacebook = "facebook"
	ProviderDiscord  = "discord"
)

func ValidRole(role string) bool {
	return role == RoleUser || role == RoleAdmin
}

type User struct {
	ID            string    `gorm:"primaryKey;type:varchar(36)" json:"id"`
	Name          string    `gorm:"type:varchar(255);not null" json:"name"`
	Email         string    `gorm:"type:varchar(255);not null;uniqueIndex" json:"email"`
	EmailVerified bool      `gorm:"not null;default:false" json:"emailVerified"`
	Image         *string   `gorm:"type:text" json:"image"`
	Role          string    `gorm:"type:varchar(20);not null;default:'user';index" json:"role"`
	Provider      string    `gorm:"type:varchar(20);not null;default:'system'" json:"provider"`
	PasswordHash  string    `gorm:"type:varchar(255)" json:"-"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

type Session struct {
	ID        string    `gorm:"primaryKey;type:varchar(36)" json:"id"`
	UserID    string    `gorm:"type:varchar(36);not null;index" json:"userId"`
	User      *User     `gorm:"constraint:OnDelete:CASCADE" json:"user,omitempty"`
	Token     string    `gorm:"type:varchar(128);not null;uniqueIndex" json:"-"`
	ExpiresAt time.Time `gorm:"not null;index" json:"expiresAt"`
	IPAddress string    `gorm:"type:varchar(45)" json:"ipAddress"`
	UserAgent string    `gorm:"type:text" json:"userAgent"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// Account links a user to an external OAuth identity.
type Account struct {
	ID                string    `gorm:"primaryKey;type:varchar(36)" json:"id"`
	UserID            string    `gorm:"type:varchar(36);not null;index" json:"userId"`
	User              *User     `gorm:"constraint:OnDelete:CASCADE" json:"-"`
	Provider          string    `gorm:"type:varchar(20);not null;uniqueIndex:idx_account_provider" json:"provider"`
	ProviderAccountID string    `gorm:"type:varchar(255);not null;uniqueIndex:idx_account_provider" json:"providerAccountId"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

type Blog struct {
	ID          string     `gorm:"primaryKey;type:varchar(36)" json:"id"`
	Title       string     `gorm:"type:varchar(255);not null" json:"title"`
	Slug        string     `gorm:"type:varchar(255);not null;uniqueIndex" json:"slug"`
	Content     string     `gorm:"type:text;not null" json:"content"`
	Excerpt     *string    `gorm:"type:text" json:"excerpt"`
	CoverImage  *string    `gorm:"type:text" json:"coverImage"`
	Published   bool       `gorm:"not null;default:false;index" json:"published"`
	PublishedAt *time.Time `json:"publishedAt"`
	AuthorID    string     `gorm:"type:varchar(36);not null;index" json:"authorId"`
	Author      *User      `gorm:"constraint:OnDelete:CASCADE" json:"author,omitempty"`
	CreatedAt   time.Time  `gorm:"index" json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

func (User) TableName() string {
	return "users"
}

func (Session) TableName() string {
	return "sessions"
}

func (Account) TableName() string {
	return "accounts"
}

func (Blog) TableName() string {
	return "blogs"
}

func (u *User) BeforeCreate(tx *gorm.DB) error {
	if u.ID == "" {
		u.ID = NewID()
	}
	return nil
}

func (s *Session) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = NewID()
	}
	return nil
}

func (a *Account) BeforeCreate(tx *gorm.DB) error {
	if a.ID == "" {
		a.ID = NewID()
	}
	return nil
}

func (b *Blog) BeforeCreate(tx *gorm.DB) error {
	if b.ID == "" {
		b.ID = NewID()
	}
	return nil
}

// NewID returns a time-ordered UUIDv7 string.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
