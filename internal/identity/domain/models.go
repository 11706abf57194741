package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

var (
	ErrInvalidToken = errors.New("invalid_token")
)

// Principal is the authenticated caller resolved from a bearer token.
type Principal struct {
	UserID  string
	TokenID snowflake.ID
}

// APIToken stores hashed bearer credentials scoped to a user account.
type APIToken struct {
	ID         snowflake.ID `gorm:"primaryKey"`
	UserID     string       `gorm:"column:user_id;type:text;not null;index:ix_api_tokens_user_id"`
	Name       string       `gorm:"type:text;not null"`
	TokenHash  string       `gorm:"column:token_hash;type:text;not null;uniqueIndex:ux_api_tokens_token_hash"`
	IsActive   bool         `gorm:"column:is_active;not null;default:true"`
	CreatedAt  time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	LastUsedAt *time.Time   `gorm:"column:last_used_at"`
	ExpiresAt  *time.Time   `gorm:"column:expires_at"`
}

// TableName sets the database table name.
func (APIToken) TableName() string { return "api_tokens" }

// Resolver maps a raw bearer token to the principal that owns it.
type Resolver interface {
	Resolve(ctx context.Context, raw string) (*Principal, error)
}
