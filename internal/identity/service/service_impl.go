package service

import (
	"context"
	"crypto/subtle"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/counselkit/metering/internal/clock"
	identitydomain "github.com/counselkit/metering/internal/identity/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Clock clock.Clock
}

type Resolver struct {
	db    *gorm.DB
	log   *zap.Logger
	clock clock.Clock
}

func New(p Params) identitydomain.Resolver {
	return &Resolver{
		db:    p.DB,
		log:   p.Log.Named("identity.resolver"),
		clock: p.Clock,
	}
}

// Resolve looks up the active token record matching the raw bearer value.
// Identity is derived solely from the api_tokens table.
func (r *Resolver) Resolve(ctx context.Context, raw string) (*identitydomain.Principal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, identitydomain.ErrInvalidToken
	}

	hash := identitydomain.HashToken(raw)
	now := r.clock.Now()

	var record struct {
		ID        snowflake.ID `gorm:"column:id"`
		UserID    string       `gorm:"column:user_id"`
		TokenHash string       `gorm:"column:token_hash"`
	}

	if err := r.db.WithContext(ctx).Raw(
		`SELECT id, user_id, token_hash
		 FROM api_tokens
		 WHERE token_hash = ?
		   AND is_active = true
		   AND (expires_at IS NULL OR expires_at > ?)
		 LIMIT 1`,
		hash,
		now,
	).Scan(&record).Error; err != nil {
		return nil, err
	}

	if record.ID == 0 || subtle.ConstantTimeCompare([]byte(record.TokenHash), []byte(hash)) != 1 {
		return nil, identitydomain.ErrInvalidToken
	}

	return &identitydomain.Principal{
		UserID:  record.UserID,
		TokenID: record.ID,
	}, nil
}
