package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/counselkit/metering/internal/clock"
	identitydomain "github.com/counselkit/metering/internal/identity/domain"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func TestResolveActiveToken(t *testing.T) {
	resolver, db, _ := setupResolver(t)
	seedToken(t, db, 1, "user-1", identitydomain.HashToken("secret-a"), true, nil)

	principal, err := resolver.Resolve(context.Background(), "secret-a")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if principal.UserID != "user-1" {
		t.Fatalf("expected user-1, got %q", principal.UserID)
	}
}

func TestResolveRejectsUnknownToken(t *testing.T) {
	resolver, _, _ := setupResolver(t)

	_, err := resolver.Resolve(context.Background(), "never-issued")
	if !errors.Is(err, identitydomain.ErrInvalidToken) {
		t.Fatalf("expected invalid token, got %v", err)
	}
}

func TestResolveRejectsInactiveToken(t *testing.T) {
	resolver, db, _ := setupResolver(t)
	seedToken(t, db, 2, "user-2", identitydomain.HashToken("secret-b"), false, nil)

	_, err := resolver.Resolve(context.Background(), "secret-b")
	if !errors.Is(err, identitydomain.ErrInvalidToken) {
		t.Fatalf("expected invalid token, got %v", err)
	}
}

func TestResolveRejectsExpiredToken(t *testing.T) {
	resolver, db, clk := setupResolver(t)
	expired := clk.Now().Add(-time.Hour)
	seedToken(t, db, 3, "user-3", identitydomain.HashToken("secret-c"), true, &expired)

	_, err := resolver.Resolve(context.Background(), "secret-c")
	if !errors.Is(err, identitydomain.ErrInvalidToken) {
		t.Fatalf("expected invalid token, got %v", err)
	}
}

func TestResolveRejectsEmptyToken(t *testing.T) {
	resolver, _, _ := setupResolver(t)

	_, err := resolver.Resolve(context.Background(), "   ")
	if !errors.Is(err, identitydomain.ErrInvalidToken) {
		t.Fatalf("expected invalid token, got %v", err)
	}
}

func setupResolver(t *testing.T) (identitydomain.Resolver, *gorm.DB, *clock.FakeClock) {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_loc=auto", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	if err := db.Exec(`CREATE TABLE api_tokens (
		id BIGINT PRIMARY KEY,
		user_id TEXT NOT NULL,
		name TEXT NOT NULL,
		token_hash TEXT NOT NULL UNIQUE,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at DATETIME NOT NULL,
		last_used_at DATETIME,
		expires_at DATETIME
	)`).Error; err != nil {
		t.Fatalf("create api_tokens: %v", err)
	}

	clk := clock.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	resolver := New(Params{
		DB:    db,
		Log:   zap.NewNop(),
		Clock: clk,
	})

	return resolver, db, clk
}

func seedToken(t *testing.T, db *gorm.DB, id int64, userID, hash string, active bool, expiresAt *time.Time) {
	t.Helper()
	if err := db.Exec(
		`INSERT INTO api_tokens (id, user_id, name, token_hash, is_active, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, userID, "test", hash, active, time.Now().UTC(), expiresAt,
	).Error; err != nil {
		t.Fatalf("seed token: %v", err)
	}
}
