package ratelimit

import (
	"context"
	"testing"

	"github.com/counselkit/metering/internal/config"
)

func TestNewDebitLimiterDisabled(t *testing.T) {
	limiter, err := NewDebitLimiter(config.Config{})
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	if limiter.Enabled() {
		t.Fatal("limiter must be disabled without config")
	}

	allowed, err := limiter.AllowUser(context.Background(), "user-1")
	if err != nil || !allowed {
		t.Fatalf("disabled limiter must allow, got %t/%v", allowed, err)
	}
	allowed, err = limiter.AllowEndpoint(context.Background())
	if err != nil || !allowed {
		t.Fatalf("disabled limiter must allow, got %t/%v", allowed, err)
	}
}

func TestNewDebitLimiterValidation(t *testing.T) {
	cases := []struct {
		name string
		cfg  config.RateLimitConfig
	}{
		{"missing addr", config.RateLimitConfig{
			Enabled:        true,
			DebitUserRate:  1,
			DebitUserBurst: 1,
		}},
		{"zero user rate", config.RateLimitConfig{
			Enabled:            true,
			RedisAddr:          "localhost:6379",
			DebitUserBurst:     1,
			DebitEndpointRate:  1,
			DebitEndpointBurst: 1,
		}},
		{"zero endpoint burst", config.RateLimitConfig{
			Enabled:           true,
			RedisAddr:         "localhost:6379",
			DebitUserRate:     1,
			DebitUserBurst:    1,
			DebitEndpointRate: 1,
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewDebitLimiter(config.Config{RateLimit: tc.cfg}); err == nil {
				t.Fatal("expected config error")
			}
		})
	}
}

func TestTokenBucketRejectsNilClient(t *testing.T) {
	if bucket := NewTokenBucket(nil); bucket != nil {
		t.Fatal("expected nil bucket without client")
	}
	var bucket *TokenBucket
	if _, err := bucket.Allow(context.Background(), "k", 1, 1); err == nil {
		t.Fatal("expected error from nil bucket")
	}
}
