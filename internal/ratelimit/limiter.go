package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/counselkit/metering/internal/config"
	redis "github.com/redis/go-redis/v9"
)

const (
	keyDebitUser     = "credits:debit:user:%s"
	keyDebitEndpoint = "credits:debit:endpoint"
)

// Limiter bounds debit traffic per caller and across the endpoint.
type Limiter interface {
	Enabled() bool
	AllowUser(ctx context.Context, userID string) (bool, error)
	AllowEndpoint(ctx context.Context) (bool, error)
}

type DebitLimiter struct {
	enabled bool
	bucket  *TokenBucket

	userRate      float64
	userBurst     int
	endpointRate  float64
	endpointBurst int
}

func NewDebitLimiter(cfg config.Config) (Limiter, error) {
	limitCfg := cfg.RateLimit
	if !limitCfg.Enabled {
		return &DebitLimiter{}, nil
	}

	addr := strings.TrimSpace(limitCfg.RedisAddr)
	if addr == "" {
		return nil, errors.New("rate limit redis addr is required")
	}
	if limitCfg.DebitUserRate <= 0 || limitCfg.DebitUserBurst <= 0 {
		return nil, errors.New("debit user rate limit must be positive")
	}
	if limitCfg.DebitEndpointRate <= 0 || limitCfg.DebitEndpointBurst <= 0 {
		return nil, errors.New("debit endpoint rate limit must be positive")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: strings.TrimSpace(limitCfg.RedisPassword),
		DB:       limitCfg.RedisDB,
	})

	return &DebitLimiter{
		enabled:       true,
		bucket:        NewTokenBucket(client),
		userRate:      limitCfg.DebitUserRate,
		userBurst:     limitCfg.DebitUserBurst,
		endpointRate:  limitCfg.DebitEndpointRate,
		endpointBurst: limitCfg.DebitEndpointBurst,
	}, nil
}

func (l *DebitLimiter) Enabled() bool {
	return l != nil && l.enabled
}

func (l *DebitLimiter) AllowUser(ctx context.Context, userID string) (bool, error) {
	if !l.Enabled() {
		return true, nil
	}
	return l.bucket.Allow(ctx, fmt.Sprintf(keyDebitUser, strings.TrimSpace(userID)), l.userRate, l.userBurst)
}

func (l *DebitLimiter) AllowEndpoint(ctx context.Context) (bool, error) {
	if !l.Enabled() {
		return true, nil
	}
	return l.bucket.Allow(ctx, keyDebitEndpoint, l.endpointRate, l.endpointBurst)
}
