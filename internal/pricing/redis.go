package pricing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// DefaultPriceKey is the Redis hash holding token -> decimal price strings.
const DefaultPriceKey = "ledger:prices"

// NewRedisClient connects and pings, failing fast when Redis is unreachable.
func NewRedisClient(addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return rdb, nil
}

// RedisSource reads prices from a Redis hash so operators can update them without a restart.
type RedisSource struct {
	client *redis.Client
	key    string
}

func NewRedisSource(client *redis.Client, key string) *RedisSource {
	if key == "" {
		key = DefaultPriceKey
	}
	return &RedisSource{client: client, key: key}
}

func (s *RedisSource) Price(ctx context.Context, token string) (decimal.Decimal, bool, error) {
	raw, err := s.client.HGet(ctx, s.key, strings.ToUpper(token)).Result()
	if errors.Is(err, redis.Nil) {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("redis price %s: %w", token, err)
	}

	p, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("redis price %s: malformed %q: %w", token, raw, err)
	}
	return p, true, nil
}

// SetPrices writes prices into the hash.
func (s *RedisSource) SetPrices(ctx context.Context, prices map[string]decimal.Decimal) error {
	if len(prices) == 0 {
		return nil
	}
	fields := make(map[string]interface{}, len(prices))
	for token, p := range prices {
		fields[strings.ToUpper(token)] = p.String()
	}
	return s.client.HSet(ctx, s.key, fields).Err()
}

// Ping reports whether Redis answers.
func (s *RedisSource) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
