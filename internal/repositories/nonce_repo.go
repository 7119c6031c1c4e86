package repositories

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrNonceNotFound = errors.New("nonce not found or expired")

// NonceRepo keeps one pending login nonce per wallet in Redis.
type NonceRepo struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewNonceRepo(rdb *redis.Client, ttl time.Duration) *NonceRepo {
	return &NonceRepo{rdb: rdb, ttl: ttl}
}

func nonceKey(address string) string {
	return fmt.Sprintf("auth:nonce:%s", strings.ToLower(address))
}

func (r *NonceRepo) Put(ctx context.Context, address, nonce string) error {
	return r.rdb.Set(ctx, nonceKey(address), nonce, r.ttl).Err()
}

// Take returns the pending nonce and deletes it, so each nonce verifies at most once.
func (r *NonceRepo) Take(ctx context.Context, address string) (string, error) {
	nonce, err := r.rdb.GetDel(ctx, nonceKey(address)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNonceNotFound
	}
	return nonce, err
}
