package validate

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// SideStore is the fast key-value store backing duplicate detection and
// rate limiting across engine instances. The validator treats it as
// best-effort: on outage, duplicate detection falls back closed to the
// process-local map and rate limiting fails open (see Debouncer.Seen
// and RateLimiter.Allow).
type SideStore interface {
	// MarkFingerprint records fp with a TTL and reports whether it was
	// already present (a duplicate within the window).
	MarkFingerprint(ctx context.Context, fp string, window time.Duration) (duplicate bool, err error)

	// CountEvent increments the event counter for key within a fixed
	// window that starts at the key's first event, and returns the count
	// including this event.
	CountEvent(ctx context.Context, key string, window time.Duration) (int64, error)

	Close() error
}

// RedisSideStore implements SideStore on go-redis. Fingerprints are
// SETNX-with-TTL keys; rate counts are INCR keys whose expiry is set on
// first increment.
type RedisSideStore struct {
	client *redis.Client
}

// NewRedisSideStore connects to addr (e.g. "localhost:6379") and pings
// the server to validate the connection before returning.
func NewRedisSideStore(addr string) (*RedisSideStore, error) {
	c := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("validate: redis ping failed: %w", err)
	}
	return &RedisSideStore{client: c}, nil
}

func (s *RedisSideStore) MarkFingerprint(ctx context.Context, fp string, window time.Duration) (bool, error) {
	set, err := s.client.SetNX(ctx, "dedupe:"+fp, "1", window).Result()
	if err != nil {
		return false, err
	}
	return !set, nil
}

func (s *RedisSideStore) CountEvent(ctx context.Context, key string, window time.Duration) (int64, error) {
	n, err := s.client.Incr(ctx, "rate:"+key).Result()
	if err != nil {
		return 0, err
	}
	if n == 1 {
		// First event in the window owns the expiry.
		if err := s.client.Expire(ctx, "rate:"+key, window).Err(); err != nil {
			return n, err
		}
	}
	return n, nil
}

func (s *RedisSideStore) Close() error {
	return s.client.Close()
}
