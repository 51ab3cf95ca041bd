// Package statecache mirrors the latest register snapshot into Redis so other
// services can read the controller state without speaking its protocol.
//
// Keys are nbe:snapshot:{serial} and values are JSON documents. Every write
// carries a TTL, and each successful poll extends it with Touch, so the key
// only expires once the bridge stops reaching the controller.
package statecache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nerrad567/nbe-bridge/internal/infrastructure/config"
	"github.com/nerrad567/nbe-bridge/internal/registers"
)

const keyPrefix = "nbe:snapshot:"

// ErrUnavailable is returned by Connect when Redis cannot be reached.
var ErrUnavailable = errors.New("statecache: redis unavailable")

// Record is the stored form of one snapshot.
type Record struct {
	Serial    string           `json:"serial"`
	Version   uint64           `json:"version"`
	UpdatedAt time.Time        `json:"updated_at"`
	Values    registers.Values `json:"values"`
}

// Cache reads and writes snapshot records.
type Cache struct {
	rdb redis.Cmdable
	ttl time.Duration
}

// New wraps an existing Redis client. A ttl of zero stores keys without
// expiry.
func New(rdb redis.Cmdable, ttl time.Duration) *Cache {
	return &Cache{rdb: rdb, ttl: ttl}
}

// Connect creates a Redis client from cfg and verifies it with PING.
// The caller owns the returned client and must close it.
func Connect(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("%w: %s: %v", ErrUnavailable, cfg.Addr, err)
	}
	return rdb, nil
}

func key(serial string) string { return keyPrefix + serial }

// Put stores snap under serial.
func (c *Cache) Put(ctx context.Context, serial string, snap *registers.Snapshot) error {
	if serial == "" {
		return errors.New("statecache: serial is required")
	}
	b, err := encode(serial, snap)
	if err != nil {
		return err
	}
	if err := c.rdb.Set(ctx, key(serial), b, c.ttl).Err(); err != nil {
		return fmt.Errorf("storing snapshot %s: %w", serial, err)
	}
	return nil
}

// Touch extends the expiry of the record for serial without rewriting it.
// It reports false when there is no record to extend, so the caller can
// store a fresh one.
func (c *Cache) Touch(ctx context.Context, serial string) (bool, error) {
	if c.ttl <= 0 {
		n, err := c.rdb.Exists(ctx, key(serial)).Result()
		if err != nil {
			return false, fmt.Errorf("checking snapshot %s: %w", serial, err)
		}
		return n == 1, nil
	}
	ok, err := c.rdb.Expire(ctx, key(serial), c.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("extending snapshot %s: %w", serial, err)
	}
	return ok, nil
}

// Get returns the stored record for serial, or nil if there is none.
func (c *Cache) Get(ctx context.Context, serial string) (*Record, error) {
	b, err := c.rdb.Get(ctx, key(serial)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil //nolint:nilnil // absent key is not an error
	}
	if err != nil {
		return nil, fmt.Errorf("loading snapshot %s: %w", serial, err)
	}
	return decode(b)
}

// Delete removes the record for serial.
func (c *Cache) Delete(ctx context.Context, serial string) error {
	return c.rdb.Del(ctx, key(serial)).Err()
}

func encode(serial string, snap *registers.Snapshot) ([]byte, error) {
	rec := Record{
		Serial:    serial,
		Version:   snap.Version(),
		UpdatedAt: snap.UpdatedAt().UTC(),
		Values:    snap.Values(),
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encoding snapshot %s: %w", serial, err)
	}
	return b, nil
}

func decode(b []byte) (*Record, error) {
	var rec Record
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, fmt.Errorf("decoding snapshot: %w", err)
	}
	if rec.Values == nil {
		rec.Values = registers.Values{}
	}
	return &rec, nil
}
