package caching

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const keyPrefix = "stockledger"

// CacheService is the read-through cache in front of the ledger. It is never
// the source of truth: entries are written after reads and deleted after any
// committed change.
type CacheService interface {
	GetQuantity(ctx context.Context, productID uuid.UUID) (int, bool, error)
	SetQuantity(ctx context.Context, productID uuid.UUID, quantity int, ttl time.Duration) error
	DeleteQuantity(ctx context.Context, productID uuid.UUID) error
	InvalidateAll(ctx context.Context) error

	// Rate limiting
	IsRateLimited(ctx context.Context, key string, limit int, window time.Duration) (bool, error)

	Ping(ctx context.Context) error
	Close() error
}

type redisCacheService struct {
	client *redis.Client
}

func NewRedisCacheService(addr, password string, db int) CacheService {
	// accept redis://host:port as well as host:port
	parsedAddr := strings.TrimPrefix(strings.TrimPrefix(addr, "redis://"), "rediss://")

	client := redis.NewClient(&redis.Options{
		Addr:     parsedAddr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		log.Warn().Err(err).Str("addr", parsedAddr).Msg("redis ping failed on initialization")
	} else {
		log.Debug().Str("addr", parsedAddr).Msg("redis connection established")
	}

	return &redisCacheService{client: client}
}

func quantityKey(productID uuid.UUID) string {
	return fmt.Sprintf("%s:qty:%s", keyPrefix, productID.String())
}

func (r *redisCacheService) GetQuantity(ctx context.Context, productID uuid.UUID) (int, bool, error) {
	val, err := r.client.Get(ctx, quantityKey(productID)).Result()
	if err != nil {
		if err == redis.Nil {
			return 0, false, nil // cache miss
		}
		return 0, false, err
	}
	qty, err := strconv.Atoi(val)
	if err != nil {
		return 0, false, fmt.Errorf("corrupt cached quantity %q: %w", val, err)
	}
	return qty, true, nil
}

func (r *redisCacheService) SetQuantity(ctx context.Context, productID uuid.UUID, quantity int, ttl time.Duration) error {
	return r.client.Set(ctx, quantityKey(productID), quantity, ttl).Err()
}

func (r *redisCacheService) DeleteQuantity(ctx context.Context, productID uuid.UUID) error {
	return r.client.Del(ctx, quantityKey(productID)).Err()
}

func (r *redisCacheService) InvalidateAll(ctx context.Context) error {
	var cursor uint64
	for {
		keys, next, err := r.client.Scan(ctx, cursor, keyPrefix+":qty:*", 500).Result()
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			if err := r.client.Del(ctx, keys...).Err(); err != nil {
				return err
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

func (r *redisCacheService) IsRateLimited(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	cacheKey := fmt.Sprintf("%s:ratelimit:%s", keyPrefix, key)
	count, err := r.client.Incr(ctx, cacheKey).Result()
	if err != nil {
		return false, err
	}

	// Set expiry on first request
	if count == 1 {
		r.client.Expire(ctx, cacheKey, window)
	}

	return count > int64(limit), nil
}

func (r *redisCacheService) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *redisCacheService) Close() error {
	return r.client.Close()
}

type memoryEntry struct {
	value   int
	expires time.Time
}

type memoryCacheService struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemoryCacheService is a process-local cache for single-node deployments
// and tests.
func NewMemoryCacheService() CacheService {
	return &memoryCacheService{entries: make(map[string]memoryEntry), now: time.Now}
}

func (m *memoryCacheService) get(key string) (int, bool) {
	e, ok := m.entries[key]
	if !ok {
		return 0, false
	}
	if !e.expires.IsZero() && m.now().After(e.expires) {
		delete(m.entries, key)
		return 0, false
	}
	return e.value, true
}

func (m *memoryCacheService) set(key string, value int, ttl time.Duration) {
	e := memoryEntry{value: value}
	if ttl > 0 {
		e.expires = m.now().Add(ttl)
	}
	m.entries[key] = e
}

func (m *memoryCacheService) GetQuantity(_ context.Context, productID uuid.UUID) (int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	qty, ok := m.get(quantityKey(productID))
	return qty, ok, nil
}

func (m *memoryCacheService) SetQuantity(_ context.Context, productID uuid.UUID, quantity int, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.set(quantityKey(productID), quantity, ttl)
	return nil
}

func (m *memoryCacheService) DeleteQuantity(_ context.Context, productID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, quantityKey(productID))
	return nil
}

func (m *memoryCacheService) InvalidateAll(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.entries {
		if strings.HasPrefix(k, keyPrefix+":qty:") {
			delete(m.entries, k)
		}
	}
	return nil
}

func (m *memoryCacheService) IsRateLimited(_ context.Context, key string, limit int, window time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := fmt.Sprintf("%s:ratelimit:%s", keyPrefix, key)
	count, ok := m.get(k)
	if !ok {
		m.set(k, 1, window)
		return 1 > limit, nil
	}
	e := m.entries[k]
	e.value = count + 1
	m.entries[k] = e
	return e.value > limit, nil
}

func (m *memoryCacheService) Ping(context.Context) error { return nil }

func (m *memoryCacheService) Close() error { return nil }
