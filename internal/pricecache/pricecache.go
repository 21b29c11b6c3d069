// Package pricecache implements the shared, TTL-keyed price/error/route/
// interest/vault keyspace every price-reading component borrows from.
// The primary backend is Redis; an in-memory fallback implements the
// same interface with a janitor goroutine, so the engine runs without
// external infra in local/dev/paper-trading mode.
package pricecache

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"signaltrader/internal/domain"
	"signaltrader/internal/engineerr"
)

// 60s prices, 30s negative cache, 5min pre-graduation route hints, 24h
// post-graduation route hints, 60s interest, 1h prediction bookkeeping.
const (
	PriceTTL             = 60 * time.Second
	ErrorTTL             = 30 * time.Second
	RoutePreGradTTL      = 5 * time.Minute
	RoutePostGradTTL     = 24 * time.Hour
	InterestTTL          = 60 * time.Second
	PredictionBookTTL    = time.Hour
	MaxPredictionRetries = 3
)

// RouteHint is a cached pricing-path hint for a token.
type RouteHint struct {
	Hint      string `json:"hint"`      // e.g. "bondingCurve", "ammA", "ammB", "cpmm"
	VaultKind string `json:"vaultKind"` // which vault-reserve layout to read
}

// Cache is the interface every collaborator (PriceMonitor, AdmissionPipeline,
// TradeExecutor) reads through. Both backends below implement it.
type Cache interface {
	GetPrice(ctx context.Context, token domain.TokenId) (float64, bool, error)
	SetPrice(ctx context.Context, token domain.TokenId, price float64) error

	MarkError(ctx context.Context, token domain.TokenId) error
	HasError(ctx context.Context, token domain.TokenId) (bool, error)
	ClearError(ctx context.Context, token domain.TokenId) error

	GetRoute(ctx context.Context, token domain.TokenId) (RouteHint, bool, error)
	SetRoute(ctx context.Context, token domain.TokenId, hint RouteHint, postGraduation bool) error

	GetRouteVaults(ctx context.Context, kind string, token domain.TokenId) ([]byte, bool, error)
	SetRouteVaults(ctx context.Context, kind string, token domain.TokenId, blob []byte) error

	AddInterest(ctx context.Context, token domain.TokenId) error
	HasInterest(ctx context.Context, token domain.TokenId) (bool, error)
	ListInterest(ctx context.Context) ([]domain.TokenId, error)

	IncrPredictionRetries(ctx context.Context, token domain.TokenId) (int, error)
	MarkPredictionFailed(ctx context.Context, token domain.TokenId) error
	IsPredictionFailed(ctx context.Context, token domain.TokenId) (bool, error)

	// WritePriceBatch commits a resolved-token batch (price set + error
	// clear) in one round trip, the "grouped pipeline primitive" the fast
	// loop uses per tick.
	WritePriceBatch(ctx context.Context, prices map[domain.TokenId]float64) error
}

// Locker is the distributed lock TradeExecutor acquires before a buy.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	Unlock(ctx context.Context, key, token string) error
}

func keyPrice(token domain.TokenId) string { return "price:" + token }
func keyErr(token domain.TokenId) string   { return "err:" + token }
func keyRoute(token domain.TokenId) string { return "route:" + token }
func keyVault(kind string, token domain.TokenId) string {
	return "vault:" + kind + ":" + token
}
func keyInterest(token domain.TokenId) string       { return "interest:" + token }
func keyPredictRetries(token domain.TokenId) string { return "predict:retries:" + token }
func keyPredictFailed(token domain.TokenId) string  { return "predict:failed:" + token }

// New constructs the Redis-backed Cache when redisURL is non-empty, or the
// in-memory fallback otherwise.
func New(redisURL string) (Cache, error) {
	if redisURL == "" {
		return newMemCache(), nil
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, engineerr.Wrap(engineerr.Connection, fmt.Errorf("invalid redis URL: %w", err))
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, engineerr.Wrap(engineerr.Connection, fmt.Errorf("redis connection failed: %w", err))
	}

	log.Info().Str("url", redact(redisURL)).Msg("price cache connected to redis")
	return &redisCache{client: client}, nil
}

func redact(url string) string {
	return "redis://<redacted>"
}

// NewLocker builds the distributed lock companion to a Cache. Locking
// against the in-memory cache falls back to a process-local mutex table,
// since there is no second process to race with in that mode.
func NewLocker(c Cache) Locker {
	switch impl := c.(type) {
	case *redisCache:
		return &redisLocker{client: impl.client}
	case *memCache:
		return &memLocker{cache: impl}
	default:
		return &memLocker{cache: newMemCache()}
	}
}

// ---- Redis-backed implementation ----

type redisCache struct {
	client *redis.Client
}

func (c *redisCache) GetPrice(ctx context.Context, token domain.TokenId) (float64, bool, error) {
	v, err := c.client.Get(ctx, keyPrice(token)).Float64()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, engineerr.Wrap(engineerr.Connection, err)
	}
	return v, true, nil
}

func (c *redisCache) SetPrice(ctx context.Context, token domain.TokenId, price float64) error {
	if err := c.client.Set(ctx, keyPrice(token), price, PriceTTL).Err(); err != nil {
		return engineerr.Wrap(engineerr.Connection, err)
	}
	return nil
}

func (c *redisCache) MarkError(ctx context.Context, token domain.TokenId) error {
	if err := c.client.Set(ctx, keyErr(token), 1, ErrorTTL).Err(); err != nil {
		return engineerr.Wrap(engineerr.Connection, err)
	}
	return nil
}

func (c *redisCache) HasError(ctx context.Context, token domain.TokenId) (bool, error) {
	n, err := c.client.Exists(ctx, keyErr(token)).Result()
	if err != nil {
		return false, engineerr.Wrap(engineerr.Connection, err)
	}
	return n > 0, nil
}

func (c *redisCache) ClearError(ctx context.Context, token domain.TokenId) error {
	if err := c.client.Del(ctx, keyErr(token)).Err(); err != nil {
		return engineerr.Wrap(engineerr.Connection, err)
	}
	return nil
}

func (c *redisCache) GetRoute(ctx context.Context, token domain.TokenId) (RouteHint, bool, error) {
	raw, err := c.client.Get(ctx, keyRoute(token)).Bytes()
	if err == redis.Nil {
		return RouteHint{}, false, nil
	}
	if err != nil {
		return RouteHint{}, false, engineerr.Wrap(engineerr.Connection, err)
	}
	var hint RouteHint
	if err := json.Unmarshal(raw, &hint); err != nil {
		return RouteHint{}, false, engineerr.Wrap(engineerr.Store, err)
	}
	return hint, true, nil
}

func (c *redisCache) SetRoute(ctx context.Context, token domain.TokenId, hint RouteHint, postGraduation bool) error {
	ttl := RoutePreGradTTL
	if postGraduation {
		ttl = RoutePostGradTTL
	}
	raw, err := json.Marshal(hint)
	if err != nil {
		return engineerr.Wrap(engineerr.Store, err)
	}
	if err := c.client.Set(ctx, keyRoute(token), raw, ttl).Err(); err != nil {
		return engineerr.Wrap(engineerr.Connection, err)
	}
	return nil
}

func (c *redisCache) GetRouteVaults(ctx context.Context, kind string, token domain.TokenId) ([]byte, bool, error) {
	b64, err := c.client.Get(ctx, keyVault(kind, token)).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, engineerr.Wrap(engineerr.Connection, err)
	}
	blob, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, false, engineerr.Wrap(engineerr.Store, err)
	}
	return blob, true, nil
}

func (c *redisCache) SetRouteVaults(ctx context.Context, kind string, token domain.TokenId, blob []byte) error {
	enc := base64.StdEncoding.EncodeToString(blob)
	if err := c.client.Set(ctx, keyVault(kind, token), enc, RoutePostGradTTL).Err(); err != nil {
		return engineerr.Wrap(engineerr.Connection, err)
	}
	return nil
}

func (c *redisCache) AddInterest(ctx context.Context, token domain.TokenId) error {
	if err := c.client.Set(ctx, keyInterest(token), 1, InterestTTL).Err(); err != nil {
		return engineerr.Wrap(engineerr.Connection, err)
	}
	return nil
}

func (c *redisCache) HasInterest(ctx context.Context, token domain.TokenId) (bool, error) {
	n, err := c.client.Exists(ctx, keyInterest(token)).Result()
	if err != nil {
		return false, engineerr.Wrap(engineerr.Connection, err)
	}
	return n > 0, nil
}

func (c *redisCache) ListInterest(ctx context.Context) ([]domain.TokenId, error) {
	var tokens []domain.TokenId
	iter := c.client.Scan(ctx, 0, "interest:*", 0).Iterator()
	for iter.Next(ctx) {
		tokens = append(tokens, iter.Val()[len("interest:"):])
	}
	if err := iter.Err(); err != nil {
		return nil, engineerr.Wrap(engineerr.Connection, err)
	}
	return tokens, nil
}

func (c *redisCache) IncrPredictionRetries(ctx context.Context, token domain.TokenId) (int, error) {
	key := keyPredictRetries(token)
	n, err := c.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, engineerr.Wrap(engineerr.Connection, err)
	}
	if n == 1 {
		c.client.Expire(ctx, key, PredictionBookTTL)
	}
	return int(n), nil
}

func (c *redisCache) MarkPredictionFailed(ctx context.Context, token domain.TokenId) error {
	if err := c.client.Set(ctx, keyPredictFailed(token), 1, PredictionBookTTL).Err(); err != nil {
		return engineerr.Wrap(engineerr.Connection, err)
	}
	return nil
}

func (c *redisCache) IsPredictionFailed(ctx context.Context, token domain.TokenId) (bool, error) {
	n, err := c.client.Exists(ctx, keyPredictFailed(token)).Result()
	if err != nil {
		return false, engineerr.Wrap(engineerr.Connection, err)
	}
	return n > 0, nil
}

func (c *redisCache) WritePriceBatch(ctx context.Context, prices map[domain.TokenId]float64) error {
	pipe := c.client.Pipeline()
	for token, price := range prices {
		pipe.Set(ctx, keyPrice(token), price, PriceTTL)
		pipe.Del(ctx, keyErr(token))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return engineerr.Wrap(engineerr.Connection, err)
	}
	return nil
}

type redisLocker struct {
	client *redis.Client
}

func (l *redisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token := randomToken()
	ok, err := l.client.SetNX(ctx, "lock:"+key, token, ttl).Result()
	if err != nil {
		return "", false, engineerr.Wrap(engineerr.Connection, err)
	}
	return token, ok, nil
}

const unlockScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end`

func (l *redisLocker) Unlock(ctx context.Context, key, token string) error {
	if err := l.client.Eval(ctx, unlockScript, []string{"lock:" + key}, token).Err(); err != nil && err != redis.Nil {
		return engineerr.Wrap(engineerr.Connection, err)
	}
	return nil
}

func randomToken() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Sprintf("fallback-%d", time.Now().UnixNano())
	}
	return base64.RawURLEncoding.EncodeToString(b[:])
}

// ---- in-memory fallback ----

type memEntry struct {
	value     any
	expiresAt time.Time
}

type memCache struct {
	mu      sync.Mutex
	entries map[string]memEntry
}

func newMemCache() *memCache {
	m := &memCache{entries: make(map[string]memEntry)}
	go m.janitor()
	return m
}

func (m *memCache) janitor() {
	for range time.Tick(time.Second) {
		now := time.Now()
		m.mu.Lock()
		for k, e := range m.entries {
			if now.After(e.expiresAt) {
				delete(m.entries, k)
			}
		}
		m.mu.Unlock()
	}
}

func (m *memCache) set(key string, value any, ttl time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = memEntry{value: value, expiresAt: time.Now().Add(ttl)}
}

func (m *memCache) get(key string) (any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok || time.Now().After(e.expiresAt) {
		return nil, false
	}
	return e.value, true
}

func (m *memCache) del(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
}

func (m *memCache) GetPrice(ctx context.Context, token domain.TokenId) (float64, bool, error) {
	v, ok := m.get(keyPrice(token))
	if !ok {
		return 0, false, nil
	}
	return v.(float64), true, nil
}

func (m *memCache) SetPrice(ctx context.Context, token domain.TokenId, price float64) error {
	m.set(keyPrice(token), price, PriceTTL)
	return nil
}

func (m *memCache) MarkError(ctx context.Context, token domain.TokenId) error {
	m.set(keyErr(token), true, ErrorTTL)
	return nil
}

func (m *memCache) HasError(ctx context.Context, token domain.TokenId) (bool, error) {
	_, ok := m.get(keyErr(token))
	return ok, nil
}

func (m *memCache) ClearError(ctx context.Context, token domain.TokenId) error {
	m.del(keyErr(token))
	return nil
}

func (m *memCache) GetRoute(ctx context.Context, token domain.TokenId) (RouteHint, bool, error) {
	v, ok := m.get(keyRoute(token))
	if !ok {
		return RouteHint{}, false, nil
	}
	return v.(RouteHint), true, nil
}

func (m *memCache) SetRoute(ctx context.Context, token domain.TokenId, hint RouteHint, postGraduation bool) error {
	ttl := RoutePreGradTTL
	if postGraduation {
		ttl = RoutePostGradTTL
	}
	m.set(keyRoute(token), hint, ttl)
	return nil
}

func (m *memCache) GetRouteVaults(ctx context.Context, kind string, token domain.TokenId) ([]byte, bool, error) {
	v, ok := m.get(keyVault(kind, token))
	if !ok {
		return nil, false, nil
	}
	return v.([]byte), true, nil
}

func (m *memCache) SetRouteVaults(ctx context.Context, kind string, token domain.TokenId, blob []byte) error {
	m.set(keyVault(kind, token), blob, RoutePostGradTTL)
	return nil
}

func (m *memCache) AddInterest(ctx context.Context, token domain.TokenId) error {
	m.set(keyInterest(token), true, InterestTTL)
	return nil
}

func (m *memCache) HasInterest(ctx context.Context, token domain.TokenId) (bool, error) {
	_, ok := m.get(keyInterest(token))
	return ok, nil
}

func (m *memCache) ListInterest(ctx context.Context) ([]domain.TokenId, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var tokens []domain.TokenId
	now := time.Now()
	const prefix = "interest:"
	for k, e := range m.entries {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix && now.Before(e.expiresAt) {
			tokens = append(tokens, k[len(prefix):])
		}
	}
	return tokens, nil
}

func (m *memCache) IncrPredictionRetries(ctx context.Context, token domain.TokenId) (int, error) {
	key := keyPredictRetries(token)
	v, ok := m.get(key)
	n := 0
	if ok {
		n = v.(int)
	}
	n++
	m.set(key, n, PredictionBookTTL)
	return n, nil
}

func (m *memCache) MarkPredictionFailed(ctx context.Context, token domain.TokenId) error {
	m.set(keyPredictFailed(token), true, PredictionBookTTL)
	return nil
}

func (m *memCache) IsPredictionFailed(ctx context.Context, token domain.TokenId) (bool, error) {
	_, ok := m.get(keyPredictFailed(token))
	return ok, nil
}

func (m *memCache) WritePriceBatch(ctx context.Context, prices map[domain.TokenId]float64) error {
	for token, price := range prices {
		m.set(keyPrice(token), price, PriceTTL)
		m.del(keyErr(token))
	}
	return nil
}

// memLocker is a process-local stand-in for the distributed lock, correct
// within a single process (which is all the in-memory cache mode ever
// runs as).
type memLocker struct {
	cache *memCache
}

func (l *memLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token := randomToken()
	l.cache.mu.Lock()
	defer l.cache.mu.Unlock()
	lockKey := "lock:" + key
	if e, ok := l.cache.entries[lockKey]; ok && time.Now().Before(e.expiresAt) {
		return "", false, nil
	}
	l.cache.entries[lockKey] = memEntry{value: token, expiresAt: time.Now().Add(ttl)}
	return token, true, nil
}

func (l *memLocker) Unlock(ctx context.Context, key, token string) error {
	l.cache.mu.Lock()
	defer l.cache.mu.Unlock()
	lockKey := "lock:" + key
	if e, ok := l.cache.entries[lockKey]; ok && e.value == token {
		delete(l.cache.entries, lockKey)
	}
	return nil
}
