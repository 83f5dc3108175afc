package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultL1MaxTTL          = time.Minute
	DefaultInvalidateChannel = "cache:invalidate"

	fillTimeout = 30 * time.Second
)

// Cache is the read-through contract used by every query path.
type Cache interface {
	Get(ctx context.Context, key string, dest any) (bool, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	GetOrSet(ctx context.Context, key string, ttl time.Duration, dest any, factory func(ctx context.Context) (any, error)) error
	Remove(ctx context.Context, key string) error
	RemoveByPrefix(ctx context.Context, prefix string) error
}

type Options struct {
	L1MaxTTL time.Duration
	Channel  string
	Logger   *zerolog.Logger
}

// TwoTier layers a process-local Memory over Redis. With a nil client it
// runs on L1 alone.
type TwoTier struct {
	l1         *Memory
	rdb        redis.UniversalClient
	l1MaxTTL   time.Duration
	channel    string
	instanceID string
	log        zerolog.Logger

	group singleflight.Group
	epoch atomic.Uint64
}

type invalidation struct {
	Origin string `json:"origin"`
	Prefix string `json:"prefix,omitempty"`
	Key    string `json:"key,omitempty"`
}

func New(rdb redis.UniversalClient, opts Options) *TwoTier {
	if opts.L1MaxTTL <= 0 {
		opts.L1MaxTTL = DefaultL1MaxTTL
	}
	if opts.Channel == "" {
		opts.Channel = DefaultInvalidateChannel
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &TwoTier{
		l1:         NewMemory(),
		rdb:        rdb,
		l1MaxTTL:   opts.L1MaxTTL,
		channel:    opts.Channel,
		instanceID: uuid.NewString(),
		log:        logger.With().Str("component", "cache").Logger(),
	}
}

// Local exposes L1 for housekeeping jobs.
func (c *TwoTier) Local() *Memory { return c.l1 }

func (c *TwoTier) Get(ctx context.Context, key string, dest any) (bool, error) {
	if raw, ok := c.l1.Get(key); ok {
		return true, decode(key, raw, dest)
	}
	raw, remaining, ok := c.readL2(ctx, key)
	if !ok {
		return false, nil
	}
	c.l1.Set(key, raw, c.l1TTL(c.l1MaxTTL, remaining))
	return true, decode(key, raw, dest)
}

func (c *TwoTier) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode cache value %s: %w", key, err)
	}
	return c.store(ctx, key, raw, ttl)
}

func (c *TwoTier) GetOrSet(ctx context.Context, key string, ttl time.Duration, dest any, factory func(ctx context.Context) (any, error)) error {
	if raw, ok := c.l1.Get(key); ok {
		return decode(key, raw, dest)
	}
	if raw, remaining, ok := c.readL2(ctx, key); ok {
		c.l1.Set(key, raw, c.l1TTL(ttl, remaining))
		return decode(key, raw, dest)
	}

	started := c.epoch.Load()
	// The fill is shared by every caller waiting on key, so it must not die
	// with the one that happened to start it.
	ch := c.group.DoChan(key, func() (any, error) {
		fillCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), fillTimeout)
		defer cancel()
		value, err := factory(fillCtx)
		if err != nil {
			return nil, err
		}
		raw, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("encode cache value %s: %w", key, err)
		}
		// An invalidation ran while the factory was computing; the value
		// may predate it, so hand it to the caller without caching it.
		if c.epoch.Load() != started {
			return raw, nil
		}
		if err := c.store(fillCtx, key, raw, ttl); err != nil {
			c.log.Warn().Err(err).Str("key", key).Msg("cache fill degraded to L1")
		}
		return raw, nil
	})

	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return res.Err
		}
		return decode(key, res.Val.([]byte), dest)
	}
}

func (c *TwoTier) Remove(ctx context.Context, key string) error {
	c.epoch.Add(1)
	c.l1.Delete(key)
	c.group.Forget(key)
	if c.rdb == nil {
		return nil
	}

	pipe := c.rdb.TxPipeline()
	pipe.Del(ctx, key)
	for _, p := range ancestorPrefixes(key) {
		pipe.SRem(ctx, indexKey(p), key)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("remove cache key %s: %w", key, err)
	}
	c.publish(ctx, invalidation{Key: key})
	return nil
}

// removePrefixScript takes the index key as KEYS[1], the index key prefix
// as ARGV[1] and the key separator as ARGV[2]. It returns the removed keys.
// SREM drops an index set once it is empty.
var removePrefixScript = redis.NewScript(`
local members = redis.call('SMEMBERS', KEYS[1])
for _, k in ipairs(members) do
	redis.call('DEL', k)
	local pos = 1
	while true do
		local s = string.find(k, ARGV[2], pos, true)
		if not s then break end
		redis.call('SREM', ARGV[1] .. string.sub(k, 1, s - 1), k)
		pos = s + 1
	end
end
return members
`)

// RemoveByPrefix drops every key under "prefix:" from both tiers using the
// key registry instead of scanning the keyspace.
func (c *TwoTier) RemoveByPrefix(ctx context.Context, prefix string) error {
	prefix = normalizePrefix(prefix)
	if prefix == "" {
		return errors.New("cache prefix is required")
	}

	c.epoch.Add(1)
	c.l1.DeletePrefix(prefix)
	if c.rdb == nil {
		return nil
	}

	// Reading the index, deleting its keys and pruning them from every
	// ancestor index happen in one script. A key written concurrently is
	// either removed here or stays indexed for the next invalidation.
	keys, err := removePrefixScript.Run(ctx, c.rdb, []string{indexKey(prefix)}, indexKeyPrefix, keySeparator).StringSlice()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("remove cache prefix %s: %w", prefix, err)
	}
	for _, k := range keys {
		c.group.Forget(k)
	}

	c.publish(ctx, invalidation{Prefix: prefix})
	return nil
}

// Listen applies invalidations published by other instances to the local
// tier. It blocks until ctx is done.
func (c *TwoTier) Listen(ctx context.Context) error {
	if c.rdb == nil {
		return nil
	}
	sub := c.rdb.Subscribe(ctx, c.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", c.channel, err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			c.applyRemote(msg.Payload)
		}
	}
}

func (c *TwoTier) applyRemote(payload string) {
	var inv invalidation
	if err := json.Unmarshal([]byte(payload), &inv); err != nil {
		c.log.Warn().Err(err).Msg("drop malformed invalidation message")
		return
	}
	if inv.Origin == c.instanceID {
		return
	}
	c.epoch.Add(1)
	switch {
	case inv.Prefix != "":
		c.l1.DeletePrefix(inv.Prefix)
	case inv.Key != "":
		c.l1.Delete(inv.Key)
	}
}

func (c *TwoTier) publish(ctx context.Context, inv invalidation) {
	inv.Origin = c.instanceID
	b, _ := json.Marshal(inv)
	if err := c.rdb.Publish(ctx, c.channel, b).Err(); err != nil {
		c.log.Warn().Err(err).Str("prefix", inv.Prefix).Str("key", inv.Key).Msg("publish cache invalidation")
	}
}

func (c *TwoTier) store(ctx context.Context, key string, raw []byte, ttl time.Duration) error {
	c.l1.Set(key, raw, c.l1TTL(ttl, 0))
	if c.rdb == nil {
		return nil
	}

	pipe := c.rdb.TxPipeline()
	pipe.Set(ctx, key, raw, ttl)
	for _, p := range ancestorPrefixes(key) {
		pipe.SAdd(ctx, indexKey(p), key)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("write cache key %s: %w", key, err)
	}
	return nil
}

func (c *TwoTier) readL2(ctx context.Context, key string) ([]byte, time.Duration, bool) {
	if c.rdb == nil {
		return nil, 0, false
	}

	pipe := c.rdb.Pipeline()
	getCmd := pipe.Get(ctx, key)
	ttlCmd := pipe.PTTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		c.log.Warn().Err(err).Str("key", key).Msg("cache L2 read failed, treating as miss")
		return nil, 0, false
	}

	raw, err := getCmd.Bytes()
	if err != nil {
		return nil, 0, false
	}
	return raw, ttlCmd.Val(), true
}

// l1TTL caps the local lifetime so L1 never outlives the shared entry.
func (c *TwoTier) l1TTL(ttl, remaining time.Duration) time.Duration {
	out := c.l1MaxTTL
	if ttl > 0 && ttl < out {
		out = ttl
	}
	if remaining > 0 && remaining < out {
		out = remaining
	}
	return out
}

func decode(key string, raw []byte, dest any) error {
	if dest == nil {
		return nil
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return fmt.Errorf("decode cache value %s: %w", key, err)
	}
	return nil
}

// Fetch is the typed form of GetOrSet.
func Fetch[T any](ctx context.Context, c Cache, key string, ttl time.Duration, factory func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := c.GetOrSet(ctx, key, ttl, &out, func(ctx context.Context) (any, error) {
		return factory(ctx)
	})
	return out, err
}
