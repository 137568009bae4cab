package cache

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	entryPrefix = "lcr:route:"
	indexPrefix = "lcr:idx:"
	genPrefix   = "lcr:gen:"
)

// setIfGeneration writes an entry and its index membership only while the
// organization's generation still equals ARGV[1].
// KEYS: generation, entry, index. ARGV: generation, body, ttl ms, index ttl
// ms, index member.
var setIfGeneration = redis.NewScript(`
local cur = redis.call('GET', KEYS[1]) or '0'
if cur ~= ARGV[1] then
  return 0
end
redis.call('SET', KEYS[2], ARGV[2], 'PX', ARGV[3])
redis.call('SADD', KEYS[3], ARGV[5])
redis.call('PEXPIRE', KEYS[3], ARGV[4])
return 1
`)

// RedisBackend shares entries and generations between router instances. Every
// key is also recorded in a per-organization index set so invalidation can
// find it.
type RedisBackend struct {
	client *redis.Client
}

func NewRedisBackend(client *redis.Client) *RedisBackend {
	return &RedisBackend{client: client}
}

func (r *RedisBackend) Get(ctx context.Context, key string) (*Entry, bool, error) {
	raw, err := r.client.Get(ctx, entryPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, false, err
	}
	return &e, true, nil
}

func (r *RedisBackend) SetIfGeneration(ctx context.Context, key string, e *Entry, ttl time.Duration, gen uint64) (bool, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return false, err
	}
	keys := []string{genPrefix + e.Org, entryPrefix + key, indexPrefix + e.Org}
	n, err := setIfGeneration.Run(ctx, r.client, keys,
		strconv.FormatUint(gen, 10), body, ttl.Milliseconds(), (2 * ttl).Milliseconds(), key).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *RedisBackend) Generation(ctx context.Context, org string) (uint64, error) {
	gen, err := r.client.Get(ctx, genPrefix+org).Uint64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return gen, err
}

func (r *RedisBackend) Bump(ctx context.Context, org string) (uint64, error) {
	gen, err := r.client.Incr(ctx, genPrefix+org).Result()
	return uint64(gen), err
}

// DeleteMatching walks the organization's index. Members whose entry already
// expired are dropped from the index on the way.
func (r *RedisBackend) DeleteMatching(ctx context.Context, org string, match func(*Entry) bool) (int, error) {
	index := indexPrefix + org
	keys, err := r.client.SMembers(ctx, index).Result()
	if err != nil {
		return 0, err
	}

	var doomed, stale []string
	for _, key := range keys {
		e, ok, err := r.Get(ctx, key)
		if err != nil {
			return 0, err
		}
		switch {
		case !ok:
			stale = append(stale, key)
		case match(e):
			doomed = append(doomed, key)
		}
	}
	if len(doomed) == 0 && len(stale) == 0 {
		return 0, nil
	}

	_, err = r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		if len(doomed) > 0 {
			full := make([]string, len(doomed))
			for i, k := range doomed {
				full[i] = entryPrefix + k
			}
			p.Del(ctx, full...)
		}
		members := make([]interface{}, 0, len(doomed)+len(stale))
		for _, k := range append(doomed, stale...) {
			members = append(members, k)
		}
		p.SRem(ctx, index, members...)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(doomed), nil
}
