package querycache

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// Keys live under a hash-tagged prefix ({qc} by default) so every key of a
// store maps to one Cluster slot and the scripts may build keys from ARGV.
//
// Each entry is a hash at <prefix>:entry:<fingerprint> with fields
// q (query text), r (result JSON), c and e (created/expires, unix micros),
// h (hit count) and cat (category). <prefix>:entries indexes fingerprints,
// <prefix>:cat:<category> indexes members of a category and
// <prefix>:categories lists known categories.

var hitScript = redis.NewScript(`
local e = redis.call('HGET', KEYS[1], 'e')
if not e then
	return false
end
if tonumber(e) <= tonumber(ARGV[1]) then
	return false
end
redis.call('HINCRBY', KEYS[1], 'h', 1)
return redis.call('HGETALL', KEYS[1])
`)

var upsertScript = redis.NewScript(`
local prefix, fp, cat = ARGV[1], ARGV[2], ARGV[7]
local old = redis.call('HGET', KEYS[1], 'cat')
if old and old ~= '' and old ~= cat then
	local oldKey = prefix .. ':cat:' .. old
	redis.call('SREM', oldKey, fp)
	if redis.call('SCARD', oldKey) == 0 then
		redis.call('SREM', KEYS[3], old)
	end
end
redis.call('HSET', KEYS[1], 'q', ARGV[3], 'r', ARGV[4], 'c', ARGV[5], 'e', ARGV[6], 'cat', cat)
redis.call('HSETNX', KEYS[1], 'h', 1)
redis.call('SADD', KEYS[2], fp)
if cat ~= '' then
	redis.call('SADD', prefix .. ':cat:' .. cat, fp)
	redis.call('SADD', KEYS[3], cat)
end
return 1
`)

var deleteCategoryScript = redis.NewScript(`
local prefix, target, mode = ARGV[1], ARGV[2], ARGV[3]
local cats = {}
if mode == 'prefix' then
	for _, c in ipairs(redis.call('SMEMBERS', KEYS[2])) do
		if c == target or string.sub(c, 1, #target + 1) == target .. ':' then
			cats[#cats + 1] = c
		end
	end
else
	cats[1] = target
end
local n = 0
for _, c in ipairs(cats) do
	local setKey = prefix .. ':cat:' .. c
	for _, fp in ipairs(redis.call('SMEMBERS', setKey)) do
		n = n + redis.call('DEL', prefix .. ':entry:' .. fp)
		redis.call('SREM', KEYS[1], fp)
	end
	redis.call('DEL', setKey)
	redis.call('SREM', KEYS[2], c)
end
return n
`)

var deleteExpiredScript = redis.NewScript(`
local prefix, now = ARGV[1], tonumber(ARGV[2])
local n = 0
for _, fp in ipairs(redis.call('SMEMBERS', KEYS[1])) do
	local key = prefix .. ':entry:' .. fp
	local vals = redis.call('HMGET', key, 'e', 'cat')
	if not vals[1] then
		redis.call('SREM', KEYS[1], fp)
	elseif tonumber(vals[1]) <= now then
		n = n + redis.call('DEL', key)
		redis.call('SREM', KEYS[1], fp)
		if vals[2] and vals[2] ~= '' then
			local setKey = prefix .. ':cat:' .. vals[2]
			redis.call('SREM', setKey, fp)
			if redis.call('SCARD', setKey) == 0 then
				redis.call('SREM', KEYS[2], vals[2])
			end
		end
	end
end
return n
`)

var deleteAllScript = redis.NewScript(`
local prefix = ARGV[1]
local n = 0
for _, fp in ipairs(redis.call('SMEMBERS', KEYS[1])) do
	n = n + redis.call('DEL', prefix .. ':entry:' .. fp)
end
for _, c in ipairs(redis.call('SMEMBERS', KEYS[2])) do
	redis.call('DEL', prefix .. ':cat:' .. c)
end
redis.call('DEL', KEYS[1], KEYS[2])
return n
`)

// RedisStore keeps entries in Redis hashes. Expired entries stay until swept,
// matching the relational store.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore creates a store using keys under prefix. A prefix without a
// hash tag is wrapped in braces.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "qc"
	}
	if !hasHashTag(prefix) {
		prefix = "{" + prefix + "}"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func hasHashTag(key string) bool {
	start := strings.IndexByte(key, '{')
	if start < 0 {
		return false
	}
	end := strings.IndexByte(key[start+1:], '}')
	return end > 0
}

func (s *RedisStore) entryKey(fingerprint string) string {
	return fmt.Sprintf("%s:entry:%s", s.prefix, fingerprint)
}

func (s *RedisStore) entriesKey() string {
	return s.prefix + ":entries"
}

func (s *RedisStore) categoriesKey() string {
	return s.prefix + ":categories"
}

// Hit returns the live entry and increments its hit count atomically
func (s *RedisStore) Hit(ctx context.Context, fingerprint string, now time.Time) (*Entry, error) {
	vals, err := hitScript.Run(ctx, s.client,
		[]string{s.entryKey(fingerprint)}, now.UnixMicro()).StringSlice()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "failed to read cache entry")
	}

	fields := make(map[string]string, len(vals)/2)
	for i := 0; i+1 < len(vals); i += 2 {
		fields[vals[i]] = vals[i+1]
	}
	return s.parseEntry(fingerprint, fields)
}

func (s *RedisStore) parseEntry(fingerprint string, fields map[string]string) (*Entry, error) {
	records, err := decodeResult([]byte(fields["r"]))
	if err != nil {
		return nil, &SerializationError{Op: "decode result", Err: err}
	}
	created, err := strconv.ParseInt(fields["c"], 10, 64)
	if err != nil {
		return nil, errors.Wrap(err, "invalid created timestamp")
	}
	expires, err := strconv.ParseInt(fields["e"], 10, 64)
	if err != nil {
		return nil, errors.Wrap(err, "invalid expiry timestamp")
	}
	hits, err := strconv.ParseInt(fields["h"], 10, 64)
	if err != nil {
		return nil, errors.Wrap(err, "invalid hit count")
	}

	return &Entry{
		Fingerprint: fingerprint,
		QueryText:   fields["q"],
		Result:      records,
		CreatedAt:   time.UnixMicro(created).UTC(),
		ExpiresAt:   time.UnixMicro(expires).UTC(),
		HitCount:    hits,
		Category:    categoryPtr(fields["cat"]),
	}, nil
}

// Upsert replaces the entry fields and re-indexes its category
func (s *RedisStore) Upsert(ctx context.Context, entry *Entry) error {
	payload, err := encodeResult(entry.Result)
	if err != nil {
		return &SerializationError{Op: "encode result", Err: err}
	}

	err = upsertScript.Run(ctx, s.client,
		[]string{s.entryKey(entry.Fingerprint), s.entriesKey(), s.categoriesKey()},
		s.prefix,
		entry.Fingerprint,
		entry.QueryText,
		string(payload),
		entry.CreatedAt.UnixMicro(),
		entry.ExpiresAt.UnixMicro(),
		entry.CategoryName(),
	).Err()
	if err != nil {
		return errors.Wrap(err, "failed to upsert cache entry")
	}
	return nil
}

// DeleteByCategory removes entries whose category equals category
func (s *RedisStore) DeleteByCategory(ctx context.Context, category string) (int64, error) {
	return s.deleteCategories(ctx, category, "exact")
}

// DeleteByCategoryPrefix removes entries tagged table or table:<sub>
func (s *RedisStore) DeleteByCategoryPrefix(ctx context.Context, table string) (int64, error) {
	return s.deleteCategories(ctx, table, "prefix")
}

func (s *RedisStore) deleteCategories(ctx context.Context, target, mode string) (int64, error) {
	n, err := deleteCategoryScript.Run(ctx, s.client,
		[]string{s.entriesKey(), s.categoriesKey()}, s.prefix, target, mode).Int64()
	if err != nil {
		return 0, errors.Wrap(err, "failed to delete cache category")
	}
	return n, nil
}

// DeleteExpired removes entries with an expiry at or before now
func (s *RedisStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	n, err := deleteExpiredScript.Run(ctx, s.client,
		[]string{s.entriesKey(), s.categoriesKey()}, s.prefix, now.UnixMicro()).Int64()
	if err != nil {
		return 0, errors.Wrap(err, "failed to sweep expired cache entries")
	}
	return n, nil
}

// DeleteAll removes every entry and index under the prefix
func (s *RedisStore) DeleteAll(ctx context.Context) (int64, error) {
	n, err := deleteAllScript.Run(ctx, s.client,
		[]string{s.entriesKey(), s.categoriesKey()}, s.prefix).Int64()
	if err != nil {
		return 0, errors.Wrap(err, "failed to clear cache")
	}
	return n, nil
}

// Stats reads every indexed entry in one pipeline. The result is a snapshot,
// not an atomic view.
func (s *RedisStore) Stats(ctx context.Context, now time.Time) (Stats, error) {
	fps, err := s.client.SMembers(ctx, s.entriesKey()).Result()
	if err != nil {
		return Stats{}, errors.Wrap(err, "failed to list cache entries")
	}
	if len(fps) == 0 {
		return Stats{}, nil
	}

	cmds := make([]*redis.SliceCmd, len(fps))
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, fp := range fps {
			cmds[i] = pipe.HMGet(ctx, s.entryKey(fp), "q", "r", "c", "e", "h")
		}
		return nil
	})
	if err != nil {
		return Stats{}, errors.Wrap(err, "failed to read cache entries")
	}

	var stats Stats
	nowMicro := now.UnixMicro()
	for _, cmd := range cmds {
		vals := cmd.Val()
		if len(vals) != 5 || vals[2] == nil {
			continue
		}
		q, _ := vals[0].(string)
		r, _ := vals[1].(string)
		created, _ := strconv.ParseInt(fmt.Sprint(vals[2]), 10, 64)
		expires, _ := strconv.ParseInt(fmt.Sprint(vals[3]), 10, 64)
		hits, _ := strconv.ParseInt(fmt.Sprint(vals[4]), 10, 64)

		stats.TotalEntries++
		stats.TotalHits += hits
		stats.ApproximateSizeBytes += int64(len(q) + len(r))
		if expires <= nowMicro {
			stats.ExpiredEntries++
		}

		createdAt := time.UnixMicro(created).UTC()
		if stats.OldestEntry == nil || createdAt.Before(*stats.OldestEntry) {
			t := createdAt
			stats.OldestEntry = &t
		}
		if stats.NewestEntry == nil || createdAt.After(*stats.NewestEntry) {
			t := createdAt
			stats.NewestEntry = &t
		}
	}
	if stats.TotalEntries > 0 {
		stats.AvgHitsPerEntry = float64(stats.TotalHits) / float64(stats.TotalEntries)
	}
	return stats, nil
}
