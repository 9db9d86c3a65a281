// Package redis is a Store backed by Redis. Every operation that touches
// claim state runs as a Lua script, which Redis executes atomically, and all
// timestamps come from the server's TIME so racing hosts share one clock.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/aridsondez/leaseq/internal/queue"
	"github.com/aridsondez/leaseq/internal/queue/store"
)

var _ store.Store = (*Store)(nil)

// DefaultPrefix namespaces every key the store writes.
const DefaultPrefix = "leaseq"

// scanBatch is how many index entries a script reads per ZRANGEBYSCORE call.
const scanBatch = 128

type Options struct {
	Prefix string
}

type Store struct {
	rdb    goredis.UniversalClient
	prefix string

	enqueue *goredis.Script
	claim   *goredis.Script
	peek    *goredis.Script
	delete  *goredis.Script
	count   *goredis.Script
	clear   *goredis.Script
}

// New builds the store and its scripts. The client belongs to the caller.
func New(rdb goredis.UniversalClient, opts Options) *Store {
	if opts.Prefix == "" {
		opts.Prefix = DefaultPrefix
	}
	return &Store{
		rdb:     rdb,
		prefix:  opts.Prefix,
		enqueue: goredis.NewScript(luaNow + luaEnqueue),
		claim:   goredis.NewScript(luaNow + luaClaim),
		peek:    goredis.NewScript(luaNow + luaPeek),
		delete:  goredis.NewScript(luaNow + luaDelete),
		count:   goredis.NewScript(luaNow + luaCount),
		clear:   goredis.NewScript(luaClear),
	}
}

const luaNow = `
local t = redis.call('TIME')
local now = tonumber(t[1]) * 1000 + math.floor(tonumber(t[2]) / 1000)
`

// KEYS: seq, queues, idx. ARGV: msg prefix, queue, content, ttl ms.
const luaEnqueue = `
local id = redis.call('INCR', KEYS[1])
local key = ARGV[1] .. id
redis.call('HSET', key, 'c', ARGV[3], 'e', now)
local ttl = tonumber(ARGV[4])
if ttl > 0 then
  redis.call('HSET', key, 'x', now + ttl)
  redis.call('PEXPIREAT', key, now + ttl)
end
redis.call('ZADD', KEYS[3], id, id)
redis.call('SADD', KEYS[2], ARGV[2])
return {id, now}
`

// KEYS: idx. ARGV: msg prefix, limit, visibility ms, batch, receipts...
// Returns {id, content, enqueued, visible, receipt, expires} per claimed row.
const luaClaim = `
local limit = tonumber(ARGV[2])
local vis = tonumber(ARGV[3])
local batch = tonumber(ARGV[4])
local out = {}
local last = '-inf'
while #out < limit do
  local ids = redis.call('ZRANGEBYSCORE', KEYS[1], last, '+inf', 'LIMIT', 0, batch)
  if #ids == 0 then break end
  for _, id in ipairs(ids) do
    last = '(' .. id
    if #out >= limit then break end
    local key = ARGV[1] .. id
    local f = redis.call('HMGET', key, 'c', 'e', 'v', 'x')
    if not f[1] then
      redis.call('ZREM', KEYS[1], id)
    else
      local v = tonumber(f[3])
      local x = tonumber(f[4])
      if (x == nil or x > now) and (v == nil or v <= now) then
        local r = ARGV[5 + #out]
        redis.call('HSET', key, 'v', now + vis, 'r', r)
        out[#out + 1] = {id, f[1], f[2], now + vis, r, f[4] or ''}
      end
    end
  end
end
return out
`

// KEYS: idx. ARGV: msg prefix, limit, batch.
// Returns {id, content, enqueued, visible, expires} per row.
const luaPeek = `
local limit = tonumber(ARGV[2])
local batch = tonumber(ARGV[3])
local out = {}
local last = '-inf'
while #out < limit do
  local ids = redis.call('ZRANGEBYSCORE', KEYS[1], last, '+inf', 'LIMIT', 0, batch)
  if #ids == 0 then break end
  for _, id in ipairs(ids) do
    last = '(' .. id
    if #out >= limit then break end
    local f = redis.call('HMGET', ARGV[1] .. id, 'c', 'e', 'v', 'x')
    local x = tonumber(f[4])
    if f[1] and (x == nil or x > now) then
      out[#out + 1] = {id, f[1], f[2], f[3] or '', f[4] or ''}
    end
  end
end
return out
`

// KEYS: idx, msg. ARGV: receipt, id. Returns 0 ok, 1 not found, 2 lost.
const luaDelete = `
if redis.call('EXISTS', KEYS[2]) == 0 then
  return 1
end
local x = tonumber(redis.call('HGET', KEYS[2], 'x'))
if x ~= nil and x <= now then
  return 1
end
if redis.call('HGET', KEYS[2], 'r') ~= ARGV[1] then
  return 2
end
redis.call('DEL', KEYS[2])
redis.call('ZREM', KEYS[1], ARGV[2])
return 0
`

// KEYS: idx. ARGV: msg prefix. Drops index entries whose hash has expired
// and returns {live, removed}.
const luaCount = `
local live, removed = 0, 0
for _, id in ipairs(redis.call('ZRANGE', KEYS[1], 0, -1)) do
  local x = tonumber(redis.call('HGET', ARGV[1] .. id, 'x'))
  if redis.call('EXISTS', ARGV[1] .. id) == 0 then
    redis.call('ZREM', KEYS[1], id)
    removed = removed + 1
  elseif x ~= nil and x <= now then
    redis.call('DEL', ARGV[1] .. id)
    redis.call('ZREM', KEYS[1], id)
    removed = removed + 1
  else
    live = live + 1
  end
end
return {live, removed}
`

// KEYS: idx, queues. ARGV: msg prefix, queue.
const luaClear = `
for _, id in ipairs(redis.call('ZRANGE', KEYS[1], 0, -1)) do
  redis.call('DEL', ARGV[1] .. id)
end
redis.call('DEL', KEYS[1])
redis.call('SREM', KEYS[2], ARGV[2])
return 0
`

func (s *Store) seqKey() string    { return s.prefix + ":seq" }
func (s *Store) queuesKey() string { return s.prefix + ":queues" }
func (s *Store) idxKey(q string) string {
	return s.prefix + ":q:" + q + ":idx"
}
func (s *Store) msgPrefix(q string) string {
	return s.prefix + ":q:" + q + ":m:"
}

func (s *Store) Enqueue(ctx context.Context, queueName string, content []byte, ttl time.Duration) (queue.Message, error) {
	if content == nil {
		content = []byte{}
	}
	res, err := s.enqueue.Run(ctx, s.rdb,
		[]string{s.seqKey(), s.queuesKey(), s.idxKey(queueName)},
		s.msgPrefix(queueName), queueName, content, ceilMillis(ttl),
	).Slice()
	if err != nil {
		return queue.Message{}, fmt.Errorf("redis: enqueue: %w", err)
	}
	if len(res) != 2 {
		return queue.Message{}, fmt.Errorf("redis: enqueue: unexpected reply %v", res)
	}
	id, err := toInt64(res[0])
	if err != nil {
		return queue.Message{}, fmt.Errorf("redis: enqueue: %w", err)
	}
	nowMs, err := toInt64(res[1])
	if err != nil {
		return queue.Message{}, fmt.Errorf("redis: enqueue: %w", err)
	}

	enqueuedAt := time.UnixMilli(nowMs)
	return queue.Message{
		ID:         id,
		Queue:      queueName,
		Content:    content,
		EnqueuedAt: enqueuedAt,
		ExpiresAt:  queue.ExpiryFor(enqueuedAt, time.Duration(ceilMillis(ttl))*time.Millisecond),
	}, nil
}

func (s *Store) Claim(ctx context.Context, opts queue.ClaimOptions) ([]queue.Message, error) {
	out := []queue.Message{}
	if opts.Limit <= 0 {
		return out, nil
	}

	// One receipt per slot; the script consumes them in order.
	args := make([]interface{}, 0, 4+opts.Limit)
	args = append(args, s.msgPrefix(opts.Queue), opts.Limit, ceilMillis(opts.Visibility), scanBatch)
	for i := 0; i < opts.Limit; i++ {
		args = append(args, uuid.NewString())
	}

	rows, err := s.claim.Run(ctx, s.rdb, []string{s.idxKey(opts.Queue)}, args...).Slice()
	if err != nil {
		return nil, fmt.Errorf("redis: claim: %w", err)
	}
	for _, row := range rows {
		f, ok := row.([]interface{})
		if !ok || len(f) != 6 {
			return nil, fmt.Errorf("redis: claim: unexpected row %v", row)
		}
		m, err := decodeRow(opts.Queue, f[0], f[1], f[2], f[3], f[5])
		if err != nil {
			return nil, fmt.Errorf("redis: claim: %w", err)
		}
		r, err := uuid.Parse(fmt.Sprint(f[4]))
		if err != nil {
			return nil, fmt.Errorf("redis: claim: receipt: %w", err)
		}
		m.PopReceipt = &r
		out = append(out, m)
	}
	return out, nil
}

func (s *Store) Peek(ctx context.Context, queueName string, limit int) ([]queue.Message, error) {
	out := []queue.Message{}
	if limit <= 0 {
		return out, nil
	}
	rows, err := s.peek.Run(ctx, s.rdb, []string{s.idxKey(queueName)},
		s.msgPrefix(queueName), limit, scanBatch,
	).Slice()
	if err != nil {
		return nil, fmt.Errorf("redis: peek: %w", err)
	}
	for _, row := range rows {
		f, ok := row.([]interface{})
		if !ok || len(f) != 5 {
			return nil, fmt.Errorf("redis: peek: unexpected row %v", row)
		}
		m, err := decodeRow(queueName, f[0], f[1], f[2], f[3], f[4])
		if err != nil {
			return nil, fmt.Errorf("redis: peek: %w", err)
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *Store) Delete(ctx context.Context, queueName string, id int64, receipt uuid.UUID) (queue.DeleteResult, error) {
	idStr := strconv.FormatInt(id, 10)
	code, err := s.delete.Run(ctx, s.rdb,
		[]string{s.idxKey(queueName), s.msgPrefix(queueName) + idStr},
		receipt.String(), idStr,
	).Int()
	if err != nil {
		return queue.DeleteNotFound, fmt.Errorf("redis: delete: %w", err)
	}
	switch code {
	case 0:
		return queue.DeleteOK, nil
	case 2:
		return queue.DeleteLostOwnership, nil
	default:
		return queue.DeleteNotFound, nil
	}
}

func (s *Store) Count(ctx context.Context, queueName string) (int64, error) {
	live, _, err := s.sweep(ctx, queueName)
	if err != nil {
		return 0, fmt.Errorf("redis: count: %w", err)
	}
	return live, nil
}

func (s *Store) Clear(ctx context.Context, queueName string) error {
	err := s.clear.Run(ctx, s.rdb, []string{s.idxKey(queueName), s.queuesKey()},
		s.msgPrefix(queueName), queueName,
	).Err()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return fmt.Errorf("redis: clear: %w", err)
	}
	return nil
}

// Purge drops expired messages and the index entries Redis already
// expired on its own.
func (s *Store) Purge(ctx context.Context) (int64, error) {
	queues, err := s.rdb.SMembers(ctx, s.queuesKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("redis: purge: %w", err)
	}
	var total int64
	for _, q := range queues {
		_, removed, err := s.sweep(ctx, q)
		if err != nil {
			return total, fmt.Errorf("redis: purge %s: %w", q, err)
		}
		total += removed
	}
	return total, nil
}

// Close is a no-op; the client is closed by whoever created it.
func (s *Store) Close() error { return nil }

func (s *Store) sweep(ctx context.Context, queueName string) (live, removed int64, err error) {
	res, err := s.count.Run(ctx, s.rdb, []string{s.idxKey(queueName)}, s.msgPrefix(queueName)).Slice()
	if err != nil {
		return 0, 0, err
	}
	if len(res) != 2 {
		return 0, 0, fmt.Errorf("unexpected reply %v", res)
	}
	if live, err = toInt64(res[0]); err != nil {
		return 0, 0, err
	}
	if removed, err = toInt64(res[1]); err != nil {
		return 0, 0, err
	}
	return live, removed, nil
}

func decodeRow(queueName string, id, content, enqueued, visible, expires interface{}) (queue.Message, error) {
	var m queue.Message
	var err error

	m.Queue = queueName
	if m.ID, err = toInt64(id); err != nil {
		return m, fmt.Errorf("id: %w", err)
	}
	m.Content = []byte(fmt.Sprint(content))

	ms, err := toInt64(enqueued)
	if err != nil {
		return m, fmt.Errorf("enqueued: %w", err)
	}
	m.EnqueuedAt = time.UnixMilli(ms)

	if m.VisibleAt, err = optionalMillis(visible); err != nil {
		return m, fmt.Errorf("visible: %w", err)
	}
	if m.ExpiresAt, err = optionalMillis(expires); err != nil {
		return m, fmt.Errorf("expires: %w", err)
	}
	return m, nil
}

func optionalMillis(v interface{}) (*time.Time, error) {
	if s, ok := v.(string); ok && s == "" {
		return nil, nil
	}
	ms, err := toInt64(v)
	if err != nil {
		return nil, err
	}
	t := time.UnixMilli(ms)
	return &t, nil
}

// ceilMillis rounds d up to whole milliseconds, the resolution of every
// timestamp the scripts store. Non-positive durations map to 0.
func ceilMillis(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64((d + time.Millisecond - 1) / time.Millisecond)
}

func toInt64(v interface{}) (int64, error) {
	switch x := v.(type) {
	case int64:
		return x, nil
	case string:
		return strconv.ParseInt(x, 10, 64)
	default:
		return 0, fmt.Errorf("unexpected value %T(%v)", v, v)
	}
}
