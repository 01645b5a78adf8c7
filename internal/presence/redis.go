package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mmuslimabdulj/board-presence/internal/domain"
)

// Key layout (prefix defaults to "presence"):
//
//	<prefix>:gen           generation counter
//	<prefix>:version       bumped whenever the set of users changes
//	<prefix>:users         set of present user ids
//	<prefix>:user:<id>     hash: data, owner, gen, board, cx, cy (expires)
//	<prefix>:conn:<key>    hash: uid, gen (expires)
//
// Entry and connection hashes expire unless refreshed, so users held by an
// instance that died disappear after one TTL. Scripts touch keys that are not
// declared in KEYS, so this layout is for a single Redis node, not a cluster.

var upsertScript = redis.NewScript(`
local ckey = ARGV[5] .. ':conn:' .. ARGV[1]
local dropped = ''
local prev = redis.call('HGET', ckey, 'uid')
if prev and prev ~= ARGV[2] then
  local pkey = ARGV[5] .. ':user:' .. prev
  if redis.call('HGET', pkey, 'owner') == ARGV[1] then
    redis.call('DEL', pkey)
    redis.call('SREM', KEYS[2], prev)
    dropped = prev
  end
end
local gen = tostring(redis.call('INCR', KEYS[1]))
local ukey = ARGV[5] .. ':user:' .. ARGV[2]
redis.call('DEL', ukey)
redis.call('HSET', ukey, 'data', ARGV[3], 'owner', ARGV[1], 'gen', gen, 'board', ARGV[4])
if ARGV[6] ~= '' then
  redis.call('HSET', ukey, 'cx', ARGV[6], 'cy', ARGV[7])
end
redis.call('PEXPIRE', ukey, ARGV[8])
redis.call('SADD', KEYS[2], ARGV[2])
redis.call('HSET', ckey, 'uid', ARGV[2], 'gen', gen)
redis.call('PEXPIRE', ckey, ARGV[8])
redis.call('INCR', KEYS[3])
return {gen, dropped}
`)

var updateCursorScript = redis.NewScript(`
local ckey = ARGV[2] .. ':conn:' .. ARGV[1]
local uid = redis.call('HGET', ckey, 'uid')
if not uid then
  return 0
end
local ukey = ARGV[2] .. ':user:' .. uid
if redis.call('EXISTS', ukey) == 0 then
  return 0
end
redis.call('HSET', ukey, 'cx', ARGV[3], 'cy', ARGV[4], 'board', ARGV[5])
redis.call('PEXPIRE', ukey, ARGV[6])
redis.call('PEXPIRE', ckey, ARGV[6])
return 1
`)

var removeScript = redis.NewScript(`
local ckey = ARGV[3] .. ':conn:' .. ARGV[1]
local uid = redis.call('HGET', ckey, 'uid')
if not uid then
  return 0
end
redis.call('DEL', ckey)
local ukey = ARGV[3] .. ':user:' .. uid
local gen = redis.call('HGET', ukey, 'gen')
local owner = redis.call('HGET', ukey, 'owner')
if gen ~= ARGV[2] or owner ~= ARGV[1] then
  return 0
end
redis.call('DEL', ukey)
redis.call('SREM', KEYS[1], uid)
redis.call('INCR', KEYS[2])
return 1
`)

var refreshScript = redis.NewScript(`
local n = 0
for i = 3, #ARGV do
  local ckey = ARGV[1] .. ':conn:' .. ARGV[i]
  local uid = redis.call('HGET', ckey, 'uid')
  if uid then
    redis.call('PEXPIRE', ckey, ARGV[2])
    n = n + redis.call('PEXPIRE', ARGV[1] .. ':user:' .. uid, ARGV[2])
  end
end
return n
`)

var pruneScript = redis.NewScript(`
local removed = 0
for _, uid in ipairs(redis.call('SMEMBERS', KEYS[1])) do
  if redis.call('EXISTS', ARGV[1] .. ':user:' .. uid) == 0 then
    redis.call('SREM', KEYS[1], uid)
    removed = removed + 1
  end
end
if removed > 0 then
  redis.call('INCR', KEYS[2])
end
return removed
`)

// RedisRegistry shares the presence table between server instances. Each
// instance keeps its own RedisRegistry so TakeDirty tracks the changes that
// instance has not seen yet.
type RedisRegistry struct {
	client *redis.Client
	prefix string
	ttl    time.Duration

	mu   sync.Mutex
	seen int64
}

// NewRedisRegistry wraps an existing client. An empty prefix means "presence".
func NewRedisRegistry(client *redis.Client, prefix string) *RedisRegistry {
	if prefix == "" {
		prefix = "presence"
	}
	return &RedisRegistry{client: client, prefix: prefix, ttl: domain.RegistryEntryTTL}
}

// SetTTL sets how long an entry survives without a cursor move or Refresh
func (r *RedisRegistry) SetTTL(ttl time.Duration) {
	if ttl > 0 {
		r.ttl = ttl
	}
}

// TTL returns the entry lifetime
func (r *RedisRegistry) TTL() time.Duration {
	return r.ttl
}

func (r *RedisRegistry) key(parts ...string) string {
	k := r.prefix
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func (r *RedisRegistry) ttlArg() string {
	return strconv.FormatInt(r.ttl.Milliseconds(), 10)
}

// Upsert implements Registry
func (r *RedisRegistry) Upsert(ctx context.Context, key string, user domain.User) (Upserted, error) {
	identity := user.Clone()
	identity.Cursor = nil
	identity.BoardID = ""
	data, err := json.Marshal(identity)
	if err != nil {
		return Upserted{}, fmt.Errorf("marshal user: %w", err)
	}

	cx, cy := "", ""
	if user.Cursor != nil {
		cx = formatCoord(user.Cursor.X)
		cy = formatCoord(user.Cursor.Y)
	}

	keys := []string{r.key("gen"), r.key("users"), r.key("version")}
	reply, err := upsertScript.Run(ctx, r.client, keys,
		key, user.ID, string(data), user.BoardID, r.prefix, cx, cy, r.ttlArg()).StringSlice()
	if err != nil {
		return Upserted{}, fmt.Errorf("upsert %s: %w", key, err)
	}
	if len(reply) != 2 {
		return Upserted{}, fmt.Errorf("upsert %s: unexpected reply %v", key, reply)
	}

	gen, err := strconv.ParseUint(reply[0], 10, 64)
	if err != nil {
		return Upserted{}, fmt.Errorf("upsert %s: %w", key, err)
	}
	return Upserted{Generation: gen, Dropped: reply[1]}, nil
}

// UpdateCursor implements Registry
func (r *RedisRegistry) UpdateCursor(ctx context.Context, key string, cursor domain.Cursor, boardID string) (bool, error) {
	n, err := updateCursorScript.Run(ctx, r.client, nil,
		key, r.prefix, formatCoord(cursor.X), formatCoord(cursor.Y), boardID, r.ttlArg()).Int()
	if err != nil {
		return false, fmt.Errorf("update cursor %s: %w", key, err)
	}
	return n == 1, nil
}

// Remove implements Registry
func (r *RedisRegistry) Remove(ctx context.Context, key string, gen uint64) (bool, error) {
	keys := []string{r.key("users"), r.key("version")}
	n, err := removeScript.Run(ctx, r.client, keys,
		key, strconv.FormatUint(gen, 10), r.prefix).Int()
	if err != nil {
		return false, fmt.Errorf("remove %s: %w", key, err)
	}
	return n == 1, nil
}

// Refresh implements Registry
func (r *RedisRegistry) Refresh(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	args := make([]interface{}, 0, len(keys)+2)
	args = append(args, r.prefix, r.ttlArg())
	for _, k := range keys {
		args = append(args, k)
	}
	if err := refreshScript.Run(ctx, r.client, nil, args...).Err(); err != nil {
		return fmt.Errorf("refresh: %w", err)
	}
	return nil
}

// Prune implements Registry
func (r *RedisRegistry) Prune(ctx context.Context) (int, error) {
	n, err := pruneScript.Run(ctx, r.client, []string{r.key("users"), r.key("version")}, r.prefix).Int()
	if err != nil {
		return 0, fmt.Errorf("prune: %w", err)
	}
	return n, nil
}

// Snapshot implements Registry
func (r *RedisRegistry) Snapshot(ctx context.Context, excluding string) ([]Entry, error) {
	return r.collect(ctx, excluding, "")
}

// OnBoard implements Registry
func (r *RedisRegistry) OnBoard(ctx context.Context, boardID, excluding string) ([]Entry, error) {
	if boardID == "" {
		return nil, nil
	}
	return r.collect(ctx, excluding, boardID)
}

// TakeDirty implements Registry. It compares the shared version counter
// with the last value this registry saw.
func (r *RedisRegistry) TakeDirty(ctx context.Context) (bool, error) {
	v, err := r.client.Get(ctx, r.key("version")).Int64()
	if errors.Is(err, redis.Nil) {
		v, err = 0, nil
	}
	if err != nil {
		return false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if v == r.seen {
		return false, nil
	}
	r.seen = v
	return true, nil
}

// Count implements Registry. Expired entries are pruned first.
func (r *RedisRegistry) Count(ctx context.Context) (int, error) {
	if _, err := r.Prune(ctx); err != nil {
		return 0, err
	}
	n, err := r.client.SCard(ctx, r.key("users")).Result()
	return int(n), err
}

func (r *RedisRegistry) collect(ctx context.Context, excluding, boardID string) ([]Entry, error) {
	selfID, err := r.client.HGet(ctx, r.key("conn", excluding), "uid").Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	ids, err := r.client.SMembers(ctx, r.key("users")).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := r.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, r.key("user", id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}

	out := make([]Entry, 0, len(ids))
	for i, id := range ids {
		fields := cmds[i].Val()
		if len(fields) == 0 {
			// Removed or expired; Prune drops the id from the set
			continue
		}
		if fields["owner"] == excluding || (selfID != "" && id == selfID) {
			continue
		}
		if boardID != "" && fields["board"] != boardID {
			continue
		}

		entry, err := decodeEntry(fields)
		if err != nil {
			continue
		}
		out = append(out, entry)
	}
	sortEntries(out)
	return out, nil
}

func decodeEntry(fields map[string]string) (Entry, error) {
	var user domain.User
	if err := json.Unmarshal([]byte(fields["data"]), &user); err != nil {
		return Entry{}, err
	}
	user.BoardID = fields["board"]

	if cx, ok := fields["cx"]; ok {
		x, errX := strconv.ParseFloat(cx, 64)
		y, errY := strconv.ParseFloat(fields["cy"], 64)
		if errX == nil && errY == nil {
			user.Cursor = &domain.Cursor{X: x, Y: y}
		}
	}

	gen, _ := strconv.ParseUint(fields["gen"], 10, 64)
	return Entry{Key: fields["owner"], Generation: gen, User: user}, nil
}

func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
