package store

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisPrefix = "mailnotify"

// Every multi-key mutation runs as a Lua script, so each one is atomic with
// respect to the others. Scripts touch keys derived from record contents,
// which limits this backend to a single Redis node.
var (
	insertScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then return 0 end
redis.call('HSET', KEYS[1],
  'account_id', ARGV[1], 'message_id', ARGV[2], 'sender', ARGV[3],
  'subject', ARGV[4], 'preview', ARGV[5], 'first_seen', ARGV[6],
  'sink_handle', ARGV[7], 'handled', ARGV[8], 'handled_at', ARGV[9],
  'delivery_attempts', ARGV[10])
redis.call('SADD', KEYS[4], ARGV[1])
redis.call('HINCRBY', KEYS[3], 'total', 1)
if ARGV[8] == '1' then
  redis.call('HINCRBY', KEYS[3], 'handled', 1)
  redis.call('ZADD', KEYS[5], ARGV[12], KEYS[1])
elseif ARGV[7] == '' then
  redis.call('ZADD', KEYS[2], ARGV[11], KEYS[1])
  redis.call('HINCRBY', KEYS[3], 'undelivered', 1)
end
return 1`)

	setHandleScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
if redis.call('HGET', KEYS[1], 'sink_handle') == ARGV[1] then return 0 end
redis.call('HSET', KEYS[1], 'sink_handle', ARGV[1])
if redis.call('ZREM', KEYS[2], KEYS[1]) == 1 then
  redis.call('HINCRBY', KEYS[3], 'undelivered', -1)
end
return 1`)

	markHandledScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
if redis.call('HGET', KEYS[1], 'handled') == '1' then return 0 end
redis.call('HSET', KEYS[1], 'handled', '1', 'handled_at', ARGV[1])
redis.call('ZADD', KEYS[2], ARGV[2], KEYS[1])
if redis.call('ZREM', KEYS[3], KEYS[1]) == 1 then
  redis.call('HINCRBY', KEYS[4], 'undelivered', -1)
end
redis.call('HINCRBY', KEYS[4], 'handled', 1)
return 1`)

	purgeScript = redis.NewScript(`
local members = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
for _, m in ipairs(members) do
  local acct = redis.call('HGET', m, 'account_id')
  redis.call('DEL', m)
  redis.call('ZREM', KEYS[1], m)
  if acct then
    redis.call('HINCRBY', ARGV[2] .. acct, 'total', -1)
    redis.call('HINCRBY', ARGV[2] .. acct, 'handled', -1)
  end
end
return #members`)

	attemptScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
return redis.call('HINCRBY', KEYS[1], 'delivery_attempts', 1)`)
)

// RedisOptions addresses a Redis server.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// RedisStore implements Store on Redis hashes. Handled and undelivered
// records are indexed in sorted sets scored by Unix milliseconds.
type RedisStore struct {
	client *redis.Client
	now    func() time.Time
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ro RedisOptions, opts ...Option) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     ro.Addr,
		Password: ro.Password,
		DB:       ro.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("pinging redis %s: %w", ro.Addr, err)
	}
	return NewRedisStoreFromClient(client, opts...), nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client, opts ...Option) *RedisStore {
	o := buildOptions(opts)
	return &RedisStore{client: client, now: o.now}
}

// Close closes the Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func msgKey(k Key) string {
	return redisPrefix + ":msg:" + url.QueryEscape(k.AccountID) + ":" + url.QueryEscape(k.MessageID)
}

func statsKey(account string) string {
	return statsPrefix() + account
}

func statsPrefix() string    { return redisPrefix + ":stats:" }
func accountsKey() string    { return redisPrefix + ":accounts" }
func handledKey() string     { return redisPrefix + ":handled" }
func undeliveredKey() string { return redisPrefix + ":undelivered" }

// Exists reports whether a record with key is stored.
func (s *RedisStore) Exists(ctx context.Context, key Key) (bool, error) {
	n, err := s.client.Exists(ctx, msgKey(key)).Result()
	if err != nil {
		return false, storageErr("exists", err)
	}
	return n == 1, nil
}

// Get loads one record.
func (s *RedisStore) Get(ctx context.Context, key Key) (MessageRecord, error) {
	return s.getByRedisKey(ctx, msgKey(key))
}

func (s *RedisStore) getByRedisKey(ctx context.Context, rkey string) (MessageRecord, error) {
	fields, err := s.client.HGetAll(ctx, rkey).Result()
	if err != nil {
		return MessageRecord{}, storageErr("get", err)
	}
	if len(fields) == 0 {
		return MessageRecord{}, ErrNotFound
	}
	return recordFromHash(fields)
}

func recordFromHash(f map[string]string) (MessageRecord, error) {
	firstSeen, err := strconv.ParseInt(f["first_seen"], 10, 64)
	if err != nil {
		return MessageRecord{}, storageErr("decode", fmt.Errorf("first_seen: %w", err))
	}
	attempts, _ := strconv.Atoi(f["delivery_attempts"])
	rec := MessageRecord{
		Key:              Key{AccountID: f["account_id"], MessageID: f["message_id"]},
		Sender:           f["sender"],
		Subject:          f["subject"],
		Preview:          f["preview"],
		FirstSeen:        time.Unix(0, firstSeen).UTC(),
		SinkHandle:       f["sink_handle"],
		Handled:          f["handled"] == "1",
		DeliveryAttempts: attempts,
	}
	if rec.Handled {
		ns, err := strconv.ParseInt(f["handled_at"], 10, 64)
		if err != nil {
			return MessageRecord{}, storageErr("decode", fmt.Errorf("handled_at: %w", err))
		}
		t := time.Unix(0, ns).UTC()
		rec.HandledAt = &t
	}
	return rec, nil
}

// Insert stores a new record.
func (s *RedisStore) Insert(ctx context.Context, rec MessageRecord) error {
	if err := rec.validate(); err != nil {
		return err
	}
	rec = rec.sanitized()
	if rec.FirstSeen.IsZero() {
		rec.FirstSeen = s.now()
	}
	handled, handledAtNs, handledAtMs := "0", "", "0"
	if rec.HandledAt != nil {
		handled = "1"
		handledAtNs = strconv.FormatInt(rec.HandledAt.UnixNano(), 10)
		handledAtMs = strconv.FormatInt(rec.HandledAt.UnixMilli(), 10)
	}

	n, err := insertScript.Run(ctx, s.client,
		[]string{msgKey(rec.Key), undeliveredKey(), statsKey(rec.AccountID), accountsKey(), handledKey()},
		rec.AccountID, rec.MessageID, rec.Sender, rec.Subject, rec.Preview,
		strconv.FormatInt(rec.FirstSeen.UnixNano(), 10), rec.SinkHandle, handled,
		handledAtNs, rec.DeliveryAttempts,
		rec.FirstSeen.UnixMilli(), handledAtMs,
	).Int()
	if err != nil {
		return storageErr("insert", err)
	}
	if n == 0 {
		return ErrDuplicateKey
	}
	return nil
}

// SetSinkHandle records the sink handle for key.
func (s *RedisStore) SetSinkHandle(ctx context.Context, key Key, handle string) error {
	n, err := setHandleScript.Run(ctx, s.client,
		[]string{msgKey(key), undeliveredKey(), statsKey(key.AccountID)},
		handle,
	).Int()
	if err != nil {
		return storageErr("set sink handle", err)
	}
	if n < 0 {
		return ErrNotFound
	}
	return nil
}

// MarkHandled flips handled to true; the script decides the single winner.
func (s *RedisStore) MarkHandled(ctx context.Context, key Key) (bool, MessageRecord, error) {
	now := s.now()
	n, err := markHandledScript.Run(ctx, s.client,
		[]string{msgKey(key), handledKey(), undeliveredKey(), statsKey(key.AccountID)},
		now.UnixNano(), now.UnixMilli(),
	).Int()
	if err != nil {
		return false, MessageRecord{}, storageErr("mark handled", err)
	}
	if n < 0 {
		return false, MessageRecord{}, ErrNotFound
	}
	rec, err := s.Get(ctx, key)
	if err != nil {
		return false, MessageRecord{}, err
	}
	return n == 1, rec, nil
}

// PurgeHandledOlderThan deletes handled records handled before t
// (millisecond resolution).
func (s *RedisStore) PurgeHandledOlderThan(ctx context.Context, t time.Time) (int64, error) {
	n, err := purgeScript.Run(ctx, s.client,
		[]string{handledKey()},
		"("+strconv.FormatInt(t.UnixMilli(), 10), statsPrefix(),
	).Int64()
	if err != nil {
		return 0, storageErr("purge", err)
	}
	return n, nil
}

// ListUndelivered returns records still waiting for a sink handle.
func (s *RedisStore) ListUndelivered(
	ctx context.Context,
	seenAfter, seenBefore time.Time,
	maxAttempts, limit int,
) ([]MessageRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []MessageRecord
	for offset := int64(0); len(out) < limit; offset += int64(limit) {
		keys, err := s.client.ZRangeByScore(ctx, undeliveredKey(), &redis.ZRangeBy{
			Min:    "(" + strconv.FormatInt(seenAfter.UnixMilli(), 10),
			Max:    "(" + strconv.FormatInt(seenBefore.UnixMilli(), 10),
			Offset: offset,
			Count:  int64(limit),
		}).Result()
		if err != nil {
			return nil, storageErr("list undelivered", err)
		}
		for _, k := range keys {
			rec, err := s.getByRedisKey(ctx, k)
			if err == ErrNotFound {
				continue
			}
			if err != nil {
				return nil, err
			}
			if rec.DeliveryAttempts < maxAttempts && len(out) < limit {
				out = append(out, rec)
			}
		}
		if len(keys) < limit {
			break
		}
	}
	return out, nil
}

// RecordDeliveryAttempt increments the delivery attempt counter.
func (s *RedisStore) RecordDeliveryAttempt(ctx context.Context, key Key) error {
	n, err := attemptScript.Run(ctx, s.client, []string{msgKey(key)}).Int()
	if err != nil {
		return storageErr("record delivery attempt", err)
	}
	if n < 0 {
		return ErrNotFound
	}
	return nil
}

// Stats returns totals over all accounts.
func (s *RedisStore) Stats(ctx context.Context) (Stats, error) {
	byAccount, err := s.StatsByAccount(ctx)
	if err != nil {
		return Stats{}, err
	}
	var total Stats
	for _, st := range byAccount {
		total.Total += st.Total
		total.Handled += st.Handled
		total.Pending += st.Pending
		total.Undelivered += st.Undelivered
	}
	return total, nil
}

// StatsByAccount returns totals grouped by account identity.
func (s *RedisStore) StatsByAccount(ctx context.Context) (map[string]Stats, error) {
	accounts, err := s.client.SMembers(ctx, accountsKey()).Result()
	if err != nil {
		return nil, storageErr("stats by account", err)
	}
	out := make(map[string]Stats, len(accounts))
	for _, acct := range accounts {
		f, err := s.client.HGetAll(ctx, statsKey(acct)).Result()
		if err != nil {
			return nil, storageErr("stats by account", err)
		}
		total, _ := strconv.ParseInt(f["total"], 10, 64)
		handled, _ := strconv.ParseInt(f["handled"], 10, 64)
		undelivered, _ := strconv.ParseInt(f["undelivered"], 10, 64)
		out[acct] = Stats{
			Total:       total,
			Handled:     handled,
			Pending:     total - handled,
			Undelivered: undelivered,
		}
	}
	return out, nil
}
