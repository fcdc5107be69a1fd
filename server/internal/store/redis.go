package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/reqbin/reqbin/pkg/types"
)

const redisPrefix = "reqbin:"

// Key layout:
//
//	reqbin:bins                 zset  bin id -> last activity (unix micros)
//	reqbin:bin:{id}             hash  last_activity
//	reqbin:bin:{id}:requests    zset  request id -> seq
//	reqbin:request:{rid}        hash  request fields
//	reqbin:seq                  counter shared by all bins
//
// Multi-key mutations run as Lua scripts so each one is atomic on the server.
// Scripts derive request keys from the prefix, so this layout assumes a
// single Redis node rather than a cluster.
var (
	insertScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return -1
end
local seq = redis.call('INCR', KEYS[5])
redis.call('HSET', KEYS[4],
  'request_id', ARGV[2], 'bin_id', ARGV[1], 'method', ARGV[3],
  'headers', ARGV[4], 'body', ARGV[5], 'captured_at', ARGV[6], 'seq', seq)
redis.call('ZADD', KEYS[3], seq, ARGV[2])
redis.call('HSET', KEYS[1], 'last_activity', ARGV[7])
redis.call('ZADD', KEYS[2], ARGV[7], ARGV[1])
return seq
`)

	deleteRequestScript = redis.NewScript(`
local bin = redis.call('HGET', KEYS[1], 'bin_id')
if not bin then
  return 0
end
redis.call('DEL', KEYS[1])
local binKey = ARGV[1] .. 'bin:' .. bin
redis.call('ZREM', binKey .. ':requests', ARGV[2])
if redis.call('EXISTS', binKey) == 1 then
  redis.call('HSET', binKey, 'last_activity', ARGV[3])
  redis.call('ZADD', KEYS[2], ARGV[3], bin)
end
return 1
`)

	clearScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return -1
end
local ids = redis.call('ZRANGE', KEYS[2], 0, -1)
for _, rid in ipairs(ids) do
  redis.call('DEL', ARGV[1] .. 'request:' .. rid)
end
redis.call('DEL', KEYS[2])
redis.call('HSET', KEYS[1], 'last_activity', ARGV[3])
redis.call('ZADD', KEYS[3], ARGV[3], ARGV[2])
return #ids
`)

	// ARGV[3] is the idle cutoff; empty means delete unconditionally.
	deleteBinScript = redis.NewScript(`
local last = redis.call('HGET', KEYS[1], 'last_activity')
if not last then
  return 0
end
if ARGV[3] ~= '' and tonumber(last) >= tonumber(ARGV[3]) then
  return 0
end
local ids = redis.call('ZRANGE', KEYS[2], 0, -1)
for _, rid in ipairs(ids) do
  redis.call('DEL', ARGV[1] .. 'request:' .. rid)
end
redis.call('DEL', KEYS[1], KEYS[2])
redis.call('ZREM', KEYS[3], ARGV[2])
return 1
`)

	trimScript = redis.NewScript(`
local excess = redis.call('ZCARD', KEYS[1]) - tonumber(ARGV[2])
if excess <= 0 then
  return 0
end
local ids = redis.call('ZRANGE', KEYS[1], 0, excess - 1)
for _, rid in ipairs(ids) do
  redis.call('DEL', ARGV[1] .. 'request:' .. rid)
end
redis.call('ZREMRANGEBYRANK', KEYS[1], 0, excess - 1)
return excess
`)
)

// Redis is a Backend on a Redis server. Activity timestamps are kept in
// microseconds so they stay exact as Lua numbers.
type Redis struct {
	client *redis.Client
}

// OpenRedis connects to the server named by rawURL and verifies it with PING.
func OpenRedis(ctx context.Context, rawURL string, maxConns int) (*Redis, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("store: parse redis url: %w", err)
	}
	if maxConns > 0 {
		opts.PoolSize = maxConns
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("store: connect redis: %w", err)
	}
	return &Redis{client: client}, nil
}

// Close closes the client's connection pool.
func (r *Redis) Close() error {
	return r.client.Close()
}

func binKey(id string) string      { return redisPrefix + "bin:" + id }
func requestsKey(id string) string { return redisPrefix + "bin:" + id + ":requests" }
func requestKey(rid string) string { return redisPrefix + "request:" + rid }

const (
	binsKey = redisPrefix + "bins"
	seqKey  = redisPrefix + "seq"
)

func (r *Redis) CreateBin(ctx context.Context, bin types.Bin) error {
	micros := bin.LastActivity.UnixMicro()
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, binKey(bin.ID), "last_activity", micros)
		p.ZAdd(ctx, binsKey, redis.Z{Score: float64(micros), Member: bin.ID})
		return nil
	})
	if err != nil {
		return storageErr("create bin", err)
	}
	return nil
}

func (r *Redis) GetBin(ctx context.Context, id string) (types.Bin, error) {
	last, err := r.client.HGet(ctx, binKey(id), "last_activity").Int64()
	if errors.Is(err, redis.Nil) {
		return types.Bin{}, ErrNotFound
	}
	if err != nil {
		return types.Bin{}, storageErr("get bin", err)
	}
	return types.Bin{ID: id, LastActivity: time.UnixMicro(last).UTC()}, nil
}

func (r *Redis) DeleteBin(ctx context.Context, id string) error {
	n, err := deleteBinScript.Run(ctx, r.client,
		[]string{binKey(id), requestsKey(id), binsKey},
		redisPrefix, id, "").Int64()
	if err != nil {
		return storageErr("delete bin", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Redis) DeleteIdleBin(ctx context.Context, id string, cutoff time.Time) (bool, error) {
	n, err := deleteBinScript.Run(ctx, r.client,
		[]string{binKey(id), requestsKey(id), binsKey},
		redisPrefix, id, cutoff.UnixMicro()).Int64()
	if err != nil {
		return false, storageErr("delete idle bin", err)
	}
	return n == 1, nil
}

func (r *Redis) IdleBins(ctx context.Context, cutoff time.Time) ([]types.Bin, error) {
	zs, err := r.client.ZRangeByScoreWithScores(ctx, binsKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff.UnixMicro(), 10),
	}).Result()
	if err != nil {
		return nil, storageErr("list idle bins", err)
	}
	bins := make([]types.Bin, 0, len(zs))
	for _, z := range zs {
		id, ok := z.Member.(string)
		if !ok {
			continue
		}
		bins = append(bins, types.Bin{ID: id, LastActivity: time.UnixMicro(int64(z.Score)).UTC()})
	}
	return bins, nil
}

func (r *Redis) InsertRequest(ctx context.Context, req *types.CapturedRequest) error {
	seq, err := insertScript.Run(ctx, r.client,
		[]string{binKey(req.BinID), binsKey, requestsKey(req.BinID), requestKey(req.RequestID), seqKey},
		req.BinID, req.RequestID, req.Method, req.Headers, req.Body,
		req.CapturedAt.UnixNano(), req.CapturedAt.UnixMicro()).Int64()
	if err != nil {
		return storageErr("insert request", err)
	}
	if seq < 0 {
		return ErrNotFound
	}
	req.Seq = seq
	return nil
}

func (r *Redis) ListRequests(ctx context.Context, binID string) ([]types.CapturedRequest, error) {
	exists, err := r.client.Exists(ctx, binKey(binID)).Result()
	if err != nil {
		return nil, storageErr("list requests", err)
	}
	if exists == 0 {
		return nil, ErrNotFound
	}

	ids, err := r.client.ZRange(ctx, requestsKey(binID), 0, -1).Result()
	if err != nil {
		return nil, storageErr("list requests", err)
	}
	out := make([]types.CapturedRequest, 0, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	pipe := r.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, rid := range ids {
		cmds[i] = pipe.HGetAll(ctx, requestKey(rid))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, storageErr("list requests", err)
	}

	for _, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			// Removed between ZRANGE and HGETALL.
			continue
		}
		req, err := decodeRequest(fields)
		if err != nil {
			return nil, storageErr("list requests", err)
		}
		out = append(out, req)
	}
	return out, nil
}

func decodeRequest(f map[string]string) (types.CapturedRequest, error) {
	seq, err := strconv.ParseInt(f["seq"], 10, 64)
	if err != nil {
		return types.CapturedRequest{}, fmt.Errorf("decode seq: %w", err)
	}
	at, err := strconv.ParseInt(f["captured_at"], 10, 64)
	if err != nil {
		return types.CapturedRequest{}, fmt.Errorf("decode captured_at: %w", err)
	}
	return types.CapturedRequest{
		RequestID:  f["request_id"],
		BinID:      f["bin_id"],
		Seq:        seq,
		Method:     f["method"],
		Headers:    f["headers"],
		Body:       f["body"],
		CapturedAt: fromNanos(at),
	}, nil
}

func (r *Redis) CountRequests(ctx context.Context, binID string) (int64, error) {
	n, err := r.client.ZCard(ctx, requestsKey(binID)).Result()
	if err != nil {
		return 0, storageErr("count requests", err)
	}
	return n, nil
}

func (r *Redis) DeleteRequest(ctx context.Context, requestID string, now time.Time) error {
	n, err := deleteRequestScript.Run(ctx, r.client,
		[]string{requestKey(requestID), binsKey},
		redisPrefix, requestID, now.UnixMicro()).Int64()
	if err != nil {
		return storageErr("delete request", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Redis) ClearRequests(ctx context.Context, binID string, now time.Time) (int64, error) {
	n, err := clearScript.Run(ctx, r.client,
		[]string{binKey(binID), requestsKey(binID), binsKey},
		redisPrefix, binID, now.UnixMicro()).Int64()
	if err != nil {
		return 0, storageErr("clear requests", err)
	}
	if n < 0 {
		return 0, ErrNotFound
	}
	return n, nil
}

func (r *Redis) TrimRequests(ctx context.Context, binID string, keep int) (int64, error) {
	n, err := trimScript.Run(ctx, r.client,
		[]string{requestsKey(binID)},
		redisPrefix, keep).Int64()
	if err != nil {
		return 0, storageErr("trim requests", err)
	}
	return n, nil
}
