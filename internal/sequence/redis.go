package sequence

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/seedworks/seed/internal/apperr"
)

// Each record is a hash {id, today} under "<prefix><name>". The scripts run
// atomically on the server; -1 signals a missing record.
var (
	incrScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return -1
end
return redis.call('HINCRBY', KEYS[1], 'id', 1)
`)

	serialScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return -1
end
if redis.call('HGET', KEYS[1], 'today') == ARGV[1] then
  return redis.call('HINCRBY', KEYS[1], 'id', 1)
end
redis.call('HSET', KEYS[1], 'id', 1)
redis.call('HSET', KEYS[1], 'today', ARGV[1])
return 1
`)

	raiseScript = redis.NewScript(`
local cur = tonumber(redis.call('HGET', KEYS[1], 'id') or '0')
local floor = tonumber(ARGV[1])
if cur < floor then
  redis.call('HSET', KEYS[1], 'id', floor)
end
return 0
`)
)

// Redis is a Sequencer backed by Redis hashes.
type Redis struct {
	client *redis.Client
	prefix string
	clock  Clock
}

// NewRedis returns a Redis sequencer. Prefix defaults to "ids:".
func NewRedis(client *redis.Client, prefix string, clock Clock) *Redis {
	if prefix == "" {
		prefix = Collection + ":"
	}
	return &Redis{client: client, prefix: prefix, clock: clock}
}

func (r *Redis) key(name string) string { return r.prefix + name }

func (r *Redis) Ensure(ctx context.Context, names ...string) error {
	pipe := r.client.TxPipeline()
	for _, n := range names {
		pipe.HSetNX(ctx, r.key(n), "id", 0)
	}
	pipe.HSetNX(ctx, r.key(SerialRecordName), "id", 0)
	pipe.HSetNX(ctx, r.key(SerialRecordName), "today", r.clock.Today())
	if _, err := pipe.Exec(ctx); err != nil {
		return redisError(fmt.Errorf("ensure sequences: %w", err))
	}
	return nil
}

func (r *Redis) NextID(ctx context.Context, name string) (int64, error) {
	n, err := incrScript.Run(ctx, r.client, []string{r.key(name)}).Int64()
	if err != nil {
		return 0, redisError(fmt.Errorf("next id for %s: %w", name, err))
	}
	if n < 0 {
		return 0, missing(name)
	}
	return n, nil
}

func (r *Redis) NextSerial(ctx context.Context) (string, error) {
	today := r.clock.Today()
	n, err := serialScript.Run(ctx, r.client, []string{r.key(SerialRecordName)}, today).Int64()
	if err != nil {
		return "", redisError(fmt.Errorf("next serial: %w", err))
	}
	if n < 0 {
		return "", missing(SerialRecordName)
	}
	return FormatSerial(today, n), nil
}

func (r *Redis) Raise(ctx context.Context, name string, floor int64) error {
	err := raiseScript.Run(ctx, r.client, []string{r.key(name)}, strconv.FormatInt(floor, 10)).Err()
	if err != nil {
		return redisError(fmt.Errorf("raise sequence %s: %w", name, err))
	}
	return nil
}

// Reset deletes every record under the prefix, including ones created by
// other processes.
func (r *Redis) Reset(ctx context.Context) error {
	iter := r.client.Scan(ctx, 0, globEscape(r.prefix)+"*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return redisError(fmt.Errorf("scan sequences: %w", err))
	}
	if len(keys) == 0 {
		return nil
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return redisError(fmt.Errorf("reset sequences: %w", err))
	}
	return nil
}

func globEscape(s string) string {
	var b strings.Builder
	for _, c := range s {
		switch c {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(c)
	}
	return b.String()
}

func redisError(err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.As(err, &netErr) {
		return apperr.StorageUnavailable(err)
	}
	return apperr.Database(err)
}
