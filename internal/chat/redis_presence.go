package chat

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
)

const presenceKeyPrefix = "presence:"

// The counter holds how many instances currently serve the user. The publish
// happens inside the script, so presence events leave Redis in counter order
// even when two instances race on the same user.
var presenceTransition = redis.NewScript(`
local delta = tonumber(ARGV[1])
local n = redis.call('INCRBY', KEYS[1], delta)
if n <= 0 then
  redis.call('DEL', KEYS[1])
end
if (delta > 0 and n == 1) or (delta < 0 and n == 0) then
  redis.call('PUBLISH', KEYS[2], ARGV[2])
  return 1
end
return 0
`)

// RedisPresence shares presence between instances. Pair it with RedisFanout,
// whose subscription loop delivers the events this board publishes.
type RedisPresence struct {
	client *redis.Client
}

func NewRedisPresence(client *redis.Client) *RedisPresence {
	return &RedisPresence{client: client}
}

func presenceKey(userID int64) string {
	return presenceKeyPrefix + strconv.FormatInt(userID, 10)
}

func (b *RedisPresence) Transition(ctx context.Context, userID int64, online bool, d Delivery) (bool, error) {
	payload, err := encodeDelivery(d)
	if err != nil {
		return false, fmt.Errorf("encode delivery: %w", err)
	}
	delta := -1
	if online {
		delta = 1
	}
	n, err := presenceTransition.Run(ctx, b.client,
		[]string{presenceKey(userID), channelFor(0)},
		delta, payload,
	).Int()
	if err != nil {
		return false, fmt.Errorf("presence transition: %w", err)
	}
	return n == 1, nil
}

func (b *RedisPresence) Online(ctx context.Context, userIDs []int64) (map[int64]bool, error) {
	out := make(map[int64]bool, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}
	keys := make([]string, len(userIDs))
	for i, id := range userIDs {
		keys[i] = presenceKey(id)
	}
	vals, err := b.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	for i, id := range userIDs {
		s, _ := vals[i].(string)
		n, _ := strconv.ParseInt(s, 10, 64)
		out[id] = n > 0
	}
	return out, nil
}

func (b *RedisPresence) OnlineUsers(ctx context.Context) ([]int64, error) {
	var ids []int64
	iter := b.client.Scan(ctx, 0, presenceKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		id, err := strconv.ParseInt(strings.TrimPrefix(iter.Val(), presenceKeyPrefix), 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, iter.Err()
}
