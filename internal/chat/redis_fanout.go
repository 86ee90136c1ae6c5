package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

const (
	redisPrefix          = "chat:"
	redisPresenceChannel = redisPrefix + "presence"
)

// RedisFanout relays deliveries through Redis pub/sub so that several server
// instances share conversations. Each instance runs one subscription loop,
// which keeps per-channel order intact.
type RedisFanout struct {
	client *redis.Client
	logger *slog.Logger

	mu      sync.RWMutex
	deliver func(Delivery)
}

type redisDelivery struct {
	ExcludeConn string          `json:"exclude_conn,omitempty"`
	ExcludeUser int64           `json:"exclude_user,omitempty"`
	Frame       json.RawMessage `json:"frame"`
}

func NewRedisFanout(client *redis.Client, logger *slog.Logger) *RedisFanout {
	return &RedisFanout{client: client, logger: logger.With("component", "redis_fanout")}
}

func (f *RedisFanout) Bind(deliver func(Delivery)) {
	f.mu.Lock()
	f.deliver = deliver
	f.mu.Unlock()
}

func channelFor(conversationID int64) string {
	if conversationID == 0 {
		return redisPresenceChannel
	}
	return redisPrefix + "conversation:" + strconv.FormatInt(conversationID, 10)
}

func conversationFromChannel(channel string) (int64, error) {
	if channel == redisPresenceChannel {
		return 0, nil
	}
	raw, ok := strings.CutPrefix(channel, redisPrefix+"conversation:")
	if !ok {
		return 0, fmt.Errorf("unexpected channel %q", channel)
	}
	return strconv.ParseInt(raw, 10, 64)
}

func encodeDelivery(d Delivery) ([]byte, error) {
	frame, err := EncodeEvent(d.Event)
	if err != nil {
		return nil, err
	}
	return json.Marshal(redisDelivery{
		ExcludeConn: d.ExcludeConn,
		ExcludeUser: d.ExcludeUser,
		Frame:       frame,
	})
}

func decodeDelivery(channel string, payload []byte) (Delivery, error) {
	conversationID, err := conversationFromChannel(channel)
	if err != nil {
		return Delivery{}, err
	}
	var rd redisDelivery
	if err := json.Unmarshal(payload, &rd); err != nil {
		return Delivery{}, err
	}
	evt, err := DecodeEvent(rd.Frame)
	if err != nil {
		return Delivery{}, err
	}
	return Delivery{
		ConversationID: conversationID,
		ExcludeConn:    rd.ExcludeConn,
		ExcludeUser:    rd.ExcludeUser,
		Event:          evt,
	}, nil
}

func (f *RedisFanout) Publish(ctx context.Context, d Delivery) error {
	payload, err := encodeDelivery(d)
	if err != nil {
		return fmt.Errorf("encode delivery: %w", err)
	}
	return f.client.Publish(ctx, channelFor(d.ConversationID), payload).Err()
}

// Run listens for deliveries from every instance, this one included.
func (f *RedisFanout) Run(ctx context.Context) error {
	pubsub := f.client.PSubscribe(ctx, redisPrefix+"*")
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("redis subscribe: %w", err)
	}
	f.logger.Info("Subscribed to Redis", "pattern", redisPrefix+"*")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			d, err := decodeDelivery(msg.Channel, []byte(msg.Payload))
			if err != nil {
				f.logger.Error("Dropping malformed delivery", "channel", msg.Channel, "error", err)
				continue
			}
			f.mu.RLock()
			deliver := f.deliver
			f.mu.RUnlock()
			if deliver != nil {
				deliver(d)
			}
		}
	}
}
