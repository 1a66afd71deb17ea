package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"fleetstat/internal/protocol"
)

const (
	redisKind           = "redis"
	defaultRedisChannel = "fleetstat:events"
	redisWriteTimeout   = 5 * time.Second
)

// RedisConfig configures the Redis sink
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	URL      string `yaml:"url"`
	Password string `yaml:"password"`
	// Channel receives every event via PUBLISH
	Channel string `yaml:"channel"`
	// Stream, when set, also receives every event via XADD
	Stream       string `yaml:"stream"`
	StreamMaxLen int64  `yaml:"stream_max_len"`
}

// RedisSink publishes events to a pub/sub channel and optionally a stream
type RedisSink struct {
	client  *redis.Client
	channel string
	stream  string
	maxLen  int64
	queue   *deliveryQueue
	logger  logrus.FieldLogger
	now     func() time.Time
}

// NewRedisSink creates the sink; the connection is established lazily
func NewRedisSink(cfg RedisConfig, logger logrus.FieldLogger) (*RedisSink, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	channel := cfg.Channel
	if channel == "" {
		channel = defaultRedisChannel
	}
	maxLen := cfg.StreamMaxLen
	if maxLen <= 0 {
		maxLen = 10000
	}

	logger = logger.WithField("sink", redisKind)
	return &RedisSink{
		client:  redis.NewClient(opts),
		channel: channel,
		stream:  cfg.Stream,
		maxLen:  maxLen,
		queue:   newDeliveryQueue(defaultQueueSize, logger),
		logger:  logger,
		now:     time.Now,
	}, nil
}

func (s *RedisSink) Kind() string {
	return redisKind
}

// Channel returns the pub/sub channel name
func (s *RedisSink) Channel() string {
	return s.channel
}

func (s *RedisSink) Notify(kind EventKind, host *protocol.HostState) error {
	msg := NewMessage(kind, host, s.now())
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	return s.queue.submit(func() { s.publish(msg, data) })
}

func (s *RedisSink) publish(msg Message, data []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), redisWriteTimeout)
	defer cancel()

	entry := s.logger.WithFields(logrus.Fields{"event": msg.Event, "host": msg.Host.Name})
	if err := s.client.Publish(ctx, s.channel, data).Err(); err != nil {
		entry.WithError(err).Error("redis publish failed")
	}

	if s.stream == "" {
		return
	}
	err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Values: map[string]any{
			"id":    msg.ID,
			"event": msg.Event,
			"host":  msg.Host.Name,
			"data":  string(data),
		},
	}).Err()
	if err != nil {
		entry.WithError(err).Error("redis stream append failed")
	}
}

// Close waits for queued publishes and closes the client
func (s *RedisSink) Close() error {
	s.queue.close()
	return s.client.Close()
}
