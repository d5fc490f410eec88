package transport

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	DefaultRedisLatestTTL = 5 * time.Second

	redisOpTimeout = 500 * time.Millisecond
	redisQueueLen  = 8
)

// RedisOptions configures DialRedis.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// LatestTTL is how long the <topic>:latest key outlives the last publish.
	LatestTTL time.Duration
}

type redisClient interface {
	Pipelined(ctx context.Context, fn func(redis.Pipeliner) error) ([]redis.Cmder, error)
	Close() error
}

type redisMessage struct {
	topic   string
	payload []byte
}

// RedisSink publishes on a Redis channel and keeps the most recent payload
// under <topic>:latest so late subscribers can fetch it. Publish only queues
// the payload; a background writer sends PUBLISH and SET in one pipeline.
// Payloads that arrive while the queue is full are dropped.
type RedisSink struct {
	client redisClient
	ttl    time.Duration

	mu     sync.Mutex
	closed bool
	queue  chan redisMessage
	done   chan struct{}

	dropped  atomic.Uint64
	failures atomic.Uint64
}

// DialRedis connects to the server and checks it answers PING.
func DialRedis(ctx context.Context, o RedisOptions) (*RedisSink, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     o.Addr,
		Password: o.Password,
		DB:       o.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("transport: connect redis %s: %w", o.Addr, err)
	}
	logf("Redis connected to %s", o.Addr)
	return newRedisSink(client, o.LatestTTL), nil
}

func newRedisSink(client redisClient, ttl time.Duration) *RedisSink {
	if ttl <= 0 {
		ttl = DefaultRedisLatestTTL
	}
	s := &RedisSink{
		client: client,
		ttl:    ttl,
		queue:  make(chan redisMessage, redisQueueLen),
		done:   make(chan struct{}),
	}
	go s.writeLoop()
	return s
}

// LatestKey is the key holding the most recent payload for topic.
func LatestKey(topic string) string {
	return topic + ":latest"
}

// Publish implements Sink. It never waits for the server.
func (s *RedisSink) Publish(topic string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrNotConnected
	}
	select {
	case s.queue <- redisMessage{topic: topic, payload: payload}:
	default:
		if n := s.dropped.Add(1); n == 1 || n%100 == 0 {
			logf("Redis writer behind, %d payloads dropped", n)
		}
	}
	return nil
}

// Dropped returns how many payloads were skipped because the queue was full.
func (s *RedisSink) Dropped() uint64 {
	return s.dropped.Load()
}

// Failures returns how many pipelines the server rejected or timed out.
func (s *RedisSink) Failures() uint64 {
	return s.failures.Load()
}

// Close stops accepting payloads, flushes what is queued and closes the
// client.
func (s *RedisSink) Close() error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.mu.Unlock()

	<-s.done
	return s.client.Close()
}

func (s *RedisSink) writeLoop() {
	defer close(s.done)
	for m := range s.queue {
		if err := s.write(m); err != nil {
			if n := s.failures.Add(1); n == 1 || n%100 == 0 {
				logf("Redis publish to %q failed (%d failures so far): %v", m.topic, n, err)
			}
		}
	}
}

func (s *RedisSink) write(m redisMessage) error {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Publish(ctx, m.topic, m.payload)
		pipe.Set(ctx, LatestKey(m.topic), m.payload, s.ttl)
		return nil
	})
	return err
}
