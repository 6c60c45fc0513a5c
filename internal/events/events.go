// Package events mirrors room membership changes to Redis so that external
// dashboards can follow occupancy without polling the relay.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Event kinds.
const (
	KindJoin  = "join"
	KindLeave = "leave"
)

// Event describes one membership change. Count is the room's member count
// after the change.
type Event struct {
	Kind         string    `json:"kind"`
	Room         string    `json:"room"`
	Count        int       `json:"count"`
	ConnectionID uint64    `json:"connectionId"`
	Instance     string    `json:"instance"`
	Timestamp    time.Time `json:"timestamp"`
}

// Publisher accepts membership events. Publish must not block.
type Publisher interface {
	Publish(ev Event)
}

// Nop discards events.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(Event) {}

const queueSize = 1024

// RedisPublisher publishes events on a pub/sub channel and keeps a per-instance
// occupancy hash (room -> count) up to date. Events are queued and written by
// a single goroutine so callers never wait on Redis.
type RedisPublisher struct {
	rdb      *redis.Client
	channel  string
	instance string
	log      *zap.Logger

	mu     sync.Mutex
	closed bool
	queue  chan Event
	done   chan struct{}
}

// Dial connects to addr and verifies connectivity.
func Dial(ctx context.Context, addr string) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return rdb, nil
}

// NewRedisPublisher starts the writer goroutine. The publisher takes
// ownership of rdb and closes it in Close.
func NewRedisPublisher(rdb *redis.Client, channel string, log *zap.Logger) *RedisPublisher {
	if log == nil {
		log = zap.NewNop()
	}
	p := &RedisPublisher{
		rdb:      rdb,
		channel:  channel,
		instance: uuid.NewString(),
		log:      log.Named("events"),
		queue:    make(chan Event, queueSize),
		done:     make(chan struct{}),
	}
	go p.run()
	return p
}

// Instance returns the id stamped on every event from this process.
func (p *RedisPublisher) Instance() string { return p.instance }

// OccupancyKey returns the hash holding this instance's room counts.
func (p *RedisPublisher) OccupancyKey() string {
	return p.channel + ":occupancy:" + p.instance
}

// Publish queues ev, dropping it when the queue is full or the publisher is closed.
func (p *RedisPublisher) Publish(ev Event) {
	ev.Instance = p.instance
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	select {
	case p.queue <- ev:
	default:
		p.log.Warn("event queue full, dropping event", zap.String("room", ev.Room), zap.String("kind", ev.Kind))
	}
}

func (p *RedisPublisher) run() {
	defer close(p.done)
	ctx := context.Background()
	for ev := range p.queue {
		if err := p.write(ctx, ev); err != nil {
			p.log.Warn("publish room event", zap.String("room", ev.Room), zap.Error(err))
		}
	}
}

func (p *RedisPublisher) write(ctx context.Context, ev Event) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	pipe := p.rdb.TxPipeline()
	pipe.Publish(ctx, p.channel, raw)
	if ev.Count > 0 {
		pipe.HSet(ctx, p.OccupancyKey(), ev.Room, strconv.Itoa(ev.Count))
	} else {
		pipe.HDel(ctx, p.OccupancyKey(), ev.Room)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// Close stops accepting events, flushes the queue until ctx expires, removes
// the occupancy hash and closes the Redis client. It is safe to call twice.
func (p *RedisPublisher) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	select {
	case <-p.done:
	case <-ctx.Done():
		p.log.Warn("event queue not flushed before deadline", zap.Int("pending", len(p.queue)))
	}

	cleanupCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := p.rdb.Del(cleanupCtx, p.OccupancyKey()).Err(); err != nil {
		p.log.Warn("remove occupancy hash", zap.Error(err))
	}
	return p.rdb.Close()
}
