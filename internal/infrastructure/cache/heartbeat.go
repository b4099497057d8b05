package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

// HeartbeatStore publishes worker liveness so every instance can report on
// the whole fleet. One sorted set per queue, scored by last beat in unix ms.
type HeartbeatStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewHeartbeatStore keeps heartbeats for ttl.
func NewHeartbeatStore(client *redis.Client, ttl time.Duration) *HeartbeatStore {
	return &HeartbeatStore{client: client, ttl: ttl}
}

func heartbeatKey(queue string) string {
	return fmt.Sprintf("tontine:workers:%s", queue)
}

func (s *HeartbeatStore) Beat(ctx context.Context, queue, workerID string, at time.Time) error {
	key := heartbeatKey(queue)
	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, key, &redis.Z{Score: float64(at.UnixMilli()), Member: workerID})
	pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(at.Add(-s.ttl).UnixMilli(), 10))
	pipe.Expire(ctx, key, 10*s.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// Alive counts workers of queue that beat within the ttl before now.
func (s *HeartbeatStore) Alive(ctx context.Context, queue string, now time.Time) (int64, error) {
	since := strconv.FormatInt(now.Add(-s.ttl).UnixMilli(), 10)
	return s.client.ZCount(ctx, heartbeatKey(queue), since, "+inf").Result()
}

func (s *HeartbeatStore) Remove(ctx context.Context, queue, workerID string) error {
	return s.client.ZRem(ctx, heartbeatKey(queue), workerID).Err()
}
