package meshruntime

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"

	"github.com/lyzr/meshcore/continuation"
	"github.com/lyzr/meshcore/mesherr"
)

// RedisContinuationStore implements continuation.Store over a single Redis
// hash, one field per reqId. One hash serves the whole mesh since
// pending continuations are already self-describing by reqId.
type RedisContinuationStore struct {
	redis *redis.Client
	key   string
}

// NewRedisContinuationStore wraps client with the mesh's reserved hash key.
func NewRedisContinuationStore(client *redis.Client) *RedisContinuationStore {
	return &RedisContinuationStore{redis: client, key: "mesh:pending_continuations"}
}

// Save implements continuation.Store.
func (s *RedisContinuationStore) Save(ctx context.Context, pc *continuation.PendingContinuation) error {
	b, err := json.Marshal(pc)
	if err != nil {
		return mesherr.New(mesherr.KindSerialization, "encode pending continuation: %v", err)
	}
	if err := s.redis.HSet(ctx, s.key, pc.ReqID, b).Err(); err != nil {
		return err
	}
	return nil
}

// Peek implements continuation.Store.
func (s *RedisContinuationStore) Peek(ctx context.Context, reqID string) (*continuation.PendingContinuation, bool, error) {
	val, err := s.redis.HGet(ctx, s.key, reqID).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return decodePending(val)
}

// LoadAndDelete implements continuation.Store.
func (s *RedisContinuationStore) LoadAndDelete(ctx context.Context, reqID string) (*continuation.PendingContinuation, bool, error) {
	val, err := s.redis.HGet(ctx, s.key, reqID).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if err := s.redis.HDel(ctx, s.key, reqID).Err(); err != nil {
		return nil, false, err
	}
	return decodePending(val)
}

func decodePending(val string) (*continuation.PendingContinuation, bool, error) {
	var pc continuation.PendingContinuation
	if err := json.Unmarshal([]byte(val), &pc); err != nil {
		return nil, false, mesherr.New(mesherr.KindSerialization, "decode pending continuation: %v", err)
	}
	return &pc, true, nil
}

var _ continuation.Store = (*RedisContinuationStore)(nil)
