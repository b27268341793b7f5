package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ImportRequest asks a worker to re-import a playlist source.
type ImportRequest struct {
	SourceID int64  `json:"source_id"`
	EPGURL   string `json:"epg_url,omitempty"`
	AutoMap  bool   `json:"auto_map"`
	Reason   string `json:"reason,omitempty"`
}

// ImportQueue is the Redis list key used for queued imports.
const ImportQueue = "pvrguide:queue:imports"

// Enqueue pushes a request onto the left side of a Redis list.
func Enqueue(ctx context.Context, r *Redis, queue string, req ImportRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("queue marshal: %w", err)
	}
	return r.client.LPush(ctx, queue, data).Err()
}

// Dequeue blocks until a request is available on the right side of the list
// or the timeout expires. When the timeout elapses without a request,
// (nil, nil) is returned so the caller can loop and check for shutdown.
func Dequeue(ctx context.Context, r *Redis, queue string, timeout time.Duration) (*ImportRequest, error) {
	result, err := r.client.BRPop(ctx, timeout, queue).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) || ctx.Err() != nil {
			return nil, nil
		}
		return nil, fmt.Errorf("queue dequeue: %w", err)
	}
	// BRPop returns [key, value].
	if len(result) < 2 {
		return nil, nil
	}
	var req ImportRequest
	if err := json.Unmarshal([]byte(result[1]), &req); err != nil {
		return nil, fmt.Errorf("queue unmarshal: %w", err)
	}
	return &req, nil
}
