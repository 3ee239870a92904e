package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vietddude/healer/internal/core/domain"
)

// QuarantineRepo implements storage.QuarantineStore using Redis. Each pipeline
// has a sorted set of JSON-encoded records scored by creation time.
type QuarantineRepo struct {
	rdb    *redis.Client
	prefix string
}

// NewQuarantineRepo creates a Redis-backed quarantine store.
func NewQuarantineRepo(client *Client, prefix string) *QuarantineRepo {
	if prefix == "" {
		prefix = "healer"
	}
	return &QuarantineRepo{rdb: client.rdb, prefix: prefix}
}

// Key helpers
func (r *QuarantineRepo) queueKey(pipelineID string) string {
	return fmt.Sprintf("%s:quarantine:%s", r.prefix, pipelineID)
}

func (r *QuarantineRepo) pipelinesKey() string {
	return fmt.Sprintf("%s:quarantine_pipelines", r.prefix)
}

// Write adds records in one MULTI/EXEC so a batch lands entirely or not at all.
func (r *QuarantineRepo) Write(ctx context.Context, records []domain.QuarantineRecord) error {
	if len(records) == 0 {
		return nil
	}

	byPipeline := make(map[string][]redis.Z)
	for _, rec := range records {
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal quarantine record: %w", err)
		}
		byPipeline[rec.PipelineID] = append(byPipeline[rec.PipelineID], redis.Z{
			Score:  float64(rec.CreatedAt.UnixMilli()),
			Member: string(data),
		})
	}

	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for pid, members := range byPipeline {
			pipe.ZAdd(ctx, r.queueKey(pid), members...)
			pipe.SAdd(ctx, r.pipelinesKey(), pid)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to write quarantine: %w", err)
	}
	return nil
}

// List returns the newest records of a pipeline.
func (r *QuarantineRepo) List(ctx context.Context, pipelineID string, limit int) ([]domain.QuarantineRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	members, err := r.rdb.ZRevRange(ctx, r.queueKey(pipelineID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("zrevrange failed: %w", err)
	}

	out := make([]domain.QuarantineRecord, 0, len(members))
	for _, m := range members {
		var rec domain.QuarantineRecord
		if err := json.Unmarshal([]byte(m), &rec); err != nil {
			return nil, fmt.Errorf("failed to unmarshal quarantine record: %w", err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// Count returns the number of quarantined records of a pipeline.
func (r *QuarantineRepo) Count(ctx context.Context, pipelineID string) (int, error) {
	n, err := r.rdb.ZCard(ctx, r.queueKey(pipelineID)).Result()
	if err != nil {
		return 0, fmt.Errorf("zcard failed: %w", err)
	}
	return int(n), nil
}

// Prune removes records created before the cutoff across all pipelines.
func (r *QuarantineRepo) Prune(ctx context.Context, before time.Time) (int64, error) {
	pipelines, err := r.rdb.SMembers(ctx, r.pipelinesKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("smembers failed: %w", err)
	}

	max := "(" + strconv.FormatInt(before.UnixMilli(), 10)
	var total int64
	for _, pid := range pipelines {
		n, err := r.rdb.ZRemRangeByScore(ctx, r.queueKey(pid), "-inf", max).Result()
		if err != nil {
			return total, fmt.Errorf("zremrangebyscore failed: %w", err)
		}
		total += n
	}
	return total, nil
}
