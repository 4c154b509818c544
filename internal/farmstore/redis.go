package farmstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/farmmap/server/internal/cluster"
)

// Redis key layout shared with the farm pipeline.
const (
	keyFarmsAll       = "farms:all"
	keyFarmsProcessed = "farms:processed"
	keyFarmPrefix     = "farm:"
)

// RedisStore reads and writes farm hashes in Redis.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to the Redis instance at url (redis://host:port/db).
func NewRedisStore(url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	return &RedisStore{client: redis.NewClient(opts)}, nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Name implements Source.
func (s *RedisStore) Name() string {
	return "redis"
}

// Ping checks the connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// LoadFarms implements Source. Hash fields holding JSON objects or arrays are
// decoded; other fields stay strings.
func (s *RedisStore) LoadFarms(ctx context.Context) ([]cluster.FarmPoint, error) {
	ids, err := s.client.SMembers(ctx, keyFarmsAll).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list farms: %w", err)
	}
	sort.Strings(ids)

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, keyFarmPrefix+id)
	}
	if len(ids) > 0 {
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, fmt.Errorf("failed to read farm hashes: %w", err)
		}
	}

	recs := make([]map[string]any, 0, len(ids))
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		rec := decodeHash(fields)
		if _, ok := rec["id"]; !ok {
			rec["id"] = ids[i]
		}
		recs = append(recs, rec)
	}
	farms, _ := FromRecords(recs)
	return farms, nil
}

// SaveFarms implements Writer.
func (s *RedisStore) SaveFarms(ctx context.Context, farms []cluster.FarmPoint) (int, error) {
	pipe := s.client.TxPipeline()
	written := 0
	for _, f := range farms {
		if f.ID == "" {
			continue
		}
		fields, err := encodeHash(ToRecord(f))
		if err != nil {
			return 0, fmt.Errorf("failed to encode farm %s: %w", f.ID, err)
		}
		pipe.HSet(ctx, keyFarmPrefix+f.ID, fields)
		pipe.SAdd(ctx, keyFarmsAll, f.ID)
		if d, ok := f.Payload["description"].(string); ok && d != "" {
			pipe.SAdd(ctx, keyFarmsProcessed, f.ID)
		}
		written++
	}
	if written == 0 {
		return 0, nil
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to save farms: %w", err)
	}
	return written, nil
}

func encodeHash(rec map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(rec))
	for k, v := range rec {
		switch v.(type) {
		case map[string]any, []any:
			b, err := json.Marshal(v)
			if err != nil {
				return nil, err
			}
			out[k] = string(b)
		case string:
			out[k] = v
		default:
			out[k] = fmt.Sprint(v)
		}
	}
	return out, nil
}

func decodeHash(fields map[string]string) map[string]any {
	rec := make(map[string]any, len(fields))
	for k, raw := range fields {
		if t := strings.TrimSpace(raw); t != "" && (t[0] == '{' || t[0] == '[') {
			var v any
			if err := json.Unmarshal([]byte(t), &v); err == nil {
				rec[k] = v
				continue
			}
		}
		rec[k] = raw
	}
	return rec
}
