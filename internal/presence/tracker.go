// Package presence records which job each live worker is running, so that
// rows stuck in processing without a live owner can be spotted.
package presence

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultTTL is how long a presence key survives without a refresh.
const DefaultTTL = 2 * time.Minute

// Config holds Redis connection and key configuration
type Config struct {
	Addr      string        `yaml:"addr"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	KeyPrefix string        `yaml:"key_prefix"`
	TTL       time.Duration `yaml:"ttl"`
}

// kv is the subset of redis.Cmdable the tracker uses.
type kv interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Scan(ctx context.Context, cursor uint64, match string, count int64) *redis.ScanCmd
	MGet(ctx context.Context, keys ...string) *redis.SliceCmd
}

// Tracker maintains worker presence keys.
type Tracker struct {
	client kv
	prefix string
	ttl    time.Duration
	logger *slog.Logger
}

// Connect opens a Redis client and verifies it with PING.
func Connect(ctx context.Context, cfg Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return client, nil
}

// NewTracker creates a tracker on top of a Redis client.
func NewTracker(client kv, cfg Config, logger *slog.Logger) *Tracker {
	prefix := strings.TrimSuffix(cfg.KeyPrefix, ":")
	if prefix == "" {
		prefix = "stt"
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Tracker{client: client, prefix: prefix, ttl: ttl, logger: logger}
}

// Key returns the presence key for a worker.
func (t *Tracker) Key(workerID string) string {
	return t.prefix + ":worker:" + workerID
}

// Announce marks workerID as running jobID for one TTL.
func (t *Tracker) Announce(ctx context.Context, workerID, jobID string) error {
	if err := t.client.Set(ctx, t.Key(workerID), jobID, t.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set presence for worker %s: %w", workerID, err)
	}
	return nil
}

// Clear removes the worker's presence key.
func (t *Tracker) Clear(ctx context.Context, workerID string) error {
	if err := t.client.Del(ctx, t.Key(workerID)).Err(); err != nil {
		return fmt.Errorf("failed to clear presence for worker %s: %w", workerID, err)
	}
	return nil
}

// Hold announces the job and keeps refreshing it every TTL/3 until the
// returned stop function is called. stop clears the key and is safe to call
// more than once. Refresh failures are logged and never abort the job.
func (t *Tracker) Hold(ctx context.Context, workerID, jobID string) (stop func()) {
	logAttrs := []any{slog.String("worker_id", workerID), slog.String("job_id", jobID)}

	if err := t.Announce(ctx, workerID, jobID); err != nil {
		t.logger.Warn("Failed to announce worker presence", append(logAttrs, slog.Any("error", err))...)
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(t.ttl / 3)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := t.Announce(ctx, workerID, jobID); err != nil {
					t.logger.Warn("Failed to refresh worker presence", append(logAttrs, slog.Any("error", err))...)
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			wg.Wait()
			if err := t.Clear(context.WithoutCancel(ctx), workerID); err != nil {
				t.logger.Warn("Failed to clear worker presence", append(logAttrs, slog.Any("error", err))...)
			}
		})
	}
}

// ActiveJobs returns worker id → job id for every live presence key.
func (t *Tracker) ActiveJobs(ctx context.Context) (map[string]string, error) {
	match := t.prefix + ":worker:*"
	var keys []string
	var cursor uint64
	for {
		batch, next, err := t.client.Scan(ctx, cursor, match, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan presence keys: %w", err)
		}
		keys = append(keys, batch...)
		if next == 0 {
			break
		}
		cursor = next
	}

	active := make(map[string]string, len(keys))
	if len(keys) == 0 {
		return active, nil
	}

	values, err := t.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read presence keys: %w", err)
	}

	keyPrefix := t.prefix + ":worker:"
	for i, v := range values {
		jobID, ok := v.(string)
		if !ok {
			// expired between SCAN and MGET
			continue
		}
		active[strings.TrimPrefix(keys[i], keyPrefix)] = jobID
	}
	return active, nil
}

// Stale returns the ids from processing that no live worker claims to run.
func (t *Tracker) Stale(ctx context.Context, processing []string) ([]string, error) {
	active, err := t.ActiveJobs(ctx)
	if err != nil {
		return nil, err
	}

	running := make(map[string]struct{}, len(active))
	for _, jobID := range active {
		running[jobID] = struct{}{}
	}

	stale := make([]string, 0, len(processing))
	for _, id := range processing {
		if _, ok := running[id]; !ok {
			stale = append(stale, id)
		}
	}
	return stale, nil
}
