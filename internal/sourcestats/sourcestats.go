// Package sourcestats keeps per-source admission counters in Redis so that
// every flowguard instance can report the same usage view.
//
// Redis key structure:
//
//	flowguard:source:stats:{source_id}               - hash: admitted, dropped, last_seen
//	flowguard:source:hourly:{source_id}:{YYYYMMDDHH} - hash: admitted, dropped (expires 48h)
//	flowguard:source:instances:{source_id}           - hash: instance id -> last flush
package sourcestats

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "flowguard:source:"

// Stats is the aggregated usage for one source across instances.
type Stats struct {
	SourceID         string            `json:"source_id"`
	LastSeen         *time.Time        `json:"last_seen,omitempty"`
	Admitted         int64             `json:"admitted"`
	Dropped          int64             `json:"dropped"`
	AdmittedLastHour int64             `json:"admitted_last_hour"`
	DroppedLastHour  int64             `json:"dropped_last_hour"`
	AdmittedLast24h  int64             `json:"admitted_last_24h"`
	DroppedLast24h   int64             `json:"dropped_last_24h"`
	Instances        map[string]string `json:"instances,omitempty"`
	RetrievedAt      time.Time         `json:"retrieved_at"`
}

type Client struct {
	redis      *redis.Client
	instanceID string
	now        func() time.Time
}

// NewClient connects to redisURL. instanceID should be unique per process
// (hostname, pod name).
func NewClient(redisURL, instanceID string) (*Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return NewClientFromRedis(client, instanceID), nil
}

func NewClientFromRedis(client *redis.Client, instanceID string) *Client {
	return &Client{redis: client, instanceID: instanceID, now: time.Now}
}

// Batch holds counts accumulated between flushes.
type Batch struct {
	SourceID string
	Admitted int64
	Dropped  int64
}

func (b *Batch) merge(o *Batch) {
	b.Admitted += o.Admitted
	b.Dropped += o.Dropped
}

func hourly(sourceID string, t time.Time) string {
	return keyPrefix + "hourly:" + sourceID + ":" + t.UTC().Format("2006010215")
}

// FlushBatch adds the batch counts to Redis in one pipeline.
func (c *Client) FlushBatch(ctx context.Context, b *Batch) error {
	if b.Admitted == 0 && b.Dropped == 0 {
		return nil
	}
	now := c.now()
	nowUnix := strconv.FormatInt(now.Unix(), 10)

	pipe := c.redis.Pipeline()

	statsKey := keyPrefix + "stats:" + b.SourceID
	pipe.HSet(ctx, statsKey, "last_seen", nowUnix)
	pipe.HIncrBy(ctx, statsKey, "admitted", b.Admitted)
	pipe.HIncrBy(ctx, statsKey, "dropped", b.Dropped)

	hourKey := hourly(b.SourceID, now)
	pipe.HIncrBy(ctx, hourKey, "admitted", b.Admitted)
	pipe.HIncrBy(ctx, hourKey, "dropped", b.Dropped)
	pipe.Expire(ctx, hourKey, 48*time.Hour)

	instKey := keyPrefix + "instances:" + b.SourceID
	pipe.HSet(ctx, instKey, c.instanceID, nowUnix)
	pipe.Expire(ctx, instKey, 24*time.Hour)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to flush source stats: %w", err)
	}
	return nil
}

// GetStats reads the aggregated counters for sourceID.
func (c *Client) GetStats(ctx context.Context, sourceID string) (*Stats, error) {
	now := c.now()

	pipe := c.redis.Pipeline()
	statsCmd := pipe.HGetAll(ctx, keyPrefix+"stats:"+sourceID)
	hourCmds := make([]*redis.MapStringStringCmd, 24)
	for i := range hourCmds {
		hourCmds[i] = pipe.HGetAll(ctx, hourly(sourceID, now.Add(-time.Duration(i)*time.Hour)))
	}
	instCmd := pipe.HGetAll(ctx, keyPrefix+"instances:"+sourceID)

	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to get source stats: %w", err)
	}

	st := &Stats{
		SourceID:    sourceID,
		RetrievedAt: now,
		Instances:   make(map[string]string),
	}

	if m, err := statsCmd.Result(); err == nil {
		if v, ok := m["last_seen"]; ok {
			if unix, err := strconv.ParseInt(v, 10, 64); err == nil {
				t := time.Unix(unix, 0).UTC()
				st.LastSeen = &t
			}
		}
		st.Admitted = parseInt(m["admitted"])
		st.Dropped = parseInt(m["dropped"])
	}

	for i, cmd := range hourCmds {
		m, err := cmd.Result()
		if err != nil {
			continue
		}
		a, d := parseInt(m["admitted"]), parseInt(m["dropped"])
		if i == 0 {
			st.AdmittedLastHour, st.DroppedLastHour = a, d
		}
		st.AdmittedLast24h += a
		st.DroppedLast24h += d
	}

	if m, err := instCmd.Result(); err == nil {
		for inst, v := range m {
			if unix, err := strconv.ParseInt(v, 10, 64); err == nil {
				st.Instances[inst] = time.Unix(unix, 0).UTC().Format(time.RFC3339)
			}
		}
	}
	return st, nil
}

func parseInt(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

func (c *Client) Close() error {
	return c.redis.Close()
}
