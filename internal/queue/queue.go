package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"lahstats/internal/model"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Queue names. The worker drains ProcessingQueue; permanently failed and
// undecodable jobs end up on FailedQueue for operator inspection.
const (
	ProcessingQueue = "lahstats:processing"
	FailedQueue     = "lahstats:failed"

	leaseKeyPrefix = "lahstats:lease:"
)

// ErrEmpty is returned by Dequeue when the blocking pop times out.
var ErrEmpty = errors.New("queue empty")

// ErrLeaseHeld is returned when a session's processing lease is already taken.
var ErrLeaseHeld = errors.New("session lease already held")

// Client wraps the Redis list broker used for job dispatch.
type Client struct {
	rdb *redis.Client
}

// New connects to Redis and verifies the connection with a ping.
func New(ctx context.Context, redisURL string) (*Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	opts.DialTimeout = 5 * time.Second

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Printf("[Queue] Connected to Redis")
	return &Client{rdb: rdb}, nil
}

// Close releases the underlying connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping checks broker reachability.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Enqueue appends a job to the work queue.
func (c *Client) Enqueue(ctx context.Context, job model.Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job: %w", err)
	}
	if err := c.rdb.LPush(ctx, ProcessingQueue, payload).Err(); err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}
	log.Printf("[Queue] Enqueued session %s", job.SessionID)
	return nil
}

// Dequeue blocks up to timeout for the next raw job payload. Returns
// ErrEmpty on timeout. The payload is returned undecoded so malformed jobs
// can be dead-lettered verbatim.
func (c *Client) Dequeue(ctx context.Context, timeout time.Duration) (string, error) {
	res, err := c.rdb.BRPop(ctx, timeout, ProcessingQueue).Result()
	if err == redis.Nil {
		return "", ErrEmpty
	}
	if err != nil {
		return "", fmt.Errorf("failed to pop job: %w", err)
	}
	// BRPOP returns [key, value].
	return res[1], nil
}

// DeadLetter pushes a raw job payload onto the failed queue.
func (c *Client) DeadLetter(ctx context.Context, payload string) error {
	if err := c.rdb.LPush(ctx, FailedQueue, payload).Err(); err != nil {
		return fmt.Errorf("failed to dead-letter job: %w", err)
	}
	return nil
}

// QueueLength returns the number of jobs waiting in a queue.
func (c *Client) QueueLength(ctx context.Context, name string) (int64, error) {
	n, err := c.rdb.LLen(ctx, name).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get length of %s: %w", name, err)
	}
	return n, nil
}

// AcquireLease takes the per-session processing lease. At most one worker
// may process a given session at a time; a held lease means another run is
// in flight and this job should be skipped.
func (c *Client) AcquireLease(ctx context.Context, sessionID uuid.UUID, ttl time.Duration) error {
	ok, err := c.rdb.SetNX(ctx, leaseKeyPrefix+sessionID.String(), "1", ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to acquire lease: %w", err)
	}
	if !ok {
		return ErrLeaseHeld
	}
	return nil
}

// ReleaseLease releases the per-session processing lease.
func (c *Client) ReleaseLease(ctx context.Context, sessionID uuid.UUID) error {
	if err := c.rdb.Del(ctx, leaseKeyPrefix+sessionID.String()).Err(); err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	return nil
}

// DecodeJob parses a raw queue payload.
func DecodeJob(payload string) (model.Job, error) {
	var job model.Job
	if err := json.Unmarshal([]byte(payload), &job); err != nil {
		return model.Job{}, fmt.Errorf("invalid job payload: %w", err)
	}
	if job.SessionID == uuid.Nil {
		return model.Job{}, fmt.Errorf("invalid job payload: missing session_id")
	}
	return job, nil
}
