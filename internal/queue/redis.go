package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	processingPrefix = "job:processing:"
	failedPrefix     = "job:failed:"

	processingTTL = time.Hour
	failedTTL     = 24 * time.Hour
)

// RedisQueue implements a job queue using Redis
type RedisQueue struct {
	client *redis.Client
}

// NewRedisQueue creates a new Redis-based job queue
func NewRedisQueue(addr, password string, db int) (*RedisQueue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	log.Info().
		Str("addr", addr).
		Int("db", db).
		Msg("Redis queue connected successfully")

	return &RedisQueue{client: client}, nil
}

// NewRedisQueueFromClient wraps an existing client
func NewRedisQueueFromClient(client *redis.Client) *RedisQueue {
	return &RedisQueue{client: client}
}

// Client exposes the underlying connection for components sharing it
func (q *RedisQueue) Client() *redis.Client {
	return q.client
}

func queueKey(t JobType) string {
	return "queue:" + string(t)
}

// Enqueue adds a job to the queue
func (q *RedisQueue) Enqueue(ctx context.Context, job *Job) error {
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	if err := q.client.RPush(ctx, queueKey(job.Type), data).Err(); err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}

	log.Info().
		Str("jobID", job.ID).
		Str("type", string(job.Type)).
		Str("deploymentID", job.DeploymentID).
		Msg("Job enqueued")

	return nil
}

// Dequeue retrieves and removes a job from the queue (blocking). It returns
// nil without error when the timeout elapses.
func (q *RedisQueue) Dequeue(ctx context.Context, jobType JobType, timeout time.Duration) (*Job, error) {
	result, err := q.client.BLPop(ctx, timeout, queueKey(jobType)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to dequeue job: %w", err)
	}

	// BLPOP returns [key, value]
	if len(result) < 2 {
		return nil, fmt.Errorf("unexpected redis response: %v", result)
	}

	var job Job
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}

	log.Debug().
		Str("jobID", job.ID).
		Str("type", string(job.Type)).
		Str("deploymentID", job.DeploymentID).
		Msg("Job dequeued")

	return &job, nil
}

// MarkProcessing marks a job as being processed
func (q *RedisQueue) MarkProcessing(ctx context.Context, jobID string) error {
	if err := q.client.Set(ctx, processingPrefix+jobID, time.Now().Unix(), processingTTL).Err(); err != nil {
		return fmt.Errorf("failed to mark job as processing: %w", err)
	}
	return nil
}

// MarkComplete removes the processing marker for a job
func (q *RedisQueue) MarkComplete(ctx context.Context, jobID string) error {
	if err := q.client.Del(ctx, processingPrefix+jobID).Err(); err != nil {
		return fmt.Errorf("failed to mark job as complete: %w", err)
	}
	return nil
}

// MarkFailed records a permanently failed job and clears its processing marker
func (q *RedisQueue) MarkFailed(ctx context.Context, jobID string, jobErr error) error {
	msg := ""
	if jobErr != nil {
		msg = jobErr.Error()
	}

	pipe := q.client.TxPipeline()
	pipe.Set(ctx, failedPrefix+jobID, msg, failedTTL)
	pipe.Del(ctx, processingPrefix+jobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to mark job as failed: %w", err)
	}
	return nil
}

// FailureReason returns the error recorded for a failed job
func (q *RedisQueue) FailureReason(ctx context.Context, jobID string) (string, bool, error) {
	msg, err := q.client.Get(ctx, failedPrefix+jobID).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to get job failure: %w", err)
	}
	return msg, true, nil
}

// GetProcessingJobs retrieves all jobs currently being processed
func (q *RedisQueue) GetProcessingJobs(ctx context.Context) ([]string, error) {
	var jobIDs []string
	iter := q.client.Scan(ctx, 0, processingPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		jobIDs = append(jobIDs, strings.TrimPrefix(iter.Val(), processingPrefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to get processing jobs: %w", err)
	}
	return jobIDs, nil
}

// GetQueueLength returns the number of jobs in a queue
func (q *RedisQueue) GetQueueLength(ctx context.Context, jobType JobType) (int64, error) {
	length, err := q.client.LLen(ctx, queueKey(jobType)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get queue length: %w", err)
	}
	return length, nil
}

// Stats returns the length of every queue and the in-flight job count
func (q *RedisQueue) Stats(ctx context.Context) (map[string]int64, int, error) {
	lengths := make(map[string]int64, len(JobTypes))
	for _, t := range JobTypes {
		n, err := q.GetQueueLength(ctx, t)
		if err != nil {
			return nil, 0, err
		}
		lengths[string(t)] = n
	}

	processing, err := q.GetProcessingJobs(ctx)
	if err != nil {
		return nil, 0, err
	}
	return lengths, len(processing), nil
}

// Close closes the Redis connection
func (q *RedisQueue) Close() error {
	if err := q.client.Close(); err != nil {
		return fmt.Errorf("failed to close redis connection: %w", err)
	}

	log.Info().Msg("Redis queue connection closed")
	return nil
}

// Ping checks if the Redis connection is alive
func (q *RedisQueue) Ping(ctx context.Context) error {
	if err := q.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}
