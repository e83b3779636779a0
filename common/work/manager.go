package work

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	redisv9 "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/geoforge/chunk-processing-service/common/redis"
)

const (
	jobStateKeyPrefix = "job:state:"
	runningState      = "running"
	// jobTimeout sets how long a job is considered running before it's considered stale.
	// This prevents jobs that died without proper cleanup from being stuck in 'running' state forever.
	jobTimeout = 24 * time.Hour
)

// JobManager guards job-level state in Redis so the same job id cannot be
// driven by two coordinators at once, and so an operator can see which jobs
// survived a restart.
type JobManager struct {
	redis *redis.RedisClient
}

// NewJobManager creates a new JobManager. The redis client may be nil; in
// that case every operation is a no-op and single-process operation is
// assumed.
func NewJobManager(client *redis.RedisClient) *JobManager {
	return &JobManager{
		redis: client,
	}
}

// getJobKey returns the Redis key for a given job ID.
func (jm *JobManager) getJobKey(jobID string) string {
	return fmt.Sprintf("%s%s", jobStateKeyPrefix, jobID)
}

// Start marks a job as running. It sets a key in Redis with an expiration.
// If the job is already running elsewhere, it returns an error.
func (jm *JobManager) Start(ctx context.Context, jobID string) error {
	if jm.redis == nil {
		return nil
	}

	key := jm.getJobKey(jobID)
	// SetNX to prevent starting a job that is already running.
	ok, err := jm.redis.SetNX(ctx, key, runningState, jobTimeout)
	if err != nil {
		return fmt.Errorf("failed to start job %s: %w", jobID, err)
	}
	if !ok {
		return fmt.Errorf("job %s is already running", jobID)
	}

	log.Info().Str("jobID", jobID).Msg("Job started")
	return nil
}

// IsRunning checks if a job is currently marked as running. The key only
// ever holds the running state, so existence is the whole answer.
func (jm *JobManager) IsRunning(ctx context.Context, jobID string) (bool, error) {
	if jm.redis == nil {
		return false, nil
	}

	running, err := jm.redis.Exists(ctx, jm.getJobKey(jobID))
	if err != nil {
		return false, fmt.Errorf("failed to get job state for %s: %w", jobID, err)
	}
	return running, nil
}

// Complete marks a job as completed by removing its state from Redis.
func (jm *JobManager) Complete(ctx context.Context, jobID string) error {
	return jm.removeJob(ctx, jobID)
}

// Cancel marks a job as cancelled by removing its state from Redis.
func (jm *JobManager) Cancel(ctx context.Context, jobID string) error {
	return jm.removeJob(ctx, jobID)
}

func (jm *JobManager) removeJob(ctx context.Context, jobID string) error {
	if jm.redis == nil {
		return nil
	}

	key := jm.getJobKey(jobID)
	if err := jm.redis.Delete(ctx, key); err != nil {
		return fmt.Errorf("failed to remove job %s: %w", jobID, err)
	}
	return nil
}

// ListRunningJobs returns a slice of job IDs for all jobs currently marked as
// running. This can be used on startup to find and resume stale jobs.
// It uses SCAN to avoid blocking the Redis server.
func (jm *JobManager) ListRunningJobs(ctx context.Context) ([]string, error) {
	if jm.redis == nil {
		return nil, nil
	}

	var jobIDs []string
	pattern := fmt.Sprintf("%s*", jobStateKeyPrefix)

	iter := jm.redis.GetClient().Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		jobID := strings.TrimPrefix(key, jobStateKeyPrefix)
		jobIDs = append(jobIDs, jobID)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan for running jobs in Redis: %w", err)
	}

	return jobIDs, nil
}

// Resume checks if a job is running and extends its expiration if it is.
func (jm *JobManager) Resume(ctx context.Context, jobID string) (bool, error) {
	if jm.redis == nil {
		return false, nil
	}

	key := jm.getJobKey(jobID)
	state, err := jm.redis.Get(ctx, key)
	if err != nil {
		if errors.Is(err, redisv9.Nil) {
			return false, nil // Not running
		}
		return false, fmt.Errorf("failed to get job state for %s: %w", jobID, err)
	}

	if state == runningState {
		// If it's running, extend the expiration time.
		if err := jm.redis.Set(ctx, key, runningState, jobTimeout); err != nil {
			return true, fmt.Errorf("failed to extend job session for %s: %w", jobID, err)
		}
		return true, nil
	}

	return false, nil
}
