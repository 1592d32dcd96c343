package workflow

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/mmsattv/panel_backend/config"
	"github.com/mmsattv/panel_backend/models"
	"github.com/mmsattv/panel_backend/utils"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Redis keys for the job pipeline. Workers BRPOP the reseller lane before the
// customer lane so reseller jobs always go first when both have work.
const (
	laneReseller = "jobs:reseller"
	laneCustomer = "jobs:customer"
	retryZSet    = "jobs:retry"
	deadList     = "jobs:dead"
)

// Job is the unit of work handed to the automation worker. It lives only in
// Redis; the operation row stays the source of truth.
type Job struct {
	OperationId     string           `json:"operation_id"`
	Type            models.JobType   `json:"type"`
	OwnerType       models.OwnerType `json:"owner_type"`
	CardNumber      string           `json:"card_number"`
	Duration        *string          `json:"duration,omitempty"`
	PromoCode       *string          `json:"promo_code,omitempty"`
	Amount          *decimal.Decimal `json:"amount,omitempty"`
	CaptchaSolution *string          `json:"captcha_solution,omitempty"`
	PackageName     *string          `json:"package_name,omitempty"`
	Attempts        int              `json:"attempts"`
	EnqueuedAt      time.Time        `json:"enqueued_at"`
}

func (j Job) lane() string {
	if j.OwnerType == models.OwnerTypeCustomer {
		return laneCustomer
	}
	return laneReseller
}

// JobEnqueuer is what the workflow needs from the queue. The Redis
// implementation is swapped for a fake in unit tests.
type JobEnqueuer interface {
	Enqueue(ctx context.Context, job Job) error
	RequeueWithBackoff(ctx context.Context, job Job) error
}

// jobQueue is the process-wide queue. server.go wires the Redis queue in
// after connecting; tests inject fakes via SetJobQueue.
var jobQueue JobEnqueuer

func SetJobQueue(q JobEnqueuer) {
	jobQueue = q
}

func enqueueJob(ctx context.Context, job Job) error {
	if jobQueue == nil {
		return utils.ErrorQueueUnavailable
	}
	return jobQueue.Enqueue(ctx, job)
}

// JobDispatcher owns the Redis side of the pipeline: immediate pushes onto
// the priority lanes, the retry schedule, and the dead-letter list.
type JobDispatcher struct {
	Redis        *redis.Client
	Logger       *logrus.Logger
	DispatcherID string

	// PumpInterval is how often due retries are moved back onto their lane.
	PumpInterval time.Duration
	// MaxAttempts before a job is parked on the dead-letter list.
	MaxAttempts int
	// InitialBackoff seeds the exponential retry schedule.
	InitialBackoff time.Duration
	// PumpBatch bounds how many due retries one pump cycle moves.
	PumpBatch int
}

func NewJobDispatcher(rdb *redis.Client, logger *logrus.Logger) *JobDispatcher {
	return &JobDispatcher{
		Redis:          rdb,
		Logger:         logger,
		DispatcherID:   uuid.NewString(),
		PumpInterval:   2 * time.Second,
		MaxAttempts:    5,
		InitialBackoff: 3 * time.Second,
		PumpBatch:      100,
	}
}

// Enqueue pushes the job onto its priority lane for immediate pickup.
func (d *JobDispatcher) Enqueue(ctx context.Context, job Job) error {
	job.EnqueuedAt = time.Now().UTC()
	payload, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return d.Redis.LPush(ctx, job.lane(), payload).Err()
}

// RequeueWithBackoff schedules the job for a later attempt, or parks it on
// the dead-letter list once attempts are exhausted.
func (d *JobDispatcher) RequeueWithBackoff(ctx context.Context, job Job) error {
	job.Attempts++
	payload, err := json.Marshal(job)
	if err != nil {
		return err
	}
	if job.Attempts >= d.MaxAttempts {
		d.Logger.WithFields(logrus.Fields{
			"operation_id": job.OperationId,
			"job_type":     job.Type,
			"attempts":     job.Attempts,
		}).Warn("job moved to dead letter")
		return d.Redis.LPush(ctx, deadList, payload).Err()
	}
	due := time.Now().UTC().Add(d.backoffFor(job.Attempts))
	return d.Redis.ZAdd(ctx, retryZSet, redis.Z{
		Score:  float64(due.UnixMilli()),
		Member: payload,
	}).Err()
}

// backoffFor doubles per attempt from InitialBackoff, capped at 60s.
func (d *JobDispatcher) backoffFor(attempts int) time.Duration {
	backoff := d.InitialBackoff
	if backoff <= 0 {
		backoff = 3 * time.Second
	}
	for i := 1; i < attempts; i++ {
		backoff *= 2
		if backoff >= 60*time.Second {
			return 60 * time.Second
		}
	}
	return backoff
}

// Run pumps due retries back onto their lanes until ctx is cancelled.
func (d *JobDispatcher) Run(ctx context.Context) {
	d.Logger.WithFields(logrus.Fields{
		"dispatcher_id": d.DispatcherID,
		"interval":      d.PumpInterval.String(),
	}).Info("job dispatcher started")

	ticker := time.NewTicker(d.PumpInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			d.Logger.WithField("dispatcher_id", d.DispatcherID).Info("job dispatcher stopped")
			return
		case <-ticker.C:
			if n, err := d.pumpOnce(ctx); err != nil {
				config.LogError(d.Logger, "workflow", "pumpOnce", "retry pump", map[string]interface{}{
					"dispatcher_id": d.DispatcherID,
				}, err)
			} else if n > 0 {
				d.Logger.WithFields(logrus.Fields{
					"dispatcher_id": d.DispatcherID,
					"moved":         n,
				}).Info("requeued due jobs")
			}
		}
	}
}

// pumpOnce moves jobs whose retry time has passed from the schedule back to
// their lane. ZRem makes each job move exactly once even with several pumps
// running: only the remover that deletes the member gets to push it.
func (d *JobDispatcher) pumpOnce(ctx context.Context) (int, error) {
	now := time.Now().UTC().UnixMilli()
	members, err := d.Redis.ZRangeByScore(ctx, retryZSet, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   formatMilli(now),
		Count: int64(d.PumpBatch),
	}).Result()
	if err != nil {
		return 0, err
	}

	moved := 0
	for _, member := range members {
		removed, err := d.Redis.ZRem(ctx, retryZSet, member).Result()
		if err != nil {
			return moved, err
		}
		if removed == 0 {
			continue
		}
		var job Job
		if err := json.Unmarshal([]byte(member), &job); err != nil {
			// Unparseable member: park it rather than loop forever.
			if perr := d.Redis.LPush(ctx, deadList, member).Err(); perr != nil {
				return moved, perr
			}
			continue
		}
		if err := d.Redis.LPush(ctx, job.lane(), member).Err(); err != nil {
			return moved, err
		}
		moved++
	}
	return moved, nil
}

// DeadLetters returns up to limit parked jobs, newest first.
func (d *JobDispatcher) DeadLetters(ctx context.Context, limit int) ([]Job, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	raw, err := d.Redis.LRange(ctx, deadList, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}
	jobs := make([]Job, 0, len(raw))
	for _, item := range raw {
		var job Job
		if err := json.Unmarshal([]byte(item), &job); err != nil {
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func formatMilli(ms int64) string {
	return strconv.FormatInt(ms, 10)
}
