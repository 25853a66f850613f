package queue

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	apperrors "github.com/R3E-Network/appos/internal/errors"
)

// Redis key layout: appos:tasks:<queue> (pending list),
// appos:tasks:<queue>:processing (claim list shared by the workers),
// appos:tasks:<queue>:delayed (promotion zset).
const (
	redisKeyPrefix       = "appos:tasks:"
	redisPollTimeout     = time.Second
	redisPromoteInterval = time.Second
)

// RedisConfig configures the distributed queue.
type RedisConfig struct {
	Client      *redis.Client
	Queue       string
	Concurrency int
	RetryLimit  int
	Logger      *logrus.Entry
}

// Redis is a list-based reliable queue: LPUSH to enqueue, BRPOPLPUSH into a
// processing list to claim, LREM to acknowledge. Un-acked envelopes stay on
// the processing list for operator requeue after a worker crash, which keeps
// the at-least-once contract.
type Redis struct {
	cfg      RedisConfig
	mu       sync.RWMutex
	handlers map[string]Handler

	stopOnce sync.Once
	stop     context.CancelFunc
	wg       sync.WaitGroup
}

type redisEnvelope struct {
	ID      string          `json:"id"`
	Task    string          `json:"task"`
	Payload json.RawMessage `json:"payload"`
	Attempt int             `json:"attempt"`
}

// NewRedis creates a Redis-backed queue.
func NewRedis(cfg RedisConfig) *Redis {
	if cfg.Queue == "" {
		cfg.Queue = "process_steps"
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.RetryLimit <= 0 {
		cfg.RetryLimit = DefaultRetryLimit
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(logrus.New())
	}
	return &Redis{cfg: cfg, handlers: make(map[string]Handler)}
}

// RegisterHandler binds a task name to its handler.
func (q *Redis) RegisterHandler(task string, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[task] = h
}

func (q *Redis) pendingKey(queue string) string {
	if queue == "" {
		queue = q.cfg.Queue
	}
	return redisKeyPrefix + queue
}

func (q *Redis) processingKey(queue string) string { return q.pendingKey(queue) + ":processing" }
func (q *Redis) delayedKey(queue string) string    { return q.pendingKey(queue) + ":delayed" }

// Enqueue pushes a task envelope, optionally via the delayed zset.
func (q *Redis) Enqueue(ctx context.Context, task string, payload []byte, opts Options) error {
	env := redisEnvelope{ID: uuid.New().String(), Task: task, Payload: payload, Attempt: 1}
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if opts.Delay > 0 {
		due := float64(time.Now().Add(opts.Delay).UnixMilli())
		if err := q.cfg.Client.ZAdd(ctx, q.delayedKey(opts.Queue), &redis.Z{Score: due, Member: raw}).Err(); err != nil {
			return apperrors.Transient(err)
		}
		return nil
	}
	if err := q.cfg.Client.LPush(ctx, q.pendingKey(opts.Queue), raw).Err(); err != nil {
		return apperrors.Transient(err)
	}
	return nil
}

// Start launches the worker and promotion goroutines.
func (q *Redis) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	q.stop = cancel
	for i := 0; i < q.cfg.Concurrency; i++ {
		q.wg.Add(1)
		go q.worker(runCtx)
	}
	q.wg.Add(1)
	go q.promoteDelayed(runCtx)
	return nil
}

// Stop cancels workers and waits for in-flight handlers.
func (q *Redis) Stop() error {
	q.stopOnce.Do(func() {
		if q.stop != nil {
			q.stop()
		}
	})
	q.wg.Wait()
	return nil
}

func (q *Redis) worker(ctx context.Context) {
	defer q.wg.Done()
	pending := q.pendingKey("")
	processing := q.processingKey("")
	for {
		if ctx.Err() != nil {
			return
		}
		raw, err := q.cfg.Client.BRPopLPush(ctx, pending, processing, redisPollTimeout).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			q.cfg.Logger.WithError(err).Warn("queue poll failed")
			time.Sleep(redisPollTimeout)
			continue
		}
		q.handle(ctx, raw, pending, processing)
	}
}

func (q *Redis) handle(ctx context.Context, raw, pending, processing string) {
	// Acknowledge regardless of outcome; redelivery is an explicit re-push.
	defer q.cfg.Client.LRem(context.Background(), processing, 1, raw)

	var env redisEnvelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		q.cfg.Logger.WithError(err).Error("malformed task envelope, dropping")
		return
	}

	q.mu.RLock()
	h, ok := q.handlers[env.Task]
	q.mu.RUnlock()
	if !ok {
		q.cfg.Logger.WithField("task", env.Task).Warn("no handler registered, dropping task")
		return
	}

	err := q.invoke(ctx, h, env.Payload)
	if err == nil {
		return
	}

	if apperrors.IsTransient(err) && env.Attempt < q.cfg.RetryLimit {
		env.Attempt++
		next, merr := json.Marshal(env)
		if merr == nil {
			if perr := q.cfg.Client.LPush(context.Background(), pending, next).Err(); perr == nil {
				q.cfg.Logger.WithFields(logrus.Fields{
					"task":    env.Task,
					"task_id": env.ID,
					"attempt": env.Attempt,
				}).WithError(err).Warn("transient task failure, redelivered")
				return
			}
		}
	}

	q.cfg.Logger.WithFields(logrus.Fields{
		"task":    env.Task,
		"task_id": env.ID,
		"attempt": env.Attempt,
	}).WithError(err).Error("task failed")
}

func (q *Redis) invoke(ctx context.Context, h Handler, payload []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = apperrors.Transientf("handler panic: %v", r)
		}
	}()
	return h(ctx, payload)
}

// promoteDelayed moves due envelopes from the delayed zset onto the pending
// list.
func (q *Redis) promoteDelayed(ctx context.Context) {
	defer q.wg.Done()
	ticker := time.NewTicker(redisPromoteInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := float64(time.Now().UnixMilli())
			delayed := q.delayedKey("")
			due, err := q.cfg.Client.ZRangeByScore(ctx, delayed, &redis.ZRangeBy{
				Min: "-inf", Max: strconv.FormatFloat(now, 'f', -1, 64), Count: 128,
			}).Result()
			if err != nil || len(due) == 0 {
				continue
			}
			pipe := q.cfg.Client.TxPipeline()
			for _, raw := range due {
				pipe.LPush(ctx, q.pendingKey(""), raw)
				pipe.ZRem(ctx, delayed, raw)
			}
			if _, err := pipe.Exec(ctx); err != nil {
				q.cfg.Logger.WithError(err).Warn("delayed task promotion failed")
			}
		}
	}
}
