package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"painchain.app/ingest/common/logger"
)

const (
	defaultBackoffBase = 2 * time.Second
	defaultBackoffMax  = 5 * time.Minute
	defaultHistory     = 500
	promoteBatch       = 100
)

type ConsumerConfig struct {
	Prefix           string        // Stream key prefix, e.g. "poll_jobs"
	Group            string        // Redis consumer group name
	Consumer         string        // Redis consumer name
	BatchSize        int64         // Number of messages to read per call
	Block            time.Duration // How long the combined read waits for new messages
	BackoffBase      time.Duration // Delay before the first retry
	BackoffMax       time.Duration // Upper bound for any retry delay
	CompletedHistory int64         // Approximate length of the completed stream
	FailedHistory    int64         // Approximate length of the failed stream
}

type RedisConsumer struct {
	client  *redis.Client
	cfg     ConsumerConfig
	streams Streams
	now     func() time.Time
}

func NewRedisConsumer(client *redis.Client, cfg ConsumerConfig) (*RedisConsumer, error) {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = defaultBackoffBase
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = defaultBackoffMax
	}
	if cfg.CompletedHistory <= 0 {
		cfg.CompletedHistory = defaultHistory
	}
	if cfg.FailedHistory <= 0 {
		cfg.FailedHistory = defaultHistory
	}

	consumer := &RedisConsumer{
		client:  client,
		cfg:     cfg,
		streams: Streams{Prefix: cfg.Prefix},
		now:     time.Now,
	}

	if err := consumer.ensureGroups(context.Background()); err != nil { //nolint:contextcheck
		return nil, err
	}
	return consumer, nil
}

func (c *RedisConsumer) ensureGroups(ctx context.Context) error {
	for _, stream := range []string{c.streams.High(), c.streams.Normal()} {
		// "0" so a recreated group still sees jobs already in the stream.
		if err := c.client.XGroupCreateMkStream(ctx, stream, c.cfg.Group, "0").Err(); err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
			return fmt.Errorf("creating consumer group on %s: %w", stream, err)
		}
	}
	return nil
}

func (c *RedisConsumer) Streams() Streams {
	return c.streams
}

func (c *RedisConsumer) Group() string {
	return c.cfg.Group
}

// Read returns pending high priority jobs if there are any. Otherwise it blocks on
// both streams for up to Block.
func (c *RedisConsumer) Read(ctx context.Context) ([]Message, error) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		Component: "ingest.queue.consumer",
	})

	// A negative Block leaves out the BLOCK argument, which makes the read return immediately.
	high, err := c.read(ctx, []string{c.streams.High(), ">"}, -1)
	if err != nil {
		return nil, err
	}
	if len(high) > 0 {
		return high, nil
	}

	return c.read(ctx, []string{c.streams.High(), c.streams.Normal(), ">", ">"}, c.cfg.Block)
}

func (c *RedisConsumer) read(ctx context.Context, streams []string, block time.Duration) ([]Message, error) {
	result, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.cfg.Group,
		Consumer: c.cfg.Consumer,
		Streams:  streams,
		Count:    c.cfg.BatchSize,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []Message{}, nil
		}
		return nil, fmt.Errorf("reading from streams: %w", err)
	}

	var messages []Message
	for _, stream := range result {
		for _, raw := range stream.Messages {
			msg, parseErr := ParseMessage(stream.Stream, raw)
			if parseErr != nil {
				slog.ErrorContext(ctx, "failed to parse poll job",
					"error", parseErr,
					"raw_message_id", raw.ID,
					"stream", stream.Stream)
				_ = c.Ack(ctx, Message{ID: raw.ID, Stream: stream.Stream, Raw: raw})
				continue
			}
			messages = append(messages, msg)
		}
	}

	if len(messages) > 0 {
		slog.DebugContext(ctx, "read poll jobs",
			"count", len(messages),
			"consumer", c.cfg.Consumer)
	}
	return messages, nil
}

func (c *RedisConsumer) Ack(ctx context.Context, msg Message) error {
	if err := c.client.XAck(ctx, msg.Stream, c.cfg.Group, msg.ID).Err(); err != nil {
		return fmt.Errorf("xack (stream=%s): %w", msg.Stream, err)
	}
	return nil
}

// Backoff is the delay before retrying a job whose attempt-th run failed.
func (c *RedisConsumer) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(c.cfg.BackoffBase) * math.Pow(2, float64(attempt-1))
	if delay > float64(c.cfg.BackoffMax) {
		return c.cfg.BackoffMax
	}
	return time.Duration(delay)
}

// promoteScript moves one retry entry onto its stream. The ZREM and XADD run as
// one step, so concurrent pumps promote each entry once and a crash loses nothing.
var promoteScript = redis.NewScript(`
if redis.call("ZREM", KEYS[1], ARGV[1]) == 0 then
	return 0
end
redis.call("XADD", KEYS[2], "*", unpack(ARGV, 2))
return 1
`)

// Retry parks the next attempt of msg in the retry set until its backoff elapses.
// The ack and the ZADD commit together.
func (c *RedisConsumer) Retry(ctx context.Context, msg Message, cause error) (time.Time, error) {
	job := msg.Job
	due := c.now().Add(c.Backoff(job.Attempt))
	job.Attempt++
	job.LastError = errorText(cause)

	member, err := json.Marshal(job)
	if err != nil {
		return time.Time{}, fmt.Errorf("encoding retry job: %w", err)
	}

	if _, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, c.streams.Retry(), redis.Z{
			Score:  float64(due.UnixMilli()),
			Member: string(member),
		})
		pipe.XAck(ctx, msg.Stream, c.cfg.Group, msg.ID)
		return nil
	}); err != nil {
		return time.Time{}, fmt.Errorf("scheduling retry (stream=%s): %w", msg.Stream, err)
	}

	slog.InfoContext(ctx, "poll job scheduled for retry",
		"next_attempt", job.Attempt,
		"due", due,
		"reason", job.LastError)
	return due, nil
}

// PromoteDue moves every retry whose time has come back onto its priority stream.
// Safe to run from several workers.
func (c *RedisConsumer) PromoteDue(ctx context.Context, now time.Time) (int, error) {
	members, err := c.client.ZRangeByScore(ctx, c.streams.Retry(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: promoteBatch,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("listing due retries: %w", err)
	}

	promoted := 0
	for _, member := range members {
		var job PollJob
		if err := json.Unmarshal([]byte(member), &job); err != nil {
			slog.ErrorContext(ctx, "dropping undecodable retry entry", "error", err)
			if err := c.client.ZRem(ctx, c.streams.Retry(), member).Err(); err != nil {
				return promoted, fmt.Errorf("zrem retry: %w", err)
			}
			continue
		}

		args := []any{member}
		for k, v := range jobValues(job) {
			args = append(args, k, v)
		}
		moved, err := promoteScript.Run(ctx, c.client,
			[]string{c.streams.Retry(), c.streams.For(job.Priority)}, args...).Int()
		if err != nil {
			return promoted, fmt.Errorf("promoting retry: %w", err)
		}
		promoted += moved
	}
	return promoted, nil
}

// Fail records msg in the failed history and acks it in the same transaction.
func (c *RedisConsumer) Fail(ctx context.Context, msg Message, cause error) error {
	values := jobValues(msg.Job)
	values["error"] = errorText(cause)
	values["failed_at"] = c.now().UTC().Format(time.RFC3339Nano)

	if err := c.settle(ctx, msg, c.streams.Failed(), c.cfg.FailedHistory, values); err != nil {
		return fmt.Errorf("recording failed job: %w", err)
	}

	slog.ErrorContext(ctx, "poll job failed permanently",
		"attempts", msg.Job.Attempt,
		"final_error", values["error"])
	return nil
}

// Complete records the outcome of msg in the completed history and acks it in the same transaction.
func (c *RedisConsumer) Complete(ctx context.Context, msg Message, result map[string]any) error {
	values := jobValues(msg.Job)
	for k, v := range result {
		values[k] = v
	}
	values["completed_at"] = c.now().UTC().Format(time.RFC3339Nano)

	if err := c.settle(ctx, msg, c.streams.Completed(), c.cfg.CompletedHistory, values); err != nil {
		return fmt.Errorf("recording completed job: %w", err)
	}
	return nil
}

// settle appends values to a history stream and acks msg inside MULTI/EXEC.
func (c *RedisConsumer) settle(ctx context.Context, msg Message, history string, maxLen int64, values map[string]any) error {
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: history,
			MaxLen: maxLen,
			Approx: true,
			Values: values,
		})
		pipe.XAck(ctx, msg.Stream, c.cfg.Group, msg.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("xadd %s + xack %s: %w", history, msg.Stream, err)
	}
	return nil
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
