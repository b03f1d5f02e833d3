package queue

import (
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
)

func (p Priority) Valid() bool {
	return p == PriorityHigh || p == PriorityNormal
}

// PollJob asks a worker to sync one connection.
type PollJob struct {
	ID           string    `json:"id"`
	ConnectionID int64     `json:"connection_id"`
	Priority     Priority  `json:"priority"`
	Attempt      int       `json:"attempt"`
	EnqueuedAt   time.Time `json:"enqueued_at"`
	LastError    string    `json:"last_error,omitempty"`
	TraceID      string    `json:"trace_id,omitempty"`
}

// Message is a PollJob as delivered from one of the priority streams.
type Message struct {
	ID     string
	Stream string
	Job    PollJob
	Raw    redis.XMessage
}

// Streams derives every key the queue uses from one prefix.
type Streams struct {
	Prefix string
}

func (s Streams) For(p Priority) string {
	if p == PriorityHigh {
		return s.High()
	}
	return s.Normal()
}

func (s Streams) High() string      { return s.Prefix + ":high" }
func (s Streams) Normal() string    { return s.Prefix + ":normal" }
func (s Streams) Retry() string     { return s.Prefix + ":retry" }
func (s Streams) Failed() string    { return s.Prefix + ":failed" }
func (s Streams) Completed() string { return s.Prefix + ":completed" }

// Priority reports which priority stream name belongs to.
func (s Streams) Priority(stream string) Priority {
	if stream == s.High() {
		return PriorityHigh
	}
	return PriorityNormal
}

func ParseMessage(stream string, msg redis.XMessage) (Message, error) {
	jobID, err := parseString(msg.Values, "job_id")
	if err != nil {
		return Message{}, err
	}
	connectionID, err := parseInt64(msg.Values, "connection_id")
	if err != nil {
		return Message{}, err
	}

	priority := Priority(parseOptionalString(msg.Values, "priority"))
	if priority == "" {
		priority = PriorityNormal
	}
	if !priority.Valid() {
		return Message{}, fmt.Errorf("unknown priority %q", priority)
	}

	attempt, err := parseOptionalInt(msg.Values, "attempt")
	if err != nil {
		return Message{}, err
	}
	if attempt == 0 {
		attempt = 1
	}

	var enqueuedAt time.Time
	if raw := parseOptionalString(msg.Values, "enqueued_at"); raw != "" {
		if enqueuedAt, err = time.Parse(time.RFC3339Nano, raw); err != nil {
			return Message{}, fmt.Errorf("parsing enqueued_at: %w", err)
		}
	}

	return Message{
		ID:     msg.ID,
		Stream: stream,
		Job: PollJob{
			ID:           jobID,
			ConnectionID: connectionID,
			Priority:     priority,
			Attempt:      attempt,
			EnqueuedAt:   enqueuedAt,
			LastError:    parseOptionalString(msg.Values, "last_error"),
			TraceID:      parseOptionalString(msg.Values, "trace_id"),
		},
		Raw: msg,
	}, nil
}

func jobValues(job PollJob) map[string]any {
	values := map[string]any{
		"job_id":        job.ID,
		"connection_id": job.ConnectionID,
		"priority":      string(job.Priority),
		"attempt":       job.Attempt,
		"enqueued_at":   job.EnqueuedAt.UTC().Format(time.RFC3339Nano),
	}
	if job.LastError != "" {
		values["last_error"] = job.LastError
	}
	if job.TraceID != "" {
		values["trace_id"] = job.TraceID
	}
	return values
}

func parseInt64(values map[string]any, key string) (int64, error) {
	raw, ok := values[key]
	if !ok {
		return 0, fmt.Errorf("missing %s", key)
	}
	num, err := strconv.ParseInt(fmt.Sprint(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing %s: %w", key, err)
	}
	return num, nil
}

func parseString(values map[string]any, key string) (string, error) {
	raw, ok := values[key]
	if !ok {
		return "", fmt.Errorf("missing %s", key)
	}
	s := fmt.Sprint(raw)
	if s == "" {
		return "", fmt.Errorf("empty %s", key)
	}
	return s, nil
}

func parseOptionalInt(values map[string]any, key string) (int, error) {
	raw, ok := values[key]
	if !ok {
		return 0, nil
	}
	num, err := strconv.Atoi(fmt.Sprint(raw))
	if err != nil {
		return 0, fmt.Errorf("parsing %s: %w", key, err)
	}
	return num, nil
}

func parseOptionalString(values map[string]any, key string) string {
	raw, ok := values[key]
	if !ok {
		return ""
	}
	return fmt.Sprint(raw)
}
