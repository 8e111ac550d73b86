package transports

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when the server has no matching resource.
var ErrNotFound = errors.New("not found")

// DeadLetter is one record returned by ListDeadLetters.
type DeadLetter struct {
	MessageID           string            `json:"messageId"`
	Destination         string            `json:"destination"`
	OriginalMessageID   string            `json:"originalMessageId"`
	OriginalDestination string            `json:"originalDestination"`
	Cause               string            `json:"cause"`
	RedeliveryCounter   int               `json:"redeliveryCounter"`
	DivertedAt          time.Time         `json:"divertedAt"`
	Properties          map[string]string `json:"properties,omitempty"`
	Body                []byte            `json:"body,omitempty"`
}

// DeadLetterQuery filters ListDeadLetters. An empty Field matches every record.
type DeadLetterQuery struct {
	Field string
	Value string
	Limit int
}

// Resolution reports the policy governing a destination.
type Resolution struct {
	Destination string         `json:"destination"`
	Pattern     string         `json:"pattern,omitempty"`
	Policy      map[string]any `json:"policy"`
	DelaysMs    []int64        `json:"delaysMs"`
}

// RedeliveryState is the server's view of one tracked message.
type RedeliveryState struct {
	Key          string     `json:"key"`
	AttemptCount int        `json:"attemptCount"`
	NextEligible *time.Time `json:"nextEligible,omitempty"`
	LastDelayMs  int64      `json:"lastDelayMs"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// AdminTransport abstracts the transport used by the CLI.
type AdminTransport interface {
	Send(ctx context.Context, dest string, body []byte, props map[string]string) (id string, err error)
	ListDeadLetters(ctx context.Context, q DeadLetterQuery) ([]DeadLetter, error)
	Resolve(ctx context.Context, dest string) (Resolution, error)
	State(ctx context.Context, key string) (RedeliveryState, error)
}

// HealthTransport reports server health.
type HealthTransport interface {
	Health(ctx context.Context) (string, error)
}
