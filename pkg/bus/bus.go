// Package bus republishes test-run events to listeners outside the
// orchestrator process and carries run requests from them. NATS backs it
// when a server URL is configured; MemoryBus serves single-process setups
// and tests.
package bus

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/odvcencio/bigtest/pkg/logging"
)

var (
	// ErrTimeout is returned when a request times out waiting for a response.
	ErrTimeout = errors.New("request timeout")

	// ErrNoResponders is returned when nobody handles a request subject.
	ErrNoResponders = errors.New("no responders available")

	// ErrClosed is returned when operating on a closed bus.
	ErrClosed = errors.New("bus closed")
)

// Subjects used by the orchestrator.
const (
	// SubjectRunPrefix prefixes bigtest.run.<runId>.<agentId>, which carries
	// every event folded into a test run.
	SubjectRunPrefix = "bigtest.run"
	// SubjectRunRequest accepts run requests and replies with the run id.
	SubjectRunRequest = "bigtest.control.run"
)

// MessageBus is implemented by MemoryBus and NATSBus. Implementations are
// safe for concurrent use.
type MessageBus interface {
	// Publish sends data to every subscriber of subject without waiting.
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe calls handler for each message on subject, one message at a
	// time. "*" matches one token and a trailing ">" matches the rest.
	Subscribe(ctx context.Context, subject string, handler MessageHandler) (Subscription, error)

	// Request publishes data and waits for the first reply.
	Request(ctx context.Context, subject string, data []byte, timeout time.Duration) ([]byte, error)

	Close() error
}

// MessageHandler processes one message. A non-nil return value is sent back
// when the sender expects a reply.
type MessageHandler func(msg *Message) []byte

// Message is one delivery.
type Message struct {
	Subject string
	Data    []byte
	ReplyTo string
}

// Subscription is an active subscription.
type Subscription interface {
	Unsubscribe() error
	Subject() string
}

// Config selects and tunes the bus implementation.
type Config struct {
	// URL of the NATS server. Empty selects the in-memory bus.
	URL string

	// Name identifies this client to the server.
	Name string

	Timeout time.Duration

	// Logger receives connection state changes.
	Logger *logging.Logger
}

func DefaultConfig() Config {
	return Config{
		Name:    "bigtest",
		Timeout: 10 * time.Second,
	}
}

// Open returns a NATSBus when cfg.URL is set and a MemoryBus otherwise.
func Open(cfg Config) (MessageBus, error) {
	if cfg.URL == "" {
		return NewMemoryBus(), nil
	}
	return NewNATSBus(cfg)
}

// RunSubject is the subject of the events of agentID in runID.
func RunSubject(runID, agentID string) string {
	return SubjectRunPrefix + "." + Token(runID) + "." + Token(agentID)
}

// Token makes s usable as a single subject token.
func Token(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, s)
}
