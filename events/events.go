// Package events publishes run lifecycle events to NATS as JSON messages.
//
// Subjects have the form <prefix>.<pipeline>.<kind>, for example
// "podflow.podcast.stage.finished". Publishing is best effort: a failure to
// publish is logged and never affects the run.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/deepnoodle-ai/podflow"
)

// Event kinds, used as the last subject tokens.
const (
	KindRunStarted    = "run.started"
	KindRunFinished   = "run.finished"
	KindStageStarted  = "stage.started"
	KindStageFinished = "stage.finished"
	KindAttempt       = "attempt"
)

// DefaultPrefix is the subject prefix used when none is configured.
const DefaultPrefix = "podflow"

// Connection is the part of *nats.Conn the publisher needs.
type Connection interface {
	Publish(subject string, data []byte) error
}

var (
	_ Connection        = (*nats.Conn)(nil)
	_ podflow.Callbacks = (*Publisher)(nil)
)

// Event is the JSON payload of every message.
type Event struct {
	Kind      string            `json:"kind"`
	RunID     string            `json:"run_id"`
	Pipeline  string            `json:"pipeline"`
	Stage     string            `json:"stage,omitempty"`
	Status    string            `json:"status,omitempty"`
	Attempt   int               `json:"attempt,omitempty"`
	Fallback  bool              `json:"fallback,omitempty"`
	Degraded  bool              `json:"degraded,omitempty"`
	ErrorKind podflow.ErrorKind `json:"error_kind,omitempty"`
	Error     string            `json:"error,omitempty"`
	Duration  float64           `json:"duration,omitempty"`
	Time      time.Time         `json:"time"`
}

// Options configures a Publisher.
type Options struct {
	Conn   Connection
	Prefix string
	Logger *slog.Logger

	// Attempts enables one message per handler attempt.
	Attempts bool
}

// Publisher implements podflow.Callbacks by publishing each event.
type Publisher struct {
	conn     Connection
	prefix   string
	logger   *slog.Logger
	attempts bool
}

// New returns a Publisher for the given connection.
func New(opts Options) (*Publisher, error) {
	if opts.Conn == nil {
		return nil, fmt.Errorf("nats connection is required")
	}
	prefix := strings.Trim(opts.Prefix, ".")
	if prefix == "" {
		prefix = DefaultPrefix
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Publisher{
		conn:     opts.Conn,
		prefix:   prefix,
		logger:   logger,
		attempts: opts.Attempts,
	}, nil
}

// Connect dials the NATS server at url and returns a publisher over it. The
// caller owns the returned connection.
func Connect(url string, opts Options) (*Publisher, *nats.Conn, error) {
	conn, err := nats.Connect(url,
		nats.Name("podflow"),
		nats.MaxReconnects(5),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to NATS: %w", err)
	}
	opts.Conn = conn
	publisher, err := New(opts)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	return publisher, conn, nil
}

// Subject returns the subject events of the given kind are published on.
func (p *Publisher) Subject(pipeline, kind string) string {
	return p.prefix + "." + token(pipeline) + "." + kind
}

func (p *Publisher) publish(event *Event) {
	if event.Time.IsZero() {
		event.Time = time.Now().UTC()
	}
	data, err := json.Marshal(event)
	if err != nil {
		p.logger.Warn("failed to encode event", "kind", event.Kind, "error", err)
		return
	}
	subject := p.Subject(event.Pipeline, event.Kind)
	if err := p.conn.Publish(subject, data); err != nil {
		p.logger.Warn("failed to publish event", "subject", subject, "error", err)
	}
}

func (p *Publisher) BeforeRun(ctx context.Context, event *podflow.RunEvent) {
	p.publish(&Event{
		Kind:     KindRunStarted,
		RunID:    event.RunID,
		Pipeline: event.Pipeline,
		Status:   string(event.Status),
		Time:     event.StartTime,
	})
}

func (p *Publisher) AfterRun(ctx context.Context, event *podflow.RunEvent) {
	p.publish(&Event{
		Kind:      KindRunFinished,
		RunID:     event.RunID,
		Pipeline:  event.Pipeline,
		Status:    string(event.Status),
		ErrorKind: errorKind(event.Error),
		Error:     errorString(event.Error),
		Duration:  event.Duration.Seconds(),
	})
}

func (p *Publisher) BeforeStage(ctx context.Context, event *podflow.StageEvent) {
	p.publish(&Event{
		Kind:     KindStageStarted,
		RunID:    event.RunID,
		Pipeline: event.Pipeline,
		Stage:    event.Stage,
		Status:   string(event.Status),
		Attempt:  event.Attempts,
		Time:     event.StartTime,
	})
}

func (p *Publisher) AfterStage(ctx context.Context, event *podflow.StageEvent) {
	p.publish(&Event{
		Kind:      KindStageFinished,
		RunID:     event.RunID,
		Pipeline:  event.Pipeline,
		Stage:     event.Stage,
		Status:    string(event.Status),
		Attempt:   event.Attempts,
		Degraded:  event.Degraded,
		ErrorKind: errorKind(event.Error),
		Error:     errorString(event.Error),
		Duration:  event.Duration.Seconds(),
	})
}

func (p *Publisher) BeforeAttempt(ctx context.Context, event *podflow.AttemptEvent) {}

func (p *Publisher) AfterAttempt(ctx context.Context, event *podflow.AttemptEvent) {
	if !p.attempts {
		return
	}
	p.publish(&Event{
		Kind:      KindAttempt,
		RunID:     event.RunID,
		Pipeline:  event.Pipeline,
		Stage:     event.Stage,
		Attempt:   event.Attempt,
		Fallback:  event.Fallback,
		ErrorKind: event.Kind,
		Error:     errorString(event.Error),
		Duration:  event.Duration.Seconds(),
	})
}

// token makes a name safe to use as a single subject token.
func token(name string) string {
	if name == "" {
		return "_"
	}
	return strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_").Replace(name)
}

func errorKind(err error) podflow.ErrorKind {
	if err == nil {
		return ""
	}
	return podflow.KindOf(err)
}

func errorString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
