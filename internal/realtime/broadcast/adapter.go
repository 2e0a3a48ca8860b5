// Package broadcast relays realtime envelopes between processes over a
// shared bus. A publish is delivered by the echo from the bus, including
// on the publishing process, so every subscribed connection in the
// cluster receives an envelope once.
package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"switchboard/internal/platform/bus"
	"switchboard/internal/realtime"
	"switchboard/pkg/platform/sentinel"
)

// ErrReconnectExhausted is returned by Run when the bus stayed unreachable
// for every reconnect attempt. It is fatal for the process.
var ErrReconnectExhausted = errors.New("bus reconnect attempts exhausted")

var errAdapterClosed = errors.New("broadcast adapter closed")

// State is the adapter's connection state.
type State int

const (
	StateIdle State = iota
	StateConnected
	StateReconnecting
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Deliverer fans an envelope out to local connections.
type Deliverer interface {
	DeliverTopic(ctx context.Context, env realtime.Envelope) int
}

// Recorder is the metrics surface of the adapter.
type Recorder interface {
	ObservePublish(result string)
	ObserveReceived(delivered int)
	SetBusConnected(connected bool)
	IncrementBusReconnects()
}

// Policy controls reconnect pacing.
type Policy struct {
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	Multiplier          float64
	RandomizationFactor float64
	MaxAttempts         int
}

// DefaultPolicy is used in production.
func DefaultPolicy() Policy {
	return Policy{
		InitialInterval:     200 * time.Millisecond,
		MaxInterval:         10 * time.Second,
		Multiplier:          2,
		RandomizationFactor: 0.5,
		MaxAttempts:         20,
	}
}

const defaultSeenWindow = 4096

// Adapter publishes envelopes to the bus and delivers envelopes received
// from it to the local registry.
type Adapter struct {
	processID string
	pub       bus.Publisher
	sub       bus.Subscriber
	local     Deliverer
	logger    *slog.Logger
	recorder  Recorder
	policy    Policy
	seen      *lru.Cache
	tracer    trace.Tracer

	mu           sync.Mutex
	state        State
	subscription bus.Subscription
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithPolicy overrides the reconnect policy.
func WithPolicy(p Policy) Option {
	return func(a *Adapter) { a.policy = p }
}

// WithRecorder attaches metrics.
func WithRecorder(r Recorder) Option {
	return func(a *Adapter) { a.recorder = r }
}

// New builds an adapter. It does not touch the bus until Start.
func New(processID string, pub bus.Publisher, sub bus.Subscriber, local Deliverer, logger *slog.Logger, opts ...Option) (*Adapter, error) {
	seen, err := lru.New(defaultSeenWindow)
	if err != nil {
		return nil, fmt.Errorf("seen window: %w", err)
	}
	a := &Adapter{
		processID: processID,
		pub:       pub,
		sub:       sub,
		local:     local,
		logger:    logger.With("component", "broadcast", "process_id", processID),
		policy:    DefaultPolicy(),
		seen:      seen,
		tracer:    otel.Tracer("switchboard/broadcast"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Start establishes the publish and subscribe connections. The process
// must not accept realtime traffic until Start returns nil.
func (a *Adapter) Start(ctx context.Context) error {
	if err := a.pub.Ping(ctx); err != nil {
		return fmt.Errorf("broadcast publish connection: %w", err)
	}
	sub, err := a.sub.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("broadcast subscribe connection: %w", err)
	}
	a.mu.Lock()
	a.subscription = sub
	a.mu.Unlock()
	a.setState(StateConnected)
	a.logger.InfoContext(ctx, "broadcast adapter connected")
	return nil
}

// Run receives envelopes until ctx ends. A dropped subscription moves the
// adapter to Reconnecting; when the policy runs out of attempts Run
// returns ErrReconnectExhausted.
func (a *Adapter) Run(ctx context.Context) error {
	a.mu.Lock()
	sub := a.subscription
	a.mu.Unlock()
	if sub == nil {
		return fmt.Errorf("broadcast adapter not started: %w", sentinel.ErrInvalidState)
	}

	for {
		err := a.receive(ctx, sub)
		_ = sub.Close()
		if ctx.Err() != nil || a.State() == StateClosed {
			a.setState(StateClosed)
			return nil
		}
		a.logger.WarnContext(ctx, "bus subscription lost", "error", err)
		a.setState(StateReconnecting)

		sub, err = a.reconnect(ctx)
		if err != nil {
			if ctx.Err() != nil || a.State() == StateClosed {
				a.setState(StateClosed)
				return nil
			}
			a.setState(StateFailed)
			a.logger.ErrorContext(ctx, "bus reconnect failed", "error", err)
			return err
		}
		if !a.adopt(sub) {
			return nil
		}
		a.logger.InfoContext(ctx, "bus reconnected")
	}
}

func (a *Adapter) receive(ctx context.Context, sub bus.Subscription) error {
	for {
		data, err := sub.Receive(ctx)
		if err != nil {
			return err
		}
		a.dispatch(ctx, data)
	}
}

func (a *Adapter) dispatch(ctx context.Context, data []byte) {
	var env realtime.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		a.logger.WarnContext(ctx, "dropping malformed envelope", "error", err)
		return
	}
	if env.ID == "" || env.Topic == "" {
		a.logger.WarnContext(ctx, "dropping envelope without id or topic")
		return
	}
	if a.seen.Contains(env.ID) {
		a.logger.DebugContext(ctx, "dropping duplicate envelope", "envelope_id", env.ID)
		return
	}
	a.seen.Add(env.ID, struct{}{})

	delivered := a.local.DeliverTopic(ctx, env)
	if a.recorder != nil {
		a.recorder.ObserveReceived(delivered)
	}
}

func (a *Adapter) reconnect(ctx context.Context) (bus.Subscription, error) {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = a.policy.InitialInterval
	expo.MaxInterval = a.policy.MaxInterval
	expo.Multiplier = a.policy.Multiplier
	expo.RandomizationFactor = a.policy.RandomizationFactor
	expo.MaxElapsedTime = 0
	expo.Reset()

	retries := uint64(0)
	if a.policy.MaxAttempts > 1 {
		retries = uint64(a.policy.MaxAttempts - 1)
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(expo, retries), ctx)

	attempt := 0
	var sub bus.Subscription
	op := func() error {
		if a.State() == StateClosed {
			return backoff.Permanent(errAdapterClosed)
		}
		attempt++
		if a.recorder != nil {
			a.recorder.IncrementBusReconnects()
		}
		if err := a.pub.Ping(ctx); err != nil {
			return err
		}
		s, err := a.sub.Subscribe(ctx)
		if err != nil {
			return err
		}
		sub = s
		return nil
	}
	notify := func(err error, wait time.Duration) {
		a.logger.WarnContext(ctx, "bus reconnect attempt failed", "attempt", attempt, "retry_in", wait, "error", err)
	}

	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w after %d attempts: %w", ErrReconnectExhausted, attempt, err)
	}
	return sub, nil
}

// Publish wraps the event in an envelope and sends it to the bus. While
// the bus is unreachable it fails fast with sentinel.ErrUnavailable; the
// event is not queued.
func (a *Adapter) Publish(ctx context.Context, topic, event string, payload json.RawMessage) error {
	ctx, span := a.tracer.Start(ctx, "broadcast.publish",
		trace.WithAttributes(attribute.String("topic", topic), attribute.String("event", event)))
	defer span.End()

	if st := a.State(); st != StateConnected {
		err := fmt.Errorf("publish while %s: %w", st, sentinel.ErrUnavailable)
		a.finishPublish(span, "unavailable", err)
		return err
	}

	env := realtime.Envelope{
		ID:      uuid.NewString(),
		Topic:   topic,
		Event:   event,
		Payload: payload,
		Origin:  a.processID,
	}
	span.SetAttributes(attribute.String("envelope_id", env.ID))
	data, err := json.Marshal(env)
	if err != nil {
		a.finishPublish(span, "error", err)
		return fmt.Errorf("encode envelope: %w", err)
	}
	if err := a.pub.Publish(ctx, topic, data); err != nil {
		err = fmt.Errorf("%w: %w", sentinel.ErrUnavailable, err)
		a.finishPublish(span, "unavailable", err)
		return err
	}
	a.finishPublish(span, "ok", nil)
	return nil
}

func (a *Adapter) finishPublish(span trace.Span, result string, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, result)
	}
	if a.recorder != nil {
		a.recorder.ObservePublish(result)
	}
}

// State reports the current connection state.
func (a *Adapter) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Health reports an error unless the adapter is connected and the
// publish connection answers.
func (a *Adapter) Health(ctx context.Context) error {
	if st := a.State(); st != StateConnected {
		return fmt.Errorf("broadcast %s: %w", st, sentinel.ErrUnavailable)
	}
	return a.pub.Ping(ctx)
}

// Close drops the subscription. Run returns once its context ends.
func (a *Adapter) Close() error {
	a.mu.Lock()
	sub := a.subscription
	a.subscription = nil
	prev := a.state
	a.state = StateClosed
	a.mu.Unlock()
	if prev != StateClosed && a.recorder != nil {
		a.recorder.SetBusConnected(false)
	}
	if sub != nil {
		return sub.Close()
	}
	return nil
}

// adopt installs a fresh subscription unless Close won the race, in which
// case the subscription is closed and adopt reports false.
func (a *Adapter) adopt(sub bus.Subscription) bool {
	a.mu.Lock()
	if a.state == StateClosed {
		a.mu.Unlock()
		_ = sub.Close()
		return false
	}
	a.subscription = sub
	a.mu.Unlock()
	a.setState(StateConnected)
	return true
}

// setState moves to s. Closed is terminal.
func (a *Adapter) setState(s State) {
	a.mu.Lock()
	prev := a.state
	if prev == StateClosed {
		a.mu.Unlock()
		return
	}
	a.state = s
	a.mu.Unlock()
	if prev != s && a.recorder != nil {
		a.recorder.SetBusConnected(s == StateConnected)
	}
}
