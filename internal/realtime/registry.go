package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"switchboard/pkg/platform/sentinel"
)

// State is the lifecycle position of a connection entry.
type State int

const (
	StateConnecting State = iota
	StateAuthenticated
	StateAnonymous
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateAnonymous:
		return "anonymous"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Transport is a live channel to one client. Send must not block; it
// queues the frame or fails.
type Transport interface {
	Send(frame []byte) error
	Close() error
}

// ConnectionRecorder observes connection lifecycle events.
type ConnectionRecorder interface {
	ConnectionOpened()
	ConnectionClosed()
}

// Entry is a read-only snapshot of a registered connection.
type Entry struct {
	ID          string
	ProcessID   string
	Subject     string
	Agent       string
	State       State
	Topics      []string
	ConnectedAt time.Time
}

type entry struct {
	id          string
	subject     string
	agent       string
	state       State
	transport   Transport
	topics      map[string]struct{}
	connectedAt time.Time
}

// EntryOption configures an entry at registration.
type EntryOption func(*entry)

// WithAgent records a short description of the client software.
func WithAgent(agent string) EntryOption {
	return func(e *entry) { e.agent = agent }
}

// Registry maps connection ids to live transports for one process. It is
// never shared across processes; cross-process delivery goes through the
// broadcast adapter, which calls DeliverTopic on every process's registry.
type Registry struct {
	processID string
	logger    *slog.Logger
	recorder  ConnectionRecorder

	mu      sync.RWMutex
	entries map[string]*entry
	topics  map[string]map[string]struct{}
}

func NewRegistry(processID string, logger *slog.Logger, recorder ConnectionRecorder) *Registry {
	return &Registry{
		processID: processID,
		logger:    logger.With("component", "registry", "process_id", processID),
		recorder:  recorder,
		entries:   make(map[string]*entry),
		topics:    make(map[string]map[string]struct{}),
	}
}

// ProcessID identifies the owning process.
func (r *Registry) ProcessID() string { return r.processID }

// Register adds a connection in the Connecting state. Registering an id
// that is already live is rejected with sentinel.ErrConflict.
func (r *Registry) Register(id string, transport Transport, opts ...EntryOption) error {
	if id == "" || transport == nil {
		return fmt.Errorf("register connection: id and transport are required: %w", sentinel.ErrInvalidState)
	}
	e := &entry{
		id:          id,
		state:       StateConnecting,
		transport:   transport,
		topics:      make(map[string]struct{}),
		connectedAt: time.Now(),
	}
	for _, opt := range opts {
		opt(e)
	}

	r.mu.Lock()
	if _, exists := r.entries[id]; exists {
		r.mu.Unlock()
		return fmt.Errorf("register connection %s: %w", id, sentinel.ErrConflict)
	}
	r.entries[id] = e
	r.mu.Unlock()

	if r.recorder != nil {
		r.recorder.ConnectionOpened()
	}
	r.logger.Debug("connection registered", "connection_id", id, "agent", e.agent)
	return nil
}

// BindIdentity marks a Connecting entry as Authenticated by subject.
func (r *Registry) BindIdentity(id, subject string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return fmt.Errorf("bind connection %s: %w", id, sentinel.ErrNotFound)
	}
	if e.state != StateConnecting {
		return fmt.Errorf("bind connection %s in state %s: %w", id, e.state, sentinel.ErrInvalidState)
	}
	e.subject = subject
	e.state = StateAuthenticated
	return nil
}

// MarkActive records the first inbound message: an entry that never bound
// an identity becomes Anonymous. Other states are unchanged.
func (r *Registry) MarkActive(id string) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return StateClosed
	}
	if e.state == StateConnecting {
		e.state = StateAnonymous
	}
	return e.state
}

// Subscribe adds the connection to topic.
func (r *Registry) Subscribe(id, topic string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return fmt.Errorf("subscribe connection %s: %w", id, sentinel.ErrNotFound)
	}
	e.topics[topic] = struct{}{}
	members, ok := r.topics[topic]
	if !ok {
		members = make(map[string]struct{})
		r.topics[topic] = members
	}
	members[id] = struct{}{}
	return nil
}

// Unsubscribe removes the connection from topic.
func (r *Registry) Unsubscribe(id, topic string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return fmt.Errorf("unsubscribe connection %s: %w", id, sentinel.ErrNotFound)
	}
	delete(e.topics, topic)
	r.dropMemberLocked(topic, id)
	return nil
}

// Deliver pushes env to one connection. An unknown or closed connection is
// reported as (false, nil): the connection may close while an event is in
// flight and that is not a failure.
func (r *Registry) Deliver(_ context.Context, id string, env Envelope) (bool, error) {
	frame, err := EncodeFrame(env)
	if err != nil {
		return false, fmt.Errorf("encode frame: %w", err)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return false, nil
	}
	return r.sendLocked(e, frame), nil
}

// DeliverTopic pushes env to every local connection subscribed to its
// topic and returns how many accepted it.
func (r *Registry) DeliverTopic(_ context.Context, env Envelope) int {
	frame, err := EncodeFrame(env)
	if err != nil {
		r.logger.Error("encode frame", "error", err, "envelope_id", env.ID)
		return 0
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	delivered := 0
	for id := range r.topics[env.Topic] {
		if e, ok := r.entries[id]; ok && r.sendLocked(e, frame) {
			delivered++
		}
	}
	return delivered
}

// sendLocked must run with at least the read lock held, which keeps
// Unregister from closing the transport mid-send.
func (r *Registry) sendLocked(e *entry, frame []byte) bool {
	if err := e.transport.Send(frame); err != nil {
		if !errors.Is(err, ErrTransportClosed) {
			r.logger.Warn("deliver failed", "connection_id", e.id, "error", err)
		}
		return false
	}
	return true
}

// Unregister moves the entry to Closed, removes it and closes its
// transport. It reports false when the id was not registered, so a second
// call for the same connection is harmless.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.entries, id)
	for topic := range e.topics {
		r.dropMemberLocked(topic, id)
	}
	e.state = StateClosed
	r.mu.Unlock()

	if err := e.transport.Close(); err != nil && !errors.Is(err, ErrTransportClosed) {
		r.logger.Debug("transport close", "connection_id", id, "error", err)
	}
	if r.recorder != nil {
		r.recorder.ConnectionClosed()
	}
	r.logger.Debug("connection unregistered", "connection_id", id)
	return true
}

func (r *Registry) dropMemberLocked(topic, id string) {
	members, ok := r.topics[topic]
	if !ok {
		return
	}
	delete(members, id)
	if len(members) == 0 {
		delete(r.topics, topic)
	}
}

// Get returns a snapshot of one entry.
func (r *Registry) Get(id string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return Entry{}, false
	}
	return r.snapshotLocked(e), true
}

// Snapshot returns every live entry.
func (r *Registry) Snapshot() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, r.snapshotLocked(e))
	}
	return out
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// CloseAll unregisters every connection. Used on shutdown.
func (r *Registry) CloseAll() int {
	r.mu.RLock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	closed := 0
	for _, id := range ids {
		if r.Unregister(id) {
			closed++
		}
	}
	return closed
}

func (r *Registry) snapshotLocked(e *entry) Entry {
	topics := make([]string, 0, len(e.topics))
	for t := range e.topics {
		topics = append(topics, t)
	}
	slices.Sort(topics)
	return Entry{
		ID:          e.id,
		ProcessID:   r.processID,
		Subject:     e.subject,
		Agent:       e.agent,
		State:       e.state,
		Topics:      topics,
		ConnectedAt: e.connectedAt,
	}
}
