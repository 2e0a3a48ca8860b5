package broadcast

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"switchboard/internal/platform/bus"
	"switchboard/internal/platform/logger"
	"switchboard/internal/realtime"
	"switchboard/pkg/platform/sentinel"
)

type capture struct {
	mu     sync.Mutex
	frames []realtime.Frame
	closed bool
}

func (c *capture) Send(frame []byte) error {
	var f realtime.Frame
	if err := json.Unmarshal(frame, &f); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, f)
	return nil
}

func (c *capture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *capture) count(topic string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, f := range c.frames {
		if f.Topic == topic {
			n++
		}
	}
	return n
}

func (c *capture) events() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.frames))
	for _, f := range c.frames {
		out = append(out, f.Event)
	}
	return out
}

type node struct {
	registry *realtime.Registry
	adapter  *Adapter
	done     chan error
}

func fastPolicy(attempts int) Policy {
	return Policy{
		InitialInterval:     5 * time.Millisecond,
		MaxInterval:         20 * time.Millisecond,
		Multiplier:          2,
		RandomizationFactor: 0,
		MaxAttempts:         attempts,
	}
}

func startNode(t *testing.T, ctx context.Context, processID string, b *bus.Memory, policy Policy) *node {
	t.Helper()
	reg := realtime.NewRegistry(processID, logger.Discard(), nil)
	a, err := New(processID, b, b, reg, logger.Discard(), WithPolicy(policy))
	require.NoError(t, err)
	require.NoError(t, a.Start(ctx))

	n := &node{registry: reg, adapter: a, done: make(chan error, 1)}
	go func() { n.done <- a.Run(ctx) }()
	return n
}

func (n *node) connect(t *testing.T, id string, topics ...string) *capture {
	t.Helper()
	c := &capture{}
	require.NoError(t, n.registry.Register(id, c))
	for _, topic := range topics {
		require.NoError(t, n.registry.Subscribe(id, topic))
	}
	return c
}

func TestAdapter_CrossProcessDeliveryExactlyOnce(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := bus.NewMemory()

	p1 := startNode(t, ctx, "p1", b, fastPolicy(3))
	p2 := startNode(t, ctx, "p2", b, fastPolicy(3))
	clientA := p1.connect(t, "a", "room:42")
	clientB := p2.connect(t, "b", "room:42")
	bystander := p2.connect(t, "c", "room:7")

	require.NoError(t, p1.adapter.Publish(ctx, "room:42", "message", json.RawMessage(`{"text":"hi"}`)))

	require.Eventually(t, func() bool {
		return clientA.count("room:42") == 1 && clientB.count("room:42") == 1
	}, 2*time.Second, 5*time.Millisecond)

	// give any duplicate a chance to arrive
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, clientA.count("room:42"))
	assert.Equal(t, 1, clientB.count("room:42"))
	assert.Zero(t, bystander.count("room:42"))
}

func TestAdapter_PreservesPublishOrderPerConnection(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := bus.NewMemory()

	p1 := startNode(t, ctx, "p1", b, fastPolicy(3))
	p2 := startNode(t, ctx, "p2", b, fastPolicy(3))
	client := p2.connect(t, "b", "room:1")

	want := []string{"e1", "e2", "e3", "e4", "e5"}
	for _, ev := range want {
		require.NoError(t, p1.adapter.Publish(ctx, "room:1", ev, nil))
	}
	require.Eventually(t, func() bool { return client.count("room:1") == len(want) }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, want, client.events())
}

func TestAdapter_DropsDuplicateEnvelopeIDs(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := bus.NewMemory()

	p1 := startNode(t, ctx, "p1", b, fastPolicy(3))
	client := p1.connect(t, "a", "room:1")

	raw, err := json.Marshal(realtime.Envelope{ID: "dup", Topic: "room:1", Event: "message", Origin: "px"})
	require.NoError(t, err)
	require.NoError(t, b.Publish(ctx, "room:1", raw))
	require.NoError(t, b.Publish(ctx, "room:1", raw))
	require.NoError(t, b.Publish(ctx, "room:1", []byte("not json")))

	require.Eventually(t, func() bool { return client.count("room:1") == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, client.count("room:1"))
}

func TestAdapter_ReconnectsAfterDrop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := bus.NewMemory()

	p1 := startNode(t, ctx, "p1", b, fastPolicy(500))
	client := p1.connect(t, "a", "room:1")

	b.Drop()
	require.Eventually(t, func() bool { return p1.adapter.State() == StateReconnecting }, time.Second, time.Millisecond)

	err := p1.adapter.Publish(ctx, "room:1", "lost", nil)
	assert.ErrorIs(t, err, sentinel.ErrUnavailable)
	assert.Error(t, p1.adapter.Health(ctx))

	b.Restore()
	require.Eventually(t, func() bool { return p1.adapter.State() == StateConnected }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, p1.adapter.Health(ctx))

	require.NoError(t, p1.adapter.Publish(ctx, "room:1", "after", nil))
	require.Eventually(t, func() bool { return client.count("room:1") == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"after"}, client.events())
}

func TestAdapter_CloseDuringReconnectStaysClosed(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := bus.NewMemory()

	p1 := startNode(t, ctx, "p1", b, fastPolicy(500))
	b.Drop()
	require.Eventually(t, func() bool { return p1.adapter.State() == StateReconnecting }, time.Second, time.Millisecond)

	require.NoError(t, p1.adapter.Close())
	b.Restore()

	select {
	case err := <-p1.done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run kept reconnecting after Close")
	}
	assert.Equal(t, StateClosed, p1.adapter.State())
	assert.Eventually(t, func() bool { return b.Subscribers() == 0 }, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, p1.adapter.Publish(ctx, "room:1", "late", nil), sentinel.ErrUnavailable)
}

func TestAdapter_FailsAfterMaxAttempts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := bus.NewMemory()

	p1 := startNode(t, ctx, "p1", b, fastPolicy(3))
	b.Drop()

	select {
	case err := <-p1.done:
		assert.ErrorIs(t, err, ErrReconnectExhausted)
	case <-time.After(5 * time.Second):
		t.Fatal("adapter kept reconnecting past its attempt limit")
	}
	assert.Equal(t, StateFailed, p1.adapter.State())
}

func TestAdapter_RunStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	b := bus.NewMemory()
	p1 := startNode(t, ctx, "p1", b, fastPolicy(3))

	cancel()
	select {
	case err := <-p1.done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, StateClosed, p1.adapter.State())
}

func TestAdapter_StartFailsWhenBusIsDown(t *testing.T) {
	b := bus.NewMemory()
	b.Drop()
	reg := realtime.NewRegistry("p1", logger.Discard(), nil)
	a, err := New("p1", b, b, reg, logger.Discard())
	require.NoError(t, err)

	assert.Error(t, a.Start(context.Background()))
	assert.ErrorIs(t, a.Publish(context.Background(), "room:1", "x", nil), sentinel.ErrUnavailable)

	err = a.Run(context.Background())
	assert.ErrorIs(t, err, sentinel.ErrInvalidState)
}
