package realtime

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"switchboard/internal/platform/logger"
)

type countingDrops struct {
	n atomic.Int64
}

func (c *countingDrops) IncrementSlowClientDrops() { c.n.Add(1) }

func subscribeClient(t *testing.T, h *wsHarness, topic string) (*websocket.Conn, string) {
	t.Helper()
	conn, _, err := h.dial(t, testOrigin)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	var hello connectedData
	require.NoError(t, json.Unmarshal(readFrame(t, conn).Data, &hello))
	require.NoError(t, conn.WriteJSON(ClientFrame{Type: FrameSubscribe, Topic: topic}))
	require.Equal(t, "subscribed", readFrame(t, conn).Event)
	return conn, hello.ConnectionID
}

func TestSlowClientDoesNotStallFanOut(t *testing.T) {
	reg := newRegistry()
	drops := &countingDrops{}
	opts := DefaultTransportOptions()
	opts.SendBuffer = 8
	handler := NewHandler(reg, &loopbackPublisher{registry: reg}, stubSessions{}, testOrigin, logger.Discard(),
		WithTransportOptions(opts), WithSlowClientRecorder(drops))
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	h := &wsHarness{server: srv, registry: reg}

	// The stalled client reads its acks and then nothing else.
	_, stalledID := subscribeClient(t, h, "room")
	reader, _ := subscribeClient(t, h, "room")
	go func() {
		for {
			if _, _, err := reader.ReadMessage(); err != nil {
				return
			}
		}
	}()

	payload := json.RawMessage(`"` + strings.Repeat("x", 512<<10) + `"`)
	var worst time.Duration
	for i := 0; i < 200; i++ {
		start := time.Now()
		reg.DeliverTopic(context.Background(), Envelope{ID: "bulk", Topic: "room", Event: "chunk", Payload: payload, Origin: "p1"})
		if d := time.Since(start); d > worst {
			worst = d
		}
	}

	assert.Less(t, worst, 200*time.Millisecond)
	assert.GreaterOrEqual(t, drops.n.Load(), int64(1))
	assert.Eventually(t, func() bool {
		_, ok := reg.Get(stalledID)
		return !ok
	}, 5*time.Second, 10*time.Millisecond)
}

func TestTransportSendAfterOverflowReportsClosed(t *testing.T) {
	reg := newRegistry()
	opts := DefaultTransportOptions()
	opts.SendBuffer = 1
	handler := NewHandler(reg, &loopbackPublisher{registry: reg}, stubSessions{}, testOrigin, logger.Discard(),
		WithTransportOptions(opts))
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	h := &wsHarness{server: srv, registry: reg}
	_, id := subscribeClient(t, h, "room")

	payload := json.RawMessage(`"` + strings.Repeat("y", 1<<20) + `"`)
	delivered := 0
	for i := 0; i < 64; i++ {
		ok, err := reg.Deliver(context.Background(), id, Envelope{ID: "big", Topic: "room", Event: "chunk", Payload: payload, Origin: "p1"})
		require.NoError(t, err)
		if ok {
			delivered++
		}
	}

	assert.Less(t, delivered, 64)
	assert.Eventually(t, func() bool { return reg.Count() == 0 }, 5*time.Second, 10*time.Millisecond)
}
