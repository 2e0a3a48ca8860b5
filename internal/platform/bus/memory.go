package bus

import (
	"context"
	"errors"
	"sync"
)

// ErrDown is returned by a Memory bus that has been taken down.
var ErrDown = errors.New("bus unavailable")

// Memory is an in-process bus. Several adapters sharing one Memory behave
// like separate processes sharing a broker. It can be taken down and
// brought back to exercise reconnect paths.
type Memory struct {
	mu     sync.Mutex
	subs   map[*memorySubscription]struct{}
	down   bool
	closed bool
}

func NewMemory() *Memory {
	return &Memory{subs: make(map[*memorySubscription]struct{})}
}

func (m *Memory) Publish(ctx context.Context, _ string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.availableLocked(); err != nil {
		return err
	}
	for s := range m.subs {
		s.push(data)
	}
	return nil
}

func (m *Memory) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.availableLocked()
}

func (m *Memory) Subscribe(ctx context.Context) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.availableLocked(); err != nil {
		return nil, err
	}
	s := &memorySubscription{bus: m, notify: make(chan struct{}, 1), dead: make(chan struct{})}
	m.subs[s] = struct{}{}
	return s, nil
}

// Drop takes the bus down: live subscriptions fail and further calls
// return ErrDown until Restore.
func (m *Memory) Drop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.down = true
	for s := range m.subs {
		s.kill(ErrDown)
		delete(m.subs, s)
	}
}

// Restore brings a dropped bus back.
func (m *Memory) Restore() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.down = false
}

// Subscribers returns the number of live subscriptions.
func (m *Memory) Subscribers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	for s := range m.subs {
		s.kill(ErrClosed)
		delete(m.subs, s)
	}
	return nil
}

func (m *Memory) availableLocked() error {
	switch {
	case m.closed:
		return ErrClosed
	case m.down:
		return ErrDown
	}
	return nil
}

func (m *Memory) remove(s *memorySubscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, s)
}

type memorySubscription struct {
	bus    *Memory
	mu     sync.Mutex
	queue  [][]byte
	notify chan struct{}
	dead   chan struct{}
	err    error
	once   sync.Once
}

func (s *memorySubscription) push(data []byte) {
	s.mu.Lock()
	s.queue = append(s.queue, append([]byte(nil), data...))
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *memorySubscription) kill(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.dead)
	})
}

func (s *memorySubscription) Receive(ctx context.Context) ([]byte, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			next := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return next, nil
		}
		err := s.err
		s.mu.Unlock()
		if err != nil {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.dead:
		case <-s.notify:
		}
	}
}

func (s *memorySubscription) Close() error {
	s.kill(ErrClosed)
	s.bus.remove(s)
	return nil
}
