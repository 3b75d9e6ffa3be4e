package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type lease struct {
	token   string
	created time.Time
}

// Memory is a Locker for a single process.
type Memory struct {
	mu      sync.Mutex
	held    map[string]lease
	timeout time.Duration
	poll    time.Duration
	now     func() time.Time
}

var _ Locker = (*Memory)(nil)

// NewMemory creates a Memory locker; a zero timeout means DefaultTimeout
func NewMemory(timeout time.Duration) *Memory {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Memory{
		held:    make(map[string]lease),
		timeout: timeout,
		poll:    DefaultPollInterval,
		now:     time.Now,
	}
}

func (m *Memory) tryAcquire(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if l, ok := m.held[key]; ok && now.Sub(l.created) < m.timeout {
		return "", false
	}
	token := uuid.NewString()
	m.held[key] = lease{token: token, created: now}
	return token, true
}

// Acquire implements Locker
func (m *Memory) Acquire(ctx context.Context, key string) (string, error) {
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if token, ok := m.tryAcquire(key); ok {
			return token, nil
		}
		if err := wait(ctx, m.poll); err != nil {
			return "", err
		}
	}
}

// Release implements Locker
func (m *Memory) Release(_ context.Context, key, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.held[key]
	if !ok {
		return nil
	}
	if l.token != token {
		return ErrReleased
	}
	delete(m.held, key)
	return nil
}

// Purge implements Locker
func (m *Memory) Purge(_ context.Context, olderThan time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for key, l := range m.held {
		if l.created.Before(olderThan) {
			delete(m.held, key)
			n++
		}
	}
	return n, nil
}
