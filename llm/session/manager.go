// Package session manages warm pools of local runner sessions (e.g. a
// llama.cpp process serving one GGUF model) so that repeated requests
// for the same (tenant, model, runner) reuse a live process instead of
// paying cold-start cost on every call.
package session

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Session is one warm, acquirable runner instance. Implementations are
// supplied by the caller (e.g. the localrunner provider) - this package
// only manages pooling, not process lifecycle details.
type Session interface {
	// Close releases the resources backing this session (kills the
	// runner process, closes its pipes, ...).
	Close(ctx context.Context) error
	// Healthy reports whether the session is still usable.
	Healthy() bool
}

// Factory creates a new Session for the given key.
type Factory func(ctx context.Context, key Key) (Session, error)

// Key identifies one poolable runner slot.
type Key struct {
	TenantID string
	ModelID  string
	Runner   string
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s", k.TenantID, k.ModelID, k.Runner)
}

// PoolConfig bounds one key's warm pool.
type PoolConfig struct {
	MinSize     int
	MaxSize     int
	IdleTimeout time.Duration
}

// DefaultPoolConfig returns conservative single-session-per-key defaults.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{MinSize: 0, MaxSize: 4, IdleTimeout: 5 * time.Minute}
}

type pooledSession struct {
	session  Session
	lastUsed time.Time
}

type keyPool struct {
	mu       sync.Mutex
	idle     *list.List // list of *pooledSession, front = most recently returned
	sem      *semaphore.Weighted
	inUse    int
	cfg      PoolConfig
}

// Manager is the warm-pool Runner Session Manager: Acquire blocks (up to
// ctx's deadline) for a free or newly created session under key,
// bounded by the key's MaxSize; Release returns it to the idle list for
// reuse; a background sweep evicts sessions idle past IdleTimeout,
// LIFO-first so the most recently used sessions are favored for reuse
// and cold long-idle ones are reclaimed.
type Manager struct {
	mu      sync.Mutex
	pools   map[Key]*keyPool
	factory Factory
	logger  *zap.Logger

	sweepInterval time.Duration
	stopCh        chan struct{}
	stopOnce      sync.Once
}

// NewManager creates a session Manager backed by factory for creating
// new sessions on pool miss.
func NewManager(factory Factory, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		pools:         make(map[Key]*keyPool),
		factory:       factory,
		logger:        logger.With(zap.String("component", "session_manager")),
		sweepInterval: time.Minute,
		stopCh:        make(chan struct{}),
	}
	go m.sweepLoop()
	return m
}

func (m *Manager) poolFor(key Key, cfg PoolConfig) *keyPool {
	m.mu.Lock()
	defer m.mu.Unlock()
	kp, ok := m.pools[key]
	if !ok {
		if cfg.MaxSize <= 0 {
			cfg = DefaultPoolConfig()
		}
		kp = &keyPool{
			idle: list.New(),
			sem:  semaphore.NewWeighted(int64(cfg.MaxSize)),
			cfg:  cfg,
		}
		m.pools[key] = kp
	}
	return kp
}

// Acquire returns a usable session for key, reusing an idle one if
// available or creating a new one, subject to the key's MaxSize
// semaphore. Blocks until a permit frees up or ctx is cancelled.
func (m *Manager) Acquire(ctx context.Context, key Key, cfg PoolConfig) (Session, error) {
	kp := m.poolFor(key, cfg)

	if err := kp.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquire session permit for %s: %w", key, err)
	}

	kp.mu.Lock()
	for e := kp.idle.Front(); e != nil; e = e.Next() {
		ps := e.Value.(*pooledSession)
		kp.idle.Remove(e)
		if ps.session.Healthy() {
			kp.inUse++
			kp.mu.Unlock()
			return ps.session, nil
		}
		// Dead session found in idle list: drop it and keep scanning.
		_ = ps.session.Close(ctx)
	}
	kp.mu.Unlock()

	sess, err := m.factory(ctx, key)
	if err != nil {
		kp.sem.Release(1)
		return nil, fmt.Errorf("create session for %s: %w", key, err)
	}

	kp.mu.Lock()
	kp.inUse++
	kp.mu.Unlock()

	m.logger.Debug("session created", zap.String("key", key.String()))
	return sess, nil
}

// Release returns a session to key's idle pool for reuse, or closes it
// outright if it is no longer healthy.
func (m *Manager) Release(ctx context.Context, key Key, sess Session) {
	m.mu.Lock()
	kp, ok := m.pools[key]
	m.mu.Unlock()
	if !ok {
		_ = sess.Close(ctx)
		return
	}

	kp.mu.Lock()
	kp.inUse--
	if sess.Healthy() {
		kp.idle.PushFront(&pooledSession{session: sess, lastUsed: time.Now()})
		kp.mu.Unlock()
	} else {
		kp.mu.Unlock()
		_ = sess.Close(ctx)
	}
	kp.sem.Release(1)
}

// sweepLoop periodically evicts idle sessions past their key's
// IdleTimeout.
func (m *Manager) sweepLoop() {
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sweep()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) sweep() {
	m.mu.Lock()
	pools := make(map[Key]*keyPool, len(m.pools))
	for k, v := range m.pools {
		pools[k] = v
	}
	m.mu.Unlock()

	ctx := context.Background()
	now := time.Now()
	for key, kp := range pools {
		kp.mu.Lock()
		var toClose []*pooledSession
		remaining := kp.idle.Len()
		for e := kp.idle.Back(); e != nil && remaining > kp.cfg.MinSize; {
			ps := e.Value.(*pooledSession)
			prev := e.Prev()
			if now.Sub(ps.lastUsed) > kp.cfg.IdleTimeout {
				kp.idle.Remove(e)
				toClose = append(toClose, ps)
				remaining--
			}
			e = prev
		}
		kp.mu.Unlock()

		for _, ps := range toClose {
			_ = ps.session.Close(ctx)
			m.logger.Debug("evicted idle session", zap.String("key", key.String()))
		}
	}
}

// Stop halts the background sweep and closes every idle session.
func (m *Manager) Stop(ctx context.Context) {
	m.stopOnce.Do(func() { close(m.stopCh) })

	m.mu.Lock()
	pools := make(map[Key]*keyPool, len(m.pools))
	for k, v := range m.pools {
		pools[k] = v
	}
	m.mu.Unlock()

	for _, kp := range pools {
		kp.mu.Lock()
		for e := kp.idle.Front(); e != nil; e = e.Next() {
			_ = e.Value.(*pooledSession).session.Close(ctx)
		}
		kp.idle.Init()
		kp.mu.Unlock()
	}
}

// Stats reports the idle/in-use counts for one key, used by tests and
// observability.
type Stats struct {
	Idle  int
	InUse int
}

// Stats returns a point-in-time snapshot for key.
func (m *Manager) Stats(key Key) Stats {
	m.mu.Lock()
	kp, ok := m.pools[key]
	m.mu.Unlock()
	if !ok {
		return Stats{}
	}
	kp.mu.Lock()
	defer kp.mu.Unlock()
	return Stats{Idle: kp.idle.Len(), InUse: kp.inUse}
}
