// ABOUTME: Shard supervisor: owns one session per shard id, staggers identifies,
// ABOUTME: restarts failed shards with backoff, and aggregates readiness.

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/blanketsucks/lefi/internal/ratelimit"
	"github.com/blanketsucks/lefi/internal/state"
)

// ErrAlreadyStarted indicates Start was called twice.
var ErrAlreadyStarted = errors.New("shard manager already started")

// maxShardRestarts bounds supervisor-level restarts of a shard whose session
// keeps terminating without a sustained steady period.
const maxShardRestarts = 10

// SessionStore persists resume credentials across process restarts.
// Implemented by sessionstore.Store; nil disables persistence.
type SessionStore interface {
	Save(ctx context.Context, shardID int, rs ResumeState) error
	Load(ctx context.Context, shardID int) (ResumeState, bool, error)
	Clear(ctx context.Context, shardID int) error
}

// ManagerConfig configures the shard supervisor.
type ManagerConfig struct {
	Token      string
	Intents    int
	ShardCount int
	GatewayURL string

	// MaxConcurrency is the identify limiter capacity from the bootstrap
	// call's session_start_limit.
	MaxConcurrency   int
	IdentifyInterval time.Duration

	Store    *state.Store
	Sink     EventSink
	Sessions SessionStore
	Logger   *slog.Logger
	Dialer   *websocket.Dialer

	ReconnectBase time.Duration
	ReconnectMax  time.Duration

	// identifyHook is threaded into every session; see SessionConfig.
	identifyHook func(shardID int)
}

// Manager supervises one Session per shard id in [0, ShardCount).
type Manager struct {
	cfg      ManagerConfig
	identify *ratelimit.IdentifyLimiter
	logger   *slog.Logger

	mu         sync.Mutex
	sessions   map[int]*Session
	readyCount int
	started    bool

	ready     chan struct{}
	readyOnce sync.Once
	errCh     chan error
	wg        sync.WaitGroup
}

// NewManager creates a supervisor. ShardCount below one is clamped to one.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.ShardCount < 1 {
		cfg.ShardCount = 1
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:      cfg,
		identify: ratelimit.NewIdentifyLimiter(cfg.MaxConcurrency, cfg.IdentifyInterval),
		logger:   logger.With("component", "shards"),
		sessions: make(map[int]*Session),
		ready:    make(chan struct{}),
		errCh:    make(chan error, cfg.ShardCount),
	}
}

// Start launches every shard concurrently. First identifies are staggered by
// the identify limiter; shards with persisted resume credentials bypass it.
// Cancelling ctx shuts every session down; call Wait to block until they
// have stopped.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	m.started = true

	for id := 0; id < m.cfg.ShardCount; id++ {
		sess := NewSession(SessionConfig{
			Token:         m.cfg.Token,
			Intents:       m.cfg.Intents,
			ShardID:       id,
			ShardCount:    m.cfg.ShardCount,
			GatewayURL:    m.cfg.GatewayURL,
			Identify:      m.identify,
			Store:         m.cfg.Store,
			Sink:          m.cfg.Sink,
			Logger:        m.logger,
			Dialer:        m.cfg.Dialer,
			Resume:        m.loadResume(ctx, id),
			OnResumeState: m.persistResume,
			ReconnectBase: m.cfg.ReconnectBase,
			ReconnectMax:  m.cfg.ReconnectMax,
			identifyHook:  m.cfg.identifyHook,
		})
		m.sessions[id] = sess
	}
	sessions := make(map[int]*Session, len(m.sessions))
	for id, sess := range m.sessions {
		sessions[id] = sess
	}
	m.mu.Unlock()

	m.logger.Info("starting shards",
		"shard_count", m.cfg.ShardCount,
		"max_concurrency", m.identify.Capacity(),
	)

	for id, sess := range sessions {
		m.wg.Add(2)
		go m.watchReady(ctx, sess)
		go m.superviseShard(ctx, id, sess)
	}
	return nil
}

// superviseShard restarts a shard whose session terminated unexpectedly.
// Fatal errors stop the shard and surface on Err; transient terminations
// restart with a per-shard backoff that resets after a sustained run.
func (m *Manager) superviseShard(ctx context.Context, id int, sess *Session) {
	defer m.wg.Done()

	bo := newBackoff(m.cfg.ReconnectBase, m.cfg.ReconnectMax)
	restarts := 0

	for {
		start := time.Now()
		err := sess.Run(ctx)
		if ctx.Err() != nil {
			m.persistResume(id, sess.ResumeSnapshot())
			return
		}

		if err != nil && isFatal(err) {
			m.logger.Error("shard stopped permanently", "shard", id, "error", err)
			m.fail(err)
			return
		}

		if time.Since(start) >= stableConnectionPeriod {
			restarts = 0
			bo.reset()
		}
		restarts++
		if restarts > maxShardRestarts {
			m.fail(fmt.Errorf("shard %d: %w", id, ErrTooManyFailures))
			return
		}

		delay := bo.next()
		m.logger.Warn("shard terminated, restarting", "shard", id, "delay", delay, "error", err)
		if sleepCtx(ctx, delay) != nil {
			return
		}
	}
}

func (m *Manager) watchReady(ctx context.Context, sess *Session) {
	defer m.wg.Done()

	select {
	case <-sess.ReadyChan():
	case <-ctx.Done():
		return
	}

	m.mu.Lock()
	m.readyCount++
	all := m.readyCount == len(m.sessions)
	m.mu.Unlock()

	if all {
		m.readyOnce.Do(func() {
			m.logger.Info("all shards ready")
			close(m.ready)
		})
	}
}

// Ready is closed once every shard has reached steady state at least once.
func (m *Manager) Ready() <-chan struct{} {
	return m.ready
}

// Err surfaces fatal shard errors. Transient reconnects never appear here.
func (m *Manager) Err() <-chan error {
	return m.errCh
}

// Wait blocks until all shard goroutines have stopped.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Statuses returns a snapshot of every shard's state.
func (m *Manager) Statuses() map[int]Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[int]Status, len(m.sessions))
	for id, sess := range m.sessions {
		out[id] = sess.Status()
	}
	return out
}

// Latency returns the mean heartbeat round-trip across shards that have one.
func (m *Manager) Latency() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	var total time.Duration
	n := 0
	for _, sess := range m.sessions {
		if l := sess.Latency(); l > 0 {
			total += l
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return total / time.Duration(n)
}

func (m *Manager) fail(err error) {
	select {
	case m.errCh <- err:
	default:
	}
}

func (m *Manager) loadResume(ctx context.Context, shardID int) *ResumeState {
	if m.cfg.Sessions == nil {
		return nil
	}
	rs, ok, err := m.cfg.Sessions.Load(ctx, shardID)
	if err != nil {
		m.logger.Warn("loading persisted session failed", "shard", shardID, "error", err)
		return nil
	}
	if !ok {
		return nil
	}
	m.logger.Info("resuming persisted session", "shard", shardID, "seq", rs.Seq)
	return &rs
}

func (m *Manager) persistResume(shardID int, rs ResumeState) {
	if m.cfg.Sessions == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var err error
	if rs.SessionID == "" {
		err = m.cfg.Sessions.Clear(ctx, shardID)
	} else {
		err = m.cfg.Sessions.Save(ctx, shardID, rs)
	}
	if err != nil {
		m.logger.Warn("persisting session failed", "shard", shardID, "error", err)
	}
}
