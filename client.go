// ABOUTME: Client composition root wiring REST, rate limiters, cache,
// ABOUTME: session persistence, and the sharded gateway supervisor

package lefi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/blanketsucks/lefi/config"
	"github.com/blanketsucks/lefi/internal/gateway"
	"github.com/blanketsucks/lefi/internal/rest"
	"github.com/blanketsucks/lefi/internal/sessionstore"
	"github.com/blanketsucks/lefi/internal/state"
)

// ErrNotStarted is returned by calls that need a running gateway connection.
var ErrNotStarted = errors.New("lefi: client not started")

// Options overrides dependencies the config file cannot express.
// The zero value is valid.
type Options struct {
	Logger     *slog.Logger
	HTTPClient *http.Client
	Dialer     *websocket.Dialer
}

// Client owns every moving part of a bot connection: the REST client with
// its bucket limiter, the entity cache, the session store, the event
// broadcaster, and the shard supervisor.
type Client struct {
	cfg    *config.Config
	logger *slog.Logger
	opts   Options

	rest   *rest.Client
	store  *state.Store
	events *Broadcaster

	mu       sync.Mutex
	sessions *sessionstore.Store
	manager  *gateway.Manager
	cancel   context.CancelFunc
}

// New builds a Client from a loaded configuration.
func New(cfg *config.Config) (*Client, error) {
	return NewWithOptions(cfg, Options{})
}

// NewWithOptions builds a Client with explicit dependency overrides.
func NewWithOptions(cfg *config.Config, opts Options) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = cfg.BuildLogger()
	}

	store := state.NewStore()
	if cfg.Cache.MaxMessages > 0 {
		store = state.NewStoreWithLimits(cfg.Cache.MaxMessages)
	}

	c := &Client{
		cfg:    cfg,
		logger: logger,
		opts:   opts,
		store:  store,
		events: NewBroadcaster(logger),
		rest: rest.NewClient(cfg.Token, rest.Options{
			BaseURL:    cfg.API.BaseURL,
			HTTPClient: opts.HTTPClient,
			Logger:     logger,
		}),
	}
	return c, nil
}

// Start validates the token, bootstraps gateway parameters from the API,
// and launches one session per shard. It returns once supervision is
// running; use WaitReady to block until every shard is connected.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.manager != nil {
		return gateway.ErrAlreadyStarted
	}

	if err := c.rest.ValidateToken(ctx); err != nil {
		return fmt.Errorf("validating token: %w", err)
	}

	gb, err := c.rest.GatewayBot(ctx)
	if err != nil {
		return fmt.Errorf("fetching gateway bootstrap: %w", err)
	}

	shardCount := c.cfg.ShardCount
	if shardCount == 0 {
		shardCount = gb.Shards
	}
	gatewayURL := c.cfg.Gateway.URL
	if gatewayURL == "" {
		gatewayURL = gb.URL
	}

	var sessions gateway.SessionStore
	if c.cfg.Database.Path != "" {
		store, err := sessionstore.New(c.cfg.Database.Path)
		if err != nil {
			return fmt.Errorf("opening session store: %w", err)
		}
		c.sessions = store
		sessions = store
	}

	c.logger.Info("starting gateway",
		"shards", shardCount,
		"max_concurrency", gb.SessionStartLimit.MaxConcurrency,
		"sessions_remaining", gb.SessionStartLimit.Remaining)

	c.manager = gateway.NewManager(gateway.ManagerConfig{
		Token:            c.cfg.Token,
		Intents:          c.cfg.Intents,
		ShardCount:       shardCount,
		GatewayURL:       gatewayURL,
		MaxConcurrency:   gb.SessionStartLimit.MaxConcurrency,
		IdentifyInterval: c.cfg.Gateway.IdentifyInterval,
		Store:            c.store,
		Sink:             c.events,
		Sessions:         sessions,
		Logger:           c.logger,
		Dialer:           c.opts.Dialer,
		ReconnectBase:    c.cfg.Gateway.ReconnectBase,
		ReconnectMax:     c.cfg.Gateway.ReconnectMax,
	})

	runCtx, cancel := context.WithCancel(ctx)
	if err := c.manager.Start(runCtx); err != nil {
		cancel()
		c.manager = nil
		return err
	}
	c.cancel = cancel
	return nil
}

// WaitReady blocks until every shard reaches steady state, a fatal gateway
// error occurs, or ctx is cancelled.
func (c *Client) WaitReady(ctx context.Context) error {
	c.mu.Lock()
	m := c.manager
	c.mu.Unlock()
	if m == nil {
		return ErrNotStarted
	}

	select {
	case <-m.Ready():
		return nil
	case err := <-m.Err():
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err surfaces fatal gateway errors. The channel never closes.
func (c *Client) Err() <-chan error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.manager == nil {
		ch := make(chan error)
		return ch
	}
	return c.manager.Err()
}

// Close stops every shard and releases the session store. Resume
// credentials are persisted on the way down so the next Start resumes.
func (c *Client) Close() error {
	c.mu.Lock()
	manager := c.manager
	cancel := c.cancel
	sessions := c.sessions
	c.manager = nil
	c.cancel = nil
	c.sessions = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if manager != nil {
		manager.Wait()
	}
	c.events.Close()
	if sessions != nil {
		return sessions.Close()
	}
	return nil
}

// Rest exposes the underlying REST client for calls the convenience
// wrappers do not cover.
func (c *Client) Rest() *rest.Client {
	return c.rest
}

// Subscribe registers for dispatch events by name (or EventAny).
func (c *Client) Subscribe(name string) (<-chan *state.Event, string) {
	return c.events.Subscribe(name)
}

// Unsubscribe removes a subscription created by Subscribe.
func (c *Client) Unsubscribe(name, subID string) {
	c.events.Unsubscribe(name, subID)
}

// Once returns a channel delivering the next event with the given name.
func (c *Client) Once(name string) <-chan *state.Event {
	return c.events.Once(name)
}

// WaitFor blocks until an event with the given name passes the filter.
func (c *Client) WaitFor(ctx context.Context, name string, filter func(*state.Event) bool) (*state.Event, error) {
	return c.events.WaitFor(ctx, name, filter)
}

// Statuses reports each shard's connection state.
func (c *Client) Statuses() map[int]gateway.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.manager == nil {
		return nil
	}
	return c.manager.Statuses()
}

// Latency reports the mean heartbeat round-trip across connected shards.
func (c *Client) Latency() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.manager == nil {
		return 0
	}
	return c.manager.Latency()
}

// Guild returns the cached guild with the given id, if present.
func (c *Client) Guild(id string) (*state.Entity, bool) {
	return c.store.Get(state.KindGuild, id)
}

// Channel returns the cached channel with the given id, if present.
func (c *Client) Channel(id string) (*state.Entity, bool) {
	return c.store.Get(state.KindChannel, id)
}

// User returns the cached user with the given id, if present.
func (c *Client) User(id string) (*state.Entity, bool) {
	return c.store.Get(state.KindUser, id)
}

// Message returns the cached message with the given id, if present.
func (c *Client) Message(id string) (*state.Entity, bool) {
	return c.store.Get(state.KindMessage, id)
}
