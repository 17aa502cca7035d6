// Package gateway manages per-user pools of authenticated exchange clients.
// Clients are validated before every loan, aged out past max_age, and bounded
// per user with a retry-then-fail acquire path.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"swap-core/pkg/okx"
	"swap-core/pkg/store"
)

var (
	ErrPoolFull       = errors.New("gateway: client pool is full")
	ErrNoCredentials  = errors.New("gateway: user has no API credentials")
	ErrAuthentication = errors.New("gateway: exchange rejected credentials")
)

const (
	acquireRetries = 3
	acquireBackoff = 500 * time.Millisecond
)

// Config bounds one user's pool.
type Config struct {
	MaxSize int           // clients per user
	MaxAge  time.Duration // evict clients older than this
}

// DefaultConfig returns the production bounds.
func DefaultConfig() Config {
	return Config{MaxSize: 10, MaxAge: time.Hour}
}

// CredentialSource fetches a user's API credentials.
type CredentialSource interface {
	Credentials(ctx context.Context, uid string) (okx.Credentials, error)
}

// StoreCredentials reads credentials from the state store's api-keys hash.
type StoreCredentials struct {
	Store *store.Store
}

func (s StoreCredentials) Credentials(ctx context.Context, uid string) (okx.Credentials, error) {
	fields, err := s.Store.HGetAll(ctx, store.KeyAPIKeys(uid))
	if err != nil {
		return okx.Credentials{}, err
	}
	creds := okx.Credentials{
		APIKey:     fields["api_key"],
		APISecret:  fields["api_secret"],
		Passphrase: fields["passphrase"],
	}
	if creds.APIKey == "" || creds.APISecret == "" {
		return okx.Credentials{}, ErrNoCredentials
	}
	return creds, nil
}

// Factory builds a client from credentials.
type Factory func(creds okx.Credentials) *okx.Client

type pooledClient struct {
	client    *okx.Client
	createdAt time.Time
	inUse     bool
}

type userPool struct {
	mu      sync.Mutex
	clients []*pooledClient
}

// Manager owns every user's pool.
type Manager struct {
	cfg     Config
	creds   CredentialSource
	factory Factory
	log     zerolog.Logger

	mu    sync.Mutex
	pools map[string]*userPool

	metrics *Metrics // nil = no-op
}

func NewManager(cfg Config, creds CredentialSource, factory Factory, log zerolog.Logger) *Manager {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 10
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = time.Hour
	}
	return &Manager{
		cfg:     cfg,
		creds:   creds,
		factory: factory,
		log:     log,
		pools:   make(map[string]*userPool),
	}
}

// SetMetrics registers an optional metrics collector.
func (m *Manager) SetMetrics(metrics *Metrics) { m.metrics = metrics }

func (m *Manager) pool(uid string) *userPool {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pools[uid]
	if !ok {
		p = &userPool{}
		m.pools[uid] = p
	}
	return p
}

// Acquire loans a validated client for uid. The caller must Release it.
// When the pool is saturated the call retries with exponential backoff and
// finally fails with ErrPoolFull.
func (m *Manager) Acquire(ctx context.Context, uid string) (*okx.Client, error) {
	started := time.Now()
	defer func() {
		if m.metrics != nil {
			m.metrics.waitSeconds.Observe(time.Since(started).Seconds())
		}
	}()

	backoff := acquireBackoff
	for attempt := 0; ; attempt++ {
		client, err := m.tryAcquire(ctx, uid)
		if err == nil {
			return client, nil
		}
		if !errors.Is(err, ErrPoolFull) || attempt >= acquireRetries {
			if m.metrics != nil {
				m.metrics.errors.Inc()
			}
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

func (m *Manager) tryAcquire(ctx context.Context, uid string) (*okx.Client, error) {
	p := m.pool(uid)

	p.mu.Lock()
	// 1. Evict clients past max_age.
	kept := p.clients[:0]
	for _, pc := range p.clients {
		if !pc.inUse && time.Since(pc.createdAt) > m.cfg.MaxAge {
			pc.client.Close()
			continue
		}
		kept = append(kept, pc)
	}
	p.clients = kept

	// 2. Collect idle candidates; validation happens outside the lock.
	var candidates []*pooledClient
	for _, pc := range p.clients {
		if !pc.inUse {
			candidates = append(candidates, pc)
			pc.inUse = true
		}
	}
	size := len(p.clients)
	p.mu.Unlock()

	returned := func(pc *pooledClient) {
		p.mu.Lock()
		pc.inUse = false
		p.mu.Unlock()
	}

	claimed := false
	var claimedClient *okx.Client
	for _, pc := range candidates {
		if claimed {
			returned(pc)
			continue
		}
		if err := pc.client.Validate(ctx); err != nil {
			m.log.Warn().Err(err).Str("uid", uid).Msg("pooled client failed validation, dropping")
			m.drop(uid, pc)
			if okx.IsAuth(err) {
				return nil, fmt.Errorf("%w: %v", ErrAuthentication, err)
			}
			continue
		}
		claimed = true
		claimedClient = pc.client
	}
	if claimed {
		return claimedClient, nil
	}

	// 3. Room for a new client?
	if size >= m.cfg.MaxSize {
		return nil, ErrPoolFull
	}

	creds, err := m.creds.Credentials(ctx, uid)
	if err != nil {
		return nil, err
	}
	client := m.factory(creds)
	if err := client.Validate(ctx); err != nil {
		client.Close()
		if okx.IsAuth(err) {
			return nil, fmt.Errorf("%w: %v", ErrAuthentication, err)
		}
		return nil, fmt.Errorf("gateway: new client validation: %w", err)
	}

	pc := &pooledClient{client: client, createdAt: time.Now(), inUse: true}
	p.mu.Lock()
	if len(p.clients) >= m.cfg.MaxSize {
		p.mu.Unlock()
		client.Close()
		return nil, ErrPoolFull
	}
	p.clients = append(p.clients, pc)
	p.mu.Unlock()

	if m.metrics != nil {
		m.metrics.created.Inc()
		m.metrics.size.Set(float64(m.heldClients()))
	}
	return client, nil
}

// Release returns a client to its pool without closing it.
func (m *Manager) Release(uid string, client *okx.Client) {
	p := m.pool(uid)
	p.mu.Lock()
	for _, pc := range p.clients {
		if pc.client == client {
			pc.inUse = false
			break
		}
	}
	p.mu.Unlock()
	if m.metrics != nil {
		m.metrics.released.Inc()
	}
}

// InvalidateUser closes and drops every client for a user (credential change,
// auth failure).
func (m *Manager) InvalidateUser(uid string) {
	p := m.pool(uid)
	p.mu.Lock()
	for _, pc := range p.clients {
		pc.client.Close()
	}
	p.clients = nil
	p.mu.Unlock()
	if m.metrics != nil {
		m.metrics.size.Set(float64(m.heldClients()))
	}
}

// Stats reports pool occupancy per user.
func (m *Manager) Stats() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int, len(m.pools))
	for uid, p := range m.pools {
		p.mu.Lock()
		out[uid] = len(p.clients)
		p.mu.Unlock()
	}
	return out
}

// heldClients sums pool occupancy across users.
func (m *Manager) heldClients() int {
	total := 0
	for _, n := range m.Stats() {
		total += n
	}
	return total
}

func (m *Manager) drop(uid string, target *pooledClient) {
	p := m.pool(uid)
	p.mu.Lock()
	for i, pc := range p.clients {
		if pc == target {
			p.clients = append(p.clients[:i], p.clients[i+1:]...)
			break
		}
	}
	p.mu.Unlock()
	target.client.Close()
}
