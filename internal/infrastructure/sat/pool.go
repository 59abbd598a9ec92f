package sat

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/cfdisync/backend/internal/domain/fiscal"
)

// MaterialLoader returns the decrypted key material of a tenant's active
// credential of kind.
type MaterialLoader interface {
	LoadMaterial(ctx context.Context, tenantID uuid.UUID, kind fiscal.CredentialKind) (*CredentialMaterial, error)
}

type pooledClient struct {
	client   *Client
	serial   string
	loadedAt time.Time
}

// ClientPool hands out one signing client per tenant, all sharing a single
// rate limiter. A tenant's client is rebuilt after ttl so that a newly
// uploaded credential takes over without a restart.
type ClientPool struct {
	config  ClientConfig
	loader  MaterialLoader
	limiter *rate.Limiter
	ttl     time.Duration
	logger  *zap.Logger
	opts    []ClientOption
	now     func() time.Time

	mu      sync.Mutex
	clients map[uuid.UUID]pooledClient
	consult *Client
}

// NewClientPool validates cfg and creates an empty pool.
func NewClientPool(cfg ClientConfig, loader MaterialLoader, ttl time.Duration, logger *zap.Logger, opts ...ClientOption) (*ClientPool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ClientPool{
		config:  cfg,
		loader:  loader,
		limiter: NewLimiter(cfg),
		ttl:     ttl,
		logger:  logger,
		opts:    opts,
		now:     time.Now,
		clients: make(map[uuid.UUID]pooledClient),
	}, nil
}

func (p *ClientPool) clientOptions() []ClientOption {
	return append([]ClientOption{WithLimiter(p.limiter)}, p.opts...)
}

// ForTenant returns a client signing with the tenant's active FIEL.
func (p *ClientPool) ForTenant(ctx context.Context, tenantID uuid.UUID) (*Client, error) {
	p.mu.Lock()
	cached, ok := p.clients[tenantID]
	p.mu.Unlock()
	if ok && p.now().Sub(cached.loadedAt) < p.ttl {
		return cached.client, nil
	}

	material, err := p.loader.LoadMaterial(ctx, tenantID, fiscal.CredentialFIEL)
	if err != nil {
		return nil, err
	}
	signer, err := NewSigner(material)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", fiscal.ErrCredential, err)
	}
	client, err := NewClient(p.config, signer, p.logger, p.clientOptions()...)
	if err != nil {
		return nil, err
	}

	serial := material.SerialNumber()
	p.mu.Lock()
	if ok && cached.serial == serial {
		// Same credential: keep the client and its cached token.
		client = cached.client
	}
	p.clients[tenantID] = pooledClient{client: client, serial: serial, loadedAt: p.now()}
	p.mu.Unlock()
	if !ok || cached.serial != serial {
		p.logger.Info("sat client ready", zap.String("tenant_id", tenantID.String()), zap.String("serial", serial))
	}
	return client, nil
}

// Forget drops the tenant's cached client.
func (p *ClientPool) Forget(tenantID uuid.UUID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.clients, tenantID)
}

// Consult returns the shared unsigned client used for status checks.
func (p *ClientPool) Consult() *Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.consult == nil {
		// Validate already passed in NewClientPool.
		p.consult, _ = NewClient(p.config, nil, p.logger, p.clientOptions()...)
	}
	return p.consult
}
