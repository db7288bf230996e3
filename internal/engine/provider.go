package engine

import (
	"context"
	"net/http"
	"sync"

	"github.com/storeseo/engine/internal/domain"
	"github.com/storeseo/engine/internal/storeapi"
)

// TenantStore resolves tenant credentials for the client provider.
type TenantStore interface {
	GetTenant(ctx context.Context, name string) (*domain.Tenant, error)
}

// ClientProvider builds per-tenant admin API clients from stored credentials,
// caching them until the credentials change.
type ClientProvider struct {
	store      TenantStore
	httpClient *http.Client
	base       storeapi.Config

	mu    sync.Mutex
	cache map[string]*cachedClient
}

type cachedClient struct {
	endpoint string
	token    string
	api      StoreAPI
}

// NewClientProvider creates the provider. base carries the retry and
// throttle settings; endpoint and token are filled per tenant.
func NewClientProvider(store TenantStore, httpClient *http.Client, base storeapi.Config) *ClientProvider {
	return &ClientProvider{
		store:      store,
		httpClient: httpClient,
		base:       base,
		cache:      make(map[string]*cachedClient),
	}
}

// ForTenant returns the admin API client for the tenant.
func (p *ClientProvider) ForTenant(ctx context.Context, tenant string) (StoreAPI, error) {
	t, err := p.store.GetTenant(ctx, tenant)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.cache[tenant]; ok && c.endpoint == t.APIEndpoint && c.token == t.APIToken {
		return c.api, nil
	}

	cfg := p.base
	cfg.Endpoint = t.APIEndpoint
	cfg.Token = t.APIToken
	api := storeapi.New(p.httpClient, cfg)

	p.cache[tenant] = &cachedClient{endpoint: t.APIEndpoint, token: t.APIToken, api: api}
	return api, nil
}
