package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/tomyedwab/harproxy/types"
)

// Manager creates, lists and closes proxies on one control endpoint. It
// remembers the sessions it created so CloseAll closes them under the same
// identity.
type Manager struct {
	api *apiClient

	mu      sync.Mutex
	created map[int]*Proxy
}

// NewManager creates a Manager for the control endpoint at host:port. It
// lists the open proxies once so that an absent endpoint fails here.
func NewManager(ctx context.Context, host string, port int, options ...Option) (*Manager, error) {
	m := &Manager{
		api:     newAPIClient(host, port, options...),
		created: make(map[int]*Proxy),
	}
	if _, err := m.OpenProxies(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

// APIHost returns the host of the control endpoint.
func (m *Manager) APIHost() string {
	return m.api.host
}

// APIPort returns the port of the control endpoint.
func (m *Manager) APIPort() int {
	return m.api.port
}

// CreateProxy asks the server for a new proxy.
func (m *Manager) CreateProxy(ctx context.Context) (*Proxy, error) {
	return m.track(newProxy(ctx, m.api, ProxyOptions{}))
}

// CreateProxyWithUpstream asks the server for a new proxy chained through
// upstream ("host:port").
func (m *Manager) CreateProxyWithUpstream(ctx context.Context, upstream string) (*Proxy, error) {
	return m.track(newProxy(ctx, m.api, ProxyOptions{Upstream: upstream}))
}

// CreateProxyWithOptions asks the server for a new proxy with explicit options.
func (m *Manager) CreateProxyWithOptions(ctx context.Context, opts ProxyOptions) (*Proxy, error) {
	return m.track(newProxy(ctx, m.api, opts))
}

func (m *Manager) track(p *Proxy, err error) (*Proxy, error) {
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for port, tracked := range m.created {
		if tracked.IsClosed() {
			delete(m.created, port)
		}
	}
	m.created[p.proxyPort] = p
	return p, nil
}

// session returns the Proxy this Manager created on port, or an attached
// one when the port was opened elsewhere.
func (m *Manager) session(port int) *Proxy {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.created[port]; ok && !p.IsClosed() {
		return p
	}
	delete(m.created, port)
	return attachProxy(m.api, port)
}

// OpenProxies returns the ports of the proxies currently open on the server.
func (m *Manager) OpenProxies(ctx context.Context) (map[int]struct{}, error) {
	resp, err := m.api.do(ctx, http.MethodGet, "/proxy", nil, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, types.WrapHTTPError(resp, fmt.Sprintf("can't fetch list of open proxies from '%s'", m.api.address()))
	}

	obj, err := decodeResponse(resp, "GET /proxy")
	if err != nil {
		return nil, err
	}

	const proxyListKey = "proxyList"
	if obj == nil || !obj.Has(proxyListKey) {
		return nil, types.NewMalformedResponseError(fmt.Sprintf("JSON response does not contain '%s'", proxyListKey), nil)
	}
	list, ok := obj[proxyListKey].([]any)
	if !ok {
		return nil, types.NewMalformedResponseError(fmt.Sprintf("'%s' is not an array", proxyListKey), nil)
	}

	ports := make(map[int]struct{}, len(list))
	for _, item := range list {
		entry, ok := item.(map[string]any)
		if !ok {
			return nil, types.NewMalformedResponseError(fmt.Sprintf("'%s' entry is not an object", proxyListKey), nil)
		}
		port, ok := types.JSONObject(entry).Int("port")
		if !ok {
			return nil, types.NewMalformedResponseError(fmt.Sprintf("'%s' entry has no integer 'port'", proxyListKey), nil)
		}
		ports[port] = struct{}{}
	}
	return ports, nil
}

// CloseAll closes every open proxy on the server. A failure closing one
// proxy does not stop the others from being closed; all failures are
// returned joined.
func (m *Manager) CloseAll(ctx context.Context) error {
	ports, err := m.OpenProxies(ctx)
	if err != nil {
		return err
	}

	var errs []error
	for port := range ports {
		if err := m.session(port).Close(ctx); err != nil {
			m.api.logger.Warn("Failed to close proxy", "proxyPort", port, "error", err)
			errs = append(errs, fmt.Errorf("close proxy %d: %w", port, err))
		}
	}
	return errors.Join(errs...)
}
