package client

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/tomyedwab/harproxy/metrics"
	"github.com/tomyedwab/harproxy/types"
)

// ProxyOptions configures proxy creation.
type ProxyOptions struct {
	// Upstream chains the new proxy's traffic through another proxy ("host:port").
	Upstream string
	// Port asks the server for a specific proxy port instead of the next free one.
	Port int
}

// HarOptions configures a new HAR.
type HarOptions struct {
	InitialPageRef       string // Optional; the server names the first page "Page 1" when empty
	CaptureHeaders       bool
	CaptureContent       bool
	CaptureBinaryContent bool
}

func (o HarOptions) form() url.Values {
	form := url.Values{}
	if o.InitialPageRef != "" {
		form.Set("initialPageRef", o.InitialPageRef)
	}
	form.Set("captureHeaders", strconv.FormatBool(o.CaptureHeaders))
	form.Set("captureContent", strconv.FormatBool(o.CaptureContent))
	form.Set("captureBinaryContent", strconv.FormatBool(o.CaptureBinaryContent))
	return form
}

// Proxy is one proxy session: a data-plane port allocated by the control
// endpoint. A Proxy is usable until Close succeeds; afterwards every call
// fails with an IllegalState error.
//
// Calls on one Proxy are expected to be issued sequentially.
type Proxy struct {
	api       *apiClient
	id        string
	proxyPort int
	created   bool // Created by this client, as opposed to attached.

	used   atomic.Bool
	closed atomic.Bool
}

// NewProxy asks the control endpoint at host:port for a new proxy.
func NewProxy(ctx context.Context, host string, port int, options ...Option) (*Proxy, error) {
	return newProxy(ctx, newAPIClient(host, port, options...), ProxyOptions{})
}

// NewProxyWithUpstream is NewProxy with traffic chained through upstream ("host:port").
func NewProxyWithUpstream(ctx context.Context, host string, port int, upstream string, options ...Option) (*Proxy, error) {
	return newProxy(ctx, newAPIClient(host, port, options...), ProxyOptions{Upstream: upstream})
}

// NewProxyWithOptions is NewProxy with explicit creation options.
func NewProxyWithOptions(ctx context.Context, host string, port int, opts ProxyOptions, options ...Option) (*Proxy, error) {
	return newProxy(ctx, newAPIClient(host, port, options...), opts)
}

// AttachProxy wraps a proxy port that already exists on the server. No
// request is made.
func AttachProxy(host string, port, proxyPort int, options ...Option) *Proxy {
	return attachProxy(newAPIClient(host, port, options...), proxyPort)
}

func attachProxy(api *apiClient, proxyPort int) *Proxy {
	return &Proxy{api: api, id: uuid.NewString(), proxyPort: proxyPort}
}

func newProxy(ctx context.Context, api *apiClient, opts ProxyOptions) (*Proxy, error) {
	query := url.Values{}
	if opts.Upstream != "" {
		query.Set("httpProxy", opts.Upstream)
	}
	if opts.Port > 0 {
		query.Set("port", strconv.Itoa(opts.Port))
	}

	obj, err := api.call(ctx, http.MethodPost, "/proxy", query, nil)
	if err != nil {
		return nil, err
	}
	if obj == nil {
		return nil, types.NewMalformedResponseError("create proxy response has no body", nil)
	}
	proxyPort, ok := obj.Int("port")
	if !ok {
		return nil, types.NewMalformedResponseError("create proxy response does not contain 'port'", nil)
	}

	p := attachProxy(api, proxyPort)
	p.created = true
	metrics.SessionsOpen.Inc()
	api.logger.Info("Created proxy", "proxyPort", proxyPort, "upstream", opts.Upstream, "session", p.id)
	api.record(ctx, p.id, proxyPort, "created", opts.Upstream)
	return p, nil
}

// ID returns a client-side identifier for this session.
func (p *Proxy) ID() string {
	return p.id
}

// APIHost returns the host of the control endpoint.
func (p *Proxy) APIHost() string {
	return p.api.host
}

// APIPort returns the port of the control endpoint. This is not the port
// browsers connect to; see ProxyPort.
func (p *Proxy) APIPort() int {
	return p.api.port
}

// ProxyPort returns the port browsers should be pointed at.
func (p *Proxy) ProxyPort() int {
	return p.proxyPort
}

// AsHostAndPort returns "host:proxyPort".
func (p *Proxy) AsHostAndPort() string {
	return net.JoinHostPort(p.api.host, strconv.Itoa(p.proxyPort))
}

// AsSeleniumProxy returns the WebDriver proxy capability for this session.
func (p *Proxy) AsSeleniumProxy() types.ProxyDescriptor {
	return types.ProxyDescriptor{
		ProxyType: types.ProxyTypeManual,
		HTTPProxy: p.AsHostAndPort(),
	}
}

// NotUsedYet reports whether NewHar has never been called.
func (p *Proxy) NotUsedYet() bool {
	return !p.used.Load()
}

// IsClosed reports whether Close has succeeded.
func (p *Proxy) IsClosed() bool {
	return p.closed.Load()
}

func (p *Proxy) path() string {
	return fmt.Sprintf("/proxy/%d", p.proxyPort)
}

func (p *Proxy) checkOpen() error {
	if p.closed.Load() {
		return types.NewIllegalStateError(fmt.Sprintf("proxy %d is closed", p.proxyPort))
	}
	return nil
}

// NewHar starts a new HAR and returns the previous one, or nil if this is
// the first HAR of the session.
func (p *Proxy) NewHar(ctx context.Context, opts HarOptions) (types.JSONObject, error) {
	if err := p.checkOpen(); err != nil {
		return nil, err
	}
	p.used.Store(true)

	prev, err := p.api.call(ctx, http.MethodPut, p.path()+"/har", nil, opts.form())
	if err != nil {
		return nil, err
	}
	p.api.record(ctx, p.id, p.proxyPort, "har_started", opts.InitialPageRef)
	return prev, nil
}

// NewHarDefault is NewHar with default options.
func (p *Proxy) NewHarDefault(ctx context.Context) (types.JSONObject, error) {
	return p.NewHar(ctx, HarOptions{})
}

// NewHarWithPageRef is NewHar naming the first page.
func (p *Proxy) NewHarWithPageRef(ctx context.Context, initialPageRef string) (types.JSONObject, error) {
	return p.NewHar(ctx, HarOptions{InitialPageRef: initialPageRef})
}

// Har returns the current HAR without resetting it.
func (p *Proxy) Har(ctx context.Context) (types.JSONObject, error) {
	if err := p.checkOpen(); err != nil {
		return nil, err
	}
	return p.api.call(ctx, http.MethodGet, p.path()+"/har", nil, nil)
}

// NewPage starts a new page in the current HAR. With an empty pageRef the
// server names it "Page N".
func (p *Proxy) NewPage(ctx context.Context, pageRef string) error {
	if err := p.checkOpen(); err != nil {
		return err
	}
	form := url.Values{}
	if pageRef != "" {
		form.Set("pageRef", pageRef)
	}
	if _, err := p.api.call(ctx, http.MethodPut, p.path()+"/har/pageRef", nil, form); err != nil {
		return err
	}
	p.api.record(ctx, p.id, p.proxyPort, "page_started", pageRef)
	return nil
}

// HarToFile writes the current HAR to dir/filename.
func (p *Proxy) HarToFile(ctx context.Context, dir, filename string) error {
	har, err := p.Har(ctx)
	if err != nil {
		return err
	}
	data, err := har.Marshal()
	if err != nil {
		return types.NewUnexpectedError("failed to serialize HAR", err)
	}
	path := filepath.Join(dir, filename)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return types.NewUnexpectedError("failed to write HAR to "+path, err)
	}
	return nil
}

// Close deletes the proxy on the server. It is not idempotent: calling it
// again, or calling anything else afterwards, fails with IllegalState.
func (p *Proxy) Close(ctx context.Context) error {
	if err := p.checkOpen(); err != nil {
		return err
	}
	if _, err := p.api.call(ctx, http.MethodDelete, p.path(), nil, nil); err != nil {
		return err
	}
	if !p.closed.CompareAndSwap(false, true) {
		return types.NewIllegalStateError(fmt.Sprintf("proxy %d is closed", p.proxyPort))
	}
	if p.created {
		metrics.SessionsOpen.Dec()
	}
	p.api.logger.Info("Closed proxy", "proxyPort", p.proxyPort, "session", p.id)
	p.api.record(ctx, p.id, p.proxyPort, "closed", "")
	return nil
}
