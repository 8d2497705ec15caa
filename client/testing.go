package client

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"sync"
	"time"
)

// FakeServerVersion is the creator version reported in fake HARs.
const FakeServerVersion = "2.0-beta-9"

// RecordedRequest represents a request received by a FakeServer
type RecordedRequest struct {
	Method string
	Path   string
	Query  map[string]string
	Form   map[string]string
}

// Override is a canned response that replaces the fake behaviour for one
// method and path.
type Override struct {
	StatusCode  int
	ContentType string
	Body        string
}

type fakePage struct {
	ID              string         `json:"id"`
	Title           string         `json:"title"`
	StartedDateTime string         `json:"startedDateTime"`
	PageTimings     map[string]any `json:"pageTimings"`
}

type fakeHar struct {
	pages []fakePage
}

type fakeProxy struct {
	port     int
	upstream string
	har      *fakeHar
}

// FakeServer implements the proxy control API in memory. It allocates
// proxy ports, tracks HARs and pages, and names unnamed pages "Page N", but
// never proxies any traffic. It is meant for tests.
type FakeServer struct {
	mu        sync.Mutex
	nextPort  int
	proxies   map[int]*fakeProxy
	overrides map[string]Override
	history   []RecordedRequest

	server *httptest.Server
}

// NewFakeServer creates a FakeServer. Call Start to serve it on a loopback
// port, or mount Handler yourself.
func NewFakeServer() *FakeServer {
	return &FakeServer{
		nextPort:  9091,
		proxies:   make(map[int]*fakeProxy),
		overrides: make(map[string]Override),
	}
}

// Start serves the fake on a random loopback port.
func (f *FakeServer) Start() {
	f.server = httptest.NewServer(f.Handler())
}

// Close stops a server started with Start.
func (f *FakeServer) Close() {
	if f.server != nil {
		f.server.Close()
	}
}

// Host returns the host a started server listens on.
func (f *FakeServer) Host() string {
	host, _, _ := net.SplitHostPort(f.server.Listener.Addr().String())
	return host
}

// Port returns the port a started server listens on.
func (f *FakeServer) Port() int {
	return f.server.Listener.Addr().(*net.TCPAddr).Port
}

// SetOverride replaces the response for method and path (e.g. "GET", "/proxy").
func (f *FakeServer) SetOverride(method, path string, o Override) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.overrides[method+" "+path] = o
}

// ClearOverrides removes all canned responses.
func (f *FakeServer) ClearOverrides() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.overrides = make(map[string]Override)
}

// GetRequestHistory returns all recorded requests for verification
func (f *FakeServer) GetRequestHistory() []RecordedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	history := make([]RecordedRequest, len(f.history))
	copy(history, f.history)
	return history
}

// Upstream returns the upstream proxy a fake proxy was created with.
func (f *FakeServer) Upstream(port int) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.proxies[port]; ok {
		return p.upstream
	}
	return ""
}

// Handler returns the control API handler.
func (f *FakeServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /proxy", f.createProxy)
	mux.HandleFunc("GET /proxy", f.listProxies)
	mux.HandleFunc("DELETE /proxy/{port}", f.deleteProxy)
	mux.HandleFunc("PUT /proxy/{port}/har", f.newHar)
	mux.HandleFunc("GET /proxy/{port}/har", f.getHar)
	mux.HandleFunc("PUT /proxy/{port}/har/pageRef", f.newPage)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		f.recordRequest(r)

		f.mu.Lock()
		o, ok := f.overrides[r.Method+" "+r.URL.Path]
		f.mu.Unlock()
		if ok {
			if o.ContentType != "" {
				w.Header().Set("Content-Type", o.ContentType)
			}
			w.WriteHeader(o.StatusCode)
			w.Write([]byte(o.Body))
			return
		}
		mux.ServeHTTP(w, r)
	})
}

func (f *FakeServer) recordRequest(r *http.Request) {
	req := RecordedRequest{
		Method: r.Method,
		Path:   r.URL.Path,
		Query:  flatten(r.URL.Query()),
		Form:   flatten(r.PostForm),
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.history = append(f.history, req)
}

func flatten(values map[string][]string) map[string]string {
	flat := make(map[string]string, len(values))
	for k, v := range values {
		if len(v) > 0 {
			flat[k] = v[0]
		}
	}
	return flat
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=UTF-8")
	json.NewEncoder(w).Encode(v)
}

func (f *FakeServer) lookup(w http.ResponseWriter, r *http.Request) *fakeProxy {
	port, err := strconv.Atoi(r.PathValue("port"))
	if err != nil {
		http.Error(w, "invalid port", http.StatusBadRequest)
		return nil
	}
	p, ok := f.proxies[port]
	if !ok {
		http.Error(w, fmt.Sprintf("no proxy on port %d", port), http.StatusNotFound)
		return nil
	}
	return p
}

func (f *FakeServer) createProxy(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	port := f.nextPort
	if requested := r.URL.Query().Get("port"); requested != "" {
		n, err := strconv.Atoi(requested)
		if err != nil {
			http.Error(w, "invalid port", http.StatusBadRequest)
			return
		}
		if _, taken := f.proxies[n]; taken {
			http.Error(w, "port in use", http.StatusConflict)
			return
		}
		port = n
	} else {
		for {
			if _, taken := f.proxies[port]; !taken {
				break
			}
			port++
		}
		f.nextPort = port + 1
	}

	f.proxies[port] = &fakeProxy{port: port, upstream: r.URL.Query().Get("httpProxy")}
	writeJSON(w, map[string]int{"port": port})
}

func (f *FakeServer) listProxies(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ports := make([]int, 0, len(f.proxies))
	for port := range f.proxies {
		ports = append(ports, port)
	}
	sort.Ints(ports)

	list := make([]map[string]int, 0, len(ports))
	for _, port := range ports {
		list = append(list, map[string]int{"port": port})
	}
	writeJSON(w, map[string]any{"proxyList": list})
}

func (f *FakeServer) deleteProxy(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	p := f.lookup(w, r)
	if p == nil {
		return
	}
	delete(f.proxies, p.port)
	w.WriteHeader(http.StatusOK)
}

func newFakePage(id string, n int) fakePage {
	if id == "" {
		id = fmt.Sprintf("Page %d", n)
	}
	return fakePage{
		ID:              id,
		Title:           id,
		StartedDateTime: time.Now().UTC().Format(time.RFC3339Nano),
		PageTimings:     map[string]any{},
	}
}

func (h *fakeHar) document() map[string]any {
	pages := h.pages
	if pages == nil {
		pages = []fakePage{}
	}
	return map[string]any{
		"log": map[string]any{
			"version": "1.2",
			"creator": map[string]string{"name": "BrowserMob Proxy", "version": FakeServerVersion},
			"pages":   pages,
			"entries": []any{},
			"comment": "",
		},
	}
}

func (f *FakeServer) newHar(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	p := f.lookup(w, r)
	if p == nil {
		return
	}
	prev := p.har
	p.har = &fakeHar{
		pages: []fakePage{newFakePage(r.PostForm.Get("initialPageRef"), 1)},
	}

	if prev == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, prev.document())
}

func (f *FakeServer) getHar(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	p := f.lookup(w, r)
	if p == nil {
		return
	}
	if p.har == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, p.har.document())
}

func (f *FakeServer) newPage(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	p := f.lookup(w, r)
	if p == nil {
		return
	}
	if p.har == nil {
		http.Error(w, "no HAR started", http.StatusInternalServerError)
		return
	}
	p.har.pages = append(p.har.pages, newFakePage(r.PostForm.Get("pageRef"), len(p.har.pages)+1))
	w.WriteHeader(http.StatusOK)
}
