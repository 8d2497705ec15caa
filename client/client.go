package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/net/html/charset"

	"github.com/tomyedwab/harproxy/metrics"
	"github.com/tomyedwab/harproxy/types"
)

// Recorder receives session lifecycle events. audit.Ledger implements it.
type Recorder interface {
	RecordSessionEvent(ctx context.Context, sessionID string, proxyPort int, event, detail string) error
}

// Option represents a functional option for configuring a Manager or Proxy
type Option func(*apiClient)

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(client *http.Client) Option {
	return func(c *apiClient) {
		c.httpClient = client
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *apiClient) {
		c.logger = logger
	}
}

// WithRecorder records session lifecycle events
func WithRecorder(recorder Recorder) Option {
	return func(c *apiClient) {
		c.recorder = recorder
	}
}

// apiClient talks to one control endpoint. It holds no session state and
// is shared by a Manager and every Proxy it creates.
type apiClient struct {
	host       string
	port       int
	httpClient *http.Client
	logger     *slog.Logger
	recorder   Recorder
}

func newAPIClient(host string, port int, options ...Option) *apiClient {
	c := &apiClient{
		host:       host,
		port:       port,
		httpClient: &http.Client{},
		logger:     slog.Default(),
	}
	for _, option := range options {
		option(c)
	}
	c.logger = c.logger.With("component", "ProxyClient", "api", c.address())
	return c
}

func (c *apiClient) address() string {
	return net.JoinHostPort(c.host, strconv.Itoa(c.port))
}

// do performs a request against the control endpoint. A non-empty form is
// sent url-encoded in the body.
func (c *apiClient) do(ctx context.Context, method, path string, query, form url.Values) (*http.Response, error) {
	u := url.URL{
		Scheme:   "http",
		Host:     c.address(),
		Path:     path,
		RawQuery: query.Encode(),
	}

	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, types.NewUnexpectedError("failed to create request", err)
	}
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded; charset=UTF-8")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.ClientRequests.WithLabelValues(method, "error").Inc()
		return nil, types.NewUnableToConnectError(fmt.Sprintf("unable to connect to proxy API at '%s'", c.address()), err)
	}
	metrics.ClientRequests.WithLabelValues(method, strconv.Itoa(resp.StatusCode)).Inc()
	c.logger.Debug("Control API request", "method", method, "path", path, "status", resp.StatusCode)
	return resp, nil
}

// call performs a request and decodes the response.
func (c *apiClient) call(ctx context.Context, method, path string, query, form url.Values) (types.JSONObject, error) {
	resp, err := c.do(ctx, method, path, query, form)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return decodeResponse(resp, method+" "+path)
}

// decodeResponse applies the uniform decoding rules: status >= 300 is an
// UnexpectedStatus error, 204 or an empty body yields nil, anything else
// must be a JSON object in the declared charset (UTF-8 when none is
// declared).
func decodeResponse(resp *http.Response, what string) (types.JSONObject, error) {
	if resp.StatusCode >= 300 {
		io.Copy(io.Discard, resp.Body)
		return nil, types.WrapHTTPError(resp, "unexpected HTTP status for "+what)
	}
	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}

	body, err := utf8Body(resp)
	if err != nil {
		return nil, types.NewMalformedResponseError("unable to decode response to "+what, err)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, types.NewMalformedResponseError("unable to read response to "+what, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	obj, err := types.DecodeJSONObject(data)
	if err != nil {
		return nil, types.NewMalformedResponseError("unable to parse JSON response to "+what, err)
	}
	return obj, nil
}

func utf8Body(resp *http.Response) (io.Reader, error) {
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		return resp.Body, nil
	}
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return resp.Body, nil
	}
	label := params["charset"]
	if label == "" || strings.EqualFold(label, "utf-8") || strings.EqualFold(label, "utf8") {
		return resp.Body, nil
	}
	enc, _ := charset.Lookup(label)
	if enc == nil {
		return nil, fmt.Errorf("unsupported charset %q", label)
	}
	return enc.NewDecoder().Reader(resp.Body), nil
}

func (c *apiClient) record(ctx context.Context, sessionID string, proxyPort int, event, detail string) {
	if c.recorder == nil {
		return
	}
	if err := c.recorder.RecordSessionEvent(ctx, sessionID, proxyPort, event, detail); err != nil {
		c.logger.Warn("Failed to record session event", "event", event, "proxyPort", proxyPort, "error", err)
	}
}
