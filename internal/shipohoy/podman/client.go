package podman

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path"
	"slices"
	"strings"
	"time"
)

const (
	apiVersion    = "v4.0.0"
	maxErrorBody  = 64 * 1024
	jsonMediaType = "application/json"
)

// APIError is a non-2xx response from the Podman API.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("podman API error (%d): %s", e.Status, e.Message)
}

// client talks to Podman's Docker-compatible HTTP API.
type client struct {
	address string
	baseURL *url.URL
	http    *http.Client
}

// call describes one API request. In is sent as JSON unless Body is set.
// Statuses listed in Accept count as success on top of 2xx.
type call struct {
	Method      string
	Path        string
	Query       url.Values
	In          any
	Body        io.Reader
	ContentType string
	Accept      []int
}

func get(p string) call               { return call{Method: http.MethodGet, Path: p} }
func post(p string, in any) call      { return call{Method: http.MethodPost, Path: p, In: in} }
func (c call) with(q url.Values) call { c.Query = q; return c }
func (c call) accept(status ...int) call {
	c.Accept = append(c.Accept, status...)
	return c
}

func newClient(address string) (*client, error) {
	addr := strings.TrimSpace(address)
	if addr == "" {
		return nil, errors.New("podman address is required")
	}
	baseURL, transport, err := parseAddress(addr)
	if err != nil {
		return nil, err
	}
	return &client{address: addr, baseURL: baseURL, http: &http.Client{Transport: transport}}, nil
}

// dial returns a client for the first address that answers a ping.
func dial(ctx context.Context, addresses []string) (*client, error) {
	var errs []error
	for _, addr := range addresses {
		cl, err := newClient(addr)
		if err == nil {
			_, err = cl.fetch(ctx, get("/libpod/_ping"), nil)
		}
		if err == nil {
			return cl, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", addr, err))
	}
	if len(errs) == 0 {
		return nil, errors.New("podman address not configured")
	}
	return nil, errors.Join(errs...)
}

func parseAddress(addr string) (*url.URL, *http.Transport, error) {
	if socket, ok := strings.CutPrefix(addr, "unix://"); ok {
		if socket == "" {
			return nil, nil, errors.New("podman unix socket path is required")
		}
		var dialer net.Dialer
		return &url.URL{Scheme: "http", Host: "podman"}, &http.Transport{
			DisableCompression: true,
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				return dialer.DialContext(ctx, "unix", socket)
			},
		}, nil
	}
	switch {
	case strings.HasPrefix(addr, "tcp://"):
		addr = "http://" + strings.TrimPrefix(addr, "tcp://")
	case !strings.Contains(addr, "://"):
		addr = "http://" + addr
	}
	baseURL, err := url.Parse(addr)
	if err != nil {
		return nil, nil, err
	}
	dialer := &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}
	return baseURL, &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: 10 * time.Second,
	}, nil
}

// send performs req and returns the open response. Statuses outside 2xx and
// req.Accept are closed and returned as *APIError.
func (c *client) send(ctx context.Context, req call) (*http.Response, error) {
	if c == nil || c.http == nil || c.baseURL == nil {
		return nil, errors.New("podman client not initialized")
	}
	body, contentType := req.Body, req.ContentType
	if body == nil && req.In != nil {
		payload, err := json.Marshal(req.In)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", req.Path, err)
		}
		body, contentType = bytes.NewReader(payload), jsonMediaType
	}
	target := *c.baseURL
	target.Path = path.Join("/", apiVersion, req.Path)
	target.RawQuery = req.Query.Encode()
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target.String(), body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	res, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	if res.StatusCode < 300 || slices.Contains(req.Accept, res.StatusCode) {
		return res, nil
	}
	defer func() { _ = res.Body.Close() }()
	msg, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))
	apiErr := &APIError{Status: res.StatusCode, Message: strings.TrimSpace(string(msg))}
	if apiErr.Message == "" {
		apiErr.Message = res.Status
	}
	return nil, apiErr
}

// fetch runs req and decodes a 2xx JSON body into out when out is non-nil.
// It returns the response status.
func (c *client) fetch(ctx context.Context, req call, out any) (int, error) {
	res, err := c.send(ctx, req)
	if err != nil {
		return 0, err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, res.Body)
		_ = res.Body.Close()
	}()
	if out != nil && res.StatusCode < 300 {
		if err := json.NewDecoder(res.Body).Decode(out); err != nil {
			return res.StatusCode, fmt.Errorf("decode %s: %w", req.Path, err)
		}
	}
	return res.StatusCode, nil
}

func candidateAddresses(primary string) []string {
	var out []string
	add := func(addr string) {
		if addr = strings.TrimSpace(addr); addr != "" && !slices.Contains(out, addr) {
			out = append(out, addr)
		}
	}
	add(primary)
	add(os.Getenv("CONTAINER_HOST"))
	runtimeDir := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR"))
	if runtimeDir != "" {
		add("unix://" + path.Join(runtimeDir, "podman", "podman.sock"))
	}
	add("unix://" + path.Join("/run", "user", fmt.Sprint(os.Getuid()), "podman", "podman.sock"))
	add("unix:///run/podman/podman.sock")
	return out
}

// imagePath escapes an image reference for use in a URL path while keeping
// its registry and repository separators.
func imagePath(format, image string) string {
	escaped := strings.ReplaceAll(url.PathEscape(strings.TrimSpace(image)), "%2F", "/")
	return fmt.Sprintf(format, escaped)
}

func containerPath(format, id string) string {
	return fmt.Sprintf(format, url.PathEscape(id))
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}
