// Package transport performs HTTP in environments where the default stack
// mishandles the mesh DNS family. Private mesh hostnames (for example
// *.railway.internal) often resolve only over IPv6; the stock resolver's
// happy-eyeballs ordering can surface that as a spurious "no such host".
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"triage/internal/logging"
)

// ErrorKind classifies transport failures.
type ErrorKind string

const (
	ErrDNS      ErrorKind = "dns"
	ErrTimeout  ErrorKind = "timeout"
	ErrConnect  ErrorKind = "connect"
	ErrProtocol ErrorKind = "protocol"
)

// Error is a transport-level failure with a structured kind. The DNS variant
// carries the full resolver diagnostic for logs.
type Error struct {
	Kind       ErrorKind
	Host       string
	Diagnostic string
	Err        error
}

func (e *Error) Error() string {
	if e.Diagnostic != "" {
		return fmt.Sprintf("transport %s error for %s: %v\n%s", e.Kind, e.Host, e.Err, e.Diagnostic)
	}
	return fmt.Sprintf("transport %s error for %s: %v", e.Kind, e.Host, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Timeout lets errdefs treat transport timeouts as net.Error timeouts.
func (e *Error) Timeout() bool { return e.Kind == ErrTimeout }

// Temporary reports retryability for the net.Error contract.
func (e *Error) Temporary() bool { return e.Kind != ErrProtocol }

// Client is an HTTP client whose dialer resolves mesh hostnames by trying
// address families in a fixed order: IPv6 first, then IPv4, then unspecified.
// Hosts outside the mesh suffix use the platform default path untouched.
type Client struct {
	httpClient *http.Client
	meshSuffix string
	resolver   *net.Resolver
	logger     logging.Logger
}

// NewClient builds a mesh-aware client. meshSuffix may be empty, in which
// case every host takes the default path.
func NewClient(timeout time.Duration, meshSuffix string) *Client {
	c := &Client{
		meshSuffix: meshSuffix,
		resolver:   net.DefaultResolver,
		logger:     logging.NewComponentLogger("transport"),
	}

	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	base := http.DefaultTransport.(*http.Transport).Clone()
	base.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
		return c.dialContext(ctx, dialer, network, addr)
	}

	c.httpClient = &http.Client{
		Timeout:   timeout,
		Transport: base,
	}
	return c
}

// HTTPClient exposes the underlying client for callers that build their own
// requests (the LLM client does).
func (c *Client) HTTPClient() *http.Client {
	return c.httpClient
}

func (c *Client) isMeshHost(host string) bool {
	return c.meshSuffix != "" && strings.HasSuffix(host, c.meshSuffix)
}

func (c *Client) dialContext(ctx context.Context, dialer *net.Dialer, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}

	if !c.isMeshHost(host) {
		return dialer.DialContext(ctx, network, addr)
	}

	// Address family order is fixed: IPv6 meshes publish AAAA only, so ip6
	// goes first, with ip4 and the unspecified family as fallbacks.
	var lastErr error
	for _, family := range []string{"ip6", "ip4", "ip"} {
		ips, lookupErr := c.resolver.LookupIP(ctx, family, host)
		if lookupErr != nil {
			var dnsErr *net.DNSError
			if errors.As(lookupErr, &dnsErr) && dnsErr.IsNotFound {
				// Not-found is authoritative; iterating families would just
				// repeat it. Gather the diagnostic once and stop.
				diag := c.Diagnose(ctx, host)
				return nil, &Error{Kind: ErrDNS, Host: host, Diagnostic: diag, Err: lookupErr}
			}
			lastErr = lookupErr
			continue
		}

		for _, ip := range ips {
			conn, dialErr := dialer.DialContext(ctx, network, net.JoinHostPort(ip.String(), port))
			if dialErr == nil {
				return conn, nil
			}
			lastErr = dialErr
		}
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no addresses for %s", host)
	}
	return nil, &Error{Kind: classifyKind(lastErr), Host: host, Err: lastErr}
}

// Diagnose runs forward lookups across address families and formats the
// results for operator logs. Each probe gets a two second budget.
func (c *Client) Diagnose(ctx context.Context, host string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "dns diagnostic for %s:", host)

	probes := []struct {
		label  string
		family string
	}{
		{"ipv4", "ip4"},
		{"ipv6", "ip6"},
		{"default", "ip"},
	}

	for _, probe := range probes {
		probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		ips, err := c.resolver.LookupIP(probeCtx, probe.family, host)
		cancel()

		if err != nil {
			fmt.Fprintf(&b, "\n  %s: %v", probe.label, err)
			continue
		}
		addrs := make([]string, 0, len(ips))
		for _, ip := range ips {
			addrs = append(addrs, ip.String())
		}
		fmt.Fprintf(&b, "\n  %s: %s", probe.label, strings.Join(addrs, ", "))
	}
	return b.String()
}

// Request performs one HTTP exchange and returns the status plus body. All
// failures are *Error values so callers classify on Kind, not message text.
func (c *Client) Request(ctx context.Context, method, url string, headers map[string]string, body []byte) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return 0, nil, &Error{Kind: ErrProtocol, Host: url, Err: err}
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, c.wrapError(req.URL.Hostname(), err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.logger.Debug("close response body: %v", cerr)
		}
	}()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, c.wrapError(req.URL.Hostname(), err)
	}
	return resp.StatusCode, data, nil
}

func (c *Client) wrapError(host string, err error) error {
	var transportErr *Error
	if errors.As(err, &transportErr) {
		return transportErr
	}
	return &Error{Kind: classifyKind(err), Host: host, Err: err}
}

func classifyKind(err error) ErrorKind {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return ErrDNS
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrTimeout
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ErrConnect
	}

	return ErrProtocol
}
