package sandbox

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"golang.org/x/time/rate"
)

// EgressPolicy restricts where the network capability can connect. Internal
// ranges are always denied unless an AllowCIDRs entry covers them.
type EgressPolicy struct {
	AllowHosts        []string
	AllowCIDRs        []string
	RequestsPerSecond float64
	Burst             int
	Timeout           time.Duration
}

const (
	defaultRequestsPerSecond = 10
	defaultRequestTimeout    = 30 * time.Second
)

var deniedRanges = mustParseCIDRs(
	"0.0.0.0/8",
	"10.0.0.0/8",
	"100.64.0.0/10",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"172.16.0.0/12",
	"192.0.0.0/24",
	"192.168.0.0/16",
	"198.18.0.0/15",
	"224.0.0.0/4",
	"240.0.0.0/4",
	"::/128",
	"::1/128",
	"fc00::/7",
	"fe80::/10",
	"ff00::/8",
)

func mustParseCIDRs(values ...string) []*net.IPNet {
	out := make([]*net.IPNet, 0, len(values))
	for _, v := range values {
		_, network, err := net.ParseCIDR(v)
		if err != nil {
			panic(err)
		}
		out = append(out, network)
	}
	return out
}

// egressGuard checks resolved addresses. It runs in the dialer's Control hook,
// after DNS, so a hostname cannot rebind to an internal address.
type egressGuard struct {
	allowNets  []*net.IPNet
	allowHosts []string
}

func newEgressGuard(p EgressPolicy) (*egressGuard, error) {
	g := &egressGuard{}
	for _, raw := range p.AllowCIDRs {
		value := strings.TrimSpace(raw)
		if value == "" {
			continue
		}
		if !strings.Contains(value, "/") {
			if ip := net.ParseIP(value); ip != nil && ip.To4() != nil {
				value += "/32"
			} else {
				value += "/128"
			}
		}
		_, network, err := net.ParseCIDR(value)
		if err != nil {
			return nil, fmt.Errorf("sandbox: egress allow entry %q: %w", raw, err)
		}
		g.allowNets = append(g.allowNets, network)
	}
	for _, host := range p.AllowHosts {
		if h := strings.ToLower(strings.TrimSpace(host)); h != "" {
			g.allowHosts = append(g.allowHosts, h)
		}
	}
	return g, nil
}

func (g *egressGuard) checkIP(ip net.IP) error {
	for _, network := range g.allowNets {
		if network.Contains(ip) {
			return nil
		}
	}
	for _, network := range deniedRanges {
		if network.Contains(ip) {
			return &EgressDeniedError{Target: ip.String(), Reason: "internal range " + network.String()}
		}
	}
	return nil
}

func (g *egressGuard) control(_, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return &EgressDeniedError{Target: address, Reason: "unparseable address"}
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return &EgressDeniedError{Target: address, Reason: "unresolved address"}
	}
	return g.checkIP(ip)
}

// checkHost applies the hostname allow-list. An empty list allows any host.
func (g *egressGuard) checkHost(host string) error {
	if len(g.allowHosts) == 0 {
		return nil
	}
	host = strings.ToLower(host)
	for _, pattern := range g.allowHosts {
		if ok, _ := doublestar.Match(pattern, host); ok {
			return nil
		}
	}
	return &EgressDeniedError{Target: host, Reason: "host not in allow-list"}
}

type guardedTransport struct {
	next    http.RoundTripper
	guard   *egressGuard
	limiter *rate.Limiter
	// closed reports whether the owning sandbox was closed; a client handed
	// out earlier stops working from then on.
	closed func() bool
}

func (t *guardedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.closed != nil && t.closed() {
		return nil, ErrClosed
	}
	if err := t.guard.checkHost(req.URL.Hostname()); err != nil {
		return nil, err
	}
	if err := t.limiter.Wait(req.Context()); err != nil {
		return nil, fmt.Errorf("sandbox: rate limit: %w", err)
	}
	return t.next.RoundTrip(req)
}

func newGuardedClient(p EgressPolicy, closed func() bool) (*http.Client, *http.Transport, error) {
	guard, err := newEgressGuard(p)
	if err != nil {
		return nil, nil, err
	}
	dialer := &net.Dialer{
		Timeout: 10 * time.Second,
		Control: guard.control,
	}
	transport := &http.Transport{
		Proxy: nil,
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dialer.DialContext(ctx, network, addr)
		},
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          16,
		IdleConnTimeout:       30 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	rps := p.RequestsPerSecond
	if rps <= 0 {
		rps = defaultRequestsPerSecond
	}
	burst := p.Burst
	if burst <= 0 {
		burst = int(rps)
		if burst < 1 {
			burst = 1
		}
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	client := &http.Client{
		Transport: &guardedTransport{
			next:    transport,
			guard:   guard,
			limiter: rate.NewLimiter(rate.Limit(rps), burst),
			closed:  closed,
		},
		Timeout: timeout,
	}
	return client, transport, nil
}
