package monitoring

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
)

// HTTPProbe checks reachability of an HTTP endpoint. Any response counts,
// whatever its status code.
type HTTPProbe struct {
	URL    string
	Client *http.Client
}

func NewHTTPProbe(url string) *HTTPProbe {
	return &HTTPProbe{URL: url, Client: &http.Client{}}
}

func (p *HTTPProbe) Name() string { return "reachability" }

func (p *HTTPProbe) Check(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.URL, nil)
	if err != nil {
		return fmt.Errorf("failed to build probe request: %w", err)
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

// TCPProbe opens a raw TCP connection to Address.
type TCPProbe struct {
	Address string
	dialer  net.Dialer
}

func NewTCPProbe(host string, port int) *TCPProbe {
	return &TCPProbe{Address: net.JoinHostPort(host, strconv.Itoa(port))}
}

func (p *TCPProbe) Name() string { return "socket" }

func (p *TCPProbe) Check(ctx context.Context) error {
	conn, err := p.dialer.DialContext(ctx, "tcp", p.Address)
	if err != nil {
		return err
	}
	return conn.Close()
}

// ProbeFunc adapts a function to the Probe interface.
type ProbeFunc struct {
	ProbeName string
	Fn        func(ctx context.Context) error
}

func (p ProbeFunc) Name() string { return p.ProbeName }

func (p ProbeFunc) Check(ctx context.Context) error { return p.Fn(ctx) }
