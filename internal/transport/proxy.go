package transport

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/url"

	"golang.org/x/net/proxy"

	"github.com/relaypool/relaypool/internal/model"
)

// proxyDialer returns a DialTLSContext function that connects through the
// account's configured proxy before performing the utls TLS handshake.
func proxyDialer(p *model.ProxyConfig) func(ctx context.Context, network, addr string) (net.Conn, error) {
	switch p.Type {
	case model.ProxySOCKS5:
		return socks5Dialer(p)
	default:
		return httpConnectDialer(p)
	}
}

func socks5Dialer(p *model.ProxyConfig) func(ctx context.Context, network, addr string) (net.Conn, error) {
	var auth *proxy.Auth
	if p.Username != "" {
		auth = &proxy.Auth{User: p.Username, Password: p.Password}
	}

	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		dialer, err := proxy.SOCKS5("tcp", fmt.Sprintf("%s:%d", p.Host, p.Port), auth, proxy.Direct)
		if err != nil {
			return nil, err
		}
		conn, err := dialer.Dial(network, addr)
		if err != nil {
			return nil, err
		}
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			host = addr
		}
		return uTLSHandshake(conn, host)
	}
}

func httpConnectDialer(p *model.ProxyConfig) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", p.Host, p.Port))
		if err != nil {
			return nil, err
		}

		req := &http.Request{
			Method: http.MethodConnect,
			URL:    &url.URL{Opaque: addr},
			Host:   addr,
			Header: make(http.Header),
		}
		if p.Username != "" {
			creds := base64.StdEncoding.EncodeToString([]byte(p.Username + ":" + p.Password))
			req.Header.Set("Proxy-Authorization", "Basic "+creds)
		}
		if err := req.Write(conn); err != nil {
			conn.Close()
			return nil, err
		}

		resp, err := http.ReadResponse(bufio.NewReader(conn), req)
		if err != nil {
			conn.Close()
			return nil, err
		}
		if resp.StatusCode != http.StatusOK {
			conn.Close()
			return nil, fmt.Errorf("proxy CONNECT failed: %s", resp.Status)
		}

		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			host = addr
		}
		return uTLSHandshake(conn, host)
	}
}
