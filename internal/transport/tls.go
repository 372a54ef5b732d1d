package transport

import (
	"context"
	"net"

	utls "github.com/refraction-networking/utls"
)

// dialUTLSContext establishes a direct TLS connection using utls with a
// Chrome TLS fingerprint, so the relay's outbound handshake is not
// distinguishable from a stock browser client at the TLS layer.
func dialUTLSContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}

	var d net.Dialer
	rawConn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}

	return uTLSHandshake(rawConn, host)
}

func uTLSHandshake(rawConn net.Conn, host string) (net.Conn, error) {
	uconn := utls.UClient(rawConn, &utls.Config{ServerName: host}, utls.HelloChrome_Auto)
	if err := uconn.Handshake(); err != nil {
		rawConn.Close()
		return nil, err
	}
	return uconn, nil
}
