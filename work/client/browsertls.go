package client

import (
	"bufio"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	utls "github.com/refraction-networking/utls"
	"golang.org/x/net/http2"
)

// browserRoundTripper dials HTTPS hosts with a Chrome ClientHello so image CDNs
// that fingerprint TLS serve the same bytes a browser would get. Plain HTTP
// requests go through the default transport.
type browserRoundTripper struct {
	dialer      *net.Dialer
	timeout     time.Duration
	h2Transport *http2.Transport
}

func newBrowserRoundTripper(timeout time.Duration) *browserRoundTripper {
	return &browserRoundTripper{
		dialer: &net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 60 * time.Second,
		},
		timeout:     timeout,
		h2Transport: &http2.Transport{},
	}
}

func (t *browserRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.URL.Scheme != "https" {
		return http.DefaultTransport.RoundTrip(req)
	}

	addr := req.URL.Host
	if req.URL.Port() == "" {
		addr = net.JoinHostPort(req.URL.Hostname(), "443")
	}

	raw, err := t.dialer.DialContext(req.Context(), "tcp", addr)
	if err != nil {
		return nil, err
	}
	conn := net.Conn(&idleTimeoutConn{Conn: raw, timeout: t.timeout})

	uconn := utls.UClient(conn, &utls.Config{ServerName: req.URL.Hostname()}, utls.HelloChrome_Auto)
	if err := uconn.HandshakeContext(req.Context()); err != nil {
		conn.Close()
		return nil, err
	}

	if uconn.ConnectionState().NegotiatedProtocol == "h2" {
		h2Conn, err := t.h2Transport.NewClientConn(uconn)
		if err != nil {
			uconn.Close()
			return nil, err
		}
		resp, err := h2Conn.RoundTrip(req)
		if err != nil {
			uconn.Close()
			return nil, err
		}
		resp.Body = &connCloser{ReadCloser: resp.Body, conn: uconn}
		return resp, nil
	}

	return t.roundTripHTTP1(uconn, req)
}

// roundTripHTTP1 writes a single request on conn and hands back a response
// whose Close also closes the connection.
func (t *browserRoundTripper) roundTripHTTP1(conn net.Conn, req *http.Request) (*http.Response, error) {
	outbound := req.Clone(req.Context())
	if strings.EqualFold(outbound.Header.Get("Connection"), "keep-alive") {
		outbound.Header.Set("Connection", "close")
	}
	if err := outbound.Write(conn); err != nil {
		conn.Close()
		return nil, err
	}

	resp, err := http.ReadResponse(bufio.NewReader(conn), req)
	if err != nil {
		conn.Close()
		return nil, err
	}

	resp.Body = &connCloser{ReadCloser: resp.Body, conn: conn}
	return resp, nil
}

type connCloser struct {
	io.ReadCloser
	conn net.Conn
}

func (c *connCloser) Close() error {
	err := c.ReadCloser.Close()
	c.conn.Close()
	return err
}
