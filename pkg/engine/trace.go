package engine

import (
	"context"
	"crypto/tls"
	"net/http"
	"net/http/httptrace"
	"sync"

	"github.com/ajitpratap0/xfer-go/pkg/logging"
)

// connTrace collects connection accounting for one transfer and, when the
// transfer is verbose, prints what happens on the wire.
type connTrace struct {
	mu       sync.Mutex
	log      func(msg string, fields ...logging.Field)
	connects int
	reused   bool
	gotConn  bool
}

func newConnTrace(logger logging.Logger, verbose bool) *connTrace {
	log := logger.Debug
	if verbose {
		log = logger.Info
	}
	return &connTrace{log: log}
}

func (c *connTrace) clientTrace() *httptrace.ClientTrace {
	return &httptrace.ClientTrace{
		DNSStart: func(info httptrace.DNSStartInfo) {
			c.log("Resolving host", logging.String("host", info.Host))
		},
		DNSDone: func(info httptrace.DNSDoneInfo) {
			if info.Err != nil {
				c.log("Could not resolve host", logging.ErrorField(info.Err))
			}
		},
		ConnectStart: func(network, addr string) {
			c.log("Trying "+addr+"...", logging.String("network", network))
		},
		ConnectDone: func(network, addr string, err error) {
			if err != nil {
				c.log("connect to "+addr+" failed", logging.ErrorField(err))
				return
			}
			c.log("Connected to " + addr)
		},
		TLSHandshakeDone: func(state tls.ConnectionState, err error) {
			if err == nil {
				c.log("TLS handshake completed", logging.String("alpn", state.NegotiatedProtocol))
			}
		},
		GotConn: func(info httptrace.GotConnInfo) {
			c.mu.Lock()
			c.gotConn = true
			c.reused = info.Reused
			if !info.Reused {
				c.connects++
			}
			c.mu.Unlock()

			if info.Reused {
				c.log("Re-using existing connection with host "+info.Conn.RemoteAddr().String(),
					logging.Duration("idle", info.IdleTime))
			}
		},
		WroteHeaders: func() {
			c.log("Request headers sent")
		},
	}
}

func (c *connTrace) withContext(ctx context.Context) context.Context {
	return httptrace.WithClientTrace(ctx, c.clientTrace())
}

func (c *connTrace) requestLine(req *http.Request) {
	c.log("> " + req.Method + " " + req.URL.RequestURI() + " HTTP/1.1")
}

func (c *connTrace) statusLine(resp *http.Response) {
	c.log("< " + resp.Proto + " " + resp.Status)
}

func (c *connTrace) snapshot() (connects int, reused bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connects, c.reused && c.gotConn
}
