package engine

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptrace"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/patrickmn/go-cache"
)

// aLongTimeAgo is a deadline in the past, used to unblock I/O on cancel
var aLongTimeAgo = time.Unix(1, 0)

// connKey names an idle bucket. Upgrade requests and plain requests to the
// same origin share a bucket, so a connection left by a refused upgrade is
// found by the next plain request.
type connKey struct {
	scheme string // http or https
	addr   string // host:port
}

func keyFor(u *url.URL) (connKey, error) {
	var scheme, port string
	switch strings.ToLower(u.Scheme) {
	case "http", "ws":
		scheme, port = "http", "80"
	case "https", "wss":
		scheme, port = "https", "443"
	default:
		return connKey{}, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if p := u.Port(); p != "" {
		port = p
	}
	return connKey{scheme: scheme, addr: net.JoinHostPort(strings.ToLower(u.Hostname()), port)}, nil
}

// connPool is the HTTP/1.1 connection cache of a Multi. It implements
// http.RoundTripper so the WebSocket dialer and plain transfers go through
// the same idle connections.
type connPool struct {
	cfg      MultiConfig
	dialer   *dialer
	resolver *resolver

	mu     sync.Mutex
	idle   map[connKey][]*persistConn
	nidle  int
	slots  map[connKey]chan struct{}
	closed bool
}

func newConnPool(cfg MultiConfig, opened *atomic.Int64) *connPool {
	r := newResolver(cfg.DNSCacheTTL)
	return &connPool{
		cfg: cfg,
		dialer: &dialer{
			Dialer: net.Dialer{
				Timeout:   cfg.DialTimeout,
				KeepAlive: cfg.KeepAlive,
			},
			resolver: r,
			opened:   opened,
		},
		resolver: r,
		idle:     make(map[connKey][]*persistConn),
		slots:    make(map[connKey]chan struct{}),
	}
}

// RoundTrip sends req on an idle connection for its origin, or a new one.
// A reused connection the server has meanwhile closed is retried once on a
// fresh connection.
func (p *connPool) RoundTrip(req *http.Request) (*http.Response, error) {
	key, err := keyFor(req.URL)
	if err != nil {
		if req.Body != nil {
			_ = req.Body.Close()
		}
		return nil, err
	}

	ctx := req.Context()
	trace := httptrace.ContextClientTrace(ctx)
	retryable := req.Body == nil || req.Body == http.NoBody

	for attempt := 0; ; attempt++ {
		if trace != nil && trace.GetConn != nil {
			trace.GetConn(key.addr)
		}
		pc, reused, err := p.getConn(ctx, key, req.URL.Hostname())
		if err != nil {
			return nil, err
		}
		if trace != nil && trace.GotConn != nil {
			info := httptrace.GotConnInfo{Conn: pc.conn, Reused: reused, WasIdle: reused}
			if reused {
				info.IdleTime = time.Since(pc.idleAt)
			}
			trace.GotConn(info)
		}

		resp, err := pc.roundTrip(req, trace)
		if err == nil {
			if resp.StatusCode != http.StatusSwitchingProtocols && isUpgradeRequest(req) {
				if s := refusalSinkFrom(ctx); s != nil {
					s.consume(resp)
				}
			}
			return resp, nil
		}

		var stale *staleConnError
		if errors.As(err, &stale) {
			if reused && attempt == 0 && retryable && ctx.Err() == nil {
				continue
			}
			err = stale.err
		}
		return nil, err
	}
}

// getConn takes a connection slot for key, then an idle connection or a
// new one. reused reports which.
func (p *connPool) getConn(ctx context.Context, key connKey, host string) (pc *persistConn, reused bool, err error) {
	release, err := p.acquire(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if pc = p.takeIdle(key); pc != nil {
		pc.slot = release
		return pc, true, nil
	}
	if pc, err = p.dial(ctx, key, host); err != nil {
		release()
		return nil, false, err
	}
	pc.slot = release
	return pc, false, nil
}

// acquire waits for a free slot when MaxConnsPerHost is set. Idle
// connections give their slot back, so open connections never exceed the
// limit: a new one is only dialled when the bucket has no idle connection.
func (p *connPool) acquire(ctx context.Context, key connKey) (func(), error) {
	if p.cfg.MaxConnsPerHost <= 0 {
		return func() {}, nil
	}

	p.mu.Lock()
	sem, ok := p.slots[key]
	if !ok {
		sem = make(chan struct{}, p.cfg.MaxConnsPerHost)
		p.slots[key] = sem
	}
	p.mu.Unlock()

	select {
	case sem <- struct{}{}:
		return sync.OnceFunc(func() { <-sem }), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *connPool) takeIdle(key connKey) *persistConn {
	var expired []*persistConn
	defer func() {
		for _, pc := range expired {
			pc.close()
		}
	}()

	p.mu.Lock()
	defer p.mu.Unlock()
	list := p.idle[key]
	for len(list) > 0 {
		pc := list[len(list)-1]
		list[len(list)-1] = nil
		list = list[:len(list)-1]
		p.nidle--
		if p.cfg.IdleConnTimeout > 0 && time.Since(pc.idleAt) > p.cfg.IdleConnTimeout {
			expired = append(expired, pc)
			continue
		}
		p.idle[key] = list
		return pc
	}
	delete(p.idle, key)
	return nil
}

// put parks a connection whose response was read to the end
func (p *connPool) put(pc *persistConn) {
	pc.freeSlot()

	p.mu.Lock()
	if p.closed || len(p.idle[pc.key]) >= p.cfg.MaxIdleConnsPerHost || p.nidle >= p.cfg.MaxIdleConns {
		p.mu.Unlock()
		pc.close()
		return
	}
	pc.idleAt = time.Now()
	p.idle[pc.key] = append(p.idle[pc.key], pc)
	p.nidle++
	p.mu.Unlock()
}

// closeIdle closes every parked connection
func (p *connPool) closeIdle() {
	p.mu.Lock()
	idle := p.idle
	p.idle = make(map[connKey][]*persistConn)
	p.nidle = 0
	p.mu.Unlock()

	for _, list := range idle {
		for _, pc := range list {
			pc.close()
		}
	}
}

func (p *connPool) close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.closeIdle()
	p.resolver.release()
}

func (p *connPool) dial(ctx context.Context, key connKey, host string) (*persistConn, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.DialTimeout)
	defer cancel()

	conn, err := p.dialer.DialContext(ctx, "tcp", key.addr)
	if err != nil {
		return nil, err
	}
	if key.scheme == "https" {
		tc, err := p.handshake(ctx, conn, host)
		if err != nil {
			_ = conn.Close()
			return nil, err
		}
		conn = tc
	}

	return &persistConn{
		pool: p,
		key:  key,
		conn: conn,
		br:   bufio.NewReader(conn),
		bw:   bufio.NewWriter(conn),
	}, nil
}

func (p *connPool) handshake(ctx context.Context, conn net.Conn, host string) (*tls.Conn, error) {
	cfg := &tls.Config{}
	if p.cfg.TLSConfig != nil {
		cfg = p.cfg.TLSConfig.Clone()
	}
	if cfg.ServerName == "" {
		cfg.ServerName = host
	}
	// upgrades need HTTP/1.1
	cfg.NextProtos = []string{"http/1.1"}

	trace := httptrace.ContextClientTrace(ctx)
	if trace != nil && trace.TLSHandshakeStart != nil {
		trace.TLSHandshakeStart()
	}
	tc := tls.Client(conn, cfg)
	err := tc.HandshakeContext(ctx)
	if trace != nil && trace.TLSHandshakeDone != nil {
		trace.TLSHandshakeDone(tc.ConnectionState(), err)
	}
	return tc, err
}

func isUpgradeRequest(req *http.Request) bool {
	return req.Header.Get("Upgrade") != "" &&
		strings.Contains(strings.ToLower(req.Header.Get("Connection")), "upgrade")
}

// staleConnError marks a failure before any response byte arrived
type staleConnError struct{ err error }

func (e *staleConnError) Error() string { return e.err.Error() }
func (e *staleConnError) Unwrap() error { return e.err }

// persistConn is one HTTP/1.1 connection. It belongs to a single request
// at a time; between requests it sits in the pool.
type persistConn struct {
	pool   *connPool
	key    connKey
	conn   net.Conn
	br     *bufio.Reader
	bw     *bufio.Writer
	idleAt time.Time
	slot   func()
	once   sync.Once
}

func (pc *persistConn) freeSlot() {
	if pc.slot != nil {
		pc.slot()
		pc.slot = nil
	}
}

func (pc *persistConn) close() {
	pc.once.Do(func() {
		_ = pc.conn.Close()
		pc.freeSlot()
	})
}

// roundTrip writes req and reads the response head. Cancelling the
// request context unblocks the connection until the body is finished.
func (pc *persistConn) roundTrip(req *http.Request, trace *httptrace.ClientTrace) (*http.Response, error) {
	ctx := req.Context()
	stop := context.AfterFunc(ctx, func() { _ = pc.conn.SetDeadline(aLongTimeAgo) })
	fail := func(err error) (*http.Response, error) {
		stop()
		pc.close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}

	if err := req.Write(pc.bw); err != nil {
		return fail(&staleConnError{err: err})
	}
	if err := pc.bw.Flush(); err != nil {
		return fail(&staleConnError{err: err})
	}
	if trace != nil && trace.WroteHeaders != nil {
		trace.WroteHeaders()
	}
	if trace != nil && trace.WroteRequest != nil {
		trace.WroteRequest(httptrace.WroteRequestInfo{})
	}

	if _, err := pc.br.Peek(1); err != nil {
		return fail(&staleConnError{err: err})
	}
	if trace != nil && trace.GotFirstResponseByte != nil {
		trace.GotFirstResponseByte()
	}

	var resp *http.Response
	for {
		r, err := http.ReadResponse(pc.br, req)
		if err != nil {
			return fail(err)
		}
		// skip interim responses other than 101
		if r.StatusCode >= 200 || r.StatusCode == http.StatusSwitchingProtocols {
			resp = r
			break
		}
	}

	if resp.StatusCode == http.StatusSwitchingProtocols {
		if !stop() {
			pc.close()
			return nil, ctx.Err()
		}
		_ = pc.conn.SetDeadline(time.Time{})
		resp.Body = &upgradedConn{pc: pc}
		return resp, nil
	}

	resp.Body = &pooledBody{
		body:     resp.Body,
		pc:       pc,
		stop:     stop,
		reusable: !resp.Close && !req.Close,
		eof:      resp.Body == http.NoBody,
	}
	return resp, nil
}

var errBodyClosed = errors.New("engine: read on closed response body")

// pooledBody returns its connection to the pool once read to EOF. Closing
// it earlier closes the connection.
type pooledBody struct {
	body     io.ReadCloser
	pc       *persistConn
	stop     func() bool
	reusable bool

	mu       sync.Mutex
	eof      bool
	finished bool
}

func (b *pooledBody) Read(p []byte) (int, error) {
	b.mu.Lock()
	if b.finished {
		eof := b.eof
		b.mu.Unlock()
		if eof {
			return 0, io.EOF
		}
		return 0, errBodyClosed
	}
	b.mu.Unlock()

	n, err := b.body.Read(p)
	switch {
	case err == io.EOF:
		b.mu.Lock()
		b.eof = true
		b.mu.Unlock()
		b.release()
	case err != nil:
		b.release()
	}
	return n, err
}

func (b *pooledBody) Close() error {
	b.release()
	return nil
}

func (b *pooledBody) release() {
	b.mu.Lock()
	if b.finished {
		b.mu.Unlock()
		return
	}
	b.finished = true
	keep := b.eof && b.reusable
	b.mu.Unlock()

	if b.stop() && keep {
		_ = b.pc.conn.SetDeadline(time.Time{})
		b.pc.pool.put(b.pc)
		return
	}
	b.pc.close()
}

// upgradedConn is the body of a 101 response: the raw connection, reading
// first whatever was buffered behind the response head
type upgradedConn struct{ pc *persistConn }

func (u *upgradedConn) Read(p []byte) (int, error)  { return u.pc.br.Read(p) }
func (u *upgradedConn) Write(p []byte) (int, error) { return u.pc.conn.Write(p) }
func (u *upgradedConn) Close() error {
	u.pc.close()
	return nil
}

// dialer resolves through the cache and counts every connection it opens
type dialer struct {
	net.Dialer
	resolver *resolver
	opened   *atomic.Int64
}

func (d *dialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}

	addrs, err := d.resolver.lookup(ctx, host)
	if err != nil {
		return nil, err
	}

	var firstErr error
	for _, ip := range addrs {
		conn, err := d.Dialer.DialContext(ctx, network, net.JoinHostPort(ip, port))
		if err == nil {
			d.opened.Add(1)
			return conn, nil
		}
		if firstErr == nil {
			firstErr = err
		}
		if ctx.Err() != nil {
			break
		}
	}
	return nil, firstErr
}

// resolver caches host lookups. It uses the process-wide cache while
// GlobalInit is active with GlobalSharedDNS, a private one otherwise, and
// none at all when the TTL is negative.
type resolver struct {
	cache   *cache.Cache
	private bool
	ttl     time.Duration
	lookup1 func(ctx context.Context, host string) ([]string, error)
}

func newResolver(ttl time.Duration) *resolver {
	r := &resolver{ttl: ttl, lookup1: net.DefaultResolver.LookupHost}
	if ttl < 0 {
		return r
	}
	if shared := sharedDNSCache(); shared != nil {
		r.cache = shared
		return r
	}
	// no janitor goroutine; expired entries are dropped on read
	r.cache = cache.New(ttl, 0)
	r.private = true
	return r
}

// lookup returns the addresses of host. Only lookups that miss the cache
// reach the DNS hooks of the request trace.
func (r *resolver) lookup(ctx context.Context, host string) ([]string, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []string{host}, nil
	}

	if r.cache != nil {
		if v, ok := r.cache.Get(host); ok {
			if addrs, ok := v.([]string); ok {
				return addrs, nil
			}
		}
	}

	trace := httptrace.ContextClientTrace(ctx)
	if trace != nil && trace.DNSStart != nil {
		trace.DNSStart(httptrace.DNSStartInfo{Host: host})
	}
	addrs, err := r.lookup1(ctx, host)
	if err == nil && len(addrs) == 0 {
		err = &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
	}
	if trace != nil && trace.DNSDone != nil {
		info := httptrace.DNSDoneInfo{Err: err}
		for _, a := range addrs {
			if ip := net.ParseIP(a); ip != nil {
				info.Addrs = append(info.Addrs, net.IPAddr{IP: ip})
			}
		}
		trace.DNSDone(info)
	}
	if err != nil {
		return nil, err
	}

	if r.cache != nil {
		r.cache.Set(host, addrs, r.ttl)
	}
	return addrs, nil
}

func (r *resolver) release() {
	if r.private && r.cache != nil {
		r.cache.Flush()
	}
}
