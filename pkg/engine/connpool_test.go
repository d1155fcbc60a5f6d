package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "github.com/ajitpratap0/xfer-go/pkg/errors"
	"github.com/ajitpratap0/xfer-go/pkg/testserver"
)

func stubLookup(calls *int, addrs ...string) func(context.Context, string) ([]string, error) {
	return func(context.Context, string) ([]string, error) {
		*calls++
		return addrs, nil
	}
}

func TestResolverCache(t *testing.T) {
	var calls int
	r := newResolver(time.Minute)
	r.lookup1 = stubLookup(&calls, "127.0.0.1")

	for i := 0; i < 3; i++ {
		addrs, err := r.lookup(context.Background(), "example.test")
		require.NoError(t, err)
		assert.Equal(t, []string{"127.0.0.1"}, addrs)
	}
	assert.Equal(t, 1, calls)
	assert.True(t, r.private)

	r.release()
	_, err := r.lookup(context.Background(), "example.test")
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestResolverDisabledCache(t *testing.T) {
	var calls int
	r := newResolver(-1)
	r.lookup1 = stubLookup(&calls, "127.0.0.1")

	for i := 0; i < 2; i++ {
		_, err := r.lookup(context.Background(), "example.test")
		require.NoError(t, err)
	}
	assert.Equal(t, 2, calls)
	assert.Nil(t, r.cache)
}

func TestResolverLiteralsAndFailures(t *testing.T) {
	var calls int
	r := newResolver(time.Minute)
	r.lookup1 = stubLookup(&calls)

	addrs, err := r.lookup(context.Background(), "::1")
	require.NoError(t, err)
	assert.Equal(t, []string{"::1"}, addrs)
	assert.Zero(t, calls)

	_, err = r.lookup(context.Background(), "empty.test")
	var dnsErr *net.DNSError
	require.True(t, errors.As(err, &dnsErr))
	assert.Equal(t, "empty.test", dnsErr.Name)

	// failures are not cached
	_, _ = r.lookup(context.Background(), "empty.test")
	assert.Equal(t, 2, calls)
}

func TestGlobalInitSharesDNSCache(t *testing.T) {
	require.NoError(t, GlobalInit(GlobalAll))
	require.NoError(t, GlobalInit(GlobalDefault))
	assert.Equal(t, 2, globalRefs())

	shared := sharedDNSCache()
	require.NotNil(t, shared)

	var calls int
	a := newResolver(time.Minute)
	a.lookup1 = stubLookup(&calls, "127.0.0.1")
	b := newResolver(time.Minute)
	b.lookup1 = stubLookup(&calls, "127.0.0.1")
	assert.False(t, a.private)

	_, err := a.lookup(context.Background(), "shared.test")
	require.NoError(t, err)
	_, err = b.lookup(context.Background(), "shared.test")
	require.NoError(t, err)
	assert.Equal(t, 1, calls)

	// releasing a resolver leaves the shared cache alone
	a.release()
	_, found := shared.Get("shared.test")
	assert.True(t, found)

	GlobalCleanup()
	assert.NotNil(t, sharedDNSCache())
	GlobalCleanup()
	assert.Nil(t, sharedDNSCache())
	assert.Zero(t, globalRefs())

	// unbalanced cleanup is harmless
	GlobalCleanup()
	assert.Zero(t, globalRefs())
}

func TestGlobalInitWithoutSharedDNS(t *testing.T) {
	require.NoError(t, GlobalInit(GlobalDefault))
	defer GlobalCleanup()

	assert.Nil(t, sharedDNSCache())
	r := newResolver(time.Minute)
	assert.True(t, r.private)
}

func TestGlobalInitRejectsUnknownFlags(t *testing.T) {
	err := GlobalInit(GlobalFlags(1 << 5))
	assert.True(t, xerrors.IsResult(err, xerrors.ResultBadFunctionArgument))
	assert.Zero(t, globalRefs())
}

func TestVersion(t *testing.T) {
	v := Version()
	assert.True(t, strings.HasPrefix(v, "xfer/"+EngineVersion+" go"), v)
	assert.Contains(t, v, "ws")
}

func TestMultiConfigDefaults(t *testing.T) {
	cfg := MultiConfig{MaxIdleConnsPerHost: 2, DNSCacheTTL: -1}.withDefaults()
	def := DefaultMultiConfig()

	assert.Equal(t, 2, cfg.MaxIdleConnsPerHost)
	assert.Equal(t, def.MaxIdleConns, cfg.MaxIdleConns)
	assert.Equal(t, def.DialTimeout, cfg.DialTimeout)
	assert.Equal(t, time.Duration(-1), cfg.DNSCacheTTL)
	assert.NotNil(t, cfg.Logger)
	assert.NotNil(t, cfg.Metrics)
	assert.NotNil(t, cfg.Tracer)

	assert.Equal(t, DefaultDNSCacheTTL, MultiConfig{}.withDefaults().DNSCacheTTL)
}

func TestKeyFor(t *testing.T) {
	tests := []struct {
		url    string
		want   connKey
		wantOK bool
	}{
		{"http://Example.test/a", connKey{"http", "example.test:80"}, true},
		{"ws://example.test/a", connKey{"http", "example.test:80"}, true},
		{"ws://127.0.0.1:8990/path/ws/2724", connKey{"http", "127.0.0.1:8990"}, true},
		{"https://example.test", connKey{"https", "example.test:443"}, true},
		{"wss://[::1]:9000/", connKey{"https", "[::1]:9000"}, true},
		{"ftp://example.test/", connKey{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			u, err := url.Parse(tt.url)
			require.NoError(t, err)
			got, err := keyFor(u)
			if !tt.wantOK {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestUpgradeAndPlainShareConnection(t *testing.T) {
	srv := startServer(t, testserver.UpgradeRefuse)
	m := newMulti(t, MultiConfig{})

	// several rounds of refused upgrade then plain request, all on one
	// connection
	for i := 0; i < 3; i++ {
		ws := newEasy(t, srv.URL("ws", testserver.PathWS))
		require.NoError(t, ws.Setopt(OptWSOptions, WSUpgradeRefusedOK))
		assert.Equal(t, xerrors.ResultOK, driveOne(t, m, ws).Result)
		require.NoError(t, m.Remove(ws))

		h := newEasy(t, srv.URL("http", testserver.PathHTTP))
		assert.Equal(t, xerrors.ResultOK, driveOne(t, m, h).Result)
		require.NoError(t, m.Remove(h))
	}

	assert.Equal(t, int64(1), m.Stats().ConnectionsOpened)
	assert.Equal(t, int64(5), m.Stats().ConnectionsReused)
	assert.Equal(t, int64(1), srv.Stats().ConnectionsAccepted)
}

func TestStaleIdleConnectionRetried(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "ok")
	}))
	defer ts.Close()

	m := newMulti(t, MultiConfig{})
	first := newEasy(t, ts.URL+"/one")
	require.Equal(t, xerrors.ResultOK, driveOne(t, m, first).Result)
	require.NoError(t, m.Remove(first))

	// the server drops the idle connection behind the pool's back
	ts.CloseClientConnections()

	second := newEasy(t, ts.URL+"/two")
	msg := driveOne(t, m, second)
	require.Equal(t, xerrors.ResultOK, msg.Result, "%v", msg.Err)
	assert.Equal(t, http.StatusOK, second.ResponseCode())

	reused, _ := second.GetInfo(InfoConnectionReused)
	assert.Equal(t, false, reused)
	n, _ := second.GetInfo(InfoNumConnects)
	assert.Equal(t, 1, n)

	stats := m.Stats()
	assert.Equal(t, int64(2), stats.ConnectionsOpened)
	assert.Zero(t, stats.ConnectionsReused)
}

func TestMaxConnsPerHost(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(20 * time.Millisecond)
		fmt.Fprint(w, "ok")
	}))
	defer ts.Close()

	m := newMulti(t, MultiConfig{MaxConnsPerHost: 1})
	for i := 0; i < 3; i++ {
		require.NoError(t, m.Add(newEasy(t, fmt.Sprintf("%s/%d", ts.URL, i))))
	}

	msgs := drive(t, m)
	require.Len(t, msgs, 3)
	for _, msg := range msgs {
		assert.Equal(t, xerrors.ResultOK, msg.Result)
	}
	assert.Equal(t, int64(1), m.Stats().ConnectionsOpened)
	assert.Equal(t, int64(2), m.Stats().ConnectionsReused)
}

func TestIdleConnTimeout(t *testing.T) {
	srv := startServer(t, testserver.UpgradeRefuse)
	m := newMulti(t, MultiConfig{IdleConnTimeout: time.Millisecond})

	first := newEasy(t, srv.URL("http", testserver.PathHTTP))
	driveOne(t, m, first)
	require.NoError(t, m.Remove(first))

	time.Sleep(20 * time.Millisecond)

	second := newEasy(t, srv.URL("http", testserver.PathHTTP))
	driveOne(t, m, second)
	reused, _ := second.GetInfo(InfoConnectionReused)
	assert.Equal(t, false, reused)
	assert.Equal(t, int64(2), m.Stats().ConnectionsOpened)
}

func TestMaxIdleConnsPerHost(t *testing.T) {
	srv := startServer(t, testserver.UpgradeRefuse)
	m := newMulti(t, MultiConfig{MaxIdleConnsPerHost: 1})

	for i := 0; i < 3; i++ {
		require.NoError(t, m.Add(newEasy(t, srv.URL("http", testserver.PathHTTP))))
	}
	drive(t, m)

	m.pool.mu.Lock()
	parked := m.pool.nidle
	m.pool.mu.Unlock()
	assert.LessOrEqual(t, parked, 1)
}
