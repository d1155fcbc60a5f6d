package engine

import (
	"crypto/tls"
	"time"

	"github.com/ajitpratap0/xfer-go/pkg/logging"
	"github.com/ajitpratap0/xfer-go/pkg/observability"
)

// DefaultDNSCacheTTL is how long resolved addresses are kept
const DefaultDNSCacheTTL = 60 * time.Second

// MultiConfig configures a Multi and the connection pool it owns
type MultiConfig struct {
	// Connection pool
	MaxIdleConns        int           `json:"max_idle_conns"`
	MaxIdleConnsPerHost int           `json:"max_idle_conns_per_host"`
	MaxConnsPerHost     int           `json:"max_conns_per_host"`
	IdleConnTimeout     time.Duration `json:"idle_conn_timeout"`

	// Dialing
	DialTimeout time.Duration `json:"dial_timeout"`
	KeepAlive   time.Duration `json:"keep_alive"`
	// TLSConfig for https and wss; ServerName defaults to the URL host
	TLSConfig *tls.Config `json:"-"`

	// DNSCacheTTL is the lifetime of cached name lookups. Zero selects
	// DefaultDNSCacheTTL, a negative value disables the cache.
	DNSCacheTTL time.Duration `json:"dns_cache_ttl"`

	Logger  logging.Logger
	Metrics observability.TransferMetrics
	Tracer  *observability.TracingProvider
}

// DefaultMultiConfig returns the configuration used by Easy.Perform
func DefaultMultiConfig() MultiConfig {
	return MultiConfig{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 8,
		MaxConnsPerHost:     0,
		IdleConnTimeout:     118 * time.Second,
		DialTimeout:         300 * time.Second,
		KeepAlive:           60 * time.Second,
		DNSCacheTTL:         DefaultDNSCacheTTL,
	}
}

func (c MultiConfig) withDefaults() MultiConfig {
	def := DefaultMultiConfig()
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = def.MaxIdleConns
	}
	if c.MaxIdleConnsPerHost == 0 {
		c.MaxIdleConnsPerHost = def.MaxIdleConnsPerHost
	}
	if c.IdleConnTimeout == 0 {
		c.IdleConnTimeout = def.IdleConnTimeout
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = def.DialTimeout
	}
	if c.KeepAlive == 0 {
		c.KeepAlive = def.KeepAlive
	}
	if c.DNSCacheTTL == 0 {
		c.DNSCacheTTL = def.DNSCacheTTL
	}
	if c.Logger == nil {
		c.Logger = logging.NewNop()
	}
	if c.Metrics == nil {
		c.Metrics = observability.NopMetrics()
	}
	if c.Tracer == nil {
		c.Tracer = observability.NoopTracing()
	}
	return c
}
