package engine

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/patrickmn/go-cache"

	xerrors "github.com/ajitpratap0/xfer-go/pkg/errors"
)

// EngineVersion is the engine release
const EngineVersion = "1.0.0"

// GlobalFlags selects what GlobalInit sets up
type GlobalFlags int

const (
	// GlobalDefault initialises everything the engine needs
	GlobalDefault GlobalFlags = 1 << iota
	// GlobalSharedDNS shares one DNS cache between every Multi
	GlobalSharedDNS

	GlobalAll = GlobalDefault | GlobalSharedDNS
)

var global struct {
	mu    sync.Mutex
	refs  int
	flags GlobalFlags
	dns   *cache.Cache
}

// GlobalInit sets up process-wide engine state. Calls are reference counted
// and must be balanced by GlobalCleanup. Handles created without an active
// GlobalInit work but keep a private DNS cache per Multi.
func GlobalInit(flags GlobalFlags) error {
	if flags&^GlobalAll != 0 {
		return xerrors.BadFunctionArgument("global_init", fmt.Sprintf("unknown flags %#x", int(flags&^GlobalAll)))
	}

	global.mu.Lock()
	defer global.mu.Unlock()

	if global.refs == 0 {
		global.flags = flags
		if flags&GlobalSharedDNS != 0 {
			global.dns = cache.New(DefaultDNSCacheTTL, 0)
		}
	}
	global.refs++
	return nil
}

// GlobalCleanup releases one GlobalInit reference. The shared DNS cache is
// dropped when the last reference goes.
func GlobalCleanup() {
	global.mu.Lock()
	defer global.mu.Unlock()

	if global.refs == 0 {
		return
	}
	global.refs--
	if global.refs == 0 {
		if global.dns != nil {
			global.dns.Flush()
		}
		global.dns = nil
		global.flags = 0
	}
}

// sharedDNSCache returns the process-wide cache, or nil when none is active
func sharedDNSCache() *cache.Cache {
	global.mu.Lock()
	defer global.mu.Unlock()
	return global.dns
}

func globalRefs() int {
	global.mu.Lock()
	defer global.mu.Unlock()
	return global.refs
}

// Version returns the engine identification string
func Version() string {
	return fmt.Sprintf("xfer/%s %s (http/1.1 ws)", EngineVersion, runtime.Version())
}
