// Package xfer is a small multi-handle transfer engine for HTTP and
// WebSocket URLs, with a conformance check for connection reuse after a
// refused upgrade.
//
// This package re-exports the most used pieces of the sub-packages:
//
//   - pkg/engine: request handles, the multi handle and its connection pool
//   - pkg/errors: result codes and structured errors
//   - pkg/conformance: the refused-upgrade reuse check
//   - pkg/testserver: a local server that refuses, rejects or accepts upgrades
//   - pkg/observability: Prometheus metrics and OpenTelemetry tracing
//   - pkg/logging: structured logging
//
// # Running transfers
//
// A Multi drives any number of Easy handles without blocking. Perform
// advances transfers, Wait sleeps until something happens and InfoRead
// returns one completion message per finished transfer:
//
//	if err := xfer.GlobalInit(xfer.GlobalAll); err != nil {
//	    // handle error
//	}
//	defer xfer.GlobalCleanup()
//
//	m, _ := xfer.NewMulti(xfer.MultiConfig{})
//	defer m.Close()
//
//	e, _ := xfer.NewEasy()
//	defer e.Close()
//	_ = e.Setopt(xfer.OptURL, "ws://127.0.0.1:8990/path/ws/2724")
//	_ = e.Setopt(xfer.OptWSOptions, xfer.WSUpgradeRefusedOK)
//	_ = m.Add(e)
//
//	for {
//	    running, err := m.Perform()
//	    if err != nil || running == 0 {
//	        break
//	    }
//	    _, _ = m.Wait(time.Second)
//	}
//	msg, _ := m.InfoRead()
//
// A refused upgrade completes with ResultOK and the server's status when
// WSUpgradeRefusedOK is set. The connection stays in the pool for the next
// request to the same host.
//
// # Conformance check
//
// RunUpgradeRefusedReuse runs the two-phase check against a server:
//
//	cfg := xfer.DefaultCheckConfig()
//	cfg.Port = "8990"
//	os.Exit(xfer.RunUpgradeRefusedReuse(ctx, xfer.NewEngine(xfer.MultiConfig{}), cfg))
//
// The examples/upgrade-refused-reuse command wraps the check with flags,
// environment configuration and an optional built-in server.
package xfer
