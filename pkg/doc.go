// Package pkg holds the building blocks of the transfer engine.
//
// # Sub-packages
//
//   - engine: request handles (Easy), the multi handle (Multi) and its
//     connection pool, WebSocket upgrades and transfer info
//   - errors: result codes, multi-handle codes and structured errors
//   - conformance: the refused-upgrade reuse check and its report
//   - testserver: a local HTTP server that refuses, rejects or accepts
//     WebSocket upgrades
//   - observability: Prometheus metrics and OpenTelemetry tracing
//   - logging: structured logging with text and JSON formatters
//   - utils: goroutine leak detection for tests
//
// # Transfers
//
//	m, _ := engine.NewMulti(engine.MultiConfig{})
//	defer m.Close()
//
//	e, _ := engine.NewEasy()
//	defer e.Close()
//	_ = e.Setopt(engine.OptURL, "http://127.0.0.1:8990/path/http/2724")
//	_ = m.Add(e)
//
//	for running, _ := m.Perform(); running > 0; running, _ = m.Perform() {
//	    _, _ = m.Wait(time.Second)
//	}
//	msg, _ := m.InfoRead()
package pkg
