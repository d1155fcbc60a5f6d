package conformance

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/xfer-go/pkg/engine"
	xerrors "github.com/ajitpratap0/xfer-go/pkg/errors"
	"github.com/ajitpratap0/xfer-go/pkg/logging"
)

func testConfig(buf *bytes.Buffer) Config {
	cfg := DefaultConfig()
	cfg.Port = "8990"
	cfg.WaitTimeout = time.Second
	cfg.Logger = logging.New(buf, logging.NewTextFormatter())
	return cfg
}

func TestRunToCompletion(t *testing.T) {
	t.Run("Completes", func(t *testing.T) {
		pool := &fakePool{steps: 3}
		require.NoError(t, pool.Add(&fakeRequest{}))

		assert.Equal(t, 0, RunToCompletion(context.Background(), pool, RunOptions{WaitTimeout: 5 * time.Second}))
		assert.Equal(t, 4, pool.performs)
		assert.Equal(t, 3, pool.waits)
		assert.Equal(t, 5*time.Second, pool.lastWait)
		assert.Len(t, pool.events, 1)
	})

	t.Run("NothingRunning", func(t *testing.T) {
		pool := &fakePool{}
		assert.Equal(t, 0, RunToCompletion(context.Background(), pool, RunOptions{}))
		assert.Zero(t, pool.waits)
	})

	t.Run("DefaultWaitTimeout", func(t *testing.T) {
		pool := &fakePool{steps: 1}
		require.NoError(t, pool.Add(&fakeRequest{}))
		assert.Equal(t, 0, RunToCompletion(context.Background(), pool, RunOptions{}))
		assert.Equal(t, DefaultWaitTimeout, pool.lastWait)
	})

	t.Run("PerformError", func(t *testing.T) {
		var buf bytes.Buffer
		pool := &fakePool{performErr: xerrors.BadHandle("perform")}
		res := RunToCompletion(context.Background(), pool, RunOptions{Logger: logging.New(&buf, nil)})
		assert.Equal(t, 1, res)
		assert.Equal(t, 1, pool.performs)
		assert.Contains(t, buf.String(), "multi perform failed: Invalid multi handle")
	})

	t.Run("WaitError", func(t *testing.T) {
		var buf bytes.Buffer
		pool := &fakePool{steps: 5, waitErr: xerrors.MultiBadArgument("wait", "timeout", "negative timeout")}
		require.NoError(t, pool.Add(&fakeRequest{}))
		res := RunToCompletion(context.Background(), pool, RunOptions{Logger: logging.New(&buf, nil)})
		assert.Equal(t, 1, res)
		assert.Equal(t, 1, pool.waits)
		assert.Contains(t, buf.String(), "multi wait failed")
	})

	t.Run("Deadline", func(t *testing.T) {
		pool := &fakePool{hang: true}
		require.NoError(t, pool.Add(&fakeRequest{}))

		start := time.Now()
		res := RunToCompletion(context.Background(), pool, RunOptions{Deadline: 50 * time.Millisecond})
		assert.Equal(t, 1, res)
		assert.Less(t, time.Since(start), 5*time.Second)
		assert.LessOrEqual(t, pool.lastWait, 50*time.Millisecond)
	})

	t.Run("ContextCancelled", func(t *testing.T) {
		pool := &fakePool{hang: true}
		require.NoError(t, pool.Add(&fakeRequest{}))

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		assert.Equal(t, 1, RunToCompletion(ctx, pool, RunOptions{}))
		assert.Zero(t, pool.waits)
	})
}

func TestUpgradeRefusedReusePasses(t *testing.T) {
	var buf bytes.Buffer
	eng := passingEngine()

	res, rep := UpgradeRefusedReuseReport(context.Background(), eng, testConfig(&buf))
	assert.Equal(t, 0, res)
	assert.Equal(t, 0, rep.Result)

	first, second := eng.requests[0], eng.requests[1]
	assert.Equal(t, "ws://127.0.0.1:8990/path/ws/2724", first.opts[engine.OptURL])
	assert.Equal(t, true, first.opts[engine.OptVerbose])
	assert.Equal(t, engine.WSUpgradeRefusedOK, first.opts[engine.OptWSOptions])
	assert.Equal(t, "http://127.0.0.1:8990/path/http/2724", second.opts[engine.OptURL])
	assert.NotContains(t, second.opts, engine.OptWSOptions)

	// every handle released exactly once
	assert.Equal(t, 1, first.removes)
	assert.Equal(t, 1, first.closes)
	assert.Equal(t, 1, second.removes)
	assert.Equal(t, 1, second.closes)
	assert.Equal(t, 1, eng.pool.closes)
	assert.Equal(t, 1, eng.inits)
	assert.Equal(t, 1, eng.cleanups)

	assert.Equal(t, []State{
		StateInit, StatePhase1Running, StatePhase1Checked,
		StatePhase2Running, StatePhase2Checked, StateCleanup, StateDone,
	}, rep.Transitions)
	assert.Equal(t, StateDone, rep.Final())

	assert.True(t, rep.Phase1.Passed())
	assert.True(t, rep.Phase2.Passed())
	assert.True(t, rep.Phase2.Reused)

	out := buf.String()
	assert.Contains(t, out, "Request 1 (WS Fail) completed. HTTP Code: 200.")
	assert.Contains(t, out, "TEST SUCCESS: Request 1 returned non-101 (200), as expected.")
	assert.Contains(t, out, "TEST SUCCESS: Request 2 returned 200 response code, as expected.")
	assert.NotContains(t, out, "TEST FAILURE")
}

func TestUpgradeRefusedReuseFailures(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(e *fakeEngine, cfg *Config)
		wantLog string
		// wantPhase2 is true when the second phase should still run
		wantPhase2 bool
	}{
		{
			name:       "phase 1 upgraded",
			setup:      func(e *fakeEngine, _ *Config) { e.requests[0].code = 101 },
			wantLog:    "Request 1 unexpectedly returned 101",
			wantPhase2: true,
		},
		{
			name:       "phase 1 no event",
			setup:      func(e *fakeEngine, _ *Config) { e.pool.noEvent = true },
			wantLog:    "Request 1 did not complete",
			wantPhase2: true,
		},
		{
			name:       "phase 2 transfer failed",
			setup:      func(e *fakeEngine, _ *Config) { e.requests[1].result = xerrors.ResultCouldntConnect },
			wantLog:    "Request 2 transfer failed: Could not connect to server",
			wantPhase2: true,
		},
		{
			name:       "phase 2 wrong code",
			setup:      func(e *fakeEngine, _ *Config) { e.requests[1].code = 404 },
			wantLog:    "Request 2 returned 404, expected 200.",
			wantPhase2: true,
		},
		{
			name: "phase 2 not reused",
			setup: func(e *fakeEngine, cfg *Config) {
				e.requests[1].numConnects = 1
				cfg.RequireReuse = true
			},
			wantLog:    "Request 2 opened 1 new connection(s), expected reuse.",
			wantPhase2: true,
		},
		{
			name:    "setopt rejected",
			setup:   func(e *fakeEngine, _ *Config) { e.requests[0].setoptErr = xerrors.UnknownOption("URL") },
			wantLog: "setopt URL failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			eng := passingEngine()
			cfg := testConfig(&buf)
			tt.setup(eng, &cfg)

			res, rep := UpgradeRefusedReuseReport(context.Background(), eng, cfg)
			assert.Equal(t, 1, res)
			assert.Contains(t, buf.String(), tt.wantLog)
			assert.Equal(t, StateDone, rep.Final())
			assert.Contains(t, rep.Transitions, StateCleanup)
			assert.Equal(t, tt.wantPhase2, eng.next == 2, "second request created")

			for i, r := range eng.requests[:eng.next] {
				assert.Equal(t, 1, r.closes, "request %d closes", i+1)
			}
			assert.Equal(t, 1, eng.pool.closes)
			assert.Equal(t, 1, eng.cleanups)
		})
	}
}

func TestRunLoopErrorGoesToCleanup(t *testing.T) {
	var buf bytes.Buffer
	eng := passingEngine()
	eng.pool.waitErr = xerrors.BadHandle("wait")

	res, rep := UpgradeRefusedReuseReport(context.Background(), eng, testConfig(&buf))
	assert.Equal(t, 1, res)
	assert.Equal(t, []State{StateInit, StatePhase1Running, StateCleanup, StateDone}, rep.Transitions)

	// the phase-1 handle is still released, once
	first := eng.requests[0]
	assert.Equal(t, 1, first.removes)
	assert.Equal(t, 1, first.closes)
	assert.Equal(t, 1, eng.next)
	assert.Equal(t, 1, eng.pool.closes)
	assert.Equal(t, 1, eng.cleanups)
	assert.Contains(t, rep.Errors, "request 1 run loop failed")
}

func TestPhase2RunLoopError(t *testing.T) {
	var buf bytes.Buffer
	eng := passingEngine()
	eng.pool.stuck = eng.requests[1]
	cfg := testConfig(&buf)
	cfg.Deadline = 20 * time.Millisecond

	res, rep := UpgradeRefusedReuseReport(context.Background(), eng, cfg)
	assert.Equal(t, 1, res)
	assert.Equal(t, []State{
		StateInit, StatePhase1Running, StatePhase1Checked,
		StatePhase2Running, StateCleanup, StateDone,
	}, rep.Transitions)
	assert.True(t, rep.Phase1.Passed())
	assert.Equal(t, 1, eng.requests[0].closes)
	assert.Equal(t, 1, eng.requests[1].closes)
	assert.Equal(t, 1, eng.requests[1].removes)
	assert.Contains(t, buf.String(), "run loop deadline exceeded")
}

func TestHandleCreationFailures(t *testing.T) {
	t.Run("GlobalInit", func(t *testing.T) {
		eng := passingEngine()
		eng.initErr = errFake
		res, rep := UpgradeRefusedReuseReport(context.Background(), eng, Config{Port: "1"})
		assert.Equal(t, 1, res)
		assert.Zero(t, eng.cleanups)
		assert.Equal(t, []State{StateInit, StateDone}, rep.Transitions)
	})

	t.Run("Pool", func(t *testing.T) {
		eng := passingEngine()
		eng.newPoolErr = errFake
		res, _ := UpgradeRefusedReuseReport(context.Background(), eng, Config{Port: "1"})
		assert.Equal(t, 1, res)
		assert.Zero(t, eng.pool.closes)
		assert.Equal(t, 1, eng.cleanups)
	})

	t.Run("FirstRequest", func(t *testing.T) {
		eng := passingEngine()
		eng.failRequest = 1
		res, rep := UpgradeRefusedReuseReport(context.Background(), eng, Config{Port: "1"})
		assert.Equal(t, 1, res)
		assert.Equal(t, 1, eng.pool.closes)
		assert.Contains(t, rep.Errors, "easy init failed: fake failure")
	})

	t.Run("SecondRequest", func(t *testing.T) {
		eng := passingEngine()
		eng.failRequest = 2
		res, rep := UpgradeRefusedReuseReport(context.Background(), eng, Config{Port: "1"})
		assert.Equal(t, 1, res)
		assert.Equal(t, 1, eng.requests[0].closes)
		assert.True(t, rep.Phase1.Passed())
		assert.False(t, rep.Phase2.Passed())
		assert.Equal(t, 1, eng.cleanups)
	})
}

func TestConfigURLs(t *testing.T) {
	cfg := Config{Host: "::1", Port: "8080"}
	assert.Equal(t, "ws://[::1]:8080/path/ws/2724", cfg.WSURL())
	assert.Equal(t, "http://[::1]:8080/path/http/2724", cfg.HTTPURL())

	def := DefaultConfig()
	assert.Equal(t, "127.0.0.1", def.Host)
	assert.Equal(t, DefaultWaitTimeout, def.WaitTimeout)
	assert.Zero(t, def.Deadline)
	assert.False(t, def.RequireReuse)
}
