// Package conformance checks that a transfer engine keeps a pooled
// connection usable after a refused WebSocket upgrade.
//
// The check runs two transfers, one after the other, on a single pool. The
// first asks for a ws:// upgrade that the server declines, with the
// upgrade-refused-OK option set. The second is a plain http:// GET to the
// same host and port, which must succeed with 200. The engine is consumed
// through the Engine, Pool and Request interfaces. EngineAdapter binds them
// to pkg/engine.
package conformance

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/ajitpratap0/xfer-go/pkg/engine"
	xerrors "github.com/ajitpratap0/xfer-go/pkg/errors"
	"github.com/ajitpratap0/xfer-go/pkg/logging"
)

// Target paths on the server under test
const (
	WSPath   = "/path/ws/2724"
	HTTPPath = "/path/http/2724"
)

// DefaultWaitTimeout bounds each Wait call of the run loop
const DefaultWaitTimeout = 60 * time.Second

// RunOptions configures RunToCompletion
type RunOptions struct {
	// WaitTimeout is passed to every Pool.Wait call
	WaitTimeout time.Duration
	// Deadline bounds the whole loop. Zero means no bound.
	Deadline time.Duration
	Logger   logging.Logger
}

func (o RunOptions) withDefaults() RunOptions {
	if o.WaitTimeout <= 0 {
		o.WaitTimeout = DefaultWaitTimeout
	}
	if o.Logger == nil {
		o.Logger = logging.NewNop()
	}
	return o
}

// RunToCompletion advances pool until no transfer is running. It returns 0
// on success and 1 when Perform or Wait fails, the deadline passes or ctx
// is done.
func RunToCompletion(ctx context.Context, pool Pool, opts RunOptions) int {
	opts = opts.withDefaults()

	var deadline time.Time
	if opts.Deadline > 0 {
		deadline = time.Now().Add(opts.Deadline)
	}

	for {
		running, err := pool.Perform()
		if err != nil {
			opts.Logger.WithError(err).Error("multi perform failed: " + xerrors.Describe(err))
			return 1
		}
		if running == 0 {
			return 0
		}

		if err := ctx.Err(); err != nil {
			opts.Logger.Error("run loop interrupted", logging.ErrorField(err))
			return 1
		}

		wait := opts.WaitTimeout
		if !deadline.IsZero() {
			left := time.Until(deadline)
			if left <= 0 {
				opts.Logger.Error("run loop deadline exceeded",
					logging.Duration("deadline", opts.Deadline),
					logging.Int("running", running))
				return 1
			}
			if left < wait {
				wait = left
			}
		}

		if _, err := pool.Wait(wait); err != nil {
			opts.Logger.WithError(err).Error("multi wait failed: " + xerrors.Describe(err))
			return 1
		}
	}
}

// Config configures UpgradeRefusedReuse
type Config struct {
	Host string
	Port string

	WaitTimeout time.Duration
	Deadline    time.Duration

	// RequireReuse also fails the second phase when it opened a new
	// connection instead of reusing the pooled one
	RequireReuse bool

	Logger logging.Logger
}

// DefaultConfig targets 127.0.0.1 and writes diagnostics to stderr. The
// port has no default.
func DefaultConfig() Config {
	return Config{
		Host:        "127.0.0.1",
		WaitTimeout: DefaultWaitTimeout,
		Logger:      logging.New(os.Stderr, logging.NewTextFormatter()),
	}
}

func (c Config) withDefaults() Config {
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if c.WaitTimeout <= 0 {
		c.WaitTimeout = DefaultWaitTimeout
	}
	if c.Logger == nil {
		c.Logger = logging.NewNop()
	}
	return c
}

// WSURL is the upgrade target of the first phase
func (c Config) WSURL() string {
	return "ws://" + net.JoinHostPort(c.Host, c.Port) + WSPath
}

// HTTPURL is the plain target of the second phase
func (c Config) HTTPURL() string {
	return "http://" + net.JoinHostPort(c.Host, c.Port) + HTTPPath
}

// UpgradeRefusedReuse runs the check and returns 0 when every assertion
// passed, 1 otherwise
func UpgradeRefusedReuse(ctx context.Context, eng Engine, cfg Config) int {
	res, _ := UpgradeRefusedReuseReport(ctx, eng, cfg)
	return res
}

// UpgradeRefusedReuseReport runs the check and also returns what each
// phase observed
func UpgradeRefusedReuseReport(ctx context.Context, eng Engine, cfg Config) (int, *Report) {
	cfg = cfg.withDefaults()
	d := &driver{
		eng: eng,
		cfg: cfg,
		log: cfg.Logger.WithFields(logging.String("component", "conformance")),
		report: &Report{
			Phase1: PhaseReport{Name: "ws upgrade"},
			Phase2: PhaseReport{Name: "http reuse"},
		},
	}
	start := time.Now()
	d.run(ctx)
	d.report.Duration = time.Since(start)
	d.report.Result = d.result
	return d.result, d.report
}

type driver struct {
	eng    Engine
	cfg    Config
	log    logging.Logger
	report *Report
	result int

	pool   Pool
	first  Request
	second Request
}

func (d *driver) enter(s State) {
	d.report.Transitions = append(d.report.Transitions, s)
	d.log.Debug("state "+s.String(), logging.String("operation", "run"))
}

// fail records an error outside any phase
func (d *driver) fail(msg string, err error) {
	d.result = 1
	log := d.log
	if err != nil {
		msg = msg + ": " + xerrors.Describe(err)
		log = log.WithError(err)
	}
	d.report.Errors = append(d.report.Errors, msg)
	log.Error(msg)
}

// failPhase records a failed assertion and lets the run continue
func (d *driver) failPhase(p *PhaseReport, msg string) {
	d.result = 1
	p.Failures = append(p.Failures, msg)
	d.log.Error("TEST FAILURE: " + msg)
}

func (d *driver) runOptions() RunOptions {
	return RunOptions{
		WaitTimeout: d.cfg.WaitTimeout,
		Deadline:    d.cfg.Deadline,
		Logger:      d.log,
	}
}

func (d *driver) run(ctx context.Context) {
	d.enter(StateInit)
	if err := d.eng.Init(); err != nil {
		d.fail("global init failed", err)
		d.enter(StateDone)
		return
	}
	defer d.cleanup()

	pool, err := d.eng.NewPool()
	if err != nil {
		d.fail("multi init failed", err)
		return
	}
	d.pool = pool

	if !d.phase1(ctx) {
		return
	}
	d.phase2(ctx)
}

// cleanup releases whatever is still allocated, each handle once
func (d *driver) cleanup() {
	d.enter(StateCleanup)
	d.release(&d.first)
	d.release(&d.second)
	if d.pool != nil {
		if stats, ok := d.pool.(interface{ Stats() engine.Stats }); ok {
			d.report.ConnectionsOpened = stats.Stats().ConnectionsOpened
		}
		if err := d.pool.Close(); err != nil {
			d.log.WithError(err).Warn("multi cleanup failed")
		}
		d.pool = nil
	}
	d.eng.Cleanup()
	d.enter(StateDone)
}

func (d *driver) release(r *Request) {
	if *r == nil {
		return
	}
	if d.pool != nil {
		if err := d.pool.Remove(*r); err != nil {
			d.log.WithError(err).Warn("remove handle failed")
		}
	}
	if err := (*r).Close(); err != nil {
		d.log.WithError(err).Warn("easy cleanup failed")
	}
	*r = nil
}

// start creates a request for url, configures it and adds it to the pool
func (d *driver) start(slot *Request, url string, opts map[engine.Option]any) bool {
	req, err := d.eng.NewRequest()
	if err != nil {
		d.fail("easy init failed", err)
		return false
	}
	*slot = req

	if err := req.Setopt(engine.OptURL, url); err != nil {
		d.fail("setopt "+engine.OptURL.String()+" failed", err)
		return false
	}
	if err := req.Setopt(engine.OptVerbose, true); err != nil {
		d.fail("setopt "+engine.OptVerbose.String()+" failed", err)
		return false
	}
	for opt, v := range opts {
		if err := req.Setopt(opt, v); err != nil {
			d.fail("setopt "+opt.String()+" failed", err)
			return false
		}
	}

	if err := d.pool.Add(req); err != nil {
		d.fail("add handle failed", err)
		return false
	}
	return true
}

// done reads one event and reports whether it is the done event of req
func (d *driver) done(req Request, p *PhaseReport) (*Event, bool) {
	ev, _ := d.pool.InfoRead()
	if ev == nil || ev.Request != req || ev.Kind != engine.MsgDone {
		return ev, false
	}
	p.Completed = true
	p.Result = ev.Result
	return ev, true
}

func (d *driver) observe(req Request, p *PhaseReport) {
	p.ResponseCode = req.ResponseCode()
	if v, err := req.GetInfo(engine.InfoNumConnects); err == nil {
		p.NumConnects, _ = v.(int)
	}
	if v, err := req.GetInfo(engine.InfoConnectionReused); err == nil {
		p.Reused, _ = v.(bool)
	}
}

// phase1 requests an upgrade the server is expected to refuse. It returns
// false when the run loop failed and the run must go to cleanup.
func (d *driver) phase1(ctx context.Context) bool {
	p := &d.report.Phase1
	p.URL = d.cfg.WSURL()
	d.enter(StatePhase1Running)

	if !d.start(&d.first, p.URL, map[engine.Option]any{
		engine.OptWSOptions: engine.WSUpgradeRefusedOK,
	}) {
		return false
	}

	if RunToCompletion(ctx, d.pool, d.runOptions()) != 0 {
		d.result = 1
		d.report.Errors = append(d.report.Errors, "request 1 run loop failed")
		return false
	}
	d.enter(StatePhase1Checked)

	if _, ok := d.done(d.first, p); ok {
		d.observe(d.first, p)
		d.log.Info(fmt.Sprintf("Request 1 (WS Fail) completed. HTTP Code: %d.", p.ResponseCode))
		if p.ResponseCode == http.StatusSwitchingProtocols {
			d.failPhase(p, "Request 1 unexpectedly returned 101 (WebSocket Upgrade).")
		} else {
			d.log.Info(fmt.Sprintf("TEST SUCCESS: Request 1 returned non-101 (%d), as expected.", p.ResponseCode))
		}
	} else {
		d.failPhase(p, "Request 1 did not complete or no completion event was read.")
	}

	d.release(&d.first)
	return true
}

// phase2 sends a plain request that should run on the pooled connection
func (d *driver) phase2(ctx context.Context) {
	p := &d.report.Phase2
	p.URL = d.cfg.HTTPURL()
	d.enter(StatePhase2Running)

	if !d.start(&d.second, p.URL, nil) {
		return
	}

	if RunToCompletion(ctx, d.pool, d.runOptions()) != 0 {
		d.result = 1
		d.report.Errors = append(d.report.Errors, "request 2 run loop failed")
		return
	}
	d.enter(StatePhase2Checked)

	ev, ok := d.done(d.second, p)
	if !ok {
		d.failPhase(p, "Request 2 did not complete successfully.")
		return
	}

	if ev.Result != xerrors.ResultOK {
		msg := "Request 2 transfer failed: " + xerrors.StrError(ev.Result)
		if ev.Err != nil {
			msg += " (" + ev.Err.Error() + ")"
		}
		d.failPhase(p, msg)
	}

	d.observe(d.second, p)
	d.log.Info(fmt.Sprintf("Request 2 (HTTP OK) completed. HTTP Code: %d.", p.ResponseCode),
		logging.Bool("reused", p.Reused),
		logging.Int("new_connections", p.NumConnects))

	if p.ResponseCode != http.StatusOK {
		d.failPhase(p, fmt.Sprintf("Request 2 returned %d, expected 200.", p.ResponseCode))
	} else {
		d.log.Info("TEST SUCCESS: Request 2 returned 200 response code, as expected.")
	}

	if d.cfg.RequireReuse && p.NumConnects != 0 {
		d.failPhase(p, fmt.Sprintf("Request 2 opened %d new connection(s), expected reuse.", p.NumConnects))
	}
}
