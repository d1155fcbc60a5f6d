package engine

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/trace"

	xerrors "github.com/ajitpratap0/xfer-go/pkg/errors"
	"github.com/ajitpratap0/xfer-go/pkg/logging"
	"github.com/ajitpratap0/xfer-go/pkg/observability"
)

// outcome is what a protocol handler reports back to run
type outcome struct {
	status int
	err    xerrors.XferError
	ws     *websocket.Conn
}

func (m *Multi) run(t *transfer) {
	e := t.easy
	logger := m.logger.WithContext(t.ctx)

	info := transferInfo{effectiveURL: t.opts.url}

	u, perr := parseTransferURL(t.opts.url)
	var out outcome
	if perr != nil {
		out.err = perr
	} else {
		info.scheme = u.Scheme

		ctx, span := m.tracer.StartTransferSpan(t.ctx, e.id, u.Scheme, u.String())
		ct := newConnTrace(logger, t.opts.verbose)
		ctx = ct.withContext(ctx)

		switch u.Scheme {
		case "ws", "wss":
			out = m.doWebSocket(ctx, t, u, ct)
		default:
			out = m.doHTTP(ctx, t, u, ct)
		}

		// counted once the transfer is over, so a stale idle connection
		// that was retried on a new one does not count as reused
		info.numConnects, info.reused = ct.snapshot()
		for i := 0; i < info.numConnects; i++ {
			m.metrics.RecordConnection(ctx, false)
		}
		if info.reused {
			m.reused.Add(1)
			m.metrics.RecordConnection(ctx, true)
			span.SetAttributes(observability.AttrReused.Bool(true))
		}
		endSpan(m.tracer, span, out)
	}

	if out.err != nil && t.aborted.Load() {
		out.err = xerrors.Aborted(t.opts.url, "transfer")
		if out.ws != nil {
			_ = out.ws.CloseNow()
			out.ws = nil
		}
	}

	info.responseCode = out.status
	info.totalTime = time.Since(t.started)
	if out.err != nil {
		out.err = out.err.WithContext(&xerrors.Context{
			TransferID: e.id,
			URL:        t.opts.url,
			Component:  "transfer",
			Operation:  info.scheme,
		})
		info.result = xerrors.ResultOf(out.err)
		info.err = out.err
		logger.WithError(out.err).Info("transfer failed",
			logging.String("result", info.result.String()))
	} else {
		info.result = xerrors.ResultOK
		logger.Debug("transfer done",
			logging.Int("status", out.status),
			logging.Bool("reused", info.reused),
			logging.Duration("elapsed", info.totalTime))
	}

	t.result, t.err = info.result, info.err
	m.metrics.RecordTransfer(t.ctx, info.scheme, info.result.String(), info.totalTime)

	if out.ws != nil {
		// the session releases the transfer context when it closes
		e.finish(info, &wsSession{conn: out.ws, url: t.opts.url, release: t.cancel})
	} else {
		t.cancel()
		e.finish(info, nil)
	}
	m.complete(t)
	close(t.finished)
}

func endSpan(tp *observability.TracingProvider, span trace.Span, out outcome) {
	result := xerrors.ResultOK.String()
	var err error
	if out.err != nil {
		result = xerrors.ResultOf(out.err).String()
		err = out.err
	}
	tp.EndTransferSpan(span, out.status, result, err)
}

func parseTransferURL(raw string) (*url.URL, xerrors.XferError) {
	if strings.TrimSpace(raw) == "" {
		return nil, xerrors.URLMalformat(raw, nil)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, xerrors.URLMalformat(raw, err)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	case "":
		return nil, xerrors.URLMalformat(raw, errors.New("missing scheme"))
	default:
		return nil, xerrors.UnsupportedProtocol(raw, u.Scheme)
	}
	if u.Host == "" {
		return nil, xerrors.URLMalformat(raw, errors.New("missing host"))
	}
	return u, nil
}

func buildHeader(opts easyOptions) http.Header {
	h := http.Header{}
	for _, line := range opts.headers {
		name, value, _ := strings.Cut(line, ":")
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		h.Add(name, strings.TrimSpace(value))
	}
	if opts.userAgent != "" {
		h.Set("User-Agent", opts.userAgent)
	} else if h.Get("User-Agent") == "" {
		h.Set("User-Agent", "xfer/"+EngineVersion)
	}
	return h
}

func (m *Multi) doHTTP(ctx context.Context, t *transfer, u *url.URL, ct *connTrace) outcome {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return outcome{err: xerrors.URLMalformat(t.opts.url, err)}
	}
	req.Header = buildHeader(t.opts)
	req.Close = t.opts.forbidReuse
	m.tracer.Inject(ctx, req.Header)

	ct.requestLine(req)
	resp, err := m.client.Do(req)
	if err != nil {
		return outcome{err: classify(ctx, t, err)}
	}
	defer resp.Body.Close()
	ct.statusLine(resp)

	out := outcome{status: resp.StatusCode}
	if t.opts.failOnError && resp.StatusCode >= 400 {
		out.err = xerrors.HTTPReturnedError(t.opts.url, resp.StatusCode)
		return out
	}

	if err := deliver(t.opts.writer, resp.Body); err != nil {
		var we *sinkError
		if errors.As(err, &we) {
			out.err = xerrors.WriteError(we.err)
		} else {
			out.err = classify(ctx, t, err)
		}
	}
	return out
}

// sinkError marks a failure of the application's writer
type sinkError struct{ err error }

func (s *sinkError) Error() string { return s.err.Error() }
func (s *sinkError) Unwrap() error { return s.err }

type sink struct{ w io.Writer }

func (s sink) Write(p []byte) (int, error) {
	n, err := s.w.Write(p)
	if err != nil {
		return n, &sinkError{err: err}
	}
	if n < len(p) {
		return n, &sinkError{err: io.ErrShortWrite}
	}
	return n, nil
}

// deliver copies the whole body to w so the connection can go back to
// the pool
func deliver(w io.Writer, body io.Reader) error {
	if w == nil {
		w = io.Discard
	}
	_, err := io.Copy(sink{w: w}, body)
	return err
}

// classify maps a transport error to a transfer error
func classify(ctx context.Context, t *transfer, err error) xerrors.XferError {
	rawURL := t.opts.url

	if t.aborted.Load() {
		return xerrors.Aborted(rawURL, "transfer")
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return xerrors.OperationTimedout(rawURL, t.opts.timeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return xerrors.Aborted(rawURL, "transfer")
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return xerrors.CouldntResolveHost(dnsErr.Name, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return xerrors.OperationTimedout(rawURL, t.opts.timeout, err)
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return xerrors.CouldntConnect(rawURL, err)
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return xerrors.GotNothing(rawURL, err)
	}

	return xerrors.RecvError("transfer", err)
}
