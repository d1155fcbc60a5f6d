package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/coder/websocket"

	xerrors "github.com/ajitpratap0/xfer-go/pkg/errors"
	"github.com/ajitpratap0/xfer-go/pkg/logging"
	"github.com/ajitpratap0/xfer-go/pkg/observability"
)

// WSFrameFlag describes a WebSocket frame passed to WSSend or returned by
// WSRecv
type WSFrameFlag int

const (
	// WSText is a UTF-8 text frame
	WSText WSFrameFlag = 1 << iota
	// WSBinary is a binary frame
	WSBinary
)

func (f WSFrameFlag) String() string {
	switch f {
	case WSText:
		return "TEXT"
	case WSBinary:
		return "BINARY"
	}
	return fmt.Sprintf("WSFrameFlag(%d)", int(f))
}

// wsSession is an upgraded connection kept on an Easy after its transfer
type wsSession struct {
	conn    *websocket.Conn
	url     string
	release context.CancelFunc
}

// close sends a normal close frame and releases the dial context
func (s *wsSession) close() {
	if s == nil {
		return
	}
	_ = s.conn.Close(websocket.StatusNormalClosure, "")
	s.release()
}

// abort drops the connection without a closing handshake
func (s *wsSession) abort() {
	if s == nil {
		return
	}
	_ = s.conn.CloseNow()
	s.release()
}

// refusalSink takes the body of a refused upgrade inside the pool's round
// trip. The WebSocket dialer keeps only the first KiB of a failed
// handshake's body and closes the rest, which would lose both the data and
// the connection.
type refusalSink struct {
	w           io.Writer
	forbidReuse bool
	err         error
}

type refusalSinkKey struct{}

func withRefusalSink(ctx context.Context, s *refusalSink) context.Context {
	return context.WithValue(ctx, refusalSinkKey{}, s)
}

func refusalSinkFrom(ctx context.Context) *refusalSink {
	s, _ := ctx.Value(refusalSinkKey{}).(*refusalSink)
	return s
}

// consume streams the whole body to the transfer's writer. Reading it to
// the end parks the connection in the pool.
func (s *refusalSink) consume(resp *http.Response) {
	if b, ok := resp.Body.(*pooledBody); ok && s.forbidReuse {
		b.reusable = false
	}
	s.err = deliver(s.w, resp.Body)
	_ = resp.Body.Close()
	resp.Body = http.NoBody
}

func (m *Multi) doWebSocket(ctx context.Context, t *transfer, u *url.URL, ct *connTrace) outcome {
	header := buildHeader(t.opts)
	m.tracer.Inject(ctx, header)

	rs := &refusalSink{w: t.opts.writer, forbidReuse: t.opts.forbidReuse}
	ctx = withRefusalSink(ctx, rs)

	ct.log("> GET "+u.RequestURI()+" HTTP/1.1", logging.String("upgrade", "websocket"))
	conn, resp, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		HTTPClient:      m.client,
		HTTPHeader:      header,
		CompressionMode: websocket.CompressionDisabled,
	})
	if err == nil {
		ct.statusLine(resp)
		m.metrics.RecordUpgrade(ctx, observability.UpgradeSwitched)
		m.tracer.AddEvent(ctx, "websocket.upgrade", observability.AttrUpgrade.String(observability.UpgradeSwitched))
		return outcome{status: resp.StatusCode, ws: conn}
	}

	if resp == nil {
		m.metrics.RecordUpgrade(ctx, observability.UpgradeFailed)
		return outcome{err: classify(ctx, t, err)}
	}

	ct.statusLine(resp)
	out := outcome{status: resp.StatusCode}

	if resp.StatusCode == http.StatusSwitchingProtocols {
		m.metrics.RecordUpgrade(ctx, observability.UpgradeFailed)
		out.err = xerrors.RecvError("upgrade", err)
		return out
	}

	if rs.err != nil {
		var we *sinkError
		if errors.As(rs.err, &we) {
			out.err = xerrors.WriteError(we.err)
		} else {
			out.err = classify(ctx, t, rs.err)
		}
		return out
	}

	if t.opts.wsOptions&WSUpgradeRefusedOK == 0 {
		m.metrics.RecordUpgrade(ctx, observability.UpgradeRejected)
		m.tracer.AddEvent(ctx, "websocket.upgrade", observability.AttrUpgrade.String(observability.UpgradeRejected))
		out.err = xerrors.UpgradeRefused(t.opts.url, resp.StatusCode)
		return out
	}

	m.metrics.RecordUpgrade(ctx, observability.UpgradeRefused)
	m.tracer.AddEvent(ctx, "websocket.upgrade", observability.AttrUpgrade.String(observability.UpgradeRefused))
	ct.log(fmt.Sprintf("Refused WebSockets upgrade: %d, continuing", resp.StatusCode))

	if t.opts.failOnError && resp.StatusCode >= 400 {
		out.err = xerrors.HTTPReturnedError(t.opts.url, resp.StatusCode)
	}
	return out
}

func (e *Easy) session() *wsSession {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ws
}

// WebSocket returns the connection left by a successful upgrade, or nil
func (e *Easy) WebSocket() *websocket.Conn {
	if s := e.session(); s != nil {
		return s.conn
	}
	return nil
}

// WSSend sends one frame on the handle's WebSocket
func (e *Easy) WSSend(ctx context.Context, data []byte, flag WSFrameFlag) error {
	s := e.session()
	if s == nil {
		return xerrors.BadFunctionArgument("ws_send", "no websocket connection")
	}

	var typ websocket.MessageType
	switch flag {
	case WSText:
		typ = websocket.MessageText
	case WSBinary:
		typ = websocket.MessageBinary
	default:
		return xerrors.BadFunctionArgument("ws_send", "unsupported frame flag "+flag.String())
	}

	if err := s.conn.Write(ctx, typ, data); err != nil {
		return xerrors.SendError("ws_send", err)
	}
	return nil
}

// WSRecv reads one frame from the handle's WebSocket. Cancelling ctx
// closes the connection.
func (e *Easy) WSRecv(ctx context.Context) ([]byte, WSFrameFlag, error) {
	s := e.session()
	if s == nil {
		return nil, 0, xerrors.BadFunctionArgument("ws_recv", "no websocket connection")
	}

	typ, data, err := s.conn.Read(ctx)
	if err != nil {
		if status := websocket.CloseStatus(err); status != -1 {
			return nil, 0, xerrors.GotNothing(s.url, err).WithDetail(fmt.Sprintf("closed with status %d", status))
		}
		return nil, 0, xerrors.RecvError("ws_recv", err)
	}

	if typ == websocket.MessageBinary {
		return data, WSBinary, nil
	}
	return data, WSText, nil
}
