package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	xerrors "github.com/ajitpratap0/xfer-go/pkg/errors"
)

// Easy is a single request handle. It is configured with Setopt, run either
// through a Multi or with Perform, and queried with GetInfo after it
// finishes. An Easy belongs to at most one Multi at a time.
type Easy struct {
	mu     sync.Mutex
	id     string
	opts   easyOptions
	last   transferInfo
	multi  *Multi
	solo   *Multi
	ws     *wsSession
	closed bool
}

// NewEasy creates a request handle with default options
func NewEasy() (*Easy, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return nil, xerrors.WrapResultError(err, xerrors.ResultFailedInit, "failed to create transfer id")
	}
	return &Easy{id: id.String()}, nil
}

// ID returns the handle's transfer ID, used in logs and spans
func (e *Easy) ID() string {
	return e.id
}

// Setopt sets one option. Options set while a transfer runs apply to the
// next transfer.
func (e *Easy) Setopt(opt Option, value any) error {
	if e == nil {
		return xerrors.BadFunctionArgument("easy", "nil handle")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return xerrors.BadFunctionArgument("easy", "handle closed")
	}
	return e.opts.set(opt, value)
}

// GetInfo reads a value left by the last transfer
func (e *Easy) GetInfo(i Info) (any, error) {
	if e == nil {
		return nil, xerrors.BadFunctionArgument("easy", "nil handle")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.info(i)
}

// ResponseCode returns the last HTTP status received, 0 if none
func (e *Easy) ResponseCode() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last.responseCode
}

// Result returns the result code and error of the last transfer
func (e *Easy) Result() (xerrors.ResultCode, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last.result, e.last.err
}

// Perform runs one blocking transfer. The handle keeps a private Multi
// between calls so consecutive transfers can reuse connections.
func (e *Easy) Perform(ctx context.Context) error {
	if e == nil {
		return xerrors.BadFunctionArgument("easy", "nil handle")
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return xerrors.BadFunctionArgument("easy", "handle closed")
	}
	if e.multi != nil {
		e.mu.Unlock()
		return xerrors.NewResultError(xerrors.ResultBadFunctionArgument,
			"Perform called on a handle that belongs to a multi handle")
	}
	solo, rawURL := e.solo, e.opts.url
	e.mu.Unlock()

	if solo == nil {
		m, err := NewMulti(DefaultMultiConfig())
		if err != nil {
			return err
		}
		e.mu.Lock()
		e.solo = m
		e.mu.Unlock()
		solo = m
	}

	if err := solo.Add(e); err != nil {
		return err
	}
	defer func() { _ = solo.Remove(e) }()

	for {
		running, err := solo.Perform()
		if err != nil {
			return err
		}
		for msg, _ := solo.InfoRead(); msg != nil; msg, _ = solo.InfoRead() {
			if msg.Easy == e {
				return msg.Err
			}
		}
		if running == 0 {
			return xerrors.NewMultiError(xerrors.MultiInternalError, "transfer finished without a completion message")
		}
		if _, err := solo.Wait(time.Second); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return xerrors.Aborted(rawURL, "perform")
		}
	}
}

// Close releases the handle. It detaches from its Multi, cancelling a
// running transfer, and closes any open WebSocket. Close is idempotent.
func (e *Easy) Close() error {
	if e == nil {
		return nil
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	m, solo, ws := e.multi, e.solo, e.ws
	e.solo, e.ws = nil, nil
	e.mu.Unlock()

	if m != nil {
		_ = m.Remove(e)
	}
	ws.close()
	if solo != nil {
		_ = solo.Close()
	}
	return nil
}

// Reset restores default options and clears the last transfer's info.
// The handle stays attached to its Multi.
func (e *Easy) Reset() {
	e.mu.Lock()
	ws := e.ws
	e.opts = easyOptions{}
	e.last = transferInfo{}
	e.ws = nil
	e.mu.Unlock()

	ws.close()
}

// begin snapshots the options for a new transfer and clears the previous
// transfer's state. Called with the owning Multi's lock held.
func (e *Easy) begin() (easyOptions, *wsSession) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ws := e.ws
	e.ws = nil
	e.last = transferInfo{}
	return e.opts.clone(), ws
}

func (e *Easy) finish(info transferInfo, ws *wsSession) {
	e.mu.Lock()
	e.last = info
	if ws != nil && !e.closed {
		e.ws, ws = ws, nil
	}
	e.mu.Unlock()

	// handle closed while the upgrade was in flight
	ws.abort()
}
