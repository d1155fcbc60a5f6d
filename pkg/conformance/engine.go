package conformance

import (
	"time"

	"github.com/ajitpratap0/xfer-go/pkg/engine"
	xerrors "github.com/ajitpratap0/xfer-go/pkg/errors"
)

// Engine is the transfer library under test
type Engine interface {
	// Init sets up process-wide state; Cleanup releases it
	Init() error
	Cleanup()

	NewPool() (Pool, error)
	NewRequest() (Request, error)
}

// Pool drives registered requests over one shared connection pool
type Pool interface {
	Add(r Request) error
	Remove(r Request) error
	// Perform advances every transfer without blocking and reports how
	// many are still running
	Perform() (int, error)
	// Wait blocks until a transfer can make progress or timeout elapses
	Wait(timeout time.Duration) (int, error)
	// InfoRead returns the next completion event, nil when none is queued
	InfoRead() (*Event, int)
	Close() error
}

// Request is one configurable transfer
type Request interface {
	Setopt(opt engine.Option, value any) error
	GetInfo(info engine.Info) (any, error)
	ResponseCode() int
	Close() error
}

// Event is a completion event read from a Pool
type Event struct {
	Request Request
	Kind    engine.MessageKind
	Result  xerrors.ResultCode
	Err     error
}

// EngineAdapter binds the driver interfaces to pkg/engine
type EngineAdapter struct {
	Flags  engine.GlobalFlags
	Config engine.MultiConfig
}

// NewEngineAdapter returns an adapter that initialises the engine with
// GlobalAll and creates pools from cfg
func NewEngineAdapter(cfg engine.MultiConfig) *EngineAdapter {
	return &EngineAdapter{Flags: engine.GlobalAll, Config: cfg}
}

func (a *EngineAdapter) Init() error { return engine.GlobalInit(a.Flags) }
func (a *EngineAdapter) Cleanup()    { engine.GlobalCleanup() }

func (a *EngineAdapter) NewPool() (Pool, error) {
	m, err := engine.NewMulti(a.Config)
	if err != nil {
		return nil, err
	}
	return &poolAdapter{multi: m, requests: make(map[*engine.Easy]*requestAdapter)}, nil
}

func (a *EngineAdapter) NewRequest() (Request, error) {
	e, err := engine.NewEasy()
	if err != nil {
		return nil, err
	}
	return &requestAdapter{Easy: e}, nil
}

type requestAdapter struct {
	*engine.Easy
}

type poolAdapter struct {
	multi    *engine.Multi
	requests map[*engine.Easy]*requestAdapter
}

func unwrap(r Request, op string) (*requestAdapter, error) {
	ra, ok := r.(*requestAdapter)
	if !ok || ra == nil {
		return nil, xerrors.BadEasyHandle(op)
	}
	return ra, nil
}

func (p *poolAdapter) Add(r Request) error {
	ra, err := unwrap(r, "add_handle")
	if err != nil {
		return err
	}
	if err := p.multi.Add(ra.Easy); err != nil {
		return err
	}
	p.requests[ra.Easy] = ra
	return nil
}

func (p *poolAdapter) Remove(r Request) error {
	ra, err := unwrap(r, "remove_handle")
	if err != nil {
		return err
	}
	delete(p.requests, ra.Easy)
	return p.multi.Remove(ra.Easy)
}

func (p *poolAdapter) Perform() (int, error)                   { return p.multi.Perform() }
func (p *poolAdapter) Wait(timeout time.Duration) (int, error) { return p.multi.Wait(timeout) }
func (p *poolAdapter) Close() error                            { return p.multi.Close() }

func (p *poolAdapter) InfoRead() (*Event, int) {
	msg, queued := p.multi.InfoRead()
	if msg == nil {
		return nil, queued
	}
	ev := &Event{Kind: msg.Kind, Result: msg.Result, Err: msg.Err}
	if ra, ok := p.requests[msg.Easy]; ok {
		ev.Request = ra
	}
	return ev, queued
}

// Stats exposes the engine's pool counters for reporting
func (p *poolAdapter) Stats() engine.Stats {
	return p.multi.Stats()
}
