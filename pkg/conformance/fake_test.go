package conformance

import (
	"errors"
	"time"

	"github.com/ajitpratap0/xfer-go/pkg/engine"
	xerrors "github.com/ajitpratap0/xfer-go/pkg/errors"
)

// fakeRequest completes with a scripted outcome
type fakeRequest struct {
	opts        map[engine.Option]any
	code        int
	result      xerrors.ResultCode
	numConnects int
	setoptErr   error
	closes      int
	removes     int
}

func (r *fakeRequest) Setopt(opt engine.Option, value any) error {
	if r.setoptErr != nil {
		return r.setoptErr
	}
	r.opts[opt] = value
	return nil
}

func (r *fakeRequest) GetInfo(info engine.Info) (any, error) {
	switch info {
	case engine.InfoNumConnects:
		return r.numConnects, nil
	case engine.InfoConnectionReused:
		return r.numConnects == 0, nil
	}
	return nil, xerrors.UnknownOption(info.String())
}

func (r *fakeRequest) ResponseCode() int { return r.code }

func (r *fakeRequest) Close() error {
	r.closes++
	return nil
}

// fakePool runs each added request for a fixed number of Perform calls
type fakePool struct {
	steps      int
	performErr error
	waitErr    error
	// hang keeps transfers running forever
	hang bool
	// noEvent drops completion events
	noEvent bool
	// stuck never completes
	stuck *fakeRequest

	active   map[*fakeRequest]int
	events   []*Event
	performs int
	waits    int
	closes   int
	lastWait time.Duration
}

func (p *fakePool) Add(r Request) error {
	fr, ok := r.(*fakeRequest)
	if !ok {
		return xerrors.BadEasyHandle("add_handle")
	}
	if p.active == nil {
		p.active = make(map[*fakeRequest]int)
	}
	p.active[fr] = p.steps
	return nil
}

func (p *fakePool) Remove(r Request) error {
	fr := r.(*fakeRequest)
	fr.removes++
	delete(p.active, fr)
	return nil
}

func (p *fakePool) Perform() (int, error) {
	p.performs++
	if p.performErr != nil {
		return 0, p.performErr
	}
	if p.hang {
		return len(p.active), nil
	}
	for r, left := range p.active {
		if r == p.stuck {
			continue
		}
		if left > 0 {
			p.active[r] = left - 1
			continue
		}
		delete(p.active, r)
		if !p.noEvent {
			p.events = append(p.events, &Event{Request: r, Kind: engine.MsgDone, Result: r.result})
		}
	}
	return len(p.active), nil
}

func (p *fakePool) Wait(timeout time.Duration) (int, error) {
	p.waits++
	p.lastWait = timeout
	if p.waitErr != nil {
		return 0, p.waitErr
	}
	if p.hang || p.stuck != nil {
		time.Sleep(time.Millisecond)
	}
	return 0, nil
}

func (p *fakePool) InfoRead() (*Event, int) {
	if len(p.events) == 0 {
		return nil, 0
	}
	ev := p.events[0]
	p.events = p.events[1:]
	return ev, len(p.events)
}

func (p *fakePool) Close() error {
	p.closes++
	return nil
}

// fakeEngine hands out scripted requests in order
type fakeEngine struct {
	pool     *fakePool
	requests []*fakeRequest
	next     int

	initErr    error
	newPoolErr error
	// failRequest makes the n-th NewRequest call fail, counting from 1
	failRequest int

	inits    int
	cleanups int
}

var errFake = errors.New("fake failure")

func (e *fakeEngine) Init() error {
	e.inits++
	return e.initErr
}

func (e *fakeEngine) Cleanup() { e.cleanups++ }

func (e *fakeEngine) NewPool() (Pool, error) {
	if e.newPoolErr != nil {
		return nil, e.newPoolErr
	}
	return e.pool, nil
}

func (e *fakeEngine) NewRequest() (Request, error) {
	if e.failRequest == e.next+1 {
		return nil, errFake
	}
	r := e.requests[e.next]
	e.next++
	r.opts = make(map[engine.Option]any)
	return r, nil
}

func passingEngine() *fakeEngine {
	return &fakeEngine{
		pool: &fakePool{steps: 1},
		requests: []*fakeRequest{
			{code: 200, numConnects: 1},
			{code: 200},
		},
	}
}
