package vizstate

import (
	"context"
	"errors"
	"sync"
)

// gatedService records every call and holds each one until the test
// releases it, so tests control the order in which responses land.
type gatedService struct {
	mu    sync.Mutex
	calls []string
	gates chan chan struct{}

	params    func(Parameters) (Parameters, error)
	filter    func(FilterRequest) (Levels, error)
	rawFilter func(Channel, Levels) (Levels, error)
	filterReq []FilterRequest
}

func newGatedService() *gatedService {
	return &gatedService{
		gates: make(chan chan struct{}, 64),
		params: func(p Parameters) (Parameters, error) {
			return p, nil
		},
		rawFilter: func(_ Channel, l Levels) (Levels, error) {
			return l, nil
		},
	}
}

func (g *gatedService) hold(name string) {
	gate := make(chan struct{})
	g.mu.Lock()
	g.calls = append(g.calls, name)
	g.mu.Unlock()
	g.gates <- gate
	<-gate
}

// release lets the oldest held call finish.
func (g *gatedService) release() {
	close(<-g.gates)
}

func (g *gatedService) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

func (g *gatedService) Query(context.Context) (Snapshot, error) {
	return Snapshot{}, errors.New("not supported")
}

func (g *gatedService) SetParameters(_ context.Context, p Parameters) (Parameters, error) {
	g.hold("params")
	return g.params(p)
}

func (g *gatedService) SetFilter(_ context.Context, req FilterRequest) (Levels, error) {
	g.mu.Lock()
	g.filterReq = append(g.filterReq, req)
	g.mu.Unlock()
	g.hold("filter")
	return g.filter(req)
}

func (g *gatedService) SetRawFilter(_ context.Context, ch Channel, l Levels) (Levels, error) {
	g.hold("rawFilter")
	return g.rawFilter(ch, l)
}

// instantService answers immediately.
type instantService struct {
	*SimulatedService
	calls int
	mu    sync.Mutex
	fail  error
}

func (s *instantService) count() {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
}

func (s *instantService) SetParameters(ctx context.Context, p Parameters) (Parameters, error) {
	s.count()
	if s.fail != nil {
		return Parameters{}, s.fail
	}
	return s.SimulatedService.SetParameters(ctx, p)
}

func (s *instantService) SetRawFilter(ctx context.Context, ch Channel, l Levels) (Levels, error) {
	s.count()
	if s.fail != nil {
		return nil, s.fail
	}
	return s.SimulatedService.SetRawFilter(ctx, ch, l)
}

func (s *instantService) SetFilter(ctx context.Context, req FilterRequest) (Levels, error) {
	s.count()
	if s.fail != nil {
		return nil, s.fail
	}
	return s.SimulatedService.SetFilter(ctx, req)
}
