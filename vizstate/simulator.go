package vizstate

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"gonum.org/v1/gonum/mat"
)

// SimulatedService is an in-process stand-in for the display process. It
// keeps its filter bank as level-by-2 coefficient matrices and applies
// edits the way the real service does, including rejecting |tao| < 1 and
// storing the period as an integer.
type SimulatedService struct {
	// Latency delays every call, to make optimistic merges observable.
	Latency time.Duration

	mu     sync.Mutex
	params Parameters
	amp    *mat.Dense
	diff   *mat.Dense
}

// DefaultParameters are the values the display process starts with.
func DefaultParameters() Parameters {
	var p Parameters
	for _, f := range AllFields() {
		p.Set(f, 0)
	}
	p.Merge(Parameters{
		GlobalBrightness: Float(127),
		Saturation:       Float(2),
		GainOffset:       Float(1),
		Period:           Float(24),
		Gain:             Float(2),
		DifferentialGain: Float(2e-3),
		Sync:             Float(1e-2),
		WarpOffset:       Float(0.5),
		WarpScale:        Float(1.0),
	})
	return p
}

// DefaultFilterBank is the filter bank the display process starts with.
func DefaultFilterBank() FilterBank {
	return FilterBank{
		Amp:  Levels{{0.80, 0.200}, {-0.005, 0.995}},
		Diff: Levels{{0.11, 0.89}, {0, 0}},
	}
}

// NewSimulatedService starts from the display process defaults.
func NewSimulatedService() *SimulatedService {
	fb := DefaultFilterBank()
	return &SimulatedService{
		params: DefaultParameters(),
		amp:    levelsToDense(fb.Amp),
		diff:   levelsToDense(fb.Diff),
	}
}

func levelsToDense(l Levels) *mat.Dense {
	return mat.NewDense(len(l), 2, l.Flat())
}

func denseToLevels(m *mat.Dense) Levels {
	levels, _ := LevelsFromFlat(append([]float64(nil), m.RawMatrix().Data...))
	return levels
}

func (s *SimulatedService) wait(ctx context.Context) error {
	if s.Latency <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(s.Latency)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *SimulatedService) matrix(ch Channel) (*mat.Dense, error) {
	switch ch {
	case ChannelAmp:
		return s.amp, nil
	case ChannelDiff:
		return s.diff, nil
	}
	return nil, errors.New("typ must be either 'amp' or 'diff'")
}

func (s *SimulatedService) Query(ctx context.Context) (Snapshot, error) {
	if err := s.wait(ctx); err != nil {
		return Snapshot{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Params: s.params.Clone(),
		Filter: FilterBank{Amp: denseToLevels(s.amp), Diff: denseToLevels(s.diff)},
	}, nil
}

func (s *SimulatedService) SetParameters(ctx context.Context, partial Parameters) (Parameters, error) {
	if err := s.wait(ctx); err != nil {
		return Parameters{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := partial.Get(FieldPeriod); ok {
		partial.Set(FieldPeriod, math.Trunc(v))
	}
	s.params.Merge(partial)
	return s.params.Clone(), nil
}

func (s *SimulatedService) SetFilter(ctx context.Context, req FilterRequest) (Levels, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.matrix(req.Channel)
	if err != nil {
		return nil, err
	}
	rows, _ := m.Dims()
	if req.Level < 0 || req.Level >= rows {
		return nil, errors.New("level not defined for filter typ")
	}

	gain := Gain(Coefficients{m.At(req.Level, 0), m.At(req.Level, 1)})
	if req.Gain != nil {
		gain = *req.Gain
	}
	coeffs, ok := CoefficientsFor(gain, req.Tao)
	if !ok {
		return nil, errors.New("|tao| < 1 undefined")
	}
	m.SetRow(req.Level, coeffs[:])
	return denseToLevels(m), nil
}

func (s *SimulatedService) SetRawFilter(ctx context.Context, ch Channel, levels Levels) (Levels, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	if len(levels) == 0 {
		return nil, fmt.Errorf("missing arg: raw")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	dense := levelsToDense(levels)
	switch ch {
	case ChannelAmp:
		s.amp = dense
	case ChannelDiff:
		s.diff = dense
	default:
		return nil, errors.New("typ must be either 'amp' or 'diff'")
	}
	return denseToLevels(dense), nil
}
