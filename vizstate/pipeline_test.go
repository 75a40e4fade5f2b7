package vizstate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestSetParameterOptimisticThenConfirmed(t *testing.T) {
	svc := newGatedService()
	svc.params = func(p Parameters) (Parameters, error) {
		if v, ok := p.Get(FieldGlobalBrightness); ok && v > 48 {
			p.Set(FieldGlobalBrightness, 48)
		}
		return p, nil
	}
	cache := NewCache()
	p := NewPipeline(cache, svc)

	m := p.SetParameter(FieldGlobalBrightness, 50)
	assert.Equal(t, 50.0, *cache.Parameters().GlobalBrightness)
	assert.Equal(t, StatePending, m.State())

	svc.release()
	require.NoError(t, m.Wait(waitCtx(t)))
	assert.Equal(t, StateConfirmed, m.State())
	assert.Equal(t, 48.0, *cache.Parameters().GlobalBrightness)
}

func TestSetParameterFailureKeepsOptimisticValue(t *testing.T) {
	svc := newGatedService()
	svc.params = func(Parameters) (Parameters, error) {
		return Parameters{}, errors.New("connection refused")
	}
	cache := NewCache()
	cache.MergeParameters(Parameters{Period: Float(5)})
	p := NewPipeline(cache, svc)

	m := p.SetParameter(FieldPeriod, 9)
	svc.release()
	err := m.Wait(waitCtx(t))

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRemoteRequestFailed))
	var merr *MutationError
	require.True(t, errors.As(err, &merr))
	assert.Equal(t, "period", merr.Target)
	assert.Equal(t, 9.0, merr.Value)
	assert.Equal(t, StateFailed, m.State())
	assert.Equal(t, 9.0, *cache.Parameters().Period)
}

func TestSetParameterUnknownField(t *testing.T) {
	svc := newGatedService()
	p := NewPipeline(NewCache(), svc)

	m := p.SetParameter("brightness", 1)
	<-m.Done()
	assert.True(t, errors.Is(m.Err(), ErrUnknownField))
	assert.Equal(t, 0, svc.callCount())
	assert.True(t, p.Cache().Parameters().IsEmpty())
}

func TestStaleConfirmationWins(t *testing.T) {
	// Last merge to land wins, even when it confirms the older edit.
	svc := newGatedService()
	cache := NewCache()
	p := NewPipeline(cache, svc)

	first := p.SetParameter(FieldSync, 1)
	require.Eventually(t, func() bool { return len(svc.gates) == 1 }, time.Second, time.Millisecond)
	second := p.SetParameter(FieldSync, 2)
	require.Eventually(t, func() bool { return len(svc.gates) == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, 2.0, *cache.Parameters().Sync)

	firstGate := <-svc.gates
	secondGate := <-svc.gates

	close(secondGate)
	require.NoError(t, second.Wait(waitCtx(t)))
	assert.Equal(t, 2.0, *cache.Parameters().Sync)

	close(firstGate)
	require.NoError(t, first.Wait(waitCtx(t)))
	assert.Equal(t, 1.0, *cache.Parameters().Sync)
}

func TestSetFilterGainSendsCurrentTao(t *testing.T) {
	svc := newGatedService()
	svc.filter = func(req FilterRequest) (Levels, error) {
		c, _ := CoefficientsFor(*req.Gain, req.Tao)
		return Levels{c, {-0.005, 0.995}}, nil
	}
	cache := NewCache()
	cache.MergeFilterChannel(ChannelAmp, Levels{{0.8, 0.2}, {-0.005, 0.995}})
	p := NewPipeline(cache, svc)

	m := p.SetFilterCoefficient(ChannelAmp, 0, AttributeGain, 2)
	svc.release()
	require.NoError(t, m.Wait(waitCtx(t)))

	require.Len(t, svc.filterReq, 1)
	req := svc.filterReq[0]
	require.NotNil(t, req.Gain)
	assert.Equal(t, 2.0, *req.Gain)
	assert.InDelta(t, 1.25, req.Tao, 1e-12)
	assert.Equal(t, ChannelAmp, req.Channel)

	v, err := cache.FilterBank().View(ChannelAmp, 0)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, v.Gain, 1e-12)
	assert.InDelta(t, 1.25, v.Tao, 1e-9)
}

func TestSetFilterTaoUnmapsSliderCoordinate(t *testing.T) {
	svc := newGatedService()
	returned := Levels{{0.1, 0.9}, {0, 0}}
	svc.filter = func(FilterRequest) (Levels, error) { return returned, nil }
	cache := NewCache()
	cache.MergeFilterChannel(ChannelDiff, Levels{{0.11, 0.89}, {0, 0}})
	p := NewPipeline(cache, svc)

	m := p.SetFilterCoefficient(ChannelDiff, 0, AttributeTao, -3)

	// Optimistic level: gain 1 kept, tao -9.
	v, err := cache.FilterBank().View(ChannelDiff, 0)
	require.NoError(t, err)
	assert.InDelta(t, -9.0, v.Tao, 1e-9)

	svc.release()
	require.NoError(t, m.Wait(waitCtx(t)))

	req := svc.filterReq[0]
	assert.Nil(t, req.Gain)
	assert.Equal(t, -9.0, req.Tao)
	assert.Equal(t, returned, cache.FilterBank().Diff)
}

func TestSetFilterTaoBelowOneSkipsOptimisticMerge(t *testing.T) {
	svc := newGatedService()
	svc.filter = func(FilterRequest) (Levels, error) { return nil, errors.New("|tao| < 1 undefined") }
	cache := NewCache()
	before := Levels{{0.8, 0.2}}
	cache.MergeFilterChannel(ChannelAmp, before)
	p := NewPipeline(cache, svc)

	m := p.SetFilterCoefficient(ChannelAmp, 0, AttributeTao, 0.5)
	assert.Equal(t, before, cache.FilterBank().Amp)
	svc.release()
	err := m.Wait(waitCtx(t))
	assert.True(t, errors.Is(err, ErrRemoteRequestFailed))
	assert.Equal(t, before, cache.FilterBank().Amp)
}

func TestSetFilterMalformedResponse(t *testing.T) {
	svc := newGatedService()
	svc.filter = func(FilterRequest) (Levels, error) { return Levels{}, nil }
	cache := NewCache()
	cache.MergeFilterChannel(ChannelAmp, Levels{{0.8, 0.2}, {0.5, 0.5}})
	p := NewPipeline(cache, svc)

	m := p.SetFilterCoefficient(ChannelAmp, 1, AttributeGain, 1)
	svc.release()
	err := m.Wait(waitCtx(t))
	assert.True(t, errors.Is(err, ErrRemoteRequestFailed))
	assert.Len(t, cache.FilterBank().Amp, 2)
}

func TestSetFilterValidation(t *testing.T) {
	svc := newGatedService()
	p := NewPipeline(NewCache(), svc)

	tests := []struct {
		name string
		m    *PendingMutation
		want error
	}{
		{"channel", p.SetFilterCoefficient("gain", 0, AttributeTao, 2), ErrUnknownChannel},
		{"negative level", p.SetFilterCoefficient(ChannelAmp, -1, AttributeTao, 2), ErrUnknownLevel},
		{"gain on unloaded level", p.SetFilterCoefficient(ChannelAmp, 0, AttributeGain, 1), ErrUnknownLevel},
		{"raw channel", p.SetFilterChannel("gain", Levels{{1, 0}}), ErrUnknownChannel},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, StateFailed, tt.m.State())
			assert.True(t, errors.Is(tt.m.Err(), tt.want), tt.m.Err())
		})
	}
	assert.Equal(t, 0, svc.callCount())
}

type recordingObserver struct {
	mu      sync.Mutex
	started []string
	settled []MutationState
}

func (r *recordingObserver) MutationStarted(m *PendingMutation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, m.Target)
}

func (r *recordingObserver) MutationSettled(m *PendingMutation, _ Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.settled = append(r.settled, m.State())
}

func TestPipelineNotifiesObservers(t *testing.T) {
	svc := &instantService{SimulatedService: NewSimulatedService()}
	p := NewPipeline(NewCache(), svc)
	obs := &recordingObserver{}
	p.AddObserver(obs)

	require.NoError(t, p.SetParameter(FieldWarpScale, 2).Wait(waitCtx(t)))
	p.Drain()

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, []string{"warpScale"}, obs.started)
	assert.Equal(t, []MutationState{StateConfirmed}, obs.settled)
}

func TestRefreshMergesRemoteState(t *testing.T) {
	svc := NewSimulatedService()
	cache := NewCache()
	p := NewPipeline(cache, svc)

	require.NoError(t, p.Refresh(waitCtx(t)))
	snap := cache.Snapshot()
	assert.Equal(t, DefaultFilterBank(), snap.Filter)
	assert.Equal(t, 127.0, *snap.Params.GlobalBrightness)
	assert.Len(t, snap.Params.Present(), len(AllFields()))
}

func TestRefreshFailure(t *testing.T) {
	p := NewPipeline(NewCache(), newGatedService())
	err := p.Refresh(waitCtx(t))
	assert.True(t, errors.Is(err, ErrRemoteRequestFailed))
}
