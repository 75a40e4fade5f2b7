package vizstate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimulatorDefaults(t *testing.T) {
	s := NewSimulatedService()
	snap, err := s.Query(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 127.0, *snap.Params.GlobalBrightness)
	assert.Equal(t, 24.0, *snap.Params.Period)
	assert.Equal(t, 0.0, *snap.Params.Alpha)
	assert.Equal(t, DefaultFilterBank(), snap.Filter)
}

func TestSimulatorTruncatesPeriod(t *testing.T) {
	s := NewSimulatedService()
	got, err := s.SetParameters(context.Background(), Parameters{Period: Float(12.7)})
	require.NoError(t, err)
	assert.Equal(t, 12.0, *got.Period)
	assert.Equal(t, 127.0, *got.GlobalBrightness)
}

func TestSimulatorSetFilter(t *testing.T) {
	s := NewSimulatedService()
	ctx := context.Background()

	levels, err := s.SetFilter(ctx, FilterRequest{Channel: ChannelAmp, Level: 1, Tao: 4})
	require.NoError(t, err)
	require.Len(t, levels, 2)
	assert.Equal(t, Coefficients{0.8, 0.2}, levels[0])
	assert.InDelta(t, 1.0, Gain(levels[1]), 1e-12)
	assert.InDelta(t, 4.0, Tao(levels[1]), 1e-12)

	_, err = s.SetFilter(ctx, FilterRequest{Channel: ChannelAmp, Level: 0, Tao: 0.5})
	assert.Error(t, err)
	_, err = s.SetFilter(ctx, FilterRequest{Channel: ChannelDiff, Level: 2, Tao: 2})
	assert.Error(t, err)
	_, err = s.SetFilter(ctx, FilterRequest{Channel: "gain", Level: 0, Tao: 2})
	assert.Error(t, err)
}

func TestSimulatorSetRawFilter(t *testing.T) {
	s := NewSimulatedService()
	ctx := context.Background()

	stored, err := s.SetRawFilter(ctx, ChannelDiff, Levels{{0.3, 0.7}, {0.1, 0.9}, {0, 1}})
	require.NoError(t, err)
	assert.Len(t, stored, 3)

	snap, err := s.Query(ctx)
	require.NoError(t, err)
	assert.Equal(t, stored, snap.Filter.Diff)

	_, err = s.SetRawFilter(ctx, ChannelDiff, nil)
	assert.Error(t, err)
}

func TestSimulatorLatencyHonorsContext(t *testing.T) {
	s := NewSimulatedService()
	s.Latency = time.Hour
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := s.Query(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}
