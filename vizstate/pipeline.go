package vizstate

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
)

// Pipeline turns user edits into remote mutations. Each edit is merged into
// the cache right away (optimistic), sent to the service on its own
// goroutine, and the service's answer is merged back (confirmed). Failures
// are reported on the handle and never roll the cache back.
//
// There is no generation check: when two edits of the same field race, the
// merge that completes last wins, even if it is the confirmation of the
// older edit.
type Pipeline struct {
	cache   *Cache
	service RemoteService

	mu        sync.RWMutex
	observers []MutationObserver

	inflight sync.WaitGroup
}

// NewPipeline wires a pipeline to the cache it owns writes to and the
// service it talks to.
func NewPipeline(cache *Cache, service RemoteService) *Pipeline {
	return &Pipeline{
		cache:   cache,
		service: service,
	}
}

// Cache returns the cache this pipeline writes to.
func (p *Pipeline) Cache() *Cache {
	return p.cache
}

// AddObserver registers o for mutation lifecycle events.
func (p *Pipeline) AddObserver(o MutationObserver) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.observers = append(p.observers, o)
}

// Refresh queries the full remote state and merges it into the cache.
func (p *Pipeline) Refresh(ctx context.Context) error {
	snap, err := p.service.Query(ctx)
	if err != nil {
		return fmt.Errorf("failed to query remote state: %w", asRemoteErr(err))
	}
	p.cache.MergeSnapshot(snap)
	return nil
}

// SetParameter edits one parameter.
func (p *Pipeline) SetParameter(field Field, value float64) *PendingMutation {
	var partial Parameters
	if !partial.Set(field, value) {
		return failedMutation(KindParameter, string(field), value, fmt.Errorf("%w: %q", ErrUnknownField, field))
	}

	m := newPendingMutation(KindParameter, string(field), value)
	p.cache.MergeParameters(partial)

	p.run(m, func(ctx context.Context) error {
		applied, err := p.service.SetParameters(ctx, partial)
		if err != nil {
			return asRemoteErr(err)
		}
		p.cache.MergeParameters(applied)
		return nil
	})
	return m
}

// SetFilterCoefficient edits the gain or the tao of one filter level. A gain
// edit is sent together with the level's current tao. A tao edit arrives as
// a slider coordinate and is un-mapped before it is sent. The service answers
// with the whole channel, which replaces the cached one.
func (p *Pipeline) SetFilterCoefficient(ch Channel, level int, attr Attribute, value float64) *PendingMutation {
	target := fmt.Sprintf("%s[%d].%s", ch, level, attr)

	if _, err := ParseChannel(string(ch)); err != nil {
		return failedMutation(KindFilter, target, value, err)
	}
	if level < 0 {
		return failedMutation(KindFilter, target, value, fmt.Errorf("%w: %d", ErrUnknownLevel, level))
	}

	current := p.cache.FilterBank().Channel(ch)
	known := level < len(current)

	req := FilterRequest{Channel: ch, Level: level}
	var gain float64
	switch attr {
	case AttributeGain:
		if !known {
			return failedMutation(KindFilter, target, value, fmt.Errorf("%w: %s[%d] not loaded", ErrUnknownLevel, ch, level))
		}
		gain = value
		req.Gain = &gain
		req.Tao = Tao(current[level])
	case AttributeTao:
		req.Tao = FromSliderCoordinate(value)
		if known {
			gain = Gain(current[level])
		}
	default:
		return failedMutation(KindFilter, target, value, fmt.Errorf("unknown filter attribute %q", attr))
	}

	m := newPendingMutation(KindFilter, target, value)
	if known {
		if coeffs, ok := CoefficientsFor(gain, req.Tao); ok {
			p.cache.MergeFilterLevel(ch, level, coeffs)
		}
	}

	p.run(m, func(ctx context.Context) error {
		levels, err := p.service.SetFilter(ctx, req)
		if err != nil {
			return asRemoteErr(err)
		}
		if level >= len(levels) {
			return remoteErr("filter response for %s has %d levels, want more than %d", ch, len(levels), level)
		}
		p.cache.MergeFilterChannel(ch, levels)
		return nil
	})
	return m
}

// SetFilterChannel replaces a channel's raw coefficients. Profile loading
// uses it because profiles already hold raw coefficients.
func (p *Pipeline) SetFilterChannel(ch Channel, levels Levels) *PendingMutation {
	raw := levels.Clone()
	if _, err := ParseChannel(string(ch)); err != nil {
		return failedMutation(KindRawFilter, string(ch), raw.Flat(), err)
	}

	m := newPendingMutation(KindRawFilter, string(ch), raw.Flat())
	p.cache.MergeFilterChannel(ch, raw)

	p.run(m, func(ctx context.Context) error {
		stored, err := p.service.SetRawFilter(ctx, ch, raw)
		if err != nil {
			return asRemoteErr(err)
		}
		if stored == nil {
			return remoteErr("empty rawFilter response for %s", ch)
		}
		p.cache.MergeFilterChannel(ch, stored)
		return nil
	})
	return m
}

// Drain blocks until every mutation started so far has settled.
func (p *Pipeline) Drain() {
	p.inflight.Wait()
}

func (p *Pipeline) run(m *PendingMutation, send func(ctx context.Context) error) {
	p.mu.RLock()
	observers := append([]MutationObserver(nil), p.observers...)
	p.mu.RUnlock()

	for _, o := range observers {
		o.MutationStarted(m)
	}

	p.inflight.Add(1)
	go func() {
		defer p.inflight.Done()

		// Requests run to completion; there is nothing to cancel them with.
		err := send(context.Background())
		m.settle(err)
		if err != nil {
			log.Printf("Warning: %v", m.Err())
		}

		snap := p.cache.Snapshot()
		for _, o := range observers {
			o.MutationSettled(m, snap)
		}
	}()
}

func asRemoteErr(err error) error {
	if errors.Is(err, ErrRemoteRequestFailed) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrRemoteRequestFailed, err)
}
