package vizstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
)

// DefaultProfileKey is the storage key used when no profile name is given.
// Named profiles live under "profile.<name>".
const DefaultProfileKey = "profile"

// ProfileKey returns the storage key for a profile name.
func ProfileKey(name string) string {
	if name == "" {
		return DefaultProfileKey
	}
	return DefaultProfileKey + "." + name
}

// ProfileBackend is durable text storage keyed by string. Get reports false
// when no record exists.
type ProfileBackend interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Put(ctx context.Context, key, record string) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
}

type profileRecord struct {
	Params *Parameters    `json:"params"`
	Filter *profileFilter `json:"filter"`
}

type profileFilter struct {
	Amp  *Levels `json:"amp,omitempty"`
	Diff *Levels `json:"diff,omitempty"`
}

func (pf *profileFilter) channel(ch Channel) *Levels {
	switch ch {
	case ChannelAmp:
		return pf.Amp
	case ChannelDiff:
		return pf.Diff
	}
	return nil
}

// ProfileStore checkpoints the cache into named profiles and restores them
// by replaying every value through the pipeline, so a load converges the
// same way manual edits do.
type ProfileStore struct {
	backend  ProfileBackend
	pipeline *Pipeline
}

// NewProfileStore returns a store reading snapshots from pipeline's cache.
func NewProfileStore(backend ProfileBackend, pipeline *Pipeline) *ProfileStore {
	return &ProfileStore{backend: backend, pipeline: pipeline}
}

// Save writes the current snapshot under name, replacing any earlier record.
func (s *ProfileStore) Save(ctx context.Context, name string) error {
	snap := s.pipeline.Cache().Snapshot()

	rec := profileRecord{Params: &snap.Params, Filter: &profileFilter{}}
	if snap.Filter.Amp != nil {
		rec.Filter.Amp = &snap.Filter.Amp
	}
	if snap.Filter.Diff != nil {
		rec.Filter.Diff = &snap.Filter.Diff
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return &ProfileError{Name: name, Err: fmt.Errorf("failed to marshal profile: %w", err)}
	}
	if err := s.backend.Put(ctx, ProfileKey(name), string(data)); err != nil {
		return &ProfileError{Name: name, Err: fmt.Errorf("failed to store profile: %w", err)}
	}
	return nil
}

// Load restores the profile stored under name. Missing records fail with
// ErrProfileNotFound and unparsable ones with ErrProfileCorrupt; in both
// cases nothing is sent and the cache is untouched. Otherwise every stored
// field and channel is pushed through the pipeline and Load waits for all of
// them; failures are joined.
func (s *ProfileStore) Load(ctx context.Context, name string) error {
	rec, err := s.read(ctx, name)
	if err != nil {
		return err
	}

	var pending []*PendingMutation
	for _, f := range rec.Params.Present() {
		v, _ := rec.Params.Get(f)
		pending = append(pending, s.pipeline.SetParameter(f, v))
	}
	for _, ch := range Channels {
		if levels := rec.Filter.channel(ch); levels != nil {
			pending = append(pending, s.pipeline.SetFilterChannel(ch, *levels))
		}
	}

	var errs []error
	for _, m := range pending {
		if err := m.Wait(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return &ProfileError{Name: name, Err: errors.Join(errs...)}
	}
	log.Printf("Loaded profile %q (%d mutations)", name, len(pending))
	return nil
}

// Read parses the stored profile without applying it.
func (s *ProfileStore) Read(ctx context.Context, name string) (Snapshot, error) {
	rec, err := s.read(ctx, name)
	if err != nil {
		return Snapshot{}, err
	}
	snap := Snapshot{Params: rec.Params.Clone()}
	for _, ch := range Channels {
		if levels := rec.Filter.channel(ch); levels != nil {
			snap.Filter.setChannel(ch, levels.Clone())
		}
	}
	return snap, nil
}

// List returns the stored profile names, sorted. The default profile is
// reported as the empty name.
func (s *ProfileStore) List(ctx context.Context) ([]string, error) {
	keys, err := s.backend.Keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list profiles: %w", err)
	}
	var names []string
	for _, k := range keys {
		switch {
		case k == DefaultProfileKey:
			names = append(names, "")
		case strings.HasPrefix(k, DefaultProfileKey+"."):
			names = append(names, strings.TrimPrefix(k, DefaultProfileKey+"."))
		}
	}
	sort.Strings(names)
	return names, nil
}

// Delete removes the stored profile.
func (s *ProfileStore) Delete(ctx context.Context, name string) error {
	if _, ok, err := s.backend.Get(ctx, ProfileKey(name)); err != nil {
		return &ProfileError{Name: name, Err: fmt.Errorf("failed to read profile: %w", err)}
	} else if !ok {
		return &ProfileError{Name: name, Err: ErrProfileNotFound}
	}
	if err := s.backend.Delete(ctx, ProfileKey(name)); err != nil {
		return &ProfileError{Name: name, Err: fmt.Errorf("failed to delete profile: %w", err)}
	}
	return nil
}

func (s *ProfileStore) read(ctx context.Context, name string) (*profileRecord, error) {
	raw, ok, err := s.backend.Get(ctx, ProfileKey(name))
	if err != nil {
		return nil, &ProfileError{Name: name, Err: fmt.Errorf("failed to read profile: %w", err)}
	}
	raw = strings.TrimSpace(raw)
	if !ok || raw == "" || raw == "null" {
		return nil, &ProfileError{Name: name, Err: ErrProfileNotFound}
	}

	rec, err := parseProfile([]byte(raw))
	if err != nil {
		return nil, &ProfileError{Name: name, Err: fmt.Errorf("%w: %v", ErrProfileCorrupt, err)}
	}
	return rec, nil
}

func parseProfile(data []byte) (*profileRecord, error) {
	var rec profileRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	if rec.Params == nil {
		return nil, errors.New("missing params")
	}
	if rec.Filter == nil {
		return nil, errors.New("missing filter")
	}
	return &rec, nil
}
