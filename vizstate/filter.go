package vizstate

import (
	"encoding/json"
	"fmt"
)

// Channel selects one of the two filter bands.
type Channel string

const (
	ChannelAmp  Channel = "amp"
	ChannelDiff Channel = "diff"
)

// Channels lists the filter channels in a fixed order.
var Channels = []Channel{ChannelAmp, ChannelDiff}

// ParseChannel validates a channel name.
func ParseChannel(name string) (Channel, error) {
	switch Channel(name) {
	case ChannelAmp, ChannelDiff:
		return Channel(name), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownChannel, name)
}

// Attribute selects which half of the (gain, tao) view an edit changes.
type Attribute string

const (
	AttributeGain Attribute = "gain"
	AttributeTao  Attribute = "tao"
)

// ParseAttribute validates an attribute name.
func ParseAttribute(name string) (Attribute, error) {
	switch Attribute(name) {
	case AttributeGain, AttributeTao:
		return Attribute(name), nil
	}
	return "", fmt.Errorf("unknown filter attribute %q", name)
}

// Levels is the ordered level sequence of one channel. It travels as the
// flat coefficient list [c0_0, c1_0, c0_1, c1_1, ...].
type Levels []Coefficients

// LevelsFromFlat splits a flat coefficient list into levels.
func LevelsFromFlat(flat []float64) (Levels, error) {
	if len(flat)%2 != 0 {
		return nil, fmt.Errorf("coefficient list has odd length %d", len(flat))
	}
	levels := make(Levels, len(flat)/2)
	for i := range levels {
		levels[i] = Coefficients{flat[2*i], flat[2*i+1]}
	}
	return levels, nil
}

// Flat returns the wire form of l.
func (l Levels) Flat() []float64 {
	out := make([]float64, 0, 2*len(l))
	for _, c := range l {
		out = append(out, c[0], c[1])
	}
	return out
}

// Clone copies l.
func (l Levels) Clone() Levels {
	if l == nil {
		return nil
	}
	out := make(Levels, len(l))
	copy(out, l)
	return out
}

func (l Levels) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.Flat())
}

func (l *Levels) UnmarshalJSON(data []byte) error {
	// null elements would otherwise decode as 0
	var elems []*float64
	if err := json.Unmarshal(data, &elems); err != nil {
		return err
	}
	if elems == nil {
		*l = nil
		return nil
	}
	flat := make([]float64, len(elems))
	for i, v := range elems {
		if v == nil {
			return fmt.Errorf("coefficient %d is null", i)
		}
		flat[i] = *v
	}
	levels, err := LevelsFromFlat(flat)
	if err != nil {
		return err
	}
	*l = levels
	return nil
}

// FilterView is the user-facing reading of one level.
type FilterView struct {
	Gain        float64 `json:"gain"`
	Tao         float64 `json:"tao"`
	SliderCoord float64 `json:"taoSlider"`
}

// ViewOf derives the (gain, tao) view of a pair.
func ViewOf(c Coefficients) FilterView {
	t := Tao(c)
	return FilterView{Gain: Gain(c), Tao: t, SliderCoord: ToSliderCoordinate(t)}
}

// FilterBank holds both channels.
type FilterBank struct {
	Amp  Levels `json:"amp"`
	Diff Levels `json:"diff"`
}

// Channel returns the levels of ch, or nil for an unknown channel.
func (fb FilterBank) Channel(ch Channel) Levels {
	switch ch {
	case ChannelAmp:
		return fb.Amp
	case ChannelDiff:
		return fb.Diff
	}
	return nil
}

func (fb *FilterBank) setChannel(ch Channel, levels Levels) {
	switch ch {
	case ChannelAmp:
		fb.Amp = levels
	case ChannelDiff:
		fb.Diff = levels
	}
}

// Clone deep-copies the bank.
func (fb FilterBank) Clone() FilterBank {
	return FilterBank{Amp: fb.Amp.Clone(), Diff: fb.Diff.Clone()}
}

// View derives the (gain, tao) view of one level.
func (fb FilterBank) View(ch Channel, level int) (FilterView, error) {
	levels := fb.Channel(ch)
	if level < 0 || level >= len(levels) {
		return FilterView{}, fmt.Errorf("%w: %s[%d]", ErrUnknownLevel, ch, level)
	}
	return ViewOf(levels[level]), nil
}

// Snapshot is the full remote state at one instant.
type Snapshot struct {
	Params Parameters `json:"params"`
	Filter FilterBank `json:"filter"`
}

// Clone deep-copies the snapshot.
func (s Snapshot) Clone() Snapshot {
	return Snapshot{Params: s.Params.Clone(), Filter: s.Filter.Clone()}
}
