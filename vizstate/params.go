package vizstate

import (
	"fmt"
	"sort"
)

// Field names a tunable parameter. The string value is the name the remote
// service and profile records use.
type Field string

// Parameter fields understood by the display process.
const (
	FieldGlobalBrightness Field = "gbr"
	FieldPeriod           Field = "period"
	FieldSaturation       Field = "br"
	FieldSaturationOffset Field = "satOffset"
	FieldGain             Field = "gain"
	FieldGainOffset       Field = "offset"
	FieldValueOffset1     Field = "valueOffset1"
	FieldValueOffset2     Field = "valueOffset2"
	FieldAlpha            Field = "alpha"
	FieldAlphaOffset      Field = "alphaOffset"
	FieldDifferentialGain Field = "diff"
	FieldPreemphasis      Field = "pre"
	FieldWarpScale        Field = "warpScale"
	FieldWarpOffset       Field = "warpOffset"
	FieldScale            Field = "scale"
	FieldScaleOffset      Field = "scaleOffset"
	FieldSync             Field = "sync"
)

// Parameters is the server-owned tuning record. A nil field has not been
// reported by the server yet. The same type is used for partial updates.
type Parameters struct {
	GlobalBrightness *float64 `json:"gbr,omitempty"`
	Period           *float64 `json:"period,omitempty"`
	Saturation       *float64 `json:"br,omitempty"`
	SaturationOffset *float64 `json:"satOffset,omitempty"`
	Gain             *float64 `json:"gain,omitempty"`
	GainOffset       *float64 `json:"offset,omitempty"`
	ValueOffset1     *float64 `json:"valueOffset1,omitempty"`
	ValueOffset2     *float64 `json:"valueOffset2,omitempty"`
	Alpha            *float64 `json:"alpha,omitempty"`
	AlphaOffset      *float64 `json:"alphaOffset,omitempty"`
	DifferentialGain *float64 `json:"diff,omitempty"`
	Preemphasis      *float64 `json:"pre,omitempty"`
	WarpScale        *float64 `json:"warpScale,omitempty"`
	WarpOffset       *float64 `json:"warpOffset,omitempty"`
	Scale            *float64 `json:"scale,omitempty"`
	ScaleOffset      *float64 `json:"scaleOffset,omitempty"`
	Sync             *float64 `json:"sync,omitempty"`
}

type fieldSlot struct {
	field Field
	label string
	slot  func(*Parameters) **float64
}

var fieldTable = []fieldSlot{
	{FieldGlobalBrightness, "Global Brightness", func(p *Parameters) **float64 { return &p.GlobalBrightness }},
	{FieldPeriod, "Period", func(p *Parameters) **float64 { return &p.Period }},
	{FieldSaturation, "Saturation", func(p *Parameters) **float64 { return &p.Saturation }},
	{FieldSaturationOffset, "Saturation Offset", func(p *Parameters) **float64 { return &p.SaturationOffset }},
	{FieldGain, "Intensity", func(p *Parameters) **float64 { return &p.Gain }},
	{FieldGainOffset, "Intensity Offset", func(p *Parameters) **float64 { return &p.GainOffset }},
	{FieldValueOffset1, "Value Offset 1", func(p *Parameters) **float64 { return &p.ValueOffset1 }},
	{FieldValueOffset2, "Value Offset 2", func(p *Parameters) **float64 { return &p.ValueOffset2 }},
	{FieldAlpha, "Alpha", func(p *Parameters) **float64 { return &p.Alpha }},
	{FieldAlphaOffset, "Alpha Offset", func(p *Parameters) **float64 { return &p.AlphaOffset }},
	{FieldDifferentialGain, "Differential Intensity", func(p *Parameters) **float64 { return &p.DifferentialGain }},
	{FieldPreemphasis, "Preemphasis", func(p *Parameters) **float64 { return &p.Preemphasis }},
	{FieldWarpScale, "Warp Intensity", func(p *Parameters) **float64 { return &p.WarpScale }},
	{FieldWarpOffset, "Warp Offset", func(p *Parameters) **float64 { return &p.WarpOffset }},
	{FieldScale, "Scale", func(p *Parameters) **float64 { return &p.Scale }},
	{FieldScaleOffset, "Scale Offset", func(p *Parameters) **float64 { return &p.ScaleOffset }},
	{FieldSync, "Color Sync Force", func(p *Parameters) **float64 { return &p.Sync }},
}

var fieldIndex = func() map[Field]int {
	m := make(map[Field]int, len(fieldTable))
	for i, fs := range fieldTable {
		m[fs.field] = i
	}
	return m
}()

// AllFields returns every known field in display order.
func AllFields() []Field {
	out := make([]Field, len(fieldTable))
	for i, fs := range fieldTable {
		out[i] = fs.field
	}
	return out
}

// ParseField validates a field name coming from the outside world.
func ParseField(name string) (Field, error) {
	f := Field(name)
	if _, ok := fieldIndex[f]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownField, name)
	}
	return f, nil
}

// Label returns the human readable name of the field.
func (f Field) Label() string {
	if i, ok := fieldIndex[f]; ok {
		return fieldTable[i].label
	}
	return string(f)
}

// Get reports the value of f and whether it is present.
func (p Parameters) Get(f Field) (float64, bool) {
	i, ok := fieldIndex[f]
	if !ok {
		return 0, false
	}
	v := *fieldTable[i].slot(&p)
	if v == nil {
		return 0, false
	}
	return *v, true
}

// Set stores v under f. Unknown fields are ignored and reported as false.
func (p *Parameters) Set(f Field, v float64) bool {
	i, ok := fieldIndex[f]
	if !ok {
		return false
	}
	*fieldTable[i].slot(p) = &v
	return true
}

// Present lists the fields that carry a value, in display order.
func (p Parameters) Present() []Field {
	var out []Field
	for _, fs := range fieldTable {
		if *fs.slot(&p) != nil {
			out = append(out, fs.field)
		}
	}
	return out
}

// IsEmpty reports whether no field is present.
func (p Parameters) IsEmpty() bool {
	return len(p.Present()) == 0
}

// Merge overwrites every field present in partial and leaves the rest alone.
func (p *Parameters) Merge(partial Parameters) {
	for _, fs := range fieldTable {
		if v := *fs.slot(&partial); v != nil {
			val := *v
			*fs.slot(p) = &val
		}
	}
}

// Clone returns a copy that shares no pointers with p.
func (p Parameters) Clone() Parameters {
	var out Parameters
	out.Merge(p)
	return out
}

// Values flattens the present fields into a map, mostly for logging and
// publishing.
func (p Parameters) Values() map[Field]float64 {
	out := make(map[Field]float64)
	for _, f := range p.Present() {
		v, _ := p.Get(f)
		out[f] = v
	}
	return out
}

// String renders present fields sorted by name.
func (p Parameters) String() string {
	vals := p.Values()
	keys := make([]string, 0, len(vals))
	for f := range vals {
		keys = append(keys, string(f))
	}
	sort.Strings(keys)
	s := "{"
	for i, k := range keys {
		if i > 0 {
			s += " "
		}
		s += fmt.Sprintf("%s:%g", k, vals[Field(k)])
	}
	return s + "}"
}

// Float returns a pointer to v, for building partial records.
func Float(v float64) *float64 {
	return &v
}
