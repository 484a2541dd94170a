package types

import "strconv"

// MaxParameters is the number of positional parameter slots of a capability.
const MaxParameters = 9

// Parameters is the named parameter map handed to a capability entry point.
type Parameters map[string]string

// ParameterName returns the slot name for a 1-based position ("parameter1".."parameter9").
func ParameterName(position int) string {
	return "parameter" + strconv.Itoa(position)
}

// PackPositional packs up to MaxParameters positional values into named slots.
// Missing slots default to "", extra values are dropped.
func PackPositional(values ...string) Parameters {
	p := make(Parameters, MaxParameters)
	for i := 1; i <= MaxParameters; i++ {
		v := ""
		if i <= len(values) {
			v = values[i-1]
		}
		p[ParameterName(i)] = v
	}
	return p
}

// Positional returns the slot values in order.
func (p Parameters) Positional() []string {
	out := make([]string, MaxParameters)
	for i := 1; i <= MaxParameters; i++ {
		out[i-1] = p[ParameterName(i)]
	}
	return out
}

// Get returns the 1-based positional value.
func (p Parameters) Get(position int) string {
	return p[ParameterName(position)]
}

// Clone returns a copy with extra merged on top.
func (p Parameters) Clone(extra map[string]string) Parameters {
	out := make(Parameters, len(p)+len(extra))
	for k, v := range p {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}
