package mdp

import "math"

// Box is a bounded, fixed-size real-valued space.
type Box struct {
	Name  string
	Low   float64
	High  float64
	Size  int
	DType string
}

// Contains reports whether v lies within the bounds.
func (b Box) Contains(v float64) bool {
	return !math.IsNaN(v) && v >= b.Low && v <= b.High
}

// Clip bounds v to [Low, High]. NaN maps to Low.
func (b Box) Clip(v float64) float64 {
	switch {
	case math.IsNaN(v), v < b.Low:
		return b.Low
	case v > b.High:
		return b.High
	default:
		return v
	}
}

// ObservationSpace is the ordered schema of an Observation.
type ObservationSpace []Box

// Names returns the metric names in schema order.
func (s ObservationSpace) Names() []string {
	names := make([]string, len(s))
	for i, b := range s {
		names[i] = b.Name
	}
	return names
}

// Contains reports whether obs has exactly the schema's keys, in order, with
// every value inside its bounds.
func (s ObservationSpace) Contains(obs Observation) bool {
	if len(obs) != len(s) {
		return false
	}
	for i, b := range s {
		if obs[i].Name != b.Name || !b.Contains(obs[i].Value) {
			return false
		}
	}
	return true
}

// ActionSpace is the schema of an Action.
type ActionSpace Box

// Contains reports whether action has the right size and bounded values.
func (s ActionSpace) Contains(action Action) bool {
	if len(action) != s.Size {
		return false
	}
	for _, v := range action {
		if !Box(s).Contains(v) {
			return false
		}
	}
	return true
}

// Clip bounds every component of action.
func (s ActionSpace) Clip(action Action) Action {
	out := make(Action, len(action))
	for i, v := range action {
		out[i] = Box(s).Clip(v)
	}
	return out
}
