package mdp

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Metric is one named observation value.
type Metric struct {
	Name  string
	Value float64
}

// Observation is an ordered mapping of metric names to values.
type Observation []Metric

// Get returns the value of name.
func (o Observation) Get(name string) (float64, bool) {
	for _, m := range o {
		if m.Name == name {
			return m.Value, true
		}
	}
	return 0, false
}

// Values returns the values in order, e.g. as a policy input vector.
func (o Observation) Values() []float64 {
	values := make([]float64, len(o))
	for i, m := range o {
		values[i] = m.Value
	}
	return values
}

// Map returns an unordered copy.
func (o Observation) Map() map[string]float64 {
	out := make(map[string]float64, len(o))
	for _, m := range o {
		out[m.Name] = m.Value
	}
	return out
}

// MarshalJSON encodes the observation as a JSON object preserving order.
func (o Observation) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, m := range o {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(m.Name)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(m.Value)
		if err != nil {
			return nil, fmt.Errorf("mdp: metric %s: %w", m.Name, err)
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Action is a normalized decision vector.
type Action []float64

// DecodeAction parses an action carried on the actions topic: a JSON array,
// or a bare number for single-valued spaces.
func DecodeAction(data []byte) (Action, error) {
	var action Action
	if err := json.Unmarshal(data, &action); err == nil {
		return action, nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("mdp: decode action: %w", err)
	}
	return Action{v}, nil
}
