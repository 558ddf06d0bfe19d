// Package stats models the per-interval transport statistics reported by a
// WebRTC sender and provides the delta arithmetic every derived metric is
// built on.
//
// A Snapshot is keyed by stat id (e.g. "rtp-outbound-stream_1234"). Each entry
// is a Stat: a flat mapping of counter/gauge names to values as reported by the
// producer. Counters only grow within an episode; timestamps only increase.
package stats

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Categories consumed by the translator.
const (
	// CategoryOutbound holds local send-side counters.
	CategoryOutbound = "rtp-outbound-stream"
	// CategoryRemoteInbound holds receiver-reported counters (RTCP report blocks).
	CategoryRemoteInbound = "rtp-remote-inbound-stream"
)

// Field names used by the translator.
const (
	FieldType            = "type"
	FieldPacketsSent     = "packets-sent"
	FieldBytesSent       = "bytes-sent"
	FieldPacketsReceived = "packets-received"
	FieldBytesReceived   = "bytes-received"
	FieldNackCount       = "nack-count"
	FieldPliCount        = "pli-count"
	FieldTimestamp       = "timestamp"
	FieldClockRate       = "clock-rate"
	FieldSSRC            = "ssrc"

	FieldPacketsLost  = "rb-packetslost"
	FieldRoundTrip    = "rb-round-trip"
	FieldJitter       = "rb-jitter"
	FieldFractionLost = "rb-fractionlost"
	FieldExtHighSeq   = "rb-exthighestseq"
)

// Stat is one stat structure: named counters, gauges and a few string fields.
type Stat map[string]interface{}

// Snapshot is one sampling interval worth of stat structures keyed by id.
type Snapshot map[string]Stat

// Float returns the numeric value of field, or 0 when it is absent or not numeric.
func (s Stat) Float(field string) float64 {
	if s == nil {
		return 0
	}
	v, ok := toFloat(s[field])
	if !ok {
		return 0
	}
	return v
}

// Has reports whether field is present with a numeric value.
func (s Stat) Has(field string) bool {
	if s == nil {
		return false
	}
	_, ok := toFloat(s[field])
	return ok
}

// Clone returns a copy that shares no maps with s.
func (s Snapshot) Clone() Snapshot {
	if s == nil {
		return nil
	}
	out := make(Snapshot, len(s))
	for id, st := range s {
		cp := make(Stat, len(st))
		for k, v := range st {
			cp[k] = v
		}
		out[id] = cp
	}
	return out
}

// Find returns the stat belonging to category. An entry matches when its id
// equals the category, starts with "<category>_" or carries the category in
// its "type" field. With several matches the lowest id wins.
func Find(snapshot Snapshot, category string) (Stat, bool) {
	if snapshot == nil {
		return nil, false
	}
	if st, ok := snapshot[category]; ok {
		return st, true
	}

	ids := make([]string, 0, len(snapshot))
	for id := range snapshot {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		st := snapshot[id]
		if strings.HasPrefix(id, category+"_") {
			return st, true
		}
		if t, ok := st[FieldType].(string); ok && t == category {
			return st, true
		}
	}
	return nil, false
}

// Diff returns current[field] - previous[field], or current[field] when there
// is no previous stat. It is the per-interval delta for monotonically growing
// counters. Absent fields read as zero.
func Diff(current, previous Stat, field string) float64 {
	if previous == nil {
		return current.Float(field)
	}
	return current.Float(field) - previous.Float(field)
}

// Decode parses a JSON-encoded snapshot as carried on the stats topic.
func Decode(data []byte) (Snapshot, error) {
	var raw map[string]map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("stats: decode snapshot: %w", err)
	}
	snapshot := make(Snapshot, len(raw))
	for id, fields := range raw {
		snapshot[id] = Stat(fields)
	}
	return snapshot, nil
}

// Encode serializes a snapshot for the stats topic.
func Encode(snapshot Snapshot) ([]byte, error) {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return nil, fmt.Errorf("stats: encode snapshot: %w", err)
	}
	return data, nil
}

// FromValues normalizes a nested value tree (as produced by GStreamer
// structures) into a Snapshot. Top-level entries that are not themselves maps
// are ignored; numeric leaves are converted to float64.
func FromValues(values map[string]interface{}) Snapshot {
	snapshot := make(Snapshot, len(values))
	for id, v := range values {
		fields, ok := v.(map[string]interface{})
		if !ok {
			continue
		}
		st := make(Stat, len(fields))
		for name, fv := range fields {
			if f, ok := toFloat(fv); ok {
				st[name] = f
				continue
			}
			st[name] = fv
		}
		snapshot[id] = st
	}
	return snapshot
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
