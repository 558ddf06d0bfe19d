package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const timestampLayout = "2006-01-02-15_04_05"

// Message is one envelope received from or published to the bus. The topic
// travels out of band in the bus routing and is not part of the payload.
type Message struct {
	Timestamp string `json:"timestamp"`
	ID        string `json:"id"`
	Msg       string `json:"msg"`
	Topic     string `json:"-"`
}

// Time parses the envelope timestamp.
func (m Message) Time() (time.Time, error) {
	return ParseTimestamp(m.Timestamp)
}

// FormatTimestamp renders t as YYYY-MM-DD-HH_MM_SS_mmm.
func FormatTimestamp(t time.Time) string {
	return fmt.Sprintf("%s_%03d", t.Format(timestampLayout), t.Nanosecond()/int(time.Millisecond))
}

// ParseTimestamp is the inverse of FormatTimestamp, in local time.
func ParseTimestamp(s string) (time.Time, error) {
	if len(s) < len(timestampLayout)+4 || s[len(timestampLayout)] != '_' {
		return time.Time{}, fmt.Errorf("relay: bad timestamp %q", s)
	}
	base, err := time.ParseInLocation(timestampLayout, s[:len(timestampLayout)], time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("relay: bad timestamp %q: %w", s, err)
	}
	var ms int
	if _, err := fmt.Sscanf(s[len(timestampLayout)+1:], "%03d", &ms); err != nil {
		return time.Time{}, fmt.Errorf("relay: bad timestamp %q: %w", s, err)
	}
	return base.Add(time.Duration(ms) * time.Millisecond), nil
}

func encodeEnvelope(m Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("relay: encode envelope: %w", err)
	}
	return data, nil
}

func decodeEnvelope(topic string, payload []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(payload, &m); err != nil {
		return Message{}, fmt.Errorf("relay: decode envelope: %w", err)
	}
	if m.Timestamp == "" || m.ID == "" {
		return Message{}, errors.New("relay: decode envelope: missing timestamp or id")
	}
	m.Topic = topic
	return m, nil
}
