package actuator

import (
	"encoding/json"
	"fmt"
)

// Resolution is a raw video frame size in pixels.
type Resolution struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Command is one actuation instruction. Absent fields are left untouched.
type Command struct {
	// Bitrate in kbps.
	Bitrate       *float64    `json:"bitrate,omitempty"`
	Resolution    *Resolution `json:"resolution,omitempty"`
	Framerate     *int        `json:"framerate,omitempty"`
	FECPercentage *int        `json:"fec_percentage,omitempty"`
	// FECIndex selects a single transceiver for FECPercentage. Nil or negative
	// protects every transceiver.
	FECIndex *int `json:"fec_index,omitempty"`
}

// BitrateCommand returns a command carrying only a bitrate in kbps.
func BitrateCommand(kbps float64) Command {
	return Command{Bitrate: &kbps}
}

// Empty reports whether the command carries no instruction.
func (c Command) Empty() bool {
	return c.Bitrate == nil && c.Resolution == nil && c.Framerate == nil && c.FECPercentage == nil
}

// Equal reports whether both commands carry the same instructions.
func (c Command) Equal(other Command) bool {
	return eqPtr(c.Bitrate, other.Bitrate) &&
		eqPtr(c.Resolution, other.Resolution) &&
		eqPtr(c.Framerate, other.Framerate) &&
		eqPtr(c.FECPercentage, other.FECPercentage) &&
		eqPtr(c.FECIndex, other.FECIndex)
}

func (c Command) String() string {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Sprintf("command(%v)", err)
	}
	return string(data)
}

// DecodeCommand parses a JSON command as carried on the actions topic.
func DecodeCommand(data []byte) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return Command{}, fmt.Errorf("actuator: decode command: %w", err)
	}
	return cmd, nil
}

func eqPtr[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
