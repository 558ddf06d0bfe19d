// Package actuator applies commands (bitrate, resolution, framerate, FEC
// percentage) to a live sending pipeline.
//
// Controller holds the encoder and transceiver logic against a minimal
// element interface so it can run without GStreamer; package pipeline binds
// it to real elements.
package actuator

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"

	"github.com/birkandenizer/gstwebrtcapp/internal/metrics"
)

var (
	// ErrUnsupportedEncoder is returned for encoders whose bitrate property
	// is unknown.
	ErrUnsupportedEncoder = errors.New("actuator: unsupported encoder")
	// ErrNoTransceivers is returned when FEC is set before any transceiver
	// is known.
	ErrNoTransceivers = errors.New("actuator: no transceivers")
	// ErrTransceiverIndex is returned for an out-of-range transceiver index.
	ErrTransceiverIndex = errors.New("actuator: transceiver index out of range")
	// ErrInvalidValue is returned for non-positive sizes or out-of-range
	// percentages.
	ErrInvalidValue = errors.New("actuator: invalid value")
	// ErrNoElement is returned when a required element is missing.
	ErrNoElement = errors.New("actuator: missing element")
)

// Actuator applies commands to a live stream.
type Actuator interface {
	Apply(cmd Command) error
}

// Element is the property surface of a pipeline element or transceiver.
type Element interface {
	SetProperty(name string, value interface{}) error
}

// CapsFunc builds a caps value from its string form.
type CapsFunc func(caps string) interface{}

// Elements are the pipeline parts the controller drives.
type Elements struct {
	Encoder Element
	// EncoderFactory is the encoder's factory name, e.g. "x264enc".
	EncoderFactory string
	RawCapsFilter  Element
	NewCaps        CapsFunc
}

// Settings is the current actuation state.
type Settings struct {
	BitrateKbps   float64
	Width         int
	Height        int
	Framerate     int
	FECPercentage int
	// CUDA selects CUDA memory in the raw caps.
	CUDA bool
}

type bitrateProp struct {
	name  string
	scale float64 // kbps multiplier
	floor float64
}

// bitrateProperty maps an encoder factory to its bitrate property.
func bitrateProperty(factory string) (bitrateProp, error) {
	switch {
	case strings.HasPrefix(factory, "nv"), strings.HasPrefix(factory, "x26"):
		return bitrateProp{name: "bitrate", scale: 1, floor: 1}, nil
	case strings.HasPrefix(factory, "vp"):
		return bitrateProp{name: "target-bitrate", scale: 1000}, nil
	default:
		return bitrateProp{}, fmt.Errorf("%w: %q", ErrUnsupportedEncoder, factory)
	}
}

// RawCaps renders the raw video caps for s.
func RawCaps(s Settings) string {
	memory := ""
	if s.CUDA {
		memory = "(memory:CUDAMemory)"
	}
	return fmt.Sprintf("video/x-raw%s,format=I420,width=%d,height=%d,framerate=%d/1",
		memory, s.Width, s.Height, s.Framerate)
}

// Controller applies commands to one sending pipeline. Safe for concurrent use.
type Controller struct {
	mu           sync.Mutex
	el           Elements
	bitrate      bitrateProp
	transceivers []Element
	current      Settings
	last         *Command
}

var _ Actuator = (*Controller)(nil)

// NewController validates el and records initial as the current settings.
// Nothing is applied until Init or Apply.
func NewController(el Elements, initial Settings) (*Controller, error) {
	if el.Encoder == nil {
		return nil, fmt.Errorf("%w: encoder", ErrNoElement)
	}
	prop, err := bitrateProperty(el.EncoderFactory)
	if err != nil {
		return nil, err
	}
	return &Controller{el: el, bitrate: prop, current: initial}, nil
}

// Init applies the initial bitrate and caps.
func (c *Controller) Init() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.setBitrate(c.current.BitrateKbps); err != nil {
		return err
	}
	if c.el.RawCapsFilter != nil {
		return c.applyCaps(c.current)
	}
	return nil
}

// Settings returns a copy of the current settings.
func (c *Controller) Settings() Settings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// SetTransceivers installs the negotiated transceivers and applies the
// current FEC percentage to all of them.
func (c *Controller) SetTransceivers(ts []Element) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.transceivers = ts
	c.last = nil
	if len(ts) == 0 {
		return ErrNoTransceivers
	}
	slog.Info("actuator transceivers ready", "count", len(ts))
	return c.setFEC(c.current.FECPercentage, -1)
}

func (c *Controller) SetBitrate(kbps float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.last = nil
	err := c.setBitrate(kbps)
	metrics.Actuation("bitrate", err)
	return err
}

func (c *Controller) setBitrate(kbps float64) error {
	if math.IsNaN(kbps) || kbps < 0 {
		return fmt.Errorf("%w: bitrate %v", ErrInvalidValue, kbps)
	}
	value := math.Max(math.Round(kbps*c.bitrate.scale), c.bitrate.floor)

	var v interface{} = uint(value)
	if c.bitrate.name == "target-bitrate" {
		v = int(value)
	}
	if err := c.el.Encoder.SetProperty(c.bitrate.name, v); err != nil {
		return fmt.Errorf("actuator: set %s: %w", c.bitrate.name, err)
	}

	c.current.BitrateKbps = kbps
	metrics.BitrateApplied(kbps)
	slog.Debug("actuator bitrate set", "encoder", c.el.EncoderFactory, "kbps", kbps)
	return nil
}

func (c *Controller) SetResolution(width, height int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.last = nil
	err := c.setResolution(width, height)
	metrics.Actuation("resolution", err)
	return err
}

func (c *Controller) setResolution(width, height int) error {
	if width <= 0 || height <= 0 {
		return fmt.Errorf("%w: resolution %dx%d", ErrInvalidValue, width, height)
	}
	next := c.current
	next.Width, next.Height = width, height
	if err := c.applyCaps(next); err != nil {
		return err
	}
	c.current = next
	return nil
}

func (c *Controller) SetFramerate(fps int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.last = nil
	err := c.setFramerate(fps)
	metrics.Actuation("framerate", err)
	return err
}

func (c *Controller) setFramerate(fps int) error {
	if fps <= 0 {
		return fmt.Errorf("%w: framerate %d", ErrInvalidValue, fps)
	}
	next := c.current
	next.Framerate = fps
	if err := c.applyCaps(next); err != nil {
		return err
	}
	c.current = next
	return nil
}

func (c *Controller) applyCaps(s Settings) error {
	if c.el.RawCapsFilter == nil || c.el.NewCaps == nil {
		return fmt.Errorf("%w: raw caps filter", ErrNoElement)
	}
	caps := RawCaps(s)
	if err := c.el.RawCapsFilter.SetProperty("caps", c.el.NewCaps(caps)); err != nil {
		return fmt.Errorf("actuator: set caps: %w", err)
	}
	slog.Debug("actuator caps set", "caps", caps)
	return nil
}

// SetFECPercentage sets the FEC percentage on the transceiver at index, or
// on every transceiver when index is negative.
func (c *Controller) SetFECPercentage(percentage, index int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.last = nil
	err := c.setFEC(percentage, index)
	metrics.Actuation("fec", err)
	return err
}

func (c *Controller) setFEC(percentage, index int) error {
	if percentage < 0 || percentage > 100 {
		return fmt.Errorf("%w: fec percentage %d", ErrInvalidValue, percentage)
	}
	if len(c.transceivers) == 0 {
		return ErrNoTransceivers
	}

	targets := c.transceivers
	if index >= 0 {
		if index >= len(c.transceivers) {
			return fmt.Errorf("%w: %d of %d", ErrTransceiverIndex, index, len(c.transceivers))
		}
		targets = c.transceivers[index : index+1]
	}
	for i, t := range targets {
		if err := t.SetProperty("fec-percentage", uint(percentage)); err != nil {
			return fmt.Errorf("actuator: set fec-percentage on transceiver %d: %w", i, err)
		}
	}

	c.current.FECPercentage = percentage
	slog.Debug("actuator fec set", "percentage", percentage, "index", index)
	return nil
}

// Apply applies every field present in cmd. A command identical to the last
// successfully applied one is a no-op unless a direct setter ran since.
func (c *Controller) Apply(cmd Command) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cmd.Empty() {
		return nil
	}
	if c.last != nil && c.last.Equal(cmd) {
		return nil
	}

	var errs []error
	if cmd.Bitrate != nil {
		err := c.setBitrate(*cmd.Bitrate)
		metrics.Actuation("bitrate", err)
		errs = append(errs, err)
	}
	if cmd.Resolution != nil {
		err := c.setResolution(cmd.Resolution.Width, cmd.Resolution.Height)
		metrics.Actuation("resolution", err)
		errs = append(errs, err)
	}
	if cmd.Framerate != nil {
		err := c.setFramerate(*cmd.Framerate)
		metrics.Actuation("framerate", err)
		errs = append(errs, err)
	}
	if cmd.FECPercentage != nil {
		index := -1
		if cmd.FECIndex != nil {
			index = *cmd.FECIndex
		}
		err := c.setFEC(*cmd.FECPercentage, index)
		metrics.Actuation("fec", err)
		errs = append(errs, err)
	}

	if err := errors.Join(errs...); err != nil {
		c.last = nil
		return err
	}
	applied := cmd
	c.last = &applied
	slog.Debug("actuator command applied", "command", cmd.String())
	return nil
}
