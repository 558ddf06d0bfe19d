// Package pipeline binds the actuator and the stats producer to a GStreamer
// sending pipeline built from a launch string.
//
// The launch string must name its elements:
//
//	encoder         the video encoder (x264enc, nvh264enc, vp8enc, ...)
//	raw_capsfilter  capsfilter in front of the encoder
//	webrtc          webrtcbin, the stats producer
//	rtpsink         appsink receiving payloaded RTP, used instead of webrtc
//
// At least one of webrtc and rtpsink must be present.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tinyzimmer/go-glib/glib"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/birkandenizer/gstwebrtcapp/internal/actuator"
)

// Element names looked up in the launch string.
const (
	ElementWebRTC        = "webrtc"
	ElementEncoder       = "encoder"
	ElementRawCapsFilter = "raw_capsfilter"
	ElementRTPSink       = "rtpsink"
)

// DefaultLaunch is a test-source H.264 sender used when no launch string
// is configured.
const DefaultLaunch = "videotestsrc is-live=true pattern=ball ! videoconvert ! " +
	"capsfilter name=raw_capsfilter ! x264enc name=encoder tune=zerolatency speed-preset=ultrafast ! " +
	"rtph264pay config-interval=-1 ! application/x-rtp,media=video,encoding-name=H264,payload=96 ! " +
	"webrtcbin name=webrtc bundle-policy=max-bundle"

// DefaultRTPLaunch is the same source payloaded into an appsink, for the
// plain RTP producer.
const DefaultRTPLaunch = "videotestsrc is-live=true pattern=ball ! videoconvert ! " +
	"capsfilter name=raw_capsfilter ! x264enc name=encoder tune=zerolatency speed-preset=ultrafast ! " +
	"rtph264pay config-interval=-1 pt=96 mtu=1200 ! appsink name=rtpsink sync=false"

// fecTypeULPRed is GST_WEBRTC_FEC_TYPE_ULP_RED.
const fecTypeULPRed = 1

// maxTransceivers bounds the get-transceiver scan.
const maxTransceivers = 16

// ErrPipeline wraps GStreamer errors reported on the bus.
var ErrPipeline = errors.New("pipeline: gstreamer error")

// ErrNoProducer is returned by New when the launch string has neither a
// webrtcbin nor an rtpsink appsink.
var ErrNoProducer = errors.New("pipeline: no webrtc or rtpsink element")

// ErrNoRTPSink is returned by OnRTP when the pipeline has no rtpsink.
var ErrNoRTPSink = errors.New("pipeline: no rtpsink element")

// Config describes the sending pipeline.
type Config struct {
	Launch string
	// Encoder overrides the encoder factory name read from the element.
	Encoder  string
	Settings actuator.Settings
	// StatsTimeout bounds one get-stats round trip.
	StatsTimeout time.Duration
}

// Pipeline owns the GStreamer pipeline and its controller.
type Pipeline struct {
	cfg        Config
	pipeline   *gst.Pipeline
	webrtc     *gst.Element // nil without webrtcbin
	rtpSink    *app.Sink    // nil without rtpsink
	controller *actuator.Controller

	mu          sync.Mutex
	transceived bool
}

// New parses the launch string and wires the controller. The pipeline is
// left in the NULL state.
func New(cfg Config) (*Pipeline, error) {
	gst.Init(nil)

	if cfg.StatsTimeout <= 0 {
		cfg.StatsTimeout = time.Second
	}
	if cfg.Launch == "" {
		cfg.Launch = DefaultLaunch
	}

	slog.Debug("creating pipeline", "launch", cfg.Launch)

	pipeline, err := gst.NewPipelineFromString(cfg.Launch)
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline: %w", err)
	}

	webrtc, _ := pipeline.GetElementByName(ElementWebRTC)
	var rtpSink *app.Sink
	if el, err := pipeline.GetElementByName(ElementRTPSink); err == nil {
		rtpSink = app.SinkFromElement(el)
	}
	if webrtc == nil && rtpSink == nil {
		return nil, ErrNoProducer
	}
	encoder, err := pipeline.GetElementByName(ElementEncoder)
	if err != nil {
		return nil, fmt.Errorf("pipeline: element %q: %w", ElementEncoder, err)
	}
	capsfilter, err := pipeline.GetElementByName(ElementRawCapsFilter)
	if err != nil {
		return nil, fmt.Errorf("pipeline: element %q: %w", ElementRawCapsFilter, err)
	}

	factory := cfg.Encoder
	if factory == "" {
		factory = encoder.GetFactory().GetName()
	}

	controller, err := actuator.NewController(actuator.Elements{
		Encoder:        encoder,
		EncoderFactory: factory,
		RawCapsFilter:  capsfilter,
		NewCaps: func(caps string) interface{} {
			return gst.NewCapsFromString(caps)
		},
	}, cfg.Settings)
	if err != nil {
		return nil, err
	}

	slog.Info("pipeline created", "encoder", factory, "webrtc", webrtc != nil, "rtpsink", rtpSink != nil)

	return &Pipeline{
		cfg:        cfg,
		pipeline:   pipeline,
		webrtc:     webrtc,
		rtpSink:    rtpSink,
		controller: controller,
	}, nil
}

// Controller returns the actuator bound to this pipeline.
func (p *Pipeline) Controller() *actuator.Controller {
	return p.controller
}

// OnRTP hands every RTP packet reaching the rtpsink appsink to fn. It must
// be called before Run. Errors from fn drop the packet.
func (p *Pipeline) OnRTP(fn func(packet []byte) error) error {
	if p.rtpSink == nil {
		return ErrNoRTPSink
	}
	p.rtpSink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: func(sink *app.Sink) gst.FlowReturn {
			sample := sink.PullSample()
			if sample == nil {
				return gst.FlowEOS
			}
			buffer := sample.GetBuffer()
			if buffer == nil {
				return gst.FlowError
			}
			if err := fn(buffer.Bytes()); err != nil {
				slog.Debug("rtp packet dropped", "error", err)
			}
			return gst.FlowOK
		},
	})
	return nil
}

// Run applies the initial settings, sets the pipeline to PLAYING and
// processes bus messages until ctx is done, EOS or an error.
func (p *Pipeline) Run(ctx context.Context) error {
	if err := p.controller.Init(); err != nil {
		return err
	}

	if err := p.pipeline.SetState(gst.StatePlaying); err != nil {
		return fmt.Errorf("failed to set pipeline to playing: %w", err)
	}
	defer p.pipeline.SetState(gst.StateNull)

	bus := p.pipeline.GetPipelineBus()
	for {
		select {
		case <-ctx.Done():
			slog.Debug("context cancelled, stopping pipeline")
			return nil
		default:
		}

		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}

		switch msg.Type() {
		case gst.MessageEOS:
			slog.Info("end of stream")
			return nil

		case gst.MessageError:
			gerr := msg.ParseError()
			slog.Error("pipeline error",
				"error", gerr.Error(),
				"debug", gerr.DebugString(),
			)
			return fmt.Errorf("%w: %v", ErrPipeline, gerr)

		case gst.MessageStateChanged:
			if msg.Source() != p.pipeline.GetName() {
				continue
			}
			oldState, newState := msg.ParseStateChanged()
			slog.Debug("pipeline state changed", "from", oldState, "to", newState)
			if newState == gst.StatePlaying && p.webrtc != nil {
				p.discoverTransceivers()
			}
		}
	}
}

// discoverTransceivers enables NACK and ULP/RED FEC on every transceiver
// and hands them to the controller. Runs once.
func (p *Pipeline) discoverTransceivers() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.transceived {
		return
	}

	var found []actuator.Element
	for i := 0; i < maxTransceivers; i++ {
		ret, err := p.webrtc.Emit("get-transceiver", i)
		if err != nil || ret == nil {
			break
		}
		t, ok := ret.(*glib.Object)
		if !ok {
			break
		}
		if err := t.SetProperty("do-nack", true); err != nil {
			slog.Warn("failed to enable nack", "transceiver", i, "error", err)
		}
		if err := t.SetProperty("fec-type", fecTypeULPRed); err != nil {
			slog.Warn("failed to enable fec", "transceiver", i, "error", err)
		}
		found = append(found, t)
	}

	if err := p.controller.SetTransceivers(found); err != nil {
		slog.Warn("transceivers not ready", "error", err)
		return
	}
	p.transceived = true
}
