package stats

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
)

// ntpEpochOffset is the number of seconds between 1900-01-01 and 1970-01-01.
const ntpEpochOffset = 2208988800

// Collector is a sender-side Producer fed by a pion interceptor chain. It
// counts outgoing RTP of the first local stream bound to it and folds incoming
// RTCP feedback (receiver reports, NACK, PLI) into the same categories the
// GStreamer webrtcbin reports.
//
//	collector := stats.NewCollector()
//	registry.Add(collector)  // Collector is an interceptor.Factory
//	...
//	snapshot, ok := collector.Snapshot()
type Collector struct {
	mu  sync.Mutex
	now func() time.Time

	bound     bool
	ssrc      uint32
	clockRate uint32

	packetsSent uint64
	bytesSent   uint64
	baseSeq     uint16
	nackCount   uint64
	pliCount    uint64

	haveReport   bool
	packetsLost  uint32
	fractionLost uint8
	extHighSeq   uint32
	jitter       uint32
	roundTrip    uint32
}

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	return &Collector{now: time.Now}
}

// NewInterceptor implements interceptor.Factory.
func (c *Collector) NewInterceptor(_ string) (interceptor.Interceptor, error) {
	return &collectorInterceptor{collector: c}, nil
}

// Snapshot implements Producer. The remote-inbound category only appears once
// a receiver report for the tracked stream has arrived.
func (c *Collector) Snapshot() (Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.bound {
		return nil, false
	}

	ts := float64(c.now().UnixMilli())
	outbound := Stat{
		FieldType:        CategoryOutbound,
		FieldSSRC:        float64(c.ssrc),
		FieldPacketsSent: float64(c.packetsSent),
		FieldBytesSent:   float64(c.bytesSent),
		FieldNackCount:   float64(c.nackCount),
		FieldPliCount:    float64(c.pliCount),
		FieldTimestamp:   ts,
		FieldClockRate:   float64(c.clockRate),
	}

	snapshot := Snapshot{}

	if c.haveReport {
		// The remote received everything up to its extended highest sequence
		// number minus what it reports lost. Bytes are estimated from the mean
		// sent packet size.
		received := int64(c.extHighSeq) - int64(c.baseSeq) + 1 - int64(c.packetsLost)
		if received < 0 {
			received = 0
		}
		var meanSize float64
		if c.packetsSent > 0 {
			meanSize = float64(c.bytesSent) / float64(c.packetsSent)
		}
		outbound[FieldPacketsReceived] = float64(received)
		outbound[FieldBytesReceived] = float64(received) * meanSize

		snapshot[fmt.Sprintf("%s_%d", CategoryRemoteInbound, c.ssrc)] = Stat{
			FieldType:         CategoryRemoteInbound,
			FieldSSRC:         float64(c.ssrc),
			FieldPacketsLost:  float64(c.packetsLost),
			FieldFractionLost: float64(c.fractionLost),
			FieldExtHighSeq:   float64(c.extHighSeq),
			FieldJitter:       float64(c.jitter),
			FieldRoundTrip:    float64(c.roundTrip),
			FieldTimestamp:    ts,
		}
	} else {
		outbound[FieldPacketsReceived] = 0.0
		outbound[FieldBytesReceived] = 0.0
	}

	snapshot[fmt.Sprintf("%s_%d", CategoryOutbound, c.ssrc)] = outbound
	return snapshot, true
}

func (c *Collector) bind(info *interceptor.StreamInfo) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.bound {
		return info.SSRC == c.ssrc
	}
	c.bound = true
	c.ssrc = info.SSRC
	c.clockRate = info.ClockRate

	slog.Info("stats: collector bound to local stream",
		"ssrc", info.SSRC,
		"clock_rate", info.ClockRate,
		"mime_type", info.MimeType,
	)
	return true
}

func (c *Collector) onRTP(header *rtp.Header, payloadLen int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.packetsSent == 0 {
		c.baseSeq = header.SequenceNumber
	}
	c.packetsSent++
	c.bytesSent += uint64(header.MarshalSize() + payloadLen)
}

func (c *Collector) onRTCP(pkts []rtcp.Packet) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.bound {
		return
	}

	for _, pkt := range pkts {
		switch p := pkt.(type) {
		case *rtcp.ReceiverReport:
			c.applyReports(p.Reports)
		case *rtcp.SenderReport:
			c.applyReports(p.Reports)
		case *rtcp.TransportLayerNack:
			if p.MediaSSRC != c.ssrc {
				continue
			}
			for _, pair := range p.Nacks {
				c.nackCount += uint64(len(pair.PacketList()))
			}
		case *rtcp.PictureLossIndication:
			if p.MediaSSRC == c.ssrc {
				c.pliCount++
			}
		}
	}
}

func (c *Collector) applyReports(reports []rtcp.ReceptionReport) {
	for _, rr := range reports {
		if rr.SSRC != c.ssrc {
			continue
		}
		c.haveReport = true
		c.packetsLost = rr.TotalLost
		c.fractionLost = rr.FractionLost
		c.extHighSeq = rr.LastSequenceNumber
		c.jitter = rr.Jitter

		// RFC 3550 6.4.1: RTT = A - LSR - DLSR, all in 16.16 NTP short format.
		if rr.LastSenderReport != 0 {
			arrival := ntpShort(c.now())
			rtt := arrival - rr.LastSenderReport - rr.Delay
			if int32(rtt) > 0 {
				c.roundTrip = rtt
			}
		}
	}
}

// ntpShort returns the middle 32 bits of the 64-bit NTP timestamp for t.
func ntpShort(t time.Time) uint32 {
	secs := uint64(t.Unix()) + ntpEpochOffset
	frac := (uint64(t.Nanosecond()) << 32) / uint64(time.Second)
	return uint32(((secs << 32) | frac) >> 16)
}

type collectorInterceptor struct {
	interceptor.NoOp
	collector *Collector
}

func (i *collectorInterceptor) BindLocalStream(info *interceptor.StreamInfo, writer interceptor.RTPWriter) interceptor.RTPWriter {
	if !i.collector.bind(info) {
		return writer
	}
	return interceptor.RTPWriterFunc(func(header *rtp.Header, payload []byte, attributes interceptor.Attributes) (int, error) {
		i.collector.onRTP(header, len(payload))
		return writer.Write(header, payload, attributes)
	})
}

func (i *collectorInterceptor) BindRTCPReader(reader interceptor.RTCPReader) interceptor.RTCPReader {
	return interceptor.RTCPReaderFunc(func(b []byte, attributes interceptor.Attributes) (int, interceptor.Attributes, error) {
		n, attr, err := reader.Read(b, attributes)
		if err != nil {
			return n, attr, err
		}
		pkts, perr := rtcp.Unmarshal(b[:n])
		if perr != nil {
			slog.Debug("stats: dropping undecodable RTCP compound packet", "error", perr)
			return n, attr, nil
		}
		i.collector.onRTCP(pkts)
		return n, attr, nil
	})
}
