// Package rtpout sends payloaded RTP to a single UDP receiver through a pion
// interceptor chain and feeds the receiver's RTCP back into the same chain.
//
// The chain always carries a sender report interceptor so the receiver can
// echo LSR/DLSR and round trips can be measured. Extra factories (such as a
// stats.Collector) are added in front of it.
package rtpout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/report"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
)

const (
	defaultLocal          = "0.0.0.0:0"
	defaultClockRate      = 90000
	defaultReportInterval = time.Second

	// maxPacketSize covers one RTCP compound packet on a standard MTU.
	maxPacketSize = 1500
)

// ErrClosed is returned by WriteRTP after Close.
var ErrClosed = errors.New("rtpout: session closed")

// Config describes the UDP session.
type Config struct {
	Remote         string        // receiver host:port
	Local          string        // bind address, 0.0.0.0:0 when empty
	ClockRate      uint32        // RTP clock rate, 90000 when zero
	ReportInterval time.Duration // sender report period, 1s when zero
}

// Session is one outgoing RTP stream over UDP with RTCP muxed on the same
// socket.
type Session struct {
	cfg    Config
	conn   *net.UDPConn
	remote *net.UDPAddr
	chain  interceptor.Interceptor
	rtcpIn interceptor.RTCPReader

	mu     sync.Mutex
	info   *interceptor.StreamInfo
	writer interceptor.RTPWriter
	closed bool
}

// Dial binds the local socket and builds the interceptor chain. Nothing is
// sent until the first WriteRTP.
func Dial(cfg Config, factories ...interceptor.Factory) (*Session, error) {
	if cfg.Local == "" {
		cfg.Local = defaultLocal
	}
	if cfg.ClockRate == 0 {
		cfg.ClockRate = defaultClockRate
	}
	if cfg.ReportInterval <= 0 {
		cfg.ReportInterval = defaultReportInterval
	}

	remote, err := net.ResolveUDPAddr("udp", cfg.Remote)
	if err != nil {
		return nil, fmt.Errorf("rtpout: resolve remote %q: %w", cfg.Remote, err)
	}
	local, err := net.ResolveUDPAddr("udp", cfg.Local)
	if err != nil {
		return nil, fmt.Errorf("rtpout: resolve local %q: %w", cfg.Local, err)
	}

	registry := &interceptor.Registry{}
	for _, f := range factories {
		registry.Add(f)
	}
	reports, err := report.NewSenderInterceptor(report.SenderInterval(cfg.ReportInterval))
	if err != nil {
		return nil, fmt.Errorf("rtpout: sender reports: %w", err)
	}
	registry.Add(reports)

	chain, err := registry.Build("")
	if err != nil {
		return nil, fmt.Errorf("rtpout: build interceptors: %w", err)
	}

	conn, err := net.ListenUDP("udp", local)
	if err != nil {
		chain.Close()
		return nil, fmt.Errorf("rtpout: listen %s: %w", cfg.Local, err)
	}

	s := &Session{cfg: cfg, conn: conn, remote: remote, chain: chain}
	chain.BindRTCPWriter(interceptor.RTCPWriterFunc(s.writeRTCP))
	s.rtcpIn = chain.BindRTCPReader(interceptor.RTCPReaderFunc(s.readRTCP))

	slog.Info("rtp session ready",
		"local", conn.LocalAddr().String(),
		"remote", remote.String(),
		"report_interval", cfg.ReportInterval,
	)
	return s, nil
}

// LocalAddr returns the bound socket address.
func (s *Session) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

// WriteRTP sends one marshaled RTP packet. The first packet binds the
// stream using its SSRC and payload type.
func (s *Session) WriteRTP(raw []byte) error {
	var pkt rtp.Packet
	if err := pkt.Unmarshal(raw); err != nil {
		return fmt.Errorf("rtpout: decode rtp: %w", err)
	}
	writer, err := s.bind(&pkt.Header)
	if err != nil {
		return err
	}
	if _, err := writer.Write(&pkt.Header, pkt.Payload, interceptor.Attributes{}); err != nil {
		return fmt.Errorf("rtpout: write rtp: %w", err)
	}
	return nil
}

func (s *Session) bind(header *rtp.Header) (interceptor.RTPWriter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	if s.writer == nil {
		s.info = &interceptor.StreamInfo{
			SSRC:        header.SSRC,
			PayloadType: header.PayloadType,
			ClockRate:   s.cfg.ClockRate,
		}
		s.writer = s.chain.BindLocalStream(s.info, interceptor.RTPWriterFunc(s.writeRTP))
		slog.Info("rtp stream bound", "ssrc", header.SSRC, "payload_type", header.PayloadType)
	}
	return s.writer, nil
}

func (s *Session) writeRTP(header *rtp.Header, payload []byte, _ interceptor.Attributes) (int, error) {
	buf, err := (&rtp.Packet{Header: *header, Payload: payload}).Marshal()
	if err != nil {
		return 0, err
	}
	return s.conn.WriteToUDP(buf, s.remote)
}

func (s *Session) writeRTCP(pkts []rtcp.Packet, _ interceptor.Attributes) (int, error) {
	buf, err := rtcp.Marshal(pkts)
	if err != nil {
		return 0, err
	}
	return s.conn.WriteToUDP(buf, s.remote)
}

func (s *Session) readRTCP(b []byte, a interceptor.Attributes) (int, interceptor.Attributes, error) {
	n, _, err := s.conn.ReadFromUDP(b)
	return n, a, err
}

// Run reads RTCP feedback into the chain until ctx is done or the session
// is closed.
func (s *Session) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		s.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	buf := make([]byte, maxPacketSize)
	for {
		if _, _, err := s.rtcpIn.Read(buf, interceptor.Attributes{}); err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("rtpout: read rtcp: %w", err)
		}
	}
}

// Close unbinds the stream, stops sender reports and closes the socket.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if s.info != nil {
		s.chain.UnbindLocalStream(s.info)
	}
	return errors.Join(s.chain.Close(), s.conn.Close())
}
