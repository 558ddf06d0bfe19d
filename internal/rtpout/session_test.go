package rtpout

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/birkandenizer/gstwebrtcapp/internal/stats"
)

const testSSRC = 0x1234

func listenReceiver(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func marshalRTP(t *testing.T, seq uint16) []byte {
	t.Helper()
	raw, err := (&rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    96,
			SequenceNumber: seq,
			Timestamp:      uint32(seq) * 3000,
			SSRC:           testSSRC,
		},
		Payload: []byte{0x65, 0x01, 0x02, 0x03},
	}).Marshal()
	require.NoError(t, err)
	return raw
}

// readUntil reads datagrams until match accepts one or the deadline passes.
func readUntil(t *testing.T, conn *net.UDPConn, match func([]byte) bool) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, maxPacketSize)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		require.NoError(t, err)
		if match(buf[:n]) {
			return
		}
	}
}

func isRTCP(b []byte) bool {
	return len(b) > 1 && b[1] >= 192 && b[1] <= 223
}

func TestSession_SendsRTPAndSenderReports(t *testing.T) {
	recv := listenReceiver(t)
	s, err := Dial(Config{
		Remote:         recv.LocalAddr().String(),
		Local:          "127.0.0.1:0",
		ReportInterval: 20 * time.Millisecond,
	})
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.WriteRTP(marshalRTP(t, 100)))

	readUntil(t, recv, func(b []byte) bool {
		if isRTCP(b) {
			return false
		}
		var pkt rtp.Packet
		require.NoError(t, pkt.Unmarshal(b))
		assert.Equal(t, uint16(100), pkt.SequenceNumber)
		assert.Equal(t, uint32(testSSRC), pkt.SSRC)
		assert.Equal(t, []byte{0x65, 0x01, 0x02, 0x03}, pkt.Payload)
		return true
	})

	readUntil(t, recv, func(b []byte) bool {
		if !isRTCP(b) {
			return false
		}
		pkts, err := rtcp.Unmarshal(b)
		require.NoError(t, err)
		sr, ok := pkts[0].(*rtcp.SenderReport)
		if !ok || sr.PacketCount == 0 {
			return false
		}
		assert.Equal(t, uint32(testSSRC), sr.SSRC)
		assert.Equal(t, uint32(1), sr.PacketCount)
		return true
	})
}

func TestSession_ReceiverReportReachesCollector(t *testing.T) {
	recv := listenReceiver(t)
	collector := stats.NewCollector()
	s, err := Dial(Config{Remote: recv.LocalAddr().String(), Local: "127.0.0.1:0"}, collector)
	require.NoError(t, err)
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx) }()

	for seq := uint16(10); seq < 15; seq++ {
		require.NoError(t, s.WriteRTP(marshalRTP(t, seq)))
	}

	rr, err := (&rtcp.ReceiverReport{
		SSRC: 1,
		Reports: []rtcp.ReceptionReport{{
			SSRC:               testSSRC,
			TotalLost:          2,
			LastSequenceNumber: 14,
		}},
	}).Marshal()
	require.NoError(t, err)
	_, err = recv.WriteToUDP(rr, s.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)

	remoteID := stats.CategoryRemoteInbound + "_4660"
	require.Eventually(t, func() bool {
		snapshot, ok := collector.Snapshot()
		_, found := snapshot[remoteID]
		return ok && found
	}, 2*time.Second, 10*time.Millisecond)

	snapshot, _ := collector.Snapshot()
	assert.Equal(t, 2.0, snapshot[remoteID].Float(stats.FieldPacketsLost))
	outbound := snapshot[stats.CategoryOutbound+"_4660"]
	assert.Equal(t, 5.0, outbound.Float(stats.FieldPacketsSent))
	assert.Equal(t, 3.0, outbound.Float(stats.FieldPacketsReceived))

	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("session did not stop")
	}
}

func TestSession_WriteAfterClose(t *testing.T) {
	recv := listenReceiver(t)
	s, err := Dial(Config{Remote: recv.LocalAddr().String(), Local: "127.0.0.1:0"})
	require.NoError(t, err)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.WriteRTP(marshalRTP(t, 1)), ErrClosed)
}

func TestSession_RejectsGarbage(t *testing.T) {
	recv := listenReceiver(t)
	s, err := Dial(Config{Remote: recv.LocalAddr().String(), Local: "127.0.0.1:0"})
	require.NoError(t, err)
	defer s.Close()

	assert.Error(t, s.WriteRTP([]byte{0x80}))
}

func TestDial_BadRemote(t *testing.T) {
	_, err := Dial(Config{Remote: "not-an-address"})
	assert.Error(t, err)
}
