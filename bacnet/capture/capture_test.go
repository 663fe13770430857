package capture

import (
	"bytes"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgeo-scada/bacnet/bacnet"
)

func udpPacket(t *testing.T, src, dst string, srcPort, dstPort uint16, payload []byte) []byte {
	t.Helper()
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x00, 0x11, 0x22, 0x33, 0x44, 0x55},
		DstMAC:       net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		SrcIP:    net.ParseIP(src).To4(),
		DstIP:    net.ParseIP(dst).To4(),
		Protocol: layers.IPProtocolUDP,
	}
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(srcPort),
		DstPort: layers.UDPPort(dstPort),
	}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload(payload)))
	return buf.Bytes()
}

func writePCAP(t *testing.T, w io.Writer, packets ...[]byte) {
	t.Helper()
	writer := pcapgo.NewWriter(w)
	require.NoError(t, writer.WriteFileHeader(65535, layers.LinkTypeEthernet))
	for i, p := range packets {
		ci := gopacket.CaptureInfo{
			Timestamp:     time.Unix(1700000000, int64(i)*int64(time.Millisecond)),
			CaptureLength: len(p),
			Length:        len(p),
		}
		require.NoError(t, writer.WritePacket(ci, p))
	}
}

func datagram(t *testing.T, function bacnet.BVLCFunction, npdu bacnet.NPDU, apdu []byte) []byte {
	t.Helper()
	n, err := npdu.Encode()
	require.NoError(t, err)
	out := bacnet.EncodeBVLC(function, len(n)+len(apdu))
	out = append(out, n...)
	return append(out, apdu...)
}

func TestReadAll(t *testing.T) {
	whoIs := datagram(t, bacnet.BVLCOriginalBroadcastNPDU,
		bacnet.NPDU{}.WithDestination(bacnet.GlobalBroadcastNetwork, nil, bacnet.DefaultHopCount),
		bacnet.WhoIs{}.Encode())
	ack := datagram(t, bacnet.BVLCOriginalUnicastNPDU, bacnet.NPDU{},
		bacnet.EncodeSimpleAck(42, bacnet.ServiceWriteProperty))
	routerQuery := datagram(t, bacnet.BVLCOriginalUnicastNPDU,
		bacnet.NPDU{}.WithMessageType(bacnet.NetworkMessageWhoIsRouterToNetwork, 0), nil)

	var buf bytes.Buffer
	writePCAP(t, &buf,
		udpPacket(t, "10.0.0.1", "10.0.0.255", 47808, 47808, whoIs),
		udpPacket(t, "10.0.0.1", "10.0.0.2", 5353, 5353, []byte{0x00, 0x01}),
		udpPacket(t, "10.0.0.2", "10.0.0.1", 47808, 47808, ack),
		udpPacket(t, "10.0.0.3", "10.0.0.1", 47808, 47808, []byte{0x82, 0x0A, 0x00, 0x04}),
		udpPacket(t, "10.0.0.3", "10.0.0.1", 47808, 47808, routerQuery),
	)

	frames, err := ReadAll(&buf)
	require.NoError(t, err)
	require.Len(t, frames, 4)

	t.Run("Broadcast", func(t *testing.T) {
		f := frames[0]
		assert.Equal(t, 1, f.Index)
		assert.Equal(t, time.Unix(1700000000, 0).UTC(), f.Timestamp.UTC())
		assert.Equal(t, "10.0.0.1:47808", f.Src.String())
		assert.Equal(t, "10.0.0.255:47808", f.Dst.String())
		assert.True(t, f.Broadcast())
		assert.True(t, f.NPDU.IsBroadcast())
		require.NoError(t, f.Err)
		require.NotNil(t, f.PCI)
		assert.Equal(t, bacnet.PDUTypeUnconfirmedRequest, f.PCI.Type)
		assert.EqualValues(t, bacnet.ServiceWhoIs, f.PCI.Service)
	})

	t.Run("Unicast", func(t *testing.T) {
		f := frames[1]
		assert.Equal(t, 3, f.Index)
		assert.False(t, f.Broadcast())
		require.NotNil(t, f.PCI)
		assert.Equal(t, bacnet.PDUTypeSimpleAck, f.PCI.Type)
		assert.EqualValues(t, 42, f.PCI.InvokeID)
		assert.Equal(t, bacnet.EncodeSimpleAck(42, bacnet.ServiceWriteProperty), f.APDU)
	})

	t.Run("BadBVLC", func(t *testing.T) {
		f := frames[2]
		assert.ErrorIs(t, f.Err, bacnet.ErrInvalidBVLC)
		assert.Nil(t, f.PCI)
	})

	t.Run("NetworkMessage", func(t *testing.T) {
		f := frames[3]
		require.NoError(t, f.Err)
		assert.True(t, f.NPDU.IsNetworkMessage())
		assert.Nil(t, f.PCI)
		assert.Empty(t, f.APDU)
	})
}

func TestReadFilePorts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bacnet.pcap")
	file, err := os.Create(path)
	require.NoError(t, err)
	writePCAP(t, file,
		udpPacket(t, "10.0.0.1", "10.0.0.2", 47808, 47808,
			datagram(t, bacnet.BVLCOriginalUnicastNPDU, bacnet.NPDU{}, bacnet.WhoIs{}.Encode())),
		udpPacket(t, "10.0.0.1", "10.0.0.2", 47809, 47809,
			datagram(t, bacnet.BVLCOriginalUnicastNPDU, bacnet.NPDU{}, bacnet.WhoIs{}.Encode())),
	)
	require.NoError(t, file.Close())

	frames, err := ReadFile(path)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, 47808, frames[0].Src.Port)

	frames, err = ReadFile(path, 47808, 47809)
	require.NoError(t, err)
	assert.Len(t, frames, 2)

	_, err = ReadFile(filepath.Join(t.TempDir(), "missing.pcap"))
	assert.Error(t, err)
}

func TestNewReaderRejectsGarbage(t *testing.T) {
	_, err := NewReader(bytes.NewReader([]byte("not a capture file")))
	assert.Error(t, err)

	_, err = NewReader(bytes.NewReader(nil))
	assert.Error(t, err)
}
