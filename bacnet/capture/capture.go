// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package capture reads BACnet/IP traffic from pcap and pcapng files.
package capture

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/edgeo-scada/bacnet/bacnet"
)

// pcapng files start with a section header block
var pcapngMagic = []byte{0x0A, 0x0D, 0x0D, 0x0A}

// Frame is one BACnet/IP datagram found in a capture
type Frame struct {
	// Index is the position of the packet in the capture, starting at 1
	Index     int
	Timestamp time.Time
	Src       *net.UDPAddr
	Dst       *net.UDPAddr

	BVLC bacnet.BVLCHeader
	NPDU bacnet.NPDU
	// PCI is nil for network layer messages and undecodable APDUs
	PCI  *bacnet.ProtocolControlInformation
	APDU []byte

	// Err is set when a layer failed to decode. Fields of the layers
	// before the failing one are valid.
	Err error
}

// Broadcast reports whether the datagram was sent as an original broadcast
func (f *Frame) Broadcast() bool {
	return f.BVLC.Function == bacnet.BVLCOriginalBroadcastNPDU
}

// Reader extracts BACnet/IP frames from a packet capture
type Reader struct {
	source *gopacket.PacketSource
	ports  map[layers.UDPPort]struct{}
	index  int
}

// NewReader reads a pcap or pcapng stream. Only UDP datagrams to or from
// one of ports are returned; no ports means the BACnet/IP port 47808.
func NewReader(r io.Reader, ports ...int) (*Reader, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(len(pcapngMagic))
	if err != nil {
		return nil, fmt.Errorf("read capture header: %w", err)
	}

	var (
		data     gopacket.PacketDataSource
		linkType layers.LinkType
	)
	if string(magic) == string(pcapngMagic) {
		ng, err := pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
		if err != nil {
			return nil, fmt.Errorf("open pcapng: %w", err)
		}
		data, linkType = ng, ng.LinkType()
	} else {
		pr, err := pcapgo.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("open pcap: %w", err)
		}
		data, linkType = pr, pr.LinkType()
	}

	if len(ports) == 0 {
		ports = []int{bacnet.DefaultPort}
	}
	set := make(map[layers.UDPPort]struct{}, len(ports))
	for _, p := range ports {
		set[layers.UDPPort(p)] = struct{}{}
	}

	source := gopacket.NewPacketSource(data, linkType)
	source.DecodeOptions = gopacket.DecodeOptions{Lazy: true}

	return &Reader{source: source, ports: set}, nil
}

// Next returns the next BACnet/IP frame, or io.EOF at the end of the capture
func (r *Reader) Next() (*Frame, error) {
	for {
		packet, err := r.source.NextPacket()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.EOF
			}
			return nil, fmt.Errorf("read packet %d: %w", r.index+1, err)
		}
		r.index++

		udp, ok := packet.Layer(layers.LayerTypeUDP).(*layers.UDP)
		if !ok || !r.match(udp) || len(udp.Payload) == 0 {
			continue
		}

		f := &Frame{
			Index:     r.index,
			Timestamp: packet.Metadata().Timestamp,
			Src:       &net.UDPAddr{Port: int(udp.SrcPort)},
			Dst:       &net.UDPAddr{Port: int(udp.DstPort)},
		}
		switch ip := packet.NetworkLayer().(type) {
		case *layers.IPv4:
			f.Src.IP, f.Dst.IP = ip.SrcIP, ip.DstIP
		case *layers.IPv6:
			f.Src.IP, f.Dst.IP = ip.SrcIP, ip.DstIP
		}

		f.decode(udp.Payload)
		return f, nil
	}
}

func (r *Reader) match(udp *layers.UDP) bool {
	_, src := r.ports[udp.SrcPort]
	_, dst := r.ports[udp.DstPort]
	return src || dst
}

// decode fills the BACnet layers of f from a UDP payload
func (f *Frame) decode(payload []byte) {
	hdr, npduBytes, err := bacnet.DecodeOriginalBVLC(payload)
	f.BVLC = hdr
	if err != nil {
		f.Err = err
		return
	}

	npdu, n, err := bacnet.DecodeNPDU(npduBytes)
	if err != nil {
		f.Err = err
		return
	}
	f.NPDU = npdu
	if npdu.IsNetworkMessage() {
		return
	}

	f.APDU = append([]byte(nil), npduBytes[n:]...)
	pci, _, err := bacnet.DecodePCI(f.APDU)
	if err != nil {
		f.Err = err
		return
	}
	f.PCI = &pci
}

// ReadAll returns every BACnet/IP frame of the capture
func ReadAll(r io.Reader, ports ...int) ([]*Frame, error) {
	cr, err := NewReader(r, ports...)
	if err != nil {
		return nil, err
	}

	var frames []*Frame
	for {
		f, err := cr.Next()
		if errors.Is(err, io.EOF) {
			return frames, nil
		}
		if err != nil {
			return frames, err
		}
		frames = append(frames, f)
	}
}

// ReadFile opens a capture file and returns its BACnet/IP frames
func ReadFile(path string, ports ...int) ([]*Frame, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open capture: %w", err)
	}
	defer file.Close()

	return ReadAll(file, ports...)
}
