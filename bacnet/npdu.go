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

package bacnet

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// NPDUVersion is the only protocol version understood by the codec
const NPDUVersion = 0x01

// GlobalBroadcastNetwork addresses every network reachable through routers
const GlobalBroadcastNetwork = 0xFFFF

// DefaultHopCount is the hop count stamped on routed destinations
const DefaultHopCount = 255

// NPDU is the network layer header. It is an immutable value: the With and
// Without methods return modified copies and never share address slices with
// the receiver.
type NPDU struct {
	hasDest  bool
	destNet  uint16
	destAddr []byte
	hopCount uint8

	hasSource bool
	srcNet    uint16
	srcAddr   []byte

	expectingReply bool
	priority       Priority

	networkMessage bool
	messageType    NetworkMessageType
	vendorID       uint16
}

// HasDestination reports whether the destination block is present
func (n NPDU) HasDestination() bool { return n.hasDest }

// Destination returns the destination network, MAC address and hop count
func (n NPDU) Destination() (net uint16, addr []byte, hopCount uint8, ok bool) {
	if !n.hasDest {
		return 0, nil, 0, false
	}
	return n.destNet, cloneBytes(n.destAddr), n.hopCount, true
}

// HasSource reports whether the source block is present
func (n NPDU) HasSource() bool { return n.hasSource }

// Source returns the source network and MAC address
func (n NPDU) Source() (net uint16, addr []byte, ok bool) {
	if !n.hasSource {
		return 0, nil, false
	}
	return n.srcNet, cloneBytes(n.srcAddr), true
}

// ExpectingReply reports the data-expecting-reply flag
func (n NPDU) ExpectingReply() bool { return n.expectingReply }

// Priority returns the network priority
func (n NPDU) Priority() Priority { return n.priority }

// IsNetworkMessage reports whether the NPDU carries a network layer message
// instead of an APDU.
func (n NPDU) IsNetworkMessage() bool { return n.networkMessage }

// MessageType returns the network message type and vendor ID. The vendor ID
// is only meaningful for proprietary message types.
func (n NPDU) MessageType() (NetworkMessageType, uint16, bool) {
	if !n.networkMessage {
		return 0, 0, false
	}
	return n.messageType, n.vendorID, true
}

// IsBroadcast reports whether the destination is a remote or global
// broadcast (destination present with an empty MAC address).
func (n NPDU) IsBroadcast() bool {
	return n.hasDest && len(n.destAddr) == 0
}

// WithDestination sets the destination block. An empty addr means broadcast
// on net; net 0xFFFF is a global broadcast.
func (n NPDU) WithDestination(net uint16, addr []byte, hopCount uint8) NPDU {
	n.hasDest = true
	n.destNet = net
	n.destAddr = cloneBytes(addr)
	n.hopCount = hopCount
	return n
}

// WithoutDestination removes the destination block
func (n NPDU) WithoutDestination() NPDU {
	n.hasDest = false
	n.destNet = 0
	n.destAddr = nil
	n.hopCount = 0
	return n
}

// WithSource sets the source block
func (n NPDU) WithSource(net uint16, addr []byte) NPDU {
	n.hasSource = true
	n.srcNet = net
	n.srcAddr = cloneBytes(addr)
	return n
}

// WithoutSource removes the source block
func (n NPDU) WithoutSource() NPDU {
	n.hasSource = false
	n.srcNet = 0
	n.srcAddr = nil
	return n
}

// WithExpectingReply sets the data-expecting-reply flag
func (n NPDU) WithExpectingReply(expecting bool) NPDU {
	n.expectingReply = expecting
	return n
}

// WithPriority sets the network priority
func (n NPDU) WithPriority(p Priority) NPDU {
	n.priority = p & Priority(NPDUControlPriorityMask)
	return n
}

// WithMessageType turns the NPDU into a network layer message. vendorID is
// kept only for proprietary types (0x80 and above).
func (n NPDU) WithMessageType(t NetworkMessageType, vendorID uint16) NPDU {
	n.networkMessage = true
	n.messageType = t
	n.vendorID = 0
	if t >= NetworkMessageVendorProprietary {
		n.vendorID = vendorID
	}
	return n
}

// AsAPDUMessage clears the network message fields so the NPDU carries an APDU
func (n NPDU) AsAPDUMessage() NPDU {
	n.networkMessage = false
	n.messageType = 0
	n.vendorID = 0
	return n
}

// Control returns the control octet derived from the presence flags
func (n NPDU) Control() NPDUControl {
	control := NPDUControl(n.priority) & NPDUControlPriorityMask
	if n.networkMessage {
		control |= NPDUControlNetworkLayerMessage
	}
	if n.hasDest {
		control |= NPDUControlDestSpecifier
	}
	if n.hasSource {
		control |= NPDUControlSourceSpecifier
	}
	if n.expectingReply {
		control |= NPDUControlExpectingReply
	}
	return control
}

// Len returns the encoded size in bytes
func (n NPDU) Len() int {
	size := 2
	if n.hasDest {
		size += 3 + len(n.destAddr) + 1
	}
	if n.hasSource {
		size += 3 + len(n.srcAddr)
	}
	if n.networkMessage {
		size++
		if n.messageType >= NetworkMessageVendorProprietary {
			size += 2
		}
	}
	return size
}

// Encode serializes the NPDU header
func (n NPDU) Encode() ([]byte, error) {
	return n.AppendTo(make([]byte, 0, n.Len()))
}

// AppendTo appends the encoded header to buf
func (n NPDU) AppendTo(buf []byte) ([]byte, error) {
	if len(n.destAddr) > 255 {
		return nil, fmt.Errorf("%w: destination address too long (%d bytes)", ErrInvalidNPDU, len(n.destAddr))
	}
	if len(n.srcAddr) > 255 {
		return nil, fmt.Errorf("%w: source address too long (%d bytes)", ErrInvalidNPDU, len(n.srcAddr))
	}

	buf = append(buf, NPDUVersion, byte(n.Control()))
	if n.hasDest {
		buf = binary.BigEndian.AppendUint16(buf, n.destNet)
		buf = append(buf, byte(len(n.destAddr)))
		buf = append(buf, n.destAddr...)
	}
	if n.hasSource {
		buf = binary.BigEndian.AppendUint16(buf, n.srcNet)
		buf = append(buf, byte(len(n.srcAddr)))
		buf = append(buf, n.srcAddr...)
	}
	if n.hasDest {
		buf = append(buf, n.hopCount)
	}
	if n.networkMessage {
		buf = append(buf, byte(n.messageType))
		if n.messageType >= NetworkMessageVendorProprietary {
			buf = binary.BigEndian.AppendUint16(buf, n.vendorID)
		}
	}
	return buf, nil
}

// DecodeNPDU decodes an NPDU header and returns it with the number of bytes
// consumed. Fields not flagged in the control octet are never read.
func DecodeNPDU(data []byte) (NPDU, int, error) {
	var n NPDU
	if len(data) < 2 {
		return n, 0, fmt.Errorf("%w: short header (%d bytes)", ErrInvalidNPDU, len(data))
	}
	if data[0] != NPDUVersion {
		return n, 0, fmt.Errorf("%w: unsupported version %d", ErrInvalidNPDU, data[0])
	}

	control := NPDUControl(data[1])
	n.priority = Priority(control & NPDUControlPriorityMask)
	n.expectingReply = control&NPDUControlExpectingReply != 0
	offset := 2

	if control&NPDUControlDestSpecifier != 0 {
		net, addr, next, err := decodeNetworkAddress(data, offset, "destination")
		if err != nil {
			return NPDU{}, 0, err
		}
		n.hasDest, n.destNet, n.destAddr = true, net, addr
		offset = next
	}

	if control&NPDUControlSourceSpecifier != 0 {
		net, addr, next, err := decodeNetworkAddress(data, offset, "source")
		if err != nil {
			return NPDU{}, 0, err
		}
		n.hasSource, n.srcNet, n.srcAddr = true, net, addr
		offset = next
	}

	if n.hasDest {
		if len(data) < offset+1 {
			return NPDU{}, 0, fmt.Errorf("%w: missing hop count", ErrInvalidNPDU)
		}
		n.hopCount = data[offset]
		offset++
	}

	if control&NPDUControlNetworkLayerMessage != 0 {
		if len(data) < offset+1 {
			return NPDU{}, 0, fmt.Errorf("%w: missing message type", ErrInvalidNPDU)
		}
		n.networkMessage = true
		n.messageType = NetworkMessageType(data[offset])
		offset++

		if n.messageType >= NetworkMessageVendorProprietary {
			if len(data) < offset+2 {
				return NPDU{}, 0, fmt.Errorf("%w: missing vendor ID", ErrInvalidNPDU)
			}
			n.vendorID = binary.BigEndian.Uint16(data[offset:])
			offset += 2
		}
	}

	return n, offset, nil
}

func decodeNetworkAddress(data []byte, offset int, field string) (uint16, []byte, int, error) {
	if len(data) < offset+3 {
		return 0, nil, 0, fmt.Errorf("%w: truncated %s specifier", ErrInvalidNPDU, field)
	}
	net := binary.BigEndian.Uint16(data[offset:])
	addrLen := int(data[offset+2])
	offset += 3
	if len(data) < offset+addrLen {
		return 0, nil, 0, fmt.Errorf("%w: truncated %s address", ErrInvalidNPDU, field)
	}
	return net, cloneBytes(data[offset : offset+addrLen]), offset + addrLen, nil
}

func (n NPDU) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "npdu{prio=%s", n.priority)
	if n.expectingReply {
		sb.WriteString(" reply")
	}
	if n.hasDest {
		fmt.Fprintf(&sb, " dnet=%d dadr=%x hops=%d", n.destNet, n.destAddr, n.hopCount)
	}
	if n.hasSource {
		fmt.Fprintf(&sb, " snet=%d sadr=%x", n.srcNet, n.srcAddr)
	}
	if n.networkMessage {
		fmt.Fprintf(&sb, " msg=0x%02x", uint8(n.messageType))
		if n.messageType >= NetworkMessageVendorProprietary {
			fmt.Fprintf(&sb, " vendor=%d", n.vendorID)
		}
	}
	sb.WriteString("}")
	return sb.String()
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
