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
)

// BVLCHeaderLength is the size of the BACnet/IP virtual link header
const BVLCHeaderLength = 4

// BVLCHeader is the BACnet Virtual Link Control header
type BVLCHeader struct {
	Type     BVLCType
	Function BVLCFunction
	Length   uint16
}

// EncodeBVLC encodes a BVLC header for a payload of npduLength bytes.
// The length field covers the header itself.
func EncodeBVLC(function BVLCFunction, npduLength int) []byte {
	buf := make([]byte, BVLCHeaderLength)
	buf[0] = byte(BVLCTypeBACnetIP)
	buf[1] = byte(function)
	binary.BigEndian.PutUint16(buf[2:], uint16(BVLCHeaderLength+npduLength))
	return buf
}

// DecodeBVLC decodes a BVLC header
func DecodeBVLC(data []byte) (BVLCHeader, error) {
	if len(data) < BVLCHeaderLength {
		return BVLCHeader{}, fmt.Errorf("%w: short header (%d bytes)", ErrInvalidBVLC, len(data))
	}
	return BVLCHeader{
		Type:     BVLCType(data[0]),
		Function: BVLCFunction(data[1]),
		Length:   binary.BigEndian.Uint16(data[2:4]),
	}, nil
}

// DecodeOriginalBVLC decodes the header of an original unicast or broadcast
// datagram and returns the NPDU that follows it. The length field must
// equal the datagram size.
func DecodeOriginalBVLC(datagram []byte) (BVLCHeader, []byte, error) {
	hdr, err := DecodeBVLC(datagram)
	if err != nil {
		return hdr, nil, err
	}
	if hdr.Type != BVLCTypeBACnetIP {
		return hdr, nil, fmt.Errorf("%w: type 0x%02x", ErrInvalidBVLC, uint8(hdr.Type))
	}
	if hdr.Function != BVLCOriginalUnicastNPDU && hdr.Function != BVLCOriginalBroadcastNPDU {
		return hdr, nil, fmt.Errorf("%w: unsupported function %s", ErrInvalidBVLC, hdr.Function)
	}
	if int(hdr.Length) != len(datagram) {
		return hdr, nil, fmt.Errorf("%w: length %d, datagram %d", ErrInvalidBVLC, hdr.Length, len(datagram))
	}
	return hdr, datagram[BVLCHeaderLength:], nil
}
