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

// Segmentation represents segmentation support
type Segmentation uint8

const (
	SegmentationBoth     Segmentation = 0
	SegmentationTransmit Segmentation = 1
	SegmentationReceive  Segmentation = 2
	SegmentationNone     Segmentation = 3
)

func (s Segmentation) String() string {
	switch s {
	case SegmentationBoth:
		return "both"
	case SegmentationTransmit:
		return "transmit"
	case SegmentationReceive:
		return "receive"
	case SegmentationNone:
		return "none"
	default:
		return fmt.Sprintf("segmentation(%d)", uint8(s))
	}
}

// WhoIs is the Who-Is request. A nil range addresses every device.
type WhoIs struct {
	Low  *uint32
	High *uint32
}

// Encode encodes the complete Who-Is APDU
func (w WhoIs) Encode() []byte {
	var data []byte
	if w.Low != nil && w.High != nil {
		data = append(data, EncodeContextUnsigned(0, *w.Low)...)
		data = append(data, EncodeContextUnsigned(1, *w.High)...)
	}
	return EncodeUnconfirmedRequest(ServiceWhoIs, data)
}

// DecodeWhoIs decodes a Who-Is service payload
func DecodeWhoIs(payload []byte) (WhoIs, error) {
	var w WhoIs
	if len(payload) == 0 {
		return w, nil
	}
	low, n, err := decodeContextUnsigned(payload, 0)
	if err != nil {
		return w, fmt.Errorf("decode who-is low limit: %w", err)
	}
	high, _, err := decodeContextUnsigned(payload[n:], 1)
	if err != nil {
		return w, fmt.Errorf("decode who-is high limit: %w", err)
	}
	w.Low, w.High = &low, &high
	return w, nil
}

// Matches reports whether the device instance falls in the requested range
func (w WhoIs) Matches(instance uint32) bool {
	if w.Low == nil || w.High == nil {
		return true
	}
	return instance >= *w.Low && instance <= *w.High
}

// IAm is the I-Am announcement
type IAm struct {
	ObjectID      ObjectIdentifier
	MaxAPDULength uint16
	Segmentation  Segmentation
	VendorID      uint16
}

// Encode encodes the complete I-Am APDU
func (i IAm) Encode() []byte {
	var data []byte
	data = append(data, EncodeObjectIdentifierTag(i.ObjectID)...)
	data = append(data, EncodeUnsignedTag(uint32(i.MaxAPDULength))...)
	data = append(data, EncodeEnumeratedTag(uint32(i.Segmentation))...)
	data = append(data, EncodeUnsignedTag(uint32(i.VendorID))...)
	return EncodeUnconfirmedRequest(ServiceIAm, data)
}

// DecodeIAm decodes an I-Am service payload
func DecodeIAm(payload []byte) (IAm, error) {
	var i IAm

	value, n, err := decodeApplicationValue(payload, TagObjectID)
	if err != nil || len(value) != 4 {
		return i, fmt.Errorf("decode i-am object identifier: %w", ErrInvalidAPDU)
	}
	i.ObjectID = DecodeObjectIdentifier(binary.BigEndian.Uint32(value))
	if i.ObjectID.Type != ObjectTypeDevice {
		return i, fmt.Errorf("%w: i-am for %s", ErrInvalidAPDU, i.ObjectID)
	}
	offset := n

	value, n, err = decodeApplicationValue(payload[offset:], TagUnsignedInt)
	if err != nil {
		return i, fmt.Errorf("decode i-am max apdu: %w", err)
	}
	i.MaxAPDULength = uint16(DecodeUnsigned(value))
	offset += n

	value, n, err = decodeApplicationValue(payload[offset:], TagEnumerated)
	if err != nil {
		return i, fmt.Errorf("decode i-am segmentation: %w", err)
	}
	i.Segmentation = Segmentation(DecodeUnsigned(value))
	offset += n

	value, _, err = decodeApplicationValue(payload[offset:], TagUnsignedInt)
	if err != nil {
		return i, fmt.Errorf("decode i-am vendor id: %w", err)
	}
	i.VendorID = uint16(DecodeUnsigned(value))

	return i, nil
}
