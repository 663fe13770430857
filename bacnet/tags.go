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
)

// Tag encoding/decoding helpers

// EncodeTag encodes a BACnet tag header
func EncodeTag(tagNum uint8, class TagClass, length int) []byte {
	if length < 5 && tagNum < 15 {
		// Short form
		return []byte{(tagNum << 4) | (uint8(class) << 3) | uint8(length)}
	}

	buf := make([]byte, 0, 7)

	first := uint8(class) << 3
	if tagNum >= 15 {
		first |= 0xF0
	} else {
		first |= tagNum << 4
	}
	if length >= 5 {
		first |= 0x05
	} else {
		first |= uint8(length)
	}
	buf = append(buf, first)
	if tagNum >= 15 {
		buf = append(buf, tagNum)
	}

	// Extended length
	if length >= 5 {
		switch {
		case length < 254:
			buf = append(buf, byte(length))
		case length < 65536:
			buf = append(buf, 254, byte(length>>8), byte(length))
		default:
			buf = append(buf, 255, byte(length>>24), byte(length>>16), byte(length>>8), byte(length))
		}
	}

	return buf
}

// EncodeContextTag encodes a context-specific tag followed by data
func EncodeContextTag(tagNum uint8, data []byte) []byte {
	tag := EncodeTag(tagNum, TagClassContext, len(data))
	return append(tag, data...)
}

// EncodeApplicationTag encodes an application tag followed by data
func EncodeApplicationTag(tag ApplicationTag, data []byte) []byte {
	hdr := EncodeTag(uint8(tag), TagClassApplication, len(data))
	return append(hdr, data...)
}

// EncodeUnsigned encodes an unsigned integer in the fewest octets
func EncodeUnsigned(value uint32) []byte {
	switch {
	case value < 0x100:
		return []byte{byte(value)}
	case value < 0x10000:
		return []byte{byte(value >> 8), byte(value)}
	case value < 0x1000000:
		return []byte{byte(value >> 16), byte(value >> 8), byte(value)}
	default:
		return []byte{byte(value >> 24), byte(value >> 16), byte(value >> 8), byte(value)}
	}
}

// EncodeUnsignedTag encodes an unsigned integer with application tag
func EncodeUnsignedTag(value uint32) []byte {
	return EncodeApplicationTag(TagUnsignedInt, EncodeUnsigned(value))
}

// EncodeContextUnsigned encodes an unsigned integer with context tag
func EncodeContextUnsigned(tagNum uint8, value uint32) []byte {
	return EncodeContextTag(tagNum, EncodeUnsigned(value))
}

// EncodeEnumeratedTag encodes an enumerated value with application tag
func EncodeEnumeratedTag(value uint32) []byte {
	return EncodeApplicationTag(TagEnumerated, EncodeUnsigned(value))
}

// EncodeObjectIdentifierTag encodes an object identifier with application tag
func EncodeObjectIdentifierTag(oid ObjectIdentifier) []byte {
	return EncodeApplicationTag(TagObjectID, binary.BigEndian.AppendUint32(nil, oid.Encode()))
}

// EncodeDateTag encodes a date with application tag
func EncodeDateTag(d Date) []byte {
	b := d.Encode()
	return EncodeApplicationTag(TagDate, b[:])
}

// EncodeTimeTag encodes a time with application tag
func EncodeTimeTag(t Time) []byte {
	b := t.Encode()
	return EncodeApplicationTag(TagTime, b[:])
}

// DecodeTagNumber decodes a tag header. For opening and closing tags length
// is -1 and -2 respectively.
func DecodeTagNumber(data []byte) (tagNum uint8, class TagClass, length int, headerLen int, err error) {
	if len(data) < 1 {
		return 0, 0, 0, 0, ErrInvalidAPDU
	}

	tagNum = (data[0] >> 4) & 0x0F
	class = TagClass((data[0] >> 3) & 0x01)
	length = int(data[0] & 0x07)
	headerLen = 1

	// Extended tag number
	if tagNum == 0x0F {
		if len(data) < 2 {
			return 0, 0, 0, 0, ErrInvalidAPDU
		}
		tagNum = data[1]
		headerLen = 2
	}

	if class == TagClassContext && (data[0]&0x07) == 0x06 {
		return tagNum, class, -1, headerLen, nil
	}
	if class == TagClassContext && (data[0]&0x07) == 0x07 {
		return tagNum, class, -2, headerLen, nil
	}

	// Extended length
	if length == 5 {
		if len(data) < headerLen+1 {
			return 0, 0, 0, 0, ErrInvalidAPDU
		}
		switch {
		case data[headerLen] < 254:
			length = int(data[headerLen])
			headerLen++
		case data[headerLen] == 254:
			if len(data) < headerLen+3 {
				return 0, 0, 0, 0, ErrInvalidAPDU
			}
			length = int(binary.BigEndian.Uint16(data[headerLen+1:]))
			headerLen += 3
		default:
			if len(data) < headerLen+5 {
				return 0, 0, 0, 0, ErrInvalidAPDU
			}
			length = int(binary.BigEndian.Uint32(data[headerLen+1:]))
			headerLen += 5
		}
	}

	return tagNum, class, length, headerLen, nil
}

// DecodeUnsigned decodes an unsigned integer from data
func DecodeUnsigned(data []byte) uint32 {
	switch len(data) {
	case 1:
		return uint32(data[0])
	case 2:
		return uint32(binary.BigEndian.Uint16(data))
	case 3:
		return uint32(data[0])<<16 | uint32(data[1])<<8 | uint32(data[2])
	case 4:
		return binary.BigEndian.Uint32(data)
	default:
		return 0
	}
}

// decodeApplicationValue reads one application-tagged primitive and checks
// its tag, returning the value bytes and the total bytes consumed.
func decodeApplicationValue(data []byte, want ApplicationTag) ([]byte, int, error) {
	tagNum, class, length, headerLen, err := DecodeTagNumber(data)
	if err != nil {
		return nil, 0, err
	}
	if class != TagClassApplication || ApplicationTag(tagNum) != want || length < 0 {
		return nil, 0, ErrInvalidAPDU
	}
	if len(data) < headerLen+length {
		return nil, 0, ErrInvalidAPDU
	}
	return data[headerLen : headerLen+length], headerLen + length, nil
}

// decodeContextUnsigned reads a context-tagged unsigned integer with tag
// number want.
func decodeContextUnsigned(data []byte, want uint8) (uint32, int, error) {
	tagNum, class, length, headerLen, err := DecodeTagNumber(data)
	if err != nil {
		return 0, 0, err
	}
	if class != TagClassContext || tagNum != want || length < 1 || length > 4 {
		return 0, 0, ErrInvalidAPDU
	}
	if len(data) < headerLen+length {
		return 0, 0, ErrInvalidAPDU
	}
	return DecodeUnsigned(data[headerLen : headerLen+length]), headerLen + length, nil
}
