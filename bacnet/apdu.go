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
	"fmt"
)

// APDU header flag bits
const (
	pciSegmented                 = 0x08
	pciMoreFollows               = 0x04
	pciSegmentedResponseAccepted = 0x02
	pciNegativeAck               = 0x02
	pciServer                    = 0x01
)

// ProtocolControlInformation is the decoded APDU header. Only the fields
// defined for Type are meaningful.
type ProtocolControlInformation struct {
	Type PDUType

	Segmented                 bool
	MoreFollows               bool
	SegmentedResponseAccepted bool
	NegativeAck               bool
	Server                    bool

	MaxSegments uint8
	MaxAPDU     uint8

	InvokeID       uint8
	SequenceNumber uint8
	WindowSize     uint8

	// Service is the service choice for requests, acks and errors
	Service uint8
	// Reason is the reject or abort reason
	Reason uint8
}

// HasLocalInvokeID reports whether the invoke ID refers to a request sent
// by the receiver of this PDU.
func (p ProtocolControlInformation) HasLocalInvokeID() bool {
	return p.Type.HasLocalInvokeID()
}

// HasInvokeID reports whether the PDU carries an invoke ID at all
func (p ProtocolControlInformation) HasInvokeID() bool {
	return p.Type == PDUTypeConfirmedRequest || p.Type.HasLocalInvokeID()
}

// IsConfirmedRequest reports whether the PDU is a confirmed request
func (p ProtocolControlInformation) IsConfirmedRequest() bool {
	return p.Type == PDUTypeConfirmedRequest
}

// WithInvokeID returns a copy with the invoke ID replaced
func (p ProtocolControlInformation) WithInvokeID(id uint8) ProtocolControlInformation {
	p.InvokeID = id
	return p
}

// ServiceName names the service choice, or the reason of a reject or abort.
// Segment acks carry neither and return "".
func (p ProtocolControlInformation) ServiceName() string {
	switch p.Type {
	case PDUTypeUnconfirmedRequest:
		return UnconfirmedServiceChoice(p.Service).String()
	case PDUTypeConfirmedRequest, PDUTypeSimpleAck, PDUTypeComplexAck, PDUTypeError:
		return ConfirmedServiceChoice(p.Service).String()
	case PDUTypeReject:
		return RejectReason(p.Reason).String()
	case PDUTypeAbort:
		return AbortReason(p.Reason).String()
	default:
		return ""
	}
}

// Encode serializes the header. The service payload follows it on the wire.
func (p ProtocolControlInformation) Encode() []byte {
	switch p.Type {
	case PDUTypeConfirmedRequest:
		first := byte(p.Type)
		if p.Segmented {
			first |= pciSegmented
		}
		if p.MoreFollows {
			first |= pciMoreFollows
		}
		if p.SegmentedResponseAccepted {
			first |= pciSegmentedResponseAccepted
		}
		buf := []byte{first, (p.MaxSegments&0x07)<<4 | p.MaxAPDU&0x0F, p.InvokeID}
		if p.Segmented {
			buf = append(buf, p.SequenceNumber, p.WindowSize)
		}
		return append(buf, p.Service)
	case PDUTypeUnconfirmedRequest:
		return []byte{byte(p.Type), p.Service}
	case PDUTypeSimpleAck, PDUTypeError:
		return []byte{byte(p.Type), p.InvokeID, p.Service}
	case PDUTypeComplexAck:
		first := byte(p.Type)
		if p.Segmented {
			first |= pciSegmented
		}
		if p.MoreFollows {
			first |= pciMoreFollows
		}
		buf := []byte{first, p.InvokeID}
		if p.Segmented {
			buf = append(buf, p.SequenceNumber, p.WindowSize)
		}
		return append(buf, p.Service)
	case PDUTypeSegmentAck:
		first := byte(p.Type)
		if p.NegativeAck {
			first |= pciNegativeAck
		}
		if p.Server {
			first |= pciServer
		}
		return []byte{first, p.InvokeID, p.SequenceNumber, p.WindowSize}
	case PDUTypeReject:
		return []byte{byte(p.Type), p.InvokeID, p.Reason}
	case PDUTypeAbort:
		first := byte(p.Type)
		if p.Server {
			first |= pciServer
		}
		return []byte{first, p.InvokeID, p.Reason}
	default:
		return []byte{byte(p.Type)}
	}
}

// DecodePCI decodes the APDU header and returns it with the header length.
// The service payload starts at data[n:].
func DecodePCI(data []byte) (ProtocolControlInformation, int, error) {
	var p ProtocolControlInformation
	if len(data) < 1 {
		return p, 0, fmt.Errorf("%w: empty APDU", ErrInvalidAPDU)
	}

	p.Type = PDUType(data[0] & 0xF0)
	need := func(n int) error {
		if len(data) < n {
			return fmt.Errorf("%w: %s needs %d bytes, got %d", ErrInvalidAPDU, p.Type, n, len(data))
		}
		return nil
	}

	switch p.Type {
	case PDUTypeConfirmedRequest:
		p.Segmented = data[0]&pciSegmented != 0
		p.MoreFollows = data[0]&pciMoreFollows != 0
		p.SegmentedResponseAccepted = data[0]&pciSegmentedResponseAccepted != 0
		n := 4
		if p.Segmented {
			n = 6
		}
		if err := need(n); err != nil {
			return ProtocolControlInformation{}, 0, err
		}
		p.MaxSegments = (data[1] >> 4) & 0x07
		p.MaxAPDU = data[1] & 0x0F
		p.InvokeID = data[2]
		if p.Segmented {
			p.SequenceNumber = data[3]
			p.WindowSize = data[4]
		}
		p.Service = data[n-1]
		return p, n, nil

	case PDUTypeUnconfirmedRequest:
		if err := need(2); err != nil {
			return ProtocolControlInformation{}, 0, err
		}
		p.Service = data[1]
		return p, 2, nil

	case PDUTypeSimpleAck, PDUTypeError:
		if err := need(3); err != nil {
			return ProtocolControlInformation{}, 0, err
		}
		p.InvokeID = data[1]
		p.Service = data[2]
		return p, 3, nil

	case PDUTypeComplexAck:
		p.Segmented = data[0]&pciSegmented != 0
		p.MoreFollows = data[0]&pciMoreFollows != 0
		n := 3
		if p.Segmented {
			n = 5
		}
		if err := need(n); err != nil {
			return ProtocolControlInformation{}, 0, err
		}
		p.InvokeID = data[1]
		if p.Segmented {
			p.SequenceNumber = data[2]
			p.WindowSize = data[3]
		}
		p.Service = data[n-1]
		return p, n, nil

	case PDUTypeSegmentAck:
		if err := need(4); err != nil {
			return ProtocolControlInformation{}, 0, err
		}
		p.NegativeAck = data[0]&pciNegativeAck != 0
		p.Server = data[0]&pciServer != 0
		p.InvokeID = data[1]
		p.SequenceNumber = data[2]
		p.WindowSize = data[3]
		return p, 4, nil

	case PDUTypeReject, PDUTypeAbort:
		if err := need(3); err != nil {
			return ProtocolControlInformation{}, 0, err
		}
		if p.Type == PDUTypeAbort {
			p.Server = data[0]&pciServer != 0
		}
		p.InvokeID = data[1]
		p.Reason = data[2]
		return p, 3, nil

	default:
		return ProtocolControlInformation{}, 0, fmt.Errorf("%w: unknown PDU type 0x%02x", ErrInvalidAPDU, data[0])
	}
}

// StampInvokeID returns a copy of apdu with its invoke ID set to id
func StampInvokeID(apdu []byte, id uint8) ([]byte, error) {
	pci, _, err := DecodePCI(apdu)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(apdu))
	copy(out, apdu)
	switch {
	case pci.Type == PDUTypeConfirmedRequest:
		out[2] = id
	case pci.Type.HasLocalInvokeID():
		out[1] = id
	default:
		return nil, fmt.Errorf("%w: %s carries no invoke ID", ErrInvalidAPDU, pci.Type)
	}
	return out, nil
}

// EncodeConfirmedRequest encodes a confirmed service request APDU. The
// invoke ID is assigned by the transport when the request is sent.
func EncodeConfirmedRequest(service ConfirmedServiceChoice, data []byte) []byte {
	pci := ProtocolControlInformation{
		Type:    PDUTypeConfirmedRequest,
		MaxAPDU: 0x05, // up to 1476 octets
		Service: uint8(service),
	}
	return append(pci.Encode(), data...)
}

// EncodeUnconfirmedRequest encodes an unconfirmed service request APDU
func EncodeUnconfirmedRequest(service UnconfirmedServiceChoice, data []byte) []byte {
	pci := ProtocolControlInformation{Type: PDUTypeUnconfirmedRequest, Service: uint8(service)}
	return append(pci.Encode(), data...)
}

// EncodeSimpleAck encodes a Simple-ACK for invokeID
func EncodeSimpleAck(invokeID uint8, service ConfirmedServiceChoice) []byte {
	pci := ProtocolControlInformation{Type: PDUTypeSimpleAck, InvokeID: invokeID, Service: uint8(service)}
	return pci.Encode()
}

// EncodeErrorPDU encodes an Error-PDU carrying class and code
func EncodeErrorPDU(invokeID uint8, service ConfirmedServiceChoice, class ErrorClass, code ErrorCode) []byte {
	pci := ProtocolControlInformation{Type: PDUTypeError, InvokeID: invokeID, Service: uint8(service)}
	buf := pci.Encode()
	buf = append(buf, EncodeEnumeratedTag(uint32(class))...)
	return append(buf, EncodeEnumeratedTag(uint32(code))...)
}

// EncodeReject encodes a Reject-PDU
func EncodeReject(invokeID uint8, reason RejectReason) []byte {
	pci := ProtocolControlInformation{Type: PDUTypeReject, InvokeID: invokeID, Reason: uint8(reason)}
	return pci.Encode()
}

// EncodeAbort encodes an Abort-PDU
func EncodeAbort(invokeID uint8, server bool, reason AbortReason) []byte {
	pci := ProtocolControlInformation{Type: PDUTypeAbort, InvokeID: invokeID, Server: server, Reason: uint8(reason)}
	return pci.Encode()
}
