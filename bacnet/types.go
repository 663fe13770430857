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

// Package bacnet provides the BACnet transport engine: invoke ID management,
// confirmed request tracking with retransmission and timeout, indication
// dispatch, and the NPDU, BVLC and Date/Time codecs the stack depends on.
package bacnet

import (
	"fmt"
)

// DefaultPort is the standard BACnet/IP UDP port
const DefaultPort = 47808

// MaxAPDULength is the maximum APDU length for BACnet/IP
const MaxAPDULength = 1476

// MaxDatagramSize is the largest BACnet/IP datagram (BVLC + NPDU + APDU)
const MaxDatagramSize = 1497

// BVLCType is the BACnet Virtual Link Control type octet
type BVLCType uint8

const (
	BVLCTypeBACnetIP BVLCType = 0x81
)

// BVLCFunction is the BVLC function octet
type BVLCFunction uint8

const (
	BVLCResult                BVLCFunction = 0x00
	BVLCForwardedNPDU         BVLCFunction = 0x04
	BVLCRegisterForeignDevice BVLCFunction = 0x05
	BVLCDistributeBroadcast   BVLCFunction = 0x09
	BVLCOriginalUnicastNPDU   BVLCFunction = 0x0A
	BVLCOriginalBroadcastNPDU BVLCFunction = 0x0B
	BVLCSecureBVLL            BVLCFunction = 0x0C
)

func (f BVLCFunction) String() string {
	switch f {
	case BVLCResult:
		return "result"
	case BVLCForwardedNPDU:
		return "forwarded-npdu"
	case BVLCRegisterForeignDevice:
		return "register-foreign-device"
	case BVLCDistributeBroadcast:
		return "distribute-broadcast-to-network"
	case BVLCOriginalUnicastNPDU:
		return "original-unicast-npdu"
	case BVLCOriginalBroadcastNPDU:
		return "original-broadcast-npdu"
	case BVLCSecureBVLL:
		return "secure-bvll"
	default:
		return fmt.Sprintf("bvlc-function(0x%02x)", uint8(f))
	}
}

// NPDUControl holds the bits of the NPDU control octet
type NPDUControl uint8

const (
	NPDUControlNetworkLayerMessage NPDUControl = 0x80
	NPDUControlDestSpecifier       NPDUControl = 0x20
	NPDUControlSourceSpecifier     NPDUControl = 0x08
	NPDUControlExpectingReply      NPDUControl = 0x04
	NPDUControlPriorityMask        NPDUControl = 0x03
)

// Priority is the 2-bit network priority carried in the NPDU control octet
type Priority uint8

const (
	PriorityNormal            Priority = 0x00
	PriorityUrgent            Priority = 0x01
	PriorityCriticalEquipment Priority = 0x02
	PriorityLifeSafety        Priority = 0x03
)

func (p Priority) String() string {
	switch p {
	case PriorityNormal:
		return "normal"
	case PriorityUrgent:
		return "urgent"
	case PriorityCriticalEquipment:
		return "critical-equipment"
	case PriorityLifeSafety:
		return "life-safety"
	default:
		return fmt.Sprintf("priority(%d)", uint8(p))
	}
}

// ParsePriority parses a priority name as printed by Priority.String
func ParsePriority(s string) (Priority, bool) {
	for _, p := range []Priority{PriorityNormal, PriorityUrgent, PriorityCriticalEquipment, PriorityLifeSafety} {
		if p.String() == s {
			return p, true
		}
	}
	return PriorityNormal, false
}

// NetworkMessageType identifies a network layer message
type NetworkMessageType uint8

const (
	NetworkMessageWhoIsRouterToNetwork      NetworkMessageType = 0x00
	NetworkMessageIAmRouterToNetwork        NetworkMessageType = 0x01
	NetworkMessageICouldBeRouterToNetwork   NetworkMessageType = 0x02
	NetworkMessageRejectMessageToNetwork    NetworkMessageType = 0x03
	NetworkMessageRouterBusyToNetwork       NetworkMessageType = 0x04
	NetworkMessageRouterAvailableToNetwork  NetworkMessageType = 0x05
	NetworkMessageInitializeRoutingTable    NetworkMessageType = 0x06
	NetworkMessageInitializeRoutingTableAck NetworkMessageType = 0x07
	NetworkMessageWhatIsNetworkNumber       NetworkMessageType = 0x12
	NetworkMessageNetworkNumberIs           NetworkMessageType = 0x13

	// NetworkMessageVendorProprietary is the first vendor specific message
	// type; these carry a 2-byte vendor ID after the type octet.
	NetworkMessageVendorProprietary NetworkMessageType = 0x80
)

// PDUType is the APDU type, held in the upper nibble of the first APDU octet
type PDUType uint8

const (
	PDUTypeConfirmedRequest   PDUType = 0x00
	PDUTypeUnconfirmedRequest PDUType = 0x10
	PDUTypeSimpleAck          PDUType = 0x20
	PDUTypeComplexAck         PDUType = 0x30
	PDUTypeSegmentAck         PDUType = 0x40
	PDUTypeError              PDUType = 0x50
	PDUTypeReject             PDUType = 0x60
	PDUTypeAbort              PDUType = 0x70
)

func (t PDUType) String() string {
	switch t {
	case PDUTypeConfirmedRequest:
		return "confirmed-request"
	case PDUTypeUnconfirmedRequest:
		return "unconfirmed-request"
	case PDUTypeSimpleAck:
		return "simple-ack"
	case PDUTypeComplexAck:
		return "complex-ack"
	case PDUTypeSegmentAck:
		return "segment-ack"
	case PDUTypeError:
		return "error"
	case PDUTypeReject:
		return "reject"
	case PDUTypeAbort:
		return "abort"
	default:
		return fmt.Sprintf("pdu-type(0x%02x)", uint8(t))
	}
}

// HasLocalInvokeID reports whether a PDU of this type carries an invoke ID
// that was allocated by the receiving side, i.e. it answers one of our
// confirmed requests.
func (t PDUType) HasLocalInvokeID() bool {
	switch t {
	case PDUTypeSimpleAck, PDUTypeComplexAck, PDUTypeSegmentAck,
		PDUTypeError, PDUTypeReject, PDUTypeAbort:
		return true
	default:
		return false
	}
}

// ConfirmedServiceChoice identifies a confirmed service
type ConfirmedServiceChoice uint8

const (
	ServiceSubscribeCOV               ConfirmedServiceChoice = 5
	ServiceReadProperty               ConfirmedServiceChoice = 12
	ServiceReadPropertyMultiple       ConfirmedServiceChoice = 14
	ServiceWriteProperty              ConfirmedServiceChoice = 15
	ServiceDeviceCommunicationControl ConfirmedServiceChoice = 17
	ServiceReinitializeDevice         ConfirmedServiceChoice = 20
)

func (s ConfirmedServiceChoice) String() string {
	names := map[ConfirmedServiceChoice]string{
		ServiceSubscribeCOV:               "SubscribeCOV",
		ServiceReadProperty:               "ReadProperty",
		ServiceReadPropertyMultiple:       "ReadPropertyMultiple",
		ServiceWriteProperty:              "WriteProperty",
		ServiceDeviceCommunicationControl: "DeviceCommunicationControl",
		ServiceReinitializeDevice:         "ReinitializeDevice",
	}
	if name, ok := names[s]; ok {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", s)
}

// UnconfirmedServiceChoice identifies an unconfirmed service
type UnconfirmedServiceChoice uint8

const (
	ServiceIAm                        UnconfirmedServiceChoice = 0
	ServiceIHave                      UnconfirmedServiceChoice = 1
	ServiceUnconfirmedCOVNotification UnconfirmedServiceChoice = 2
	ServiceTimeSynchronization        UnconfirmedServiceChoice = 6
	ServiceWhoHas                     UnconfirmedServiceChoice = 7
	ServiceWhoIs                      UnconfirmedServiceChoice = 8
	ServiceUTCTimeSynchronization     UnconfirmedServiceChoice = 9
)

func (s UnconfirmedServiceChoice) String() string {
	names := map[UnconfirmedServiceChoice]string{
		ServiceIAm:                        "I-Am",
		ServiceIHave:                      "I-Have",
		ServiceUnconfirmedCOVNotification: "UnconfirmedCOVNotification",
		ServiceTimeSynchronization:        "TimeSynchronization",
		ServiceWhoHas:                     "Who-Has",
		ServiceWhoIs:                      "Who-Is",
		ServiceUTCTimeSynchronization:     "UTCTimeSynchronization",
	}
	if name, ok := names[s]; ok {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", s)
}

// ObjectType represents BACnet object types
type ObjectType uint16

const ObjectTypeDevice ObjectType = 8

func (o ObjectType) String() string {
	if o == ObjectTypeDevice {
		return "device"
	}
	return fmt.Sprintf("object-type(%d)", uint16(o))
}

// MaxInstance is the largest object instance number; 4194303 also means
// "unconfigured" for device instances.
const MaxInstance = 0x3FFFFF

// ObjectIdentifier represents a BACnet object identifier (type + instance)
type ObjectIdentifier struct {
	Type     ObjectType
	Instance uint32
}

// Encode encodes the object identifier to a 4-byte value
func (o ObjectIdentifier) Encode() uint32 {
	return (uint32(o.Type) << 22) | (o.Instance & MaxInstance)
}

// DecodeObjectIdentifier decodes a 4-byte value to an ObjectIdentifier
func DecodeObjectIdentifier(value uint32) ObjectIdentifier {
	return ObjectIdentifier{
		Type:     ObjectType((value >> 22) & 0x3FF),
		Instance: value & MaxInstance,
	}
}

func (o ObjectIdentifier) String() string {
	return fmt.Sprintf("%s:%d", o.Type.String(), o.Instance)
}

// TagClass distinguishes application from context tags
type TagClass uint8

const (
	TagClassApplication TagClass = 0
	TagClassContext     TagClass = 1
)

// ApplicationTag numbers the primitive application data types
type ApplicationTag uint8

const (
	TagNull            ApplicationTag = 0
	TagBoolean         ApplicationTag = 1
	TagUnsignedInt     ApplicationTag = 2
	TagSignedInt       ApplicationTag = 3
	TagReal            ApplicationTag = 4
	TagDouble          ApplicationTag = 5
	TagOctetString     ApplicationTag = 6
	TagCharacterString ApplicationTag = 7
	TagBitString       ApplicationTag = 8
	TagEnumerated      ApplicationTag = 9
	TagDate            ApplicationTag = 10
	TagTime            ApplicationTag = 11
	TagObjectID        ApplicationTag = 12
)
