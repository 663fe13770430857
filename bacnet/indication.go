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

// DeviceAddress identifies a peer on a specific link
type DeviceAddress interface {
	// ToDestination turns a source address as seen on an inbound message
	// into an address that a reply can be sent to.
	ToDestination() DeviceAddress
	String() string
}

// Listener receives indications. For replies to a request, the returned
// value or error resolves the request's Reply.
type Listener interface {
	Event(ind *Indication) (any, error)
}

// ListenerFunc adapts a function to the Listener interface
type ListenerFunc func(ind *Indication) (any, error)

// Event calls f(ind)
func (f ListenerFunc) Event(ind *Indication) (any, error) {
	return f(ind)
}

// Indication is a decoded inbound message. It is never modified after
// construction; listeners each receive their own copy.
type Indication struct {
	source         DeviceAddress
	pci            ProtocolControlInformation
	apdu           []byte
	payloadOffset  int
	priority       Priority
	expectingReply bool
	transport      *Transport
}

// NewIndication builds an indication from a raw APDU. The APDU is copied.
func NewIndication(source DeviceAddress, apdu []byte, priority Priority, expectingReply bool) (*Indication, error) {
	pci, n, err := DecodePCI(apdu)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, len(apdu))
	copy(buf, apdu)
	return &Indication{
		source:         source,
		pci:            pci,
		apdu:           buf,
		payloadOffset:  n,
		priority:       priority,
		expectingReply: expectingReply,
	}, nil
}

// Source returns the address the message came from
func (i *Indication) Source() DeviceAddress { return i.source }

// PCI returns the decoded APDU header
func (i *Indication) PCI() ProtocolControlInformation { return i.pci }

// APDU returns the complete APDU
func (i *Indication) APDU() []byte { return i.apdu }

// Payload returns the service data following the APDU header
func (i *Indication) Payload() []byte { return i.apdu[i.payloadOffset:] }

// Priority returns the network priority of the message
func (i *Indication) Priority() Priority { return i.priority }

// ExpectingReply reports the NPDU data-expecting-reply flag
func (i *Indication) ExpectingReply() bool { return i.expectingReply }

// Transport returns the transport that received the message, so listeners
// can answer through it.
func (i *Indication) Transport() *Transport { return i.transport }

// Clone returns a deep copy
func (i *Indication) Clone() *Indication {
	c := *i
	c.apdu = make([]byte, len(i.apdu))
	copy(c.apdu, i.apdu)
	return &c
}

func (i *Indication) withTransport(t *Transport) *Indication {
	c := *i
	c.transport = t
	return &c
}
