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
	"errors"
	"fmt"
)

// Sentinel errors
var (
	ErrTimeout            = errors.New("bacnet: request timeout")
	ErrCancelled          = errors.New("bacnet: request cancelled")
	ErrClosed             = errors.New("bacnet: transport closed")
	ErrNotStarted         = errors.New("bacnet: transport not started")
	ErrAlreadyStarted     = errors.New("bacnet: transport already started")
	ErrOutOfInvokeIDs     = errors.New("bacnet: no free invoke ID")
	ErrInvalidAPDU        = errors.New("bacnet: invalid APDU")
	ErrInvalidNPDU        = errors.New("bacnet: invalid NPDU")
	ErrInvalidBVLC        = errors.New("bacnet: invalid BVLC header")
	ErrUnsupportedAddress = errors.New("bacnet: unsupported device address")
	ErrMessageTooLong     = errors.New("bacnet: message exceeds maximum datagram size")

	// ErrValidation is matched by every Date/Time parse, range and
	// wildcard error.
	ErrValidation = errors.New("bacnet: validation failed")
	ErrWildcard   = errors.New("bacnet: value contains wildcards")
)

// ParseError reports a Date/Time field that is neither numeric nor a known keyword
type ParseError struct {
	Field string
	Input string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("bacnet: cannot parse %s %q", e.Field, e.Input)
}

func (e *ParseError) Is(target error) bool {
	return target == ErrValidation
}

// RangeError reports a numeric Date/Time field outside its legal range
type RangeError struct {
	Field string
	Value int
	Min   int
	Max   int
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("bacnet: %s %d out of range [%d, %d]", e.Field, e.Value, e.Min, e.Max)
}

func (e *RangeError) Is(target error) bool {
	return target == ErrValidation
}

// WildcardError reports a conversion that requires a concrete value but
// found a wildcard in Field.
type WildcardError struct {
	Field string
}

func (e *WildcardError) Error() string {
	return fmt.Sprintf("bacnet: %s is a wildcard", e.Field)
}

func (e *WildcardError) Is(target error) bool {
	return target == ErrWildcard || target == ErrValidation
}

// ErrorClass represents BACnet error classes
type ErrorClass uint8

const (
	ErrorClassDevice        ErrorClass = 0
	ErrorClassObject        ErrorClass = 1
	ErrorClassProperty      ErrorClass = 2
	ErrorClassResources     ErrorClass = 3
	ErrorClassSecurity      ErrorClass = 4
	ErrorClassServices      ErrorClass = 5
	ErrorClassVT            ErrorClass = 6
	ErrorClassCommunication ErrorClass = 7
)

func (e ErrorClass) String() string {
	names := map[ErrorClass]string{
		ErrorClassDevice:        "device",
		ErrorClassObject:        "object",
		ErrorClassProperty:      "property",
		ErrorClassResources:     "resources",
		ErrorClassSecurity:      "security",
		ErrorClassServices:      "services",
		ErrorClassVT:            "vt",
		ErrorClassCommunication: "communication",
	}
	if name, ok := names[e]; ok {
		return name
	}
	return fmt.Sprintf("error-class(%d)", e)
}

// ErrorCode represents BACnet error codes
type ErrorCode uint8

const (
	ErrorCodeOther                 ErrorCode = 0
	ErrorCodeDeviceBusy            ErrorCode = 3
	ErrorCodeUnknownObject         ErrorCode = 31
	ErrorCodeUnknownProperty       ErrorCode = 32
	ErrorCodeValueOutOfRange       ErrorCode = 37
	ErrorCodeServiceRequestDenied  ErrorCode = 29
	ErrorCodeOptionalNotSupported  ErrorCode = 45
	ErrorCodeUnknownDevice         ErrorCode = 70
	ErrorCodeUnknownRoute          ErrorCode = 71
	ErrorCodeTimeout               ErrorCode = 30
	ErrorCodeCommunicationDisabled ErrorCode = 83
)

func (e ErrorCode) String() string {
	names := map[ErrorCode]string{
		ErrorCodeOther:                 "other",
		ErrorCodeDeviceBusy:            "device-busy",
		ErrorCodeUnknownObject:         "unknown-object",
		ErrorCodeUnknownProperty:       "unknown-property",
		ErrorCodeValueOutOfRange:       "value-out-of-range",
		ErrorCodeServiceRequestDenied:  "service-request-denied",
		ErrorCodeOptionalNotSupported:  "optional-functionality-not-supported",
		ErrorCodeUnknownDevice:         "unknown-device",
		ErrorCodeUnknownRoute:          "unknown-route",
		ErrorCodeTimeout:               "timeout",
		ErrorCodeCommunicationDisabled: "communication-disabled",
	}
	if name, ok := names[e]; ok {
		return name
	}
	return fmt.Sprintf("error-code(%d)", e)
}

// ErrorPDU is an Error-PDU answer from a peer
type ErrorPDU struct {
	InvokeID uint8
	Service  ConfirmedServiceChoice
	Class    ErrorClass
	Code     ErrorCode
}

func (e *ErrorPDU) Error() string {
	return fmt.Sprintf("bacnet error: invoke-id=%d, service=%s, class=%s, code=%s",
		e.InvokeID, e.Service, e.Class, e.Code)
}

func (e *ErrorPDU) Is(target error) bool {
	t, ok := target.(*ErrorPDU)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// RejectReason represents BACnet reject reasons
type RejectReason uint8

const (
	RejectReasonOther                    RejectReason = 0
	RejectReasonBufferOverflow           RejectReason = 1
	RejectReasonInconsistentParameters   RejectReason = 2
	RejectReasonInvalidParameterDataType RejectReason = 3
	RejectReasonInvalidTag               RejectReason = 4
	RejectReasonMissingRequiredParameter RejectReason = 5
	RejectReasonParameterOutOfRange      RejectReason = 6
	RejectReasonTooManyArguments         RejectReason = 7
	RejectReasonUndefinedEnumeration     RejectReason = 8
	RejectReasonUnrecognizedService      RejectReason = 9
)

func (r RejectReason) String() string {
	names := map[RejectReason]string{
		RejectReasonOther:                    "other",
		RejectReasonBufferOverflow:           "buffer-overflow",
		RejectReasonInconsistentParameters:   "inconsistent-parameters",
		RejectReasonInvalidParameterDataType: "invalid-parameter-data-type",
		RejectReasonInvalidTag:               "invalid-tag",
		RejectReasonMissingRequiredParameter: "missing-required-parameter",
		RejectReasonParameterOutOfRange:      "parameter-out-of-range",
		RejectReasonTooManyArguments:         "too-many-arguments",
		RejectReasonUndefinedEnumeration:     "undefined-enumeration",
		RejectReasonUnrecognizedService:      "unrecognized-service",
	}
	if name, ok := names[r]; ok {
		return name
	}
	return fmt.Sprintf("reject-reason(%d)", r)
}

// RejectError represents a BACnet reject response
type RejectError struct {
	InvokeID uint8
	Reason   RejectReason
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("bacnet reject: invoke-id=%d, reason=%s", e.InvokeID, e.Reason)
}

// AbortReason represents BACnet abort reasons
type AbortReason uint8

const (
	AbortReasonOther                         AbortReason = 0
	AbortReasonBufferOverflow                AbortReason = 1
	AbortReasonInvalidApduInThisState        AbortReason = 2
	AbortReasonPreemptedByHigherPriorityTask AbortReason = 3
	AbortReasonSegmentationNotSupported      AbortReason = 4
	AbortReasonSecurityError                 AbortReason = 5
	AbortReasonInsufficientSecurity          AbortReason = 6
	AbortReasonWindowSizeOutOfRange          AbortReason = 7
	AbortReasonApplicationExceededReplyTime  AbortReason = 8
	AbortReasonOutOfResources                AbortReason = 9
	AbortReasonTsmTimeout                    AbortReason = 10
	AbortReasonApduTooLong                   AbortReason = 11
)

func (a AbortReason) String() string {
	names := map[AbortReason]string{
		AbortReasonOther:                         "other",
		AbortReasonBufferOverflow:                "buffer-overflow",
		AbortReasonInvalidApduInThisState:        "invalid-apdu-in-this-state",
		AbortReasonPreemptedByHigherPriorityTask: "preempted-by-higher-priority-task",
		AbortReasonSegmentationNotSupported:      "segmentation-not-supported",
		AbortReasonSecurityError:                 "security-error",
		AbortReasonInsufficientSecurity:          "insufficient-security",
		AbortReasonWindowSizeOutOfRange:          "window-size-out-of-range",
		AbortReasonApplicationExceededReplyTime:  "application-exceeded-reply-time",
		AbortReasonOutOfResources:                "out-of-resources",
		AbortReasonTsmTimeout:                    "tsm-timeout",
		AbortReasonApduTooLong:                   "apdu-too-long",
	}
	if name, ok := names[a]; ok {
		return name
	}
	return fmt.Sprintf("abort-reason(%d)", a)
}

// AbortError represents a BACnet abort response
type AbortError struct {
	InvokeID uint8
	Server   bool
	Reason   AbortReason
}

func (e *AbortError) Error() string {
	origin := "client"
	if e.Server {
		origin = "server"
	}
	return fmt.Sprintf("bacnet abort: invoke-id=%d, origin=%s, reason=%s", e.InvokeID, origin, e.Reason)
}

// IndicationError converts an Error, Reject or Abort indication into the
// matching Go error. Any other PDU type yields nil.
func IndicationError(ind *Indication) error {
	if ind == nil {
		return nil
	}
	pci := ind.PCI()
	switch pci.Type {
	case PDUTypeError:
		e := &ErrorPDU{InvokeID: pci.InvokeID, Service: ConfirmedServiceChoice(pci.Service)}
		class, code, err := decodeErrorPayload(ind.Payload())
		if err != nil {
			return fmt.Errorf("decode error pdu: %w", err)
		}
		e.Class, e.Code = class, code
		return e
	case PDUTypeReject:
		return &RejectError{InvokeID: pci.InvokeID, Reason: RejectReason(pci.Reason)}
	case PDUTypeAbort:
		return &AbortError{InvokeID: pci.InvokeID, Server: pci.Server, Reason: AbortReason(pci.Reason)}
	default:
		return nil
	}
}

// decodeErrorPayload reads the two application-tagged enumerations that
// make up an Error-PDU body.
func decodeErrorPayload(data []byte) (ErrorClass, ErrorCode, error) {
	var values [2]uint32
	offset := 0
	for i := range values {
		tagNum, class, length, headerLen, err := DecodeTagNumber(data[offset:])
		if err != nil {
			return 0, 0, err
		}
		if class != TagClassApplication || ApplicationTag(tagNum) != TagEnumerated || length < 1 || length > 4 {
			return 0, 0, fmt.Errorf("%w: expected enumerated", ErrInvalidAPDU)
		}
		offset += headerLen
		if len(data) < offset+length {
			return 0, 0, ErrInvalidAPDU
		}
		values[i] = DecodeUnsigned(data[offset : offset+length])
		offset += length
	}
	return ErrorClass(values[0]), ErrorCode(values[1]), nil
}

// IsTimeout returns true if the error is a timeout error
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsCancelled returns true if the request was cancelled by the caller
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}

// IsRejected returns true if the peer rejected the request
func IsRejected(err error) bool {
	var rejectErr *RejectError
	return errors.As(err, &rejectErr)
}

// IsAborted returns true if the transaction was aborted by either side
func IsAborted(err error) bool {
	var abortErr *AbortError
	return errors.As(err, &abortErr)
}
