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

// answer sends apdu back to the source of a confirmed request
func answer(ind *Indication, apdu []byte) (*Reply, error) {
	pci := ind.PCI()
	if !pci.IsConfirmedRequest() {
		return nil, fmt.Errorf("%w: cannot answer %s", ErrInvalidAPDU, pci.Type)
	}
	t := ind.Transport()
	if t == nil {
		return nil, ErrNotStarted
	}
	return t.Request(ind.Source().ToDestination(), apdu, ind.Priority(), false, nil)
}

// AnswerSimpleAck acknowledges a confirmed request
func AnswerSimpleAck(ind *Indication) (*Reply, error) {
	pci := ind.PCI()
	return answer(ind, EncodeSimpleAck(pci.InvokeID, ConfirmedServiceChoice(pci.Service)))
}

// AnswerError answers a confirmed request with an Error-PDU
func AnswerError(ind *Indication, class ErrorClass, code ErrorCode) (*Reply, error) {
	pci := ind.PCI()
	return answer(ind, EncodeErrorPDU(pci.InvokeID, ConfirmedServiceChoice(pci.Service), class, code))
}

// AnswerReject rejects a confirmed request
func AnswerReject(ind *Indication, reason RejectReason) (*Reply, error) {
	return answer(ind, EncodeReject(ind.PCI().InvokeID, reason))
}

// AnswerAbort aborts the transaction started by a confirmed request
func AnswerAbort(ind *Indication, reason AbortReason) (*Reply, error) {
	return answer(ind, EncodeAbort(ind.PCI().InvokeID, true, reason))
}
