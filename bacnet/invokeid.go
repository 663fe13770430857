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
	"math/bits"
	"sync"
)

const initialInvokeID = 42

// InvokeIDs hands out invoke IDs for confirmed requests. An ID stays in use
// until it is released; allocation scans round-robin from the last issued
// ID.
type InvokeIDs struct {
	mu    sync.Mutex
	inUse [4]uint64
	last  uint8
}

// NewInvokeIDs returns an allocator with every ID free
func NewInvokeIDs() *InvokeIDs {
	return &InvokeIDs{last: initialInvokeID}
}

// Allocate returns the next free ID after the last one issued
func (a *InvokeIDs) Allocate() (uint8, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i := 1; i <= 256; i++ {
		id := a.last + uint8(i) // wraps at 256
		word, bit := id>>6, uint64(1)<<(id&63)
		if a.inUse[word]&bit == 0 {
			a.inUse[word] |= bit
			a.last = id
			return id, nil
		}
	}
	return 0, ErrOutOfInvokeIDs
}

// Release frees id. Releasing a free ID is a no-op.
func (a *InvokeIDs) Release(id uint8) {
	a.mu.Lock()
	a.inUse[id>>6] &^= uint64(1) << (id & 63)
	a.mu.Unlock()
}

// IsInUse reports whether id is currently allocated
func (a *InvokeIDs) IsInUse(id uint8) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inUse[id>>6]&(uint64(1)<<(id&63)) != 0
}

// InUse returns the number of allocated IDs
func (a *InvokeIDs) InUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, w := range a.inUse {
		n += bits.OnesCount64(w)
	}
	return n
}
