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
	"context"
	"sync"

	"go.uber.org/atomic"
)

// Reply is the pending result of a request. It is resolved exactly once:
// with the listener's value, with an error, or by cancellation.
type Reply struct {
	done chan struct{}
	once sync.Once

	value any
	err   error

	cancelled *atomic.Bool
	onCancel  func()

	invokeID uint8
	tracked  bool
}

func newReply() *Reply {
	return &Reply{
		done:      make(chan struct{}),
		cancelled: atomic.NewBool(false),
	}
}

// complete stores the result. It returns false if the reply was already
// resolved.
func (r *Reply) complete(value any, err error) bool {
	ok := false
	r.once.Do(func() {
		r.value, r.err = value, err
		close(r.done)
		ok = true
	})
	return ok
}

// Done is closed once the reply is resolved
func (r *Reply) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the reply is resolved or ctx ends. Giving up on ctx
// does not cancel the request.
func (r *Reply) Wait(ctx context.Context) (any, error) {
	select {
	case <-r.done:
		return r.value, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Result returns the resolved value and error. Both are nil while the reply
// is pending; check Resolved or Done first.
func (r *Reply) Result() (any, error) {
	select {
	case <-r.done:
		return r.value, r.err
	default:
		return nil, nil
	}
}

// Resolved reports whether the reply holds a result
func (r *Reply) Resolved() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// Cancel resolves the reply with ErrCancelled and drops the pending
// transaction. It returns false if the reply was already resolved.
func (r *Reply) Cancel() bool {
	if !r.complete(nil, ErrCancelled) {
		return false
	}
	r.cancelled.Store(true)
	if r.onCancel != nil {
		r.onCancel()
	}
	return true
}

// Cancelled reports whether Cancel won the race to resolve the reply
func (r *Reply) Cancelled() bool {
	return r.cancelled.Load()
}

// InvokeID returns the invoke ID of a confirmed request
func (r *Reply) InvokeID() (uint8, bool) {
	return r.invokeID, r.tracked
}
