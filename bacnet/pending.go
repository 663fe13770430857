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
	"container/heap"
	"sort"
	"time"
)

// pendingTx is an outstanding confirmed request. Only the registry
// goroutine touches attempt, expiry and index.
type pendingTx struct {
	invokeID       uint8
	dest           DeviceAddress
	apdu           []byte
	priority       Priority
	expectingReply bool
	listener       Listener
	reply          *Reply
	firstSent      time.Time

	attempt int
	expiry  time.Time
	seq     uint64
	index   int
}

// PendingInfo describes an outstanding confirmed request
type PendingInfo struct {
	InvokeID    uint8
	Destination string
	Attempt     int
	Expiry      time.Time
}

// txQueue is a min-heap of transactions ordered by expiry, then by
// insertion order.
type txQueue []*pendingTx

func (q txQueue) Len() int { return len(q) }

func (q txQueue) Less(i, j int) bool {
	if q[i].expiry.Equal(q[j].expiry) {
		return q[i].seq < q[j].seq
	}
	return q[i].expiry.Before(q[j].expiry)
}

func (q txQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *txQueue) Push(x any) {
	tx := x.(*pendingTx)
	tx.index = len(*q)
	*q = append(*q, tx)
}

func (q *txQueue) Pop() any {
	old := *q
	n := len(old)
	tx := old[n-1]
	old[n-1] = nil
	tx.index = -1
	*q = old[:n-1]
	return tx
}

// registry owns the pending transactions. All state is confined to the run
// goroutine; other goroutines talk to it through cmds.
type registry struct {
	timeout time.Duration
	retries int
	now     func() time.Time

	// Called on the registry goroutine; they must not block.
	retransmit func(tx *pendingTx)
	expire     func(tx *pendingTx)
	abandon    func(tx *pendingTx, err error)

	cmds chan func()
	stop chan struct{}
	done chan struct{}

	queue txQueue
	byID  map[uint8]*pendingTx
	seq   uint64
}

func newRegistry(timeout time.Duration, retries int, now func() time.Time) *registry {
	return &registry{
		timeout: timeout,
		retries: retries,
		now:     now,
		cmds:    make(chan func()),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		byID:    make(map[uint8]*pendingTx),
	}
}

func (r *registry) run() {
	defer close(r.done)

	timer := time.NewTimer(time.Hour)
	stopTimer(timer)

	for {
		var wake <-chan time.Time
		if len(r.queue) > 0 {
			d := r.queue[0].expiry.Sub(r.now())
			if d <= 0 {
				r.expireHead()
				continue
			}
			timer.Reset(d)
			wake = timer.C
		}

		select {
		case fn := <-r.cmds:
			fn()
		case <-wake:
		case <-r.stop:
			stopTimer(timer)
			for len(r.queue) > 0 {
				tx := heap.Pop(&r.queue).(*pendingTx)
				delete(r.byID, tx.invokeID)
				r.abandon(tx, ErrClosed)
			}
			return
		}
		if wake != nil {
			stopTimer(timer)
		}
	}
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}

// expireHead handles the earliest transaction whose expiry has passed
func (r *registry) expireHead() {
	tx := r.queue[0]
	if tx.attempt >= r.retries {
		heap.Pop(&r.queue)
		delete(r.byID, tx.invokeID)
		r.expire(tx)
		return
	}
	tx.attempt++
	tx.expiry = r.now().Add(r.timeout)
	r.seq++
	tx.seq = r.seq
	heap.Fix(&r.queue, tx.index)
	r.retransmit(tx)
}

// exec runs fn on the registry goroutine and waits for it. It returns
// false if the registry has stopped.
func (r *registry) exec(fn func()) bool {
	ran := make(chan struct{})
	select {
	case r.cmds <- func() { fn(); close(ran) }:
		<-ran
		return true
	case <-r.done:
		return false
	}
}

// register adds tx with its first expiry
func (r *registry) register(tx *pendingTx) error {
	ok := r.exec(func() {
		tx.attempt = 1
		tx.expiry = r.now().Add(r.timeout)
		r.seq++
		tx.seq = r.seq
		r.byID[tx.invokeID] = tx
		heap.Push(&r.queue, tx)
	})
	if !ok {
		return ErrClosed
	}
	return nil
}

// resolve removes and returns the transaction waiting on invokeID
func (r *registry) resolve(invokeID uint8) (*pendingTx, bool) {
	var found *pendingTx
	r.exec(func() {
		tx, ok := r.byID[invokeID]
		if !ok {
			return
		}
		heap.Remove(&r.queue, tx.index)
		delete(r.byID, invokeID)
		found = tx
	})
	return found, found != nil
}

// cancel removes the transaction owned by reply, if it is still pending
func (r *registry) cancel(invokeID uint8, reply *Reply) (*pendingTx, bool) {
	var found *pendingTx
	r.exec(func() {
		tx, ok := r.byID[invokeID]
		if !ok || tx.reply != reply {
			return
		}
		heap.Remove(&r.queue, tx.index)
		delete(r.byID, invokeID)
		found = tx
	})
	return found, found != nil
}

// snapshot lists the pending transactions in expiry order
func (r *registry) snapshot() []PendingInfo {
	var out []PendingInfo
	r.exec(func() {
		txs := make([]*pendingTx, len(r.queue))
		copy(txs, r.queue)
		sort.Slice(txs, func(i, j int) bool {
			if txs[i].expiry.Equal(txs[j].expiry) {
				return txs[i].seq < txs[j].seq
			}
			return txs[i].expiry.Before(txs[j].expiry)
		})
		out = make([]PendingInfo, 0, len(txs))
		for _, tx := range txs {
			out = append(out, PendingInfo{
				InvokeID:    tx.invokeID,
				Destination: tx.dest.String(),
				Attempt:     tx.attempt,
				Expiry:      tx.expiry,
			})
		}
	})
	return out
}

func (r *registry) close() {
	select {
	case <-r.stop:
	default:
		close(r.stop)
	}
	<-r.done
}
