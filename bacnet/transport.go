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
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/atomic"
)

// State represents the transport lifecycle state
type State int32

const (
	StateNew State = iota
	StateRunning
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateRunning:
		return "running"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Link is a data link the transport sends and receives APDUs through.
// BACnet/IP over UDP is provided by the transport package.
type Link interface {
	// Start begins delivering inbound messages to d
	Start(d Dispatcher) error
	// SendData writes one APDU to dest
	SendData(apdu []byte, prio Priority, expectingReply bool, dest DeviceAddress) error
	LocalAddress() DeviceAddress
	BroadcastAddress() DeviceAddress
	Close() error
}

// Dispatcher is the inbound side of a Transport as seen by its link
type Dispatcher interface {
	ReceivedPackage(ind *Indication)
	Metrics() *Metrics
}

// ListenerID identifies a registered listener
type ListenerID uint64

type listenerEntry struct {
	id       ListenerID
	listener Listener
}

// Transport turns a datagram link into a request/reply service. It assigns
// invoke IDs to confirmed requests, retransmits them until answered and
// routes inbound messages to the matching reply or to general listeners.
type Transport struct {
	link    Link
	opts    *transportOptions
	ids     *InvokeIDs
	reg     *registry
	pool    *ants.Pool
	metrics *Metrics
	logger  *slog.Logger

	state  *atomic.Int32
	cfgMu  sync.Mutex
	closed chan struct{}

	listenersMu    sync.Mutex
	listeners      atomic.Value // []listenerEntry
	nextListenerID *atomic.Uint64
}

// NewTransport creates a transport on top of link
func NewTransport(link Link, opts ...Option) (*Transport, error) {
	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}
	if options.metrics == nil {
		options.metrics = NewMetrics()
	}

	t := &Transport{
		link:           link,
		opts:           options,
		ids:            NewInvokeIDs(),
		metrics:        options.metrics,
		logger:         options.logger,
		state:          atomic.NewInt32(int32(StateNew)),
		closed:         make(chan struct{}),
		nextListenerID: atomic.NewUint64(0),
	}
	t.listeners.Store([]listenerEntry(nil))

	pool, err := ants.NewPool(options.poolSize,
		ants.WithNonblocking(true),
		ants.WithPanicHandler(func(p interface{}) {
			t.logger.Error("worker panic", slog.Any("panic", p))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	t.pool = pool

	return t, nil
}

// State returns the current lifecycle state
func (t *Transport) State() State {
	return State(t.state.Load())
}

// Metrics returns the transport metrics
func (t *Transport) Metrics() *Metrics {
	return t.metrics
}

// Logger returns the transport logger
func (t *Transport) Logger() *slog.Logger {
	return t.logger
}

// SetMessageTimeout changes the retransmission timeout. It must be called
// before Start.
func (t *Transport) SetMessageTimeout(d time.Duration) error {
	t.cfgMu.Lock()
	defer t.cfgMu.Unlock()
	if t.State() != StateNew {
		return ErrAlreadyStarted
	}
	if d <= 0 {
		return fmt.Errorf("bacnet: invalid message timeout %s", d)
	}
	t.opts.messageTimeout = d
	return nil
}

// SetMessageRetries changes the total number of transmissions of a
// confirmed request. It must be called before Start.
func (t *Transport) SetMessageRetries(n int) error {
	t.cfgMu.Lock()
	defer t.cfgMu.Unlock()
	if t.State() != StateNew {
		return ErrAlreadyStarted
	}
	if n <= 0 {
		return fmt.Errorf("bacnet: invalid message retries %d", n)
	}
	t.opts.messageRetries = n
	return nil
}

// MessageTimeout returns the retransmission timeout
func (t *Transport) MessageTimeout() time.Duration {
	t.cfgMu.Lock()
	defer t.cfgMu.Unlock()
	return t.opts.messageTimeout
}

// MessageRetries returns the total number of transmissions per request
func (t *Transport) MessageRetries() int {
	t.cfgMu.Lock()
	defer t.cfgMu.Unlock()
	return t.opts.messageRetries
}

// Start launches the retransmission scheduler and the link's receive loop.
// The transport closes when ctx is done.
func (t *Transport) Start(ctx context.Context) error {
	t.cfgMu.Lock()
	defer t.cfgMu.Unlock()

	switch t.State() {
	case StateRunning:
		return ErrAlreadyStarted
	case StateClosed:
		return ErrClosed
	}

	t.reg = newRegistry(t.opts.messageTimeout, t.opts.messageRetries, t.opts.now)
	t.reg.retransmit = t.retransmit
	t.reg.expire = t.expire
	t.reg.abandon = t.abandon
	go t.reg.run()

	if !t.state.CAS(int32(StateNew), int32(StateRunning)) {
		t.reg.close()
		return ErrClosed
	}

	if err := t.link.Start(t); err != nil {
		if t.state.CAS(int32(StateRunning), int32(StateClosed)) {
			t.reg.close()
			t.pool.Release()
			close(t.closed)
		}
		return fmt.Errorf("start link: %w", err)
	}

	go func() {
		select {
		case <-ctx.Done():
			t.Close()
		case <-t.closed:
		}
	}()

	t.logger.Info("transport started",
		slog.String("local", addressString(t.link.LocalAddress())),
		slog.Duration("message_timeout", t.opts.messageTimeout),
		slog.Int("message_retries", t.opts.messageRetries),
	)
	return nil
}

// Close stops the scheduler and the link and fails every pending reply
// with ErrClosed. Closing a closed transport is a no-op.
func (t *Transport) Close() error {
	prev := State(t.state.Swap(int32(StateClosed)))
	if prev == StateClosed {
		return nil
	}

	err := t.link.Close()
	if prev == StateRunning {
		t.reg.close()
	}
	t.pool.Release()
	close(t.closed)

	t.logger.Info("transport closed")
	if err != nil {
		return fmt.Errorf("close link: %w", err)
	}
	return nil
}

// LocalAddress returns the link's own address
func (t *Transport) LocalAddress() DeviceAddress {
	return t.link.LocalAddress()
}

// BroadcastAddress returns the link's global broadcast address
func (t *Transport) BroadcastAddress() DeviceAddress {
	return t.link.BroadcastAddress()
}

// Request sends apdu to dest and returns immediately. Confirmed requests get
// a fresh invoke ID and are retransmitted until a reply arrives or the
// retries run out; listener turns that reply into the Reply's value. Other
// PDUs are sent once and their Reply resolves when the datagram is written.
func (t *Transport) Request(dest DeviceAddress, apdu []byte, prio Priority, expectingReply bool, listener Listener) (*Reply, error) {
	switch t.State() {
	case StateNew:
		return nil, ErrNotStarted
	case StateClosed:
		return nil, ErrClosed
	}
	if dest == nil {
		return nil, ErrUnsupportedAddress
	}

	pci, _, err := DecodePCI(apdu)
	if err != nil {
		return nil, fmt.Errorf("request: %w", err)
	}

	reply := newReply()

	if !pci.IsConfirmedRequest() {
		buf := make([]byte, len(apdu))
		copy(buf, apdu)
		t.metrics.UnconfirmedRequests.Inc()
		t.dispatch(func() {
			reply.complete(nil, t.send(buf, prio, expectingReply, dest))
		})
		return reply, nil
	}

	id, err := t.ids.Allocate()
	if err != nil {
		return nil, err
	}
	framed, err := StampInvokeID(apdu, id)
	if err != nil {
		t.ids.Release(id)
		return nil, fmt.Errorf("request: %w", err)
	}

	tx := &pendingTx{
		invokeID:       id,
		dest:           dest,
		apdu:           framed,
		priority:       prio,
		expectingReply: expectingReply,
		listener:       listener,
		reply:          reply,
		firstSent:      time.Now(),
	}
	reply.invokeID, reply.tracked = id, true
	reply.onCancel = func() { t.cancel(id, reply) }

	if err := t.reg.register(tx); err != nil {
		t.ids.Release(id)
		return nil, err
	}
	t.metrics.ConfirmedRequests.Inc()
	t.metrics.ActiveTransactions.Inc()

	t.dispatch(func() {
		t.send(tx.apdu, tx.priority, tx.expectingReply, tx.dest)
	})
	return reply, nil
}

// ReceivedPackage routes an inbound message. An answer to one of our
// confirmed requests resolves that request; anything else is handed to
// every general listener.
func (t *Transport) ReceivedPackage(ind *Indication) {
	if ind == nil || t.State() != StateRunning {
		return
	}
	t.metrics.RecordActivity()
	ind = ind.withTransport(t)

	pci := ind.PCI()
	if pci.HasLocalInvokeID() {
		if tx, ok := t.reg.resolve(pci.InvokeID); ok {
			t.ids.Release(tx.invokeID)
			t.metrics.ActiveTransactions.Dec()
			t.metrics.RepliesMatched.Inc()
			t.metrics.ReplyLatency.Record(time.Since(tx.firstSent))
			t.dispatch(func() { t.completeTx(tx, ind) })
			return
		}
	}

	for _, e := range t.listenerSnapshot() {
		l, c := e.listener, ind.Clone()
		t.metrics.IndicationsDispatched.Inc()
		t.dispatch(func() {
			if _, err := t.callListener(l, c); err != nil {
				t.logger.Warn("listener failed",
					slog.String("source", addressString(c.Source())),
					slog.String("pdu", c.PCI().Type.String()),
					slog.String("error", err.Error()),
				)
			}
		})
	}
}

// AddListener registers a listener for messages that do not answer one of
// our requests
func (t *Transport) AddListener(l Listener) ListenerID {
	id := ListenerID(t.nextListenerID.Inc())

	t.listenersMu.Lock()
	defer t.listenersMu.Unlock()
	old := t.listenerSnapshot()
	next := make([]listenerEntry, len(old), len(old)+1)
	copy(next, old)
	t.listeners.Store(append(next, listenerEntry{id: id, listener: l}))
	return id
}

// RemoveListener unregisters a listener. It reports whether id was found.
func (t *Transport) RemoveListener(id ListenerID) bool {
	t.listenersMu.Lock()
	defer t.listenersMu.Unlock()
	old := t.listenerSnapshot()
	next := make([]listenerEntry, 0, len(old))
	for _, e := range old {
		if e.id != id {
			next = append(next, e)
		}
	}
	if len(next) == len(old) {
		return false
	}
	t.listeners.Store(next)
	return true
}

func (t *Transport) listenerSnapshot() []listenerEntry {
	return t.listeners.Load().([]listenerEntry)
}

// Pending lists the outstanding confirmed requests in expiry order
func (t *Transport) Pending() []PendingInfo {
	if t.State() != StateRunning {
		return nil
	}
	return t.reg.snapshot()
}

// InvokeIDsInUse returns the number of allocated invoke IDs
func (t *Transport) InvokeIDsInUse() int {
	return t.ids.InUse()
}

func (t *Transport) send(apdu []byte, prio Priority, expectingReply bool, dest DeviceAddress) error {
	if err := t.link.SendData(apdu, prio, expectingReply, dest); err != nil {
		t.metrics.SendFailures.Inc()
		t.logger.Warn("send failed",
			slog.String("dest", addressString(dest)),
			slog.String("error", err.Error()),
		)
		return err
	}
	t.metrics.RequestsSent.Inc()
	t.metrics.RecordActivity()
	return nil
}

// retransmit runs on the registry goroutine
func (t *Transport) retransmit(tx *pendingTx) {
	t.metrics.Retransmissions.Inc()
	t.logger.Debug("retransmitting request",
		slog.Int("invoke_id", int(tx.invokeID)),
		slog.Int("attempt", tx.attempt),
		slog.String("dest", addressString(tx.dest)),
	)
	apdu, prio, expectingReply, dest := tx.apdu, tx.priority, tx.expectingReply, tx.dest
	t.dispatch(func() {
		t.send(apdu, prio, expectingReply, dest)
	})
}

// expire runs on the registry goroutine
func (t *Transport) expire(tx *pendingTx) {
	t.ids.Release(tx.invokeID)
	t.metrics.ActiveTransactions.Dec()
	t.metrics.Timeouts.Inc()
	t.logger.Warn("request timed out",
		slog.Int("invoke_id", int(tx.invokeID)),
		slog.Int("attempts", tx.attempt),
		slog.String("dest", addressString(tx.dest)),
	)
	reply := tx.reply
	t.dispatch(func() {
		reply.complete(nil, ErrTimeout)
	})
}

// abandon runs on the registry goroutine while it shuts down
func (t *Transport) abandon(tx *pendingTx, err error) {
	t.ids.Release(tx.invokeID)
	t.metrics.ActiveTransactions.Dec()
	tx.reply.complete(nil, err)
}

func (t *Transport) cancel(id uint8, reply *Reply) {
	if t.State() != StateRunning {
		return
	}
	if _, ok := t.reg.cancel(id, reply); ok {
		t.ids.Release(id)
		t.metrics.ActiveTransactions.Dec()
		t.metrics.Cancellations.Inc()
	}
}

// completeTx resolves a matched transaction. Without a listener the reply
// value is the indication itself.
func (t *Transport) completeTx(tx *pendingTx, ind *Indication) {
	if tx.listener == nil {
		tx.reply.complete(ind, nil)
		return
	}
	value, err := t.callListener(tx.listener, ind.Clone())
	tx.reply.complete(value, err)
}

func (t *Transport) callListener(l Listener, ind *Indication) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			t.metrics.ListenerFailures.Inc()
			t.logger.Error("listener panic",
				slog.Any("panic", r),
				slog.String("source", addressString(ind.Source())),
			)
			value, err = nil, fmt.Errorf("bacnet: listener panic: %v", r)
		}
	}()
	value, err = l.Event(ind)
	if err != nil {
		t.metrics.ListenerFailures.Inc()
	}
	return value, err
}

// dispatch runs fn on the worker pool, or on its own goroutine when the
// pool is saturated or released.
func (t *Transport) dispatch(fn func()) {
	if err := t.pool.Submit(fn); err != nil {
		go fn()
	}
}

func addressString(a DeviceAddress) string {
	if a == nil {
		return "<nil>"
	}
	return a.String()
}
