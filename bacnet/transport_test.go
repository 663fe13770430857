package bacnet

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testAddr string

func (a testAddr) ToDestination() DeviceAddress { return a }
func (a testAddr) String() string               { return string(a) }

type sentDatagram struct {
	apdu           []byte
	prio           Priority
	expectingReply bool
	dest           DeviceAddress
	at             time.Time
}

// fakeLink records everything sent through it
type fakeLink struct {
	mu      sync.Mutex
	d       Dispatcher
	sent    []sentDatagram
	sendErr error
	closed  int
	notify  chan struct{}
}

func newFakeLink() *fakeLink {
	return &fakeLink{notify: make(chan struct{}, 1024)}
}

func (l *fakeLink) Start(d Dispatcher) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.d = d
	return nil
}

func (l *fakeLink) SendData(apdu []byte, prio Priority, expectingReply bool, dest DeviceAddress) error {
	l.mu.Lock()
	err := l.sendErr
	if err == nil {
		buf := make([]byte, len(apdu))
		copy(buf, apdu)
		l.sent = append(l.sent, sentDatagram{apdu: buf, prio: prio, expectingReply: expectingReply, dest: dest, at: time.Now()})
	}
	l.mu.Unlock()
	if err == nil {
		l.notify <- struct{}{}
	}
	return err
}

func (l *fakeLink) LocalAddress() DeviceAddress     { return testAddr("local") }
func (l *fakeLink) BroadcastAddress() DeviceAddress { return testAddr("broadcast") }

func (l *fakeLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed++
	return nil
}

func (l *fakeLink) setSendErr(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sendErr = err
}

func (l *fakeLink) sentCopy() []sentDatagram {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]sentDatagram, len(l.sent))
	copy(out, l.sent)
	return out
}

// waitSent blocks until n datagrams have been sent
func (l *fakeLink) waitSent(t *testing.T, n int) []sentDatagram {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if sent := l.sentCopy(); len(sent) >= n {
			return sent
		}
		select {
		case <-l.notify:
		case <-deadline:
			t.Fatalf("expected %d datagrams, got %d", n, len(l.sentCopy()))
		}
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startTransport(t *testing.T, opts ...Option) (*Transport, *fakeLink) {
	t.Helper()
	link := newFakeLink()
	tr, err := NewTransport(link, append([]Option{WithLogger(quietLogger())}, opts...)...)
	require.NoError(t, err)
	require.NoError(t, tr.Start(context.Background()))
	t.Cleanup(func() { tr.Close() })
	return tr, link
}

func waitReply(t *testing.T, r *Reply) (any, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	v, err := r.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded, "reply never resolved")
	return v, err
}

func readPropertyRequest() []byte {
	return EncodeConfirmedRequest(ServiceReadProperty, []byte{0x0C, 0x02, 0x00, 0x00, 0x01, 0x19, 0x55})
}

func inbound(t *testing.T, src DeviceAddress, apdu []byte) *Indication {
	t.Helper()
	ind, err := NewIndication(src, apdu, PriorityNormal, false)
	require.NoError(t, err)
	return ind
}

func TestTransportLifecycle(t *testing.T) {
	link := newFakeLink()
	tr, err := NewTransport(link, WithLogger(quietLogger()))
	require.NoError(t, err)
	assert.Equal(t, StateNew, tr.State())

	_, err = tr.Request(testAddr("peer"), readPropertyRequest(), PriorityNormal, true, nil)
	assert.ErrorIs(t, err, ErrNotStarted)

	require.NoError(t, tr.SetMessageTimeout(200*time.Millisecond))
	require.NoError(t, tr.SetMessageRetries(5))
	assert.Equal(t, 200*time.Millisecond, tr.MessageTimeout())
	assert.Equal(t, 5, tr.MessageRetries())

	require.NoError(t, tr.Start(context.Background()))
	assert.Equal(t, StateRunning, tr.State())
	assert.ErrorIs(t, tr.Start(context.Background()), ErrAlreadyStarted)
	assert.ErrorIs(t, tr.SetMessageTimeout(time.Second), ErrAlreadyStarted)
	assert.ErrorIs(t, tr.SetMessageRetries(1), ErrAlreadyStarted)
	assert.Equal(t, testAddr("local"), tr.LocalAddress())
	assert.Equal(t, testAddr("broadcast"), tr.BroadcastAddress())

	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())
	assert.Equal(t, StateClosed, tr.State())
	assert.Equal(t, 1, link.closed)

	_, err = tr.Request(testAddr("peer"), readPropertyRequest(), PriorityNormal, true, nil)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, tr.Start(context.Background()), ErrClosed)
	assert.Nil(t, tr.Pending())
}

func TestTransportContextClose(t *testing.T) {
	link := newFakeLink()
	tr, err := NewTransport(link, WithLogger(quietLogger()))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, tr.Start(ctx))
	cancel()

	assert.Eventually(t, func() bool { return tr.State() == StateClosed }, 2*time.Second, 5*time.Millisecond)
}

func TestTransportRequestValidation(t *testing.T) {
	tr, _ := startTransport(t)

	_, err := tr.Request(nil, readPropertyRequest(), PriorityNormal, true, nil)
	assert.ErrorIs(t, err, ErrUnsupportedAddress)

	_, err = tr.Request(testAddr("peer"), []byte{0x00, 0x05}, PriorityNormal, true, nil)
	assert.ErrorIs(t, err, ErrInvalidAPDU)

	_, err = tr.Request(testAddr("peer"), nil, PriorityNormal, true, nil)
	assert.ErrorIs(t, err, ErrInvalidAPDU)
	assert.Zero(t, tr.InvokeIDsInUse())
}

func TestTransportRetransmitsUntilTimeout(t *testing.T) {
	const timeout = 60 * time.Millisecond
	tr, link := startTransport(t, WithMessageTimeout(timeout), WithMessageRetries(3))

	apdu := readPropertyRequest()
	reply, err := tr.Request(testAddr("peer"), apdu, PriorityUrgent, true, nil)
	require.NoError(t, err)
	id, tracked := reply.InvokeID()
	require.True(t, tracked)

	_, err = waitReply(t, reply)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.True(t, IsTimeout(err))

	// No further transmissions once the request has failed.
	time.Sleep(3 * timeout)
	sent := link.sentCopy()
	require.Len(t, sent, 3)

	for i, s := range sent {
		assert.Equal(t, sent[0].apdu, s.apdu, "attempt %d must resend the same frame", i+1)
		assert.Equal(t, PriorityUrgent, s.prio)
		assert.True(t, s.expectingReply)
		assert.Equal(t, testAddr("peer"), s.dest)
	}
	pci, _, err := DecodePCI(sent[0].apdu)
	require.NoError(t, err)
	assert.Equal(t, id, pci.InvokeID)

	for i := 1; i < len(sent); i++ {
		gap := sent[i].at.Sub(sent[i-1].at)
		assert.GreaterOrEqual(t, gap, timeout-10*time.Millisecond, "gap %d", i)
		assert.Less(t, gap, 10*timeout, "gap %d", i)
	}

	assert.Zero(t, tr.InvokeIDsInUse())
	assert.Empty(t, tr.Pending())
	s := tr.Metrics().Snapshot()
	assert.EqualValues(t, 1, s.Timeouts)
	assert.EqualValues(t, 2, s.Retransmissions)
	assert.EqualValues(t, 3, s.RequestsSent)
	assert.Zero(t, s.ActiveTransactions)
}

func TestTransportResolvesMatchingReply(t *testing.T) {
	tr, link := startTransport(t, WithMessageTimeout(10*time.Second))

	var general sync.WaitGroup
	tr.AddListener(ListenerFunc(func(ind *Indication) (any, error) {
		general.Done()
		return nil, nil
	}))

	replies := make([]*Reply, 6)
	ids := make([]uint8, 6)
	for i := range replies {
		r, err := tr.Request(testAddr("peer"), readPropertyRequest(), PriorityNormal, true, nil)
		require.NoError(t, err)
		replies[i] = r
		ids[i], _ = r.InvokeID()
	}
	link.waitSent(t, 6)

	before := tr.Pending()
	require.Len(t, before, 6)

	ack := EncodeSimpleAck(ids[2], ServiceReadProperty)
	tr.ReceivedPackage(inbound(t, testAddr("peer"), ack))

	v, err := waitReply(t, replies[2])
	require.NoError(t, err)
	ind, ok := v.(*Indication)
	require.True(t, ok)
	assert.Equal(t, PDUTypeSimpleAck, ind.PCI().Type)
	assert.Equal(t, ids[2], ind.PCI().InvokeID)
	assert.Same(t, tr, ind.Transport())

	after := tr.Pending()
	require.Len(t, after, 5)
	var kept []PendingInfo
	for _, p := range before {
		if p.InvokeID != ids[2] {
			kept = append(kept, p)
		}
	}
	assert.Equal(t, kept, after)

	for i, r := range replies {
		if i != 2 {
			assert.False(t, r.Resolved(), "reply %d", i)
		}
	}
	assert.Equal(t, 5, tr.InvokeIDsInUse())
	assert.False(t, tr.ids.IsInUse(ids[2]))

	// A second ack for the same ID is no longer matched and goes to the
	// general listeners.
	general.Add(1)
	tr.ReceivedPackage(inbound(t, testAddr("peer"), ack))
	general.Wait()

	s := tr.Metrics().Snapshot()
	assert.EqualValues(t, 1, s.RepliesMatched)
	assert.EqualValues(t, 1, s.IndicationsDispatched)
}

func TestTransportListenerResolvesReply(t *testing.T) {
	tr, link := startTransport(t, WithMessageTimeout(10*time.Second))

	listener := ListenerFunc(func(ind *Indication) (any, error) {
		if err := IndicationError(ind); err != nil {
			return nil, err
		}
		return len(ind.Payload()), nil
	})

	ok, err := tr.Request(testAddr("peer"), readPropertyRequest(), PriorityNormal, true, listener)
	require.NoError(t, err)
	rejected, err := tr.Request(testAddr("peer"), readPropertyRequest(), PriorityNormal, true, listener)
	require.NoError(t, err)
	failed, err := tr.Request(testAddr("peer"), readPropertyRequest(), PriorityNormal, true, listener)
	require.NoError(t, err)
	link.waitSent(t, 3)

	okID, _ := ok.InvokeID()
	rejectedID, _ := rejected.InvokeID()
	failedID, _ := failed.InvokeID()

	complexAck := []byte{byte(PDUTypeComplexAck), okID, byte(ServiceReadProperty), 0x0C, 0x02, 0x00, 0x00, 0x01}
	tr.ReceivedPackage(inbound(t, testAddr("peer"), complexAck))
	tr.ReceivedPackage(inbound(t, testAddr("peer"), EncodeReject(rejectedID, RejectReasonUnrecognizedService)))
	tr.ReceivedPackage(inbound(t, testAddr("peer"), EncodeErrorPDU(failedID, ServiceReadProperty, ErrorClassObject, ErrorCodeUnknownObject)))

	v, err := waitReply(t, ok)
	require.NoError(t, err)
	assert.Equal(t, 5, v)

	_, err = waitReply(t, rejected)
	assert.True(t, IsRejected(err))

	_, err = waitReply(t, failed)
	assert.ErrorIs(t, err, &ErrorPDU{Class: ErrorClassObject, Code: ErrorCodeUnknownObject})
}

func TestTransportListenerIsolation(t *testing.T) {
	tr, _ := startTransport(t)

	delivered := make(chan *Indication, 4)
	tr.AddListener(ListenerFunc(func(ind *Indication) (any, error) {
		panic("listener bug")
	}))
	tr.AddListener(ListenerFunc(func(ind *Indication) (any, error) {
		return nil, errors.New("listener failed")
	}))
	tr.AddListener(ListenerFunc(func(ind *Indication) (any, error) {
		delivered <- ind
		return nil, nil
	}))

	whoIs := WhoIs{}.Encode()
	tr.ReceivedPackage(inbound(t, testAddr("peer"), whoIs))
	tr.ReceivedPackage(inbound(t, testAddr("peer"), whoIs))

	for i := 0; i < 2; i++ {
		select {
		case ind := <-delivered:
			assert.Equal(t, whoIs, ind.APDU())
		case <-time.After(2 * time.Second):
			t.Fatal("healthy listener starved by failing ones")
		}
	}

	assert.Eventually(t, func() bool {
		return tr.Metrics().ListenerFailures.Value() == 4
	}, 2*time.Second, 5*time.Millisecond)
}

func TestTransportListenerCopies(t *testing.T) {
	tr, _ := startTransport(t)

	scribbled := make(chan struct{})
	intact := make(chan []byte, 1)
	tr.AddListener(ListenerFunc(func(ind *Indication) (any, error) {
		ind.APDU()[1] = 0xFF
		close(scribbled)
		return nil, nil
	}))
	tr.AddListener(ListenerFunc(func(ind *Indication) (any, error) {
		<-scribbled
		intact <- append([]byte(nil), ind.APDU()...)
		return nil, nil
	}))

	tr.ReceivedPackage(inbound(t, testAddr("peer"), WhoIs{}.Encode()))
	select {
	case apdu := <-intact:
		assert.Equal(t, WhoIs{}.Encode(), apdu)
	case <-time.After(2 * time.Second):
		t.Fatal("listeners not called")
	}
}

func TestTransportReplyListenerCopies(t *testing.T) {
	tr, link := startTransport(t, WithMessageTimeout(10*time.Second))

	reply, err := tr.Request(testAddr("peer"), readPropertyRequest(), PriorityNormal, true,
		ListenerFunc(func(ind *Indication) (any, error) {
			ind.APDU()[2] = 0xFF
			return ind, nil
		}))
	require.NoError(t, err)
	link.waitSent(t, 1)

	id, _ := reply.InvokeID()
	ack := EncodeSimpleAck(id, ServiceReadProperty)
	want := append([]byte(nil), ack...)
	received := inbound(t, testAddr("peer"), ack)
	tr.ReceivedPackage(received)

	v, err := waitReply(t, reply)
	require.NoError(t, err)
	seen, ok := v.(*Indication)
	require.True(t, ok)
	assert.EqualValues(t, 0xFF, seen.APDU()[2])
	assert.Equal(t, want, received.APDU())
}

func TestTransportRemoveListener(t *testing.T) {
	tr, _ := startTransport(t)

	calls := make(chan string, 4)
	first := tr.AddListener(ListenerFunc(func(*Indication) (any, error) {
		calls <- "first"
		return nil, nil
	}))
	tr.AddListener(ListenerFunc(func(*Indication) (any, error) {
		calls <- "second"
		return nil, nil
	}))

	assert.True(t, tr.RemoveListener(first))
	assert.False(t, tr.RemoveListener(first))

	tr.ReceivedPackage(inbound(t, testAddr("peer"), WhoIs{}.Encode()))
	select {
	case name := <-calls:
		assert.Equal(t, "second", name)
	case <-time.After(2 * time.Second):
		t.Fatal("listener not called")
	}
	select {
	case name := <-calls:
		t.Fatalf("unexpected call to %s", name)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTransportOutOfInvokeIDs(t *testing.T) {
	tr, _ := startTransport(t, WithMessageTimeout(time.Minute))

	for i := 0; i < 256; i++ {
		_, err := tr.Request(testAddr("peer"), readPropertyRequest(), PriorityNormal, true, nil)
		require.NoError(t, err, "request %d", i)
	}
	assert.Equal(t, 256, tr.InvokeIDsInUse())

	_, err := tr.Request(testAddr("peer"), readPropertyRequest(), PriorityNormal, true, nil)
	assert.ErrorIs(t, err, ErrOutOfInvokeIDs)

	// Untracked messages do not need an ID.
	_, err = tr.Request(testAddr("peer"), WhoIs{}.Encode(), PriorityNormal, false, nil)
	assert.NoError(t, err)
}

func TestTransportCancel(t *testing.T) {
	tr, link := startTransport(t, WithMessageTimeout(50*time.Millisecond), WithMessageRetries(10))

	delivered := make(chan *Indication, 1)
	tr.AddListener(ListenerFunc(func(ind *Indication) (any, error) {
		delivered <- ind
		return nil, nil
	}))

	reply, err := tr.Request(testAddr("peer"), readPropertyRequest(), PriorityNormal, true, nil)
	require.NoError(t, err)
	id, _ := reply.InvokeID()
	link.waitSent(t, 1)

	require.True(t, reply.Cancel())
	assert.True(t, reply.Cancelled())
	_, err = reply.Result()
	assert.ErrorIs(t, err, ErrCancelled)

	assert.Empty(t, tr.Pending())
	assert.Zero(t, tr.InvokeIDsInUse())
	assert.EqualValues(t, 1, tr.Metrics().Cancellations.Value())

	// No retransmissions after cancel.
	sent := len(link.sentCopy())
	time.Sleep(150 * time.Millisecond)
	assert.Len(t, link.sentCopy(), sent)

	// A late answer is routed to the general listeners.
	tr.ReceivedPackage(inbound(t, testAddr("peer"), EncodeSimpleAck(id, ServiceReadProperty)))
	select {
	case ind := <-delivered:
		assert.Equal(t, id, ind.PCI().InvokeID)
	case <-time.After(2 * time.Second):
		t.Fatal("late answer not delivered")
	}
}

func TestTransportUnconfirmed(t *testing.T) {
	tr, link := startTransport(t)

	reply, err := tr.Request(tr.BroadcastAddress(), WhoIs{}.Encode(), PriorityNormal, false, nil)
	require.NoError(t, err)
	_, tracked := reply.InvokeID()
	assert.False(t, tracked)

	v, err := waitReply(t, reply)
	require.NoError(t, err)
	assert.Nil(t, v)

	sent := link.waitSent(t, 1)
	assert.Equal(t, WhoIs{}.Encode(), sent[0].apdu)
	assert.Equal(t, testAddr("broadcast"), sent[0].dest)
	assert.Empty(t, tr.Pending())
	assert.Zero(t, tr.InvokeIDsInUse())

	link.setSendErr(errors.New("network down"))
	reply, err = tr.Request(testAddr("peer"), WhoIs{}.Encode(), PriorityNormal, false, nil)
	require.NoError(t, err)
	_, err = waitReply(t, reply)
	assert.EqualError(t, err, "network down")
	assert.EqualValues(t, 1, tr.Metrics().SendFailures.Value())
}

func TestTransportSendFailureRetries(t *testing.T) {
	tr, link := startTransport(t, WithMessageTimeout(40*time.Millisecond), WithMessageRetries(5))

	link.setSendErr(errors.New("network down"))
	reply, err := tr.Request(testAddr("peer"), readPropertyRequest(), PriorityNormal, true, nil)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return tr.Metrics().SendFailures.Value() >= 1
	}, 2*time.Second, time.Millisecond)
	link.setSendErr(nil)

	sent := link.waitSent(t, 1)
	id, _ := reply.InvokeID()
	pci, _, err := DecodePCI(sent[0].apdu)
	require.NoError(t, err)
	require.Equal(t, id, pci.InvokeID)

	tr.ReceivedPackage(inbound(t, testAddr("peer"), EncodeSimpleAck(id, ServiceReadProperty)))
	_, err = waitReply(t, reply)
	assert.NoError(t, err)
}

func TestTransportCloseFailsPending(t *testing.T) {
	link := newFakeLink()
	tr, err := NewTransport(link, WithLogger(quietLogger()), WithMessageTimeout(time.Minute))
	require.NoError(t, err)
	require.NoError(t, tr.Start(context.Background()))

	reply, err := tr.Request(testAddr("peer"), readPropertyRequest(), PriorityNormal, true, nil)
	require.NoError(t, err)

	require.NoError(t, tr.Close())
	_, err = waitReply(t, reply)
	assert.ErrorIs(t, err, ErrClosed)
	assert.Zero(t, tr.InvokeIDsInUse())

	// Late packets after close are ignored.
	tr.ReceivedPackage(inbound(t, testAddr("peer"), EncodeSimpleAck(0, ServiceReadProperty)))
}

func TestAnswerHelpers(t *testing.T) {
	tr, link := startTransport(t)

	tr.AddListener(ListenerFunc(func(ind *Indication) (any, error) {
		pci := ind.PCI()
		if !pci.IsConfirmedRequest() {
			return nil, nil
		}
		switch ConfirmedServiceChoice(pci.Service) {
		case ServiceWriteProperty:
			return AnswerSimpleAck(ind)
		case ServiceReadProperty:
			return AnswerError(ind, ErrorClassProperty, ErrorCodeUnknownProperty)
		case ServiceSubscribeCOV:
			return AnswerAbort(ind, AbortReasonSegmentationNotSupported)
		default:
			return AnswerReject(ind, RejectReasonUnrecognizedService)
		}
	}))

	request := func(service ConfirmedServiceChoice, id uint8) []byte {
		apdu, err := StampInvokeID(EncodeConfirmedRequest(service, nil), id)
		require.NoError(t, err)
		return apdu
	}

	tr.ReceivedPackage(inbound(t, testAddr("client"), request(ServiceWriteProperty, 11)))
	sent := link.waitSent(t, 1)
	assert.Equal(t, EncodeSimpleAck(11, ServiceWriteProperty), sent[0].apdu)
	assert.Equal(t, testAddr("client"), sent[0].dest)
	assert.False(t, sent[0].expectingReply)

	tr.ReceivedPackage(inbound(t, testAddr("client"), request(ServiceReadProperty, 12)))
	sent = link.waitSent(t, 2)
	assert.Equal(t, EncodeErrorPDU(12, ServiceReadProperty, ErrorClassProperty, ErrorCodeUnknownProperty), sent[1].apdu)

	tr.ReceivedPackage(inbound(t, testAddr("client"), request(ServiceSubscribeCOV, 13)))
	sent = link.waitSent(t, 3)
	assert.Equal(t, EncodeAbort(13, true, AbortReasonSegmentationNotSupported), sent[2].apdu)

	tr.ReceivedPackage(inbound(t, testAddr("client"), request(ServiceReinitializeDevice, 14)))
	sent = link.waitSent(t, 4)
	assert.Equal(t, EncodeReject(14, RejectReasonUnrecognizedService), sent[3].apdu)

	// Answers are never tracked.
	assert.Zero(t, tr.InvokeIDsInUse())

	_, err := AnswerSimpleAck(inbound(t, testAddr("client"), WhoIs{}.Encode()))
	assert.ErrorIs(t, err, ErrInvalidAPDU)
}
