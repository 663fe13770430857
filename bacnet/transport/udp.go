// Package transport provides the BACnet/IP data link over UDP
package transport

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"go.uber.org/atomic"

	"github.com/edgeo-scada/bacnet/bacnet"
)

// readBufferSize leaves room above the largest legal datagram so oversize
// frames are seen whole and rejected by the length check.
const readBufferSize = 2048

// UDPConfig configures the BACnet/IP link
type UDPConfig struct {
	// Interface is the network interface whose IPv4 address and broadcast
	// address are used. Empty binds to all interfaces and broadcasts to
	// 255.255.255.255.
	Interface string

	// Port is the local UDP port; 0 picks an ephemeral port.
	// Ignored if Conn is provided.
	Port int

	// Conn is an optional pre-existing PacketConn to use
	Conn net.PacketConn

	// BroadcastIP overrides the discovered broadcast address
	BroadcastIP net.IP

	// BroadcastPort is the port broadcasts are sent to (default 47808)
	BroadcastPort int

	Logger *slog.Logger
}

// UDP implements bacnet.Link for BACnet/IP
type UDP struct {
	cfg    UDPConfig
	logger *slog.Logger

	mu        sync.RWMutex
	conn      net.PacketConn
	localIP   net.IP
	broadcast net.IP
	d         bacnet.Dispatcher
	metrics   *bacnet.Metrics

	started *atomic.Bool
	closed  *atomic.Bool
	done    chan struct{}
}

// NewUDP creates a BACnet/IP link. The socket is opened by Start.
func NewUDP(cfg UDPConfig) (*UDP, error) {
	if cfg.BroadcastPort == 0 {
		cfg.BroadcastPort = bacnet.DefaultPort
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	u := &UDP{
		cfg:       cfg,
		logger:    cfg.Logger,
		broadcast: net.IPv4bcast,
		started:   atomic.NewBool(false),
		closed:    atomic.NewBool(false),
		done:      make(chan struct{}),
	}

	if cfg.Interface != "" {
		ip, bcast, err := interfaceIPv4(cfg.Interface)
		if err != nil {
			return nil, err
		}
		u.localIP, u.broadcast = ip, bcast
	}
	if cfg.BroadcastIP != nil {
		u.broadcast = cloneIP(cfg.BroadcastIP.To4())
	}
	return u, nil
}

// interfaceIPv4 returns the first IPv4 address of the named interface and
// its directed broadcast address.
func interfaceIPv4(name string) (net.IP, net.IP, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return nil, nil, fmt.Errorf("lookup interface %s: %w", name, err)
	}
	addrs, err := iface.Addrs()
	if err != nil {
		return nil, nil, fmt.Errorf("list addresses of %s: %w", name, err)
	}
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		ip := ipNet.IP.To4()
		if ip == nil {
			continue
		}
		return ip, directedBroadcast(ip, ipNet.Mask), nil
	}
	return nil, nil, fmt.Errorf("interface %s has no IPv4 address", name)
}

func directedBroadcast(ip net.IP, mask net.IPMask) net.IP {
	if len(mask) == net.IPv6len {
		mask = mask[12:]
	}
	out := make(net.IP, net.IPv4len)
	for i := range out {
		out[i] = ip[i] | ^mask[i]
	}
	return out
}

// Start opens the socket and starts the receive loop
func (u *UDP) Start(d bacnet.Dispatcher) error {
	if u.closed.Load() {
		return bacnet.ErrClosed
	}
	if !u.started.CAS(false, true) {
		return bacnet.ErrAlreadyStarted
	}

	conn := u.cfg.Conn
	if conn == nil {
		c, err := net.ListenUDP("udp4", &net.UDPAddr{Port: u.cfg.Port})
		if err != nil {
			u.started.Store(false)
			return fmt.Errorf("listen UDP: %w", err)
		}
		conn = c
	}

	u.mu.Lock()
	u.conn = conn
	u.d = d
	u.metrics = d.Metrics()
	u.mu.Unlock()

	u.logger.Info("BACnet/IP link started",
		slog.String("local", conn.LocalAddr().String()),
		slog.String("broadcast", u.broadcast.String()),
	)

	go u.receiveLoop(conn)
	return nil
}

// Close closes the socket and waits for the receive loop to exit
func (u *UDP) Close() error {
	if !u.closed.CAS(false, true) {
		return nil
	}
	if !u.started.Load() {
		if u.cfg.Conn != nil {
			return u.cfg.Conn.Close()
		}
		return nil
	}

	u.mu.RLock()
	conn := u.conn
	u.mu.RUnlock()

	err := conn.Close()
	<-u.done
	return err
}

func (u *UDP) receiveLoop(conn net.PacketConn) {
	defer close(u.done)

	buf := make([]byte, readBufferSize)
	for {
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			if u.closed.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			u.logger.Warn("UDP read error", slog.String("error", err.Error()))
			continue
		}
		if n == 0 {
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])

		u.metrics.DatagramsReceived.Inc()
		u.metrics.BytesReceived.Add(int64(n))

		if err := u.handleDatagram(data, from); err != nil {
			u.metrics.DatagramsDropped.Inc()
			u.logger.Debug("dropping datagram",
				slog.String("from", addrString(from)),
				slog.Int("size", n),
				slog.String("error", err.Error()),
			)
		}
	}
}

// handleDatagram decodes one datagram and hands it to the dispatcher
func (u *UDP) handleDatagram(data []byte, from net.Addr) error {
	src, ok := from.(*net.UDPAddr)
	if !ok {
		return fmt.Errorf("%w: %T", bacnet.ErrUnsupportedAddress, from)
	}

	_, npduBytes, err := bacnet.DecodeOriginalBVLC(data)
	if err != nil {
		return err
	}
	npdu, n, err := bacnet.DecodeNPDU(npduBytes)
	if err != nil {
		return err
	}
	if npdu.IsNetworkMessage() {
		msgType, _, _ := npdu.MessageType()
		u.metrics.NetworkMessagesIgnored.Inc()
		u.logger.Debug("ignoring network layer message",
			slog.String("from", src.String()),
			slog.Int("type", int(msgType)),
		)
		return nil
	}

	source := Address{IP: cloneIP(src.IP.To4()), Port: src.Port, NPDU: npdu}
	ind, err := bacnet.NewIndication(source, npduBytes[n:], npdu.Priority(), npdu.ExpectingReply())
	if err != nil {
		return err
	}
	u.d.ReceivedPackage(ind)
	return nil
}

// SendData frames apdu for dest and writes it as one datagram
func (u *UDP) SendData(apdu []byte, prio bacnet.Priority, expectingReply bool, dest bacnet.DeviceAddress) error {
	var addr Address
	switch a := dest.(type) {
	case Address:
		addr = a
	case *Address:
		addr = *a
	default:
		return fmt.Errorf("%w: %T", bacnet.ErrUnsupportedAddress, dest)
	}

	u.mu.RLock()
	conn, metrics := u.conn, u.metrics
	u.mu.RUnlock()
	if conn == nil {
		return bacnet.ErrNotStarted
	}
	if u.closed.Load() {
		return bacnet.ErrClosed
	}

	frame, err := u.frame(apdu, prio, expectingReply, addr)
	if err != nil {
		return err
	}
	n, err := conn.WriteTo(frame, addr.UDPAddr())
	if err != nil {
		return fmt.Errorf("write UDP: %w", err)
	}
	if n != len(frame) {
		return fmt.Errorf("partial write: %d of %d bytes", n, len(frame))
	}
	metrics.BytesSent.Add(int64(n))
	return nil
}

// frame builds BVLC header, NPDU and APDU for dest
func (u *UDP) frame(apdu []byte, prio bacnet.Priority, expectingReply bool, dest Address) ([]byte, error) {
	npdu := dest.NPDU.AsAPDUMessage().WithExpectingReply(expectingReply).WithPriority(prio)

	size := bacnet.BVLCHeaderLength + npdu.Len() + len(apdu)
	if size > bacnet.MaxDatagramSize {
		return nil, fmt.Errorf("%w: %d bytes", bacnet.ErrMessageTooLong, size)
	}

	function := bacnet.BVLCOriginalUnicastNPDU
	if npdu.IsBroadcast() || u.isBroadcastIP(dest.IP) {
		function = bacnet.BVLCOriginalBroadcastNPDU
	}

	buf := make([]byte, 0, size)
	buf = append(buf, bacnet.EncodeBVLC(function, npdu.Len()+len(apdu))...)
	buf, err := npdu.AppendTo(buf)
	if err != nil {
		return nil, err
	}
	return append(buf, apdu...), nil
}

func (u *UDP) isBroadcastIP(ip net.IP) bool {
	return ip.Equal(net.IPv4bcast) || ip.Equal(u.broadcast)
}

// LocalAddress returns the bound address
func (u *UDP) LocalAddress() bacnet.DeviceAddress {
	u.mu.RLock()
	defer u.mu.RUnlock()

	addr := Address{IP: cloneIP(u.localIP), Port: u.cfg.Port}
	if addr.IP == nil {
		addr.IP = net.IPv4zero
	}
	if u.conn != nil {
		if la, ok := u.conn.LocalAddr().(*net.UDPAddr); ok {
			addr.Port = la.Port
			if u.localIP == nil && la.IP != nil && !la.IP.IsUnspecified() {
				addr.IP = cloneIP(la.IP)
			}
		}
	}
	return addr
}

// BroadcastAddress returns the global broadcast address: DNET 0xFFFF sent
// to the broadcast IP on the BACnet port
func (u *UDP) BroadcastAddress() bacnet.DeviceAddress {
	return Address{
		IP:   cloneIP(u.broadcast),
		Port: u.cfg.BroadcastPort,
		NPDU: bacnet.NPDU{}.WithDestination(bacnet.GlobalBroadcastNetwork, nil, bacnet.DefaultHopCount),
	}
}

func addrString(a net.Addr) string {
	if a == nil {
		return "<nil>"
	}
	return a.String()
}

// Verify UDP implements bacnet.Link.
var _ bacnet.Link = (*UDP)(nil)
