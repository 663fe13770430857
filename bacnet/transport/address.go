package transport

import (
	"fmt"
	"net"
	"strconv"

	"github.com/edgeo-scada/bacnet/bacnet"
)

// Address is a BACnet/IP device address: the UDP endpoint plus the NPDU
// routing fields seen on (or to be put on) the wire.
type Address struct {
	IP   net.IP
	Port int
	NPDU bacnet.NPDU
}

// NewAddress returns a local-network address for ip:port
func NewAddress(ip net.IP, port int) Address {
	return Address{IP: cloneIP(ip), Port: port}
}

// ParseAddress parses "host[:port]". The port defaults to 47808.
func ParseAddress(s string) (Address, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		host, portStr = s, strconv.Itoa(bacnet.DefaultPort)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return Address{}, fmt.Errorf("%w: bad port in %q", bacnet.ErrUnsupportedAddress, s)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		addrs, err := net.LookupIP(host)
		if err != nil {
			return Address{}, fmt.Errorf("resolve %s: %w", host, err)
		}
		for _, a := range addrs {
			if a.To4() != nil {
				ip = a
				break
			}
		}
	}
	if ip == nil || ip.To4() == nil {
		return Address{}, fmt.Errorf("%w: %q is not an IPv4 address", bacnet.ErrUnsupportedAddress, s)
	}
	return NewAddress(ip.To4(), port), nil
}

// ToDestination builds the address to answer a message received from a.
// Routing information in the received source becomes the destination.
func (a Address) ToDestination() bacnet.DeviceAddress {
	npdu := a.NPDU.WithoutDestination().WithoutSource().AsAPDUMessage()
	if snet, mac, ok := a.NPDU.Source(); ok {
		npdu = npdu.WithDestination(snet, mac, bacnet.DefaultHopCount)
	}
	return Address{IP: cloneIP(a.IP), Port: a.Port, NPDU: npdu}
}

// WithRoute returns a copy addressed to mac on remote network dnet through
// the router at a. An empty mac broadcasts on that network.
func (a Address) WithRoute(dnet uint16, mac []byte) Address {
	return Address{IP: cloneIP(a.IP), Port: a.Port, NPDU: a.NPDU.WithDestination(dnet, mac, bacnet.DefaultHopCount)}
}

// UDPAddr returns the UDP endpoint
func (a Address) UDPAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: a.IP, Port: a.Port}
}

func (a Address) String() string {
	s := net.JoinHostPort(a.IP.String(), strconv.Itoa(a.Port))
	if dnet, mac, _, ok := a.NPDU.Destination(); ok {
		s += fmt.Sprintf(" dnet=%d dadr=%x", dnet, mac)
	}
	if snet, mac, ok := a.NPDU.Source(); ok {
		s += fmt.Sprintf(" snet=%d sadr=%x", snet, mac)
	}
	return s
}

func cloneIP(ip net.IP) net.IP {
	if ip == nil {
		return nil
	}
	out := make(net.IP, len(ip))
	copy(out, ip)
	return out
}
