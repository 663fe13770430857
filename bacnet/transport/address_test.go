package transport

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgeo-scada/bacnet/bacnet"
)

func TestParseAddress(t *testing.T) {
	tests := []struct {
		in   string
		ip   string
		port int
	}{
		{"192.168.1.10", "192.168.1.10", 47808},
		{"192.168.1.10:47809", "192.168.1.10", 47809},
		{"10.0.0.1:1", "10.0.0.1", 1},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			a, err := ParseAddress(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.ip, a.IP.String())
			assert.Equal(t, tt.port, a.Port)
			assert.False(t, a.NPDU.HasDestination())
		})
	}

	for _, in := range []string{"192.168.1.10:0", "192.168.1.10:70000", "192.168.1.10:http", "[::1]:47808"} {
		t.Run("Invalid/"+in, func(t *testing.T) {
			_, err := ParseAddress(in)
			assert.ErrorIs(t, err, bacnet.ErrUnsupportedAddress)
		})
	}
}

func TestAddressToDestination(t *testing.T) {
	t.Run("Local", func(t *testing.T) {
		src := Address{
			IP:   net.IPv4(192, 168, 1, 20).To4(),
			Port: 47808,
			NPDU: bacnet.NPDU{}.WithExpectingReply(true).WithPriority(bacnet.PriorityUrgent),
		}
		dest, ok := src.ToDestination().(Address)
		require.True(t, ok)
		assert.Equal(t, "192.168.1.20:47808", dest.String())
		assert.False(t, dest.NPDU.HasDestination())
		assert.False(t, dest.NPDU.HasSource())
	})

	t.Run("Routed", func(t *testing.T) {
		src := Address{
			IP:   net.IPv4(192, 168, 1, 1).To4(),
			Port: 47808,
			NPDU: bacnet.NPDU{}.WithSource(5, []byte{0x0C}),
		}
		dest, ok := src.ToDestination().(Address)
		require.True(t, ok)
		assert.True(t, dest.IP.Equal(src.IP))
		assert.False(t, dest.NPDU.HasSource())

		dnet, mac, hops, ok := dest.NPDU.Destination()
		require.True(t, ok)
		assert.EqualValues(t, 5, dnet)
		assert.Equal(t, []byte{0x0C}, mac)
		assert.EqualValues(t, bacnet.DefaultHopCount, hops)
		assert.Equal(t, "192.168.1.1:47808 dnet=5 dadr=0c", dest.String())
	})

	t.Run("CopiesIP", func(t *testing.T) {
		ip := net.IPv4(10, 0, 0, 1).To4()
		a := NewAddress(ip, 47808)
		ip[3] = 99
		assert.Equal(t, "10.0.0.1", a.IP.String())
	})
}

func TestAddressWithRoute(t *testing.T) {
	router := NewAddress(net.IPv4(10, 0, 0, 1), 47808)
	remote := router.WithRoute(12, nil)

	assert.False(t, router.NPDU.HasDestination())
	dnet, mac, _, ok := remote.NPDU.Destination()
	require.True(t, ok)
	assert.EqualValues(t, 12, dnet)
	assert.Empty(t, mac)
	assert.True(t, remote.NPDU.IsBroadcast())
}
