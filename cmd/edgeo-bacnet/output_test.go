package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/edgeo-scada/bacnet/bacnet"
	"github.com/edgeo-scada/bacnet/bacnet/capture"
)

func formatter(format string) (*Formatter, *bytes.Buffer) {
	var buf bytes.Buffer
	f := NewFormatter(format)
	f.SetWriter(&buf)
	return f, &buf
}

func TestParseFormat(t *testing.T) {
	for _, s := range []string{"table", "json", "YAML", "raw"} {
		_, err := parseFormat(s)
		assert.NoError(t, err, s)
	}
	_, err := parseFormat("csv")
	assert.Error(t, err)

	f := NewFormatter("csv")
	assert.Equal(t, FormatTable, f.format)
}

func TestFormatterPrint(t *testing.T) {
	type item struct {
		Name  string `json:"name" yaml:"name"`
		Count int    `json:"count" yaml:"count"`
	}
	value := []item{{"a", 1}, {"bb", 22}}
	headers := []string{"NAME", "COUNT"}
	rows := [][]string{{"a", "1"}, {"bb", "22"}}

	t.Run("Table", func(t *testing.T) {
		f, buf := formatter("table")
		require.NoError(t, f.Print(value, headers, rows))
		assert.Equal(t, "NAME COUNT\n---- -----\na    1\nbb   22\n", buf.String())
	})

	t.Run("JSON", func(t *testing.T) {
		f, buf := formatter("json")
		require.NoError(t, f.Print(value, headers, rows))
		var got []item
		require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
		assert.Equal(t, value, got)
	})

	t.Run("YAML", func(t *testing.T) {
		f, buf := formatter("yaml")
		require.NoError(t, f.Print(value, headers, rows))
		var got []item
		require.NoError(t, yaml.Unmarshal(buf.Bytes(), &got))
		assert.Equal(t, value, got)
	})

	t.Run("Raw", func(t *testing.T) {
		f, buf := formatter("raw")
		require.NoError(t, f.Print(value, headers, rows))
		assert.Equal(t, "a\t1\nbb\t22\n", buf.String())
	})
}

func TestFormatterStream(t *testing.T) {
	recs := []map[string]int{{"n": 1}, {"n": 2}}
	headers := []string{"N", "DOUBLE"}

	t.Run("Table", func(t *testing.T) {
		f, buf := formatter("table")
		for _, r := range recs {
			require.NoError(t, f.Stream(r, headers, []int{3, 0}, []string{
				strings.Repeat("x", r["n"]), strings.Repeat("y", 2*r["n"]),
			}))
		}
		assert.Equal(t, "N   DOUBLE\n--- ------\nx   yy\nxx  yyyy\n", buf.String())
	})

	t.Run("JSONLines", func(t *testing.T) {
		f, buf := formatter("json")
		for _, r := range recs {
			require.NoError(t, f.Stream(r, headers, nil, nil))
		}
		assert.Equal(t, "{\"n\":1}\n{\"n\":2}\n", buf.String())
	})

	t.Run("YAMLDocuments", func(t *testing.T) {
		f, buf := formatter("yaml")
		for _, r := range recs {
			require.NoError(t, f.Stream(r, headers, nil, nil))
		}
		require.NoError(t, f.Close())

		dec := yaml.NewDecoder(buf)
		for _, want := range recs {
			var got map[string]int
			require.NoError(t, dec.Decode(&got))
			assert.Equal(t, want, got)
		}
	})
}

func TestMessageRecord(t *testing.T) {
	at := time.Date(2024, 6, 15, 13, 30, 1, 250*int(time.Millisecond), time.UTC)
	pci := bacnet.ProtocolControlInformation{Type: bacnet.PDUTypeSimpleAck, InvokeID: 7, Service: uint8(bacnet.ServiceWriteProperty)}

	rec := newMessageRecord(at, pci, bacnet.PriorityUrgent, false, bacnet.EncodeSimpleAck(7, bacnet.ServiceWriteProperty))
	rec.Source = "10.0.0.2:47808"
	require.NotNil(t, rec.InvokeID)
	assert.EqualValues(t, 7, *rec.InvokeID)
	assert.Equal(t, []string{"13:30:01.250", "10.0.0.2:47808", "simple-ack", "7", "WriteProperty", "urgent", "20070f"}, rec.row())

	unconfirmed := newMessageRecord(at, bacnet.ProtocolControlInformation{Type: bacnet.PDUTypeUnconfirmedRequest, Service: uint8(bacnet.ServiceWhoIs)},
		bacnet.PriorityNormal, false, bacnet.WhoIs{}.Encode())
	assert.Nil(t, unconfirmed.InvokeID)
	assert.Equal(t, "-", unconfirmed.row()[3])
	assert.Equal(t, "Who-Is", unconfirmed.row()[4])
}

func TestFrameRecord(t *testing.T) {
	src := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 47808}
	dst := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 255), Port: 47808}

	t.Run("APDU", func(t *testing.T) {
		pci := bacnet.ProtocolControlInformation{Type: bacnet.PDUTypeUnconfirmedRequest, Service: uint8(bacnet.ServiceWhoIs)}
		rec := frameRecord(&capture.Frame{Src: src, Dst: dst, PCI: &pci, APDU: []byte{0x10, 0x08}})
		assert.Equal(t, "10.0.0.1:47808", rec.Source)
		assert.Equal(t, "10.0.0.255:47808", rec.Destination)
		assert.Equal(t, "unconfirmed-request", rec.PDU)
		assert.Equal(t, "1008", rec.APDU)
		assert.Empty(t, rec.Error)
	})

	t.Run("NetworkMessage", func(t *testing.T) {
		npdu := bacnet.NPDU{}.WithMessageType(bacnet.NetworkMessageIAmRouterToNetwork, 0)
		rec := frameRecord(&capture.Frame{Src: src, Dst: dst, NPDU: npdu})
		assert.Equal(t, "network-message", rec.PDU)
		assert.Equal(t, "0x01", rec.Service)
	})

	t.Run("Invalid", func(t *testing.T) {
		rec := frameRecord(&capture.Frame{Src: src, Dst: dst, Err: errors.New("bad length")})
		assert.Equal(t, "invalid", rec.PDU)
		assert.Equal(t, "bad length", rec.row()[4])
	})
}

func TestDateTimeRecords(t *testing.T) {
	d, err := bacnet.ParseDate("2024-6-15-6")
	require.NoError(t, err)
	rec := dateRecord(d)
	assert.Equal(t, "2024-6-15-6", rec.Value)
	assert.Equal(t, "7c060f06", rec.Wire)
	assert.Equal(t, "a47c060f06", rec.Tagged)
	assert.False(t, rec.Wildcards)
	assert.Equal(t, "Saturday 2024-06-15", rec.Resolved)

	d, err = bacnet.ParseDate("any-even-last")
	require.NoError(t, err)
	rec = dateRecord(d)
	assert.True(t, rec.Wildcards)
	assert.Empty(t, rec.Resolved)
	assert.NotEmpty(t, rec.Error)

	tm, err := bacnet.ParseTime("13-30-0-0")
	require.NoError(t, err)
	rec = timeRecord(tm)
	assert.Equal(t, "0d1e0000", rec.Wire)
	assert.Equal(t, "b40d1e0000", rec.Tagged)
	assert.Equal(t, "13h30m0s", rec.Resolved)

	_, err = decodeWire("0d1e00")
	assert.Error(t, err)
	b, err := decodeWire("0d:1e:00:00")
	require.NoError(t, err)
	assert.Equal(t, []byte{0x0d, 0x1e, 0x00, 0x00}, b)
}

func TestWhoIsRequest(t *testing.T) {
	t.Cleanup(func() { whoisLowLimit, whoisHighLimit = 0, 0 })

	w := whoIsRequest()
	assert.Nil(t, w.Low)

	whoisLowLimit = 5
	w = whoIsRequest()
	require.NotNil(t, w.Low)
	require.NotNil(t, w.High)
	assert.EqualValues(t, 5, *w.Low)
	assert.EqualValues(t, bacnet.MaxInstance, *w.High)
}

func TestSendHelpers(t *testing.T) {
	t.Cleanup(func() {
		sendConfirmed, sendService, sendData, sendAPDU = false, uint8(bacnet.ServiceWhoIs), "", ""
		sendNetwork, sendMAC = 0, ""
	})

	t.Run("ConfirmedFromServiceAndData", func(t *testing.T) {
		sendConfirmed, sendService, sendData = true, uint8(bacnet.ServiceReadProperty), "0c 02 00 04 d2"
		apdu, confirmed, err := buildAPDU()
		require.NoError(t, err)
		assert.True(t, confirmed)

		pci, n, err := bacnet.DecodePCI(apdu)
		require.NoError(t, err)
		assert.Equal(t, bacnet.PDUTypeConfirmedRequest, pci.Type)
		assert.EqualValues(t, bacnet.ServiceReadProperty, pci.Service)
		assert.Equal(t, []byte{0x0c, 0x02, 0x00, 0x04, 0xd2}, apdu[n:])
	})

	t.Run("WholeAPDU", func(t *testing.T) {
		sendAPDU = "1008"
		apdu, confirmed, err := buildAPDU()
		require.NoError(t, err)
		assert.False(t, confirmed)
		assert.Equal(t, []byte{0x10, 0x08}, apdu)

		sendAPDU = "zz"
		_, _, err = buildAPDU()
		assert.Error(t, err)
		sendAPDU = ""
	})

	t.Run("Destination", func(t *testing.T) {
		sendNetwork, sendMAC = 0, "0c"
		_, err := sendDestination("10.0.0.1")
		assert.Error(t, err)

		sendNetwork = 5
		addr, err := sendDestination("10.0.0.1:47809")
		require.NoError(t, err)
		assert.Equal(t, 47809, addr.Port)
		dnet, mac, _, ok := addr.NPDU.Destination()
		require.True(t, ok)
		assert.EqualValues(t, 5, dnet)
		assert.Equal(t, []byte{0x0c}, mac)
	})
}

func TestNewResponder(t *testing.T) {
	t.Cleanup(func() { listenAck, listenReject, listenDeviceID = false, false, -1 })

	listenAck, listenReject, listenDeviceID = false, false, -1
	r, err := newResponder()
	require.NoError(t, err)
	assert.Nil(t, r)

	listenAck, listenReject = true, true
	_, err = newResponder()
	assert.Error(t, err)

	listenAck, listenReject, listenDeviceID = false, false, bacnet.MaxInstance+1
	_, err = newResponder()
	assert.Error(t, err)

	listenDeviceID = 1234
	r, err = newResponder()
	require.NoError(t, err)
	require.NotNil(t, r.device)
	assert.EqualValues(t, 1234, r.device.ObjectID.Instance)
}
