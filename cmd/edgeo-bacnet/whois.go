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

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/edgeo-scada/bacnet/bacnet"
	"github.com/edgeo-scada/bacnet/bacnet/transport"
)

var (
	whoisTimeout   time.Duration
	whoisLowLimit  uint32
	whoisHighLimit uint32
	whoisNetwork   uint16
	whoisTarget    string
)

var whoisCmd = &cobra.Command{
	Use:     "whois",
	Aliases: []string{"scan"},
	Short:   "Discover BACnet devices with Who-Is",
	Long: `Whois broadcasts a Who-Is request and lists the devices that answer
with I-Am.

Examples:
  # Discover all devices
  edgeo-bacnet whois

  # Discover devices with instance IDs 1-100
  edgeo-bacnet whois --low 1 --high 100

  # Ask the devices behind a router on network 5
  edgeo-bacnet whois --network 5

  # Ask a single device directly
  edgeo-bacnet whois --target 192.168.1.20`,

	RunE: runWhoIs,
}

func init() {
	whoisCmd.Flags().DurationVar(&whoisTimeout, "wait", 3*time.Second, "Time to collect I-Am answers")
	whoisCmd.Flags().Uint32Var(&whoisLowLimit, "low", 0, "Low limit for device instance range (0 = no limit)")
	whoisCmd.Flags().Uint32Var(&whoisHighLimit, "high", 0, "High limit for device instance range (0 = no limit)")
	whoisCmd.Flags().Uint16Var(&whoisNetwork, "network", 0, "Remote network to broadcast on (0 = every network)")
	whoisCmd.Flags().StringVar(&whoisTarget, "target", "", "Send to this address instead of broadcasting")
}

// deviceRecord is one device that answered a Who-Is
type deviceRecord struct {
	DeviceID     uint32 `json:"device_id" yaml:"device_id"`
	Address      string `json:"address" yaml:"address"`
	VendorID     uint16 `json:"vendor_id" yaml:"vendor_id"`
	Segmentation string `json:"segmentation" yaml:"segmentation"`
	MaxAPDU      uint16 `json:"max_apdu" yaml:"max_apdu"`
}

// deviceCollector gathers I-Am answers, one per device instance
type deviceCollector struct {
	mu      sync.Mutex
	devices map[uint32]deviceRecord
}

func newDeviceCollector() *deviceCollector {
	return &deviceCollector{devices: make(map[uint32]deviceRecord)}
}

func (c *deviceCollector) Event(ind *bacnet.Indication) (any, error) {
	pci := ind.PCI()
	if pci.Type != bacnet.PDUTypeUnconfirmedRequest || pci.Service != uint8(bacnet.ServiceIAm) {
		return nil, nil
	}
	iam, err := bacnet.DecodeIAm(ind.Payload())
	if err != nil {
		return nil, fmt.Errorf("decode I-Am from %s: %w", ind.Source(), err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.devices[iam.ObjectID.Instance] = deviceRecord{
		DeviceID:     iam.ObjectID.Instance,
		Address:      ind.Source().String(),
		VendorID:     iam.VendorID,
		Segmentation: iam.Segmentation.String(),
		MaxAPDU:      iam.MaxAPDULength,
	}
	return iam, nil
}

func (c *deviceCollector) list() []deviceRecord {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]deviceRecord, 0, len(c.devices))
	for _, d := range c.devices {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

func whoIsRequest() bacnet.WhoIs {
	if whoisLowLimit == 0 && whoisHighLimit == 0 {
		return bacnet.WhoIs{}
	}
	low, high := whoisLowLimit, whoisHighLimit
	if high == 0 {
		high = bacnet.MaxInstance
	}
	return bacnet.WhoIs{Low: &low, High: &high}
}

func runWhoIs(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	t, err := startTransport(ctx, port)
	if err != nil {
		return err
	}
	defer t.Close()

	dest := t.BroadcastAddress()
	switch {
	case whoisTarget != "":
		addr, err := transport.ParseAddress(whoisTarget)
		if err != nil {
			return fmt.Errorf("invalid target: %w", err)
		}
		if whoisNetwork > 0 {
			addr = addr.WithRoute(whoisNetwork, nil)
		}
		dest = addr
	case whoisNetwork > 0:
		dest = dest.(transport.Address).WithRoute(whoisNetwork, nil)
	}

	collector := newDeviceCollector()
	t.AddListener(collector)

	fmt.Fprintf(os.Stderr, "Sending Who-Is to %s...\n", dest)
	reply, err := t.Request(dest, whoIsRequest().Encode(), bacnet.PriorityNormal, false, nil)
	if err != nil {
		return fmt.Errorf("send Who-Is: %w", err)
	}
	if _, err := reply.Wait(ctx); err != nil {
		return fmt.Errorf("send Who-Is: %w", err)
	}

	select {
	case <-time.After(whoisTimeout):
	case <-ctx.Done():
	}

	devices := collector.list()
	out := NewFormatter(outputFmt)
	if len(devices) == 0 && out.format == FormatTable {
		fmt.Fprintln(os.Stderr, "No devices found")
		return nil
	}

	rows := make([][]string, 0, len(devices))
	for _, d := range devices {
		rows = append(rows, []string{
			strconv.FormatUint(uint64(d.DeviceID), 10),
			d.Address,
			strconv.Itoa(int(d.VendorID)),
			d.Segmentation,
			strconv.Itoa(int(d.MaxAPDU)),
		})
	}
	if err := out.Print(devices, []string{"DEVICE ID", "ADDRESS", "VENDOR", "SEGMENTATION", "MAX APDU"}, rows); err != nil {
		return err
	}
	if out.format == FormatTable {
		fmt.Fprintf(os.Stderr, "\nFound %d device(s)\n", len(devices))
	}
	return nil
}
