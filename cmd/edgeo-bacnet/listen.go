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
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/edgeo-scada/bacnet/bacnet"
)

var (
	listenAck      bool
	listenReject   bool
	listenDeviceID int64
	listenVendorID uint16
)

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Print every BACnet message received",
	Long: `Listen binds the BACnet/IP port and prints every message that reaches it.

Confirmed requests can be answered so that the sender does not retransmit,
and Who-Is requests can be answered with an I-Am for a simulated device.

Examples:
  # Print all traffic as JSON lines
  edgeo-bacnet listen -o json

  # Acknowledge every confirmed request
  edgeo-bacnet listen --ack

  # Answer Who-Is as device 1234
  edgeo-bacnet listen --device-id 1234`,

	RunE: runListen,
}

func init() {
	listenCmd.Flags().BoolVar(&listenAck, "ack", false, "Answer confirmed requests with a Simple-ACK")
	listenCmd.Flags().BoolVar(&listenReject, "reject", false, "Answer confirmed requests with a Reject (unrecognized-service)")
	listenCmd.Flags().Int64Var(&listenDeviceID, "device-id", -1, "Answer matching Who-Is requests with an I-Am for this device instance")
	listenCmd.Flags().Uint16Var(&listenVendorID, "vendor-id", 0, "Vendor ID announced in I-Am")
}

// printer serializes output from concurrent listener calls
type printer struct {
	mu  sync.Mutex
	out *Formatter
}

func (p *printer) Event(ind *bacnet.Indication) (any, error) {
	rec := indicationRecord(ind)

	p.mu.Lock()
	defer p.mu.Unlock()
	return nil, p.out.Stream(rec, messageHeaders, messageWidths, rec.row())
}

// responder answers requests the way a minimal device would
type responder struct {
	ack, reject bool
	device      *bacnet.IAm
}

func (r *responder) Event(ind *bacnet.Indication) (any, error) {
	pci := ind.PCI()
	switch {
	case pci.IsConfirmedRequest() && r.reject:
		return bacnet.AnswerReject(ind, bacnet.RejectReasonUnrecognizedService)
	case pci.IsConfirmedRequest() && r.ack:
		return bacnet.AnswerSimpleAck(ind)
	case r.device != nil && pci.Type == bacnet.PDUTypeUnconfirmedRequest && pci.Service == uint8(bacnet.ServiceWhoIs):
		w, err := bacnet.DecodeWhoIs(ind.Payload())
		if err != nil {
			return nil, err
		}
		if !w.Matches(r.device.ObjectID.Instance) {
			return nil, nil
		}
		t := ind.Transport()
		return t.Request(t.BroadcastAddress(), r.device.Encode(), bacnet.PriorityNormal, false, nil)
	}
	return nil, nil
}

func newResponder() (*responder, error) {
	r := &responder{ack: listenAck, reject: listenReject}
	if listenAck && listenReject {
		return nil, fmt.Errorf("--ack and --reject are mutually exclusive")
	}
	if listenDeviceID >= 0 {
		if listenDeviceID > bacnet.MaxInstance {
			return nil, fmt.Errorf("device ID %d out of range (0..%d)", listenDeviceID, bacnet.MaxInstance)
		}
		r.device = &bacnet.IAm{
			ObjectID:      bacnet.ObjectIdentifier{Type: bacnet.ObjectTypeDevice, Instance: uint32(listenDeviceID)},
			MaxAPDULength: bacnet.MaxAPDULength,
			Segmentation:  bacnet.SegmentationNone,
			VendorID:      listenVendorID,
		}
	}
	if !r.ack && !r.reject && r.device == nil {
		return nil, nil
	}
	return r, nil
}

func runListen(cmd *cobra.Command, args []string) error {
	resp, err := newResponder()
	if err != nil {
		return err
	}

	out := NewFormatter(outputFmt)
	defer out.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	t, err := startTransport(ctx, port)
	if err != nil {
		return err
	}
	defer t.Close()

	t.AddListener(&printer{out: out})
	if resp != nil {
		t.AddListener(resp)
	}

	fmt.Fprintf(os.Stderr, "Listening on %s, press Ctrl+C to stop\n", t.LocalAddress())
	<-ctx.Done()

	fmt.Fprintln(os.Stderr, "\nStopping...")
	s := t.Metrics().Snapshot()
	logger.Info("listen finished",
		slog.Int64("received", s.DatagramsReceived),
		slog.Int64("dropped", s.DatagramsDropped),
		slog.Int64("network_messages", s.NetworkMessagesIgnored),
	)
	return nil
}
