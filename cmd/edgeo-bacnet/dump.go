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
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/edgeo-scada/bacnet/bacnet"
	"github.com/edgeo-scada/bacnet/bacnet/capture"
)

var (
	dumpFile   string
	dumpPorts  []int
	dumpErrors bool
)

var dumpCmd = &cobra.Command{
	Use:   "dump <capture>",
	Short: "Decode BACnet/IP traffic from a pcap file",
	Long: `Dump reads a pcap or pcapng capture and decodes the BVLC, NPDU and APDU
header of every BACnet/IP datagram in it.

Examples:
  # Print all BACnet/IP messages of a capture
  edgeo-bacnet dump traffic.pcap

  # Include a second BACnet/IP port and write JSON lines to a file
  edgeo-bacnet dump traffic.pcapng --ports 47808,47809 -o json -f messages.json

  # Only show datagrams that failed to decode
  edgeo-bacnet dump traffic.pcap --errors`,

	Args: cobra.ExactArgs(1),
	RunE: runDump,
}

func init() {
	dumpCmd.Flags().StringVarP(&dumpFile, "file", "f", "", "Output file (default: stdout)")
	dumpCmd.Flags().IntSliceVar(&dumpPorts, "ports", []int{bacnet.DefaultPort}, "UDP ports carrying BACnet/IP")
	dumpCmd.Flags().BoolVar(&dumpErrors, "errors", false, "Only print datagrams that failed to decode")
}

func frameRecord(f *capture.Frame) messageRecord {
	var rec messageRecord
	if f.PCI != nil {
		rec = newMessageRecord(f.Timestamp, *f.PCI, f.NPDU.Priority(), f.NPDU.ExpectingReply(), f.APDU)
	} else {
		rec = messageRecord{
			Time:           f.Timestamp,
			Priority:       f.NPDU.Priority().String(),
			ExpectingReply: f.NPDU.ExpectingReply(),
		}
		if f.NPDU.IsNetworkMessage() {
			msgType, _, _ := f.NPDU.MessageType()
			rec.PDU = "network-message"
			rec.Service = fmt.Sprintf("0x%02x", uint8(msgType))
		}
	}
	rec.Source = f.Src.String()
	rec.Destination = f.Dst.String()
	if f.Err != nil {
		rec.PDU = "invalid"
		rec.Error = f.Err.Error()
	}
	return rec
}

func runDump(cmd *cobra.Command, args []string) error {
	in, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("open capture: %w", err)
	}
	defer in.Close()

	reader, err := capture.NewReader(in, dumpPorts...)
	if err != nil {
		return err
	}

	out := NewFormatter(outputFmt)
	if dumpFile != "" {
		file, err := os.Create(dumpFile)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer file.Close()
		out.SetWriter(file)
	}
	defer out.Close()

	var total, invalid int
	for {
		f, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		total++
		if f.Err != nil {
			invalid++
		} else if dumpErrors {
			continue
		}

		rec := frameRecord(f)
		if err := out.Stream(rec, messageHeaders, messageWidths, rec.row()); err != nil {
			return err
		}
	}

	fmt.Fprintf(os.Stderr, "%d BACnet/IP datagrams, %d invalid\n", total, invalid)
	return nil
}
