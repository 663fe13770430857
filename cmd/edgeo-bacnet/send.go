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
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/edgeo-scada/bacnet/bacnet"
	"github.com/edgeo-scada/bacnet/bacnet/transport"
)

var (
	sendConfirmed bool
	sendService   uint8
	sendData      string
	sendAPDU      string
	sendPriority  string
	sendNetwork   uint16
	sendMAC       string
	sendLocalPort int
)

var sendCmd = &cobra.Command{
	Use:   "send <address>",
	Short: "Send an APDU and print the answer",
	Long: `Send transmits one APDU to a device. Confirmed requests get an invoke ID,
are retransmitted until answered and the answer is printed.

The APDU is either built from --service and --data (the service request
bytes after the header) or given whole with --apdu.

Examples:
  # ReadProperty device,1234 object-name
  edgeo-bacnet send 192.168.1.20 --confirmed --service 12 --data 0c020004d2194d

  # Who-Is to a single device
  edgeo-bacnet send 192.168.1.20 --service 8

  # Raw APDU to device 0x0c on network 5 behind a router
  edgeo-bacnet send 192.168.1.1 --apdu 1008 --network 5 --mac 0c`,

	Args: cobra.ExactArgs(1),
	RunE: runSend,
}

func init() {
	sendCmd.Flags().BoolVar(&sendConfirmed, "confirmed", false, "Send a confirmed request and wait for the answer")
	sendCmd.Flags().Uint8Var(&sendService, "service", uint8(bacnet.ServiceWhoIs), "Service choice")
	sendCmd.Flags().StringVar(&sendData, "data", "", "Service request data as hex")
	sendCmd.Flags().StringVar(&sendAPDU, "apdu", "", "Complete APDU as hex (overrides --service and --data)")
	sendCmd.Flags().StringVar(&sendPriority, "priority", "normal", "Network priority (normal, urgent, critical-equipment, life-safety)")
	sendCmd.Flags().Uint16Var(&sendNetwork, "network", 0, "Remote network number behind a router")
	sendCmd.Flags().StringVar(&sendMAC, "mac", "", "Device MAC on the remote network as hex (empty = broadcast on it)")
	sendCmd.Flags().IntVar(&sendLocalPort, "local-port", 0, "Local UDP port (0 = ephemeral)")
}

func decodeHex(flag, s string) ([]byte, error) {
	s = strings.NewReplacer(" ", "", ":", "", "0x", "").Replace(s)
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid --%s: %w", flag, err)
	}
	return b, nil
}

// buildAPDU returns the APDU to send and whether it is a confirmed request
func buildAPDU() ([]byte, bool, error) {
	if sendAPDU != "" {
		apdu, err := decodeHex("apdu", sendAPDU)
		if err != nil {
			return nil, false, err
		}
		pci, _, err := bacnet.DecodePCI(apdu)
		if err != nil {
			return nil, false, fmt.Errorf("invalid --apdu: %w", err)
		}
		return apdu, pci.IsConfirmedRequest(), nil
	}

	data, err := decodeHex("data", sendData)
	if err != nil {
		return nil, false, err
	}
	if sendConfirmed {
		return bacnet.EncodeConfirmedRequest(bacnet.ConfirmedServiceChoice(sendService), data), true, nil
	}
	return bacnet.EncodeUnconfirmedRequest(bacnet.UnconfirmedServiceChoice(sendService), data), false, nil
}

func sendDestination(target string) (transport.Address, error) {
	addr, err := transport.ParseAddress(target)
	if err != nil {
		return transport.Address{}, err
	}
	if sendNetwork == 0 {
		if sendMAC != "" {
			return transport.Address{}, fmt.Errorf("--mac needs --network")
		}
		return addr, nil
	}
	mac, err := decodeHex("mac", sendMAC)
	if err != nil {
		return transport.Address{}, err
	}
	return addr.WithRoute(sendNetwork, mac), nil
}

func runSend(cmd *cobra.Command, args []string) error {
	dest, err := sendDestination(args[0])
	if err != nil {
		return err
	}
	prio, ok := bacnet.ParsePriority(sendPriority)
	if !ok {
		return fmt.Errorf("unknown priority %q", sendPriority)
	}
	apdu, confirmed, err := buildAPDU()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	t, err := startTransport(ctx, sendLocalPort)
	if err != nil {
		return err
	}
	defer t.Close()

	start := time.Now()
	reply, err := t.Request(dest, apdu, prio, confirmed, nil)
	if err != nil {
		return fmt.Errorf("send: %w", err)
	}
	value, err := reply.Wait(ctx)
	if err != nil {
		return fmt.Errorf("send: %w", err)
	}

	out := NewFormatter(outputFmt)
	ind, ok := value.(*bacnet.Indication)
	if !ok {
		fmt.Fprintf(os.Stderr, "Sent %d bytes to %s\n", len(apdu), dest)
		return nil
	}

	rec := indicationRecord(ind)
	rec.Destination = dest.String()
	if err := out.Print(rec, messageHeaders, [][]string{rec.row()}); err != nil {
		return err
	}
	if out.format == FormatTable {
		fmt.Fprintf(os.Stderr, "\nAnswered in %s\n", time.Since(start).Round(time.Millisecond))
	}
	return bacnet.IndicationError(ind)
}
