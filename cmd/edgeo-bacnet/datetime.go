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
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/edgeo-scada/bacnet/bacnet"
)

var (
	dateFromHex bool
	timeFromHex bool
)

var dateCmd = &cobra.Command{
	Use:   "date [value]",
	Short: "Convert a BACnet date",
	Long: `Date parses a BACnet date and shows its wire encoding and calendar value.

The value is "<year>-<month>-<day>-<weekday>". Each field is a number or
"any"; month also takes odd/even, day takes last/odd/even. Without a value
today's date is used.

Examples:
  edgeo-bacnet date 2024-6-15-6
  edgeo-bacnet date any-even-last
  edgeo-bacnet date --hex 7c060f06`,

	Args: cobra.MaximumNArgs(1),
	RunE: runDate,
}

var timeCmd = &cobra.Command{
	Use:   "time [value]",
	Short: "Convert a BACnet time",
	Long: `Time parses a BACnet time and shows its wire encoding and time of day.

The value is "<hour>-<minute>-<second>-<hundredths>"; each field is a
number or "any". Without a value the current time is used.

Examples:
  edgeo-bacnet time 13-30-0-0
  edgeo-bacnet time 13-any
  edgeo-bacnet time --hex 0d1e0000`,

	Args: cobra.MaximumNArgs(1),
	RunE: runTime,
}

func init() {
	dateCmd.Flags().BoolVar(&dateFromHex, "hex", false, "Decode the value from its 4-byte wire form")
	timeCmd.Flags().BoolVar(&timeFromHex, "hex", false, "Decode the value from its 4-byte wire form")
}

// dateTimeRecord describes a converted date or time
type dateTimeRecord struct {
	Value     string `json:"value" yaml:"value"`
	Wire      string `json:"wire" yaml:"wire"`
	Tagged    string `json:"tagged" yaml:"tagged"`
	Wildcards bool   `json:"wildcards" yaml:"wildcards"`
	Resolved  string `json:"resolved,omitempty" yaml:"resolved,omitempty"`
	Error     string `json:"error,omitempty" yaml:"error,omitempty"`
}

func (r dateTimeRecord) print() error {
	resolved := r.Resolved
	if r.Error != "" {
		resolved = r.Error
	}
	headers := []string{"VALUE", "WIRE", "TAGGED", "WILDCARDS", "RESOLVED"}
	row := []string{r.Value, r.Wire, r.Tagged, strconv.FormatBool(r.Wildcards), resolved}
	return NewFormatter(outputFmt).Print(r, headers, [][]string{row})
}

func decodeWire(arg string) ([]byte, error) {
	b, err := decodeHex("hex", arg)
	if err != nil {
		return nil, err
	}
	if len(b) != 4 {
		return nil, fmt.Errorf("wire form is 4 bytes, got %d", len(b))
	}
	return b, nil
}

func dateRecord(d bacnet.Date) dateTimeRecord {
	wire := d.Encode()
	rec := dateTimeRecord{
		Value:     d.String(),
		Wire:      hex.EncodeToString(wire[:]),
		Tagged:    hex.EncodeToString(bacnet.EncodeDateTag(d)),
		Wildcards: d.HasWildcards(),
	}
	if t, err := d.ToTime(); err != nil {
		rec.Error = err.Error()
	} else {
		rec.Resolved = t.Format("Monday 2006-01-02")
	}
	return rec
}

func runDate(cmd *cobra.Command, args []string) error {
	var (
		d   bacnet.Date
		err error
	)
	switch {
	case len(args) == 0:
		d, err = bacnet.DateOf(time.Now())
	case dateFromHex:
		var b []byte
		if b, err = decodeWire(args[0]); err == nil {
			d, err = bacnet.DecodeDate(b)
		}
	default:
		d, err = bacnet.ParseDate(args[0])
	}
	if err != nil {
		return err
	}
	return dateRecord(d).print()
}

func timeRecord(t bacnet.Time) dateTimeRecord {
	wire := t.Encode()
	rec := dateTimeRecord{
		Value:     t.String(),
		Wire:      hex.EncodeToString(wire[:]),
		Tagged:    hex.EncodeToString(bacnet.EncodeTimeTag(t)),
		Wildcards: t.HasWildcards(),
	}
	if d, err := t.SinceMidnight(); err != nil {
		rec.Error = err.Error()
	} else {
		rec.Resolved = d.String()
	}
	return rec
}

func runTime(cmd *cobra.Command, args []string) error {
	var (
		t   bacnet.Time
		err error
	)
	switch {
	case len(args) == 0:
		t = bacnet.TimeOf(time.Now())
	case timeFromHex:
		var b []byte
		if b, err = decodeWire(args[0]); err == nil {
			t, err = bacnet.DecodeTime(b)
		}
	default:
		t, err = bacnet.ParseTime(args[0])
	}
	if err != nil {
		return err
	}
	return timeRecord(t).print()
}
