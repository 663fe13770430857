package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/edgeo-scada/bacnet/bacnet"
)

// OutputFormat represents output format types
type OutputFormat string

const (
	FormatTable OutputFormat = "table"
	FormatJSON  OutputFormat = "json"
	FormatYAML  OutputFormat = "yaml"
	FormatRaw   OutputFormat = "raw"
)

func parseFormat(s string) (OutputFormat, error) {
	switch f := OutputFormat(strings.ToLower(s)); f {
	case FormatTable, FormatJSON, FormatYAML, FormatRaw:
		return f, nil
	default:
		return "", fmt.Errorf("unknown output format %q (table, json, yaml, raw)", s)
	}
}

// Formatter handles output formatting
type Formatter struct {
	format OutputFormat
	writer io.Writer

	// streaming state
	headerDone bool
	widths     []int
	yamlEnc    *yaml.Encoder
}

// NewFormatter creates a new formatter
func NewFormatter(format string) *Formatter {
	f, err := parseFormat(format)
	if err != nil {
		f = FormatTable
	}
	return &Formatter{
		format: f,
		writer: os.Stdout,
	}
}

// SetWriter sets the output writer
func (f *Formatter) SetWriter(w io.Writer) {
	f.writer = w
}

// Printf formats and prints output
func (f *Formatter) Printf(format string, args ...interface{}) {
	fmt.Fprintf(f.writer, format, args...)
}

// Println prints a line
func (f *Formatter) Println(args ...interface{}) {
	fmt.Fprintln(f.writer, args...)
}

// Print writes value as a JSON or YAML document, or rows as a table.
// Raw output is the rows without header, tab separated.
func (f *Formatter) Print(value any, headers []string, rows [][]string) error {
	switch f.format {
	case FormatJSON:
		enc := json.NewEncoder(f.writer)
		enc.SetIndent("", "  ")
		return enc.Encode(value)
	case FormatYAML:
		enc := yaml.NewEncoder(f.writer)
		enc.SetIndent(2)
		if err := enc.Encode(value); err != nil {
			return err
		}
		return enc.Close()
	case FormatRaw:
		for _, row := range rows {
			fmt.Fprintln(f.writer, strings.Join(row, "\t"))
		}
		return nil
	default:
		f.PrintTable(headers, rows)
		return nil
	}
}

// Stream writes one record of an open-ended sequence: JSON lines, YAML
// documents, or table rows under a header printed once. widths are the
// minimum column widths of the table.
func (f *Formatter) Stream(value any, headers []string, widths []int, row []string) error {
	switch f.format {
	case FormatJSON:
		return json.NewEncoder(f.writer).Encode(value)
	case FormatYAML:
		if f.yamlEnc == nil {
			f.yamlEnc = yaml.NewEncoder(f.writer)
			f.yamlEnc.SetIndent(2)
		}
		return f.yamlEnc.Encode(value)
	case FormatRaw:
		fmt.Fprintln(f.writer, strings.Join(row, "\t"))
		return nil
	}

	if !f.headerDone {
		f.widths = make([]int, len(headers))
		for i, h := range headers {
			f.widths[i] = len(h)
			if i < len(widths) && widths[i] > f.widths[i] {
				f.widths[i] = widths[i]
			}
		}
		f.printRow(headers)
		f.printSeparator()
		f.headerDone = true
	}
	f.printRow(row)
	return nil
}

// Close flushes a YAML stream
func (f *Formatter) Close() error {
	if f.yamlEnc != nil {
		return f.yamlEnc.Close()
	}
	return nil
}

// PrintTable prints data in table format
func (f *Formatter) PrintTable(headers []string, rows [][]string) {
	// Calculate column widths
	f.widths = make([]int, len(headers))
	for i, h := range headers {
		f.widths[i] = len(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(f.widths) && len(cell) > f.widths[i] {
				f.widths[i] = len(cell)
			}
		}
	}

	f.printRow(headers)
	f.printSeparator()
	for _, row := range rows {
		f.printRow(row)
	}
}

func (f *Formatter) printRow(row []string) {
	cells := make([]string, 0, len(row))
	for i, cell := range row {
		if i < len(f.widths) {
			cells = append(cells, fmt.Sprintf("%-*s", f.widths[i], cell))
		}
	}
	fmt.Fprintln(f.writer, strings.TrimRight(strings.Join(cells, " "), " "))
}

func (f *Formatter) printSeparator() {
	dashes := make([]string, len(f.widths))
	for i, w := range f.widths {
		dashes[i] = strings.Repeat("-", w)
	}
	fmt.Fprintln(f.writer, strings.Join(dashes, " "))
}

// PrintKeyValue prints key-value pairs
func (f *Formatter) PrintKeyValue(pairs map[string]interface{}, order []string) {
	maxKeyLen := 0
	for _, key := range order {
		if len(key) > maxKeyLen {
			maxKeyLen = len(key)
		}
	}

	for _, key := range order {
		if val, ok := pairs[key]; ok {
			fmt.Fprintf(f.writer, "%-*s: %v\n", maxKeyLen, key, val)
		}
	}
}

// messageRecord is the printable form of one BACnet message
type messageRecord struct {
	Time           time.Time `json:"time" yaml:"time"`
	Source         string    `json:"source,omitempty" yaml:"source,omitempty"`
	Destination    string    `json:"destination,omitempty" yaml:"destination,omitempty"`
	PDU            string    `json:"pdu" yaml:"pdu"`
	InvokeID       *uint8    `json:"invoke_id,omitempty" yaml:"invoke_id,omitempty"`
	Service        string    `json:"service,omitempty" yaml:"service,omitempty"`
	Priority       string    `json:"priority" yaml:"priority"`
	ExpectingReply bool      `json:"expecting_reply" yaml:"expecting_reply"`
	APDU           string    `json:"apdu" yaml:"apdu"`
	Error          string    `json:"error,omitempty" yaml:"error,omitempty"`
}

var (
	messageHeaders = []string{"TIME", "SOURCE", "PDU", "ID", "SERVICE", "PRIO", "APDU"}
	messageWidths  = []int{12, 21, 19, 3, 24, 6, 0}
)

func newMessageRecord(at time.Time, pci bacnet.ProtocolControlInformation, prio bacnet.Priority, expectingReply bool, apdu []byte) messageRecord {
	rec := messageRecord{
		Time:           at,
		PDU:            pci.Type.String(),
		Service:        pci.ServiceName(),
		Priority:       prio.String(),
		ExpectingReply: expectingReply,
		APDU:           hex.EncodeToString(apdu),
	}
	if pci.HasInvokeID() {
		id := pci.InvokeID
		rec.InvokeID = &id
	}
	return rec
}

func indicationRecord(ind *bacnet.Indication) messageRecord {
	rec := newMessageRecord(time.Now(), ind.PCI(), ind.Priority(), ind.ExpectingReply(), ind.APDU())
	rec.Source = ind.Source().String()
	if err := bacnet.IndicationError(ind); err != nil {
		rec.Error = err.Error()
	}
	return rec
}

func (r messageRecord) row() []string {
	id := "-"
	if r.InvokeID != nil {
		id = strconv.Itoa(int(*r.InvokeID))
	}
	service := r.Service
	if r.Error != "" {
		service = r.Error
	}
	return []string{
		r.Time.Format("15:04:05.000"),
		r.Source,
		r.PDU,
		id,
		service,
		r.Priority,
		r.APDU,
	}
}
