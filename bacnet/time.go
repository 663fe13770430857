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

package bacnet

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Time is a BACnet time of day
type Time struct {
	Hour       uint8
	Minute     uint8
	Second     uint8
	Hundredths uint8
}

// AnyTime matches every time of day
var AnyTime = Time{Hour: Any, Minute: Any, Second: Any, Hundredths: Any}

// DecodeTime decodes the 4-byte wire form
func DecodeTime(b []byte) (Time, error) {
	if len(b) < 4 {
		return Time{}, fmt.Errorf("%w: time needs 4 bytes, got %d", ErrInvalidAPDU, len(b))
	}
	return Time{Hour: b[0], Minute: b[1], Second: b[2], Hundredths: b[3]}, nil
}

// Encode returns the 4-byte wire form
func (t Time) Encode() [4]byte {
	return [4]byte{t.Hour, t.Minute, t.Second, t.Hundredths}
}

// HasWildcards reports whether any field is Any
func (t Time) HasWildcards() bool {
	return t.Hour == Any || t.Minute == Any || t.Second == Any || t.Hundredths == Any
}

// SinceMidnight returns the time of day as an offset from midnight
func (t Time) SinceMidnight() (time.Duration, error) {
	fields := []struct {
		name  string
		value uint8
		max   int
	}{
		{"hour", t.Hour, 23},
		{"minute", t.Minute, 59},
		{"second", t.Second, 59},
		{"hundredths", t.Hundredths, 99},
	}
	for _, f := range fields {
		if f.value == Any {
			return 0, &WildcardError{Field: f.name}
		}
		if int(f.value) > f.max {
			return 0, &RangeError{Field: f.name, Value: int(f.value), Min: 0, Max: f.max}
		}
	}
	return time.Duration(t.Hour)*time.Hour +
		time.Duration(t.Minute)*time.Minute +
		time.Duration(t.Second)*time.Second +
		time.Duration(t.Hundredths)*10*time.Millisecond, nil
}

// On combines the time of day with the calendar day of d in d's location
func (t Time) On(d time.Time) (time.Time, error) {
	offset, err := t.SinceMidnight()
	if err != nil {
		return time.Time{}, err
	}
	y, m, day := d.Date()
	return time.Date(y, m, day, 0, 0, 0, 0, d.Location()).Add(offset), nil
}

// TimeOf returns the time of day of t, truncated to hundredths
func TimeOf(t time.Time) Time {
	return Time{
		Hour:       uint8(t.Hour()),
		Minute:     uint8(t.Minute()),
		Second:     uint8(t.Second()),
		Hundredths: uint8(t.Nanosecond() / int(10*time.Millisecond)),
	}
}

func (t Time) String() string {
	parts := make([]string, 4)
	for i, v := range []uint8{t.Hour, t.Minute, t.Second, t.Hundredths} {
		if v == Any {
			parts[i] = "any"
		} else {
			parts[i] = strconv.Itoa(int(v))
		}
	}
	return strings.Join(parts, "-")
}

// ParseTime parses "<hour>-<minute>-<second>-<hundredths>". Each segment is
// a number, "any" or "*"; omitted trailing segments are wildcards.
func ParseTime(s string) (Time, error) {
	segs, err := splitSegments(s, "time")
	if err != nil {
		return Time{}, err
	}
	t := AnyTime
	fields := []struct {
		name string
		max  int
		dst  *uint8
	}{
		{"hour", 23, &t.Hour},
		{"minute", 59, &t.Minute},
		{"second", 59, &t.Second},
		{"hundredths", 99, &t.Hundredths},
	}
	for i, seg := range segs {
		f := fields[i]
		v, err := parseField(seg, f.name, 0, f.max, nil)
		if err != nil {
			return Time{}, err
		}
		*f.dst = uint8(v)
	}
	return t, nil
}
