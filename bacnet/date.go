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

// Any is the wildcard value for every Date and Time field
const Any = 255

// Date field wildcards besides Any
const (
	MonthOdd  = 13
	MonthEven = 14
	DayLast   = 32
	DayOdd    = 33
	DayEven   = 34
)

// Year bounds representable in the one-octet year field. Year 2155 encodes
// as Any.
const (
	MinYear = 1900
	MaxYear = 1900 + Any
)

// Date is a BACnet date. Year holds the offset from 1900; Weekday runs from
// 1 (Monday) to 7 (Sunday).
type Date struct {
	Year    uint8
	Month   uint8
	Day     uint8
	Weekday uint8
}

// AnyDate matches every day
var AnyDate = Date{Year: Any, Month: Any, Day: Any, Weekday: Any}

// DecodeDate decodes the 4-byte wire form
func DecodeDate(b []byte) (Date, error) {
	if len(b) < 4 {
		return Date{}, fmt.Errorf("%w: date needs 4 bytes, got %d", ErrInvalidAPDU, len(b))
	}
	return Date{Year: b[0], Month: b[1], Day: b[2], Weekday: b[3]}, nil
}

// Encode returns the 4-byte wire form
func (d Date) Encode() [4]byte {
	return [4]byte{d.Year, d.Month, d.Day, d.Weekday}
}

// HasWildcards reports whether any field is Any or a month/day pattern
func (d Date) HasWildcards() bool {
	return d.Year == Any ||
		d.Month == Any || d.Month == MonthOdd || d.Month == MonthEven ||
		d.Day == Any || d.Day == DayLast || d.Day == DayOdd || d.Day == DayEven ||
		d.Weekday == Any
}

// FullYear returns the calendar year, or false when the year is Any
func (d Date) FullYear() (int, bool) {
	if d.Year == Any {
		return 0, false
	}
	return MinYear + int(d.Year), true
}

// ToTime returns midnight UTC of the date. A weekday that does not fall on
// the date is a *RangeError.
func (d Date) ToTime() (time.Time, error) {
	switch {
	case d.Year == Any:
		return time.Time{}, &WildcardError{Field: "year"}
	case d.Month == Any || d.Month == MonthOdd || d.Month == MonthEven:
		return time.Time{}, &WildcardError{Field: "month"}
	case d.Day == Any || d.Day == DayLast || d.Day == DayOdd || d.Day == DayEven:
		return time.Time{}, &WildcardError{Field: "day"}
	case d.Weekday == Any:
		return time.Time{}, &WildcardError{Field: "weekday"}
	}
	if d.Month < 1 || d.Month > 12 {
		return time.Time{}, &RangeError{Field: "month", Value: int(d.Month), Min: 1, Max: 12}
	}
	if d.Weekday < 1 || d.Weekday > 7 {
		return time.Time{}, &RangeError{Field: "weekday", Value: int(d.Weekday), Min: 1, Max: 7}
	}

	year := MinYear + int(d.Year)
	last := daysIn(time.Month(d.Month), year)
	if d.Day < 1 || int(d.Day) > last {
		return time.Time{}, &RangeError{Field: "day", Value: int(d.Day), Min: 1, Max: last}
	}
	t := time.Date(year, time.Month(d.Month), int(d.Day), 0, 0, 0, 0, time.UTC)
	if want := isoWeekday(t.Weekday()); d.Weekday != want {
		return time.Time{}, &RangeError{Field: "weekday", Value: int(d.Weekday), Min: int(want), Max: int(want)}
	}
	return t, nil
}

// DateOf converts a calendar value, deriving the weekday from it
func DateOf(t time.Time) (Date, error) {
	if t.Year() < MinYear || t.Year() >= MaxYear {
		return Date{}, &RangeError{Field: "year", Value: t.Year(), Min: MinYear, Max: MaxYear - 1}
	}
	return Date{
		Year:    uint8(t.Year() - MinYear),
		Month:   uint8(t.Month()),
		Day:     uint8(t.Day()),
		Weekday: isoWeekday(t.Weekday()),
	}, nil
}

func (d Date) String() string {
	var sb strings.Builder
	if year, ok := d.FullYear(); ok {
		sb.WriteString(strconv.Itoa(year))
	} else {
		sb.WriteString("any")
	}
	sb.WriteByte('-')
	switch d.Month {
	case Any:
		sb.WriteString("any")
	case MonthOdd:
		sb.WriteString("odd")
	case MonthEven:
		sb.WriteString("even")
	default:
		sb.WriteString(strconv.Itoa(int(d.Month)))
	}
	sb.WriteByte('-')
	switch d.Day {
	case Any:
		sb.WriteString("any")
	case DayLast:
		sb.WriteString("last")
	case DayOdd:
		sb.WriteString("odd")
	case DayEven:
		sb.WriteString("even")
	default:
		sb.WriteString(strconv.Itoa(int(d.Day)))
	}
	sb.WriteByte('-')
	if d.Weekday == Any {
		sb.WriteString("any")
	} else {
		sb.WriteString(strconv.Itoa(int(d.Weekday)))
	}
	return sb.String()
}

var (
	monthKeywords = map[string]uint8{"odd": MonthOdd, "even": MonthEven}
	dayKeywords   = map[string]uint8{"last": DayLast, "odd": DayOdd, "even": DayEven}
)

// ParseDate parses "<year>-<month>-<day>-<weekday>". Each segment is a
// number, "any" or "*"; month also takes "odd"/"even" and day takes
// "last"/"odd"/"even". Omitted trailing segments are wildcards.
func ParseDate(s string) (Date, error) {
	segs, err := splitSegments(s, "date")
	if err != nil {
		return Date{}, err
	}
	d := AnyDate
	if segs == nil {
		return d, nil
	}

	year, err := parseField(segs[0], "year", MinYear, MaxYear, nil)
	if err != nil {
		return Date{}, err
	}
	if year != Any {
		if year == MaxYear {
			year = Any
		} else {
			year -= MinYear
		}
	}
	d.Year = uint8(year)

	fields := []struct {
		name     string
		min, max int
		keywords map[string]uint8
		dst      *uint8
	}{
		{"month", 1, MonthEven, monthKeywords, &d.Month},
		{"day", 1, DayEven, dayKeywords, &d.Day},
		{"weekday", 1, 7, nil, &d.Weekday},
	}
	for i, seg := range segs[1:] {
		f := fields[i]
		v, err := parseField(seg, f.name, f.min, f.max, f.keywords)
		if err != nil {
			return Date{}, err
		}
		*f.dst = uint8(v)
	}
	return d, nil
}

// splitSegments lower-cases s and splits it on '-'. A nil result with no
// error means the whole value is a wildcard.
func splitSegments(s, what string) ([]string, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "any" || s == "*" {
		return nil, nil
	}
	segs := strings.Split(s, "-")
	if len(segs) > 4 {
		return nil, &ParseError{Field: what, Input: s}
	}
	return segs, nil
}

// parseField parses one segment. It returns Any for a wildcard keyword.
func parseField(seg, field string, min, max int, keywords map[string]uint8) (int, error) {
	if seg == "any" || seg == "*" {
		return Any, nil
	}
	if v, ok := keywords[seg]; ok {
		return int(v), nil
	}
	v, err := strconv.Atoi(seg)
	if err != nil {
		return 0, &ParseError{Field: field, Input: seg}
	}
	if v < min || v > max {
		return 0, &RangeError{Field: field, Value: v, Min: min, Max: max}
	}
	return v, nil
}

func daysIn(m time.Month, year int) int {
	return time.Date(year, m+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

func isoWeekday(w time.Weekday) uint8 {
	if w == time.Sunday {
		return 7
	}
	return uint8(w)
}
