// Licensed to Elasticsearch B.V. under one or more contributor
// license agreements. See the NOTICE file distributed with
// this work for additional information regarding copyright
// ownership. Elasticsearch B.V. licenses this file to you under
// the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied.  See the License for the
// specific language governing permissions and limitations
// under the License.

package logshipper

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

const timeField = "time"

// TimeLayout is the layout of normalized record times, matching the
// output of JavaScript's Date.prototype.toISOString.
const TimeLayout = "2006-01-02T15:04:05.000Z"

// maxEpochMillis is the largest distance from the epoch a date can hold.
const maxEpochMillis = 8.64e15

// dateLayouts are tried in order when parsing string times. Layouts
// without a zone are interpreted in UTC for date-only forms and in local
// time otherwise.
var dateLayouts = []struct {
	layout string
	local  bool
}{
	{time.RFC3339, false},
	{"2006-01-02T15:04Z07:00", false},
	{"2006-01-02T15:04:05", true},
	{"2006-01-02T15:04", true},
	{"2006-01-02", false},
	{"2006-01", false},
	{"2006", false},
	{"2006-01-02 15:04:05Z07:00", false},
	{"2006-01-02 15:04:05", true},
	{time.RFC1123Z, false},
	{time.RFC1123, false},
	{time.RFC850, false},
	{time.RubyDate, false},
	{time.UnixDate, false},
	{time.ANSIC, true},
}

// FormatTime formats t the way normalized record times are stored.
//
// Years outside 0000 to 9999 are written in the signed six-digit extended
// form, e.g. +275760-09-13T00:00:00.000Z.
func FormatTime(t time.Time) string {
	t = t.UTC()
	year := t.Year()
	if year >= 0 && year <= 9999 {
		return t.Format(TimeLayout)
	}
	sign := byte('+')
	if year < 0 {
		sign, year = '-', -year
	}
	return fmt.Sprintf("%c%06d", sign, year) + t.Format(TimeLayout[len("2006"):])
}

// NormalizeTime sets the time field of rec to an ISO-8601 string.
//
// An existing time is kept when it is a non-empty string or a non-negative
// number of milliseconds since the Unix epoch; any other value, or no value
// at all, is replaced with now. A kept time that is not a valid date results
// in an error wrapping ErrInvalidTime, and rec is left unchanged.
func NormalizeTime(rec Record, now time.Time) error {
	ts := now
	if v, ok := rec[timeField]; ok {
		t, keep, err := parseTimeCandidate(v)
		if err != nil {
			return err
		}
		if keep {
			ts = t
		}
	}
	rec[timeField] = FormatTime(ts)
	return nil
}

func parseTimeCandidate(v any) (time.Time, bool, error) {
	switch v := v.(type) {
	case string:
		if v == "" {
			return time.Time{}, false, nil
		}
		t, err := parseDate(v)
		if err != nil {
			return time.Time{}, false, err
		}
		return t, true, nil
	case json.Number:
		// Out of range numbers keep their infinite or zero value.
		f, err := strconv.ParseFloat(string(v), 64)
		if err != nil && !errors.Is(err, strconv.ErrRange) {
			return time.Time{}, false, fmt.Errorf("%w: %s", ErrInvalidTime, v)
		}
		return millisTime(f)
	case float64:
		return millisTime(v)
	case float32:
		return millisTime(float64(v))
	case int:
		return millisTime(float64(v))
	case int64:
		return millisTime(float64(v))
	case int32:
		return millisTime(float64(v))
	case uint:
		return millisTime(float64(v))
	case uint64:
		return millisTime(float64(v))
	case uint32:
		return millisTime(float64(v))
	}
	return time.Time{}, false, nil
}

func millisTime(ms float64) (time.Time, bool, error) {
	if !(ms >= 0) {
		// Negative numbers and NaN are replaced.
		return time.Time{}, false, nil
	}
	if ms > maxEpochMillis {
		return time.Time{}, false, fmt.Errorf("%w: %v", ErrInvalidTime, ms)
	}
	return time.UnixMilli(int64(ms)), true, nil
}

func parseDate(s string) (time.Time, error) {
	if t, ok := parseExtendedYear(s); ok {
		return t, nil
	}
	for _, l := range dateLayouts {
		var t time.Time
		var err error
		if l.local {
			t, err = time.ParseInLocation(l.layout, s, time.Local)
		} else {
			t, err = time.Parse(l.layout, s)
		}
		if err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidTime, s)
}

// parseExtendedYear parses RFC 3339 times whose year is in the signed
// six-digit form written by FormatTime.
func parseExtendedYear(s string) (time.Time, bool) {
	if len(s) < 8 || (s[0] != '+' && s[0] != '-') || s[7] != '-' {
		return time.Time{}, false
	}
	year := 0
	for _, c := range []byte(s[1:7]) {
		if c < '0' || c > '9' {
			return time.Time{}, false
		}
		year = year*10 + int(c-'0')
	}
	if s[0] == '-' {
		year = -year
	}
	// 2000 is a leap year, so any valid month and day parses here.
	t, err := time.Parse(time.RFC3339, "2000"+s[7:])
	if err != nil {
		return time.Time{}, false
	}
	ext := time.Date(year, t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	if ext.Day() != t.Day() {
		return time.Time{}, false
	}
	if ms := ext.UnixMilli(); ms > maxEpochMillis || ms < -maxEpochMillis {
		return time.Time{}, false
	}
	return ext, true
}
