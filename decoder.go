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
	"bytes"
	"errors"
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

var (
	// ErrParse is reported for lines that are not valid JSON.
	ErrParse = errors.New("parse error")

	// ErrBooleanValue is reported for lines holding a top-level boolean.
	ErrBooleanValue = errors.New("boolean value ignored")

	// ErrNullValue is reported for lines holding a top-level null.
	ErrNullValue = errors.New("null value ignored")

	// ErrInvalidTime is reported for records whose time field is a
	// non-empty string or non-negative number that is not a valid date.
	ErrInvalidTime = errors.New("invalid time value")

	// ErrLineTooLong is reported for lines exceeding Config.MaxLineSize.
	ErrLineTooLong = errors.New("line too long")
)

// jsonAPI decodes numbers as json.Number so that integers survive the
// round trip into the bulk body unchanged. Map keys are sorted to keep
// encoded documents stable.
var jsonAPI = jsoniter.Config{
	EscapeHTML:             true,
	SortMapKeys:            true,
	ValidateJsonRawMessage: true,
	UseNumber:              true,
}.Froze()

// Record is a structured log record.
type Record map[string]any

// DecodeKind tells how a line was decoded.
type DecodeKind uint8

const (
	// Malformed lines are not shipped.
	Malformed DecodeKind = iota
	// ScalarWrapped lines held a valid non-object JSON value, which is
	// wrapped in the "data" field of a new record.
	ScalarWrapped
	// Structured lines held a JSON object.
	Structured
)

func (k DecodeKind) String() string {
	switch k {
	case Malformed:
		return "malformed"
	case ScalarWrapped:
		return "scalar"
	case Structured:
		return "structured"
	}
	return fmt.Sprintf("DecodeKind(%d)", uint8(k))
}

// Decoded is the result of decoding a single line.
type Decoded struct {
	Kind DecodeKind

	// Record is nil when Kind is Malformed.
	Record Record

	// Err holds a *DecodeError when Kind is Malformed.
	Err error
}

// DecodeError describes a line that cannot be shipped.
type DecodeError struct {
	Line []byte
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("cannot ship line: %s", e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Decode decodes a single line of input. The returned record does not
// reference line.
func Decode(line []byte) Decoded {
	if len(bytes.TrimSpace(line)) == 0 {
		return malformed(line, fmt.Errorf("%w: empty line", ErrParse))
	}
	var v any
	if err := jsonAPI.Unmarshal(line, &v); err != nil {
		return malformed(line, fmt.Errorf("%w: %s", ErrParse, err))
	}
	switch v := v.(type) {
	case nil:
		return malformed(line, ErrNullValue)
	case bool:
		return malformed(line, ErrBooleanValue)
	case map[string]any:
		return Decoded{Kind: Structured, Record: Record(v)}
	default:
		return Decoded{Kind: ScalarWrapped, Record: Record{"data": v}}
	}
}

func malformed(line []byte, err error) Decoded {
	return Decoded{Kind: Malformed, Err: newDecodeError(line, err)}
}

func newDecodeError(line []byte, err error) *DecodeError {
	return &DecodeError{Line: append([]byte(nil), line...), Err: err}
}
