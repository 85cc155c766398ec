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

// Events holds the callbacks notified by a Shipper. Nil callbacks are
// skipped.
//
// OnUnknown is called from the goroutine calling Ship or Add; OnInsert and
// OnInsertError are called from the dispatching goroutine. Callbacks must
// not block for long, as they hold up the pipeline.
type Events struct {
	// OnUnknown is called for each input line that cannot be shipped. err
	// wraps one of ErrParse, ErrBooleanValue, ErrNullValue, ErrInvalidTime,
	// ErrLineTooLong or ErrMissingIndex. line is only valid for the
	// duration of the call.
	OnUnknown func(line []byte, err error)

	// OnInsert is called once per document of a completed request, in
	// submission order, with the outcome reported by Elasticsearch and the
	// indexed document. Documents rejected within an otherwise successful
	// bulk request are reported here too; see InsertResult.Failed.
	OnInsert func(result InsertResult, doc Record)

	// OnInsertError is called once per failed request. None of the
	// documents of a failed request are reported through OnInsert.
	OnInsertError func(err error)
}

func (e Events) unknown(line []byte, err error) {
	if e.OnUnknown != nil {
		e.OnUnknown(line, err)
	}
}

func (e Events) insert(result InsertResult, doc Record) {
	if e.OnInsert != nil {
		e.OnInsert(result, doc)
	}
}

func (e Events) insertError(err error) {
	if e.OnInsertError != nil {
		e.OnInsertError(err)
	}
}

// InsertResult holds the outcome of indexing a single document.
type InsertResult struct {
	// Action holds the bulk action reported by Elasticsearch, "index" or
	// "create" depending on its version. Single document requests always
	// report "index".
	Action string `json:"-"`

	Index       string      `json:"_index"`
	ID          string      `json:"_id"`
	Type        string      `json:"_type,omitempty"`
	Version     int64       `json:"_version"`
	Result      string      `json:"result"`
	Status      int         `json:"status"`
	SeqNo       int64       `json:"_seq_no"`
	PrimaryTerm int64       `json:"_primary_term"`
	Error       *ErrorCause `json:"error,omitempty"`
}

// Failed reports whether Elasticsearch rejected the document.
func (r InsertResult) Failed() bool {
	return r.Error != nil || r.Status > 299
}

// ErrorCause holds the reason Elasticsearch rejected a document.
type ErrorCause struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}
