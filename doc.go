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

// Package logshipper ships newline-delimited JSON log records into
// Elasticsearch.
//
// Each input line is decoded in isolation: lines that are not valid JSON, or
// that hold a top-level boolean or null, are reported through
// Events.OnUnknown and never reach Elasticsearch. Objects are indexed as-is,
// any other JSON value is wrapped as {"data": value}. Every record carries a
// "time" field holding an ISO-8601 timestamp before it is routed to an index
// resolved from that timestamp.
//
// Records are queued up to Config.BulkSize and written with a single
// outstanding request at a time, either as _bulk requests or, when BulkSize
// is 1, as individual index requests. Outcomes are reported per document
// through Events.OnInsert, or once per failed request through
// Events.OnInsertError. Failed writes are never retried.
package logshipper
