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
	"errors"
	"fmt"
	"time"

	"github.com/klauspost/compress/gzip"
	"go.elastic.co/apm/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	// DefaultIndex is the index name template used when neither Index nor
	// IndexFunc are set.
	DefaultIndex = "pino"

	// DefaultType is the document type sent to Elasticsearch versions
	// older than 7.
	DefaultType = "log"

	// DefaultESVersion is the Elasticsearch major version assumed when
	// ESVersion is zero.
	DefaultESVersion = 7

	// DefaultBulkSize is the number of records buffered before the intake
	// blocks.
	DefaultBulkSize = 500

	defaultMaxLineSize = 4 * 1024 * 1024
)

// Config holds configuration for Shipper.
type Config struct {
	// Logger holds an optional Logger to use for logging indexing requests.
	//
	// All Elasticsearch errors will be logged at error level, so in cases
	// where the shipper is used for high throughput indexing, it is
	// recommended that a rate-limited logger is used.
	//
	// If Logger is nil, logging will be disabled.
	Logger *zap.Logger

	// Tracer holds an optional apm.Tracer to use for tracing requests
	// to Elasticsearch. Each request is traced as a transaction.
	//
	// If Tracer is nil, requests will not be traced by Elastic APM.
	Tracer *apm.Tracer

	// TracerProvider holds an optional OTel TracerProvider. It is only used
	// when Tracer is nil.
	TracerProvider trace.TracerProvider

	// MeterProvider holds the OTel MeterProvider to be used to create and
	// record shipper metrics.
	//
	// If unset, the global OTel MeterProvider will be used, if that is unset,
	// no metrics will be recorded.
	MeterProvider metric.MeterProvider

	// MetricAttributes holds any extra attributes to set in the recorded
	// metrics.
	MetricAttributes attribute.Set

	// Events holds the callbacks notified of per-line and per-document
	// outcomes.
	Events Events

	// ESVersion holds the major version of the target Elasticsearch.
	// Document types are only sent to versions older than 7.
	//
	// If ESVersion is zero, DefaultESVersion is used.
	ESVersion int

	// Type holds the document type label, ignored when ESVersion >= 7.
	//
	// If Type is empty, DefaultType is used.
	Type string

	// Index holds the index name template. The first occurrence of
	// %{DATE} is replaced with the YYYY-MM-DD date of the record time.
	//
	// If Index is empty, DefaultIndex is used.
	Index string

	// IndexFunc computes the index name from the record time. It takes
	// precedence over Index.
	IndexFunc IndexNameFunc

	// ECS rewrites each record into the Elastic Common Schema before
	// indexing.
	ECS bool

	// SchemaMapper overrides the transform applied when ECS is enabled.
	//
	// If SchemaMapper is nil, ToECS is used.
	SchemaMapper SchemaMapper

	// BulkSize holds the number of records buffered before Add blocks, and
	// the maximum number of documents per bulk request. A BulkSize of 1
	// sends each document with its own index request.
	//
	// If BulkSize is zero, DefaultBulkSize is used.
	BulkSize int

	// FlushInterval holds how long the dispatcher waits for a partial
	// batch to fill up before sending it.
	//
	// If FlushInterval is zero, whatever is queued is sent as soon as the
	// previous request completes.
	FlushInterval time.Duration

	// FlushTimeout holds the request timeout as a duration.
	//
	// If FlushTimeout is zero, no timeout will be used.
	FlushTimeout time.Duration

	// CompressionLevel holds the gzip compression level of bulk requests,
	// from 0 (gzip.NoCompression) to 9 (gzip.BestCompression). The special
	// value -1 (gzip.DefaultCompression) selects the default compression
	// level.
	CompressionLevel int

	// Pipeline holds the ingest pipeline ID.
	//
	// If Pipeline is empty, no ingest pipeline will be specified.
	Pipeline string

	// MaxLineSize holds the maximum length in bytes of an input line read
	// by Ship. Longer lines are reported as unknown and skipped.
	//
	// If MaxLineSize is zero, the default of 4MB will be used.
	MaxLineSize int
}

// DefaultConfig returns cfg with zero values replaced by their defaults.
func DefaultConfig(cfg Config) Config {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.ESVersion == 0 {
		cfg.ESVersion = DefaultESVersion
	}
	if cfg.Type == "" {
		cfg.Type = DefaultType
	}
	if cfg.Index == "" {
		cfg.Index = DefaultIndex
	}
	if cfg.BulkSize == 0 {
		cfg.BulkSize = DefaultBulkSize
	}
	if cfg.ECS && cfg.SchemaMapper == nil {
		cfg.SchemaMapper = ToECS
	}
	if cfg.MaxLineSize == 0 {
		cfg.MaxLineSize = defaultMaxLineSize
	}
	return cfg
}

// Validate reports configuration values that cannot be used.
func (cfg Config) Validate() error {
	var errs []error
	if cfg.BulkSize < 0 {
		errs = append(errs, fmt.Errorf("expected BulkSize >= 0, got %d", cfg.BulkSize))
	}
	if cfg.MaxLineSize < 0 {
		errs = append(errs, fmt.Errorf("expected MaxLineSize >= 0, got %d", cfg.MaxLineSize))
	}
	if cfg.FlushInterval < 0 {
		errs = append(errs, fmt.Errorf("expected FlushInterval >= 0, got %s", cfg.FlushInterval))
	}
	if cfg.CompressionLevel < gzip.DefaultCompression || cfg.CompressionLevel > gzip.BestCompression {
		errs = append(errs, fmt.Errorf(
			"expected CompressionLevel in range [-1,9], got %d",
			cfg.CompressionLevel,
		))
	}
	return errors.Join(errs...)
}

// documentType returns the document type to send, or an empty string when
// the target Elasticsearch no longer supports types.
func (cfg Config) documentType() string {
	if cfg.ESVersion >= 7 {
		return ""
	}
	return cfg.Type
}
