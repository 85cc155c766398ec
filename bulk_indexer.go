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
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/elastic/go-elasticsearch/v8/esapi"
	jsoniter "github.com/json-iterator/go"
	"github.com/klauspost/compress/gzip"
	"go.elastic.co/fastjson"
)

// maxErrorBodySize bounds how much of a failed response is kept in errors.
const maxErrorBodySize = 4096

var errItemCountMismatch = errors.New("bulk response item count mismatch")

// BulkIndexerConfig holds configuration for BulkIndexer.
type BulkIndexerConfig struct {
	// Client holds the Elasticsearch client.
	Client esapi.Transport

	// DocumentType holds the document type written in each action line.
	//
	// If DocumentType is empty, no type is written. It must be empty when
	// indexing into Elasticsearch 7 or later.
	DocumentType string

	// CompressionLevel holds the gzip compression level, from 0 (gzip.NoCompression)
	// to 9 (gzip.BestCompression). Higher values provide greater compression, at a
	// greater cost of CPU. The special value -1 (gzip.DefaultCompression) selects the
	// default compression level.
	CompressionLevel int

	// Pipeline holds the ingest pipeline ID.
	//
	// If Pipeline is empty, no ingest pipeline will be specified in the Bulk request.
	Pipeline string
}

// BulkIndexer builds a single bulk request body of alternating action and
// document lines, and sends it on Flush.
type BulkIndexer struct {
	config       BulkIndexerConfig
	itemsAdded   int
	bytesFlushed int
	jsonw        fastjson.Writer
	writer       io.Writer
	gzipw        *gzip.Writer
	buf          bytes.Buffer
}

// BulkIndexerItem holds a document to be indexed.
type BulkIndexerItem struct {
	Index string
	Body  io.WriterTo
}

// BulkIndexerResponse holds the decoded bulk response. Items are in the
// order the documents were added.
type BulkIndexerResponse struct {
	Took      int64
	HasErrors bool
	Items     []InsertResult
}

// ErrorFlushFailed is returned when Elasticsearch responds to a request
// with an error status.
type ErrorFlushFailed struct {
	op          string
	resp        string
	statusCode  int
	tooMany     bool
	clientError bool
	serverError bool
}

// StatusCode returns the HTTP status code of the failed request.
func (e ErrorFlushFailed) StatusCode() int {
	return e.statusCode
}

// ResponseBody returns the beginning of the failed response body.
func (e ErrorFlushFailed) ResponseBody() string {
	return e.resp
}

func (e ErrorFlushFailed) Error() string {
	return fmt.Sprintf("%s failed (%d): %s", e.op, e.statusCode, e.resp)
}

func newErrorFlushFailed(op string, res *esapi.Response) ErrorFlushFailed {
	body, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBodySize))
	return ErrorFlushFailed{
		op:          op,
		resp:        strings.TrimSpace(string(body)),
		statusCode:  res.StatusCode,
		tooMany:     res.StatusCode == http.StatusTooManyRequests,
		clientError: res.StatusCode >= 400 && res.StatusCode < 500 && res.StatusCode != http.StatusTooManyRequests,
		serverError: res.StatusCode >= 500,
	}
}

// NewBulkIndexer returns a bulk indexer that issues bulk requests to Elasticsearch.
func NewBulkIndexer(cfg BulkIndexerConfig) (*BulkIndexer, error) {
	if cfg.Client == nil {
		return nil, errors.New("client is nil")
	}

	if cfg.CompressionLevel < -1 || cfg.CompressionLevel > 9 {
		return nil, fmt.Errorf(
			"expected CompressionLevel in range [-1,9], got %d",
			cfg.CompressionLevel,
		)
	}

	b := &BulkIndexer{config: cfg}
	if cfg.CompressionLevel != gzip.NoCompression {
		b.gzipw, _ = gzip.NewWriterLevel(&b.buf, cfg.CompressionLevel)
		b.writer = b.gzipw
	} else {
		b.writer = &b.buf
	}
	return b, nil
}

// Reset discards any buffered items, ready for a new request.
func (b *BulkIndexer) Reset() {
	b.bytesFlushed = 0
	b.resetBuf()
}

func (b *BulkIndexer) resetBuf() {
	b.itemsAdded = 0
	b.buf.Reset()
	if b.gzipw != nil {
		b.gzipw.Reset(&b.buf)
	}
}

// Items returns the number of buffered items.
func (b *BulkIndexer) Items() int {
	return b.itemsAdded
}

// Len returns the number of buffered bytes.
func (b *BulkIndexer) Len() int {
	return b.buf.Len()
}

// BytesFlushed returns the number of bytes flushed by the last request.
func (b *BulkIndexer) BytesFlushed() int {
	return b.bytesFlushed
}

// Add encodes an item in the buffer.
func (b *BulkIndexer) Add(item BulkIndexerItem) error {
	if err := b.writeMeta(item.Index); err != nil {
		return fmt.Errorf("failed to write bulk indexer action: %w", err)
	}
	if _, err := item.Body.WriteTo(b.writer); err != nil {
		return fmt.Errorf("failed to write bulk indexer item: %w", err)
	}
	if _, err := b.writer.Write([]byte("\n")); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}
	b.itemsAdded++
	return nil
}

func (b *BulkIndexer) writeMeta(index string) error {
	b.jsonw.RawString(`{"index":{`)
	if index != "" {
		b.jsonw.RawString(`"_index":`)
		b.jsonw.String(index)
	}
	if b.config.DocumentType != "" {
		if index != "" {
			b.jsonw.RawByte(',')
		}
		b.jsonw.RawString(`"_type":`)
		b.jsonw.String(b.config.DocumentType)
	}
	b.jsonw.RawString("}}\n")
	_, err := b.writer.Write(b.jsonw.Bytes())
	b.jsonw.Reset()
	return err
}

// Flush executes a bulk request if there are any items buffered, and clears
// out the buffer. The response must hold exactly one item per document.
func (b *BulkIndexer) Flush(ctx context.Context) (BulkIndexerResponse, error) {
	if b.itemsAdded == 0 {
		return BulkIndexerResponse{}, nil
	}

	if b.gzipw != nil {
		if err := b.gzipw.Close(); err != nil {
			b.resetBuf()
			return BulkIndexerResponse{}, fmt.Errorf("failed closing the gzip writer: %w", err)
		}
	}

	req := esapi.BulkRequest{
		Body:     &b.buf,
		Header:   make(http.Header),
		Pipeline: b.config.Pipeline,
	}
	if b.gzipw != nil {
		req.Header.Set("Content-Encoding", "gzip")
	}

	items := b.itemsAdded
	bytesFlushed := b.buf.Len()
	res, err := req.Do(ctx, b.config.Client)
	b.resetBuf()
	if err != nil {
		return BulkIndexerResponse{}, fmt.Errorf("failed to execute the request: %w", err)
	}
	defer res.Body.Close()

	// Record the number of flushed bytes only when err == nil. The body may
	// not have been sent otherwise.
	b.bytesFlushed = bytesFlushed
	if res.IsError() {
		return BulkIndexerResponse{}, newErrorFlushFailed("flush", res)
	}

	resp, err := decodeBulkResponse(res.Body)
	if err != nil {
		return resp, fmt.Errorf("error decoding bulk response: %w", err)
	}
	if len(resp.Items) != items {
		return resp, fmt.Errorf("%w: %d items for %d documents",
			errItemCountMismatch, len(resp.Items), items,
		)
	}
	return resp, nil
}

func decodeBulkResponse(r io.Reader) (BulkIndexerResponse, error) {
	var resp BulkIndexerResponse
	iter := jsoniter.Parse(jsonAPI, r, 4096)
	iter.ReadObjectCB(func(i *jsoniter.Iterator, field string) bool {
		switch field {
		case "took":
			resp.Took = i.ReadInt64()
		case "errors":
			resp.HasErrors = i.ReadBool()
		case "items":
			i.ReadArrayCB(func(i *jsoniter.Iterator) bool {
				// Each item is an object keyed by its action.
				return i.ReadMapCB(func(i *jsoniter.Iterator, action string) bool {
					item := readBulkItem(i)
					item.Action = action
					resp.Items = append(resp.Items, item)
					return true
				})
			})
		default:
			i.Skip()
		}
		return true
	})
	if iter.Error != nil && !errors.Is(iter.Error, io.EOF) {
		return resp, iter.Error
	}
	return resp, nil
}

func readBulkItem(i *jsoniter.Iterator) InsertResult {
	var item InsertResult
	i.ReadObjectCB(func(i *jsoniter.Iterator, field string) bool {
		switch field {
		case "_index":
			item.Index = i.ReadString()
		case "_id":
			item.ID = i.ReadString()
		case "_type":
			item.Type = i.ReadString()
		case "_version":
			item.Version = i.ReadInt64()
		case "result":
			item.Result = i.ReadString()
		case "status":
			item.Status = i.ReadInt()
		case "_seq_no":
			item.SeqNo = i.ReadInt64()
		case "_primary_term":
			item.PrimaryTerm = i.ReadInt64()
		case "error":
			item.Error = readErrorCause(i)
		default:
			i.Skip()
		}
		return true
	})
	return item
}

func readErrorCause(i *jsoniter.Iterator) *ErrorCause {
	var cause ErrorCause
	switch i.WhatIsNext() {
	case jsoniter.StringValue:
		// Elasticsearch before 5.0 reports errors as plain strings.
		cause.Reason = i.ReadString()
	case jsoniter.ObjectValue:
		i.ReadObjectCB(func(i *jsoniter.Iterator, field string) bool {
			switch field {
			case "type":
				cause.Type = i.ReadString()
			case "reason":
				cause.Reason = i.ReadString()
			default:
				i.Skip()
			}
			return true
		})
	default:
		i.Skip()
	}
	if cause == (ErrorCause{}) {
		return nil
	}
	return &cause
}
