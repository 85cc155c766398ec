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
	"net/url"
	"strings"
	"time"

	"github.com/elastic/go-elasticsearch/v8/esapi"
	jsoniter "github.com/json-iterator/go"
)

// queuedRecord is a normalized record waiting to be dispatched.
type queuedRecord struct {
	index    string
	doc      Record
	body     []byte
	enqueued time.Time
	link     *linkedTraceContext
}

// dispatcher sends documents to Elasticsearch. Implementations return one
// result per document, in order, or an error when the request as a whole
// failed.
type dispatcher interface {
	dispatch(ctx context.Context, docs []queuedRecord) ([]InsertResult, error)

	// bytesFlushed returns the request body size of the last dispatch.
	bytesFlushed() int

	// kind names the request type in metrics and logs.
	kind() string
}

func newDispatcher(client esapi.Transport, cfg Config) (dispatcher, error) {
	if cfg.BulkSize == 1 {
		return &singleDispatcher{
			client:       client,
			documentType: cfg.documentType(),
			pipeline:     cfg.Pipeline,
		}, nil
	}
	indexer, err := NewBulkIndexer(BulkIndexerConfig{
		Client:           client,
		DocumentType:     cfg.documentType(),
		CompressionLevel: cfg.CompressionLevel,
		Pipeline:         cfg.Pipeline,
	})
	if err != nil {
		return nil, err
	}
	return &bulkDispatcher{indexer: indexer}, nil
}

// bulkDispatcher sends all documents with one _bulk request.
type bulkDispatcher struct {
	indexer *BulkIndexer
}

func (d *bulkDispatcher) dispatch(ctx context.Context, docs []queuedRecord) ([]InsertResult, error) {
	d.indexer.Reset()
	for _, doc := range docs {
		if err := d.indexer.Add(BulkIndexerItem{
			Index: doc.index,
			Body:  bytes.NewReader(doc.body),
		}); err != nil {
			d.indexer.Reset()
			return nil, err
		}
	}
	resp, err := d.indexer.Flush(ctx)
	if err != nil {
		return nil, err
	}
	return resp.Items, nil
}

func (d *bulkDispatcher) bytesFlushed() int {
	return d.indexer.BytesFlushed()
}

func (d *bulkDispatcher) kind() string {
	return "bulk"
}

// singleDispatcher sends each document with its own index request. It is
// used with batches of a single document.
type singleDispatcher struct {
	client       esapi.Transport
	documentType string
	pipeline     string
	flushed      int
}

func (d *singleDispatcher) dispatch(ctx context.Context, docs []queuedRecord) ([]InsertResult, error) {
	d.flushed = 0
	results := make([]InsertResult, 0, len(docs))
	for _, doc := range docs {
		result, err := d.index(ctx, doc)
		if err != nil {
			return nil, err
		}
		d.flushed += len(doc.body)
		results = append(results, result)
	}
	return results, nil
}

func (d *singleDispatcher) index(ctx context.Context, doc queuedRecord) (InsertResult, error) {
	var res *esapi.Response
	var err error
	if d.documentType == "" {
		res, err = esapi.IndexRequest{
			Index:    doc.index,
			Body:     bytes.NewReader(doc.body),
			Pipeline: d.pipeline,
		}.Do(ctx, d.client)
	} else {
		res, err = typedIndexRequest{
			Index:        doc.index,
			DocumentType: d.documentType,
			Body:         bytes.NewReader(doc.body),
			Pipeline:     d.pipeline,
		}.Do(ctx, d.client)
	}
	if err != nil {
		return InsertResult{}, fmt.Errorf("failed to execute the request: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return InsertResult{}, newErrorFlushFailed("index", res)
	}

	iter := jsoniter.Parse(jsonAPI, res.Body, 1024)
	result := readBulkItem(iter)
	if iter.Error != nil && !errors.Is(iter.Error, io.EOF) {
		return InsertResult{}, fmt.Errorf("error decoding index response: %w", iter.Error)
	}
	result.Action = "index"
	result.Status = res.StatusCode
	return result, nil
}

func (d *singleDispatcher) bytesFlushed() int {
	return d.flushed
}

func (d *singleDispatcher) kind() string {
	return "single"
}

// typedIndexRequest indexes a document with an explicit document type, for
// Elasticsearch versions older than 7. The esapi.IndexRequest of the v8
// client no longer supports types.
type typedIndexRequest struct {
	Index        string
	DocumentType string
	Body         io.Reader
	Pipeline     string
}

func (r typedIndexRequest) Do(ctx context.Context, transport esapi.Transport) (*esapi.Response, error) {
	var path strings.Builder
	path.Grow(2 + len(r.Index) + len(r.DocumentType))
	path.WriteString("/")
	path.WriteString(url.PathEscape(r.Index))
	path.WriteString("/")
	path.WriteString(url.PathEscape(r.DocumentType))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, path.String(), r.Body)
	if err != nil {
		return nil, err
	}
	if r.Pipeline != "" {
		req.URL.RawQuery = url.Values{"pipeline": []string{r.Pipeline}}.Encode()
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := transport.Perform(req)
	if err != nil {
		return nil, err
	}
	return &esapi.Response{
		StatusCode: res.StatusCode,
		Body:       res.Body,
		Header:     res.Header,
	}, nil
}
