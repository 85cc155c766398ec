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

// Package logshippertest provides a mock Elasticsearch for testing log
// shippers.
package logshippertest

import (
	"bufio"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esutil"
	jsoniter "github.com/json-iterator/go"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"
	"go.elastic.co/apm/module/apmelasticsearch/v2"
)

// TimestampFormat holds the time format of normalized record times,
// matching Elasticsearch's strict_date_optional_time date format.
const TimestampFormat = "2006-01-02T15:04:05.000Z"

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// BulkAction holds a decoded bulk action line.
type BulkAction struct {
	Action string
	Index  string
	Type   string
}

// DecodeBulkRequest decodes a /_bulk request's body, returning the decoded
// action lines, the documents following them, and a response body
// acknowledging every document.
func DecodeBulkRequest(r *http.Request) ([]BulkAction, [][]byte, esutil.BulkIndexerResponse) {
	body := r.Body
	if r.Header.Get("Content-Encoding") == "gzip" {
		r, err := gzip.NewReader(body)
		if err != nil {
			panic(err)
		}
		defer r.Close()
		body = r
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(nil, 16*1024*1024)
	var actions []BulkAction
	var docs [][]byte
	var result esutil.BulkIndexerResponse
	for scanner.Scan() {
		var meta map[string]struct {
			Index string `json:"_index"`
			Type  string `json:"_type"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &meta); err != nil {
			panic(err)
		}
		var action BulkAction
		for name, m := range meta {
			action = BulkAction{Action: name, Index: m.Index, Type: m.Type}
		}
		if !scanner.Scan() {
			panic("expected source")
		}

		doc := append([]byte{}, scanner.Bytes()...)
		if !json.Valid(doc) {
			panic(fmt.Errorf("invalid JSON: %s", doc))
		}
		actions = append(actions, action)
		docs = append(docs, doc)

		item := esutil.BulkIndexerResponseItem{
			Index:      action.Index,
			DocumentID: strconv.Itoa(len(docs)),
			Version:    1,
			Result:     "created",
			Status:     http.StatusCreated,
		}
		result.Items = append(result.Items, map[string]esutil.BulkIndexerResponseItem{action.Action: item})
	}
	if err := scanner.Err(); err != nil {
		panic(err)
	}
	return actions, docs, result
}

// IndexRequest holds a decoded single document index request.
type IndexRequest struct {
	Index string
	// Type holds the document type, or "_doc" for typeless requests.
	Type     string
	Pipeline string
	Doc      []byte
}

// DecodeIndexRequest decodes a request served by an index handler
// registered with HandleIndex.
func DecodeIndexRequest(r *http.Request) IndexRequest {
	doc, err := io.ReadAll(r.Body)
	if err != nil {
		panic(err)
	}
	if !json.Valid(doc) {
		panic(fmt.Errorf("invalid JSON: %s", doc))
	}
	return IndexRequest{
		Index:    r.PathValue("index"),
		Type:     r.PathValue("type"),
		Pipeline: r.URL.Query().Get("pipeline"),
		Doc:      doc,
	}
}

var lastID atomic.Int64

// IndexResponse returns a successful index response body for req.
func IndexResponse(req IndexRequest) []byte {
	item := esutil.BulkIndexerResponseItem{
		Index:      req.Index,
		DocumentID: strconv.FormatInt(lastID.Add(1), 10),
		Version:    1,
		Result:     "created",
		Status:     http.StatusCreated,
	}
	body, err := json.Marshal(item)
	if err != nil {
		panic(err)
	}
	return body
}

// NewMockElasticsearchClient returns an elasticsearch.Client which sends /_bulk requests to bulkHandler.
func NewMockElasticsearchClient(t testing.TB, bulkHandler http.HandlerFunc) *elasticsearch.Client {
	return NewMockElasticsearchClientWithIndex(t, bulkHandler, nil)
}

// NewMockElasticsearchClientWithIndex returns an elasticsearch.Client which
// sends /_bulk requests to bulkHandler and single document index requests
// to indexHandler. Either handler may be nil.
func NewMockElasticsearchClientWithIndex(t testing.TB, bulkHandler, indexHandler http.HandlerFunc) *elasticsearch.Client {
	config := NewMockElasticsearchClientConfig(t, bulkHandler, indexHandler)
	client, err := elasticsearch.NewClient(config)
	require.NoError(t, err)
	return client
}

// NewMockElasticsearchClientConfig starts an httptest.Server, and returns an elasticsearch.Config which
// sends requests to the given handlers. The httptest.Server will be closed via t.Cleanup.
func NewMockElasticsearchClientConfig(t testing.TB, bulkHandler, indexHandler http.HandlerFunc) elasticsearch.Config {
	mux := http.NewServeMux()
	if bulkHandler != nil {
		HandleBulk(mux, bulkHandler)
	}
	if indexHandler != nil {
		HandleIndex(mux, indexHandler)
	}
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	config := elasticsearch.Config{}
	config.Addresses = []string{srv.URL}
	config.DisableRetry = true
	config.Transport = apmelasticsearch.WrapRoundTripper(http.DefaultTransport)

	return config
}

// HandleBulk registers bulkHandler with mux for handling /_bulk requests,
// wrapping bulkHandler to conform with go-elasticsearch version checking.
func HandleBulk(mux *http.ServeMux, bulkHandler http.HandlerFunc) {
	mux.HandleFunc("/_bulk", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		bulkHandler.ServeHTTP(w, r)
	})
}

// HandleIndex registers indexHandler with mux for handling POST
// /{index}/_doc requests, and POST /{index}/{type} requests of
// Elasticsearch versions older than 7.
func HandleIndex(mux *http.ServeMux, indexHandler http.HandlerFunc) {
	mux.HandleFunc("POST /{index}/{type}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		indexHandler.ServeHTTP(w, r)
	})
}
