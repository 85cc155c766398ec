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

package logshipper_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elastic/go-elasticsearch/v8/esutil"
	"github.com/elastic/go-logshipper"
	"github.com/elastic/go-logshipper/logshippertest"
)

func TestBulkIndexer(t *testing.T) {
	for _, tc := range []struct {
		Name             string
		CompressionLevel int
	}{
		{Name: "no_compression", CompressionLevel: gzip.NoCompression},
		{Name: "default_compression", CompressionLevel: gzip.DefaultCompression},
		{Name: "most_compression", CompressionLevel: gzip.BestCompression},
		{Name: "speed_compression", CompressionLevel: gzip.BestSpeed},
	} {
		t.Run(tc.Name, func(t *testing.T) {
			var contentEncoding atomic.Value
			client := logshippertest.NewMockElasticsearchClient(t, func(w http.ResponseWriter, r *http.Request) {
				contentEncoding.Store(r.Header.Get("Content-Encoding"))
				actions, _, result := logshippertest.DecodeBulkRequest(r)
				for _, action := range actions {
					assert.Equal(t, logshippertest.BulkAction{Action: "index", Index: "testidx"}, action)
				}
				json.NewEncoder(w).Encode(result)
			})
			indexer, err := logshipper.NewBulkIndexer(logshipper.BulkIndexerConfig{
				Client:           client,
				CompressionLevel: tc.CompressionLevel,
			})
			require.NoError(t, err)

			const itemCount = 1_000
			for i := 0; i < itemCount; i++ {
				addBulkItem(t, indexer, "testidx")
			}
			require.Equal(t, itemCount, indexer.Items())
			buffered := indexer.Len()
			require.Positive(t, buffered)

			resp, err := indexer.Flush(context.Background())
			require.NoError(t, err)
			require.Len(t, resp.Items, itemCount)
			for _, item := range resp.Items {
				assert.Equal(t, "index", item.Action)
				assert.Equal(t, "testidx", item.Index)
				assert.Equal(t, http.StatusCreated, item.Status)
				assert.Nil(t, item.Error)
				assert.False(t, item.Failed())
			}
			assert.False(t, resp.HasErrors)

			// nothing is in the buffer after flushing
			require.Equal(t, 0, indexer.Len())
			require.Equal(t, 0, indexer.Items())
			if tc.CompressionLevel == gzip.NoCompression {
				assert.Equal(t, "", contentEncoding.Load())
				assert.Equal(t, buffered, indexer.BytesFlushed())
			} else {
				assert.Equal(t, "gzip", contentEncoding.Load())
				assert.Positive(t, indexer.BytesFlushed())
			}

			indexer.Reset()
			assert.Equal(t, 0, indexer.BytesFlushed())
		})
	}
}

func TestBulkIndexerDocumentType(t *testing.T) {
	for name, documentType := range map[string]string{
		"typed":    "log",
		"typeless": "",
	} {
		t.Run(name, func(t *testing.T) {
			var body atomic.Value
			client := logshippertest.NewMockElasticsearchClient(t, func(w http.ResponseWriter, r *http.Request) {
				actions, docs, result := logshippertest.DecodeBulkRequest(r)
				require.Len(t, actions, 2)
				require.Len(t, docs, 2)
				assert.Equal(t, logshippertest.BulkAction{Action: "index", Index: "logs-a", Type: documentType}, actions[0])
				assert.Equal(t, logshippertest.BulkAction{Action: "index", Index: "logs-b", Type: documentType}, actions[1])
				body.Store(string(docs[0]))
				json.NewEncoder(w).Encode(result)
			})
			indexer, err := logshipper.NewBulkIndexer(logshipper.BulkIndexerConfig{
				Client:           client,
				DocumentType:     documentType,
				CompressionLevel: gzip.NoCompression,
			})
			require.NoError(t, err)

			require.NoError(t, indexer.Add(logshipper.BulkIndexerItem{
				Index: "logs-a",
				Body:  strings.NewReader(`{"msg":"a"}`),
			}))
			addBulkItem(t, indexer, "logs-b")

			resp, err := indexer.Flush(context.Background())
			require.NoError(t, err)
			require.Len(t, resp.Items, 2)
			assert.Equal(t, `{"msg":"a"}`, body.Load())
		})
	}
}

func TestBulkIndexerPipeline(t *testing.T) {
	client := logshippertest.NewMockElasticsearchClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-pipeline", r.URL.Query().Get("pipeline"))
		_, _, result := logshippertest.DecodeBulkRequest(r)
		json.NewEncoder(w).Encode(result)
	})
	indexer, err := logshipper.NewBulkIndexer(logshipper.BulkIndexerConfig{
		Client:   client,
		Pipeline: "test-pipeline",
	})
	require.NoError(t, err)

	addBulkItem(t, indexer, "testidx")
	resp, err := indexer.Flush(context.Background())
	require.NoError(t, err)
	require.Len(t, resp.Items, 1)
}

func TestBulkIndexerItemErrors(t *testing.T) {
	client := logshippertest.NewMockElasticsearchClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _, result := logshippertest.DecodeBulkRequest(r)
		result.HasErrors = true
		item := result.Items[1]["index"]
		item.Status = http.StatusBadRequest
		item.Error.Type = "mapper_parsing_exception"
		item.Error.Reason = "failed to parse field [level]"
		result.Items[1]["index"] = item
		json.NewEncoder(w).Encode(result)
	})
	indexer, err := logshipper.NewBulkIndexer(logshipper.BulkIndexerConfig{Client: client})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		addBulkItem(t, indexer, "testidx")
	}
	resp, err := indexer.Flush(context.Background())
	require.NoError(t, err)
	assert.True(t, resp.HasErrors)
	require.Len(t, resp.Items, 3)

	assert.False(t, resp.Items[0].Failed())
	assert.True(t, resp.Items[1].Failed())
	assert.Equal(t, &logshipper.ErrorCause{
		Type:   "mapper_parsing_exception",
		Reason: "failed to parse field [level]",
	}, resp.Items[1].Error)
	assert.Equal(t, http.StatusBadRequest, resp.Items[1].Status)
	assert.False(t, resp.Items[2].Failed())
}

func TestBulkIndexerCreateAction(t *testing.T) {
	// Some Elasticsearch versions report items under "create".
	client := logshippertest.NewMockElasticsearchClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _, result := logshippertest.DecodeBulkRequest(r)
		for i, item := range result.Items {
			result.Items[i] = map[string]esutil.BulkIndexerResponseItem{"create": item["index"]}
		}
		json.NewEncoder(w).Encode(result)
	})
	indexer, err := logshipper.NewBulkIndexer(logshipper.BulkIndexerConfig{Client: client})
	require.NoError(t, err)

	addBulkItem(t, indexer, "testidx")
	addBulkItem(t, indexer, "testidx")
	resp, err := indexer.Flush(context.Background())
	require.NoError(t, err)
	require.Len(t, resp.Items, 2)
	for _, item := range resp.Items {
		assert.Equal(t, "create", item.Action)
		assert.Equal(t, "testidx", item.Index)
	}
}

func TestBulkIndexerLegacyErrorString(t *testing.T) {
	client := logshippertest.NewMockElasticsearchClient(t, func(w http.ResponseWriter, r *http.Request) {
		logshippertest.DecodeBulkRequest(r)
		fmt.Fprint(w, `{"took":3,"errors":true,"items":[{"index":{"_index":"testidx","_type":"log","_id":"1","status":400,"error":"MapperParsingException[failed to parse]"}}]}`)
	})
	indexer, err := logshipper.NewBulkIndexer(logshipper.BulkIndexerConfig{Client: client, DocumentType: "log"})
	require.NoError(t, err)

	addBulkItem(t, indexer, "testidx")
	resp, err := indexer.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), resp.Took)
	require.Len(t, resp.Items, 1)
	assert.Equal(t, "log", resp.Items[0].Type)
	assert.Equal(t, "1", resp.Items[0].ID)
	assert.Equal(t, &logshipper.ErrorCause{Reason: "MapperParsingException[failed to parse]"}, resp.Items[0].Error)
}

func TestBulkIndexerFlushError(t *testing.T) {
	client := logshippertest.NewMockElasticsearchClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"type":"es_rejected_execution_exception"}}`))
	})
	indexer, err := logshipper.NewBulkIndexer(logshipper.BulkIndexerConfig{Client: client})
	require.NoError(t, err)

	addBulkItem(t, indexer, "testidx")
	_, err = indexer.Flush(context.Background())
	require.EqualError(t, err, `flush failed (429): {"error":{"type":"es_rejected_execution_exception"}}`)

	var errFailed logshipper.ErrorFlushFailed
	require.True(t, errors.As(err, &errFailed))
	assert.Equal(t, http.StatusTooManyRequests, errFailed.StatusCode())
	assert.Equal(t, `{"error":{"type":"es_rejected_execution_exception"}}`, errFailed.ResponseBody())

	// The buffer is cleared even when the request fails.
	assert.Equal(t, 0, indexer.Items())
	assert.Equal(t, 0, indexer.Len())
}

func TestBulkIndexerItemCountMismatch(t *testing.T) {
	client := logshippertest.NewMockElasticsearchClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _, result := logshippertest.DecodeBulkRequest(r)
		result.Items = result.Items[:1]
		json.NewEncoder(w).Encode(result)
	})
	indexer, err := logshipper.NewBulkIndexer(logshipper.BulkIndexerConfig{Client: client})
	require.NoError(t, err)

	addBulkItem(t, indexer, "testidx")
	addBulkItem(t, indexer, "testidx")
	_, err = indexer.Flush(context.Background())
	require.ErrorContains(t, err, "bulk response item count mismatch: 1 items for 2 documents")
}

func TestBulkIndexerFlushEmpty(t *testing.T) {
	var requests atomic.Int64
	client := logshippertest.NewMockElasticsearchClient(t, func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
	})
	indexer, err := logshipper.NewBulkIndexer(logshipper.BulkIndexerConfig{Client: client})
	require.NoError(t, err)

	resp, err := indexer.Flush(context.Background())
	require.NoError(t, err)
	assert.Empty(t, resp.Items)
	assert.Equal(t, int64(0), requests.Load())
}

func TestBulkIndexerUnknownResponseFields(t *testing.T) {
	client := logshippertest.NewMockElasticsearchClient(t, func(w http.ResponseWriter, r *http.Request) {
		logshippertest.DecodeBulkRequest(r)
		fmt.Fprint(w, `{"ingest_took":1,"took":2,"errors":false,"items":[{"index":{"_index":"testidx","_shards":{"total":2},"status":201,"new_field":[1,2]}}],"unknown":{"a":"b"}}`)
	})
	indexer, err := logshipper.NewBulkIndexer(logshipper.BulkIndexerConfig{Client: client})
	require.NoError(t, err)

	addBulkItem(t, indexer, "testidx")
	resp, err := indexer.Flush(context.Background())
	require.NoError(t, err)
	require.Len(t, resp.Items, 1)
	assert.Equal(t, http.StatusCreated, resp.Items[0].Status)
}

func TestNewBulkIndexerInvalidConfig(t *testing.T) {
	_, err := logshipper.NewBulkIndexer(logshipper.BulkIndexerConfig{})
	assert.EqualError(t, err, "client is nil")

	client := logshippertest.NewMockElasticsearchClient(t, func(w http.ResponseWriter, r *http.Request) {})
	_, err = logshipper.NewBulkIndexer(logshipper.BulkIndexerConfig{Client: client, CompressionLevel: 10})
	assert.EqualError(t, err, "expected CompressionLevel in range [-1,9], got 10")
}

func addBulkItem(t testing.TB, indexer *logshipper.BulkIndexer, index string) {
	require.NoError(t, indexer.Add(logshipper.BulkIndexerItem{
		Index: index,
		Body: newJSONReader(map[string]any{
			"time": time.Now().Format(logshippertest.TimestampFormat),
		}),
	}))
}

func newJSONReader(v any) *bytes.Reader {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return bytes.NewReader(data)
}
