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
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.elastic.co/fastjson"
	"go.uber.org/zap"

	"github.com/elastic/go-logshipper"
	"github.com/elastic/go-logshipper/logshippertest"
)

func BenchmarkShipper(b *testing.B) {
	for name, level := range map[string]int{
		"NoCompression":      gzip.NoCompression,
		"BestSpeed":          gzip.BestSpeed,
		"DefaultCompression": gzip.DefaultCompression,
		"BestCompression":    gzip.BestCompression,
	} {
		b.Run(name, func(b *testing.B) {
			benchmarkShipper(b, logshipper.Config{CompressionLevel: level})
		})
	}
	b.Run("ECS", func(b *testing.B) {
		benchmarkShipper(b, logshipper.Config{ECS: true})
	})
	b.Run("Single", func(b *testing.B) {
		benchmarkShipper(b, logshipper.Config{BulkSize: 1})
	})
}

func BenchmarkShipperShip(b *testing.B) {
	var indexed atomic.Int64
	client := logshippertest.NewMockElasticsearchClient(b, bulkCountingHandler(b, &indexed))
	shipper, err := logshipper.New(client, logshipper.Config{FlushInterval: time.Second})
	require.NoError(b, err)
	defer shipper.Close(context.Background())

	line := benchmarkLine()
	b.SetBytes(int64(len(line) + 1))
	input := strings.Repeat(string(line)+"\n", b.N)

	b.ResetTimer()
	if err := shipper.Ship(context.Background(), strings.NewReader(input)); err != nil {
		b.Fatal(err)
	}
	if err := shipper.Close(context.Background()); err != nil {
		b.Fatal(err)
	}
	assert.Equal(b, int64(b.N), indexed.Load())
}

func BenchmarkShipperError(b *testing.B) {
	client := logshippertest.NewMockElasticsearchClient(b, func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		_, _, result := logshippertest.DecodeBulkRequest(r)
		for i, item := range result.Items {
			itemResp := item["index"]
			itemResp.Index = "an_index"
			itemResp.Status = http.StatusBadRequest
			itemResp.Error.Type = "error_type"
			if i%2 == 0 {
				itemResp.Error.Reason = "error_reason_even. Preview of field's value: 'abc def ghi'"
			} else {
				itemResp.Error.Reason = "error_reason_odd. Preview of field's value: some field value"
			}
			item["index"] = itemResp
		}
		result.HasErrors = true
		json.NewEncoder(w).Encode(result)
	})
	shipper, err := logshipper.New(client, logshipper.Config{
		Logger: zap.NewNop(),
	})
	require.NoError(b, err)
	b.Cleanup(func() { shipper.Close(context.Background()) })

	line := benchmarkLine()
	b.SetBytes(int64(len(line))) // bytes processed each iteration

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			if err := shipper.Add(ctx, line); err != nil {
				b.Fatal(err)
			}
		}
	})
	if err := shipper.Close(context.Background()); err != nil {
		b.Fatal(err)
	}
}

func benchmarkShipper(b *testing.B, cfg logshipper.Config) {
	var indexed atomic.Int64
	client := logshippertest.NewMockElasticsearchClientWithIndex(b,
		bulkCountingHandler(b, &indexed),
		func(w http.ResponseWriter, r *http.Request) {
			req := logshippertest.DecodeIndexRequest(r)
			w.WriteHeader(http.StatusCreated)
			w.Write(logshippertest.IndexResponse(req))
			indexed.Add(1)
		},
	)
	cfg.FlushInterval = time.Second
	shipper, err := logshipper.New(client, cfg)
	require.NoError(b, err)
	defer shipper.Close(context.Background())

	line := benchmarkLine()
	b.SetBytes(int64(len(line))) // bytes processed each iteration

	// A cancellable context exercises the select in Add the way
	// production callers do.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			if err := shipper.Add(ctx, line); err != nil {
				b.Fatal(err)
			}
		}
	})
	// Closing the shipper waits for queued records to be indexed.
	if err := shipper.Close(context.Background()); err != nil {
		b.Fatal(err)
	}
	assert.Equal(b, int64(b.N), indexed.Load())
}

// bulkCountingHandler acknowledges every document of a bulk request
// without decoding them.
func bulkCountingHandler(b *testing.B, indexed *atomic.Int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body := r.Body
		if r.Header.Get("Content-Encoding") == "gzip" {
			r, err := gzip.NewReader(body)
			if err != nil {
				panic(err)
			}
			defer r.Close()
			body = r
		}

		var n int64
		var jsonw fastjson.Writer
		jsonw.RawString(`{"items":[`)
		first := true
		scanner := bufio.NewScanner(body)
		for scanner.Scan() {
			// Action is always "index", skip decoding to avoid
			// inflating allocations in benchmark.
			if !scanner.Scan() {
				panic("expected source")
			}
			if first {
				first = false
			} else {
				jsonw.RawByte(',')
			}
			jsonw.RawString(`{"index":{"status":201}}`)
			n++
		}
		require.NoError(b, scanner.Err())
		jsonw.RawString(`]}`)
		w.Write(jsonw.Bytes())
		indexed.Add(n)
	}
}

func benchmarkLine() []byte {
	line, err := json.Marshal(map[string]any{
		"level":    30,
		"time":     time.Now().UnixMilli(),
		"pid":      1234,
		"hostname": "host-1",
		"msg":      "request completed",
		"req":      map[string]any{"method": "GET", "url": "/hello"},
		"res":      map[string]any{"statusCode": 200},
	})
	if err != nil {
		panic(err)
	}
	return line
}
