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
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/elastic/elastic-transport-go/v8/elastictransport"
	"go.elastic.co/apm/module/apmzap/v2"
	"go.elastic.co/apm/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrClosed is returned from methods of closed Shippers.
	ErrClosed = errors.New("log shipper closed")

	// ErrMissingIndex is reported for records resolving to an empty index
	// name.
	ErrMissingIndex = errors.New("missing index name")
)

// Shipper ships log records into Elasticsearch.
//
// Records are queued until Config.BulkSize records are waiting, at which
// point adding more blocks until the queue drains. A single dispatching
// goroutine takes whatever is queued, up to Config.BulkSize records, and
// indexes it with one request. No further request is issued until the
// current one completes, successfully or not.
type Shipper struct {
	config       Config
	dispatcher   dispatcher
	resolveIndex IndexNameFunc
	queue        chan queuedRecord
	errgroup     errgroup.Group
	metrics      metrics
	now          func() time.Time

	// mu guards closing against new senders registering.
	mu      sync.RWMutex
	closed  chan struct{}
	senders sync.WaitGroup

	linesRead    atomic.Int64
	linesUnknown atomic.Int64
	docsAdded    atomic.Int64
	docsIndexed  atomic.Int64
	docsFailed   atomic.Int64
	insertErrors atomic.Int64
	requests     atomic.Int64
	bytesTotal   atomic.Int64

	// tracer is an OTel tracer, and should not be confused with `s.config.Tracer`
	// which is an Elastic APM Tracer.
	tracer trace.Tracer
}

// Stats holds shipping statistics.
type Stats struct {
	// Lines holds the number of input lines read.
	Lines int64

	// Unknown holds the number of input lines that could not be shipped.
	Unknown int64

	// Added holds the number of documents queued for indexing.
	Added int64

	// Indexed holds the number of documents Elasticsearch accepted.
	Indexed int64

	// Failed holds the number of documents Elasticsearch rejected within
	// successful requests.
	Failed int64

	// InsertErrors holds the number of failed requests.
	InsertErrors int64

	// Requests holds the number of requests completed.
	Requests int64

	// BytesTotal holds the number of bytes sent in request bodies.
	BytesTotal int64
}

// New returns a new Shipper that indexes records into Elasticsearch using
// client. Any elastictransport.Interface works, including *elasticsearch.Client
// and *elastictransport.Client, the latter having no product check and
// being suitable for Elasticsearch versions older than 7.14.
func New(client elastictransport.Interface, cfg Config) (*Shipper, error) {
	if client == nil {
		return nil, errors.New("client is nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = DefaultConfig(cfg)

	ms, err := newMetrics(cfg)
	if err != nil {
		return nil, err
	}
	d, err := newDispatcher(client, cfg)
	if err != nil {
		return nil, fmt.Errorf("error creating dispatcher: %w", err)
	}
	s := &Shipper{
		config:       cfg,
		dispatcher:   d,
		resolveIndex: newIndexNameFunc(cfg),
		queue:        make(chan queuedRecord, cfg.BulkSize),
		closed:       make(chan struct{}),
		metrics:      ms,
		now:          time.Now,
	}
	if cfg.Tracer == nil && cfg.TracerProvider != nil {
		s.tracer = cfg.TracerProvider.Tracer("github.com/elastic/go-logshipper")
	}
	s.errgroup.Go(func() error {
		s.run()
		return nil
	})
	return s, nil
}

// Close stops accepting records and waits until all queued records have
// been dispatched.
//
// If ctx is done first, Close returns its error. Queued records are still
// dispatched in the background: requests are never interrupted.
func (s *Shipper) Close(ctx context.Context) error {
	s.mu.Lock()
	select {
	case <-s.closed:
	default:
		close(s.closed)
	}
	s.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- s.errgroup.Wait() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ship reads newline-delimited JSON from r until EOF, adding each line.
//
// Ship returns when r is exhausted, when ctx is done, or when the Shipper
// is closed. Lines that cannot be shipped are reported to
// Config.Events.OnUnknown and do not stop Ship.
func (s *Shipper) Ship(ctx context.Context, r io.Reader) error {
	br := bufio.NewReaderSize(r, 64*1024)
	// Leave room for a CRLF terminator.
	limit := s.config.MaxLineSize + 2
	var line []byte
	var tooLong bool
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		chunk, err := br.ReadSlice('\n')
		if !tooLong {
			if len(line)+len(chunk) > limit {
				line = append(line, chunk[:limit-len(line)]...)
				tooLong = true
			} else {
				line = append(line, chunk...)
			}
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}

		content := trimEOL(line)
		switch {
		case tooLong || len(content) > s.config.MaxLineSize:
			if s.isClosed() {
				return ErrClosed
			}
			s.linesRead.Add(1)
			s.addMetric(s.metrics.linesRead, 1)
			s.unknown(content, newDecodeError(content, ErrLineTooLong))
		case err == nil || len(line) > 0:
			if addErr := s.Add(ctx, content); addErr != nil {
				return addErr
			}
		}
		line, tooLong = line[:0], false

		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("failed to read input: %w", err)
		}
	}
}

func trimEOL(line []byte) []byte {
	line = bytes.TrimSuffix(line, []byte("\n"))
	return bytes.TrimSuffix(line, []byte("\r"))
}

// Add decodes a single line of input and queues the resulting record.
//
// Lines that cannot be shipped are reported to Config.Events.OnUnknown and
// Add returns nil. Add blocks while the queue is full, returning early with
// the context error if ctx is done first.
func (s *Shipper) Add(ctx context.Context, line []byte) error {
	if s.isClosed() {
		return ErrClosed
	}
	s.linesRead.Add(1)
	s.addMetric(s.metrics.linesRead, 1)

	decoded := Decode(line)
	if decoded.Kind == Malformed {
		s.unknown(line, decoded.Err)
		return nil
	}
	if err := NormalizeTime(decoded.Record, s.now()); err != nil {
		s.unknown(line, newDecodeError(line, err))
		return nil
	}
	q, err := s.prepare(ctx, decoded.Record)
	if err != nil {
		s.unknown(line, newDecodeError(line, err))
		return nil
	}
	return s.enqueue(ctx, q)
}

// AddRecord normalizes the time of rec and queues it. rec must not be
// modified after AddRecord returns.
func (s *Shipper) AddRecord(ctx context.Context, rec Record) error {
	if s.isClosed() {
		return ErrClosed
	}
	if err := NormalizeTime(rec, s.now()); err != nil {
		return err
	}
	q, err := s.prepare(ctx, rec)
	if err != nil {
		return err
	}
	return s.enqueue(ctx, q)
}

// prepare resolves the index of a normalized record, applies the schema
// mapper and encodes the document.
func (s *Shipper) prepare(ctx context.Context, rec Record) (queuedRecord, error) {
	ts, _ := rec[timeField].(string)
	index := s.resolveIndex(ts)
	if index == "" {
		return queuedRecord{}, ErrMissingIndex
	}
	doc := rec
	if s.config.SchemaMapper != nil {
		doc = s.config.SchemaMapper(rec)
	}
	body, err := jsonAPI.Marshal(doc)
	if err != nil {
		return queuedRecord{}, fmt.Errorf("failed to encode document: %w", err)
	}
	return queuedRecord{
		index:    index,
		doc:      doc,
		body:     body,
		enqueued: time.Now(),
		link:     linkFromContext(ctx),
	}, nil
}

func (s *Shipper) enqueue(ctx context.Context, q queuedRecord) error {
	s.mu.RLock()
	if s.isClosed() {
		s.mu.RUnlock()
		return ErrClosed
	}
	s.senders.Add(1)
	s.mu.RUnlock()
	defer s.senders.Done()

	if len(s.queue) == cap(s.queue) {
		s.addMetric(s.metrics.blockedAdd, 1)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closed:
		return ErrClosed
	case s.queue <- q:
	}
	s.docsAdded.Add(1)
	s.addMetric(s.metrics.docsAdded, 1)
	return nil
}

func (s *Shipper) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *Shipper) unknown(line []byte, err error) {
	s.linesUnknown.Add(1)
	s.addMetric(s.metrics.linesUnknown, 1)
	s.config.Logger.Debug("skipping input line", zap.Error(err))
	s.config.Events.unknown(line, err)
}

// Stats returns the shipping stats.
func (s *Shipper) Stats() Stats {
	return Stats{
		Lines:        s.linesRead.Load(),
		Unknown:      s.linesUnknown.Load(),
		Added:        s.docsAdded.Load(),
		Indexed:      s.docsIndexed.Load(),
		Failed:       s.docsFailed.Load(),
		InsertErrors: s.insertErrors.Load(),
		Requests:     s.requests.Load(),
		BytesTotal:   s.bytesTotal.Load(),
	}
}

// run dispatches queued records until the Shipper is closed and the queue
// is drained.
func (s *Shipper) run() {
	batch := make([]queuedRecord, 0, s.config.BulkSize)
	dispatch := func(q queuedRecord) {
		batch = s.fill(append(batch, q))
		s.flush(context.Background(), batch)
		clear(batch)
		batch = batch[:0]
	}
	for {
		select {
		case q := <-s.queue:
			dispatch(q)
		case <-s.closed:
			// Senders blocked on a full queue observe closed and return,
			// so no record is sent after Wait returns.
			s.senders.Wait()
			for len(s.queue) > 0 {
				dispatch(<-s.queue)
			}
			return
		}
	}
}

// fill appends queued records to batch until it holds BulkSize records or
// the queue is empty. When FlushInterval is set, fill waits up to that long
// for more records.
func (s *Shipper) fill(batch []queuedRecord) []queuedRecord {
	var linger <-chan time.Time
	if s.config.FlushInterval > 0 && len(batch) < s.config.BulkSize {
		timer := time.NewTimer(s.config.FlushInterval)
		defer timer.Stop()
		linger = timer.C
	}
	for len(batch) < s.config.BulkSize {
		select {
		case q := <-s.queue:
			batch = append(batch, q)
			continue
		default:
		}
		if linger == nil {
			return batch
		}
		select {
		case q := <-s.queue:
			batch = append(batch, q)
		case <-linger:
			return batch
		case <-s.closed:
			return batch
		}
	}
	return batch
}

func (s *Shipper) flush(ctx context.Context, batch []queuedRecord) {
	n := len(batch)
	if n == 0 {
		return
	}
	kind := s.dispatcher.kind()
	logger := s.config.Logger
	links := uniqueLinks(batch)

	var tx *apm.Transaction
	if s.apmTracingEnabled() {
		var opts apm.TransactionOptions
		for _, l := range links {
			opts.Links = append(opts.Links, l.APMLink())
		}
		tx = s.config.Tracer.StartTransactionOptions("logshipper.flush", "output", opts)
		tx.Context.SetLabel("documents", n)
		defer tx.End()
		ctx = apm.ContextWithTransaction(ctx, tx)

		// Add trace IDs to logger, to associate any per-item errors
		// below with the trace.
		logger = logger.With(apmzap.TraceContext(ctx)...)
	}

	var span trace.Span
	if s.otelTracingEnabled() {
		otelLinks := make([]trace.Link, 0, len(links))
		for _, l := range links {
			otelLinks = append(otelLinks, l.OTELLink())
		}
		ctx, span = s.tracer.Start(ctx, "logshipper.flush",
			trace.WithAttributes(
				attribute.Int("documents", n),
				attribute.String("type", kind),
			),
			trace.WithLinks(otelLinks...),
		)
		defer span.End()

		logger = logger.With(
			zap.String("traceId", span.SpanContext().TraceID().String()),
			zap.String("spanId", span.SpanContext().SpanID().String()),
		)
	}

	flushCtx := ctx
	if s.config.FlushTimeout != 0 {
		var cancel context.CancelFunc
		flushCtx, cancel = context.WithTimeout(ctx, s.config.FlushTimeout)
		defer cancel()
	}

	var results []InsertResult
	var err error
	took := timeFunc(func() {
		results, err = s.dispatcher.dispatch(flushCtx, batch)
	})

	s.requests.Add(1)
	s.addMetric(s.metrics.requests, 1, metric.WithAttributes(attribute.String("type", kind)))
	attrs := metric.WithAttributeSet(s.config.MetricAttributes)
	s.metrics.flushDuration.Record(context.Background(), took.Seconds(), attrs)
	s.metrics.bufferDuration.Record(context.Background(), time.Since(batch[0].enqueued).Seconds(), attrs)
	if flushed := s.dispatcher.bytesFlushed(); flushed > 0 {
		s.bytesTotal.Add(int64(flushed))
		s.addMetric(s.metrics.bytesTotal, int64(flushed))
	}

	if err != nil {
		s.insertErrors.Add(1)
		s.recordRequestFailure(err, n)
		logger.Error(kind+" indexing request failed", zap.Error(err), zap.Int("documents", n))
		if tx != nil {
			tx.Outcome = "failure"
			apm.CaptureError(ctx, err).Send()
		}
		if span != nil && span.IsRecording() {
			span.RecordError(err)
			span.SetStatus(codes.Error, kind+" indexing request failed")
		}
		s.config.Events.insertError(err)
		return
	}

	var docsIndexed, docsFailed, tooMany, clientFailed, serverFailed int64
	var failedCount map[failureKey]int
	for i, result := range results {
		if result.Failed() {
			docsFailed++
			switch {
			case result.Status == http.StatusTooManyRequests:
				tooMany++
			case result.Status >= 500:
				serverFailed++
			default:
				clientFailed++
			}
			if failedCount == nil {
				failedCount = make(map[failureKey]int)
			}
			failedCount[newFailureKey(result)]++
		} else {
			docsIndexed++
		}
		s.config.Events.insert(result, batch[i].doc)
	}
	for key, count := range failedCount {
		logger.Error(fmt.Sprintf("failed to index documents in '%s' (%s): %s",
			key.index, key.errorType, key.reason,
		), zap.Int("documents", count))
		if tx != nil {
			apm.CaptureError(ctx, errors.New(key.reason)).Send()
		}
	}
	s.docsIndexed.Add(docsIndexed)
	s.docsFailed.Add(docsFailed)
	s.addDocsIndexed(docsIndexed, "Success")
	s.addDocsIndexed(tooMany, "TooMany")
	s.addDocsIndexed(clientFailed, "FailedClient")
	s.addDocsIndexed(serverFailed, "FailedServer")

	logger.Debug(
		kind+" request completed",
		zap.Int64("docs_indexed", docsIndexed),
		zap.Int64("docs_failed", docsFailed),
		zap.Int64("docs_rate_limited", tooMany),
	)
	if tx != nil {
		tx.Outcome = "success"
	}
	if span != nil && span.IsRecording() {
		if docsFailed > 0 {
			span.SetStatus(codes.Error, "failed to index documents")
		} else {
			span.SetStatus(codes.Ok, "")
		}
	}
}

// recordRequestFailure counts all documents of a failed request by the
// reason the request failed.
func (s *Shipper) recordRequestFailure(err error, n int) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		s.addDocsIndexed(int64(n), "Timeout")
		return
	}
	var errFailed ErrorFlushFailed
	if !errors.As(err, &errFailed) {
		s.addDocsIndexed(int64(n), "Failed")
		return
	}
	var status string
	switch {
	case errFailed.tooMany:
		status = "TooMany"
	case errFailed.clientError:
		status = "FailedClient"
	case errFailed.serverError:
		status = "FailedServer"
	default:
		status = "Failed"
	}
	s.addMetric(s.metrics.docsIndexed, int64(n),
		metric.WithAttributes(
			attribute.String("status", status),
			semconv.HTTPResponseStatusCode(errFailed.statusCode),
		),
	)
}

func (s *Shipper) addDocsIndexed(n int64, status string) {
	if n == 0 {
		return
	}
	s.addMetric(s.metrics.docsIndexed, n, metric.WithAttributes(attribute.String("status", status)))
}

func (s *Shipper) addMetric(m metric.Int64Counter, delta int64, opts ...metric.AddOption) {
	attrs := metric.WithAttributeSet(s.config.MetricAttributes)
	m.Add(context.Background(), delta, append(opts, attrs)...)
}

// apmTracingEnabled checks whether we should be doing tracing using the
// Elastic APM tracer.
func (s *Shipper) apmTracingEnabled() bool {
	return s.config.Tracer != nil && s.config.Tracer.Recording()
}

// otelTracingEnabled checks whether we should be doing tracing
// using otel tracer.
func (s *Shipper) otelTracingEnabled() bool {
	return s.tracer != nil
}

// failureKey groups rejected documents for logging.
type failureKey struct {
	index     string
	errorType string
	reason    string
}

func newFailureKey(result InsertResult) failureKey {
	key := failureKey{index: result.Index}
	if result.Error != nil {
		key.errorType = result.Error.Type
		// Match Elasticsearch field mapper field value:
		// failed to parse field [%s] of type [%s] in %s. Preview of field's value: '%s'
		key.reason, _, _ = strings.Cut(result.Error.Reason, ". Preview")
	}
	return key
}

func timeFunc(f func()) time.Duration {
	t0 := time.Now()
	if f != nil {
		f()
	}
	return time.Since(t0)
}
